package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/crypto"
	"github.com/nutlock/nutlock/mint"
	"github.com/nutlock/nutlock/wallet/storage"
)

// Preimage placed in refund witnesses. The mint ignores the preimage
// on the refund path but the field is mandatory on the wire.
const refundPreimagePlaceholder = "0000000000000000000000000000000000000000000000000000000000000000"

// how many times Lock re-selects after the mint reports inputs spent
const maxLockAttempts = 3

// escrowLock returns the mutex serializing operations on one escrow
// id. Distinct escrows proceed concurrently.
func (w *Wallet) escrowLock(id string) *sync.Mutex {
	w.escrowMu.Lock()
	defer w.escrowMu.Unlock()
	mu, ok := w.escrowSer[id]
	if !ok {
		mu = new(sync.Mutex)
		w.escrowSer[id] = mu
	}
	return mu
}

// releaseEscrowLock drops the mutex entry for an escrow that reached
// a terminal state. Terminal locks never transition again, so late
// callers re-creating an entry only find ErrEscrowFinalized.
func (w *Wallet) releaseEscrowLock(id string) {
	w.escrowMu.Lock()
	delete(w.escrowSer, id)
	w.escrowMu.Unlock()
}

// Lock swaps wallet proofs for proofs locked under a hash/time
// condition: claimable by counterpartyKey with the preimage of
// paymentHash, refundable to this wallet's escrow key after locktime.
// The locked proofs leave the ledger and live only inside the
// returned lock's token.
func (w *Wallet) Lock(ctx context.Context, amount uint64, counterpartyKey, paymentHash string, locktime int64) (*storage.EscrowLock, error) {
	if amount == 0 {
		return nil, errors.New("amount must be positive")
	}
	if len(paymentHash) != 64 {
		return nil, errors.New("payment hash must be 32 bytes hex")
	}
	if _, err := hex.DecodeString(paymentHash); err != nil {
		return nil, fmt.Errorf("invalid payment hash: %v", err)
	}
	if _, err := crypto.ParsePublicKey(counterpartyKey); err != nil {
		return nil, fmt.Errorf("invalid counterparty key: %v", err)
	}
	if locktime <= time.Now().Unix() {
		return nil, errors.New("locktime must be in the future")
	}
	if w.signer == nil {
		return nil, ErrNoWalletKey
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	keyset, err := w.activeKeyset(w.currentMint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		lock, err := w.lockOnce(ctx, amount, counterpartyKey, paymentHash, locktime, keyset.Id)
		if err != nil {
			var spentErr *ProofsSpentError
			if errors.As(err, &spentErr) {
				// spent inputs were evicted, re-select from what remains
				lastErr = err
				continue
			}
			return nil, err
		}
		return lock, nil
	}
	return nil, lastErr
}

func (w *Wallet) lockOnce(ctx context.Context, amount uint64, counterpartyKey, paymentHash string,
	locktime int64, keysetId string) (*storage.EscrowLock, error) {

	// selection target grows if the mint charges input fees
	target := amount
	var selected cashu.Proofs
	var fee uint64
	for {
		var err error
		selected, err = w.selectProofsForSpending(target, w.currentMint)
		if err != nil {
			return nil, err
		}
		fee = w.proofsFee(w.currentMint, selected)
		if selected.Amount() >= amount+fee {
			break
		}
		target = amount + fee
	}

	spent, err := w.checkSpentSecrets(ctx, w.currentMint, selected)
	if err != nil {
		return nil, err
	}
	if len(spent) > 0 {
		if err := w.evictSpent(ctx, w.currentMint, spent); err != nil {
			return nil, err
		}
		return nil, &ProofsSpentError{SpentCount: len(spent), TotalSelected: len(selected)}
	}

	refundKey := w.signer.PublicKeyHex()

	// HTLC outputs for the locked amount, each with its own secret
	lockedAmounts := cashu.AmountSplit(amount)
	lockedSecrets := make([]string, len(lockedAmounts))
	for i := range lockedAmounts {
		secret, err := cashu.NewHTLCSecret(paymentHash, counterpartyKey, refundKey, locktime)
		if err != nil {
			return nil, err
		}
		lockedSecrets[i] = secret
	}
	lockedOutputs, lockedSecrets, lockedRs, err := w.blindSecrets(lockedAmounts, lockedSecrets, keysetId)
	if err != nil {
		return nil, err
	}

	outputs := lockedOutputs
	secrets := lockedSecrets
	rs := lockedRs

	changeAmount := selected.Amount() - amount - fee
	if changeAmount > 0 {
		changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(changeAmount, keysetId)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, changeOutputs...)
		secrets = append(secrets, changeSecrets...)
		rs = append(rs, changeRs...)
	}

	lockIdBytes, err := cashu.GenerateRandomBytes()
	if err != nil {
		return nil, err
	}
	lockId := hex.EncodeToString(lockIdBytes[:16])

	marker, err := w.savePendingSwap(w.currentMint, keysetId, outputs, secrets, rs, lockId)
	if err != nil {
		return nil, err
	}

	swapRes, err := w.client.PostSwap(ctx, w.currentMint, mint.PostSwapRequest{Inputs: selected, Outputs: outputs})
	if err != nil {
		w.clearPendingSwapOnRejection(marker, err)
		return nil, w.wrapMintError(ctx, w.currentMint, selected, err)
	}

	proofs, err := w.constructProofs(ctx, w.currentMint, swapRes.Signatures, secrets, rs)
	if err != nil {
		return nil, err
	}

	lockedProofs := proofs[:len(lockedOutputs)]
	changeProofs := proofs[len(lockedOutputs):]

	// inputs were consumed by the swap
	spentInputs := make(map[string]bool, len(selected))
	for _, proof := range selected {
		spentInputs[proof.Secret] = true
	}
	if err := w.evictSpent(ctx, w.currentMint, spentInputs); err != nil {
		return nil, err
	}
	if err := w.storeProofs(ctx, w.currentMint, changeProofs); err != nil {
		return nil, err
	}

	tokenV4, err := cashu.NewTokenV4(lockedProofs, w.currentMint, w.unit)
	if err != nil {
		return nil, err
	}
	token, err := tokenV4.Serialize()
	if err != nil {
		return nil, err
	}

	lock := storage.EscrowLock{
		Id:              lockId,
		Token:           token,
		Amount:          amount,
		Locktime:        locktime,
		CounterpartyKey: counterpartyKey,
		PaymentHash:     paymentHash,
		Status:          storage.Locked,
		MintURL:         w.currentMint,
		CreatedAt:       time.Now().Unix(),
	}
	if err := w.db.SaveEscrowLock(lock); err != nil {
		return nil, fmt.Errorf("error saving escrow lock: %v", err)
	}
	if err := w.db.DeletePendingSwap(marker); err != nil {
		w.log.Warn("could not clear recovery marker", zap.String("marker", marker), zap.Error(err))
	}

	w.log.Info("locked funds in escrow",
		zap.String("escrow", lockId),
		zap.Uint64("amount", amount),
		zap.Int64("locktime", locktime),
	)
	return &lock, nil
}

// Claim redeems an HTLC token locked to this wallet's escrow key by
// revealing the preimage, swapping the locked proofs for fresh
// unconditional proofs in the ledger.
func (w *Wallet) Claim(ctx context.Context, tokenStr, preimage string) (uint64, error) {
	if w.signer == nil {
		return 0, ErrNoWalletKey
	}
	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return 0, &TokenParseError{Err: err}
	}
	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, &TokenParseError{Err: errors.New("token carries no proofs")}
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return 0, &TokenParseError{Err: errors.New("token carries duplicate proofs")}
	}

	ourKey := w.signer.PublicKeyHex()
	for i, proof := range proofs {
		secretData, err := cashu.DeserializeSecret(proof.Secret)
		if err != nil {
			return 0, &TokenParseError{Err: err}
		}
		terms, err := cashu.ParseHTLCTerms(secretData)
		if err != nil {
			return 0, &TokenParseError{Err: err}
		}
		if !terms.PreimageMatches(preimage) {
			return 0, &PreimageMismatchError{PaymentHash: terms.PaymentHash}
		}
		lockedToUs := false
		for _, key := range terms.Pubkeys {
			if key == ourKey {
				lockedToUs = true
				break
			}
		}
		if !lockedToUs {
			return 0, fmt.Errorf("proofs are not locked to this wallet's key")
		}

		signature, err := w.signer.SignSecret(proof.Secret)
		if err != nil {
			return 0, err
		}
		witness, err := cashu.HTLCWitness{Preimage: preimage, Signatures: []string{signature}}.Serialize()
		if err != nil {
			return 0, err
		}
		proofs[i].Witness = witness
	}

	mintURL := token.Mint()
	w.mu.Lock()
	defer w.mu.Unlock()

	fresh, err := w.swapIn(ctx, mintURL, proofs)
	if err != nil {
		return 0, err
	}
	return fresh.Amount(), nil
}

// swapIn swaps externally received proofs for fresh ones on the given
// mint and stores them. Callers hold w.mu.
func (w *Wallet) swapIn(ctx context.Context, mintURL string, inputs cashu.Proofs) (cashu.Proofs, error) {
	if _, ok := w.mints[mintURL]; !ok {
		if err := w.loadMint(ctx, mintURL); err != nil {
			return nil, err
		}
	}
	mnt := w.mints[mintURL]
	keysetId := mnt.activeKeyset.Id

	fee := w.proofsFee(mintURL, inputs)
	if inputs.Amount() <= fee {
		return nil, fmt.Errorf("input amount %d does not cover the %d fee", inputs.Amount(), fee)
	}

	outputs, secrets, rs, err := w.createBlindedMessages(inputs.Amount()-fee, keysetId)
	if err != nil {
		return nil, err
	}
	marker, err := w.savePendingSwap(mintURL, keysetId, outputs, secrets, rs, "")
	if err != nil {
		return nil, err
	}

	swapRes, err := w.client.PostSwap(ctx, mintURL, mint.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		w.clearPendingSwapOnRejection(marker, err)
		return nil, w.wrapMintError(ctx, mintURL, inputs, err)
	}

	proofs, err := w.constructProofs(ctx, mintURL, swapRes.Signatures, secrets, rs)
	if err != nil {
		return nil, err
	}
	if err := w.storeProofs(ctx, mintURL, proofs); err != nil {
		return nil, err
	}
	if err := w.db.DeletePendingSwap(marker); err != nil {
		w.log.Warn("could not clear recovery marker", zap.String("marker", marker), zap.Error(err))
	}
	return proofs, nil
}

// Refund sweeps an expired escrow lock back into the wallet using the
// refund path of the HTLC. If the counterparty already claimed, the
// lock transitions to CLAIMED and the revealed preimage is recorded
// when the mint exposes it.
func (w *Wallet) Refund(ctx context.Context, escrowId string) error {
	mu := w.escrowLock(escrowId)
	mu.Lock()
	defer mu.Unlock()

	lock := w.db.GetEscrowLock(escrowId)
	if lock == nil {
		w.releaseEscrowLock(escrowId)
		return ErrEscrowNotFound
	}
	if lock.Status.Terminal() {
		w.releaseEscrowLock(escrowId)
		return ErrEscrowFinalized
	}
	if time.Now().Unix() < lock.Locktime {
		return ErrLocktimeNotExpired
	}
	if w.signer == nil {
		return ErrNoWalletKey
	}

	token, err := cashu.DecodeToken(lock.Token)
	if err != nil {
		return &TokenParseError{Err: err}
	}
	proofs := token.Proofs()

	for i, proof := range proofs {
		signature, err := w.signer.SignSecret(proof.Secret)
		if err != nil {
			return err
		}
		witness, err := cashu.HTLCWitness{
			Preimage:   refundPreimagePlaceholder,
			Signatures: []string{signature},
		}.Serialize()
		if err != nil {
			return err
		}
		proofs[i].Witness = witness
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.swapIn(ctx, lock.MintURL, proofs); err != nil {
		var spentErr *ProofsSpentError
		if errors.As(err, &spentErr) {
			// counterparty claimed before the refund landed
			lock.Status = storage.Claimed
			if preimage := w.revealedPreimage(ctx, lock.MintURL, proofs); preimage != "" {
				lock.Preimage = preimage
			}
			if saveErr := w.db.SaveEscrowLock(*lock); saveErr != nil {
				w.log.Warn("could not record claim on escrow lock", zap.String("escrow", escrowId), zap.Error(saveErr))
			}
			w.releaseEscrowLock(escrowId)
			w.log.Info("escrow already claimed by counterparty", zap.String("escrow", escrowId))
			return err
		}
		return err
	}

	lock.Status = storage.Refunded
	if err := w.db.SaveEscrowLock(*lock); err != nil {
		return fmt.Errorf("error saving escrow lock: %v", err)
	}
	w.releaseEscrowLock(escrowId)
	w.log.Info("refunded expired escrow", zap.String("escrow", escrowId), zap.Uint64("amount", lock.Amount))
	return nil
}

// revealedPreimage asks the mint for the spend witnesses of claimed
// proofs and extracts the preimage the counterparty revealed.
func (w *Wallet) revealedPreimage(ctx context.Context, mintURL string, proofs cashu.Proofs) string {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return ""
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	stateRes, err := w.client.PostCheckState(ctx, mintURL, mint.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return ""
	}
	for _, state := range stateRes.States {
		if state.Witness == "" {
			continue
		}
		witness, err := cashu.ParseHTLCWitness(state.Witness)
		if err != nil || witness.Preimage == refundPreimagePlaceholder {
			continue
		}
		if witness.Preimage != "" {
			return witness.Preimage
		}
	}
	return ""
}

// RefundExpired walks all stored escrow locks and refunds every
// non-terminal one whose locktime has passed. It keeps going past
// individual failures and returns how many locks were refunded.
func (w *Wallet) RefundExpired(ctx context.Context) (int, error) {
	refunded := 0
	var lastErr error
	now := time.Now().Unix()
	for _, lock := range w.db.GetEscrowLocks() {
		if lock.Status.Terminal() || now < lock.Locktime {
			continue
		}
		if err := w.Refund(ctx, lock.Id); err != nil {
			if !errors.Is(err, ErrEscrowFinalized) {
				w.log.Warn("refund sweep failed for escrow",
					zap.String("escrow", lock.Id), zap.Error(err))
				lastErr = err
			}
			continue
		}
		refunded++
	}
	return refunded, lastErr
}

// RecordClaim marks a lock claimed after the counterparty proved the
// payment out of band by handing over the preimage.
func (w *Wallet) RecordClaim(escrowId, preimage string) error {
	mu := w.escrowLock(escrowId)
	mu.Lock()
	defer mu.Unlock()

	lock := w.db.GetEscrowLock(escrowId)
	if lock == nil {
		w.releaseEscrowLock(escrowId)
		return ErrEscrowNotFound
	}
	if lock.Status.Terminal() {
		w.releaseEscrowLock(escrowId)
		return ErrEscrowFinalized
	}

	terms := cashu.HTLCTerms{PaymentHash: lock.PaymentHash}
	if !terms.PreimageMatches(preimage) {
		return &PreimageMismatchError{PaymentHash: lock.PaymentHash}
	}

	lock.Status = storage.Claimed
	lock.Preimage = preimage
	if err := w.db.SaveEscrowLock(*lock); err != nil {
		return fmt.Errorf("error saving escrow lock: %v", err)
	}
	w.releaseEscrowLock(escrowId)
	return nil
}

func (w *Wallet) EscrowLockById(id string) (*storage.EscrowLock, error) {
	lock := w.db.GetEscrowLock(id)
	if lock == nil {
		return nil, ErrEscrowNotFound
	}
	return lock, nil
}

func (w *Wallet) EscrowLocks() []storage.EscrowLock {
	return w.db.GetEscrowLocks()
}

// ResolvePendingSwaps replays recovery markers left by crashes
// mid-swap. For each marker the outputs are re-derived and the mint's
// restore endpoint is asked which of them it signed; signatures found
// are unblinded and, after a state check, the unspent proofs are
// recovered. An escrow lock record is rebuilt when the marker belongs
// to a lock whose record never landed.
func (w *Wallet) ResolvePendingSwaps(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	mintURLs := make(map[string]bool)
	for _, marker := range w.db.GetPendingSwaps() {
		mintURLs[marker.MintURL] = true
		if err := w.resolvePendingSwap(ctx, marker); err != nil {
			// marker stays for the next run
			w.log.Warn("could not resolve recovery marker",
				zap.String("marker", marker.Id), zap.Error(err))
		}
	}

	// a crash between a signed swap and input eviction leaves the
	// consumed inputs in the ledger; the marker records only the
	// outputs, so ask the mint which ledger proofs it has seen spent
	for mintURL := range mintURLs {
		proofs := w.mintProofs(mintURL)
		if len(proofs) == 0 {
			continue
		}
		spent, err := w.checkSpentSecrets(ctx, mintURL, proofs)
		if err != nil {
			w.log.Warn("could not check ledger state after recovery",
				zap.String("mint", mintURL), zap.Error(err))
			continue
		}
		if err := w.evictSpent(ctx, mintURL, spent); err != nil {
			w.log.Warn("could not evict consumed inputs after recovery",
				zap.String("mint", mintURL), zap.Error(err))
		}
	}
	return nil
}

func (w *Wallet) resolvePendingSwap(ctx context.Context, marker storage.PendingSwap) error {
	if len(marker.Secrets) != len(marker.Rs) || len(marker.Secrets) != len(marker.Amounts) {
		w.log.Warn("dropping malformed recovery marker", zap.String("marker", marker.Id))
		return w.db.DeletePendingSwap(marker.Id)
	}

	outputs := make(cashu.BlindedMessages, len(marker.Secrets))
	rs := make([]*secp256k1.PrivateKey, len(marker.Secrets))
	indexByB_ := make(map[string]int, len(marker.Secrets))
	for i, secret := range marker.Secrets {
		rBytes, err := hex.DecodeString(marker.Rs[i])
		if err != nil {
			return fmt.Errorf("invalid blinding factor in marker: %v", err)
		}
		r := secp256k1.PrivKeyFromBytes(rBytes)
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return err
		}
		outputs[i] = cashu.NewBlindedMessage(marker.KeysetId, marker.Amounts[i], B_)
		rs[i] = r
		indexByB_[outputs[i].B_] = i
	}

	restoreRes, err := w.client.PostRestore(ctx, marker.MintURL, mint.PostRestoreRequest{Outputs: outputs})
	if err != nil {
		return w.asUnreachable(marker.MintURL, err)
	}

	if len(restoreRes.Signatures) == 0 {
		// the mint never signed these outputs, the swap never happened
		return w.db.DeletePendingSwap(marker.Id)
	}
	if len(restoreRes.Outputs) != len(restoreRes.Signatures) {
		return errors.New("mint returned mismatched outputs and signatures")
	}

	var secrets []string
	var matchedRs []*secp256k1.PrivateKey
	signatures := make(cashu.BlindedSignatures, 0, len(restoreRes.Signatures))
	for i, output := range restoreRes.Outputs {
		idx, ok := indexByB_[output.B_]
		if !ok {
			continue
		}
		secrets = append(secrets, marker.Secrets[idx])
		matchedRs = append(matchedRs, rs[idx])
		signatures = append(signatures, restoreRes.Signatures[i])
	}

	proofs, err := w.constructProofs(ctx, marker.MintURL, signatures, secrets, matchedRs)
	if err != nil {
		return err
	}

	spent, err := w.checkSpentSecrets(ctx, marker.MintURL, proofs)
	if err != nil {
		return err
	}

	var recovered, lockedRecovered cashu.Proofs
	for _, proof := range proofs {
		if spent[proof.Secret] {
			continue
		}
		if cashu.SecretType(proof) == cashu.HTLC {
			lockedRecovered = append(lockedRecovered, proof)
		} else {
			recovered = append(recovered, proof)
		}
	}

	if err := w.storeProofs(ctx, marker.MintURL, recovered); err != nil {
		return err
	}

	if marker.EscrowId != "" && len(lockedRecovered) > 0 && w.db.GetEscrowLock(marker.EscrowId) == nil {
		if err := w.rebuildEscrowLock(marker, lockedRecovered); err != nil {
			return err
		}
	}

	w.log.Info("recovered proofs from crashed swap",
		zap.String("marker", marker.Id),
		zap.Int("recovered", len(recovered)),
		zap.Int("locked", len(lockedRecovered)),
	)
	return w.db.DeletePendingSwap(marker.Id)
}

// rebuildEscrowLock reconstructs a lock record from recovered HTLC
// proofs when the crash hit between the swap and the record landing.
func (w *Wallet) rebuildEscrowLock(marker storage.PendingSwap, lockedProofs cashu.Proofs) error {
	secretData, err := cashu.DeserializeSecret(lockedProofs[0].Secret)
	if err != nil {
		return err
	}
	terms, err := cashu.ParseHTLCTerms(secretData)
	if err != nil {
		return err
	}

	tokenV4, err := cashu.NewTokenV4(lockedProofs, marker.MintURL, w.unit)
	if err != nil {
		return err
	}
	token, err := tokenV4.Serialize()
	if err != nil {
		return err
	}

	var counterpartyKey string
	if len(terms.Pubkeys) > 0 {
		counterpartyKey = terms.Pubkeys[0]
	}
	lock := storage.EscrowLock{
		Id:              marker.EscrowId,
		Token:           token,
		Amount:          lockedProofs.Amount(),
		Locktime:        terms.Locktime,
		CounterpartyKey: counterpartyKey,
		PaymentHash:     terms.PaymentHash,
		Status:          storage.Locked,
		MintURL:         marker.MintURL,
		CreatedAt:       marker.CreatedAt,
	}
	return w.db.SaveEscrowLock(lock)
}
