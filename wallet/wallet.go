// Package wallet holds the proof ledger and orchestrates mint
// operations: minting, melting, swapping, and HTLC escrow.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/crypto"
	"github.com/nutlock/nutlock/mint"
	"github.com/nutlock/nutlock/wallet/backup"
	"github.com/nutlock/nutlock/wallet/storage"
)

type Config struct {
	WalletPath     string
	CurrentMintURL string
	Logger         *zap.Logger
}

type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

type Wallet struct {
	// guards the proof ledger: selection, store and delete. A swap
	// racing another swap over an overlapping proof set would get one
	// of them rejected as already-spent.
	mu sync.Mutex

	db     storage.DB
	log    *zap.Logger
	client *mint.Client
	unit   cashu.Unit

	currentMint string
	mints       map[string]walletMint

	seed      []byte
	masterKey *hdkeychain.ExtendedKey
	signer    *Signer

	backupSync *backup.Sync

	// one lock per escrow id, so distinct escrows proceed
	// independently while the same escrow is serialized
	escrowMu  sync.Mutex
	escrowSer map[string]*sync.Mutex
}

func InitStorage(path string) (storage.DB, error) {
	return storage.InitBolt(path)
}

func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	if config.CurrentMintURL == "" {
		return nil, ErrMintNotConnected
	}
	mintURL, err := url.Parse(config.CurrentMintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}
	db, err := InitStorage(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	wallet := &Wallet{
		db:          db,
		log:         log,
		client:      mint.NewClient(),
		unit:        cashu.Sat,
		currentMint: mintURL.String(),
		mints:       make(map[string]walletMint),
		escrowSer:   make(map[string]*sync.Mutex),
	}

	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return nil, fmt.Errorf("error saving seed: %v", err)
		}
	}
	wallet.seed = seed

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	wallet.masterKey = masterKey

	signer, err := NewSigner(masterKey)
	if err != nil {
		return nil, fmt.Errorf("error deriving wallet keys: %v", err)
	}
	wallet.signer = signer

	if err := wallet.loadMint(ctx, wallet.currentMint); err != nil {
		return nil, err
	}

	return wallet, nil
}

// SetBackup wires the backup store. Without one the wallet is local
// only.
func (w *Wallet) SetBackup(transport backup.Transport) {
	w.backupSync = backup.NewSync(transport, w.db, w.log)
}

func (w *Wallet) Backup() *backup.Sync { return w.backupSync }

func (w *Wallet) Signer() *Signer { return w.signer }

// Seed exposes the wallet seed for components keyed off it, like the
// backup container cipher.
func (w *Wallet) Seed() []byte { return w.seed }

func (w *Wallet) CurrentMint() string { return w.currentMint }

func (w *Wallet) Mnemonic() string { return w.db.GetMnemonic() }

func (w *Wallet) Close() error { return w.db.Close() }

// loadMint fetches the mint's keysets, verifies the advertised active
// keyset id against a locally derived one, and caches everything.
func (w *Wallet) loadMint(ctx context.Context, mintURL string) error {
	activeKeyset, err := w.fetchActiveKeyset(ctx, mintURL)
	if err != nil {
		return err
	}

	inactiveKeysets, err := w.fetchInactiveKeysets(ctx, mintURL)
	if err != nil {
		return err
	}

	storedKeysets := w.db.GetKeysets()[mintURL]
	saveIfNew := func(keyset crypto.WalletKeyset) error {
		if stored, ok := storedKeysets[keyset.Id]; ok {
			keyset.Counter = stored.Counter
			if stored.Active == keyset.Active {
				return nil
			}
		}
		return w.db.SaveKeyset(&keyset)
	}
	if err := saveIfNew(*activeKeyset); err != nil {
		return fmt.Errorf("error saving keyset: %v", err)
	}
	for _, keyset := range inactiveKeysets {
		if err := saveIfNew(keyset); err != nil {
			return fmt.Errorf("error saving keyset: %v", err)
		}
	}

	w.mints[mintURL] = walletMint{
		mintURL:         mintURL,
		activeKeyset:    *activeKeyset,
		inactiveKeysets: inactiveKeysets,
	}
	return nil
}

func (w *Wallet) fetchActiveKeyset(ctx context.Context, mintURL string) (*crypto.WalletKeyset, error) {
	keysRes, err := w.client.GetActiveKeysets(ctx, mintURL)
	if err != nil {
		return nil, w.asUnreachable(mintURL, err)
	}
	keysetsRes, err := w.client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, w.asUnreachable(mintURL, err)
	}

	for _, keyset := range keysRes.Keysets {
		if keyset.Unit != w.unit.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		keys, err := crypto.MapPubKeys(keyset.Keys)
		if err != nil {
			return nil, err
		}
		derivedId := crypto.DeriveKeysetId(keys)
		if derivedId != keyset.Id {
			return nil, fmt.Errorf("mint advertised keyset id '%v' but derived '%v'", keyset.Id, derivedId)
		}

		var inputFeePpk uint
		for _, info := range keysetsRes.Keysets {
			if info.Id == keyset.Id {
				inputFeePpk = info.InputFeePpk
				break
			}
		}

		return &crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: inputFeePpk,
		}, nil
	}

	return nil, errors.New("could not find an active keyset for the unit")
}

func (w *Wallet) fetchInactiveKeysets(ctx context.Context, mintURL string) (map[string]crypto.WalletKeyset, error) {
	keysetsRes, err := w.client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, w.asUnreachable(mintURL, err)
	}

	inactiveKeysets := make(map[string]crypto.WalletKeyset)
	for _, keysetRes := range keysetsRes.Keysets {
		_, err := hex.DecodeString(keysetRes.Id)
		if !keysetRes.Active && keysetRes.Unit == w.unit.String() && err == nil {
			inactiveKeysets[keysetRes.Id] = crypto.WalletKeyset{
				Id:          keysetRes.Id,
				MintURL:     mintURL,
				Unit:        keysetRes.Unit,
				Active:      false,
				InputFeePpk: keysetRes.InputFeePpk,
			}
		}
	}
	return inactiveKeysets, nil
}

func (w *Wallet) asUnreachable(mintURL string, err error) error {
	var transportErr *mint.TransportError
	if errors.As(err, &transportErr) {
		return &MintUnreachableError{MintURL: mintURL, Err: err}
	}
	return err
}

// Balance returns the sum of amounts over all proofs currently held
// for the current mint.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mintProofs(w.currentMint).Amount()
}

// mintProofs returns proofs whose keyset belongs to mintURL. Callers
// hold w.mu.
func (w *Wallet) mintProofs(mintURL string) cashu.Proofs {
	keysetIds := w.keysetIdsForMint(mintURL)
	return w.db.GetProofsByKeysetIds(keysetIds)
}

func (w *Wallet) keysetIdsForMint(mintURL string) []string {
	var ids []string
	if mnt, ok := w.mints[mintURL]; ok {
		ids = append(ids, mnt.activeKeyset.Id)
		for id := range mnt.inactiveKeysets {
			ids = append(ids, id)
		}
	}
	for id := range w.db.GetKeysets()[mintURL] {
		known := false
		for _, existing := range ids {
			if existing == id {
				known = true
				break
			}
		}
		if !known {
			ids = append(ids, id)
		}
	}
	return ids
}

func (w *Wallet) activeKeyset(mintURL string) (*crypto.WalletKeyset, error) {
	mnt, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotConnected
	}
	keyset := mnt.activeKeyset
	return &keyset, nil
}

// keysForKeyset returns the public keys for a keyset id, fetching
// from the mint if they are not cached.
func (w *Wallet) keysForKeyset(ctx context.Context, mintURL, id string) (map[uint64]*secp256k1.PublicKey, error) {
	if mnt, ok := w.mints[mintURL]; ok {
		if mnt.activeKeyset.Id == id && len(mnt.activeKeyset.PublicKeys) > 0 {
			return mnt.activeKeyset.PublicKeys, nil
		}
		if keyset, ok := mnt.inactiveKeysets[id]; ok && len(keyset.PublicKeys) > 0 {
			return keyset.PublicKeys, nil
		}
	}
	if keyset := w.db.GetKeyset(id); keyset != nil && len(keyset.PublicKeys) > 0 {
		return keyset.PublicKeys, nil
	}

	keysRes, err := w.client.GetKeysetById(ctx, mintURL, id)
	if err != nil {
		return nil, w.asUnreachable(mintURL, err)
	}
	if len(keysRes.Keysets) == 0 {
		return nil, fmt.Errorf("mint did not return keys for keyset %v", id)
	}
	keys, err := crypto.MapPubKeys(keysRes.Keysets[0].Keys)
	if err != nil {
		return nil, err
	}

	keyset := crypto.WalletKeyset{
		Id:         id,
		MintURL:    mintURL,
		Unit:       keysRes.Keysets[0].Unit,
		PublicKeys: keys,
	}
	if err := w.db.SaveKeyset(&keyset); err != nil {
		w.log.Warn("could not cache keyset", zap.String("id", id), zap.Error(err))
	}
	if mnt, ok := w.mints[mintURL]; ok {
		if mnt.activeKeyset.Id == id {
			mnt.activeKeyset.PublicKeys = keys
		} else if inactive, ok := mnt.inactiveKeysets[id]; ok {
			inactive.PublicKeys = keys
			mnt.inactiveKeysets[id] = inactive
		}
		w.mints[mintURL] = mnt
	}

	return keys, nil
}

// createBlindedMessages builds blinded messages for the powers-of-two
// split of amount. Secrets and blinding factors are derived from the
// wallet seed at the keyset's counter, so a wallet restored from the
// mnemonic can re-derive them and ask the mint for the signatures.
func (w *Wallet) createBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	counter := w.db.GetKeysetCounter(keysetId)

	blindedMessages := make(cashu.BlindedMessages, len(splitAmounts))
	secrets := make([]string, len(splitAmounts))
	rs := make([]*secp256k1.PrivateKey, len(splitAmounts))
	for i, amt := range splitAmounts {
		secret, r, err := crypto.DeriveSecret(w.seed, keysetId, counter+uint32(i))
		if err != nil {
			return nil, nil, nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}
		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	if err := w.db.IncrementKeysetCounter(keysetId, uint32(len(splitAmounts))); err != nil {
		return nil, nil, nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	return blindedMessages, secrets, rs, nil
}

// blindSecrets blinds the given secrets with fresh blinding factors,
// keeping index pairing between messages, secrets and rs.
func (w *Wallet) blindSecrets(amounts []uint64, secrets []string, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amt := range amounts {
		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			return nil, nil, nil, err
		}
		B_, r, err := crypto.BlindMessage(secrets[i], r)
		if err != nil {
			return nil, nil, nil, err
		}
		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// constructProofs unblinds a batch of signatures. The amount and
// keyset id used for the key lookup come from each signature entry
// itself, never from the original request: only the secret and
// blinding factor are taken from the request by index. A mint that
// reorders amounts across entries still yields valid proofs.
func (w *Wallet) constructProofs(ctx context.Context, mintURL string,
	signatures cashu.BlindedSignatures, secrets []string, rs []*secp256k1.PrivateKey) (cashu.Proofs, error) {

	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		keys, err := w.keysForKeyset(ctx, mintURL, signature.Id)
		if err != nil {
			return nil, err
		}
		K, ok := keys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint key not found for amount %d in keyset %v", signature.Amount, signature.Id)
		}

		C := crypto.UnblindSignature(C_, rs[i], K)
		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}

	return proofs, nil
}

// selectProofsForSpending picks proofs totaling at least amount from
// the given mint only, preferring proofs on inactive keysets. Callers
// hold w.mu.
func (w *Wallet) selectProofsForSpending(amount uint64, mintURL string) (cashu.Proofs, error) {
	proofs := w.mintProofs(mintURL)
	balance := proofs.Amount()
	if balance < amount {
		return nil, &InsufficientBalanceError{Required: amount, Available: balance}
	}

	mnt := w.mints[mintURL]
	isInactive := func(proof cashu.Proof) bool {
		_, ok := mnt.inactiveKeysets[proof.Id]
		return ok
	}

	selected := cashu.Proofs{}
	var selectedAmount uint64
	addProofs := func(filter func(cashu.Proof) bool) {
		for _, proof := range proofs {
			if selectedAmount >= amount {
				return
			}
			if filter(proof) {
				selected = append(selected, proof)
				selectedAmount += proof.Amount
			}
		}
	}
	addProofs(isInactive)
	addProofs(func(proof cashu.Proof) bool { return !isInactive(proof) })

	return selected, nil
}

// proofsFee returns the fee the mint charges for spending these
// proofs, from the per-keyset input fee in parts-per-thousand,
// rounded up.
func (w *Wallet) proofsFee(mintURL string, proofs cashu.Proofs) uint64 {
	mnt := w.mints[mintURL]
	var totalPpk uint64
	for _, proof := range proofs {
		switch {
		case mnt.activeKeyset.Id == proof.Id:
			totalPpk += uint64(mnt.activeKeyset.InputFeePpk)
		default:
			if keyset, ok := mnt.inactiveKeysets[proof.Id]; ok {
				totalPpk += uint64(keyset.InputFeePpk)
			} else if keyset := w.db.GetKeyset(proof.Id); keyset != nil {
				totalPpk += uint64(keyset.InputFeePpk)
			}
		}
	}
	return (totalPpk + 999) / 1000
}

// checkSpentSecrets asks the mint which of the proofs are already
// spent and returns their secrets.
func (w *Wallet) checkSpentSecrets(ctx context.Context, mintURL string, proofs cashu.Proofs) (map[string]bool, error) {
	Ys := make([]string, len(proofs))
	yToSecret := make(map[string]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		Ys[i] = Yhex
		yToSecret[Yhex] = proof.Secret
	}

	stateRes, err := w.client.PostCheckState(ctx, mintURL, mint.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, w.asUnreachable(mintURL, err)
	}

	spent := make(map[string]bool)
	for _, state := range stateRes.States {
		if state.State == mint.Spent {
			if secret, ok := yToSecret[state.Y]; ok {
				spent[secret] = true
			}
		}
	}
	return spent, nil
}

// evictSpent drops spent proofs from the ledger through the backup
// contract: survivors sharing a backup container with the spent
// proofs are republished before anything is deleted remotely.
// Callers hold w.mu.
func (w *Wallet) evictSpent(ctx context.Context, mintURL string, spentSecrets map[string]bool) error {
	if len(spentSecrets) == 0 {
		return nil
	}

	if w.backupSync != nil {
		if err := w.backupSync.RetireSpent(ctx, spentSecrets, mintURL); err != nil {
			return err
		}
	}
	for secret := range spentSecrets {
		if err := w.db.DeleteProof(secret); err != nil && !errors.Is(err, storage.ProofNotFound) {
			return err
		}
	}
	return nil
}

// storeProofs writes proofs locally and mirrors them to the backup
// store. A backup publish falling back to a local record is logged
// but does not fail the operation. Callers hold w.mu.
func (w *Wallet) storeProofs(ctx context.Context, mintURL string, proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return nil
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		return fmt.Errorf("error storing proofs: %v", err)
	}
	if w.backupSync != nil {
		if _, err := w.backupSync.PublishProofs(ctx, proofs, mintURL, nil); err != nil {
			if !errors.Is(err, backup.ErrPublishFallback) {
				w.log.Warn("backup publish failed", zap.Error(err))
			}
		}
	}
	return nil
}

// RequestMint asks the mint for a deposit quote.
func (w *Wallet) RequestMint(ctx context.Context, amount uint64) (*mint.PostMintQuoteResponse, error) {
	request := mint.PostMintQuoteRequest{Amount: amount, Unit: w.unit.String()}
	quote, err := w.client.PostMintQuote(ctx, w.currentMint, request)
	if err != nil {
		return nil, w.asUnreachable(w.currentMint, err)
	}
	return quote, nil
}

func (w *Wallet) CheckQuotePaid(ctx context.Context, quoteId string) bool {
	quote, err := w.client.GetMintQuoteState(ctx, w.currentMint, quoteId)
	if err != nil {
		return false
	}
	return quote.Paid || quote.State == "PAID"
}

// MintQuoteAmount returns the amount a quote was issued for.
func (w *Wallet) MintQuoteAmount(ctx context.Context, quoteId string) (uint64, error) {
	quote, err := w.client.GetMintQuoteState(ctx, w.currentMint, quoteId)
	if err != nil {
		return 0, w.asUnreachable(w.currentMint, err)
	}
	return quote.Amount, nil
}

// MintTokens redeems a paid quote into fresh proofs. The ledger mutex
// is held for the whole operation: the counter read inside
// createBlindedMessages must not race another swap path, or two
// quotes would derive the same secrets and collapse into one proof.
func (w *Wallet) MintTokens(ctx context.Context, quoteId string, amount uint64) (cashu.Proofs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	keyset, err := w.activeKeyset(w.currentMint)
	if err != nil {
		return nil, err
	}

	outputs, secrets, rs, err := w.createBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, err
	}

	marker, err := w.savePendingSwap(w.currentMint, keyset.Id, outputs, secrets, rs, "")
	if err != nil {
		return nil, err
	}

	mintRes, err := w.client.PostMint(ctx, w.currentMint, mint.PostMintRequest{Quote: quoteId, Outputs: outputs})
	if err != nil {
		w.clearPendingSwapOnRejection(marker, err)
		return nil, w.asUnreachable(w.currentMint, err)
	}

	proofs, err := w.constructProofs(ctx, w.currentMint, mintRes.Signatures, secrets, rs)
	if err != nil {
		return nil, err
	}

	if err := w.storeProofs(ctx, w.currentMint, proofs); err != nil {
		return nil, err
	}
	if err := w.db.DeletePendingSwap(marker); err != nil {
		w.log.Warn("could not clear recovery marker", zap.String("marker", marker), zap.Error(err))
	}
	return proofs, nil
}

// Melt pays a request, withdrawing from the wallet. Blinded outputs
// for the overpaid difference always accompany the melt: omitting
// them would silently forfeit the difference to the mint.
func (w *Wallet) Melt(ctx context.Context, request string) (*mint.PostMeltResponse, error) {
	quote, err := w.client.PostMeltQuote(ctx, w.currentMint, mint.PostMeltQuoteRequest{
		Request: request,
		Unit:    w.unit.String(),
	})
	if err != nil {
		return nil, w.asUnreachable(w.currentMint, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	amountNeeded := quote.Amount + quote.FeeReserve
	selected, err := w.selectProofsForSpending(amountNeeded, w.currentMint)
	if err != nil {
		return nil, err
	}

	keyset, err := w.activeKeyset(w.currentMint)
	if err != nil {
		return nil, err
	}

	overpaid := selected.Amount() - quote.Amount
	changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(overpaid, keyset.Id)
	if err != nil {
		return nil, err
	}

	marker, err := w.savePendingSwap(w.currentMint, keyset.Id, changeOutputs, changeSecrets, changeRs, "")
	if err != nil {
		return nil, err
	}

	meltRes, err := w.client.PostMelt(ctx, w.currentMint, mint.PostMeltRequest{
		Quote:   quote.Quote,
		Inputs:  selected,
		Outputs: changeOutputs,
	})
	if err != nil {
		w.clearPendingSwapOnRejection(marker, err)
		return nil, w.wrapMintError(ctx, w.currentMint, selected, err)
	}

	if meltRes.Paid || meltRes.State == "PAID" {
		spent := make(map[string]bool, len(selected))
		for _, proof := range selected {
			spent[proof.Secret] = true
		}
		if err := w.evictSpent(ctx, w.currentMint, spent); err != nil {
			return nil, err
		}

		if len(meltRes.Change) > 0 {
			change, err := w.constructProofs(ctx, w.currentMint,
				meltRes.Change, changeSecrets[:len(meltRes.Change)], changeRs[:len(meltRes.Change)])
			if err != nil {
				return nil, err
			}
			if err := w.storeProofs(ctx, w.currentMint, change); err != nil {
				return nil, err
			}
		}
	}
	if err := w.db.DeletePendingSwap(marker); err != nil {
		w.log.Warn("could not clear recovery marker", zap.String("marker", marker), zap.Error(err))
	}

	return meltRes, nil
}

// wrapMintError maps a mint rejection to the wallet failure taxonomy,
// evicting proofs the mint reports spent.
func (w *Wallet) wrapMintError(ctx context.Context, mintURL string, inputs cashu.Proofs, err error) error {
	var httpErr *mint.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.ProofsAlreadySpent() {
			spent, checkErr := w.checkSpentSecrets(ctx, mintURL, inputs)
			if checkErr == nil {
				if evictErr := w.evictSpent(ctx, mintURL, spent); evictErr != nil {
					w.log.Warn("could not evict spent proofs", zap.Error(evictErr))
				}
				return &ProofsSpentError{SpentCount: len(spent), TotalSelected: len(inputs)}
			}
			return &ProofsSpentError{TotalSelected: len(inputs)}
		}
		if httpErr.VerificationFailed() {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, httpErr)
		}
		return &SwapFailedError{Err: httpErr}
	}
	var transportErr *mint.TransportError
	if errors.As(err, &transportErr) {
		return &MintUnreachableError{MintURL: mintURL, Err: err}
	}
	return err
}

// savePendingSwap writes the recovery marker describing the outputs
// about to be requested. It must land before the mint call so a
// crash mid-call is detectable on restart.
func (w *Wallet) savePendingSwap(mintURL, keysetId string, outputs cashu.BlindedMessages,
	secrets []string, rs []*secp256k1.PrivateKey, escrowId string) (string, error) {

	idBytes, err := cashu.GenerateRandomBytes()
	if err != nil {
		return "", err
	}
	marker := storage.PendingSwap{
		Id:        hex.EncodeToString(idBytes[:16]),
		MintURL:   mintURL,
		KeysetId:  keysetId,
		Secrets:   secrets,
		Rs:        make([]string, len(rs)),
		Amounts:   make([]uint64, len(outputs)),
		EscrowId:  escrowId,
		CreatedAt: time.Now().Unix(),
	}
	for i, r := range rs {
		marker.Rs[i] = hex.EncodeToString(r.Serialize())
	}
	for i, output := range outputs {
		marker.Amounts[i] = output.Amount
	}

	if err := w.db.SavePendingSwap(marker); err != nil {
		return "", fmt.Errorf("error saving recovery marker: %v", err)
	}
	return marker.Id, nil
}

// clearPendingSwapOnRejection removes the marker when the mint
// answered with a definite rejection. A transport failure leaves the
// marker in place: the mint may have signed the outputs.
func (w *Wallet) clearPendingSwapOnRejection(marker string, err error) {
	var httpErr *mint.HTTPError
	if errors.As(err, &httpErr) {
		if delErr := w.db.DeletePendingSwap(marker); delErr != nil {
			w.log.Warn("could not clear recovery marker", zap.String("marker", marker), zap.Error(delErr))
		}
	}
}
