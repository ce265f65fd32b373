package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/crypto"
	"github.com/nutlock/nutlock/mint"
)

const (
	restoreBatchSize = 100
	// derivation stops after this many consecutive batches the mint
	// never signed anything from
	restoreEmptyBatchLimit = 3
)

// Restore rebuilds a wallet at walletPath from its mnemonic. For
// every keyset of every given mint it re-derives secrets from the
// seed, asks the mint which outputs it ever signed, unblinds those
// signatures and keeps the proofs the mint still reports unspent.
func Restore(ctx context.Context, walletPath, mnemonic string, mintsToRestore []string, logger *zap.Logger) (cashu.Proofs, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	if _, err := os.Stat(walletPath); err == nil {
		entries, err := os.ReadDir(walletPath)
		if err == nil && len(entries) > 0 {
			return nil, ErrWalletAlreadyExists
		}
	}
	if err := os.MkdirAll(walletPath, 0700); err != nil {
		return nil, err
	}

	log := logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := InitStorage(walletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}
	defer db.Close()

	seed := bip39.NewSeed(mnemonic, "")
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return nil, fmt.Errorf("error saving seed: %v", err)
	}

	client := mint.NewClient()
	restored := cashu.Proofs{}

	for _, mintURL := range mintsToRestore {
		keysetsRes, err := client.GetAllKeysets(ctx, mintURL)
		if err != nil {
			return nil, fmt.Errorf("could not reach mint %s: %v", mintURL, err)
		}

		for _, keysetInfo := range keysetsRes.Keysets {
			if keysetInfo.Unit != cashu.Sat.String() {
				continue
			}
			if _, err := hex.DecodeString(keysetInfo.Id); err != nil {
				continue
			}

			keysRes, err := client.GetKeysetById(ctx, mintURL, keysetInfo.Id)
			if err != nil || len(keysRes.Keysets) == 0 {
				log.Warn("skipping keyset with unavailable keys",
					zap.String("keyset", keysetInfo.Id), zap.Error(err))
				continue
			}
			keys, err := crypto.MapPubKeys(keysRes.Keysets[0].Keys)
			if err != nil {
				return nil, err
			}

			keyset := crypto.WalletKeyset{
				Id:          keysetInfo.Id,
				MintURL:     mintURL,
				Unit:        keysetInfo.Unit,
				Active:      keysetInfo.Active,
				PublicKeys:  keys,
				InputFeePpk: keysetInfo.InputFeePpk,
			}

			proofs, counter, err := restoreKeysetProofs(ctx, client, seed, mintURL, keysetInfo.Id, keys, log)
			if err != nil {
				return nil, err
			}

			keyset.Counter = counter
			if err := db.SaveKeyset(&keyset); err != nil {
				return nil, fmt.Errorf("error saving keyset: %v", err)
			}
			if len(proofs) > 0 {
				if err := db.SaveProofs(proofs); err != nil {
					return nil, fmt.Errorf("error saving proofs: %v", err)
				}
				restored = append(restored, proofs...)
			}
		}
	}

	log.Info("restore finished",
		zap.Int("proofs", len(restored)),
		zap.Uint64("amount", restored.Amount()),
	)
	return restored, nil
}

// restoreKeysetProofs walks the derivation counter in batches until
// the mint stops recognizing outputs. It returns the unspent proofs
// and the counter value past the last signed output.
func restoreKeysetProofs(ctx context.Context, client *mint.Client, seed []byte,
	mintURL, keysetId string, keys map[uint64]*secp256k1.PublicKey, log *zap.Logger) (cashu.Proofs, uint32, error) {

	proofs := cashu.Proofs{}
	var counter, lastSignedCounter uint32
	emptyBatches := 0

	for emptyBatches < restoreEmptyBatchLimit {
		outputs := make(cashu.BlindedMessages, restoreBatchSize)
		secrets := make([]string, restoreBatchSize)
		rs := make([]*secp256k1.PrivateKey, restoreBatchSize)
		indexByB_ := make(map[string]int, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, r, err := crypto.DeriveSecret(seed, keysetId, counter+uint32(i))
			if err != nil {
				return nil, 0, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return nil, 0, err
			}
			// amount unknown at this point, the mint reports it back
			outputs[i] = cashu.NewBlindedMessage(keysetId, 0, B_)
			secrets[i] = secret
			rs[i] = r
			indexByB_[outputs[i].B_] = i
		}

		restoreRes, err := client.PostRestore(ctx, mintURL, mint.PostRestoreRequest{Outputs: outputs})
		if err != nil {
			return nil, 0, err
		}

		if len(restoreRes.Signatures) == 0 {
			emptyBatches++
			counter += restoreBatchSize
			continue
		}
		if len(restoreRes.Outputs) != len(restoreRes.Signatures) {
			return nil, 0, errors.New("mint returned mismatched outputs and signatures")
		}
		emptyBatches = 0

		var batchSecrets []string
		var batchRs []*secp256k1.PrivateKey
		signatures := make(cashu.BlindedSignatures, 0, len(restoreRes.Signatures))
		for i, output := range restoreRes.Outputs {
			idx, ok := indexByB_[output.B_]
			if !ok {
				continue
			}
			batchSecrets = append(batchSecrets, secrets[idx])
			batchRs = append(batchRs, rs[idx])
			signatures = append(signatures, restoreRes.Signatures[i])
			if signed := counter + uint32(idx) + 1; signed > lastSignedCounter {
				lastSignedCounter = signed
			}
		}

		batchProofs, err := unblindRestored(signatures, batchSecrets, batchRs, keys)
		if err != nil {
			return nil, 0, err
		}

		unspent, err := filterUnspent(ctx, client, mintURL, batchProofs)
		if err != nil {
			return nil, 0, err
		}
		proofs = append(proofs, unspent...)

		log.Debug("restored batch",
			zap.String("keyset", keysetId),
			zap.Uint32("counter", counter),
			zap.Int("signed", len(signatures)),
			zap.Int("unspent", len(unspent)),
		)
		counter += restoreBatchSize
	}

	return proofs, lastSignedCounter, nil
}

// unblindRestored turns restore signatures into proofs, taking the
// amount of each entry from the signature itself.
func unblindRestored(signatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keys map[uint64]*secp256k1.PublicKey) (cashu.Proofs, error) {

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
		K, ok := keys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint key not found for amount %d", signature.Amount)
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

func filterUnspent(ctx context.Context, client *mint.Client, mintURL string, proofs cashu.Proofs) (cashu.Proofs, error) {
	if len(proofs) == 0 {
		return nil, nil
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	stateRes, err := client.PostCheckState(ctx, mintURL, mint.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}

	spent := make(map[string]bool)
	for _, state := range stateRes.States {
		if state.State == mint.Spent {
			spent[state.Y] = true
		}
	}

	unspent := cashu.Proofs{}
	for i, proof := range proofs {
		if !spent[Ys[i]] {
			unspent = append(unspent, proof)
		}
	}
	return unspent, nil
}
