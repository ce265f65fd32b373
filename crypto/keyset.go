package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// WalletKeyset is a mint-published keyset as tracked by the wallet.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	Counter     uint32
	InputFeePpk uint
}

// KeysetsMap maps mint url to map of keyset id to keyset
type KeysetsMap map[string]map[string]WalletKeyset

// MapPubKeys parses the amount -> pubkey hex map advertised by a
// mint. Amount values are parsed overflow-safely: denominations above
// the signed 64-bit range are skipped instead of failing the whole
// keyset.
func MapPubKeys(keys map[string]string) (map[uint64]*secp256k1.PublicKey, error) {
	parsedKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amountStr, pubkeyHex := range keys {
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil || amount > math.MaxInt64 {
			continue
		}

		pkbytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, err
		}
		parsedKeys[amount] = pubkey
	}
	return parsedKeys, nil
}

// DeriveKeysetId computes the id for a set of keys: version byte 0x00
// plus the first 14 hex chars of the hash of the concatenated
// compressed public keys sorted by amount.
func DeriveKeysetId(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, len(keys))
	i := 0
	for amount := range keys {
		amounts[i] = amount
		i++
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	concat := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		concat = append(concat, keys[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(concat)

	return "00" + hex.EncodeToString(hash[:])[:14]
}
