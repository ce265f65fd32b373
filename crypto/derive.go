package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const deriveDomainSeparator = "nutlock/derivation/v1/"

// DeriveSecret derives the deterministic (secret, r) pair for a
// keyset and counter from the wallet seed:
//
//	secret = hex(HMAC-SHA256(seed, domain || keysetId || counter || 0x00))
//	r      = HMAC-SHA256(seed, domain || keysetId || counter || 0x01) mod n
//
// Identical inputs always yield identical outputs, which is what lets
// a wallet be rebuilt from its seed by replaying counters against the
// mint's restore endpoint.
func DeriveSecret(seed []byte, keysetId string, counter uint32) (string, *secp256k1.PrivateKey, error) {
	if len(seed) == 0 {
		return "", nil, errors.New("empty seed")
	}

	secretBytes := deriveBytes(seed, keysetId, counter, 0x00)
	secret := hex.EncodeToString(secretBytes)

	rBytes := deriveBytes(seed, keysetId, counter, 0x01)
	// PrivKeyFromBytes reduces mod curve order
	r := secp256k1.PrivKeyFromBytes(rBytes)
	if r.Key.IsZero() {
		return "", nil, errors.New("derived zero blinding factor")
	}

	return secret, r, nil
}

func deriveBytes(seed []byte, keysetId string, counter uint32, branch byte) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(deriveDomainSeparator))
	mac.Write([]byte(keysetId))

	counterBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(counterBytes, counter)
	mac.Write(counterBytes)
	mac.Write([]byte{branch})

	return mac.Sum(nil)
}
