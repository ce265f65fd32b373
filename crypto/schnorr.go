package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SignSecret produces the 64-byte schnorr signature redeeming a
// spending-condition proof. The signed message is SHA256 of the raw
// secret string, not of the secret concatenated with C.
func SignSecret(secret string, signingKey *btcec.PrivateKey) (string, error) {
	hash := sha256.Sum256([]byte(secret))
	signature, err := schnorr.Sign(signingKey, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(signature.Serialize()), nil
}

// SignHash signs an arbitrary 32-byte hash, returning the signature
// hex. Used by the key-custody surface.
func SignHash(hash []byte, signingKey *btcec.PrivateKey) (string, error) {
	if len(hash) != 32 {
		return "", fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := schnorr.Sign(signingKey, hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(signature.Serialize()), nil
}

// VerifySecretSignature checks a witness signature over
// SHA256(secret) against the declared public key.
func VerifySecretSignature(secret, signatureHex string, pubkey *btcec.PublicKey) bool {
	sig, err := ParseSignature(signatureHex)
	if err != nil {
		return false
	}
	hash := sha256.Sum256([]byte(secret))
	return sig.Verify(hash[:], pubkey)
}

func ParsePublicKey(key string) (*btcec.PublicKey, error) {
	hexPubkey, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %v", err)
	}
	pubkey, err := btcec.ParsePubKey(hexPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %v", err)
	}
	return pubkey, nil
}

func ParseSignature(signature string) (*schnorr.Signature, error) {
	hexSig, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %v", err)
	}
	sig, err := schnorr.ParseSignature(hexSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %v", err)
	}
	return sig, nil
}
