package wallet

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/nutlock/nutlock/crypto"
)

// Signer is the wallet's key custody. The escrow signing key and the
// relay identity key sit on different hardened branches of the same
// master: mixing them would break the binding between the key a lock
// names and the key that later claims it, so construction fails if
// they ever collide.
type Signer struct {
	escrowKey *btcec.PrivateKey
	relayKey  *btcec.PrivateKey
}

func NewSigner(master *hdkeychain.ExtendedKey) (*Signer, error) {
	escrowKey, err := deriveKey(master, 1)
	if err != nil {
		return nil, err
	}
	relayKey, err := deriveKey(master, 2)
	if err != nil {
		return nil, err
	}

	if escrowKey.Key.Equals(&relayKey.Key) {
		return nil, errors.New("escrow and relay keys must be distinct")
	}

	return &Signer{escrowKey: escrowKey, relayKey: relayKey}, nil
}

// deriveKey derives m/129372'/0'/account'/0
func deriveKey(master *hdkeychain.ExtendedKey, account uint32) (*btcec.PrivateKey, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	acct, err := coinType.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, err
	}

	extKey, err := acct.Derive(0)
	if err != nil {
		return nil, err
	}

	return extKey.ECPrivKey()
}

// PublicKeyHex returns the compressed escrow signing public key. This
// is the key counterparties lock ecash to.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.escrowKey.PubKey().SerializeCompressed())
}

// SignSchnorr signs an arbitrary 32-byte hash with the escrow key,
// returning the 64-byte signature hex.
func (s *Signer) SignSchnorr(hash []byte) (string, error) {
	return crypto.SignHash(hash, s.escrowKey)
}

// SignSecret signs SHA256 of the raw secret string, the message form
// spending-condition witnesses require.
func (s *Signer) SignSecret(secret string) (string, error) {
	return crypto.SignSecret(secret, s.escrowKey)
}

// RelayPublicKeyHex returns the identity key used on the backup
// relay, distinct from the escrow key.
func (s *Signer) RelayPublicKeyHex() string {
	return hex.EncodeToString(s.relayKey.PubKey().SerializeCompressed())
}
