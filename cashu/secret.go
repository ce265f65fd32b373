package cashu

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Spending condition tags
const (
	TagPubkeys  = "pubkeys"
	TagLocktime = "locktime"
	TagRefund   = "refund"
)

type SecretKind int

const (
	AnyoneCanSpend SecretKind = iota
	P2PK
	HTLC
)

func (kind SecretKind) String() string {
	switch kind {
	case P2PK:
		return "P2PK"
	case HTLC:
		return "HTLC"
	default:
		return "anyonecanspend"
	}
}

// SecretType returns the spending-condition kind embedded in the
// proof's secret. A secret that does not parse as a tagged array is a
// plain random secret.
func SecretType(proof Proof) SecretKind {
	var rawJsonSecret []json.RawMessage
	if err := json.Unmarshal([]byte(proof.Secret), &rawJsonSecret); err != nil {
		return AnyoneCanSpend
	}

	// well-known secret is a 2-element array ["kind", {...}]
	if len(rawJsonSecret) < 2 {
		return AnyoneCanSpend
	}

	var kind string
	if err := json.Unmarshal(rawJsonSecret[0], &kind); err != nil {
		return AnyoneCanSpend
	}

	switch kind {
	case "P2PK":
		return P2PK
	case "HTLC":
		return HTLC
	}

	return AnyoneCanSpend
}

// WellKnownSecret is the payload of a tagged spending-condition secret.
type WellKnownSecret struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags"`
}

// SerializeSecret returns the json string to be put in the secret
// field of a proof. The exact bytes returned here are what gets hashed
// to the curve, so the serialization is never re-encoded afterwards.
func SerializeSecret(kind SecretKind, secretData WellKnownSecret) (string, error) {
	jsonSecret, err := json.Marshal(secretData)
	if err != nil {
		return "", err
	}

	secret := fmt.Sprintf("[\"%s\", %v]", kind.String(), string(jsonSecret))
	return secret, nil
}

// DeserializeSecret parses a tagged secret string. It returns an error
// if the secret is not a well-known 2-element array.
func DeserializeSecret(secret string) (WellKnownSecret, error) {
	var rawJsonSecret []json.RawMessage
	if err := json.Unmarshal([]byte(secret), &rawJsonSecret); err != nil {
		return WellKnownSecret{}, err
	}

	if len(rawJsonSecret) < 2 {
		return WellKnownSecret{}, errors.New("invalid secret: length < 2")
	}

	var kind string
	if err := json.Unmarshal(rawJsonSecret[0], &kind); err != nil {
		return WellKnownSecret{}, errors.New("invalid kind for secret")
	}

	var secretData WellKnownSecret
	if err := json.Unmarshal(rawJsonSecret[1], &secretData); err != nil {
		return WellKnownSecret{}, fmt.Errorf("invalid secret: %v", err)
	}

	return secretData, nil
}

// NewHTLCSecret builds the secret string for a hash/time-locked proof:
// funds claimable by the counterparty key with the preimage of
// paymentHash before locktime, refundable to refundKey after.
func NewHTLCSecret(paymentHash, counterpartyKey, refundKey string, locktime int64) (string, error) {
	nonceBytes, err := GenerateRandomBytes()
	if err != nil {
		return "", err
	}

	secretData := WellKnownSecret{
		Nonce: hex.EncodeToString(nonceBytes),
		Data:  paymentHash,
		Tags: [][]string{
			{TagPubkeys, counterpartyKey},
			{TagLocktime, strconv.FormatInt(locktime, 10)},
			{TagRefund, refundKey},
		},
	}

	return SerializeSecret(HTLC, secretData)
}

// HTLCTerms are the spending conditions parsed out of an HTLC secret.
type HTLCTerms struct {
	PaymentHash string
	Pubkeys     []string
	RefundKeys  []string
	Locktime    int64
}

// ParseHTLCTerms extracts the terms of an HTLC secret. The payment
// hash comes from the data field, keys and locktime from tags.
func ParseHTLCTerms(secret WellKnownSecret) (*HTLCTerms, error) {
	terms := &HTLCTerms{PaymentHash: secret.Data}

	if _, err := hex.DecodeString(secret.Data); err != nil || len(secret.Data) != 64 {
		return nil, errors.New("invalid payment hash in secret")
	}

	for _, tag := range secret.Tags {
		if len(tag) < 2 {
			return nil, errors.New("invalid tag in secret")
		}
		switch tag[0] {
		case TagPubkeys:
			terms.Pubkeys = append(terms.Pubkeys, tag[1:]...)
		case TagRefund:
			terms.RefundKeys = append(terms.RefundKeys, tag[1:]...)
		case TagLocktime:
			locktime, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid locktime: %v", err)
			}
			terms.Locktime = locktime
		}
	}

	return terms, nil
}

// PreimageMatches reports whether SHA256(preimage) equals the
// payment hash locked into the terms. The preimage is hex.
func (t *HTLCTerms) PreimageMatches(preimage string) bool {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(preimageBytes)
	return hex.EncodeToString(hash[:]) == t.PaymentHash
}
