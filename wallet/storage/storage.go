// Package storage is the wallet's local persistence layer.
package storage

import (
	"errors"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/crypto"
)

var ProofNotFound = errors.New("proof does not exist")

type EscrowStatus int

const (
	Locked EscrowStatus = iota
	Claimed
	Refunded
	Failed
)

func (s EscrowStatus) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Claimed:
		return "CLAIMED"
	case Refunded:
		return "REFUNDED"
	case Failed:
		return "FAILED"
	}
	return "unknown"
}

// Terminal reports whether the status can never transition again.
func (s EscrowStatus) Terminal() bool {
	return s == Claimed || s == Refunded || s == Failed
}

// EscrowLock is a persisted record of funds locked for a
// counterparty. It survives restarts so refund sweeps can pick up
// locks whose locktime has passed.
type EscrowLock struct {
	Id              string       `json:"id"`
	Token           string       `json:"token"`
	Amount          uint64       `json:"amount"`
	Locktime        int64        `json:"locktime"`
	CounterpartyKey string       `json:"counterparty_key"`
	PaymentHash     string       `json:"payment_hash"`
	Preimage        string       `json:"preimage,omitempty"`
	Status          EscrowStatus `json:"status"`
	MintURL         string       `json:"mint_url"`
	CreatedAt       int64        `json:"created_at"`
}

// PendingSwap is the recovery marker written before any swap call. If
// the process dies mid-call, the marker carries everything needed to
// re-derive the requested outputs and ask the mint whether it signed
// them.
type PendingSwap struct {
	Id        string   `json:"id"`
	MintURL   string   `json:"mint_url"`
	KeysetId  string   `json:"keyset_id"`
	Secrets   []string `json:"secrets"`
	Rs        []string `json:"rs"`
	Amounts   []uint64 `json:"amounts"`
	EscrowId  string   `json:"escrow_id,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// FallbackRecord keeps proofs locally when publishing them to the
// backup store kept failing. Nothing is deleted remotely while one of
// these exists for the affected containers.
type FallbackRecord struct {
	Id            string       `json:"id"`
	MintURL       string       `json:"mint_url"`
	SupersededIds []string     `json:"superseded_ids"`
	Proofs        cashu.Proofs `json:"proofs"`
	CreatedAt     int64        `json:"created_at"`
}

type DB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetSeed() []byte
	GetMnemonic() string

	SaveProof(cashu.Proof) error
	SaveProofs(cashu.Proofs) error
	GetProofs() cashu.Proofs
	GetProofsByKeysetIds(ids []string) cashu.Proofs
	DeleteProof(secret string) error

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(id string) *crypto.WalletKeyset
	IncrementKeysetCounter(id string, num uint32) error
	GetKeysetCounter(id string) uint32

	SaveEscrowLock(EscrowLock) error
	GetEscrowLock(id string) *EscrowLock
	GetEscrowLocks() []EscrowLock

	SavePendingSwap(PendingSwap) error
	GetPendingSwaps() []PendingSwap
	DeletePendingSwap(id string) error

	SaveFallbackRecord(FallbackRecord) error
	GetFallbackRecords() []FallbackRecord
	DeleteFallbackRecord(id string) error

	Close() error
}
