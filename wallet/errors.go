package wallet

import (
	"errors"
	"fmt"
)

// Failure taxonomy for wallet and escrow operations. Callers decide
// policy (block the transaction, proceed without escrow) from these
// values; this package never makes that call.
var (
	ErrMintNotConnected    = errors.New("no mint configured")
	ErrNoWalletKey         = errors.New("wallet signing key not available")
	ErrVerificationFailed  = errors.New("mint rejected proofs as invalid")
	ErrEscrowNotFound      = errors.New("escrow lock does not exist")
	ErrEscrowFinalized     = errors.New("escrow lock is in a terminal state")
	ErrLocktimeNotExpired  = errors.New("locktime has not passed, refund not available yet")
	ErrWalletAlreadyExists = errors.New("wallet already exists")
)

type InsufficientBalanceError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d but only %d available", e.Required, e.Available)
}

type ProofsSpentError struct {
	SpentCount    int
	TotalSelected int
}

func (e *ProofsSpentError) Error() string {
	return fmt.Sprintf("%d of %d selected proofs already spent", e.SpentCount, e.TotalSelected)
}

type MintUnreachableError struct {
	MintURL string
	Err     error
}

func (e *MintUnreachableError) Error() string {
	return fmt.Sprintf("mint %s unreachable: %v", e.MintURL, e.Err)
}

func (e *MintUnreachableError) Unwrap() error { return e.Err }

type SwapFailedError struct {
	Err error
}

func (e *SwapFailedError) Error() string {
	return fmt.Sprintf("swap failed: %v", e.Err)
}

func (e *SwapFailedError) Unwrap() error { return e.Err }

type TokenParseError struct {
	Err error
}

func (e *TokenParseError) Error() string {
	return fmt.Sprintf("malformed token: %v", e.Err)
}

func (e *TokenParseError) Unwrap() error { return e.Err }

type PreimageMismatchError struct {
	PaymentHash string
}

func (e *PreimageMismatchError) Error() string {
	return fmt.Sprintf("preimage does not match payment hash %s", e.PaymentHash)
}
