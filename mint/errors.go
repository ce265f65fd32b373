package mint

import (
	"fmt"

	"github.com/nutlock/nutlock/cashu"
)

// TransportError means the request never produced an HTTP response.
// Retryable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mint transport error (%s): %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a rejection the mint returned on purpose, carrying the
// protocol error code and detail from the response body.
type HTTPError struct {
	Status int
	Code   cashu.ErrCode
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("mint responded %d (code %d): %s", e.Status, e.Code, e.Detail)
}

// ProofsAlreadySpent reports whether the rejection was for inputs the
// mint has already seen spent.
func (e *HTTPError) ProofsAlreadySpent() bool {
	return e.Code == cashu.ProofAlreadyUsedErrCode
}

// VerificationFailed reports whether the mint rejected the inputs as
// invalid proofs (bad signature, bad witness).
func (e *HTTPError) VerificationFailed() bool {
	return e.Code == cashu.InvalidProofErrCode
}

// ParseError means the mint answered but the body did not decode as
// the expected shape. Not retryable without operator attention.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse mint response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
