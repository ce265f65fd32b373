// Package mint is the client-side protocol adapter for a remote
// minting service. It is stateless: every call takes the mint url and
// a context, and failures cross the boundary as typed errors, never
// panics.
package mint

import (
	"encoding/json"
	"errors"

	"github.com/nutlock/nutlock/cashu"
)

type GetKeysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

type Keyset struct {
	Id   string            `json:"id"`
	Unit string            `json:"unit"`
	Keys map[string]string `json:"keys"`
}

type GetKeysetsResponse struct {
	Keysets []KeysetInfo `json:"keysets"`
}

type KeysetInfo struct {
	Id          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePpk uint   `json:"input_fee_ppk"`
}

type Info struct {
	Name    string                 `json:"name"`
	Pubkey  string                 `json:"pubkey"`
	Version string                 `json:"version"`
	Nuts    map[string]interface{} `json:"nuts"`
}

type PostMintQuoteRequest struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteResponse struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Amount  uint64 `json:"amount,omitempty"`
	State   string `json:"state"`
	Paid    bool   `json:"paid"`
	Expiry  int64  `json:"expiry"`
}

type PostMintRequest struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type PostMeltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteResponse struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Paid       bool   `json:"paid"`
	Expiry     int64  `json:"expiry"`
	Preimage   string `json:"payment_preimage"`
}

// PostMeltRequest melts inputs to pay the quoted request. Outputs are
// blinded messages for the unused fee reserve: omitting them forfeits
// the difference to the mint, so the wallet always sends them.
type PostMeltRequest struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMeltResponse struct {
	State    string                  `json:"state"`
	Paid     bool                    `json:"paid"`
	Preimage string                  `json:"payment_preimage"`
	Change   cashu.BlindedSignatures `json:"change"`
}

type PostSwapRequest struct {
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostSwapResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type ProofStateValue int

const (
	Unspent ProofStateValue = iota
	Pending
	Spent
	Unknown
)

func (state ProofStateValue) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToState(state string) ProofStateValue {
	switch state {
	case "UNSPENT":
		return Unspent
	case "PENDING":
		return Pending
	case "SPENT":
		return Spent
	}
	return Unknown
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string          `json:"Y"`
	State   ProofStateValue `json:"state"`
	Witness string          `json:"witness"`
}

func (state *ProofState) UnmarshalJSON(data []byte) error {
	var proofString struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness"`
	}

	if err := json.Unmarshal(data, &proofString); err != nil {
		return err
	}

	stateVal := StringToState(proofString.State)
	if stateVal == Unknown {
		return errors.New("invalid state")
	}
	state.Y = proofString.Y
	state.State = stateVal
	state.Witness = proofString.Witness

	return nil
}

type PostRestoreRequest struct {
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostRestoreResponse struct {
	Outputs    cashu.BlindedMessages   `json:"outputs"`
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
