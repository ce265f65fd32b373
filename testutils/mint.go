// Package testutils provides an in-process mint for wallet tests. It
// performs real blind signing and witness verification so tests
// exercise the same math as a live mint.
package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/crypto"
	"github.com/nutlock/nutlock/mint"
)

const maxOrder = 40

type quoteState struct {
	amount uint64
	issued bool
}

type meltQuoteState struct {
	amount     uint64
	feeReserve uint64
	paid       bool
}

type Option func(*Mint)

// WithFeePpk makes the mint charge an input fee, in parts-per-thousand
// per proof.
func WithFeePpk(ppk uint) Option {
	return func(m *Mint) { m.feePpk = ppk }
}

// WithReassignedAmounts makes the mint assign output amounts across
// signature entries in reverse of the request order. Each entry is
// still internally consistent (its C_ is signed with the key of its
// own declared amount), which a correct wallet must honor when
// unblinding.
func WithReassignedAmounts() Option {
	return func(m *Mint) { m.reassignAmounts = true }
}

// Mint is an httptest-backed mint with a single active keyset.
type Mint struct {
	server   *httptest.Server
	keysetId string
	privKeys map[uint64]*secp256k1.PrivateKey
	pubKeys  map[uint64]*secp256k1.PublicKey

	feePpk          uint
	reassignAmounts bool

	mu         sync.Mutex
	spent      map[string]string // Y hex -> witness used to spend
	signed     map[string]cashu.BlindedSignature
	quotes     map[string]*quoteState
	meltQuotes map[string]*meltQuoteState
}

func NewMint(opts ...Option) *Mint {
	seed := make([]byte, 32)
	rand.Read(seed)

	privKeys := make(map[uint64]*secp256k1.PrivateKey, maxOrder)
	pubKeys := make(map[uint64]*secp256k1.PublicKey, maxOrder)
	for order := 0; order < maxOrder; order++ {
		amount := uint64(1) << order
		buf := make([]byte, 40)
		copy(buf, seed)
		binary.BigEndian.PutUint64(buf[32:], amount)
		kHash := sha256.Sum256(buf)
		k := secp256k1.PrivKeyFromBytes(kHash[:])
		privKeys[amount] = k
		pubKeys[amount] = k.PubKey()
	}

	m := &Mint{
		keysetId:   crypto.DeriveKeysetId(pubKeys),
		privKeys:   privKeys,
		pubKeys:    pubKeys,
		spent:      make(map[string]string),
		signed:     make(map[string]cashu.BlindedSignature),
		quotes:     make(map[string]*quoteState),
		meltQuotes: make(map[string]*meltQuoteState),
	}
	for _, opt := range opts {
		opt(m)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/keys", m.handleKeys)
	mux.HandleFunc("/v1/keys/", m.handleKeys)
	mux.HandleFunc("/v1/keysets", m.handleKeysets)
	mux.HandleFunc("/v1/info", m.handleInfo)
	mux.HandleFunc("/v1/mint/quote/bolt11", m.handleMintQuote)
	mux.HandleFunc("/v1/mint/quote/bolt11/", m.handleMintQuoteState)
	mux.HandleFunc("/v1/mint/bolt11", m.handleMint)
	mux.HandleFunc("/v1/melt/quote/bolt11", m.handleMeltQuote)
	mux.HandleFunc("/v1/melt/bolt11", m.handleMelt)
	mux.HandleFunc("/v1/swap", m.handleSwap)
	mux.HandleFunc("/v1/checkstate", m.handleCheckState)
	mux.HandleFunc("/v1/restore", m.handleRestore)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *Mint) URL() string      { return m.server.URL }
func (m *Mint) KeysetId() string { return m.keysetId }
func (m *Mint) Close()           { m.server.Close() }

// PayQuote returns a mint quote already marked paid, bypassing the
// invoice leg.
func (m *Mint) PayQuote(amount uint64) string {
	idBytes := make([]byte, 16)
	rand.Read(idBytes)
	id := hex.EncodeToString(idBytes)

	m.mu.Lock()
	m.quotes[id] = &quoteState{amount: amount}
	m.mu.Unlock()
	return id
}

// SpentWitness returns the witness a proof with this secret was spent
// with, or empty if unspent.
func (m *Mint) SpentWitness(secret string) string {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[hex.EncodeToString(Y.SerializeCompressed())]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code cashu.ErrCode, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(cashu.Error{Detail: detail, Code: code})
}

func (m *Mint) keysResponse() mint.GetKeysResponse {
	keys := make(map[string]string, len(m.pubKeys))
	for amount, pubkey := range m.pubKeys {
		keys[strconv.FormatUint(amount, 10)] = hex.EncodeToString(pubkey.SerializeCompressed())
	}
	return mint.GetKeysResponse{
		Keysets: []mint.Keyset{{Id: m.keysetId, Unit: cashu.Sat.String(), Keys: keys}},
	}
}

func (m *Mint) handleKeys(w http.ResponseWriter, r *http.Request) {
	if id := strings.TrimPrefix(r.URL.Path, "/v1/keys/"); id != "" && id != r.URL.Path {
		if id != m.keysetId {
			writeError(w, cashu.UnknownKeysetErrCode, "unknown keyset")
			return
		}
	}
	writeJSON(w, m.keysResponse())
}

func (m *Mint) handleKeysets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, mint.GetKeysetsResponse{
		Keysets: []mint.KeysetInfo{{
			Id:          m.keysetId,
			Unit:        cashu.Sat.String(),
			Active:      true,
			InputFeePpk: m.feePpk,
		}},
	})
}

func (m *Mint) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, mint.Info{Name: "testutils mint", Version: "test"})
}

func (m *Mint) handleMintQuote(w http.ResponseWriter, r *http.Request) {
	var req mint.PostMintQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}
	id := m.PayQuote(req.Amount)
	writeJSON(w, mint.PostMintQuoteResponse{
		Quote:   id,
		Request: "lntest" + strconv.FormatUint(req.Amount, 10),
		Amount:  req.Amount,
		State:   "PAID",
		Paid:    true,
		Expiry:  time.Now().Add(time.Hour).Unix(),
	})
}

func (m *Mint) handleMintQuoteState(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/mint/quote/bolt11/")
	m.mu.Lock()
	quote, ok := m.quotes[id]
	m.mu.Unlock()
	if !ok {
		writeError(w, cashu.StandardErrCode, "unknown quote")
		return
	}
	writeJSON(w, mint.PostMintQuoteResponse{Quote: id, Amount: quote.amount, State: "PAID", Paid: !quote.issued})
}

func (m *Mint) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mint.PostMintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.quotes[req.Quote]
	if !ok {
		writeError(w, cashu.MintQuoteRequestNotPaidErrCode, "quote not paid")
		return
	}
	if quote.issued {
		writeError(w, cashu.MintQuoteAlreadyIssuedErrCode, "quote already issued")
		return
	}
	if req.Outputs.Amount() != quote.amount {
		writeError(w, cashu.StandardErrCode, "output amount does not match quote")
		return
	}

	signatures, ok := m.signLocked(req.Outputs)
	if !ok {
		writeError(w, cashu.UnknownKeysetErrCode, "cannot sign outputs")
		return
	}
	quote.issued = true
	writeJSON(w, mint.PostMintResponse{Signatures: signatures})
}

func (m *Mint) handleMeltQuote(w http.ResponseWriter, r *http.Request) {
	var req mint.PostMeltQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}

	// the "invoice" is its amount in decimal
	amount, err := strconv.ParseUint(strings.TrimPrefix(req.Request, "lntest"), 10, 64)
	if err != nil {
		writeError(w, cashu.StandardErrCode, "invalid payment request")
		return
	}

	idBytes := make([]byte, 16)
	rand.Read(idBytes)
	id := hex.EncodeToString(idBytes)

	m.mu.Lock()
	m.meltQuotes[id] = &meltQuoteState{amount: amount}
	m.mu.Unlock()

	writeJSON(w, mint.PostMeltQuoteResponse{
		Quote:  id,
		Amount: amount,
		State:  "UNPAID",
		Expiry: time.Now().Add(time.Hour).Unix(),
	})
}

func (m *Mint) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req mint.PostMeltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.meltQuotes[req.Quote]
	if !ok {
		writeError(w, cashu.StandardErrCode, "unknown melt quote")
		return
	}
	if quote.paid {
		writeError(w, cashu.MeltQuoteAlreadyPaidErrCode, "quote already paid")
		return
	}

	if code, detail := m.verifyInputsLocked(req.Inputs); detail != "" {
		writeError(w, code, detail)
		return
	}
	fee := m.inputFee(req.Inputs)
	if req.Inputs.Amount() < quote.amount+quote.feeReserve+fee {
		writeError(w, cashu.InsufficientProofAmountErrCode, "insufficient inputs for melt")
		return
	}

	m.markSpentLocked(req.Inputs)
	quote.paid = true

	// return the overpaid difference as change against the provided
	// outputs, smallest amounts last
	change := cashu.BlindedSignatures{}
	remaining := req.Inputs.Amount() - quote.amount - fee
	var changeOutputs cashu.BlindedMessages
	for _, output := range req.Outputs {
		if output.Amount <= remaining {
			changeOutputs = append(changeOutputs, output)
			remaining -= output.Amount
		}
	}
	if len(changeOutputs) > 0 {
		signed, ok := m.signLocked(changeOutputs)
		if !ok {
			writeError(w, cashu.UnknownKeysetErrCode, "cannot sign change")
			return
		}
		change = signed
	}

	writeJSON(w, mint.PostMeltResponse{
		State:    "PAID",
		Paid:     true,
		Preimage: strings.Repeat("ab", 32),
		Change:   change,
	})
}

func (m *Mint) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req mint.PostSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if code, detail := m.verifyInputsLocked(req.Inputs); detail != "" {
		writeError(w, code, detail)
		return
	}
	fee := m.inputFee(req.Inputs)
	if req.Inputs.Amount() < req.Outputs.Amount()+fee {
		writeError(w, cashu.InsufficientProofAmountErrCode, "inputs do not cover outputs plus fee")
		return
	}

	signatures, ok := m.signLocked(req.Outputs)
	if !ok {
		writeError(w, cashu.UnknownKeysetErrCode, "cannot sign outputs")
		return
	}
	m.markSpentLocked(req.Inputs)
	writeJSON(w, mint.PostSwapResponse{Signatures: signatures})
}

func (m *Mint) handleCheckState(w http.ResponseWriter, r *http.Request) {
	var req mint.PostCheckStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type stateJSON struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness,omitempty"`
	}
	states := make([]stateJSON, len(req.Ys))
	for i, Y := range req.Ys {
		state := stateJSON{Y: Y, State: "UNSPENT"}
		if witness, ok := m.spent[Y]; ok {
			state.State = "SPENT"
			state.Witness = witness
		}
		states[i] = state
	}
	writeJSON(w, struct {
		States []stateJSON `json:"states"`
	}{States: states})
}

func (m *Mint) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req mint.PostRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cashu.StandardErrCode, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var outputs cashu.BlindedMessages
	var signatures cashu.BlindedSignatures
	for _, output := range req.Outputs {
		if signature, ok := m.signed[output.B_]; ok {
			outputs = append(outputs, output)
			signatures = append(signatures, signature)
		}
	}
	writeJSON(w, mint.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}

// signLocked signs outputs and remembers the signatures for restore.
// Callers hold m.mu.
func (m *Mint) signLocked(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, bool) {
	amounts := make([]uint64, len(outputs))
	for i, output := range outputs {
		amounts[i] = output.Amount
	}
	if m.reassignAmounts {
		for i, j := 0, len(amounts)-1; i < j; i, j = i+1, j-1 {
			amounts[i], amounts[j] = amounts[j], amounts[i]
		}
	}

	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		k, ok := m.privKeys[amounts[i]]
		if !ok {
			return nil, false
		}
		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, false
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, false
		}
		C_ := crypto.SignBlindedMessage(B_, k)
		signatures[i] = cashu.BlindedSignature{
			Amount: amounts[i],
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     m.keysetId,
		}
		m.signed[output.B_] = signatures[i]
	}
	return signatures, true
}

func (m *Mint) inputFee(proofs cashu.Proofs) uint64 {
	return (uint64(m.feePpk)*uint64(len(proofs)) + 999) / 1000
}

// verifyInputsLocked checks proof validity, double spends and
// spending conditions. It returns an error code and detail, or empty
// detail when everything verifies. Callers hold m.mu.
func (m *Mint) verifyInputsLocked(proofs cashu.Proofs) (cashu.ErrCode, string) {
	if len(proofs) == 0 {
		return cashu.StandardErrCode, "no inputs"
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.InvalidProofErrCode, "duplicate inputs"
	}

	for _, proof := range proofs {
		if proof.Id != m.keysetId {
			return cashu.UnknownKeysetErrCode, "unknown keyset"
		}
		k, ok := m.privKeys[proof.Amount]
		if !ok {
			return cashu.InvalidProofErrCode, "unknown amount"
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return cashu.InvalidProofErrCode, "invalid secret"
		}
		if _, spent := m.spent[hex.EncodeToString(Y.SerializeCompressed())]; spent {
			return cashu.ProofAlreadyUsedErrCode, "proof already spent"
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.InvalidProofErrCode, "invalid C"
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.InvalidProofErrCode, "invalid C"
		}
		if !crypto.Verify(proof.Secret, k, C) {
			return cashu.InvalidProofErrCode, "invalid proof"
		}

		if cashu.SecretType(proof) == cashu.HTLC {
			if detail := m.verifyHTLC(proof); detail != "" {
				return cashu.InvalidProofErrCode, detail
			}
		}
	}
	return 0, ""
}

func (m *Mint) verifyHTLC(proof cashu.Proof) string {
	secretData, err := cashu.DeserializeSecret(proof.Secret)
	if err != nil {
		return "invalid spending condition"
	}
	terms, err := cashu.ParseHTLCTerms(secretData)
	if err != nil {
		return "invalid spending condition"
	}
	witness, err := cashu.ParseHTLCWitness(proof.Witness)
	if err != nil {
		return "missing witness"
	}
	if len(witness.Signatures) == 0 {
		return "missing witness signature"
	}

	// after locktime the refund keys can sweep without the preimage
	if time.Now().Unix() >= terms.Locktime && terms.Locktime > 0 {
		if signedByAny(proof.Secret, witness.Signatures[0], terms.RefundKeys) {
			return ""
		}
	}

	if !terms.PreimageMatches(witness.Preimage) {
		return "preimage does not match"
	}
	if !signedByAny(proof.Secret, witness.Signatures[0], terms.Pubkeys) {
		return "witness signature does not verify"
	}
	return ""
}

func signedByAny(secret, signature string, keys []string) bool {
	for _, keyHex := range keys {
		pubkey, err := crypto.ParsePublicKey(keyHex)
		if err != nil {
			continue
		}
		if crypto.VerifySecretSignature(secret, signature, pubkey) {
			return true
		}
	}
	return false
}

// markSpentLocked records inputs as spent along with the witnesses
// that spent them. Callers hold m.mu.
func (m *Mint) markSpentLocked(proofs cashu.Proofs) {
	for _, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			continue
		}
		m.spent[hex.EncodeToString(Y.SerializeCompressed())] = proof.Witness
	}
}
