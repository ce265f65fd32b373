package mint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nutlock/nutlock/cashu"
)

func TestClientErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(cashu.Error{
			Detail: "Token already spent",
			Code:   cashu.ProofAlreadyUsedErrCode,
		})
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.PostSwap(context.Background(), server.URL, PostSwapRequest{})
	if err == nil {
		t.Fatal("expected error from mint")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T", err)
	}
	if !httpErr.ProofsAlreadySpent() {
		t.Errorf("expected already-spent error, got code %v", httpErr.Code)
	}
	if httpErr.Status != http.StatusBadRequest {
		t.Errorf("wrong status: %v", httpErr.Status)
	}
}

func TestClientErrorMappingVerification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(cashu.Error{
			Detail: "proof could not be verified",
			Code:   cashu.InvalidProofErrCode,
		})
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.PostCheckState(context.Background(), server.URL, PostCheckStateRequest{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T", err)
	}
	if !httpErr.VerificationFailed() {
		t.Errorf("expected verification error, got code %v", httpErr.Code)
	}
	if httpErr.ProofsAlreadySpent() {
		t.Error("verification error misreported as already spent")
	}
}

func TestClientNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.GetMintInfo(context.Background(), server.URL)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T", err)
	}
	if httpErr.Status != http.StatusInternalServerError {
		t.Errorf("wrong status: %v", httpErr.Status)
	}
}

func TestClientTransportError(t *testing.T) {
	client := NewClient()
	// nothing listens here
	_, err := client.GetMintInfo(context.Background(), "http://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected transport error")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Error("transport failure misreported as mint rejection")
	}
}

func TestClientContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient()
	_, err := client.GetMintInfo(ctx, server.URL)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError on canceled context, got %T", err)
	}
}

func TestProofStateUnmarshal(t *testing.T) {
	data := []byte(`{"Y":"02ab","state":"SPENT","witness":"{\"preimage\":\"00\"}"}`)
	var state ProofState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if state.State != Spent {
		t.Errorf("wrong state: %v", state.State)
	}
	if state.Witness != `{"preimage":"00"}` {
		t.Errorf("witness altered: %v", state.Witness)
	}

	if err := json.Unmarshal([]byte(`{"Y":"02ab","state":"BOGUS"}`), &state); err == nil {
		t.Error("expected error for unknown state")
	}
}
