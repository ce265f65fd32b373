package wallet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/nutlock/nutlock/testutils"
	"github.com/nutlock/nutlock/wallet/storage"
)

func escrowSerialHeld(w *Wallet, id string) bool {
	w.escrowMu.Lock()
	defer w.escrowMu.Unlock()
	_, ok := w.escrowSer[id]
	return ok
}

func newPreimage(t *testing.T) (preimage, paymentHash string) {
	t.Helper()
	preimageBytes := make([]byte, 32)
	if _, err := rand.Read(preimageBytes); err != nil {
		t.Fatalf("rand: %v", err)
	}
	hash := sha256.Sum256(preimageBytes)
	return hex.EncodeToString(preimageBytes), hex.EncodeToString(hash[:])
}

func TestLockAndClaim(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 5000)

	preimage, paymentHash := newPreimage(t)
	locktime := time.Now().Add(time.Hour).Unix()

	lock, err := alice.Lock(ctx, 1000, bob.Signer().PublicKeyHex(), paymentHash, locktime)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if lock.Status != storage.Locked {
		t.Errorf("expected LOCKED, got %v", lock.Status)
	}
	if alice.Balance() != 4000 {
		t.Errorf("expected alice balance 4000, got %d", alice.Balance())
	}
	// locked proofs live in the token, not in the ledger
	if lock.Token == "" {
		t.Fatal("lock has no token")
	}

	claimed, err := bob.Claim(ctx, lock.Token, preimage)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed != 1000 {
		t.Errorf("expected to claim 1000, got %d", claimed)
	}
	if bob.Balance() != 1000 {
		t.Errorf("expected bob balance 1000, got %d", bob.Balance())
	}

	// bob hands the preimage over, alice records the claim
	if err := alice.RecordClaim(lock.Id, preimage); err != nil {
		t.Fatalf("RecordClaim: %v", err)
	}
	stored, err := alice.EscrowLockById(lock.Id)
	if err != nil {
		t.Fatalf("EscrowLockById: %v", err)
	}
	if stored.Status != storage.Claimed || stored.Preimage != preimage {
		t.Errorf("claim not recorded: %+v", stored)
	}

	// terminal locks reject further transitions
	if err := alice.RecordClaim(lock.Id, preimage); !errors.Is(err, ErrEscrowFinalized) {
		t.Errorf("expected ErrEscrowFinalized, got %v", err)
	}

	// serialization entries for terminal locks are dropped
	if escrowSerialHeld(alice, lock.Id) {
		t.Error("mutex entry kept for a finalized escrow")
	}
}

func TestClaimWrongPreimage(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 2000)

	_, paymentHash := newPreimage(t)
	wrongPreimage, _ := newPreimage(t)

	lock, err := alice.Lock(ctx, 500, bob.Signer().PublicKeyHex(), paymentHash, time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	_, err = bob.Claim(ctx, lock.Token, wrongPreimage)
	var mismatchErr *PreimageMismatchError
	if !errors.As(err, &mismatchErr) {
		t.Fatalf("expected PreimageMismatchError, got %v", err)
	}
	if mismatchErr.PaymentHash != paymentHash {
		t.Errorf("wrong payment hash in error: %v", mismatchErr.PaymentHash)
	}
	if bob.Balance() != 0 {
		t.Errorf("failed claim changed bob's balance: %d", bob.Balance())
	}
}

func TestClaimWrongKey(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	carol := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 2000)

	preimage, paymentHash := newPreimage(t)
	lock, err := alice.Lock(ctx, 500, bob.Signer().PublicKeyHex(), paymentHash, time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// carol knows the preimage but the funds are not locked to her
	if _, err := carol.Claim(ctx, lock.Token, preimage); err == nil {
		t.Fatal("claim with the wrong key succeeded")
	}
	if carol.Balance() != 0 {
		t.Errorf("carol gained balance: %d", carol.Balance())
	}
}

func TestRefundBeforeLocktime(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 2000)

	_, paymentHash := newPreimage(t)
	lock, err := alice.Lock(ctx, 500, bob.Signer().PublicKeyHex(), paymentHash, time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := alice.Refund(ctx, lock.Id); !errors.Is(err, ErrLocktimeNotExpired) {
		t.Errorf("expected ErrLocktimeNotExpired, got %v", err)
	}
	stored, _ := alice.EscrowLockById(lock.Id)
	if stored.Status != storage.Locked {
		t.Errorf("early refund changed status: %v", stored.Status)
	}
}

func TestRefundAfterLocktime(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 2000)

	_, paymentHash := newPreimage(t)
	lock, err := alice.Lock(ctx, 500, bob.Signer().PublicKeyHex(), paymentHash, time.Now().Add(time.Second).Unix())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if alice.Balance() != 1500 {
		t.Fatalf("expected balance 1500 after lock, got %d", alice.Balance())
	}

	time.Sleep(1500 * time.Millisecond)

	if err := alice.Refund(ctx, lock.Id); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if alice.Balance() != 2000 {
		t.Errorf("expected balance 2000 after refund, got %d", alice.Balance())
	}
	stored, _ := alice.EscrowLockById(lock.Id)
	if stored.Status != storage.Refunded {
		t.Errorf("expected REFUNDED, got %v", stored.Status)
	}
	if escrowSerialHeld(alice, lock.Id) {
		t.Error("mutex entry kept for a refunded escrow")
	}

	// refunding again must fail, the lock is terminal
	if err := alice.Refund(ctx, lock.Id); !errors.Is(err, ErrEscrowFinalized) {
		t.Errorf("expected ErrEscrowFinalized, got %v", err)
	}
	if escrowSerialHeld(alice, lock.Id) {
		t.Error("mutex entry re-created by a rejected refund")
	}
}

func TestRefundAfterCounterpartyClaimed(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 2000)

	preimage, paymentHash := newPreimage(t)
	lock, err := alice.Lock(ctx, 500, bob.Signer().PublicKeyHex(), paymentHash, time.Now().Add(time.Second).Unix())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if _, err := bob.Claim(ctx, lock.Token, preimage); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	err = alice.Refund(ctx, lock.Id)
	var spentErr *ProofsSpentError
	if !errors.As(err, &spentErr) {
		t.Fatalf("expected ProofsSpentError, got %v", err)
	}

	// the lock records the claim, with the preimage the mint exposed
	stored, _ := alice.EscrowLockById(lock.Id)
	if stored.Status != storage.Claimed {
		t.Errorf("expected CLAIMED, got %v", stored.Status)
	}
	if stored.Preimage != preimage {
		t.Errorf("revealed preimage not recorded: %q", stored.Preimage)
	}
	if alice.Balance() != 1500 {
		t.Errorf("refund after claim changed alice's balance: %d", alice.Balance())
	}
}

func TestRefundExpiredSweep(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 4000)

	_, hash1 := newPreimage(t)
	_, hash2 := newPreimage(t)
	_, hash3 := newPreimage(t)
	bobKey := bob.Signer().PublicKeyHex()

	if _, err := alice.Lock(ctx, 500, bobKey, hash1, time.Now().Add(time.Second).Unix()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := alice.Lock(ctx, 600, bobKey, hash2, time.Now().Add(time.Second).Unix()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// this one is not expired and must be left alone
	if _, err := alice.Lock(ctx, 700, bobKey, hash3, time.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	refunded, err := alice.RefundExpired(ctx)
	if err != nil {
		t.Fatalf("RefundExpired: %v", err)
	}
	if refunded != 2 {
		t.Errorf("expected 2 refunds, got %d", refunded)
	}
	if alice.Balance() != 4000-700 {
		t.Errorf("expected balance 3300, got %d", alice.Balance())
	}

	statuses := make(map[storage.EscrowStatus]int)
	for _, lock := range alice.EscrowLocks() {
		statuses[lock.Status]++
	}
	if statuses[storage.Refunded] != 2 || statuses[storage.Locked] != 1 {
		t.Errorf("unexpected statuses: %v", statuses)
	}
}

func TestLockValidation(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()
	ctx := context.Background()

	alice := newTestWallet(t, m.URL())
	bob := newTestWallet(t, m.URL())
	fundWallet(t, alice, m, 1000)

	_, paymentHash := newPreimage(t)
	bobKey := bob.Signer().PublicKeyHex()
	future := time.Now().Add(time.Hour).Unix()

	if _, err := alice.Lock(ctx, 0, bobKey, paymentHash, future); err == nil {
		t.Error("zero amount accepted")
	}
	if _, err := alice.Lock(ctx, 100, bobKey, "abcd", future); err == nil {
		t.Error("short payment hash accepted")
	}
	if _, err := alice.Lock(ctx, 100, "not a key", paymentHash, future); err == nil {
		t.Error("malformed counterparty key accepted")
	}
	if _, err := alice.Lock(ctx, 100, bobKey, paymentHash, time.Now().Add(-time.Hour).Unix()); err == nil {
		t.Error("past locktime accepted")
	}

	_, err := alice.Lock(ctx, 100000, bobKey, paymentHash, future)
	var balanceErr *InsufficientBalanceError
	if !errors.As(err, &balanceErr) {
		t.Errorf("expected InsufficientBalanceError, got %v", err)
	}

	// none of the rejected calls may have touched the ledger
	if alice.Balance() != 1000 {
		t.Errorf("rejected locks changed the balance: %d", alice.Balance())
	}
}

func TestRefundUnknownEscrow(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()

	alice := newTestWallet(t, m.URL())
	if err := alice.Refund(context.Background(), "no-such-lock"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestClaimMalformedToken(t *testing.T) {
	m := testutils.NewMint()
	defer m.Close()

	bob := newTestWallet(t, m.URL())
	_, err := bob.Claim(context.Background(), "cashuBnottoken", "00")
	var parseErr *TokenParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("expected TokenParseError, got %v", err)
	}
}
