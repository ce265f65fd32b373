package crypto

import (
	"encoding/hex"
	"testing"
)

func TestDeriveSecretDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	keysetId := "009a1f293253e41e"

	secret1, r1, err := DeriveSecret(seed, keysetId, 0)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	secret2, r2, err := DeriveSecret(seed, keysetId, 0)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}

	if secret1 != secret2 {
		t.Errorf("same inputs derived different secrets: %v != %v", secret1, secret2)
	}
	if !r1.Key.Equals(&r2.Key) {
		t.Error("same inputs derived different blinding factors")
	}
}

func TestDeriveSecretDistinct(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	keysetId := "009a1f293253e41e"

	// different counters
	secretA, rA, err := DeriveSecret(seed, keysetId, 0)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	secretB, rB, err := DeriveSecret(seed, keysetId, 1)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	if secretA == secretB {
		t.Error("different counters derived the same secret")
	}
	if rA.Key.Equals(&rB.Key) {
		t.Error("different counters derived the same blinding factor")
	}

	// different keysets
	secretC, _, err := DeriveSecret(seed, "00ad268c4d1f5826", 0)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	if secretA == secretC {
		t.Error("different keysets derived the same secret")
	}

	// different seeds
	secretD, _, err := DeriveSecret([]byte("another seed entirely"), keysetId, 0)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	if secretA == secretD {
		t.Error("different seeds derived the same secret")
	}
}

func TestDeriveSecretBranchSeparation(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	// the secret branch and the blinding factor branch of the same
	// counter must not collide
	secret, r, err := DeriveSecret(seed, "009a1f293253e41e", 7)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	rHex := hex.EncodeToString(r.Serialize())
	if secret == rHex {
		t.Error("secret equals its own blinding factor")
	}
}

func TestDeriveSecretNoCollisions(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	keysetId := "009a1f293253e41e"

	seen := make(map[string]uint32, 10000)
	for counter := uint32(0); counter < 10000; counter++ {
		secret, _, err := DeriveSecret(seed, keysetId, counter)
		if err != nil {
			t.Fatalf("DeriveSecret at counter %d: %v", counter, err)
		}
		if prev, ok := seen[secret]; ok {
			t.Fatalf("counter %d collided with counter %d", counter, prev)
		}
		seen[secret] = counter
	}
}

func TestDeriveSecretEmptySeed(t *testing.T) {
	if _, _, err := DeriveSecret(nil, "009a1f293253e41e", 0); err == nil {
		t.Error("expected error for empty seed")
	}
}
