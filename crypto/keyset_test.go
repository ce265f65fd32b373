package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testKeys(t *testing.T, amounts ...uint64) map[uint64]*secp256k1.PublicKey {
	t.Helper()
	keys := make(map[uint64]*secp256k1.PublicKey, len(amounts))
	for i, amount := range amounts {
		kBytes := make([]byte, 32)
		kBytes[31] = byte(i + 1)
		keys[amount] = secp256k1.PrivKeyFromBytes(kBytes).PubKey()
	}
	return keys
}

func TestDeriveKeysetId(t *testing.T) {
	keys := testKeys(t, 1, 2, 4, 8)

	id := DeriveKeysetId(keys)
	if !strings.HasPrefix(id, "00") {
		t.Errorf("keyset id missing version byte: %v", id)
	}
	if len(id) != 16 {
		t.Errorf("keyset id has wrong length: %v", id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("keyset id is not hex: %v", id)
	}

	// same keys, same id
	if id2 := DeriveKeysetId(keys); id2 != id {
		t.Errorf("same keys derived different ids: %v != %v", id, id2)
	}

	// different keys, different id
	if id3 := DeriveKeysetId(testKeys(t, 1, 2, 4, 16)); id3 == id {
		t.Error("different keys derived the same id")
	}
}

func TestMapPubKeys(t *testing.T) {
	pubkey := hex.EncodeToString(testKeys(t, 1)[1].SerializeCompressed())

	keys, err := MapPubKeys(map[string]string{
		"1": pubkey,
		"2": pubkey,
		// amounts out of signed 64-bit range are skipped, not fatal
		"18446744073709551615": pubkey,
		"not a number":         pubkey,
	})
	if err != nil {
		t.Fatalf("MapPubKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 parsed keys, got %d", len(keys))
	}
	if _, ok := keys[1]; !ok {
		t.Error("amount 1 missing from parsed keys")
	}

	if _, err := MapPubKeys(map[string]string{"1": "02deadbeef"}); err == nil {
		t.Error("expected error for invalid public key")
	}
}
