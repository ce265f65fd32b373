package cashu

import (
	"encoding/hex"
	"encoding/json"
	"reflect"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{13, []uint64{1, 4, 8}},
		{64, []uint64{64}},
		{1, []uint64{1}},
		{255, []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
		{0, []uint64{}},
	}

	for _, test := range tests {
		result := AmountSplit(test.amount)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("amount %d: expected %v but got %v", test.amount, test.expected, result)
		}
	}
}

func TestNormalizeHex(t *testing.T) {
	if got := NormalizeHex("02ab"); got != "02ab" {
		t.Errorf("valid hex was rewritten: %v", got)
	}
	// raw bytes get hex encoded
	raw := string([]byte{0x02, 0xab})
	if got := NormalizeHex(raw); got != "02ab" {
		t.Errorf("raw bytes not normalized: %v", got)
	}
}

func TestBlindedSignatureUnmarshalNormalizes(t *testing.T) {
	rawC := string([]byte{0x03, 0x01, 0x02})
	data, err := json.Marshal(map[string]interface{}{
		"amount": 8,
		"id":     "00ad268c4d1f5826",
		"C_":     rawC,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var signature BlindedSignature
	if err := json.Unmarshal(data, &signature); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if signature.C_ != "030102" {
		t.Errorf("C_ not normalized to hex: %v", signature.C_)
	}
	if signature.Amount != 8 || signature.Id != "00ad268c4d1f5826" {
		t.Error("other fields lost in unmarshal")
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Secret: "a"},
		{Amount: 2, Secret: "b"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Error("distinct proofs flagged as duplicates")
	}

	proofs = append(proofs, Proof{Amount: 4, Secret: "a"})
	if !CheckDuplicateProofs(proofs) {
		t.Error("duplicate secret not detected")
	}
}

func TestTokenV4RoundTrip(t *testing.T) {
	proofs := Proofs{
		{
			Amount: 8,
			Id:     "00ad268c4d1f5826",
			Secret: "secret one",
			C:      hex.EncodeToString([]byte{0x02, 0xaa, 0xbb}),
		},
		{
			Amount: 2,
			Id:     "00ad268c4d1f5826",
			Secret: `["HTLC", {"nonce":"n","data":"d","tags":[]}]`,
			C:      hex.EncodeToString([]byte{0x03, 0xcc}),
		},
	}

	token, err := NewTokenV4(proofs, "http://127.0.0.1:3338", Sat)
	if err != nil {
		t.Fatalf("NewTokenV4: %v", err)
	}
	serialized, err := token.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if serialized[:6] != "cashuB" {
		t.Errorf("wrong token prefix: %v", serialized[:6])
	}

	decoded, err := DecodeToken(serialized)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if decoded.Mint() != "http://127.0.0.1:3338" {
		t.Errorf("wrong mint: %v", decoded.Mint())
	}
	if decoded.Amount() != 10 {
		t.Errorf("wrong amount: %v", decoded.Amount())
	}

	decodedProofs := decoded.Proofs()
	if len(decodedProofs) != 2 {
		t.Fatalf("expected 2 proofs, got %d", len(decodedProofs))
	}
	bySecret := make(map[string]Proof)
	for _, proof := range decodedProofs {
		bySecret[proof.Secret] = proof
	}
	for _, original := range proofs {
		got, ok := bySecret[original.Secret]
		if !ok {
			t.Fatalf("proof with secret %q missing after round trip", original.Secret)
		}
		if got.Amount != original.Amount || got.Id != original.Id || got.C != original.C {
			t.Errorf("proof fields changed: %+v != %+v", got, original)
		}
	}
}

func TestTokenV3RoundTrip(t *testing.T) {
	proofs := Proofs{
		{Amount: 4, Id: "00ad268c4d1f5826", Secret: "s", C: "02aa"},
	}
	token, err := NewTokenV3(proofs, "http://127.0.0.1:3338", Sat)
	if err != nil {
		t.Fatalf("NewTokenV3: %v", err)
	}
	serialized, err := token.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if serialized[:6] != "cashuA" {
		t.Errorf("wrong token prefix: %v", serialized[:6])
	}

	decoded, err := DecodeToken(serialized)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if decoded.Amount() != 4 || decoded.Mint() != "http://127.0.0.1:3338" {
		t.Error("token fields changed in round trip")
	}
}

func TestDecodeTokenRejects(t *testing.T) {
	for _, tokenStr := range []string{"", "cash", "cashuXabc", "cashuB!!!not-base64!!!"} {
		if _, err := DecodeToken(tokenStr); err == nil {
			t.Errorf("expected error decoding %q", tokenStr)
		}
	}
}
