package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725",
		},
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf",
		},
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f",
		},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Fatalf("error decoding msg: %v", err)
		}

		point, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("HashToCurve: %v", err)
		}
		hexStr := hex.EncodeToString(point.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected %v but got %v", test.expected, hexStr)
		}
	}
}

func TestHashToCurveDeterministic(t *testing.T) {
	p1, err := HashToCurve([]byte("some deterministic secret"))
	if err != nil {
		t.Fatalf("HashToCurve: %v", err)
	}
	p2, err := HashToCurve([]byte("some deterministic secret"))
	if err != nil {
		t.Fatalf("HashToCurve: %v", err)
	}
	if !p1.IsEqual(p2) {
		t.Error("same message mapped to different points")
	}

	p3, err := HashToCurve([]byte("some deterministic secret2"))
	if err != nil {
		t.Fatalf("HashToCurve: %v", err)
	}
	if p1.IsEqual(p3) {
		t.Error("different messages mapped to the same point")
	}
}

func TestBlindSignUnblindRoundTrip(t *testing.T) {
	secret := "test_message"

	// mint keypair
	kBytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k := secp256k1.PrivKeyFromBytes(kBytes)

	r, err := GenerateBlindingFactor()
	if err != nil {
		t.Fatalf("GenerateBlindingFactor: %v", err)
	}

	B_, r, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatalf("BlindMessage: %v", err)
	}

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, k.PubKey())

	// C must equal k * HashToCurve(secret)
	if !Verify(secret, k, C) {
		t.Error("unblinded signature failed verification")
	}

	// a different mint key must not verify
	k2Bytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	k2 := secp256k1.PrivKeyFromBytes(k2Bytes)
	if Verify(secret, k2, C) {
		t.Error("signature verified under the wrong key")
	}

	// unblinding with the wrong blinding factor yields garbage
	wrongR, _ := GenerateBlindingFactor()
	wrongC := UnblindSignature(C_, wrongR, k.PubKey())
	if Verify(secret, k, wrongC) {
		t.Error("signature unblinded with wrong factor verified")
	}
}

func TestBlindMessageFixedVector(t *testing.T) {
	// B_ = HashToCurve(x) + rG with fixed r
	tests := []struct {
		secret   string
		rHex     string
		expected string
	}{
		{
			secret:   "d341ee4871f1f889041e63cf0d3823c713eea6aff01e80f1719f08f9e5be98f6",
			rHex:     "99fce58439fc37412ab3468b73db0569322588f62fb3a49182d67e23d877824a",
			expected: "033b1a9737a40cc3fd9b6af4b723632b7a67a8716dddd511e03680ca84bddf782e",
		},
		{
			secret:   "f1aaf16c2239746f369572c0784d9dd3d032d952c2d992175873fb58fae31a60",
			rHex:     "f78476ea7cc9ade20f9e05e58a804cf19533f03ea805ece5fee88c8e2874ba50",
			expected: "029bdf2d716ee366eddf599ba252786c1033f47e230248a4612a5670ab931f1763",
		},
	}

	for _, test := range tests {
		rBytes, err := hex.DecodeString(test.rHex)
		if err != nil {
			t.Fatalf("error decoding r: %v", err)
		}
		r := secp256k1.PrivKeyFromBytes(rBytes)

		B_, _, err := BlindMessage(test.secret, r)
		if err != nil {
			t.Fatalf("BlindMessage: %v", err)
		}
		B_Hex := hex.EncodeToString(B_.SerializeCompressed())
		if B_Hex != test.expected {
			t.Errorf("expected %v but got %v", test.expected, B_Hex)
		}
	}
}
