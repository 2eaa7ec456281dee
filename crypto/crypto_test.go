package crypto

import (
	"bytes"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func TestDoubleSha256Deterministic(t *testing.T) {
	a := DoubleSha256([]byte("thunderbolt"))
	b := DoubleSha256([]byte("thunderbolt"))
	if a != b {
		t.Fatalf("digest not deterministic")
	}
	c := DoubleSha256([]byte("thunderbolt!"))
	if a == c {
		t.Fatalf("distinct inputs collided")
	}
}

func TestHash160(t *testing.T) {
	h := Hash160([]byte("public key bytes"))
	if h == ([20]byte{}) {
		t.Fatalf("hash160 produced zero digest")
	}
	if h != Hash160([]byte("public key bytes")) {
		t.Fatalf("hash160 not deterministic")
	}
}

func TestVerifySignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	msg := DoubleSha256([]byte("spend authorization"))
	sig := ecdsa.Sign(priv, msg[:]).Serialize()

	if !VerifySignature(msg[:], sig, pub) {
		t.Fatalf("valid signature rejected")
	}
	other := DoubleSha256([]byte("different message"))
	if VerifySignature(other[:], sig, pub) {
		t.Fatalf("signature verified against wrong message")
	}
	if VerifySignature(msg[:], sig, pub[:10]) {
		t.Fatalf("malformed public key accepted")
	}
	if VerifySignature(msg[:], sig[:5], pub) {
		t.Fatalf("malformed signature accepted")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	hash := Hash160(bytes.Repeat([]byte{0x42}, 33))
	addr := EncodeAddress(hash, 0x19)
	gotHash, version, err := DecodeAddress(addr)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if version != 0x19 || gotHash != hash {
		t.Fatalf("address round trip mismatch")
	}
	if _, _, err := DecodeAddress(addr[:len(addr)-2] + "xx"); err == nil {
		t.Fatalf("corrupted address accepted")
	}
}
