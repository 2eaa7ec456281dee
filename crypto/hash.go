package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"
)

// DoubleSha256 computes SHA256(SHA256(b)), the digest behind block and
// transaction identifiers.
func DoubleSha256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Hash160 computes RIPEMD160(SHA256(b)), the public-key hash used in
// addresses.
func Hash160(b []byte) [20]byte {
	first := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(first[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}
