package consensus

import (
	"encoding/hex"
	"math/big"

	"thunderbolt.dev/node/crypto"
)

const HashSize = 32

// Hash is a 32-byte identifier in display form (big-endian). The zero value
// is the "no parent" sentinel. Hashes compare by value: Go array equality.
type Hash [HashSize]byte

// ZeroHash is the sentinel parent of the genesis block and the reference of
// a coinbase input.
var ZeroHash Hash

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Big interprets the hash as a big-endian 256-bit integer for difficulty
// comparisons.
func (h Hash) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// NewHashFromString parses a 64-char hex string into a Hash.
func NewHashFromString(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, codecErr(CODEC_ERR_VARIANT, "hash: invalid hex")
	}
	if len(raw) != HashSize {
		return h, codecErr(CODEC_ERR_VARIANT, "hash: expected 32 bytes")
	}
	copy(h[:], raw)
	return h, nil
}

// DoubleHash computes the display-form identifier for serialized bytes:
// double-SHA-256 with the digest bytes reversed, so the result reads
// big-endian and leading zero bytes express work.
func DoubleHash(b []byte) Hash {
	d := crypto.DoubleSha256(b)
	var h Hash
	for i := 0; i < HashSize; i++ {
		h[i] = d[HashSize-1-i]
	}
	return h
}

// DigestHash computes a plain double-SHA-256 digest without byte reversal.
// Used for transaction ids, signature messages, and lock-script hashes,
// where no display convention applies.
func DigestHash(b []byte) Hash {
	return Hash(crypto.DoubleSha256(b))
}
