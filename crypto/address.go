package crypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// EncodeAddress renders a public-key hash as a base58check address with the
// network's version byte.
func EncodeAddress(pubKeyHash [20]byte, version byte) string {
	return base58.CheckEncode(pubKeyHash[:], version)
}

// AddressFromPubKey hashes a serialized public key and encodes it.
func AddressFromPubKey(pubKey []byte, version byte) string {
	return EncodeAddress(Hash160(pubKey), version)
}

// DecodeAddress parses a base58check address, returning the embedded
// public-key hash and version byte.
func DecodeAddress(addr string) ([20]byte, byte, error) {
	var out [20]byte
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return out, 0, fmt.Errorf("decode address: %w", err)
	}
	if len(payload) != 20 {
		return out, 0, fmt.Errorf("decode address: expected 20-byte payload, got %d", len(payload))
	}
	copy(out[:], payload)
	return out, version, nil
}
