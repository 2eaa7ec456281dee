package crypto

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// VerifySignature checks a DER-encoded secp256k1 ECDSA signature over msg
// against a serialized (compressed or uncompressed) public key. Malformed
// keys or signatures simply fail verification; there is no error channel
// because the caller's only decision is satisfied/unsatisfied.
func VerifySignature(msg []byte, sigDER []byte, pubKey []byte) bool {
	pk, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return false
	}
	return sig.Verify(msg, pk)
}
