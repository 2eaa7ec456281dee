package consensus

import "math/big"

// Compact difficulty ("bits") packs a 256-bit target into 32 bits: the high
// byte is a base-256 exponent, the low three bytes a mantissa. The encoding
// matches the display convention, so bits serialize big-endian.

var (
	bigOne    = big.NewInt(1)
	oneLsh256 = new(big.Int).Lsh(bigOne, 256)
)

// CompactToTarget expands bits into the full target. A set sign bit
// (0x00800000 in the mantissa) yields a zero target; callers treat that as
// invalid via PoW or retarget checks.
func CompactToTarget(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint(bits >> 24)

	if bits&0x00800000 != 0 {
		return new(big.Int)
	}
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		return big.NewInt(int64(mantissa))
	}
	t := big.NewInt(int64(mantissa))
	return t.Lsh(t, 8*(exponent-3))
}

// TargetToCompact packs a target back into bits. Inverse of CompactToTarget
// modulo the 3-byte mantissa precision.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	var mantissa uint32
	exponent := uint(len(target.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(target.Uint64()) << (8 * (3 - exponent))
	} else {
		tn := new(big.Int).Rsh(target, 8*(exponent-3))
		mantissa = uint32(tn.Uint64())
	}
	// A mantissa high bit would read as a sign; shift one byte out.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return uint32(exponent)<<24 | mantissa
}

// WorkForBits is the amount of work a block at this difficulty represents:
// 2^256 / (target + 1).
func WorkForBits(bits uint32) *big.Int {
	target := CompactToTarget(bits)
	if target.Sign() <= 0 {
		return new(big.Int)
	}
	denom := new(big.Int).Add(target, bigOne)
	return new(big.Int).Div(oneLsh256, denom)
}
