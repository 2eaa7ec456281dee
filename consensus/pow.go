package consensus

import "math/big"

// CheckProofOfWork verifies hash <= target(bits) and that bits encodes a
// positive target no easier than the network's proof-of-work limit. The
// hash is interpreted as a big-endian 256-bit integer; equality with the
// target is valid.
func CheckProofOfWork(hash Hash, bits uint32, params *Params) error {
	target := CompactToTarget(bits)
	if target.Sign() <= 0 {
		return ruleErr(KindConsensus, BLOCK_ERR_BITS_INVALID, "target is zero or negative")
	}
	if target.Cmp(params.PowLimit) > 0 {
		return ruleErr(KindConsensus, BLOCK_ERR_BITS_INVALID, "target above proof-of-work limit")
	}
	if hash.Big().Cmp(target) > 0 {
		return ruleErr(KindConsensus, BLOCK_ERR_POW_INVALID, "block hash above target")
	}
	return nil
}

// CalcNextTarget computes the retargeted (unmasked) target for the block
// following an interval boundary: the anchor target scaled by the observed
// timespan, clamped to [TargetTimespan/4, TargetTimespan*4] and capped at
// the proof-of-work limit.
func CalcNextTarget(anchorBits uint32, anchorTimestamp, parentTimestamp uint64, params *Params) *big.Int {
	var timespan uint64
	if parentTimestamp > anchorTimestamp {
		timespan = parentTimestamp - anchorTimestamp
	}
	minSpan := params.TargetTimespan / 4
	maxSpan := params.TargetTimespan * 4
	if timespan < minSpan {
		timespan = minSpan
	}
	if timespan > maxSpan {
		timespan = maxSpan
	}

	next := CompactToTarget(anchorBits)
	next.Mul(next, new(big.Int).SetUint64(timespan))
	next.Div(next, new(big.Int).SetUint64(params.TargetTimespan))
	if next.Cmp(params.PowLimit) > 0 {
		next.Set(params.PowLimit)
	}
	return next
}

// CheckRetargetBits validates a boundary block's claimed bits against the
// computed target. The computed target is reduced to the precision of the
// claimed encoding by masking with 0xFFFFFF at the claimed exponent, then
// compared for exact equality. A claimed exponent below 3 cannot express
// that mask and is a consensus failure.
func CheckRetargetBits(claimedBits, anchorBits uint32, anchorTimestamp, parentTimestamp uint64, params *Params) error {
	exponent := claimedBits >> 24
	if exponent < 3 {
		return ruleErr(KindConsensus, BLOCK_ERR_BITS_INVALID, "retarget exponent below 3")
	}
	expected := CalcNextTarget(anchorBits, anchorTimestamp, parentTimestamp, params)
	mask := new(big.Int).Lsh(big.NewInt(0xFFFFFF), 8*uint(exponent-3))
	expected.And(expected, mask)
	if expected.Cmp(CompactToTarget(claimedBits)) != 0 {
		return ruleErr(KindConsensus, BLOCK_ERR_BITS_INVALID, "bits do not match retarget")
	}
	return nil
}
