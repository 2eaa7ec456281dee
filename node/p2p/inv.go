package p2p

import (
	"fmt"

	"thunderbolt.dev/node/consensus"
)

const MaxInvEntries = 50_000

// Inventory vector types.
const (
	InvTypeTx    uint32 = 1
	InvTypeBlock uint32 = 2
)

// InvVector names one object a peer has or wants.
type InvVector struct {
	Type uint32
	Hash consensus.Hash
}

// EncodeInvPayload serializes an inv/getdata/notfound payload (they share
// the layout).
func EncodeInvPayload(vecs []InvVector) ([]byte, error) {
	if len(vecs) > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: too many entries")
	}
	out := make([]byte, 0, 4+len(vecs)*(4+consensus.HashSize))
	out = appendU32le(out, uint32(len(vecs)))
	for _, v := range vecs {
		out = appendU32le(out, v.Type)
		out = append(out, v.Hash[:]...)
	}
	return out, nil
}

func DecodeInvPayload(b []byte) ([]InvVector, error) {
	r := newReader(b)
	count, err := r.readU32le()
	if err != nil {
		return nil, err
	}
	if count > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: count exceeds bound")
	}
	out := make([]InvVector, 0, count)
	for i := uint32(0); i < count; i++ {
		tp, err := r.readU32le()
		if err != nil {
			return nil, err
		}
		if tp != InvTypeTx && tp != InvTypeBlock {
			return nil, fmt.Errorf("p2p: inv: unknown type %d", tp)
		}
		hb, err := r.readBytes(consensus.HashSize)
		if err != nil {
			return nil, err
		}
		var h consensus.Hash
		copy(h[:], hb)
		out = append(out, InvVector{Type: tp, Hash: h})
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}
