package p2p

import (
	"fmt"

	"thunderbolt.dev/node/consensus"
)

// MaxLocatorHashes bounds a locator: dense sampling near the tip thins
// exponentially toward genesis, so even a very long chain stays small.
const MaxLocatorHashes = 101

// GetBlocksPayload asks a peer for block inventory (or headers, for
// getheaders, which shares the layout): the locator finds the fork point,
// the stop hash bounds the reply (zero means "as many as allowed").
type GetBlocksPayload struct {
	Locator  []consensus.Hash
	StopHash consensus.Hash
}

func EncodeGetBlocksPayload(p *GetBlocksPayload) ([]byte, error) {
	if len(p.Locator) > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getblocks: locator too long")
	}
	out := make([]byte, 0, 4+len(p.Locator)*consensus.HashSize+consensus.HashSize)
	out = appendU32le(out, uint32(len(p.Locator)))
	for _, h := range p.Locator {
		out = append(out, h[:]...)
	}
	out = append(out, p.StopHash[:]...)
	return out, nil
}

func DecodeGetBlocksPayload(b []byte) (*GetBlocksPayload, error) {
	r := newReader(b)
	count, err := r.readU32le()
	if err != nil {
		return nil, err
	}
	if count > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getblocks: locator too long")
	}
	p := &GetBlocksPayload{Locator: make([]consensus.Hash, 0, count)}
	for i := uint32(0); i < count; i++ {
		hb, err := r.readBytes(consensus.HashSize)
		if err != nil {
			return nil, err
		}
		var h consensus.Hash
		copy(h[:], hb)
		p.Locator = append(p.Locator, h)
	}
	sb, err := r.readBytes(consensus.HashSize)
	if err != nil {
		return nil, err
	}
	copy(p.StopHash[:], sb)
	if err := r.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeHeadersPayload serializes a headers reply.
func EncodeHeadersPayload(headers []consensus.BlockHeader) ([]byte, error) {
	if len(headers) > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: headers: too many entries")
	}
	out := make([]byte, 0, 4+len(headers)*consensus.BlockHeaderSize)
	out = appendU32le(out, uint32(len(headers)))
	for i := range headers {
		out = append(out, consensus.EncodeHeader(&headers[i])...)
	}
	return out, nil
}

func DecodeHeadersPayload(b []byte) ([]consensus.BlockHeader, error) {
	r := newReader(b)
	count, err := r.readU32le()
	if err != nil {
		return nil, err
	}
	if count > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: headers: count exceeds bound")
	}
	out := make([]consensus.BlockHeader, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := r.readBytes(consensus.BlockHeaderSize)
		if err != nil {
			return nil, err
		}
		h, err := consensus.DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}
