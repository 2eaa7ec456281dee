package node

import (
	"fmt"
	"time"

	"thunderbolt.dev/node/consensus"
)

// WorkTemplate is everything an external miner needs to search for a
// block: the nonce search itself lives outside the core.
type WorkTemplate struct {
	Height     uint64
	Timestamp  uint64
	Bits       uint32
	ParentHash consensus.Hash
	Coinbase   *consensus.Tx
	// Txs are the fee-ordered candidate transactions, excluding the
	// coinbase.
	Txs []*consensus.Tx
	// MerkleRoot covers Coinbase followed by Txs.
	MerkleRoot consensus.Hash
}

// templateTxHeadroom reserves space for the header, counts, and coinbase
// when picking candidates.
const templateTxHeadroom = 4096

// buildTemplate runs on the chain-mutation owner so the tip, bits, and
// mempool selection are one consistent snapshot.
func (c *Chain) buildTemplate(payoutKey []byte) (*WorkTemplate, error) {
	if len(payoutKey) != 33 && len(payoutKey) != 65 {
		return nil, fmt.Errorf("template: payout key must be a serialized public key")
	}

	tip := c.tip
	height := tip.Height + 1

	bits := tip.Header.Bits
	if height%c.params.RetargetInterval == 0 {
		anchor, err := c.ancestorAt(tip, height-c.params.RetargetInterval)
		if err != nil {
			return nil, err
		}
		next := consensus.CalcNextTarget(anchor.Header.Bits, anchor.Header.Timestamp, tip.Header.Timestamp, c.params)
		bits = consensus.TargetToCompact(next)
	}

	timestamp := uint64(time.Now().Unix())
	if timestamp <= tip.Header.Timestamp {
		timestamp = tip.Header.Timestamp + 1
	}

	candidates := c.mempool.Pick(consensus.MaxBlockSize - templateTxHeadroom)
	var sumFees uint64
	for _, tx := range candidates {
		if fee, ok := c.mempool.Fee(tx.TxID()); ok {
			sumFees += fee
		}
	}

	coinbase := NewCoinbaseTx(height, consensus.BlockSubsidy(height, c.params)+sumFees, payoutKey)
	txs := append([]*consensus.Tx{coinbase}, candidates...)

	return &WorkTemplate{
		Height:     height,
		Timestamp:  timestamp,
		Bits:       bits,
		ParentHash: tip.Hash(),
		Coinbase:   coinbase,
		Txs:        candidates,
		MerkleRoot: consensus.BlockMerkleRoot(txs),
	}, nil
}

// NewCoinbaseTx builds the canonical coinbase paying amount to a public
// key. The unlocking parameters open with the committed height.
func NewCoinbaseTx(height uint64, amount uint64, payoutKey []byte) *consensus.Tx {
	unlocking := make([]byte, 8)
	putU64le(unlocking, height)
	return &consensus.Tx{
		Version: 1,
		Inputs: []consensus.TxInput{{
			ReferenceTx:     consensus.ZeroHash,
			ReferenceIndex:  consensus.CoinbaseIndex,
			UnlockingParams: unlocking,
		}},
		Outputs: []consensus.TxOutput{{
			Amount:        amount,
			LockType:      consensus.LockSingleSignature,
			LockingParams: append([]byte(nil), payoutKey...),
		}},
	}
}

func putU64le(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}
