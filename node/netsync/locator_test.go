package netsync

import (
	"testing"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node"
	"thunderbolt.dev/node/node/store"
)

func newTestChain(t *testing.T) (*node.Chain, *store.Store, *SyncManager) {
	t.Helper()
	params := consensus.RegressionNetParams
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mp := node.NewMempool(st, 0)
	sm := New(params, mp, st)
	chain, err := node.NewChain(params, st, mp, []node.ChainListener{sm})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	sm.SetChain(chain)
	chain.Start()
	t.Cleanup(chain.Stop)
	return chain, st, sm
}

func mineNext(t *testing.T, chain *node.Chain, st *store.Store) *consensus.Block {
	t.Helper()
	params := consensus.RegressionNetParams
	tip := chain.Tip()
	height := tip.Height + 1
	coinbase := node.NewCoinbaseTx(height, consensus.BlockSubsidy(height, params), make([]byte, 33))
	block := &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			ParentHash: tip.Hash(),
			MerkleRoot: consensus.BlockMerkleRoot([]*consensus.Tx{coinbase}),
			Timestamp:  tip.Header.Timestamp + 600,
			Bits:       tip.Header.Bits,
		},
		Txs: []*consensus.Tx{coinbase},
	}
	for consensus.CheckProofOfWork(block.Hash(), block.Header.Bits, params) != nil {
		block.Header.Nonce++
	}
	if res := chain.ProcessBlock(block); res.Outcome != node.OutcomeAccepted {
		t.Fatalf("mineNext: %s (%v)", res.Outcome, res.Err)
	}
	return block
}

func TestBlockLocatorShape(t *testing.T) {
	chain, st, sm := newTestChain(t)
	for i := 0; i < 40; i++ {
		mineNext(t, chain, st)
	}

	locator := sm.BlockLocator()
	if len(locator) == 0 {
		t.Fatalf("empty locator")
	}
	if locator[0] != chain.Tip().Hash() {
		t.Fatalf("locator must start at the tip")
	}
	if locator[len(locator)-1] != consensus.RegressionNetParams.GenesisHash {
		t.Fatalf("locator must end at genesis")
	}

	// Dense near the tip: the first ten entries step back one height.
	for i := 1; i < 10; i++ {
		meta, ok, err := st.GetBlockMeta(locator[i])
		if err != nil || !ok {
			t.Fatalf("locator entry %d unknown", i)
		}
		if meta.Height != chain.Tip().Height-uint64(i) {
			t.Fatalf("locator entry %d at height %d, want dense spacing", i, meta.Height)
		}
	}
	// Sparse below: strictly decreasing heights with growing gaps.
	prev := chain.Tip().Height - 9
	gap := uint64(0)
	for i := 10; i < len(locator)-1; i++ {
		meta, ok, err := st.GetBlockMeta(locator[i])
		if err != nil || !ok {
			t.Fatalf("locator entry %d unknown", i)
		}
		step := prev - meta.Height
		if step < gap {
			t.Fatalf("locator gaps must not shrink (entry %d)", i)
		}
		gap = step
		prev = meta.Height
	}
}

func TestForkPointFor(t *testing.T) {
	chain, st, sm := newTestChain(t)
	var blocks []*consensus.Block
	for i := 0; i < 12; i++ {
		blocks = append(blocks, mineNext(t, chain, st))
	}

	// The fork point of a locator naming height 5 is height 5.
	locator := []consensus.Hash{blocks[4].Hash()}
	forkHeight, err := sm.forkPointFor(locator)
	if err != nil {
		t.Fatalf("forkPointFor: %v", err)
	}
	if forkHeight != 5 {
		t.Fatalf("fork height = %d, want 5", forkHeight)
	}

	// Unknown locator hashes fall back to genesis.
	var bogus consensus.Hash
	bogus[0] = 0xde
	forkHeight, err = sm.forkPointFor([]consensus.Hash{bogus})
	if err != nil || forkHeight != 0 {
		t.Fatalf("unknown locator fork = %d (err=%v), want 0", forkHeight, err)
	}
}
