package node

import (
	"testing"

	"thunderbolt.dev/node/consensus"
)

func poolView() (consensus.MapUtxoView, []consensus.OutPoint) {
	view := make(consensus.MapUtxoView)
	var ops []consensus.OutPoint
	for i := uint32(0); i < 4; i++ {
		op := consensus.OutPoint{Index: i}
		op.TxID[0] = byte(i + 1)
		view[op] = consensus.UtxoEntry{
			Output:      consensus.TxOutput{Amount: 10_000, LockType: consensus.LockSingleSignature, LockingParams: []byte{1}},
			BlockHeight: 1,
		}
		ops = append(ops, op)
	}
	return view, ops
}

func poolSpend(op consensus.OutPoint, out uint64) *consensus.Tx {
	return &consensus.Tx{
		Version: 1,
		Inputs:  []consensus.TxInput{{ReferenceTx: op.TxID, ReferenceIndex: op.Index, UnlockingParams: []byte{0x01}}},
		Outputs: []consensus.TxOutput{{Amount: out, LockType: consensus.LockUnlockable}},
	}
}

func TestMempoolAddAndDuplicate(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 0)

	tx := poolSpend(ops[0], 9_000)
	if !mp.Add(tx) {
		t.Fatalf("valid tx rejected")
	}
	if mp.Add(tx) {
		t.Fatalf("duplicate admitted")
	}
	if !mp.Contains(tx.TxID()) || mp.Count() != 1 {
		t.Fatalf("pool bookkeeping wrong")
	}
	if mp.SizeBytes() != tx.SerializedSize() {
		t.Fatalf("size tracking wrong")
	}
	if mp.LastUpdated().IsZero() {
		t.Fatalf("last-updated not stamped")
	}
}

func TestMempoolRejectsDoubleSpend(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 0)

	t1 := poolSpend(ops[0], 9_000)
	t2 := poolSpend(ops[0], 8_000) // same input, different tx
	if !mp.Add(t1) {
		t.Fatalf("first spender rejected")
	}
	if mp.Add(t2) {
		t.Fatalf("conflicting spender admitted")
	}
	if mp.Count() != 1 || !mp.Contains(t1.TxID()) {
		t.Fatalf("pool must hold only the first spender")
	}
}

func TestMempoolRejectsUnknownInputAndCoinbase(t *testing.T) {
	view, _ := poolView()
	mp := NewMempool(view, 0)

	unknown := consensus.OutPoint{Index: 99}
	unknown.TxID[0] = 0xee
	if mp.Add(poolSpend(unknown, 1)) {
		t.Fatalf("spend of unknown output admitted")
	}
	cb := NewCoinbaseTx(5, 100, []byte{2})
	if mp.Add(cb) {
		t.Fatalf("coinbase admitted to the pool")
	}
}

func TestMempoolRelayFeeFloor(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 500)

	cheap := poolSpend(ops[0], 9_900) // fee 100
	if mp.Add(cheap) {
		t.Fatalf("below-floor fee admitted")
	}
	paying := poolSpend(ops[0], 9_000) // fee 1000
	if !mp.Add(paying) {
		t.Fatalf("above-floor fee rejected")
	}
}

func TestMempoolPickOrdering(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 0)

	low := poolSpend(ops[0], 9_900)  // fee 100
	high := poolSpend(ops[1], 8_000) // fee 2000
	mid1 := poolSpend(ops[2], 9_000) // fee 1000, inserted first
	mid2 := poolSpend(ops[3], 9_000) // fee 1000, inserted second
	for _, tx := range []*consensus.Tx{low, high, mid1, mid2} {
		if !mp.Add(tx) {
			t.Fatalf("setup add failed")
		}
	}

	picked := mp.Pick(1 << 20)
	if len(picked) != 4 {
		t.Fatalf("picked %d txs, want 4", len(picked))
	}
	order := []consensus.Hash{picked[0].TxID(), picked[1].TxID(), picked[2].TxID(), picked[3].TxID()}
	want := []consensus.Hash{high.TxID(), mid1.TxID(), mid2.TxID(), low.TxID()}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("selection order wrong at %d", i)
		}
	}
}

func TestMempoolPickHonorsByteCeiling(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 0)

	a := poolSpend(ops[0], 9_000)
	b := poolSpend(ops[1], 9_500)
	if !mp.Add(a) || !mp.Add(b) {
		t.Fatalf("setup add failed")
	}
	picked := mp.Pick(a.SerializedSize())
	if len(picked) != 1 {
		t.Fatalf("byte ceiling ignored: picked %d", len(picked))
	}
	if picked[0].TxID() != a.TxID() {
		t.Fatalf("ceiling pick must take the higher-fee tx first")
	}
}

func TestMempoolPickSkipsUnspendable(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 0)

	gone := poolSpend(ops[0], 9_000)
	alive := poolSpend(ops[1], 9_500)
	if !mp.Add(gone) || !mp.Add(alive) {
		t.Fatalf("setup add failed")
	}
	// The first tx's funding output disappears (confirmed elsewhere).
	delete(view, ops[0])

	picked := mp.Pick(1 << 20)
	if len(picked) != 1 || picked[0].TxID() != alive.TxID() {
		t.Fatalf("unspendable entry not skipped")
	}
}

func TestMempoolRemoveAndConflicts(t *testing.T) {
	view, ops := poolView()
	mp := NewMempool(view, 0)

	tx := poolSpend(ops[0], 9_000)
	other := poolSpend(ops[1], 9_000)
	if !mp.Add(tx) || !mp.Add(other) {
		t.Fatalf("setup add failed")
	}
	if !mp.Remove(tx.TxID()) {
		t.Fatalf("remove of present tx failed")
	}
	if mp.Remove(tx.TxID()) {
		t.Fatalf("remove of absent tx succeeded")
	}
	// After removal its input is claimable again.
	if !mp.Add(tx) {
		t.Fatalf("re-add after remove failed")
	}

	mp.RemoveConflicts([]consensus.OutPoint{ops[1]})
	if mp.Contains(other.TxID()) {
		t.Fatalf("conflicting entry survived RemoveConflicts")
	}
	if !mp.Contains(tx.TxID()) {
		t.Fatalf("unrelated entry evicted")
	}
}

func TestMempoolPickHighFeeWhenFirstTooBig(t *testing.T) {
	// A transaction over the ceiling is skipped, not allowed to block
	// smaller ones behind it.
	view, ops := poolView()
	mp := NewMempool(view, 0)

	big := poolSpend(ops[0], 8_000)
	big.Outputs = append(big.Outputs, consensus.TxOutput{
		Amount:        1,
		LockType:      consensus.LockUnlockable,
		LockingParams: make([]byte, 300),
	})
	small := poolSpend(ops[1], 9_500)
	if !mp.Add(big) || !mp.Add(small) {
		t.Fatalf("setup add failed")
	}
	picked := mp.Pick(small.SerializedSize() + 10)
	if len(picked) != 1 || picked[0].TxID() != small.TxID() {
		t.Fatalf("oversize entry blocked selection")
	}
}
