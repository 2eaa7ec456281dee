package store

import (
	"bytes"
	"math/big"
	"testing"

	"thunderbolt.dev/node/consensus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(amount uint64) consensus.UtxoEntry {
	return consensus.UtxoEntry{
		Output: consensus.TxOutput{
			Amount:        amount,
			LockType:      consensus.LockSingleSignature,
			LockingParams: bytes.Repeat([]byte{0x07}, 33),
		},
		BlockHeight: 5,
		Version:     1,
	}
}

func TestUtxoInsertGetRemove(t *testing.T) {
	s := openTestStore(t)
	op := consensus.OutPoint{Index: 1}
	op.TxID[0] = 0xaa
	entry := testEntry(5000)

	if _, ok, err := s.GetUtxo(op); err != nil || ok {
		t.Fatalf("unexpected entry before insert (ok=%v err=%v)", ok, err)
	}
	if err := s.InsertUtxo(op, entry); err != nil {
		t.Fatalf("InsertUtxo: %v", err)
	}
	got, ok, err := s.GetUtxo(op)
	if err != nil || !ok {
		t.Fatalf("GetUtxo after insert (ok=%v err=%v)", ok, err)
	}
	if got.Output.Amount != 5000 || got.Output.LockType != consensus.LockSingleSignature {
		t.Fatalf("entry mismatch: %+v", got)
	}

	// Idempotent on the identical record.
	if err := s.InsertUtxo(op, entry); err != nil {
		t.Fatalf("identical re-insert must succeed: %v", err)
	}
	// Conflicting record for the same key errors.
	if err := s.InsertUtxo(op, testEntry(6000)); err == nil {
		t.Fatalf("conflicting insert must fail")
	}

	present, err := s.RemoveUtxo(op)
	if err != nil || !present {
		t.Fatalf("RemoveUtxo (present=%v err=%v)", present, err)
	}
	present, err = s.RemoveUtxo(op)
	if err != nil || present {
		t.Fatalf("second remove must report absent (present=%v err=%v)", present, err)
	}
}

func TestUtxosByAddress(t *testing.T) {
	s := openTestStore(t)
	entry := testEntry(700)
	addr, ok := AddressKeyForOutput(entry.Output)
	if !ok {
		t.Fatalf("single-signature output must be indexable")
	}

	var ops []consensus.OutPoint
	for i := uint32(0); i < 3; i++ {
		op := consensus.OutPoint{Index: i}
		op.TxID[0] = byte(i + 1)
		ops = append(ops, op)
		if err := s.InsertUtxo(op, entry); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// One unrelated output under a different key.
	other := testEntry(900)
	other.Output.LockingParams = bytes.Repeat([]byte{0x08}, 33)
	otherOp := consensus.OutPoint{Index: 9}
	otherOp.TxID[0] = 0xff
	if err := s.InsertUtxo(otherOp, other); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	got, err := s.UtxosByAddress(addr)
	if err != nil {
		t.Fatalf("UtxosByAddress: %v", err)
	}
	if len(got) != len(ops) {
		t.Fatalf("address snapshot has %d entries, want %d", len(got), len(ops))
	}

	// Removal clears the index too.
	if _, err := s.RemoveUtxo(ops[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err = s.UtxosByAddress(addr)
	if err != nil || len(got) != 2 {
		t.Fatalf("address snapshot after removal has %d entries (err=%v)", len(got), err)
	}
}

func TestForEachUtxo(t *testing.T) {
	s := openTestStore(t)
	for i := uint32(0); i < 5; i++ {
		op := consensus.OutPoint{Index: i}
		op.TxID[0] = 0x10
		if err := s.InsertUtxo(op, testEntry(uint64(100*(i+1)))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	var total uint64
	count := 0
	err := s.ForEachUtxo(func(op consensus.OutPoint, e consensus.UtxoEntry) error {
		total += e.Output.Amount
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachUtxo: %v", err)
	}
	if count != 5 || total != 1500 {
		t.Fatalf("iteration saw count=%d total=%d", count, total)
	}
}

func TestRevertRecordRoundTrip(t *testing.T) {
	var blockHash consensus.Hash
	blockHash[0] = 0x99
	op := consensus.OutPoint{Index: 7}
	op.TxID[0] = 0x55

	r := &RevertRecord{
		BlockHash: blockHash,
		Spent: []UtxoRecord{
			{OutPoint: op, Entry: testEntry(123)},
		},
	}
	raw, err := encodeRevertRecord(r)
	if err != nil {
		t.Fatalf("encodeRevertRecord: %v", err)
	}
	got, err := decodeRevertRecord(raw)
	if err != nil {
		t.Fatalf("decodeRevertRecord: %v", err)
	}
	if got.BlockHash != blockHash || len(got.Spent) != 1 {
		t.Fatalf("decoded record mismatch: %+v", got)
	}
	if got.Spent[0].OutPoint != op || got.Spent[0].Entry.Output.Amount != 123 {
		t.Fatalf("spent entry mismatch")
	}
	if _, err := decodeRevertRecord(append(raw, 0x00)); err == nil {
		t.Fatalf("trailing bytes must be rejected")
	}
	if _, err := decodeRevertRecord(raw[:len(raw)-1]); err == nil {
		t.Fatalf("truncation must be rejected")
	}
}

func TestBlockMetadataRoundTrip(t *testing.T) {
	m := &BlockMetadata{
		Header: consensus.BlockHeader{
			Version:   1,
			Timestamp: 600,
			Bits:      0x1d00ffff,
			Nonce:     42,
		},
		Height:         9,
		CumulativeWork: big.NewInt(123456789),
		BlockPtr:       LogPointer{Segment: 2, Offset: 777},
		RevertPtr:      LogPointer{Segment: 1, Offset: 88},
		TxCount:        3,
		Status:         StatusValid,
	}
	raw, err := encodeBlockMetadata(m)
	if err != nil {
		t.Fatalf("encodeBlockMetadata: %v", err)
	}
	got, err := decodeBlockMetadata(raw)
	if err != nil {
		t.Fatalf("decodeBlockMetadata: %v", err)
	}
	if got.Header != m.Header || got.Height != m.Height || got.TxCount != m.TxCount ||
		got.Status != m.Status || got.BlockPtr != m.BlockPtr || got.RevertPtr != m.RevertPtr {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.CumulativeWork.Cmp(m.CumulativeWork) != 0 {
		t.Fatalf("cumulative work mismatch")
	}
}

func TestApplyBatchAtomicAndHead(t *testing.T) {
	s := openTestStore(t)

	meta := &BlockMetadata{
		Header:         consensus.BlockHeader{Version: 1, Bits: 0x207fffff},
		Height:         1,
		CumulativeWork: big.NewInt(4),
		Status:         StatusValid,
	}
	hash := meta.Hash()
	op := consensus.OutPoint{Index: 0}
	op.TxID[0] = 0x77

	batch := &BlockBatch{
		PutBlockMetas: []*BlockMetadata{meta},
		PutTxMetas: []*TxMetadata{{
			TxID:        op.TxID,
			BlockHash:   hash,
			BlockHeight: 1,
			Timestamp:   600,
		}},
		InsertUtxos: []UtxoRecord{{OutPoint: op, Entry: testEntry(50)}},
		PutHeights:  []HeightEntry{{Height: 1, Hash: hash}},
		NewHead:     &hash,
	}
	if err := s.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	head, ok, err := s.Head()
	if err != nil || !ok || head != hash {
		t.Fatalf("head not updated (ok=%v err=%v)", ok, err)
	}
	if _, ok, _ := s.GetBlockMeta(hash); !ok {
		t.Fatalf("block meta missing after batch")
	}
	if _, ok, _ := s.GetTxMeta(op.TxID); !ok {
		t.Fatalf("tx meta missing after batch")
	}
	if _, ok, _ := s.GetUtxo(op); !ok {
		t.Fatalf("utxo missing after batch")
	}
	if h, ok, _ := s.HashAtHeight(1); !ok || h != hash {
		t.Fatalf("height index missing after batch")
	}

	// A failing batch (removing an absent utxo) must leave everything
	// untouched, including the head.
	missing := consensus.OutPoint{Index: 5}
	missing.TxID[0] = 0x12
	other := consensus.Hash{0x01}
	bad := &BlockBatch{
		RemoveUtxos: []consensus.OutPoint{missing},
		NewHead:     &other,
	}
	if err := s.ApplyBatch(bad); err == nil {
		t.Fatalf("batch with bad removal must fail")
	}
	head, _, _ = s.Head()
	if head != hash {
		t.Fatalf("failed batch moved the head")
	}
}
