package consensus

import "testing"

func TestMerkleRootSingle(t *testing.T) {
	tx := sampleTx()
	root := BlockMerkleRoot([]*Tx{tx})
	if root != tx.TxID() {
		t.Fatalf("single-transaction root must equal the transaction hash")
	}
}

func TestMerkleRootTwo(t *testing.T) {
	a := sampleTx()
	b := sampleTx()
	b.LockTime = 100 // distinct txid

	ha, hb := a.TxID(), b.TxID()
	var pre [2 * HashSize]byte
	copy(pre[:HashSize], ha[:])
	copy(pre[HashSize:], hb[:])
	want := DoubleHash(pre[:])

	if got := BlockMerkleRoot([]*Tx{a, b}); got != want {
		t.Fatalf("two-leaf root mismatch")
	}
}

func TestMerkleRootOddDuplicatesLast(t *testing.T) {
	a := sampleTx()
	b := sampleTx()
	b.LockTime = 100
	c := sampleTx()
	c.LockTime = 101

	// Three leaves hash identically to four leaves with the last
	// duplicated.
	three := MerkleRoot([]Hash{a.TxID(), b.TxID(), c.TxID()})
	four := MerkleRoot([]Hash{a.TxID(), b.TxID(), c.TxID(), c.TxID()})
	if three != four {
		t.Fatalf("odd level must duplicate its last hash")
	}
}

func TestMerkleRootEmpty(t *testing.T) {
	if MerkleRoot(nil) != ZeroHash {
		t.Fatalf("empty leaf set must produce the zero hash")
	}
}
