package consensus

// MerkleRoot computes the root of the double-SHA-256 binary tree over the
// given leaf hashes. A level with an odd count duplicates its last hash.
// A single leaf is its own root.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return ZeroHash
	}
	level := append([]Hash(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, 0, len(level)/2)
		var pre [2 * HashSize]byte
		for i := 0; i < len(level); i += 2 {
			copy(pre[:HashSize], level[i][:])
			copy(pre[HashSize:], level[i+1][:])
			next = append(next, DoubleHash(pre[:]))
		}
		level = next
	}
	return level[0]
}

// BlockMerkleRoot hashes each transaction and folds the tree.
func BlockMerkleRoot(txs []*Tx) Hash {
	leaves := make([]Hash, 0, len(txs))
	for _, tx := range txs {
		leaves = append(leaves, tx.TxID())
	}
	return MerkleRoot(leaves)
}
