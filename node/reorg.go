package node

import (
	"fmt"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node/store"
)

// reorganize switches the active chain to the branch ending at newTip. The
// whole disconnect/connect sequence is staged on an overlay and flushed in
// one batch; any failure leaves the persisted tip untouched.
func (c *Chain) reorganize(newTip *store.BlockMetadata, res ProcessResult) ProcessResult {
	oldTip := c.tip
	fork, err := c.findFork(oldTip, newTip)
	if err != nil {
		return storageFailure(res, err)
	}
	log.Infof("reorganize: old tip %s height %d, new tip %s height %d, fork %s height %d",
		oldTip.Hash(), oldTip.Height, newTip.Hash(), newTip.Height, fork.Hash(), fork.Height)

	oldSegment, err := c.pathDown(oldTip, fork)
	if err != nil {
		return storageFailure(res, err)
	}
	newSegment, err := c.pathDown(newTip, fork)
	if err != nil {
		return storageFailure(res, err)
	}
	// pathDown yields tip-to-fork order; the connect leg runs fork-to-tip.
	for i, j := 0, len(newSegment)-1; i < j; i, j = i+1, j-1 {
		newSegment[i], newSegment[j] = newSegment[j], newSegment[i]
	}

	overlay := newUtxoOverlay(c.store)
	batch := &store.BlockBatch{}
	var disconnects, connects []*BlockNote
	readmitByBlock := make([][]*consensus.Tx, 0, len(oldSegment))
	removedTxMetas := make(map[consensus.Hash]struct{})

	// Disconnect the old segment, newest first.
	for _, meta := range oldSegment {
		hash := meta.Hash()
		block, err := c.store.GetBlock(hash)
		if err != nil {
			return storageFailure(res, err)
		}
		revert, err := c.store.GetRevert(hash)
		if err != nil {
			return storageFailure(res, err)
		}
		note, err := c.revertBlockToOverlay(block, meta, revert, overlay)
		if err != nil {
			return storageFailure(res, err)
		}
		disconnects = append(disconnects, note)
		var readmit []*consensus.Tx
		for _, tx := range block.Txs {
			removedTxMetas[tx.TxID()] = struct{}{}
			if !tx.IsCoinbase() {
				readmit = append(readmit, tx)
			}
		}
		readmitByBlock = append(readmitByBlock, readmit)
		side := *meta
		side.Status = store.StatusSide
		batch.PutBlockMetas = append(batch.PutBlockMetas, &side)
		batch.RemoveHeights = append(batch.RemoveHeights, meta.Height)
	}

	// Connect the new segment, fork first, with a full revalidation pass:
	// the revert may have exposed invalidities the side-chain store never
	// checked.
	for _, meta := range newSegment {
		hash := meta.Hash()
		block, err := c.store.GetBlock(hash)
		if err != nil {
			return storageFailure(res, err)
		}
		revert, txMetas, _, err := c.applyBlockToOverlay(block, meta.Height, overlay)
		if err != nil {
			if isRuleError(err) {
				bad := *meta
				bad.Status = store.StatusInvalid
				if perr := c.store.PutBlockMeta(&bad); perr != nil {
					log.Errorf("failed to mark %s invalid: %v", hash, perr)
				}
				log.Warnf("reorganize abandoned: block %s invalid: %v", hash, err)
				return invalid(res, err)
			}
			return storageFailure(res, err)
		}
		// The placeholder revert record from side-chain storage is replaced
		// now that the branch's own UTXO view exists.
		revertPtr, err := c.store.AppendRevert(revert)
		if err != nil {
			return storageFailure(res, err)
		}
		connected := *meta
		connected.RevertPtr = revertPtr
		connected.Status = store.StatusValid
		batch.PutBlockMetas = append(batch.PutBlockMetas, &connected)
		batch.PutHeights = append(batch.PutHeights, store.HeightEntry{Height: meta.Height, Hash: hash})
		batch.PutTxMetas = append(batch.PutTxMetas, txMetas...)
		for _, tm := range txMetas {
			delete(removedTxMetas, tm.TxID)
		}
		inserts, removes := overlayDeltaForNote(block, meta.Height, revert)
		connects = append(connects, &BlockNote{
			Hash:         hash,
			Height:       meta.Height,
			Block:        block,
			CreatedUtxos: inserts,
			RemovedUtxos: removes,
		})
	}

	for txid := range removedTxMetas {
		batch.RemoveTxMetas = append(batch.RemoveTxMetas, txid)
	}
	inserts, removes := overlay.netOps()
	batch.InsertUtxos = inserts
	batch.RemoveUtxos = removes
	newHead := newTip.Hash()
	batch.NewHead = &newHead

	if err := c.store.ApplyBatch(batch); err != nil {
		return storageFailure(res, err)
	}

	newTipValid := *newTip
	newTipValid.Status = store.StatusValid
	c.setTip(&newTipValid)

	// Mempool: transactions from the abandoned branch re-enter (oldest
	// block first so intra-branch chains resolve), then anything the new
	// branch confirmed or conflicted with drops out.
	for i := len(readmitByBlock) - 1; i >= 0; i-- {
		for _, tx := range readmitByBlock[i] {
			c.mempool.Add(tx)
		}
	}
	for _, note := range connects {
		c.mempoolAfterConnect(note.Block, note.RemovedUtxos)
	}

	for _, note := range disconnects {
		c.notifyDisconnected(note)
	}
	for _, note := range connects {
		c.notifyConnected(note)
	}

	log.Infof("reorganize complete: tip %s height %d", newHead, newTip.Height)
	res.Outcome = OutcomeAccepted
	res.Height = newTip.Height
	return res
}

// revertBlockToOverlay undoes one block: its created outputs leave the
// view, its consumed entries return. Transactions are processed in reverse
// so intra-block spend chains unwind cleanly.
func (c *Chain) revertBlockToOverlay(block *consensus.Block, meta *store.BlockMetadata, revert *store.RevertRecord, overlay *utxoOverlay) (*BlockNote, error) {
	spentByTx := make(map[consensus.OutPoint]consensus.UtxoEntry, len(revert.Spent))
	for _, s := range revert.Spent {
		spentByTx[s.OutPoint] = s.Entry
	}

	var removed []consensus.OutPoint
	var restored []store.UtxoRecord
	for i := len(block.Txs) - 1; i >= 0; i-- {
		tx := block.Txs[i]
		txid := tx.TxID()
		for j := range tx.Outputs {
			op := consensus.OutPoint{TxID: txid, Index: uint32(j)}
			if err := overlay.spend(op); err != nil {
				return nil, fmt.Errorf("revert %s: %w", meta.Hash(), err)
			}
			removed = append(removed, op)
		}
		if tx.IsCoinbase() {
			continue
		}
		for _, in := range tx.Inputs {
			op := consensus.OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}
			entry, ok := spentByTx[op]
			if !ok {
				return nil, fmt.Errorf("revert %s: missing revert entry for %s:%d", meta.Hash(), op.TxID, op.Index)
			}
			overlay.create(op, entry)
			restored = append(restored, store.UtxoRecord{OutPoint: op, Entry: entry})
		}
	}

	return &BlockNote{
		Hash:         meta.Hash(),
		Height:       meta.Height,
		Block:        block,
		CreatedUtxos: restored,
		RemovedUtxos: removed,
	}, nil
}

// findFork walks both cursors toward their parents until they meet: the
// lowest common ancestor of the two tips.
func (c *Chain) findFork(a, b *store.BlockMetadata) (*store.BlockMetadata, error) {
	am, bm := a, b
	var err error
	for am.Height > bm.Height {
		if am, err = c.parentOf(am); err != nil {
			return nil, err
		}
	}
	for bm.Height > am.Height {
		if bm, err = c.parentOf(bm); err != nil {
			return nil, err
		}
	}
	for am.Hash() != bm.Hash() {
		if am, err = c.parentOf(am); err != nil {
			return nil, err
		}
		if bm, err = c.parentOf(bm); err != nil {
			return nil, err
		}
	}
	return am, nil
}

func (c *Chain) parentOf(meta *store.BlockMetadata) (*store.BlockMetadata, error) {
	parent, ok, err := c.store.GetBlockMeta(meta.Header.ParentHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chain: missing parent of %s", meta.Hash())
	}
	return parent, nil
}

// pathDown collects metadata from top (inclusive) down to fork (exclusive),
// top first.
func (c *Chain) pathDown(top, fork *store.BlockMetadata) ([]*store.BlockMetadata, error) {
	var out []*store.BlockMetadata
	cur := top
	forkHash := fork.Hash()
	for cur.Hash() != forkHash {
		out = append(out, cur)
		next, err := c.parentOf(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return out, nil
}

// overlayDeltaForNote reconstructs a connected block's own created/removed
// sets for its listener notification (the shared overlay accumulates the
// whole reorg and cannot attribute per-block deltas).
func overlayDeltaForNote(block *consensus.Block, height uint64, revert *store.RevertRecord) ([]store.UtxoRecord, []consensus.OutPoint) {
	var created []store.UtxoRecord
	for i, tx := range block.Txs {
		txid := tx.TxID()
		for j, out := range tx.Outputs {
			created = append(created, store.UtxoRecord{
				OutPoint: consensus.OutPoint{TxID: txid, Index: uint32(j)},
				Entry: consensus.UtxoEntry{
					Output:      out,
					BlockHeight: height,
					Version:     tx.Version,
					IsCoinbase:  i == 0,
				},
			})
		}
	}
	removed := make([]consensus.OutPoint, 0, len(revert.Spent))
	for _, s := range revert.Spent {
		removed = append(removed, s.OutPoint)
	}
	return created, removed
}

// mempoolAfterConnect drops a connected block's transactions from the pool
// (a miss for a non-coinbase transaction is worth a warning: the network
// confirmed something we never relayed) and evicts entries conflicting with
// the block's spends.
func (c *Chain) mempoolAfterConnect(block *consensus.Block, spent []consensus.OutPoint) {
	for _, tx := range block.Txs {
		if tx.IsCoinbase() {
			continue
		}
		if !c.mempool.Remove(tx.TxID()) {
			log.Warnf("confirmed transaction %s was not in the mempool", tx.TxID())
		}
	}
	c.mempool.RemoveConflicts(spent)
}

func (c *Chain) notifyConnected(note *BlockNote) {
	for _, l := range c.listeners {
		l.BlockConnected(note)
	}
}

func (c *Chain) notifyDisconnected(note *BlockNote) {
	for _, l := range c.listeners {
		l.BlockDisconnected(note)
	}
}
