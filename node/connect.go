package node

import (
	"errors"
	"fmt"
	"math/big"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node/store"
)

// processBlock runs on the chain-mutation owner. It is the accept state
// machine: context-free validation, parent resolution, difficulty and
// proof-of-work checks, persistence, and the connect decision.
func (c *Chain) processBlock(block *consensus.Block) ProcessResult {
	hash := block.Hash()
	res := ProcessResult{Hash: hash}

	if hash == c.tip.Hash() {
		res.Outcome = OutcomeAlreadyKnown
		res.Height = c.tip.Height
		return res
	}
	if existing, ok, err := c.store.GetBlockMeta(hash); err != nil {
		return storageFailure(res, err)
	} else if ok {
		res.Outcome = OutcomeAlreadyKnown
		res.Height = existing.Height
		return res
	}

	if err := consensus.CheckBlockSanity(block, c.params); err != nil {
		return invalid(res, err)
	}

	parent, ok, err := c.store.GetBlockMeta(block.Header.ParentHash)
	if err != nil {
		return storageFailure(res, err)
	}
	if !ok {
		res.Outcome = OutcomeOrphan
		return res
	}
	if parent.Status == store.StatusInvalid {
		return invalid(res, consensusErr(consensus.BLOCK_ERR_PARSE, "parent is invalid"))
	}
	height := parent.Height + 1
	res.Height = height

	if err := c.checkBits(block, parent, height); err != nil {
		return invalid(res, err)
	}
	if err := consensus.CheckProofOfWork(hash, block.Header.Bits, c.params); err != nil {
		return invalid(res, err)
	}

	cumWork := consensus.WorkForBits(block.Header.Bits)
	cumWork.Add(cumWork, parent.CumulativeWork)

	if block.Header.ParentHash == c.tip.Hash() {
		return c.connectAsTip(block, height, cumWork, res)
	}
	return c.storeSideChain(block, height, cumWork, res)
}

func consensusErr(code consensus.ErrorCode, msg string) error {
	return &consensus.RuleError{Kind: consensus.KindConsensus, Code: code, Msg: msg}
}

func invalid(res ProcessResult, err error) ProcessResult {
	res.Outcome = OutcomeInvalid
	res.Err = err
	return res
}

// storageFailure leaves the tip untouched and surfaces the error as fatal
// to the caller; the engine stays restartable from the persisted tip.
func storageFailure(res ProcessResult, err error) ProcessResult {
	log.Errorf("storage failure during block accept: %v", err)
	res.Outcome = OutcomeInvalid
	res.Err = err
	return res
}

// checkBits validates the difficulty commitment: off-boundary blocks repeat
// the parent's bits; boundary blocks must match the retarget computation
// anchored one interval back.
func (c *Chain) checkBits(block *consensus.Block, parent *store.BlockMetadata, height uint64) error {
	if height%c.params.RetargetInterval != 0 {
		if block.Header.Bits != parent.Header.Bits {
			return consensusErr(consensus.BLOCK_ERR_BITS_INVALID, "bits changed off retarget boundary")
		}
		return nil
	}
	anchor, err := c.ancestorAt(parent, height-c.params.RetargetInterval)
	if err != nil {
		return err
	}
	return consensus.CheckRetargetBits(
		block.Header.Bits,
		anchor.Header.Bits,
		anchor.Header.Timestamp,
		parent.Header.Timestamp,
		c.params,
	)
}

// ancestorAt walks parent pointers from meta down to the given height.
func (c *Chain) ancestorAt(meta *store.BlockMetadata, height uint64) (*store.BlockMetadata, error) {
	cur := meta
	for cur.Height > height {
		next, ok, err := c.store.GetBlockMeta(cur.Header.ParentHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("chain: missing ancestor of %s at height %d", meta.Hash(), cur.Height-1)
		}
		cur = next
	}
	if cur.Height != height {
		return nil, fmt.Errorf("chain: ancestor walk overshot height %d", height)
	}
	return cur, nil
}

// applyBlockToOverlay validates block transactions contextually against the
// overlay and stages the block's UTXO effects. It returns the revert record
// (the entries the block consumed), the confirmed-transaction metadata, and
// the fee sum.
func (c *Chain) applyBlockToOverlay(block *consensus.Block, height uint64, overlay *utxoOverlay) (*store.RevertRecord, []*store.TxMetadata, uint64, error) {
	hash := block.Hash()
	revert := &store.RevertRecord{BlockHash: hash}
	txMetas := make([]*store.TxMetadata, 0, len(block.Txs))
	var sumFees uint64

	for i, tx := range block.Txs {
		txid := tx.TxID()
		if i == 0 {
			committed, err := consensus.CoinbaseHeight(tx)
			if err != nil {
				return nil, nil, 0, err
			}
			if committed != height {
				return nil, nil, 0, consensusErr(consensus.BLOCK_ERR_COINBASE_INVALID, "coinbase height commitment mismatch")
			}
		} else {
			fee, err := consensus.CheckTxInputs(tx, overlay, height, c.params, true)
			if err != nil {
				return nil, nil, 0, err
			}
			sumFees += fee
			for _, in := range tx.Inputs {
				op := consensus.OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}
				entry, ok, err := overlay.LookupUtxo(op)
				if err != nil {
					return nil, nil, 0, err
				}
				if !ok {
					return nil, nil, 0, consensusErr(consensus.BLOCK_ERR_PARSE, "input disappeared during apply")
				}
				revert.Spent = append(revert.Spent, store.UtxoRecord{OutPoint: op, Entry: entry})
				if err := overlay.spend(op); err != nil {
					return nil, nil, 0, err
				}
			}
		}
		for j, out := range tx.Outputs {
			overlay.create(consensus.OutPoint{TxID: txid, Index: uint32(j)}, consensus.UtxoEntry{
				Output:      out,
				BlockHeight: height,
				Version:     tx.Version,
				IsCoinbase:  i == 0,
			})
		}
		txMetas = append(txMetas, &store.TxMetadata{
			TxID:            txid,
			BlockHash:       hash,
			BlockHeight:     height,
			PositionInBlock: uint32(i),
			Timestamp:       block.Header.Timestamp,
		})
	}

	if err := consensus.CheckCoinbaseAmount(block.Txs[0], height, sumFees, c.params); err != nil {
		return nil, nil, 0, err
	}
	return revert, txMetas, sumFees, nil
}

// connectAsTip extends the active chain: validate in context, persist block
// and revert data, flush the whole mutation set atomically, then adjust the
// mempool and notify listeners.
func (c *Chain) connectAsTip(block *consensus.Block, height uint64, cumWork *big.Int, res ProcessResult) ProcessResult {
	overlay := newUtxoOverlay(c.store)
	revert, txMetas, _, err := c.applyBlockToOverlay(block, height, overlay)
	if err != nil {
		if isRuleError(err) {
			return invalid(res, err)
		}
		return storageFailure(res, err)
	}

	meta, err := c.persistBlock(block, height, cumWork, revert)
	if err != nil {
		return storageFailure(res, err)
	}
	inserts, removes := overlay.netOps()
	hash := res.Hash
	batch := &store.BlockBatch{
		PutBlockMetas: []*store.BlockMetadata{meta},
		PutTxMetas:    txMetas,
		InsertUtxos:   inserts,
		RemoveUtxos:   removes,
		PutHeights:    []store.HeightEntry{{Height: height, Hash: hash}},
		NewHead:       &hash,
	}
	if err := c.store.ApplyBatch(batch); err != nil {
		return storageFailure(res, err)
	}

	c.setTip(meta)
	c.mempoolAfterConnect(block, removes)
	c.notifyConnected(&BlockNote{
		Hash:         hash,
		Height:       height,
		Block:        block,
		CreatedUtxos: inserts,
		RemovedUtxos: removes,
	})
	log.Infof("connected block %s height %d txs %d", hash, height, len(block.Txs))
	res.Outcome = OutcomeAccepted
	return res
}

// persistBlock appends block and revert records to the logs and builds the
// metadata entry. Log appends that are never referenced by a flushed batch
// are harmless garbage.
func (c *Chain) persistBlock(block *consensus.Block, height uint64, cumWork *big.Int, revert *store.RevertRecord) (*store.BlockMetadata, error) {
	blockPtr, err := c.store.AppendBlock(consensus.EncodeBlock(block))
	if err != nil {
		return nil, err
	}
	revertPtr, err := c.store.AppendRevert(revert)
	if err != nil {
		return nil, err
	}
	meta := &store.BlockMetadata{
		Header:         block.Header,
		Height:         height,
		CumulativeWork: cumWork,
		BlockPtr:       blockPtr,
		RevertPtr:      revertPtr,
		TxCount:        uint32(len(block.Txs)),
		Status:         store.StatusValid,
	}
	return meta, nil
}

// storeSideChain persists a block off the active chain after context-free
// checks only; contextual validation happens if it ever wins a reorg.
func (c *Chain) storeSideChain(block *consensus.Block, height uint64, cumWork *big.Int, res ProcessResult) ProcessResult {
	blockPtr, err := c.store.AppendBlock(consensus.EncodeBlock(block))
	if err != nil {
		return storageFailure(res, err)
	}
	// Revert data for a side-chain block cannot be resolved against its own
	// branch yet; a placeholder is written and replaced during reorg.
	revertPtr, err := c.store.AppendRevert(&store.RevertRecord{BlockHash: res.Hash})
	if err != nil {
		return storageFailure(res, err)
	}
	meta := &store.BlockMetadata{
		Header:         block.Header,
		Height:         height,
		CumulativeWork: cumWork,
		BlockPtr:       blockPtr,
		RevertPtr:      revertPtr,
		TxCount:        uint32(len(block.Txs)),
		Status:         store.StatusSide,
	}
	if err := c.store.PutBlockMeta(meta); err != nil {
		return storageFailure(res, err)
	}

	if meta.CumulativeWork.Cmp(c.tip.CumulativeWork) > 0 {
		return c.reorganize(meta, res)
	}
	log.Debugf("stored side-chain block %s height %d", res.Hash, height)
	res.Outcome = OutcomeSideChain
	return res
}

func isRuleError(err error) bool {
	var re *consensus.RuleError
	return errors.As(err, &re)
}
