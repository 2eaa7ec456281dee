package consensus

// Context-free transaction rules. These run on relay receipt, on mempool
// admission, and for every transaction in a block.
func CheckTxSanity(tx *Tx) error {
	if len(tx.Inputs) == 0 {
		return ruleErr(KindValidation, TX_ERR_EMPTY, "transaction has no inputs")
	}
	if len(tx.Outputs) == 0 {
		return ruleErr(KindValidation, TX_ERR_EMPTY, "transaction has no outputs")
	}
	if tx.SerializedSize() > MaxTxSize {
		return ruleErr(KindValidation, TX_ERR_OVERSIZE, "serialized size above limit")
	}

	var total uint64
	for _, out := range tx.Outputs {
		if out.Amount > MaxMoney {
			return ruleErr(KindValidation, TX_ERR_VALUE_RANGE, "output amount above max money")
		}
		total += out.Amount
		if total > MaxMoney {
			return ruleErr(KindValidation, TX_ERR_VALUE_RANGE, "output sum above max money")
		}
	}

	seen := make(map[OutPoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		op := OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}
		if _, dup := seen[op]; dup {
			return ruleErr(KindValidation, TX_ERR_DUPLICATE_INPUT, "duplicate input reference")
		}
		seen[op] = struct{}{}
	}

	if tx.IsCoinbase() {
		n := len(tx.Inputs[0].UnlockingParams)
		if n < 1 || n > MaxCoinbaseUnlockingLen {
			return ruleErr(KindValidation, TX_ERR_COINBASE_SHAPE, "coinbase unlocking length out of bounds")
		}
	} else {
		for _, in := range tx.Inputs {
			if in.ReferenceTx.IsZero() {
				return ruleErr(KindValidation, TX_ERR_COINBASE_SHAPE, "non-coinbase input references zero hash")
			}
		}
	}
	return nil
}

// CoinbaseHeight decodes the block height a coinbase input commits to.
func CoinbaseHeight(tx *Tx) (uint64, error) {
	if !tx.IsCoinbase() {
		return 0, ruleErr(KindValidation, TX_ERR_COINBASE_SHAPE, "not a coinbase")
	}
	p := tx.Inputs[0].UnlockingParams
	if len(p) < 8 {
		return 0, ruleErr(KindValidation, TX_ERR_COINBASE_SHAPE, "coinbase height missing")
	}
	d := newDecoder(p[:8])
	return d.readU64le()
}

// CheckTxInputs runs the contextual rules for a non-coinbase transaction
// against a UTXO view at the given chain height: every input must resolve,
// coinbase spends must be mature, each lock must be satisfied, and inputs
// must cover outputs. It returns the fee.
//
// Set verifyLocks false to skip signature checks when the caller has already
// verified them for identical bytes. The chain engine's callers (block
// connect and transaction submission) always pass true.
func CheckTxInputs(tx *Tx, view UtxoView, height uint64, params *Params, verifyLocks bool) (uint64, error) {
	if tx.IsCoinbase() {
		return 0, ruleErr(KindValidation, TX_ERR_COINBASE_SHAPE, "coinbase has no spendable inputs")
	}

	var totalIn uint64
	for _, in := range tx.Inputs {
		op := OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}
		entry, ok, err := view.LookupUtxo(op)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ruleErr(KindValidation, TX_ERR_MISSING_UTXO, "input references unknown or spent output")
		}
		if entry.IsCoinbase && height-entry.BlockHeight < params.CoinbaseMaturity {
			return 0, ruleErr(KindValidation, TX_ERR_IMMATURE_COINBASE, "spends immature coinbase")
		}
		if verifyLocks {
			if err := verifyInputLock(in, entry.Output); err != nil {
				return 0, err
			}
		}
		totalIn += entry.Output.Amount
		if totalIn > MaxMoney {
			return 0, ruleErr(KindValidation, TX_ERR_VALUE_RANGE, "input sum above max money")
		}
	}

	var totalOut uint64
	for _, out := range tx.Outputs {
		totalOut += out.Amount
	}
	if totalIn < totalOut {
		return 0, ruleErr(KindValidation, TX_ERR_FEE_NEGATIVE, "inputs do not cover outputs")
	}
	return totalIn - totalOut, nil
}

// CheckBlockSanity runs the context-free block rules: size bound, a single
// leading coinbase, per-transaction sanity, and the merkle commitment.
func CheckBlockSanity(b *Block, params *Params) error {
	if len(b.Txs) == 0 {
		return ruleErr(KindValidation, BLOCK_ERR_NO_TXS, "block has no transactions")
	}
	if b.SerializedSize() > MaxBlockSize {
		return ruleErr(KindValidation, BLOCK_ERR_OVERSIZE, "serialized block above limit")
	}
	if !b.Txs[0].IsCoinbase() {
		return ruleErr(KindValidation, BLOCK_ERR_COINBASE_INVALID, "first transaction is not a coinbase")
	}
	for i, tx := range b.Txs {
		if i > 0 && tx.IsCoinbase() {
			return ruleErr(KindValidation, BLOCK_ERR_COINBASE_INVALID, "coinbase outside index 0")
		}
		if err := CheckTxSanity(tx); err != nil {
			return err
		}
	}
	if BlockMerkleRoot(b.Txs) != b.Header.MerkleRoot {
		return ruleErr(KindConsensus, BLOCK_ERR_MERKLE_INVALID, "merkle root mismatch")
	}
	return nil
}

// CheckCoinbaseAmount enforces the subsidy bound: the coinbase may claim at
// most the block subsidy plus the fees collected from the block's other
// transactions.
func CheckCoinbaseAmount(coinbase *Tx, height uint64, sumFees uint64, params *Params) error {
	var claimed uint64
	for _, out := range coinbase.Outputs {
		claimed += out.Amount
		if claimed > MaxMoney {
			return ruleErr(KindValidation, TX_ERR_VALUE_RANGE, "coinbase output sum above max money")
		}
	}
	limit := BlockSubsidy(height, params) + sumFees
	if claimed > limit {
		return ruleErr(KindConsensus, BLOCK_ERR_SUBSIDY_EXCEEDED, "coinbase exceeds subsidy plus fees")
	}
	return nil
}
