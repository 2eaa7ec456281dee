package node

import (
	"fmt"
	"sync"
	"time"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node/store"
)

// BlockOutcome is the discriminated result of handing a block to the chain.
type BlockOutcome int

const (
	// OutcomeAccepted means the block extended the tip or won a reorg.
	OutcomeAccepted BlockOutcome = iota
	OutcomeAlreadyKnown
	// OutcomeOrphan means the parent is unknown; the block was not stored.
	OutcomeOrphan
	// OutcomeSideChain means the block was stored off the active chain.
	OutcomeSideChain
	OutcomeInvalid
)

func (o BlockOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeAlreadyKnown:
		return "already-known"
	case OutcomeOrphan:
		return "orphan"
	case OutcomeSideChain:
		return "side-chain"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ProcessResult reports what a block did to the chain.
type ProcessResult struct {
	Outcome BlockOutcome
	Hash    consensus.Hash
	Height  uint64
	// Err carries the rule violation for OutcomeInvalid, or the storage
	// failure that aborted the operation.
	Err error
}

// BlockNote is the change notification delivered to listeners after a
// commit or revert completes.
type BlockNote struct {
	Hash   consensus.Hash
	Height uint64
	Block  *consensus.Block
	// CreatedUtxos are the outputs the connect added (or the revert
	// restored); RemovedUtxos are the keys it deleted.
	CreatedUtxos []store.UtxoRecord
	RemovedUtxos []consensus.OutPoint
}

// ChainListener observes tip changes. Callbacks run synchronously on the
// chain-mutation owner, in commit order, and must not call back into the
// engine.
type ChainListener interface {
	BlockConnected(note *BlockNote)
	BlockDisconnected(note *BlockNote)
}

// Chain is the consensus state machine. A single owner goroutine performs
// every mutation of the tip, UTXO set, block/revert logs, and mempool;
// public methods send typed requests to it and await typed replies, which
// keeps the single-writer invariant without per-method locking.
type Chain struct {
	params    *consensus.Params
	store     *store.Store
	mempool   *Mempool
	listeners []ChainListener

	tipMu sync.RWMutex
	tip   *store.BlockMetadata

	reqs chan chainRequest
	quit chan struct{}
	wg   sync.WaitGroup
}

type chainRequest interface{ isChainRequest() }

type processBlockReq struct {
	block *consensus.Block
	reply chan ProcessResult
}

type submitTxReq struct {
	tx    *consensus.Tx
	reply chan error
}

type templateReq struct {
	payoutKey []byte
	reply     chan templateReply
}

type templateReply struct {
	tpl *WorkTemplate
	err error
}

func (processBlockReq) isChainRequest() {}
func (submitTxReq) isChainRequest()     {}
func (templateReq) isChainRequest()     {}

// NewChain opens the chain over an initialized store, committing the
// genesis block on first run. Listeners are fixed at construction.
func NewChain(params *consensus.Params, st *store.Store, mempool *Mempool, listeners []ChainListener) (*Chain, error) {
	if params == nil || st == nil || mempool == nil {
		return nil, fmt.Errorf("chain: params, store, and mempool required")
	}
	c := &Chain{
		params:    params,
		store:     st,
		mempool:   mempool,
		listeners: listeners,
		reqs:      make(chan chainRequest),
		quit:      make(chan struct{}),
	}
	if err := c.initTip(); err != nil {
		return nil, err
	}
	return c, nil
}

// initTip loads the persisted tip or commits genesis into an empty store.
func (c *Chain) initTip() error {
	head, ok, err := c.store.Head()
	if err != nil {
		return err
	}
	if ok {
		meta, found, err := c.store.GetBlockMeta(head)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("chain: head %s has no metadata", head)
		}
		c.tip = meta
		log.Infof("chain tip %s height %d", head, meta.Height)
		return nil
	}

	genesis := c.params.GenesisBlock
	raw := consensus.EncodeBlock(genesis)
	blockPtr, err := c.store.AppendBlock(raw)
	if err != nil {
		return err
	}
	revertPtr, err := c.store.AppendRevert(&store.RevertRecord{BlockHash: c.params.GenesisHash})
	if err != nil {
		return err
	}
	meta := &store.BlockMetadata{
		Header:         genesis.Header,
		Height:         0,
		CumulativeWork: consensus.WorkForBits(genesis.Header.Bits),
		BlockPtr:       blockPtr,
		RevertPtr:      revertPtr,
		TxCount:        uint32(len(genesis.Txs)),
		Status:         store.StatusValid,
	}
	batch := &store.BlockBatch{
		PutBlockMetas: []*store.BlockMetadata{meta},
		PutHeights:    []store.HeightEntry{{Height: 0, Hash: c.params.GenesisHash}},
		NewHead:       &c.params.GenesisHash,
	}
	for i, tx := range genesis.Txs {
		txid := tx.TxID()
		batch.PutTxMetas = append(batch.PutTxMetas, &store.TxMetadata{
			TxID:            txid,
			BlockHash:       c.params.GenesisHash,
			BlockHeight:     0,
			PositionInBlock: uint32(i),
			Timestamp:       genesis.Header.Timestamp,
		})
		for j, out := range tx.Outputs {
			batch.InsertUtxos = append(batch.InsertUtxos, store.UtxoRecord{
				OutPoint: consensus.OutPoint{TxID: txid, Index: uint32(j)},
				Entry: consensus.UtxoEntry{
					Output:      out,
					BlockHeight: 0,
					Version:     tx.Version,
					IsCoinbase:  tx.IsCoinbase(),
				},
			})
		}
	}
	if err := c.store.ApplyBatch(batch); err != nil {
		return err
	}
	c.tip = meta
	log.Infof("initialized %s chain at genesis %s", c.params.Name, c.params.GenesisHash)
	return nil
}

// Start launches the chain-mutation owner.
func (c *Chain) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop shuts the owner down and waits for it.
func (c *Chain) Stop() {
	close(c.quit)
	c.wg.Wait()
}

func (c *Chain) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.reqs:
			switch r := req.(type) {
			case processBlockReq:
				r.reply <- c.processBlock(r.block)
			case submitTxReq:
				r.reply <- c.submitTx(r.tx)
			case templateReq:
				tpl, err := c.buildTemplate(r.payoutKey)
				r.reply <- templateReply{tpl: tpl, err: err}
			}
		}
	}
}

// ProcessBlock hands a block to the chain-mutation owner and waits for the
// outcome. Safe for concurrent use.
func (c *Chain) ProcessBlock(block *consensus.Block) ProcessResult {
	reply := make(chan ProcessResult, 1)
	select {
	case c.reqs <- processBlockReq{block: block, reply: reply}:
		return <-reply
	case <-c.quit:
		return ProcessResult{Outcome: OutcomeInvalid, Err: fmt.Errorf("chain: shut down")}
	}
}

// SubmitTx validates a relayed transaction (full contextual rules,
// including lock signatures) and admits it to the mempool.
func (c *Chain) SubmitTx(tx *consensus.Tx) error {
	reply := make(chan error, 1)
	select {
	case c.reqs <- submitTxReq{tx: tx, reply: reply}:
		return <-reply
	case <-c.quit:
		return fmt.Errorf("chain: shut down")
	}
}

// BuildTemplate asks the owner for a mining work template paying the given
// public key.
func (c *Chain) BuildTemplate(payoutKey []byte) (*WorkTemplate, error) {
	reply := make(chan templateReply, 1)
	select {
	case c.reqs <- templateReq{payoutKey: payoutKey, reply: reply}:
		r := <-reply
		return r.tpl, r.err
	case <-c.quit:
		return nil, fmt.Errorf("chain: shut down")
	}
}

// Tip returns a snapshot of the active tip metadata.
func (c *Chain) Tip() *store.BlockMetadata {
	c.tipMu.RLock()
	defer c.tipMu.RUnlock()
	cp := *c.tip
	return &cp
}

func (c *Chain) setTip(meta *store.BlockMetadata) {
	c.tipMu.Lock()
	c.tip = meta
	c.tipMu.Unlock()
}

// submitTx runs on the owner: full contextual validation at the next block
// height, then mempool admission.
func (c *Chain) submitTx(tx *consensus.Tx) error {
	if err := consensus.CheckTxSanity(tx); err != nil {
		return err
	}
	tip := c.tip
	view := mempoolAdjustedView{chain: c.store, pool: c.mempool}
	if _, err := consensus.CheckTxInputs(tx, view, tip.Height+1, c.params, true); err != nil {
		return err
	}
	if !c.mempool.Add(tx) {
		return ruleDuplicate(tx.TxID())
	}
	return nil
}

func ruleDuplicate(txid consensus.Hash) error {
	return &consensus.RuleError{
		Kind: consensus.KindValidation,
		Code: consensus.TX_ERR_MISSING_UTXO,
		Msg:  fmt.Sprintf("transaction %s duplicates or conflicts with the pool", txid),
	}
}

// mempoolAdjustedView hides outpoints already claimed by pool members so
// relay validation rejects double spends against the pool.
type mempoolAdjustedView struct {
	chain consensus.UtxoView
	pool  *Mempool
}

func (v mempoolAdjustedView) LookupUtxo(op consensus.OutPoint) (consensus.UtxoEntry, bool, error) {
	v.pool.mu.RLock()
	_, claimed := v.pool.spent[op]
	v.pool.mu.RUnlock()
	if claimed {
		return consensus.UtxoEntry{}, false, nil
	}
	return v.chain.LookupUtxo(op)
}

// Uptime support: process start time, taken at package initialization.
var processStart = time.Now()

// Uptime reports seconds since process start.
func Uptime() uint64 {
	return uint64(time.Since(processStart) / time.Second)
}
