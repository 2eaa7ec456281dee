package node

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node/store"
)

type recordingListener struct {
	connected    []consensus.Hash
	disconnected []consensus.Hash
}

func (r *recordingListener) BlockConnected(note *BlockNote) {
	r.connected = append(r.connected, note.Hash)
}

func (r *recordingListener) BlockDisconnected(note *BlockNote) {
	r.disconnected = append(r.disconnected, note.Hash)
}

type harness struct {
	t       *testing.T
	params  *consensus.Params
	store   *store.Store
	mempool *Mempool
	chain   *Chain
	notes   *recordingListener

	priv *secp256k1.PrivateKey
	pub  []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	params := consensus.RegressionNetParams
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mp := NewMempool(st, 0)
	notes := &recordingListener{}
	chain, err := NewChain(params, st, mp, []ChainListener{notes})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	chain.Start()
	t.Cleanup(chain.Stop)

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &harness{
		t:       t,
		params:  params,
		store:   st,
		mempool: mp,
		chain:   chain,
		notes:   notes,
		priv:    priv,
		pub:     priv.PubKey().SerializeCompressed(),
	}
}

// solveBlock assembles and solves a block given the parent's header
// fields. Fees left unclaimed by the coinbase are fine; the bound is an
// upper limit.
func (h *harness) solveBlock(parentHash consensus.Hash, parentHeader consensus.BlockHeader, parentHeight uint64, txs ...*consensus.Tx) *consensus.Block {
	h.t.Helper()
	height := parentHeight + 1
	coinbase := NewCoinbaseTx(height, consensus.BlockSubsidy(height, h.params), h.pub)
	all := append([]*consensus.Tx{coinbase}, txs...)

	block := &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			ParentHash: parentHash,
			MerkleRoot: consensus.BlockMerkleRoot(all),
			Timestamp:  parentHeader.Timestamp + 600,
			Bits:       parentHeader.Bits,
		},
		Txs: all,
	}
	for {
		if consensus.CheckProofOfWork(block.Hash(), block.Header.Bits, h.params) == nil {
			return block
		}
		block.Header.Nonce++
	}
}

// mineOn solves a block on a parent that is already stored.
func (h *harness) mineOn(parentHash consensus.Hash, txs ...*consensus.Tx) *consensus.Block {
	h.t.Helper()
	parent, ok, err := h.store.GetBlockMeta(parentHash)
	if err != nil || !ok {
		h.t.Fatalf("parent %s not stored (ok=%v err=%v)", parentHash, ok, err)
	}
	return h.solveBlock(parentHash, parent.Header, parent.Height, txs...)
}

// extend mines on the current tip and requires acceptance.
func (h *harness) extend(txs ...*consensus.Tx) *consensus.Block {
	h.t.Helper()
	block := h.mineOn(h.chain.Tip().Hash(), txs...)
	res := h.chain.ProcessBlock(block)
	if res.Outcome != OutcomeAccepted {
		h.t.Fatalf("extend: outcome %s (%v)", res.Outcome, res.Err)
	}
	return block
}

// spend builds a signed single-signature spend of a harness-owned output.
func (h *harness) spend(op consensus.OutPoint, amounts ...uint64) *consensus.Tx {
	h.t.Helper()
	entry, ok, err := h.store.GetUtxo(op)
	if err != nil || !ok {
		h.t.Fatalf("spend source %s:%d missing (ok=%v err=%v)", op.TxID, op.Index, ok, err)
	}
	tx := &consensus.Tx{
		Version: 1,
		Inputs:  []consensus.TxInput{{ReferenceTx: op.TxID, ReferenceIndex: op.Index}},
	}
	for _, amt := range amounts {
		tx.Outputs = append(tx.Outputs, consensus.TxOutput{
			Amount:        amt,
			LockType:      consensus.LockSingleSignature,
			LockingParams: h.pub,
		})
	}
	msg := consensus.SignatureHash(tx.Inputs[0], entry.Output.LockType, entry.Output.LockingParams)
	tx.Inputs[0].UnlockingParams = ecdsa.Sign(h.priv, msg[:]).Serialize()
	return tx
}

func TestLinearExtension(t *testing.T) {
	h := newHarness(t)
	genesisHash := h.params.GenesisHash
	if h.chain.Tip().Hash() != genesisHash {
		t.Fatalf("fresh chain must start at genesis")
	}

	b1 := h.extend()
	tip := h.chain.Tip()
	if tip.Hash() != b1.Hash() || tip.Height != 1 {
		t.Fatalf("tip not at b1: height %d", tip.Height)
	}

	// The coinbase output is in the UTXO set with the full subsidy.
	op := consensus.OutPoint{TxID: b1.Txs[0].TxID(), Index: 0}
	entry, ok, err := h.store.GetUtxo(op)
	if err != nil || !ok {
		t.Fatalf("coinbase utxo missing (ok=%v err=%v)", ok, err)
	}
	if entry.Output.Amount != 50*consensus.AtomicUnitsPerCoin || !entry.IsCoinbase {
		t.Fatalf("coinbase utxo wrong: %+v", entry)
	}
	if h.mempool.Count() != 0 {
		t.Fatalf("mempool must be unchanged")
	}
	if len(h.notes.connected) != 1 || h.notes.connected[0] != b1.Hash() {
		t.Fatalf("listener not notified in commit order")
	}
}

func TestAcceptIdempotent(t *testing.T) {
	h := newHarness(t)
	b1 := h.extend()

	res := h.chain.ProcessBlock(b1)
	if res.Outcome != OutcomeAlreadyKnown {
		t.Fatalf("second accept = %s, want already-known", res.Outcome)
	}
	if h.chain.Tip().Hash() != b1.Hash() {
		t.Fatalf("idempotent accept moved the tip")
	}
	if len(h.notes.connected) != 1 {
		t.Fatalf("duplicate accept re-notified listeners")
	}
}

func TestOrphanThenParent(t *testing.T) {
	h := newHarness(t)
	b1 := h.mineOn(h.params.GenesisHash)
	// b1 is not stored yet, so its child is assembled from the header.
	b2 := h.solveBlock(b1.Hash(), b1.Header, 1)

	res := h.chain.ProcessBlock(b2)
	if res.Outcome != OutcomeOrphan {
		t.Fatalf("orphan accept = %s", res.Outcome)
	}
	if ok, _ := h.store.HasBlock(b2.Hash()); ok {
		t.Fatalf("orphan must not be stored")
	}
	if h.chain.Tip().Hash() != h.params.GenesisHash {
		t.Fatalf("orphan moved the tip")
	}

	if res := h.chain.ProcessBlock(b1); res.Outcome != OutcomeAccepted {
		t.Fatalf("parent accept = %s (%v)", res.Outcome, res.Err)
	}
	if res := h.chain.ProcessBlock(b2); res.Outcome != OutcomeAccepted {
		t.Fatalf("orphan resubmission = %s (%v)", res.Outcome, res.Err)
	}
	if h.chain.Tip().Hash() != b2.Hash() {
		t.Fatalf("tip not at b2 after orphan resolution")
	}
}

func TestInvalidProofOfWorkRejected(t *testing.T) {
	h := newHarness(t)
	block := h.mineOn(h.params.GenesisHash)
	// Search the other way: a nonce whose hash is above the target.
	for consensus.CheckProofOfWork(block.Hash(), block.Header.Bits, h.params) == nil {
		block.Header.Nonce++
	}

	res := h.chain.ProcessBlock(block)
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("bad pow accept = %s", res.Outcome)
	}
	if !consensus.IsRuleCode(res.Err, consensus.BLOCK_ERR_POW_INVALID) {
		t.Fatalf("bad pow error = %v", res.Err)
	}
	if ok, _ := h.store.HasBlock(block.Hash()); ok {
		t.Fatalf("invalid block must not be persisted")
	}
	if h.chain.Tip().Hash() != h.params.GenesisHash {
		t.Fatalf("invalid block moved the tip")
	}
}

func TestReorganization(t *testing.T) {
	h := newHarness(t)

	// Mature a coinbase: 101 blocks on the main chain.
	b1 := h.extend()
	for i := 0; i < 100; i++ {
		h.extend()
	}
	forkTip := h.chain.Tip() // height 101

	// Confirm a spend of the height-1 coinbase at height 102.
	coinbaseOp := consensus.OutPoint{TxID: b1.Txs[0].TxID(), Index: 0}
	spendTx := h.spend(coinbaseOp, 30*consensus.AtomicUnitsPerCoin, 19*consensus.AtomicUnitsPerCoin)
	b102 := h.extend(spendTx)

	spendOut := consensus.OutPoint{TxID: spendTx.TxID(), Index: 0}
	if _, ok, _ := h.store.GetUtxo(spendOut); !ok {
		t.Fatalf("spend outputs missing after confirm")
	}
	if _, ok, _ := h.store.GetUtxo(coinbaseOp); ok {
		t.Fatalf("spent coinbase still unspent after confirm")
	}

	// Side branch of two blocks from height 101: more cumulative work.
	s102 := h.mineOn(forkTip.Hash())
	if res := h.chain.ProcessBlock(s102); res.Outcome != OutcomeSideChain {
		t.Fatalf("first side block = %s (%v)", res.Outcome, res.Err)
	}
	if h.chain.Tip().Hash() != b102.Hash() {
		t.Fatalf("side block moved the tip early")
	}

	s103 := h.mineOn(s102.Hash())
	if res := h.chain.ProcessBlock(s103); res.Outcome != OutcomeAccepted {
		t.Fatalf("reorg trigger = %s (%v)", res.Outcome, res.Err)
	}
	if h.chain.Tip().Hash() != s103.Hash() || h.chain.Tip().Height != 103 {
		t.Fatalf("tip not on side branch after reorg")
	}

	// Old branch effects rolled back: the spend's outputs are gone, its
	// input is restored, and the transaction re-entered the mempool.
	if _, ok, _ := h.store.GetUtxo(spendOut); ok {
		t.Fatalf("reverted block's outputs still present")
	}
	if _, ok, _ := h.store.GetUtxo(coinbaseOp); !ok {
		t.Fatalf("reverted spend's input not restored")
	}
	if !h.mempool.Contains(spendTx.TxID()) {
		t.Fatalf("reverted transaction did not re-enter the mempool")
	}
	// New branch coinbases are in the set.
	for _, blk := range []*consensus.Block{s102, s103} {
		op := consensus.OutPoint{TxID: blk.Txs[0].TxID(), Index: 0}
		if _, ok, _ := h.store.GetUtxo(op); !ok {
			t.Fatalf("side-branch coinbase missing from utxo set")
		}
	}
	// Disconnect and connect notifications arrived in order.
	if len(h.notes.disconnected) != 1 || h.notes.disconnected[0] != b102.Hash() {
		t.Fatalf("disconnect notification wrong: %v", h.notes.disconnected)
	}
	last := h.notes.connected[len(h.notes.connected)-1]
	if last != s103.Hash() {
		t.Fatalf("connect notifications out of order")
	}
	// The old block remains stored as a side chain.
	meta, ok, _ := h.store.GetBlockMeta(b102.Hash())
	if !ok || meta.Status != store.StatusSide {
		t.Fatalf("abandoned block not marked side chain")
	}
}

func TestWorkTemplate(t *testing.T) {
	h := newHarness(t)
	h.extend()

	tpl, err := h.chain.BuildTemplate(h.pub)
	if err != nil {
		t.Fatalf("BuildTemplate: %v", err)
	}
	tip := h.chain.Tip()
	if tpl.Height != tip.Height+1 || tpl.ParentHash != tip.Hash() {
		t.Fatalf("template not anchored at the tip: %+v", tpl)
	}
	if tpl.Bits != tip.Header.Bits {
		t.Fatalf("template bits must repeat the parent off boundary")
	}
	if !tpl.Coinbase.IsCoinbase() {
		t.Fatalf("template coinbase malformed")
	}
	if got, _ := consensus.CoinbaseHeight(tpl.Coinbase); got != tpl.Height {
		t.Fatalf("template coinbase commits to height %d, want %d", got, tpl.Height)
	}

	// A solved template block is accepted via the submit path.
	block := &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			ParentHash: tpl.ParentHash,
			MerkleRoot: tpl.MerkleRoot,
			Timestamp:  tpl.Timestamp,
			Bits:       tpl.Bits,
		},
		Txs: append([]*consensus.Tx{tpl.Coinbase}, tpl.Txs...),
	}
	for consensus.CheckProofOfWork(block.Hash(), block.Header.Bits, h.params) != nil {
		block.Header.Nonce++
	}
	api := NewAPI(h.params, h.chain, h.mempool, h.store, nil, nil, nil, h.pub)
	if err := api.SubmitBlock(block); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if h.chain.Tip().Hash() != block.Hash() {
		t.Fatalf("submitted block did not become the tip")
	}
}
