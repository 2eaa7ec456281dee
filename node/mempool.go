package node

import (
	"sort"
	"sync"
	"time"

	"thunderbolt.dev/node/consensus"
)

// Mempool is the set of validated, unconfirmed transactions. Admission runs
// the context-free rules plus outpoint resolution against the chain's UTXO
// view; an outpoint already claimed by a pool member fails resolution, so
// the pool never holds two spenders of the same output.
//
// All mutation happens on the chain-mutation owner; reads from RPC take the
// read lock and copy.
type Mempool struct {
	mu sync.RWMutex

	view          consensus.UtxoView
	relayFeeFloor uint64

	pool      map[consensus.Hash]*mempoolEntry
	spent     map[consensus.OutPoint]consensus.Hash
	sizeBytes int
	seq       uint64
	updatedAt time.Time
}

type mempoolEntry struct {
	tx   *consensus.Tx
	txid consensus.Hash
	fee  uint64
	size int
	seq  uint64
}

// NewMempool builds an empty pool resolving outpoints through view.
// relayFeeFloor is the minimum fee (atomic units) a transaction must carry
// to be admitted; zero disables the floor.
func NewMempool(view consensus.UtxoView, relayFeeFloor uint64) *Mempool {
	return &Mempool{
		view:          view,
		relayFeeFloor: relayFeeFloor,
		pool:          make(map[consensus.Hash]*mempoolEntry),
		spent:         make(map[consensus.OutPoint]consensus.Hash),
	}
}

// Add admits tx, returning false when it is already present or fails
// validation. Lock signatures are not re-checked here; relay handling
// verifies them before calling Add.
func (m *Mempool) Add(tx *consensus.Tx) bool {
	if tx == nil || tx.IsCoinbase() {
		return false
	}
	txid := tx.TxID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.pool[txid]; dup {
		return false
	}
	if err := consensus.CheckTxSanity(tx); err != nil {
		log.Debugf("mempool reject %s: %v", txid, err)
		return false
	}

	// Resolve every input: it must exist in the chain view and be unclaimed
	// by the pool.
	var totalIn, totalOut uint64
	for _, in := range tx.Inputs {
		op := consensus.OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}
		if _, claimed := m.spent[op]; claimed {
			log.Debugf("mempool reject %s: input %s:%d already claimed", txid, op.TxID, op.Index)
			return false
		}
		entry, ok, err := m.view.LookupUtxo(op)
		if err != nil || !ok {
			log.Debugf("mempool reject %s: missing utxo %s:%d", txid, op.TxID, op.Index)
			return false
		}
		totalIn += entry.Output.Amount
	}
	for _, out := range tx.Outputs {
		totalOut += out.Amount
	}
	if totalIn < totalOut {
		return false
	}
	fee := totalIn - totalOut
	if fee < m.relayFeeFloor {
		log.Debugf("mempool reject %s: fee %d below floor %d", txid, fee, m.relayFeeFloor)
		return false
	}

	e := &mempoolEntry{
		tx:   tx,
		txid: txid,
		fee:  fee,
		size: tx.SerializedSize(),
		seq:  m.seq,
	}
	m.seq++
	m.pool[txid] = e
	for _, in := range tx.Inputs {
		m.spent[consensus.OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}] = txid
	}
	m.sizeBytes += e.size
	m.updatedAt = time.Now()
	return true
}

// Remove drops a transaction, reporting whether it was present.
func (m *Mempool) Remove(txid consensus.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(txid)
}

func (m *Mempool) removeLocked(txid consensus.Hash) bool {
	e, ok := m.pool[txid]
	if !ok {
		return false
	}
	delete(m.pool, txid)
	for _, in := range e.tx.Inputs {
		delete(m.spent, consensus.OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex})
	}
	m.sizeBytes -= e.size
	m.updatedAt = time.Now()
	return true
}

// RemoveConflicts drops every pool member spending one of the given
// outpoints (used when a connecting block consumes them).
func (m *Mempool) RemoveConflicts(ops []consensus.OutPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if txid, ok := m.spent[op]; ok {
			m.removeLocked(txid)
		}
	}
}

// Pick selects transactions for a block template: fee-descending with ties
// broken by insertion order, honoring a total serialized-size ceiling.
// Entries whose inputs are no longer spendable are silently skipped.
func (m *Mempool) Pick(maxBytes int) []*consensus.Tx {
	m.mu.RLock()
	entries := make([]*mempoolEntry, 0, len(m.pool))
	for _, e := range m.pool {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].fee != entries[j].fee {
			return entries[i].fee > entries[j].fee
		}
		return entries[i].seq < entries[j].seq
	})

	var out []*consensus.Tx
	used := 0
	for _, e := range entries {
		if used+e.size > maxBytes {
			continue
		}
		spendable := true
		for _, in := range e.tx.Inputs {
			op := consensus.OutPoint{TxID: in.ReferenceTx, Index: in.ReferenceIndex}
			if _, ok, err := m.view.LookupUtxo(op); err != nil || !ok {
				spendable = false
				break
			}
		}
		if !spendable {
			continue
		}
		out = append(out, e.tx)
		used += e.size
	}
	return out
}

// Fee returns the recorded fee for a pool member.
func (m *Mempool) Fee(txid consensus.Hash) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pool[txid]
	if !ok {
		return 0, false
	}
	return e.fee, true
}

// Get returns a pool member by id.
func (m *Mempool) Get(txid consensus.Hash) (*consensus.Tx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pool[txid]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

func (m *Mempool) Contains(txid consensus.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pool[txid]
	return ok
}

func (m *Mempool) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pool)
}

func (m *Mempool) SizeBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

func (m *Mempool) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}

// TxIDs snapshots the pool's transaction ids for inventory serving.
func (m *Mempool) TxIDs() []consensus.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]consensus.Hash, 0, len(m.pool))
	for txid := range m.pool {
		out = append(out, txid)
	}
	return out
}
