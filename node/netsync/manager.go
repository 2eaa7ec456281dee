// Package netsync bridges the peer manager and the chain engine: it
// decodes relayed objects, drives accept/mempool admission, serves
// inventory requests, and keeps block and transaction gossip flowing.
package netsync

import (
	"fmt"
	"sync"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node"
	"thunderbolt.dev/node/node/p2p"
	"thunderbolt.dev/node/node/store"
)

// SyncManager implements p2p.MessageHandler over the chain engine and
// mempool, and observes chain notifications to relay freshly connected
// blocks.
type SyncManager struct {
	params  *consensus.Params
	mempool *node.Mempool
	store   *store.Store

	mu    sync.RWMutex
	chain *node.Chain
	peers *p2p.Manager
}

func New(params *consensus.Params, mempool *node.Mempool, st *store.Store) *SyncManager {
	return &SyncManager{
		params:  params,
		mempool: mempool,
		store:   st,
	}
}

// SetChain binds the engine; the chain takes the manager as a listener at
// construction, so the bind happens in two steps.
func (sm *SyncManager) SetChain(c *node.Chain) {
	sm.mu.Lock()
	sm.chain = c
	sm.mu.Unlock()
}

func (sm *SyncManager) engine() *node.Chain {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.chain
}

// SetPeerManager closes the construction cycle: the manager needs the
// handler, the handler needs the manager for relay.
func (sm *SyncManager) SetPeerManager(m *p2p.Manager) {
	sm.mu.Lock()
	sm.peers = m
	sm.mu.Unlock()
}

func (sm *SyncManager) peerManager() *p2p.Manager {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.peers
}

// OnTx validates a relayed transaction and admits it to the mempool. A
// returned error marks the sender as having relayed garbage.
func (sm *SyncManager) OnTx(p *p2p.Peer, raw []byte) error {
	tx, err := consensus.DecodeTx(raw)
	if err != nil {
		return err
	}
	txid := tx.TxID()
	p.AddKnownTx(txid)

	if sm.mempool.Contains(txid) {
		return nil
	}
	if _, ok, _ := sm.store.GetTxMeta(txid); ok {
		return nil // already confirmed
	}
	if err := sm.engine().SubmitTx(tx); err != nil {
		if consensus.IsRuleCode(err, consensus.TX_ERR_MISSING_UTXO) {
			// Could be a pool conflict or a not-yet-seen parent; drop
			// without penalizing the relayer.
			log.Debugf("dropping tx %s from %s: %v", txid, p.Addr(), err)
			return nil
		}
		return err
	}
	log.Debugf("accepted tx %s from %s", txid, p.Addr())
	if m := sm.peerManager(); m != nil {
		m.RelayTxInv(txid, p)
	}
	return nil
}

// OnBlock hands a relayed block to the engine. Orphans trigger an ancestor
// request along our locator; accepted blocks relay to everyone who does
// not know them yet.
func (sm *SyncManager) OnBlock(p *p2p.Peer, raw []byte) error {
	block, err := consensus.DecodeBlock(raw)
	if err != nil {
		return err
	}
	hash := block.Hash()
	p.AddKnownBlock(hash)

	res := sm.engine().ProcessBlock(block)
	switch res.Outcome {
	case node.OutcomeAccepted:
		p.SetBestKnownBlock(hash, res.Height)
		p.SetLastCommonBlock(hash)
		m := sm.peerManager()
		if m == nil {
			return nil
		}
		// During initial download, ask the syncing peer for the next batch
		// once a served window is exhausted.
		if p.IsSyncPeer() && res.Height%p2p.MaxBlocksPerResponse == 0 && m.IsInitialBlockDownload() {
			m.RequestBlocks(p)
		}
		return nil
	case node.OutcomeOrphan:
		log.Debugf("orphan block %s from %s, requesting ancestors", hash, p.Addr())
		if m := sm.peerManager(); m != nil {
			m.RequestBlocks(p)
		}
		return nil
	case node.OutcomeAlreadyKnown, node.OutcomeSideChain:
		return nil
	default:
		if consensus.ErrKind(res.Err) == "" {
			// A local storage failure is not the sender's fault.
			log.Errorf("block %s not processed: %v", hash, res.Err)
			return nil
		}
		return res.Err
	}
}

// OnInv requests every announced object we do not have yet.
func (sm *SyncManager) OnInv(p *p2p.Peer, vecs []p2p.InvVector) {
	var want []p2p.InvVector
	for _, v := range vecs {
		switch v.Type {
		case p2p.InvTypeBlock:
			ok, err := sm.store.HasBlock(v.Hash)
			if err != nil {
				log.Errorf("inv lookup failed: %v", err)
				return
			}
			if !ok {
				want = append(want, v)
			}
			p.SetBestKnownBlock(v.Hash, 0)
		case p2p.InvTypeTx:
			if sm.mempool.Contains(v.Hash) {
				continue
			}
			if _, ok, _ := sm.store.GetTxMeta(v.Hash); ok {
				continue
			}
			want = append(want, v)
		}
	}
	if len(want) == 0 {
		return
	}
	payload, err := p2p.EncodeInvPayload(want)
	if err != nil {
		log.Errorf("encode getdata: %v", err)
		return
	}
	p.QueueMessage(p2p.CmdGetData, payload)
}

// OnGetData serves blocks and transactions, answering misses with one
// notfound.
func (sm *SyncManager) OnGetData(p *p2p.Peer, vecs []p2p.InvVector) {
	var missing []p2p.InvVector
	for _, v := range vecs {
		switch v.Type {
		case p2p.InvTypeBlock:
			block, err := sm.store.GetBlock(v.Hash)
			if err != nil {
				missing = append(missing, v)
				continue
			}
			p.AddKnownBlock(v.Hash)
			p.QueueMessage(p2p.CmdBlock, consensus.EncodeBlock(block))
		case p2p.InvTypeTx:
			if tx, ok := sm.mempool.Get(v.Hash); ok {
				p.AddKnownTx(v.Hash)
				p.QueueMessage(p2p.CmdTx, consensus.EncodeTx(tx))
				continue
			}
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		if payload, err := p2p.EncodeInvPayload(missing); err == nil {
			p.QueueMessage(p2p.CmdNotFound, payload)
		}
	}
}

// forkPointFor finds the first locator hash on our active chain, falling
// back to genesis when nothing matches.
func (sm *SyncManager) forkPointFor(locator []consensus.Hash) (uint64, error) {
	for _, h := range locator {
		meta, ok, err := sm.store.GetBlockMeta(h)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		active, ok, err := sm.store.HashAtHeight(meta.Height)
		if err != nil {
			return 0, err
		}
		if ok && active == h {
			return meta.Height, nil
		}
	}
	return 0, nil
}

// OnGetBlocks walks the active chain from the peer's fork point and
// announces up to 500 block hashes, stopping at the stop hash.
func (sm *SyncManager) OnGetBlocks(p *p2p.Peer, req *p2p.GetBlocksPayload) {
	forkHeight, err := sm.forkPointFor(req.Locator)
	if err != nil {
		log.Errorf("getblocks fork lookup: %v", err)
		return
	}
	tip := sm.engine().Tip()
	var vecs []p2p.InvVector
	for h := forkHeight + 1; h <= tip.Height && len(vecs) < p2p.MaxBlocksPerResponse; h++ {
		hash, ok, err := sm.store.HashAtHeight(h)
		if err != nil || !ok {
			break
		}
		vecs = append(vecs, p2p.InvVector{Type: p2p.InvTypeBlock, Hash: hash})
		if hash == req.StopHash {
			break
		}
	}
	if len(vecs) == 0 {
		return
	}
	if payload, err := p2p.EncodeInvPayload(vecs); err == nil {
		p.QueueMessage(p2p.CmdInv, payload)
	}
}

// OnGetHeaders is the headers-first variant: up to 2000 headers after the
// fork point.
func (sm *SyncManager) OnGetHeaders(p *p2p.Peer, req *p2p.GetBlocksPayload) {
	forkHeight, err := sm.forkPointFor(req.Locator)
	if err != nil {
		log.Errorf("getheaders fork lookup: %v", err)
		return
	}
	tip := sm.engine().Tip()
	var headers []consensus.BlockHeader
	for h := forkHeight + 1; h <= tip.Height && len(headers) < p2p.MaxHeadersPerMessage; h++ {
		hash, ok, err := sm.store.HashAtHeight(h)
		if err != nil || !ok {
			break
		}
		meta, ok, err := sm.store.GetBlockMeta(hash)
		if err != nil || !ok {
			break
		}
		headers = append(headers, meta.Header)
		if hash == req.StopHash {
			break
		}
	}
	if payload, err := p2p.EncodeHeadersPayload(headers); err == nil {
		p.QueueMessage(p2p.CmdHeaders, payload)
	}
}

// OnHeaders records the peer's advertised chain; block download itself
// flows through getblocks/inv.
func (sm *SyncManager) OnHeaders(p *p2p.Peer, headers []consensus.BlockHeader) {
	if len(headers) == 0 {
		return
	}
	last := headers[len(headers)-1].BlockHash()
	p.SetBestKnownBlock(last, 0)
	log.Debugf("peer %s announced %d headers ending %s", p.Addr(), len(headers), last)
}

// OnMempool announces our pool contents to the requester.
func (sm *SyncManager) OnMempool(p *p2p.Peer) {
	txids := sm.mempool.TxIDs()
	var vecs []p2p.InvVector
	for _, txid := range txids {
		if p.KnowsTx(txid) {
			continue
		}
		vecs = append(vecs, p2p.InvVector{Type: p2p.InvTypeTx, Hash: txid})
	}
	for len(vecs) > 0 {
		n := len(vecs)
		if n > p2p.MaxInvEntries {
			n = p2p.MaxInvEntries
		}
		if payload, err := p2p.EncodeInvPayload(vecs[:n]); err == nil {
			p.QueueMessage(p2p.CmdInv, payload)
		}
		vecs = vecs[n:]
	}
}

func (sm *SyncManager) BestHeight() uint64 {
	return sm.engine().Tip().Height
}

func (sm *SyncManager) BestHash() consensus.Hash {
	return sm.engine().Tip().Hash()
}

// BlockLocator samples the active chain: the last ten blocks densely, then
// doubling steps back to genesis.
func (sm *SyncManager) BlockLocator() []consensus.Hash {
	tip := sm.engine().Tip()
	var locator []consensus.Hash
	step := uint64(1)
	height := tip.Height
	for {
		hash, ok, err := sm.store.HashAtHeight(height)
		if err != nil {
			log.Errorf("locator lookup: %v", err)
			break
		}
		if ok {
			locator = append(locator, hash)
		}
		if height == 0 || len(locator) >= p2p.MaxLocatorHashes-1 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if height < step {
			height = 0
		} else {
			height -= step
		}
	}
	if len(locator) == 0 || locator[len(locator)-1] != sm.params.GenesisHash {
		locator = append(locator, sm.params.GenesisHash)
	}
	return locator
}

// BlockConnected relays a freshly connected block to peers that have not
// seen it. Runs synchronously on the chain owner; it only touches peer
// queues.
func (sm *SyncManager) BlockConnected(note *node.BlockNote) {
	if m := sm.peerManager(); m != nil {
		m.RelayBlockInv(note.Hash, nil)
	}
}

// BlockDisconnected is informational for the sync layer; mempool
// re-admission already happened inside the engine.
func (sm *SyncManager) BlockDisconnected(note *node.BlockNote) {
	log.Debugf("block %s disconnected at height %d", note.Hash, note.Height)
}

var _ p2p.MessageHandler = (*SyncManager)(nil)
var _ node.ChainListener = (*SyncManager)(nil)

// String identifies the manager in logs.
func (sm *SyncManager) String() string {
	return fmt.Sprintf("netsync(%s)", sm.params.Name)
}
