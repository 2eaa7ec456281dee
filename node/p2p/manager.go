package p2p

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"thunderbolt.dev/node/consensus"
)

const (
	// tickInterval paces the control loop.
	tickInterval = 100 * time.Millisecond

	// InactivityTimeout disconnects peers with no traffic.
	InactivityTimeout = 5 * time.Minute
	// PingTimeout disconnects peers that never answer a ping.
	PingTimeout = 60 * time.Second
	// HeartbeatInterval pings peers without recent outbound traffic.
	HeartbeatInterval = 2 * time.Minute
	// ConnectCooldown spaces outbound connection rounds.
	ConnectCooldown = time.Minute
	// MaintenanceInterval paces address pool upkeep.
	MaintenanceInterval = 10 * time.Minute
	// DialTimeout doubles as the reachability probe for pool addresses.
	DialTimeout = 10 * time.Second
	// HandshakeTimeout drops peers that never complete version/verack.
	HandshakeTimeout = 30 * time.Second

	// ibdHeightThreshold: a peer this many blocks ahead puts us in initial
	// block download.
	ibdHeightThreshold = 24
	// syncStallTimeout rotates the syncing peer when no block arrives.
	syncStallTimeout = 2 * time.Minute
)

// MessageHandler receives the chain-facing messages the manager does not
// handle itself (the manager owns handshake, ping/pong, and address
// gossip). Handlers run on the control thread; an error return from OnTx
// or OnBlock is charged to the sender's ban score as graded by banDeltaFor
// (malformed bytes a protocol offense, anything else a consensus violation).
type MessageHandler interface {
	OnTx(p *Peer, raw []byte) error
	OnBlock(p *Peer, raw []byte) error
	OnInv(p *Peer, vecs []InvVector)
	OnGetData(p *Peer, vecs []InvVector)
	OnGetBlocks(p *Peer, req *GetBlocksPayload)
	OnGetHeaders(p *Peer, req *GetBlocksPayload)
	OnHeaders(p *Peer, headers []consensus.BlockHeader)
	OnMempool(p *Peer)

	// BestHeight and BestHash describe the local tip; BlockLocator samples
	// the active chain densely near the tip and exponentially below.
	BestHeight() uint64
	BestHash() consensus.Hash
	BlockLocator() []consensus.Hash
}

// ManagerConfig wires a Manager; every collaborator arrives explicitly.
type ManagerConfig struct {
	Params         *consensus.Params
	DataDir        string
	ListenAddr     string
	UserAgent      string
	Services       uint64
	TargetOutbound int
	MaxPeers       int
	Seeds          []string
	Handler        MessageHandler
}

// Manager owns the connection pool and the scheduling loop: reading,
// writing, dispatch, inactivity sweeps, outbound connection attempts,
// address maintenance, and heartbeats all run from one control thread;
// per-peer reader goroutines only move bytes into queues.
type Manager struct {
	cfg     ManagerConfig
	pool    *AddrPool
	handler MessageHandler

	peersMu sync.RWMutex
	peers   map[string]*Peer

	noncesMu    sync.Mutex
	localNonces map[uint64]struct{}

	listener        net.Listener
	lastConnect     time.Time
	lastMaintenance time.Time

	syncMu       sync.Mutex
	syncPeer     *Peer
	lastSyncRecv time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Params == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("p2p: manager: params and handler required")
	}
	if cfg.TargetOutbound <= 0 {
		cfg.TargetOutbound = 8
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 64
	}
	pool, err := OpenAddrPool(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		pool:        pool,
		handler:     cfg.Handler,
		peers:       make(map[string]*Peer),
		localNonces: make(map[uint64]struct{}),
		quit:        make(chan struct{}),
	}, nil
}

// Start opens the listener and launches the control loop.
func (m *Manager) Start() error {
	if m.cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", m.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("p2p: listen %s: %w", m.cfg.ListenAddr, err)
		}
		m.listener = l
		m.wg.Add(1)
		go m.acceptLoop()
		log.Infof("listening for peers on %s", m.cfg.ListenAddr)
	}
	m.wg.Add(1)
	go m.controlLoop()
	return nil
}

// Stop tears down the listener and every connection and waits for the
// loops to exit.
func (m *Manager) Stop() {
	close(m.quit)
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.peersMu.RLock()
	for _, p := range m.peers {
		p.Disconnect()
	}
	m.peersMu.RUnlock()
	m.wg.Wait()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
			}
			log.Debugf("accept failed: %v", err)
			continue
		}
		if m.PeerCount() >= m.cfg.MaxPeers {
			log.Debugf("peer cap reached, refusing %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		if m.pool.IsBanned(conn.RemoteAddr().String(), time.Now()) {
			_ = conn.Close()
			continue
		}
		m.registerPeer(conn, true)
	}
}

func (m *Manager) registerPeer(conn net.Conn, inbound bool) *Peer {
	p := newPeer(conn, inbound, m.cfg.Params.Magic)
	m.peersMu.Lock()
	m.peers[p.addr] = p
	m.peersMu.Unlock()
	go p.readLoop()
	if !inbound {
		m.sendVersion(p)
	}
	log.Debugf("peer %s registered (inbound=%v)", p.addr, inbound)
	return p
}

func (m *Manager) unregisterPeer(p *Peer) {
	p.Disconnect()
	m.peersMu.Lock()
	delete(m.peers, p.addr)
	m.peersMu.Unlock()

	m.syncMu.Lock()
	if m.syncPeer == p {
		m.syncPeer = nil
	}
	m.syncMu.Unlock()
}

func (m *Manager) sendVersion(p *Peer) {
	nonce := rand.Uint64()
	m.noncesMu.Lock()
	m.localNonces[nonce] = struct{}{}
	m.noncesMu.Unlock()

	recv, _ := ParseNetAddress(p.addr, 0)
	payload, err := EncodeVersionPayload(&VersionPayload{
		ProtocolVersion: ProtocolVersion,
		Services:        m.cfg.Services,
		Timestamp:       uint64(time.Now().Unix()),
		AddrRecv:        recv,
		Nonce:           nonce,
		UserAgent:       m.cfg.UserAgent,
		BestHeight:      m.handler.BestHeight(),
		Relay:           true,
	})
	if err != nil {
		log.Errorf("encode version: %v", err)
		return
	}
	p.QueueMessage(CmdVersion, payload)
	p.markVersionSent()
}

// controlLoop is the single scheduling thread.
func (m *Manager) controlLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.processInputs()
			m.writeMessages()
			m.removeInactive()
			m.connectNewPeers()
			m.addressMaintenance()
			m.heartbeat()
			m.syncTick()
		}
	}
}

func (m *Manager) snapshotPeers() []*Peer {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// processInputs drains pending messages; per peer, messages dispatch in
// arrival order.
func (m *Manager) processInputs() {
	for _, p := range m.snapshotPeers() {
		// Bounded batch per tick so one busy peer cannot starve the rest.
	drain:
		for i := 0; i < 32; i++ {
			select {
			case msg := <-p.inQueue:
				m.dispatch(p, msg)
			default:
				break drain
			}
		}
	}
}

// writeMessages flushes relay queues and at most one queued message per
// peer per tick.
func (m *Manager) writeMessages() {
	for _, p := range m.snapshotPeers() {
		if p.Active() {
			p.drainRelayQueues()
		}
		p.flushSend()
	}
}

func (m *Manager) applyBan(p *Peer, delta uint32, reason string) {
	now := time.Now()
	score := p.Ban.Add(now, delta)
	log.Debugf("peer %s: %s (+%d, score %d)", p.addr, reason, delta, score)
	if score >= BanThreshold {
		log.Infof("banning peer %s: %s", p.addr, reason)
		m.pool.Ban(p.addr, now)
		m.unregisterPeer(p)
	}
}

// dispatch routes one message. Handshake, liveness, and address gossip are
// handled here; chain traffic goes to the handler.
func (m *Manager) dispatch(p *Peer, msg *Message) {
	switch msg.Command {
	case CmdVersion:
		m.handleVersion(p, msg.Payload)
		return
	case CmdVerack:
		if err := p.acceptVerack(); err != nil {
			m.applyBan(p, BanScoreProtocol, "duplicate verack")
		}
		return
	}

	if !p.Active() {
		// Anything else before the handshake completes is a violation.
		m.applyBan(p, BanScoreProtocol, "command before handshake: "+msg.Command)
		return
	}

	switch msg.Command {
	case CmdPing:
		pp, err := DecodePingPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed ping")
			return
		}
		p.QueueMessage(CmdPong, EncodePongPayload(PongPayload{Nonce: pp.Nonce}))

	case CmdPong:
		pp, err := DecodePongPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed pong")
			return
		}
		if !p.acceptPong(pp.Nonce) {
			m.applyBan(p, BanScoreProtocol, "unmatched pong nonce")
		}

	case CmdAddr:
		addrs, err := DecodeAddrPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed addr")
			return
		}
		m.handleAddr(p, addrs)

	case CmdGetAddr:
		addrs := m.pool.Addresses(MaxAddrPerMessage)
		if payload, err := EncodeAddrPayload(addrs); err == nil {
			p.QueueMessage(CmdAddr, payload)
		}

	case CmdInv:
		vecs, err := DecodeInvPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed inv")
			return
		}
		for _, v := range vecs {
			switch v.Type {
			case InvTypeBlock:
				p.AddKnownBlock(v.Hash)
			case InvTypeTx:
				p.AddKnownTx(v.Hash)
			}
		}
		m.handler.OnInv(p, vecs)

	case CmdGetData:
		vecs, err := DecodeInvPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed getdata")
			return
		}
		m.handler.OnGetData(p, vecs)

	case CmdNotFound:
		// Informational; nothing to do beyond logging.
		log.Debugf("peer %s reported notfound", p.addr)

	case CmdGetBlocks:
		req, err := DecodeGetBlocksPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed getblocks")
			return
		}
		m.handler.OnGetBlocks(p, req)

	case CmdGetHeaders:
		req, err := DecodeGetBlocksPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed getheaders")
			return
		}
		m.handler.OnGetHeaders(p, req)

	case CmdHeaders:
		headers, err := DecodeHeadersPayload(msg.Payload)
		if err != nil {
			m.applyBan(p, BanScoreProtocol, "malformed headers")
			return
		}
		m.handler.OnHeaders(p, headers)

	case CmdBlock:
		m.noteSyncProgress(p)
		if err := m.handler.OnBlock(p, msg.Payload); err != nil {
			m.applyBan(p, banDeltaFor(err), fmt.Sprintf("invalid block: %v", err))
		}

	case CmdTx:
		if err := m.handler.OnTx(p, msg.Payload); err != nil {
			m.applyBan(p, banDeltaFor(err), fmt.Sprintf("invalid tx: %v", err))
		}

	case CmdMempool:
		m.handler.OnMempool(p)

	default:
		// Unknown commands are dropped without penalty for forward
		// compatibility.
		log.Tracef("peer %s sent unknown command %q", p.addr, msg.Command)
	}
}

// banDeltaFor grades a relay failure: malformed bytes are a protocol
// offense, everything else a consensus violation.
func banDeltaFor(err error) uint32 {
	if consensus.ErrKind(err) == consensus.KindCodec {
		return BanScoreProtocol
	}
	return BanScoreConsensus
}

func (m *Manager) handleVersion(p *Peer, payload []byte) {
	v, err := DecodeVersionPayload(payload)
	if err != nil {
		m.applyBan(p, BanScoreProtocol, "malformed version")
		return
	}
	if v.ProtocolVersion < MinProtocolVersion {
		log.Infof("peer %s protocol version %d below minimum, dropping", p.addr, v.ProtocolVersion)
		m.unregisterPeer(p)
		return
	}
	// Our own nonce coming back means we connected to ourselves.
	m.noncesMu.Lock()
	_, selfConnect := m.localNonces[v.Nonce]
	m.noncesMu.Unlock()
	if selfConnect {
		log.Debugf("self-connection detected via nonce, dropping %s", p.addr)
		m.unregisterPeer(p)
		return
	}
	if err := p.acceptVersion(v); err != nil {
		m.applyBan(p, BanScoreProtocol, "duplicate version")
		return
	}
	if v.AddrFrom.IsRoutable() {
		m.pool.Insert(v.AddrFrom, uint64(time.Now().Unix()))
	}
	// The inbound side speaks second: answer with our version, then
	// verack. Verack is only ever sent after the peer's version arrived.
	if p.inbound {
		m.sendVersion(p)
	}
	p.QueueMessage(CmdVerack, nil)
	p.markVerackSent()
	// Solicit addresses once per connection.
	p.QueueMessage(CmdGetAddr, nil)
}

// handleAddr feeds the pool and relays novel addresses to peers that do
// not already know them.
func (m *Manager) handleAddr(p *Peer, addrs []TimestampedAddress) {
	now := uint64(time.Now().Unix())
	for _, a := range addrs {
		p.AddKnownAddress(a.Addr)
		lastSeen := a.LastSeen
		if lastSeen > now {
			lastSeen = now
		}
		m.pool.Insert(a.Addr, lastSeen)
	}
	for _, other := range m.snapshotPeers() {
		if other == p || !other.Active() {
			continue
		}
		other.QueueAddresses(addrs)
	}
}

// removeInactive sweeps dead, silent, unresponsive, and banned peers.
func (m *Manager) removeInactive() {
	now := time.Now()
	for _, p := range m.snapshotPeers() {
		switch {
		case p.Disconnected():
			m.unregisterPeer(p)
		case !p.Active() && now.Sub(p.createdAt) > HandshakeTimeout:
			log.Debugf("peer %s handshake timeout, disconnecting", p.addr)
			m.unregisterPeer(p)
		case !p.LastRecv().IsZero() && now.Sub(p.LastRecv()) > InactivityTimeout:
			log.Debugf("peer %s inactive, disconnecting", p.addr)
			m.unregisterPeer(p)
		case p.hasStalePing(now, PingTimeout):
			log.Debugf("peer %s ping timeout, disconnecting", p.addr)
			m.unregisterPeer(p)
		case p.Ban.ShouldBan(now):
			m.pool.Ban(p.addr, now)
			m.unregisterPeer(p)
		}
	}
}

// connectNewPeers tops up outbound connections from the pool, falling back
// to the configured seeds.
func (m *Manager) connectNewPeers() {
	now := time.Now()
	if now.Sub(m.lastConnect) < ConnectCooldown {
		return
	}
	outbound := 0
	connected := make(map[string]bool)
	for _, p := range m.snapshotPeers() {
		connected[p.addr] = true
		if !p.inbound {
			outbound++
		}
	}
	need := m.cfg.TargetOutbound - outbound
	if need <= 0 {
		return
	}
	m.lastConnect = now

	candidates := m.pool.RandomUnbanned(need, connected, now)
	if len(candidates) == 0 {
		for _, seed := range m.cfg.Seeds {
			if connected[seed] {
				continue
			}
			na, err := ParseNetAddress(seed, 0)
			if err != nil {
				log.Warnf("bad seed address %q: %v", seed, err)
				continue
			}
			candidates = append(candidates, na)
			if len(candidates) == need {
				break
			}
		}
	}
	for _, na := range candidates {
		addr := na.String()
		go m.dial(addr)
	}
}

// dial attempts one outbound connection; the connect timeout doubles as
// the reachability probe.
func (m *Manager) dial(addr string) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		log.Debugf("dial %s failed: %v", addr, err)
		return
	}
	select {
	case <-m.quit:
		_ = conn.Close()
		return
	default:
	}
	if m.PeerCount() >= m.cfg.MaxPeers {
		_ = conn.Close()
		return
	}
	m.registerPeer(conn, false)
}

func (m *Manager) addressMaintenance() {
	now := time.Now()
	if now.Sub(m.lastMaintenance) < MaintenanceInterval {
		return
	}
	m.lastMaintenance = now
	m.pool.Maintain(now)
}

// heartbeat pings peers without recent outbound traffic.
func (m *Manager) heartbeat() {
	now := time.Now()
	for _, p := range m.snapshotPeers() {
		if !p.Active() {
			continue
		}
		last := p.LastSend()
		if !last.IsZero() && now.Sub(last) < HeartbeatInterval {
			continue
		}
		nonce := rand.Uint64()
		p.registerPing(nonce)
		p.QueueMessage(CmdPing, EncodePingPayload(PingPayload{Nonce: nonce}))
	}
}

// IsInitialBlockDownload reports whether the best peer is materially ahead
// of our tip.
func (m *Manager) IsInitialBlockDownload() bool {
	best := uint64(0)
	for _, p := range m.snapshotPeers() {
		if h := p.BestKnownHeight(); h > best {
			best = h
		}
	}
	return best > m.handler.BestHeight()+ibdHeightThreshold
}

// syncTick elects and supervises the syncing peer during initial block
// download: one peer is asked for blocks along our locator until we catch
// up; a stalled peer is replaced.
func (m *Manager) syncTick() {
	if !m.IsInitialBlockDownload() {
		m.syncMu.Lock()
		if m.syncPeer != nil {
			m.syncPeer.setSyncPeer(false)
			m.syncPeer = nil
		}
		m.syncMu.Unlock()
		return
	}

	m.syncMu.Lock()
	cur := m.syncPeer
	stalled := cur != nil && time.Since(m.lastSyncRecv) > syncStallTimeout
	m.syncMu.Unlock()

	if cur != nil && !cur.Disconnected() && !stalled {
		return
	}
	if cur != nil {
		cur.setSyncPeer(false)
	}

	var best *Peer
	for _, p := range m.snapshotPeers() {
		if !p.Active() {
			continue
		}
		if best == nil || p.BestKnownHeight() > best.BestKnownHeight() {
			best = p
		}
	}
	if best == nil {
		return
	}
	m.syncMu.Lock()
	m.syncPeer = best
	m.lastSyncRecv = time.Now()
	m.syncMu.Unlock()
	best.setSyncPeer(true)
	log.Infof("syncing from peer %s (height %d)", best.addr, best.BestKnownHeight())
	m.RequestBlocks(best)
}

func (m *Manager) noteSyncProgress(p *Peer) {
	m.syncMu.Lock()
	if m.syncPeer == p {
		m.lastSyncRecv = time.Now()
	}
	m.syncMu.Unlock()
}

// RequestBlocks sends a getblocks for everything after our locator.
func (m *Manager) RequestBlocks(p *Peer) {
	payload, err := EncodeGetBlocksPayload(&GetBlocksPayload{
		Locator: m.handler.BlockLocator(),
	})
	if err != nil {
		log.Errorf("encode getblocks: %v", err)
		return
	}
	p.QueueMessage(CmdGetBlocks, payload)
}

// SyncPeer returns the current syncing peer, if any.
func (m *Manager) SyncPeer() *Peer {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return m.syncPeer
}

// RelayBlockInv announces a block to every active peer that does not
// already know it.
func (m *Manager) RelayBlockInv(hash consensus.Hash, skip *Peer) {
	payload, err := EncodeInvPayload([]InvVector{{Type: InvTypeBlock, Hash: hash}})
	if err != nil {
		return
	}
	for _, p := range m.snapshotPeers() {
		if p == skip || !p.Active() || p.KnowsBlock(hash) {
			continue
		}
		p.AddKnownBlock(hash)
		p.QueueMessage(CmdInv, payload)
	}
}

// RelayTxInv stages a transaction announcement on every active peer's
// relay queue.
func (m *Manager) RelayTxInv(txid consensus.Hash, skip *Peer) {
	for _, p := range m.snapshotPeers() {
		if p == skip || !p.Active() {
			continue
		}
		p.QueueTxInv(txid)
	}
}

func (m *Manager) PeerCount() int {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	return len(m.peers)
}

// PeerInfo is the RPC view of one connection.
type PeerInfo struct {
	Addr            string
	Inbound         bool
	ProtocolVersion uint32
	UserAgent       string
	BestHeight      uint64
	BanScore        uint32
	LastRecv        time.Time
	LastSend        time.Time
}

func (m *Manager) peerInfo(p *Peer) PeerInfo {
	return PeerInfo{
		Addr:            p.addr,
		Inbound:         p.inbound,
		ProtocolVersion: p.ProtocolVersion(),
		UserAgent:       p.UserAgent(),
		BestHeight:      p.BestKnownHeight(),
		BanScore:        p.Ban.Score(time.Now()),
		LastRecv:        p.LastRecv(),
		LastSend:        p.LastSend(),
	}
}

// ListPeers snapshots every connection.
func (m *Manager) ListPeers() []PeerInfo {
	peers := m.snapshotPeers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, m.peerInfo(p))
	}
	return out
}

func (m *Manager) ListBannedPeers() []string {
	return m.pool.BannedAddresses(time.Now())
}

func (m *Manager) PeerInfo(addr string) (PeerInfo, bool) {
	m.peersMu.RLock()
	p, ok := m.peers[addr]
	m.peersMu.RUnlock()
	if !ok {
		return PeerInfo{}, false
	}
	return m.peerInfo(p), true
}

// AddPeer records an address and dials it immediately.
func (m *Manager) AddPeer(addr string) error {
	na, err := ParseNetAddress(addr, 0)
	if err != nil {
		return err
	}
	m.pool.Insert(na, uint64(time.Now().Unix()))
	go m.dial(na.String())
	return nil
}

// RemovePeer disconnects and forgets an address.
func (m *Manager) RemovePeer(addr string) error {
	if err := m.DisconnectPeer(addr); err != nil {
		log.Debugf("remove peer %s: %v", addr, err)
	}
	m.pool.Remove(addr)
	return nil
}

func (m *Manager) DisconnectPeer(addr string) error {
	m.peersMu.RLock()
	p, ok := m.peers[addr]
	m.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: peer %s not connected", addr)
	}
	m.unregisterPeer(p)
	return nil
}

// BanPeer bans the address for BanDuration and disconnects it.
func (m *Manager) BanPeer(addr string) error {
	m.pool.Ban(addr, time.Now())
	if err := m.DisconnectPeer(addr); err != nil {
		log.Debugf("ban peer %s: %v", addr, err)
	}
	return nil
}

func (m *Manager) UnbanPeer(addr string) error {
	m.pool.Unban(addr)
	return nil
}

// Pool exposes the address pool (tests, seeding).
func (m *Manager) Pool() *AddrPool {
	return m.pool
}
