package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"

	"thunderbolt.dev/node/consensus"
)

// HandshakeState tracks the version/verack exchange. Either side may send
// version first; verack is only sent after the peer's version arrives, and
// Active requires both veracks.
type HandshakeState int

const (
	HandshakeInit HandshakeState = iota
	HandshakeSentVersion
	HandshakeReceivedVersion
	HandshakeSentVerack
	HandshakeActive
)

const (
	// maxKnownInventory bounds each per-peer rolling known set.
	maxKnownInventory = 20_000
	maxKnownAddresses = 5_000

	// peerQueueDepth bounds the in/out message queues; a peer that cannot
	// drain its queue is disconnected rather than allowed to stall the
	// control loop. Sized to absorb one full getblocks window of block
	// messages.
	peerQueueDepth = 2048
)

// Peer is the per-connection session state.
type Peer struct {
	conn      net.Conn
	inbound   bool
	addr      string
	magic     uint32
	createdAt time.Time

	inQueue  chan *Message
	outQueue chan *Message
	sendMu   sync.Mutex

	stateMu         sync.Mutex
	state           HandshakeState
	versionSent     bool
	versionReceived bool
	verackSent      bool
	verackReceived  bool

	protocolVersion uint32
	services        uint64
	userAgent       string
	relay           bool
	versionNonce    uint64

	lastRecvMu sync.Mutex
	lastRecv   time.Time
	lastSend   time.Time

	Ban BanScore

	pongMu       sync.Mutex
	pendingPongs map[uint64]time.Time

	knownBlocks lru.Cache
	knownTxs    lru.Cache
	knownAddrs  lru.Cache

	relayMu   sync.Mutex
	addrQueue []TimestampedAddress
	txQueue   []consensus.Hash

	syncMu          sync.Mutex
	bestKnownBlock  consensus.Hash
	bestKnownHeight uint64
	lastCommonBlock consensus.Hash
	isSyncPeer      bool

	quit     chan struct{}
	quitOnce sync.Once
}

func newPeer(conn net.Conn, inbound bool, magic uint32) *Peer {
	return &Peer{
		conn:         conn,
		inbound:      inbound,
		addr:         conn.RemoteAddr().String(),
		magic:        magic,
		createdAt:    time.Now(),
		inQueue:      make(chan *Message, peerQueueDepth),
		outQueue:     make(chan *Message, peerQueueDepth),
		pendingPongs: make(map[uint64]time.Time),
		knownBlocks:  lru.NewCache(maxKnownInventory),
		knownTxs:     lru.NewCache(maxKnownInventory),
		knownAddrs:   lru.NewCache(maxKnownAddresses),
		quit:         make(chan struct{}),
	}
}

func (p *Peer) Addr() string  { return p.addr }
func (p *Peer) Inbound() bool { return p.inbound }

// readLoop pulls framed messages off the socket and queues them for the
// control thread. Runs until the socket dies or the peer is disconnected.
func (p *Peer) readLoop() {
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		msg, rerr := ReadMessage(p.conn, p.magic)
		if rerr != nil {
			now := time.Now()
			if rerr.BanScoreDelta > 0 {
				score := p.Ban.Add(now, rerr.BanScoreDelta)
				log.Debugf("peer %s misbehaving (%v), ban score %d", p.addr, rerr.Err, score)
			}
			if rerr.Disconnect || p.Ban.ShouldBan(now) {
				p.Disconnect()
				return
			}
			if p.Ban.ShouldThrottle(now) {
				time.Sleep(ThrottleDelay)
			}
			continue
		}
		p.touchRecv()
		if p.Ban.ShouldThrottle(time.Now()) {
			time.Sleep(ThrottleDelay)
		}
		select {
		case p.inQueue <- msg:
		case <-p.quit:
			return
		default:
			// Input queue full: the control loop has fallen behind on this
			// peer; drop the connection rather than buffer unboundedly.
			log.Warnf("peer %s input queue overflow, disconnecting", p.addr)
			p.Disconnect()
			return
		}
	}
}

// QueueMessage stages an outbound message; the control loop flushes it. A
// peer with a full output queue is dropped.
func (p *Peer) QueueMessage(command string, payload []byte) {
	select {
	case p.outQueue <- &Message{Magic: p.magic, Command: command, Payload: payload}:
	case <-p.quit:
	default:
		log.Warnf("peer %s output queue overflow, disconnecting", p.addr)
		p.Disconnect()
	}
}

// flushSend writes at most one queued message. Sends hold the per-peer
// send lock for the duration of the write.
func (p *Peer) flushSend() {
	select {
	case msg := <-p.outQueue:
		p.sendMu.Lock()
		err := WriteMessage(p.conn, p.magic, msg.Command, msg.Payload)
		p.sendMu.Unlock()
		if err != nil {
			log.Debugf("peer %s write failed: %v", p.addr, err)
			p.Disconnect()
			return
		}
		p.touchSend()
	default:
	}
}

func (p *Peer) Disconnect() {
	p.quitOnce.Do(func() {
		close(p.quit)
		_ = p.conn.Close()
	})
}

func (p *Peer) Disconnected() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *Peer) touchRecv() {
	p.lastRecvMu.Lock()
	p.lastRecv = time.Now()
	p.lastRecvMu.Unlock()
}

func (p *Peer) touchSend() {
	p.lastRecvMu.Lock()
	p.lastSend = time.Now()
	p.lastRecvMu.Unlock()
}

func (p *Peer) LastRecv() time.Time {
	p.lastRecvMu.Lock()
	defer p.lastRecvMu.Unlock()
	return p.lastRecv
}

func (p *Peer) LastSend() time.Time {
	p.lastRecvMu.Lock()
	defer p.lastRecvMu.Unlock()
	return p.lastSend
}

// State returns the handshake state.
func (p *Peer) State() HandshakeState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Peer) Active() bool {
	return p.State() == HandshakeActive
}

// markVersionSent advances Init -> SentVersion.
func (p *Peer) markVersionSent() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.versionSent = true
	if p.state == HandshakeInit {
		p.state = HandshakeSentVersion
	}
}

// acceptVersion records the peer's version payload and advances the FSM.
// A duplicate version is a protocol violation.
func (p *Peer) acceptVersion(v *VersionPayload) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.versionReceived {
		return fmt.Errorf("p2p: duplicate version from %s", p.addr)
	}
	p.versionReceived = true
	p.protocolVersion = v.ProtocolVersion
	p.services = v.Services
	p.userAgent = v.UserAgent
	p.relay = v.Relay
	p.versionNonce = v.Nonce
	p.state = HandshakeReceivedVersion

	p.syncMu.Lock()
	p.bestKnownHeight = v.BestHeight
	p.syncMu.Unlock()
	return nil
}

// markVerackSent advances ReceivedVersion -> SentVerack (or Active when the
// peer's verack already arrived).
func (p *Peer) markVerackSent() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.verackSent = true
	p.state = HandshakeSentVerack
	if p.verackReceived && p.versionReceived {
		p.state = HandshakeActive
	}
}

// acceptVerack completes the handshake when both sides have exchanged
// version and verack.
func (p *Peer) acceptVerack() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.verackReceived {
		return fmt.Errorf("p2p: duplicate verack from %s", p.addr)
	}
	p.verackReceived = true
	if p.verackSent && p.versionReceived {
		p.state = HandshakeActive
	}
	return nil
}

func (p *Peer) ProtocolVersion() uint32 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.protocolVersion
}

func (p *Peer) UserAgent() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.userAgent
}

// registerPing records an outstanding ping nonce.
func (p *Peer) registerPing(nonce uint64) {
	p.pongMu.Lock()
	p.pendingPongs[nonce] = time.Now()
	p.pongMu.Unlock()
}

// acceptPong matches a pong to a pending ping; an unmatched nonce is a
// protocol violation.
func (p *Peer) acceptPong(nonce uint64) bool {
	p.pongMu.Lock()
	defer p.pongMu.Unlock()
	if _, ok := p.pendingPongs[nonce]; !ok {
		return false
	}
	delete(p.pendingPongs, nonce)
	return true
}

// hasStalePing reports whether any ping has gone unanswered past timeout.
func (p *Peer) hasStalePing(now time.Time, timeout time.Duration) bool {
	p.pongMu.Lock()
	defer p.pongMu.Unlock()
	for _, sent := range p.pendingPongs {
		if now.Sub(sent) > timeout {
			return true
		}
	}
	return false
}

func (p *Peer) AddKnownBlock(h consensus.Hash) { p.knownBlocks.Add(h) }
func (p *Peer) KnowsBlock(h consensus.Hash) bool {
	return p.knownBlocks.Contains(h)
}

func (p *Peer) AddKnownTx(h consensus.Hash) { p.knownTxs.Add(h) }
func (p *Peer) KnowsTx(h consensus.Hash) bool {
	return p.knownTxs.Contains(h)
}

func (p *Peer) AddKnownAddress(a NetAddress) { p.knownAddrs.Add(a) }
func (p *Peer) KnowsAddress(a NetAddress) bool {
	return p.knownAddrs.Contains(a)
}

// QueueAddresses stages addresses for the next addr flush, skipping ones
// the peer already knows.
func (p *Peer) QueueAddresses(addrs []TimestampedAddress) {
	p.relayMu.Lock()
	defer p.relayMu.Unlock()
	for _, a := range addrs {
		if p.KnowsAddress(a.Addr) {
			continue
		}
		p.AddKnownAddress(a.Addr)
		p.addrQueue = append(p.addrQueue, a)
	}
}

// QueueTxInv stages a transaction announcement, respecting the known set
// and the peer's relay preference.
func (p *Peer) QueueTxInv(txid consensus.Hash) {
	p.stateMu.Lock()
	relay := p.relay
	p.stateMu.Unlock()
	if !relay || p.KnowsTx(txid) {
		return
	}
	p.AddKnownTx(txid)
	p.relayMu.Lock()
	p.txQueue = append(p.txQueue, txid)
	p.relayMu.Unlock()
}

// drainRelayQueues converts the staged addresses and tx announcements into
// outbound messages.
func (p *Peer) drainRelayQueues() {
	p.relayMu.Lock()
	addrs := p.addrQueue
	txs := p.txQueue
	p.addrQueue = nil
	p.txQueue = nil
	p.relayMu.Unlock()

	for len(addrs) > 0 {
		n := len(addrs)
		if n > MaxAddrPerMessage {
			n = MaxAddrPerMessage
		}
		if payload, err := EncodeAddrPayload(addrs[:n]); err == nil {
			p.QueueMessage(CmdAddr, payload)
		}
		addrs = addrs[n:]
	}
	for len(txs) > 0 {
		n := len(txs)
		if n > MaxInvEntries {
			n = MaxInvEntries
		}
		vecs := make([]InvVector, 0, n)
		for _, txid := range txs[:n] {
			vecs = append(vecs, InvVector{Type: InvTypeTx, Hash: txid})
		}
		if payload, err := EncodeInvPayload(vecs); err == nil {
			p.QueueMessage(CmdInv, payload)
		}
		txs = txs[n:]
	}
}

// Sync bookkeeping.

func (p *Peer) SetBestKnownBlock(h consensus.Hash, height uint64) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.bestKnownBlock = h
	if height > p.bestKnownHeight {
		p.bestKnownHeight = height
	}
}

func (p *Peer) BestKnownHeight() uint64 {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return p.bestKnownHeight
}

func (p *Peer) SetLastCommonBlock(h consensus.Hash) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.lastCommonBlock = h
}

func (p *Peer) LastCommonBlock() consensus.Hash {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return p.lastCommonBlock
}

func (p *Peer) setSyncPeer(v bool) {
	p.syncMu.Lock()
	p.isSyncPeer = v
	p.syncMu.Unlock()
}

func (p *Peer) IsSyncPeer() bool {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return p.isSyncPeer
}
