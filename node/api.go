package node

import (
	"fmt"
	"math/big"
	"time"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node/p2p"
	"thunderbolt.dev/node/node/store"
)

func newFloat(x *big.Int) *big.Float {
	return new(big.Float).SetInt(x)
}

// NodeState is the coarse status surfaced to RPC.
type NodeState string

const (
	StateOffline NodeState = "Offline"
	StateSyncing NodeState = "Syncing"
	StateReady   NodeState = "Ready"
)

// PeerControl is the slice of the peer manager the RPC surface needs. The
// manager satisfies it; tests substitute fakes.
type PeerControl interface {
	AddPeer(addr string) error
	RemovePeer(addr string) error
	DisconnectPeer(addr string) error
	BanPeer(addr string) error
	UnbanPeer(addr string) error
	ListPeers() []p2p.PeerInfo
	ListBannedPeers() []string
	PeerInfo(addr string) (p2p.PeerInfo, bool)
	IsInitialBlockDownload() bool
	PeerCount() int
}

// Wallet is the delegated wallet surface; the key material and signing
// live outside the core.
type Wallet interface {
	Balance() (uint64, error)
	Send(toAddress string, amount uint64) (consensus.Hash, error)
	ExportKey(address string) (string, error)
}

// Info is the getInfo aggregate.
type Info struct {
	Network       string
	Height        uint64
	BestBlockHash consensus.Hash
	Difficulty    float64
	State         NodeState
	Peers         int
	UptimeSeconds uint64
}

// API is the narrow internal surface the JSON-RPC transport (external to
// the core) consumes. Every dependency arrives via the constructor.
type API struct {
	params    *consensus.Params
	chain     *Chain
	mempool   *Mempool
	store     *store.Store
	peers     PeerControl
	wallet    Wallet
	stop      func()
	miningKey []byte
}

func NewAPI(params *consensus.Params, chain *Chain, mempool *Mempool, st *store.Store, peers PeerControl, wallet Wallet, stop func(), miningKey []byte) *API {
	return &API{
		params:    params,
		chain:     chain,
		mempool:   mempool,
		store:     st,
		peers:     peers,
		wallet:    wallet,
		stop:      stop,
		miningKey: miningKey,
	}
}

func (a *API) state() NodeState {
	if a.peers == nil || a.peers.PeerCount() == 0 {
		return StateOffline
	}
	if a.peers.IsInitialBlockDownload() {
		return StateSyncing
	}
	return StateReady
}

func (a *API) GetInfo() Info {
	tip := a.chain.Tip()
	peers := 0
	if a.peers != nil {
		peers = a.peers.PeerCount()
	}
	return Info{
		Network:       a.params.Name,
		Height:        tip.Height,
		BestBlockHash: tip.Hash(),
		Difficulty:    a.GetDifficulty(),
		State:         a.state(),
		Peers:         peers,
		UptimeSeconds: Uptime(),
	}
}

// GetDifficulty reports the tip difficulty relative to the proof-of-work
// limit.
func (a *API) GetDifficulty() float64 {
	tip := a.chain.Tip()
	target := consensus.CompactToTarget(tip.Header.Bits)
	if target.Sign() <= 0 {
		return 0
	}
	num := newFloat(a.params.PowLimit)
	den := newFloat(target)
	out, _ := num.Quo(num, den).Float64()
	return out
}

func (a *API) IsInitialBlockDownload() bool {
	return a.peers != nil && a.peers.IsInitialBlockDownload()
}

func (a *API) GetUptime() uint64 {
	return Uptime()
}

// Stop requests a graceful shutdown.
func (a *API) Stop() {
	if a.stop != nil {
		a.stop()
	}
}

func (a *API) GetBlockCount() uint64 {
	return a.chain.Tip().Height
}

func (a *API) GetBestBlockHash() consensus.Hash {
	return a.chain.Tip().Hash()
}

func (a *API) GetBlock(hash consensus.Hash) (*consensus.Block, error) {
	return a.store.GetBlock(hash)
}

func (a *API) GetBlockHeader(hash consensus.Hash) (*consensus.BlockHeader, error) {
	meta, ok, err := a.store.GetBlockMeta(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("block %s not found", hash)
	}
	header := meta.Header
	return &header, nil
}

func (a *API) GetTransaction(txid consensus.Hash) (*consensus.Tx, error) {
	if tx, ok := a.mempool.Get(txid); ok {
		return tx, nil
	}
	meta, ok, err := a.store.GetTxMeta(txid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txid)
	}
	block, err := a.store.GetBlock(meta.BlockHash)
	if err != nil {
		return nil, err
	}
	if int(meta.PositionInBlock) >= len(block.Txs) {
		return nil, fmt.Errorf("transaction metadata for %s is corrupt", txid)
	}
	return block.Txs[meta.PositionInBlock], nil
}

func (a *API) GetTransactionMetadata(txid consensus.Hash) (*store.TxMetadata, error) {
	meta, ok, err := a.store.GetTxMeta(txid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txid)
	}
	return meta, nil
}

func (a *API) GetUnspentOutput(txid consensus.Hash, index uint32) (*consensus.UtxoEntry, error) {
	entry, ok, err := a.store.GetUtxo(consensus.OutPoint{TxID: txid, Index: index})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("output %s:%d is not unspent", txid, index)
	}
	return &entry, nil
}

func (a *API) GetTransactionPoolCount() int {
	return a.mempool.Count()
}

func (a *API) GetTransactionPoolSize() int {
	return a.mempool.SizeBytes()
}

func (a *API) GetMemPoolLastUpdateTime() time.Time {
	return a.mempool.LastUpdated()
}

// GetWork builds a mining template paying the configured key.
func (a *API) GetWork() (*WorkTemplate, error) {
	if len(a.miningKey) == 0 {
		return nil, fmt.Errorf("no mining key configured")
	}
	return a.chain.BuildTemplate(a.miningKey)
}

// SubmitBlock hands a mined block to the engine. It succeeds iff the block
// connected or was stored on a side chain.
func (a *API) SubmitBlock(block *consensus.Block) error {
	res := a.chain.ProcessBlock(block)
	switch res.Outcome {
	case OutcomeAccepted, OutcomeSideChain:
		return nil
	case OutcomeAlreadyKnown:
		return fmt.Errorf("submitted block %s is already known", res.Hash)
	case OutcomeOrphan:
		return fmt.Errorf("submitted block %s is an orphan", res.Hash)
	default:
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("submitted block %s rejected", res.Hash)
	}
}

func (a *API) AddPeer(addr string) error        { return a.peerOp(func(p PeerControl) error { return p.AddPeer(addr) }) }
func (a *API) RemovePeer(addr string) error     { return a.peerOp(func(p PeerControl) error { return p.RemovePeer(addr) }) }
func (a *API) DisconnectPeer(addr string) error { return a.peerOp(func(p PeerControl) error { return p.DisconnectPeer(addr) }) }
func (a *API) BanPeer(addr string) error        { return a.peerOp(func(p PeerControl) error { return p.BanPeer(addr) }) }
func (a *API) UnbanPeer(addr string) error      { return a.peerOp(func(p PeerControl) error { return p.UnbanPeer(addr) }) }

func (a *API) peerOp(fn func(PeerControl) error) error {
	if a.peers == nil {
		return fmt.Errorf("peer manager unavailable")
	}
	return fn(a.peers)
}

func (a *API) ListPeers() []p2p.PeerInfo {
	if a.peers == nil {
		return nil
	}
	return a.peers.ListPeers()
}

func (a *API) ListBannedPeers() []string {
	if a.peers == nil {
		return nil
	}
	return a.peers.ListBannedPeers()
}

func (a *API) GetPeerInfo(addr string) (p2p.PeerInfo, bool) {
	if a.peers == nil {
		return p2p.PeerInfo{}, false
	}
	return a.peers.PeerInfo(addr)
}

// Wallet pass-throughs; the wallet itself is outside the core.

func (a *API) WalletBalance() (uint64, error) {
	if a.wallet == nil {
		return 0, fmt.Errorf("wallet unavailable")
	}
	return a.wallet.Balance()
}

func (a *API) WalletSend(toAddress string, amount uint64) (consensus.Hash, error) {
	if a.wallet == nil {
		return consensus.ZeroHash, fmt.Errorf("wallet unavailable")
	}
	return a.wallet.Send(toAddress, amount)
}

func (a *API) WalletExportKey(address string) (string, error) {
	if a.wallet == nil {
		return "", fmt.Errorf("wallet unavailable")
	}
	return a.wallet.ExportKey(address)
}
