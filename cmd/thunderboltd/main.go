package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"thunderbolt.dev/node/node"
	"thunderbolt.dev/node/node/netsync"
	"thunderbolt.dev/node/node/p2p"
	"thunderbolt.dev/node/node/store"
)

func main() {
	if err := run(); err != nil {
		tbltLog.Criticalf("%v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	cfg, params, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogRotator(cfg.DataDir); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}
	tbltLog.Infof("thunderboltd starting on %s", params.Name)

	st, err := store.Open(cfg.DataDir, store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	mempool := node.NewMempool(st, cfg.MinRelayTxFee)
	syncMgr := netsync.New(params, mempool, st)

	chain, err := node.NewChain(params, st, mempool, []node.ChainListener{syncMgr})
	if err != nil {
		return err
	}
	syncMgr.SetChain(chain)
	chain.Start()
	defer chain.Stop()

	peerMgr, err := p2p.NewManager(p2p.ManagerConfig{
		Params:         params,
		DataDir:        cfg.DataDir,
		ListenAddr:     cfg.Listen,
		UserAgent:      "/thunderboltd:0.1.0/",
		TargetOutbound: cfg.TargetOutbound,
		MaxPeers:       cfg.MaxPeers,
		Seeds:          cfg.AddPeers,
		Handler:        syncMgr,
	})
	if err != nil {
		return err
	}
	syncMgr.SetPeerManager(peerMgr)
	if err := peerMgr.Start(); err != nil {
		return err
	}
	defer peerMgr.Stop()

	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() {
		shutdownOnce.Do(func() { close(shutdown) })
	}
	// The API is consumed by the external JSON-RPC transport; it is
	// constructed here so every dependency is explicit.
	api := node.NewAPI(params, chain, mempool, st, peerMgr, nil, requestShutdown, cfg.miningKeyBytes())
	tbltLog.Infof("node ready: height %d, state %s", api.GetBlockCount(), api.GetInfo().State)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
		tbltLog.Infof("received shutdown signal")
	case <-shutdown:
		tbltLog.Infof("shutdown requested via RPC")
	}
	tbltLog.Infof("thunderboltd shutting down")
	return nil
}
