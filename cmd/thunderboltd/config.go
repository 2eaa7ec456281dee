package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"thunderbolt.dev/node/consensus"
)

const (
	defaultLogLevel       = "info"
	defaultMaxPeers       = 64
	defaultTargetOutbound = 8
	defaultLogFilename    = "thunderboltd.log"
)

type config struct {
	DataDir        string   `short:"b" long:"datadir" description:"Directory to store chain data"`
	Network        string   `long:"network" description:"Network to join (mainnet, testnet, regtest)"`
	Listen         string   `long:"listen" description:"Interface:port to listen on for inbound peers"`
	NoListen       bool     `long:"nolisten" description:"Disable inbound connections"`
	AddPeers       []string `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	MaxPeers       int      `long:"maxpeers" description:"Maximum number of peers"`
	TargetOutbound int      `long:"targetoutbound" description:"Target number of outbound peers"`
	MinRelayTxFee  uint64   `long:"minrelaytxfee" description:"Minimum fee in atomic units for relayed transactions"`
	MiningKey      string   `long:"miningkey" description:"Hex-encoded public key block templates pay to"`
	DebugLevel     string   `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".thunderbolt"
	}
	return filepath.Join(home, ".thunderbolt")
}

func defaultConfig() config {
	return config{
		DataDir:        defaultDataDir(),
		Network:        "mainnet",
		MaxPeers:       defaultMaxPeers,
		TargetOutbound: defaultTargetOutbound,
		DebugLevel:     defaultLogLevel,
	}
}

// loadConfig parses command line options over the defaults and resolves
// the network parameters.
func loadConfig() (*config, *consensus.Params, error) {
	cfg := defaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, nil, err
	}

	params, ok := consensus.ParamsForNetwork(cfg.Network)
	if !ok {
		return nil, nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":" + params.DefaultPort
	}
	if cfg.NoListen {
		cfg.Listen = ""
	}
	// Per-network subdirectory keeps chains separate.
	cfg.DataDir = filepath.Join(cfg.DataDir, params.Name)

	if cfg.MiningKey != "" {
		key, err := hex.DecodeString(cfg.MiningKey)
		if err != nil || (len(key) != 33 && len(key) != 65) {
			return nil, nil, fmt.Errorf("--miningkey must be a hex-encoded serialized public key")
		}
	}
	return &cfg, params, nil
}

func (c *config) miningKeyBytes() []byte {
	if c.MiningKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.MiningKey)
	return key
}
