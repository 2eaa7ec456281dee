package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"thunderbolt.dev/node/node"
	"thunderbolt.dev/node/node/netsync"
	"thunderbolt.dev/node/node/p2p"
	"thunderbolt.dev/node/node/store"
)

// logWriter duplicates log output to stdout and the rotating file.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})
	logRotator *rotator.Rotator

	tbltLog = backendLog.Logger("TBLT")
	chanLog = backendLog.Logger("CHAN")
	storLog = backendLog.Logger("STOR")
	peerLog = backendLog.Logger("PEER")
	syncLog = backendLog.Logger("SYNC")
)

func init() {
	node.UseLogger(chanLog)
	store.UseLogger(storLog)
	p2p.UseLogger(peerLog)
	netsync.UseLogger(syncLog)
}

// initLogRotator starts file logging under dataDir/logs.
func initLogRotator(dataDir string) error {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(filepath.Join(logDir, defaultLogFilename), 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevels applies one level to every subsystem.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid log level %q", levelStr)
	}
	for _, l := range []btclog.Logger{tbltLog, chanLog, storLog, peerLog, syncLog} {
		l.SetLevel(level)
	}
	return nil
}
