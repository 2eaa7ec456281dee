package store

import "github.com/btcsuite/btclog"

// log is the package-level logger. It defaults to disabled until the caller
// wires a backend via UseLogger.
var log = btclog.Disabled

// UseLogger sets the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
