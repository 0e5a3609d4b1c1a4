package dlcd

import (
	"github.com/btcsuite/btclog"
	"github.com/dlcsuite/dlcd/chainwatch"
	"github.com/dlcsuite/dlcd/dlcdb"
	"github.com/dlcsuite/dlcd/dlcmgr"
	"github.com/dlcsuite/dlcd/oracle"
)

// Subsystem defines the logging code for the root server.
const Subsystem = "DLCD"

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log = btclog.Disabled

// DisableLog disables all library log output. Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SetupLoggers creates a logger per subsystem from the given backend and
// wires it into each package, all set to the same level.
func SetupLoggers(backend *btclog.Backend, level btclog.Level) {
	setup := func(subsystem string, use func(btclog.Logger)) {
		logger := backend.Logger(subsystem)
		logger.SetLevel(level)
		use(logger)
	}

	setup(Subsystem, UseLogger)
	setup(dlcmgr.Subsystem, dlcmgr.UseLogger)
	setup(chainwatch.Subsystem, chainwatch.UseLogger)
	setup(dlcdb.Subsystem, dlcdb.UseLogger)
	setup(oracle.Subsystem, oracle.UseLogger)
}
