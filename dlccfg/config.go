package dlccfg

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	// DefaultDataDir is the default data directory name.
	DefaultDataDir = ".dlcd"

	// DefaultDBName is the contract database file name.
	DefaultDBName = "dlcd.db"
)

// Config holds the daemon's configuration, populated from defaults and then
// overridden by command line flags. No config file is read.
type Config struct {
	// DataDir is the directory holding the database and logs.
	DataDir string `long:"datadir" description:"The directory to store dlcd's data within"`

	// Network is the bitcoin network to operate on.
	Network string `long:"network" description:"The network to run on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`

	// OracleURL is the base URL of the oracle REST endpoint.
	OracleURL string `long:"oracleurl" description:"Base URL of the oracle REST interface"`

	// FundingConfirmations is the funding depth before a contract is
	// considered confirmed.
	FundingConfirmations int32 `long:"fundingconfirmations" description:"Number of confirmations before a funding transaction is considered final"`

	// CetReorgDepth is the CET depth before a contract is considered
	// closed.
	CetReorgDepth int32 `long:"cetreorgdepth" description:"Number of confirmations before an execution transaction is considered final"`

	// RefundSafetyBlocks is the cushion before the refund locktime at
	// which unconfirmed funding is flagged.
	RefundSafetyBlocks uint32 `long:"refundsafetyblocks" description:"Blocks of cushion before the refund locktime"`

	// RoundingInterval is the default payout rounding interval in sats.
	RoundingInterval uint64 `long:"roundinginterval" description:"Default payout rounding interval in satoshis"`

	// FragmentSizeBytes is the transport fragment size for oversized
	// messages.
	FragmentSizeBytes int `long:"fragmentsize" description:"Maximum wire message fragment size in bytes"`

	// ReassemblyTimeout bounds how long partial fragmented messages are
	// buffered.
	ReassemblyTimeout time.Duration `long:"reassemblytimeout" description:"Timeout after which partially reassembled messages are dropped"`

	// CheckInterval is the periodic check interval.
	CheckInterval time.Duration `long:"checkinterval" description:"Interval of the periodic chain and oracle check"`

	// DebugLevel is the logging verbosity applied to all subsystems,
	// e.g. debug.
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`
}

// DefaultConfig returns the documented default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:              defaultDataDir(),
		Network:              "testnet",
		FundingConfirmations: 6,
		CetReorgDepth:        6,
		RefundSafetyBlocks:   144,
		RoundingInterval:     1,
		FragmentSizeBytes:    65000,
		ReassemblyTimeout:    5 * time.Minute,
		CheckInterval:        30 * time.Second,
		DebugLevel:           "info",
	}
}

// defaultDataDir returns the platform default data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}

	return filepath.Join(home, DefaultDataDir)
}

// LoadConfig parses the command line into the default configuration and
// validates the result.
func LoadConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate sanity checks the configuration values.
func (c *Config) Validate() error {
	if c.FundingConfirmations <= 0 {
		return fmt.Errorf("fundingconfirmations must be positive")
	}
	if c.CetReorgDepth <= 0 {
		return fmt.Errorf("cetreorgdepth must be positive")
	}
	if c.RoundingInterval == 0 {
		return fmt.Errorf("roundinginterval must be positive")
	}
	if c.FragmentSizeBytes <= 0 || c.FragmentSizeBytes > 65000 {
		return fmt.Errorf("fragmentsize must be in (0, 65000]")
	}
	if c.ReassemblyTimeout <= 0 {
		return fmt.Errorf("reassemblytimeout must be positive")
	}

	return nil
}

// DBPath returns the path of the contract database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.Network, DefaultDBName)
}

// EnsureDirs creates the data directories if missing.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(filepath.Join(c.DataDir, c.Network), 0700)
}
