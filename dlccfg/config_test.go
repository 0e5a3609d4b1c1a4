package dlccfg

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, int32(6), cfg.FundingConfirmations)
	require.Equal(t, int32(6), cfg.CetReorgDepth)
	require.Equal(t, uint32(144), cfg.RefundSafetyBlocks)
	require.Equal(t, uint64(1), cfg.RoundingInterval)
	require.Equal(t, 65000, cfg.FragmentSizeBytes)
	require.Equal(t, 5*time.Minute, cfg.ReassemblyTimeout)
}

func TestLoadConfigFlags(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig([]string{
		"--network=regtest",
		"--fundingconfirmations=3",
		"--fragmentsize=1000",
	})
	require.NoError(t, err)
	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, int32(3), cfg.FundingConfirmations)
	require.Equal(t, 1000, cfg.FragmentSizeBytes)

	require.Equal(
		t, filepath.Join(cfg.DataDir, "regtest", DefaultDBName),
		cfg.DBPath(),
	)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FragmentSizeBytes = 100_000
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CetReorgDepth = 0
	require.Error(t, cfg.Validate())
}
