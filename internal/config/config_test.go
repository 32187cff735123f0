package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/powcurve"
)

func TestDefault_HasSaneValues(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.ListenAddr)
	require.NotEmpty(t, cfg.SeedPath)
	require.Greater(t, cfg.ChallengeTTL.Duration, time.Duration(0))
	require.Less(t, cfg.L1.MinDifficulty, powcurve.MaxDifficulty)
	require.Less(t, cfg.L2.MinDifficulty, powcurve.MaxDifficulty)
	require.Less(t, cfg.L1.LowBalance, cfg.L1.HighBalance)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestLoad_OverridesOnlySpecifiedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faucet.toml")
	const body = `
listen_addr = "0.0.0.0:9000"

[l1]
claim_amount_sats = 5000000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.Equal(t, uint64(5_000_000), cfg.L1.ClaimAmount)
	// untouched keys still carry their Default() value
	require.Equal(t, Default().L1.Network, cfg.L1.Network)
	require.Equal(t, Default().L2.ClaimAmount, cfg.L2.ClaimAmount)
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	require.Equal(t, 90*time.Second, d.Duration)

	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
