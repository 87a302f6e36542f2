package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"duskex/internal/config"
)

const sampleYAML = `
account: "0xabc"
port: 7000
price_assets:
  - WAVES
predefined_pairs:
  - "aabb/WAVES"
blacklisted_assets:
  - "ccdd"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndParsesLists(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, int64(300000), cfg.MinOrderFee)

	pairs, err := cfg.ResolvedPredefinedPairs()
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	priceAssets, err := cfg.ResolvedPriceAssets()
	require.NoError(t, err)
	require.Len(t, priceAssets, 1)
	require.True(t, priceAssets[0].IsNative())

	blacklisted, err := cfg.ResolvedBlacklistedAssets()
	require.NoError(t, err)
	require.Len(t, blacklisted, 1)
}

func TestValidate_RequiresAccount(t *testing.T) {
	path := writeConfig(t, "port: 7000\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestParsePair_RejectsMalformed(t *testing.T) {
	_, err := config.ParsePair("onlyoneside")
	require.Error(t, err)
}
