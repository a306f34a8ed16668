package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Config{
		NodeID:            "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		IsBootstrap:       true,
		ListenAddr4:       "0.0.0.0:7000",
		ListenAddr6:       "[::]:7000",
		StorageLimitBytes: 1024,
		BootstrapPeers:    []string{"1.2.3.4:6881", "5.6.7.8:6881"},
		MySQLDSN:          "user:pass@tcp(127.0.0.1:3306)/dht",
		LogLevel:          "debug",
		MetricsAddr:       "127.0.0.1:9090",
		PersistInterval:   time.Minute,
	}

	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, Save(cfg, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, Save(Config{NodeID: "x"}, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().StorageLimitBytes, got.StorageLimitBytes)
	assert.Equal(t, Default().LogLevel, got.LogLevel)
	assert.Equal(t, Default().PersistInterval, got.PersistInterval)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
