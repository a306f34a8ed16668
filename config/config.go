// Package config loads a node's TOML configuration file, in the style
// of tendermint's testnet manifest (test/e2e/pkg/manifest.go): a single
// struct decoded with github.com/BurntSushi/toml, with a Save/Load pair
// and defaults applied where a field is left zero.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is a node's on-disk configuration.
type Config struct {
	// NodeID is a 40-character hex InfoHash. Left empty, a node
	// generates a random one at each start; it is not saved.
	NodeID string `toml:"node_id"`

	// IsBootstrap marks this node as a well-known bootstrap peer
	// (passed to dht.Config.IsBootstrap): it answers queries and
	// serves its local storage but starts no searches for put, get or
	// listen.
	IsBootstrap bool `toml:"is_bootstrap"`

	// ListenAddr4 and ListenAddr6 are "host:port" UDP listen
	// addresses for the IPv4 and IPv6 engines respectively. Leave
	// either empty to disable that family.
	ListenAddr4 string `toml:"listen_addr4"`
	ListenAddr6 string `toml:"listen_addr6"`

	// StorageLimitBytes bounds the total size of locally admitted
	// values. Zero means DefaultStorageLimit.
	StorageLimitBytes int64 `toml:"storage_limit_bytes"`

	// BootstrapPeers are "host:port" addresses dialed at startup to
	// seed the routing table.
	BootstrapPeers []string `toml:"bootstrap_peers"`

	// MySQLDSN, if non-empty, enables persistence of the routing
	// table and value storage across restarts.
	MySQLDSN string `toml:"mysql_dsn"`

	// LogLevel is one of logrus's level names ("debug", "info",
	// "warn", "error").
	LogLevel string `toml:"log_level"`

	// MetricsAddr, if non-empty, serves Prometheus metrics over HTTP
	// at "/metrics" on this "host:port" address.
	MetricsAddr string `toml:"metrics_addr"`

	// PersistInterval controls how often the node flushes its
	// routing table and storage to MySQLDSN, when set.
	PersistInterval time.Duration `toml:"persist_interval"`
}

// Default returns a Config with the same fallbacks Load applies to a
// zero-valued field.
func Default() Config {
	return Config{
		ListenAddr4:       "0.0.0.0:6881",
		StorageLimitBytes: 64 * 1024 * 1024,
		LogLevel:          "info",
		PersistInterval:   5 * time.Minute,
	}
}

// Load reads and decodes the TOML file at path, applying Default's
// fallbacks to any field left zero.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %q: %w", path, err)
	}
	if cfg.StorageLimitBytes == 0 {
		cfg.StorageLimitBytes = Default().StorageLimitBytes
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = Default().LogLevel
	}
	if cfg.PersistInterval == 0 {
		cfg.PersistInterval = Default().PersistInterval
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating or truncating the file.
func Save(cfg Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config %q: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
