package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const maxBps = 10_000

// Config carries the operator-tunable knobs of the matching overlay.
type Config struct {
	// DataDir holds the checkpoint database. Empty means in-memory only.
	DataDir string `toml:"DataDir"`
	// MatchIterations bounds the matching walk of every operation.
	MatchIterations uint64 `toml:"MatchIterations"`
	// QueueBound caps the sorted prefix of every ranking.
	QueueBound int `toml:"QueueBound"`
	// DefaultReserveFactorBps seeds newly created markets.
	DefaultReserveFactorBps uint64 `toml:"DefaultReserveFactorBps"`
	// DefaultP2PIndexCursorBps seeds newly created markets.
	DefaultP2PIndexCursorBps uint64 `toml:"DefaultP2PIndexCursorBps"`
	LogLevel                 string `toml:"LogLevel"`
	Environment              string `toml:"Environment"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		MatchIterations:          64,
		QueueBound:               32,
		DefaultP2PIndexCursorBps: 5_000,
		LogLevel:                 "info",
		Environment:              "dev",
	}
}

// Load reads a TOML configuration file, filling unset fields with defaults.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown field %q in %s", undecoded[0].String(), path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MatchIterations == 0 {
		c.MatchIterations = 64
	}
	if c.QueueBound == 0 {
		c.QueueBound = 32
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
}

// Validate rejects out-of-range knobs.
func (c *Config) Validate() error {
	if c.QueueBound < 0 {
		return fmt.Errorf("config: QueueBound < 0")
	}
	if c.DefaultReserveFactorBps > maxBps {
		return fmt.Errorf("config: DefaultReserveFactorBps > %d", maxBps)
	}
	if c.DefaultP2PIndexCursorBps > maxBps {
		return fmt.Errorf("config: DefaultP2PIndexCursorBps > %d", maxBps)
	}
	return nil
}
