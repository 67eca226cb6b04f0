package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LogLevel   string   `toml:"log-level"`
	InMemory   bool     `toml:"in-memory"`  // No history store; rollback removes keys instead of restoring them.
	Diagnostic bool     `toml:"diagnostic"` // Consistency assertions panic instead of being tolerated.
	Engine     Engine   `toml:"engine"`     // Engine options.
	Rollback   Rollback `toml:"rollback"`   // Rollback-to-stable options.
}

type Engine struct {
	DBPath         string `toml:"db-path"`         // Directory to store the data in. Should exist and be writable.
	ValueThreshold int    `toml:"value-threshold"` // If value size >= this threshold, only store value offsets in tree.
	SyncWrite      bool   `toml:"sync-write"`
}

type Rollback struct {
	QuiescePoll    time.Duration `toml:"quiesce-poll"`    // Interval between eviction quiesce checks.
	QuiesceCeiling time.Duration `toml:"quiesce-ceiling"` // Give up waiting for eviction after this long and proceed.
	ProgressPeriod time.Duration `toml:"progress-period"` // Wall-clock period between progress log lines.
	NoCheckpoint   bool          `toml:"no-checkpoint"`   // Skip the forced checkpoint after rollback.
}

var DefaultConf = Config{
	LogLevel: "info",
	Engine: Engine{
		DBPath:         "/tmp/larch",
		ValueThreshold: 256,
		SyncWrite:      true,
	},
	Rollback: Rollback{
		QuiescePoll:    time.Millisecond,
		QuiesceCeiling: 2 * time.Minute,
		ProgressPeriod: 20 * time.Second,
	},
}

func NewDefaultConfig() *Config {
	conf := DefaultConf
	return &conf
}

// LoadFromFile overlays the toml file at path on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, err
	}
	return conf, nil
}
