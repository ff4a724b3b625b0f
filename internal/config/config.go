package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ProtocolVersion string `yaml:"protocol_version"`
	StageID         string `yaml:"stage_id"`

	// Reconciliation.
	ForceUpdates bool `yaml:"force_updates"`
	MaxObjects   int  `yaml:"max_objects"`
	InboxSize    int  `yaml:"inbox_size"`

	// Persistence.
	SnapshotEveryPasses int `yaml:"snapshot_every_passes"`

	// Transport.
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
}

func Default() Config {
	return Config{
		ProtocolVersion:     "1.0",
		StageID:             "stage_1",
		MaxObjects:          4096,
		InboxSize:           256,
		SnapshotEveryPasses: 50,
		ReadTimeoutSec:      60,
		WriteTimeoutSec:     5,
	}
}

func Load(path string) (Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config.yaml: %w", err)
	}
	if c.MaxObjects <= 0 {
		return c, fmt.Errorf("config.yaml: max_objects must be positive")
	}
	if c.InboxSize <= 0 {
		return c, fmt.Errorf("config.yaml: inbox_size must be positive")
	}
	return c, nil
}
