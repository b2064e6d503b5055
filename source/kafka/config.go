package kafka

import "time"

type CommitMode string

const (
	CommitAuto CommitMode = "auto" // mark when the submission is queued
	CommitE2E  CommitMode = "e2e"  // mark when its execution finished
)

type BackPressureCfg struct {
	Capacity int64 `koanf:"capacity"` // max unresolved submissions
}

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"` // flush cadence
}

type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	CommitMode   CommitMode      `koanf:"commit_mode"` // auto|e2e
	BackPressure BackPressureCfg `koanf:"backpressure"`
	Checkpoint   CheckpointCfg   `koanf:"checkpoint"`
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(c *Config) {
	if c.GroupID == "" {
		c.GroupID = "dsforge-engine"
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{"dsforge.submissions"}
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.BackPressure.Capacity <= 0 {
		c.BackPressure.Capacity = 64
	}
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.CommitMode != CommitAuto && c.CommitMode != CommitE2E {
		c.CommitMode = CommitAuto
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
}
