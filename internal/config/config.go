// Package config loads the daemon configuration from defaults, a TOML file
// and NETTINGD_-prefixed environment variables, in that priority order.
package config

import (
	"time"

	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// Config is the complete nettingd configuration.
type Config struct {
	Server     ServerConfig       `toml:"server" mapstructure:"server"`
	Grpc       GrpcConfig         `toml:"grpc" mapstructure:"grpc"`
	Storage    StorageConfig      `toml:"storage" mapstructure:"storage"`
	Relational relationaldb.Config `toml:"relational" mapstructure:"relational"`
	Ledger     LedgerConfig       `toml:"ledger" mapstructure:"ledger"`
	DA         DAConfig           `toml:"da" mapstructure:"da"`
	Batch      BatchConfig        `toml:"batch" mapstructure:"batch"`
	Resilience ResilienceConfig   `toml:"resilience" mapstructure:"resilience"`
	Signature  SignatureConfig    `toml:"signature" mapstructure:"signature"`
	Indexer    IndexerConfig      `toml:"indexer" mapstructure:"indexer"`

	// ProductionStrict hardens startup: configurations that are only
	// acceptable in development (disabled signature checks, fake ledger)
	// become fatal errors.
	ProductionStrict bool `toml:"production_strict" mapstructure:"production_strict"`

	configPath string `toml:"-" mapstructure:"-"`
}

// ServerConfig is the public HTTP API listener.
type ServerConfig struct {
	Address        string        `toml:"address" mapstructure:"address"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

// GrpcConfig is the ops introspection listener.
type GrpcConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Address string `toml:"address" mapstructure:"address"`
}

// StorageConfig locates the key-value store.
type StorageConfig struct {
	// Path is the directory holding the pebble databases.
	Path string `toml:"path" mapstructure:"path"`

	// SweepInterval is how often the nonce/processed-id TTL sweeper and
	// the expired-policy sweeper run.
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
}

// LedgerConfig selects and locates the settlement ledger.
type LedgerConfig struct {
	// Mode is "rpc" for a real ledger endpoint or "fake" for the
	// in-process development ledger.
	Mode string `toml:"mode" mapstructure:"mode"`

	HTTPURL string `toml:"http_url" mapstructure:"http_url"`
	WSURL   string `toml:"ws_url" mapstructure:"ws_url"`

	// AuthoritySeed is the hex-encoded ed25519 seed of the operator's
	// ledger authority key.
	AuthoritySeed string `toml:"authority_seed" mapstructure:"authority_seed"`

	// ConfirmationTimeout bounds how long a submitted settlement may stay
	// pending before the attempt is abandoned.
	ConfirmationTimeout time.Duration `toml:"confirmation_timeout" mapstructure:"confirmation_timeout"`
}

// DAConfig selects the data-availability mode.
type DAConfig struct {
	// Mode is "content_addressed" or "hash_only".
	Mode    string `toml:"mode" mapstructure:"mode"`
	BaseURL string `toml:"base_url" mapstructure:"base_url"`
}

// BatchConfig is the window policy.
type BatchConfig struct {
	Window     time.Duration `toml:"window" mapstructure:"window"`
	MinIntents int           `toml:"min_intents" mapstructure:"min_intents"`
	MaxIntents int           `toml:"max_intents" mapstructure:"max_intents"`
	Tick       time.Duration `toml:"tick" mapstructure:"tick"`

	// OverflowPolicy is "skip_intent" or "abort_batch".
	OverflowPolicy string `toml:"overflow_policy" mapstructure:"overflow_policy"`

	// RequeueSkipped returns intents from aborted batches to the queue
	// instead of terminally skipping them.
	RequeueSkipped bool `toml:"requeue_skipped" mapstructure:"requeue_skipped"`
}

// ResilienceConfig tunes the watchdogs.
type ResilienceConfig struct {
	BrickMaxConsecutive int           `toml:"brick_max_consecutive" mapstructure:"brick_max_consecutive"`
	BrickMaxInWindow    int           `toml:"brick_max_in_window" mapstructure:"brick_max_in_window"`
	BrickWindow         time.Duration `toml:"brick_window" mapstructure:"brick_window"`
	BrickCooldown       time.Duration `toml:"brick_cooldown" mapstructure:"brick_cooldown"`

	PartitionStallAfter   time.Duration `toml:"partition_stall_after" mapstructure:"partition_stall_after"`
	PartitionPollInterval time.Duration `toml:"partition_poll_interval" mapstructure:"partition_poll_interval"`

	CommitMaxAttempts    int           `toml:"commit_max_attempts" mapstructure:"commit_max_attempts"`
	CommitInitialBackoff time.Duration `toml:"commit_initial_backoff" mapstructure:"commit_initial_backoff"`
	CommitMaxBackoff     time.Duration `toml:"commit_max_backoff" mapstructure:"commit_max_backoff"`
}

// SignatureConfig controls intent signature verification.
type SignatureConfig struct {
	// VerifyDisabled skips ed25519 checks. Development only; fatal under
	// production_strict.
	VerifyDisabled bool `toml:"verify_disabled" mapstructure:"verify_disabled"`
}

// IndexerConfig tunes the read model.
type IndexerConfig struct {
	CacheSize int `toml:"cache_size" mapstructure:"cache_size"`
}

// GetConfigPath returns the path the configuration was loaded from, or ""
// when running on pure defaults.
func (c *Config) GetConfigPath() string {
	return c.configPath
}
