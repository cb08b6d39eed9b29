package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults installs the standalone-development defaults: sqlite, fake
// ledger, hash-only DA. A production deployment overrides nearly all of
// these from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.request_timeout", 15*time.Second)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.address", "127.0.0.1:50051")

	v.SetDefault("storage.path", "data/kv")
	v.SetDefault("storage.sweep_interval", 10*time.Minute)

	v.SetDefault("relational.driver", "sqlite")
	v.SetDefault("relational.path", "data/nettingd.sqlite")
	v.SetDefault("relational.host", "localhost")
	v.SetDefault("relational.port", 5432)
	v.SetDefault("relational.ssl_mode", "prefer")
	v.SetDefault("relational.max_open_conns", 25)
	v.SetDefault("relational.max_idle_conns", 5)
	v.SetDefault("relational.conn_max_lifetime", time.Hour)
	v.SetDefault("relational.default_timeout", 30*time.Second)

	v.SetDefault("ledger.mode", "fake")
	v.SetDefault("ledger.http_url", "http://127.0.0.1:9650/rpc")
	v.SetDefault("ledger.ws_url", "ws://127.0.0.1:9650/ws")
	v.SetDefault("ledger.authority_seed", "")
	v.SetDefault("ledger.confirmation_timeout", 30*time.Second)

	v.SetDefault("da.mode", "hash_only")
	v.SetDefault("da.base_url", "http://127.0.0.1:9700")

	v.SetDefault("batch.window", 5*time.Second)
	v.SetDefault("batch.min_intents", 1)
	v.SetDefault("batch.max_intents", 1000)
	v.SetDefault("batch.tick", time.Second)
	v.SetDefault("batch.overflow_policy", "skip_intent")
	v.SetDefault("batch.requeue_skipped", true)

	v.SetDefault("resilience.brick_max_consecutive", 5)
	v.SetDefault("resilience.brick_max_in_window", 10)
	v.SetDefault("resilience.brick_window", 5*time.Minute)
	v.SetDefault("resilience.brick_cooldown", 30*time.Second)
	v.SetDefault("resilience.partition_stall_after", 2*time.Minute)
	v.SetDefault("resilience.partition_poll_interval", 10*time.Second)
	v.SetDefault("resilience.commit_max_attempts", 8)
	v.SetDefault("resilience.commit_initial_backoff", 500*time.Millisecond)
	v.SetDefault("resilience.commit_max_backoff", 30*time.Second)

	v.SetDefault("signature.verify_disabled", false)

	v.SetDefault("indexer.cache_size", 4096)

	v.SetDefault("production_strict", false)
}
