package config

import (
	"fmt"
	"net"
)

// ValidateConfig checks the assembled configuration. Under
// production_strict the development escape hatches are fatal.
func ValidateConfig(c *Config) error {
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("invalid server.address %q: %w", c.Server.Address, err)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	if c.Grpc.Enabled {
		if _, _, err := net.SplitHostPort(c.Grpc.Address); err != nil {
			return fmt.Errorf("invalid grpc.address %q: %w", c.Grpc.Address, err)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if err := c.Relational.Validate(); err != nil {
		return fmt.Errorf("relational: %w", err)
	}

	switch c.Ledger.Mode {
	case "fake":
	case "rpc":
		if c.Ledger.HTTPURL == "" || c.Ledger.WSURL == "" {
			return fmt.Errorf("ledger.http_url and ledger.ws_url are required in rpc mode")
		}
	default:
		return fmt.Errorf("ledger.mode must be \"rpc\" or \"fake\", got %q", c.Ledger.Mode)
	}
	if c.Ledger.ConfirmationTimeout <= 0 {
		return fmt.Errorf("ledger.confirmation_timeout must be positive")
	}

	switch c.DA.Mode {
	case "hash_only":
	case "content_addressed":
		if c.DA.BaseURL == "" {
			return fmt.Errorf("da.base_url is required in content_addressed mode")
		}
	default:
		return fmt.Errorf("da.mode must be \"content_addressed\" or \"hash_only\", got %q", c.DA.Mode)
	}

	switch c.Batch.OverflowPolicy {
	case "skip_intent", "abort_batch":
	default:
		return fmt.Errorf("batch.overflow_policy must be \"skip_intent\" or \"abort_batch\", got %q", c.Batch.OverflowPolicy)
	}
	if c.Batch.MinIntents < 1 {
		return fmt.Errorf("batch.min_intents must be at least 1")
	}
	if c.Batch.MaxIntents < 0 {
		return fmt.Errorf("batch.max_intents must be >= 0 (0 = unbounded)")
	}
	if c.Batch.MaxIntents != 0 && c.Batch.MaxIntents < c.Batch.MinIntents {
		return fmt.Errorf("batch.max_intents must be >= batch.min_intents, or 0 for unbounded")
	}
	if c.Batch.Window <= 0 || c.Batch.Tick <= 0 {
		return fmt.Errorf("batch.window and batch.tick must be positive")
	}

	if c.ProductionStrict {
		if c.Signature.VerifyDisabled {
			return fmt.Errorf("signature.verify_disabled is not allowed with production_strict")
		}
		if c.Ledger.Mode == "fake" {
			return fmt.Errorf("ledger.mode \"fake\" is not allowed with production_strict")
		}
		if c.Ledger.AuthoritySeed == "" {
			return fmt.Errorf("ledger.authority_seed is required with production_strict")
		}
	}
	return nil
}
