package engine

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes engine behavior.
type Config struct {
	AsyncRetries         int             `json:"async_retries" yaml:"async_retries"`
	ConflictRetries      int             `json:"conflict_retries" yaml:"conflict_retries"`
	MaxCascadeOperations int             `json:"max_cascade_operations" yaml:"max_cascade_operations"`
	LockTTL              time.Duration   `json:"lock_ttl" yaml:"lock_ttl"`
	HookFailureMode      HookFailureMode `json:"hook_failure_mode" yaml:"hook_failure_mode"`
	OutboxBatchSize      int             `json:"outbox_batch_size" yaml:"outbox_batch_size"`
	OutboxLease          time.Duration   `json:"outbox_lease" yaml:"outbox_lease"`
	OutboxRetryDelay     time.Duration   `json:"outbox_retry_delay" yaml:"outbox_retry_delay"`
	OutboxMaxRetryDelay  time.Duration   `json:"outbox_max_retry_delay" yaml:"outbox_max_retry_delay"`
	// DeferOutbox leaves outbox entries for DispatchOutbox instead of draining after each commit.
	DeferOutbox bool   `json:"defer_outbox" yaml:"defer_outbox"`
	ScopeType   string `json:"scope_type" yaml:"scope_type"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		AsyncRetries:         3,
		ConflictRetries:      3,
		MaxCascadeOperations: 10000,
		LockTTL:              30 * time.Second,
		HookFailureMode:      HookFailureModeFailOpen,
		OutboxBatchSize:      100,
		OutboxLease:          30 * time.Second,
		OutboxRetryDelay:     time.Second,
		OutboxMaxRetryDelay:  time.Minute,
		ScopeType:            "cmmn",
	}
}

// LoadConfig parses YAML (or JSON) on top of the defaults.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse engine config: %w", err)
	}
	if !isValidHookFailureMode(cfg.HookFailureMode) {
		return cfg, fmt.Errorf("hook_failure_mode must be %s or %s", HookFailureModeFailOpen, HookFailureModeFailClosed)
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.Validate()
}

// Validate rejects out of range values.
func (c Config) Validate() error {
	if c.AsyncRetries < 0 {
		return fmt.Errorf("async_retries must be >= 0")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries must be >= 0")
	}
	if c.MaxCascadeOperations < 0 {
		return fmt.Errorf("max_cascade_operations must be >= 0")
	}
	if c.LockTTL < 0 || c.OutboxLease < 0 || c.OutboxRetryDelay < 0 || c.OutboxMaxRetryDelay < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if !isValidHookFailureMode(c.HookFailureMode) {
		return fmt.Errorf("hook_failure_mode must be %s or %s", HookFailureModeFailOpen, HookFailureModeFailClosed)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxCascadeOperations == 0 {
		c.MaxCascadeOperations = def.MaxCascadeOperations
	}
	if c.LockTTL == 0 {
		c.LockTTL = def.LockTTL
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = def.OutboxBatchSize
	}
	if c.OutboxLease == 0 {
		c.OutboxLease = def.OutboxLease
	}
	if c.OutboxRetryDelay == 0 {
		c.OutboxRetryDelay = def.OutboxRetryDelay
	}
	if c.OutboxMaxRetryDelay == 0 {
		c.OutboxMaxRetryDelay = def.OutboxMaxRetryDelay
	}
	if strings.TrimSpace(c.ScopeType) == "" {
		c.ScopeType = def.ScopeType
	}
	c.HookFailureMode = normalizeHookFailureMode(c.HookFailureMode)
	return c
}
