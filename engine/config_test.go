package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAML(t *testing.T) {
	cfg, err := LoadConfig([]byte(`
async_retries: 5
conflict_retries: 1
lock_ttl: 10s
hook_failure_mode: FAIL_CLOSED
outbox_retry_delay: 250ms
defer_outbox: true
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.AsyncRetries)
	assert.Equal(t, 1, cfg.ConflictRetries)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, HookFailureModeFailClosed, cfg.HookFailureMode)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxRetryDelay)
	assert.True(t, cfg.DeferOutbox)
	assert.Equal(t, DefaultConfig().MaxCascadeOperations, cfg.MaxCascadeOperations)
	assert.Equal(t, "cmmn", cfg.ScopeType)
}

func TestLoadConfigJSON(t *testing.T) {
	cfg, err := LoadConfig([]byte(`{"async_retries": 0, "scope_type": "case"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.AsyncRetries)
	assert.Equal(t, "case", cfg.ScopeType)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	_, err := LoadConfig([]byte("async_retries: -1"))
	assert.Error(t, err)

	_, err = LoadConfig([]byte("hook_failure_mode: sometimes"))
	assert.Error(t, err)

	_, err = LoadConfig([]byte("async_retries: [nope"))
	assert.Error(t, err)
}
