package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8770, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 1, cfg.Engine.PollIntervalSeconds)
	assert.Equal(t, 24, cfg.Engine.ApprovalTTLHours)
	assert.Equal(t, 4, cfg.Engine.DefaultMaxAttempts)
	assert.Equal(t, 256*1024, cfg.Limits.MaxPlanBytes)
	assert.Equal(t, 100, cfg.Limits.MaxSteps)
	assert.Equal(t, 10*1024, cfg.Limits.OutputSummaryCap)
	assert.Equal(t, 10, cfg.Limits.SubmitRatePerSec)
	assert.Equal(t, "fs", cfg.Artifacts.Backend)
	assert.Equal(t, "http://127.0.0.1:8771", cfg.Adapters.BaseURL)
	assert.NotEmpty(t, cfg.Database.Path)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.toml")
	content := `
[database]
path = "/var/lib/conductor/conductor.db"

[server]
port = 9000
allowed_origins = ["https://ops.example.com"]

[engine]
workers = 8
approval_ttl_hours = 2

[limits]
max_plan_bytes = 1024
submit_rate_per_sec = 100

[adapters]
base_url = "http://adapters.internal:9090"

[artifacts]
backend = "s3"
endpoint = "minio.internal:9000"
bucket = "conductor-artifacts"

[timeouts.fast_read]
execution_seconds = 45
step_seconds = 15

[timeouts.long_deploy]
max_lease_renewals = 12
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/conductor/conductor.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 2, cfg.Engine.ApprovalTTLHours)
	assert.Equal(t, 1024, cfg.Limits.MaxPlanBytes)
	assert.Equal(t, 100, cfg.Limits.SubmitRatePerSec)
	assert.Equal(t, "http://adapters.internal:9090", cfg.Adapters.BaseURL)
	assert.Equal(t, "s3", cfg.Artifacts.Backend)
	assert.Equal(t, "conductor-artifacts", cfg.Artifacts.Bucket)

	require.Len(t, cfg.Timeouts, 2)
	assert.Equal(t, TimeoutOverrideConfig{ExecutionSeconds: 45, StepSeconds: 15}, cfg.Timeouts["fast_read"])
	assert.Equal(t, TimeoutOverrideConfig{MaxLeaseRenewals: 12}, cfg.Timeouts["long_deploy"])

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 30, cfg.Engine.SweepIntervalSeconds)
	assert.Equal(t, 20, cfg.Limits.SubmitBurst)
}

func TestLoadFromFileMissingFileFails(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
