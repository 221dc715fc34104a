// Package config loads OpsConductor engine configuration.
package config

// Config represents the core engine configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Adapters  AdaptersConfig  `mapstructure:"adapters"`

	// Timeouts overrides entries of the static timeout-policy table, keyed
	// "<sla>_<action>" (e.g. [timeouts.fast_read]). Reloaded live by the
	// config watcher.
	Timeouts map[string]TimeoutOverrideConfig `mapstructure:"timeouts"`
}

// TimeoutOverrideConfig overrides one timeout-policy table entry. Zero
// fields keep the table's value.
type TimeoutOverrideConfig struct {
	ExecutionSeconds int `mapstructure:"execution_seconds"`
	StepSeconds      int `mapstructure:"step_seconds"`
	LeaseSeconds     int `mapstructure:"lease_seconds"`
	MaxLeaseRenewals int `mapstructure:"max_lease_renewals"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the control-surface HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EngineConfig configures the worker pool and background sweepers
type EngineConfig struct {
	// Worker concurrency configuration
	Workers int `mapstructure:"workers"` // Number of concurrent lease workers (default: 2)

	PollIntervalSeconds  int `mapstructure:"poll_interval_seconds"`  // Dequeue poll cadence (default: 1)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // Approval-expiry and lock-reaper cadence (default: 30)

	ApprovalTTLHours int `mapstructure:"approval_ttl_hours"` // Pending approvals expire after this (default: 24)

	DefaultMaxAttempts int `mapstructure:"default_max_attempts"` // Queue redelivery budget (default: 4)
}

// LimitsConfig bounds plan intake and output capture
type LimitsConfig struct {
	MaxPlanBytes      int `mapstructure:"max_plan_bytes"`      // Reject plans larger than this (default: 256KB)
	MaxSteps          int `mapstructure:"max_steps"`           // Reject plans with more steps (default: 100)
	OutputSummaryCap  int `mapstructure:"output_summary_cap"`  // Truncation cap for step output (default: 10KB)
	SubmitRatePerSec  int `mapstructure:"submit_rate_per_sec"` // Per-tenant submit rate (default: 10)
	SubmitBurst       int `mapstructure:"submit_burst"`        // Per-tenant burst allowance (default: 20)
	ResultSummaryCap  int `mapstructure:"result_summary_cap"`  // Cap for execution result summary (default: 10KB)
	MaxTargetsPerStep int `mapstructure:"max_targets_per_step"`
}

// AdaptersConfig points at the tool-adapter service steps are dispatched to
type AdaptersConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// ArtifactsConfig selects where full step output is stored.
// Backend "fs" writes under Dir; "s3" uses a MinIO/S3 bucket.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}
