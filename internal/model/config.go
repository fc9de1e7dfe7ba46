// Package model defines the data structures for agentloop's configuration, plans, sessions and snapshots.
package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Session    SessionConfig    `yaml:"session"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Context    ContextConfig    `yaml:"context"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Retry      RetryConfig      `yaml:"retry"`
	Deviation  DeviationConfig  `yaml:"deviation"`
	Store      StoreConfig      `yaml:"store"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Notify     NotifyConfig     `yaml:"notify"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SkippedRequiredPolicy decides how a plan that finished with a skipped
// required step is reported.
type SkippedRequiredPolicy string

const (
	SkippedRequiredFail    SkippedRequiredPolicy = "fail"
	SkippedRequiredSucceed SkippedRequiredPolicy = "succeed"
)

type SessionConfig struct {
	DefaultMode     Mode                  `yaml:"default_mode"`
	SkippedRequired SkippedRequiredPolicy `yaml:"skipped_required"`
	MaxStepAttempts int                   `yaml:"max_step_attempts"`
	MaxReplans      int                   `yaml:"max_replans"`
	MaxConcurrent   int                   `yaml:"max_concurrent"`
}

type CheckpointConfig struct {
	TimeoutSec int    `yaml:"timeout_sec"` // 0 = wait indefinitely
	RulesFile  string `yaml:"rules_file"`
}

type SnapshotConfig struct {
	MaxCount int `yaml:"max_count"`
	TTLHours int `yaml:"ttl_hours"`
}

type ContextConfig struct {
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"` // 0 = derive from model
	WarningRatio float64 `yaml:"warning_ratio"`
	KeepRecent   int     `yaml:"keep_recent"`
}

type OracleConfig struct {
	Provider   string `yaml:"provider"` // openai | static
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// PlanFile feeds the static provider with scripted plans.
	PlanFile string `yaml:"plan_file"`
}

type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
}

type DeviationConfig struct {
	MinorWarnings int `yaml:"minor_warnings"`
	MajorWarnings int `yaml:"major_warnings"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type EventsConfig struct {
	AuditLog      string `yaml:"audit_log"`
	AuditMaxBytes int64  `yaml:"audit_max_bytes"`
	NATSURL       string `yaml:"nats_url"`
	NATSSubject   string `yaml:"nats_subject"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// NotifyConfig controls desktop notifications for events that need a human.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Session.DefaultMode == "" {
		c.Session.DefaultMode = ModeSupervised
	}
	if c.Session.SkippedRequired == "" {
		c.Session.SkippedRequired = SkippedRequiredFail
	}
	if c.Session.MaxStepAttempts <= 0 {
		c.Session.MaxStepAttempts = 3
	}
	if c.Session.MaxReplans <= 0 {
		c.Session.MaxReplans = 3
	}
	if c.Session.MaxConcurrent <= 0 {
		c.Session.MaxConcurrent = 8
	}
	if c.Checkpoint.RulesFile == "" {
		c.Checkpoint.RulesFile = "checkpoint_rules.yaml"
	}
	if c.Snapshot.MaxCount <= 0 {
		c.Snapshot.MaxCount = 50
	}
	if c.Snapshot.TTLHours <= 0 {
		c.Snapshot.TTLHours = 72
	}
	if c.Context.Model == "" {
		c.Context.Model = "gpt-4o"
	}
	if c.Context.WarningRatio <= 0 || c.Context.WarningRatio >= 1 {
		c.Context.WarningRatio = 0.8
	}
	if c.Context.KeepRecent <= 0 {
		c.Context.KeepRecent = 4
	}
	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = c.Context.Model
	}
	if c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Oracle.TimeoutSec <= 0 {
		c.Oracle.TimeoutSec = 60
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = 500
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = 10000
	}
	if c.Deviation.MinorWarnings <= 0 {
		c.Deviation.MinorWarnings = 1
	}
	if c.Deviation.MajorWarnings <= 0 {
		c.Deviation.MajorWarnings = 3
	}
	if c.Store.Path == "" {
		c.Store.Path = "agentloop.db"
	}
	if c.Events.AuditMaxBytes <= 0 {
		c.Events.AuditMaxBytes = 10 * 1024 * 1024
	}
	if c.Events.NATSSubject == "" {
		c.Events.NATSSubject = "agentloop.events"
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 5
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}
