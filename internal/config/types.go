package config

// Config is the on-disk configuration of dagd (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of task instances.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Debug is the optional local HTTP server for health, run status and pprof.
	Debug DebugConfig `json:"debug"`

	// Dags holds per-DAG runtime overrides keyed by dag id.
	Dags map[string]DagConfig `json:"dags,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is the console encoding, "text" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
//
// Enabled is a pointer so an omitted value defaults to true.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone is an IANA name used for cron evaluation (default "UTC").
	Timezone string `json:"timezone,omitempty"`

	// MaxActiveRuns caps concurrently running runs per DAG (default 16).
	MaxActiveRuns int `json:"max_active_runs,omitempty"`

	// DispatchRatePerSec paces backfill dispatch (default 10).
	DispatchRatePerSec int `json:"dispatch_rate_per_sec,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StorageConfig controls run persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dagd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:6060").
//   - A non-loopback addr needs token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default "/debug/pprof/"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type DagConfig struct {
	Paused bool `json:"paused"`
}

// SchedulerEnabled reports scheduler.enabled with its default applied.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// Paused reports whether the given dag is paused by config.
func (c *Config) Paused(dagID string) bool {
	if c == nil || c.Dags == nil {
		return false
	}
	return c.Dags[dagID].Paused
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}
