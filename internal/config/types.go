package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m") or a bare number
// of seconds.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Worker    WorkerConfig     `json:"worker"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty" validate:"dive"`
	HTTP      HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./toosimpleq.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user:pass@db/queue" }
//
// Storage changes require a restart.
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pgx"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // never logged unmasked
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0,lte=1000"`

	// AutoMigrate defaults to true when omitted.
	AutoMigrate *bool `json:"auto_migrate,omitempty"`
}

// WorkerConfig holds defaults for the worker command. Command line flags
// override them.
type WorkerConfig struct {
	Queues         []string `json:"queues,omitempty" validate:"dive,required"`
	ExcludeQueues  []string `json:"exclude_queues,omitempty" validate:"dive,required"`
	Workers        int      `json:"workers,omitempty" validate:"gte=0,lte=256"`
	PollInterval   string   `json:"poll_interval,omitempty"`
	DefaultTimeout string   `json:"default_timeout,omitempty"`
	WorkerID       string   `json:"worker_id,omitempty" validate:"omitempty,max=128"`
}

type SchedulerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig declares one schedule bound to a registered task.
type ScheduleConfig struct {
	Name          string                     `json:"name" validate:"required,max=1024"`
	Cron          string                     `json:"cron" validate:"required"`
	Task          string                     `json:"task" validate:"required,max=1024"`
	Args          []json.RawMessage          `json:"args,omitempty"`
	Kwargs        map[string]json.RawMessage `json:"kwargs,omitempty"`
	DatetimeKwarg string                     `json:"datetime_kwarg,omitempty"`
}

// HTTPConfig controls the query API server.
//
// Binding to a non-loopback address requires token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout    string `json:"read_timeout,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	MetricsRefresh string `json:"metrics_refresh,omitempty"`
}

// SchedulerEnabled resolves the default for an omitted flag.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// AutoMigrateEnabled resolves the default for an omitted flag.
func (c *StorageConfig) AutoMigrateEnabled() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}
