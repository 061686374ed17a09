package app

import (
	"fmt"
	"strings"
	"time"

	"toosimpleq/internal/api"
	"toosimpleq/internal/config"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/scheduler"
	logx "toosimpleq/pkg/logx"
)

const (
	defaultSQLitePath     = "./toosimpleq.db"
	defaultMetricsRefresh = 15 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, AutoMigrate: sc.AutoMigrateEnabled()}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns, AutoMigrate: sc.AutoMigrateEnabled()}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	poll, err := config.ParseDurationField("worker.poll_interval", cfg.Worker.PollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationField("worker.default_timeout", cfg.Worker.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{PollInterval: poll, DefaultTimeout: timeout}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.SchedulerEnabled(), Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapScheduleDefinitions(cfg *config.Config) []scheduler.Definition {
	out := make([]scheduler.Definition, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		out = append(out, scheduler.Definition{
			Name:          sc.Name,
			Spec:          sc.Cron,
			Task:          sc.Task,
			Args:          sc.Args,
			Kwargs:        sc.Kwargs,
			DatetimeKwarg: sc.DatetimeKwarg,
		})
	}
	return out
}

func mapHTTPConfig(cfg *config.Config) (api.Config, time.Duration, error) {
	h := cfg.HTTP
	var durs [4]time.Duration
	for i, f := range []struct{ path, raw string }{
		{"http.read_timeout", h.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout},
		{"http.idle_timeout", h.IdleTimeout},
		{"http.metrics_refresh", h.MetricsRefresh},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return api.Config{}, 0, err
		}
		durs[i] = d
	}
	refresh := durs[3]
	if refresh <= 0 {
		refresh = defaultMetricsRefresh
	}
	return api.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   durs[0],
		WriteTimeout:  durs[1],
		IdleTimeout:   durs[2],
	}, refresh, nil
}

// workerOptions merges config defaults under the explicit run options.
func workerOptions(cfg *config.Config, opt engine.RunOptions) engine.RunOptions {
	if len(opt.Queues) == 0 {
		opt.Queues = cfg.Worker.Queues
	}
	if len(opt.ExcludeQueues) == 0 {
		opt.ExcludeQueues = cfg.Worker.ExcludeQueues
	}
	if opt.Workers <= 0 {
		opt.Workers = cfg.Worker.Workers
	}
	return opt
}
