package config

import (
	"reflect"
	"sort"
	"strings"

	"toosimpleq/internal/storage"
	logx "toosimpleq/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{"storage": true, "schedules": true}

// SummarizeConfigChange returns the changed top-level sections (sorted) and
// safe structured fields describing the new values. Secrets (DSN password,
// HTTP token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.dsn", storage.MaskDSN(newCfg.Storage.DSN)),
			logx.Bool("storage.auto_migrate", newCfg.Storage.AutoMigrateEnabled()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Strings("worker.queues", newCfg.Worker.Queues),
			logx.Strings("worker.exclude_queues", newCfg.Worker.ExcludeQueues),
			logx.Int("worker.workers", newCfg.Worker.Workers),
			logx.String("worker.poll_interval", strings.TrimSpace(newCfg.Worker.PollInterval)),
			logx.String("worker.default_timeout", strings.TrimSpace(newCfg.Worker.DefaultTimeout)),
		)
	}

	if oldCfg.SchedulerEnabled() != newCfg.SchedulerEnabled() ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if names := diffSchedules(oldCfg.Schedules, newCfg.Schedules); len(names) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Strings("schedules.changed", names),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports whether any of sections only applies on restart.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// diffSchedules lists names added, removed or changed, sorted.
func diffSchedules(oldS, newS []ScheduleConfig) []string {
	byName := func(in []ScheduleConfig) map[string]ScheduleConfig {
		m := make(map[string]ScheduleConfig, len(in))
		for _, s := range in {
			m[s.Name] = s
		}
		return m
	}
	o, n := byName(oldS), byName(newS)

	var out []string
	for name, os := range o {
		ns, ok := n[name]
		if !ok || !reflect.DeepEqual(os, ns) {
			out = append(out, name)
		}
	}
	for name := range n {
		if _, ok := o[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
