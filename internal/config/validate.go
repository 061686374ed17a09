package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"toosimpleq/internal/task/scheduler"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate runs the struct tag rules and the semantic checks the tags
// cannot express. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"worker.poll_interval":   cfg.Worker.PollInterval,
		"worker.default_timeout": cfg.Worker.DefaultTimeout,
		"http.read_timeout":      cfg.HTTP.ReadTimeout,
		"http.write_timeout":     cfg.HTTP.WriteTimeout,
		"http.idle_timeout":      cfg.HTTP.IdleTimeout,
		"http.metrics_refresh":   cfg.HTTP.MetricsRefresh,
	}
	for _, path := range sortedKeys(durations) {
		if _, err := ParseDurationField(path, durations[path]); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	}

	seen := map[string]bool{}
	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if seen[sc.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate schedule %q", path, sc.Name))
		}
		seen[sc.Name] = true
		if strings.TrimSpace(sc.Cron) != "" {
			if _, err := scheduler.ParseSchedule(sc.Cron); err != nil {
				errs = append(errs, fmt.Errorf("%s.cron: %w", path, err))
			}
		}
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.worker.workers"; drop the root type name.
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s (got %v)", ns, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s: failed %s", ns, fe.Tag())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
