package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "toosimpleq/pkg/logx"
)

// Store is the persistence API used by the engine, the scheduler and the query surfaces.
type Store interface {
	InsertTask(ctx context.Context, t NewTask) (InsertResult, error)
	ClaimNext(ctx context.Context, f ClaimFilter, now time.Time, workerID string) (*TaskExec, error)
	FinishTask(ctx context.Context, id int64, state State, result []byte, finished time.Time) error
	GetTask(ctx context.Context, id int64) (TaskExec, error)
	ListTasks(ctx context.Context, q TaskQuery) ([]TaskExec, error)
	CountTasks(ctx context.Context) (map[State]int64, error)

	CheckSchedule(ctx context.Context, c ScheduleCheck, due DueFunc) (ScheduleResult, error)
	GetSchedule(ctx context.Context, name string) (ScheduleExec, error)
	ListSchedules(ctx context.Context) ([]ScheduleExec, error)

	Migrate(ctx context.Context) ([]MigrationInfo, error)
	MigrationStatus(ctx context.Context) ([]MigrationInfo, error)
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Open initializes the configured store and, with AutoMigrate, applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  *sqlStore
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if _, err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}
