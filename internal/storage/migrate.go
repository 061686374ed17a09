package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	logx "toosimpleq/pkg/logx"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func (s *sqlStore) migrations() (*goose.Provider, error) {
	sub, err := fs.Sub(migrationsFS, "migrations/"+s.d.name)
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(s.d.goose, s.db, sub)
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return p, nil
}

// Migrate applies every pending migration and returns the ones it applied.
func (s *sqlStore) Migrate(ctx context.Context) ([]MigrationInfo, error) {
	p, err := s.migrations()
	if err != nil {
		return nil, err
	}
	results, err := p.Up(ctx)
	out := make([]MigrationInfo, 0, len(results))
	now := time.Now().UTC()
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		mi := MigrationInfo{Version: r.Source.Version, Path: r.Source.Path, Applied: r.Error == nil}
		if mi.Applied {
			mi.AppliedAt = now
		}
		s.log.Info("migration applied",
			logx.String("driver", s.d.name),
			logx.Int64("version", mi.Version),
			logx.Duration("took", r.Duration),
		)
		out = append(out, mi)
	}
	if err != nil {
		return out, fmt.Errorf("migrate %s: %w", s.d.name, err)
	}
	return out, nil
}

func (s *sqlStore) MigrationStatus(ctx context.Context) ([]MigrationInfo, error) {
	p, err := s.migrations()
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationInfo, 0, len(statuses))
	for _, st := range statuses {
		if st == nil || st.Source == nil {
			continue
		}
		out = append(out, MigrationInfo{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}
