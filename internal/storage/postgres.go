package storage

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"time"

	logx "toosimpleq/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPostgresConns = 10

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*sqlStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = defaultPostgresConns
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, MapError("postgres open", err)
	}

	log.Debug("postgres store opened", logx.String("dsn", MaskDSN(dsn)), logx.Int("max_open_conns", conns))
	return &sqlStore{db: db, d: postgresDialect, log: log}, nil
}

// MaskDSN hides the password of a URL-style DSN for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "<dsn>"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}
