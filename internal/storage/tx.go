package storage

import (
	"context"
	"database/sql"
	"fmt"

	logx "toosimpleq/pkg/logx"
)

// runInTx commits when fn returns nil and rolls back otherwise.
// A panic inside fn rolls back and is re-raised.
func (s *sqlStore) runInTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MapError(op+": begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("rollback after panic failed", logx.String("op", op), logx.Err(rbErr), logx.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", logx.String("op", op), logx.Err(rbErr))
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, MapError(op, err))
		}
		return MapError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return MapError(op+": commit", err)
	}
	return nil
}
