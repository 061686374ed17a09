package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("not found")
	ErrContention = errors.New("storage contention")

	// ErrInvalidQuery marks a rejected TaskQuery (unknown order column).
	ErrInvalidQuery = errors.New("invalid query")
)

// PostgreSQL SQLSTATE codes that mean "someone else holds the row/lock, try again".
const (
	serializationFailureCode = "40001"
	deadlockDetectedCode     = "40P01"
	lockNotAvailableCode     = "55P03"
)

// ContentionError reports that a lock could not be acquired in time.
// Workers treat it as "retry on the next iteration".
type ContentionError struct {
	Op  string
	Err error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: storage contention: %v", e.Op, e.Err)
}

func (e *ContentionError) Unwrap() error { return e.Err }

func (e *ContentionError) Is(target error) bool { return target == ErrContention }

// IsContention reports whether err is (or wraps) a ContentionError.
func IsContention(err error) bool { return errors.Is(err, ErrContention) }

// MapError maps a driver error to a storage error, keeping the original in the chain.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrContention) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if isContentionCause(err) {
		return &ContentionError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isContentionCause(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		// Extended codes carry the primary code in the low byte.
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailureCode, deadlockDetectedCode, lockNotAvailableCode:
			return true
		}
	}
	return false
}
