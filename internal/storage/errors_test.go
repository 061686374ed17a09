package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	if MapError("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}

	err := MapError("get task 1", sql.ErrNoRows)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pgBusy := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "55P03", Message: "lock not available"})
	err = MapError("claim task", pgBusy)
	if !IsContention(err) {
		t.Fatalf("expected contention, got %v", err)
	}
	var ce *ContentionError
	if !errors.As(err, &ce) || ce.Op != "claim task" {
		t.Fatalf("expected ContentionError with op, got %#v", err)
	}

	pgOther := &pgconn.PgError{Code: "23505"}
	if IsContention(MapError("insert", pgOther)) {
		t.Fatal("unique violation is not contention")
	}

	plain := errors.New("disk on fire")
	if err := MapError("finish", plain); !errors.Is(err, plain) {
		t.Fatalf("original error lost: %v", err)
	}
	if again := MapError("outer", err); again != err && !errors.Is(again, plain) {
		t.Fatalf("re-mapping lost the cause: %v", again)
	}
}
