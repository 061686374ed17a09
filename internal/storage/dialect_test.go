package storage

import (
	"strings"
	"testing"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	q := "SELECT * FROM t WHERE a = ? AND b IN (" + placeholders(3) + ")"
	if got := sqliteDialect.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed the query: %s", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3, $4)"
	if got := postgresDialect.rebind(q); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
	if placeholders(0) != "" {
		t.Fatal("placeholders(0) must be empty")
	}
}

func TestMaskDSN(t *testing.T) {
	t.Parallel()
	got := MaskDSN("postgres://app:secret@db:5432/q?sslmode=disable")
	if strings.Contains(got, "secret") || !strings.HasPrefix(got, "postgres://app:") || !strings.HasSuffix(got, "@db:5432/q?sslmode=disable") {
		t.Fatalf("MaskDSN = %s", got)
	}
	if MaskDSN("host=db password=x") != "<dsn>" {
		t.Fatal("key/value DSNs are fully masked")
	}
}
