package storage

import (
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool

	// appended to the claim subquery
	claimLock string
	// appended to the schedule row read inside CheckSchedule
	rowLock string

	goose goose.Dialect
}

var (
	sqliteDialect = dialect{
		name:  "sqlite",
		goose: goose.DialectSQLite3,
	}
	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		claimLock: " FOR UPDATE SKIP LOCKED",
		rowLock:   " FOR UPDATE",
		goose:     goose.DialectPostgres,
	}
)

// rebind rewrites '?' placeholders for dialects that number them.
// Queries in this package never contain literal question marks.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
