// Package storage persists task executions and schedule evaluations.
//
// It currently supports:
//   - SQLite (modernc.org/sqlite, default): a single file, one writer connection
//   - PostgreSQL (pgx stdlib driver): row claims use FOR UPDATE SKIP LOCKED
//
// Both backends share the same queries; placeholders are rebound per dialect and
// timestamps are stored as unix microseconds. Schema changes are goose migrations
// embedded per dialect.
package storage
