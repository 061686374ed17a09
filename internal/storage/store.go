package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "toosimpleq/pkg/logx"
)

const taskColumns = `id, task_name, queue, priority, args, kwargs, state, due, created, started, finished, result, replaced_by, unique_key, attempt, retry_of, worker_id`

const defaultListLimit = 100

var orderColumns = map[string]string{
	"":         "id",
	"id":       "id",
	"due":      "due",
	"created":  "created",
	"priority": "priority",
	"started":  "started",
	"finished": "finished",
}

// sqlStore implements Store over database/sql for both dialects.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) Driver() string { return s.d.name }

func (s *sqlStore) Ping(ctx context.Context) error {
	return MapError("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) InsertTask(ctx context.Context, t NewTask) (InsertResult, error) {
	var out InsertResult
	err := s.runInTx(ctx, "insert task", func(tx *sql.Tx) error {
		res, err := s.insertTaskTx(ctx, tx, t)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// insertTaskTx inserts t and supersedes queued rows sharing its unique key.
func (s *sqlStore) insertTaskTx(ctx context.Context, q queryer, t NewTask) (InsertResult, error) {
	if strings.TrimSpace(t.TaskName) == "" {
		return InsertResult{}, errors.New("task name is required")
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	if t.Attempt <= 0 {
		t.Attempt = 1
	}
	if t.Created.IsZero() {
		t.Created = time.Now()
	}
	if t.Due.IsZero() {
		t.Due = t.Created
	}
	args, kwargs, err := encodeArguments(t.Args, t.Kwargs)
	if err != nil {
		return InsertResult{}, err
	}

	row := q.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO task_execs (task_name, queue, priority, args, kwargs, state, due, created, unique_key, attempt, retry_of)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+taskColumns),
		t.TaskName, t.Queue, t.Priority, args, kwargs, string(StateQueued),
		t.Due.UnixMicro(), t.Created.UnixMicro(), t.UniqueKey, t.Attempt, nullInt64(t.RetryOf),
	)
	inserted, err := scanTask(row)
	if err != nil {
		return InsertResult{}, err
	}
	out := InsertResult{Task: inserted}
	if t.UniqueKey == "" {
		return out, nil
	}

	rows, err := q.QueryContext(ctx, s.d.rebind(
		`UPDATE task_execs SET replaced_by = ?
		 WHERE unique_key = ? AND state = ? AND replaced_by IS NULL AND id <> ?
		 RETURNING id`),
		inserted.ID, t.UniqueKey, string(StateQueued), inserted.ID,
	)
	if err != nil {
		return InsertResult{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return InsertResult{}, err
		}
		out.Replaced = append(out.Replaced, id)
	}
	if err := rows.Err(); err != nil {
		return InsertResult{}, err
	}
	sort.Slice(out.Replaced, func(i, j int) bool { return out.Replaced[i] < out.Replaced[j] })
	return out, nil
}

// ClaimNext atomically moves the next eligible row to STARTED and returns it.
// Order: priority, then due, then id. Returns (nil, nil) when nothing is eligible.
func (s *sqlStore) ClaimNext(ctx context.Context, f ClaimFilter, now time.Time, workerID string) (*TaskExec, error) {
	where := []string{"state = ?", "replaced_by IS NULL", "due <= ?"}
	args := []any{now.UnixMicro(), workerID, string(StateQueued), now.UnixMicro()}
	if len(f.Queues) > 0 {
		where = append(where, "queue IN ("+placeholders(len(f.Queues))+")")
		for _, q := range f.Queues {
			args = append(args, q)
		}
	}
	if len(f.ExcludeQueues) > 0 {
		where = append(where, "queue NOT IN ("+placeholders(len(f.ExcludeQueues))+")")
		for _, q := range f.ExcludeQueues {
			args = append(args, q)
		}
	}
	args = append(args, string(StateQueued))

	query := `UPDATE task_execs SET state = 'STARTED', started = ?, worker_id = ?
		WHERE id = (
			SELECT id FROM task_execs
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY priority, due, id
			LIMIT 1` + s.d.claimLock + `
		) AND state = ?
		RETURNING ` + taskColumns

	t, err := scanTask(s.db.QueryRowContext(ctx, s.d.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, MapError("claim task", err)
	}
	return &t, nil
}

// FinishTask records a terminal state. Only STARTED rows can finish.
func (s *sqlStore) FinishTask(ctx context.Context, id int64, state State, result []byte, finished time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("finish task %d: %s is not a terminal state", id, state)
	}
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	r, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE task_execs SET state = ?, result = ?, finished = ? WHERE id = ? AND state = ?`),
		string(state), res, finished.UnixMicro(), id, string(StateStarted),
	)
	if err != nil {
		return MapError("finish task", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return MapError("finish task", err)
	}
	if n == 0 {
		return fmt.Errorf("finish task %d: no STARTED row: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, id int64) (TaskExec, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskColumns+` FROM task_execs WHERE id = ?`), id))
	if err != nil {
		return TaskExec{}, MapError(fmt.Sprintf("get task %d", id), err)
	}
	return t, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, tq TaskQuery) ([]TaskExec, error) {
	var (
		where []string
		args  []any
	)
	if len(tq.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(tq.States))+")")
		for _, st := range tq.States {
			args = append(args, string(st))
		}
	}
	if len(tq.Queues) > 0 {
		where = append(where, "queue IN ("+placeholders(len(tq.Queues))+")")
		for _, q := range tq.Queues {
			args = append(args, q)
		}
	}
	if len(tq.Names) > 0 {
		where = append(where, "task_name IN ("+placeholders(len(tq.Names))+")")
		for _, n := range tq.Names {
			args = append(args, n)
		}
	}

	col, ok := orderColumns[strings.ToLower(strings.TrimSpace(tq.OrderBy))]
	if !ok {
		return nil, fmt.Errorf("list tasks: cannot order by %q: %w", tq.OrderBy, ErrInvalidQuery)
	}
	dir := "ASC"
	if tq.Desc {
		dir = "DESC"
	}
	limit := tq.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var b strings.Builder
	b.WriteString("SELECT " + taskColumns + " FROM task_execs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + col + " " + dir)
	if col != "id" {
		b.WriteString(", id " + dir)
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, max(tq.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.d.rebind(b.String()), args...)
	if err != nil {
		return nil, MapError("list tasks", err)
	}
	defer rows.Close()

	out := make([]TaskExec, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, MapError("list tasks", err)
		}
		out = append(out, t)
	}
	return out, MapError("list tasks", rows.Err())
}

func (s *sqlStore) CountTasks(ctx context.Context) (map[State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM task_execs GROUP BY state`)
	if err != nil {
		return nil, MapError("count tasks", err)
	}
	defer rows.Close()

	out := make(map[State]int64, len(States))
	for _, st := range States {
		out[st] = 0
	}
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, MapError("count tasks", err)
		}
		out[State(st)] = n
	}
	return out, MapError("count tasks", rows.Err())
}

func scanTask(r rowScanner) (TaskExec, error) {
	var (
		t                   TaskExec
		args, kwargs, state string
		due, created        int64
		started, finished   sql.NullInt64
		replacedBy, retryOf sql.NullInt64
		result              sql.NullString
	)
	if err := r.Scan(&t.ID, &t.TaskName, &t.Queue, &t.Priority, &args, &kwargs, &state,
		&due, &created, &started, &finished, &result, &replacedBy, &t.UniqueKey,
		&t.Attempt, &retryOf, &t.WorkerID); err != nil {
		return TaskExec{}, err
	}
	t.State = State(state)
	t.Due = fromMicros(due)
	t.Created = fromMicros(created)
	t.Started = timePtr(started)
	t.Finished = timePtr(finished)
	t.ReplacedBy = int64Ptr(replacedBy)
	t.RetryOf = int64Ptr(retryOf)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return TaskExec{}, fmt.Errorf("task %d: decode args: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(kwargs), &t.Kwargs); err != nil {
		return TaskExec{}, fmt.Errorf("task %d: decode kwargs: %w", t.ID, err)
	}
	if t.Args == nil {
		t.Args = []json.RawMessage{}
	}
	if t.Kwargs == nil {
		t.Kwargs = map[string]json.RawMessage{}
	}
	return t, nil
}

func encodeArguments(args []json.RawMessage, kwargs map[string]json.RawMessage) (string, string, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	if kwargs == nil {
		kwargs = map[string]json.RawMessage{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", "", fmt.Errorf("encode args: %w", err)
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return "", "", fmt.Errorf("encode kwargs: %w", err)
	}
	return string(a), string(k), nil
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
