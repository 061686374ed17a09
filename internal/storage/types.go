package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a task execution.
type State string

const (
	StateQueued    State = "QUEUED"
	StateStarted   State = "STARTED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// States lists every state in lifecycle order.
var States = []State{StateQueued, StateStarted, StateSucceeded, StateFailed}

func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateStarted, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// ParseState accepts state names case-insensitively.
func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task state %q", raw)
	}
	return s, nil
}

// TaskExec is one persisted task execution.
type TaskExec struct {
	ID         int64                      `json:"id"`
	TaskName   string                     `json:"task_name"`
	Queue      string                     `json:"queue"`
	Priority   int                        `json:"priority"`
	Args       []json.RawMessage          `json:"args"`
	Kwargs     map[string]json.RawMessage `json:"kwargs"`
	State      State                      `json:"state"`
	Due        time.Time                  `json:"due"`
	Created    time.Time                  `json:"created"`
	Started    *time.Time                 `json:"started,omitempty"`
	Finished   *time.Time                 `json:"finished,omitempty"`
	Result     json.RawMessage            `json:"result,omitempty"`
	ReplacedBy *int64                     `json:"replaced_by,omitempty"`
	UniqueKey  string                     `json:"unique_key,omitempty"`
	Attempt    int                        `json:"attempt"`
	RetryOf    *int64                     `json:"retry_of,omitempty"`
	WorkerID   string                     `json:"worker_id,omitempty"`
}

// NewTask is what callers hand to InsertTask. State is always QUEUED.
type NewTask struct {
	TaskName  string
	Queue     string
	Priority  int
	Args      []json.RawMessage
	Kwargs    map[string]json.RawMessage
	Due       time.Time
	Created   time.Time
	UniqueKey string
	Attempt   int
	RetryOf   *int64
}

// InsertResult reports the inserted row and the queued rows it superseded.
type InsertResult struct {
	Task     TaskExec
	Replaced []int64 // ascending
}

// Predecessor is the newest superseded row, if any.
func (r InsertResult) Predecessor() (int64, bool) {
	if len(r.Replaced) == 0 {
		return 0, false
	}
	return r.Replaced[len(r.Replaced)-1], true
}

// ClaimFilter restricts which queues a worker consumes. Empty Queues means any queue.
type ClaimFilter struct {
	Queues        []string
	ExcludeQueues []string
}

// TaskQuery filters ListTasks. Zero value lists the newest 100 rows.
type TaskQuery struct {
	States  []State
	Queues  []string
	Names   []string
	OrderBy string // id | due | created | priority | started | finished
	Desc    bool
	Limit   int
	Offset  int
}

// ScheduleExec tracks the evaluation of one named schedule.
type ScheduleExec struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	LastCheck time.Time `json:"last_check"`
	LastRun   *int64    `json:"last_run,omitempty"`
}

// ScheduleCheck is one evaluation request.
type ScheduleCheck struct {
	Name string
	Cron string
	Now  time.Time
}

// DueFunc decides, under the schedule row lock, whether the window since
// lastCheck contains a slot. A nil task means nothing to enqueue.
type DueFunc func(lastCheck time.Time) (*NewTask, error)

// ScheduleResult describes what CheckSchedule did.
type ScheduleResult struct {
	Schedule    ScheduleExec
	Initialized bool
	Fired       bool
	Task        *TaskExec
	Replaced    []int64
}

// MigrationInfo is one row of the migration status listing.
type MigrationInfo struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
	AutoMigrate  bool
}
