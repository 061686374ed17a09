package engine

import (
	"context"
	"time"

	"toosimpleq/internal/storage"
)

const defaultPollInterval = 10 * time.Second

// Config controls the worker loop. It can be replaced at runtime with Apply.
type Config struct {
	// PollInterval is how long an idle loop sleeps before polling again.
	PollInterval time.Duration

	// DefaultTimeout bounds handlers whose task has no Timeout. 0 means none.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// RunOptions select what a worker consumes and how it stops.
type RunOptions struct {
	Queues        []string
	ExcludeQueues []string

	// UntilDone returns as soon as an iteration finds no eligible row.
	UntilDone bool

	// PollInterval overrides Config.PollInterval when > 0.
	PollInterval time.Duration

	// Workers is the number of concurrent loops. Values < 1 mean 1.
	Workers int
}

func (o RunOptions) filter() storage.ClaimFilter {
	return storage.ClaimFilter{Queues: o.Queues, ExcludeQueues: o.ExcludeQueues}
}

// EnqueueOptions are the call arguments of one enqueue. A zero Due means now.
type EnqueueOptions struct {
	Args   []any
	Kwargs map[string]any
	Due    time.Time
}

// Ticker is run at the start of every iteration of the first worker loop.
// The scheduler implements it.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) error
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTicker(t Ticker) Option {
	return func(s *Service) { s.ticker = t }
}

// WithWorkerID sets the id recorded on claimed rows.
func WithWorkerID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.workerID = id
		}
	}
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Queue    string        `json:"queue"`
	Attempt  int           `json:"attempt"`
	State    storage.State `json:"state"`
	Due      time.Time     `json:"due"`
	WorkerID string        `json:"worker_id,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`

	// ReplacedBy is set on task.replaced, RetryID on task.retried.
	ReplacedBy int64 `json:"replaced_by,omitempty"`
	RetryID    int64 `json:"retry_id,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	WorkerID       string        `json:"worker_id"`
	PollInterval   time.Duration `json:"poll_interval"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Running        int           `json:"running"`

	Enqueued   uint64 `json:"enqueued"`
	Executed   uint64 `json:"executed"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Retried    uint64 `json:"retried"`
	Contention uint64 `json:"contention"`
}
