package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultQueue = "default"

// Handler runs one task execution. The returned value is stored as the
// task result and must be JSON serializable.
type Handler func(ctx context.Context, call *Call) (any, error)

// Options configure a registered task.
type Options struct {
	Queue    string
	Priority int // lower runs first

	// Unique enables replacement of queued duplicates. nil disables it.
	Unique *UniquePolicy

	Retry RetryPolicy

	// Timeout bounds one execution. 0 uses the engine default.
	Timeout time.Duration
}

// RetryPolicy controls re-enqueueing after a failure.
//
// Max is the number of extra attempts. Delays grow exponentially from Delay
// and are capped at MaxDelay; Jitter is a ratio (0.2 = ±20%).
type RetryPolicy struct {
	Max      int
	Delay    time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Delay <= 0 {
		p.Delay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Task is a registered handler with its options.
type Task struct {
	Name    string
	Handler Handler
	Opt     Options
}

// Registry is safe for concurrent lookups.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

func (r *Registry) Register(name string, h Handler, opt Options) (*Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("task name is required")
	}
	if h == nil {
		return nil, errors.New("task " + name + ": handler is nil")
	}
	if strings.TrimSpace(opt.Queue) == "" {
		opt.Queue = DefaultQueue
	}
	opt.Retry = opt.Retry.WithDefaults()
	if opt.Unique != nil {
		u := opt.Unique.normalized()
		opt.Unique = &u
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return nil, &DuplicateNameError{Name: name}
	}
	t := &Task{Name: name, Handler: h, Opt: opt}
	r.tasks[name] = t
	return t, nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(name string, h Handler, opt Options) *Task {
	t, err := r.Register(name, h, opt)
	if err != nil {
		panic(err)
	}
	return t
}

func (r *Registry) Lookup(name string) (*Task, error) {
	r.mu.RLock()
	t := r.tasks[name]
	r.mu.RUnlock()
	if t == nil {
		return nil, &UnknownTaskError{Name: name}
	}
	return t, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
