package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"toosimpleq/internal/eventbus"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/registry"
	logx "toosimpleq/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	recordTimeout     = 30 * time.Second
	contentionBackoff = 100 * time.Millisecond
)

// Service enqueues tasks and runs worker loops against a Store.
//
// All coordination between workers goes through the store: rows are claimed
// with a single atomic update, so any number of Services (in one process or
// many) can consume the same tables.
type Service struct {
	mu  sync.Mutex
	cfg Config

	reg   *registry.Registry
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	now      func() time.Time
	ticker   Ticker
	workerID string

	warn *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	running    atomic.Int32
	enqueued   atomic.Uint64
	executed   atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
	contention atomic.Uint64
}

func New(cfg Config, reg *registry.Registry, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		reg:   reg,
		store: store,
		log:   log,
		bus:   bus,
		now:   time.Now,
		warn:  rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}
	if s.workerID == "" {
		s.workerID = defaultWorkerID()
	}
	return s
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func (s *Service) Registry() *registry.Registry { return s.reg }
func (s *Service) Store() storage.Store         { return s.store }
func (s *Service) WorkerID() string             { return s.workerID }

// Apply replaces the runtime config. Running loops pick it up on their next sleep.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("task engine config applied",
			logx.Duration("poll_interval", cfg.PollInterval),
			logx.Duration("default_timeout", cfg.DefaultTimeout),
		)
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enqueue persists a new QUEUED row for the named task.
//
// Unknown names and unserializable arguments are returned without touching
// the store.
func (s *Service) Enqueue(ctx context.Context, name string, opt EnqueueOptions) (storage.TaskExec, error) {
	task, err := s.reg.Lookup(name)
	if err != nil {
		return storage.TaskExec{}, err
	}
	return s.enqueue(ctx, task, opt)
}

func (s *Service) enqueue(ctx context.Context, task *registry.Task, opt EnqueueOptions) (storage.TaskExec, error) {
	due := opt.Due
	if due.IsZero() {
		due = s.now()
	}
	nt, err := task.Prepare(opt.Args, opt.Kwargs, due)
	if err != nil {
		return storage.TaskExec{}, err
	}
	return s.insert(ctx, nt)
}

// EnqueueRaw is Enqueue for arguments that are already JSON (CLI, HTTP).
func (s *Service) EnqueueRaw(ctx context.Context, name string, args []json.RawMessage, kwargs map[string]json.RawMessage, due time.Time) (storage.TaskExec, error) {
	task, err := s.reg.Lookup(name)
	if err != nil {
		return storage.TaskExec{}, err
	}
	if due.IsZero() {
		due = s.now()
	}
	nt, err := task.PrepareRaw(args, kwargs, due)
	if err != nil {
		return storage.TaskExec{}, err
	}
	return s.insert(ctx, nt)
}

// Requeue enqueues a fresh execution of row id with its stored arguments.
// The new row is due now and takes queue and priority from the current
// registration; the original row is left untouched.
func (s *Service) Requeue(ctx context.Context, id int64) (storage.TaskExec, error) {
	orig, err := s.store.GetTask(ctx, id)
	if err != nil {
		return storage.TaskExec{}, err
	}
	task, err := s.reg.Lookup(orig.TaskName)
	if err != nil {
		return storage.TaskExec{}, err
	}
	nt, err := task.PrepareRaw(orig.Args, orig.Kwargs, s.now())
	if err != nil {
		return storage.TaskExec{}, err
	}
	te, err := s.insert(ctx, nt)
	if err != nil {
		return storage.TaskExec{}, err
	}
	s.log.Info("task requeued", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Int64("from", id))
	return te, nil
}

func (s *Service) insert(ctx context.Context, nt storage.NewTask) (storage.TaskExec, error) {
	if nt.Created.IsZero() {
		nt.Created = s.now()
	}
	res, err := s.store.InsertTask(ctx, nt)
	if err != nil {
		return storage.TaskExec{}, fmt.Errorf("enqueue %s: %w", nt.TaskName, err)
	}
	s.enqueued.Add(1)
	s.published(res)
	return res.Task, nil
}

// published reports an insert, including rows it superseded.
func (s *Service) published(res storage.InsertResult) {
	te := res.Task
	s.log.Debug("task.queued",
		logx.String("task", te.TaskName),
		logx.Int64("id", te.ID),
		logx.String("queue", te.Queue),
		logx.Time("due", te.Due),
	)
	s.publish(eventbus.TaskQueued, taskEvent(&te))
	for _, old := range res.Replaced {
		s.log.Debug("task.replaced", logx.String("task", te.TaskName), logx.Int64("id", old), logx.Int64("replaced_by", te.ID))
		s.publish(eventbus.TaskReplaced, TaskEvent{ID: old, Name: te.TaskName, Queue: te.Queue, State: storage.StateQueued, ReplacedBy: te.ID})
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func taskEvent(te *storage.TaskExec) TaskEvent {
	return TaskEvent{
		ID:       te.ID,
		Name:     te.TaskName,
		Queue:    te.Queue,
		Attempt:  te.Attempt,
		State:    te.State,
		Due:      te.Due,
		WorkerID: te.WorkerID,
	}
}

// Handle is a task bound to its Service, so callers can enqueue without
// repeating the name.
type Handle struct {
	s    *Service
	task *registry.Task
}

func (s *Service) Handle(name string) (*Handle, error) {
	task, err := s.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Handle{s: s, task: task}, nil
}

// MustHandle is Handle for startup wiring; it panics on unknown names.
func (s *Service) MustHandle(name string) *Handle {
	h, err := s.Handle(name)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Handle) Name() string { return h.task.Name }

func (h *Handle) Enqueue(ctx context.Context, args ...any) (storage.TaskExec, error) {
	return h.s.enqueue(ctx, h.task, EnqueueOptions{Args: args})
}

func (h *Handle) EnqueueKw(ctx context.Context, args []any, kwargs map[string]any) (storage.TaskExec, error) {
	return h.s.enqueue(ctx, h.task, EnqueueOptions{Args: args, Kwargs: kwargs})
}

func (h *Handle) EnqueueAt(ctx context.Context, due time.Time, args []any, kwargs map[string]any) (storage.TaskExec, error) {
	return h.s.enqueue(ctx, h.task, EnqueueOptions{Args: args, Kwargs: kwargs, Due: due})
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	return Snapshot{
		WorkerID:       s.workerID,
		PollInterval:   cfg.PollInterval,
		DefaultTimeout: cfg.DefaultTimeout,
		Running:        int(s.running.Load()),
		Enqueued:       s.enqueued.Load(),
		Executed:       s.executed.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Retried:        s.retried.Load(),
		Contention:     s.contention.Load(),
	}
}

func (s *Service) retryDelay(p registry.RetryPolicy, attempt int, err error) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return backoffDelayWithHint(p, attempt, err, s.rng)
}

// warnThrottled logs at most once per warnThrottleEvery across all loops.
func (s *Service) warnThrottled(msg string, fields ...logx.Field) {
	if s.warn.Allow() {
		s.log.Warn(msg, fields...)
	}
}
