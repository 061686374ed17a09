package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"toosimpleq/internal/eventbus"
	rtsup "toosimpleq/internal/runtime/supervisor"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/registry"
	logx "toosimpleq/pkg/logx"
)

// Run consumes eligible rows until ctx is canceled or, with UntilDone, until
// an iteration finds nothing to do. A canceled ctx is a clean stop. A failed
// record is logged and the loop moves on; with UntilDone a failed claim ends
// the run with that error.
func (s *Service) Run(ctx context.Context, opt RunOptions) error {
	if opt.Workers <= 1 {
		return s.loop(ctx, opt, 0, s.workerID)
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.Component("worker"))),
		rtsup.WithCancelOnError(true),
	)
	sup.GoN("worker", opt.Workers, func(c context.Context, idx int) error {
		return s.loop(c, opt, idx, s.workerID+"/"+strconv.Itoa(idx))
	})
	return sup.Wait(context.Background())
}

// RunOnce claims and executes at most one row. It reports whether a row was
// processed. A returned error means the claim or the final record failed.
func (s *Service) RunOnce(ctx context.Context, opt RunOptions) (bool, error) {
	return s.runOnce(ctx, opt.filter(), s.workerID)
}

func (s *Service) loop(ctx context.Context, opt RunOptions, idx int, workerID string) error {
	log := s.log.With(logx.String("worker_id", workerID))
	log.Info("worker started",
		logx.Strings("queues", opt.Queues),
		logx.Strings("exclude_queues", opt.ExcludeQueues),
		logx.Bool("until_done", opt.UntilDone),
	)
	defer log.Info("worker stopped")

	filter := opt.filter()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if idx == 0 && s.ticker != nil {
			if err := s.ticker.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.warnThrottled("scheduler tick failed", logx.Err(err))
			}
		}

		worked, err := s.runOnce(ctx, filter, workerID)
		var wait time.Duration
		switch {
		case err == nil && worked:
			continue
		case err == nil:
			if opt.UntilDone {
				return nil
			}
			wait = s.pollInterval(opt)
		case worked:
			// The row was claimed but its outcome could not be recorded. Only
			// this iteration is lost; the next claim proceeds.
			log.Error("worker iteration failed", logx.Err(err))
			continue
		case storage.IsContention(err):
			s.contention.Add(1)
			s.warnThrottled("storage contention, retrying", logx.Err(err), logx.Uint64("contention_total", s.contention.Load()))
			wait = contentionBackoff
		default:
			if ctx.Err() != nil {
				return nil
			}
			if opt.UntilDone {
				return err
			}
			log.Error("worker iteration failed", logx.Err(err))
			wait = s.pollInterval(opt)
		}

		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (s *Service) pollInterval(opt RunOptions) time.Duration {
	if opt.PollInterval > 0 {
		return opt.PollInterval
	}
	return s.config().PollInterval
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) runOnce(ctx context.Context, f storage.ClaimFilter, workerID string) (bool, error) {
	te, err := s.store.ClaimNext(ctx, f, s.now(), workerID)
	if err != nil {
		return false, err
	}
	if te == nil {
		return false, nil
	}
	s.running.Add(1)
	defer s.running.Add(-1)
	return true, s.process(ctx, te)
}

// process executes a claimed row and records its outcome.
func (s *Service) process(ctx context.Context, te *storage.TaskExec) error {
	start := s.now()
	s.executed.Add(1)
	s.log.Debug("task.started",
		logx.String("task", te.TaskName),
		logx.Int64("id", te.ID),
		logx.Int("attempt", te.Attempt),
		logx.Duration("queue_delay", max(start.Sub(te.Due), 0)),
	)
	s.publish(eventbus.TaskStarted, taskEvent(te))

	var (
		result []byte
		runErr error
	)
	task, err := s.reg.Lookup(te.TaskName)
	if err != nil {
		runErr = err
	} else {
		value, err := s.execute(ctx, task, te)
		if err != nil {
			runErr = err
		} else if result, err = json.Marshal(value); err != nil {
			runErr = &registry.SerializationError{Task: te.TaskName, Field: "result", Err: err}
		}
	}

	state := storage.StateSucceeded
	if runErr != nil {
		state = storage.StateFailed
		result = errorResult(runErr)
	}

	// Recording must survive shutdown, otherwise the row stays STARTED.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	finished := s.now()
	if err := s.store.FinishTask(rctx, te.ID, state, result, finished); err != nil {
		s.log.Error("task record failed", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.String("state", string(state)), logx.Err(err))
		return fmt.Errorf("record task %d: %w", te.ID, err)
	}

	dur := finished.Sub(start)
	ev := taskEvent(te)
	ev.State = state
	ev.Duration = dur
	if runErr != nil {
		s.failed.Add(1)
		ev.Error = errorDetail(runErr)
		s.log.Warn("task.failed", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Int("attempt", te.Attempt), logx.Duration("dur", dur), logx.Err(runErr))
		s.publish(eventbus.TaskFailed, ev)
		if task != nil {
			s.retry(rctx, task, te, runErr)
		}
		return nil
	}

	s.succeeded.Add(1)
	if dur >= 750*time.Millisecond {
		s.log.Info("task.succeeded", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task.succeeded", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Duration("dur", dur))
	}
	s.publish(eventbus.TaskSucceeded, ev)
	return nil
}

// execute runs the handler outside any lock. Shutdown does not cancel a
// running handler; only the task timeout does.
func (s *Service) execute(ctx context.Context, task *registry.Task, te *storage.TaskExec) (value any, err error) {
	timeout := task.Opt.Timeout
	if timeout <= 0 {
		timeout = s.config().DefaultTimeout
	}
	runCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	call := &registry.Call{
		TaskID:   te.ID,
		TaskName: te.TaskName,
		Attempt:  te.Attempt,
		Due:      te.Due,
		Args:     te.Args,
		Kwargs:   te.Kwargs,
	}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.log.Error("task.panic", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Any("panic", r), logx.Stack(stack))
			value = nil
			err = &TaskExecutionFailure{TaskID: te.ID, TaskName: te.TaskName, Err: fmt.Errorf("panic: %v", r), Panic: r, Stack: stack}
		}
	}()

	value, err = task.Handler(runCtx, call)
	if err != nil {
		return nil, &TaskExecutionFailure{TaskID: te.ID, TaskName: te.TaskName, Err: err}
	}
	return value, nil
}

// retry enqueues the next attempt of a failed row as a new row.
func (s *Service) retry(ctx context.Context, task *registry.Task, te *storage.TaskExec, cause error) {
	p := task.Opt.Retry
	if p.Max <= 0 || te.Attempt > p.Max || IsNoRetry(cause) || registry.IsSerialization(cause) {
		return
	}
	delay := s.retryDelay(p, te.Attempt, cause)
	nt, err := task.PrepareRaw(te.Args, te.Kwargs, s.now().Add(delay))
	if err != nil {
		s.log.Error("task retry failed", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Err(err))
		return
	}
	id := te.ID
	nt.Attempt = te.Attempt + 1
	nt.RetryOf = &id
	nt.Created = s.now()

	res, err := s.store.InsertTask(ctx, nt)
	if err != nil {
		s.log.Error("task retry failed", logx.String("task", te.TaskName), logx.Int64("id", te.ID), logx.Err(err))
		return
	}
	s.retried.Add(1)
	s.log.Info("task.retried",
		logx.String("task", te.TaskName),
		logx.Int64("id", te.ID),
		logx.Int64("retry_id", res.Task.ID),
		logx.Int("attempt", nt.Attempt),
		logx.Duration("delay", delay),
	)
	ev := taskEvent(te)
	ev.RetryID = res.Task.ID
	s.publish(eventbus.TaskRetried, ev)
	s.published(res)
}

// errorResult is the JSON stored in FAILED rows.
func errorResult(err error) []byte {
	b, mErr := json.Marshal(map[string]string{"error": errorDetail(err)})
	if mErr != nil {
		return []byte(`{"error":"unrepresentable error"}`)
	}
	return b
}
