package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"toosimpleq/internal/config"
	rtsup "toosimpleq/internal/runtime/supervisor"
	"toosimpleq/internal/task/engine"
	logx "toosimpleq/pkg/logx"
)

// Start launches the background services: config watch and reload, metrics,
// event logging, the HTTP server and the systemd watchdog. It does not run
// the worker loops; see RunWorker.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapHTTPConfig(cfg)
		return err
	})

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus, a.store, a.metricsEvery, a.log.With(logx.Component("metrics")))
	})

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.http.Start(a.sup.Context())
	a.startWatchdog()

	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.Bool("config_found", a.configFound))
	return nil
}

// applyConfig pushes a committed config into the live services.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.Strings("sections", restart))
	}

	logCfg := mapLogConfig(next)
	logCfg.Output = a.logOutput
	a.logs.Apply(logCfg)

	if engCfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}
	a.sched.Apply(mapSchedulerConfig(next))

	if httpCfg, every, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, httpCfg)
		if every != a.metricsEvery {
			a.log.Info("metrics refresh interval changes on restart", logx.Duration("current", a.metricsEvery), logx.Duration("configured", every))
		}
	}

	a.log.Info("config reloaded", fields...)
}

// RunWorker starts the app, runs the worker loops until ctx is done (or the
// queue drains with UntilDone) and stops the app. Options left empty take
// their values from the worker config section.
func (a *App) RunWorker(ctx context.Context, opt engine.RunOptions) (StopReason, error) {
	if err := a.Start(ctx); err != nil {
		return StopFatalError, err
	}
	opt = workerOptions(a.cfgm.Get(), opt)

	a.notify(sdReady)
	a.notifyStatus(fmt.Sprintf("worker %s running", a.engine.WorkerID()))
	a.log.Info("worker started",
		logx.String("worker_id", a.engine.WorkerID()),
		logx.Strings("queues", opt.Queues),
		logx.Strings("exclude_queues", opt.ExcludeQueues),
		logx.Int("workers", max(opt.Workers, 1)),
		logx.Bool("until_done", opt.UntilDone),
	)

	runErr := a.engine.Run(a.sup.Context(), opt)

	reason := StopSignal
	switch {
	case runErr != nil:
		reason = StopFatalError
	case a.sup.Err() != nil:
		reason = StopFatalError
		runErr = a.sup.Err()
	case opt.UntilDone && ctx.Err() == nil:
		reason = StopDrained
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return reason, runErr
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(sdStopping)

	// Supervised goroutines stop before the store goes away.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Stop(c); err != nil {
			return fmt.Errorf("%w (still running: %s)", err, strings.Join(activeGoroutines(a.sup.Snapshot()), ", "))
		}
		return nil
	})
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func activeGoroutines(snap rtsup.Snapshot) []string {
	var out []string
	for _, g := range snap.Goroutines {
		if g.Active > 0 {
			out = append(out, g.Name+"×"+strconv.FormatInt(g.Active, 10))
		}
	}
	return out
}
