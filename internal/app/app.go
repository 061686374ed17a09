package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"toosimpleq/internal/api"
	"toosimpleq/internal/config"
	"toosimpleq/internal/eventbus"
	"toosimpleq/internal/metrics"
	rtsup "toosimpleq/internal/runtime/supervisor"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/builtin"
	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/registry"
	"toosimpleq/internal/task/scheduler"
	logx "toosimpleq/pkg/logx"
)

// App wires config, logging, storage, the task registry, the worker engine,
// the scheduler and the optional HTTP surface.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg     *registry.Registry
	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Collector
	http    *api.Server

	metricsEvery time.Duration
	configFound  bool
	logOutput    io.Writer
}

type options struct {
	register      []func(*registry.Registry) error
	logOutput     io.Writer
	allowMissing  bool
	skipBuiltins  bool
	noMigrate     bool
	engineOptions []engine.Option
}

type Option func(*options)

// WithTasks registers application tasks before schedules are bound.
func WithTasks(fn func(*registry.Registry) error) Option {
	return func(o *options) { o.register = append(o.register, fn) }
}

// WithLogOutput redirects console logging.
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOutput = w } }

// WithOptionalConfig runs with defaults when the config file does not exist.
func WithOptionalConfig() Option { return func(o *options) { o.allowMissing = true } }

// WithoutBuiltins skips the bundled demo tasks.
func WithoutBuiltins() Option { return func(o *options) { o.skipBuiltins = true } }

// WithoutAutoMigrate opens storage without applying pending migrations.
func WithoutAutoMigrate() Option { return func(o *options) { o.noMigrate = true } }

// WithEngineOptions forwards options to engine.New.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engineOptions = append(o.engineOptions, opts...) }
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	found := true
	if err != nil {
		if !o.allowMissing || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = &config.Config{}
		cfgm.Commit(cfg)
		found = false
	}

	logCfg := mapLogConfig(cfg)
	logCfg.Output = o.logOutput
	logSvc, log := logx.New(logCfg)
	appLog := log.With(logx.Component("app"))
	if !found {
		appLog.Debug("config file not found; using defaults", logx.String("path", cfgPath))
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if o.noMigrate {
		sc.AutoMigrate = false
	}
	store, err := storage.Open(ctx, sc, log.With(logx.Component("storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:        cfgm,
		log:         appLog,
		logs:        logSvc,
		bus:         eventbus.New(),
		store:       store,
		reg:         registry.New(),
		configFound: found,
		logOutput:   o.logOutput,
	}
	if err := a.build(cfg, o); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Debug("app initialized", logx.String("driver", store.Driver()), logx.Int("tasks", a.reg.Len()), logx.Int("schedules", len(cfg.Schedules)))
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	if !o.skipBuiltins {
		if err := builtin.Register(a.reg); err != nil {
			return err
		}
	}
	for _, fn := range o.register {
		if err := fn(a.reg); err != nil {
			return err
		}
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	root := a.logs.Logger()
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.reg, a.store, root.With(logx.Component("scheduler")), a.bus)
	for _, d := range mapScheduleDefinitions(cfg) {
		if err := a.sched.Register(d); err != nil {
			return err
		}
	}

	engOpts := []engine.Option{engine.WithTicker(a.sched)}
	if cfg.Worker.WorkerID != "" {
		engOpts = append(engOpts, engine.WithWorkerID(cfg.Worker.WorkerID))
	}
	engOpts = append(engOpts, o.engineOptions...)
	a.engine = engine.New(engCfg, a.reg, a.store, root.With(logx.Component("engine")), a.bus, engOpts...)

	httpCfg, every, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.metricsEvery = every
	a.metrics = metrics.NewCollector(a.bus)
	h := api.NewHandler(a.store, a.engine, a.sched, a.metrics.Handler(), root.With(logx.Component("api")))
	a.http = api.NewServer(httpCfg, h, root.With(logx.Component("http")))
	return nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Registry() *registry.Registry  { return a.reg }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Metrics() *metrics.Collector   { return a.metrics }
func (a *App) HTTP() *api.Server             { return a.http }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Close releases storage and logging for apps that were never started.
func (a *App) Close() error {
	if a.sup != nil {
		return errors.New("app is running; use Stop")
	}
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
