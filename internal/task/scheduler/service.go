package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"toosimpleq/internal/eventbus"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/registry"
	logx "toosimpleq/pkg/logx"
)

func New(cfg Config, reg *registry.Registry, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		reg:         reg,
		store:       store,
		log:         log,
		bus:         bus,
		byName:      map[string]*scheduleDef{},
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	loc := s.loadLocation(cfg.Timezone)
	s.mu.Lock()
	oldTZ := s.loc.String()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
	if oldTZ != loc.String() {
		s.log.Info("scheduler timezone changed", logx.String("from", oldTZ), logx.String("to", loc.String()))
	}
}

func (s *Service) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Register validates and adds a schedule. Names are unique.
func (s *Service) Register(d Definition) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return errors.New("schedule name required")
	}
	ps, err := ParseSchedule(d.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.Name, err)
	}
	sched, err := ps.Schedule()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.Name, err)
	}
	task, err := s.reg.Lookup(d.Task)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.Name, err)
	}
	// Catch argument problems at startup rather than on the first firing.
	sd := &scheduleDef{def: d, parsed: ps, sched: sched, task: task}
	if _, err := sd.prepare(time.Now()); err != nil {
		return fmt.Errorf("schedule %s: %w", d.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[d.Name]; ok {
		return fmt.Errorf("schedule %q is already registered", d.Name)
	}
	s.defs = append(s.defs, sd)
	s.byName[d.Name] = sd

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", d.Name),
			logx.String("spec", ps.String()),
			logx.String("task", d.Task),
			logx.String("next", formatRuns(nextRuns(sched, time.Now().In(s.loc), 3))),
		)
	}
	return nil
}

// prepare builds the row a firing at slot inserts.
func (sd *scheduleDef) prepare(slot time.Time) (storage.NewTask, error) {
	kwargs := sd.def.Kwargs
	if sd.def.DatetimeKwarg != "" {
		kwargs = make(map[string]json.RawMessage, len(sd.def.Kwargs)+1)
		for k, v := range sd.def.Kwargs {
			kwargs[k] = v
		}
		b, err := json.Marshal(slot.Format(time.RFC3339))
		if err != nil {
			return storage.NewTask{}, err
		}
		kwargs[sd.def.DatetimeKwarg] = b
	}
	return sd.task.PrepareRaw(sd.def.Args, kwargs, slot)
}

// Tick evaluates every schedule at now. One failing schedule does not stop
// the others; their errors are joined.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	s.mu.RLock()
	enabled := s.cfg.Enabled
	loc := s.loc
	defs := append([]*scheduleDef(nil), s.defs...)
	s.mu.RUnlock()
	if !enabled || len(defs) == 0 {
		return nil
	}

	var errs []error
	for _, sd := range defs {
		if err := s.check(ctx, sd, now, loc); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.reportEnqueueError(sd.def.Name, err)
			errs = append(errs, fmt.Errorf("schedule %s: %w", sd.def.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) check(ctx context.Context, sd *scheduleDef, now time.Time, loc *time.Location) error {
	var slot time.Time
	due := func(lastCheck time.Time) (*storage.NewTask, error) {
		at, ok := DueSlot(sd.sched, lastCheck.In(loc), now.In(loc))
		if !ok {
			return nil, nil
		}
		slot = at
		nt, err := sd.prepare(at)
		if err != nil {
			return nil, err
		}
		nt.Created = now
		return &nt, nil
	}

	res, err := s.store.CheckSchedule(ctx, storage.ScheduleCheck{Name: sd.def.Name, Cron: sd.def.Spec, Now: now}, due)
	if err != nil {
		return err
	}

	ev := ScheduleEvent{Name: sd.def.Name, Cron: sd.def.Spec, Task: sd.def.Task, LastCheck: res.Schedule.LastCheck}
	switch {
	case res.Initialized:
		s.log.Info("schedule initialized", logx.String("schedule", sd.def.Name), logx.Time("last_check", now))
		s.publish(eventbus.ScheduleInitialized, ev)
	case res.Fired:
		ev.Slot = slot
		ev.TaskID = res.Task.ID
		s.log.Info("schedule fired",
			logx.String("schedule", sd.def.Name),
			logx.String("task", sd.def.Task),
			logx.Int64("task_id", res.Task.ID),
			logx.Time("slot", slot),
		)
		s.publish(eventbus.ScheduleFired, ev)
		s.publishQueued(res)
	default:
		s.publish(eventbus.ScheduleChecked, ev)
	}
	return nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// publishQueued emits the same task events as an enqueue through the engine.
func (s *Service) publishQueued(res storage.ScheduleResult) {
	te := res.Task
	s.publish(eventbus.TaskQueued, engine.TaskEvent{ID: te.ID, Name: te.TaskName, Queue: te.Queue, Attempt: te.Attempt, State: te.State, Due: te.Due})
	for _, old := range res.Replaced {
		s.publish(eventbus.TaskReplaced, engine.TaskEvent{ID: old, Name: te.TaskName, Queue: te.Queue, State: storage.StateQueued, ReplacedBy: te.ID})
	}
}

// NextRuns previews the next n slots of a registered schedule.
func (s *Service) NextRuns(name string, n int) ([]time.Time, error) {
	s.mu.RLock()
	sd := s.byName[name]
	loc := s.loc
	s.mu.RUnlock()
	if sd == nil {
		return nil, fmt.Errorf("schedule %q: %w", name, storage.ErrNotFound)
	}
	if n <= 0 {
		return nil, nil
	}
	return nextRuns(sd.sched, time.Now().In(loc), n), nil
}

func formatRuns(ts []time.Time) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
