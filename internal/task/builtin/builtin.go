// Package builtin provides a few ready-made tasks so the binary is usable
// without writing handlers: echo, sleep, fail, noop and sum.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/registry"
)

// Register adds the builtin tasks to reg.
func Register(reg *registry.Registry) error {
	tasks := []struct {
		name string
		h    registry.Handler
		opt  registry.Options
	}{
		{"echo", Echo, registry.Options{}},
		{"sleep", Sleep, registry.Options{Queue: "slow"}},
		{"fail", Fail, registry.Options{Retry: registry.RetryPolicy{Max: 2}}},
		{"noop", Noop, registry.Options{Unique: &registry.UniquePolicy{}}},
		{"sum", Sum, registry.Options{}},
	}
	var errs []error
	for _, t := range tasks {
		if _, err := reg.Register(t.name, t.h, t.opt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Echo returns its arguments.
func Echo(_ context.Context, c *registry.Call) (any, error) {
	return map[string]any{"args": c.Args, "kwargs": c.Kwargs}, nil
}

// Sleep waits for the duration given as first argument ("1s" or seconds)
// and returns the slept duration in seconds.
func Sleep(ctx context.Context, c *registry.Call) (any, error) {
	d := time.Second
	if c.NumArgs() > 0 {
		var err error
		if d, err = durationArg(c.Args[0]); err != nil {
			return nil, engine.NoRetry(fmt.Errorf("sleep: %w", err))
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return d.Seconds(), nil
	}
}

func durationArg(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(strings.TrimSpace(s))
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return 0, fmt.Errorf("duration must be a string or a number of seconds")
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Fail always fails with the message given as first argument. With
// kwarg "panic": true it panics instead; "retry": false disables retries.
func Fail(_ context.Context, c *registry.Call) (any, error) {
	msg := "failed on purpose"
	if c.NumArgs() > 0 {
		if err := c.Arg(0, &msg); err != nil {
			return nil, engine.NoRetry(err)
		}
	}
	var doPanic bool
	if _, err := c.Kwarg("panic", &doPanic); err != nil {
		return nil, engine.NoRetry(err)
	}
	if doPanic {
		panic(msg)
	}
	retry := true
	if _, err := c.Kwarg("retry", &retry); err != nil {
		return nil, engine.NoRetry(err)
	}
	if !retry {
		return nil, engine.NoRetry(errors.New(msg))
	}
	return nil, errors.New(msg)
}

// Noop does nothing. Queued duplicates with the same arguments collapse.
func Noop(context.Context, *registry.Call) (any, error) { return nil, nil }

// Sum adds its numeric arguments.
func Sum(_ context.Context, c *registry.Call) (any, error) {
	var total float64
	for i := range c.NumArgs() {
		var v float64
		if err := c.Arg(i, &v); err != nil {
			return nil, engine.NoRetry(err)
		}
		total += v
	}
	return total, nil
}
