package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toosimpleq/internal/config"
	rtsup "toosimpleq/internal/runtime/supervisor"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/registry"
	logx "toosimpleq/pkg/logx"
)

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "queue.db")
	path := filepath.Join(dir, "toosimpleq.yaml")
	content := "storage:\n  driver: sqlite\n  path: " + db + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, db
}

func TestNewRequiresConfigUnlessOptional(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := New(context.Background(), missing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewRejectsScheduleForUnknownTask(t *testing.T) {
	path, _ := writeConfig(t, `
schedules:
  - name: ghost
    cron: "@hourly"
    task: not-registered
`)
	_, err := New(context.Background(), path, WithLogOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.True(t, registry.IsUnknownTask(err), "got %v", err)
}

func TestNewWiresRegistryAndSchedules(t *testing.T) {
	path, _ := writeConfig(t, `
schedules:
  - name: nightly-echo
    cron: "0 3 * * *"
    task: echo
    args: ["hello"]
`)
	var out bytes.Buffer
	a, err := New(context.Background(), path,
		WithLogOutput(&out),
		WithTasks(func(r *registry.Registry) error {
			_, err := r.Register("app.ping", func(context.Context, *registry.Call) (any, error) { return "pong", nil }, registry.Options{})
			return err
		}),
	)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Registry().Lookup("echo")
	require.NoError(t, err)
	_, err = a.Registry().Lookup("app.ping")
	require.NoError(t, err)

	info, ok := a.Scheduler().Lookup("nightly-echo")
	require.True(t, ok)
	assert.Equal(t, "echo", info.Task)
	assert.Equal(t, "sqlite", a.Store().Driver())
}

func TestRunWorkerDrainsQueue(t *testing.T) {
	path, db := writeConfig(t, `
worker:
  poll_interval: 10ms
`)
	ctx := context.Background()
	a, err := New(ctx, path, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)

	te, err := a.Engine().MustHandle("sum").Enqueue(ctx, 2, 3)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reason, err := a.RunWorker(runCtx, engine.RunOptions{UntilDone: true})
	require.NoError(t, err)
	assert.Equal(t, StopDrained, reason)

	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: db}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetTask(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSucceeded, got.State)
	assert.JSONEq(t, "5", string(got.Result))
}

func TestRunWorkerStopsOnCancel(t *testing.T) {
	path, _ := writeConfig(t, "")
	a, err := New(context.Background(), path, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan StopReason, 1)
	go func() {
		reason, _ := a.RunWorker(ctx, engine.RunOptions{PollInterval: 10 * time.Millisecond})
		done <- reason
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case reason := <-done:
		assert.Equal(t, StopSignal, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	<-a.Done()
}

func TestStepIsBounded(t *testing.T) {
	a := &App{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	a.step(context.Background(), "stuck", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.Less(t, time.Since(start), time.Second)

	a.step(context.Background(), "panics", time.Second, func(context.Context) error { panic("boom") })
}

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: defaultSQLitePath, AutoMigrate: true}, sc)

	cfg.Storage = config.StorageConfig{Driver: "postgres"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)

	off := false
	cfg.Storage = config.StorageConfig{Driver: "pgx", DSN: "postgres://u:p@db/q", MaxOpenConns: 4, AutoMigrate: &off}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "postgres", DSN: "postgres://u:p@db/q", MaxOpenConns: 4}, sc)

	cfg.Storage = config.StorageConfig{Driver: "mysql"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestWorkerOptionsFlagsWin(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{Queues: []string{"a"}, ExcludeQueues: []string{"slow"}, Workers: 3}}

	got := workerOptions(cfg, engine.RunOptions{})
	assert.Equal(t, []string{"a"}, got.Queues)
	assert.Equal(t, []string{"slow"}, got.ExcludeQueues)
	assert.Equal(t, 3, got.Workers)

	got = workerOptions(cfg, engine.RunOptions{Queues: []string{"b"}, Workers: 1})
	assert.Equal(t, []string{"b"}, got.Queues)
	assert.Equal(t, 1, got.Workers)
}

func TestMapHTTPConfigDefaultsRefresh(t *testing.T) {
	cfg := &config.Config{HTTP: config.HTTPConfig{Enabled: true, ReadTimeout: "5s"}}
	hc, every, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	assert.True(t, hc.Enabled)
	assert.Equal(t, 5*time.Second, hc.ReadTimeout)
	assert.Equal(t, defaultMetricsRefresh, every)

	cfg.HTTP.IdleTimeout = "soon"
	_, _, err = mapHTTPConfig(cfg)
	require.Error(t, err)
}

func TestActiveGoroutines(t *testing.T) {
	snap := rtsup.Snapshot{Goroutines: []rtsup.GoroutineStats{
		{Name: "engine.worker", Active: 2},
		{Name: "config.watch", Active: 0},
	}}
	assert.Equal(t, []string{"engine.worker×2"}, activeGoroutines(snap))
}

func TestStartSupervisesMetricsAndStops(t *testing.T) {
	path, _ := writeConfig(t, "")
	a, err := New(context.Background(), path, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, g := range a.sup.Snapshot().Goroutines {
			if g.Name == "metrics" && g.Active == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("Stop did not cancel the app context")
	}
	assert.NoError(t, a.sup.Err())
	assert.Empty(t, activeGoroutines(a.sup.Snapshot()))
}
