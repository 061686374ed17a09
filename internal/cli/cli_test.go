package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toosimpleq/internal/storage"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "toosimpleq", cmd.Use)
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"worker", "enqueue", "requeue", "tasks", "task", "schedules", "migrate"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, defaultConfigPath, flag.DefValue)
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "toosimpleq.yaml")
	content := `
logging:
  level: warn
storage:
  driver: sqlite
  path: ` + filepath.Join(dir, "queue.db") + `
worker:
  poll_interval: 10ms
schedules:
  - name: nightly-noop
    cron: "0 2 * * *"
    task: noop
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"-c", cfg}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestEnqueueWorkerAndInspect(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "enqueue", "sum", "--args", "[1, 2]", "-o", "json")
	require.NoError(t, err)
	var queued storage.TaskExec
	require.NoError(t, json.Unmarshal([]byte(out), &queued))
	assert.Equal(t, storage.StateQueued, queued.State)
	id := strconv.FormatInt(queued.ID, 10)

	out, err = run(t, cfg, "tasks", "--state", "queued")
	require.NoError(t, err)
	assert.Contains(t, out, "sum")
	assert.Contains(t, out, "⌚")

	out, err = run(t, cfg, "worker", "--until-done")
	require.NoError(t, err)
	assert.Contains(t, out, "worker stopped: drained")

	out, err = run(t, cfg, "task", id, "-o", "json")
	require.NoError(t, err)
	var done storage.TaskExec
	require.NoError(t, json.Unmarshal([]byte(out), &done))
	assert.Equal(t, storage.StateSucceeded, done.State)
	assert.JSONEq(t, "3", string(done.Result))

	out, err = run(t, cfg, "task", id)
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "[1,2]")

	out, err = run(t, cfg, "requeue", id)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued sum ["+id+"]")

	out, err = run(t, cfg, "tasks", "--task", "sum", "-o", "json")
	require.NoError(t, err)
	var rows []storage.TaskExec
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, 2)
}

func TestEnqueueErrors(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, cfg, "enqueue", "missing")
	require.Error(t, err)

	_, err = run(t, cfg, "enqueue", "sum", "--args", "{}")
	require.Error(t, err)

	_, err = run(t, cfg, "task", "abc")
	require.Error(t, err)

	_, err = run(t, cfg, "task", "999")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = run(t, cfg, "tasks", "-o", "yaml")
	require.Error(t, err)
}

func TestSchedulesAndMigrate(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "schedules", "--next", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduler enabled, timezone UTC")
	assert.Contains(t, out, "nightly-noop")

	out, err = run(t, cfg, "schedules", "-o", "json")
	require.NoError(t, err)
	var lines []scheduleLine
	require.NoError(t, json.Unmarshal([]byte(out), &lines))
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Registered)
	assert.Len(t, lines[0].Next, 3)

	out, err = run(t, cfg, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "applied")

	out, err = run(t, cfg, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending migrations")
}

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseDue("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseDue("+10m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), got)

	got, err = parseDue("2026-05-02T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), got)

	_, err = parseDue("tomorrow", now)
	require.Error(t, err)
}

func TestBuildTaskQuery(t *testing.T) {
	q, err := buildTaskQuery([]string{"queued", "FAILED"}, nil, []string{"sum"}, "-due", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []storage.State{storage.StateQueued, storage.StateFailed}, q.States)
	assert.Equal(t, "due", q.OrderBy)
	assert.True(t, q.Desc)

	_, err = buildTaskQuery([]string{"done"}, nil, nil, "", 5, 0)
	require.Error(t, err)
	_, err = buildTaskQuery(nil, nil, nil, "", 0, 0)
	require.Error(t, err)
}
