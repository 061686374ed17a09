package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toosimpleq/internal/eventbus"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/scheduler"
	logx "toosimpleq/pkg/logx"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	c := NewCollector(nil)
	ev := engine.TaskEvent{Name: "a", Queue: "default", State: storage.StateSucceeded, Duration: 20 * time.Millisecond}

	c.Observe(eventbus.Event{Type: eventbus.TaskQueued, Data: ev})
	c.Observe(eventbus.Event{Type: eventbus.TaskQueued, Data: ev})
	c.Observe(eventbus.Event{Type: eventbus.TaskStarted, Data: ev})
	c.Observe(eventbus.Event{Type: eventbus.TaskSucceeded, Data: ev})
	c.Observe(eventbus.Event{Type: eventbus.ScheduleFired, Data: scheduler.ScheduleEvent{Name: "nightly"}})
	c.Observe(eventbus.Event{Type: "other", Data: 42})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksQueued.WithLabelValues("a", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksStarted.WithLabelValues("a", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("a", "default", "SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduleFired.WithLabelValues("nightly")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.taskDuration))
}

func TestRunRefreshesAndServes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "m.db"), AutoMigrate: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.InsertTask(ctx, storage.NewTask{TaskName: "a"})
	require.NoError(t, err)

	bus := eventbus.New()
	c := NewCollector(bus)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus, st, time.Hour, logx.Nop()) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.rowsByState.WithLabelValues("QUEUED")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TaskQueued, Data: engine.TaskEvent{Name: "b", Queue: "q"}})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.tasksQueued.WithLabelValues("b", "q")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `toosimpleq_task_execs{state="QUEUED"} 1`), body)
	assert.Contains(t, body, "toosimpleq_tasks_queued_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
