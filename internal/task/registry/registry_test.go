package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopHandler(context.Context, *Call) (any, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := New()

	task, err := r.Register("a", nopHandler, Options{Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueue, task.Opt.Queue)
	assert.Equal(t, 500*time.Millisecond, task.Opt.Retry.Delay)
	assert.Equal(t, 15*time.Second, task.Opt.Retry.MaxDelay)

	_, err = r.Register("a", nopHandler, Options{})
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.Name)

	got, err := r.Lookup("a")
	require.NoError(t, err)
	assert.Same(t, task, got)

	_, err = r.Lookup("missing")
	assert.True(t, IsUnknownTask(err))
	assert.EqualError(t, err, `unknown task "missing"`)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Register("  ", nopHandler, Options{})
	assert.Error(t, err)
	_, err = r.Register("x", nil, Options{})
	assert.Error(t, err)
	assert.Zero(t, r.Len())

	assert.Panics(t, func() {
		r.MustRegister("y", nopHandler, Options{})
		r.MustRegister("y", nopHandler, Options{})
	})
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	r := New()
	for _, n := range []string{"c", "a", "b"} {
		r.MustRegister(n, nopHandler, Options{})
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestPrepare(t *testing.T) {
	t.Parallel()
	r := New()
	task := r.MustRegister("report", nopHandler, Options{Queue: "reports", Priority: 5})
	due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	nt, err := task.Prepare([]any{1, "x"}, map[string]any{"full": true}, due)
	require.NoError(t, err)
	assert.Equal(t, "report", nt.TaskName)
	assert.Equal(t, "reports", nt.Queue)
	assert.Equal(t, 5, nt.Priority)
	assert.Equal(t, due, nt.Due)
	assert.Empty(t, nt.UniqueKey)
	require.Len(t, nt.Args, 2)
	assert.JSONEq(t, `"x"`, string(nt.Args[1]))
	assert.JSONEq(t, `true`, string(nt.Kwargs["full"]))

	_, err = task.Prepare([]any{make(chan int)}, nil, due)
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "args[0]", se.Field)

	_, err = task.Prepare(nil, map[string]any{"f": func() {}}, due)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "kwargs.f", se.Field)

	_, err = task.PrepareRaw([]json.RawMessage{json.RawMessage(`{bad`)}, nil, due)
	assert.True(t, IsSerialization(err))
}

func TestUniqueKey(t *testing.T) {
	t.Parallel()
	all := UniquePolicy{}
	k1, err := all.Key("sync", []json.RawMessage{json.RawMessage(`{"b":1,"a":2}`)}, map[string]json.RawMessage{"x": json.RawMessage(`1`)})
	require.NoError(t, err)
	k2, err := all.Key("sync", []json.RawMessage{json.RawMessage(`{ "a": 2, "b": 1 }`)}, map[string]json.RawMessage{"x": json.RawMessage(` 1`)})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "formatting and key order do not matter")

	k3, err := all.Key("other", []json.RawMessage{json.RawMessage(`{"b":1,"a":2}`)}, map[string]json.RawMessage{"x": json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "task name is part of the identity")

	subset := UniquePolicy{Kwargs: []string{"user"}, IgnoreArgs: true}.normalized()
	a, err := subset.Key("mail", []json.RawMessage{json.RawMessage(`1`)}, map[string]json.RawMessage{"user": json.RawMessage(`"u1"`), "body": json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	b, err := subset.Key("mail", []json.RawMessage{json.RawMessage(`2`)}, map[string]json.RawMessage{"user": json.RawMessage(`"u1"`), "body": json.RawMessage(`"bye"`)})
	require.NoError(t, err)
	c, err := subset.Key("mail", nil, map[string]json.RawMessage{"user": json.RawMessage(`"u2"`)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPrepareSetsUniqueKey(t *testing.T) {
	t.Parallel()
	r := New()
	task := r.MustRegister("sync", nopHandler, Options{Unique: &UniquePolicy{}})
	a, err := task.Prepare([]any{1}, nil, time.Time{})
	require.NoError(t, err)
	b, err := task.Prepare([]any{1}, nil, time.Time{})
	require.NoError(t, err)
	c, err := task.Prepare([]any{2}, nil, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.UniqueKey)
	assert.Equal(t, a.UniqueKey, b.UniqueKey)
	assert.NotEqual(t, a.UniqueKey, c.UniqueKey)
}

func TestCallDecoding(t *testing.T) {
	t.Parallel()
	c := &Call{
		TaskName: "add",
		Args:     []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`"two"`)},
		Kwargs:   map[string]json.RawMessage{"scale": json.RawMessage(`3`)},
	}
	var n int
	require.NoError(t, c.Arg(0, &n))
	assert.Equal(t, 1, n)
	assert.Error(t, c.Arg(1, &n))
	assert.Error(t, c.Arg(2, &n))
	assert.Equal(t, 2, c.NumArgs())

	ok, err := c.Kwarg("scale", &n)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	ok, err = c.Kwarg("missing", &n)
	require.NoError(t, err)
	assert.False(t, ok)
}
