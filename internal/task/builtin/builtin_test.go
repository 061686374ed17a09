package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/registry"
)

func call(args ...string) *registry.Call {
	c := &registry.Call{TaskName: "t", Kwargs: map[string]json.RawMessage{}}
	for _, a := range args {
		c.Args = append(c.Args, json.RawMessage(a))
	}
	return c
}

func TestRegister(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"echo", "fail", "noop", "sleep", "sum"}, reg.Names())

	// A second registration reports every duplicate.
	err := Register(reg)
	require.Error(t, err)
	var dup *registry.DuplicateNameError
	assert.ErrorAs(t, err, &dup)
}

func TestSum(t *testing.T) {
	t.Parallel()
	got, err := Sum(context.Background(), call("1", "1"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	_, err = Sum(context.Background(), call(`"x"`))
	assert.True(t, engine.IsNoRetry(err))
}

func TestSleep(t *testing.T) {
	t.Parallel()
	got, err := Sleep(context.Background(), call(`"10ms"`))
	require.NoError(t, err)
	assert.InDelta(t, 0.01, got, 1e-9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Sleep(ctx, call("60"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Sleep(context.Background(), call(`"soon"`))
	assert.True(t, engine.IsNoRetry(err))
}

func TestFail(t *testing.T) {
	t.Parallel()
	_, err := Fail(context.Background(), call(`"boom"`))
	require.EqualError(t, err, "boom")
	assert.False(t, engine.IsNoRetry(err))

	c := call()
	c.Kwargs["retry"] = json.RawMessage(`false`)
	_, err = Fail(context.Background(), c)
	assert.True(t, engine.IsNoRetry(err))

	c = call(`"kaput"`)
	c.Kwargs["panic"] = json.RawMessage(`true`)
	assert.PanicsWithValue(t, "kaput", func() { _, _ = Fail(context.Background(), c) })
}

func TestEcho(t *testing.T) {
	t.Parallel()
	got, err := Echo(context.Background(), call(`[1,2]`))
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":[[1,2]],"kwargs":{}}`, string(b))

}
