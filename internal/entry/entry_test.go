package entry

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := Default()

	assert.Equal(t, []string{"hello", "sleep"}, r.Names())
	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownEntry)
	assert.Panics(t, func() { r.Register("hello", nil) })
}

func TestHello(t *testing.T) {
	t.Parallel()

	f, err := Default().Lookup("hello")
	require.NoError(t, err)
	var out, errOut bytes.Buffer

	err = f().Main(context.Background(), Env{Node: "a", Application: "demo", Args: []string{"x", "y"}, Stdout: &out, Stderr: &errOut})

	require.NoError(t, err)
	assert.Equal(t, "hello from a (demo)\n", out.String())
	assert.Equal(t, "args: x y\n", errOut.String())
}

func TestSleep_StopsOnStop(t *testing.T) {
	t.Parallel()

	f, err := Default().Lookup("sleep")
	require.NoError(t, err)
	e := f()
	done := make(chan error, 1)

	go func() { done <- e.Main(context.Background(), Env{Node: "a", Stdout: io.Discard}) }()
	time.Sleep(10 * time.Millisecond)
	e.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return after Stop")
	}
}

func TestFuncEntry_StopBeforeMain(t *testing.T) {
	t.Parallel()

	called := false
	e := &FuncEntry{Fn: func(context.Context, Env) error { called = true; return nil }}
	e.Stop()

	require.NoError(t, e.Main(context.Background(), Env{}))
	assert.False(t, called)
}
