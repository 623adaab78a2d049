//go:build linux

package subproc_test

import (
	"errors"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
	"github.com/momentics/srp-ioloop/subproc"
)

type result struct {
	calls  int
	status int
	err    error
}

func (r *result) callback() subproc.Callback {
	return func(_ *subproc.Subproc, status int, err error) {
		r.calls++
		r.status = status
		r.err = err
	}
}

func setup(t *testing.T, opts ...subproc.Option) (*ioloop.Loop, *subproc.Supervisor) {
	t.Helper()
	l, err := ioloop.New()
	require.NoError(t, err)
	s := subproc.NewSupervisor(l, opts...)
	t.Cleanup(func() {
		s.Close()
		l.Close()
	})
	return l, s
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return p
}

func waitFor(t *testing.T, l *ioloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := l.Events(time.Now().Add(20 * time.Millisecond))
		if err != nil && !errors.Is(err, api.ErrInterrupted) {
			require.NoError(t, err)
		}
	}
}

func TestImmediateExitReportsZero(t *testing.T) {
	for _, opts := range map[string][]subproc.Option{
		"pidfd":  nil,
		"waiter": {subproc.WithoutPidfd()},
	} {
		l, s := setup(t, opts...)
		r := &result{}
		p, err := s.Spawn(lookPath(t, "true"), nil, r.callback())
		require.NoError(t, err)
		assert.NotZero(t, p.Pid())
		assert.Len(t, s.Running(), 1)

		waitFor(t, l, p.Done)
		assert.Equal(t, 1, r.calls)
		assert.Equal(t, 0, r.status)
		assert.NoError(t, r.err)
		assert.Empty(t, s.Running())
		assert.Equal(t, 0, l.Stats().Handles, "exit and output handles released")
	}
}

func TestNonZeroExitIsNotAnError(t *testing.T) {
	l, s := setup(t)
	r := &result{}
	p, err := s.Spawn(lookPath(t, "sh"), []string{"-c", "exit 3"}, r.callback())
	require.NoError(t, err)
	waitFor(t, l, p.Done)
	assert.Equal(t, 3, r.status)
	assert.NoError(t, r.err)
	assert.Equal(t, 3, p.Status())
}

func TestOutputCaptured(t *testing.T) {
	l, s := setup(t)
	r := &result{}
	p, err := s.Spawn(lookPath(t, "sh"), []string{"-c", "echo out; echo err >&2"}, r.callback())
	require.NoError(t, err)
	waitFor(t, l, p.Done)
	assert.Equal(t, "out\nerr\n", string(p.Output()))
	assert.Equal(t, []string{"-c", "echo out; echo err >&2"}, p.Args())
}

func TestOutputLimit(t *testing.T) {
	l, s := setup(t, subproc.WithOutputLimit(4))
	r := &result{}
	p, err := s.Spawn(lookPath(t, "sh"), []string{"-c", "echo 0123456789"}, r.callback())
	require.NoError(t, err)
	waitFor(t, l, p.Done)
	assert.Equal(t, "0123", string(p.Output()))
}

func TestKilledBySignal(t *testing.T) {
	l, s := setup(t)
	r := &result{}
	p, err := s.Spawn(lookPath(t, "sh"), []string{"-c", "kill -9 $$"}, r.callback())
	require.NoError(t, err)
	waitFor(t, l, p.Done)
	assert.Equal(t, 128+9, r.status)
	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, api.ErrSpawn))
}

func TestKill(t *testing.T) {
	l, s := setup(t)
	r := &result{}
	p, err := s.Spawn(lookPath(t, "sleep"), []string{"30"}, r.callback())
	require.NoError(t, err)
	require.NoError(t, s.Kill(p))
	waitFor(t, l, p.Done)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 128+9, r.status)
	assert.True(t, errors.Is(s.Kill(p), api.ErrClosed))
}

func TestSpawnFailureIsAsynchronous(t *testing.T) {
	l, s := setup(t)
	r := &result{}
	p, err := s.Spawn("/nonexistent/srp-hook", []string{"x"}, r.callback())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 0, r.calls, "callback never runs inside Spawn")
	assert.Empty(t, s.Running())

	waitFor(t, l, p.Done)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, -1, r.status)
	assert.True(t, errors.Is(r.err, api.ErrSpawn))

	_, err = l.Events(time.Now().Add(10 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
}

func TestTooManyArgs(t *testing.T) {
	_, s := setup(t)
	args := make([]string, subproc.MaxArgs+1)
	for i := range args {
		args[i] = strconv.Itoa(i)
	}
	r := &result{}
	p, err := s.Spawn("/bin/true", args, r.callback())
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, subproc.ErrTooManyArgs))
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	assert.Equal(t, 0, r.calls)

	_, err = s.Spawn("", nil, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestMaxArgsAccepted(t *testing.T) {
	l, s := setup(t)
	args := []string{"-c", `[ "$#" -eq 17 ]`, "sh"}
	for i := 0; i < subproc.MaxArgs-3; i++ {
		args = append(args, strconv.Itoa(i))
	}
	require.Len(t, args, subproc.MaxArgs)
	r := &result{}
	p, err := s.Spawn(lookPath(t, "sh"), args, r.callback())
	require.NoError(t, err)
	waitFor(t, l, p.Done)
	assert.Equal(t, 0, r.status)
}

func TestCloseKillsChildren(t *testing.T) {
	l, s := setup(t)
	r := &result{}
	_, err := s.Spawn(lookPath(t, "sleep"), []string{"30"}, r.callback())
	require.NoError(t, err)
	s.Close()
	assert.Empty(t, s.Running())
	_, err = l.Events(time.Now().Add(20 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 0, r.calls)

	_, err = s.Spawn("/bin/true", nil, r.callback())
	assert.True(t, errors.Is(err, api.ErrClosed))
}
