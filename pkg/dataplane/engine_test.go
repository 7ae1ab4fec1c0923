package dataplane

import (
	"context"
	"io"
	"log"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/replication"
)

var quiet = log.New(io.Discard, "", 0)

func member(s string) ipset.Member { return ipset.MemberOf(netip.MustParseAddr(s)) }

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Logger = quiet
	e, err := New(opts)
	require.NoError(t, err)
	require.Equal(t, StateInitialized, e.State())
	return e
}

func submit(ms ...ipset.Member) func(*replication.Coordinator) error {
	return func(c *replication.Coordinator) error {
		_, err := c.Submit(ipset.NewBatch(ipset.OpAdd, ms...))
		return err
	}
}

func TestOptionsValidate(t *testing.T) {
	bad := []Options{
		{Cores: []int{0, 1}, Master: 2},
		{Cores: []int{0, 0}},
		{Cores: []int{0, 1}, Disabled: []int{0}},
		{Cores: []int{0, 1}, Disabled: []int{5}},
		{Buckets: 12},
		{QueueDepth: -1},
	}
	for _, o := range bad {
		_, err := New(o)
		assert.Error(t, err, "%+v", o)
	}
	_, err := New(Options{Cores: []int{0, 1}, Disabled: []int{0}})
	assert.ErrorIs(t, err, ipset.ErrCoreDisabled)
}

func TestDisabledCoreSkipped(t *testing.T) {
	e := newEngine(t, Options{Cores: []int{0, 1, 2, 3}, Disabled: []int{2}})
	assert.Equal(t, []int{0, 1, 3}, e.Cores())
	_, err := e.Core(2)
	assert.ErrorIs(t, err, ipset.ErrCoreDisabled)
	_, err = e.Core(9)
	assert.ErrorIs(t, err, ErrUnknownCore)

	require.NoError(t, e.Exec(context.Background(), submit(member("10.0.0.1"))))
	require.NoError(t, e.Settle())
	assert.Equal(t, map[int]int{0: 1, 1: 1, 3: 1}, e.Counts())
}

func TestInlineExecBeforeRun(t *testing.T) {
	e := newEngine(t, Options{Cores: []int{0, 1, 2, 3}})
	require.NoError(t, e.Exec(context.Background(), submit(member("10.0.0.1"), member("10.0.0.2"))))
	c3, err := e.Core(3)
	require.NoError(t, err)
	assert.False(t, c3.Lookup(member("10.0.0.1")))
	require.NoError(t, e.Settle())
	for _, id := range e.Cores() {
		c, _ := e.Core(id)
		assert.True(t, c.Lookup(member("10.0.0.2")), "core %d", id)
	}
}

func TestRunRequiresBootstrap(t *testing.T) {
	e := newEngine(t, Options{})
	assert.ErrorIs(t, e.Run(context.Background()), ErrBadState)
	require.NoError(t, e.MarkBootstrapped())
	assert.ErrorIs(t, e.MarkBootstrapped(), ErrBadState)
}

func TestRunConvergesAndTerminates(t *testing.T) {
	var polls atomic.Int64
	e := newEngine(t, Options{
		Cores:        []int{0, 1, 2, 3},
		Master:       1,
		Poll:         func(*Core) { polls.Add(1) },
		PollInterval: time.Millisecond,
	})
	require.NoError(t, e.MarkBootstrapped())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, time.Millisecond)

	a, b := member("10.0.0.1"), member("2001:db8::5")
	require.NoError(t, e.Exec(ctx, submit(a, b)))
	require.NoError(t, e.Exec(ctx, func(c *replication.Coordinator) error {
		assert.Equal(t, 1, c.Core())
		assert.True(t, c.Replica().Lookup(a))
		return nil
	}))
	require.Eventually(t, func() bool {
		for _, n := range e.Counts() {
			if n != 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return polls.Load() > 0 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, e.Terminate(), ErrBadState)
	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	require.NoError(t, e.Terminate())
	assert.Equal(t, StateTerminated, e.State())
	for id, n := range e.Counts() {
		assert.Zero(t, n, "core %d", id)
	}
	assert.ErrorIs(t, e.Exec(context.Background(), submit(a)), ErrTerminated)
}

func TestExecHonoursContext(t *testing.T) {
	e := newEngine(t, Options{Cores: []int{0, 1}})
	require.NoError(t, e.MarkBootstrapped())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, time.Millisecond)

	started, block := make(chan struct{}), make(chan struct{})
	go func() {
		_ = e.Exec(context.Background(), func(*replication.Coordinator) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started
	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	err := e.Exec(short, func(*replication.Coordinator) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
