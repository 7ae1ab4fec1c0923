// Package dataplane runs one run-to-completion loop per enabled core. Each core
// owns its replica; the master core also executes control-plane closures so
// the master replica keeps a single writer.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/msgbus"
	obsmetrics "github.com/amirimatin/go-ipset/pkg/observability/metrics"
	"github.com/amirimatin/go-ipset/pkg/replication"
)

var (
	ErrUnknownCore = errors.New("dataplane: unknown core")
	ErrBadState    = errors.New("dataplane: invalid state transition")
	ErrStopped     = errors.New("dataplane: core loops stopped")
	ErrTerminated  = errors.New("dataplane: engine terminated")
)

// Core is one worker core and its private replica.
type Core struct {
	ID      int
	Replica *ipset.Replica
	label   string
}

// Lookup is the packet-path membership test.
func (c *Core) Lookup(m ipset.Member) bool { return c.Replica.Lookup(m) }

type execReq struct {
	fn   func(*replication.Coordinator) error
	done chan error
}

type Engine struct {
	opts Options
	log  *log.Logger

	mu      sync.RWMutex
	state   State
	looping bool
	runDone chan struct{}

	execMu sync.Mutex
	execQ  chan execReq

	bus      *msgbus.Bus
	cores    map[int]*Core
	enabled  []int
	disabled map[int]bool
	coord    *replication.Coordinator
}

// New builds an empty replica on every enabled core and wires the bus. The
// engine is returned Initialized.
func New(opts Options) (*Engine, error) {
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:     opts,
		log:      logutil.OrDefault(opts.Logger),
		cores:    make(map[int]*Core),
		disabled: make(map[int]bool, len(opts.Disabled)),
		execQ:    make(chan execReq, 64),
	}
	for _, d := range opts.Disabled {
		e.disabled[d] = true
	}
	for _, id := range opts.Cores {
		if e.disabled[id] {
			logutil.Infof(e.log, "dataplane: core %d disabled, skipping", id)
			continue
		}
		r, err := ipset.NewReplica(ipset.ReplicaOptions{Buckets: opts.Buckets, MaxEntries: opts.MaxEntries})
		if err != nil {
			return nil, err
		}
		e.cores[id] = &Core{ID: id, Replica: r, label: strconv.Itoa(id)}
		e.enabled = append(e.enabled, id)
	}
	sort.Ints(e.enabled)

	bus, err := msgbus.New(msgbus.Options{Cores: e.enabled, QueueDepth: opts.QueueDepth, Logger: e.log})
	if err != nil {
		return nil, err
	}
	e.bus = bus
	for _, id := range e.enabled {
		if id == opts.Master {
			continue
		}
		if err := replication.NewHandler(id, e.cores[id].Replica, e.log).Attach(bus); err != nil {
			return nil, fmt.Errorf("dataplane: core %d: %w", id, err)
		}
	}
	e.coord, err = replication.NewCoordinator(replication.CoordinatorOptions{
		Core:    opts.Master,
		Replica: e.cores[opts.Master].Replica,
		Bus:     bus,
		Logger:  e.log,
	})
	if err != nil {
		return nil, err
	}
	e.state = StateInitialized
	logutil.Infof(e.log, "dataplane: initialized %d cores (master %d, %d disabled, %d buckets)",
		len(e.enabled), opts.Master, len(opts.Disabled), e.cores[opts.Master].Replica.Buckets())
	return e, nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Master returns the administrative core id.
func (e *Engine) Master() int { return e.opts.Master }

// Bus exposes the inter-core bus, mainly for inspection.
func (e *Engine) Bus() *msgbus.Bus { return e.bus }

// Cores returns the enabled core ids in ascending order.
func (e *Engine) Cores() []int { return append([]int(nil), e.enabled...) }

// Core returns an enabled core. A configured but disabled core yields
// ipset.ErrCoreDisabled.
func (e *Engine) Core(id int) (*Core, error) {
	if c, ok := e.cores[id]; ok {
		return c, nil
	}
	if e.disabled[id] {
		return nil, fmt.Errorf("%w: %d", ipset.ErrCoreDisabled, id)
	}
	return nil, fmt.Errorf("%w %d", ErrUnknownCore, id)
}

// Counts returns every enabled core's member count. Safe from any goroutine.
func (e *Engine) Counts() map[int]int {
	out := make(map[int]int, len(e.cores))
	for id, c := range e.cores {
		out[id] = c.Replica.Count()
	}
	return out
}

// MarkBootstrapped records that the initial member set has been loaded.
func (e *Engine) MarkBootstrapped() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInitialized {
		return fmt.Errorf("%w: %s -> %s", ErrBadState, e.state, StateBootstrapped)
	}
	e.state = StateBootstrapped
	return nil
}

// Exec runs fn with the master coordinator on the master core. While the core
// loops are running fn is queued to the master loop and Exec waits for it;
// otherwise fn runs on the caller's goroutine, serialised with other Execs.
func (e *Engine) Exec(ctx context.Context, fn func(*replication.Coordinator) error) error {
	e.mu.RLock()
	if e.state == StateTerminated {
		e.mu.RUnlock()
		return ErrTerminated
	}
	if !e.looping {
		defer e.mu.RUnlock()
		e.execMu.Lock()
		defer e.execMu.Unlock()
		return fn(e.coord)
	}
	stopped := e.runDone
	req := execReq{fn: fn, done: make(chan error, 1)}
	// The read lock is held across the send so Run cannot sweep the queue
	// between the send and its own shutdown.
	select {
	case e.execQ <- req:
		e.mu.RUnlock()
	case <-stopped:
		e.mu.RUnlock()
		return ErrStopped
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts one loop per enabled core and blocks until ctx is done or a loop
// fails. Run may be called again after it returns.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.looping:
		e.mu.Unlock()
		return fmt.Errorf("%w: already running", ErrBadState)
	case e.state != StateBootstrapped && e.state != StateRunning:
		s := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadState, s, StateRunning)
	}
	e.state = StateRunning
	e.looping = true
	e.runDone = make(chan struct{})
	done := e.runDone
	e.mu.Unlock()

	logutil.Infof(e.log, "dataplane: running %d core loops", len(e.enabled))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range e.enabled {
		c := e.cores[id]
		g.Go(func() error { return e.loop(gctx, c) })
	}
	err := g.Wait()

	close(done)
	e.mu.Lock()
	e.looping = false
	for pending := true; pending; {
		select {
		case req := <-e.execQ:
			req.done <- ErrStopped
		default:
			pending = false
		}
	}
	e.mu.Unlock()
	logutil.Infof(e.log, "dataplane: core loops stopped")
	return err
}

func (e *Engine) loop(ctx context.Context, c *Core) error {
	master := c.ID == e.opts.Master
	ready := e.bus.Ready(c.ID)
	var execQ chan execReq
	if master {
		execQ = e.execQ
	}
	var tick <-chan time.Time
	if e.opts.Poll != nil {
		t := time.NewTicker(e.opts.PollInterval)
		defer t.Stop()
		tick = t.C
	}
	depth := obsmetrics.QueueDepth.WithLabelValues(c.label)
	for {
		e.bus.Drain(c.ID, e.opts.DrainBudget)
		depth.Set(float64(e.bus.Pending(c.ID)))
		if master {
			e.runExecs(c)
		}
		if e.opts.Poll != nil {
			e.opts.Poll(c)
		}
		if e.bus.Pending(c.ID) > 0 || (master && len(execQ) > 0) {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		case req := <-execQ:
			req.done <- req.fn(e.coord)
		case <-tick:
		}
	}
}

func (e *Engine) runExecs(c *Core) {
	for i := 0; i < e.opts.DrainBudget; i++ {
		select {
		case req := <-e.execQ:
			req.done <- req.fn(e.coord)
		default:
			return
		}
	}
}

// Settle drains every core's queue until all are empty. It must not be called
// while the core loops are running.
func (e *Engine) Settle() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.looping {
		return fmt.Errorf("%w: loops are running", ErrBadState)
	}
	for {
		n := 0
		for _, id := range e.enabled {
			n += e.bus.Drain(id, 0)
		}
		if n == 0 {
			return nil
		}
	}
}

// Terminate closes the bus and flushes every enabled core's replica. The core
// loops must have stopped.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.looping {
		return fmt.Errorf("%w: loops are running", ErrBadState)
	}
	if e.state == StateTerminated {
		return nil
	}
	e.bus.Close()
	for _, id := range e.opts.Cores {
		c, ok := e.cores[id]
		if !ok {
			continue
		}
		n := c.Replica.Flush()
		obsmetrics.Members.WithLabelValues(c.label).Set(0)
		logutil.Debugf(e.log, "dataplane: core %d released %d members", id, n)
	}
	e.state = StateTerminated
	logutil.Infof(e.log, "dataplane: terminated")
	return nil
}
