package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	obsmetrics "github.com/amirimatin/go-ipset/pkg/observability/metrics"
)

// Dialer opens a client connection to target.
type Dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches client connections per address and closes the ones left
// idle for longer than its TTL.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dial    Dialer
	closing chan struct{}
	once    sync.Once
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

func NewConnManager(ttl time.Duration, dial Dialer) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// Get returns a connection for target and a release func to call when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	release := func() { m.release(target) }
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		mc.ref++
		mc.lastUsed = time.Now()
		m.mu.Unlock()
		obsmetrics.GRPCConnReuse.Inc()
		return mc.cc, release, nil
	}
	m.mu.Unlock()

	cc, err := m.dial(ctx, target)
	if err != nil {
		return nil, func() {}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[target]; ok {
		// Lost the race to another dialer.
		_ = cc.Close()
		mc.ref++
		mc.lastUsed = time.Now()
		obsmetrics.GRPCConnReuse.Inc()
		return mc.cc, release, nil
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	obsmetrics.GRPCConnDials.Inc()
	obsmetrics.GRPCConnActive.Inc()
	return cc, release, nil
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// Len returns the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
	m.once.Do(func() { close(m.closing) })
	m.mu.Lock()
	for k, mc := range m.conns {
		_ = mc.cc.Close()
		obsmetrics.GRPCConnActive.Dec()
		delete(m.conns, k)
	}
	m.mu.Unlock()
}

func (m *ConnManager) evictIdle(now time.Time) {
	cutoff := now.Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, mc := range m.conns {
		if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
			_ = mc.cc.Close()
			obsmetrics.GRPCConnEvictions.Inc()
			obsmetrics.GRPCConnActive.Dec()
			delete(m.conns, addr)
		}
	}
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}
