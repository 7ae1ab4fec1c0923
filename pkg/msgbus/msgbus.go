// Package msgbus is a minimal in-process inter-core message bus: one bounded
// inbound queue per core, typed handlers registered per core, and a
// non-blocking multicast.
package msgbus

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
)

// DefaultQueueDepth is used when Options.QueueDepth is zero.
const DefaultQueueDepth = 1024

// MsgType identifies the handler a message is dispatched to.
type MsgType uint16

const (
	MsgSetAdd   MsgType = 19
	MsgSetDel   MsgType = 20
	MsgSetFlush MsgType = 21
)

func (t MsgType) String() string {
	switch t {
	case MsgSetAdd:
		return "set_add"
	case MsgSetDel:
		return "set_del"
	case MsgSetFlush:
		return "set_flush"
	default:
		return fmt.Sprintf("msg(%d)", uint16(t))
	}
}

// Message is delivered by value to every destination. Payload is shared and
// must be treated as read-only by handlers.
type Message struct {
	Type    MsgType
	Source  int
	BatchID string
	Payload []byte
}

// Handler processes one message on the receiving core.
type Handler func(Message) error

var (
	ErrQueueFull     = fmt.Errorf("%w: destination queue full", ipset.ErrChannelUnavailable)
	ErrClosed        = fmt.Errorf("%w: bus closed", ipset.ErrChannelUnavailable)
	ErrUnknownCore   = errors.New("msgbus: unknown core")
	ErrDuplicateType = errors.New("msgbus: handler already registered")
)

type Options struct {
	// Cores lists the enabled cores. Only these get a queue.
	Cores      []int
	QueueDepth int
	Logger     *log.Logger
}

func (o Options) Validate() error {
	if len(o.Cores) == 0 {
		return errors.New("msgbus: at least one core required")
	}
	seen := make(map[int]struct{}, len(o.Cores))
	for _, c := range o.Cores {
		if c < 0 {
			return fmt.Errorf("msgbus: negative core id %d", c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("msgbus: duplicate core id %d", c)
		}
		seen[c] = struct{}{}
	}
	if o.QueueDepth < 0 {
		return errors.New("msgbus: negative queue depth")
	}
	return nil
}

type inbox struct {
	q     chan Message
	ready chan struct{}

	mu       sync.RWMutex
	handlers map[MsgType]Handler
}

// Bus is safe for concurrent use. Multicast senders are serialised so that the
// capacity check and the sends form one step.
type Bus struct {
	log    *log.Logger
	cores  []int
	inbox  map[int]*inbox
	sendMu sync.Mutex
	closed bool
}

func New(opts Options) (*Bus, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	depth := opts.QueueDepth
	if depth == 0 {
		depth = DefaultQueueDepth
	}
	b := &Bus{log: logutil.OrDefault(opts.Logger), inbox: make(map[int]*inbox, len(opts.Cores))}
	for _, c := range opts.Cores {
		b.inbox[c] = &inbox{
			q:        make(chan Message, depth),
			ready:    make(chan struct{}, 1),
			handlers: make(map[MsgType]Handler),
		}
		b.cores = append(b.cores, c)
	}
	sort.Ints(b.cores)
	return b, nil
}

// Cores returns the enabled cores in ascending order.
func (b *Bus) Cores() []int { return append([]int(nil), b.cores...) }

// Register installs h for messages of type t delivered to core.
func (b *Bus) Register(core int, t MsgType, h Handler) error {
	in, ok := b.inbox[core]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownCore, core)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, dup := in.handlers[t]; dup {
		return fmt.Errorf("%w: core %d type %s", ErrDuplicateType, core, t)
	}
	in.handlers[t] = h
	return nil
}

// Multicast enqueues msg on every enabled core except msg.Source. It never
// blocks: if any destination queue is full nothing is sent and ErrQueueFull is
// returned. A bus with no other cores accepts the message trivially.
func (b *Bus) Multicast(msg Message) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	dests := make([]*inbox, 0, len(b.cores))
	for _, c := range b.cores {
		if c == msg.Source {
			continue
		}
		in := b.inbox[c]
		if len(in.q) >= cap(in.q) {
			return fmt.Errorf("%w: core %d", ErrQueueFull, c)
		}
		dests = append(dests, in)
	}
	// Only senders holding sendMu enqueue, so room checked above is still there.
	for _, in := range dests {
		in.q <- msg
		select {
		case in.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// Ready is signalled after messages are enqueued for core. Receivers use it to
// sleep between drains; it carries no count.
func (b *Bus) Ready(core int) <-chan struct{} {
	if in, ok := b.inbox[core]; ok {
		return in.ready
	}
	return nil
}

// Pending returns the number of queued messages for core.
func (b *Bus) Pending(core int) int {
	if in, ok := b.inbox[core]; ok {
		return len(in.q)
	}
	return 0
}

// Drain dispatches up to budget queued messages for core without blocking and
// returns how many were taken off the queue. budget <= 0 drains what is queued
// at the time of the call. Handler errors are logged, not returned.
func (b *Bus) Drain(core, budget int) int {
	in, ok := b.inbox[core]
	if !ok {
		return 0
	}
	if budget <= 0 {
		budget = len(in.q)
	}
	n := 0
	for n < budget {
		var msg Message
		select {
		case msg = <-in.q:
		default:
			return n
		}
		n++
		in.mu.RLock()
		h := in.handlers[msg.Type]
		in.mu.RUnlock()
		if h == nil {
			logutil.Warnf(b.log, "msgbus: core %d dropped %s from core %d: no handler", core, msg.Type, msg.Source)
			continue
		}
		if err := h(msg); err != nil {
			logutil.Errorf(b.log, "msgbus: core %d handler %s batch %s: %v", core, msg.Type, msg.BatchID, err)
		}
	}
	return n
}

// Close rejects further multicasts. Queued messages can still be drained.
func (b *Bus) Close() {
	b.sendMu.Lock()
	b.closed = true
	b.sendMu.Unlock()
}
