package msgbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/amirimatin/go-ipset/pkg/ipset"
)

func newBus(t *testing.T, depth int, cores ...int) *Bus {
	t.Helper()
	b, err := New(Options{Cores: cores, QueueDepth: depth})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	return b
}

func TestOptionsValidate(t *testing.T) {
	bad := []Options{
		{},
		{Cores: []int{1, 1}},
		{Cores: []int{-1}},
		{Cores: []int{0}, QueueDepth: -1},
	}
	for _, o := range bad {
		if err := o.Validate(); err == nil {
			t.Fatalf("expected error for %+v", o)
		}
	}
}

func TestMulticastSkipsSource(t *testing.T) {
	b := newBus(t, 4, 0, 1, 2)
	if err := b.Multicast(Message{Type: MsgSetAdd, Source: 0}); err != nil {
		t.Fatalf("multicast: %v", err)
	}
	if b.Pending(0) != 0 || b.Pending(1) != 1 || b.Pending(2) != 1 {
		t.Fatalf("pending: %d %d %d", b.Pending(0), b.Pending(1), b.Pending(2))
	}
	select {
	case <-b.Ready(1):
	default:
		t.Fatalf("core 1 not signalled")
	}
}

func TestMulticastAllOrNothing(t *testing.T) {
	b := newBus(t, 1, 0, 1, 2)
	// Fill core 2 only.
	if err := b.Multicast(Message{Type: MsgSetAdd, Source: 1}); err != nil {
		t.Fatalf("first: %v", err)
	}
	b.Drain(0, 0)
	err := b.Multicast(Message{Type: MsgSetAdd, Source: 0})
	if !errors.Is(err, ErrQueueFull) || !errors.Is(err, ipset.ErrChannelUnavailable) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if b.Pending(1) != 0 {
		t.Fatalf("core 1 received part of a failed multicast")
	}
}

func TestDrainDispatchesInOrder(t *testing.T) {
	b := newBus(t, 8, 0, 1)
	var got []string
	for _, typ := range []MsgType{MsgSetAdd, MsgSetDel, MsgSetFlush} {
		typ := typ
		if err := b.Register(1, typ, func(m Message) error {
			got = append(got, typ.String()+":"+m.BatchID)
			return nil
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	_ = b.Multicast(Message{Type: MsgSetAdd, Source: 0, BatchID: "a"})
	_ = b.Multicast(Message{Type: MsgSetDel, Source: 0, BatchID: "b"})
	_ = b.Multicast(Message{Type: MsgSetFlush, Source: 0, BatchID: "c"})

	if n := b.Drain(1, 2); n != 2 {
		t.Fatalf("budget not honoured: %d", n)
	}
	if n := b.Drain(1, 0); n != 1 {
		t.Fatalf("rest: %d", n)
	}
	want := []string{"set_add:a", "set_del:b", "set_flush:c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v want %v", got, want)
		}
	}
}

func TestRegisterErrors(t *testing.T) {
	b := newBus(t, 1, 0)
	if err := b.Register(5, MsgSetAdd, func(Message) error { return nil }); !errors.Is(err, ErrUnknownCore) {
		t.Fatalf("unknown core: %v", err)
	}
	_ = b.Register(0, MsgSetAdd, func(Message) error { return nil })
	if err := b.Register(0, MsgSetAdd, func(Message) error { return nil }); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("duplicate: %v", err)
	}
}

func TestUnhandledAndFailingMessagesAreConsumed(t *testing.T) {
	b := newBus(t, 4, 0, 1)
	_ = b.Register(1, MsgSetDel, func(Message) error { return errors.New("bad batch") })
	_ = b.Multicast(Message{Type: MsgSetAdd, Source: 0})
	_ = b.Multicast(Message{Type: MsgSetDel, Source: 0})
	if n := b.Drain(1, 0); n != 2 || b.Pending(1) != 0 {
		t.Fatalf("drained %d, pending %d", n, b.Pending(1))
	}
}

func TestClose(t *testing.T) {
	b := newBus(t, 4, 0, 1)
	_ = b.Multicast(Message{Type: MsgSetAdd, Source: 0})
	b.Close()
	if err := b.Multicast(Message{Type: MsgSetAdd, Source: 0}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
	if b.Pending(1) != 1 {
		t.Fatalf("queued message lost on close")
	}
}

func TestConcurrentSendersKeepPerSourceOrder(t *testing.T) {
	const perSource = 200
	b := newBus(t, 2*perSource, 0, 1, 2)
	var wg sync.WaitGroup
	for _, src := range []int{0, 1} {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				if err := b.Multicast(Message{Type: MsgSetAdd, Source: src, Payload: []byte{byte(i)}}); err != nil {
					t.Errorf("src %d: %v", src, err)
					return
				}
			}
		}(src)
	}
	wg.Wait()

	next := map[int]int{}
	_ = b.Register(2, MsgSetAdd, func(m Message) error {
		if int(m.Payload[0]) != next[m.Source]%256 {
			t.Errorf("src %d: got %d want %d", m.Source, m.Payload[0], next[m.Source])
		}
		next[m.Source]++
		return nil
	})
	b.Drain(2, 0)
	if next[0] != perSource || next[1] != perSource {
		t.Fatalf("delivered %v", next)
	}
}
