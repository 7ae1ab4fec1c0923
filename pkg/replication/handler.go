package replication

import (
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/msgbus"
	obsmetrics "github.com/amirimatin/go-ipset/pkg/observability/metrics"
	"github.com/amirimatin/go-ipset/pkg/wire"
)

// Registrar is the receive half of the bus.
type Registrar interface {
	Register(core int, t msgbus.MsgType, h msgbus.Handler) error
}

// Handler applies replicated mutations to one core's replica. It has no way
// to send, so a received mutation is never forwarded.
type Handler struct {
	core    int
	label   string
	replica *ipset.Replica
	log     *log.Logger
}

func NewHandler(core int, replica *ipset.Replica, logger *log.Logger) *Handler {
	return &Handler{core: core, label: strconv.Itoa(core), replica: replica, log: logutil.OrDefault(logger)}
}

// Attach registers the add, delete and flush handlers for this core.
func (h *Handler) Attach(r Registrar) error {
	return errors.Join(
		r.Register(h.core, msgbus.MsgSetAdd, h.OnAdd),
		r.Register(h.core, msgbus.MsgSetDel, h.OnDelete),
		r.Register(h.core, msgbus.MsgSetFlush, h.OnFlush),
	)
}

func (h *Handler) OnAdd(msg msgbus.Message) error    { return h.apply(ipset.OpAdd, msg) }
func (h *Handler) OnDelete(msg msgbus.Message) error { return h.apply(ipset.OpDelete, msg) }

func (h *Handler) OnFlush(msg msgbus.Message) error {
	n := h.replica.Flush()
	h.done(msg, nil)
	logutil.Debugf(h.log, "ipset: core %d flushed %d members for core %d", h.core, n, msg.Source)
	return nil
}

func (h *Handler) apply(op ipset.Op, msg msgbus.Message) error {
	members, err := wire.Decode(msg.Payload)
	if err != nil {
		h.done(msg, err)
		return fmt.Errorf("core %d decode: %w", h.core, err)
	}
	results, err := h.replica.Apply(ipset.Batch{ID: msg.BatchID, Op: op, Members: members})
	h.done(msg, err)
	if err != nil {
		return fmt.Errorf("core %d %s from core %d stopped at record %d: %w", h.core, op, msg.Source, len(results)-1, err)
	}
	logutil.Debugf(h.log, "ipset: core %d applied %s batch %s: %d/%d records", h.core, op, msg.BatchID, ipset.Applied(results), len(members))
	return nil
}

func (h *Handler) done(msg msgbus.Message, err error) {
	obsmetrics.MessagesHandled.WithLabelValues(h.label, msg.Type.String()).Inc()
	obsmetrics.Members.WithLabelValues(h.label).Set(float64(h.replica.Count()))
	if err != nil {
		obsmetrics.HandlerFailures.WithLabelValues(h.label).Inc()
	}
}
