// Package replication keeps every core's replica in step: the Coordinator
// applies a mutation on the issuing core and multicasts it, and one Handler per
// core applies what it receives.
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

// Sender is the multicast half of the bus.
type Sender interface {
	Multicast(msgbus.Message) error
}

type CoordinatorOptions struct {
	// Core is the issuing core; it is never addressed by its own multicasts.
	Core    int
	Replica *ipset.Replica
	Bus     Sender
	Logger  *log.Logger
}

func (o CoordinatorOptions) Validate() error {
	if o.Replica == nil {
		return errors.New("replication: replica is required")
	}
	if o.Bus == nil {
		return errors.New("replication: bus is required")
	}
	return nil
}

// Coordinator must only be used from the core that owns Replica.
type Coordinator struct {
	core    int
	label   string
	replica *ipset.Replica
	bus     Sender
	log     *log.Logger
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		core:    opts.Core,
		label:   strconv.Itoa(opts.Core),
		replica: opts.Replica,
		bus:     opts.Bus,
		log:     logutil.OrDefault(opts.Logger),
	}, nil
}

func (c *Coordinator) Core() int               { return c.core }
func (c *Coordinator) Replica() *ipset.Replica { return c.replica }

// Apply mutates the local replica only. See ipset.Replica.Apply for the soft and
// hard outcome rules.
func (c *Coordinator) Apply(b ipset.Batch) ([]ipset.Result, error) {
	results, err := c.replica.Apply(b)
	for _, r := range results {
		obsmetrics.Mutations.WithLabelValues(b.Op.String(), resultLabel(r.Err)).Inc()
	}
	obsmetrics.Members.WithLabelValues(c.label).Set(float64(c.replica.Count()))
	if err != nil {
		logutil.Warnf(c.log, "ipset: core %d %s batch %s stopped after %d/%d records: %v",
			c.core, b.Op, b.ID, len(results), len(b.Members), err)
	}
	return results, err
}

// Propagate multicasts b, as submitted, to every other enabled core. It does
// not wait for delivery. On failure the local replica is left as it is and the
// cores stay diverged until the next successful mutation covers the records.
func (c *Coordinator) Propagate(b ipset.Batch) error {
	msg := msgbus.Message{Source: c.core, BatchID: b.ID}
	switch b.Op {
	case ipset.OpAdd:
		msg.Type = msgbus.MsgSetAdd
	case ipset.OpDelete:
		msg.Type = msgbus.MsgSetDel
	case ipset.OpFlush:
		msg.Type = msgbus.MsgSetFlush
	default:
		return fmt.Errorf("%w: op %s", ipset.ErrNotSupported, b.Op)
	}
	if b.Op != ipset.OpFlush {
		payload, err := wire.Encode(b.Members)
		// Nothing was sent, so this is an invalid-argument failure and not
		// ErrChannelUnavailable.
		if err != nil {
			obsmetrics.Propagations.WithLabelValues(b.Op.String(), "encode_error").Inc()
			logutil.Errorf(c.log, "ipset: core %d cannot encode %s batch %s: %v", c.core, b.Op, b.ID, err)
			return err
		}
		msg.Payload = payload
	}
	if err := c.bus.Multicast(msg); err != nil {
		obsmetrics.Propagations.WithLabelValues(b.Op.String(), "unavailable").Inc()
		logutil.Errorf(c.log, "ipset: core %d multicast %s batch %s failed, replicas diverge: %v", c.core, b.Op, b.ID, err)
		if !errors.Is(err, ipset.ErrChannelUnavailable) {
			err = fmt.Errorf("%w: %v", ipset.ErrChannelUnavailable, err)
		}
		return err
	}
	obsmetrics.Propagations.WithLabelValues(b.Op.String(), "ok").Inc()
	logutil.Debugf(c.log, "ipset: core %d multicast %s batch %s (%d records)", c.core, b.Op, b.ID, len(b.Members))
	return nil
}

// Submit applies b locally then propagates the whole batch, even when the
// local apply stopped early. The returned error joins both failures.
func (c *Coordinator) Submit(b ipset.Batch) ([]ipset.Result, error) {
	if b.ID == "" {
		b.ID = ipset.NewBatch(b.Op).ID
	}
	results, applyErr := c.Apply(b)
	if errors.Is(applyErr, ipset.ErrNotSupported) || (applyErr != nil && len(b.Members) == 0) {
		return results, applyErr
	}
	return results, errors.Join(applyErr, c.Propagate(b))
}

// FlushAll empties the local replica and tells every other core to do the same.
func (c *Coordinator) FlushAll() error {
	b := ipset.NewBatch(ipset.OpFlush)
	n := c.replica.Flush()
	obsmetrics.Members.WithLabelValues(c.label).Set(0)
	logutil.Infof(c.log, "ipset: core %d flushed %d members", c.core, n)
	return c.Propagate(b)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ipset.ErrAlreadyExists):
		return "exists"
	case errors.Is(err, ipset.ErrNotFound):
		return "not_found"
	case errors.Is(err, ipset.ErrSkipped):
		return "skipped"
	case errors.Is(err, ipset.ErrOutOfMemory):
		return "no_memory"
	default:
		return "invalid"
	}
}
