// Package control is the administrative surface of the set: typed add, delete,
// flush and show calls, and the raw opcode entry points that carry the binary
// record encoding.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	obsmetrics "github.com/amirimatin/go-ipset/pkg/observability/metrics"
	"github.com/amirimatin/go-ipset/pkg/observability/tracing"
	"github.com/amirimatin/go-ipset/pkg/replication"
	"github.com/amirimatin/go-ipset/pkg/transport"
	"github.com/amirimatin/go-ipset/pkg/wire"
)

// Executor runs fn on the core that owns the coordinator.
// *dataplane.Engine implements it.
type Executor interface {
	Exec(ctx context.Context, fn func(*replication.Coordinator) error) error
}

// Service is safe for concurrent use; all table access goes through Executor.
type Service struct {
	exec Executor
	log  *log.Logger
}

func NewService(exec Executor, logger *log.Logger) *Service {
	return &Service{exec: exec, log: logutil.OrDefault(logger)}
}

// Show returns the master core's replica in bucket then chain order, up to
// limit members (limit <= 0: all). Other cores are not consulted.
func (s *Service) Show(ctx context.Context, limit int) (core int, members []ipset.Member, err error) {
	ctx, end := tracing.StartSpan(ctx, "control.show")
	defer end()
	type snapshot struct {
		core    int
		members []ipset.Member
	}
	out := make(chan snapshot, 1)
	err = s.exec.Exec(ctx, func(c *replication.Coordinator) error {
		out <- snapshot{core: c.Core(), members: c.Replica().Snapshot(limit)}
		return nil
	})
	if err == nil {
		snap := <-out
		core, members = snap.core, snap.members
	}
	obsmetrics.ControlRequests.WithLabelValues("show", obsmetrics.Result(err)).Inc()
	return core, members, err
}

// Add inserts members on every core. See mutate.
func (s *Service) Add(ctx context.Context, members []ipset.Member) (transport.MutationResponse, error) {
	return s.mutate(ctx, ipset.OpAdd, members)
}

// Delete removes members from every core. See mutate.
func (s *Service) Delete(ctx context.Context, members []ipset.Member) (transport.MutationResponse, error) {
	return s.mutate(ctx, ipset.OpDelete, members)
}

// Flush empties every core's replica.
func (s *Service) Flush(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "control.flush")
	defer end()
	err := s.exec.Exec(ctx, func(c *replication.Coordinator) error { return c.FlushAll() })
	obsmetrics.ControlRequests.WithLabelValues("flush", obsmetrics.Result(err)).Inc()
	if err != nil {
		logutil.Errorf(s.log, "control: flush: %v", err)
	}
	return err
}

// mutate validates every record, then submits the batch through the
// coordinator. A record with a bad family or address rejects the whole request
// before anything is applied. Unset placeholders pass validation and are
// skipped when applied.
func (s *Service) mutate(ctx context.Context, op ipset.Op, members []ipset.Member) (transport.MutationResponse, error) {
	b := ipset.NewBatch(op, members...)
	ctx, end := tracing.StartSpan(ctx, "control."+op.String(), "batch", b.ID)
	defer end()

	resp := transport.MutationResponse{Op: op.String(), BatchID: b.ID, Records: make([]transport.RecordStatus, len(members))}
	for i, m := range members {
		resp.Records[i] = transport.RecordStatus{Member: m.String(), Status: string(StatusNotApplied)}
	}
	err := validate(members)
	if err == nil {
		// The closure runs on the master core; results come back over a
		// channel so an abandoned Exec never races with resp.
		out := make(chan []ipset.Result, 1)
		err = s.exec.Exec(ctx, func(c *replication.Coordinator) error {
			results, err := c.Submit(b)
			out <- results
			return err
		})
		var results []ipset.Result
		select {
		case results = <-out:
		default:
		}
		for i, r := range results {
			resp.Records[i].Status = string(StatusOf(r.Err))
			if r.Err != nil && !ipset.IsSoft(r.Err) {
				resp.Records[i].Error = r.Err.Error()
			}
		}
		resp.Applied = ipset.Applied(results)
	} else {
		for i, m := range members {
			if !m.Placeholder() && m.Validate() != nil {
				resp.Records[i].Status = string(StatusInvalid)
			}
		}
	}
	obsmetrics.ControlRequests.WithLabelValues(op.String(), obsmetrics.Result(err)).Inc()
	if err != nil {
		resp.Error = err.Error()
		logutil.Warnf(s.log, "control: %s batch %s (%d records): %v", op, b.ID, len(members), err)
	} else {
		logutil.Infof(s.log, "control: %s batch %s applied %d/%d records", op, b.ID, resp.Applied, len(members))
	}
	return resp, err
}

func validate(members []ipset.Member) error {
	if len(members) == 0 {
		return fmt.Errorf("%w: no members", ipset.ErrInvalidArgument)
	}
	var errs []error
	for i, m := range members {
		if m.Placeholder() {
			continue
		}
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Set runs a set-range opcode. Add and delete payloads use the wire encoding
// and must hold at least one record.
func (s *Service) Set(ctx context.Context, op Opcode, payload []byte) (transport.MutationResponse, error) {
	switch op {
	case OpSetAdd, OpSetDel:
		if err := wire.CheckMutation(payload); err != nil {
			return transport.MutationResponse{Op: op.String(), Error: err.Error()}, err
		}
		members, err := wire.Decode(payload)
		if err != nil {
			return transport.MutationResponse{Op: op.String(), Error: err.Error()}, err
		}
		if op == OpSetAdd {
			return s.Add(ctx, members)
		}
		return s.Delete(ctx, members)
	case OpSetFlush:
		err := s.Flush(ctx)
		resp := transport.MutationResponse{Op: op.String()}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp, err
	default:
		err := fmt.Errorf("%w: set opcode %d", ipset.ErrNotSupported, int(op))
		return transport.MutationResponse{Op: op.String(), Error: err.Error()}, err
	}
}

// Get runs a get-range opcode and returns its binary reply. GetShow replies
// with the master core's members in the wire encoding.
func (s *Service) Get(ctx context.Context, op Opcode, _ []byte) ([]byte, error) {
	if op != OpGetShow {
		return nil, fmt.Errorf("%w: get opcode %d", ipset.ErrNotSupported, int(op))
	}
	_, members, err := s.Show(ctx, 0)
	if err != nil {
		return nil, err
	}
	return wire.Encode(members)
}
