package control

import (
	"context"
	"errors"

	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/transport"
)

// Handler adapts a Service to transport.ControlHandler. Textual addresses that
// fail to parse reject the request before anything is applied.
func (s *Service) Handler() transport.ControlHandler { return handler{s} }

type handler struct{ s *Service }

var _ transport.ControlHandler = handler{}

func (h handler) Add(ctx context.Context, req transport.MembersRequest) (transport.MutationResponse, error) {
	return h.mutate(ctx, ipset.OpAdd, req)
}

func (h handler) Delete(ctx context.Context, req transport.MembersRequest) (transport.MutationResponse, error) {
	return h.mutate(ctx, ipset.OpDelete, req)
}

func (h handler) mutate(ctx context.Context, op ipset.Op, req transport.MembersRequest) (transport.MutationResponse, error) {
	members := make([]ipset.Member, len(req.Members))
	var errs []error
	for i, a := range req.Members {
		m, err := ipset.ParseMember(a)
		if err != nil {
			errs = append(errs, err)
		}
		members[i] = m
	}
	if err := errors.Join(errs...); err != nil {
		resp := transport.MutationResponse{Op: op.String(), Records: make([]transport.RecordStatus, len(req.Members)), Error: err.Error()}
		for i, a := range req.Members {
			st := StatusNotApplied
			if members[i].Placeholder() {
				st = StatusInvalid
			}
			resp.Records[i] = transport.RecordStatus{Member: a, Status: string(st)}
		}
		return resp, err
	}
	if op == ipset.OpAdd {
		return h.s.Add(ctx, members)
	}
	return h.s.Delete(ctx, members)
}

func (h handler) Flush(ctx context.Context) (transport.FlushResponse, error) {
	if err := h.s.Flush(ctx); err != nil {
		return transport.FlushResponse{Error: err.Error()}, err
	}
	return transport.FlushResponse{}, nil
}

func (h handler) Show(ctx context.Context, req transport.ShowRequest) (transport.ShowResponse, error) {
	core, members, err := h.s.Show(ctx, req.Limit)
	if err != nil {
		return transport.ShowResponse{Error: err.Error()}, err
	}
	out := transport.ShowResponse{Core: core, Count: len(members), Members: make([]string, len(members))}
	for i, m := range members {
		out.Members[i] = m.String()
	}
	return out, nil
}

func (h handler) Sockopt(ctx context.Context, req transport.SockoptRequest) (transport.SockoptResponse, error) {
	op := Opcode(req.Op)
	if req.Get {
		data, err := h.s.Get(ctx, op, req.Payload)
		if err != nil {
			return transport.SockoptResponse{Error: err.Error()}, err
		}
		return transport.SockoptResponse{Data: data}, nil
	}
	report, err := h.s.Set(ctx, op, req.Payload)
	out := transport.SockoptResponse{Report: &report}
	if err != nil {
		out.Error = err.Error()
	}
	return out, err
}
