package control

import (
	"context"
	"io"
	"log"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-ipset/pkg/dataplane"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/transport"
	"github.com/amirimatin/go-ipset/pkg/wire"
)

var quiet = log.New(io.Discard, "", 0)

func newService(t *testing.T, opts dataplane.Options) (*Service, *dataplane.Engine) {
	t.Helper()
	if len(opts.Cores) == 0 {
		opts.Cores = []int{0, 1, 2}
	}
	opts.Logger = quiet
	e, err := dataplane.New(opts)
	require.NoError(t, err)
	return NewService(e, quiet), e
}

func m(s string) ipset.Member { return ipset.MemberOf(netip.MustParseAddr(s)) }

func statuses(resp transport.MutationResponse) []string {
	out := make([]string, len(resp.Records))
	for i, r := range resp.Records {
		out[i] = r.Status
	}
	return out
}

func TestAddThenShow(t *testing.T) {
	s, _ := newService(t, dataplane.Options{})
	ctx := context.Background()
	resp, err := s.Add(ctx, []ipset.Member{m("10.0.0.1"), m("10.0.0.2")})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "ok"}, statuses(resp))
	assert.Equal(t, 2, resp.Applied)
	assert.NotEmpty(t, resp.BatchID)

	core, members, err := s.Show(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, core)
	assert.ElementsMatch(t, []ipset.Member{m("10.0.0.1"), m("10.0.0.2")}, members)
}

func TestDuplicateAddIsSoft(t *testing.T) {
	s, _ := newService(t, dataplane.Options{})
	ctx := context.Background()
	_, err := s.Add(ctx, []ipset.Member{m("10.0.0.1")})
	require.NoError(t, err)
	resp, err := s.Add(ctx, []ipset.Member{m("10.0.0.1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"exists"}, statuses(resp))
	_, members, _ := s.Show(ctx, 0)
	assert.Len(t, members, 1)
}

func TestFlushMixedFamilies(t *testing.T) {
	s, e := newService(t, dataplane.Options{})
	ctx := context.Background()
	_, err := s.Add(ctx, []ipset.Member{m("10.0.0.1"), m("2001:db8::1")})
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	_, members, err := s.Show(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, members)
	require.NoError(t, e.Settle())
	for id, n := range e.Counts() {
		assert.Zero(t, n, "core %d", id)
	}
}

func TestDeleteOnEmpty(t *testing.T) {
	s, _ := newService(t, dataplane.Options{})
	resp, err := s.Delete(context.Background(), []ipset.Member{m("10.0.0.9")})
	require.NoError(t, err)
	assert.Equal(t, []string{"not_found"}, statuses(resp))
	assert.Zero(t, resp.Applied)
}

func TestInvalidRecordRejectsRequest(t *testing.T) {
	s, e := newService(t, dataplane.Options{})
	bad := ipset.Member{Family: ipset.FamilyIPv4, Addr: netip.MustParseAddr("::1")}
	resp, err := s.Add(context.Background(), []ipset.Member{m("10.0.0.1"), bad})
	assert.ErrorIs(t, err, ipset.ErrInvalidArgument)
	assert.Equal(t, []string{"not_applied", "invalid"}, statuses(resp))
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, e.Counts()[0])

	_, err = s.Add(context.Background(), nil)
	assert.ErrorIs(t, err, ipset.ErrInvalidArgument)
}

func TestHardStopMarksRemainderNotApplied(t *testing.T) {
	s, e := newService(t, dataplane.Options{MaxEntries: 1})
	resp, err := s.Add(context.Background(), []ipset.Member{m("10.0.0.1"), m("10.0.0.2"), m("10.0.0.3")})
	assert.ErrorIs(t, err, ipset.ErrOutOfMemory)
	assert.Equal(t, []string{"ok", "no_memory", "not_applied"}, statuses(resp))
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, 1, e.Counts()[0])
}

func TestOpcodes(t *testing.T) {
	s, _ := newService(t, dataplane.Options{})
	ctx := context.Background()

	payload, err := wire.Encode([]ipset.Member{m("10.0.0.1"), ipset.Placeholder(), m("fe80::1")})
	require.NoError(t, err)
	resp, err := s.Set(ctx, OpSetAdd, payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "skipped", "ok"}, statuses(resp))

	data, err := s.Get(ctx, OpGetShow, nil)
	require.NoError(t, err)
	members, err := wire.Decode(data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ipset.Member{m("10.0.0.1"), m("fe80::1")}, members)

	payload, _ = wire.Encode([]ipset.Member{m("10.0.0.1")})
	resp, err = s.Set(ctx, OpSetDel, payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, statuses(resp))

	_, err = s.Set(ctx, OpSetFlush, nil)
	require.NoError(t, err)
	data, err = s.Get(ctx, OpGetShow, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestOpcodeErrors(t *testing.T) {
	s, _ := newService(t, dataplane.Options{})
	ctx := context.Background()
	_, err := s.Set(ctx, Opcode(1104), nil)
	assert.ErrorIs(t, err, ipset.ErrNotSupported)
	_, err = s.Set(ctx, OpGetShow, nil)
	assert.ErrorIs(t, err, ipset.ErrNotSupported)
	_, err = s.Get(ctx, OpSetAdd, nil)
	assert.ErrorIs(t, err, ipset.ErrNotSupported)

	_, err = s.Set(ctx, OpSetAdd, []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ipset.ErrInvalidArgument)
	_, err = s.Set(ctx, OpSetAdd, []byte{0, 0, 0, 1, 7})
	assert.ErrorIs(t, err, ipset.ErrInvalidArgument)

	assert.True(t, OpSetFlush.IsSet())
	assert.False(t, OpGetShow.IsSet())
	assert.True(t, OpGetShow.IsGet())
}

func TestHandlerParsesAddresses(t *testing.T) {
	s, e := newService(t, dataplane.Options{})
	h := s.Handler()
	ctx := context.Background()

	resp, err := h.Add(ctx, transport.MembersRequest{Members: []string{"10.0.0.1", "bogus"}})
	assert.ErrorIs(t, err, ipset.ErrInvalidArgument)
	assert.Equal(t, []string{"not_applied", "invalid"}, statuses(resp))
	assert.Zero(t, e.Counts()[0])

	resp, err = h.Add(ctx, transport.MembersRequest{Members: []string{"10.0.0.1", "2001:db8::2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Applied)

	show, err := h.Show(ctx, transport.ShowRequest{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, show.Count)

	so, err := h.Sockopt(ctx, transport.SockoptRequest{Op: int(OpGetShow), Get: true})
	require.NoError(t, err)
	members, err := wire.Decode(so.Data)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = h.Flush(ctx)
	require.NoError(t, err)
	show, _ = h.Show(ctx, transport.ShowRequest{})
	assert.Zero(t, show.Count)
}
