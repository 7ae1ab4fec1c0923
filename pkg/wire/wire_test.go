package wire

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/amirimatin/go-ipset/pkg/ipset"
)

func TestEncodeLayout(t *testing.T) {
	members := []ipset.Member{
		ipset.MemberOf(netip.MustParseAddr("10.0.0.1")),
		ipset.Placeholder(),
		ipset.MemberOf(netip.MustParseAddr("::1")),
	}
	b, err := Encode(members)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0, 0, 0, 3, 2, 10, 0, 0, 1, 0}
	want = append(want, 10)
	want = append(want, make([]byte, 15)...)
	want = append(want, 1)
	if !bytes.Equal(b, want) {
		t.Fatalf("layout mismatch:\n got %v\nwant %v", b, want)
	}
	if len(b) != Size(members) {
		t.Fatalf("size %d, encoded %d", Size(members), len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[0] != members[0] || !got[1].Placeholder() || got[2] != members[2] {
		t.Fatalf("decoded %v", got)
	}
}

func TestEncodeRejectsMalformed(t *testing.T) {
	cases := []ipset.Member{
		{Family: 7},
		{Family: ipset.FamilyIPv4, Addr: netip.MustParseAddr("::1")},
		{Family: ipset.FamilyIPv6},
	}
	for _, m := range cases {
		if _, err := Encode([]ipset.Member{m}); !errors.Is(err, ipset.ErrInvalidArgument) {
			t.Fatalf("encode %+v: %v", m, err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 0, 1}},
		{"count exceeds payload", []byte{0, 0, 0, 2, 0}},
		{"truncated address", []byte{0, 0, 0, 1, 2, 10, 0}},
		{"unknown family", []byte{0, 0, 0, 1, 7, 1, 2, 3, 4}},
		{"trailing data", []byte{0, 0, 0, 1, 0, 9}},
		{"huge count", []byte{0xff, 0xff, 0xff, 0xff}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Decode(c.in); !errors.Is(err, ipset.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestDecodeEmptyList(t *testing.T) {
	got, err := Decode([]byte{0, 0, 0, 0})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestCheckMutation(t *testing.T) {
	if err := CheckMutation([]byte{0, 0, 0, 0}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("header only: %v", err)
	}
	if err := CheckMutation([]byte{0, 0, 0, 1, 0}); err != nil {
		t.Fatalf("header+placeholder: %v", err)
	}
}
