// Package wire is the binary record encoding shared by the administrative
// opcodes and the inter-core messages.
//
// Layout: a big-endian uint32 record count followed by that many records.
// Each record is a family byte followed by the address bytes for that family
// (0 for an unset placeholder, 4 for IPv4, 16 for IPv6).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/amirimatin/go-ipset/pkg/ipset"
)

// HeaderLen is the size of the record count prefix.
const HeaderLen = 4

// MinRecordLen is the smallest encoded record (a placeholder).
const MinRecordLen = 1

var (
	ErrShortPayload  = fmt.Errorf("%w: wire: short payload", ipset.ErrInvalidArgument)
	ErrTrailingData  = fmt.Errorf("%w: wire: trailing bytes after last record", ipset.ErrInvalidArgument)
	ErrUnknownFamily = fmt.Errorf("%w: wire: unknown family", ipset.ErrInvalidArgument)
	errCountOverflow = errors.New("wire: record count overflows payload")
)

// RecordLen returns the encoded size of m.
func RecordLen(m ipset.Member) int {
	n, _ := m.Family.AddrLen()
	return 1 + n
}

// Size returns the encoded size of members.
func Size(members []ipset.Member) int {
	n := HeaderLen
	for _, m := range members {
		n += RecordLen(m)
	}
	return n
}

// Encode serializes members. Members whose family is unknown or whose address
// does not match the family are rejected.
func Encode(members []ipset.Member) ([]byte, error) {
	return AppendEncode(make([]byte, 0, Size(members)), members)
}

// AppendEncode appends the encoding of members to dst.
func AppendEncode(dst []byte, members []ipset.Member) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(members)))
	for i, m := range members {
		switch m.Family {
		case ipset.FamilyUnset:
			dst = append(dst, byte(m.Family))
		case ipset.FamilyIPv4, ipset.FamilyIPv6:
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			dst = append(dst, byte(m.Family))
			if m.Family == ipset.FamilyIPv4 {
				b := m.Addr.As4()
				dst = append(dst, b[:]...)
			} else {
				b := m.Addr.As16()
				dst = append(dst, b[:]...)
			}
		default:
			return nil, fmt.Errorf("record %d: %w %d", i, ErrUnknownFamily, m.Family)
		}
	}
	return dst, nil
}

// Decode parses a payload produced by Encode. An unset-family record decodes
// to a placeholder member.
func Decode(b []byte) ([]ipset.Member, error) {
	if len(b) < HeaderLen {
		return nil, ErrShortPayload
	}
	n := binary.BigEndian.Uint32(b)
	b = b[HeaderLen:]
	if uint64(n) > uint64(len(b))/MinRecordLen {
		return nil, fmt.Errorf("%w: %v (%d records, %d bytes)", ErrShortPayload, errCountOverflow, n, len(b))
	}
	out := make([]ipset.Member, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 1 {
			return nil, fmt.Errorf("%w: record %d", ErrShortPayload, i)
		}
		fam := ipset.Family(b[0])
		alen, ok := fam.AddrLen()
		if !ok {
			return nil, fmt.Errorf("record %d: %w %d", i, ErrUnknownFamily, b[0])
		}
		b = b[1:]
		if len(b) < alen {
			return nil, fmt.Errorf("%w: record %d address", ErrShortPayload, i)
		}
		m := ipset.Member{Family: fam}
		switch fam {
		case ipset.FamilyIPv4:
			m.Addr = netip.AddrFrom4([4]byte(b[:4]))
		case ipset.FamilyIPv6:
			m.Addr = netip.AddrFrom16([16]byte(b[:16]))
		}
		b = b[alen:]
		out = append(out, m)
	}
	if len(b) != 0 {
		return nil, ErrTrailingData
	}
	return out, nil
}

// CheckMutation rejects add/delete payloads smaller than a header plus one
// record.
func CheckMutation(b []byte) error {
	if len(b) < HeaderLen+MinRecordLen {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrShortPayload, len(b), HeaderLen+MinRecordLen)
	}
	return nil
}
