package ipset

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Family is the address family of a member. Values follow AF_INET/AF_INET6
// so records read by other dataplane tooling keep their meaning.
type Family uint8

const (
	FamilyUnset Family = 0
	FamilyIPv4  Family = 2
	FamilyIPv6  Family = 10
)

func (f Family) String() string {
	switch f {
	case FamilyUnset:
		return "unset"
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// AddrLen returns the number of address bytes a record of this family carries.
// ok is false for families the set does not know.
func (f Family) AddrLen() (n int, ok bool) {
	switch f {
	case FamilyUnset:
		return 0, true
	case FamilyIPv4:
		return 4, true
	case FamilyIPv6:
		return 16, true
	default:
		return 0, false
	}
}

// Member is one host address stored in the set.
type Member struct {
	Family Family
	Addr   netip.Addr
}

// MemberOf derives the family from addr. IPv4-mapped IPv6 addresses stay IPv6.
func MemberOf(addr netip.Addr) Member {
	if addr.Is4() {
		return Member{Family: FamilyIPv4, Addr: addr}
	}
	return Member{Family: FamilyIPv6, Addr: addr}
}

// ParseMember parses a textual IPv4 or IPv6 host address.
func ParseMember(s string) (Member, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Member{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if addr.Zone() != "" {
		return Member{}, fmt.Errorf("%w: zoned address %q", ErrInvalidArgument, s)
	}
	return MemberOf(addr), nil
}

// Placeholder returns an unset-family record.
func Placeholder() Member { return Member{} }

// Placeholder reports whether m is an unparsed bootstrap slot.
func (m Member) Placeholder() bool { return m.Family == FamilyUnset }

// Validate checks that the family is known and the address matches it.
// Zoned addresses are rejected: the zone is not part of a member's identity.
func (m Member) Validate() error {
	if m.Addr.Zone() != "" {
		return fmt.Errorf("%w: zoned address %v", ErrInvalidArgument, m.Addr)
	}
	switch m.Family {
	case FamilyIPv4:
		if !m.Addr.Is4() {
			return fmt.Errorf("%w: %v is not an ipv4 address", ErrInvalidArgument, m.Addr)
		}
	case FamilyIPv6:
		if !m.Addr.Is6() {
			return fmt.Errorf("%w: %v is not an ipv6 address", ErrInvalidArgument, m.Addr)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFamily, m.Family)
	}
	return nil
}

func (m Member) String() string {
	if m.Placeholder() {
		return "<invalid>"
	}
	return m.Addr.String()
}

// Fold reduces m to a bucket index. The address is folded into one 32-bit word
// (IPv6: XOR of its four words), read in network byte order and masked.
// A family other than IPv4/IPv6 returns ErrUnsupportedFamily and no bucket.
func Fold(m Member, mask uint32) (uint32, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	if m.Family == FamilyIPv4 {
		b := m.Addr.As4()
		return binary.BigEndian.Uint32(b[:]) & mask, nil
	}
	b := m.Addr.As16()
	w := binary.BigEndian.Uint32(b[0:4]) ^
		binary.BigEndian.Uint32(b[4:8]) ^
		binary.BigEndian.Uint32(b[8:12]) ^
		binary.BigEndian.Uint32(b[12:16])
	return w & mask, nil
}
