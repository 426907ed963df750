// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package header

import (
	"math/bits"
	"strconv"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

const (
	// IIDSize is the size of an interface identifier (IID), in bytes, as
	// defined by RFC 4291 section 2.5.1.
	IIDSize = 8

	// IIDOffsetInIPv6Address is the offset, in bytes, from the start
	// of an IPv6 address to the beginning of the interface identifier
	// (IID) for auto-generated addresses. That is, all bytes before
	// the IIDOffsetInIPv6Address-th byte are the prefix bytes, and all
	// bytes including and after the IIDOffsetInIPv6Address-th byte are
	// for the IID.
	IIDOffsetInIPv6Address = 8

	// IPv6LinkLocalPrefixLen is the prefix length of an auto-generated
	// link-local address.
	IPv6LinkLocalPrefixLen = 64

	// IPv6SLAACPrefixLen is the only prefix length accepted in a Prefix
	// Information option for stateless address auto-configuration.
	IPv6SLAACPrefixLen = 64

	// ipv6MulticastAddressScopeByteIdx is the byte where the scope (scop)
	// field is located within a multicast IPv6 address, as per RFC 4291
	// section 2.7.
	ipv6MulticastAddressScopeByteIdx = 1

	// ipv6MulticastAddressScopeMask is the mask for the scope (scop) field,
	// within the byte holding the field, as per RFC 4291 section 2.7.
	ipv6MulticastAddressScopeMask = 0xF

	// solicitedNodeSuffixLen is the number of trailing unicast address
	// bytes copied into a solicited-node multicast address.
	solicitedNodeSuffixLen = 3
)

// solicitedNodeMulticastPrefix is the prefix of all solicited-node
// multicast addresses, ff02::1:ff00:0/104.
const solicitedNodeMulticastPrefix = "\xff\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01\xff"

// IPv6LinkLocalPrefix is the prefix for IPv6 link-local addresses, as defined
// by RFC 4291 section 2.5.6.
//
// The prefix is fe80::/64
var IPv6LinkLocalPrefix = tcpip.AddressWithPrefix{
	Address:   "\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00",
	PrefixLen: IPv6LinkLocalPrefixLen,
}

// IPv6AddressScope is the scope of an IPv6 address.
//
// For multicast addresses the value is the 4-bit scop field of the address,
// as per RFC 4291 section 2.7. Unicast addresses map onto the same space.
type IPv6AddressScope int

const (
	// ReservedScope is the reserved multicast scope 0.
	ReservedScope IPv6AddressScope = 0x0

	// InterfaceLocalScope indicates interface-local scope.
	InterfaceLocalScope IPv6AddressScope = 0x1

	// LinkLocalScope indicates link-local scope.
	LinkLocalScope IPv6AddressScope = 0x2

	// AdminLocalScope indicates admin-local scope.
	AdminLocalScope IPv6AddressScope = 0x4

	// SiteLocalScope indicates site-local scope.
	SiteLocalScope IPv6AddressScope = 0x5

	// OrganizationLocalScope indicates organization-local scope.
	OrganizationLocalScope IPv6AddressScope = 0x8

	// GlobalScope indicates global scope.
	GlobalScope IPv6AddressScope = 0xE
)

// String implements fmt.Stringer.
func (s IPv6AddressScope) String() string {
	switch s {
	case ReservedScope:
		return "reserved"
	case InterfaceLocalScope:
		return "interface-local"
	case LinkLocalScope:
		return "link-local"
	case AdminLocalScope:
		return "admin-local"
	case SiteLocalScope:
		return "site-local"
	case OrganizationLocalScope:
		return "organization-local"
	case GlobalScope:
		return "global"
	default:
		return "scope(" + strconv.Itoa(int(s)) + ")"
	}
}

// IsV6MulticastAddress determines if the provided address is an IPv6
// multicast address (anything starting with FF).
func IsV6MulticastAddress(addr tcpip.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}
	return addr[0] == 0xff
}

// IsV6UnicastAddress determines if the provided address is a valid IPv6
// unicast (and specified) address. That is, IsV6UnicastAddress returns
// true if addr contains IPv6AddressSize bytes, is not the unspecified
// address and is not a multicast address.
func IsV6UnicastAddress(addr tcpip.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}

	// Must not be unspecified
	if addr == IPv6Any {
		return false
	}

	// Return if not a multicast.
	return addr[0] != 0xff
}

// IsV6LinkLocalUnicastAddress returns true iff the provided address is an
// IPv6 link-local unicast address, as defined by RFC 4291 section 2.5.6.
func IsV6LinkLocalUnicastAddress(addr tcpip.Address) bool {
	return IsV6UnicastAddress(addr) && addr[0] == 0xfe && (addr[1]&0xc0) == 0x80
}

// IsV6SiteLocalAddress returns true iff the provided address is a deprecated
// site-local unicast address, as defined by RFC 3879.
func IsV6SiteLocalAddress(addr tcpip.Address) bool {
	return IsV6UnicastAddress(addr) && addr[0] == 0xfe && (addr[1]&0xc0) == 0xc0
}

// IsV6LoopbackAddress returns true iff the provided address is the IPv6
// loopback address, as defined by RFC 4291 section 2.5.3.
func IsV6LoopbackAddress(addr tcpip.Address) bool {
	return addr == IPv6Loopback
}

// IsV6LinkLocalMulticastAddress returns true iff the provided address is an
// IPv6 link-local multicast address, as defined by RFC 4291 section 2.7.
func IsV6LinkLocalMulticastAddress(addr tcpip.Address) bool {
	return IsV6MulticastAddress(addr) && V6MulticastScope(addr) == LinkLocalScope
}

// V6MulticastScope returns the scop field of a multicast address.
//
// The provided address must be a multicast address.
func V6MulticastScope(addr tcpip.Address) IPv6AddressScope {
	return IPv6AddressScope(addr[ipv6MulticastAddressScopeByteIdx] & ipv6MulticastAddressScopeMask)
}

// ScopeForIPv6Address returns the scope for an IPv6 address.
//
// The loopback address is classified as link-local, as is fe80::/10.
// fec0::/10 is site-local. Multicast addresses report their scop field.
// Everything else is global.
func ScopeForIPv6Address(addr tcpip.Address) (IPv6AddressScope, tcpip.Error) {
	if len(addr) != IPv6AddressSize {
		return GlobalScope, &tcpip.ErrBadAddress{}
	}

	switch {
	case IsV6MulticastAddress(addr):
		return V6MulticastScope(addr), nil

	case IsV6LoopbackAddress(addr), IsV6LinkLocalUnicastAddress(addr):
		return LinkLocalScope, nil

	case IsV6SiteLocalAddress(addr):
		return SiteLocalScope, nil

	default:
		return GlobalScope, nil
	}
}

// AddressTypeFlags selects the classes of address accepted by
// ValidateIPv6AddressType.
type AddressTypeFlags uint8

const (
	// AllowUnspecified accepts ::.
	AllowUnspecified AddressTypeFlags = 1 << iota

	// AllowLoopback accepts ::1.
	AllowLoopback

	// AllowMulticast accepts ff00::/8.
	AllowMulticast

	// AllowUnicast accepts every other address.
	AllowUnicast
)

// ValidateIPv6AddressType returns ErrBadAddress if addr is not a 16 byte
// address or falls in a class not named in flags.
func ValidateIPv6AddressType(addr tcpip.Address, flags AddressTypeFlags) tcpip.Error {
	if len(addr) != IPv6AddressSize {
		return &tcpip.ErrBadAddress{}
	}

	var class AddressTypeFlags
	switch {
	case addr == IPv6Any:
		class = AllowUnspecified
	case IsV6LoopbackAddress(addr):
		class = AllowLoopback
	case IsV6MulticastAddress(addr):
		class = AllowMulticast
	default:
		class = AllowUnicast
	}

	if flags&class == 0 {
		return &tcpip.ErrBadAddress{}
	}
	return nil
}

// MatchingPrefixLength returns the number of leading bits that a and b have
// in common. Addresses of different lengths share no prefix.
func MatchingPrefixLength(a, b tcpip.Address) int {
	if len(a) != len(b) {
		return 0
	}

	n := 0
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return n + bits.LeadingZeros8(x)
		}
		n += 8
	}
	return n
}

// IPv6Mask returns a 16 byte mask with prefixLen leading one bits. The
// prefix length is clamped to [0, 128].
func IPv6Mask(prefixLen int) tcpip.AddressMask {
	if prefixLen < 0 {
		prefixLen = 0
	}
	if prefixLen > IPv6AddressSize*8 {
		prefixLen = IPv6AddressSize * 8
	}

	var m [IPv6AddressSize]byte
	for i := range m {
		switch {
		case prefixLen >= 8:
			m[i] = 0xff
			prefixLen -= 8
		case prefixLen > 0:
			m[i] = ^byte(0xff >> uint(prefixLen))
			prefixLen = 0
		}
	}
	return tcpip.AddressMask(m[:])
}

// MaskAddress returns addr with every bit outside mask cleared. The mask
// must be as long as the address.
func MaskAddress(addr tcpip.Address, mask tcpip.AddressMask) tcpip.Address {
	if len(addr) != len(mask) {
		return addr
	}

	out := make([]byte, len(addr))
	for i := range out {
		out[i] = addr[i] & mask[i]
	}
	return tcpip.Address(out)
}

// SolicitedNodeAddr computes the solicited-node multicast address. This is
// used for NDP. Described in RFC 4291. The argument must be a full-length
// IPv6 address.
func SolicitedNodeAddr(addr tcpip.Address) tcpip.Address {
	return solicitedNodeMulticastPrefix + addr[len(addr)-solicitedNodeSuffixLen:]
}

// IsSolicitedNodeAddr returns true iff mcast is the solicited-node multicast
// address derived from addr.
func IsSolicitedNodeAddr(mcast, addr tcpip.Address) bool {
	if len(mcast) != IPv6AddressSize || len(addr) != IPv6AddressSize {
		return false
	}
	return mcast == SolicitedNodeAddr(addr)
}

// IsV6SolicitedNodeAddress returns true iff addr lies in ff02::1:ff00:0/104.
func IsV6SolicitedNodeAddress(addr tcpip.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}
	return addr[:len(solicitedNodeMulticastPrefix)] == solicitedNodeMulticastPrefix
}

// EthernetAdddressToModifiedEUI64IntoBuf populates buf with a modified EUI-64
// from a 48-bit Ethernet/MAC address, as per RFC 4291 section 2.5.1.
//
// buf MUST be at least 8 bytes.
func EthernetAdddressToModifiedEUI64IntoBuf(linkAddr tcpip.LinkAddress, buf []byte) {
	buf[0] = linkAddr[0] ^ 2
	buf[1] = linkAddr[1]
	buf[2] = linkAddr[2]
	buf[3] = 0xFF
	buf[4] = 0xFE
	buf[5] = linkAddr[3]
	buf[6] = linkAddr[4]
	buf[7] = linkAddr[5]
}

// EthernetAddressToModifiedEUI64 computes a modified EUI-64 from a 48-bit
// Ethernet/MAC address, as per RFC 4291 section 2.5.1.
func EthernetAddressToModifiedEUI64(linkAddr tcpip.LinkAddress) [IIDSize]byte {
	var buf [IIDSize]byte
	EthernetAdddressToModifiedEUI64IntoBuf(linkAddr, buf[:])
	return buf
}

// LinkLocalAddr computes the default IPv6 link-local address from a link-layer
// (MAC) address.
func LinkLocalAddr(linkAddr tcpip.LinkAddress) tcpip.Address {
	return AddressWithIID(IPv6LinkLocalPrefix.Address, EthernetAddressToModifiedEUI64(linkAddr))
}

// AddressWithIID returns the address made of the first 64 bits of prefix
// followed by iid.
func AddressWithIID(prefix tcpip.Address, iid [IIDSize]byte) tcpip.Address {
	var addr [IPv6AddressSize]byte
	copy(addr[:IIDOffsetInIPv6Address], prefix)
	copy(addr[IIDOffsetInIPv6Address:], iid[:])
	return tcpip.Address(addr[:])
}

// IIDOf returns the interface identifier held in the last 64 bits of addr.
func IIDOf(addr tcpip.Address) [IIDSize]byte {
	var iid [IIDSize]byte
	copy(iid[:], addr[IIDOffsetInIPv6Address:])
	return iid
}
