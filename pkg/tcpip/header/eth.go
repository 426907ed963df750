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

import "github.com/ip6stack/ip6stack/pkg/tcpip"

const (
	// EthernetAddressSize is the size, in bytes, of an ethernet address.
	EthernetAddressSize = 6

	// ethernetIPv6MulticastPrefix leads every ethernet address an IPv6
	// multicast group maps to, as per RFC 2464 section 7.
	ethernetIPv6MulticastPrefix = "\x33\x33"
)

// IsValidUnicastEthernetAddress returns true if addr is a 6 byte, specified,
// non-multicast ethernet address and thus usable as an interface
// identifier source.
func IsValidUnicastEthernetAddress(addr tcpip.LinkAddress) bool {
	if len(addr) != EthernetAddressSize {
		return false
	}
	if addr == tcpip.LinkAddress(make([]byte, EthernetAddressSize)) {
		return false
	}
	// The group bit is the least significant bit of the first octet.
	return addr[0]&1 == 0
}

// EthernetAddressFromMulticastIPv6Address returns the link-layer address an
// IPv6 multicast group is received on: 33:33 followed by the last four
// octets of the group.
//
// addr MUST be a multicast IPv6 address.
func EthernetAddressFromMulticastIPv6Address(addr tcpip.Address) tcpip.LinkAddress {
	return tcpip.LinkAddress(ethernetIPv6MulticastPrefix + string(addr[IPv6AddressSize-4:]))
}
