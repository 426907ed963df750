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

// Package tcpip provides the types shared by every layer of the IPv6 suite:
// addresses, NIC identifiers, the error space, the clock and timer
// abstractions, and the statistics tree.
//
// The starting point for users is the stack package, which owns the global
// network lock and the NIC registry. The network/ipv6 package builds the
// IPv6 engine on top of it.
package tcpip

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Errors related to Subnet
var (
	errSubnetLengthMismatch = errors.New("subnet length of address and mask differ")
	errSubnetAddressMasked  = errors.New("subnet address has bits set outside the mask")
)

// A Clock provides the current time and schedules work.
//
// Times returned by a Clock should always be used for application-visible
// time. Only monotonic times should be used for netstack internal timekeeping.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call using
	// its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops
	// the timer, false if the timer has already expired or been stopped.
	//
	// If Stop returns false, then the timer has already expired and the
	// function f of Clock.AfterFunc(d, f) has been started in its own
	// goroutine; Stop does not wait for f to complete before returning. To
	// ensure that f completes, the caller must coordinate with f explicitly.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	//
	// Reset should be invoked only on stopped or expired timers. If the timer
	// is known to have expired, Reset can be used directly. Otherwise, the
	// caller must coordinate with the function f of Clock.AfterFunc(d, f).
	Reset(d time.Duration)
}

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// String implements Stringer.
func (mt MonotonicTime) String() string {
	return strconv.FormatInt(mt.nanoseconds, 10)
}

// Before reports whether the monotonic clock reading mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the monotonic clock reading mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns the monotonic clock reading mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{
		nanoseconds: time.Unix(0, mt.nanoseconds).Add(d).Sub(time.Unix(0, 0)).Nanoseconds(),
	}
}

// Sub returns the duration mt-u. If the result exceeds the maximum (or minimum)
// value that can be stored in a Duration, the maximum (or minimum) duration
// will be returned. To compute t-d for a duration d, use t.Add(-d).
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Unix(0, mt.nanoseconds).Sub(time.Unix(0, u.nanoseconds))
}

// Address is a byte slice cast as a string that represents the address of a
// network node. IPv6 addresses are always 16 bytes long.
type Address string

// AddressMask is a bitmask for an address.
type AddressMask string

// String implements Stringer.
func (m AddressMask) String() string {
	return Address(m).String()
}

// Prefix returns the number of bits before the first host bit.
func (m AddressMask) Prefix() int {
	p := 0
	for _, b := range []byte(m) {
		p += bits.LeadingZeros8(^b)
	}
	return p
}

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the address and mask are the same length.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if len(a) != len(m) {
		return Subnet{}, errSubnetLengthMismatch
	}
	for i := 0; i < len(a); i++ {
		if a[i]&^m[i] != 0 {
			return Subnet{}, errSubnetAddressMasked
		}
	}
	return Subnet{a, m}, nil
}

// String implements Stringer.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.ID(), s.Prefix())
}

// Contains returns true iff the address is of the same length and matches the
// subnet address and mask.
func (s *Subnet) Contains(a Address) bool {
	if len(a) != len(s.address) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]&s.mask[i] != s.address[i] {
			return false
		}
	}
	return true
}

// ID returns the subnet ID.
func (s *Subnet) ID() Address {
	return s.address
}

// Bits returns the number of ones (network bits) and zeros (host bits) in the
// subnet mask.
func (s *Subnet) Bits() (ones int, zeros int) {
	ones = s.mask.Prefix()
	return ones, len(s.mask)*8 - ones
}

// Prefix returns the number of bits before the first host bit.
func (s *Subnet) Prefix() int {
	return s.mask.Prefix()
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// String implements the fmt.Stringer interface.
func (id NICID) String() string {
	return "nic" + strconv.Itoa(int(id))
}

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// NetworkProtocolNumber is the number of a network protocol.
type NetworkProtocolNumber uint32

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 4, 16:
		ip, ok := netip.AddrFromSlice([]byte(a))
		if !ok {
			break
		}
		return ip.String()
	case 0:
		return ""
	}
	return fmt.Sprintf("%x", []byte(a))
}

// Unspecified returns true if the address is all zeros or empty.
func (a Address) Unspecified() bool {
	for i := 0; i < len(a); i++ {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

// As16 returns the address as a 16-byte array. It panics if the address is
// not 16 bytes long.
func (a Address) As16() [16]byte {
	if len(a) != 16 {
		panic(fmt.Sprintf("address %x is %d bytes long, want 16", []byte(a), len(a)))
	}
	var b [16]byte
	copy(b[:], a)
	return b
}

// ParseAddress parses s as an IP address in textual form.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	return Address(ip.AsSlice()), nil
}

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// AddressWithPrefix is an address with its subnet prefix length.
type AddressWithPrefix struct {
	// Address is a network address.
	Address Address

	// PrefixLen is the subnet prefix length.
	PrefixLen int
}

// String implements the fmt.Stringer interface.
func (a AddressWithPrefix) String() string {
	return fmt.Sprintf("%s/%d", a.Address, a.PrefixLen)
}

// ParseAddressWithPrefix parses s in CIDR notation without requiring the host
// bits to be zero.
func ParseAddressWithPrefix(s string) (AddressWithPrefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return AddressWithPrefix{}, err
	}
	return AddressWithPrefix{Address: Address(p.Addr().AsSlice()), PrefixLen: p.Bits()}, nil
}

// Subnet converts the address and prefix into a Subnet value and returns it.
func (a AddressWithPrefix) Subnet() Subnet {
	addrLen := len(a.Address)
	if a.PrefixLen <= 0 {
		return Subnet{
			address: Address(strings.Repeat("\x00", addrLen)),
			mask:    AddressMask(strings.Repeat("\x00", addrLen)),
		}
	}
	if a.PrefixLen >= addrLen*8 {
		return Subnet{
			address: a.Address,
			mask:    AddressMask(strings.Repeat("\xff", addrLen)),
		}
	}

	sa := make([]byte, addrLen)
	sm := make([]byte, addrLen)
	n := uint(a.PrefixLen)
	for i := 0; i < addrLen; i++ {
		if n >= 8 {
			sa[i] = a.Address[i]
			sm[i] = 0xff
			n -= 8
			continue
		}
		sm[i] = ^byte(0xff >> n)
		sa[i] = a.Address[i] & sm[i]
		n = 0
	}

	s, err := NewSubnet(Address(sa), AddressMask(sm))
	if err != nil {
		panic("invalid subnet: " + err.Error())
	}
	return s
}

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// ICMPv6PacketStats enumerates counts for all ICMPv6 packet types the suite
// knows about.
type ICMPv6PacketStats struct {
	// EchoRequest is the total number of ICMPv6 echo request packets
	// counted.
	EchoRequest *StatCounter

	// EchoReply is the total number of ICMPv6 echo reply packets counted.
	EchoReply *StatCounter

	// DstUnreachable is the total number of ICMPv6 destination unreachable
	// packets counted.
	DstUnreachable *StatCounter

	// PacketTooBig is the total number of ICMPv6 packet too big packets
	// counted.
	PacketTooBig *StatCounter

	// TimeExceeded is the total number of ICMPv6 time exceeded packets
	// counted.
	TimeExceeded *StatCounter

	// ParamProblem is the total number of ICMPv6 parameter problem packets
	// counted.
	ParamProblem *StatCounter

	// RouterSolicit is the total number of ICMPv6 router solicit packets
	// counted.
	RouterSolicit *StatCounter

	// RouterAdvert is the total number of ICMPv6 router advert packets
	// counted.
	RouterAdvert *StatCounter

	// NeighborSolicit is the total number of ICMPv6 neighbor solicit
	// packets counted.
	NeighborSolicit *StatCounter

	// NeighborAdvert is the total number of ICMPv6 neighbor advert packets
	// counted.
	NeighborAdvert *StatCounter

	// MulticastListenerQuery is the total number of Multicast Listener Query
	// messages counted.
	MulticastListenerQuery *StatCounter

	// MulticastListenerReport is the total number of Multicast Listener
	// Report messages counted.
	MulticastListenerReport *StatCounter

	// MulticastListenerDone is the total number of Multicast Listener Done
	// messages counted.
	MulticastListenerDone *StatCounter
}

// ICMPv6SentPacketStats collects outbound ICMPv6-specific stats.
type ICMPv6SentPacketStats struct {
	ICMPv6PacketStats

	// Dropped is the total number of ICMPv6 packets dropped due to link
	// layer errors.
	Dropped *StatCounter

	// RateLimited is the total number of ICMPv6 error packets dropped due to
	// rate limit being exceeded.
	RateLimited *StatCounter
}

// ICMPv6ReceivedPacketStats collects inbound ICMPv6-specific stats.
type ICMPv6ReceivedPacketStats struct {
	ICMPv6PacketStats

	// Invalid is the total number of ICMPv6 packets received that could not
	// be parsed.
	Invalid *StatCounter

	// ChecksumErrors is the total number of ICMPv6 packets received with a
	// bad checksum.
	ChecksumErrors *StatCounter

	// Unrecognized is the total number of ICMPv6 packets received with an
	// unknown type.
	Unrecognized *StatCounter
}

// ICMPv6Stats collects ICMPv6-specific stats.
type ICMPv6Stats struct {
	// PacketsSent contains counts of sent packets by ICMPv6 packet type
	// and a single count of packets which failed to write to the link
	// layer.
	PacketsSent ICMPv6SentPacketStats

	// PacketsReceived contains counts of received packets by ICMPv6 packet
	// type and a single count of invalid packets received.
	PacketsReceived ICMPv6ReceivedPacketStats
}

// IPStats collects IPv6 network layer stats.
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer.
	PacketsReceived *StatCounter

	// PacketsDelivered is the total number of incoming IP packets that
	// are successfully delivered to an upper layer.
	PacketsDelivered *StatCounter

	// PacketsSent is the total number of IP packets sent via WritePacket.
	PacketsSent *StatCounter

	// PacketsLooped is the total number of packets sent to a local address
	// and handed back to the receive path.
	PacketsLooped *StatCounter

	// OutgoingPacketErrors is the total number of IP packets which failed
	// to write to a link-layer endpoint.
	OutgoingPacketErrors *StatCounter

	// MalformedPacketsReceived is the total number of IP packets that were
	// dropped due to the IP packet header failing validation checks.
	MalformedPacketsReceived *StatCounter

	// InvalidVersionReceived is the total number of packets dropped because
	// the version field was not 6.
	InvalidVersionReceived *StatCounter

	// FilteredPacketsReceived is the total number of packets dropped by the
	// traffic class or flow label receive filters.
	FilteredPacketsReceived *StatCounter

	// InvalidSourceAddressesReceived is the total number of packets dropped
	// because of a multicast or loopback source address.
	InvalidSourceAddressesReceived *StatCounter

	// InvalidDestinationAddressesReceived is the total number of packets
	// dropped because the destination is not local to the NIC.
	InvalidDestinationAddressesReceived *StatCounter

	// UnknownNextHeaderReceived is the total number of packets dropped with
	// an unrecognized next header value.
	UnknownNextHeaderReceived *StatCounter

	// UnsupportedExtensionHeaderReceived is the total number of packets
	// dropped because they carry an ESP or mobility header.
	UnsupportedExtensionHeaderReceived *StatCounter

	// OptionDiscarded is the total number of packets dropped because an
	// unknown option asked for it.
	OptionDiscarded *StatCounter

	// RoutingHeaderDiscarded is the total number of packets dropped because
	// of a routing header with segments left.
	RoutingHeaderDiscarded *StatCounter

	// UnknownProtocolReceived is the total number of packets whose upper
	// layer protocol has no receiver.
	UnknownProtocolReceived *StatCounter

	// HeaderTooLargeForBuffer is the total number of transmits rejected
	// because the headers did not fit in front of the payload.
	HeaderTooLargeForBuffer *StatCounter

	// PacketTooBigForLink is the total number of transmits rejected because
	// the packet exceeds the link MTU.
	PacketTooBigForLink *StatCounter

	// NoRoute is the total number of transmits that failed next-hop
	// selection.
	NoRoute *StatCounter
}

// FragmentationStats collects reassembly stats.
type FragmentationStats struct {
	// FragmentsReceived is the total number of non-atomic fragments handed
	// to the reassembler.
	FragmentsReceived *StatCounter

	// ReassembledPackets is the total number of datagrams completed.
	ReassembledPackets *StatCounter

	// MalformedFragments is the total number of fragments dropped for a bad
	// size or offset.
	MalformedFragments *StatCounter

	// Overlaps is the total number of reassemblies discarded because two
	// fragments overlapped.
	Overlaps *StatCounter

	// Overflows is the total number of reassemblies discarded because the
	// datagram would exceed 65535 octets.
	Overflows *StatCounter

	// Timeouts is the total number of reassemblies discarded by their timer.
	Timeouts *StatCounter

	// ListsExhausted is the total number of fragments dropped because every
	// reassembly list was in use.
	ListsExhausted *StatCounter
}

// MLDStats collects Multicast Listener Discovery stats.
type MLDStats struct {
	// Invalid is the total number of MLD messages that failed receive
	// validation.
	Invalid *StatCounter

	// ReportsSuppressed is the total number of pending reports cancelled
	// because another listener reported first.
	ReportsSuppressed *StatCounter

	// SendErrors is the total number of reports or dones that could not be
	// written.
	SendErrors *StatCounter

	// Retransmits is the total number of delayed reports retried after a
	// transient error.
	Retransmits *StatCounter
}

// AddrCfgStats collects address configuration stats.
type AddrCfgStats struct {
	// AddressesAdded is the total number of addresses that reached the
	// table.
	AddressesAdded *StatCounter

	// AddressesRemoved is the total number of addresses removed.
	AddressesRemoved *StatCounter

	// QueuedWhileLinkDown is the total number of non-blocking adds queued
	// for the next link-up.
	QueuedWhileLinkDown *StatCounter

	// DADFailures is the total number of addresses rejected by duplicate
	// address detection.
	DADFailures *StatCounter

	// LifetimesExpired is the total number of addresses removed because
	// their valid lifetime ran out.
	LifetimesExpired *StatCounter

	// RouterSolicitationsSent is the total number of router solicitations
	// issued by auto-configuration.
	RouterSolicitationsSent *StatCounter

	// AutoConfigSucceeded is the total number of auto-configuration runs
	// that produced a global address.
	AutoConfigSucceeded *StatCounter

	// AutoConfigFailed is the total number of auto-configuration runs that
	// ended in failure.
	AutoConfigFailed *StatCounter
}

// Stats holds statistics about the networking stack.
//
// All fields are optional.
type Stats struct {
	// IP breaks out IPv6-specific stats.
	IP IPStats

	// Fragmentation breaks out reassembly stats.
	Fragmentation FragmentationStats

	// ICMP breaks out ICMPv6-specific stats.
	ICMP ICMPv6Stats

	// MLD breaks out MLD-specific stats.
	MLD MLDStats

	// AddrCfg breaks out address configuration stats.
	AddrCfg AddrCfgStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// VisitStats calls fn with the dotted path and counter of every non-nil
// counter in s, in declaration order.
func (s *Stats) VisitStats(fn func(path string, c *StatCounter)) {
	visit(reflect.ValueOf(s).Elem(), "", fn)
}

func visit(v reflect.Value, prefix string, fn func(string, *StatCounter)) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		name := t.Field(i).Name
		path := name
		if t.Field(i).Anonymous {
			path = prefix
		} else if prefix != "" {
			path = prefix + "." + name
		}
		if c, ok := f.Interface().(*StatCounter); ok {
			if c != nil {
				fn(path, c)
			}
			continue
		}
		if f.Kind() == reflect.Struct {
			visit(f, path, fn)
		}
	}
}
