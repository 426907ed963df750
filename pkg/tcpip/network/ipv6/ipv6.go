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

// Package ipv6 contains the implementation of the ipv6 network protocol
// together with MLDv1. To use it in the networking stack, pass
// ipv6.NewProtocol (or a factory built by NewProtocolWithOptions) as one of
// the network protocols when calling stack.New(). The protocol instance is
// then available through Stack.NetworkProtocolInstance(ipv6.ProtocolNumber).
//
// Every method with the Locked suffix expects the stack lock to be held.
// Every other exported method takes it.
package ipv6

import (
	"time"

	"github.com/gaissmai/bart"
	"golang.org/x/time/rate"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/internal/fragmentation"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ipv6 protocol number.
	ProtocolNumber = header.IPv6ProtocolNumber

	// MaxAddressesPerNIC is the number of addresses, configured or queued,
	// a single NIC can hold.
	MaxAddressesPerNIC = 8

	// MaxHostGroups is the number of multicast groups that can be joined
	// across all NICs.
	MaxHostGroups = 64

	// DefaultMaxAddresses is the default capacity of the address pool
	// shared by all NICs.
	DefaultMaxAddresses = 64

	// DefaultICMPRateLimit is the default number of ICMPv6 error messages
	// sent per second.
	DefaultICMPRateLimit = rate.Limit(1000)

	// DefaultICMPBurst is the default burst of ICMPv6 error messages.
	DefaultICMPBurst = 50

	// DefaultDupAddrDetectTransmits is the default number of Neighbor
	// Solicitations sent while performing DAD, as per RFC 4862 section
	// 5.1.
	DefaultDupAddrDetectTransmits = 1

	// DefaultRetransmitTimer is the default time between DAD probes, as
	// per RFC 4861 section 10.
	DefaultRetransmitTimer = time.Second

	// DefaultFragmentTimeout, MinFragmentTimeout and MaxFragmentTimeout
	// describe the reassembly timeout accepted by SetFragmentTimeout.
	DefaultFragmentTimeout = fragmentation.DefaultReassembleTimeout
	MinFragmentTimeout     = fragmentation.MinReassembleTimeout
	MaxFragmentTimeout     = fragmentation.MaxReassembleTimeout

	// dropLogInterval bounds how often dropped packets are logged.
	dropLogInterval = time.Second
)

// NeighborDiscovery is the neighbor discovery collaborator. It is always
// called with the stack lock held.
type NeighborDiscovery interface {
	// NextHop picks the egress NIC and next hop for dst. src is the source
	// the caller intends to use and may be empty.
	NextHop(dst, src tcpip.Address) (tcpip.NICID, tcpip.Address, tcpip.Error)

	// NextHopOnNIC picks the next hop for dst through nicID.
	NextHopOnNIC(nicID tcpip.NICID, dst tcpip.Address) (tcpip.Address, tcpip.Error)

	// SendRouterSolicitation sends a Router Solicitation out of nicID from
	// src.
	SendRouterSolicitation(nicID tcpip.NICID, src tcpip.Address) tcpip.Error

	// AddOnLinkPrefix records subnet as on-link on nicID for valid. A zero
	// valid lifetime removes the prefix.
	AddOnLinkPrefix(nicID tcpip.NICID, subnet tcpip.Subnet, valid time.Duration)
}

// DADResult is the outcome of duplicate address detection.
type DADResult int

const (
	// DADSucceeded means no other node uses the address.
	DADSucceeded DADResult = iota

	// DADDuplicate means another node uses the address.
	DADDuplicate

	// DADAborted means detection could not complete.
	DADAborted
)

func (r DADResult) String() string {
	switch r {
	case DADSucceeded:
		return "succeeded"
	case DADDuplicate:
		return "duplicate"
	case DADAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DADDispatcher receives the outcome of duplicate address detection.
type DADDispatcher interface {
	// HandleDADCompletionLocked is called once per Start, asynchronously,
	// unless Stop was called first.
	HandleDADCompletionLocked(nicID tcpip.NICID, addr tcpip.Address, result DADResult)
}

// DuplicateAddressDetector is the duplicate address detection collaborator.
// It is always called with the stack lock held.
type DuplicateAddressDetector interface {
	// Start begins detection for addr on nicID. The outcome is reported to
	// d, never from within Start.
	Start(nicID tcpip.NICID, addr tcpip.Address, d DADDispatcher) tcpip.Error

	// Stop cancels detection for addr on nicID. The dispatcher is not
	// called afterwards.
	Stop(nicID tcpip.NICID, addr tcpip.Address)
}

// ICMPPacket is a received ICMPv6 message that passed checksum validation.
type ICMPPacket struct {
	NIC      tcpip.NICID
	Src      tcpip.Address
	Dst      tcpip.Address
	HopLimit uint8
	Message  header.ICMPv6
}

// ICMPHandler handles every received ICMPv6 message that is not MLD. It is
// called with the stack lock held.
type ICMPHandler interface {
	HandleICMPLocked(pkt ICMPPacket)
}

// NeighborSolicitHandler is implemented by collaborators that want to see
// received Neighbor Solicitations.
type NeighborSolicitHandler interface {
	HandleNeighborSolicitLocked(nicID tcpip.NICID, src, dst tcpip.Address, ns header.NDPNeighborSolicit)
}

// NeighborAdvertHandler is implemented by collaborators that want to see
// received Neighbor Advertisements.
type NeighborAdvertHandler interface {
	HandleNeighborAdvertLocked(nicID tcpip.NICID, src, dst tcpip.Address, na header.NDPNeighborAdvert)
}

// RouterAdvertHandler is implemented by collaborators that want to see
// received Router Advertisements.
type RouterAdvertHandler interface {
	HandleRouterAdvertLocked(nicID tcpip.NICID, src tcpip.Address, ra header.NDPRouterAdvert)
}

// TransportDispatcher demultiplexes UDP and TCP. It is called with the
// stack lock held and must not block.
type TransportDispatcher interface {
	DeliverTransportPacket(nicID tcpip.NICID, proto tcpip.TransportProtocolNumber, src, dst tcpip.Address, pkt *stack.PacketBuffer)
}

// ConnectionCloser tears down transport state bound to a local address. It
// is called with the stack lock held.
type ConnectionCloser interface {
	CloseAllByAddress(addr tcpip.Address)
}

// nicCleaner is implemented by the default collaborators so they can drop
// per-NIC state.
type nicCleaner interface {
	detachNICLocked(nicID tcpip.NICID)
}

// Options configures the ipv6 protocol. The zero value is usable.
type Options struct {
	// NDP overrides the built-in neighbor discovery.
	NDP NeighborDiscovery

	// DAD overrides the built-in duplicate address detection.
	DAD DuplicateAddressDetector

	// ICMP overrides the built-in ICMPv6 handler.
	ICMP ICMPHandler

	// Transport receives UDP and TCP. Without it those packets are
	// counted as UnknownProtocolReceived.
	Transport TransportDispatcher

	// Connections is told about removed addresses.
	Connections ConnectionCloser

	// FilterTrafficClass drops received packets whose traffic class is not
	// RxTrafficClass.
	FilterTrafficClass bool
	RxTrafficClass     uint8

	// FilterFlowLabel drops received packets whose flow label is not
	// RxFlowLabel.
	FilterFlowLabel bool
	RxFlowLabel     uint32

	// FragmentTimeout is the reassembly timeout. Zero selects
	// fragmentation.DefaultReassembleTimeout.
	FragmentTimeout time.Duration

	// MaxReassemblyLists caps concurrent reassemblies. Zero selects
	// fragmentation.DefaultMaxReassemblyLists.
	MaxReassemblyLists int

	// MaxAddresses is the capacity of the address pool. Zero selects
	// DefaultMaxAddresses.
	MaxAddresses int

	// ICMPRateLimit and ICMPBurst limit ICMPv6 error messages. Zero
	// selects the defaults.
	ICMPRateLimit rate.Limit
	ICMPBurst     int

	// DupAddrDetectTransmits and RetransmitTimer configure the built-in
	// DAD. Zero selects the defaults.
	DupAddrDetectTransmits int
	RetransmitTimer        time.Duration

	// HopLimit is used by writes that do not set one. Zero selects
	// DefaultHopLimit.
	HopLimit uint8
}

// nicState is the per-NIC state of the protocol.
type nicState struct {
	nic *stack.NIC

	// addrs holds the NIC's entries in the order they were added.
	addrs []addressHandle

	// pending holds non-blocking adds issued while the link was down.
	pending []pendingAdd

	// auto is nil until auto-configuration is first enabled.
	auto *autoConfig
}

func (ns *nicState) id() tcpip.NICID {
	return ns.nic.ID()
}

// Protocol is the ipv6 network protocol. It owns the address table, the MLD
// host groups, and the reassembly state of every NIC it is attached to.
type Protocol struct {
	stack *stack.Stack
	opts  Options
	stats tcpip.Stats

	ndp       NeighborDiscovery
	dad       DuplicateAddressDetector
	icmp      ICMPHandler
	transport TransportDispatcher
	conns     ConnectionCloser

	// The fields below are protected by the stack lock.
	nics   map[tcpip.NICID]*nicState
	addrs  addressPool
	groups map[groupKey]*hostGroup

	frag        *fragmentation.Reassembler
	icmpLimiter *rate.Limiter
	policy      *bart.Table[policyEntry]
	dropLog     log.Logger
}

var _ stack.NetworkProtocol = (*Protocol)(nil)
var _ stack.LinkStateSubscriber = (*Protocol)(nil)
var _ DADDispatcher = (*Protocol)(nil)
var _ fragmentation.TimeoutHandler = (*Protocol)(nil)

// NewProtocolWithOptions returns an IPv6 network protocol factory configured
// with opts.
func NewProtocolWithOptions(opts Options) stack.NetworkProtocolFactory {
	return func(s *stack.Stack) stack.NetworkProtocol {
		return newProtocol(s, opts)
	}
}

// NewProtocol is equivalent to NewProtocolWithOptions with an empty Options.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	return newProtocol(s, Options{})
}

func newProtocol(s *stack.Stack, opts Options) *Protocol {
	if opts.MaxAddresses <= 0 {
		opts.MaxAddresses = DefaultMaxAddresses
	}
	if opts.ICMPRateLimit == 0 {
		opts.ICMPRateLimit = DefaultICMPRateLimit
	}
	if opts.ICMPBurst <= 0 {
		opts.ICMPBurst = DefaultICMPBurst
	}
	if opts.DupAddrDetectTransmits <= 0 {
		opts.DupAddrDetectTransmits = DefaultDupAddrDetectTransmits
	}
	if opts.RetransmitTimer <= 0 {
		opts.RetransmitTimer = DefaultRetransmitTimer
	}
	if opts.HopLimit == 0 {
		opts.HopLimit = DefaultHopLimit
	}

	p := &Protocol{
		stack:       s,
		opts:        opts,
		stats:       s.Stats(),
		transport:   opts.Transport,
		conns:       opts.Connections,
		nics:        make(map[tcpip.NICID]*nicState),
		addrs:       newAddressPool(opts.MaxAddresses),
		groups:      make(map[groupKey]*hostGroup),
		icmpLimiter: rate.NewLimiter(opts.ICMPRateLimit, opts.ICMPBurst),
		policy:      newPolicyTable(),
		dropLog:     log.BasicRateLimitedLogger(dropLogInterval),
	}

	p.ndp = opts.NDP
	if p.ndp == nil {
		p.ndp = newDefaultNDP(p)
	}
	p.dad = opts.DAD
	if p.dad == nil {
		p.dad = newDefaultDAD(p, opts.DupAddrDetectTransmits, opts.RetransmitTimer)
	}
	p.icmp = opts.ICMP
	if p.icmp == nil {
		p.icmp = &defaultICMP{p: p}
	}

	frag, err := fragmentation.NewReassembler(fragmentation.Config{
		Clock:    s.Clock(),
		Locker:   s,
		MaxLists: opts.MaxReassemblyLists,
		Timeout:  opts.FragmentTimeout,
		Handler:  p,
		Stats:    p.stats.Fragmentation,
	})
	if err != nil {
		log.Warningf("ipv6: invalid reassembly options (%v), using defaults", err)
		frag, _ = fragmentation.NewReassembler(fragmentation.Config{
			Clock:   s.Clock(),
			Locker:  s,
			Handler: p,
			Stats:   p.stats.Fragmentation,
		})
	}
	p.frag = frag
	return p
}

// Number returns the ipv6 protocol number.
func (*Protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// Stats returns the counters the protocol updates.
func (p *Protocol) Stats() tcpip.Stats {
	return p.stats
}

// SetFragmentTimeout sets the reassembly timeout. It must be within
// [fragmentation.MinReassembleTimeout, fragmentation.MaxReassembleTimeout].
func (p *Protocol) SetFragmentTimeout(d time.Duration) tcpip.Error {
	if err := p.frag.SetTimeout(d); err != nil {
		return &tcpip.ErrInvalidOptionValue{}
	}
	return nil
}

// FragmentTimeout returns the reassembly timeout.
func (p *Protocol) FragmentTimeout() time.Duration {
	return p.frag.Timeout()
}

// AttachNICLocked implements stack.NetworkProtocol.
func (p *Protocol) AttachNICLocked(nic *stack.NIC) tcpip.Error {
	if err := nic.SubscribeLinkState(p); err != nil {
		return err
	}
	// Every node listens to the all-nodes group. It is never reported, so
	// only the link-layer filter is involved.
	if err := nic.JoinMulticast(header.IPv6AllNodesMulticastAddress); err != nil {
		nic.UnsubscribeLinkState(p)
		return err
	}
	p.nics[nic.ID()] = &nicState{nic: nic}
	return nil
}

// DetachNICLocked implements stack.NetworkProtocol.
func (p *Protocol) DetachNICLocked(nic *stack.NIC) {
	ns, ok := p.nics[nic.ID()]
	if !ok {
		return
	}
	if ns.auto != nil {
		ns.auto.stopLocked()
	}
	p.removeAllAddressesLocked(ns)
	for _, g := range p.nicGroupsLocked(nic.ID()) {
		g.job.Cancel()
		delete(p.groups, g.key)
		if err := nic.LeaveMulticast(g.key.addr); err != nil {
			log.Debugf("ipv6: %s leaving %s on detach: %s", nic.ID(), g.key.addr, err)
		}
	}
	for _, c := range []any{p.ndp, p.dad} {
		if c, ok := c.(nicCleaner); ok {
			c.detachNICLocked(nic.ID())
		}
	}
	if err := nic.LeaveMulticast(header.IPv6AllNodesMulticastAddress); err != nil {
		log.Debugf("ipv6: %s leaving all-nodes on detach: %s", nic.ID(), err)
	}
	nic.UnsubscribeLinkState(p)
	delete(p.nics, nic.ID())
}

// OnLinkStateChangeLocked implements stack.LinkStateSubscriber.
//
// On link-up the queued static adds are replayed, auto-configuration starts,
// and every MLD membership on the NIC is re-advertised.
func (p *Protocol) OnLinkStateChangeLocked(nicID tcpip.NICID, up bool) {
	ns, ok := p.nics[nicID]
	if !ok {
		return
	}
	if !up {
		if ns.auto != nil {
			ns.auto.linkDownLocked()
		}
		return
	}

	pending := ns.pending
	ns.pending = nil
	for _, a := range pending {
		if _, err := p.addAddressLocked(ns, a.addr, ConfigStatic, StaticNonBlocking, a.dad); err != nil {
			log.Warningf("ipv6: %s replaying queued address %s: %s", nicID, a.addr, err)
		}
	}
	p.startAutoConfigLocked(ns)
	p.readvertiseGroupsLocked(ns)
}

// nicIDsLocked returns the ids of the attached NICs in ascending order.
func (p *Protocol) nicIDsLocked() []tcpip.NICID {
	var ids []tcpip.NICID
	for _, id := range p.stack.NICIDsLocked() {
		if _, ok := p.nics[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
