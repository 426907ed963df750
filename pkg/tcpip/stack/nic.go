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

package stack

import (
	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// MaxLinkStateSubscribers is the number of link-state subscribers a NIC can
// hold.
const MaxLinkStateSubscribers = 4

// NIC represents a "network interface card" to which the networking stack is
// attached.
//
// Unless noted otherwise, methods must be called with the stack lock held.
type NIC struct {
	stack  *Stack
	id     tcpip.NICID
	name   string
	linkEP LinkEndpoint

	// linkUp is protected by stack.mu.
	linkUp bool

	// subscribers is a fixed pool; numSubscribers slots are in use.
	subscribers    [MaxLinkStateSubscribers]LinkStateSubscriber
	numSubscribers int

	// mcastRefs counts joins per link-layer multicast address. Several
	// IPv6 groups can share one link-layer address.
	mcastRefs map[tcpip.LinkAddress]int
}

var _ NetworkDispatcher = (*NIC)(nil)

// newNIC returns a new NIC using the default NDP configurations from stack.
func newNIC(stack *Stack, id tcpip.NICID, name string, ep LinkEndpoint) *NIC {
	return &NIC{
		stack:     stack,
		id:        id,
		name:      name,
		linkEP:    ep,
		mcastRefs: make(map[tcpip.LinkAddress]int),
	}
}

// ID returns the identifier of n.
func (n *NIC) ID() tcpip.NICID {
	return n.id
}

// Name returns the name of n.
func (n *NIC) Name() string {
	return n.name
}

// LinkEndpoint returns the link endpoint of n.
func (n *NIC) LinkEndpoint() LinkEndpoint {
	return n.linkEP
}

// LinkUp returns whether the link is up.
func (n *NIC) LinkUp() bool {
	return n.linkUp
}

// SubscribeLinkState registers sub to be told about link-state changes. It
// fails with ErrNoBufferSpace when the subscriber pool is full.
func (n *NIC) SubscribeLinkState(sub LinkStateSubscriber) tcpip.Error {
	if n.numSubscribers == len(n.subscribers) {
		return &tcpip.ErrNoBufferSpace{}
	}
	n.subscribers[n.numSubscribers] = sub
	n.numSubscribers++
	return nil
}

// UnsubscribeLinkState removes sub from the subscriber pool.
func (n *NIC) UnsubscribeLinkState(sub LinkStateSubscriber) {
	for i := 0; i < n.numSubscribers; i++ {
		if n.subscribers[i] != sub {
			continue
		}
		copy(n.subscribers[i:], n.subscribers[i+1:n.numSubscribers])
		n.numSubscribers--
		n.subscribers[n.numSubscribers] = nil
		return
	}
}

// LinkAddress returns the link address of n.
func (n *NIC) LinkAddress() tcpip.LinkAddress {
	return n.linkEP.LinkAddress()
}

// MaxHeaderLength returns the number of bytes the link layer needs in front
// of a network-layer packet.
func (n *NIC) MaxHeaderLength() uint16 {
	return n.linkEP.MaxHeaderLength()
}

// MTU returns the link MTU.
func (n *NIC) MTU() uint32 {
	return n.linkEP.MTU()
}

// JoinMulticast starts accepting link-layer frames for the IPv6 multicast
// address addr. Joins are reference counted per link-layer address and only
// the first join reaches the link endpoint's filter.
func (n *NIC) JoinMulticast(addr tcpip.Address) tcpip.Error {
	if !header.IsV6MulticastAddress(addr) {
		return &tcpip.ErrBadAddress{}
	}
	linkAddr := header.EthernetAddressFromMulticastIPv6Address(addr)
	if n.mcastRefs[linkAddr] == 0 {
		if f, ok := n.linkEP.(MulticastFilter); ok {
			if err := f.AddMulticast(linkAddr); err != nil {
				return err
			}
		}
	}
	n.mcastRefs[linkAddr]++
	return nil
}

// LeaveMulticast undoes one JoinMulticast for addr.
func (n *NIC) LeaveMulticast(addr tcpip.Address) tcpip.Error {
	if !header.IsV6MulticastAddress(addr) {
		return &tcpip.ErrBadAddress{}
	}
	linkAddr := header.EthernetAddressFromMulticastIPv6Address(addr)
	refs, ok := n.mcastRefs[linkAddr]
	if !ok {
		return &tcpip.ErrBadLocalAddress{}
	}
	if refs > 1 {
		n.mcastRefs[linkAddr] = refs - 1
		return nil
	}
	delete(n.mcastRefs, linkAddr)
	if f, ok := n.linkEP.(MulticastFilter); ok {
		return f.RemoveMulticast(linkAddr)
	}
	return nil
}

// MulticastRefs returns the number of joins held on the link-layer address
// that addr maps to.
func (n *NIC) MulticastRefs(addr tcpip.Address) int {
	return n.mcastRefs[header.EthernetAddressFromMulticastIPv6Address(addr)]
}

// WritePacket hands a fully built network-layer packet to the link endpoint.
func (n *NIC) WritePacket(protocol tcpip.NetworkProtocolNumber, pkt *PacketBuffer) tcpip.Error {
	pkt.NetworkProtocolNumber = protocol
	pkt.Egress.NIC = n.id
	return n.linkEP.WritePacket(protocol, pkt)
}

// DeliverNetworkPacket finds the appropriate network protocol endpoint and
// hands the packet over for further processing. This function is called when
// the NIC receives a packet from the link endpoint.
//
// It must be called without the stack lock held.
func (n *NIC) DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt *PacketBuffer) {
	p := n.stack.NetworkProtocolInstance(protocol)
	if p == nil {
		log.Debugf("stack: %s dropped packet for unknown network protocol %#x", n.id, protocol)
		return
	}
	pkt.NICID = n.id
	pkt.NetworkProtocolNumber = protocol
	p.HandlePacket(n.id, pkt)
}
