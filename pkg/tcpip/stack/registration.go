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
	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// NetworkDispatcher contains the methods used by the network stack to deliver
// packets to the appropriate network endpoint after it has been handled by
// the data link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol endpoint
	// and hands the packet over for further processing.
	//
	// pkt.Data() holds the whole network-layer packet.
	DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt *PacketBuffer)
}

// LinkEndpointCapabilities is the type associated with the capabilities
// supported by a link-layer endpoint. It is a set of bitfields.
type LinkEndpointCapabilities uint

// The following are the supported link endpoint capabilities.
const (
	CapabilityNone LinkEndpointCapabilities = 0
	// CapabilityLoopback indicates the endpoint hands written packets back
	// to the stack.
	CapabilityLoopback LinkEndpointCapabilities = 1 << iota
	// CapabilityMulticastFilter indicates the endpoint implements
	// MulticastFilter.
	CapabilityMulticastFilter
)

// LinkEndpoint is the interface implemented by data link layer protocols (e.g.,
// tun, channel) and used by network layer protocols to send packets out
// through the implementer's data link endpoint.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network.
	MTU() uint32

	// Capabilities returns the set of capabilities supported by the
	// endpoint.
	Capabilities() LinkEndpointCapabilities

	// MaxHeaderLength returns the maximum size the data link (and
	// lower level layers combined) headers can have. Higher levels use this
	// information to reserve space in the front of the packets they're
	// building.
	MaxHeaderLength() uint16

	// LinkAddress returns the link address (typically a MAC) of the
	// link endpoint. It is empty for point-to-point links.
	LinkAddress() tcpip.LinkAddress

	// WritePacket writes a packet with the given network protocol. The
	// packet's Egress field names the next hop.
	WritePacket(protocol tcpip.NetworkProtocolNumber, pkt *PacketBuffer) tcpip.Error

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack.
	Attach(dispatcher NetworkDispatcher)

	// IsAttached returns whether a NetworkDispatcher is attached to the
	// endpoint.
	IsAttached() bool

	// Wait waits for any worker goroutines owned by the endpoint to stop.
	Wait()
}

// MulticastFilter is implemented by link endpoints that filter inbound
// multicast frames by link-layer address.
type MulticastFilter interface {
	// AddMulticast starts accepting frames sent to addr.
	AddMulticast(addr tcpip.LinkAddress) tcpip.Error

	// RemoveMulticast stops accepting frames sent to addr.
	RemoveMulticast(addr tcpip.LinkAddress) tcpip.Error
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv6) that want to be part of the networking stack.
type NetworkProtocol interface {
	// Number returns the network protocol number.
	Number() tcpip.NetworkProtocolNumber

	// AttachNICLocked is called when a NIC is created so the protocol can
	// set up its per-interface state.
	//
	// Precondition: the stack lock must be held.
	AttachNICLocked(nic *NIC) tcpip.Error

	// DetachNICLocked is called before a NIC is removed.
	//
	// Precondition: the stack lock must be held.
	DetachNICLocked(nic *NIC)

	// HandlePacket is called by the stack when new packets arrive for this
	// protocol. It is called without the stack lock held.
	HandlePacket(nicID tcpip.NICID, pkt *PacketBuffer)
}

// LinkStateSubscriber is notified when a NIC's link goes up or down.
type LinkStateSubscriber interface {
	// OnLinkStateChangeLocked is called after the link state of nicID
	// changed.
	//
	// Precondition: the stack lock must be held.
	OnLinkStateChangeLocked(nicID tcpip.NICID, up bool)
}
