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

// Package channel provides a link endpoint that queues outbound packets on a
// Go channel and lets callers inject inbound ones. It backs tests and the
// offline ip6ctl simulations.
package channel

import (
	"sync"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// PacketInfo is an outbound packet together with the route it was sent on.
type PacketInfo struct {
	Pkt   *stack.PacketBuffer
	Proto tcpip.NetworkProtocolNumber
	Route stack.EgressRoute
}

// Endpoint is a link endpoint that stores outbound packets in a bounded
// channel.
type Endpoint struct {
	LinkEPCapabilities stack.LinkEndpointCapabilities

	dispatcher stack.NetworkDispatcher
	outbound   chan PacketInfo

	mu       sync.Mutex
	mtu      uint32
	linkAddr tcpip.LinkAddress
	writeErr tcpip.Error
	// mcast holds the link addresses accepted by the multicast filter.
	mcast map[tcpip.LinkAddress]struct{}
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.MulticastFilter = (*Endpoint)(nil)

// New returns an endpoint that queues up to size outbound packets.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		LinkEPCapabilities: stack.CapabilityMulticastFilter,
		outbound:           make(chan PacketInfo, size),
		mtu:                mtu,
		linkAddr:           linkAddr,
		mcast:              make(map[tcpip.LinkAddress]struct{}),
	}
}

// Close closes the outbound queue. Queued packets can still be read; further
// writes panic.
func (e *Endpoint) Close() {
	close(e.outbound)
}

// Read returns the oldest queued outbound packet without blocking.
func (e *Endpoint) Read() (PacketInfo, bool) {
	select {
	case p, ok := <-e.outbound:
		return p, ok
	default:
		return PacketInfo{}, false
	}
}

// Drain discards every queued outbound packet and returns how many there were.
func (e *Endpoint) Drain() int {
	n := 0
	for {
		if _, ok := e.Read(); !ok {
			return n
		}
		n++
	}
}

// NumQueued returns the number of outbound packets waiting to be read.
func (e *Endpoint) NumQueued() int {
	return len(e.outbound)
}

// InjectInbound hands pkt to the attached dispatcher as if it had been
// received on the link.
func (e *Endpoint) InjectInbound(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	e.dispatcher.DeliverNetworkPacket(protocol, pkt)
}

// Attach implements stack.LinkEndpoint.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.
func (e *Endpoint) IsAttached() bool {
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.
func (e *Endpoint) MTU() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mtu
}

// SetMTU changes the MTU reported by e.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

// Capabilities implements stack.LinkEndpoint.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.LinkEPCapabilities
}

// MaxHeaderLength implements stack.LinkEndpoint. Packets carry no link
// header.
func (*Endpoint) MaxHeaderLength() uint16 {
	return 0
}

// LinkAddress implements stack.LinkEndpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkAddr
}

// SetLinkAddress changes the link address of e.
func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr = addr
}

// SetWriteError makes subsequent writes fail with err until it is reset with
// nil.
func (e *Endpoint) SetWriteError(err tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeErr = err
}

// WritePacket implements stack.LinkEndpoint. A full queue fails with
// ErrNoBufferSpace.
func (e *Endpoint) WritePacket(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) tcpip.Error {
	e.mu.Lock()
	err := e.writeErr
	e.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case e.outbound <- PacketInfo{Pkt: pkt, Proto: protocol, Route: pkt.Egress}:
		return nil
	default:
		return &tcpip.ErrNoBufferSpace{}
	}
}

// AddMulticast implements stack.MulticastFilter.
func (e *Endpoint) AddMulticast(addr tcpip.LinkAddress) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mcast[addr] = struct{}{}
	return nil
}

// RemoveMulticast implements stack.MulticastFilter.
func (e *Endpoint) RemoveMulticast(addr tcpip.LinkAddress) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mcast[addr]; !ok {
		return &tcpip.ErrBadAddress{}
	}
	delete(e.mcast, addr)
	return nil
}

// AcceptsMulticast reports whether addr passes the multicast filter.
func (e *Endpoint) AcceptsMulticast(addr tcpip.LinkAddress) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.mcast[addr]
	return ok
}

// Wait implements stack.LinkEndpoint.
func (*Endpoint) Wait() {}
