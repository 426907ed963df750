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

package ipv6_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/faketime"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/channel"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/ipv6"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

const (
	nicID = 1

	linkAddr = tcpip.LinkAddress("\x02\x02\x03\x04\x05\x06")

	defaultMTU = header.IPv6MinimumMTU
)

var (
	// lladdr is the EUI-64 link-local address of linkAddr.
	lladdr = header.LinkLocalAddr(linkAddr)

	remoteLLAddr = tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02")

	globalAddr  = tcpip.Address("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01")
	globalAddr2 = tcpip.Address("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x03")
	remoteAddr  = tcpip.Address("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02")

	// globalPrefix is the /64 of globalAddr.
	globalPrefix = tcpip.AddressWithPrefix{
		Address:   "\x20\x01\x0d\xb8\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00",
		PrefixLen: 64,
	}

	multicastAddr = tcpip.Address("\xff\x0e\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01\x01")
)

type testContext struct {
	s     *stack.Stack
	ep    *channel.Endpoint
	clock *faketime.ManualClock
	proto *ipv6.Protocol
}

type contextOptions struct {
	proto    ipv6.Options
	linkDown bool
	linkAddr tcpip.LinkAddress
}

func newTestContext(t *testing.T, opts contextOptions) *testContext {
	t.Helper()

	clock := faketime.NewManualClock()
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{ipv6.NewProtocolWithOptions(opts.proto)},
		Clock:            clock,
	})
	addr := opts.linkAddr
	if addr == "" {
		addr = linkAddr
	}
	ep := channel.New(64, defaultMTU, addr)
	if err := s.CreateNICWithOptions(nicID, ep, stack.NICOptions{LinkUp: !opts.linkDown}); err != nil {
		t.Fatalf("CreateNICWithOptions(%d, _, _): %s", nicID, err)
	}
	proto, ok := s.NetworkProtocolInstance(ipv6.ProtocolNumber).(*ipv6.Protocol)
	if !ok {
		t.Fatal("ipv6 protocol not registered")
	}
	return &testContext{
		s:     s,
		ep:    ep,
		clock: clock,
		proto: proto,
	}
}

// addAddress adds addr without DAD and discards the resulting MLD report.
func (c *testContext) addAddress(t *testing.T, addr tcpip.AddressWithPrefix) {
	t.Helper()

	if err := c.proto.AddAddress(context.Background(), nicID, addr, ipv6.AddressFlags{}); err != nil {
		t.Fatalf("AddAddress(_, %d, %s, _): %s", nicID, addr, err)
	}
	c.ep.Drain()
}

// read returns the next outgoing packet.
func (c *testContext) read(t *testing.T) buffer.View {
	t.Helper()

	p, ok := c.ep.Read()
	if !ok {
		t.Fatal("expected an outgoing packet")
	}
	return p.Pkt.ToView()
}

// readICMP returns the next outgoing ICMPv6 packet of type typ, skipping any
// other packet.
func (c *testContext) readICMP(t *testing.T, typ header.ICMPv6Type) buffer.View {
	t.Helper()

	for {
		p, ok := c.ep.Read()
		if !ok {
			t.Fatalf("expected an outgoing ICMPv6 packet of type %d", typ)
		}
		b := p.Pkt.ToView()
		if icmp, ok := icmpOf(b); ok && icmp.Type() == typ {
			return b
		}
	}
}

func (c *testContext) expectNoPacket(t *testing.T) {
	t.Helper()

	if p, ok := c.ep.Read(); ok {
		t.Fatalf("unexpected packet: % x", p.Pkt.ToView())
	}
}

func (c *testContext) inject(b []byte) {
	c.ep.InjectInbound(ipv6.ProtocolNumber, stack.NewPacketBuffer(stack.PacketBufferOptions{
		Data: buffer.NewViewFromBytes(b).ToVectorisedView(),
	}))
}

func (c *testContext) details(t *testing.T) []ipv6.AddressInfo {
	t.Helper()

	infos, err := c.proto.AddressDetails(nicID)
	if err != nil {
		t.Fatalf("AddressDetails(%d): %s", nicID, err)
	}
	return infos
}

func (c *testContext) addressState(t *testing.T, addr tcpip.Address) (ipv6.AddressState, bool) {
	t.Helper()

	for _, info := range c.details(t) {
		if info.Address.Address == addr {
			return info.State, true
		}
	}
	return ipv6.AddressNone, false
}

// icmpOf returns the ICMPv6 message carried by the IPv6 packet b, walking
// its extension headers.
func icmpOf(b []byte) (header.ICMPv6, bool) {
	ip := header.IPv6(b)
	if len(b) < header.IPv6MinimumSize {
		return nil, false
	}
	it := header.MakeIPv6PayloadIterator(header.IPv6ExtensionHeaderIdentifier(ip.NextHeader()), ip.Payload())
	for {
		h, done, err := it.Next()
		if err != nil || done {
			return nil, false
		}
		if raw, ok := h.(header.IPv6RawPayloadHeader); ok {
			if tcpip.TransportProtocolNumber(raw.Identifier) != header.ICMPv6ProtocolNumber || len(raw.Buf) < header.ICMPv6MinimumSize {
				return nil, false
			}
			return header.ICMPv6(raw.Buf), true
		}
	}
}

type packetOptions struct {
	src, dst     tcpip.Address
	hopLimit     uint8
	nextHeader   uint8
	trafficClass uint8
	flowLabel    uint32

	// payloadLength overrides the Payload Length field when non-zero.
	payloadLength uint16
}

// ipv6Packet builds an IPv6 packet around payload.
func ipv6Packet(opts packetOptions, payload []byte) buffer.View {
	b := buffer.NewView(header.IPv6MinimumSize + len(payload))
	length := uint16(len(payload))
	if opts.payloadLength != 0 {
		length = opts.payloadLength
	}
	hopLimit := opts.hopLimit
	if hopLimit == 0 {
		hopLimit = 64
	}
	header.IPv6(b).Encode(&header.IPv6Fields{
		TrafficClass:  opts.trafficClass,
		FlowLabel:     opts.flowLabel,
		PayloadLength: length,
		NextHeader:    opts.nextHeader,
		HopLimit:      hopLimit,
		SrcAddr:       opts.src,
		DstAddr:       opts.dst,
	})
	copy(b[header.IPv6MinimumSize:], payload)
	return b
}

// icmpMessage builds a checksummed ICMPv6 message. body starts right after
// the checksum field.
func icmpMessage(src, dst tcpip.Address, typ header.ICMPv6Type, code header.ICMPv6Code, body []byte) header.ICMPv6 {
	icmp := header.ICMPv6(buffer.NewView(header.ICMPv6HeaderSize + len(body)))
	icmp.SetType(typ)
	icmp.SetCode(code)
	copy(icmp.MessageBody(), body)
	icmp.SetChecksum(header.ICMPv6Checksum(icmp, src, dst, buffer.VectorisedView{}))
	return icmp
}

// icmpPacket builds an IPv6 packet carrying an ICMPv6 message.
func icmpPacket(src, dst tcpip.Address, hopLimit uint8, typ header.ICMPv6Type, code header.ICMPv6Code, body []byte) buffer.View {
	return ipv6Packet(packetOptions{
		src:        src,
		dst:        dst,
		hopLimit:   hopLimit,
		nextHeader: uint8(header.ICMPv6ProtocolNumber),
	}, icmpMessage(src, dst, typ, code, body))
}

// routerAlertHopByHop is a hop-by-hop header holding the MLD Router Alert
// option followed by a 2-byte PadN, chained to ICMPv6.
var routerAlertHopByHop = []byte{
	uint8(header.ICMPv6ProtocolNumber), 0,
	5, 2, 0, 0,
	1, 0,
}

type mldOptions struct {
	src, dst    tcpip.Address
	hopLimit    uint8
	routerAlert bool

	// length cuts the ICMPv6 message to this many octets. Zero keeps it
	// whole.
	length int
}

// mldPacket builds an MLD message of type typ for group.
func mldPacket(opts mldOptions, typ header.ICMPv6Type, maxResp time.Duration, group tcpip.Address) buffer.View {
	body := make([]byte, header.MLDMinimumSize)
	mld := header.MLD(body)
	mld.SetMaximumResponseDelay(uint16(maxResp.Milliseconds()))
	mld.SetMulticastAddress(group)
	if opts.length != 0 {
		body = body[:opts.length-header.ICMPv6HeaderSize]
	}
	icmp := icmpMessage(opts.src, opts.dst, typ, 0, body)

	hopLimit := opts.hopLimit
	if hopLimit == 0 {
		hopLimit = header.MLDHopLimit
	}
	pktOpts := packetOptions{
		src:        opts.src,
		dst:        opts.dst,
		hopLimit:   hopLimit,
		nextHeader: uint8(header.ICMPv6ProtocolNumber),
	}
	payload := []byte(icmp)
	if opts.routerAlert {
		pktOpts.nextHeader = uint8(header.IPv6HopByHopOptionsExtHdrIdentifier)
		payload = append(append([]byte(nil), routerAlertHopByHop...), icmp...)
	}
	return ipv6Packet(pktOpts, payload)
}

// neighborAdvert builds a Neighbor Advertisement for target from src.
func neighborAdvert(src, dst, target tcpip.Address) buffer.View {
	body := make([]byte, header.NDPNAMinimumSize)
	na := header.NDPNeighborAdvert(body)
	na.SetTargetAddress(target)
	na.SetOverrideFlag(true)
	return icmpPacket(src, dst, header.NDPHopLimit, header.ICMPv6NeighborAdvert, 0, body)
}

// neighborSolicit builds a Neighbor Solicitation for target from src.
func neighborSolicit(src, dst, target tcpip.Address) buffer.View {
	body := make([]byte, header.NDPNSMinimumSize)
	header.NDPNeighborSolicit(body).SetTargetAddress(target)
	return icmpPacket(src, dst, header.NDPHopLimit, header.ICMPv6NeighborSolicit, 0, body)
}

// routerAdvert builds a Router Advertisement from src with the given
// router lifetime and prefix information options.
func routerAdvert(src tcpip.Address, routerLifetime uint16, prefixes ...header.NDPPrefixInformationFields) buffer.View {
	var opts header.NDPOptionsSerializer
	for _, pi := range prefixes {
		opts = append(opts, header.NewNDPPrefixInformation(pi))
	}
	body := make([]byte, header.NDPRAMinimumSize+opts.Length())
	body[2] = byte(routerLifetime >> 8)
	body[3] = byte(routerLifetime)
	header.NDPOptions(body[header.NDPRAMinimumSize:]).Serialize(opts)
	return icmpPacket(src, header.IPv6AllNodesMulticastAddress, header.NDPHopLimit, header.ICMPv6RouterAdvert, 0, body)
}

func checkErr(t *testing.T, name string, got, want tcpip.Error) {
	t.Helper()

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
	}
}

func checkCounter(t *testing.T, name string, c *tcpip.StatCounter, want uint64) {
	t.Helper()

	if got := c.Value(); got != want {
		t.Errorf("got %s = %d, want = %d", name, got, want)
	}
}

// waitForAddress polls until addr is on the NIC, for adds running on
// another goroutine.
func (c *testContext) waitForAddress(t *testing.T, addr tcpip.Address) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.addressState(t, addr); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", addr)
}
