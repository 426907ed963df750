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

// Package checker provides helper functions to check IPv6 packets for
// validity.
package checker

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// Packet is a parsed IPv6 packet handed to NetworkCheckers.
type Packet struct {
	header.IPv6

	// ExtHdrs holds the extension headers in wire order.
	ExtHdrs []header.IPv6PayloadHeader

	// Protocol and Payload describe the upper-layer payload that follows
	// the extension headers.
	Protocol tcpip.TransportProtocolNumber
	Payload  []byte
}

// NetworkChecker is a function to check a property of an IPv6 packet.
type NetworkChecker func(*testing.T, *Packet)

// ICMPv6Checker is a function to check a property of an ICMPv6 message.
type ICMPv6Checker func(*testing.T, header.ICMPv6)

// IPv6 checks the validity and properties of the given IPv6 packet,
// extension headers included. It is expected to be used in conjunction with
// other network checkers for specific properties. For example, to check the
// source and destination address, one would call:
//
// checker.IPv6(t, b, checker.SrcAddr(x), checker.DstAddr(y))
func IPv6(t *testing.T, b []byte, checkers ...NetworkChecker) {
	t.Helper()

	ip := header.IPv6(b)
	if !ip.IsValid(len(b)) {
		t.Fatal("Not a valid IPv6 packet")
	}

	pkt := Packet{IPv6: ip}
	it := header.MakeIPv6PayloadIterator(header.IPv6ExtensionHeaderIdentifier(ip.NextHeader()), buffer.NewViewFromBytes(ip.Payload()))
	for {
		h, done, err := it.Next()
		if err != nil {
			t.Fatalf("it.Next(): %s", err)
		}
		if done {
			break
		}
		if raw, ok := h.(header.IPv6RawPayloadHeader); ok {
			pkt.Protocol = tcpip.TransportProtocolNumber(raw.Identifier)
			pkt.Payload = raw.Buf
			break
		}
		pkt.ExtHdrs = append(pkt.ExtHdrs, h)
	}

	for _, f := range checkers {
		f(t, &pkt)
	}
	if t.Failed() {
		t.FailNow()
	}
}

// SrcAddr creates a checker that checks the source address.
func SrcAddr(addr tcpip.Address) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if a := p.SourceAddress(); a != addr {
			t.Errorf("Bad source address, got %v, want %v", a, addr)
		}
	}
}

// DstAddr creates a checker that checks the destination address.
func DstAddr(addr tcpip.Address) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if a := p.DestinationAddress(); a != addr {
			t.Errorf("Bad destination address, got %v, want %v", a, addr)
		}
	}
}

// HopLimit creates a checker that checks the hop limit.
func HopLimit(want uint8) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if got := p.IPv6.HopLimit(); got != want {
			t.Errorf("Bad hop limit, got = %d, want = %d", got, want)
		}
	}
}

// TOS creates a checker that checks the traffic class and flow label.
func TOS(tos uint8, label uint32) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if v, l := p.IPv6.TOS(); v != tos || l != label {
			t.Errorf("Bad TOS, got = (%d, %d), want = (%d,%d)", v, l, tos, label)
		}
	}
}

// PayloadLen creates a checker that checks the Payload Length field.
func PayloadLen(want int) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if got := int(p.PayloadLength()); got != want {
			t.Errorf("Bad payload length, got = %d, want = %d", got, want)
		}
	}
}

// Protocol creates a checker that checks the upper-layer protocol found
// after the extension headers.
func Protocol(want tcpip.TransportProtocolNumber) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if p.Protocol != want {
			t.Errorf("Bad protocol, got = %d, want = %d", p.Protocol, want)
		}
	}
}

// IPPayload creates a checker that checks the upper-layer payload.
func IPPayload(want []byte) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		// cmp.Diff does not consider nil slices equal to empty slices, but we do.
		if len(p.Payload) == 0 && len(want) == 0 {
			return
		}
		if diff := cmp.Diff(want, p.Payload); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}

// ICMPv6 creates a checker that checks that the upper-layer protocol is
// ICMPv6 with a valid checksum, and potentially additional ICMPv6 fields.
func ICMPv6(checkers ...ICMPv6Checker) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if p.Protocol != header.ICMPv6ProtocolNumber {
			t.Fatalf("Bad protocol, got %d, want %d", p.Protocol, header.ICMPv6ProtocolNumber)
		}
		icmp := header.ICMPv6(p.Payload)
		if len(icmp) < header.ICMPv6MinimumSize {
			t.Fatalf("ICMPv6 message of %d bytes is shorter than %d", len(icmp), header.ICMPv6MinimumSize)
		}
		if got, want := icmp.Checksum(), header.ICMPv6Checksum(icmp, p.SourceAddress(), p.DestinationAddress(), buffer.VectorisedView{}); got != want {
			t.Fatalf("Bad ICMPv6 checksum; got %d, want %d", got, want)
		}

		for _, f := range checkers {
			f(t, icmp)
		}
	}
}

// ICMPv6Type creates a checker that checks the ICMPv6 Type field.
func ICMPv6Type(want header.ICMPv6Type) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		if got := icmp.Type(); got != want {
			t.Fatalf("unexpected icmp type, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv6Code creates a checker that checks the ICMPv6 Code field.
func ICMPv6Code(want header.ICMPv6Code) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		if got := icmp.Code(); got != want {
			t.Fatalf("unexpected ICMP code, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv6Pointer creates a checker that checks the Pointer field of a
// Parameter Problem message.
func ICMPv6Pointer(want uint32) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		if got := icmp.Pointer(); got != want {
			t.Errorf("unexpected ICMP pointer, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv6Payload creates a checker that checks the payload of an ICMPv6
// error message, which is the quoted invoking packet.
func ICMPv6Payload(want []byte) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		payload := icmp.Payload()

		// cmp.Diff does not consider nil slices equal to empty slices, but we do.
		if len(want) == 0 && len(payload) == 0 {
			return
		}
		if diff := cmp.Diff(want, payload); diff != "" {
			t.Errorf("ICMP payload mismatch (-want +got):\n%s", diff)
		}
	}
}

// MLD creates a checker that checks that the packet contains a valid MLD
// message of type msgType carried with the hop limit and Router Alert
// option required by RFC 2710 section 3, with potentially additional checks
// specified by checkers.
func MLD(msgType header.ICMPv6Type, checkers ...ICMPv6Checker) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		HopLimit(header.MLDHopLimit)(t, p)
		IPv6ExtHdr(IPv6HopByHopExtensionHeader(IPv6RouterAlert(header.IPv6RouterAlertMLD)))(t, p)
		ICMPv6(append([]ICMPv6Checker{
			ICMPv6Type(msgType),
			ICMPv6Code(0),
			minMessageBody(header.MLDMinimumSize),
		}, checkers...)...)(t, p)
	}
}

// MLDMaxRespDelay creates a checker that checks the Maximum Response Delay
// field of a MLD message.
func MLDMaxRespDelay(want time.Duration) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		mld := header.MLD(icmp.MessageBody())
		if got := mld.MaximumResponseDelay(); got != want {
			t.Errorf("got %T.MaximumResponseDelay() = %s, want = %s", mld, got, want)
		}
	}
}

// MLDMulticastAddress creates a checker that checks the Multicast Address
// field of a MLD message.
func MLDMulticastAddress(want tcpip.Address) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		mld := header.MLD(icmp.MessageBody())
		if got := mld.MulticastAddress(); got != want {
			t.Errorf("got %T.MulticastAddress() = %s, want = %s", mld, got, want)
		}
	}
}

func minMessageBody(size int) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		if got := len(icmp.MessageBody()); got < size {
			t.Fatalf("ICMPv6 (type = %d) body size of %d is less than the minimum size of %d", icmp.Type(), got, size)
		}
	}
}

// NDP creates a checker that checks that the packet contains a valid NDP
// message of type msgType sent with hop limit 255, with potentially
// additional checks specified by checkers.
//
// Checkers may assume that the message body is at least minSize bytes.
func NDP(msgType header.ICMPv6Type, minSize int, checkers ...ICMPv6Checker) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		HopLimit(header.NDPHopLimit)(t, p)
		ICMPv6(append([]ICMPv6Checker{
			ICMPv6Type(msgType),
			ICMPv6Code(0),
			minMessageBody(minSize),
		}, checkers...)...)(t, p)
	}
}

// NDPNS creates a checker that checks that the packet contains a valid NDP
// Neighbor Solicitation message.
func NDPNS(checkers ...ICMPv6Checker) NetworkChecker {
	return NDP(header.ICMPv6NeighborSolicit, header.NDPNSMinimumSize, checkers...)
}

// NDPNSTargetAddress creates a checker that checks the Target Address field of
// a header.NDPNeighborSolicit.
func NDPNSTargetAddress(want tcpip.Address) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		ns := header.NDPNeighborSolicit(icmp.MessageBody())
		if got := ns.TargetAddress(); got != want {
			t.Errorf("got %T.TargetAddress() = %s, want = %s", ns, got, want)
		}
	}
}

// NDPNA creates a checker that checks that the packet contains a valid NDP
// Neighbor Advertisement message.
func NDPNA(checkers ...ICMPv6Checker) NetworkChecker {
	return NDP(header.ICMPv6NeighborAdvert, header.NDPNAMinimumSize, checkers...)
}

// NDPNATargetAddress creates a checker that checks the Target Address field of
// a header.NDPNeighborAdvert.
func NDPNATargetAddress(want tcpip.Address) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		na := header.NDPNeighborAdvert(icmp.MessageBody())
		if got := na.TargetAddress(); got != want {
			t.Errorf("got %T.TargetAddress() = %s, want = %s", na, got, want)
		}
	}
}

// NDPNASolicitedFlag creates a checker that checks the Solicited field of
// a header.NDPNeighborAdvert.
func NDPNASolicitedFlag(want bool) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		na := header.NDPNeighborAdvert(icmp.MessageBody())
		if got := na.SolicitedFlag(); got != want {
			t.Errorf("got %T.SolicitedFlag = %t, want = %t", na, got, want)
		}
	}
}

// ndpOptions checks that optsBuf only contains opts.
func ndpOptions(t *testing.T, optsBuf header.NDPOptions, opts []header.NDPOption) {
	t.Helper()

	it := optsBuf.Iter()
	i := 0
	for {
		opt, done, err := it.Next()
		if err != nil {
			t.Fatalf("unexpected error when iterating over NDP options: %s", err)
		}
		if done {
			break
		}

		if i >= len(opts) {
			t.Errorf("got unexpected option: %s", opt)
			continue
		}

		switch wantOpt := opts[i].(type) {
		case header.NDPSourceLinkLayerAddressOption:
			gotOpt, ok := opt.(header.NDPSourceLinkLayerAddressOption)
			if !ok {
				t.Errorf("got type = %T at index = %d; want = %T", opt, i, wantOpt)
			} else if got, want := gotOpt.EthernetAddress(), wantOpt.EthernetAddress(); got != want {
				t.Errorf("got EthernetAddress() = %s at index %d, want = %s", got, i, want)
			}
		case header.NDPTargetLinkLayerAddressOption:
			gotOpt, ok := opt.(header.NDPTargetLinkLayerAddressOption)
			if !ok {
				t.Errorf("got type = %T at index = %d; want = %T", opt, i, wantOpt)
			} else if got, want := gotOpt.EthernetAddress(), wantOpt.EthernetAddress(); got != want {
				t.Errorf("got EthernetAddress() = %s at index %d, want = %s", got, i, want)
			}
		default:
			t.Fatalf("checker not implemented for expected NDP option: %T", wantOpt)
		}

		i++
	}

	if i < len(opts) {
		t.Errorf("missing options: %s", opts[i:])
	}
}

// NDPNAOptions creates a checker that checks that the packet contains the
// provided NDP options within an NDP Neighbor Advertisement message.
func NDPNAOptions(opts []header.NDPOption) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		na := header.NDPNeighborAdvert(icmp.MessageBody())
		ndpOptions(t, na.Options(), opts)
	}
}

// NDPRS creates a checker that checks that the packet contains a valid NDP
// Router Solicitation message.
func NDPRS(checkers ...ICMPv6Checker) NetworkChecker {
	return NDP(header.ICMPv6RouterSolicit, header.NDPRSMinimumSize, checkers...)
}

// NDPRSOptions creates a checker that checks that the packet contains the
// provided NDP options within an NDP Router Solicitation message.
func NDPRSOptions(opts []header.NDPOption) ICMPv6Checker {
	return func(t *testing.T, icmp header.ICMPv6) {
		t.Helper()

		rs := header.NDPRouterSolicit(icmp.MessageBody())
		ndpOptions(t, rs.Options(), opts)
	}
}

// IPv6ExtHdrChecker is a function to check an extension header.
type IPv6ExtHdrChecker func(*testing.T, header.IPv6PayloadHeader)

// IPv6ExtHdr checks the extension headers of the packet.
//
// All the extension headers in headers will be checked exhaustively in the
// order provided.
func IPv6ExtHdr(headers ...IPv6ExtHdrChecker) NetworkChecker {
	return func(t *testing.T, p *Packet) {
		t.Helper()

		if got, want := len(p.ExtHdrs), len(headers); got != want {
			t.Errorf("got %d extension headers, want %d", got, want)
			return
		}
		for i, check := range headers {
			check(t, p.ExtHdrs[i])
		}
	}
}

// IPv6ExtHdrOptionChecker is a function to check an extension header option.
type IPv6ExtHdrOptionChecker func(*testing.T, header.IPv6ExtHdrOption)

// IPv6HopByHopExtensionHeader checks the extension header is a Hop by Hop
// extension header and validates the containing options with checkers.
//
// checkers must exhaustively contain all the expected options.
func IPv6HopByHopExtensionHeader(checkers ...IPv6ExtHdrOptionChecker) IPv6ExtHdrChecker {
	return func(t *testing.T, payloadHeader header.IPv6PayloadHeader) {
		t.Helper()

		hbh, ok := payloadHeader.(header.IPv6HopByHopOptionsExtHdr)
		if !ok {
			t.Errorf("unexpected IPv6 payload header, got = %T, want = header.IPv6HopByHopOptionsExtHdr", payloadHeader)
			return
		}
		optionsIterator := hbh.Iter()
		for _, f := range checkers {
			opt, done, err := optionsIterator.Next()
			if err != nil {
				t.Errorf("optionsIterator.Next(): %s", err)
				return
			}
			if done {
				t.Errorf("got optionsIterator.Next() = (%T, %t, _), want = (_, false, _)", opt, done)
				return
			}
			f(t, opt)
		}
		// Validate all options were consumed.
		opt, done, err := optionsIterator.Next()
		if err != nil {
			t.Errorf("optionsIterator.Next(): %s", err)
			return
		}
		if !done {
			t.Errorf("got optionsIterator.Next() = (%T, %t, _), want = (_, true, _)", opt, done)
		}
	}
}

// IPv6RouterAlert validates that an extension header option is the RouterAlert
// option and matches on its value.
func IPv6RouterAlert(want header.IPv6RouterAlertValue) IPv6ExtHdrOptionChecker {
	return func(t *testing.T, opt header.IPv6ExtHdrOption) {
		t.Helper()

		routerAlert, ok := opt.(*header.IPv6RouterAlertOption)
		if !ok {
			t.Errorf("unexpected extension header option, got = %T, want = header.IPv6RouterAlertOption", opt)
			return
		}
		if routerAlert.Value != want {
			t.Errorf("got routerAlert.Value = %d, want = %d", routerAlert.Value, want)
		}
	}
}

// IPv6FragmentExtensionHeader checks the extension header is a Fragment
// extension header with the given offset (in 8-byte units) and More flag.
func IPv6FragmentExtensionHeader(offset uint16, more bool) IPv6ExtHdrChecker {
	return func(t *testing.T, payloadHeader header.IPv6PayloadHeader) {
		t.Helper()

		frag, ok := payloadHeader.(header.IPv6FragmentExtHdr)
		if !ok {
			t.Errorf("unexpected IPv6 payload header, got = %T, want = header.IPv6FragmentExtHdr", payloadHeader)
			return
		}
		if got := frag.FragmentOffset(); got != offset {
			t.Errorf("got FragmentOffset() = %d, want = %d", got, offset)
		}
		if got := frag.More(); got != more {
			t.Errorf("got More() = %t, want = %t", got, more)
		}
	}
}
