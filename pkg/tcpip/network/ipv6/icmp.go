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

package ipv6

import (
	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/internal/fragmentation"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// maxErrorQuote is the largest part of the invoking packet quoted in an
// ICMPv6 error so the error fits the minimum MTU, as per RFC 4443 section
// 2.4(c).
const maxErrorQuote = header.IPv6MinimumMTU - header.IPv6MinimumSize - header.ICMPv6ErrorHeaderSize

// icmpCounter returns the counter of s for typ, or nil for types without
// one.
func icmpCounter(s tcpip.ICMPv6PacketStats, typ header.ICMPv6Type) *tcpip.StatCounter {
	switch typ {
	case header.ICMPv6EchoRequest:
		return s.EchoRequest
	case header.ICMPv6EchoReply:
		return s.EchoReply
	case header.ICMPv6DstUnreachable:
		return s.DstUnreachable
	case header.ICMPv6PacketTooBig:
		return s.PacketTooBig
	case header.ICMPv6TimeExceeded:
		return s.TimeExceeded
	case header.ICMPv6ParamProblem:
		return s.ParamProblem
	case header.ICMPv6RouterSolicit:
		return s.RouterSolicit
	case header.ICMPv6RouterAdvert:
		return s.RouterAdvert
	case header.ICMPv6NeighborSolicit:
		return s.NeighborSolicit
	case header.ICMPv6NeighborAdvert:
		return s.NeighborAdvert
	case header.ICMPv6MulticastListenerQuery:
		return s.MulticastListenerQuery
	case header.ICMPv6MulticastListenerReport:
		return s.MulticastListenerReport
	case header.ICMPv6MulticastListenerDone:
		return s.MulticastListenerDone
	default:
		return nil
	}
}

func (p *Protocol) countICMPSent(typ header.ICMPv6Type) {
	if c := icmpCounter(p.stats.ICMP.PacketsSent.ICMPv6PacketStats, typ); c != nil {
		c.Increment()
	}
}

// countICMPReceived returns false for an unrecognized type.
func (p *Protocol) countICMPReceived(typ header.ICMPv6Type) bool {
	c := icmpCounter(p.stats.ICMP.PacketsReceived.ICMPv6PacketStats, typ)
	if c == nil {
		return false
	}
	c.Increment()
	return true
}

// sendICMPErrorLocked reports a problem with the received packet rx to its
// source.
func (p *Protocol) sendICMPErrorLocked(rx *rxPacket, typ header.ICMPv6Type, code header.ICMPv6Code, pointer uint32) {
	p.sendICMPErrorForLocked(rx.ns, rx.original(), typ, code, pointer)
}

// sendICMPErrorForLocked sends an ICMPv6 error about orig, a packet that
// arrived on ns starting at its fixed header.
func (p *Protocol) sendICMPErrorForLocked(ns *nicState, orig buffer.View, typ header.ICMPv6Type, code header.ICMPv6Code, pointer uint32) {
	ip := header.IPv6(orig)
	src, dst := ip.SourceAddress(), ip.DestinationAddress()

	// RFC 4443 section 2.4(e).
	if src == header.IPv6Any || header.IsV6MulticastAddress(src) {
		return
	}
	if header.IsV6MulticastAddress(dst) && !(typ == header.ICMPv6ParamProblem && code == header.ICMPv6UnknownOption) {
		return
	}
	if isICMPError(orig) {
		return
	}
	if !p.icmpLimiter.AllowN(p.stack.Clock().Now(), 1) {
		p.stats.ICMP.PacketsSent.RateLimited.Increment()
		return
	}

	replySrc := dst
	if !p.isLocalAddressLocked(ns.id(), dst) {
		var err tcpip.Error
		if replySrc, err = p.selectSourceLocked(ns.id(), src); err != nil {
			p.stats.ICMP.PacketsSent.Dropped.Increment()
			return
		}
	}

	quote := orig
	if len(quote) > maxErrorQuote {
		quote = quote[:maxErrorQuote]
	}
	payload := buffer.NewViewFromBytes(quote).ToVectorisedView()

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: int(ns.nic.MaxHeaderLength()) + header.IPv6MinimumSize + header.ICMPv6ErrorHeaderSize,
		Data:               payload,
	})
	icmp := header.ICMPv6(pkt.TransportHeader().Push(header.ICMPv6ErrorHeaderSize))
	icmp.SetType(typ)
	icmp.SetCode(code)
	if typ == header.ICMPv6ParamProblem {
		icmp.SetPointer(pointer)
	}
	icmp.SetChecksum(header.ICMPv6Checksum(icmp, replySrc, src, payload))

	if err := p.writePacketLocked(WriteParams{
		NIC:      ns.id(),
		Src:      replySrc,
		Dst:      src,
		Protocol: header.ICMPv6ProtocolNumber,
	}, pkt); err != nil {
		p.stats.ICMP.PacketsSent.Dropped.Increment()
		log.Debugf("ipv6: %s sending ICMPv6 %d/%d to %s: %s", ns.id(), typ, code, src, err)
		return
	}
	p.countICMPSent(typ)
}

// isICMPError returns whether pkt carries an ICMPv6 error directly after
// its fixed header.
func isICMPError(pkt buffer.View) bool {
	ip := header.IPv6(pkt)
	if tcpip.TransportProtocolNumber(ip.NextHeader()) != header.ICMPv6ProtocolNumber || len(pkt) <= header.IPv6MinimumSize {
		return false
	}
	return header.ICMPv6(pkt[header.IPv6MinimumSize:]).Type().IsErrorType()
}

// OnReassemblyTimeoutLocked implements fragmentation.TimeoutHandler. It sends
// Time Exceeded, as per RFC 8200 section 4.5.
func (p *Protocol) OnReassemblyTimeoutLocked(id fragmentation.FragmentID, nicID tcpip.NICID, first buffer.View) {
	ns, ok := p.nics[nicID]
	if !ok || len(first) < header.IPv6MinimumSize {
		return
	}
	p.sendICMPErrorForLocked(ns, first, header.ICMPv6TimeExceeded, header.ICMPv6ReassemblyTimeout, 0)
}

// defaultICMP is the built-in ICMPHandler. It answers echo requests and
// hands neighbor discovery messages to the NDP and DAD collaborators.
type defaultICMP struct {
	p *Protocol
}

var _ ICMPHandler = (*defaultICMP)(nil)

// HandleICMPLocked implements ICMPHandler.
func (d *defaultICMP) HandleICMPLocked(pkt ICMPPacket) {
	p := d.p
	msg := pkt.Message

	// As per RFC 4861 sections 4.1 - 4.5, 6.1.1, 6.1.2, 7.1.1, 7.1.2 and
	// 8.1, nodes MUST silently drop NDP packets where the Hop Limit field
	// in the IPv6 header is not set to 255, or the ICMPv6 Code field is not
	// set to 0.
	switch msg.Type() {
	case header.ICMPv6NeighborSolicit,
		header.ICMPv6NeighborAdvert,
		header.ICMPv6RouterSolicit,
		header.ICMPv6RouterAdvert,
		header.ICMPv6RedirectMsg:
		if pkt.HopLimit != header.NDPHopLimit || msg.Code() != 0 {
			p.stats.ICMP.PacketsReceived.Invalid.Increment()
			return
		}
	}

	switch msg.Type() {
	case header.ICMPv6EchoRequest:
		d.replyToEchoLocked(pkt)

	case header.ICMPv6NeighborSolicit:
		if len(msg) < header.ICMPv6NeighborSolicitMinimumSize {
			p.stats.ICMP.PacketsReceived.Invalid.Increment()
			return
		}
		ns := header.NDPNeighborSolicit(msg.MessageBody())
		for _, c := range d.collaborators() {
			if h, ok := c.(NeighborSolicitHandler); ok {
				h.HandleNeighborSolicitLocked(pkt.NIC, pkt.Src, pkt.Dst, ns)
			}
		}

	case header.ICMPv6NeighborAdvert:
		if len(msg) < header.ICMPv6NeighborAdvertMinimumSize {
			p.stats.ICMP.PacketsReceived.Invalid.Increment()
			return
		}
		na := header.NDPNeighborAdvert(msg.MessageBody())
		for _, c := range d.collaborators() {
			if h, ok := c.(NeighborAdvertHandler); ok {
				h.HandleNeighborAdvertLocked(pkt.NIC, pkt.Src, pkt.Dst, na)
			}
		}

	case header.ICMPv6RouterAdvert:
		// Validate the RA as per RFC 4861 section 6.1.2.
		if !header.IsV6LinkLocalUnicastAddress(pkt.Src) || len(msg) < header.ICMPv6RouterAdvertMinimumSize {
			p.stats.ICMP.PacketsReceived.Invalid.Increment()
			return
		}
		if h, ok := p.ndp.(RouterAdvertHandler); ok {
			h.HandleRouterAdvertLocked(pkt.NIC, pkt.Src, header.NDPRouterAdvert(msg.MessageBody()))
		}
	}
}

// collaborators returns the DAD and NDP collaborators, once each.
func (d *defaultICMP) collaborators() []any {
	var dad, ndp any = d.p.dad, d.p.ndp
	if dad == ndp {
		return []any{dad}
	}
	return []any{dad, ndp}
}

// replyToEchoLocked answers an Echo Request as per RFC 4443 section 4.2.
func (d *defaultICMP) replyToEchoLocked(req ICMPPacket) {
	p := d.p
	ns, ok := p.nics[req.NIC]
	if !ok || req.Src == header.IPv6Any || header.IsV6MulticastAddress(req.Src) {
		return
	}

	src := req.Dst
	if header.IsV6MulticastAddress(src) {
		var err tcpip.Error
		if src, err = p.selectSourceLocked(req.NIC, req.Src); err != nil {
			p.stats.ICMP.PacketsSent.Dropped.Increment()
			return
		}
	}

	reply := header.ICMPv6(buffer.NewViewFromBytes(req.Message))
	reply.SetType(header.ICMPv6EchoReply)
	reply.SetCode(0)
	reply.SetChecksum(header.ICMPv6Checksum(reply, src, req.Src, buffer.VectorisedView{}))

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: int(ns.nic.MaxHeaderLength()) + header.IPv6MinimumSize,
		Data:               buffer.View(reply).ToVectorisedView(),
	})
	if err := p.writePacketLocked(WriteParams{
		NIC:      req.NIC,
		Src:      src,
		Dst:      req.Src,
		Protocol: header.ICMPv6ProtocolNumber,
	}, pkt); err != nil {
		p.stats.ICMP.PacketsSent.Dropped.Increment()
		return
	}
	p.countICMPSent(header.ICMPv6EchoReply)
}
