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
	"errors"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/internal/fragmentation"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// Pointers carried by Parameter Problem messages about the fixed header.
const (
	payloadLengthPointer = 4
	nextHeaderPointer    = header.IPv6NextHeaderOffset
)

// knownNextHeader returns whether the fixed header may name id.
func knownNextHeader(id uint8) bool {
	switch header.IPv6ExtensionHeaderIdentifier(id) {
	case header.IPv6HopByHopOptionsExtHdrIdentifier,
		header.IPv6RoutingExtHdrIdentifier,
		header.IPv6FragmentExtHdrIdentifier,
		header.IPv6EncapsulatingSecurityPayloadExtHdrIdentifier,
		header.IPv6AuthenticationExtHdrIdentifier,
		header.IPv6NoNextHeaderIdentifier,
		header.IPv6DestinationOptionsExtHdrIdentifier,
		header.IPv6MobilityExtHdrIdentifier:
		return true
	}
	switch tcpip.TransportProtocolNumber(id) {
	case header.TCPProtocolNumber, header.UDPProtocolNumber, header.ICMPv6ProtocolNumber:
		return true
	}
	return false
}

// HandlePacket implements stack.NetworkProtocol. It is called by the NIC
// without the stack lock held.
func (p *Protocol) HandlePacket(nicID tcpip.NICID, pkt *stack.PacketBuffer) {
	p.stack.Lock()
	defer p.stack.Unlock()
	p.handlePacketLocked(nicID, pkt, false /* looped */)
}

// rxPacket is a received packet whose fixed header passed validation.
type rxPacket struct {
	ns  *nicState
	pkt *stack.PacketBuffer
	ip  header.IPv6
}

// original returns the packet as received, starting at the fixed header.
func (r *rxPacket) original() buffer.View {
	v := buffer.NewViewFromBytes(r.ip)
	return append(v, r.pkt.Data().ToView()...)
}

// handlePacketLocked validates the fixed header of pkt, walks its extension
// headers and delivers the payload. looped packets were sent by this node
// to itself.
func (p *Protocol) handlePacketLocked(nicID tcpip.NICID, pkt *stack.PacketBuffer, looped bool) {
	ns, ok := p.nics[nicID]
	if !ok {
		return
	}
	p.stats.IP.PacketsReceived.Increment()

	hdr, ok := pkt.NetworkHeader().Consume(header.IPv6MinimumSize)
	if !ok {
		p.stats.IP.MalformedPacketsReceived.Increment()
		p.dropLog.Debugf("ipv6: %s dropped %d byte runt", nicID, pkt.Size())
		return
	}
	ip := header.IPv6(hdr)
	if header.IPVersion(hdr) != header.IPv6Version {
		p.stats.IP.InvalidVersionReceived.Increment()
		return
	}
	if tc, fl := ip.TOS(); (p.opts.FilterTrafficClass && tc != p.opts.RxTrafficClass) ||
		(p.opts.FilterFlowLabel && fl != p.opts.RxFlowLabel) {
		p.stats.IP.FilteredPacketsReceived.Increment()
		return
	}

	rx := rxPacket{ns: ns, pkt: pkt, ip: ip}
	payloadLen := int(ip.PayloadLength())
	if data := pkt.Data(); payloadLen > data.Size() {
		p.stats.IP.MalformedPacketsReceived.Increment()
		p.sendICMPErrorLocked(&rx, header.ICMPv6ParamProblem, header.ICMPv6ErroneousHeader, payloadLengthPointer)
		return
	} else if payloadLen < data.Size() {
		data.CapLength(payloadLen)
		pkt.SetData(data)
	}

	if !knownNextHeader(ip.NextHeader()) {
		p.stats.IP.UnknownNextHeaderReceived.Increment()
		p.sendICMPErrorLocked(&rx, header.ICMPv6ParamProblem, header.ICMPv6UnknownHeader, nextHeaderPointer)
		return
	}

	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	if header.IsV6MulticastAddress(src) || (src == header.IPv6Loopback && !looped) {
		p.stats.IP.InvalidSourceAddressesReceived.Increment()
		return
	}
	if !p.acceptsDestinationLocked(ns, dst) {
		p.stats.IP.InvalidDestinationAddressesReceived.Increment()
		return
	}

	p.walkExtensionHeadersLocked(&rx)
}

// acceptsDestinationLocked returns whether packets to dst are for this node.
func (p *Protocol) acceptsDestinationLocked(ns *nicState, dst tcpip.Address) bool {
	switch dst {
	case header.IPv6Loopback, header.IPv6AllNodesMulticastAddress, header.IPv6AllRoutersMulticastAddress:
		return true
	}
	if header.IsV6MulticastAddress(dst) {
		return p.IsInGroupLocked(ns.id(), dst)
	}
	return p.isLocalAddressLocked(ns.id(), dst)
}

// walkExtensionHeadersLocked processes the extension headers of rx as per
// RFC 8200 section 4 and hands the upper-layer payload to deliverLocked.
//
// Pointers in Parameter Problem messages are offsets from the start of the
// fixed header. After reassembly they are relative to the reassembled
// payload.
func (p *Protocol) walkExtensionHeadersLocked(rx *rxPacket) {
	ip := rx.ip
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	it := header.MakeIPv6PayloadIterator(header.IPv6ExtensionHeaderIdentifier(ip.NextHeader()), rx.pkt.Data().ToView())
	first := true
	routerAlert := false
	fragNextHdrPointer := -1

	for {
		h, done, err := it.Next()
		if err != nil {
			p.stats.IP.MalformedPacketsReceived.Increment()
			p.dropLog.Debugf("ipv6: %s malformed extension header from %s: %s", rx.ns.id(), src, err)
			return
		}
		if done {
			return
		}
		isFirst := first
		first = false

		switch h := h.(type) {
		case header.IPv6HopByHopOptionsExtHdr:
			// RFC 8200 section 4.1 allows hop-by-hop options only
			// immediately after the fixed header.
			if !isFirst {
				p.stats.IP.MalformedPacketsReceived.Increment()
				p.sendICMPErrorLocked(rx, header.ICMPv6ParamProblem, header.ICMPv6UnknownHeader, uint32(header.IPv6MinimumSize+it.NextHeaderFieldOffset()))
				return
			}
			ra, ok := p.processOptionsLocked(rx, h.Iter(), it.HeaderOffset())
			if !ok {
				return
			}
			routerAlert = ra

		case header.IPv6DestinationOptionsExtHdr:
			if _, ok := p.processOptionsLocked(rx, h.Iter(), it.HeaderOffset()); !ok {
				return
			}

		case header.IPv6RoutingExtHdr:
			// No routing type is supported, as per RFC 8200 section 4.4.
			if h.SegmentsLeft() != 0 {
				p.stats.IP.RoutingHeaderDiscarded.Increment()
				p.sendICMPErrorLocked(rx, header.ICMPv6ParamProblem, header.ICMPv6ErroneousHeader, uint32(header.IPv6MinimumSize+it.HeaderOffset()+header.IPv6RoutingExtHdrSegmentsLeftOffset))
				return
			}

		case header.IPv6FragmentExtHdr:
			if h.IsAtomic() {
				continue
			}
			hdrOff := it.HeaderOffset()
			rest := it.AsRawHeader(true /* consume */)
			f := fragmentation.Fragment{
				Offset: int(h.FragmentOffset()) * header.IPv6FragmentExtHdrFragmentOffsetBytesPerUnit,
				More:   h.More(),
				Proto:  uint8(rest.Identifier),
				Data:   buffer.NewViewFromBytes(rest.Buf).ToVectorisedView(),
				NIC:    rx.ns.id(),

				UnfragmentableLen: hdrOff,
			}
			if f.Offset == 0 {
				f.Packet = rx.original()
			}
			id := fragmentation.FragmentID{Source: src, Destination: dst, ID: h.ID()}
			data, proto, ready, err := p.frag.Process(id, f)
			switch {
			case errors.Is(err, fragmentation.ErrFragmentSize):
				p.stats.IP.MalformedPacketsReceived.Increment()
				p.sendICMPErrorLocked(rx, header.ICMPv6ParamProblem, header.ICMPv6ErroneousHeader, payloadLengthPointer)
				return
			case errors.Is(err, fragmentation.ErrFragmentOverflow):
				p.stats.IP.MalformedPacketsReceived.Increment()
				p.sendICMPErrorLocked(rx, header.ICMPv6ParamProblem, header.ICMPv6ErroneousHeader, uint32(header.IPv6MinimumSize+hdrOff+header.IPv6FragmentExtHdrFragmentOffsetOffset))
				return
			case err != nil:
				p.dropLog.Debugf("ipv6: %s dropped fragment %s: %s", rx.ns.id(), id, err)
				return
			case !ready:
				return
			}
			fragNextHdrPointer = header.IPv6MinimumSize + hdrOff
			it = header.MakeIPv6PayloadIterator(header.IPv6ExtensionHeaderIdentifier(proto), data.ToView())

		case header.IPv6AuthenticationExtHdr:
			// Skipped by length. Verification is not supported.

		case header.IPv6RawPayloadHeader:
			if !knownNextHeader(uint8(h.Identifier)) {
				// The field naming the payload lives in the last extension
				// header, or in the fragment header for a reassembled one.
				pointer := uint32(nextHeaderPointer)
				if off := it.NextHeaderFieldOffset(); off >= 0 {
					pointer = uint32(header.IPv6MinimumSize + off)
				} else if fragNextHdrPointer >= 0 {
					pointer = uint32(fragNextHdrPointer)
				}
				p.stats.IP.UnknownNextHeaderReceived.Increment()
				p.sendICMPErrorLocked(rx, header.ICMPv6ParamProblem, header.ICMPv6UnknownHeader, pointer)
				return
			}
			switch h.Identifier {
			case header.IPv6EncapsulatingSecurityPayloadExtHdrIdentifier, header.IPv6MobilityExtHdrIdentifier:
				p.stats.IP.UnsupportedExtensionHeaderReceived.Increment()
				return
			}
			p.deliverLocked(rx, tcpip.TransportProtocolNumber(h.Identifier), h.Buf, routerAlert)
			return

		default:
			panic("unknown IPv6 payload header type")
		}
	}
}

// processOptionsLocked walks the options of a hop-by-hop or destination
// options header starting at hdrOff in the payload. It returns whether a
// Router Alert option for MLD was found, and false if the packet must be
// dropped.
func (p *Protocol) processOptionsLocked(rx *rxPacket, it header.IPv6OptionsExtHdrOptionsIterator, hdrOff int) (routerAlert bool, ok bool) {
	for {
		opt, done, err := it.Next()
		if err != nil {
			p.stats.IP.MalformedPacketsReceived.Increment()
			return false, false
		}
		if done {
			return routerAlert, true
		}

		switch opt := opt.(type) {
		case *header.IPv6RouterAlertOption:
			if opt.Value == header.IPv6RouterAlertMLD {
				routerAlert = true
			}
		case *header.IPv6UnknownExtHdrOption:
			switch opt.UnknownAction() {
			case header.IPv6OptionUnknownActionSkip:
				continue
			case header.IPv6OptionUnknownActionDiscard:
			case header.IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest:
				if header.IsV6MulticastAddress(rx.ip.DestinationAddress()) {
					break
				}
				fallthrough
			case header.IPv6OptionUnknownActionDiscardSendICMP:
				p.sendICMPErrorLocked(rx, header.ICMPv6ParamProblem, header.ICMPv6UnknownOption, uint32(header.IPv6MinimumSize+hdrOff+it.OptionOffset()))
			}
			p.stats.IP.OptionDiscarded.Increment()
			return false, false
		}
	}
}

// deliverLocked hands an upper-layer payload to its handler.
func (p *Protocol) deliverLocked(rx *rxPacket, proto tcpip.TransportProtocolNumber, payload []byte, routerAlert bool) {
	ip := rx.ip
	src, dst := ip.SourceAddress(), ip.DestinationAddress()

	switch proto {
	case header.ICMPv6ProtocolNumber:
		icmp := header.ICMPv6(payload)
		if len(icmp) < header.ICMPv6MinimumSize {
			p.stats.ICMP.PacketsReceived.Invalid.Increment()
			return
		}
		if header.ICMPv6Checksum(icmp, src, dst, buffer.VectorisedView{}) != icmp.Checksum() {
			p.stats.ICMP.PacketsReceived.ChecksumErrors.Increment()
			p.dropLog.Debugf("ipv6: %s ICMPv6 checksum error from %s", rx.ns.id(), src)
			return
		}
		p.stats.IP.PacketsDelivered.Increment()
		if !p.countICMPReceived(icmp.Type()) {
			p.stats.ICMP.PacketsReceived.Unrecognized.Increment()
		}
		if icmp.Type().IsMLD() {
			p.handleMLDLocked(rx.ns, ip, icmp, routerAlert)
			return
		}
		p.icmp.HandleICMPLocked(ICMPPacket{
			NIC:      rx.ns.id(),
			Src:      src,
			Dst:      dst,
			HopLimit: ip.HopLimit(),
			Message:  icmp,
		})

	case header.TCPProtocolNumber, header.UDPProtocolNumber:
		if p.transport == nil {
			p.stats.IP.UnknownProtocolReceived.Increment()
			return
		}
		p.stats.IP.PacketsDelivered.Increment()
		pkt := rx.pkt
		pkt.SetData(buffer.NewViewFromBytes(payload).ToVectorisedView())
		pkt.TransportProtocolNumber = proto
		p.transport.DeliverTransportPacket(rx.ns.id(), proto, src, dst, pkt)

	default:
		p.stats.IP.UnknownProtocolReceived.Increment()
		p.dropLog.Debugf("ipv6: %s no handler for protocol %d from %s", rx.ns.id(), proto, src)
	}
}
