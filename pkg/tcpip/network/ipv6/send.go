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
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

const (
	// DefaultHopLimit is the hop limit used when WriteParams.HopLimit is
	// zero.
	DefaultHopLimit = 255

	maxFlowLabel = 1<<20 - 1
)

// WriteParams describes the network header of an outgoing packet.
type WriteParams struct {
	// NIC is the egress NIC. Zero lets the destination pick it.
	NIC tcpip.NICID

	// Src is the source address. Empty selects one as per RFC 6724 and
	// header.IPv6Any is sent as-is.
	Src tcpip.Address

	Dst      tcpip.Address
	Protocol tcpip.TransportProtocolNumber

	// ExtHdrs are placed between the fixed header and the payload.
	ExtHdrs *ExtHdrList

	TrafficClass uint8
	FlowLabel    uint32

	// HopLimit must be within [0, 255]. Zero selects Options.HopLimit.
	HopLimit int
}

// WritePacket prepends the IPv6 header described by params to pkt and sends
// it. pkt must reserve room for the link, IPv6 and extension headers.
// Packets to a local address are looped back into the receive path.
func (p *Protocol) WritePacket(params WriteParams, pkt *stack.PacketBuffer) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()
	return p.writePacketLocked(params, pkt)
}

func (p *Protocol) writePacketLocked(params WriteParams, pkt *stack.PacketBuffer) tcpip.Error {
	dst := params.Dst
	if err := header.ValidateIPv6AddressType(dst, header.AllowLoopback|header.AllowMulticast|header.AllowUnicast); err != nil {
		return err
	}
	hopLimit := params.HopLimit
	switch {
	case hopLimit < 0 || hopLimit > 255:
		return &tcpip.ErrInvalidOptionValue{}
	case hopLimit == 0:
		hopLimit = int(p.opts.HopLimit)
	}
	if params.FlowLabel > maxFlowLabel {
		return &tcpip.ErrInvalidOptionValue{}
	}

	nicID, nextHop, loop, err := p.routeLocked(params)
	if err != nil {
		p.stats.IP.NoRoute.Increment()
		return err
	}
	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}

	src := params.Src
	switch {
	case src == "":
		if loop {
			src = dst
			if header.IsV6MulticastAddress(dst) || dst == header.IPv6Loopback {
				src = header.IPv6Loopback
			}
			break
		}
		if src, err = p.selectSourceLocked(nicID, dst); err != nil {
			return err
		}
	case src == header.IPv6Any:
	case loop && (src == header.IPv6Loopback || p.nicOfLocalAddressLocked(src) != 0):
	case !p.isLocalAddressLocked(nicID, src):
		return &tcpip.ErrBadLocalAddress{}
	}

	hdrLen := header.IPv6MinimumSize + params.ExtHdrs.Length()
	if pkt.AvailableHeaderBytes() < hdrLen {
		p.stats.IP.HeaderTooLargeForBuffer.Increment()
		return &tcpip.ErrNotSupported{}
	}
	payloadLen := pkt.Size() + params.ExtHdrs.Length()
	if payloadLen > header.IPv6MaximumPayloadSize {
		return &tcpip.ErrMessageTooLong{}
	}
	if !loop && uint32(header.IPv6MinimumSize+payloadLen) > ns.nic.MTU() {
		p.stats.IP.PacketTooBigForLink.Increment()
		return &tcpip.ErrNotSupported{}
	}

	b := pkt.NetworkHeader().Push(hdrLen)
	next := params.ExtHdrs.serializeInto(b[header.IPv6MinimumSize:], uint8(params.Protocol))
	header.IPv6(b).Encode(&header.IPv6Fields{
		TrafficClass:  params.TrafficClass,
		FlowLabel:     params.FlowLabel,
		PayloadLength: uint16(payloadLen),
		NextHeader:    next,
		HopLimit:      uint8(hopLimit),
		SrcAddr:       src,
		DstAddr:       dst,
	})
	pkt.TransportProtocolNumber = params.Protocol

	if loop {
		pkt.NetworkProtocolNumber = ProtocolNumber
		pkt.Egress = stack.EgressRoute{NIC: nicID, NextHop: dst}
		p.stats.IP.PacketsLooped.Increment()
		in := pkt.CloneToInbound()
		in.NICID = nicID
		in.NetworkProtocolNumber = ProtocolNumber
		p.handlePacketLocked(nicID, in, true /* looped */)
		return nil
	}
	return p.emitLocked(ns, nextHop, pkt)
}

// routeLocked picks the egress NIC and next hop of a packet. loop is true
// when the packet must be delivered locally.
func (p *Protocol) routeLocked(params WriteParams) (nicID tcpip.NICID, nextHop tcpip.Address, loop bool, err tcpip.Error) {
	dst := params.Dst
	switch {
	case header.IsV6MulticastAddress(dst):
		nicID = params.NIC
		if nicID == 0 && params.Src != "" && params.Src != header.IPv6Any {
			nicID = p.nicOfLocalAddressLocked(params.Src)
		}
		if nicID == 0 {
			return 0, "", false, &tcpip.ErrNoRoute{}
		}
		if header.V6MulticastScope(dst) == header.InterfaceLocalScope {
			return nicID, dst, true, nil
		}
		return nicID, dst, false, nil

	case dst == header.IPv6Loopback:
		nicID = params.NIC
		if nicID == 0 {
			ids := p.nicIDsLocked()
			if len(ids) == 0 {
				return 0, "", false, &tcpip.ErrNoRoute{}
			}
			nicID = ids[0]
		}
		return nicID, dst, true, nil
	}

	if local := p.nicOfLocalAddressLocked(dst); local != 0 {
		if params.NIC != 0 {
			local = params.NIC
		}
		return local, dst, true, nil
	}

	if params.NIC != 0 {
		nextHop, err = p.ndp.NextHopOnNIC(params.NIC, dst)
		return params.NIC, nextHop, false, err
	}
	nicID, nextHop, err = p.ndp.NextHop(dst, params.Src)
	return nicID, nextHop, false, err
}

// emitLocked hands a built packet to the NIC of ns.
func (p *Protocol) emitLocked(ns *nicState, nextHop tcpip.Address, pkt *stack.PacketBuffer) tcpip.Error {
	pkt.Egress.NextHop = nextHop
	if err := ns.nic.WritePacket(ProtocolNumber, pkt); err != nil {
		p.stats.IP.OutgoingPacketErrors.Increment()
		return err
	}
	p.stats.IP.PacketsSent.Increment()
	return nil
}

// RetransmitPacket sends pkt again through the NIC and next hop recorded by
// an earlier WritePacket. Only the payload length is recomputed, from the
// current size of the packet.
func (p *Protocol) RetransmitPacket(pkt *stack.PacketBuffer) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()

	ip := header.IPv6(pkt.NetworkHeader().View())
	if len(ip) < header.IPv6MinimumSize {
		return &tcpip.ErrMalformedHeader{}
	}
	ns, ok := p.nics[pkt.Egress.NIC]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	payloadLen := pkt.Size() - len(pkt.LinkHeader().View()) - header.IPv6MinimumSize
	if payloadLen > header.IPv6MaximumPayloadSize {
		return &tcpip.ErrMessageTooLong{}
	}
	ip.SetPayloadLength(uint16(payloadLen))
	return p.emitLocked(ns, pkt.Egress.NextHop, pkt)
}
