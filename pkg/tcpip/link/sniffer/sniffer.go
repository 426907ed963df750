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

// Package sniffer provides a link endpoint that wraps another endpoint and
// records inbound and outbound packets, either as log lines or in pcap format.
//
// Wrap the endpoint handed to stack.CreateNIC:
//
//	ep, err := sniffer.New(lower, sniffer.Options{Log: true})
package sniffer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// DefaultSnapLen is the capture length used when Options.SnapLen is zero.
const DefaultSnapLen = 65535

// Options configures a sniffer.
type Options struct {
	// Log emits one log line per packet at Info level.
	Log bool

	// PCAP receives every packet as a raw IP pcap record.
	PCAP io.Writer

	// SnapLen is the maximum number of bytes of a packet written to PCAP.
	SnapLen uint32

	// Clock timestamps pcap records. Nil selects tcpip.NewStdClock.
	Clock tcpip.Clock
}

// Endpoint is a sniffing link endpoint.
type Endpoint struct {
	stack.LinkEndpoint

	log     bool
	clock   tcpip.Clock
	snapLen int

	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	pcap       *pcapgo.Writer
	pcapErr    error
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.NetworkDispatcher = (*Endpoint)(nil)
var _ stack.MulticastFilter = (*Endpoint)(nil)

// New creates a sniffer wrapping lower. When opts.PCAP is set the pcap file
// header is written immediately.
func New(lower stack.LinkEndpoint, opts Options) (*Endpoint, error) {
	e := &Endpoint{
		LinkEndpoint: lower,
		log:          opts.Log,
		clock:        opts.Clock,
		snapLen:      int(opts.SnapLen),
	}
	if e.clock == nil {
		e.clock = tcpip.NewStdClock()
	}
	if e.snapLen == 0 {
		e.snapLen = DefaultSnapLen
	}
	if opts.PCAP != nil {
		w := pcapgo.NewWriter(opts.PCAP)
		if err := w.WriteFileHeader(uint32(e.snapLen), layers.LinkTypeRaw); err != nil {
			return nil, fmt.Errorf("writing pcap header: %w", err)
		}
		e.pcap = w
	}
	return e, nil
}

// Attach implements stack.LinkEndpoint.Attach. The sniffer interposes itself
// between the wrapped endpoint and dispatcher.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	e.dispatcher = dispatcher
	e.mu.Unlock()
	if dispatcher == nil {
		e.LinkEndpoint.Attach(nil)
		return
	}
	e.LinkEndpoint.Attach(e)
}

// DeliverNetworkPacket implements stack.NetworkDispatcher. It is called by
// the wrapped endpoint when a packet arrives.
func (e *Endpoint) DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	e.dumpPacket("recv", protocol, pkt)
	e.mu.Lock()
	d := e.dispatcher
	e.mu.Unlock()
	if d != nil {
		d.DeliverNetworkPacket(protocol, pkt)
	}
}

// WritePacket implements stack.LinkEndpoint.WritePacket.
func (e *Endpoint) WritePacket(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) tcpip.Error {
	e.dumpPacket("send", protocol, pkt)
	return e.LinkEndpoint.WritePacket(protocol, pkt)
}

// AddMulticast implements stack.MulticastFilter by forwarding to the wrapped
// endpoint, if it filters.
func (e *Endpoint) AddMulticast(addr tcpip.LinkAddress) tcpip.Error {
	if f, ok := e.LinkEndpoint.(stack.MulticastFilter); ok {
		return f.AddMulticast(addr)
	}
	return nil
}

// RemoveMulticast implements stack.MulticastFilter.
func (e *Endpoint) RemoveMulticast(addr tcpip.LinkAddress) tcpip.Error {
	if f, ok := e.LinkEndpoint.(stack.MulticastFilter); ok {
		return f.RemoveMulticast(addr)
	}
	return nil
}

// PCAPError returns the first error hit while writing pcap records. Recording
// stops after an error.
func (e *Endpoint) PCAPError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pcapErr
}

func (e *Endpoint) dumpPacket(prefix string, protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	if !e.log && e.pcap == nil {
		return
	}
	b := pkt.ToView()
	if e.log {
		logPacket(prefix, protocol, b)
	}
	if e.pcap == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pcapErr != nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     e.clock.Now(),
		CaptureLength: min(len(b), e.snapLen),
		Length:        len(b),
	}
	if err := e.pcap.WritePacket(ci, b[:ci.CaptureLength]); err != nil {
		e.pcapErr = err
		log.Warningf("sniffer: pcap recording stopped: %v", err)
	}
}

// logPacket logs a one line summary of the IPv6 packet b.
func logPacket(prefix string, protocol tcpip.NetworkProtocolNumber, b []byte) {
	if protocol != header.IPv6ProtocolNumber {
		log.Infof("%s unknown network protocol %d len:%d", prefix, protocol, len(b))
		return
	}
	if len(b) < header.IPv6MinimumSize {
		log.Infof("%s ipv6 truncated len:%d", prefix, len(b))
		return
	}
	h := header.IPv6(b)
	src, dst := h.SourceAddress(), h.DestinationAddress()

	it := header.MakeIPv6PayloadIterator(header.IPv6ExtensionHeaderIdentifier(h.NextHeader()), h.Payload())
	var (
		exts []string
		raw  header.IPv6RawPayloadHeader
	)
	for {
		hdr, done, err := it.Next()
		if err != nil {
			log.Infof("%s ipv6 %s -> %s malformed extension header: %v", prefix, src, dst, err)
			return
		}
		if done {
			log.Infof("%s ipv6 %s -> %s len:%d ext:%v no next header", prefix, src, dst, h.PayloadLength(), exts)
			return
		}
		if r, ok := hdr.(header.IPv6RawPayloadHeader); ok {
			raw = r
			break
		}
		exts = append(exts, extName(hdr))
	}

	proto := tcpip.TransportProtocolNumber(raw.Identifier)
	payload := raw.Buf
	switch {
	case proto == header.ICMPv6ProtocolNumber && len(payload) >= header.ICMPv6MinimumSize:
		icmp := header.ICMPv6(payload)
		log.Infof("%s icmp %s -> %s %s len:%d code:%d ext:%v", prefix, src, dst, icmp.Type(), len(payload), icmp.Code(), exts)
	case (proto == header.UDPProtocolNumber || proto == header.TCPProtocolNumber) && len(payload) >= 4:
		name := "udp"
		if proto == header.TCPProtocolNumber {
			name = "tcp"
		}
		srcPort, dstPort := binary.BigEndian.Uint16(payload), binary.BigEndian.Uint16(payload[2:])
		log.Infof("%s %s %s:%d -> %s:%d len:%d ext:%v", prefix, name, src, srcPort, dst, dstPort, len(payload), exts)
	default:
		log.Infof("%s %s -> %s transport protocol %d len:%d ext:%v", prefix, src, dst, proto, len(payload), exts)
	}
}

func extName(hdr header.IPv6PayloadHeader) string {
	switch hdr.(type) {
	case header.IPv6HopByHopOptionsExtHdr:
		return "hop-by-hop"
	case header.IPv6DestinationOptionsExtHdr:
		return "destination"
	case header.IPv6RoutingExtHdr:
		return "routing"
	case header.IPv6FragmentExtHdr:
		return "fragment"
	case header.IPv6AuthenticationExtHdr:
		return "authentication"
	default:
		return "unknown"
	}
}
