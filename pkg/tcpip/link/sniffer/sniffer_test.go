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

package sniffer_test

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/faketime"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/channel"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/sniffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

var (
	srcAddr = tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01")
	dstAddr = tcpip.Address("\xff\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01")
)

func echoPacket(size int) buffer.View {
	b := buffer.NewView(header.IPv6MinimumSize + size)
	header.IPv6(b).Encode(&header.IPv6Fields{
		PayloadLength: uint16(size),
		NextHeader:    uint8(header.ICMPv6ProtocolNumber),
		HopLimit:      1,
		SrcAddr:       srcAddr,
		DstAddr:       dstAddr,
	})
	header.ICMPv6(b[header.IPv6MinimumSize:]).SetType(header.ICMPv6EchoRequest)
	return b
}

func newPacket(b buffer.View) *stack.PacketBuffer {
	return stack.NewPacketBuffer(stack.PacketBufferOptions{Data: b.ToVectorisedView()})
}

type recordingDispatcher struct {
	pkts []buffer.View
}

func (d *recordingDispatcher) DeliverNetworkPacket(_ tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	d.pkts = append(d.pkts, pkt.ToView())
}

type recordingEmitter struct {
	lines []string
}

func (r *recordingEmitter) Emit(_ int, _ log.Level, _ time.Time, format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func TestPCAP(t *testing.T) {
	lower := channel.New(4, 1500, "")
	defer lower.Close()
	clock := faketime.NewManualClock()

	var out bytes.Buffer
	ep, err := sniffer.New(lower, sniffer.Options{PCAP: &out, SnapLen: header.IPv6MinimumSize + 4, Clock: clock})
	if err != nil {
		t.Fatalf("sniffer.New(...): %s", err)
	}
	var d recordingDispatcher
	ep.Attach(&d)

	clock.Advance(1500 * time.Millisecond)
	in := echoPacket(8)
	lower.InjectInbound(header.IPv6ProtocolNumber, newPacket(in))

	outPkt := echoPacket(header.ICMPv6EchoMinimumSize)
	if err := ep.WritePacket(header.IPv6ProtocolNumber, newPacket(outPkt)); err != nil {
		t.Fatalf("WritePacket(...): %s", err)
	}

	if diff := cmp.Diff([]buffer.View{in}, d.pkts); diff != "" {
		t.Errorf("delivered packets mismatch (-want +got):\n%s", diff)
	}
	if p, ok := lower.Read(); !ok {
		t.Error("no packet written to the wrapped endpoint")
	} else if diff := cmp.Diff(outPkt, p.Pkt.ToView()); diff != "" {
		t.Errorf("written packet mismatch (-want +got):\n%s", diff)
	}

	r, err := pcapgo.NewReader(&out)
	if err != nil {
		t.Fatalf("pcapgo.NewReader(_): %s", err)
	}
	if got, want := r.LinkType(), layers.LinkTypeRaw; got != want {
		t.Errorf("got link type %s, want %s", got, want)
	}
	for i, want := range []buffer.View{in, outPkt} {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			t.Fatalf("ReadPacketData() #%d: %s", i, err)
		}
		if ci.Length != len(want) {
			t.Errorf("record %d: got length %d, want %d", i, ci.Length, len(want))
		}
		if diff := cmp.Diff([]byte(want[:header.IPv6MinimumSize+4]), data); diff != "" {
			t.Errorf("record %d: data mismatch (-want +got):\n%s", i, diff)
		}
		if want := time.Unix(1, 5e8); !ci.Timestamp.Equal(want) {
			t.Errorf("record %d: got timestamp %s, want %s", i, ci.Timestamp, want)
		}
	}
	if err := ep.PCAPError(); err != nil {
		t.Errorf("PCAPError() = %s", err)
	}
}

func TestLog(t *testing.T) {
	old := log.Log()
	var rec recordingEmitter
	log.SetTarget(&rec)
	defer log.SetTarget(old.Emitter)

	lower := channel.New(4, 1500, "")
	defer lower.Close()
	ep, err := sniffer.New(lower, sniffer.Options{Log: true})
	if err != nil {
		t.Fatalf("sniffer.New(...): %s", err)
	}
	ep.Attach(&recordingDispatcher{})

	lower.InjectInbound(header.IPv6ProtocolNumber, newPacket(echoPacket(8)))
	if err := ep.WritePacket(header.IPv6ProtocolNumber, newPacket(buffer.NewView(4))); err != nil {
		t.Fatalf("WritePacket(...): %s", err)
	}

	want := []string{
		"recv icmp fe80::1 -> ff02::1 echo request len:8 code:0 ext:[]",
		"send ipv6 truncated len:4",
	}
	if diff := cmp.Diff(want, rec.lines); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachNil(t *testing.T) {
	lower := channel.New(1, 1500, "")
	defer lower.Close()
	ep, err := sniffer.New(lower, sniffer.Options{})
	if err != nil {
		t.Fatalf("sniffer.New(...): %s", err)
	}
	ep.Attach(&recordingDispatcher{})
	if !ep.IsAttached() {
		t.Fatal("IsAttached() = false after Attach")
	}
	ep.Attach(nil)
	if ep.IsAttached() {
		t.Error("IsAttached() = true after Attach(nil)")
	}
}

func TestMulticastForwarded(t *testing.T) {
	lower := channel.New(1, 1500, "")
	defer lower.Close()
	ep, err := sniffer.New(lower, sniffer.Options{})
	if err != nil {
		t.Fatalf("sniffer.New(...): %s", err)
	}
	addr := header.EthernetAddressFromMulticastIPv6Address(dstAddr)
	if err := ep.AddMulticast(addr); err != nil {
		t.Fatalf("AddMulticast(%s): %s", addr, err)
	}
	if !lower.AcceptsMulticast(addr) {
		t.Errorf("wrapped endpoint does not accept %s", addr)
	}
	if err := ep.RemoveMulticast(addr); err != nil {
		t.Fatalf("RemoveMulticast(%s): %s", addr, err)
	}
	if lower.AcceptsMulticast(addr) {
		t.Errorf("wrapped endpoint still accepts %s", addr)
	}
}

func TestDisabledIsTransparent(t *testing.T) {
	lower := channel.New(1, 1500, "")
	defer lower.Close()
	ep, err := sniffer.New(lower, sniffer.Options{})
	if err != nil {
		t.Fatalf("sniffer.New(...): %s", err)
	}
	if got, want := ep.MTU(), lower.MTU(); got != want {
		t.Errorf("got MTU() = %d, want %d", got, want)
	}
	if err := ep.WritePacket(header.IPv6ProtocolNumber, newPacket(echoPacket(8))); err != nil {
		t.Fatalf("WritePacket(...): %s", err)
	}
	if _, ok := lower.Read(); !ok {
		t.Error("packet not forwarded")
	}
	if err := ep.PCAPError(); err != nil {
		t.Errorf("PCAPError() = %s", err)
	}
}
