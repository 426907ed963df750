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

package cmd

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct{}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "pretty-print hex encoded IPv6 packets"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [<hex packet>...] - print the headers of each packet. Without
arguments, one packet per line is read from standard input. Whitespace and
colons inside a packet are ignored.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Decode) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	packets := f.Args()
	if len(packets) == 0 {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				packets = append(packets, line)
			}
		}
		if err := sc.Err(); err != nil {
			return failure("decode: reading standard input: %v", err)
		}
	}

	status := subcommands.ExitSuccess
	for i, p := range packets {
		if i > 0 {
			fmt.Println()
		}
		if err := decodeHex(os.Stdout, p); err != nil {
			status = failure("decode: packet %d: %v", i, err)
		}
	}
	return status
}

func decodeHex(w io.Writer, s string) error {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ':', '\n', '\r':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return decodePacket(w, b)
}

// decodePacket writes a description of the IPv6 packet b. Truncated or
// malformed parts are reported in the output; an error is returned only when
// b is not an IPv6 packet at all.
func decodePacket(w io.Writer, b []byte) error {
	if len(b) < header.IPv6MinimumSize {
		return fmt.Errorf("%d bytes is shorter than an IPv6 header", len(b))
	}
	if v := header.IPVersion(b); v != header.IPv6Version {
		return fmt.Errorf("IP version %d, want %d", v, header.IPv6Version)
	}
	h := header.IPv6(b)
	tc, flow := h.TOS()
	fmt.Fprintf(w, "IPv6 %s > %s\n", h.SourceAddress(), h.DestinationAddress())
	fmt.Fprintf(w, "  traffic_class=%#02x flow_label=%#05x payload_length=%d next_header=%d hop_limit=%d\n",
		tc, flow, h.PayloadLength(), h.NextHeader(), h.HopLimit())

	payload := h.Payload()
	if n := int(h.PayloadLength()); n < len(payload) {
		fmt.Fprintf(w, "  %d trailing bytes ignored\n", len(payload)-n)
		payload = payload[:n]
	} else if n > len(payload) {
		fmt.Fprintf(w, "  truncated: %d of %d payload bytes present\n", len(payload), n)
	}

	it := header.MakeIPv6PayloadIterator(header.IPv6ExtensionHeaderIdentifier(h.NextHeader()), payload)
	for {
		hdr, done, err := it.Next()
		if err != nil {
			fmt.Fprintf(w, "  malformed extension header at offset %d: %v\n", it.ParseOffset(), err)
			return nil
		}
		if done {
			fmt.Fprintln(w, "  no next header")
			return nil
		}
		switch hdr := hdr.(type) {
		case header.IPv6HopByHopOptionsExtHdr:
			fmt.Fprintln(w, "  hop-by-hop options")
			describeOptions(w, hdr.Iter())
		case header.IPv6DestinationOptionsExtHdr:
			fmt.Fprintln(w, "  destination options")
			describeOptions(w, hdr.Iter())
		case header.IPv6RoutingExtHdr:
			fmt.Fprintf(w, "  routing type=%d segments_left=%d\n", hdr.RoutingType(), hdr.SegmentsLeft())
		case header.IPv6FragmentExtHdr:
			fmt.Fprintf(w, "  fragment offset=%d more=%t id=%#x\n", hdr.FragmentOffset()*8, hdr.More(), hdr.ID())
		case header.IPv6AuthenticationExtHdr:
			fmt.Fprintf(w, "  authentication length=%d\n", len(hdr))
		case header.IPv6RawPayloadHeader:
			describeUpperLayer(w, h, hdr)
			return nil
		}
	}
}

func describeOptions(w io.Writer, it header.IPv6OptionsExtHdrOptionsIterator) {
	for {
		opt, done, err := it.Next()
		if err != nil {
			fmt.Fprintf(w, "    malformed option: %v\n", err)
			return
		}
		if done {
			return
		}
		switch opt := opt.(type) {
		case *header.IPv6RouterAlertOption:
			fmt.Fprintf(w, "    router alert value=%d\n", opt.Value)
		case *header.IPv6UnknownExtHdrOption:
			fmt.Fprintf(w, "    option type=%#02x length=%d action=%d\n", uint8(opt.Identifier), len(opt.Data), opt.UnknownAction())
		}
	}
}

func describeUpperLayer(w io.Writer, h header.IPv6, raw header.IPv6RawPayloadHeader) {
	proto := tcpip.TransportProtocolNumber(raw.Identifier)
	if proto != header.ICMPv6ProtocolNumber {
		fmt.Fprintf(w, "  payload protocol=%d length=%d\n", proto, len(raw.Buf))
		return
	}
	if len(raw.Buf) < header.ICMPv6HeaderSize {
		fmt.Fprintf(w, "  ICMPv6 truncated: %d bytes\n", len(raw.Buf))
		return
	}

	icmp := header.ICMPv6(raw.Buf)
	csum := "valid"
	if want := header.ICMPv6Checksum(icmp, h.SourceAddress(), h.DestinationAddress(), buffer.VectorisedView{}); want != icmp.Checksum() {
		csum = fmt.Sprintf("invalid, want %#04x", want)
	}
	fmt.Fprintf(w, "  ICMPv6 type=%d (%s) code=%d checksum=%#04x (%s)\n", uint8(icmp.Type()), icmp.Type(), icmp.Code(), icmp.Checksum(), csum)

	body := icmp.MessageBody()
	switch typ := icmp.Type(); {
	case typ.IsMLD():
		if len(body) < header.MLDMinimumSize {
			fmt.Fprintf(w, "    truncated MLD message: %d bytes\n", len(body))
			return
		}
		m := header.MLD(body)
		fmt.Fprintf(w, "    group=%s max_response_delay=%s\n", m.MulticastAddress(), m.MaximumResponseDelay())
	case typ == header.ICMPv6NeighborSolicit:
		if len(body) < header.NDPNSMinimumSize {
			fmt.Fprintf(w, "    truncated neighbor solicitation: %d bytes\n", len(body))
			return
		}
		ns := header.NDPNeighborSolicit(body)
		fmt.Fprintf(w, "    target=%s\n", ns.TargetAddress())
		describeNDPOptions(w, ns.Options())
	case typ == header.ICMPv6NeighborAdvert:
		if len(body) < header.NDPNAMinimumSize {
			fmt.Fprintf(w, "    truncated neighbor advertisement: %d bytes\n", len(body))
			return
		}
		na := header.NDPNeighborAdvert(body)
		fmt.Fprintf(w, "    target=%s router=%t solicited=%t override=%t\n", na.TargetAddress(), na.RouterFlag(), na.SolicitedFlag(), na.OverrideFlag())
		describeNDPOptions(w, na.Options())
	case typ == header.ICMPv6RouterSolicit:
		if len(body) < header.NDPRSMinimumSize {
			fmt.Fprintf(w, "    truncated router solicitation: %d bytes\n", len(body))
			return
		}
		describeNDPOptions(w, header.NDPRouterSolicit(body).Options())
	case typ == header.ICMPv6RouterAdvert:
		if len(body) < header.NDPRAMinimumSize {
			fmt.Fprintf(w, "    truncated router advertisement: %d bytes\n", len(body))
			return
		}
		ra := header.NDPRouterAdvert(body)
		fmt.Fprintf(w, "    cur_hop_limit=%d managed=%t other=%t router_lifetime=%s reachable=%s retrans=%s\n",
			ra.CurrHopLimit(), ra.ManagedAddrConfFlag(), ra.OtherConfFlag(), ra.RouterLifetime(), ra.ReachableTime(), ra.RetransTimer())
		describeNDPOptions(w, ra.Options())
	case typ == header.ICMPv6EchoRequest || typ == header.ICMPv6EchoReply:
		if len(icmp) < header.ICMPv6EchoMinimumSize {
			fmt.Fprintf(w, "    truncated echo: %d bytes\n", len(icmp))
			return
		}
		fmt.Fprintf(w, "    ident=%d sequence=%d data=%d bytes\n", icmp.Ident(), icmp.Sequence(), len(icmp.Payload()))
	case typ == header.ICMPv6ParamProblem:
		if len(icmp) < header.ICMPv6ErrorHeaderSize {
			return
		}
		fmt.Fprintf(w, "    pointer=%d quoted=%d bytes\n", icmp.Pointer(), len(icmp.Payload()))
	case typ == header.ICMPv6PacketTooBig:
		if len(icmp) < header.ICMPv6ErrorHeaderSize {
			return
		}
		fmt.Fprintf(w, "    mtu=%d quoted=%d bytes\n", icmp.MTU(), len(icmp.Payload()))
	case typ.IsErrorType():
		if len(icmp) < header.ICMPv6ErrorHeaderSize {
			return
		}
		fmt.Fprintf(w, "    quoted=%d bytes\n", len(icmp.Payload()))
	}
}

func describeNDPOptions(w io.Writer, opts header.NDPOptions) {
	it := opts.Iter()
	for {
		opt, done, err := it.Next()
		if err != nil {
			fmt.Fprintf(w, "    malformed option: %v\n", err)
			return
		}
		if done {
			return
		}
		fmt.Fprintf(w, "    option %s\n", opt)
	}
}
