// Copyright 2021 The gVisor Authors.
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
	"cmp"
	"slices"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// ExtHdrType identifies an extension header on the transmit path. The
// values are ordered as RFC 8200 section 4.1 recommends headers to appear.
type ExtHdrType int

const (
	HopByHopExtHdr ExtHdrType = iota
	Destination1ExtHdr
	RoutingExtHdr
	FragmentExtHdr
	AuthenticationExtHdr
	ESPExtHdr
	Destination2ExtHdr
)

func (t ExtHdrType) String() string {
	switch t {
	case HopByHopExtHdr:
		return "hop-by-hop"
	case Destination1ExtHdr:
		return "destination-1"
	case RoutingExtHdr:
		return "routing"
	case FragmentExtHdr:
		return "fragment"
	case AuthenticationExtHdr:
		return "authentication"
	case ESPExtHdr:
		return "esp"
	case Destination2ExtHdr:
		return "destination-2"
	default:
		return "unknown"
	}
}

// ExtHdr describes one extension header to add to an outgoing packet. Only
// the payload field matching Type is used.
type ExtHdr struct {
	Type ExtHdrType

	// Options is the payload of the hop-by-hop and destination-1 headers.
	Options []header.IPv6ExtHdrSerializableOption

	// Routing is the payload of the routing header. It is written as-is.
	Routing *header.IPv6SerializableRoutingExtHdr

	// Fragment is the payload of the fragment header.
	Fragment *header.IPv6SerializableFragmentExtHdr
}

func (h *ExtHdr) serializable() header.IPv6SerializableExtHdr {
	switch h.Type {
	case HopByHopExtHdr:
		return header.IPv6SerializableHopByHopExtHdr(h.Options)
	case Destination1ExtHdr:
		return header.IPv6SerializableDestinationOptionsExtHdr(h.Options)
	case RoutingExtHdr:
		return h.Routing
	case FragmentExtHdr:
		return h.Fragment
	default:
		panic("unsupported extension header type " + h.Type.String())
	}
}

// Length returns the serialized length of h in bytes.
func (h *ExtHdr) Length() int {
	return h.serializable().Length()
}

// ExtHdrList is an ordered set of extension headers for one outgoing packet.
// The zero value is an empty list and a nil *ExtHdrList behaves as one.
type ExtHdrList struct {
	hdrs []ExtHdr
}

// Add inserts h at its canonical position. Authentication, ESP and
// destination-2 headers are not supported, and each type may appear once.
func (l *ExtHdrList) Add(h ExtHdr) tcpip.Error {
	switch h.Type {
	case HopByHopExtHdr, Destination1ExtHdr:
	case RoutingExtHdr:
		if h.Routing == nil {
			return &tcpip.ErrInvalidOptionValue{}
		}
	case FragmentExtHdr:
		if h.Fragment == nil {
			return &tcpip.ErrInvalidOptionValue{}
		}
	case AuthenticationExtHdr, ESPExtHdr, Destination2ExtHdr:
		return &tcpip.ErrNotSupported{}
	default:
		return &tcpip.ErrInvalidOptionValue{}
	}

	i, found := slices.BinarySearchFunc(l.hdrs, h.Type, func(e ExtHdr, t ExtHdrType) int {
		return cmp.Compare(e.Type, t)
	})
	if found {
		return &tcpip.ErrInvalidOptionValue{}
	}
	l.hdrs = slices.Insert(l.hdrs, i, h)
	return nil
}

// Len returns the number of headers in l.
func (l *ExtHdrList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.hdrs)
}

// Types returns the header types in l in wire order.
func (l *ExtHdrList) Types() []ExtHdrType {
	if l == nil {
		return nil
	}
	types := make([]ExtHdrType, 0, len(l.hdrs))
	for _, h := range l.hdrs {
		types = append(types, h.Type)
	}
	return types
}

// Length returns the serialized length of every header in l.
func (l *ExtHdrList) Length() int {
	if l == nil {
		return 0
	}
	n := 0
	for i := range l.hdrs {
		n += l.hdrs[i].Length()
	}
	return n
}

// serializeInto writes the headers into b, chaining them to upper, and
// returns the value for the fixed header's Next Header field.
func (l *ExtHdrList) serializeInto(b []byte, upper uint8) uint8 {
	if l.Len() == 0 {
		return upper
	}
	off := 0
	for i := range l.hdrs {
		next := upper
		if i+1 < len(l.hdrs) {
			next = uint8(l.hdrs[i+1].serializable().Identifier())
		}
		off += l.hdrs[i].serializable().SerializeInto(next, b[off:])
	}
	return uint8(l.hdrs[0].serializable().Identifier())
}
