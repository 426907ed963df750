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

package header

import (
	"encoding/binary"
)

// IPv6SerializableExtHdr provides serialization for IPv6 extension headers.
type IPv6SerializableExtHdr interface {
	// Identifier returns the identifier of the extension header.
	Identifier() IPv6ExtensionHeaderIdentifier

	// Length returns the total length of the extension header, in bytes.
	Length() int

	// SerializeInto serializes the extension header into b with nextHeader
	// as its Next Header field. b must be at least Length() bytes long. It
	// returns the number of bytes written.
	SerializeInto(nextHeader uint8, b []byte) int
}

// IPv6ExtHdrSerializableOption is an option carried by a serializable Hop by
// Hop or Destination Options header.
type IPv6ExtHdrSerializableOption interface {
	// optIdentifier returns the option's Type field.
	optIdentifier() IPv6ExtHdrOptionIdentifier

	// dataLength returns the length of the option's Data field.
	dataLength() uint8

	// alignmentRequirement returns x and y of the xn+y alignment
	// requirement of the option, as per RFC 8200 section 4.2.
	alignmentRequirement() (int, int)

	// serializeDataInto writes the Data field into b.
	serializeDataInto(b []byte)
}

// optIdentifier implements IPv6ExtHdrSerializableOption.
func (*IPv6RouterAlertOption) optIdentifier() IPv6ExtHdrOptionIdentifier {
	return ipv6RouterAlertHopByHopOptionIdentifier
}

// dataLength implements IPv6ExtHdrSerializableOption.
func (*IPv6RouterAlertOption) dataLength() uint8 {
	return ipv6RouterAlertPayloadLength
}

// alignmentRequirement implements IPv6ExtHdrSerializableOption.
func (*IPv6RouterAlertOption) alignmentRequirement() (int, int) {
	return ipv6RouterAlertAlignmentRequirement, ipv6RouterAlertAlignmentOffsetRequirement
}

// serializeDataInto implements IPv6ExtHdrSerializableOption.
func (o *IPv6RouterAlertOption) serializeDataInto(b []byte) {
	binary.BigEndian.PutUint16(b, uint16(o.Value))
}

// optIdentifier implements IPv6ExtHdrSerializableOption.
func (o *IPv6UnknownExtHdrOption) optIdentifier() IPv6ExtHdrOptionIdentifier {
	return o.Identifier
}

// dataLength implements IPv6ExtHdrSerializableOption.
func (o *IPv6UnknownExtHdrOption) dataLength() uint8 {
	return uint8(len(o.Data))
}

// alignmentRequirement implements IPv6ExtHdrSerializableOption.
func (*IPv6UnknownExtHdrOption) alignmentRequirement() (int, int) {
	return 1, 0
}

// serializeDataInto implements IPv6ExtHdrSerializableOption.
func (o *IPv6UnknownExtHdrOption) serializeDataInto(b []byte) {
	copy(b, o.Data)
}

// ipv6OptionsAlignmentPadding returns the number of padding bytes needed to
// bring offset to an xn+y boundary.
func ipv6OptionsAlignmentPadding(headerOffset int, x int, y int) int {
	return ((headerOffset+x-y-1)/x)*x + y - headerOffset
}

// serializePadding writes a Pad1 or PadN option of n bytes into b.
func serializePadding(b []byte, n int) {
	switch n {
	case 0:
	case 1:
		b[0] = byte(ipv6Pad1ExtHdrOptionIdentifier)
	default:
		b[0] = byte(ipv6PadNExtHdrOptionIdentifier)
		b[1] = uint8(n - ipv6ExtHdrOptionPayloadOffset)
		for i := ipv6ExtHdrOptionPayloadOffset; i < n; i++ {
			b[i] = 0
		}
	}
}

// ipv6SerializableOptionsExtHdr is the options area of a Hop by Hop or
// Destination Options header.
type ipv6SerializableOptionsExtHdr []IPv6ExtHdrSerializableOption

// length returns the total header length including padding.
func (h ipv6SerializableOptionsExtHdr) length() int {
	off := ipv6ExtHdrOptionPayloadOffset
	for _, opt := range h {
		x, y := opt.alignmentRequirement()
		off += ipv6OptionsAlignmentPadding(off, x, y)
		off += ipv6ExtHdrOptionPayloadOffset + int(opt.dataLength())
	}
	return (off + ipv6ExtHdrLenBytesPerUnit - 1) / ipv6ExtHdrLenBytesPerUnit * ipv6ExtHdrLenBytesPerUnit
}

// serializeInto writes the header into b.
func (h ipv6SerializableOptionsExtHdr) serializeInto(nextHeader uint8, b []byte) int {
	total := h.length()
	b[ipv6ExtHdrNextHeaderOffset] = nextHeader
	b[ipv6ExtHdrLengthOffset] = uint8(total/ipv6ExtHdrLenBytesPerUnit - 1)

	off := ipv6ExtHdrOptionPayloadOffset
	for _, opt := range h {
		x, y := opt.alignmentRequirement()
		pad := ipv6OptionsAlignmentPadding(off, x, y)
		serializePadding(b[off:], pad)
		off += pad

		b[off+ipv6ExtHdrOptionTypeOffset] = byte(opt.optIdentifier())
		b[off+ipv6ExtHdrOptionLengthOffset] = opt.dataLength()
		opt.serializeDataInto(b[off+ipv6ExtHdrOptionPayloadOffset:][:opt.dataLength()])
		off += ipv6ExtHdrOptionPayloadOffset + int(opt.dataLength())
	}
	serializePadding(b[off:], total-off)
	return total
}

// IPv6SerializableHopByHopExtHdr implements serialization of the Hop by Hop
// options extension header.
type IPv6SerializableHopByHopExtHdr []IPv6ExtHdrSerializableOption

var _ IPv6SerializableExtHdr = (*IPv6SerializableHopByHopExtHdr)(nil)

// Identifier implements IPv6SerializableExtHdr.
func (IPv6SerializableHopByHopExtHdr) Identifier() IPv6ExtensionHeaderIdentifier {
	return IPv6HopByHopOptionsExtHdrIdentifier
}

// Length implements IPv6SerializableExtHdr.
func (h IPv6SerializableHopByHopExtHdr) Length() int {
	return ipv6SerializableOptionsExtHdr(h).length()
}

// SerializeInto implements IPv6SerializableExtHdr.
func (h IPv6SerializableHopByHopExtHdr) SerializeInto(nextHeader uint8, b []byte) int {
	return ipv6SerializableOptionsExtHdr(h).serializeInto(nextHeader, b)
}

// IPv6SerializableDestinationOptionsExtHdr implements serialization of the
// Destination Options extension header.
type IPv6SerializableDestinationOptionsExtHdr []IPv6ExtHdrSerializableOption

var _ IPv6SerializableExtHdr = (*IPv6SerializableDestinationOptionsExtHdr)(nil)

// Identifier implements IPv6SerializableExtHdr.
func (IPv6SerializableDestinationOptionsExtHdr) Identifier() IPv6ExtensionHeaderIdentifier {
	return IPv6DestinationOptionsExtHdrIdentifier
}

// Length implements IPv6SerializableExtHdr.
func (h IPv6SerializableDestinationOptionsExtHdr) Length() int {
	return ipv6SerializableOptionsExtHdr(h).length()
}

// SerializeInto implements IPv6SerializableExtHdr.
func (h IPv6SerializableDestinationOptionsExtHdr) SerializeInto(nextHeader uint8, b []byte) int {
	return ipv6SerializableOptionsExtHdr(h).serializeInto(nextHeader, b)
}

// IPv6SerializableRoutingExtHdr carries the bytes of a Routing header that
// follow its Next Header and Length fields. The bytes are written as-is and
// padded to a multiple of 8 octets.
type IPv6SerializableRoutingExtHdr struct {
	RoutingType  uint8
	SegmentsLeft uint8
	Data         []byte
}

var _ IPv6SerializableExtHdr = (*IPv6SerializableRoutingExtHdr)(nil)

// Identifier implements IPv6SerializableExtHdr.
func (*IPv6SerializableRoutingExtHdr) Identifier() IPv6ExtensionHeaderIdentifier {
	return IPv6RoutingExtHdrIdentifier
}

// Length implements IPv6SerializableExtHdr.
func (h *IPv6SerializableRoutingExtHdr) Length() int {
	l := IPv6RoutingExtHdrSegmentsLeftOffset + 1 + len(h.Data)
	return (l + ipv6ExtHdrLenBytesPerUnit - 1) / ipv6ExtHdrLenBytesPerUnit * ipv6ExtHdrLenBytesPerUnit
}

// SerializeInto implements IPv6SerializableExtHdr.
func (h *IPv6SerializableRoutingExtHdr) SerializeInto(nextHeader uint8, b []byte) int {
	total := h.Length()
	b[ipv6ExtHdrNextHeaderOffset] = nextHeader
	b[ipv6ExtHdrLengthOffset] = uint8(total/ipv6ExtHdrLenBytesPerUnit - 1)
	b[2+ipv6RoutingExtHdrTypeIdx] = h.RoutingType
	b[2+ipv6RoutingExtHdrSegmentsLeftIdx] = h.SegmentsLeft
	n := copy(b[IPv6RoutingExtHdrSegmentsLeftOffset+1:total], h.Data)
	for i := IPv6RoutingExtHdrSegmentsLeftOffset + 1 + n; i < total; i++ {
		b[i] = 0
	}
	return total
}

// IPv6SerializableFragmentExtHdr is used to serialize an IPv6 fragment
// extension header as defined in RFC 8200 section 4.5.
type IPv6SerializableFragmentExtHdr struct {
	// FragmentOffset is the "fragment offset" field of an IPv6 fragment, in
	// 8-octet units.
	FragmentOffset uint16

	// M is the "more" field of an IPv6 fragment.
	M bool

	// Identification is the "identification" field of an IPv6 fragment.
	Identification uint32
}

var _ IPv6SerializableExtHdr = (*IPv6SerializableFragmentExtHdr)(nil)

// Identifier implements IPv6SerializableExtHdr.
func (*IPv6SerializableFragmentExtHdr) Identifier() IPv6ExtensionHeaderIdentifier {
	return IPv6FragmentExtHdrIdentifier
}

// Length implements IPv6SerializableExtHdr.
func (*IPv6SerializableFragmentExtHdr) Length() int {
	return IPv6FragmentExtHdrLength
}

// SerializeInto implements IPv6SerializableExtHdr.
func (h *IPv6SerializableFragmentExtHdr) SerializeInto(nextHeader uint8, b []byte) int {
	b[ipv6ExtHdrNextHeaderOffset] = nextHeader
	b[ipv6ExtHdrLengthOffset] = 0
	v := h.FragmentOffset << ipv6FragmentExtHdrFragmentOffsetShift
	if h.M {
		v |= ipv6FragmentExtHdrMFlagMask
	}
	binary.BigEndian.PutUint16(b[IPv6FragmentExtHdrFragmentOffsetOffset:], v)
	binary.BigEndian.PutUint32(b[IPv6FragmentExtHdrFragmentOffsetOffset+ipv6FragmentExtHdrIdentificationOffset:], h.Identification)
	return IPv6FragmentExtHdrLength
}
