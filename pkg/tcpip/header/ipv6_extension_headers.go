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
	"fmt"
	"io"
)

// IPv6ExtensionHeaderIdentifier is an IPv6 extension header identifier.
type IPv6ExtensionHeaderIdentifier uint8

const (
	// IPv6HopByHopOptionsExtHdrIdentifier is the header identifier of a Hop by
	// Hop Options extension header, as per RFC 8200 section 4.3.
	IPv6HopByHopOptionsExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 0

	// IPv6RoutingExtHdrIdentifier is the header identifier of a Routing extension
	// header, as per RFC 8200 section 4.4.
	IPv6RoutingExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 43

	// IPv6FragmentExtHdrIdentifier is the header identifier of a Fragment
	// extension header, as per RFC 8200 section 4.5.
	IPv6FragmentExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 44

	// IPv6EncapsulatingSecurityPayloadExtHdrIdentifier is the header
	// identifier of an Encapsulating Security Payload header, as per RFC 4303.
	IPv6EncapsulatingSecurityPayloadExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 50

	// IPv6AuthenticationExtHdrIdentifier is the header identifier of an
	// Authentication header, as per RFC 4302.
	IPv6AuthenticationExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 51

	// IPv6NoNextHeaderIdentifier is the header identifier used to signify the end
	// of an IPv6 payload, as per RFC 8200 section 4.7.
	IPv6NoNextHeaderIdentifier IPv6ExtensionHeaderIdentifier = 59

	// IPv6DestinationOptionsExtHdrIdentifier is the header identifier of a
	// Destination Options extension header, as per RFC 8200 section 4.6.
	IPv6DestinationOptionsExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 60

	// IPv6MobilityExtHdrIdentifier is the header identifier of a Mobility
	// header, as per RFC 6275 section 6.1.
	IPv6MobilityExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 135
)

const (
	// ipv6UnknownExtHdrOptionActionMask is the mask of the action to take when
	// a node encounters an unrecognized option.
	ipv6UnknownExtHdrOptionActionMask = 192

	// ipv6UnknownExtHdrOptionActionShift is the least significant bits to discard
	// from the action value for an unrecognized option identifier.
	ipv6UnknownExtHdrOptionActionShift = 6

	// ipv6RoutingExtHdrTypeIdx is the index to the Routing Type field within
	// an IPv6RoutingExtHdr.
	ipv6RoutingExtHdrTypeIdx = 0

	// ipv6RoutingExtHdrSegmentsLeftIdx is the index to the Segments Left field
	// within an IPv6RoutingExtHdr.
	ipv6RoutingExtHdrSegmentsLeftIdx = 1

	// IPv6RoutingExtHdrSegmentsLeftOffset is the offset of the Segments Left
	// field from the start of a Routing extension header.
	IPv6RoutingExtHdrSegmentsLeftOffset = 3

	// IPv6FragmentExtHdrLength is the length of an IPv6 extension header, in
	// bytes.
	IPv6FragmentExtHdrLength = 8

	// IPv6FragmentExtHdrFragmentOffsetOffset is the offset of the Fragment
	// Offset field from the start of a Fragment extension header.
	IPv6FragmentExtHdrFragmentOffsetOffset = 2

	// ipv6FragmentExtHdrFragmentOffsetShift is the least significant bits to
	// discard from the Fragment Offset.
	ipv6FragmentExtHdrFragmentOffsetShift = 3

	// ipv6FragmentExtHdrFlagsIdx is the index to the flags field within an
	// IPv6FragmentExtHdr.
	ipv6FragmentExtHdrFlagsIdx = 1

	// ipv6FragmentExtHdrMFlagMask is the mask of the More (M) flag within the
	// flags field of an IPv6FragmentExtHdr.
	ipv6FragmentExtHdrMFlagMask = 1

	// ipv6FragmentExtHdrIdentificationOffset is the offset to the Identification
	// field within an IPv6FragmentExtHdr.
	ipv6FragmentExtHdrIdentificationOffset = 2

	// ipv6ExtHdrLenBytesPerUnit is the unit size of an extension header's length
	// field. That is, given a Length field of 2, the extension header expects
	// 16 bytes following the first 8 bytes (see ipv6ExtHdrLenBytesExcluded for
	// details about the first 8 bytes' exclusion from the Length field).
	ipv6ExtHdrLenBytesPerUnit = 8

	// ipv6ExtHdrLenBytesExcluded is the number of bytes excluded from an
	// extension header's Length field following the Length field.
	//
	// The Length field excludes the first 8 bytes, but the Next Header and Length
	// field take up the first 2 of the 8 bytes so we expect (at minimum) 6 bytes
	// after the Length field.
	ipv6ExtHdrLenBytesExcluded = 6

	// ipv6AuthHdrLenBytesPerUnit is the unit size of the Authentication
	// header's Payload Len field, which counts 4-octet units minus 2.
	ipv6AuthHdrLenBytesPerUnit = 4

	// IPv6FragmentExtHdrFragmentOffsetBytesPerUnit is the unit size of a Fragment
	// extension header's Fragment Offset field. That is, given a Fragment Offset
	// of 2, the extension header is indicating that the fragment's payload
	// starts at the 16th byte in the reassembled packet.
	IPv6FragmentExtHdrFragmentOffsetBytesPerUnit = 8

	// ipv6ExtHdrOptionTypeOffset and ipv6ExtHdrOptionLengthOffset locate the
	// TLV fields of an option.
	ipv6ExtHdrOptionTypeOffset    = 0
	ipv6ExtHdrOptionLengthOffset  = 1
	ipv6ExtHdrOptionPayloadOffset = 2

	// ipv6ExtHdrNextHeaderOffset and ipv6ExtHdrLengthOffset locate the common
	// fields leading every extension header.
	ipv6ExtHdrNextHeaderOffset = 0
	ipv6ExtHdrLengthOffset     = 1
)

// IPv6PayloadHeader is implemented by the various headers that can be found
// in an IPv6 payload.
//
// These headers include IPv6 extension headers or upper layer data.
type IPv6PayloadHeader interface {
	isIPv6PayloadHeader()
}

// IPv6RawPayloadHeader the remainder of an IPv6 payload after an iterator
// encounters a Next Header field it does not recognize as an IPv6 extension
// header.
type IPv6RawPayloadHeader struct {
	Identifier IPv6ExtensionHeaderIdentifier
	Buf        []byte
}

// isIPv6PayloadHeader implements IPv6PayloadHeader.isIPv6PayloadHeader.
func (IPv6RawPayloadHeader) isIPv6PayloadHeader() {}

// ipv6OptionsExtHdr is an IPv6 extension header that holds options.
type ipv6OptionsExtHdr []byte

// Iter returns an iterator over the IPv6 extension header options held in b.
func (b ipv6OptionsExtHdr) Iter() IPv6OptionsExtHdrOptionsIterator {
	return IPv6OptionsExtHdrOptionsIterator{buf: b}
}

// IPv6OptionsExtHdrOptionsIterator is an iterator over IPv6 extension header
// options.
//
// The backing buffer must not change while the iterator is in use.
type IPv6OptionsExtHdrOptionsIterator struct {
	buf []byte
	off int

	// optionOffset is the offset of the last returned option's Type field,
	// from the start of the extension header (Next Header field included).
	optionOffset int
}

// OptionOffset returns the offset of the option most recently returned by
// Next, measured from the first byte of the extension header. It is the
// pointer carried by an ICMPv6 Parameter Problem for that option.
func (i *IPv6OptionsExtHdrOptionsIterator) OptionOffset() int {
	return i.optionOffset
}

// IPv6OptionUnknownAction is the action that must be taken if the processing
// IPv6 node does not recognize the option, as outlined in RFC 8200 section 4.2.
type IPv6OptionUnknownAction int

const (
	// IPv6OptionUnknownActionSkip indicates that the unrecognized option must
	// be skipped and the node should continue processing the header.
	IPv6OptionUnknownActionSkip IPv6OptionUnknownAction = 0

	// IPv6OptionUnknownActionDiscard indicates that the packet must be silently
	// discarded.
	IPv6OptionUnknownActionDiscard IPv6OptionUnknownAction = 1

	// IPv6OptionUnknownActionDiscardSendICMP indicates that the packet must be
	// discarded and the node must send an ICMP Parameter Problem, Code 2, message
	// to the packet's source, regardless of whether or not the packet's
	// Destination was a multicast address.
	IPv6OptionUnknownActionDiscardSendICMP IPv6OptionUnknownAction = 2

	// IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest indicates that the
	// packet must be discarded and the node must send an ICMP Parameter Problem,
	// Code 2, message to the packet's source only if the packet's Destination was
	// not a multicast address.
	IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest IPv6OptionUnknownAction = 3
)

// IPv6ExtHdrOption is implemented by the various IPv6 extension header options.
type IPv6ExtHdrOption interface {
	// UnknownAction returns the action to take in response to an unrecognized
	// option.
	UnknownAction() IPv6OptionUnknownAction

	// isIPv6ExtHdrOption is used to "lock" this interface so it is not
	// implemented by other packages.
	isIPv6ExtHdrOption()
}

// IPv6ExtHdrOptionIdentifier is an IPv6 extension header option identifier.
type IPv6ExtHdrOptionIdentifier uint8

const (
	// ipv6Pad1ExtHdrOptionIdentifier is the identifier for a padding option that
	// provides 1 byte padding, as outlined in RFC 8200 section 4.2.
	ipv6Pad1ExtHdrOptionIdentifier IPv6ExtHdrOptionIdentifier = 0

	// ipv6PadNExtHdrOptionIdentifier is the identifier for a padding option that
	// provides variable length byte padding, as outlined in RFC 8200 section 4.2.
	ipv6PadNExtHdrOptionIdentifier IPv6ExtHdrOptionIdentifier = 1

	// ipv6RouterAlertHopByHopOptionIdentifier is the identifier for the Router
	// Alert Hop by Hop option as defined in RFC 2711 section 2.1.
	ipv6RouterAlertHopByHopOptionIdentifier IPv6ExtHdrOptionIdentifier = 5

	// ipv6RouterAlertPayloadLength is the length of the Router Alert payload
	// as defined in RFC 2711.
	ipv6RouterAlertPayloadLength = 2

	// ipv6RouterAlertAlignmentRequirement is the alignment requirement for the
	// Router Alert option defined as 2n+0 in RFC 2711.
	ipv6RouterAlertAlignmentRequirement = 2

	// ipv6RouterAlertAlignmentOffsetRequirement is the alignment offset
	// requirement for the Router Alert option defined as 2n+0 in RFC 2711
	// section 2.1.
	ipv6RouterAlertAlignmentOffsetRequirement = 0
)

// IPv6UnknownExtHdrOption holds the identifier and data for an IPv6 extension
// header option that is unknown by the parsing utilities.
type IPv6UnknownExtHdrOption struct {
	Identifier IPv6ExtHdrOptionIdentifier
	Data       []byte
}

// UnknownAction implements IPv6OptionUnknownAction.UnknownAction.
func (o *IPv6UnknownExtHdrOption) UnknownAction() IPv6OptionUnknownAction {
	return unknownAction(o.Identifier)
}

// isIPv6ExtHdrOption implements IPv6ExtHdrOption.isIPv6ExtHdrOption.
func (*IPv6UnknownExtHdrOption) isIPv6ExtHdrOption() {}

func unknownAction(id IPv6ExtHdrOptionIdentifier) IPv6OptionUnknownAction {
	return IPv6OptionUnknownAction((id & ipv6UnknownExtHdrOptionActionMask) >> ipv6UnknownExtHdrOptionActionShift)
}

// IPv6RouterAlertValue is the payload of an IPv6 Router Alert option.
type IPv6RouterAlertValue uint16

const (
	// IPv6RouterAlertMLD indicates a datagram containing a Multicast Listener
	// Discovery message as defined in RFC 2711 section 2.1.
	IPv6RouterAlertMLD IPv6RouterAlertValue = 0
	// IPv6RouterAlertRSVP indicates a datagram containing an RSVP message as
	// defined in RFC 2711 section 2.1.
	IPv6RouterAlertRSVP IPv6RouterAlertValue = 1
	// IPv6RouterAlertActiveNetworks indicates a datagram containing an Active
	// Networks message as defined in RFC 2711 section 2.1.
	IPv6RouterAlertActiveNetworks IPv6RouterAlertValue = 2
)

// IPv6RouterAlertOption is the IPv6 Router alert Hop by Hop option defined in
// RFC 2711 section 2.1.
type IPv6RouterAlertOption struct {
	Value IPv6RouterAlertValue
}

// UnknownAction implements IPv6ExtHdrOption.
func (*IPv6RouterAlertOption) UnknownAction() IPv6OptionUnknownAction {
	return unknownAction(ipv6RouterAlertHopByHopOptionIdentifier)
}

// isIPv6ExtHdrOption implements IPv6ExtHdrOption.
func (*IPv6RouterAlertOption) isIPv6ExtHdrOption() {}

// ErrMalformedIPv6ExtHdrOption indicates that an IPv6 extension header option
// is malformed.
var ErrMalformedIPv6ExtHdrOption = fmt.Errorf("malformed IPv6 extension header option")

// Next returns the next option in the options data.
//
// If the next item is not a known extension header option,
// IPv6UnknownExtHdrOption will be returned with the option identifier and data.
//
// The return is of the format (option, done, error). done will be true when
// Next is unable to return anything because the iterator has reached the end of
// the options data, or an error occurred.
func (i *IPv6OptionsExtHdrOptionsIterator) Next() (IPv6ExtHdrOption, bool, error) {
	for {
		if i.off >= len(i.buf) {
			// If we can't read the first byte of a new option, then we know the
			// options buffer has been exhausted and we are done iterating.
			return nil, true, nil
		}
		start := i.off
		id := IPv6ExtHdrOptionIdentifier(i.buf[start+ipv6ExtHdrOptionTypeOffset])
		i.optionOffset = start + ipv6ExtHdrLenBytesPerUnit - ipv6ExtHdrLenBytesExcluded

		// If the option identifier indicates the option is a Pad1 option, then we
		// know the option does not have Length and Data fields. End processing of
		// the Pad1 option and continue processing the buffer as a new option.
		if id == ipv6Pad1ExtHdrOptionIdentifier {
			i.off++
			continue
		}

		if start+ipv6ExtHdrOptionLengthOffset >= len(i.buf) {
			i.off = len(i.buf)
			return nil, true, fmt.Errorf("error when reading the option's Length field for option with id = %d: %w", id, io.ErrUnexpectedEOF)
		}
		length := int(i.buf[start+ipv6ExtHdrOptionLengthOffset])
		dataStart := start + ipv6ExtHdrOptionPayloadOffset
		if n := len(i.buf) - dataStart; n < length {
			// Consume the remaining buffer.
			i.off = len(i.buf)
			return nil, true, fmt.Errorf("read %d out of %d option data bytes for option with id = %d: %w", n, length, id, io.ErrUnexpectedEOF)
		}
		data := i.buf[dataStart:][:length:length]
		i.off = dataStart + length

		switch id {
		case ipv6PadNExtHdrOptionIdentifier:
			// End processing of the PadN option and continue processing the
			// buffer as a new option.
			continue
		case ipv6RouterAlertHopByHopOptionIdentifier:
			if length != ipv6RouterAlertPayloadLength {
				return nil, true, fmt.Errorf("got invalid length (%d) for router alert option (want = %d): %w", length, ipv6RouterAlertPayloadLength, ErrMalformedIPv6ExtHdrOption)
			}
			return &IPv6RouterAlertOption{Value: IPv6RouterAlertValue(binary.BigEndian.Uint16(data))}, false, nil
		default:
			d := make([]byte, length)
			copy(d, data)
			return &IPv6UnknownExtHdrOption{Identifier: id, Data: d}, false, nil
		}
	}
}

// IPv6HopByHopOptionsExtHdr is a buffer holding the Hop By Hop Options
// extension header.
type IPv6HopByHopOptionsExtHdr struct {
	ipv6OptionsExtHdr
}

// isIPv6PayloadHeader implements IPv6PayloadHeader.isIPv6PayloadHeader.
func (IPv6HopByHopOptionsExtHdr) isIPv6PayloadHeader() {}

// IPv6DestinationOptionsExtHdr is a buffer holding the Destination Options
// extension header.
type IPv6DestinationOptionsExtHdr struct {
	ipv6OptionsExtHdr
}

// isIPv6PayloadHeader implements IPv6PayloadHeader.isIPv6PayloadHeader.
func (IPv6DestinationOptionsExtHdr) isIPv6PayloadHeader() {}

// IPv6RoutingExtHdr is a buffer holding the Routing extension header specific
// data as outlined in RFC 8200 section 4.4.
type IPv6RoutingExtHdr []byte

// isIPv6PayloadHeader implements IPv6PayloadHeader.isIPv6PayloadHeader.
func (IPv6RoutingExtHdr) isIPv6PayloadHeader() {}

// RoutingType returns the Routing Type field.
func (b IPv6RoutingExtHdr) RoutingType() uint8 {
	return b[ipv6RoutingExtHdrTypeIdx]
}

// SegmentsLeft returns the Segments Left field.
func (b IPv6RoutingExtHdr) SegmentsLeft() uint8 {
	return b[ipv6RoutingExtHdrSegmentsLeftIdx]
}

// IPv6AuthenticationExtHdr is a buffer holding an Authentication header after
// its Next Header and Payload Len fields. Its contents are never interpreted.
type IPv6AuthenticationExtHdr []byte

// isIPv6PayloadHeader implements IPv6PayloadHeader.isIPv6PayloadHeader.
func (IPv6AuthenticationExtHdr) isIPv6PayloadHeader() {}

// IPv6FragmentExtHdr is a buffer holding the Fragment extension header specific
// data as outlined in RFC 8200 section 4.5.
//
// Note, the buffer does not include the Next Header and Reserved fields.
type IPv6FragmentExtHdr [6]byte

// isIPv6PayloadHeader implements IPv6PayloadHeader.isIPv6PayloadHeader.
func (IPv6FragmentExtHdr) isIPv6PayloadHeader() {}

// FragmentOffset returns the Fragment Offset field.
//
// This value indicates where the buffer following the Fragment extension header
// starts in the target (reassembled) packet.
func (b IPv6FragmentExtHdr) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[:]) >> ipv6FragmentExtHdrFragmentOffsetShift
}

// More returns the More (M) flag.
//
// This indicates whether any fragments are expected to succeed b.
func (b IPv6FragmentExtHdr) More() bool {
	return b[ipv6FragmentExtHdrFlagsIdx]&ipv6FragmentExtHdrMFlagMask != 0
}

// ID returns the Identification field.
//
// This value is used to uniquely identify the packet, between a
// source and destination.
func (b IPv6FragmentExtHdr) ID() uint32 {
	return binary.BigEndian.Uint32(b[ipv6FragmentExtHdrIdentificationOffset:])
}

// IsAtomic returns whether the fragment header indicates an atomic fragment. An
// atomic fragment is a fragment that contains all the data required to
// reassemble a full packet.
func (b IPv6FragmentExtHdr) IsAtomic() bool {
	return !b.More() && b.FragmentOffset() == 0
}

// IPv6PayloadIterator is an iterator over the contents of an IPv6 payload.
//
// The IPv6 payload may contain IPv6 extension headers before any upper layer
// data. All offsets reported by the iterator are relative to the start of the
// payload, which is the first byte after the fixed IPv6 header.
//
// The payload must not change while the iterator is in use.
type IPv6PayloadIterator struct {
	// The identifier of the next header to parse.
	nextHdrIdentifier IPv6ExtensionHeaderIdentifier

	payload []byte
	off     int

	// headerOffset is the offset of the header most recently returned by Next.
	headerOffset int

	// nextHdrFieldOffset is the offset of the Next Header field that named
	// the header most recently returned, or -1 for the fixed header.
	nextHdrFieldOffset int

	// pendingNextHdrFieldOffset is the offset of the Next Header field that
	// named nextHdrIdentifier.
	pendingNextHdrFieldOffset int

	// Indicates to the iterator that it should return the remaining payload as a
	// raw payload on the next call to Next.
	forceRaw bool
}

// MakeIPv6PayloadIterator returns an iterator over the IPv6 payload containing
// extension headers, or a raw payload if the payload cannot be parsed.
func MakeIPv6PayloadIterator(nextHdrIdentifier IPv6ExtensionHeaderIdentifier, payload []byte) IPv6PayloadIterator {
	return IPv6PayloadIterator{
		nextHdrIdentifier:         nextHdrIdentifier,
		payload:                   payload,
		nextHdrFieldOffset:        -1,
		pendingNextHdrFieldOffset: -1,
	}
}

// HeaderOffset returns the offset, from the start of the payload, of the
// header most recently returned by Next.
func (i *IPv6PayloadIterator) HeaderOffset() int {
	return i.headerOffset
}

// NextHeaderFieldOffset returns the offset of the Next Header field that
// named the header most recently returned by Next, relative to the start of
// the payload. It is -1 when the field lives in the fixed IPv6 header.
func (i *IPv6PayloadIterator) NextHeaderFieldOffset() int {
	return i.nextHdrFieldOffset
}

// ParseOffset returns the number of payload bytes consumed so far.
func (i *IPv6PayloadIterator) ParseOffset() int {
	return i.off
}

// AsRawHeader returns the remaining payload of i as a raw header and
// optionally consumes the iterator.
//
// If consume is true, calls to Next after calling AsRawHeader on i will
// indicate that the iterator is done.
func (i *IPv6PayloadIterator) AsRawHeader(consume bool) IPv6RawPayloadHeader {
	identifier := i.nextHdrIdentifier
	buf := i.payload[i.off:]
	i.headerOffset = i.off
	i.nextHdrFieldOffset = i.pendingNextHdrFieldOffset

	if consume {
		i.nextHdrIdentifier = IPv6NoNextHeaderIdentifier
		i.off = len(i.payload)
		i.forceRaw = false
	}

	return IPv6RawPayloadHeader{Identifier: identifier, Buf: buf}
}

// Next returns the next item in the payload.
//
// If the next item is not a known IPv6 extension header, IPv6RawPayloadHeader
// will be returned with the remaining bytes and next header identifier.
//
// The return is of the format (header, done, error). done will be true when
// Next is unable to return anything because the iterator has reached the end of
// the payload, or an error occurred.
func (i *IPv6PayloadIterator) Next() (IPv6PayloadHeader, bool, error) {
	// We could be forced to return i as a raw header when the previous header was
	// a fragment extension header as the data following the fragment extension
	// header may not be complete.
	if i.forceRaw {
		return i.AsRawHeader(true /* consume */), false, nil
	}

	// Is the header we are parsing a known extension header?
	switch i.nextHdrIdentifier {
	case IPv6HopByHopOptionsExtHdrIdentifier:
		data, err := i.nextHeaderData(extHdrLenOctets)
		if err != nil {
			return nil, true, err
		}
		return IPv6HopByHopOptionsExtHdr{ipv6OptionsExtHdr: data}, false, nil

	case IPv6RoutingExtHdrIdentifier:
		data, err := i.nextHeaderData(extHdrLenOctets)
		if err != nil {
			return nil, true, err
		}
		return IPv6RoutingExtHdr(data), false, nil

	case IPv6FragmentExtHdrIdentifier:
		data, err := i.nextHeaderData(extHdrLenFixed)
		if err != nil {
			return nil, true, err
		}

		var fragmentExtHdr IPv6FragmentExtHdr
		copy(fragmentExtHdr[:], data)

		// If the packet is not the first fragment, do not attempt to parse anything
		// after the fragment extension header as the payload following the fragment
		// extension header should not contain any headers; the first fragment must
		// hold all the headers up to and including any upper layer headers, as per
		// RFC 8200 section 4.5.
		if fragmentExtHdr.FragmentOffset() != 0 {
			i.forceRaw = true
		}
		return fragmentExtHdr, false, nil

	case IPv6DestinationOptionsExtHdrIdentifier:
		data, err := i.nextHeaderData(extHdrLenOctets)
		if err != nil {
			return nil, true, err
		}
		return IPv6DestinationOptionsExtHdr{ipv6OptionsExtHdr: data}, false, nil

	case IPv6AuthenticationExtHdrIdentifier:
		data, err := i.nextHeaderData(extHdrLenAuth)
		if err != nil {
			return nil, true, err
		}
		return IPv6AuthenticationExtHdr(data), false, nil

	case IPv6NoNextHeaderIdentifier:
		// This indicates the end of the IPv6 payload.
		return nil, true, nil

	default:
		// The header we are parsing is not a known extension header. Return the
		// raw payload.
		return i.AsRawHeader(true /* consume */), false, nil
	}
}

// extHdrLenKind selects how the Length field of an extension header is
// interpreted.
type extHdrLenKind int

const (
	// extHdrLenOctets is the generic RFC 8200 encoding: 8-octet units not
	// counting the first 8 octets.
	extHdrLenOctets extHdrLenKind = iota

	// extHdrLenFixed ignores the field; the header is always 8 octets.
	extHdrLenFixed

	// extHdrLenAuth is the RFC 4302 encoding: 4-octet units minus 2.
	extHdrLenAuth
)

// nextHeaderData consumes the extension header at the current offset and
// returns the bytes following its Next Header and Length fields.
func (i *IPv6PayloadIterator) nextHeaderData(kind extHdrLenKind) ([]byte, error) {
	start := i.off
	if len(i.payload)-start < ipv6ExtHdrLenBytesPerUnit-ipv6ExtHdrLenBytesExcluded {
		return nil, fmt.Errorf("error when reading the Next Header and Length fields for extension header with id = %d: %w", i.nextHdrIdentifier, io.ErrUnexpectedEOF)
	}
	nextHdr := i.payload[start+ipv6ExtHdrNextHeaderOffset]
	length := int(i.payload[start+ipv6ExtHdrLengthOffset])

	var total int
	switch kind {
	case extHdrLenOctets:
		total = (length + 1) * ipv6ExtHdrLenBytesPerUnit
	case extHdrLenFixed:
		total = IPv6FragmentExtHdrLength
	case extHdrLenAuth:
		total = (length + 2) * ipv6AuthHdrLenBytesPerUnit
	}

	if n := len(i.payload) - start; n < total {
		return nil, fmt.Errorf("read %d out of %d extension header bytes (length = %d) for header with id = %d: %w", n, total, length, i.nextHdrIdentifier, io.ErrUnexpectedEOF)
	}

	i.headerOffset = start
	i.nextHdrFieldOffset = i.pendingNextHdrFieldOffset
	i.pendingNextHdrFieldOffset = start + ipv6ExtHdrNextHeaderOffset
	i.nextHdrIdentifier = IPv6ExtensionHeaderIdentifier(nextHdr)
	i.off = start + total
	return i.payload[start+ipv6ExtHdrLenBytesPerUnit-ipv6ExtHdrLenBytesExcluded : i.off : i.off], nil
}
