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
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Equal returns true of a and b are equivalent.
//
// Needed to use cmp.Equal on IPv6HopByHopOptionsExtHdr as it contains
// unexported fields.
func (a IPv6HopByHopOptionsExtHdr) Equal(b IPv6HopByHopOptionsExtHdr) bool {
	return bytes.Equal(a.ipv6OptionsExtHdr, b.ipv6OptionsExtHdr)
}

// Equal returns true of a and b are equivalent.
//
// Needed to use cmp.Equal on IPv6DestinationOptionsExtHdr as it contains
// unexported fields.
func (a IPv6DestinationOptionsExtHdr) Equal(b IPv6DestinationOptionsExtHdr) bool {
	return bytes.Equal(a.ipv6OptionsExtHdr, b.ipv6OptionsExtHdr)
}

func TestIPv6UnknownExtHdrOption(t *testing.T) {
	// The two high-order bits of the type select the action.
	tests := []struct {
		id   IPv6ExtHdrOptionIdentifier
		want IPv6OptionUnknownAction
	}{
		{0, IPv6OptionUnknownActionSkip},
		{63, IPv6OptionUnknownActionSkip},
		{64, IPv6OptionUnknownActionDiscard},
		{127, IPv6OptionUnknownActionDiscard},
		{128, IPv6OptionUnknownActionDiscardSendICMP},
		{191, IPv6OptionUnknownActionDiscardSendICMP},
		{192, IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest},
		{255, IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest},
	}
	for _, test := range tests {
		opt := IPv6UnknownExtHdrOption{Identifier: test.id, Data: []byte{1, 2}}
		if got := opt.UnknownAction(); got != test.want {
			t.Errorf("got UnknownAction() for option type %d = %d, want = %d", test.id, got, test.want)
		}
	}
}

func TestIPv6OptionsExtHdrIterErr(t *testing.T) {
	tests := []struct {
		name  string
		bytes []byte
		err   error
	}{
		{
			name:  "Single unknown with zero length",
			bytes: []byte{255, 0},
		},
		{
			name:  "Single unknown with non-zero length",
			bytes: []byte{255, 3, 1, 2, 3},
		},
		{
			name:  "Single unknown only identifier",
			bytes: []byte{255},
			err:   io.ErrUnexpectedEOF,
		},
		{
			name:  "Single unknown too small with length = 1",
			bytes: []byte{255, 1},
			err:   io.ErrUnexpectedEOF,
		},
		{
			name: "Valid first with second unknown missing data",
			bytes: []byte{
				255, 0,
				254, 1,
			},
			err: io.ErrUnexpectedEOF,
		},
		{
			name:  "Multiple Pad1",
			bytes: []byte{0, 0, 0},
		},
		{
			name:  "Pad5 too small middle of data buffer",
			bytes: []byte{1, 3, 1, 2},
			err:   io.ErrUnexpectedEOF,
		},
		{
			name:  "Router alert with wrong length",
			bytes: []byte{5, 3, 0, 0, 0},
			err:   ErrMalformedIPv6ExtHdrOption,
		},
	}

	check := func(t *testing.T, it IPv6OptionsExtHdrOptionsIterator, expectedErr error) {
		for i := 0; ; i++ {
			_, done, err := it.Next()
			if err != nil {
				if !errors.Is(err, expectedErr) {
					t.Fatalf("got %d-th Next() = %v, want = %v", i, err, expectedErr)
				}
				return
			}
			if done {
				if expectedErr != nil {
					t.Fatalf("expected error when iterating; want = %s", expectedErr)
				}
				return
			}
		}
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Run("Hop By Hop", func(t *testing.T) {
				extHdr := IPv6HopByHopOptionsExtHdr{ipv6OptionsExtHdr: test.bytes}
				check(t, extHdr.Iter(), test.err)
			})

			t.Run("Destination", func(t *testing.T) {
				extHdr := IPv6DestinationOptionsExtHdr{ipv6OptionsExtHdr: test.bytes}
				check(t, extHdr.Iter(), test.err)
			})
		})
	}
}

func TestIPv6OptionsExtHdrIter(t *testing.T) {
	type optionAt struct {
		opt    IPv6ExtHdrOption
		offset int
	}
	tests := []struct {
		name     string
		bytes    []byte
		expected []optionAt
	}{
		{
			name:  "Single unknown with zero length",
			bytes: []byte{255, 0},
			expected: []optionAt{
				{&IPv6UnknownExtHdrOption{Identifier: 255, Data: []byte{}}, 2},
			},
		},
		{
			name:  "Router alert",
			bytes: []byte{5, 2, 0, 0, 1, 0},
			expected: []optionAt{
				{&IPv6RouterAlertOption{Value: IPv6RouterAlertMLD}, 2},
			},
		},
		{
			name: "Multiple Pad",
			bytes: []byte{
				// Pad1
				0,

				// Pad3
				1, 1, 1,

				// Pad4
				1, 2, 1, 2,
			},
		},
		{
			name: "Multiple options",
			bytes: []byte{
				// Pad1
				0,

				// Unknown
				255, 0,

				// Pad2
				1, 0,

				// Unknown
				254, 1, 1,

				// Router alert
				5, 2, 0, 1,
			},
			expected: []optionAt{
				{&IPv6UnknownExtHdrOption{Identifier: 255, Data: []byte{}}, 3},
				{&IPv6UnknownExtHdrOption{Identifier: 254, Data: []byte{1}}, 7},
				{&IPv6RouterAlertOption{Value: IPv6RouterAlertRSVP}, 10},
			},
		},
	}

	checkIter := func(t *testing.T, it IPv6OptionsExtHdrOptionsIterator, expected []optionAt) {
		for i, e := range expected {
			opt, done, err := it.Next()
			if err != nil {
				t.Fatalf("(i=%d) Next(): %s", i, err)
			}
			if done {
				t.Fatalf("(i=%d) unexpectedly done iterating", i)
			}
			if diff := cmp.Diff(e.opt, opt); diff != "" {
				t.Fatalf("(i=%d) got option mismatch (-want +got):\n%s", i, diff)
			}
			if got := it.OptionOffset(); got != e.offset {
				t.Errorf("(i=%d) got OptionOffset() = %d, want = %d", i, got, e.offset)
			}
		}

		opt, done, err := it.Next()
		if err != nil {
			t.Errorf("(last) Next(): %s", err)
		}
		if !done {
			t.Errorf("(last) iterator unexpectedly not done")
		}
		if opt != nil {
			t.Errorf("(last) got Next() = %T, want = nil", opt)
		}
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Run("Hop By Hop", func(t *testing.T) {
				extHdr := IPv6HopByHopOptionsExtHdr{ipv6OptionsExtHdr: test.bytes}
				checkIter(t, extHdr.Iter(), test.expected)
			})

			t.Run("Destination", func(t *testing.T) {
				extHdr := IPv6DestinationOptionsExtHdr{ipv6OptionsExtHdr: test.bytes}
				checkIter(t, extHdr.Iter(), test.expected)
			})
		})
	}
}

func TestIPv6RoutingExtHdr(t *testing.T) {
	b := IPv6RoutingExtHdr([]byte{4, 3, 0, 0, 0, 0})
	if got := b.RoutingType(); got != 4 {
		t.Errorf("got RoutingType() = %d, want = 4", got)
	}
	if got := b.SegmentsLeft(); got != 3 {
		t.Errorf("got SegmentsLeft() = %d, want = 3", got)
	}
}

func TestIPv6FragmentExtHdr(t *testing.T) {
	tests := []struct {
		name           string
		bytes          [6]byte
		fragmentOffset uint16
		more           bool
		id             uint32
	}{
		{
			name:           "Zeroes",
			bytes:          [6]byte{0, 0, 0, 0, 0, 0},
			fragmentOffset: 0,
			more:           false,
			id:             0,
		},
		{
			name:           "Ones",
			bytes:          [6]byte{0, 9, 0, 0, 0, 1},
			fragmentOffset: 1,
			more:           true,
			id:             1,
		},
		{
			name:           "Masking",
			bytes:          [6]byte{0x09, 0xF9, 0x00, 0x00, 0x00, 0x01},
			fragmentOffset: 0x13F,
			more:           true,
			id:             1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			extHdr := IPv6FragmentExtHdr(test.bytes)
			if got := extHdr.FragmentOffset(); got != test.fragmentOffset {
				t.Errorf("got FragmentOffset() = %d, want = %d", got, test.fragmentOffset)
			}
			if got := extHdr.More(); got != test.more {
				t.Errorf("got More() = %t, want = %t", got, test.more)
			}
			if got := extHdr.ID(); got != test.id {
				t.Errorf("got ID() = %d, want = %d", got, test.id)
			}
		})
	}
}

func TestIPv6PayloadIterator(t *testing.T) {
	type headerAt struct {
		hdr          IPv6PayloadHeader
		offset       int
		nextHdrField int
	}
	tests := []struct {
		name         string
		firstNextHdr IPv6ExtensionHeaderIdentifier
		payload      []byte
		expected     []headerAt
	}{
		{
			name:         "Upper layer only",
			firstNextHdr: 17,
			payload:      []byte{1, 2, 3, 4},
			expected: []headerAt{
				{IPv6RawPayloadHeader{Identifier: 17, Buf: []byte{1, 2, 3, 4}}, 0, -1},
			},
		},
		{
			name:         "No next header",
			firstNextHdr: IPv6NoNextHeaderIdentifier,
			payload:      []byte{1, 2, 3, 4},
		},
		{
			name:         "Hop By Hop then destination then upper layer",
			firstNextHdr: IPv6HopByHopOptionsExtHdrIdentifier,
			payload: []byte{
				// Hop By Hop Options extension header.
				uint8(IPv6DestinationOptionsExtHdrIdentifier), 0, 1, 4, 1, 2, 3, 4,

				// Destination Options extension header.
				58, 0, 1, 4, 1, 2, 3, 4,

				// Upper layer data.
				9, 8,
			},
			expected: []headerAt{
				{IPv6HopByHopOptionsExtHdr{ipv6OptionsExtHdr: []byte{1, 4, 1, 2, 3, 4}}, 0, -1},
				{IPv6DestinationOptionsExtHdr{ipv6OptionsExtHdr: []byte{1, 4, 1, 2, 3, 4}}, 8, 0},
				{IPv6RawPayloadHeader{Identifier: 58, Buf: []byte{9, 8}}, 16, 8},
			},
		},
		{
			name:         "Routing then fragment (non-zero offset) then raw",
			firstNextHdr: IPv6RoutingExtHdrIdentifier,
			payload: []byte{
				// Routing extension header.
				uint8(IPv6FragmentExtHdrIdentifier), 0, 1, 2, 3, 4, 5, 6,

				// Fragment extension header: offset 1, M set.
				uint8(IPv6HopByHopOptionsExtHdrIdentifier), 0, 0, 9, 0, 0, 0, 1,

				// Must be returned raw even though it looks like a header.
				1, 2, 3, 4,
			},
			expected: []headerAt{
				{IPv6RoutingExtHdr([]byte{1, 2, 3, 4, 5, 6}), 0, -1},
				{IPv6FragmentExtHdr([6]byte{0, 9, 0, 0, 0, 1}), 8, 0},
				{IPv6RawPayloadHeader{Identifier: IPv6HopByHopOptionsExtHdrIdentifier, Buf: []byte{1, 2, 3, 4}}, 16, 8},
			},
		},
		{
			name:         "Authentication skipped by length",
			firstNextHdr: IPv6AuthenticationExtHdrIdentifier,
			payload: []byte{
				// Payload Len 1 means (1+2)*4 = 12 bytes.
				17, 1, 0, 0, 0, 0, 0, 1, 0, 0, 0, 2,

				// Upper layer data.
				7,
			},
			expected: []headerAt{
				{IPv6AuthenticationExtHdr([]byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 2}), 0, -1},
				{IPv6RawPayloadHeader{Identifier: 17, Buf: []byte{7}}, 12, 0},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			it := MakeIPv6PayloadIterator(test.firstNextHdr, test.payload)
			for i, e := range test.expected {
				hdr, done, err := it.Next()
				if err != nil {
					t.Fatalf("(i=%d) Next(): %s", i, err)
				}
				if done {
					t.Fatalf("(i=%d) unexpectedly done", i)
				}
				if diff := cmp.Diff(e.hdr, hdr); diff != "" {
					t.Fatalf("(i=%d) got header mismatch (-want +got):\n%s", i, diff)
				}
				if got := it.HeaderOffset(); got != e.offset {
					t.Errorf("(i=%d) got HeaderOffset() = %d, want = %d", i, got, e.offset)
				}
				if got := it.NextHeaderFieldOffset(); got != e.nextHdrField {
					t.Errorf("(i=%d) got NextHeaderFieldOffset() = %d, want = %d", i, got, e.nextHdrField)
				}
			}

			if hdr, done, err := it.Next(); err != nil || !done || hdr != nil {
				t.Errorf("got last Next() = (%v, %t, %v), want = (nil, true, nil)", hdr, done, err)
			}
		})
	}
}

func TestIPv6PayloadIteratorErr(t *testing.T) {
	tests := []struct {
		name         string
		firstNextHdr IPv6ExtensionHeaderIdentifier
		payload      []byte
	}{
		{
			name:         "Truncated hop by hop",
			firstNextHdr: IPv6HopByHopOptionsExtHdrIdentifier,
			payload:      []byte{58, 0, 1, 4, 1},
		},
		{
			name:         "Length past end",
			firstNextHdr: IPv6DestinationOptionsExtHdrIdentifier,
			payload:      []byte{58, 1, 1, 4, 1, 2, 3, 4},
		},
		{
			name:         "Truncated fragment",
			firstNextHdr: IPv6FragmentExtHdrIdentifier,
			payload:      []byte{58, 0, 0, 0},
		},
		{
			name:         "Only next header",
			firstNextHdr: IPv6RoutingExtHdrIdentifier,
			payload:      []byte{58},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			it := MakeIPv6PayloadIterator(test.firstNextHdr, test.payload)
			_, done, err := it.Next()
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("got Next() err = %v, want = %s", err, io.ErrUnexpectedEOF)
			}
			if !done {
				t.Errorf("got done = false with an error")
			}
		})
	}
}

func TestIPv6ExtHdrSerialize(t *testing.T) {
	tests := []struct {
		name     string
		hdr      IPv6SerializableExtHdr
		expected []byte
	}{
		{
			name: "Hop by hop router alert",
			hdr:  IPv6SerializableHopByHopExtHdr{&IPv6RouterAlertOption{Value: IPv6RouterAlertMLD}},
			expected: []byte{
				58, 0,
				// Router alert, 2n+0 aligned at offset 2.
				5, 2, 0, 0,
				// Pad2.
				1, 0,
			},
		},
		{
			name: "Destination options with odd sized unknown option",
			hdr:  IPv6SerializableDestinationOptionsExtHdr{&IPv6UnknownExtHdrOption{Identifier: 30, Data: []byte{1, 2, 3}}},
			expected: []byte{
				58, 0,
				30, 3, 1, 2, 3,
				// Pad1.
				0,
			},
		},
		{
			name: "Unknown option then router alert needs alignment",
			hdr: IPv6SerializableHopByHopExtHdr{
				&IPv6UnknownExtHdrOption{Identifier: 30, Data: []byte{1}},
				&IPv6RouterAlertOption{Value: IPv6RouterAlertActiveNetworks},
			},
			expected: []byte{
				58, 1,
				30, 1, 1,
				// Pad1 to reach offset 6.
				0,
				5, 2, 0, 2,
				// PadN of 6 bytes to reach 16.
				1, 4, 0, 0, 0, 0,
			},
		},
		{
			name: "Routing",
			hdr:  &IPv6SerializableRoutingExtHdr{RoutingType: 0, SegmentsLeft: 0, Data: []byte{0, 0, 0, 0}},
			expected: []byte{
				58, 0, 0, 0, 0, 0, 0, 0,
			},
		},
		{
			name: "Fragment",
			hdr:  &IPv6SerializableFragmentExtHdr{FragmentOffset: 0x13F, M: true, Identification: 1},
			expected: []byte{
				58, 0, 0x09, 0xF9, 0, 0, 0, 1,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l := test.hdr.Length()
			if l != len(test.expected) {
				t.Fatalf("got Length() = %d, want = %d", l, len(test.expected))
			}
			b := make([]byte, l)
			if n := test.hdr.SerializeInto(58, b); n != l {
				t.Errorf("got SerializeInto(...) = %d, want = %d", n, l)
			}
			if diff := cmp.Diff(test.expected, b); diff != "" {
				t.Errorf("serialized bytes mismatch (-want +got):\n%s", diff)
			}

			// Whatever we serialize must parse back.
			it := MakeIPv6PayloadIterator(test.hdr.Identifier(), b)
			if _, done, err := it.Next(); err != nil || done {
				t.Fatalf("parsing serialized header: done = %t, err = %v", done, err)
			}
			if got := it.ParseOffset(); got != l {
				t.Errorf("got ParseOffset() = %d, want = %d", got, l)
			}
		})
	}
}

func TestHopByHopRouterAlertDecodesWithGopacket(t *testing.T) {
	hbh := IPv6SerializableHopByHopExtHdr{&IPv6RouterAlertOption{Value: IPv6RouterAlertMLD}}
	pkt := make([]byte, IPv6MinimumSize+hbh.Length())
	IPv6(pkt).Encode(&IPv6Fields{
		PayloadLength: uint16(hbh.Length()),
		NextHeader:    uint8(IPv6HopByHopOptionsExtHdrIdentifier),
		HopLimit:      MLDHopLimit,
		SrcAddr:       "\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01",
		DstAddr:       IPv6AllRoutersMulticastAddress,
	})
	hbh.SerializeInto(uint8(IPv6NoNextHeaderIdentifier), pkt[IPv6MinimumSize:])

	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv6, gopacket.NoCopy)
	decoded, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		t.Fatalf("gopacket did not decode an IPv6 header: %s", p)
	}
	l := decoded.HopByHop
	if l == nil {
		t.Fatalf("gopacket did not decode a hop by hop header: %s", p)
	}
	var found bool
	for _, opt := range l.Options {
		if opt.OptionType == 5 {
			found = true
			if diff := cmp.Diff([]byte{0, 0}, opt.OptionData); diff != "" {
				t.Errorf("router alert data mismatch (-want +got):\n%s", diff)
			}
		}
	}
	if !found {
		t.Errorf("router alert option not found in %+v", l.Options)
	}
}
