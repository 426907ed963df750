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
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// NDPOptionIdentifier is an NDP option type identifier.
type NDPOptionIdentifier uint8

const (
	// NDPSourceLinkLayerAddressOptionType is the type of the Source Link Layer
	// Address option, as per RFC 4861 section 4.6.1.
	NDPSourceLinkLayerAddressOptionType NDPOptionIdentifier = 1

	// NDPTargetLinkLayerAddressOptionType is the type of the Target Link Layer
	// Address option, as per RFC 4861 section 4.6.1.
	NDPTargetLinkLayerAddressOptionType NDPOptionIdentifier = 2

	// NDPPrefixInformationType is the type of the Prefix Information
	// option, as per RFC 4861 section 4.6.2.
	NDPPrefixInformationType NDPOptionIdentifier = 3
)

const (
	// ndpPrefixInformationLength is the expected length, in bytes, of the
	// body of an NDP Prefix Information option, as per RFC 4861 section
	// 4.6.2 which specifies that the Length field is 4. Given this, the
	// expected length, in bytes, is 30 because 4 * lengthByteUnits (8) - 2
	// (Type & Length) = 30.
	ndpPrefixInformationLength = 30

	// ndpPrefixInformationPrefixLengthOffset is the offset of the Prefix
	// Length field within an NDPPrefixInformation.
	ndpPrefixInformationPrefixLengthOffset = 0

	// ndpPrefixInformationFlagsOffset is the offset of the flags byte
	// within an NDPPrefixInformation.
	ndpPrefixInformationFlagsOffset = 1

	// ndpPrefixInformationOnLinkFlagMask is the mask of the On-Link Flag
	// field in the flags byte within an NDPPrefixInformation.
	ndpPrefixInformationOnLinkFlagMask = (1 << 7)

	// ndpPrefixInformationAutoAddrConfFlagMask is the mask of the
	// Autonomous Address-Configuration flag field in the flags byte within
	// an NDPPrefixInformation.
	ndpPrefixInformationAutoAddrConfFlagMask = (1 << 6)

	// ndpPrefixInformationValidLifetimeOffset is the start of the 4-byte
	// Valid Lifetime field within an NDPPrefixInformation.
	ndpPrefixInformationValidLifetimeOffset = 2

	// ndpPrefixInformationPreferredLifetimeOffset is the start of the
	// 4-byte Preferred Lifetime field within an NDPPrefixInformation.
	ndpPrefixInformationPreferredLifetimeOffset = 6

	// ndpPrefixInformationPrefixOffset is the start of the Prefix field
	// within an NDPPrefixInformation.
	ndpPrefixInformationPrefixOffset = 14

	// NDPInfiniteLifetime is a value that represents infinity for the
	// Valid and Preferred Lifetime fields in a NDP Prefix Information
	// option. Its value is (2^32 - 1)s = 4294967295s
	NDPInfiniteLifetime = time.Second * math.MaxUint32

	// lengthByteUnits is the multiplier factor for the Length field of an
	// NDP option. That is, the length field for NDP options is in units of
	// 8 octets, as per RFC 4861 section 4.6.
	lengthByteUnits = 8

	// ndpOptionHeaderSize is the size of the Type and Length fields.
	ndpOptionHeaderSize = 2
)

var (
	// ErrNDPOptMalformedBody indicates that the NDP option's body was
	// malformed.
	ErrNDPOptMalformedBody = errors.New("NDP option has a malformed body")

	// ErrNDPOptMalformedHeader indicates that the NDP option's header was
	// malformed.
	ErrNDPOptMalformedHeader = errors.New("NDP option has a malformed header")
)

// NDPOption is the set of functions to be implemented by all NDP option types.
type NDPOption interface {
	fmt.Stringer

	// Type returns the type of the receiver.
	Type() NDPOptionIdentifier

	// Length returns the length of the body of the receiver, in bytes.
	Length() int

	// serializeInto serializes the receiver into the provided byte
	// buffer. The buffer holds at least Length bytes. It returns the
	// number of bytes used.
	serializeInto([]byte) int
}

// paddedLength returns the length of o, in bytes, with any padding bytes, if
// required. It returns 0 when o cannot be encoded.
func paddedLength(o NDPOption) int {
	l := o.Length()
	if l == 0 {
		return 0
	}

	// Length excludes the 2 Type and Length bytes. Round up to the nearest
	// unit of lengthByteUnits.
	l += ndpOptionHeaderSize
	mask := lengthByteUnits - 1
	l += mask
	l &^= mask

	if l/lengthByteUnits > math.MaxUint8 {
		return 0
	}
	return l
}

// NDPOptions is a buffer of NDP options as defined by RFC 4861 section 4.6.
type NDPOptions []byte

// Serialize serializes the provided list of NDP options into b.
//
// b must be at least s.Length() bytes long. It returns the number of bytes
// written.
func (b NDPOptions) Serialize(s NDPOptionsSerializer) int {
	done := 0

	for _, o := range s {
		l := paddedLength(o)
		if l == 0 {
			continue
		}

		b[0] = byte(o.Type())
		b[1] = uint8(l / lengthByteUnits)

		used := o.serializeInto(b[ndpOptionHeaderSize:])

		// Zero out remaining (padding) bytes, if any exists.
		for i := used + ndpOptionHeaderSize; i < l; i++ {
			b[i] = 0
		}

		b = b[l:]
		done += l
	}

	return done
}

// Iter returns an iterator over the options in b.
func (b NDPOptions) Iter() NDPOptionIterator {
	return NDPOptionIterator{opts: b}
}

// NDPOptionIterator is an iterator of NDPOption.
//
// The backing buffer must not change while the iterator is in use.
type NDPOptionIterator struct {
	opts []byte
}

// Next returns the next element in the backing NDPOptions, or true if we are
// done, or false if an error occurred.
//
// The return can be read as option, done, error. Note, option should only be
// used if done is false and error is nil.
func (i *NDPOptionIterator) Next() (NDPOption, bool, error) {
	for {
		if len(i.opts) == 0 {
			return nil, true, nil
		}
		if n := len(i.opts); n < ndpOptionHeaderSize {
			i.opts = nil
			return nil, true, fmt.Errorf("%w: %d bytes left", ErrNDPOptMalformedHeader, n)
		}

		kind := NDPOptionIdentifier(i.opts[0])
		// A Length of 0 is invalid, as per RFC 4861 section 4.6.
		length := int(i.opts[1]) * lengthByteUnits
		if length == 0 {
			i.opts = nil
			return nil, true, ErrNDPOptMalformedHeader
		}
		if n := len(i.opts); length > n {
			i.opts = nil
			return nil, true, fmt.Errorf("%w: option of %d bytes with %d left: %s", ErrNDPOptMalformedHeader, length, n, io.ErrUnexpectedEOF)
		}

		body := i.opts[ndpOptionHeaderSize:length:length]
		i.opts = i.opts[length:]

		switch kind {
		case NDPSourceLinkLayerAddressOptionType:
			return NDPSourceLinkLayerAddressOption(body), false, nil

		case NDPTargetLinkLayerAddressOptionType:
			return NDPTargetLinkLayerAddressOption(body), false, nil

		case NDPPrefixInformationType:
			if len(body) != ndpPrefixInformationLength {
				return nil, true, fmt.Errorf("got %d bytes for prefix information option, want %d: %w", len(body), ndpPrefixInformationLength, ErrNDPOptMalformedBody)
			}
			return NDPPrefixInformation(body), false, nil

		default:
			// Options we do not recognize are skipped, as per RFC 4861
			// section 4.6.
			continue
		}
	}
}

// NDPOptionsSerializer is a serializer for NDP options.
type NDPOptionsSerializer []NDPOption

// Length returns the total number of bytes required to serialize.
func (b NDPOptionsSerializer) Length() int {
	l := 0
	for _, o := range b {
		l += paddedLength(o)
	}
	return l
}

// NDPSourceLinkLayerAddressOption is the NDP Source Link Layer Option
// as defined by RFC 4861 section 4.6.1.
//
// It is the first X bytes following the NDP option's Type and Length field
// where X is the value in Length multiplied by lengthByteUnits - 2 bytes.
type NDPSourceLinkLayerAddressOption tcpip.LinkAddress

// Type implements NDPOption.
func (o NDPSourceLinkLayerAddressOption) Type() NDPOptionIdentifier {
	return NDPSourceLinkLayerAddressOptionType
}

// Length implements NDPOption.
func (o NDPSourceLinkLayerAddressOption) Length() int {
	return len(o)
}

// serializeInto implements NDPOption.
func (o NDPSourceLinkLayerAddressOption) serializeInto(b []byte) int {
	return copy(b, o)
}

// String implements fmt.Stringer.
func (o NDPSourceLinkLayerAddressOption) String() string {
	return fmt.Sprintf("%T(%s)", o, tcpip.LinkAddress(o))
}

// EthernetAddress will return an ethernet (MAC) address if the
// NDPSourceLinkLayerAddressOption's body has at minimum EthernetAddressSize
// bytes. If the body has more than EthernetAddressSize bytes, only the first
// EthernetAddressSize bytes are returned as that is all that is needed to
// return an ethernet address.
func (o NDPSourceLinkLayerAddressOption) EthernetAddress() tcpip.LinkAddress {
	if len(o) >= EthernetAddressSize {
		return tcpip.LinkAddress(o[:EthernetAddressSize])
	}
	return tcpip.LinkAddress([]byte(nil))
}

// NDPTargetLinkLayerAddressOption is the NDP Target Link Layer Option
// as defined by RFC 4861 section 4.6.1.
type NDPTargetLinkLayerAddressOption tcpip.LinkAddress

// Type implements NDPOption.
func (o NDPTargetLinkLayerAddressOption) Type() NDPOptionIdentifier {
	return NDPTargetLinkLayerAddressOptionType
}

// Length implements NDPOption.
func (o NDPTargetLinkLayerAddressOption) Length() int {
	return len(o)
}

// serializeInto implements NDPOption.
func (o NDPTargetLinkLayerAddressOption) serializeInto(b []byte) int {
	return copy(b, o)
}

// String implements fmt.Stringer.
func (o NDPTargetLinkLayerAddressOption) String() string {
	return fmt.Sprintf("%T(%s)", o, tcpip.LinkAddress(o))
}

// EthernetAddress returns the first EthernetAddressSize bytes of the body,
// or an empty address when the body is too short.
func (o NDPTargetLinkLayerAddressOption) EthernetAddress() tcpip.LinkAddress {
	if len(o) >= EthernetAddressSize {
		return tcpip.LinkAddress(o[:EthernetAddressSize])
	}
	return tcpip.LinkAddress([]byte(nil))
}

// NDPPrefixInformation is the NDP Prefix Information option as defined by
// RFC 4861 section 4.6.2.
//
// The length, in bytes, of a valid NDP Prefix Information option body MUST be
// ndpPrefixInformationLength bytes.
type NDPPrefixInformation []byte

// NDPPrefixInformationFields holds the values encoded by
// NewNDPPrefixInformation.
type NDPPrefixInformationFields struct {
	Prefix            tcpip.AddressWithPrefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

// NewNDPPrefixInformation builds a Prefix Information option body.
func NewNDPPrefixInformation(f NDPPrefixInformationFields) NDPPrefixInformation {
	o := make(NDPPrefixInformation, ndpPrefixInformationLength)
	o[ndpPrefixInformationPrefixLengthOffset] = uint8(f.Prefix.PrefixLen)
	if f.OnLink {
		o[ndpPrefixInformationFlagsOffset] |= ndpPrefixInformationOnLinkFlagMask
	}
	if f.Autonomous {
		o[ndpPrefixInformationFlagsOffset] |= ndpPrefixInformationAutoAddrConfFlagMask
	}
	binary.BigEndian.PutUint32(o[ndpPrefixInformationValidLifetimeOffset:], lifetimeSeconds(f.ValidLifetime))
	binary.BigEndian.PutUint32(o[ndpPrefixInformationPreferredLifetimeOffset:], lifetimeSeconds(f.PreferredLifetime))
	copy(o[ndpPrefixInformationPrefixOffset:], f.Prefix.Address)
	return o
}

func lifetimeSeconds(d time.Duration) uint32 {
	if d >= NDPInfiniteLifetime {
		return math.MaxUint32
	}
	return uint32(d / time.Second)
}

// Type implements NDPOption.
func (o NDPPrefixInformation) Type() NDPOptionIdentifier {
	return NDPPrefixInformationType
}

// Length implements NDPOption.
func (o NDPPrefixInformation) Length() int {
	return ndpPrefixInformationLength
}

// serializeInto implements NDPOption.
func (o NDPPrefixInformation) serializeInto(b []byte) int {
	return copy(b, o)
}

// String implements fmt.Stringer.
func (o NDPPrefixInformation) String() string {
	return fmt.Sprintf("%T(O=%t, A=%t, PL=%s, VL=%s, Prefix=%s)",
		o,
		o.OnLinkFlag(),
		o.AutonomousAddressConfigurationFlag(),
		o.PreferredLifetime(),
		o.ValidLifetime(),
		o.Subnet())
}

// PrefixLength returns the value in the number of leading bits in the Prefix
// that are valid.
//
// Valid values are in the range [0, 128], but o may not always contain valid
// values. It is up to the caller to validate the Prefix Information option.
func (o NDPPrefixInformation) PrefixLength() uint8 {
	return o[ndpPrefixInformationPrefixLengthOffset]
}

// OnLinkFlag returns true of the prefix is considered on-link. On-link means
// that a forwarding node is not needed to send packets to other nodes on the
// same prefix.
func (o NDPPrefixInformation) OnLinkFlag() bool {
	return o[ndpPrefixInformationFlagsOffset]&ndpPrefixInformationOnLinkFlagMask != 0
}

// AutonomousAddressConfigurationFlag returns true if the prefix can be used for
// Stateless Address Auto-Configuration (as specified in RFC 4862).
func (o NDPPrefixInformation) AutonomousAddressConfigurationFlag() bool {
	return o[ndpPrefixInformationFlagsOffset]&ndpPrefixInformationAutoAddrConfFlagMask != 0
}

// ValidLifetime returns the length of time that the prefix is valid for the
// purpose of on-link determination. This value is relative to the send time of
// the packet that the Prefix Information option was present in.
//
// Note, a value of 0 implies the prefix should not be considered as on-link,
// and a value of infinity/forever is represented by NDPInfiniteLifetime.
func (o NDPPrefixInformation) ValidLifetime() time.Duration {
	// The field is the time in seconds, as per RFC 4861 section 4.6.2.
	return time.Second * time.Duration(binary.BigEndian.Uint32(o[ndpPrefixInformationValidLifetimeOffset:]))
}

// PreferredLifetime returns the length of time that an address generated from
// the prefix via Stateless Address Auto-Configuration remains preferred.
//
// The value of this field MUST NOT exceed the Valid Lifetime field to avoid
// preferring addresses that are no longer valid.
func (o NDPPrefixInformation) PreferredLifetime() time.Duration {
	// The field is the time in seconds, as per RFC 4861 section 4.6.2.
	return time.Second * time.Duration(binary.BigEndian.Uint32(o[ndpPrefixInformationPreferredLifetimeOffset:]))
}

// Prefix returns an IPv6 address or a prefix of an IPv6 address. The Prefix
// Length field (see NDPPrefixInformation.PrefixLength) contains the number
// of valid leading bits in the prefix.
//
// Hosts SHOULD ignore an NDP Prefix Information option where the Prefix field
// holds the link-local prefix (fe80::).
func (o NDPPrefixInformation) Prefix() tcpip.Address {
	return tcpip.Address(o[ndpPrefixInformationPrefixOffset:][:IPv6AddressSize])
}

// Subnet returns the Prefix field and Prefix Length field represented in a
// tcpip.Subnet.
func (o NDPPrefixInformation) Subnet() tcpip.Subnet {
	addrWithPrefix := tcpip.AddressWithPrefix{
		Address:   o.Prefix(),
		PrefixLen: int(o.PrefixLength()),
	}
	return addrWithPrefix.Subnet()
}
