// Copyright 2020 The gVisor Authors.
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

package tun

import (
	"encoding/binary"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// PacketInfoHeaderSize is the size of the struct tun_pi header that leads
// every packet on a device opened without IFF_NO_PI.
const PacketInfoHeaderSize = 4

// FlagTruncated is set by the kernel when the packet did not fit the read
// buffer (TUN_PKT_STRIP).
const FlagTruncated = 0x0001

// PacketInfoHeader is the wire form of struct tun_pi: 16 bits of flags
// followed by the EtherType of the packet, both big endian.
type PacketInfoHeader [PacketInfoHeaderSize]byte

// NewPacketInfoHeader returns the header announcing a packet of proto.
func NewPacketInfoHeader(proto tcpip.NetworkProtocolNumber) PacketInfoHeader {
	var h PacketInfoHeader
	binary.BigEndian.PutUint16(h[2:], uint16(proto))
	return h
}

// SplitPacketInfo separates the header leading b from the packet. It returns
// false if b is too short to hold a header.
func SplitPacketInfo(b []byte) (PacketInfoHeader, []byte, bool) {
	var h PacketInfoHeader
	if len(b) < PacketInfoHeaderSize {
		return h, nil, false
	}
	copy(h[:], b)
	return h, b[PacketInfoHeaderSize:], true
}

// Flags returns the flags field.
func (h PacketInfoHeader) Flags() uint16 {
	return binary.BigEndian.Uint16(h[:2])
}

// Protocol returns the network protocol of the packet.
func (h PacketInfoHeader) Protocol() tcpip.NetworkProtocolNumber {
	return tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(h[2:]))
}

// Truncated reports whether the kernel cut the packet short.
func (h PacketInfoHeader) Truncated() bool {
	return h.Flags()&FlagTruncated != 0
}
