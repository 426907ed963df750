// Copyright 2019 The gVisor Authors.
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

package stack

import (
	"fmt"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
)

type headerType int

const (
	linkHeader headerType = iota
	networkHeader
	transportHeader
	numHeaderType
)

// PacketBufferOptions specifies options for PacketBuffer creation.
type PacketBufferOptions struct {
	// ReserveHeaderBytes is the number of bytes to reserve for headers. Total
	// number of bytes pushed onto the headers must not exceed this value.
	ReserveHeaderBytes int

	// Data is the initial unparsed data for the new packet. If set, it will be
	// owned by the new packet.
	Data buffer.VectorisedView
}

// EgressRoute records where an outbound packet was sent so that it can be
// written again without another route lookup.
type EgressRoute struct {
	// NIC is the interface the packet leaves through.
	NIC tcpip.NICID

	// NextHop is the neighbor the packet is handed to. It equals the
	// destination for on-link destinations.
	NextHop tcpip.Address
}

// A PacketBuffer contains all the data of a network packet.
//
// The whole packet is expected to be a series of bytes in the following order:
// LinkHeader, NetworkHeader, TransportHeader, and Data. Any of them can be
// empty. Use of PacketBuffer in any other order is unsupported.
//
// PacketBuffer must be created with NewPacketBuffer.
type PacketBuffer struct {
	// data holds the payload of the packet.
	//
	// For inbound packets, data is initially the whole packet. Then gets moved
	// to headers via PacketHeader.Consume, when the packet is being parsed.
	//
	// For outbound packets, data is the innermost layer, defined by the
	// protocol. Headers are pushed in front of it via PacketHeader.Push.
	data buffer.VectorisedView

	// headers stores metadata about each header.
	headers [numHeaderType]headerInfo

	// header is the internal storage for outbound packets. Headers will be
	// pushed (prepended) on this storage as the packet is being constructed.
	header buffer.Prependable

	// NetworkProtocolNumber is only valid when NetworkHeader().View() is not
	// empty.
	NetworkProtocolNumber tcpip.NetworkProtocolNumber

	// TransportProtocolNumber is only valid if it is non zero.
	TransportProtocolNumber tcpip.TransportProtocolNumber

	// NICID is the interface an inbound packet arrived on.
	NICID tcpip.NICID

	// Egress is set by the network layer when an outbound packet is handed to
	// a NIC.
	Egress EgressRoute
}

type headerInfo struct {
	// buf is the memorized slice for both prepended and consumed header.
	// When header is prepended, buf serves as a note of the location of
	// the header in the pkt.header storage.
	buf buffer.View

	// consumed is true when the header was moved out of data.
	consumed bool
}

// NewPacketBuffer creates a new PacketBuffer with opts.
func NewPacketBuffer(opts PacketBufferOptions) *PacketBuffer {
	pk := &PacketBuffer{
		data: opts.Data,
	}
	if opts.ReserveHeaderBytes != 0 {
		pk.header = buffer.NewPrependable(opts.ReserveHeaderBytes)
	}
	return pk
}

// ReservedHeaderBytes returns the number of bytes initially reserved for
// headers.
func (pk *PacketBuffer) ReservedHeaderBytes() int {
	return pk.header.UsedLength() + pk.header.AvailableLength()
}

// AvailableHeaderBytes returns the number of bytes currently available for
// headers. This is relevant to PacketHeader.Push method only.
func (pk *PacketBuffer) AvailableHeaderBytes() int {
	return pk.header.AvailableLength()
}

// LinkHeader returns the handle to link-layer header.
func (pk *PacketBuffer) LinkHeader() PacketHeader {
	return PacketHeader{pk: pk, typ: linkHeader}
}

// NetworkHeader returns the handle to network-layer header.
func (pk *PacketBuffer) NetworkHeader() PacketHeader {
	return PacketHeader{pk: pk, typ: networkHeader}
}

// TransportHeader returns the handle to transport-layer header.
func (pk *PacketBuffer) TransportHeader() PacketHeader {
	return PacketHeader{pk: pk, typ: transportHeader}
}

// Data returns the payload of the packet.
func (pk *PacketBuffer) Data() buffer.VectorisedView {
	return pk.data
}

// SetData replaces the payload of the packet.
func (pk *PacketBuffer) SetData(vv buffer.VectorisedView) {
	pk.data = vv
}

// HeaderSize returns the total size of all headers in bytes.
func (pk *PacketBuffer) HeaderSize() int {
	size := 0
	for i := range pk.headers {
		size += len(pk.headers[i].buf)
	}
	return size
}

// Size returns the size of packet in bytes.
func (pk *PacketBuffer) Size() int {
	return pk.HeaderSize() + pk.data.Size()
}

// Views returns the underlying storage of the whole packet, headers first.
func (pk *PacketBuffer) Views() []buffer.View {
	var views []buffer.View
	for i := range pk.headers {
		if v := pk.headers[i].buf; len(v) != 0 {
			views = append(views, v)
		}
	}
	return append(views, pk.data.Views()...)
}

// ToView flattens the whole packet into a single view.
func (pk *PacketBuffer) ToView() buffer.View {
	v := make(buffer.View, 0, pk.Size())
	for _, b := range pk.Views() {
		v = append(v, b...)
	}
	return v
}

// Clone makes a shallow copy of pk.
//
// Clone should be called in such cases so that no modifications is done to
// underlying packet payload.
func (pk *PacketBuffer) Clone() *PacketBuffer {
	newPk := *pk
	newPk.data = pk.data.Clone(nil)
	return &newPk
}

// CloneToInbound makes a copy of the whole outbound packet suitable for the
// receive path: every byte becomes unparsed data.
func (pk *PacketBuffer) CloneToInbound() *PacketBuffer {
	return NewPacketBuffer(PacketBufferOptions{
		Data: buffer.NewViewFromBytes(pk.ToView()).ToVectorisedView(),
	})
}

func (pk *PacketBuffer) push(typ headerType, size int) buffer.View {
	h := &pk.headers[typ]
	if h.buf != nil {
		panic(fmt.Sprintf("push must not be called twice: type %d", typ))
	}
	b := pk.header.Prepend(size)
	if b == nil {
		panic(fmt.Sprintf("no room to push %d bytes for header type %d: %d available", size, typ, pk.header.AvailableLength()))
	}
	h.buf = b
	return h.buf
}

func (pk *PacketBuffer) consume(typ headerType, size int) (v buffer.View, consumed bool) {
	h := &pk.headers[typ]
	if h.buf != nil {
		panic(fmt.Sprintf("consume must not be called twice: type %d", typ))
	}
	v, ok := pk.data.PullUp(size)
	if !ok {
		return nil, false
	}
	pk.data.TrimFront(size)
	h.buf = v
	h.consumed = true
	return h.buf, true
}

// PacketHeader is a handle object to a header in the underlying packet.
type PacketHeader struct {
	pk  *PacketBuffer
	typ headerType
}

// View returns the underlying storage of h.
func (h PacketHeader) View() buffer.View {
	return h.pk.headers[h.typ].buf
}

// Push pushes size bytes in the front of its residing packet, and returns the
// backing storage. Callers may only call one of Push or Consume once on each
// header in the lifetime of the underlying packet.
func (h PacketHeader) Push(size int) buffer.View {
	return h.pk.push(h.typ, size)
}

// Consume moves the first size bytes of the unparsed data portion in the
// packet to h, and returns the backing storage. In the case of data is shorter
// than size, consumed will be false, and the state of h will not be affected.
// Callers may only call one of Push or Consume once on each header in the
// lifetime of the underlying packet.
func (h PacketHeader) Consume(size int) (v buffer.View, consumed bool) {
	return h.pk.consume(h.typ, size)
}
