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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
)

func TestPacketHeaderPush(t *testing.T) {
	const reserved = 60
	pk := NewPacketBuffer(PacketBufferOptions{
		ReserveHeaderBytes: reserved,
		Data:               buffer.NewViewFromBytes([]byte{9, 9}).ToVectorisedView(),
	})

	if got := pk.ReservedHeaderBytes(); got != reserved {
		t.Fatalf("got ReservedHeaderBytes() = %d, want = %d", got, reserved)
	}

	copy(pk.TransportHeader().Push(4), []byte{3, 3, 3, 3})
	copy(pk.NetworkHeader().Push(40), bytes.Repeat([]byte{2}, 40))
	copy(pk.LinkHeader().Push(14), bytes.Repeat([]byte{1}, 14))

	if got, want := pk.AvailableHeaderBytes(), reserved-58; got != want {
		t.Errorf("got AvailableHeaderBytes() = %d, want = %d", got, want)
	}
	if got, want := pk.HeaderSize(), 58; got != want {
		t.Errorf("got HeaderSize() = %d, want = %d", got, want)
	}
	if got, want := pk.Size(), 60; got != want {
		t.Errorf("got Size() = %d, want = %d", got, want)
	}

	var want []byte
	want = append(want, bytes.Repeat([]byte{1}, 14)...)
	want = append(want, bytes.Repeat([]byte{2}, 40)...)
	want = append(want, 3, 3, 3, 3, 9, 9)
	if diff := cmp.Diff(want, []byte(pk.ToView())); diff != "" {
		t.Errorf("packet bytes mismatch (-want +got):\n%s", diff)
	}

	// An inbound copy carries everything as data.
	in := pk.CloneToInbound()
	if got := in.HeaderSize(); got != 0 {
		t.Errorf("got inbound HeaderSize() = %d, want = 0", got)
	}
	if diff := cmp.Diff(want, []byte(in.Data().ToView())); diff != "" {
		t.Errorf("inbound data mismatch (-want +got):\n%s", diff)
	}
}

func TestPacketHeaderPushPanicsWithoutRoom(t *testing.T) {
	pk := NewPacketBuffer(PacketBufferOptions{ReserveHeaderBytes: 8})
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected Push to panic")
		}
	}()
	pk.NetworkHeader().Push(40)
}

func TestPacketHeaderConsume(t *testing.T) {
	vv := buffer.NewVectorisedView(6, []buffer.View{{1, 2}, {3, 4, 5}, {6}})
	pk := NewPacketBuffer(PacketBufferOptions{Data: vv})

	if _, ok := pk.NetworkHeader().Consume(7); ok {
		t.Fatal("consumed more bytes than the packet holds")
	}
	v, ok := pk.NetworkHeader().Consume(3)
	if !ok {
		t.Fatal("failed to consume 3 bytes")
	}
	if diff := cmp.Diff(buffer.View{1, 2, 3}, v); diff != "" {
		t.Errorf("consumed bytes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(buffer.View{1, 2, 3}, pk.NetworkHeader().View()); diff != "" {
		t.Errorf("network header mismatch (-want +got):\n%s", diff)
	}
	if got := pk.Data().Size(); got != 3 {
		t.Errorf("got Data().Size() = %d, want = 3", got)
	}
	if diff := cmp.Diff(buffer.View{4, 5, 6}, pk.Data().ToView()); diff != "" {
		t.Errorf("remaining data mismatch (-want +got):\n%s", diff)
	}
	if got := pk.Size(); got != 6 {
		t.Errorf("got Size() = %d, want = 6", got)
	}
}

func TestPacketBufferClone(t *testing.T) {
	pk := NewPacketBuffer(PacketBufferOptions{
		Data: buffer.NewVectorisedView(3, []buffer.View{{1}, {2, 3}}),
	})
	clone := pk.Clone()
	d := clone.Data()
	d.TrimFront(1)
	clone.SetData(d)

	if got := pk.Data().Size(); got != 3 {
		t.Errorf("got original Data().Size() = %d, want = 3", got)
	}
	if got := clone.Data().Size(); got != 2 {
		t.Errorf("got clone Data().Size() = %d, want = 2", got)
	}
}
