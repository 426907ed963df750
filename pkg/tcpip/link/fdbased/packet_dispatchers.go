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

//go:build linux
// +build linux

package fdbased

import (
	"time"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/rawfile"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/tun"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

const dropLogPeriod = 10 * time.Second

// readDispatcher uses read() system call to read inbound packets and
// dispatches them.
type readDispatcher struct {
	e          *Endpoint
	dispatcher stack.NetworkDispatcher

	// buf is reused across reads. Dispatched packets get their own copy.
	buf []byte

	// dropLog reports discarded frames without flooding the log.
	dropLog log.Logger
}

func newReadDispatcher(e *Endpoint, dispatcher stack.NetworkDispatcher) *readDispatcher {
	size := int(e.mtu)
	if e.packetInfo {
		size += tun.PacketInfoHeaderSize
	}
	return &readDispatcher{
		e:          e,
		dispatcher: dispatcher,
		buf:        make([]byte, size),
		dropLog:    log.BasicRateLimitedLogger(dropLogPeriod),
	}
}

// loop reads packets until the endpoint is closed or reading fails.
func (d *readDispatcher) loop() tcpip.Error {
	for {
		n, err := rawfile.BlockingReadUntilStopped(d.e.efd, d.e.fd, d.buf)
		if err != nil {
			return err
		}
		if n == -1 {
			return nil
		}
		d.dispatch(d.buf[:n])
	}
}

// dispatch hands one frame to the stack. Frames that are not IPv6 are
// dropped.
func (d *readDispatcher) dispatch(b []byte) {
	proto := header.IPv6ProtocolNumber
	if d.e.packetInfo {
		pi, rest, ok := tun.SplitPacketInfo(b)
		if !ok {
			d.dropLog.Debugf("fdbased: dropped %d byte frame without packet information", len(b))
			return
		}
		if pi.Truncated() {
			d.dropLog.Debugf("fdbased: dropped truncated frame of %d bytes", len(rest))
			return
		}
		proto, b = pi.Protocol(), rest
	}
	if proto != header.IPv6ProtocolNumber || len(b) == 0 || header.IPVersion(b) != header.IPv6Version {
		d.dropLog.Debugf("fdbased: dropped non-IPv6 frame of %d bytes", len(b))
		return
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Data: buffer.NewViewFromBytes(b).ToVectorisedView(),
	})
	d.dispatcher.DeliverNetworkPacket(proto, pkt)
}
