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

// Package fdbased provides the implemention of data-link layer endpoints
// backed by boundary-preserving file descriptors (e.g., TUN devices,
// seqpacket/datagram sockets).
//
// FD based endpoints can be used in the networking stack by calling New() to
// create a new endpoint, and then passing it as an argument to
// Stack.CreateNIC().
package fdbased

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/rawfile"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/tun"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// Options specify the details about the fd-based endpoint to be created.
type Options struct {
	// FD is the file descriptor used to send and receive packets. It must
	// preserve packet boundaries. New puts it in non-blocking mode.
	FD int

	// MTU is the maximum transmission unit of the link.
	MTU uint32

	// Address is the link address of the endpoint. It is empty for TUN
	// devices, which makes the link point-to-point.
	Address tcpip.LinkAddress

	// PacketInfo indicates that every packet on FD is led by a TUN packet
	// information header.
	PacketInfo bool

	// ClosedFunc is called when the dispatch loop stops because of an
	// error, typically because the peer closed its end.
	ClosedFunc func(tcpip.Error)
}

// Endpoint is a link endpoint over a packet file descriptor.
type Endpoint struct {
	fd         int
	efd        int
	mtu        uint32
	addr       tcpip.LinkAddress
	packetInfo bool
	closed     func(tcpip.Error)

	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	stopped    bool

	wg sync.WaitGroup
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New creates a new fd-based endpoint.
//
// Makes fd non-blocking, but does not take ownership of fd, which must
// remain open for the lifetime of the returned endpoint (until after the
// endpoint has stopped being used and Close has returned).
func New(opts *Options) (*Endpoint, error) {
	if opts.MTU < header.IPv6MinimumMTU {
		return nil, fmt.Errorf("fdbased: MTU %d is below the IPv6 minimum of %d", opts.MTU, header.IPv6MinimumMTU)
	}
	if err := unix.SetNonblock(opts.FD, true); err != nil {
		return nil, fmt.Errorf("unix.SetNonblock(%v) failed: %v", opts.FD, err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unix.Eventfd: %v", err)
	}

	return &Endpoint{
		fd:         opts.FD,
		efd:        efd,
		mtu:        opts.MTU,
		addr:       opts.Address,
		packetInfo: opts.PacketInfo,
		closed:     opts.ClosedFunc,
	}, nil
}

// Attach launches the goroutine that reads packets from the file descriptor
// and dispatches them via the provided dispatcher. Only the first non-nil
// dispatcher starts the loop.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dispatcher == nil || e.dispatcher != nil || e.stopped {
		return
	}
	e.dispatcher = dispatcher
	d := newReadDispatcher(e, dispatcher)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := d.loop(); err != nil {
			log.Warningf("fdbased: dispatch loop for fd %d stopped: %s", e.fd, err)
			if e.closed != nil {
				e.closed(err)
			}
		}
	}()
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher != nil
}

// Close stops the dispatch loop and waits for it to exit. The file
// descriptor is left open.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	var b [8]byte
	b[0] = 1
	if err := rawfile.NonBlockingWrite(e.efd, b[:]); err != nil {
		log.Warningf("fdbased: failed to stop dispatch loop for fd %d: %s", e.fd, err)
	}
	e.wg.Wait()
	unix.Close(e.efd)
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Capabilities implements stack.LinkEndpoint.Capabilities.
func (*Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityNone
}

// MaxHeaderLength returns the maximum size of the link-layer header. The
// packet information header is written from its own buffer, so no space is
// reserved for it.
func (*Endpoint) MaxHeaderLength() uint16 {
	return 0
}

// LinkAddress returns the link address of this endpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.addr
}

// Wait implements stack.LinkEndpoint.Wait. It waits for the dispatch loop
// to exit.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

// WritePacket writes outbound packets to the file descriptor.
func (e *Endpoint) WritePacket(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) tcpip.Error {
	views := pkt.Views()
	bufs := make([][]byte, 0, len(views)+1)
	if e.packetInfo {
		pi := tun.NewPacketInfoHeader(protocol)
		bufs = append(bufs, pi[:])
	}
	for _, v := range views {
		bufs = append(bufs, v)
	}
	return rawfile.NonBlockingWriteVec(e.fd, bufs)
}
