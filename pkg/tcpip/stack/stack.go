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

// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// For consumers, the only function of interest is New(), everything else is
// provided by the tcpip/public package.
package stack

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// NetworkProtocolFactory instantiates a network protocol.
//
// NetworkProtocolFactory must not attempt to modify the stack, it may only
// query the stack.
type NetworkProtocolFactory func(*Stack) NetworkProtocol

// Options contains optional Stack configuration.
type Options struct {
	// NetworkProtocols lists the network protocols to enable.
	NetworkProtocols []NetworkProtocolFactory

	// Clock is an optional clock used for timekeeping.
	//
	// If Clock is nil, tcpip.NewStdClock() will be used.
	Clock tcpip.Clock

	// Stats are optional statistic counters.
	Stats tcpip.Stats

	// RandSource is an optional source to use to generate random
	// numbers. If omitted it defaults to a Source seeded by the data
	// returned by the crypto/rand package.
	//
	// RandSource must be thread-safe.
	RandSource rand.Source
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
//
// The Stack's mutex is the global network lock: every operation on the
// network-layer state and every timer callback holds it. Methods with the
// Locked suffix expect it to be held by the caller.
type Stack struct {
	mu sync.Mutex

	networkProtocols map[tcpip.NetworkProtocolNumber]NetworkProtocol

	// nics is protected by mu.
	nics map[tcpip.NICID]*NIC

	stats tcpip.Stats

	// clock is used to generate user-visible times.
	clock tcpip.Clock

	// randomGenerator is an injectable pseudo random generator that can be
	// used when a random number is required.
	randomGenerator *rand.Rand
}

var _ sync.Locker = (*Stack)(nil)

// New allocates a new networking stack with only the requested networking and
// transport protocols configured with default options.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = tcpip.NewStdClock()
	}

	randSrc := opts.RandSource
	if randSrc == nil {
		// Source provided by rand.NewSource is not thread-safe so
		// we wrap it in a simple thread-safe version.
		randSrc = &lockedRandomSource{src: rand.NewSource(generateRandInt64())}
	}

	s := &Stack{
		networkProtocols: make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		nics:             make(map[tcpip.NICID]*NIC),
		stats:            opts.Stats.FillIn(),
		clock:            clock,
		randomGenerator:  rand.New(randSrc),
	}

	// Add specified network protocols.
	for _, netProtoFactory := range opts.NetworkProtocols {
		netProto := netProtoFactory(s)
		s.networkProtocols[netProto.Number()] = netProto
	}

	return s
}

// Lock acquires the global network lock.
func (s *Stack) Lock() {
	s.mu.Lock()
}

// Unlock releases the global network lock.
func (s *Stack) Unlock() {
	s.mu.Unlock()
}

// NewJob returns a tcpip.Job using the Stack clock and the global network
// lock.
func (s *Stack) NewJob(f func()) *tcpip.Job {
	return tcpip.NewJob(s.clock, s, f)
}

// Clock returns the Stack's clock for retrieving the current time and
// scheduling work.
func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

// Stats returns a mutable copy of the current stats.
//
// This is not generally exported via the public interface, but is available
// internally.
func (s *Stack) Stats() tcpip.Stats {
	return s.stats
}

// Rand returns a reference to a pseudo random generator that can be used to
// generate random numbers as required.
func (s *Stack) Rand() *rand.Rand {
	return s.randomGenerator
}

// NetworkProtocolInstance returns the protocol instance in the stack for the
// specified network protocol. This method is public for protocol implementers
// and tests to use.
func (s *Stack) NetworkProtocolInstance(num tcpip.NetworkProtocolNumber) NetworkProtocol {
	if p, ok := s.networkProtocols[num]; ok {
		return p
	}
	return nil
}

// NICOptions specifies the configuration of a NIC as it is being created.
// The zero value creates an unnamed NIC whose link is down.
type NICOptions struct {
	// Name specifies the name of the NIC.
	Name string

	// LinkUp starts the NIC with its link up.
	LinkUp bool
}

// CreateNICWithOptions creates a NIC with the provided id, LinkEndpoint, and
// NICOptions. See the documentation on type NICOptions for details on how
// NICs can be configured.
//
// LinkEndpoint.Attach will be called to bind ep with a NetworkDispatcher.
func (s *Stack) CreateNICWithOptions(id tcpip.NICID, ep LinkEndpoint, opts NICOptions) tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make sure id is unique.
	if _, ok := s.nics[id]; ok {
		return &tcpip.ErrDuplicateNICID{}
	}

	// Make sure name is unique, unless unnamed.
	if opts.Name != "" {
		for _, n := range s.nics {
			if n.Name() == opts.Name {
				return &tcpip.ErrDuplicateNICID{}
			}
		}
	}

	n := newNIC(s, id, opts.Name, ep)
	for _, p := range s.networkProtocols {
		if err := p.AttachNICLocked(n); err != nil {
			return err
		}
	}
	s.nics[id] = n
	ep.Attach(n)
	log.Debugf("stack: created %s (%q) mtu=%d link=%s", id, opts.Name, ep.MTU(), ep.LinkAddress())

	if opts.LinkUp {
		s.setLinkStateLocked(n, true)
	}
	return nil
}

// CreateNIC creates a NIC with the provided id and LinkEndpoint and calls
// LinkEndpoint.Attach to bind ep with a NetworkDispatcher.
func (s *Stack) CreateNIC(id tcpip.NICID, ep LinkEndpoint) tcpip.Error {
	return s.CreateNICWithOptions(id, ep, NICOptions{})
}

// RemoveNIC removes NIC from the network stack.
func (s *Stack) RemoveNIC(id tcpip.NICID) tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nics[id]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	for _, p := range s.networkProtocols {
		p.DetachNICLocked(n)
	}
	delete(s.nics, id)
	return nil
}

// NICLocked returns the NIC with the given id, or nil.
//
// Precondition: s.mu must be held.
func (s *Stack) NICLocked(id tcpip.NICID) *NIC {
	return s.nics[id]
}

// NICIDsLocked returns the ids of every NIC in ascending order.
//
// Precondition: s.mu must be held.
func (s *Stack) NICIDsLocked() []tcpip.NICID {
	ids := make([]tcpip.NICID, 0, len(s.nics))
	for id := range s.nics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasNIC returns true if the NICID is defined in the stack.
func (s *Stack) HasNIC(id tcpip.NICID) bool {
	s.mu.Lock()
	_, ok := s.nics[id]
	s.mu.Unlock()
	return ok
}

// SetLinkState records the link state of a NIC and notifies its
// subscribers. Setting the current state again does nothing.
func (s *Stack) SetLinkState(id tcpip.NICID, up bool) tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nics[id]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	s.setLinkStateLocked(n, up)
	return nil
}

func (s *Stack) setLinkStateLocked(n *NIC, up bool) {
	if n.linkUp == up {
		return
	}
	n.linkUp = up
	log.Debugf("stack: %s link up=%t", n.id, up)
	for _, sub := range n.subscribers[:n.numSubscribers] {
		sub.OnLinkStateChangeLocked(n.id, up)
	}
}

// Wait waits for all transport and link endpoints to halt their worker
// goroutines.
//
// Endpoints created or modified during this call may not get waited on.
//
// Note that link endpoints must be stopped via an implementation specific
// mechanism.
func (s *Stack) Wait() {
	s.mu.Lock()
	nics := make([]*NIC, 0, len(s.nics))
	for _, n := range s.nics {
		nics = append(nics, n)
	}
	s.mu.Unlock()

	for _, n := range nics {
		n.linkEP.Wait()
	}
}
