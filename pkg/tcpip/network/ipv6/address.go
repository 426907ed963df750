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

package ipv6

import (
	"time"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// ConfigMode is how an address was configured.
type ConfigMode int

const (
	// ConfigStatic addresses were added through AddAddress.
	ConfigStatic ConfigMode = iota

	// ConfigAuto addresses were created by stateless auto-configuration.
	ConfigAuto
)

func (m ConfigMode) String() string {
	switch m {
	case ConfigStatic:
		return "static"
	case ConfigAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ConfigType selects what happens when duplicate address detection for an
// entry completes.
type ConfigType int

const (
	// StaticBlocking entries wake the AddAddress caller.
	StaticBlocking ConfigType = iota

	// StaticNonBlocking entries only change state.
	StaticNonBlocking

	// AutoBlocking entries are the first link-local address of
	// EnableAutoConfigBlocking. They wake the caller and then act as
	// AutoNonBlocking.
	AutoBlocking

	// AutoNonBlocking entries are the link-local address of
	// auto-configuration and advance its state machine.
	AutoNonBlocking

	// PrefixInfo entries were formed from a Router Advertisement prefix
	// and finish auto-configuration.
	PrefixInfo
)

func (t ConfigType) String() string {
	switch t {
	case StaticBlocking:
		return "static-blocking"
	case StaticNonBlocking:
		return "static-nonblocking"
	case AutoBlocking:
		return "auto-blocking"
	case AutoNonBlocking:
		return "auto-nonblocking"
	case PrefixInfo:
		return "prefix-info"
	default:
		return "unknown"
	}
}

// AddressState is the RFC 4862 state of an address.
type AddressState int

const (
	// AddressNone is the state of a free pool entry.
	AddressNone AddressState = iota

	// AddressTentative addresses are undergoing DAD and are not usable.
	AddressTentative

	// AddressPreferred addresses are usable without restriction.
	AddressPreferred

	// AddressDeprecated addresses remain valid but are avoided for new
	// communication.
	AddressDeprecated
)

func (s AddressState) String() string {
	switch s {
	case AddressNone:
		return "none"
	case AddressTentative:
		return "tentative"
	case AddressPreferred:
		return "preferred"
	case AddressDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// AddressFlags are the options of AddAddress.
type AddressFlags struct {
	// Blocking makes AddAddress wait for DAD to complete.
	Blocking bool

	// DAD runs duplicate address detection before the address becomes
	// preferred.
	DAD bool
}

// AddressInfo describes a configured address.
type AddressInfo struct {
	NIC     tcpip.NICID
	Address tcpip.AddressWithPrefix
	State   AddressState
	Mode    ConfigMode
	Type    ConfigType

	// PreferredLifetime and ValidLifetime are the remaining lifetimes.
	// header.NDPInfiniteLifetime means the address does not expire.
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
}

// addressHandle is the index of an entry in an addressPool.
type addressHandle int32

const invalidHandle addressHandle = -1

// addressEntry is a configured address.
type addressEntry struct {
	inUse bool

	addr    tcpip.AddressWithPrefix
	nicID   tcpip.NICID
	mode    ConfigMode
	cfgType ConfigType
	state   AddressState
	valid   bool

	// solicited is the solicited-node group joined for addr.
	solicited tcpip.Address

	// preferredJob deprecates the address and validJob removes it. Both are
	// nil or unscheduled for an infinite lifetime.
	preferredJob *tcpip.Job
	validJob     *tcpip.Job

	// done receives the outcome of DAD exactly once while the entry is
	// tentative. It is nil otherwise.
	done chan tcpip.Error
}

// resolve delivers err to a blocked AddAddress, if any.
func (e *addressEntry) resolve(err tcpip.Error) {
	if e.done == nil {
		return
	}
	e.done <- err
	e.done = nil
}

func (e *addressEntry) usable() bool {
	return e.state == AddressPreferred || e.state == AddressDeprecated
}

// addressPool is a fixed-capacity slab of address entries.
type addressPool struct {
	entries []addressEntry
	free    []addressHandle
}

func newAddressPool(capacity int) addressPool {
	p := addressPool{
		entries: make([]addressEntry, capacity),
		free:    make([]addressHandle, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, addressHandle(i))
	}
	return p
}

// alloc takes a free entry. It returns false when the pool is exhausted.
func (p *addressPool) alloc() (addressHandle, *addressEntry, bool) {
	if len(p.free) == 0 {
		return invalidHandle, nil, false
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	e := &p.entries[h]
	*e = addressEntry{inUse: true}
	return h, e, true
}

func (p *addressPool) get(h addressHandle) *addressEntry {
	if h < 0 || int(h) >= len(p.entries) || !p.entries[h].inUse {
		return nil
	}
	return &p.entries[h]
}

func (p *addressPool) release(h addressHandle) {
	p.entries[h] = addressEntry{}
	p.free = append(p.free, h)
}

func (p *addressPool) used() int {
	return len(p.entries) - len(p.free)
}

// findAddressLocked returns the entry for addr on ns.
func (p *Protocol) findAddressLocked(ns *nicState, addr tcpip.Address) (addressHandle, *addressEntry) {
	for _, h := range ns.addrs {
		if e := p.addrs.get(h); e.addr.Address == addr {
			return h, e
		}
	}
	return invalidHandle, nil
}

// isLocalAddressLocked returns whether addr is preferred or deprecated on
// nicID.
func (p *Protocol) isLocalAddressLocked(nicID tcpip.NICID, addr tcpip.Address) bool {
	ns, ok := p.nics[nicID]
	if !ok {
		return false
	}
	_, e := p.findAddressLocked(ns, addr)
	return e != nil && e.usable()
}

// nicOfLocalAddressLocked returns the lowest id of a NIC on which addr is
// preferred or deprecated, or 0.
func (p *Protocol) nicOfLocalAddressLocked(addr tcpip.Address) tcpip.NICID {
	for _, id := range p.nicIDsLocked() {
		if p.isLocalAddressLocked(id, addr) {
			return id
		}
	}
	return 0
}

// preferredLinkLocalLocked returns a preferred link-local address of ns, or
// the unspecified address.
func (p *Protocol) preferredLinkLocalLocked(ns *nicState) tcpip.Address {
	for _, h := range ns.addrs {
		e := p.addrs.get(h)
		if e.state == AddressPreferred && header.IsV6LinkLocalUnicastAddress(e.addr.Address) {
			return e.addr.Address
		}
	}
	return header.IPv6Any
}

// Addresses returns every address configured on nicID, in the order they
// were added, whatever their state.
func (p *Protocol) Addresses(nicID tcpip.NICID) ([]tcpip.AddressWithPrefix, tcpip.Error) {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return nil, &tcpip.ErrUnknownNICID{}
	}
	addrs := make([]tcpip.AddressWithPrefix, 0, len(ns.addrs))
	for _, h := range ns.addrs {
		addrs = append(addrs, p.addrs.get(h).addr)
	}
	return addrs, nil
}

// AddressDetails returns the state, origin and remaining lifetimes of every
// address on nicID. A zero nicID reports every NIC.
func (p *Protocol) AddressDetails(nicID tcpip.NICID) ([]AddressInfo, tcpip.Error) {
	p.stack.Lock()
	defer p.stack.Unlock()

	ids := []tcpip.NICID{nicID}
	if nicID == 0 {
		ids = p.nicIDsLocked()
	} else if _, ok := p.nics[nicID]; !ok {
		return nil, &tcpip.ErrUnknownNICID{}
	}

	var infos []AddressInfo
	for _, id := range ids {
		for _, h := range p.nics[id].addrs {
			e := p.addrs.get(h)
			preferred := remainingLifetime(e.preferredJob)
			if e.state == AddressDeprecated {
				preferred = 0
			}
			infos = append(infos, AddressInfo{
				NIC:               id,
				Address:           e.addr,
				State:             e.state,
				Mode:              e.mode,
				Type:              e.cfgType,
				PreferredLifetime: preferred,
				ValidLifetime:     remainingLifetime(e.validJob),
			})
		}
	}
	return infos, nil
}

func remainingLifetime(j *tcpip.Job) time.Duration {
	if j == nil || !j.Scheduled() {
		return header.NDPInfiniteLifetime
	}
	return j.Remaining()
}

// IsAddressConfigured returns whether addr is preferred or deprecated on
// any NIC.
func (p *Protocol) IsAddressConfigured(addr tcpip.Address) bool {
	p.stack.Lock()
	defer p.stack.Unlock()
	return p.nicOfLocalAddressLocked(addr) != 0
}
