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
	"context"
	"time"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// validLifetimeFloor is the "2 hours" of RFC 4862 section 5.5.3.e.
const validLifetimeFloor = 2 * time.Hour

// pendingAdd is a non-blocking static add issued while the link was down.
type pendingAdd struct {
	addr tcpip.AddressWithPrefix
	dad  bool
}

// AddAddress adds a static address to nicID.
//
// While the link is down a non-blocking add is queued and replayed on the
// next link-up, and a blocking add fails with ErrLinkDown. A blocking add
// with DAD waits for the outcome without holding the stack lock. Cancelling
// ctx while waiting stops DAD, removes the address, and returns ErrAborted.
func (p *Protocol) AddAddress(ctx context.Context, nicID tcpip.NICID, addr tcpip.AddressWithPrefix, flags AddressFlags) tcpip.Error {
	cfgType := StaticNonBlocking
	if flags.Blocking {
		cfgType = StaticBlocking
	}

	p.stack.Lock()
	ns, ok := p.nics[nicID]
	if !ok {
		p.stack.Unlock()
		return &tcpip.ErrUnknownNICID{}
	}
	h, err := p.addAddressLocked(ns, addr, ConfigStatic, cfgType, flags.DAD)
	if err != nil || !flags.Blocking {
		p.stack.Unlock()
		return err
	}
	e := p.addrs.get(h)
	if e.state != AddressTentative {
		p.stack.Unlock()
		return nil
	}
	done := e.done
	p.stack.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	p.stack.Lock()
	defer p.stack.Unlock()
	select {
	case err := <-done:
		// DAD completed while we were reacquiring the lock.
		return err
	default:
	}
	// Still tentative: every transition out of that state resolves done.
	p.removeAddressLocked(ns, h)
	return &tcpip.ErrAborted{}
}

// addAddressLocked validates and adds a static address, queueing it when
// the link is down. It returns invalidHandle and no error for a queued add.
func (p *Protocol) addAddressLocked(ns *nicState, addr tcpip.AddressWithPrefix, mode ConfigMode, cfgType ConfigType, dad bool) (addressHandle, tcpip.Error) {
	if err := header.ValidateIPv6AddressType(addr.Address, header.AllowUnicast); err != nil {
		return invalidHandle, err
	}
	if addr.PrefixLen <= 0 || addr.PrefixLen > header.IPv6AddressSize*8 {
		return invalidHandle, &tcpip.ErrInvalidOptionValue{}
	}
	for _, a := range ns.pending {
		if a.addr.Address == addr.Address {
			return invalidHandle, &tcpip.ErrDuplicateAddress{}
		}
	}

	if !ns.nic.LinkUp() {
		if cfgType == StaticBlocking {
			return invalidHandle, &tcpip.ErrLinkDown{}
		}
		if _, e := p.findAddressLocked(ns, addr.Address); e != nil {
			return invalidHandle, &tcpip.ErrDuplicateAddress{}
		}
		if len(ns.addrs)+len(ns.pending) >= MaxAddressesPerNIC {
			return invalidHandle, &tcpip.ErrNoBufferSpace{}
		}
		ns.pending = append(ns.pending, pendingAdd{addr: addr, dad: dad})
		p.stats.AddrCfg.QueuedWhileLinkDown.Increment()
		log.Debugf("ipv6: %s link down, queued %s", ns.id(), addr)
		return invalidHandle, nil
	}

	return p.configureAddressLocked(ns, addr, mode, cfgType, dad)
}

// configureAddressLocked puts addr in the table of ns, joins its
// solicited-node group, and starts DAD or makes it preferred.
func (p *Protocol) configureAddressLocked(ns *nicState, addr tcpip.AddressWithPrefix, mode ConfigMode, cfgType ConfigType, dad bool) (addressHandle, tcpip.Error) {
	if _, e := p.findAddressLocked(ns, addr.Address); e != nil {
		return invalidHandle, &tcpip.ErrDuplicateAddress{}
	}
	if len(ns.addrs)+len(ns.pending) >= MaxAddressesPerNIC {
		return invalidHandle, &tcpip.ErrNoBufferSpace{}
	}
	h, e, ok := p.addrs.alloc()
	if !ok {
		return invalidHandle, &tcpip.ErrNoBufferSpace{}
	}
	solicited := header.SolicitedNodeAddr(addr.Address)
	if err := p.joinGroupLocked(ns, solicited); err != nil {
		p.addrs.release(h)
		return invalidHandle, err
	}

	e.addr = addr
	e.nicID = ns.id()
	e.mode = mode
	e.cfgType = cfgType
	e.valid = true
	e.solicited = solicited
	ns.addrs = append(ns.addrs, h)
	p.stats.AddrCfg.AddressesAdded.Increment()

	if mode == ConfigStatic {
		p.ndp.AddOnLinkPrefix(ns.id(), addr.Subnet(), header.NDPInfiniteLifetime)
	}

	if !dad {
		e.state = AddressPreferred
		log.Debugf("ipv6: %s added %s (%s), preferred", ns.id(), addr, cfgType)
		return h, nil
	}

	e.state = AddressTentative
	e.done = make(chan tcpip.Error, 1)
	if err := p.dad.Start(ns.id(), addr.Address, p); err != nil {
		e.done = nil
		p.removeAddressLocked(ns, h)
		return invalidHandle, err
	}
	log.Debugf("ipv6: %s added %s (%s), tentative", ns.id(), addr, cfgType)
	return h, nil
}

// RemoveAddress removes addr from nicID, or drops it from the queue of adds
// waiting for link-up.
func (p *Protocol) RemoveAddress(nicID tcpip.NICID, addr tcpip.Address) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	for i, a := range ns.pending {
		if a.addr.Address == addr {
			ns.pending = append(ns.pending[:i], ns.pending[i+1:]...)
			return nil
		}
	}
	h, e := p.findAddressLocked(ns, addr)
	if e == nil {
		return &tcpip.ErrBadLocalAddress{}
	}
	p.removeAddressLocked(ns, h)
	p.onAutoAddressRemovedLocked(ns, addr)
	return nil
}

// RemoveAllAddresses removes every address of nicID, queued ones included.
func (p *Protocol) RemoveAllAddresses(nicID tcpip.NICID) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	p.removeAllAddressesLocked(ns)
	if a := ns.auto; a != nil {
		p.onAutoAddressRemovedLocked(ns, a.global)
		p.onAutoAddressRemovedLocked(ns, a.local)
	}
	return nil
}

// ResetAddresses removes every address of nicID and returns
// auto-configuration to AutoConfigNone so the next link-up runs it again.
// Whether auto-configuration is enabled is left unchanged.
func (p *Protocol) ResetAddresses(nicID tcpip.NICID) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	if a := ns.auto; a != nil {
		a.stopLocked()
		a.state = AutoConfigNone
		a.local = ""
		a.global = ""
	}
	p.removeAllAddressesLocked(ns)
	return nil
}

func (p *Protocol) removeAllAddressesLocked(ns *nicState) {
	ns.pending = nil
	for len(ns.addrs) != 0 {
		p.removeAddressLocked(ns, ns.addrs[len(ns.addrs)-1])
	}
}

// removeAddressLocked removes the entry h of ns.
func (p *Protocol) removeAddressLocked(ns *nicState, h addressHandle) {
	e := p.addrs.get(h)
	addr := e.addr

	if e.state == AddressTentative {
		p.dad.Stop(ns.id(), addr.Address)
		e.resolve(&tcpip.ErrAborted{})
	}
	if e.preferredJob != nil {
		e.preferredJob.Cancel()
	}
	if e.validJob != nil {
		e.validJob.Cancel()
	}
	e.valid = false
	if p.conns != nil {
		p.conns.CloseAllByAddress(addr.Address)
	}
	if err := p.leaveGroupLocked(ns, e.solicited); err != nil {
		log.Warningf("ipv6: %s leaving %s for %s: %s", ns.id(), e.solicited, addr, err)
	}

	for i, o := range ns.addrs {
		if o == h {
			ns.addrs = append(ns.addrs[:i], ns.addrs[i+1:]...)
			break
		}
	}
	mode := e.mode
	p.addrs.release(h)
	p.stats.AddrCfg.AddressesRemoved.Increment()

	if mode == ConfigStatic && !p.subnetInUseLocked(ns, addr.Subnet()) {
		p.ndp.AddOnLinkPrefix(ns.id(), addr.Subnet(), 0)
	}
	log.Debugf("ipv6: %s removed %s", ns.id(), addr)
}

// subnetInUseLocked returns whether a static address of ns lives in subnet.
func (p *Protocol) subnetInUseLocked(ns *nicState, subnet tcpip.Subnet) bool {
	for _, h := range ns.addrs {
		if e := p.addrs.get(h); e.mode == ConfigStatic && e.addr.Subnet() == subnet {
			return true
		}
	}
	return false
}

// HandleDADCompletionLocked implements DADDispatcher. The ConfigType of the
// entry selects how the outcome is acted upon.
func (p *Protocol) HandleDADCompletionLocked(nicID tcpip.NICID, addr tcpip.Address, result DADResult) {
	ns, ok := p.nics[nicID]
	if !ok {
		return
	}
	h, e := p.findAddressLocked(ns, addr)
	if e == nil || e.state != AddressTentative {
		return
	}
	cfgType := e.cfgType

	if result == DADSucceeded {
		e.state = AddressPreferred
		e.resolve(nil)
		log.Debugf("ipv6: %s DAD for %s succeeded", nicID, addr)
		switch cfgType {
		case AutoNonBlocking, AutoBlocking:
			p.onLinkLocalResolvedLocked(ns, addr)
		case PrefixInfo:
			p.onGlobalResolvedLocked(ns, addr)
		}
		return
	}

	log.Infof("ipv6: %s DAD for %s: %s", nicID, addr, result)
	var err tcpip.Error = &tcpip.ErrAborted{}
	if result == DADDuplicate {
		p.stats.AddrCfg.DADFailures.Increment()
		err = &tcpip.ErrDuplicateAddressDetected{}
	}
	e.resolve(err)
	// DAD is over; removal must not stop it again.
	e.state = AddressNone
	p.removeAddressLocked(ns, h)

	switch cfgType {
	case AutoNonBlocking, AutoBlocking:
		p.onLinkLocalFailedLocked(ns, addr)
	case PrefixInfo:
		p.onGlobalFailedLocked(ns, addr)
	}
}

// setLifetimesLocked arms the preferred and valid lifetime jobs of the entry
// for addr on ns. header.NDPInfiniteLifetime disables a job.
func (p *Protocol) setLifetimesLocked(ns *nicState, addr tcpip.Address, valid, preferred time.Duration) {
	_, e := p.findAddressLocked(ns, addr)
	if e == nil {
		return
	}
	nicID := ns.id()

	if e.validJob == nil {
		e.validJob = p.stack.NewJob(func() {
			ns, ok := p.nics[nicID]
			if !ok {
				return
			}
			h, e := p.findAddressLocked(ns, addr)
			if e == nil {
				return
			}
			log.Infof("ipv6: %s valid lifetime of %s expired", nicID, addr)
			p.stats.AddrCfg.LifetimesExpired.Increment()
			p.removeAddressLocked(ns, h)
			p.onAutoAddressRemovedLocked(ns, addr)
		})
	}
	if e.preferredJob == nil {
		e.preferredJob = p.stack.NewJob(func() {
			ns, ok := p.nics[nicID]
			if !ok {
				return
			}
			if _, e := p.findAddressLocked(ns, addr); e != nil && e.state == AddressPreferred {
				e.state = AddressDeprecated
				log.Debugf("ipv6: %s deprecated %s", nicID, addr)
			}
		})
	}

	e.validJob.Cancel()
	if valid < header.NDPInfiniteLifetime {
		e.validJob.Schedule(valid)
	}

	e.preferredJob.Cancel()
	switch {
	case preferred >= header.NDPInfiniteLifetime:
		if e.state == AddressDeprecated {
			e.state = AddressPreferred
		}
	case preferred == 0:
		if e.state == AddressPreferred {
			e.state = AddressDeprecated
		}
	default:
		if e.state == AddressDeprecated {
			e.state = AddressPreferred
		}
		e.preferredJob.Schedule(preferred)
	}
}

// refreshLifetimesLocked applies lifetimes from a new Router Advertisement
// to an existing auto-configured address, as per RFC 4862 section 5.5.3.e:
//
//  1. If the received Valid Lifetime is greater than 2 hours or
//     greater than RemainingLifetime, set the valid lifetime of the
//     corresponding address to the advertised Valid Lifetime.
//
//  2. If RemainingLifetime is less than or equal to 2 hours, ignore
//     the Prefix Information option with regards to the valid
//     lifetime, unless the Router Advertisement from which this option
//     was obtained has been authenticated (e.g., via Secure Neighbor
//     Discovery [RFC3971]).
//
//  3. Otherwise, reset the valid lifetime of the corresponding
//     address to 2 hours.
func (p *Protocol) refreshLifetimesLocked(ns *nicState, e *addressEntry, valid, preferred time.Duration) {
	remaining := remainingLifetime(e.validJob)
	switch {
	case valid > validLifetimeFloor || valid > remaining:
	case remaining <= validLifetimeFloor:
		valid = remaining
	default:
		valid = validLifetimeFloor
	}
	if preferred > valid {
		preferred = valid
	}
	p.setLifetimesLocked(ns, e.addr.Address, valid, preferred)
}
