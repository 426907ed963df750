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
	"encoding/binary"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

const (
	// MaxLinkLocalRetries is the number of random link-local addresses
	// tried after DAD fails for the first one.
	MaxLinkLocalRetries = 3

	// MaxRtrSolicitations is the number of Router Solicitations sent
	// before giving up on finding a router, as per RFC 4861 section 10.
	MaxRtrSolicitations = 3

	// RtrSolicitationInterval is the time between Router Solicitations, as
	// per RFC 4861 section 10.
	RtrSolicitationInterval = 4 * time.Second
)

// AutoConfigState is the state of stateless address auto-configuration on a
// NIC.
type AutoConfigState int

const (
	// AutoConfigNone is the idle state. Auto-configuration starts from here
	// on the next link-up when it is enabled.
	AutoConfigNone AutoConfigState = iota

	// AutoConfigStartedLocal means the link-local address is undergoing
	// DAD.
	AutoConfigStartedLocal

	// AutoConfigStartedGlobal means the node is soliciting routers or
	// performing DAD on a global address.
	AutoConfigStartedGlobal

	// AutoConfigStopped means auto-configuration was disabled.
	AutoConfigStopped
)

func (s AutoConfigState) String() string {
	switch s {
	case AutoConfigNone:
		return "none"
	case AutoConfigStartedLocal:
		return "started-local"
	case AutoConfigStartedGlobal:
		return "started-global"
	case AutoConfigStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AutoConfigResult is the outcome of a run of auto-configuration.
type AutoConfigResult int

const (
	// AutoConfigSucceeded means a global address is configured.
	AutoConfigSucceeded AutoConfigResult = iota

	// AutoConfigLinkLocalFailed means every link-local address tried was a
	// duplicate.
	AutoConfigLinkLocalFailed

	// AutoConfigNoRouter means no Router Advertisement with a usable
	// prefix arrived.
	AutoConfigNoRouter

	// AutoConfigGlobalFailed means the global address was a duplicate.
	AutoConfigGlobalFailed
)

func (r AutoConfigResult) String() string {
	switch r {
	case AutoConfigSucceeded:
		return "succeeded"
	case AutoConfigLinkLocalFailed:
		return "link-local-failed"
	case AutoConfigNoRouter:
		return "no-router"
	case AutoConfigGlobalFailed:
		return "global-failed"
	default:
		return "unknown"
	}
}

// AutoConfigDispatcher is notified when a run of auto-configuration ends.
type AutoConfigDispatcher interface {
	// OnAutoConfigResult is called with the stack lock held.
	OnAutoConfigResult(nicID tcpip.NICID, result AutoConfigResult)
}

// AutoConfigOptions are the options of EnableAutoConfig.
type AutoConfigOptions struct {
	// DAD runs duplicate address detection on the generated addresses.
	DAD bool

	// Dispatcher, if set, receives the result of every run.
	Dispatcher AutoConfigDispatcher
}

// autoConfig is the auto-configuration state of a NIC.
type autoConfig struct {
	enabled    bool
	dad        bool
	dispatcher AutoConfigDispatcher
	state      AutoConfigState

	// iid is the interface identifier shared by the link-local and global
	// addresses.
	iid [header.IIDSize]byte

	// local and global are the addresses of the current run.
	local  tcpip.Address
	global tcpip.Address

	// retries counts random link-local addresses tried.
	retries int

	// linkLocalType is the ConfigType of the next link-local address.
	linkLocalType ConfigType

	rsJob     *tcpip.Job
	rsBackoff backoff.BackOff
}

func (a *autoConfig) stopLocked() {
	a.rsJob.Cancel()
}

// linkDownLocked abandons a run in progress. The next link-up restarts it.
func (a *autoConfig) linkDownLocked() {
	a.rsJob.Cancel()
	if a.state == AutoConfigStartedLocal || a.state == AutoConfigStartedGlobal {
		a.state = AutoConfigNone
	}
}

// EnableAutoConfig enables stateless address auto-configuration on nicID. It
// starts immediately if the link is up.
func (p *Protocol) EnableAutoConfig(nicID tcpip.NICID, opts AutoConfigOptions) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	p.enableAutoConfigLocked(ns, opts, AutoNonBlocking)
	return nil
}

// EnableAutoConfigBlocking enables auto-configuration on nicID and returns
// its link-local address once usable. The link must be up.
//
// With DAD the first link-local candidate is added as AutoBlocking and the
// call waits for its outcome without holding the stack lock. A duplicate
// returns ErrDuplicateAddressDetected while the run goes on with a random
// interface identifier. Cancelling ctx returns ErrAborted and leaves the run
// going.
func (p *Protocol) EnableAutoConfigBlocking(ctx context.Context, nicID tcpip.NICID, opts AutoConfigOptions) (tcpip.Address, tcpip.Error) {
	p.stack.Lock()
	ns, ok := p.nics[nicID]
	if !ok {
		p.stack.Unlock()
		return "", &tcpip.ErrUnknownNICID{}
	}
	if !ns.nic.LinkUp() {
		p.stack.Unlock()
		return "", &tcpip.ErrLinkDown{}
	}
	p.enableAutoConfigLocked(ns, opts, AutoBlocking)
	addr := ns.auto.local
	_, e := p.findAddressLocked(ns, addr)
	if addr == "" || e == nil {
		p.stack.Unlock()
		return "", &tcpip.ErrAborted{}
	}
	if e.state != AddressTentative || e.done == nil {
		p.stack.Unlock()
		return addr, nil
	}
	done := e.done
	p.stack.Unlock()

	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return addr, nil
	case <-ctx.Done():
		return "", &tcpip.ErrAborted{}
	}
}

// enableAutoConfigLocked enables auto-configuration on ns and starts a run.
// A link-local address created by this start has type linkLocal. Later ones
// are AutoNonBlocking.
func (p *Protocol) enableAutoConfigLocked(ns *nicState, opts AutoConfigOptions, linkLocal ConfigType) {
	if ns.auto == nil {
		nicID := ns.id()
		ns.auto = &autoConfig{
			rsJob: p.stack.NewJob(func() { p.solicitRoutersLocked(nicID) }),
		}
	}
	a := ns.auto
	a.enabled = true
	a.dad = opts.DAD
	a.dispatcher = opts.Dispatcher
	if a.state == AutoConfigStopped {
		a.state = AutoConfigNone
	}
	a.linkLocalType = linkLocal
	p.startAutoConfigLocked(ns)
	a.linkLocalType = AutoNonBlocking
}

// DisableAutoConfig stops auto-configuration on nicID. Addresses it created
// are kept.
func (p *Protocol) DisableAutoConfig(nicID tcpip.NICID) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	if a := ns.auto; a != nil {
		a.stopLocked()
		a.enabled = false
		a.state = AutoConfigStopped
	}
	return nil
}

// AutoConfigState returns the auto-configuration state of nicID.
func (p *Protocol) AutoConfigState(nicID tcpip.NICID) (AutoConfigState, tcpip.Error) {
	p.stack.Lock()
	defer p.stack.Unlock()

	ns, ok := p.nics[nicID]
	if !ok {
		return AutoConfigNone, &tcpip.ErrUnknownNICID{}
	}
	if ns.auto == nil {
		return AutoConfigNone, nil
	}
	return ns.auto.state, nil
}

// startAutoConfigLocked starts a run on ns if auto-configuration is enabled,
// idle, and the link is up.
func (p *Protocol) startAutoConfigLocked(ns *nicState) {
	a := ns.auto
	if a == nil || !a.enabled || a.state != AutoConfigNone || !ns.nic.LinkUp() {
		return
	}

	if a.local != "" {
		if _, e := p.findAddressLocked(ns, a.local); e != nil && e.usable() {
			log.Debugf("ipv6: %s auto-configuration resuming with %s", ns.id(), a.local)
			p.solicitRoutersStartLocked(ns)
			return
		}
	}

	linkAddr := ns.nic.LinkAddress()
	if header.IsValidUnicastEthernetAddress(linkAddr) {
		a.iid = header.EthernetAddressToModifiedEUI64(linkAddr)
	} else {
		a.iid = p.randomIID()
	}
	a.retries = 0
	a.global = ""
	a.state = AutoConfigStartedLocal
	p.configureLinkLocalLocked(ns)
}

func (p *Protocol) randomIID() [header.IIDSize]byte {
	var iid [header.IIDSize]byte
	binary.BigEndian.PutUint64(iid[:], p.stack.Rand().Uint64())
	return iid
}

// configureLinkLocalLocked adds the link-local address for the current IID.
func (p *Protocol) configureLinkLocalLocked(ns *nicState) {
	a := ns.auto
	addr := tcpip.AddressWithPrefix{
		Address:   header.AddressWithIID(header.IPv6LinkLocalPrefix.Address, a.iid),
		PrefixLen: header.IPv6LinkLocalPrefixLen,
	}
	a.local = addr.Address
	log.Debugf("ipv6: %s auto-configuring %s", ns.id(), addr)
	if _, err := p.configureAddressLocked(ns, addr, ConfigAuto, a.linkLocalType, a.dad); err != nil {
		log.Warningf("ipv6: %s configuring link-local %s: %s", ns.id(), addr, err)
		a.local = ""
		p.finishAutoConfigLocked(ns, AutoConfigLinkLocalFailed)
		return
	}
	if !a.dad {
		p.onLinkLocalResolvedLocked(ns, addr.Address)
	}
}

// onLinkLocalResolvedLocked moves the run to router solicitation once addr
// is preferred.
func (p *Protocol) onLinkLocalResolvedLocked(ns *nicState, addr tcpip.Address) {
	a := ns.auto
	if a == nil || a.state != AutoConfigStartedLocal || a.local != addr {
		return
	}
	p.solicitRoutersStartLocked(ns)
}

// onLinkLocalFailedLocked retries with a random IID after DAD found addr to
// be a duplicate.
func (p *Protocol) onLinkLocalFailedLocked(ns *nicState, addr tcpip.Address) {
	a := ns.auto
	if a == nil || a.state != AutoConfigStartedLocal || a.local != addr {
		return
	}
	a.local = ""
	a.retries++
	if a.retries > MaxLinkLocalRetries {
		p.finishAutoConfigLocked(ns, AutoConfigLinkLocalFailed)
		return
	}
	a.iid = p.randomIID()
	p.configureLinkLocalLocked(ns)
}

// solicitRoutersStartLocked sends the first Router Solicitation and arms the
// retransmissions.
func (p *Protocol) solicitRoutersStartLocked(ns *nicState) {
	a := ns.auto
	a.state = AutoConfigStartedGlobal
	a.rsBackoff = backoff.WithMaxRetries(backoff.NewConstantBackOff(RtrSolicitationInterval), MaxRtrSolicitations-1)
	p.sendRouterSolicitationLocked(ns)
	a.rsJob.Cancel()
	a.rsJob.Schedule(RtrSolicitationInterval)
}

// solicitRoutersLocked runs when a Router Solicitation went unanswered.
func (p *Protocol) solicitRoutersLocked(nicID tcpip.NICID) {
	ns, ok := p.nics[nicID]
	if !ok || ns.auto == nil {
		return
	}
	a := ns.auto
	if a.state != AutoConfigStartedGlobal || a.global != "" {
		return
	}
	d := a.rsBackoff.NextBackOff()
	if d == backoff.Stop {
		log.Infof("ipv6: %s no router answered %d solicitations", nicID, MaxRtrSolicitations)
		p.finishAutoConfigLocked(ns, AutoConfigNoRouter)
		return
	}
	p.sendRouterSolicitationLocked(ns)
	a.rsJob.Schedule(d)
}

func (p *Protocol) sendRouterSolicitationLocked(ns *nicState) {
	if err := p.ndp.SendRouterSolicitation(ns.id(), ns.auto.local); err != nil {
		log.Debugf("ipv6: %s sending router solicitation: %s", ns.id(), err)
		return
	}
	p.stats.AddrCfg.RouterSolicitationsSent.Increment()
}

// HandleAutonomousPrefixLocked forms a global address from an autonomous
// Prefix Information option received on nicID, or refreshes the lifetimes
// of the address already formed from it.
func (p *Protocol) HandleAutonomousPrefixLocked(nicID tcpip.NICID, prefix tcpip.AddressWithPrefix, valid, preferred time.Duration) {
	ns, ok := p.nics[nicID]
	if !ok {
		return
	}
	a := ns.auto
	if a == nil || !a.enabled || a.local == "" {
		return
	}
	if prefix.PrefixLen != header.IPv6SLAACPrefixLen || header.IsV6LinkLocalUnicastAddress(prefix.Address) {
		return
	}
	if preferred > valid {
		return
	}

	addr := tcpip.AddressWithPrefix{
		Address:   header.AddressWithIID(prefix.Address, a.iid),
		PrefixLen: header.IPv6SLAACPrefixLen,
	}
	if _, e := p.findAddressLocked(ns, addr.Address); e != nil {
		if e.mode == ConfigAuto {
			p.refreshLifetimesLocked(ns, e, valid, preferred)
		}
		return
	}
	if valid == 0 {
		return
	}
	if a.state != AutoConfigStartedGlobal && a.state != AutoConfigNone {
		return
	}

	starting := a.state == AutoConfigStartedGlobal && a.global == ""
	if _, err := p.configureAddressLocked(ns, addr, ConfigAuto, PrefixInfo, a.dad); err != nil {
		log.Warningf("ipv6: %s configuring %s from prefix %s: %s", nicID, addr, prefix, err)
		if starting {
			p.finishAutoConfigLocked(ns, AutoConfigGlobalFailed)
		}
		return
	}
	log.Infof("ipv6: %s auto-configured %s", nicID, addr)
	p.setLifetimesLocked(ns, addr.Address, valid, preferred)
	if !starting {
		return
	}
	a.rsJob.Cancel()
	a.global = addr.Address
	if !a.dad {
		p.onGlobalResolvedLocked(ns, addr.Address)
	}
}

func (p *Protocol) onGlobalResolvedLocked(ns *nicState, addr tcpip.Address) {
	a := ns.auto
	if a == nil || a.state != AutoConfigStartedGlobal || a.global != addr {
		return
	}
	p.finishAutoConfigLocked(ns, AutoConfigSucceeded)
}

func (p *Protocol) onGlobalFailedLocked(ns *nicState, addr tcpip.Address) {
	a := ns.auto
	if a == nil || a.state != AutoConfigStartedGlobal || a.global != addr {
		return
	}
	a.global = ""
	p.finishAutoConfigLocked(ns, AutoConfigGlobalFailed)
}

// onAutoAddressRemovedLocked fails the run in progress when addr, one of
// its addresses, was removed before it resolved.
func (p *Protocol) onAutoAddressRemovedLocked(ns *nicState, addr tcpip.Address) {
	a := ns.auto
	if a == nil || addr == "" {
		return
	}
	switch addr {
	case a.local:
		a.local = ""
		if a.state == AutoConfigStartedLocal || a.state == AutoConfigStartedGlobal {
			p.finishAutoConfigLocked(ns, AutoConfigLinkLocalFailed)
		}
	case a.global:
		a.global = ""
		if a.state == AutoConfigStartedGlobal {
			p.finishAutoConfigLocked(ns, AutoConfigGlobalFailed)
		}
	}
}

// finishAutoConfigLocked ends the current run and reports result.
func (p *Protocol) finishAutoConfigLocked(ns *nicState, result AutoConfigResult) {
	a := ns.auto
	a.rsJob.Cancel()
	a.state = AutoConfigNone
	if result == AutoConfigSucceeded {
		p.stats.AddrCfg.AutoConfigSucceeded.Increment()
	} else {
		p.stats.AddrCfg.AutoConfigFailed.Increment()
	}
	log.Infof("ipv6: %s auto-configuration %s", ns.id(), result)
	if a.dispatcher != nil {
		a.dispatcher.OnAutoConfigResult(ns.id(), result)
	}
}
