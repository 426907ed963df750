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

package ipv6

import (
	"cmp"
	"slices"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

const (
	// UnsolicitedReportInterval is the maximum delay between the two
	// unsolicited reports sent when joining a group.
	//
	// Obtained from RFC 2710 Section 7.10.
	UnsolicitedReportInterval = 10 * time.Second

	// mldRetransmitDelay is the delay before a delayed report that failed
	// with a transient error is sent again.
	mldRetransmitDelay = 2 * time.Second
)

// hostState is the state of a host for a multicast group, as per RFC 2710
// section 5. The Non-Listener state needs no storage.
type hostState int

const (
	// idleListener is the "Idle Listener" state, when the host belongs to
	// the group and has no report delay timer running.
	idleListener hostState = iota

	// delayingListener is the "Delaying Listener" state, when the host
	// belongs to the group and has a report delay timer running.
	delayingListener
)

type groupKey struct {
	nicID tcpip.NICID
	addr  tcpip.Address
}

// hostGroup is a multicast group joined on a NIC.
type hostGroup struct {
	key   groupKey
	state hostState
	refs  int

	// job sends the delayed report. Must not be nil.
	job *tcpip.Job

	// retry is set while a report that failed with a transient error is
	// being retransmitted.
	retry backoff.BackOff
}

// noReport returns whether membership of addr is never reported, as per
// RFC 2710 section 5.
func noReport(addr tcpip.Address) bool {
	if addr == header.IPv6AllNodesMulticastAddress {
		return true
	}
	scope := header.V6MulticastScope(addr)
	return scope == header.ReservedScope || scope == header.InterfaceLocalScope
}

// JoinGroup joins the multicast group addr on nicID. Joins are reference
// counted.
func (p *Protocol) JoinGroup(nicID tcpip.NICID, addr tcpip.Address) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()
	return p.JoinGroupLocked(nicID, addr)
}

// JoinGroupLocked is JoinGroup with the stack lock held.
func (p *Protocol) JoinGroupLocked(nicID tcpip.NICID, addr tcpip.Address) tcpip.Error {
	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	return p.joinGroupLocked(ns, addr)
}

// LeaveGroup drops one reference on the multicast group addr of nicID.
func (p *Protocol) LeaveGroup(nicID tcpip.NICID, addr tcpip.Address) tcpip.Error {
	p.stack.Lock()
	defer p.stack.Unlock()
	return p.LeaveGroupLocked(nicID, addr)
}

// LeaveGroupLocked is LeaveGroup with the stack lock held.
func (p *Protocol) LeaveGroupLocked(nicID tcpip.NICID, addr tcpip.Address) tcpip.Error {
	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	return p.leaveGroupLocked(ns, addr)
}

// IsInGroup returns whether nicID is a member of addr.
func (p *Protocol) IsInGroup(nicID tcpip.NICID, addr tcpip.Address) bool {
	p.stack.Lock()
	defer p.stack.Unlock()
	return p.IsInGroupLocked(nicID, addr)
}

// IsInGroupLocked is IsInGroup with the stack lock held.
func (p *Protocol) IsInGroupLocked(nicID tcpip.NICID, addr tcpip.Address) bool {
	_, ok := p.groups[groupKey{nicID: nicID, addr: addr}]
	return ok
}

func (p *Protocol) joinGroupLocked(ns *nicState, addr tcpip.Address) tcpip.Error {
	if !header.IsV6MulticastAddress(addr) {
		return &tcpip.ErrBadAddress{}
	}
	key := groupKey{nicID: ns.id(), addr: addr}
	if g, ok := p.groups[key]; ok {
		g.refs++
		return nil
	}
	if len(p.groups) >= MaxHostGroups {
		return &tcpip.ErrNoBufferSpace{}
	}
	if err := ns.nic.JoinMulticast(addr); err != nil {
		return err
	}

	g := &hostGroup{
		key:  key,
		refs: 1,
		job:  p.stack.NewJob(func() { p.sendDelayedReportLocked(key) }),
	}
	p.groups[key] = g
	log.Debugf("ipv6: %s joined %s", key.nicID, addr)
	p.announceGroupLocked(ns, g)
	return nil
}

// announceGroupLocked sends the unsolicited report for g and arms the
// repeat, as per RFC 2710 section 4.
func (p *Protocol) announceGroupLocked(ns *nicState, g *hostGroup) {
	if noReport(g.key.addr) || !ns.nic.LinkUp() {
		return
	}
	if err := p.sendMLDLocked(ns, header.ICMPv6MulticastListenerReport, g.key.addr); err != nil {
		log.Debugf("ipv6: %s unsolicited report for %s: %s", ns.id(), g.key.addr, err)
	}
	p.setReportDelayLocked(g, p.randomDelay(UnsolicitedReportInterval))
}

func (p *Protocol) leaveGroupLocked(ns *nicState, addr tcpip.Address) tcpip.Error {
	key := groupKey{nicID: ns.id(), addr: addr}
	g, ok := p.groups[key]
	if !ok {
		return &tcpip.ErrBadLocalAddress{}
	}
	g.refs--
	if g.refs > 0 {
		return nil
	}

	g.job.Cancel()
	delete(p.groups, key)
	if !noReport(addr) && ns.nic.LinkUp() {
		if err := p.sendMLDLocked(ns, header.ICMPv6MulticastListenerDone, addr); err != nil {
			log.Debugf("ipv6: %s done for %s: %s", ns.id(), addr, err)
		}
	}
	log.Debugf("ipv6: %s left %s", key.nicID, addr)
	return ns.nic.LeaveMulticast(addr)
}

// nicGroupsLocked returns the groups joined on nicID ordered by address.
func (p *Protocol) nicGroupsLocked(nicID tcpip.NICID) []*hostGroup {
	var groups []*hostGroup
	for k, g := range p.groups {
		if k.nicID == nicID {
			groups = append(groups, g)
		}
	}
	slices.SortFunc(groups, func(a, b *hostGroup) int {
		return cmp.Compare(a.key.addr, b.key.addr)
	})
	return groups
}

// readvertiseGroupsLocked announces every membership of ns again after the
// link came up.
func (p *Protocol) readvertiseGroupsLocked(ns *nicState) {
	for _, g := range p.nicGroupsLocked(ns.id()) {
		p.announceGroupLocked(ns, g)
	}
}

// randomDelay returns a uniformly distributed delay in [0, max].
func (p *Protocol) randomDelay(limit time.Duration) time.Duration {
	return time.Duration(p.stack.Rand().Int63n(int64(limit) + 1))
}

func (p *Protocol) setReportDelayLocked(g *hostGroup, d time.Duration) {
	g.job.Cancel()
	g.retry = nil
	g.state = delayingListener
	g.job.Schedule(d)
}

// sendDelayedReportLocked runs when the report delay timer of a group fires.
func (p *Protocol) sendDelayedReportLocked(key groupKey) {
	g, ok := p.groups[key]
	if !ok {
		return
	}
	ns, ok := p.nics[key.nicID]
	if !ok {
		return
	}

	err := p.sendMLDLocked(ns, header.ICMPv6MulticastListenerReport, key.addr)
	if err == nil {
		g.state = idleListener
		g.retry = nil
		return
	}

	switch err.(type) {
	case *tcpip.ErrNoBufferSpace, *tcpip.ErrWouldBlock:
		if g.retry == nil {
			g.retry = backoff.WithMaxRetries(backoff.NewConstantBackOff(mldRetransmitDelay), 1)
		}
		if d := g.retry.NextBackOff(); d != backoff.Stop {
			p.stats.MLD.Retransmits.Increment()
			g.job.Schedule(d)
			return
		}
	}
	log.Debugf("ipv6: %s delayed report for %s: %s", key.nicID, key.addr, err)
	g.state = idleListener
	g.retry = nil
}

// handleMLDLocked processes an MLD message received on ns. routerAlert
// reports whether the packet carried a hop-by-hop Router Alert option for
// MLD.
func (p *Protocol) handleMLDLocked(ns *nicState, ip header.IPv6, icmp header.ICMPv6, routerAlert bool) {
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	switch {
	case ip.HopLimit() != header.MLDHopLimit,
		!routerAlert,
		!header.IsV6LinkLocalUnicastAddress(src),
		!header.IsV6MulticastAddress(dst),
		len(icmp) < header.ICMPv6MLDMinimumSize:
		p.stats.MLD.Invalid.Increment()
		p.dropLog.Debugf("ipv6: %s invalid MLD message from %s to %s", ns.id(), src, dst)
		return
	}

	mld := header.MLD(icmp.MessageBody())
	switch icmp.Type() {
	case header.ICMPv6MulticastListenerQuery:
		p.handleMLDQueryLocked(ns, mld.MulticastAddress(), mld.MaximumResponseDelay())
	case header.ICMPv6MulticastListenerReport:
		p.handleMLDReportLocked(ns, mld.MulticastAddress())
	case header.ICMPv6MulticastListenerDone:
		// Done messages are for routers.
	}
}

// handleMLDQueryLocked responds to a general query (group is ::) or a
// group-specific query, as per RFC 2710 section 4.
func (p *Protocol) handleMLDQueryLocked(ns *nicState, group tcpip.Address, maxResp time.Duration) {
	var groups []*hostGroup
	if group == header.IPv6Any {
		groups = p.nicGroupsLocked(ns.id())
	} else if g, ok := p.groups[groupKey{nicID: ns.id(), addr: group}]; ok {
		groups = []*hostGroup{g}
	}

	limit := min(maxResp, UnsolicitedReportInterval)
	for _, g := range groups {
		if noReport(g.key.addr) {
			continue
		}
		if maxResp == 0 {
			g.job.Cancel()
			g.retry = nil
			g.state = idleListener
			if err := p.sendMLDLocked(ns, header.ICMPv6MulticastListenerReport, g.key.addr); err != nil {
				log.Debugf("ipv6: %s query report for %s: %s", ns.id(), g.key.addr, err)
			}
			continue
		}
		d := p.randomDelay(limit)
		if g.state == delayingListener && g.job.Remaining() <= d {
			continue
		}
		p.setReportDelayLocked(g, d)
	}
}

// handleMLDReportLocked suppresses our own pending report when another
// listener reported the group first.
func (p *Protocol) handleMLDReportLocked(ns *nicState, group tcpip.Address) {
	g, ok := p.groups[groupKey{nicID: ns.id(), addr: group}]
	if !ok {
		return
	}
	if g.state == delayingListener {
		p.stats.MLD.ReportsSuppressed.Increment()
	}
	g.job.Cancel()
	g.retry = nil
	g.state = idleListener
}

// sendMLDLocked sends a Report or Done for group out of ns. Reports go to
// the group and Done messages to all routers.
func (p *Protocol) sendMLDLocked(ns *nicState, typ header.ICMPv6Type, group tcpip.Address) tcpip.Error {
	dst := group
	if typ == header.ICMPv6MulticastListenerDone {
		dst = header.IPv6AllRoutersMulticastAddress
	}
	src := p.preferredLinkLocalLocked(ns)

	icmp := header.ICMPv6(buffer.NewView(header.ICMPv6MLDMinimumSize))
	icmp.SetType(typ)
	mld := header.MLD(icmp.MessageBody())
	mld.SetMaximumResponseDelay(0)
	mld.SetMulticastAddress(group)
	icmp.SetChecksum(header.ICMPv6Checksum(icmp, src, dst, buffer.VectorisedView{}))

	var exts ExtHdrList
	if err := exts.Add(ExtHdr{
		Type:    HopByHopExtHdr,
		Options: []header.IPv6ExtHdrSerializableOption{&header.IPv6RouterAlertOption{Value: header.IPv6RouterAlertMLD}},
	}); err != nil {
		panic("adding router alert: " + err.String())
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: int(ns.nic.MaxHeaderLength()) + header.IPv6MinimumSize + exts.Length(),
		Data:               buffer.View(icmp).ToVectorisedView(),
	})
	err := p.writePacketLocked(WriteParams{
		NIC:      ns.id(),
		Src:      src,
		Dst:      dst,
		Protocol: header.ICMPv6ProtocolNumber,
		ExtHdrs:  &exts,
		HopLimit: header.MLDHopLimit,
	}, pkt)
	if err != nil {
		p.stats.MLD.SendErrors.Increment()
		p.stats.ICMP.PacketsSent.Dropped.Increment()
		return err
	}
	p.countICMPSent(typ)
	return nil
}
