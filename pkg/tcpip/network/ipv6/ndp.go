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
	"slices"
	"time"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// ndpNIC is the neighbor discovery state of one NIC. Every entry holds the
// job that invalidates it.
type ndpNIC struct {
	prefixes map[tcpip.Subnet]*tcpip.Job
	routers  map[tcpip.Address]*tcpip.Job
}

// defaultNDP is a minimal host-side neighbor discovery: it tracks on-link
// prefixes and default routers learned from Router Advertisements, answers
// Neighbor Solicitations for local addresses and sends Router
// Solicitations. Link-layer address resolution is left to the link.
type defaultNDP struct {
	p *Protocol

	// nics is protected by the stack lock.
	nics map[tcpip.NICID]*ndpNIC
}

var _ NeighborDiscovery = (*defaultNDP)(nil)
var _ RouterAdvertHandler = (*defaultNDP)(nil)
var _ NeighborSolicitHandler = (*defaultNDP)(nil)
var _ nicCleaner = (*defaultNDP)(nil)

func newDefaultNDP(p *Protocol) *defaultNDP {
	return &defaultNDP{
		p:    p,
		nics: make(map[tcpip.NICID]*ndpNIC),
	}
}

func (n *defaultNDP) nicLocked(nicID tcpip.NICID) *ndpNIC {
	s, ok := n.nics[nicID]
	if !ok {
		s = &ndpNIC{
			prefixes: make(map[tcpip.Subnet]*tcpip.Job),
			routers:  make(map[tcpip.Address]*tcpip.Job),
		}
		n.nics[nicID] = s
	}
	return s
}

// onLinkLocked returns whether dst is reachable without a router on nicID.
func (n *defaultNDP) onLinkLocked(nicID tcpip.NICID, dst tcpip.Address) bool {
	if header.IsV6LinkLocalUnicastAddress(dst) || n.pointToPointLocked(nicID) {
		return true
	}
	s, ok := n.nics[nicID]
	if !ok {
		return false
	}
	for subnet := range s.prefixes {
		if subnet.Contains(dst) {
			return true
		}
	}
	return false
}

// pointToPointLocked returns whether nicID has no link-layer addressing, in
// which case every destination is on-link.
func (n *defaultNDP) pointToPointLocked(nicID tcpip.NICID) bool {
	ns, ok := n.p.nics[nicID]
	return ok && ns.nic.LinkAddress() == ""
}

// routerLocked returns the lowest default router of nicID.
func (n *defaultNDP) routerLocked(nicID tcpip.NICID) (tcpip.Address, bool) {
	s, ok := n.nics[nicID]
	if !ok || len(s.routers) == 0 {
		return "", false
	}
	routers := make([]tcpip.Address, 0, len(s.routers))
	for r := range s.routers {
		routers = append(routers, r)
	}
	slices.Sort(routers)
	return routers[0], true
}

// NextHop implements NeighborDiscovery.
func (n *defaultNDP) NextHop(dst, src tcpip.Address) (tcpip.NICID, tcpip.Address, tcpip.Error) {
	if src != "" && src != header.IPv6Any {
		if nicID := n.p.nicOfLocalAddressLocked(src); nicID != 0 {
			hop, err := n.NextHopOnNIC(nicID, dst)
			return nicID, hop, err
		}
	}

	ids := n.p.nicIDsLocked()
	for _, id := range ids {
		if !header.IsV6LinkLocalUnicastAddress(dst) && n.onLinkLocked(id, dst) {
			return id, dst, nil
		}
	}
	for _, id := range ids {
		if r, ok := n.routerLocked(id); ok {
			return id, r, nil
		}
	}
	// Link-local destinations are ambiguous unless there is a single link.
	if len(ids) == 1 && (header.IsV6LinkLocalUnicastAddress(dst) || n.pointToPointLocked(ids[0])) {
		return ids[0], dst, nil
	}
	return 0, "", &tcpip.ErrNoRoute{}
}

// NextHopOnNIC implements NeighborDiscovery.
func (n *defaultNDP) NextHopOnNIC(nicID tcpip.NICID, dst tcpip.Address) (tcpip.Address, tcpip.Error) {
	if _, ok := n.p.nics[nicID]; !ok {
		return "", &tcpip.ErrUnknownNICID{}
	}
	if n.onLinkLocked(nicID, dst) {
		return dst, nil
	}
	if r, ok := n.routerLocked(nicID); ok {
		return r, nil
	}
	return "", &tcpip.ErrNoRoute{}
}

// SendRouterSolicitation implements NeighborDiscovery. The source link-layer
// address option is omitted when src is unspecified, as per RFC 4861 section
// 4.1.
func (n *defaultNDP) SendRouterSolicitation(nicID tcpip.NICID, src tcpip.Address) tcpip.Error {
	ns, ok := n.p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	var opts header.NDPOptionsSerializer
	if linkAddr := ns.nic.LinkAddress(); src != header.IPv6Any && linkAddr != "" {
		opts = append(opts, header.NDPSourceLinkLayerAddressOption(linkAddr))
	}
	msg := header.ICMPv6(make([]byte, header.ICMPv6RouterSolicitMinimumSize+opts.Length()))
	msg.SetType(header.ICMPv6RouterSolicit)
	header.NDPRouterSolicit(msg.MessageBody()).Options().Serialize(opts)
	return n.p.sendNDPLocked(nicID, src, header.IPv6AllRoutersMulticastAddress, msg)
}

// AddOnLinkPrefix implements NeighborDiscovery.
func (n *defaultNDP) AddOnLinkPrefix(nicID tcpip.NICID, subnet tcpip.Subnet, valid time.Duration) {
	s := n.nicLocked(nicID)
	job, ok := s.prefixes[subnet]
	if valid == 0 {
		if ok {
			job.Cancel()
			delete(s.prefixes, subnet)
		}
		return
	}
	if !ok {
		job = n.p.stack.NewJob(func() {
			delete(s.prefixes, subnet)
		})
		s.prefixes[subnet] = job
	}
	job.Cancel()
	if valid < header.NDPInfiniteLifetime {
		job.Schedule(valid)
	}
}

func (n *defaultNDP) setRouterLocked(nicID tcpip.NICID, router tcpip.Address, lifetime time.Duration) {
	s := n.nicLocked(nicID)
	job, ok := s.routers[router]
	if lifetime == 0 {
		if ok {
			job.Cancel()
			delete(s.routers, router)
		}
		return
	}
	if !ok {
		job = n.p.stack.NewJob(func() {
			delete(s.routers, router)
		})
		s.routers[router] = job
	}
	job.Cancel()
	job.Schedule(lifetime)
}

// HandleRouterAdvertLocked implements RouterAdvertHandler. It processes the
// router lifetime and the Prefix Information options as per RFC 4861
// section 6.3.4 and RFC 4862 section 5.5.3.
func (n *defaultNDP) HandleRouterAdvertLocked(nicID tcpip.NICID, src tcpip.Address, ra header.NDPRouterAdvert) {
	var prefixes []header.NDPPrefixInformation
	it := ra.Options().Iter()
	for {
		opt, done, err := it.Next()
		if err != nil {
			n.p.stats.ICMP.PacketsReceived.Invalid.Increment()
			return
		}
		if done {
			break
		}
		if pi, ok := opt.(header.NDPPrefixInformation); ok {
			prefixes = append(prefixes, pi)
		}
	}

	n.setRouterLocked(nicID, src, ra.RouterLifetime())

	for _, pi := range prefixes {
		if header.IsV6LinkLocalUnicastAddress(pi.Prefix()) {
			continue
		}
		if pi.OnLinkFlag() {
			n.AddOnLinkPrefix(nicID, pi.Subnet(), pi.ValidLifetime())
		}
		if pi.AutonomousAddressConfigurationFlag() {
			prefix := tcpip.AddressWithPrefix{
				Address:   pi.Prefix(),
				PrefixLen: int(pi.PrefixLength()),
			}
			n.p.HandleAutonomousPrefixLocked(nicID, prefix, pi.ValidLifetime(), pi.PreferredLifetime())
		}
	}
}

// HandleNeighborSolicitLocked implements NeighborSolicitHandler. It answers
// solicitations for assigned addresses as per RFC 4861 section 7.2.4.
// Tentative addresses are never answered.
func (n *defaultNDP) HandleNeighborSolicitLocked(nicID tcpip.NICID, src, _ tcpip.Address, ns header.NDPNeighborSolicit) {
	target := ns.TargetAddress()
	if !n.p.isLocalAddressLocked(nicID, target) {
		return
	}
	nic, ok := n.p.nics[nicID]
	if !ok {
		return
	}

	var opts header.NDPOptionsSerializer
	if linkAddr := nic.nic.LinkAddress(); linkAddr != "" {
		opts = append(opts, header.NDPTargetLinkLayerAddressOption(linkAddr))
	}
	msg := header.ICMPv6(make([]byte, header.ICMPv6NeighborAdvertMinimumSize+opts.Length()))
	msg.SetType(header.ICMPv6NeighborAdvert)
	na := header.NDPNeighborAdvert(msg.MessageBody())
	na.SetTargetAddress(target)
	na.SetOverrideFlag(true)
	na.Options().Serialize(opts)

	dst := src
	if src == header.IPv6Any {
		dst = header.IPv6AllNodesMulticastAddress
	} else {
		na.SetSolicitedFlag(true)
	}
	if err := n.p.sendNDPLocked(nicID, target, dst, msg); err != nil {
		log.Debugf("ipv6: %s answering solicitation for %s: %s", nicID, target, err)
	}
}

func (n *defaultNDP) detachNICLocked(nicID tcpip.NICID) {
	s, ok := n.nics[nicID]
	if !ok {
		return
	}
	for _, job := range s.prefixes {
		job.Cancel()
	}
	for _, job := range s.routers {
		job.Cancel()
	}
	delete(n.nics, nicID)
}

// sendNDPLocked checksums and sends the NDP message msg with the hop limit
// required by RFC 4861.
func (p *Protocol) sendNDPLocked(nicID tcpip.NICID, src, dst tcpip.Address, msg header.ICMPv6) tcpip.Error {
	ns, ok := p.nics[nicID]
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	msg.SetChecksum(header.ICMPv6Checksum(msg, src, dst, buffer.VectorisedView{}))

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: int(ns.nic.MaxHeaderLength()) + header.IPv6MinimumSize,
		Data:               buffer.View(msg).ToVectorisedView(),
	})
	if err := p.writePacketLocked(WriteParams{
		NIC:      nicID,
		Src:      src,
		Dst:      dst,
		Protocol: header.ICMPv6ProtocolNumber,
		HopLimit: header.NDPHopLimit,
	}, pkt); err != nil {
		p.stats.ICMP.PacketsSent.Dropped.Increment()
		return err
	}
	p.countICMPSent(msg.Type())
	return nil
}
