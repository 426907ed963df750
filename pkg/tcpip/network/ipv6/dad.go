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

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

type dadKey struct {
	nicID tcpip.NICID
	addr  tcpip.Address
}

// dadProbe is the state of one address under detection.
type dadProbe struct {
	// remaining is the number of Neighbor Solicitations left to send.
	remaining int

	job        *tcpip.Job
	dispatcher DADDispatcher
}

// defaultDAD performs duplicate address detection as per RFC 4862 section
// 5.4 by sending Neighbor Solicitations for the tentative address and
// watching for a reply.
type defaultDAD struct {
	p         *Protocol
	transmits int
	retrans   time.Duration

	// probes is protected by the stack lock.
	probes map[dadKey]*dadProbe
}

var _ DuplicateAddressDetector = (*defaultDAD)(nil)
var _ NeighborSolicitHandler = (*defaultDAD)(nil)
var _ NeighborAdvertHandler = (*defaultDAD)(nil)
var _ nicCleaner = (*defaultDAD)(nil)

func newDefaultDAD(p *Protocol, transmits int, retrans time.Duration) *defaultDAD {
	return &defaultDAD{
		p:         p,
		transmits: transmits,
		retrans:   retrans,
		probes:    make(map[dadKey]*dadProbe),
	}
}

// Start implements DuplicateAddressDetector.
//
// The first solicitation is sent from a job scheduled immediately so that
// the outcome is never reported from within Start.
func (d *defaultDAD) Start(nicID tcpip.NICID, addr tcpip.Address, dispatcher DADDispatcher) tcpip.Error {
	if err := header.ValidateIPv6AddressType(addr, header.AllowUnicast); err != nil {
		return err
	}
	key := dadKey{nicID: nicID, addr: addr}
	if _, ok := d.probes[key]; ok {
		return &tcpip.ErrDuplicateAddress{}
	}

	probe := &dadProbe{
		remaining:  d.transmits,
		dispatcher: dispatcher,
	}
	probe.job = d.p.stack.NewJob(func() {
		d.iterateLocked(key, probe)
	})
	d.probes[key] = probe
	probe.job.Schedule(0)
	return nil
}

// iterateLocked sends the next solicitation for key, or resolves the probe
// once every solicitation went unanswered for a full retransmit interval.
func (d *defaultDAD) iterateLocked(key dadKey, probe *dadProbe) {
	if d.probes[key] != probe {
		// Stopped or restarted while the job was waiting for the lock.
		return
	}
	if probe.remaining == 0 {
		delete(d.probes, key)
		probe.dispatcher.HandleDADCompletionLocked(key.nicID, key.addr, DADSucceeded)
		return
	}

	// A failed send counts as a sent probe, as the solicitation may just as
	// well have been lost on the link.
	if err := d.sendSolicitLocked(key.nicID, key.addr); err != nil {
		log.Debugf("ipv6: %s sending DAD probe for %s: %s", key.nicID, key.addr, err)
	}
	probe.remaining--
	probe.job.Schedule(d.retrans)
}

// sendSolicitLocked sends a Neighbor Solicitation for addr from the
// unspecified address to addr's solicited-node group, as per RFC 4862
// section 5.4.2.
func (d *defaultDAD) sendSolicitLocked(nicID tcpip.NICID, addr tcpip.Address) tcpip.Error {
	msg := header.ICMPv6(make([]byte, header.ICMPv6NeighborSolicitMinimumSize))
	msg.SetType(header.ICMPv6NeighborSolicit)
	header.NDPNeighborSolicit(msg.MessageBody()).SetTargetAddress(addr)
	return d.p.sendNDPLocked(nicID, header.IPv6Any, header.SolicitedNodeAddr(addr), msg)
}

// Stop implements DuplicateAddressDetector.
func (d *defaultDAD) Stop(nicID tcpip.NICID, addr tcpip.Address) {
	key := dadKey{nicID: nicID, addr: addr}
	probe, ok := d.probes[key]
	if !ok {
		return
	}
	probe.job.Cancel()
	delete(d.probes, key)
}

// HandleNeighborSolicitLocked implements NeighborSolicitHandler. A
// solicitation from the unspecified address for a tentative target means
// another node is probing the same address, as per RFC 4862 section 5.4.3.
func (d *defaultDAD) HandleNeighborSolicitLocked(nicID tcpip.NICID, src, _ tcpip.Address, ns header.NDPNeighborSolicit) {
	if src != header.IPv6Any {
		return
	}
	d.duplicateLocked(dadKey{nicID: nicID, addr: ns.TargetAddress()})
}

// HandleNeighborAdvertLocked implements NeighborAdvertHandler. Any
// advertisement for a tentative target means the address is in use, as per
// RFC 4862 section 5.4.4.
func (d *defaultDAD) HandleNeighborAdvertLocked(nicID tcpip.NICID, _, _ tcpip.Address, na header.NDPNeighborAdvert) {
	d.duplicateLocked(dadKey{nicID: nicID, addr: na.TargetAddress()})
}

func (d *defaultDAD) duplicateLocked(key dadKey) {
	probe, ok := d.probes[key]
	if !ok {
		return
	}
	probe.job.Cancel()
	delete(d.probes, key)
	probe.dispatcher.HandleDADCompletionLocked(key.nicID, key.addr, DADDuplicate)
}

func (d *defaultDAD) detachNICLocked(nicID tcpip.NICID) {
	for key, probe := range d.probes {
		if key.nicID == nicID {
			probe.job.Cancel()
			delete(d.probes, key)
		}
	}
}
