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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ip6stack/ip6stack/pkg/config"
	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/faketime"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/channel"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/ipv6"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

const (
	// nicID is the only NIC ip6ctl creates.
	nicID tcpip.NICID = 1

	// simulationStep is the granularity of simulated time.
	simulationStep = 100 * time.Millisecond

	// simulationQueue bounds the packets an offline node can emit per step.
	simulationQueue = 256
)

// node is a stack with a single NIC configured from a config.Config.
type node struct {
	stack *stack.Stack
	proto *ipv6.Protocol
}

func newNode(conf *config.Config, ep stack.LinkEndpoint, clock tcpip.Clock) (*node, error) {
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{ipv6.NewProtocolWithOptions(conf.ProtocolOptions())},
		Clock:            clock,
	})
	if err := s.CreateNICWithOptions(nicID, ep, stack.NICOptions{Name: conf.Interface.Name, LinkUp: true}); err != nil {
		return nil, fmt.Errorf("creating NIC %q: %w", conf.Interface.Name, tcpip.AsError(err))
	}
	proto, ok := s.NetworkProtocolInstance(ipv6.ProtocolNumber).(*ipv6.Protocol)
	if !ok {
		return nil, fmt.Errorf("ipv6 protocol not registered")
	}
	return &node{stack: s, proto: proto}, nil
}

// autoConfigLogger logs the outcome of every auto-configuration run.
type autoConfigLogger struct{}

// OnAutoConfigResult implements ipv6.AutoConfigDispatcher.
func (autoConfigLogger) OnAutoConfigResult(nicID tcpip.NICID, result ipv6.AutoConfigResult) {
	if result == ipv6.AutoConfigSucceeded {
		log.Infof("ip6ctl: %s auto-configuration: %s", nicID, result)
		return
	}
	log.Warningf("ip6ctl: %s auto-configuration: %s", nicID, result)
}

// configure installs the static addresses and groups of conf and starts
// auto-configuration. Blocking adds are honored only when block is set.
func (n *node) configure(ctx context.Context, conf *config.Config, block bool) error {
	for _, a := range conf.Addresses {
		addr, err := config.ParseAddress(a.Prefix)
		if err != nil {
			return err
		}
		flags := ipv6.AddressFlags{Blocking: block && a.Blocking, DAD: a.DAD}
		if err := n.proto.AddAddress(ctx, nicID, addr, flags); err != nil {
			return fmt.Errorf("adding %s: %w", addr, tcpip.AsError(err))
		}
		log.Debugf("ip6ctl: added %s (dad=%t blocking=%t)", addr, flags.DAD, flags.Blocking)
	}
	for _, g := range conf.MLD.Groups {
		group, err := config.ParseGroup(g)
		if err != nil {
			return err
		}
		if err := n.proto.JoinGroup(nicID, group); err != nil {
			return fmt.Errorf("joining %s: %w", group, tcpip.AsError(err))
		}
	}
	if !conf.AutoConf.Enabled {
		return nil
	}
	opts := ipv6.AutoConfigOptions{
		DAD:        conf.AutoConf.DAD,
		Dispatcher: autoConfigLogger{},
	}
	if block && conf.AutoConf.Blocking {
		addr, err := n.proto.EnableAutoConfigBlocking(ctx, nicID, opts)
		if err != nil {
			return fmt.Errorf("enabling auto-configuration: %w", tcpip.AsError(err))
		}
		log.Infof("ip6ctl: %s link-local address %s", nicID, addr)
		return nil
	}
	if err := n.proto.EnableAutoConfig(nicID, opts); err != nil {
		return fmt.Errorf("enabling auto-configuration: %w", tcpip.AsError(err))
	}
	return nil
}

// simulation is an offline node: its link is a channel endpoint whose
// output is discarded and its clock only moves when told to.
type simulation struct {
	*node
	ep    *channel.Endpoint
	clock *faketime.ManualClock
}

// newSimulation builds and configures an offline node for conf. The link
// address is derived from the interface name so runs are reproducible.
func newSimulation(ctx context.Context, conf *config.Config) (*simulation, error) {
	ep := channel.New(simulationQueue, conf.Interface.MTU, simulatedLinkAddress(conf.Interface.Name))
	clock := faketime.NewManualClock()
	n, err := newNode(conf, ep, clock)
	if err != nil {
		return nil, err
	}
	sim := &simulation{node: n, ep: ep, clock: clock}
	if err := n.configure(ctx, conf, false); err != nil {
		return nil, err
	}
	sim.ep.Drain()
	return sim, nil
}

// advance moves simulated time forward by d, discarding emitted packets.
func (s *simulation) advance(d time.Duration) {
	for d > 0 {
		step := min(d, simulationStep)
		s.clock.Advance(step)
		s.ep.Drain()
		d -= step
	}
}

// simulatedLinkAddress returns a locally administered unicast MAC derived
// from name.
func simulatedLinkAddress(name string) tcpip.LinkAddress {
	mac := [6]byte{0x02}
	for i := 0; i < len(name); i++ {
		mac[1+i%5] ^= name[i]
	}
	return tcpip.LinkAddress(mac[:])
}
