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

package ipv6_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/checker"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/ipv6"
)

// autoGlobalAddr is the address auto-configuration forms from globalPrefix
// and linkAddr.
var autoGlobalAddr = header.AddressWithIID(globalPrefix.Address, header.EthernetAddressToModifiedEUI64(linkAddr))

type autoConfigResults struct {
	results []ipv6.AutoConfigResult
}

var _ ipv6.AutoConfigDispatcher = (*autoConfigResults)(nil)

func (r *autoConfigResults) OnAutoConfigResult(_ tcpip.NICID, result ipv6.AutoConfigResult) {
	r.results = append(r.results, result)
}

func (r *autoConfigResults) check(t *testing.T, want ...ipv6.AutoConfigResult) {
	t.Helper()

	if diff := cmp.Diff(want, r.results); diff != "" {
		t.Errorf("auto-configuration results mismatch (-want +got):\n%s", diff)
	}
}

func (c *testContext) enableAutoConfig(t *testing.T, dad bool) *autoConfigResults {
	t.Helper()

	results := &autoConfigResults{}
	if err := c.proto.EnableAutoConfig(nicID, ipv6.AutoConfigOptions{DAD: dad, Dispatcher: results}); err != nil {
		t.Fatalf("EnableAutoConfig(%d, _): %s", nicID, err)
	}
	return results
}

func (c *testContext) checkAutoConfigState(t *testing.T, want ipv6.AutoConfigState) {
	t.Helper()

	got, err := c.proto.AutoConfigState(nicID)
	if err != nil {
		t.Fatalf("AutoConfigState(%d): %s", nicID, err)
	}
	if got != want {
		t.Errorf("got AutoConfigState(%d) = %s, want = %s", nicID, got, want)
	}
}

func (c *testContext) checkAddressState(t *testing.T, addr tcpip.Address, want ipv6.AddressState) {
	t.Helper()

	got, ok := c.addressState(t, addr)
	if !ok {
		t.Fatalf("%s is not configured", addr)
	}
	if got != want {
		t.Errorf("got state of %s = %s, want = %s", addr, got, want)
	}
}

// autoLinkLocal returns the auto-configured link-local address.
func (c *testContext) autoLinkLocal(t *testing.T) tcpip.Address {
	t.Helper()

	for _, info := range c.details(t) {
		if info.Mode == ipv6.ConfigAuto && header.IsV6LinkLocalUnicastAddress(info.Address.Address) {
			return info.Address.Address
		}
	}
	t.Fatal("no auto-configured link-local address")
	return ""
}

func globalPrefixInfo(valid, preferred time.Duration) header.NDPPrefixInformationFields {
	return header.NDPPrefixInformationFields{
		Prefix:            globalPrefix,
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     valid,
		PreferredLifetime: preferred,
	}
}

func TestAutoConfigWithoutDAD(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, false /* dad */)

	c.checkAddressState(t, lladdr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
	checker.IPv6(t, c.readICMP(t, header.ICMPv6RouterSolicit),
		checker.SrcAddr(lladdr),
		checker.DstAddr(header.IPv6AllRoutersMulticastAddress),
		checker.NDPRS(checker.NDPRSOptions([]header.NDPOption{
			header.NDPSourceLinkLayerAddressOption(linkAddr),
		})),
	)

	c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, 30*time.Minute)))

	c.checkAddressState(t, autoGlobalAddr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	results.check(t, ipv6.AutoConfigSucceeded)
	stats := c.proto.Stats().AddrCfg
	checkCounter(t, "AddrCfg.AutoConfigSucceeded", stats.AutoConfigSucceeded, 1)
	checkCounter(t, "AddrCfg.RouterSolicitationsSent", stats.RouterSolicitationsSent, 1)

	var global ipv6.AddressInfo
	found := false
	for _, info := range c.details(t) {
		if info.Address.Address == autoGlobalAddr {
			global, found = info, true
		}
	}
	if !found {
		t.Fatalf("%s missing from AddressDetails(%d)", autoGlobalAddr, nicID)
	}
	want := ipv6.AddressInfo{
		NIC:               nicID,
		Address:           tcpip.AddressWithPrefix{Address: autoGlobalAddr, PrefixLen: 64},
		State:             ipv6.AddressPreferred,
		Mode:              ipv6.ConfigAuto,
		Type:              ipv6.PrefixInfo,
		PreferredLifetime: 30 * time.Minute,
		ValidLifetime:     time.Hour,
	}
	if diff := cmp.Diff(want, global); diff != "" {
		t.Errorf("global address mismatch (-want +got):\n%s", diff)
	}

	// The global address wins over the link-local one for global peers.
	src, err := c.proto.SelectSource(0, remoteAddr)
	if err != nil {
		t.Fatalf("SelectSource(0, %s): %s", remoteAddr, err)
	}
	if src != autoGlobalAddr {
		t.Errorf("got SelectSource(0, %s) = %s, want = %s", remoteAddr, src, autoGlobalAddr)
	}
}

func TestAutoConfigWithDAD(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, true /* dad */)

	c.checkAddressState(t, lladdr, ipv6.AddressTentative)
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedLocal)

	c.clock.Advance(ipv6.DefaultRetransmitTimer)
	c.checkAddressState(t, lladdr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
	checkCounter(t, "AddrCfg.RouterSolicitationsSent", c.proto.Stats().AddrCfg.RouterSolicitationsSent, 1)

	c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, time.Hour)))
	c.checkAddressState(t, autoGlobalAddr, ipv6.AddressTentative)
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
	results.check(t)

	c.clock.Advance(ipv6.DefaultRetransmitTimer)
	c.checkAddressState(t, autoGlobalAddr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	results.check(t, ipv6.AutoConfigSucceeded)
}

func TestAutoConfigNoRouter(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, false /* dad */)

	c.clock.Advance(ipv6.MaxRtrSolicitations*ipv6.RtrSolicitationInterval - 1)
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
	results.check(t)

	c.clock.Advance(1)
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	results.check(t, ipv6.AutoConfigNoRouter)
	stats := c.proto.Stats().AddrCfg
	checkCounter(t, "AddrCfg.RouterSolicitationsSent", stats.RouterSolicitationsSent, ipv6.MaxRtrSolicitations)
	checkCounter(t, "AddrCfg.AutoConfigFailed", stats.AutoConfigFailed, 1)

	// The link-local address survives the failed run.
	c.checkAddressState(t, lladdr, ipv6.AddressPreferred)
}

func TestAutoConfigLinkLocalDuplicate(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, true /* dad */)

	var tried []tcpip.Address
	for i := 0; i <= ipv6.MaxLinkLocalRetries; i++ {
		c.checkAutoConfigState(t, ipv6.AutoConfigStartedLocal)
		addr := c.autoLinkLocal(t)
		tried = append(tried, addr)
		c.clock.Advance(0)
		c.inject(neighborAdvert(remoteLLAddr, header.IPv6AllNodesMulticastAddress, addr))
	}

	if tried[0] != lladdr {
		t.Errorf("got first link-local address = %s, want = %s", tried[0], lladdr)
	}
	if got := c.details(t); len(got) != 0 {
		t.Errorf("got AddressDetails(%d) = %v, want = []", nicID, got)
	}
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	results.check(t, ipv6.AutoConfigLinkLocalFailed)
	checkCounter(t, "AddrCfg.DADFailures", c.proto.Stats().AddrCfg.DADFailures, ipv6.MaxLinkLocalRetries+1)
}

func TestAutoConfigGlobalDuplicate(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, true /* dad */)
	c.clock.Advance(ipv6.DefaultRetransmitTimer)

	c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, time.Hour)))
	c.clock.Advance(0)
	c.inject(neighborAdvert(remoteLLAddr, header.IPv6AllNodesMulticastAddress, autoGlobalAddr))

	if _, ok := c.addressState(t, autoGlobalAddr); ok {
		t.Errorf("duplicate %s is still configured", autoGlobalAddr)
	}
	c.checkAddressState(t, lladdr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	results.check(t, ipv6.AutoConfigGlobalFailed)
}

func TestAutoConfigLinkState(t *testing.T) {
	c := newTestContext(t, contextOptions{linkDown: true})
	results := c.enableAutoConfig(t, false /* dad */)

	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	if got := c.details(t); len(got) != 0 {
		t.Errorf("got AddressDetails(%d) = %v with the link down, want = []", nicID, got)
	}
	c.expectNoPacket(t)

	if err := c.s.SetLinkState(nicID, true); err != nil {
		t.Fatalf("SetLinkState(%d, true): %s", nicID, err)
	}
	c.checkAddressState(t, lladdr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)

	// Losing the link abandons the run without reporting a result.
	if err := c.s.SetLinkState(nicID, false); err != nil {
		t.Fatalf("SetLinkState(%d, false): %s", nicID, err)
	}
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	c.clock.Advance(ipv6.MaxRtrSolicitations * ipv6.RtrSolicitationInterval)
	results.check(t)
	checkCounter(t, "AddrCfg.RouterSolicitationsSent", c.proto.Stats().AddrCfg.RouterSolicitationsSent, 1)

	// The next run resumes from the existing link-local address.
	if err := c.s.SetLinkState(nicID, true); err != nil {
		t.Fatalf("SetLinkState(%d, true): %s", nicID, err)
	}
	c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
	checkCounter(t, "AddrCfg.RouterSolicitationsSent", c.proto.Stats().AddrCfg.RouterSolicitationsSent, 2)
}

func TestDisableAutoConfig(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, false /* dad */)

	if err := c.proto.DisableAutoConfig(nicID); err != nil {
		t.Fatalf("DisableAutoConfig(%d): %s", nicID, err)
	}
	c.checkAutoConfigState(t, ipv6.AutoConfigStopped)
	c.clock.Advance(ipv6.MaxRtrSolicitations * ipv6.RtrSolicitationInterval)
	results.check(t)
	checkCounter(t, "AddrCfg.RouterSolicitationsSent", c.proto.Stats().AddrCfg.RouterSolicitationsSent, 1)
	c.checkAddressState(t, lladdr, ipv6.AddressPreferred)

	// Advertised prefixes are ignored while disabled.
	c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, time.Hour)))
	if _, ok := c.addressState(t, autoGlobalAddr); ok {
		t.Errorf("%s configured while auto-configuration is disabled", autoGlobalAddr)
	}
}

func TestAutoConfigIgnoredPrefixes(t *testing.T) {
	tests := []struct {
		name string
		pi   header.NDPPrefixInformationFields
	}{
		{
			name: "Not /64",
			pi: header.NDPPrefixInformationFields{
				Prefix:            tcpip.AddressWithPrefix{Address: globalPrefix.Address, PrefixLen: 48},
				Autonomous:        true,
				ValidLifetime:     time.Hour,
				PreferredLifetime: time.Hour,
			},
		},
		{
			name: "Link-local",
			pi: header.NDPPrefixInformationFields{
				Prefix:            header.IPv6LinkLocalPrefix,
				Autonomous:        true,
				ValidLifetime:     time.Hour,
				PreferredLifetime: time.Hour,
			},
		},
		{
			name: "Preferred beyond valid",
			pi:   globalPrefixInfo(time.Minute, time.Hour),
		},
		{
			name: "Zero valid lifetime",
			pi:   globalPrefixInfo(0, 0),
		},
		{
			name: "Not autonomous",
			pi: header.NDPPrefixInformationFields{
				Prefix:            globalPrefix,
				OnLink:            true,
				ValidLifetime:     time.Hour,
				PreferredLifetime: time.Hour,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, contextOptions{})
			results := c.enableAutoConfig(t, false /* dad */)

			c.inject(routerAdvert(remoteLLAddr, 1800, test.pi))
			if got, want := len(c.details(t)), 1; got != want {
				t.Errorf("got %d addresses, want = %d (link-local only): %v", got, want, c.details(t))
			}
			c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
			results.check(t)
		})
	}
}

func TestAutoConfigLifetimes(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	c.enableAutoConfig(t, false /* dad */)
	c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, 30*time.Minute)))

	c.clock.Advance(30*time.Minute - 1)
	c.checkAddressState(t, autoGlobalAddr, ipv6.AddressPreferred)
	c.clock.Advance(1)
	c.checkAddressState(t, autoGlobalAddr, ipv6.AddressDeprecated)

	// Deprecated addresses are still used when nothing better exists.
	if src, err := c.proto.SelectSource(nicID, remoteAddr); err != nil || src != autoGlobalAddr {
		t.Errorf("got SelectSource(%d, %s) = (%s, %v), want = (%s, nil)", nicID, remoteAddr, src, err, autoGlobalAddr)
	}

	c.clock.Advance(30 * time.Minute)
	if _, ok := c.addressState(t, autoGlobalAddr); ok {
		t.Errorf("%s still configured after its valid lifetime", autoGlobalAddr)
	}
	checkCounter(t, "AddrCfg.LifetimesExpired", c.proto.Stats().AddrCfg.LifetimesExpired, 1)
}

func TestAutoConfigLifetimeRefresh(t *testing.T) {
	tests := []struct {
		name      string
		initial   time.Duration
		elapsed   time.Duration
		advertise time.Duration
		want      time.Duration
	}{
		{
			name:      "Longer",
			initial:   time.Hour,
			advertise: 4 * time.Hour,
			want:      4 * time.Hour,
		},
		{
			name:      "Above two hours",
			initial:   6 * time.Hour,
			advertise: 3 * time.Hour,
			want:      3 * time.Hour,
		},
		{
			name:      "Shortened to two hours",
			initial:   6 * time.Hour,
			advertise: time.Minute,
			want:      2 * time.Hour,
		},
		{
			name:      "Remaining below two hours",
			initial:   time.Hour,
			elapsed:   10 * time.Minute,
			advertise: time.Minute,
			want:      50 * time.Minute,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, contextOptions{})
			c.enableAutoConfig(t, false /* dad */)
			c.inject(routerAdvert(remoteLLAddr, 0, globalPrefixInfo(test.initial, test.initial)))
			c.clock.Advance(test.elapsed)

			c.inject(routerAdvert(remoteLLAddr, 0, globalPrefixInfo(test.advertise, test.advertise)))
			for _, info := range c.details(t) {
				if info.Address.Address != autoGlobalAddr {
					continue
				}
				if info.ValidLifetime != test.want {
					t.Errorf("got valid lifetime = %s, want = %s", info.ValidLifetime, test.want)
				}
				return
			}
			t.Fatalf("%s not configured", autoGlobalAddr)
		})
	}
}

// A prefix advertised after the run completed adds another address without
// changing the state.
func TestAutoConfigSecondPrefix(t *testing.T) {
	c := newTestContext(t, contextOptions{})
	results := c.enableAutoConfig(t, false /* dad */)
	c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, time.Hour)))

	second := tcpip.AddressWithPrefix{
		Address:   "\x20\x01\x0d\xb8\x00\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00",
		PrefixLen: 64,
	}
	pi := globalPrefixInfo(time.Hour, time.Hour)
	pi.Prefix = second
	c.inject(routerAdvert(remoteLLAddr, 1800, pi))

	addr := header.AddressWithIID(second.Address, header.EthernetAddressToModifiedEUI64(linkAddr))
	c.checkAddressState(t, addr, ipv6.AddressPreferred)
	c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	results.check(t, ipv6.AutoConfigSucceeded)
}

// stalledDAD starts detection that never completes.
type stalledDAD struct {
	stopped []tcpip.Address
}

var _ ipv6.DuplicateAddressDetector = (*stalledDAD)(nil)

func (*stalledDAD) Start(tcpip.NICID, tcpip.Address, ipv6.DADDispatcher) tcpip.Error {
	return nil
}

func (d *stalledDAD) Stop(_ tcpip.NICID, addr tcpip.Address) {
	d.stopped = append(d.stopped, addr)
}

func TestAutoConfigAddressRemoved(t *testing.T) {
	tests := []struct {
		name     string
		detector *stalledDAD
		dad      bool
		setup    func(*testing.T, *testContext)
		remove   tcpip.Address
		want     ipv6.AutoConfigResult
		wantRS   uint64
	}{
		{
			name:     "Link-local during DAD",
			detector: &stalledDAD{},
			dad:      true,
			setup: func(t *testing.T, c *testContext) {
				c.checkAutoConfigState(t, ipv6.AutoConfigStartedLocal)
			},
			remove: lladdr,
			want:   ipv6.AutoConfigLinkLocalFailed,
		},
		{
			name: "Link-local while soliciting routers",
			setup: func(t *testing.T, c *testContext) {
				c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
			},
			remove: lladdr,
			want:   ipv6.AutoConfigLinkLocalFailed,
			wantRS: 1,
		},
		{
			name: "Global during DAD",
			dad:  true,
			setup: func(t *testing.T, c *testContext) {
				c.clock.Advance(ipv6.DefaultRetransmitTimer)
				c.inject(routerAdvert(remoteLLAddr, 1800, globalPrefixInfo(time.Hour, time.Hour)))
				c.checkAddressState(t, autoGlobalAddr, ipv6.AddressTentative)
			},
			remove: autoGlobalAddr,
			want:   ipv6.AutoConfigGlobalFailed,
			wantRS: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var opts ipv6.Options
			if test.detector != nil {
				opts.DAD = test.detector
			}
			c := newTestContext(t, contextOptions{proto: opts})
			results := c.enableAutoConfig(t, test.dad)
			test.setup(t, c)

			if err := c.proto.RemoveAddress(nicID, test.remove); err != nil {
				t.Fatalf("RemoveAddress(%d, %s): %s", nicID, test.remove, err)
			}
			c.checkAutoConfigState(t, ipv6.AutoConfigNone)
			results.check(t, test.want)

			// Nothing of the abandoned run fires later.
			c.clock.Advance(400 * time.Second)
			c.checkAutoConfigState(t, ipv6.AutoConfigNone)
			results.check(t, test.want)
			checkCounter(t, "AddrCfg.RouterSolicitationsSent", c.proto.Stats().AddrCfg.RouterSolicitationsSent, test.wantRS)
			checkCounter(t, "AddrCfg.AutoConfigFailed", c.proto.Stats().AddrCfg.AutoConfigFailed, 1)
			if _, ok := c.addressState(t, test.remove); ok {
				t.Errorf("%s is still configured", test.remove)
			}
			if test.detector != nil {
				if diff := cmp.Diff([]tcpip.Address{test.remove}, test.detector.stopped); diff != "" {
					t.Errorf("stopped detections mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestEnableAutoConfigBlocking(t *testing.T) {
	tests := []struct {
		name      string
		dad       bool
		resolve   func(*testContext)
		wantAddr  tcpip.Address
		wantErr   tcpip.Error
		wantState ipv6.AutoConfigState
	}{
		{
			name:      "Without DAD",
			wantAddr:  lladdr,
			wantState: ipv6.AutoConfigStartedGlobal,
		},
		{
			name: "DAD succeeds",
			dad:  true,
			resolve: func(c *testContext) {
				c.clock.Advance(ipv6.DefaultRetransmitTimer)
			},
			wantAddr:  lladdr,
			wantState: ipv6.AutoConfigStartedGlobal,
		},
		{
			name: "Duplicate link-local",
			dad:  true,
			resolve: func(c *testContext) {
				c.clock.Advance(0)
				c.inject(neighborAdvert(remoteLLAddr, header.IPv6AllNodesMulticastAddress, lladdr))
			},
			wantErr: &tcpip.ErrDuplicateAddressDetected{},
			// The run goes on with a random interface identifier.
			wantState: ipv6.AutoConfigStartedLocal,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, contextOptions{})
			results := &autoConfigResults{}

			type outcome struct {
				addr tcpip.Address
				err  tcpip.Error
			}
			ch := make(chan outcome, 1)
			go func() {
				addr, err := c.proto.EnableAutoConfigBlocking(context.Background(), nicID, ipv6.AutoConfigOptions{DAD: test.dad, Dispatcher: results})
				ch <- outcome{addr, err}
			}()
			c.waitForAddress(t, lladdr)

			var wantType ipv6.ConfigType = ipv6.AutoBlocking
			if !test.dad {
				wantType = ipv6.AutoNonBlocking
			}
			for _, info := range c.details(t) {
				if info.Address.Address == lladdr && info.Type != wantType {
					t.Errorf("got type of %s = %s, want = %s", lladdr, info.Type, wantType)
				}
			}

			if test.resolve != nil {
				select {
				case got := <-ch:
					t.Fatalf("EnableAutoConfigBlocking returned %+v before DAD completed", got)
				default:
				}
				test.resolve(c)
			}

			select {
			case got := <-ch:
				if got.addr != test.wantAddr {
					t.Errorf("got EnableAutoConfigBlocking(_, %d, _) = %s, want = %s", nicID, got.addr, test.wantAddr)
				}
				checkErr(t, "EnableAutoConfigBlocking", got.err, test.wantErr)
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for EnableAutoConfigBlocking")
			}
			c.checkAutoConfigState(t, test.wantState)
			results.check(t)
		})
	}
}

func TestEnableAutoConfigBlockingErrors(t *testing.T) {
	t.Run("Link down", func(t *testing.T) {
		c := newTestContext(t, contextOptions{linkDown: true})
		_, err := c.proto.EnableAutoConfigBlocking(context.Background(), nicID, ipv6.AutoConfigOptions{DAD: true})
		checkErr(t, "EnableAutoConfigBlocking", err, &tcpip.ErrLinkDown{})
		c.checkAutoConfigState(t, ipv6.AutoConfigNone)
	})

	t.Run("Unknown NIC", func(t *testing.T) {
		c := newTestContext(t, contextOptions{})
		_, err := c.proto.EnableAutoConfigBlocking(context.Background(), nicID+1, ipv6.AutoConfigOptions{})
		checkErr(t, "EnableAutoConfigBlocking", err, &tcpip.ErrUnknownNICID{})
	})

	t.Run("Cancelled", func(t *testing.T) {
		c := newTestContext(t, contextOptions{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.proto.EnableAutoConfigBlocking(ctx, nicID, ipv6.AutoConfigOptions{DAD: true})
		checkErr(t, "EnableAutoConfigBlocking", err, &tcpip.ErrAborted{})

		// The run is left going.
		c.checkAutoConfigState(t, ipv6.AutoConfigStartedLocal)
		c.clock.Advance(ipv6.DefaultRetransmitTimer)
		c.checkAddressState(t, lladdr, ipv6.AddressPreferred)
		c.checkAutoConfigState(t, ipv6.AutoConfigStartedGlobal)
	})
}
