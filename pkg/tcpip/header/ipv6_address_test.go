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

package header_test

import (
	"fmt"
	"math/bits"
	"testing"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

func mustParse(t *testing.T, s string) tcpip.Address {
	t.Helper()
	a, err := tcpip.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %s", s, err)
	}
	return a
}

func TestMatchingPrefixLength(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2001:db8::1", "2001:db8::1", 128},
		{"2001:db8::1", "2001:db8::", 127},
		{"2001:db8::1", "2001:db9::1", 31},
		{"fe80::1", "fe80::2", 126},
		{"::", "8000::", 0},
		{"::", "::", 128},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%s_%s", test.a, test.b), func(t *testing.T) {
			a, b := mustParse(t, test.a), mustParse(t, test.b)
			if got := header.MatchingPrefixLength(a, b); got != test.want {
				t.Errorf("got MatchingPrefixLength(%s, %s) = %d, want = %d", a, b, got, test.want)
			}
			if got := header.MatchingPrefixLength(b, a); got != test.want {
				t.Errorf("got MatchingPrefixLength(%s, %s) = %d, want = %d", b, a, got, test.want)
			}
		})
	}

	if got := header.MatchingPrefixLength(srcAddr, "\x01\x02\x03\x04"); got != 0 {
		t.Errorf("got MatchingPrefixLength with mismatched lengths = %d, want = 0", got)
	}
}

func TestMatchingPrefixLengthLastBit(t *testing.T) {
	for i := 0; i < 16; i++ {
		a := make([]byte, header.IPv6AddressSize)
		a[i] = byte(0x5a + i)
		b := append([]byte(nil), a...)
		b[header.IPv6AddressSize-1] ^= 1
		if got := header.MatchingPrefixLength(tcpip.Address(a), tcpip.Address(b)); got != 127 {
			t.Errorf("got MatchingPrefixLength(%x, %x) = %d, want = 127", a, b, got)
		}
	}
}

func TestIPv6MaskAndMaskAddress(t *testing.T) {
	addr := tcpip.Address("\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff")
	for p := 0; p <= 128; p++ {
		m := header.IPv6Mask(p)
		if len(m) != header.IPv6AddressSize {
			t.Fatalf("got len(IPv6Mask(%d)) = %d, want = %d", p, len(m), header.IPv6AddressSize)
		}
		if got := m.Prefix(); got != p {
			t.Errorf("got IPv6Mask(%d).Prefix() = %d", p, got)
		}

		ones := 0
		for _, b := range []byte(m) {
			ones += bits.OnesCount8(b)
		}
		if ones != p {
			t.Errorf("got %d one bits in IPv6Mask(%d)", ones, p)
		}

		masked := header.MaskAddress(addr, m)
		if got := header.MatchingPrefixLength(masked, addr); got != p {
			t.Errorf("got MatchingPrefixLength(MaskAddress(_, IPv6Mask(%d)), _) = %d", p, got)
		}
		if p < 128 {
			// All bits past the prefix are zero.
			if got := header.MaskAddress(masked, header.IPv6Mask(p)); got != masked {
				t.Errorf("masking is not idempotent for /%d", p)
			}
		}
	}

	if got := header.IPv6Mask(-1).Prefix(); got != 0 {
		t.Errorf("got IPv6Mask(-1).Prefix() = %d, want = 0", got)
	}
	if got := header.IPv6Mask(200).Prefix(); got != 128 {
		t.Errorf("got IPv6Mask(200).Prefix() = %d, want = 128", got)
	}
}

func TestScopeForIPv6Address(t *testing.T) {
	tests := []struct {
		addr string
		want header.IPv6AddressScope
	}{
		{"fe80::1", header.LinkLocalScope},
		{"febf::1", header.LinkLocalScope},
		{"fec0::1", header.SiteLocalScope},
		{"::1", header.LinkLocalScope},
		{"ff01::1", header.InterfaceLocalScope},
		{"ff02::1", header.LinkLocalScope},
		{"ff05::1", header.SiteLocalScope},
		{"ff08::1", header.OrganizationLocalScope},
		{"ff0e::1", header.GlobalScope},
		{"ff00::1", header.ReservedScope},
		{"2001:db8::1", header.GlobalScope},
	}

	for _, test := range tests {
		t.Run(test.addr, func(t *testing.T) {
			got, err := header.ScopeForIPv6Address(mustParse(t, test.addr))
			if err != nil {
				t.Fatalf("ScopeForIPv6Address(%s): %s", test.addr, err)
			}
			if got != test.want {
				t.Errorf("got ScopeForIPv6Address(%s) = %s, want = %s", test.addr, got, test.want)
			}
		})
	}

	if _, err := header.ScopeForIPv6Address("\x01\x02\x03\x04"); err == nil {
		t.Errorf("ScopeForIPv6Address accepted a 4 byte address")
	}
}

func TestValidateIPv6AddressType(t *testing.T) {
	tests := []struct {
		name    string
		addr    tcpip.Address
		flags   header.AddressTypeFlags
		wantErr bool
	}{
		{"unicast allowed", dstAddr, header.AllowUnicast, false},
		{"unicast rejected", dstAddr, header.AllowMulticast, true},
		{"unspecified allowed", header.IPv6Any, header.AllowUnspecified | header.AllowUnicast, false},
		{"unspecified rejected", header.IPv6Any, header.AllowUnicast, true},
		{"loopback rejected", header.IPv6Loopback, header.AllowUnicast | header.AllowUnspecified, true},
		{"loopback allowed", header.IPv6Loopback, header.AllowLoopback, false},
		{"multicast rejected", header.IPv6AllNodesMulticastAddress, header.AllowUnicast, true},
		{"multicast allowed", header.IPv6AllNodesMulticastAddress, header.AllowMulticast, false},
		{"short", "\x01\x02", header.AllowUnicast, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := header.ValidateIPv6AddressType(test.addr, test.flags)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Errorf("got ValidateIPv6AddressType(%s, %b) = %v, want error = %t", test.addr, test.flags, err, test.wantErr)
			}
		})
	}
}

func TestSolicitedNodeAddr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"2001:db8::1:2:3", "ff02::1:ff02:3"},
		{"fe80::2:3ff:fe04:506", "ff02::1:ff04:506"},
	}

	for _, test := range tests {
		t.Run(test.addr, func(t *testing.T) {
			u := mustParse(t, test.addr)
			got := header.SolicitedNodeAddr(u)
			if want := mustParse(t, test.want); got != want {
				t.Errorf("got SolicitedNodeAddr(%s) = %s, want = %s", u, got, want)
			}
			if !header.IsSolicitedNodeAddr(got, u) {
				t.Errorf("got IsSolicitedNodeAddr(%s, %s) = false", got, u)
			}
			if !header.IsV6SolicitedNodeAddress(got) {
				t.Errorf("got IsV6SolicitedNodeAddress(%s) = false", got)
			}
			if header.IsSolicitedNodeAddr(got, dstAddr) {
				t.Errorf("got IsSolicitedNodeAddr(%s, %s) = true", got, dstAddr)
			}
		})
	}
}

func TestAddressWithIID(t *testing.T) {
	prefix := mustParse(t, "2001:db8:1:2::")
	iid := header.EthernetAddressToModifiedEUI64(linkAddr)
	got := header.AddressWithIID(prefix, iid)
	if want := mustParse(t, "2001:db8:1:2:2:3ff:fe04:506"); got != want {
		t.Errorf("got AddressWithIID(%s, %x) = %s, want = %s", prefix, iid, got, want)
	}
	if header.IIDOf(got) != iid {
		t.Errorf("got IIDOf(%s) = %x, want = %x", got, header.IIDOf(got), iid)
	}
}

func TestAddressClassifiers(t *testing.T) {
	if !header.IsV6LinkLocalUnicastAddress(srcAddr) {
		t.Errorf("got IsV6LinkLocalUnicastAddress(%s) = false", srcAddr)
	}
	if header.IsV6LinkLocalUnicastAddress(dstAddr) {
		t.Errorf("got IsV6LinkLocalUnicastAddress(%s) = true", dstAddr)
	}
	if !header.IsV6LinkLocalMulticastAddress(header.IPv6AllRoutersMulticastAddress) {
		t.Errorf("got IsV6LinkLocalMulticastAddress(ff02::2) = false")
	}
	if header.IsV6UnicastAddress(header.IPv6Any) {
		t.Errorf("got IsV6UnicastAddress(::) = true")
	}
	if !header.IsV6SiteLocalAddress(mustParse(t, "fec0::1")) {
		t.Errorf("got IsV6SiteLocalAddress(fec0::1) = false")
	}
}
