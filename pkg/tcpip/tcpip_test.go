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

package tcpip

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSubnetContains(t *testing.T) {
	tests := []struct {
		s    Address
		m    AddressMask
		a    Address
		want bool
	}{
		{"\xa0", "\xf0", "\x90", false},
		{"\xa0", "\xf0", "\xa0", true},
		{"\xa0", "\xf0", "\xa5", true},
		{"\xa0", "\xf0", "\xaf", true},
		{"\xa0", "\xf0", "\xb0", false},
		{"\xa0", "\xf0", "", false},
		{"\xa0", "\xf0", "\xa0\x00", false},
		{"\xc2\x80", "\xff\xf0", "\xc2\x80", true},
		{"\xc2\x80", "\xff\xf0", "\xc2\x00", false},
		{"\xc2\x00", "\xff\xf0", "\xc2\x00", true},
		{"\xc2\x00", "\xff\xf0", "\xc2\x80", false},
	}
	for _, tt := range tests {
		s, err := NewSubnet(tt.s, tt.m)
		if err != nil {
			t.Errorf("NewSubnet(%v, %v) = %v", tt.s, tt.m, err)
			continue
		}
		if got := s.Contains(tt.a); got != tt.want {
			t.Errorf("Subnet(%v).Contains(%v) = %v, want %v", s, tt.a, got, tt.want)
		}
	}
}

func TestSubnetPrefix(t *testing.T) {
	tests := []struct {
		m    AddressMask
		want int
	}{
		{"\x00", 0},
		{"\x00\x00", 0},
		{"\x36", 0},
		{"\x86", 1},
		{"\xc5", 2},
		{"\xff\x00", 8},
		{"\xff\x36", 8},
		{"\xff\x8c", 9},
		{"\xff\xc8", 10},
		{"\xff", 8},
		{"\xff\xff", 16},
	}
	for _, tt := range tests {
		s := &Subnet{mask: tt.m}
		if got := s.Prefix(); got != tt.want {
			t.Errorf("Subnet{mask: %x}.Prefix() = %d want %d", tt.m, got, tt.want)
		}
		ones, zeros := s.Bits()
		if ones != tt.want || ones+zeros != len(tt.m)*8 {
			t.Errorf("Subnet{mask: %x}.Bits() = %d, %d, want %d, %d", tt.m, ones, zeros, tt.want, len(tt.m)*8-tt.want)
		}
	}
}

func TestSubnetCreation(t *testing.T) {
	tests := []struct {
		a    Address
		m    AddressMask
		want error
	}{
		{"\xa0", "\xf0", nil},
		{"\xaa", "\xf0", errSubnetAddressMasked},
		{"", "", nil},
		{"\xa0\xa0", "\xf0", errSubnetLengthMismatch},
	}
	for _, tt := range tests {
		if _, err := NewSubnet(tt.a, tt.m); err != tt.want {
			t.Errorf("NewSubnet(%v, %v) = %v, want %v", tt.a, tt.m, err, tt.want)
		}
	}
}

func TestAddressString(t *testing.T) {
	for _, want := range []string{
		"2001:db8::123:12:1",
		"2001:db8::1",
		"2001:db8:0:1:0:1:0:1",
		"2001::1:0:0:1",
		"::1",
		"8::",
		"1:1:1:1:1:1:1:1",
		"1:0:0:1::1",
		"fe80::2:3ff:fe04:506",
		"ff02::1:ff00:1",
	} {
		addr := Address(net.ParseIP(want))
		if got := addr.String(); got != want {
			t.Errorf("Address(%x).String() = '%s', want = '%s'", []byte(addr), got, want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	got, err := ParseAddress("fe80::1")
	if err != nil {
		t.Fatalf("ParseAddress(fe80::1): %s", err)
	}
	if want := Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"); got != want {
		t.Errorf("got ParseAddress(fe80::1) = %s, want = %s", got, want)
	}
	if _, err := ParseAddress("fe80::g"); err == nil {
		t.Errorf("ParseAddress(fe80::g) succeeded, want error")
	}

	ap, err := ParseAddressWithPrefix("2001:db8::5/64")
	if err != nil {
		t.Fatalf("ParseAddressWithPrefix: %s", err)
	}
	if got, want := ap.String(), "2001:db8::5/64"; got != want {
		t.Errorf("got %s, want = %s", got, want)
	}
}

func TestAddressWithPrefixSubnet(t *testing.T) {
	tests := []struct {
		addr       Address
		prefixLen  int
		subnetAddr Address
		subnetMask AddressMask
	}{
		{"\xaa\x55\x33\x42", -1, "\x00\x00\x00\x00", "\x00\x00\x00\x00"},
		{"\xaa\x55\x33\x42", 0, "\x00\x00\x00\x00", "\x00\x00\x00\x00"},
		{"\xaa\x55\x33\x42", 1, "\x80\x00\x00\x00", "\x80\x00\x00\x00"},
		{"\xaa\x55\x33\x42", 7, "\xaa\x00\x00\x00", "\xfe\x00\x00\x00"},
		{"\xaa\x55\x33\x42", 24, "\xaa\x55\x33\x00", "\xff\xff\xff\x00"},
		{"\xaa\x55\x33\x42", 32, "\xaa\x55\x33\x42", "\xff\xff\xff\xff"},
		{"\xaa\x55\x33\x42", 33, "\xaa\x55\x33\x42", "\xff\xff\xff\xff"},
	}
	for _, tt := range tests {
		ap := AddressWithPrefix{Address: tt.addr, PrefixLen: tt.prefixLen}
		gotSubnet := ap.Subnet()
		wantSubnet, err := NewSubnet(tt.subnetAddr, tt.subnetMask)
		if err != nil {
			t.Errorf("NewSubnet(%q, %q) failed: %s", tt.subnetAddr, tt.subnetMask, err)
			continue
		}
		if gotSubnet != wantSubnet {
			t.Errorf("got subnet = %q, want = %q", gotSubnet, wantSubnet)
		}
	}
}

func TestAddressUnspecified(t *testing.T) {
	tests := []struct {
		addr        Address
		unspecified bool
	}{
		{"", true},
		{"\x00", true},
		{"\x01", false},
		{"\x00\x00", true},
		{"\x00\x01", false},
	}
	for _, test := range tests {
		if got := test.addr.Unspecified(); got != test.unspecified {
			t.Errorf("got Address(%x).Unspecified() = %t, want = %t", []byte(test.addr), got, test.unspecified)
		}
	}
}

func TestStatsFillInAndVisit(t *testing.T) {
	s := Stats{}.FillIn()
	s.IP.PacketsReceived.Increment()
	s.ICMP.PacketsSent.MulticastListenerReport.IncrementBy(3)
	s.ICMP.PacketsSent.Dropped.Increment()
	s.ICMP.PacketsSent.Dropped.Decrement()

	got := make(map[string]uint64)
	s.VisitStats(func(path string, c *StatCounter) {
		got[path] = c.Value()
	})

	for path, want := range map[string]uint64{
		"IP.PacketsReceived":                       1,
		"ICMP.PacketsSent.MulticastListenerReport": 3,
		"ICMP.PacketsSent.Dropped":                 0,
		"Fragmentation.Overlaps":                   0,
	} {
		v, ok := got[path]
		if !ok {
			t.Errorf("VisitStats did not report %s", path)
			continue
		}
		if v != want {
			t.Errorf("got %s = %d, want = %d", path, v, want)
		}
	}
}

func TestAsError(t *testing.T) {
	if err := AsError(nil); err != nil {
		t.Errorf("got AsError(nil) = %v, want = nil", err)
	}
	err := AsError(&ErrLinkDown{})
	if got, want := err.Error(), "link is down"; got != want {
		t.Errorf("got err.Error() = %q, want = %q", got, want)
	}
	e, ok := Unwrap(err)
	if !ok {
		t.Fatalf("Unwrap(%v) failed", err)
	}
	if diff := cmp.Diff(&ErrLinkDown{}, e); diff != "" {
		t.Errorf("unwrapped error mismatch (-want +got):\n%s", diff)
	}
}
