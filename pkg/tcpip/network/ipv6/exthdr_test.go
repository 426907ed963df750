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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/ipv6"
)

var (
	hopByHopHdr = ipv6.ExtHdr{
		Type:    ipv6.HopByHopExtHdr,
		Options: []header.IPv6ExtHdrSerializableOption{&header.IPv6RouterAlertOption{Value: header.IPv6RouterAlertMLD}},
	}
	destinationHdr = ipv6.ExtHdr{Type: ipv6.Destination1ExtHdr}
	routingHdr     = ipv6.ExtHdr{
		Type:    ipv6.RoutingExtHdr,
		Routing: &header.IPv6SerializableRoutingExtHdr{Data: make([]byte, 12)},
	}
	fragmentHdr = ipv6.ExtHdr{
		Type:     ipv6.FragmentExtHdr,
		Fragment: &header.IPv6SerializableFragmentExtHdr{},
	}
)

func TestExtHdrListAdd(t *testing.T) {
	tests := []struct {
		name       string
		add        []ipv6.ExtHdr
		wantErrs   []tcpip.Error
		wantTypes  []ipv6.ExtHdrType
		wantLength int
	}{
		{
			name:       "Wire order",
			add:        []ipv6.ExtHdr{fragmentHdr, routingHdr, hopByHopHdr, destinationHdr},
			wantErrs:   []tcpip.Error{nil, nil, nil, nil},
			wantTypes:  []ipv6.ExtHdrType{ipv6.HopByHopExtHdr, ipv6.Destination1ExtHdr, ipv6.RoutingExtHdr, ipv6.FragmentExtHdr},
			wantLength: 8 + 8 + 16 + 8,
		},
		{
			name:       "Duplicate",
			add:        []ipv6.ExtHdr{fragmentHdr, fragmentHdr},
			wantErrs:   []tcpip.Error{nil, &tcpip.ErrInvalidOptionValue{}},
			wantTypes:  []ipv6.ExtHdrType{ipv6.FragmentExtHdr},
			wantLength: 8,
		},
		{
			name: "Unsupported",
			add: []ipv6.ExtHdr{
				{Type: ipv6.AuthenticationExtHdr},
				{Type: ipv6.ESPExtHdr},
				{Type: ipv6.Destination2ExtHdr},
			},
			wantErrs: []tcpip.Error{&tcpip.ErrNotSupported{}, &tcpip.ErrNotSupported{}, &tcpip.ErrNotSupported{}},
		},
		{
			name: "Missing payload",
			add: []ipv6.ExtHdr{
				{Type: ipv6.RoutingExtHdr},
				{Type: ipv6.FragmentExtHdr},
			},
			wantErrs: []tcpip.Error{&tcpip.ErrInvalidOptionValue{}, &tcpip.ErrInvalidOptionValue{}},
		},
		{
			name:     "Unknown type",
			add:      []ipv6.ExtHdr{{Type: ipv6.ExtHdrType(99)}},
			wantErrs: []tcpip.Error{&tcpip.ErrInvalidOptionValue{}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var l ipv6.ExtHdrList
			for i, h := range test.add {
				checkErr(t, "Add("+h.Type.String()+")", l.Add(h), test.wantErrs[i])
			}
			if diff := cmp.Diff(test.wantTypes, l.Types(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Types() mismatch (-want +got):\n%s", diff)
			}
			if got := l.Len(); got != len(test.wantTypes) {
				t.Errorf("got Len() = %d, want = %d", got, len(test.wantTypes))
			}
			if got := l.Length(); got != test.wantLength {
				t.Errorf("got Length() = %d, want = %d", got, test.wantLength)
			}
		})
	}
}

func TestNilExtHdrList(t *testing.T) {
	var l *ipv6.ExtHdrList
	if got := l.Len(); got != 0 {
		t.Errorf("got Len() = %d, want = 0", got)
	}
	if got := l.Length(); got != 0 {
		t.Errorf("got Length() = %d, want = 0", got)
	}
	if got := l.Types(); got != nil {
		t.Errorf("got Types() = %v, want = nil", got)
	}
}
