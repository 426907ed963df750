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
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// policyEntry is a row of the RFC 6724 policy table.
type policyEntry struct {
	precedence int
	label      int
}

// newPolicyTable returns the default policy table of RFC 6724 section 2.1.
func newPolicyTable() *bart.Table[policyEntry] {
	t := &bart.Table[policyEntry]{}
	for _, row := range []struct {
		prefix string
		entry  policyEntry
	}{
		{"::1/128", policyEntry{precedence: 50, label: 0}},
		{"::/0", policyEntry{precedence: 40, label: 1}},
		{"::ffff:0:0/96", policyEntry{precedence: 35, label: 4}},
		{"2002::/16", policyEntry{precedence: 30, label: 2}},
		{"2001::/32", policyEntry{precedence: 5, label: 5}},
		{"fc00::/7", policyEntry{precedence: 3, label: 13}},
		{"::/96", policyEntry{precedence: 1, label: 3}},
		{"fec0::/10", policyEntry{precedence: 1, label: 11}},
		{"3ffe::/16", policyEntry{precedence: 1, label: 12}},
	} {
		t.Insert(netip.MustParsePrefix(row.prefix), row.entry)
	}
	return t
}

func toNetIP(addr tcpip.Address) netip.Addr {
	var b [header.IPv6AddressSize]byte
	copy(b[:], addr)
	return netip.AddrFrom16(b)
}

func (p *Protocol) labelOf(addr tcpip.Address) int {
	e, ok := p.policy.Lookup(toNetIP(addr))
	if !ok {
		return 1
	}
	return e.label
}

func scopeOf(addr tcpip.Address) header.IPv6AddressScope {
	s, err := header.ScopeForIPv6Address(addr)
	if err != nil {
		return header.GlobalScope
	}
	return s
}

// SelectSource returns the source address to use towards dst, chosen among
// the preferred and deprecated addresses of nicID as per RFC 6724 section 5.
// A zero nicID considers every NIC.
//
// When no address is usable the first configured address is returned along
// with ErrBadLocalAddress, so callers may still attempt to send.
func (p *Protocol) SelectSource(nicID tcpip.NICID, dst tcpip.Address) (tcpip.Address, tcpip.Error) {
	p.stack.Lock()
	defer p.stack.Unlock()
	return p.selectSourceLocked(nicID, dst)
}

func (p *Protocol) selectSourceLocked(nicID tcpip.NICID, dst tcpip.Address) (tcpip.Address, tcpip.Error) {
	if err := header.ValidateIPv6AddressType(dst, header.AllowLoopback|header.AllowMulticast|header.AllowUnicast); err != nil {
		return "", err
	}

	ids := []tcpip.NICID{nicID}
	if nicID == 0 {
		ids = p.nicIDsLocked()
	} else if _, ok := p.nics[nicID]; !ok {
		return "", &tcpip.ErrUnknownNICID{}
	}

	var (
		best     *addressEntry
		fallback tcpip.Address
	)
	dstScope := scopeOf(dst)
	dstLabel := p.labelOf(dst)
	for _, id := range ids {
		for _, h := range p.nics[id].addrs {
			e := p.addrs.get(h)
			if fallback == "" {
				fallback = e.addr.Address
			}
			if !e.usable() {
				continue
			}
			if best == nil || p.preferSource(e, best, dst, dstScope, dstLabel) {
				best = e
			}
		}
	}
	if best == nil {
		return fallback, &tcpip.ErrBadLocalAddress{}
	}
	return best.addr.Address, nil
}

// preferSource returns whether a is a better source than b for dst.
func (p *Protocol) preferSource(a, b *addressEntry, dst tcpip.Address, dstScope header.IPv6AddressScope, dstLabel int) bool {
	sa, sb := a.addr.Address, b.addr.Address

	// Rule 1: prefer same address.
	if sa == dst || sb == dst {
		return sa == dst
	}

	// Rule 2: prefer appropriate scope.
	if scopeA, scopeB := scopeOf(sa), scopeOf(sb); scopeA != scopeB {
		if scopeA < scopeB {
			return scopeA >= dstScope
		}
		return scopeB < dstScope
	}

	// Rule 3: avoid deprecated addresses.
	if da, db := a.state == AddressDeprecated, b.state == AddressDeprecated; da != db {
		return db
	}

	// Rule 6: prefer matching label.
	if la, lb := p.labelOf(sa) == dstLabel, p.labelOf(sb) == dstLabel; la != lb {
		return la
	}

	// Rule 8: use longest matching prefix.
	return header.MatchingPrefixLength(sa, dst) > header.MatchingPrefixLength(sb, dst)
}
