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

// Package config loads the TOML or YAML configuration of an ip6stack
// instance.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/network/ipv6"
)

const (
	// DefaultMTU is the interface MTU used when none is configured.
	DefaultMTU = 1500

	// maxInterfaceName is IFNAMSIZ without the terminating NUL.
	maxInterfaceName = 15
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Interface describes the host TUN device.
type Interface struct {
	// Name is the TUN device name.
	Name string `toml:"name" yaml:"name"`

	// MTU is the link MTU. It must be at least the IPv6 minimum MTU.
	MTU uint32 `toml:"mtu" yaml:"mtu"`

	// PacketInfo keeps the TUN packet information header on every frame.
	PacketInfo bool `toml:"packet_info" yaml:"packet_info"`
}

// Address is a statically configured address.
type Address struct {
	// Prefix is the address with its prefix length, e.g. "2001:db8::1/64".
	Prefix string `toml:"prefix" yaml:"prefix"`

	// Blocking makes the add wait for DAD.
	Blocking bool `toml:"blocking" yaml:"blocking"`

	// DAD runs duplicate address detection before the address is usable.
	DAD bool `toml:"dad" yaml:"dad"`
}

// AutoConf describes stateless address auto-configuration.
type AutoConf struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	DAD     bool `toml:"dad" yaml:"dad"`

	// Blocking waits for the link-local address before going on.
	Blocking bool `toml:"blocking" yaml:"blocking"`
}

// DAD configures duplicate address detection.
type DAD struct {
	Transmits       int      `toml:"transmits" yaml:"transmits"`
	RetransmitTimer Duration `toml:"retransmit_timer" yaml:"retransmit_timer"`
}

// IP configures the network layer.
type IP struct {
	HopLimit        uint8    `toml:"hop_limit" yaml:"hop_limit"`
	FragmentTimeout Duration `toml:"fragment_timeout" yaml:"fragment_timeout"`
	MaxAddresses    int      `toml:"max_addresses" yaml:"max_addresses"`
}

// ICMP configures ICMPv6 error generation.
type ICMP struct {
	// RateLimit is the number of error messages per second.
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	Burst     int     `toml:"burst" yaml:"burst"`
}

// MLD configures multicast listening.
type MLD struct {
	// Groups are joined once the interface is up.
	Groups []string `toml:"groups" yaml:"groups"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Listen is the HTTP listen address. Empty disables the endpoint.
	Listen string `toml:"listen" yaml:"listen"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Interface Interface `toml:"interface" yaml:"interface"`
	Addresses []Address `toml:"address" yaml:"address"`
	AutoConf  AutoConf  `toml:"autoconf" yaml:"autoconf"`
	DAD       DAD       `toml:"dad" yaml:"dad"`
	IP        IP        `toml:"ip" yaml:"ip"`
	ICMP      ICMP      `toml:"icmp" yaml:"icmp"`
	MLD       MLD       `toml:"mld" yaml:"mld"`
	Metrics   Metrics   `toml:"metrics" yaml:"metrics"`
	Log       Log       `toml:"log" yaml:"log"`
}

// Default returns the configuration used for keys absent from a file.
func Default() *Config {
	return &Config{
		Interface: Interface{
			Name: "ip6stack0",
			MTU:  DefaultMTU,
		},
		DAD: DAD{
			Transmits:       ipv6.DefaultDupAddrDetectTransmits,
			RetransmitTimer: Duration{ipv6.DefaultRetransmitTimer},
		},
		IP: IP{
			HopLimit:        ipv6.DefaultHopLimit,
			FragmentTimeout: Duration{ipv6.DefaultFragmentTimeout},
			MaxAddresses:    ipv6.DefaultMaxAddresses,
		},
		ICMP: ICMP{
			RateLimit: float64(ipv6.DefaultICMPRateLimit),
			Burst:     ipv6.DefaultICMPBurst,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Decode reads a configuration from r on top of Default. Unknown keys are
// an error. The result is validated.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DecodeYAML is like Decode for a YAML document. Keys are the same as in
// TOML.
func DecodeYAML(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and validates the configuration file at path. Files ending in
// .yaml or .yml are YAML; anything else is TOML.
func Load(path string) (*Config, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		c, err := DecodeYAML(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return c, nil
	}

	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading %s: unknown key %s", path, undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseAddress parses an address with prefix length. Only unicast IPv6
// addresses are accepted.
func ParseAddress(s string) (tcpip.AddressWithPrefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return tcpip.AddressWithPrefix{}, err
	}
	a := p.Addr()
	switch {
	case !a.Is6() || a.Is4In6():
		return tcpip.AddressWithPrefix{}, fmt.Errorf("%s is not an IPv6 address", a)
	case a.IsUnspecified(), a.IsMulticast():
		return tcpip.AddressWithPrefix{}, fmt.Errorf("%s is not a unicast address", a)
	}
	b := a.As16()
	return tcpip.AddressWithPrefix{Address: tcpip.Address(b[:]), PrefixLen: p.Bits()}, nil
}

// ParseGroup parses an IPv6 multicast group address.
func ParseGroup(s string) (tcpip.Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	if !a.Is6() || a.Is4In6() || !a.IsMulticast() {
		return "", fmt.Errorf("%s is not an IPv6 multicast address", a)
	}
	b := a.As16()
	return tcpip.Address(b[:]), nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "warning", "warn":
		return log.Warning, nil
	case "info":
		return log.Info, nil
	case "debug":
		return log.Debug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Validate checks c and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Interface.Name == "" || len(c.Interface.Name) > maxInterfaceName {
		errs = append(errs, fmt.Errorf("interface.name %q must be 1 to %d bytes", c.Interface.Name, maxInterfaceName))
	}
	if c.Interface.MTU < 1280 {
		errs = append(errs, fmt.Errorf("interface.mtu %d is below the IPv6 minimum of 1280", c.Interface.MTU))
	}
	for i, a := range c.Addresses {
		if _, err := ParseAddress(a.Prefix); err != nil {
			errs = append(errs, fmt.Errorf("address[%d].prefix: %w", i, err))
		}
		if a.Blocking && !a.DAD {
			errs = append(errs, fmt.Errorf("address[%d]: blocking requires dad", i))
		}
	}
	if c.AutoConf.Blocking && !c.AutoConf.Enabled {
		errs = append(errs, fmt.Errorf("autoconf: blocking requires enabled"))
	}
	if n := len(c.Addresses); n > ipv6.MaxAddressesPerNIC {
		errs = append(errs, fmt.Errorf("%d addresses configured, at most %d fit on an interface", n, ipv6.MaxAddressesPerNIC))
	}
	for i, g := range c.MLD.Groups {
		if _, err := ParseGroup(g); err != nil {
			errs = append(errs, fmt.Errorf("mld.groups[%d]: %w", i, err))
		}
	}
	if c.DAD.Transmits < 0 {
		errs = append(errs, fmt.Errorf("dad.transmits %d is negative", c.DAD.Transmits))
	}
	if c.DAD.RetransmitTimer.Duration < 0 {
		errs = append(errs, fmt.Errorf("dad.retransmit_timer %s is negative", c.DAD.RetransmitTimer))
	}
	if d := c.IP.FragmentTimeout.Duration; d < ipv6.MinFragmentTimeout || d > ipv6.MaxFragmentTimeout {
		errs = append(errs, fmt.Errorf("ip.fragment_timeout %s must be within [%s, %s]", d, ipv6.MinFragmentTimeout, ipv6.MaxFragmentTimeout))
	}
	if c.IP.HopLimit == 0 {
		errs = append(errs, errors.New("ip.hop_limit must be positive"))
	}
	if c.IP.MaxAddresses < 0 {
		errs = append(errs, fmt.Errorf("ip.max_addresses %d is negative", c.IP.MaxAddresses))
	}
	if c.ICMP.RateLimit < 0 || c.ICMP.Burst < 0 {
		errs = append(errs, fmt.Errorf("icmp rate_limit %g and burst %d must not be negative", c.ICMP.RateLimit, c.ICMP.Burst))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", f))
	}
	return errors.Join(errs...)
}

// ProtocolOptions returns the ipv6 protocol options described by c.
func (c *Config) ProtocolOptions() ipv6.Options {
	return ipv6.Options{
		FragmentTimeout:        c.IP.FragmentTimeout.Duration,
		MaxAddresses:           c.IP.MaxAddresses,
		HopLimit:               c.IP.HopLimit,
		ICMPRateLimit:          rate.Limit(c.ICMP.RateLimit),
		ICMPBurst:              c.ICMP.Burst,
		DupAddrDetectTransmits: c.DAD.Transmits,
		RetransmitTimer:        c.DAD.RetransmitTimer.Duration,
	}
}
