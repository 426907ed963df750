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

//go:build linux
// +build linux

// Package tun opens and configures host TUN devices. The returned file
// descriptors are meant to back an fdbased endpoint.
package tun

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Open opens the specified TUN device, sets it to non-blocking mode, and
// returns its file descriptor. Packets carry no packet information header.
func Open(name string) (int, error) {
	return open(name, unix.IFF_TUN|unix.IFF_NO_PI)
}

// OpenWithPacketInfo is like Open but leaves the 4 byte packet information
// header in front of every packet.
func OpenWithPacketInfo(name string) (int, error) {
	return open(name, unix.IFF_TUN)
}

func open(name string, flags uint16) (int, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// SetupLink sets the MTU of the named host interface and brings it up, as
// "ip link set <name> mtu <mtu> up" would.
func SetupLink(name string, mtu uint32) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("getting link for interface %q: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, int(mtu)); err != nil {
		return fmt.Errorf("setting MTU of %q to %d: %w", name, mtu, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing %q up: %w", name, err)
	}
	return nil
}
