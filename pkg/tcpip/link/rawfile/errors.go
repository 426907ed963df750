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

package rawfile

import (
	"golang.org/x/sys/unix"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// TranslateErrno translates an errno from the unix package into a
// tcpip.Error.
//
// Errnos without a direct equivalent map to ErrNotSupported.
func TranslateErrno(e unix.Errno) tcpip.Error {
	switch e {
	case unix.EEXIST:
		return &tcpip.ErrDuplicateAddress{}
	case unix.ENETUNREACH, unix.EHOSTUNREACH:
		return &tcpip.ErrNoRoute{}
	case unix.EADDRNOTAVAIL:
		return &tcpip.ErrBadLocalAddress{}
	case unix.EPIPE, unix.EBADF:
		return &tcpip.ErrClosedForSend{}
	case unix.EWOULDBLOCK:
		return &tcpip.ErrWouldBlock{}
	case unix.ENOBUFS, unix.ENOMEM:
		return &tcpip.ErrNoBufferSpace{}
	case unix.EMSGSIZE:
		return &tcpip.ErrMessageTooLong{}
	case unix.ETIMEDOUT:
		return &tcpip.ErrTimeout{}
	case unix.ENETDOWN, unix.EIO:
		return &tcpip.ErrLinkDown{}
	case unix.EINVAL:
		return &tcpip.ErrInvalidOptionValue{}
	default:
		return &tcpip.ErrNotSupported{}
	}
}
