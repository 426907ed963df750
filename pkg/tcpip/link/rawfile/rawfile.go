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

// Package rawfile contains utilities for using the netstack with raw host
// files on Linux hosts.
package rawfile

import (
	"golang.org/x/sys/unix"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

func asErrno(err error) unix.Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EINVAL
}

// NonBlockingWrite writes the given buffer to a file descriptor. It fails if
// partial data is written.
func NonBlockingWrite(fd int, buf []byte) tcpip.Error {
	for {
		n, err := unix.Write(fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return TranslateErrno(asErrno(err))
		case n != len(buf):
			return &tcpip.ErrMessageTooLong{}
		}
		return nil
	}
}

// NonBlockingWriteVec writes bufs to a file descriptor in a single writev
// call, so that a packet-oriented descriptor sees one packet. Empty buffers
// are skipped.
func NonBlockingWriteVec(fd int, bufs [][]byte) tcpip.Error {
	iovs := make([][]byte, 0, len(bufs))
	total := 0
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iovs = append(iovs, b)
		total += len(b)
	}
	if len(iovs) == 0 {
		return nil
	}
	for {
		n, err := unix.Writev(fd, iovs)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return TranslateErrno(asErrno(err))
		case n != total:
			return &tcpip.ErrMessageTooLong{}
		}
		return nil
	}
}

// BlockingPollUntilStopped polls fd for events and efd for readability. It
// reports whether efd became readable, which is how a reader is asked to
// stop.
func BlockingPollUntilStopped(efd int, fd int, events int16) (bool, unix.Errno) {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(efd), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, asErrno(err)
		}
		return fds[1].Revents&unix.POLLIN != 0, 0
	}
}

// BlockingReadUntilStopped reads one packet from the non-blocking fd into b,
// waiting for data when none is queued. It returns -1 without an error once
// efd becomes readable.
func BlockingReadUntilStopped(efd int, fd int, b []byte) (int, tcpip.Error) {
	for {
		n, err := unix.Read(fd, b)
		if err == nil {
			if n == 0 {
				// The peer closed its end.
				return 0, &tcpip.ErrClosedForSend{}
			}
			return n, nil
		}
		switch e := asErrno(err); e {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			stopped, e := BlockingPollUntilStopped(efd, fd, unix.POLLIN)
			if e != 0 {
				return 0, TranslateErrno(e)
			}
			if stopped {
				return -1, nil
			}
		default:
			return 0, TranslateErrno(e)
		}
	}
}
