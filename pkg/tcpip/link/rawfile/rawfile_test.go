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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

func socketpair(t *testing.T) [2]int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("unix.Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds
}

func eventfd(t *testing.T) int {
	t.Helper()
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("unix.Eventfd: %v", err)
	}
	t.Cleanup(func() { unix.Close(efd) })
	return efd
}

func TestNonBlockingWriteVecZeroLength(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("failed to open /dev/null: %v", err)
	}
	defer unix.Close(fd)

	if err := NonBlockingWriteVec(fd, [][]byte{{}, {0}, nil}); err != nil {
		t.Fatalf("failed to write: %s", err)
	}
	if err := NonBlockingWriteVec(fd, nil); err != nil {
		t.Fatalf("failed to write nothing: %s", err)
	}
}

func TestWriteVecIsOnePacket(t *testing.T) {
	fds := socketpair(t)
	efd := eventfd(t)

	if err := NonBlockingWriteVec(fds[0], [][]byte{{1, 2}, {3}, {4, 5, 6}}); err != nil {
		t.Fatalf("NonBlockingWriteVec: %s", err)
	}
	b := make([]byte, 16)
	n, err := BlockingReadUntilStopped(efd, fds[1], b)
	if err != nil {
		t.Fatalf("BlockingReadUntilStopped: %s", err)
	}
	if want := []byte{1, 2, 3, 4, 5, 6}; !bytes.Equal(b[:n], want) {
		t.Errorf("got packet = %v, want = %v", b[:n], want)
	}
}

func TestBlockingReadStops(t *testing.T) {
	fds := socketpair(t)
	efd := eventfd(t)

	if err := NonBlockingWrite(efd, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("NonBlockingWrite(eventfd): %s", err)
	}
	n, err := BlockingReadUntilStopped(efd, fds[1], make([]byte, 16))
	if err != nil || n != -1 {
		t.Errorf("got BlockingReadUntilStopped = (%d, %v), want = (-1, nil)", n, err)
	}
}

func TestBlockingReadPeerClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("unix.Socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	unix.Close(fds[0])

	_, tcpipErr := BlockingReadUntilStopped(eventfd(t), fds[1], make([]byte, 16))
	if _, ok := tcpipErr.(*tcpip.ErrClosedForSend); !ok {
		t.Errorf("got BlockingReadUntilStopped error = %v, want = %s", tcpipErr, &tcpip.ErrClosedForSend{})
	}
}

func TestTranslateErrno(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  tcpip.Error
	}{
		{unix.EAGAIN, &tcpip.ErrWouldBlock{}},
		{unix.ENOBUFS, &tcpip.ErrNoBufferSpace{}},
		{unix.EMSGSIZE, &tcpip.ErrMessageTooLong{}},
		{unix.ENETDOWN, &tcpip.ErrLinkDown{}},
		{unix.ENOSYS, &tcpip.ErrNotSupported{}},
	}
	for _, test := range tests {
		if diff := cmp.Diff(test.want, TranslateErrno(test.errno)); diff != "" {
			t.Errorf("TranslateErrno(%s) mismatch (-want +got):\n%s", test.errno, diff)
		}
	}
}
