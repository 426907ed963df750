// Copyright 2019 The gVisor Authors.
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

// Package fragmentation implements IPv6 fragment reassembly as described in
// RFC 8200 section 4.5.
//
// A Reassembler is driven entirely under the network lock it is configured
// with: Process must be called with the lock held and reassembly timeouts run
// with it held.
package fragmentation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

const (
	// DefaultReassembleTimeout is based on the reassembling timeout
	// defined in RFC 8200 section 4.5.
	DefaultReassembleTimeout = 60 * time.Second

	// MinReassembleTimeout is the smallest timeout SetTimeout accepts.
	MinReassembleTimeout = time.Second

	// MaxReassembleTimeout is the largest timeout SetTimeout accepts.
	MaxReassembleTimeout = 60 * time.Second

	// DefaultMaxReassemblyLists is the default number of datagrams that may
	// be under reassembly at the same time.
	DefaultMaxReassemblyLists = 32

	// FragmentBlockSize is the unit of the fragment offset field. Every
	// fragment but the last carries a multiple of it.
	FragmentBlockSize = header.IPv6FragmentExtHdrFragmentOffsetBytesPerUnit

	// maxDatagramSize is the largest payload a reassembled datagram may
	// carry, unfragmentable headers included.
	maxDatagramSize = header.IPv6MaximumPayloadSize

	// btreeDegree is the degree of the per-datagram fragment index.
	btreeDegree = 8

	// freeListSize is the number of btree nodes kept for reuse across
	// datagrams.
	freeListSize = 64
)

var (
	// ErrInvalidArgs indicates to the caller that an invalid argument was
	// provided.
	ErrInvalidArgs = errors.New("invalid args")

	// ErrFragmentSize indicates that a fragment other than the last is not
	// a non-zero multiple of FragmentBlockSize.
	ErrFragmentSize = errors.New("fragment size is not a multiple of the block size")

	// ErrFragmentOverflow indicates that the fragment would make the
	// datagram larger than the maximum payload size.
	ErrFragmentOverflow = errors.New("fragment overflows the maximum datagram size")

	// ErrFragmentOverlap indicates that the fragment overlaps data already
	// received for the same datagram.
	ErrFragmentOverlap = errors.New("fragment overlaps received data")

	// ErrFragmentConflict indicates that the fragment disagrees with the end
	// of the datagram learnt from an earlier last fragment.
	ErrFragmentConflict = errors.New("fragment conflicts with the datagram end")

	// ErrListsExhausted indicates that the fragment would start a new
	// reassembly while every list is in use.
	ErrListsExhausted = errors.New("reassembly lists exhausted")
)

// FragmentID is the identifier for a fragment.
type FragmentID struct {
	// Source is the source address of the fragment.
	Source tcpip.Address

	// Destination is the destination address of the fragment.
	Destination tcpip.Address

	// ID is the identification value of the fragment.
	ID uint32
}

func (id FragmentID) String() string {
	return fmt.Sprintf("%s->%s#%d", id.Source, id.Destination, id.ID)
}

// Fragment is a single received fragment.
type Fragment struct {
	// Offset is the position of Data in the fragmentable part of the
	// datagram, in bytes.
	Offset int

	// More is the value of the M flag.
	More bool

	// Proto is the Next Header value of the fragment header. The value of
	// the offset-0 fragment is reported on completion.
	Proto uint8

	// Data is the fragment's share of the fragmentable part.
	Data buffer.VectorisedView

	// UnfragmentableLen is the length of the extension headers preceding
	// the fragment header. They count towards the reassembled payload
	// length.
	UnfragmentableLen int

	// Packet is the fragment as received, starting at the IPv6 header. It
	// is only kept for the offset-0 fragment, to quote it when the
	// reassembly times out.
	Packet buffer.View

	// NIC is the interface the fragment arrived on.
	NIC tcpip.NICID
}

// TimeoutHandler is notified when a reassembly times out.
type TimeoutHandler interface {
	// OnReassemblyTimeoutLocked is called with the offset-0 fragment as
	// received and the interface it arrived on. It is not called when that
	// fragment never arrived.
	OnReassemblyTimeoutLocked(id FragmentID, nicID tcpip.NICID, first buffer.View)
}

// Config configures a Reassembler.
type Config struct {
	// Clock drives the reassembly timers.
	Clock tcpip.Clock

	// Locker is the lock Process is called with. Timeouts take it.
	Locker sync.Locker

	// MaxLists caps the number of datagrams under reassembly. Zero selects
	// DefaultMaxReassemblyLists.
	MaxLists int

	// Timeout is the initial reassembly timeout. Zero selects
	// DefaultReassembleTimeout.
	Timeout time.Duration

	// Handler is optional.
	Handler TimeoutHandler

	// Stats receives the reassembly counters.
	Stats tcpip.FragmentationStats
}

// Reassembler reassembles fragmented datagrams.
type Reassembler struct {
	clock    tcpip.Clock
	locker   sync.Locker
	handler  TimeoutHandler
	stats    tcpip.FragmentationStats
	maxLists int
	freeList *btree.FreeListG[fragment]

	// timeout holds a time.Duration. It may be read and written without the
	// lock.
	timeout atomic.Int64

	// lists is protected by locker.
	lists map[FragmentID]*reassembly
}

// NewReassembler creates a new Reassembler.
func NewReassembler(c Config) (*Reassembler, error) {
	if c.Clock == nil || c.Locker == nil || c.MaxLists < 0 {
		return nil, ErrInvalidArgs
	}
	if c.MaxLists == 0 {
		c.MaxLists = DefaultMaxReassemblyLists
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultReassembleTimeout
	}
	r := &Reassembler{
		clock:    c.Clock,
		locker:   c.Locker,
		handler:  c.Handler,
		stats:    c.Stats,
		maxLists: c.MaxLists,
		freeList: btree.NewFreeListG[fragment](freeListSize),
		lists:    make(map[FragmentID]*reassembly),
	}
	if err := r.SetTimeout(c.Timeout); err != nil {
		return nil, err
	}
	return r, nil
}

// SetTimeout sets the timeout applied to reassemblies started afterwards.
func (r *Reassembler) SetTimeout(d time.Duration) error {
	if d < MinReassembleTimeout || d > MaxReassembleTimeout {
		return ErrInvalidArgs
	}
	r.timeout.Store(int64(d))
	return nil
}

// Timeout returns the current reassembly timeout.
func (r *Reassembler) Timeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// Process processes an incoming fragment belonging to the datagram
// identified by id. When the datagram is complete it returns its
// fragmentable part, the Next Header value of the offset-0 fragment, and
// true.
//
// Any error other than ErrFragmentSize and ErrListsExhausted also discards
// the whole datagram.
//
// r.locker must be locked.
func (r *Reassembler) Process(id FragmentID, f Fragment) (buffer.VectorisedView, uint8, bool, error) {
	// An atomic fragment is a complete datagram on its own, see RFC 6946.
	if f.Offset == 0 && !f.More {
		return f.Data, f.Proto, true, nil
	}

	r.stats.FragmentsReceived.Increment()
	size := f.Data.Size()
	end := f.Offset + size
	if f.More && (size < FragmentBlockSize || size%FragmentBlockSize != 0) {
		r.stats.MalformedFragments.Increment()
		return buffer.VectorisedView{}, 0, false, ErrFragmentSize
	}
	if f.UnfragmentableLen+end > maxDatagramSize {
		r.stats.Overflows.Increment()
		r.discardLocked(id)
		return buffer.VectorisedView{}, 0, false, ErrFragmentOverflow
	}

	l, ok := r.lists[id]
	if !ok {
		if len(r.lists) >= r.maxLists {
			r.stats.ListsExhausted.Increment()
			return buffer.VectorisedView{}, 0, false, ErrListsExhausted
		}
		l = r.newReassemblyLocked(id)
	}

	if err := l.insert(f.Offset, end, f.More, f.Data); err != nil {
		if errors.Is(err, ErrFragmentOverlap) {
			r.stats.Overlaps.Increment()
		} else {
			r.stats.MalformedFragments.Increment()
		}
		r.discardLocked(id)
		return buffer.VectorisedView{}, 0, false, err
	}
	if f.Offset == 0 {
		l.proto = f.Proto
		l.first = f.Packet
		l.firstNIC = f.NIC
	}

	if !l.complete() {
		return buffer.VectorisedView{}, 0, false, nil
	}
	data := l.assemble()
	proto := l.proto
	r.releaseLocked(l)
	r.stats.ReassembledPackets.Increment()
	return data, proto, true, nil
}

// newReassemblyLocked starts a list for id and arms its timeout.
func (r *Reassembler) newReassemblyLocked(id FragmentID) *reassembly {
	l := &reassembly{
		id: id,
		frags: btree.NewWithFreeListG(btreeDegree, func(a, b fragment) bool {
			return a.first < b.first
		}, r.freeList),
	}
	l.job = tcpip.NewJob(r.clock, r.locker, func() {
		r.timeoutLocked(l)
	})
	l.job.Schedule(r.Timeout())
	r.lists[id] = l
	return l
}

// timeoutLocked discards l when its timer fires.
func (r *Reassembler) timeoutLocked(l *reassembly) {
	if r.lists[l.id] != l {
		return
	}
	r.stats.Timeouts.Increment()
	log.Debugf("fragmentation: reassembly of %s timed out with %d bytes", l.id, l.size)
	first := l.first
	r.releaseLocked(l)
	if r.handler != nil && first != nil {
		r.handler.OnReassemblyTimeoutLocked(l.id, l.firstNIC, first)
	}
}

// discardLocked drops the list for id, if any.
func (r *Reassembler) discardLocked(id FragmentID) {
	if l, ok := r.lists[id]; ok {
		r.releaseLocked(l)
	}
}

func (r *Reassembler) releaseLocked(l *reassembly) {
	l.job.Cancel()
	l.frags.Clear(true /* addNodesToFreelist */)
	delete(r.lists, l.id)
}

// NumLists returns the number of datagrams under reassembly.
//
// r.locker must be locked.
func (r *Reassembler) NumLists() int {
	return len(r.lists)
}
