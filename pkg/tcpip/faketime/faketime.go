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

// Package faketime provides a manually advanced tcpip.Clock for driving
// protocol timers deterministically in tests and offline simulations.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
//
// Functions passed to AfterFunc run synchronously on the goroutine calling
// Advance, in deadline order. Functions scheduled for the same instant run in
// the order they were scheduled.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	// now is the current (fake) time of the clock.
	now time.Time

	// monotonicTimeBase holds the time at which the clock was created.
	monotonicTimeBase time.Time

	// timers is a min-heap of pending timers, ordered by deadline then by
	// creation sequence.
	timers timerHeap

	// seq orders timers with equal deadlines.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	start := time.Unix(0, 0)
	return &ManualClock{
		now:               start,
		monotonicTimeBase: start,
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// Now implements tcpip.Clock.Now.
func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return tcpip.MonotonicTime{}.Add(mc.now.Sub(mc.monotonicTimeBase))
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	mt := &manualTimer{
		clock: mc,
		f:     f,
		index: -1,
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.resetLocked(mt, d)
	return mt
}

// resetLocked (re)arms mt to fire d after the current time.
//
// mc.mu must be locked.
func (mc *ManualClock) resetLocked(mt *manualTimer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	mt.until = mc.now.Add(d)
	mc.seq++
	mt.seq = mc.seq
	if mt.index >= 0 {
		heap.Fix(&mc.timers, mt.index)
		return
	}
	heap.Push(&mc.timers, mt)
}

// stopLocked removes mt from the pending set. It returns true if mt was
// pending.
//
// mc.mu must be locked.
func (mc *ManualClock) stopLocked(mt *manualTimer) bool {
	if mt.index < 0 {
		return false
	}
	heap.Remove(&mc.timers, mt.index)
	return true
}

// PendingTimers returns the number of timers that have not fired or been
// stopped.
func (mc *ManualClock) PendingTimers() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.timers.Len()
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Blocks until all work has completed execution.
//
// Work scheduled by the executed functions is run too, if it falls within the
// advanced window.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for mc.timers.Len() > 0 {
		next := mc.timers[0]
		if next.until.After(until) {
			break
		}
		heap.Pop(&mc.timers)
		if next.until.After(mc.now) {
			mc.now = next.until
		}

		// Run without the lock so f may read the clock and schedule more work.
		mc.mu.Unlock()
		next.f()
		mc.mu.Lock()
	}
	if until.After(mc.now) {
		mc.now = until
	}
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	f     func()

	// The fields below are protected by clock.mu.
	until time.Time
	seq   uint64
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.clock.resetLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.stopLocked(t)
}

// timerHeap implements heap.Interface over pending timers.
type timerHeap []*manualTimer

var _ heap.Interface = (*timerHeap)(nil)

// Len implements heap.Interface.Len.
func (h timerHeap) Len() int {
	return len(h)
}

// Less implements heap.Interface.Less.
func (h timerHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

// Swap implements heap.Interface.Swap.
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push implements heap.Interface.Push.
func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop implements heap.Interface.Pop.
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	last := old[n-1]
	old[n-1] = nil
	last.index = -1
	*h = old[:n-1]
	return last
}
