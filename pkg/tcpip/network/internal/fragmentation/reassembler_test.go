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

package fragmentation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/faketime"
)

// payload returns size bytes counting up from start.
func payload(start, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func frag(offset, size int, more bool) Fragment {
	return Fragment{
		Offset: offset,
		More:   more,
		Proto:  17,
		Data:   buffer.NewViewFromBytes(payload(offset, size)).ToVectorisedView(),
	}
}

// behind sets the length of the headers preceding the fragment header.
func behind(f Fragment, unfragmentableLen int) Fragment {
	f.UnfragmentableLen = unfragmentableLen
	return f
}

type timeoutRecorder struct {
	nics   []tcpip.NICID
	firsts []buffer.View
}

func (t *timeoutRecorder) OnReassemblyTimeoutLocked(_ FragmentID, nicID tcpip.NICID, first buffer.View) {
	t.nics = append(t.nics, nicID)
	t.firsts = append(t.firsts, first)
}

type testContext struct {
	clock   *faketime.ManualClock
	handler *timeoutRecorder
	stats   tcpip.Stats
	r       *Reassembler
}

func newTestContext(t *testing.T, maxLists int) *testContext {
	t.Helper()
	c := &testContext{
		clock:   faketime.NewManualClock(),
		handler: &timeoutRecorder{},
		stats:   tcpip.Stats{}.FillIn(),
	}
	r, err := NewReassembler(Config{
		Clock:    c.clock,
		Locker:   &sync.Mutex{},
		MaxLists: maxLists,
		Handler:  c.handler,
		Stats:    c.stats.Fragmentation,
	})
	if err != nil {
		t.Fatalf("NewReassembler(_): %s", err)
	}
	c.r = r
	return c
}

var testID = FragmentID{
	Source:      "\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01",
	Destination: "\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02",
	ID:          7,
}

func TestReassemblerProcess(t *testing.T) {
	type step struct {
		frag     Fragment
		wantDone bool
		wantErr  error
	}
	tests := []struct {
		name      string
		steps     []step
		wantData  []byte
		wantLists int
	}{
		{
			name: "in order",
			steps: []step{
				{frag: frag(0, 16, true)},
				{frag: frag(16, 5, false), wantDone: true},
			},
			wantData: payload(0, 21),
		},
		{
			name: "out of order",
			steps: []step{
				{frag: frag(16, 5, false)},
				{frag: frag(8, 8, true)},
				{frag: frag(0, 8, true), wantDone: true},
			},
			wantData: payload(0, 21),
		},
		{
			name: "middle last",
			steps: []step{
				{frag: frag(0, 8, true)},
				{frag: frag(24, 8, false)},
				{frag: frag(8, 16, true), wantDone: true},
			},
			wantData: payload(0, 32),
		},
		{
			name: "overlap discards datagram",
			steps: []step{
				{frag: frag(0, 16, true)},
				{frag: frag(8, 16, true), wantErr: ErrFragmentOverlap},
				{frag: frag(24, 8, false)},
			},
			wantLists: 1,
		},
		{
			name: "overlap with later fragment",
			steps: []step{
				{frag: frag(16, 8, false)},
				{frag: frag(8, 16, true), wantErr: ErrFragmentOverlap},
			},
		},
		{
			name: "exact duplicate",
			steps: []step{
				{frag: frag(0, 8, true)},
				{frag: frag(0, 8, true), wantErr: ErrFragmentOverlap},
			},
		},
		{
			name: "short fragment",
			steps: []step{
				{frag: frag(0, 8, true)},
				{frag: frag(8, 4, true), wantErr: ErrFragmentSize},
			},
			wantLists: 1,
		},
		{
			name: "misaligned fragment",
			steps: []step{
				{frag: frag(0, 12, true), wantErr: ErrFragmentSize},
			},
		},
		{
			name: "overflow",
			steps: []step{
				{frag: frag(0, 8, true)},
				{frag: frag(65528, 16, false), wantErr: ErrFragmentOverflow},
			},
		},
		{
			name: "overflow with unfragmentable headers",
			steps: []step{
				{frag: behind(frag(0, 8, true), 8)},
				{frag: behind(frag(65528, 7, false), 8), wantErr: ErrFragmentOverflow},
			},
		},
		{
			name: "largest payload with unfragmentable headers",
			steps: []step{
				{frag: behind(frag(0, 8, true), 8)},
				{frag: behind(frag(65520, 7, false), 8)},
			},
			wantLists: 1,
		},
		{
			name: "second last fragment at a different end",
			steps: []step{
				{frag: frag(16, 8, false)},
				{frag: frag(32, 8, false), wantErr: ErrFragmentConflict},
			},
		},
		{
			name: "data beyond the end",
			steps: []step{
				{frag: frag(16, 8, false)},
				{frag: frag(32, 8, true), wantErr: ErrFragmentConflict},
			},
		},
		{
			name: "atomic fragment",
			steps: []step{
				{frag: frag(0, 5, false), wantDone: true},
			},
			wantData: payload(0, 5),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, 0)
			var data buffer.VectorisedView
			for i, s := range test.steps {
				got, proto, done, err := c.r.Process(testID, s.frag)
				if !errors.Is(err, s.wantErr) {
					t.Fatalf("step %d: got Process(_, _) = %v, want = %v", i, err, s.wantErr)
				}
				if done != s.wantDone {
					t.Fatalf("step %d: got done = %t, want = %t", i, done, s.wantDone)
				}
				if done {
					if proto != 17 {
						t.Errorf("step %d: got proto = %d, want = 17", i, proto)
					}
					data = got
				}
			}
			if test.wantData != nil {
				if diff := cmp.Diff(test.wantData, []byte(data.ToView())); diff != "" {
					t.Errorf("reassembled data mismatch (-want +got):\n%s", diff)
				}
			}
			if got := c.r.NumLists(); got != test.wantLists {
				t.Errorf("got NumLists() = %d, want = %d", got, test.wantLists)
			}
		})
	}
}

func TestReassemblerStats(t *testing.T) {
	c := newTestContext(t, 0)
	c.r.Process(testID, frag(0, 8, true))
	c.r.Process(testID, frag(8, 8, false))
	c.r.Process(testID, frag(0, 8, true))
	c.r.Process(testID, frag(0, 8, true))
	c.r.Process(testID, frag(0, 3, true))

	f := c.stats.Fragmentation
	got := map[string]uint64{
		"FragmentsReceived":  f.FragmentsReceived.Value(),
		"ReassembledPackets": f.ReassembledPackets.Value(),
		"Overlaps":           f.Overlaps.Value(),
		"MalformedFragments": f.MalformedFragments.Value(),
	}
	want := map[string]uint64{
		"FragmentsReceived":  5,
		"ReassembledPackets": 1,
		"Overlaps":           1,
		"MalformedFragments": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestReassemblerListsExhausted(t *testing.T) {
	c := newTestContext(t, 1)
	if _, _, _, err := c.r.Process(testID, frag(0, 8, true)); err != nil {
		t.Fatalf("Process(%s, _): %s", testID, err)
	}
	other := testID
	other.ID++
	if _, _, _, err := c.r.Process(other, frag(0, 8, true)); !errors.Is(err, ErrListsExhausted) {
		t.Fatalf("got Process(%s, _) = %v, want = %s", other, err, ErrListsExhausted)
	}
	// Fragments of the datagram in progress are still accepted.
	if _, _, done, err := c.r.Process(testID, frag(8, 1, false)); err != nil || !done {
		t.Fatalf("got Process(%s, _) = (%t, %v), want = (true, nil)", testID, done, err)
	}
	if got := c.stats.Fragmentation.ListsExhausted.Value(); got != 1 {
		t.Errorf("got ListsExhausted = %d, want = 1", got)
	}
}

func TestReassemblerTimeout(t *testing.T) {
	first := buffer.View(payload(100, 48))
	tests := []struct {
		name       string
		frags      []Fragment
		wantNICs   []tcpip.NICID
		wantFirsts []buffer.View
	}{
		{
			name: "first fragment received",
			frags: []Fragment{
				func() Fragment {
					f := frag(0, 8, true)
					f.Packet = first
					f.NIC = 3
					return f
				}(),
			},
			wantNICs:   []tcpip.NICID{3},
			wantFirsts: []buffer.View{first},
		},
		{
			name:  "first fragment missing",
			frags: []Fragment{frag(8, 8, false)},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, 0)
			if err := c.r.SetTimeout(5 * time.Second); err != nil {
				t.Fatalf("SetTimeout(5s): %s", err)
			}
			for _, f := range test.frags {
				if _, _, _, err := c.r.Process(testID, f); err != nil {
					t.Fatalf("Process(%s, _): %s", testID, err)
				}
			}

			c.clock.Advance(5*time.Second - time.Nanosecond)
			if got := c.r.NumLists(); got != 1 {
				t.Fatalf("got NumLists() = %d before the timeout, want = 1", got)
			}
			c.clock.Advance(time.Nanosecond)
			if got := c.r.NumLists(); got != 0 {
				t.Errorf("got NumLists() = %d after the timeout, want = 0", got)
			}
			if got := c.stats.Fragmentation.Timeouts.Value(); got != 1 {
				t.Errorf("got Timeouts = %d, want = 1", got)
			}
			if diff := cmp.Diff(test.wantNICs, c.handler.nics); diff != "" {
				t.Errorf("timeout NICs mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(test.wantFirsts, c.handler.firsts); diff != "" {
				t.Errorf("timeout notifications mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReassemblerCompletionCancelsTimer(t *testing.T) {
	c := newTestContext(t, 0)
	c.r.Process(testID, frag(0, 8, true))
	if got := c.clock.PendingTimers(); got != 1 {
		t.Fatalf("got PendingTimers() = %d, want = 1", got)
	}
	if _, _, done, _ := c.r.Process(testID, frag(8, 8, false)); !done {
		t.Fatal("datagram not reassembled")
	}
	if got := c.clock.PendingTimers(); got != 0 {
		t.Errorf("got PendingTimers() = %d after completion, want = 0", got)
	}
}

func TestSetTimeout(t *testing.T) {
	c := newTestContext(t, 0)
	if got := c.r.Timeout(); got != DefaultReassembleTimeout {
		t.Errorf("got Timeout() = %s, want = %s", got, DefaultReassembleTimeout)
	}
	for _, d := range []time.Duration{0, time.Second - 1, MaxReassembleTimeout + 1} {
		if err := c.r.SetTimeout(d); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("got SetTimeout(%s) = %v, want = %s", d, err, ErrInvalidArgs)
		}
	}
	for _, d := range []time.Duration{MinReassembleTimeout, 30 * time.Second, MaxReassembleTimeout} {
		if err := c.r.SetTimeout(d); err != nil {
			t.Errorf("SetTimeout(%s): %s", d, err)
		}
		if got := c.r.Timeout(); got != d {
			t.Errorf("got Timeout() = %s, want = %s", got, d)
		}
	}
}
