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
	"github.com/google/btree"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/buffer"
)

// fragment is a received range [first, last) of a datagram.
type fragment struct {
	first int
	last  int
	data  buffer.VectorisedView
}

// reassembly is the set of fragments received for one datagram.
type reassembly struct {
	id    FragmentID
	frags *btree.BTreeG[fragment]

	// size is the number of bytes received so far.
	size int

	// final is set once the last fragment arrived; total is then the size
	// of the datagram.
	final bool
	total int

	proto    uint8
	first    buffer.View
	firstNIC tcpip.NICID
	job      *tcpip.Job
}

// insert adds the range [first, last) to the list. Overlapping an existing
// fragment, including an exact duplicate, is an error.
func (l *reassembly) insert(first, last int, more bool, data buffer.VectorisedView) error {
	tail, ok := l.frags.Max()
	if !more {
		if l.final && l.total != last {
			return ErrFragmentConflict
		}
		if ok && tail.last > last {
			return ErrFragmentConflict
		}
	} else if l.final && last > l.total {
		return ErrFragmentConflict
	}

	// Fragments mostly arrive in order, so appending past the highest one
	// needs no neighbour lookup.
	if !ok || first >= tail.last {
		if ok && first == tail.first {
			return ErrFragmentOverlap
		}
	} else if l.overlaps(first, last) {
		return ErrFragmentOverlap
	}

	l.frags.ReplaceOrInsert(fragment{first: first, last: last, data: data.Clone(nil)})
	l.size += last - first
	if !more {
		l.final = true
		l.total = last
	}
	return nil
}

// overlaps reports whether [first, last) intersects a stored fragment.
func (l *reassembly) overlaps(first, last int) bool {
	overlap := false
	l.frags.DescendLessOrEqual(fragment{first: first}, func(prev fragment) bool {
		overlap = prev.first == first || prev.last > first
		return false
	})
	if overlap {
		return true
	}
	l.frags.AscendGreaterOrEqual(fragment{first: first}, func(next fragment) bool {
		overlap = next.first < last
		return false
	})
	return overlap
}

// complete reports whether every byte of the datagram has arrived. Since
// stored ranges never overlap, a matching byte count means no holes.
func (l *reassembly) complete() bool {
	return l.final && l.size == l.total
}

// assemble joins the fragments in offset order.
func (l *reassembly) assemble() buffer.VectorisedView {
	views := make([]buffer.View, 0, l.frags.Len())
	l.frags.Ascend(func(f fragment) bool {
		views = append(views, f.data.Views()...)
		return true
	})
	return buffer.NewVectorisedView(l.total, views)
}
