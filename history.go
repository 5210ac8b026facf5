// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"time"

	"github.com/cockroachdb/writethrottle/internal/invariants"
)

// bucket accumulates flush and compaction activity over one interval.
type bucket struct {
	elapsed time.Duration
	keys    uint64
	bytes   uint64
	// count is the number of flushes or compactions folded into the bucket.
	count uint64
}

func (b *bucket) add(o bucket) {
	b.elapsed += o.elapsed
	b.keys += o.keys
	b.bytes += o.bytes
	b.count += o.count
}

func (b *bucket) isEmpty() bool {
	return b.bytes == 0 && b.elapsed == 0 && b.count == 0
}

const (
	level0Bucket    = 0
	nonLevel0Bucket = 1
	// firstHistorySlot is the first slot that holds a completed interval.
	firstHistorySlot = 2
)

// history is the ring of buckets the rate is measured over.
//
// slots[level0Bucket] and slots[nonLevel0Bucket] accumulate the interval in
// progress. slots[firstHistorySlot:] hold completed non-level-0 intervals,
// overwritten round-robin at replaceIdx.
type history struct {
	slots []bucket
	// replaceIdx is the slot the next completed interval is written to. It is
	// always in [firstHistorySlot, len(slots)).
	replaceIdx int
}

func makeHistory(numSlots int) history {
	if numSlots < firstHistorySlot+1 {
		panic("writethrottle: history needs at least 3 slots")
	}
	return history{
		slots:      make([]bucket, numSlots),
		replaceIdx: firstHistorySlot,
	}
}

// record folds an event into the interval in progress.
func (h *history) record(ev event) {
	idx := nonLevel0Bucket
	if ev.level0 {
		idx = level0Bucket
	}
	h.slots[idx].add(bucket{elapsed: ev.elapsed, keys: ev.keys, bytes: ev.bytes, count: 1})
}

// merge folds a pair of accumulated buckets (indexed like the first two
// slots) into the interval in progress.
func (h *history) merge(pair *[2]bucket) {
	h.slots[level0Bucket].add(pair[level0Bucket])
	h.slots[nonLevel0Bucket].add(pair[nonLevel0Bucket])
}

// rotate moves the non-level-0 interval in progress into the history and
// clears it. The level-0 accumulator is left alone.
func (h *history) rotate() {
	invariants.CheckBounds(h.replaceIdx, firstHistorySlot, len(h.slots))
	h.slots[h.replaceIdx] = h.slots[nonLevel0Bucket]
	h.slots[nonLevel0Bucket] = bucket{}
}

// advance moves replaceIdx to the next history slot.
func (h *history) advance() {
	h.replaceIdx++
	if h.replaceIdx >= len(h.slots) {
		h.replaceIdx = firstHistorySlot
	}
}

// totals sums the completed intervals.
func (h *history) totals() (bytes uint64, micros uint64) {
	for i := firstHistorySlot; i < len(h.slots); i++ {
		bytes += h.slots[i].bytes
		micros += uint64(h.slots[i].elapsed.Microseconds())
	}
	return bytes, micros
}

func (h *history) level0() *bucket {
	return &h.slots[level0Bucket]
}
