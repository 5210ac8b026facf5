// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writecontroller

import (
	"sync"
	"time"
)

// windowCounter sums values added over a sliding time window, at a granularity
// of window/resolution.
type windowCounter struct {
	now         func() time.Time
	bucketWidth int64
	mu          struct {
		sync.Mutex
		startT  int64
		lastT   int64
		total   int64
		head    int
		buckets []int64
	}
}

func newWindowCounter(window time.Duration, resolution int, now func() time.Time) *windowCounter {
	r := &windowCounter{
		now:         now,
		bucketWidth: int64(window / time.Duration(resolution)),
	}
	r.mu.buckets = make([]int64, resolution)
	return r
}

// tickLocked expires the buckets that have fallen out of the window.
func (r *windowCounter) tickLocked() {
	t := r.now().UnixNano() / r.bucketWidth
	if t <= r.mu.lastT {
		return
	}
	delta := min(t-r.mu.lastT, int64(len(r.mu.buckets)))
	for i := int64(0); i < delta; i++ {
		r.mu.head++
		if r.mu.head >= len(r.mu.buckets) {
			r.mu.head = 0
		}
		r.mu.total -= r.mu.buckets[r.mu.head]
		r.mu.buckets[r.mu.head] = 0
	}
	r.mu.lastT = t
	if r.mu.startT == 0 {
		r.mu.startT = r.mu.lastT
	}
}

func (r *windowCounter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked()
	r.mu.buckets[r.mu.head] += n
	r.mu.total += n
}

// value returns the sum over the window.
func (r *windowCounter) value() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked()
	return r.mu.total
}

// rate returns the sum over the window divided by the part of the window that
// has elapsed since the first add, in units per second.
func (r *windowCounter) rate() float64 {
	r.mu.Lock()
	r.tickLocked()
	sum := r.mu.total
	elapsed := min(r.mu.lastT-r.mu.startT, int64(len(r.mu.buckets)))
	r.mu.Unlock()
	if elapsed <= 0 {
		return 0
	}
	return float64(sum) / (float64(elapsed*r.bucketWidth) / float64(time.Second))
}
