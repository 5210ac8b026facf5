// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minLatency = 1 * time.Microsecond
	maxLatency = 100 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// latencyHistogram records write latencies. tick swaps out the interval
// histogram and folds it into the cumulative one.
type latencyHistogram struct {
	mu struct {
		sync.Mutex
		current *hdrhistogram.Histogram
	}
	cumulative *hdrhistogram.Histogram
}

func newLatencyHistogram() *latencyHistogram {
	h := &latencyHistogram{cumulative: newHistogram()}
	h.mu.current = newHistogram()
	return h
}

func (h *latencyHistogram) Record(elapsed time.Duration) {
	elapsed = min(max(elapsed, minLatency), maxLatency)

	h.mu.Lock()
	err := h.mu.current.RecordValue(elapsed.Nanoseconds())
	h.mu.Unlock()

	if err != nil {
		// The value was clamped to the histogram's range.
		panic(fmt.Sprintf("recording value: %s", err))
	}
}

// tick returns the histogram of the latencies recorded since the previous
// tick. It must not be called concurrently with itself.
func (h *latencyHistogram) tick() *hdrhistogram.Histogram {
	h.mu.Lock()
	cur := h.mu.current
	h.mu.current = newHistogram()
	h.mu.Unlock()
	h.cumulative.Merge(cur)
	return cur
}

func millis(v int64) float64 {
	return time.Duration(v).Seconds() * 1000
}
