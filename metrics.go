// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
)

// EventMetrics counts ingested flushes and compactions.
type EventMetrics struct {
	// Flushes and Compactions are the events handed to the background
	// goroutine, including those that went through the overflow buckets.
	Flushes     uint64
	Compactions uint64
	// Filtered is the number of events smaller than Options.MinEventBytes.
	Filtered uint64
	// Overflowed is the number of events that found the event queue full.
	Overflowed uint64
	// Dropped is the number of events received after Stop.
	Dropped uint64
}

// CycleMetrics describes the recalculation cycles.
type CycleMetrics struct {
	// Count is the number of cycles run, including skipped and failed ones.
	Count uint64
	// Skipped is the number of cycles that had no data.
	Skipped uint64
	// Failed is the number of cycles that returned an error or panicked.
	Failed uint64
	// Applied is the number of cycles that pushed a rate into the engine.
	Applied uint64
	// LastDuration is the duration of the most recent cycle.
	LastDuration time.Duration
	// LastRawRate and LastAdjustment are the unsmoothed rate in bytes/sec and
	// the bytes deducted from the measured throughput by the most recent
	// cycle that had data.
	LastRawRate    uint64
	LastAdjustment uint64
	// The signals read by the most recent cycle.
	CompactionBacklog      uint64
	ImmutableMemTables     uint64
	PendingCompactionBytes uint64
	FileDescriptors        ResourceUsage
	MemoryMaps             ResourceUsage
}

// Metrics is a snapshot of the controller's state.
type Metrics struct {
	State State
	// Throttle is the current rate in bytes/sec.
	Throttle uint64
	Events   EventMetrics
	Cycles   CycleMetrics
}

// Metrics returns a snapshot of the controller's metrics.
func (c *Controller) Metrics() Metrics {
	m := Metrics{
		State:    c.state.Load(),
		Throttle: c.throttle.Load(),
		Events: EventMetrics{
			Flushes:     c.counters.flushes.Load(),
			Compactions: c.counters.compactions.Load(),
			Filtered:    c.counters.filtered.Load(),
			Overflowed:  c.counters.overflowed.Load(),
			Dropped:     c.counters.dropped.Load(),
		},
	}
	c.mu.Lock()
	m.Cycles = c.mu.cycles
	c.mu.Unlock()
	return m
}

// SafeFormat implements redact.SafeFormatter.
func (u ResourceUsage) SafeFormat(w redact.SafePrinter, _ rune) {
	if u.Limit == 0 {
		w.SafeString("n/a")
		return
	}
	w.Printf("%d/%d", u.Current, u.Limit)
}

// SafeFormat implements redact.SafeFormatter.
func (m Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("state: %s  throttle: %s/s\n", m.State, crhumanize.Bytes(m.Throttle, crhumanize.Compact, crhumanize.OmitI))
	w.Printf("events: %s flushes, %s compactions (filtered %d, overflowed %d, dropped %d)\n",
		crhumanize.Count(m.Events.Flushes, crhumanize.Compact),
		crhumanize.Count(m.Events.Compactions, crhumanize.Compact),
		m.Events.Filtered, m.Events.Overflowed, m.Events.Dropped)
	cm := &m.Cycles
	w.Printf("cycles: %d (skipped %d, failed %d, applied %d), last took %s\n",
		cm.Count, cm.Skipped, cm.Failed, cm.Applied, cm.LastDuration)
	w.Printf("raw rate: %s/s  adjustment: %s\n",
		crhumanize.Bytes(cm.LastRawRate, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Bytes(cm.LastAdjustment, crhumanize.Compact, crhumanize.OmitI))
	w.Printf("backlog: %d  immutable memtables: %d  pending compaction: %s\n",
		cm.CompactionBacklog, cm.ImmutableMemTables,
		crhumanize.Bytes(cm.PendingCompactionBytes, crhumanize.Compact, crhumanize.OmitI))
	w.Printf("file descriptors: %s  memory maps: %s", cm.FileDescriptors, cm.MemoryMaps)
}

// String implements fmt.Stringer.
func (m Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

func humanizeBytes(n uint64) string {
	return string(crhumanize.Bytes(n, crhumanize.Compact, crhumanize.OmitI))
}
