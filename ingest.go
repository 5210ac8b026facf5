// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

// event is one flush or compaction that passed the size filter, on its way to
// the background goroutine.
type event struct {
	elapsed time.Duration
	keys    uint64
	bytes   uint64
	level0  bool
}

// FlushOp is the context of an in-flight flush, returned by BeginFlush and
// handed back to EndFlush.
type FlushOp struct {
	start crtime.Mono
}

// Elapsed returns the time since the flush began.
func (op FlushOp) Elapsed() time.Duration {
	if op.start == 0 {
		return 0
	}
	return op.start.Elapsed()
}

var _ EventListener = (*Controller)(nil)

// BeginFlush implements EventListener.
func (c *Controller) BeginFlush() FlushOp {
	return FlushOp{start: crtime.NowMono()}
}

// EndFlush implements EventListener.
func (c *Controller) EndFlush(op FlushOp, info FlushInfo) {
	elapsed := op.Elapsed()
	c.RecordFlushCompletion(info.OutputBytes, elapsed, info.OutputKeys)
	c.OnFlush(elapsed, info.OutputKeys, info.OutputBytes, info.Level0)
}

// CompactionEnd implements EventListener.
func (c *Controller) CompactionEnd(info CompactionInfo) {
	c.OnCompaction(info.Duration, info.OutputKeys, info.OutputBytes, info.OutputLevel == 0)
}

// OnFlush records a completed flush. It never blocks on the background
// goroutine.
func (c *Controller) OnFlush(elapsed time.Duration, keys, bytes uint64, level0 bool) {
	if c.ingest(event{elapsed: elapsed, keys: keys, bytes: bytes, level0: level0}) {
		c.counters.flushes.Add(1)
	}
}

// OnCompaction records a completed compaction. It never blocks on the
// background goroutine.
func (c *Controller) OnCompaction(elapsed time.Duration, keys, bytes uint64, level0 bool) {
	if c.ingest(event{elapsed: elapsed, keys: keys, bytes: bytes, level0: level0}) {
		c.counters.compactions.Add(1)
	}
}

// ingest hands ev to the background goroutine, or folds it into the overflow
// buckets when the event queue is full. It returns false if the event was
// filtered or dropped.
func (c *Controller) ingest(ev event) bool {
	if ev.bytes < c.opts.MinEventBytes {
		c.counters.filtered.Add(1)
		return false
	}
	// The background goroutine no longer reads the queue once shutdown begins.
	if c.state.Load() >= StateShuttingDown {
		c.counters.dropped.Add(1)
		return false
	}
	if ev.elapsed < 0 {
		ev.elapsed = 0
	}
	select {
	case c.events <- ev:
		return true
	default:
	}
	idx := nonLevel0Bucket
	if ev.level0 {
		idx = level0Bucket
	}
	c.mu.Lock()
	c.mu.overflow[idx].add(bucket{elapsed: ev.elapsed, keys: ev.keys, bytes: ev.bytes, count: 1})
	c.mu.Unlock()
	c.counters.overflowed.Add(1)
	return true
}

// RecordFlushCompletion starts the controller on the first flush larger than
// half the write buffer size. The caller blocks only until the background
// goroutine is running.
func (c *Controller) RecordFlushCompletion(bytes uint64, elapsed time.Duration, keys uint64) {
	if bytes <= c.opts.startThreshold() || c.state.Load() != StateNotStarted {
		return
	}
	if !c.state.advance(StateNotStarted, transitionStart) {
		// Another flush won the race.
		return
	}
	c.opts.Logger.Infof("writethrottle: starting after a %s flush of %d keys in %s",
		humanizeBytes(bytes), keys, elapsed)
	c.start()
}
