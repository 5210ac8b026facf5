// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package lsmsim simulates the write path of a partitioned LSM engine: writes
// fill memtables, a flush goroutine turns full memtables into L0 files and a
// compaction goroutine moves data down the levels, each at a bounded
// bandwidth. Writes stall when a partition has too many immutable memtables
// or L0 files, the same way a real engine stops writes.
//
// The simulator implements writethrottle.Engine, and its partitions implement
// writethrottle.Partition, so a writethrottle.Controller can be driven by it.
package lsmsim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
	"github.com/cockroachdb/writethrottle/internal/rate"
	"github.com/cockroachdb/writethrottle/writecontroller"
)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("lsmsim: closed")

var _ writethrottle.Engine = (*Engine)(nil)
var _ writethrottle.WriteController = (*writecontroller.Controller)(nil)

// Engine is a simulated LSM engine.
type Engine struct {
	opts       Options
	wc         *writecontroller.Controller
	partitions []*partition

	flushLimiter      *rate.Limiter
	compactionLimiter *rate.Limiter

	// ctx is canceled by Close to interrupt background work.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu is the engine mutex. It guards the partitions' state and the write
	// controller's settings.
	mu struct {
		sync.Mutex
		closed    bool
		nextJobID int
		// nextCompaction is the partition the compaction picker looks at
		// first.
		nextCompaction int
		// flushCond and compactCond wake up the background goroutines.
		flushCond   sync.Cond
		compactCond sync.Cond
		// stallCond wakes up stalled writers.
		stallCond sync.Cond
	}

	stats struct {
		writes         atomic.Uint64
		writeBytes     atomic.Uint64
		stalls         atomic.Uint64
		stallDuration  atomic.Int64
		flushes        atomic.Uint64
		flushedBytes   atomic.Uint64
		compactions    atomic.Uint64
		compactedBytes atomic.Uint64
	}
}

// Open starts a simulated engine.
func Open(opts Options) (*Engine, error) {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts: opts,
		wc: writecontroller.New(writecontroller.Options{
			MaxDelayedWriteRate: opts.MaxDelayedWriteRate,
		}),
		flushLimiter:      newBandwidthLimiter(opts.FlushBandwidth),
		compactionLimiter: newBandwidthLimiter(opts.CompactionBandwidth),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.flushCond.L = &e.mu.Mutex
	e.mu.compactCond.L = &e.mu.Mutex
	e.mu.stallCond.L = &e.mu.Mutex
	e.partitions = make([]*partition, opts.Partitions)
	for i := range e.partitions {
		e.partitions[i] = newPartition(e, i)
	}

	e.wg.Add(2)
	go e.flushLoop()
	go e.compactLoop()
	opts.Logger.Infof("lsmsim: opened %d partitions", opts.Partitions)
	return e, nil
}

// newBandwidthLimiter returns a limiter admitting bps bytes/sec, with a burst
// of 100ms worth of bytes.
func newBandwidthLimiter(bps uint64) *rate.Limiter {
	return rate.NewLimiter(float64(bps), max(float64(bps)/10, 1))
}

// Close stops the background goroutines and fails stalled and future writes
// with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.mu.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.closed = true
	e.mu.flushCond.Broadcast()
	e.mu.compactCond.Broadcast()
	e.mu.stallCond.Broadcast()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.opts.Logger.Infof("lsmsim: closed after %d writes, %d flushes, %d compactions",
		e.stats.writes.Load(), e.stats.flushes.Load(), e.stats.compactions.Load())
	return nil
}

// Lock implements writethrottle.Engine.
func (e *Engine) Lock() {
	e.mu.Lock()
}

// Unlock implements writethrottle.Engine.
func (e *Engine) Unlock() {
	e.mu.Unlock()
}

// WriteController implements writethrottle.Engine.
func (e *Engine) WriteController() writethrottle.WriteController {
	return e.wc
}

// Partitions returns the engine's partitions.
func (e *Engine) Partitions() []writethrottle.Partition {
	ps := make([]writethrottle.Partition, len(e.partitions))
	for i, p := range e.partitions {
		ps[i] = p
	}
	return ps
}

// Write adds a key of the given size to the partition the key hashes to. The
// write first waits on the write controller's delayed rate, then blocks while
// the partition is stalled.
func (e *Engine) Write(ctx context.Context, key []byte, size uint64) error {
	p := e.partitions[xxhash.Sum64(key)%uint64(len(e.partitions))]
	if _, err := e.wc.Wait(ctx, size); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.waitForRoomLocked(ctx, p); err != nil {
		return err
	}
	p.mem.bytes += size
	p.mem.keys++
	if p.mem.bytes >= e.opts.MemTableSize {
		p.imm = append(p.imm, p.mem)
		p.mem = memtable{}
		e.mu.flushCond.Signal()
	}
	e.stats.writes.Add(1)
	e.stats.writeBytes.Add(size)
	return nil
}

// waitForRoomLocked blocks until p is not stalled. The engine mutex is held.
func (e *Engine) waitForRoomLocked(ctx context.Context, p *partition) error {
	var stalled bool
	var start crtime.Mono
	defer func() {
		if stalled {
			e.stats.stallDuration.Add(int64(start.Elapsed()))
		}
	}()
	for {
		if e.mu.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.stalledLocked() {
			return nil
		}
		if !stalled {
			stalled = true
			start = crtime.NowMono()
			e.stats.stalls.Add(1)
			stop := context.AfterFunc(ctx, func() {
				e.mu.Lock()
				defer e.mu.Unlock()
				e.mu.stallCond.Broadcast()
			})
			defer stop()
		}
		e.mu.stallCond.Wait()
	}
}

func (e *Engine) newJobIDLocked() int {
	e.mu.nextJobID++
	return e.mu.nextJobID
}

// flushLoop flushes immutable memtables into L0, oldest first, one at a time.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	listener := e.opts.EventListener
	for {
		e.mu.Lock()
		p := e.pickFlushLocked()
		for p == nil && !e.mu.closed {
			e.mu.flushCond.Wait()
			p = e.pickFlushLocked()
		}
		if e.mu.closed {
			e.mu.Unlock()
			return
		}
		m := p.imm[0]
		jobID := e.newJobIDLocked()
		e.mu.Unlock()

		var op writethrottle.FlushOp
		if listener != nil {
			op = listener.BeginFlush()
		}
		if _, err := e.flushLimiter.WaitCtx(e.ctx, float64(m.bytes)); err != nil {
			return
		}

		e.mu.Lock()
		p.imm = p.imm[1:]
		l0 := &p.levels[0]
		l0.files++
		l0.bytes += m.bytes
		l0.keys += m.keys
		e.mu.stallCond.Broadcast()
		e.mu.compactCond.Signal()
		e.mu.Unlock()

		e.stats.flushes.Add(1)
		e.stats.flushedBytes.Add(m.bytes)
		if listener != nil {
			listener.EndFlush(op, writethrottle.FlushInfo{
				JobID:       jobID,
				Partition:   p.name,
				OutputKeys:  m.keys,
				OutputBytes: m.bytes,
				Level0:      true,
			})
		}
	}
}

// pickFlushLocked returns the partition with the most immutable memtables,
// or nil if there are none.
func (e *Engine) pickFlushLocked() *partition {
	var best *partition
	for _, p := range e.partitions {
		if len(p.imm) > 0 && (best == nil || len(p.imm) > len(best.imm)) {
			best = p
		}
	}
	return best
}

// compactLoop runs one compaction at a time across all partitions.
func (e *Engine) compactLoop() {
	defer e.wg.Done()
	listener := e.opts.EventListener
	for {
		e.mu.Lock()
		c := e.pickCompactionLocked()
		for c == nil && !e.mu.closed {
			e.mu.compactCond.Wait()
			c = e.pickCompactionLocked()
		}
		if e.mu.closed {
			e.mu.Unlock()
			return
		}
		jobID := e.newJobIDLocked()
		e.mu.Unlock()

		start := crtime.NowMono()
		if _, err := e.compactionLimiter.WaitCtx(e.ctx, float64(c.outputBytes)); err != nil {
			return
		}

		e.mu.Lock()
		c.applyLocked()
		e.mu.stallCond.Broadcast()
		e.mu.Unlock()

		e.stats.compactions.Add(1)
		e.stats.compactedBytes.Add(c.outputBytes)
		if listener != nil {
			listener.CompactionEnd(writethrottle.CompactionInfo{
				JobID:       jobID,
				Partition:   c.p.name,
				InputLevel:  c.from,
				OutputLevel: c.to,
				Duration:    start.Elapsed(),
				OutputKeys:  c.keys,
				OutputBytes: c.outputBytes,
			})
		}
	}
}

// pickCompactionLocked visits the partitions round-robin and returns the
// first compaction found.
func (e *Engine) pickCompactionLocked() *compaction {
	n := len(e.partitions)
	for i := 0; i < n; i++ {
		idx := (e.mu.nextCompaction + i) % n
		if c := e.partitions[idx].pickCompactionLocked(); c != nil {
			e.mu.nextCompaction = (idx + 1) % n
			return c
		}
	}
	return nil
}

// LevelMetrics describes one level of a partition.
type LevelMetrics struct {
	Files int64
	Bytes uint64
}

// PartitionMetrics describes a partition.
type PartitionMetrics struct {
	Name                   string
	MemTableBytes          uint64
	ImmutableMemTables     int
	Levels                 []LevelMetrics
	PendingCompactionBytes uint64
	Stalled                bool
}

// Metrics describes the engine.
type Metrics struct {
	Writes        uint64
	WriteBytes    uint64
	Stalls        uint64
	StallDuration time.Duration
	Flushes       uint64
	FlushedBytes  uint64
	Compactions   uint64
	// CompactedBytes is the number of bytes written by compactions.
	CompactedBytes  uint64
	WriteController writecontroller.Stats
	Partitions      []PartitionMetrics
}

// L0Files returns the number of L0 files across all partitions.
func (m *Metrics) L0Files() int64 {
	var n int64
	for i := range m.Partitions {
		n += m.Partitions[i].Levels[0].Files
	}
	return n
}

// PendingCompactionBytes returns the pending compaction bytes across all
// partitions.
func (m *Metrics) PendingCompactionBytes() uint64 {
	var n uint64
	for i := range m.Partitions {
		n += m.Partitions[i].PendingCompactionBytes
	}
	return n
}

// Metrics returns a snapshot of the engine's metrics.
func (e *Engine) Metrics() Metrics {
	m := Metrics{
		Writes:         e.stats.writes.Load(),
		WriteBytes:     e.stats.writeBytes.Load(),
		Stalls:         e.stats.stalls.Load(),
		StallDuration:  time.Duration(e.stats.stallDuration.Load()),
		Flushes:        e.stats.flushes.Load(),
		FlushedBytes:   e.stats.flushedBytes.Load(),
		Compactions:    e.stats.compactions.Load(),
		CompactedBytes: e.stats.compactedBytes.Load(),
		Partitions:     make([]PartitionMetrics, len(e.partitions)),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.WriteController = e.wc.Stats()
	for i, p := range e.partitions {
		pm := &m.Partitions[i]
		pm.Name = p.name
		pm.MemTableBytes = p.mem.bytes
		pm.ImmutableMemTables = len(p.imm)
		pm.Levels = make([]LevelMetrics, len(p.levels))
		for l := range p.levels {
			pm.Levels[l] = LevelMetrics{Files: p.levels[l].files, Bytes: p.levels[l].bytes}
		}
		pm.PendingCompactionBytes = p.pendingCompactionBytesLocked()
		pm.Stalled = p.stalledLocked()
	}
	return m
}
