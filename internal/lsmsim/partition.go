// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmsim

import (
	"fmt"

	"github.com/cockroachdb/writethrottle"
	"github.com/cockroachdb/writethrottle/internal/invariants"
)

type memtable struct {
	bytes uint64
	keys  uint64
}

type level struct {
	files int64
	bytes uint64
	keys  uint64
}

// partition is a column family of the simulated engine. Its state is guarded
// by the engine mutex; the writethrottle.Partition methods acquire it.
type partition struct {
	e    *Engine
	name string

	mem    memtable
	imm    []memtable
	levels []level
}

var _ writethrottle.Partition = (*partition)(nil)

func newPartition(e *Engine, i int) *partition {
	return &partition{
		e:      e,
		name:   fmt.Sprintf("p%d", i),
		levels: make([]level, e.opts.NumLevels),
	}
}

// Name implements writethrottle.Partition.
func (p *partition) Name() string {
	return p.name
}

// NumFilesAtLevel implements writethrottle.Partition.
func (p *partition) NumFilesAtLevel(l int) (int64, bool) {
	if l < 0 || l >= len(p.levels) {
		return 0, false
	}
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.levels[l].files, true
}

// NumImmutableMemTables implements writethrottle.Partition.
func (p *partition) NumImmutableMemTables() (int64, bool) {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return int64(len(p.imm)), true
}

// EstimatedPendingCompactionBytes implements writethrottle.Partition.
func (p *partition) EstimatedPendingCompactionBytes() (uint64, bool) {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.pendingCompactionBytesLocked(), true
}

// Config implements writethrottle.Partition.
func (p *partition) Config() writethrottle.PartitionConfig {
	o := &p.e.opts
	return writethrottle.PartitionConfig{
		MaxWriteBufferNumber:            o.MaxWriteBufferNumber,
		NumLevels:                       o.NumLevels,
		HardPendingCompactionBytesLimit: o.HardPendingCompactionBytesLimit,
	}
}

// stalledLocked returns true if writes to the partition must wait.
func (p *partition) stalledLocked() bool {
	o := &p.e.opts
	return len(p.imm) >= o.MaxWriteBufferNumber-1 ||
		p.levels[0].files >= int64(o.L0StopWritesThreshold)
}

// targetBytes returns the target size of level l >= 1. The last level has no
// target.
func (p *partition) targetBytes(l int) uint64 {
	o := &p.e.opts
	t := o.LBaseMaxBytes
	for i := 1; i < l; i++ {
		t *= o.LevelMultiplier
	}
	return t
}

// pendingCompactionBytesLocked is the size of L0 once it has reached the
// compaction threshold, plus the excess of every other level over its target.
func (p *partition) pendingCompactionBytesLocked() uint64 {
	var pending uint64
	if p.levels[0].files >= int64(p.e.opts.L0CompactionThreshold) {
		pending += p.levels[0].bytes
	}
	for l := 1; l < len(p.levels)-1; l++ {
		if t := p.targetBytes(l); p.levels[l].bytes > t {
			pending += p.levels[l].bytes - t
		}
	}
	return pending
}

func (p *partition) fileCount(bytes uint64) int64 {
	t := p.e.opts.TargetFileSize
	return int64((bytes + t - 1) / t)
}

// compaction moves bytes from one level to the next. The output includes an
// equal amount of overlapping data from the output level, when present.
type compaction struct {
	p        *partition
	from, to int
	// files, bytes and keys are taken from the input level.
	files       int64
	bytes       uint64
	keys        uint64
	outputBytes uint64
}

// pickCompactionLocked returns the partition's most urgent compaction: all of
// L0 once it reaches the compaction threshold, otherwise the excess of the
// first level above its target.
func (p *partition) pickCompactionLocked() *compaction {
	o := &p.e.opts
	if l0 := &p.levels[0]; l0.files >= int64(o.L0CompactionThreshold) {
		return &compaction{
			p:           p,
			from:        0,
			to:          1,
			files:       l0.files,
			bytes:       l0.bytes,
			keys:        l0.keys,
			outputBytes: l0.bytes + min(l0.bytes, p.levels[1].bytes),
		}
	}
	for l := 1; l < len(p.levels)-1; l++ {
		lv := &p.levels[l]
		t := p.targetBytes(l)
		if lv.bytes <= t {
			continue
		}
		move := max(lv.bytes-t, min(o.TargetFileSize, lv.bytes))
		keys := uint64(float64(lv.keys) * float64(move) / float64(lv.bytes))
		return &compaction{
			p:           p,
			from:        l,
			to:          l + 1,
			bytes:       move,
			keys:        min(keys, lv.keys),
			outputBytes: move + min(move, p.levels[l+1].bytes),
		}
	}
	return nil
}

// applyLocked installs the compaction's result. L0 may have gained files
// since the compaction was picked; only the picked ones are removed.
func (c *compaction) applyLocked() {
	src, dst := &c.p.levels[c.from], &c.p.levels[c.to]
	src.bytes = invariants.SafeSub(src.bytes, c.bytes)
	src.keys = invariants.SafeSub(src.keys, c.keys)
	dst.bytes += c.bytes
	dst.keys += c.keys
	if c.from == 0 {
		src.files = invariants.SafeSub(src.files, c.files)
	} else {
		src.files = c.p.fileCount(src.bytes)
	}
	dst.files = c.p.fileCount(dst.bytes)
}
