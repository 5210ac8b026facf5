// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmsim

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
	"github.com/cockroachdb/writethrottle/internal/base"
)

// Options configures a simulated engine.
type Options struct {
	// Partitions is the number of partitions keys are spread over.
	//
	// The default value is 4.
	Partitions int
	// NumLevels is the number of levels in each partition's LSM.
	//
	// The default value is 7.
	NumLevels int
	// MemTableSize is the size at which the active memtable is rotated and
	// queued for flushing.
	//
	// The default value is 4 MiB.
	MemTableSize uint64
	// MaxWriteBufferNumber is the maximum number of memtables, active and
	// immutable, per partition. Writes stall once MaxWriteBufferNumber-1
	// immutable memtables are waiting to be flushed.
	//
	// The default value is 4.
	MaxWriteBufferNumber int
	// L0CompactionThreshold is the number of L0 files that triggers an L0
	// compaction.
	//
	// The default value is 4.
	L0CompactionThreshold int
	// L0StopWritesThreshold is the number of L0 files at which writes stall.
	//
	// The default value is 20.
	L0StopWritesThreshold int
	// LBaseMaxBytes is the target size of L1. Each following level is
	// LevelMultiplier times larger; the last level is unbounded.
	//
	// The default value is 64 MiB.
	LBaseMaxBytes uint64
	// LevelMultiplier is the size ratio between adjacent levels.
	//
	// The default value is 10.
	LevelMultiplier uint64
	// TargetFileSize is the size of the files in L1 and below.
	//
	// The default value is 2*MemTableSize.
	TargetFileSize uint64
	// HardPendingCompactionBytesLimit is reported to the controller through
	// PartitionConfig. The simulator itself never stops writes on it.
	//
	// The default value is 4 GiB.
	HardPendingCompactionBytesLimit uint64
	// FlushBandwidth and CompactionBandwidth bound the rate at which flushes
	// and compactions write, in bytes/sec.
	//
	// The default values are 64 MiB/s and 32 MiB/s.
	FlushBandwidth      uint64
	CompactionBandwidth uint64
	// MaxDelayedWriteRate is the initial ceiling of the engine's write
	// controller, in bytes/sec.
	//
	// The default value is 64 MiB/s.
	MaxDelayedWriteRate uint64
	// EventListener, if set, receives flush and compaction completions.
	EventListener writethrottle.EventListener
	// Logger is used to log open and close.
	//
	// The default is base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified.
func (o *Options) EnsureDefaults() {
	if o.Partitions <= 0 {
		o.Partitions = 4
	}
	if o.NumLevels <= 0 {
		o.NumLevels = 7
	}
	if o.MemTableSize == 0 {
		o.MemTableSize = 4 << 20
	}
	if o.MaxWriteBufferNumber <= 0 {
		o.MaxWriteBufferNumber = 4
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0StopWritesThreshold <= 0 {
		o.L0StopWritesThreshold = 20
	}
	if o.LBaseMaxBytes == 0 {
		o.LBaseMaxBytes = 64 << 20
	}
	if o.LevelMultiplier == 0 {
		o.LevelMultiplier = 10
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = 2 * o.MemTableSize
	}
	if o.HardPendingCompactionBytesLimit == 0 {
		o.HardPendingCompactionBytesLimit = 4 << 30
	}
	if o.FlushBandwidth == 0 {
		o.FlushBandwidth = 64 << 20
	}
	if o.CompactionBandwidth == 0 {
		o.CompactionBandwidth = 32 << 20
	}
	if o.MaxDelayedWriteRate == 0 {
		o.MaxDelayedWriteRate = 64 << 20
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
}

// Validate checks that the options are consistent.
func (o *Options) Validate() error {
	switch {
	case o.NumLevels < 2:
		return errors.Newf("lsmsim: NumLevels (%d) must be at least 2", o.NumLevels)
	case o.MaxWriteBufferNumber < 2:
		return errors.Newf("lsmsim: MaxWriteBufferNumber (%d) must be at least 2", o.MaxWriteBufferNumber)
	case o.L0StopWritesThreshold < o.L0CompactionThreshold:
		return errors.Newf("lsmsim: L0StopWritesThreshold (%d) is below L0CompactionThreshold (%d)",
			o.L0StopWritesThreshold, o.L0CompactionThreshold)
	}
	return nil
}
