// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import "time"

// Engine is the LSM engine the controller throttles. The controller only ever
// touches the engine's write controller, and only while holding the engine's
// own mutex through Lock/Unlock. The controller never holds any of its own
// locks while the engine mutex is held.
type Engine interface {
	// Lock acquires the engine mutex that guards its write controller.
	Lock()
	// Unlock releases the engine mutex.
	Unlock()
	// WriteController returns the engine's delayed-write controller. It must
	// only be called, and the result only used, with the engine mutex held.
	WriteController() WriteController
}

// WriteController is the engine's write-rate limiter handle. All methods are
// called with the engine mutex held.
type WriteController interface {
	// MaxDelayedWriteRate returns the configured ceiling for the delayed
	// write rate, in bytes/sec.
	MaxDelayedWriteRate() uint64
	// SetMaxDelayedWriteRate raises or lowers the ceiling.
	SetMaxDelayedWriteRate(bytesPerSec uint64)
	// SetDelayedWriteRate sets the rate at which writes are admitted.
	SetDelayedWriteRate(bytesPerSec uint64)
}

// PartitionConfig holds the static configuration of a partition that the
// backlog estimator needs.
type PartitionConfig struct {
	// MaxWriteBufferNumber is the maximum number of memtables (active and
	// immutable) the partition keeps in memory.
	MaxWriteBufferNumber int
	// NumLevels is the number of levels in the partition's LSM.
	NumLevels int
	// HardPendingCompactionBytesLimit is the pending compaction debt at which
	// the engine stops writes. Zero means no limit is configured.
	HardPendingCompactionBytesLimit uint64
}

// Partition is an independently compacted subdivision of the keyspace (a
// column family). The introspection methods report ok=false when the value
// is unavailable, in which case the controller treats it as zero.
type Partition interface {
	// Name identifies the partition in log messages.
	Name() string
	// NumFilesAtLevel returns the number of files in the given level.
	NumFilesAtLevel(level int) (n int64, ok bool)
	// NumImmutableMemTables returns the number of memtables waiting to be
	// flushed.
	NumImmutableMemTables() (n int64, ok bool)
	// EstimatedPendingCompactionBytes returns the estimated number of bytes
	// compaction needs to rewrite to bring every level under its target.
	EstimatedPendingCompactionBytes() (bytes uint64, ok bool)
	// Config returns the partition's configuration.
	Config() PartitionConfig
}

// ResourceUsage is a current/limit pair for a process resource.
type ResourceUsage struct {
	Current uint64
	Limit   uint64
}

// ResourceGauges report process-wide resource usage that feeds the
// resource-pressure penalties. Errors are logged and the corresponding
// penalty is skipped for the cycle.
type ResourceGauges interface {
	// FileDescriptors returns the open file descriptor count and limit.
	FileDescriptors() (ResourceUsage, error)
	// MemoryMaps returns the memory map count and limit.
	MemoryMaps() (ResourceUsage, error)
}

// FlushInfo describes a completed flush.
type FlushInfo struct {
	// JobID is the engine's identifier for the flush.
	JobID int
	// Partition is the name of the flushed partition.
	Partition string
	// OutputKeys is the number of keys written.
	OutputKeys uint64
	// OutputBytes is the size of the files written.
	OutputBytes uint64
	// Level0 is set when the output went to level 0, which is always the case
	// for flushes unless the engine flushes directly into a lower level.
	Level0 bool
}

// CompactionInfo describes a completed compaction.
type CompactionInfo struct {
	// JobID is the engine's identifier for the compaction.
	JobID int
	// Partition is the name of the compacted partition.
	Partition string
	// InputLevel is the highest (smallest numbered) input level.
	InputLevel int
	// OutputLevel is the level the output files were written to.
	OutputLevel int
	// Duration is the wall time of the compaction.
	Duration time.Duration
	// OutputKeys is the number of keys written.
	OutputKeys uint64
	// OutputBytes is the size of the files written.
	OutputBytes uint64
}

// EventListener is the set of callbacks an engine invokes to feed the
// controller. The callbacks are invoked on engine goroutines and must be
// called without holding the engine mutex.
type EventListener interface {
	// BeginFlush is called when a flush starts. The returned FlushOp must be
	// passed to the matching EndFlush.
	BeginFlush() FlushOp
	// EndFlush is called when the flush started by op completes.
	EndFlush(op FlushOp, info FlushInfo)
	// CompactionEnd is called when a compaction completes.
	CompactionEnd(info CompactionInfo)
}
