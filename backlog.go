// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

// backlog is the compaction debt across all partitions.
type backlog struct {
	// compactionBacklog counts files in each partition's lowest non-empty level
	// beyond the slowdown trigger, plus immutable memtables beyond half the
	// write buffer limit.
	compactionBacklog uint64
	// immutableMemTables is the total number of memtables waiting for a flush.
	immutableMemTables uint64
	// pendingCompactionBytes is the sum of the partitions' estimates.
	pendingCompactionBytes uint64
	// pendingCompactionBytesLimit is the hard limit of the first partition.
	pendingCompactionBytesLimit uint64
}

// estimateBacklog queries every partition. Properties a partition cannot
// report count as zero.
func estimateBacklog(partitions []Partition, slowdownWritesTrigger int) backlog {
	var b backlog
	if len(partitions) == 0 {
		return b
	}
	excuse := uint64(max(slowdownWritesTrigger-1, 0))
	for _, p := range partitions {
		cfg := p.Config()
		for level := 0; level < cfg.NumLevels; level++ {
			n, ok := p.NumFilesAtLevel(level)
			if !ok || n <= 0 {
				continue
			}
			if files := uint64(n); files > excuse {
				b.compactionBacklog += files - excuse
			}
			break
		}
		if n, ok := p.NumImmutableMemTables(); ok && n > 0 {
			b.immutableMemTables += uint64(n)
		}
		if n, ok := p.EstimatedPendingCompactionBytes(); ok {
			b.pendingCompactionBytes += n
		}
	}

	// Write buffer configuration is normally uniform across partitions.
	cfg := partitions[0].Config()
	immTrigger := uint64(max(cfg.MaxWriteBufferNumber/2, 0))
	if b.immutableMemTables > immTrigger {
		b.compactionBacklog += b.immutableMemTables - immTrigger
	}
	b.pendingCompactionBytesLimit = cfg.HardPendingCompactionBytesLimit
	return b
}
