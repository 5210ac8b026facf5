// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmsim

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
	"github.com/cockroachdb/writethrottle/internal/testutils"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu          sync.Mutex
	flushes     []writethrottle.FlushInfo
	compactions []writethrottle.CompactionInfo
	open        int
}

func (l *recordingListener) BeginFlush() writethrottle.FlushOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open++
	return writethrottle.FlushOp{}
}

func (l *recordingListener) EndFlush(_ writethrottle.FlushOp, info writethrottle.FlushInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open--
	l.flushes = append(l.flushes, info)
}

func (l *recordingListener) CompactionEnd(info writethrottle.CompactionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compactions = append(l.compactions, info)
}

func (l *recordingListener) counts() (flushes, compactions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flushes), len(l.compactions)
}

func TestOpenInvalid(t *testing.T) {
	_, err := Open(Options{NumLevels: 1})
	require.ErrorContains(t, err, "NumLevels")
	_, err = Open(Options{L0CompactionThreshold: 8, L0StopWritesThreshold: 4})
	require.ErrorContains(t, err, "L0StopWritesThreshold")
}

func TestWriteFlushCompact(t *testing.T) {
	var l recordingListener
	e, err := Open(Options{
		Partitions:            2,
		MemTableSize:          16 << 10,
		L0CompactionThreshold: 2,
		LBaseMaxBytes:         64 << 10,
		FlushBandwidth:        1 << 30,
		CompactionBandwidth:   1 << 30,
		EventListener:         &l,
		Logger:                testutils.Logger{T: t},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 400; i++ {
		require.NoError(t, e.Write(ctx, []byte(fmt.Sprintf("key-%05d", i)), 1<<10))
	}
	testutils.SucceedsSoon(t, func() error {
		if f, c := l.counts(); f < 10 || c < 3 {
			return errors.Newf("%d flushes, %d compactions", f, c)
		}
		return nil
	})
	require.NoError(t, e.Close())

	m := e.Metrics()
	require.Equal(t, uint64(400), m.Writes)
	require.Equal(t, uint64(400<<10), m.WriteBytes)
	require.Len(t, m.Partitions, 2)

	var stored uint64
	for _, pm := range m.Partitions {
		stored += pm.MemTableBytes + uint64(pm.ImmutableMemTables)*(16<<10)
		for _, lm := range pm.Levels {
			stored += lm.Bytes
		}
	}
	require.Equal(t, m.WriteBytes, stored)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Zero(t, l.open)
	for _, f := range l.flushes {
		require.True(t, f.Level0)
		require.Equal(t, uint64(16<<10), f.OutputBytes)
		require.Equal(t, uint64(16), f.OutputKeys)
	}
	jobs := map[int]bool{}
	for _, c := range l.compactions {
		require.Equal(t, c.InputLevel+1, c.OutputLevel)
		require.NotZero(t, c.OutputBytes)
		require.False(t, jobs[c.JobID])
		jobs[c.JobID] = true
	}
}

func TestPartitionRouting(t *testing.T) {
	e, err := Open(Options{Partitions: 8, Logger: testutils.Logger{T: t}})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Write(context.Background(), []byte("same-key"), 100))
	}
	var nonEmpty int
	for _, pm := range e.Metrics().Partitions {
		if pm.MemTableBytes > 0 {
			nonEmpty++
			require.Equal(t, uint64(1000), pm.MemTableBytes)
		}
	}
	require.Equal(t, 1, nonEmpty)
	require.Len(t, e.Partitions(), 8)
}

// openStalled returns an engine with a single partition whose flush bandwidth
// is so low that the second memtable is never flushed, leaving writes
// stalled.
func openStalled(t *testing.T) *Engine {
	e, err := Open(Options{
		Partitions:           1,
		MemTableSize:         1 << 10,
		MaxWriteBufferNumber: 2,
		FlushBandwidth:       1,
		Logger:               testutils.Logger{T: t},
	})
	require.NoError(t, err)
	ctx := context.Background()
	// The first memtable is flushed right away, putting the flush bandwidth
	// into debt. The second one stays queued.
	require.NoError(t, e.Write(ctx, []byte("a"), 1<<10))
	require.NoError(t, e.Write(ctx, []byte("b"), 1<<10))
	return e
}

func waitStalled(t *testing.T, e *Engine) {
	testutils.SucceedsSoon(t, func() error {
		m := e.Metrics()
		if m.Stalls == 0 || !m.Partitions[0].Stalled {
			return errors.New("not stalled")
		}
		return nil
	})
}

func TestStallCanceled(t *testing.T) {
	e := openStalled(t)
	defer func() { require.NoError(t, e.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Write(ctx, []byte("c"), 1<<10) }()
	waitStalled(t, e)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	m := e.Metrics()
	require.Equal(t, uint64(2), m.Writes)
	require.NotZero(t, m.StallDuration)
	n, ok := e.Partitions()[0].NumImmutableMemTables()
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestStallClosed(t *testing.T) {
	e := openStalled(t)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Write(context.Background(), []byte("c"), 1<<10) }()
	waitStalled(t, e)
	require.NoError(t, e.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)

	require.ErrorIs(t, e.Write(context.Background(), []byte("d"), 1), ErrClosed)
	require.ErrorIs(t, e.Close(), ErrClosed)
}

func TestDelayedWrites(t *testing.T) {
	e, err := Open(Options{Partitions: 1, MaxDelayedWriteRate: 1 << 20, Logger: testutils.Logger{T: t}})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	e.Lock()
	wc := e.WriteController()
	require.Equal(t, uint64(1<<20), wc.MaxDelayedWriteRate())
	wc.SetDelayedWriteRate(10 << 20)
	e.Unlock()

	// The rate is clamped to the ceiling; the burst is 100ms worth of bytes,
	// so the second write must wait.
	ctx := context.Background()
	require.NoError(t, e.Write(ctx, []byte("a"), 100<<10))
	require.NoError(t, e.Write(ctx, []byte("b"), 100<<10))
	m := e.Metrics()
	require.Equal(t, uint64(1<<20), m.WriteController.DelayedWriteRate)
	require.Equal(t, uint64(1), m.WriteController.DelayedWrites)
}

// newTestPartition returns a partition of an engine without background
// goroutines, for exercising the compaction picker directly.
func newTestPartition(opts Options) *partition {
	opts.EnsureDefaults()
	return newPartition(&Engine{opts: opts}, 0)
}

func TestPickCompaction(t *testing.T) {
	p := newTestPartition(Options{
		NumLevels:             4,
		L0CompactionThreshold: 4,
		LBaseMaxBytes:         100,
		LevelMultiplier:       10,
		TargetFileSize:        10,
	})
	require.Nil(t, p.pickCompactionLocked())
	require.Equal(t, uint64(100), p.targetBytes(1))
	require.Equal(t, uint64(1000), p.targetBytes(2))

	// L0 below the threshold is not pending.
	p.levels[0] = level{files: 3, bytes: 30, keys: 3}
	require.Zero(t, p.pendingCompactionBytesLocked())
	require.Nil(t, p.pickCompactionLocked())

	p.levels[0] = level{files: 4, bytes: 40, keys: 4}
	p.levels[1] = level{files: 2, bytes: 20, keys: 2}
	require.Equal(t, uint64(40), p.pendingCompactionBytesLocked())
	c := p.pickCompactionLocked()
	require.Equal(t, 0, c.from)
	require.Equal(t, 1, c.to)
	require.Equal(t, uint64(40+20), c.outputBytes)

	// A flush lands while the compaction runs.
	p.levels[0].files++
	p.levels[0].bytes += 10
	p.levels[0].keys++
	c.applyLocked()
	require.Equal(t, level{files: 1, bytes: 10, keys: 1}, p.levels[0])
	require.Equal(t, level{files: 6, bytes: 60, keys: 6}, p.levels[1])

	// L1 over its target moves the excess down.
	p.levels[0] = level{}
	p.levels[1] = level{files: 15, bytes: 150, keys: 30}
	require.Equal(t, uint64(50), p.pendingCompactionBytesLocked())
	c = p.pickCompactionLocked()
	require.Equal(t, 1, c.from)
	require.Equal(t, uint64(50), c.bytes)
	require.Equal(t, uint64(10), c.keys)
	require.Equal(t, uint64(50), c.outputBytes)
	c.applyLocked()
	require.Equal(t, level{files: 10, bytes: 100, keys: 20}, p.levels[1])
	require.Equal(t, level{files: 5, bytes: 50, keys: 10}, p.levels[2])
	require.Nil(t, p.pickCompactionLocked())

	// The last level has no target.
	p.levels[3] = level{files: 1 << 20, bytes: 1 << 40}
	require.Zero(t, p.pendingCompactionBytesLocked())
	require.Nil(t, p.pickCompactionLocked())
}

func TestStalledLocked(t *testing.T) {
	p := newTestPartition(Options{MaxWriteBufferNumber: 3, L0StopWritesThreshold: 5})
	require.False(t, p.stalledLocked())
	p.imm = make([]memtable, 2)
	require.True(t, p.stalledLocked())
	p.imm = p.imm[:1]
	require.False(t, p.stalledLocked())
	p.levels[0].files = 5
	require.True(t, p.stalledLocked())
}
