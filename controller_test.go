// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle/internal/testutils"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

type testWriteController struct {
	maxRate uint64
	rate    uint64
	sets    int
}

func (wc *testWriteController) MaxDelayedWriteRate() uint64 { return wc.maxRate }

func (wc *testWriteController) SetMaxDelayedWriteRate(bps uint64) { wc.maxRate = bps }

func (wc *testWriteController) SetDelayedWriteRate(bps uint64) {
	wc.rate = bps
	wc.sets++
}

// testEngine is an Engine whose write controller records what is applied.
type testEngine struct {
	mu sync.Mutex
	wc testWriteController
	// onLock, if set, is called before the mutex is acquired.
	onLock func()
}

var _ Engine = (*testEngine)(nil)

func (e *testEngine) Lock() {
	if e.onLock != nil {
		e.onLock()
	}
	e.mu.Lock()
}

func (e *testEngine) Unlock() { e.mu.Unlock() }

func (e *testEngine) WriteController() WriteController { return &e.wc }

func (e *testEngine) applied() testWriteController {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wc
}

// recordingLogger records Infof and Errorf messages.
type recordingLogger struct {
	testutils.Logger
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (l *recordingLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	l.infos = append(l.infos, fmt.Sprintf(format, args...))
	l.mu.Unlock()
	l.Logger.Infof(format, args...)
}

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
	l.mu.Unlock()
	l.Logger.Errorf(format, args...)
}

func (l *recordingLogger) count(substr string) (infos, errors int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.infos {
		if strings.Contains(m, substr) {
			infos++
		}
	}
	for _, m := range l.errors {
		if strings.Contains(m, substr) {
			errors++
		}
	}
	return infos, errors
}

// testOptions returns options with the noise filter disabled and no lower
// bound, so small hand-computed rates are not distorted.
func testOptions(t *testing.T) Options {
	return Options{
		NumSlots:        5,
		Frequency:       time.Hour,
		ScalingFactor:   4,
		MaxWriteRate:    1_000_000_000,
		WriteBufferSize: 1 << 20,
		Logger:          testutils.Logger{T: t},
	}
}

func TestNewInvalidOptions(t *testing.T) {
	opts := testOptions(t)
	opts.NumSlots = 2
	_, err := New(opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NumSlots (2) must be at least 3")

	opts = testOptions(t)
	opts.LowerBoundRate = 2 * opts.MaxWriteRate
	_, err = New(opts)
	require.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	logger := &recordingLogger{Logger: testutils.Logger{T: t}}
	opts := testOptions(t)
	opts.Logger = logger
	c, err := New(opts)
	require.NoError(t, err)
	e := &testEngine{}
	c.Attach(e, nil)

	// Flushes below half the write buffer size do not start the controller.
	c.RecordFlushCompletion(opts.WriteBufferSize/2, time.Second, 100)
	require.Equal(t, StateNotStarted, c.State())

	c.Stop()
	require.Equal(t, StateDone, c.State())
	infos, _ := logger.count("stopped before starting")
	require.Equal(t, 1, infos)
	c.Stop()
	require.Equal(t, StateDone, c.State())

	// Nothing starts or records after Stop.
	c.RecordFlushCompletion(opts.WriteBufferSize, time.Second, 100)
	c.OnFlush(time.Second, 10, 1<<20, true)
	require.Equal(t, StateDone, c.State())
	require.Equal(t, uint64(1), c.Metrics().Events.Dropped)
	require.Zero(t, c.Throttle())
	require.Zero(t, e.applied().sets)
}

func TestEventsDroppedWhileShuttingDown(t *testing.T) {
	c, err := New(testOptions(t))
	require.NoError(t, err)
	c.state.v.Store(int32(StateShuttingDown))
	c.OnFlush(time.Second, 10, 1<<20, true)
	c.OnCompaction(time.Second, 10, 1<<20, false)

	m := c.Metrics()
	require.Equal(t, uint64(2), m.Events.Dropped)
	require.Zero(t, m.Events.Flushes)
	require.Zero(t, m.Events.Compactions)
	require.Zero(t, m.Events.Overflowed)
	require.Empty(t, c.events)
	c.state.v.Store(int32(StateDone))
}

func TestControllerCycle(t *testing.T) {
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()
	e := &testEngine{wc: testWriteController{maxRate: 500_000}}
	c.Attach(e, nil)

	// The controller is not started, so cycles can be driven synchronously.
	c.OnCompaction(time.Second, 1000, 1_000_000, false)
	c.runCycle()
	require.Equal(t, uint64(1_000_000), c.Throttle())
	wc := e.applied()
	require.Equal(t, uint64(1_000_000), wc.rate)
	require.Equal(t, uint64(1_000_000), wc.maxRate)

	c.OnCompaction(time.Second, 1000, 1_000_000, false)
	c.runCycle()
	require.Equal(t, uint64(1_000_000), c.Throttle())

	expected := Metrics{
		State:    StateNotStarted,
		Throttle: 1_000_000,
		Events:   EventMetrics{Compactions: 2},
		Cycles: CycleMetrics{
			Count:       2,
			Applied:     2,
			LastRawRate: 1_000_000,
		},
	}
	actual := c.Metrics()
	actual.Cycles.LastDuration = 0
	if diff := pretty.Diff(expected, actual); len(diff) > 0 {
		t.Fatalf("unexpected metrics:\n%s", strings.Join(diff, "\n"))
	}
}

func TestControllerMaxRateNotLowered(t *testing.T) {
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()
	e := &testEngine{wc: testWriteController{maxRate: 64 << 20}}
	c.Attach(e, nil)

	c.OnFlush(time.Second, 1000, 1_000_000, true)
	c.runCycle()
	wc := e.applied()
	require.Equal(t, uint64(1_000_000), wc.rate)
	require.Equal(t, uint64(64<<20), wc.maxRate)
}

func TestControllerTinyRateNotApplied(t *testing.T) {
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()
	e := &testEngine{}
	c.Attach(e, nil)

	// 50 bytes over one second.
	c.OnCompaction(time.Second, 1, 50, false)
	c.runCycle()
	require.Equal(t, uint64(50), c.Throttle())
	require.Zero(t, e.applied().sets)
	require.Zero(t, c.Metrics().Cycles.Applied)
}

func TestControllerBacklog(t *testing.T) {
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	opts.ScalingFactor = 1
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()
	e := &testEngine{}
	p := &testPartition{
		name:      "default",
		cfg:       PartitionConfig{MaxWriteBufferNumber: 2, NumLevels: 7},
		files:     []int64{5},
		imm:       0,
		pendingOK: true,
	}
	c.Attach(e, []Partition{p})

	c.OnCompaction(time.Second, 1000, 1_000_000, false)
	c.runCycle()
	// Five level-0 files remove half of the measured bytes.
	require.Equal(t, uint64(500_000), c.Throttle())
	m := c.Metrics()
	require.Equal(t, uint64(5), m.Cycles.CompactionBacklog)
	require.Equal(t, uint64(500_000), m.Cycles.LastAdjustment)
}

type testGauges struct {
	fds, mmaps ResourceUsage
	err        error
}

func (g *testGauges) FileDescriptors() (ResourceUsage, error) { return g.fds, g.err }

func (g *testGauges) MemoryMaps() (ResourceUsage, error) { return g.mmaps, nil }

func TestControllerResourceGauges(t *testing.T) {
	logger := &recordingLogger{Logger: testutils.Logger{T: t}}
	gauges := &testGauges{
		fds:   ResourceUsage{Current: 90, Limit: 100},
		mmaps: ResourceUsage{Current: 70, Limit: 100},
	}
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	opts.ScalingFactor = 1
	opts.ResourceGauges = gauges
	opts.Logger = logger
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()

	c.OnCompaction(time.Second, 1000, 1_000_000, false)
	c.runCycle()
	// File descriptors at the stop threshold remove half of the bytes.
	require.Equal(t, uint64(500_000), c.Throttle())

	// An unreadable gauge is logged and skipped; the cycle still succeeds.
	gauges.err = errors.New("no procfs")
	c.OnCompaction(time.Second, 1000, 1_000_000, false)
	c.runCycle()
	// Memory maps halfway between thresholds remove a quarter of the bytes.
	require.Equal(t, uint64(750_000), c.Throttle())
	_, errs := logger.count("no procfs")
	require.Equal(t, 1, errs)
	m := c.Metrics()
	require.Zero(t, m.Cycles.Failed)
	require.Equal(t, ResourceUsage{}, m.Cycles.FileDescriptors)
	require.Equal(t, gauges.mmaps, m.Cycles.MemoryMaps)
}

// panickingPartition panics when its level file counts are read.
type panickingPartition struct {
	testPartition
	panics bool
}

func (p *panickingPartition) NumFilesAtLevel(level int) (int64, bool) {
	if p.panics {
		panic(errors.New("boom"))
	}
	return p.testPartition.NumFilesAtLevel(level)
}

func TestControllerCycleFailure(t *testing.T) {
	logger := &testutils.CountingLogger{Logger: testutils.Logger{T: t}}
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	opts.Logger = logger
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()
	p := &panickingPartition{
		testPartition: testPartition{cfg: PartitionConfig{NumLevels: 7}},
		panics:        true,
	}
	c.Attach(&testEngine{}, []Partition{p})

	c.OnCompaction(time.Second, 1000, 1_000_000, false)
	c.runCycle()
	require.Equal(t, int64(1), logger.Errors.Load())
	require.Equal(t, uint64(1), c.Metrics().Cycles.Failed)
	require.Zero(t, c.Throttle())

	// The next cycle recovers, and the event drained by the failed cycle is
	// still part of the history.
	p.panics = false
	c.runCycle()
	require.Equal(t, uint64(1_000_000), c.Throttle())
	m := c.Metrics()
	require.Equal(t, uint64(2), m.Cycles.Count)
	require.Equal(t, uint64(1), m.Cycles.Failed)
}

func TestControllerOverflow(t *testing.T) {
	opts := testOptions(t)
	opts.LowerBoundRate = 0
	opts.EventQueueSize = 1
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()

	for range 4 {
		c.OnCompaction(250*time.Millisecond, 10, 250_000, false)
	}
	// Filtered out.
	c.opts.MinEventBytes = 1000
	c.OnCompaction(time.Second, 1, 999, false)

	m := c.Metrics()
	require.Equal(t, uint64(4), m.Events.Compactions)
	require.Equal(t, uint64(3), m.Events.Overflowed)
	require.Equal(t, uint64(1), m.Events.Filtered)

	c.runCycle()
	require.Equal(t, uint64(1_000_000), c.Throttle())
	h := &c.calc.hist
	require.Equal(t, bucket{elapsed: time.Second, keys: 40, bytes: 1_000_000, count: 4}, h.slots[firstHistorySlot])
}

// TestControllerLockOrder verifies that the engine lock is never acquired
// while a controller lock is held.
func TestControllerLockOrder(t *testing.T) {
	opts := testOptions(t)
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()
	var checked int
	e := &testEngine{onLock: func() {
		checked++
		require.True(t, c.mu.TryLock(), "data mutex held")
		c.mu.Unlock()
		require.True(t, c.lifecycle.TryLock(), "lifecycle mutex held")
		c.lifecycle.Unlock()
	}}
	c.Attach(e, []Partition{&testPartition{cfg: PartitionConfig{NumLevels: 7}, pendingOK: true}})
	c.OnCompaction(time.Second, 1000, 100<<20, false)
	c.runCycle()
	require.Equal(t, 1, checked)
}

func TestControllerStartAndStop(t *testing.T) {
	logger := &recordingLogger{Logger: testutils.Logger{T: t}}
	opts := testOptions(t)
	opts.Frequency = time.Millisecond
	opts.LowerBoundRate = 0
	// The starting flush is too small to be measured, so the only measurement
	// is the compaction below.
	opts.MinEventBytes = opts.WriteBufferSize + 1
	opts.Logger = logger
	c, err := New(opts)
	require.NoError(t, err)
	e := &testEngine{}
	c.Attach(e, nil)

	op := c.BeginFlush()
	c.EndFlush(op, FlushInfo{OutputKeys: 10, OutputBytes: opts.WriteBufferSize, Level0: true})
	// EndFlush returns only once the background goroutine is running.
	require.Equal(t, StateRunning, c.State())

	c.CompactionEnd(CompactionInfo{
		InputLevel:  0,
		OutputLevel: 1,
		Duration:    time.Second,
		OutputKeys:  100,
		OutputBytes: 2_000_000,
	})
	testutils.SucceedsSoon(t, func() error {
		if wc := e.applied(); wc.rate != 2_000_000 {
			return errors.Errorf("applied rate %d", wc.rate)
		}
		return nil
	})
	require.Equal(t, uint64(2_000_000), c.Throttle())

	c.Stop()
	require.Equal(t, StateDone, c.State())
	infos, _ := logger.count("stopped at")
	require.Equal(t, 1, infos)

	// The engine handle has been released.
	engine, partitions := c.engineHandle()
	require.Nil(t, engine)
	require.Nil(t, partitions)
	c.Attach(e, nil)
	engine, _ = c.engineHandle()
	require.Nil(t, engine)
}

func TestConcurrentStop(t *testing.T) {
	for _, started := range []bool{false, true} {
		t.Run(fmt.Sprintf("started=%t", started), func(t *testing.T) {
			logger := &recordingLogger{Logger: testutils.Logger{T: t}}
			opts := testOptions(t)
			opts.Frequency = time.Millisecond
			opts.Logger = logger
			c, err := New(opts)
			require.NoError(t, err)
			c.Attach(&testEngine{}, nil)
			if started {
				c.RecordFlushCompletion(opts.WriteBufferSize, time.Second, 1)
				require.Equal(t, StateRunning, c.State())
			}

			const n = 16
			var wg sync.WaitGroup
			start := make(chan struct{})
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					c.Stop()
					if s := c.State(); s != StateDone {
						t.Errorf("Stop returned in state %s", s)
					}
				}()
			}
			close(start)
			wg.Wait()

			infos, _ := logger.count("stopped")
			require.Equal(t, 1, infos)
		})
	}
}

// TestConcurrentStart races flushes that all qualify to start the controller.
func TestConcurrentStart(t *testing.T) {
	logger := &recordingLogger{Logger: testutils.Logger{T: t}}
	opts := testOptions(t)
	opts.Frequency = time.Millisecond
	opts.Logger = logger
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Stop()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordFlushCompletion(opts.WriteBufferSize, time.Second, 1)
		}()
	}
	wg.Wait()
	require.Equal(t, StateRunning, c.State())
	infos, _ := logger.count("starting after")
	require.Equal(t, 1, infos)
}
