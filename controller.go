// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
)

// Controller is a feedback loop that observes an LSM engine's flushes and
// compactions, estimates how far compaction is behind, and periodically
// pushes a write rate into the engine's delayed-write controller.
//
// A Controller is created in StateNotStarted. The first flush larger than
// half of Options.WriteBufferSize starts a background goroutine that
// recalculates the throttle every Options.Frequency. Stop shuts it down.
type Controller struct {
	opts Options

	state atomicState
	// throttle is the current rate in bytes/sec, published by the background
	// goroutine.
	throttle atomic.Uint64

	// events carries ingested events to the background goroutine.
	events chan event
	// notifyCh wakes the background goroutine up early; it has capacity 1.
	notifyCh chan struct{}
	wg       sync.WaitGroup

	counters struct {
		flushes     atomic.Uint64
		compactions atomic.Uint64
		filtered    atomic.Uint64
		overflowed  atomic.Uint64
		dropped     atomic.Uint64
	}

	// mu is the data mutex.
	mu struct {
		sync.Mutex
		// overflow accumulates events that did not fit in the event queue,
		// indexed like the first two history slots.
		overflow [2]bucket
		// cycles are the published per-cycle metrics.
		cycles CycleMetrics
	}

	// lifecycle guards the engine handle and the start hand-off. It is never
	// held together with mu or the engine's lock.
	lifecycle struct {
		sync.Mutex
		cond       sync.Cond
		engine     Engine
		partitions []Partition
	}

	// calc is owned by the background goroutine.
	calc rateCalculator
}

// New creates a Controller in StateNotStarted. Unset options are defaulted;
// an inconsistent configuration is an error.
func New(opts Options) (*Controller, error) {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "writethrottle: invalid options")
	}
	c := &Controller{
		opts:     opts,
		events:   make(chan event, opts.EventQueueSize),
		notifyCh: make(chan struct{}, 1),
	}
	c.lifecycle.cond.L = &c.lifecycle.Mutex
	c.calc = makeRateCalculator(&c.opts)
	return c, nil
}

// Attach binds the controller to the engine whose delayed-write rate it sets
// and the partitions it inspects. It may be called before or after the
// controller starts; a Controller that is never attached still measures but
// never applies a rate. Attach has no effect once the controller is stopped.
func (c *Controller) Attach(e Engine, partitions []Partition) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if s := c.state.Load(); s == StateShuttingDown || s == StateDone {
		return
	}
	c.lifecycle.engine = e
	c.lifecycle.partitions = append([]Partition(nil), partitions...)
}

// Throttle returns the current rate in bytes/sec. It is zero until the first
// measurement.
func (c *Controller) Throttle() uint64 {
	return c.throttle.Load()
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return c.state.Load()
}

// start spawns the background goroutine and waits until it is running. The
// state must already be StateStarting.
func (c *Controller) start() {
	c.wg.Add(1)
	go c.mainLoop()

	c.lifecycle.Lock()
	for c.state.Load() == StateStarting {
		c.lifecycle.cond.Wait()
	}
	c.lifecycle.Unlock()
}

const (
	stopPollMin = time.Millisecond
	stopPollMax = 50 * time.Millisecond
)

// Stop shuts the controller down and returns once it is in StateDone. It is
// safe to call concurrently and repeatedly; exactly one caller performs the
// shutdown while the others wait for it.
func (c *Controller) Stop() {
	backoff := stopPollMin
	for {
		switch s := c.state.Load(); s {
		case StateDone:
			return
		case StateNotStarted:
			if c.state.advance(StateNotStarted, transitionDone) {
				c.releaseEngine()
				c.opts.Logger.Infof("writethrottle: stopped before starting")
				return
			}
			continue
		case StateRunning:
			if c.state.advance(StateRunning, transitionShutdown) {
				c.notify()
				c.wg.Wait()
				c.releaseEngine()
				c.state.advance(StateShuttingDown, transitionDone)
				c.opts.Logger.Infof("writethrottle: stopped at %s/s", humanizeBytes(c.Throttle()))
				return
			}
			continue
		}
		// Starting or ShuttingDown: another goroutine is mid-transition.
		time.Sleep(backoff)
		backoff = min(2*backoff, stopPollMax)
	}
}

func (c *Controller) releaseEngine() {
	c.lifecycle.Lock()
	c.lifecycle.engine = nil
	c.lifecycle.partitions = nil
	c.lifecycle.Unlock()
}

func (c *Controller) engineHandle() (Engine, []Partition) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.lifecycle.engine, c.lifecycle.partitions
}

// notify wakes up the background goroutine without blocking.
func (c *Controller) notify() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

func (c *Controller) mainLoop() {
	defer c.wg.Done()

	c.lifecycle.Lock()
	c.state.advance(StateStarting, transitionRunning)
	c.lifecycle.cond.Broadcast()
	c.lifecycle.Unlock()
	c.opts.Logger.Infof("writethrottle: running every %s", c.opts.Frequency)

	timer := time.NewTimer(c.opts.Frequency)
	defer timer.Stop()
	for {
		select {
		case ev := <-c.events:
			c.calc.hist.record(ev)
		case <-c.notifyCh:
		case <-timer.C:
			if c.state.Load() == StateRunning {
				c.runCycle()
			}
			timer.Reset(c.opts.Frequency)
		}
		if c.state.Load() != StateRunning {
			return
		}
	}
}

// drainEvents folds every queued event and the overflow buckets into the
// history.
func (c *Controller) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			c.calc.hist.record(ev)
			continue
		default:
		}
		break
	}
	c.mu.Lock()
	overflow := c.mu.overflow
	c.mu.overflow = [2]bucket{}
	c.mu.Unlock()
	c.calc.hist.merge(&overflow)
}

// runCycle recalculates and applies the throttle once. Failures are logged
// and counted; they never stop the loop.
func (c *Controller) runCycle() {
	start := crtime.NowMono()
	res, applied, err := c.cycle()
	elapsed := start.Elapsed()
	if c.opts.CycleLatency != nil {
		c.opts.CycleLatency.Observe(elapsed.Seconds())
	}

	c.mu.Lock()
	m := &c.mu.cycles
	m.Count++
	m.LastDuration = elapsed
	switch {
	case err != nil:
		m.Failed++
	case res.skipped:
		m.Skipped++
	default:
		m.LastRawRate = res.rawRate
		m.LastAdjustment = res.adjustment
		if applied {
			m.Applied++
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.opts.Logger.Errorf("writethrottle: recalculation failed: %v", err)
	} else if res.firstMeasurement {
		c.opts.Logger.Infof("writethrottle: first measurement %s/s", humanizeBytes(res.throttle))
	}
}

// cycle is one recalculation. No controller lock is held while it calls into
// the engine or its partitions.
func (c *Controller) cycle() (res cycleResult, applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "panic")
			} else {
				err = errors.Newf("panic: %v", r)
			}
		}
	}()

	c.drainEvents()
	engine, partitions := c.engineHandle()
	b := estimateBacklog(partitions, c.opts.SlowdownWritesTrigger)
	s := signals{
		compactionBacklog:           b.compactionBacklog,
		pendingCompactionBytes:      b.pendingCompactionBytes,
		pendingCompactionBytesLimit: b.pendingCompactionBytesLimit,
	}
	if g := c.opts.ResourceGauges; g != nil {
		if u, gaugeErr := g.FileDescriptors(); gaugeErr != nil {
			c.opts.Logger.Errorf("writethrottle: reading file descriptors: %v", gaugeErr)
		} else {
			s.fds = u
		}
		if u, gaugeErr := g.MemoryMaps(); gaugeErr != nil {
			c.opts.Logger.Errorf("writethrottle: reading memory maps: %v", gaugeErr)
		} else {
			s.mmaps = u
		}
	}

	res = c.calc.recalculate(s)
	c.throttle.Store(res.throttle)

	c.mu.Lock()
	c.mu.cycles.CompactionBacklog = b.compactionBacklog
	c.mu.cycles.ImmutableMemTables = b.immutableMemTables
	c.mu.cycles.PendingCompactionBytes = b.pendingCompactionBytes
	c.mu.cycles.FileDescriptors = s.fds
	c.mu.cycles.MemoryMaps = s.mmaps
	c.mu.Unlock()

	if !res.skipped && engine != nil {
		applied = applyRate(engine, res.throttle)
	}
	return res, applied, nil
}
