// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package writecontroller implements the engine side of write throttling: a
// delayed-write controller that admits writes at a configurable byte rate.
//
// The maximum and current delayed write rates are set by the engine (or by a
// writethrottle.Controller acting on its behalf) while holding the engine's
// mutex. Writers call Wait without holding it.
package writecontroller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/writethrottle/internal/rate"
)

// Options configures a Controller.
type Options struct {
	// MaxDelayedWriteRate is the initial ceiling for the delayed write rate,
	// in bytes/sec. Zero means no ceiling.
	MaxDelayedWriteRate uint64
	// DelayedWriteRate is the initial rate. Zero means writes are not delayed.
	DelayedWriteRate uint64
	// BurstDuration is the amount of time worth of writes, at the current
	// rate, that can be admitted without delay after an idle period.
	//
	// The default value is 100ms.
	BurstDuration time.Duration
	// ObserveWindow is the window over which the admitted write rate is
	// measured.
	//
	// The default value is 5s.
	ObserveWindow time.Duration
	// Now and Sleep replace the clock, for tests. Both must be set or unset.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified.
func (o *Options) EnsureDefaults() {
	if o.BurstDuration <= 0 {
		o.BurstDuration = 100 * time.Millisecond
	}
	if o.ObserveWindow <= 0 {
		o.ObserveWindow = 5 * time.Second
	}
}

// Controller is a delayed-write controller. It implements
// writethrottle.WriteController.
type Controller struct {
	opts Options
	// maxRate is guarded by the owning engine's mutex.
	maxRate uint64
	// rate is written under the owning engine's mutex and read by writers.
	rate     atomic.Uint64
	limiter  *rate.Limiter
	admitted *windowCounter

	stats struct {
		delayedWrites atomic.Uint64
		delayedBytes  atomic.Uint64
		delay         atomic.Int64
		canceled      atomic.Uint64
	}
}

// New returns a Controller.
func New(opts Options) *Controller {
	opts.EnsureDefaults()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		opts:     opts,
		maxRate:  opts.MaxDelayedWriteRate,
		admitted: newWindowCounter(opts.ObserveWindow, 50, now),
	}
	initial := c.clamp(opts.DelayedWriteRate)
	if opts.Now != nil {
		c.limiter = rate.NewLimiterWithCustomTime(float64(initial), c.burst(initial), opts.Now, opts.Sleep)
	} else {
		c.limiter = rate.NewLimiter(float64(initial), c.burst(initial))
	}
	c.rate.Store(initial)
	return c
}

func (c *Controller) burst(bps uint64) float64 {
	return max(float64(bps)*c.opts.BurstDuration.Seconds(), 1)
}

func (c *Controller) clamp(bps uint64) uint64 {
	if c.maxRate > 0 {
		return min(bps, c.maxRate)
	}
	return bps
}

// MaxDelayedWriteRate returns the ceiling for the delayed write rate. The
// engine mutex must be held.
func (c *Controller) MaxDelayedWriteRate() uint64 {
	return c.maxRate
}

// SetMaxDelayedWriteRate sets the ceiling, lowering the current rate if it is
// above. The engine mutex must be held.
func (c *Controller) SetMaxDelayedWriteRate(bps uint64) {
	c.maxRate = bps
	if cur := c.rate.Load(); cur != c.clamp(cur) {
		c.setRate(c.clamp(cur))
	}
}

// SetDelayedWriteRate sets the rate at which writes are admitted, clamped to
// the ceiling. Zero stops delaying writes. The engine mutex must be held.
func (c *Controller) SetDelayedWriteRate(bps uint64) {
	c.setRate(c.clamp(bps))
}

// setRate is serialized by the engine mutex. The limiter is reconfigured
// before the new rate is published, and never to a zero rate.
func (c *Controller) setRate(bps uint64) {
	if c.rate.Load() == bps {
		return
	}
	if bps > 0 {
		c.limiter.SetRateAndBurst(float64(bps), c.burst(bps))
	}
	c.rate.Store(bps)
}

// DelayedWriteRate returns the current rate. It may be called without the
// engine mutex.
func (c *Controller) DelayedWriteRate() uint64 {
	return c.rate.Load()
}

// Wait delays a write of n bytes according to the current rate, and returns
// how long it was delayed. The engine mutex must not be held. If ctx is
// canceled while waiting, the write is not admitted and ctx.Err() is
// returned.
func (c *Controller) Wait(ctx context.Context, n uint64) (time.Duration, error) {
	if c.rate.Load() == 0 {
		c.admitted.add(int64(n))
		return 0, nil
	}
	start := crtime.NowMono()
	waited, err := c.limiter.WaitCtx(ctx, float64(n))
	// On the real clock the limiter reports the timer durations; replace them
	// with the measured wait, but only when the write actually waited.
	if waited > 0 && c.opts.Sleep == nil {
		waited = start.Elapsed()
	}
	if err != nil {
		c.stats.canceled.Add(1)
		return waited, err
	}
	if waited > 0 {
		c.stats.delayedWrites.Add(1)
		c.stats.delayedBytes.Add(n)
		c.stats.delay.Add(int64(waited))
	}
	c.admitted.add(int64(n))
	return waited, nil
}

// Stats describes the writes a Controller has admitted.
type Stats struct {
	// DelayedWriteRate and MaxDelayedWriteRate are the current settings.
	DelayedWriteRate    uint64
	MaxDelayedWriteRate uint64
	// DelayedWrites is the number of writes that had to wait, and DelayedBytes
	// their total size.
	DelayedWrites uint64
	DelayedBytes  uint64
	// TotalDelay is the total time writers waited.
	TotalDelay time.Duration
	// CanceledWrites is the number of writes whose context was canceled while
	// waiting.
	CanceledWrites uint64
	// AdmittedRate is the rate at which bytes were admitted over the observe
	// window, in bytes/sec.
	AdmittedRate float64
}

// Stats returns the controller's statistics. The engine mutex must be held,
// for MaxDelayedWriteRate.
func (c *Controller) Stats() Stats {
	return Stats{
		DelayedWriteRate:    c.rate.Load(),
		MaxDelayedWriteRate: c.maxRate,
		DelayedWrites:       c.stats.delayedWrites.Load(),
		DelayedBytes:        c.stats.delayedBytes.Load(),
		TotalDelay:          time.Duration(c.stats.delay.Load()),
		CanceledWrites:      c.stats.canceled.Load(),
		AdmittedRate:        c.admitted.rate(),
	}
}

// SafeFormat implements redact.SafeFormatter.
func (s Stats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("rate %d/%d B/s, %d delayed writes (%d bytes, %s), %d canceled, admitted %.0f B/s",
		s.DelayedWriteRate, s.MaxDelayedWriteRate, s.DelayedWrites, s.DelayedBytes,
		s.TotalDelay, s.CanceledWrites, s.AdmittedRate)
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return redact.StringWithoutMarkers(s)
}
