// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/redact"
)

// minRate is the smallest rate the calculator ever produces internally.
const minRate = 1

// signals are the inputs to one recalculation besides the accumulated
// history.
type signals struct {
	// compactionBacklog is the number of level-0 files and immutable memtables
	// beyond their triggers, summed over partitions.
	compactionBacklog uint64
	// pendingCompactionBytes is the estimated compaction debt.
	pendingCompactionBytes uint64
	// pendingCompactionBytesLimit is the hard debt limit; zero if unknown.
	pendingCompactionBytesLimit uint64
	// fds and mmaps are process resource gauges; a zero Limit means the gauge
	// is unavailable.
	fds   ResourceUsage
	mmaps ResourceUsage
}

// rateSource describes where the raw rate of a cycle came from.
type rateSource int8

const (
	rateFromNothing rateSource = iota
	rateFromHistory
	rateFromLevel0
)

func (s rateSource) String() string {
	switch s {
	case rateFromHistory:
		return "history"
	case rateFromLevel0:
		return "level0"
	default:
		return "none"
	}
}

// cycleResult records the intermediate values of a recalculation.
type cycleResult struct {
	skipped     bool
	totalBytes  uint64
	totalMicros uint64
	// Penalties, in bytes.
	backlogPenalty uint64
	pendingPenalty uint64
	fdPenalty      uint64
	mmapPenalty    uint64
	adjustment     uint64
	effectiveBytes uint64
	rawRate        uint64
	source         rateSource
	// firstMeasurement is set if the throttle jumped directly to rawRate.
	firstMeasurement bool
	throttle         uint64
}

// SafeFormat implements redact.SafeFormatter.
func (r cycleResult) SafeFormat(w redact.SafePrinter, _ rune) {
	if r.skipped {
		w.Printf("skipped: no data; throttle=%d", r.throttle)
		return
	}
	w.Printf("total-bytes=%d total-micros=%d\n", r.totalBytes, r.totalMicros)
	w.Printf("penalties: backlog=%d pending=%d fds=%d mmaps=%d adjustment=%d\n",
		r.backlogPenalty, r.pendingPenalty, r.fdPenalty, r.mmapPenalty, r.adjustment)
	w.Printf("effective-bytes=%d raw-rate=%d (%s)\n", r.effectiveBytes, r.rawRate,
		redact.SafeString(r.source.String()))
	if r.firstMeasurement {
		w.Printf("throttle=%d (first measurement)", r.throttle)
	} else {
		w.Printf("throttle=%d", r.throttle)
	}
}

func (r cycleResult) String() string {
	return redact.StringWithoutMarkers(r)
}

// rateCalculator turns the accumulated history and the current signals into
// a smoothed throttle. It is owned by the controller's background goroutine
// and has no synchronization of its own, which also makes every cycle
// replayable in tests.
type rateCalculator struct {
	opts *Options
	hist history
	// throttle is the current smoothed rate in bytes/sec. Zero until the
	// first cycle that has data.
	throttle uint64
	// firstMeasurement is true until the first cycle whose raw rate is a real
	// measurement.
	firstMeasurement bool
}

func makeRateCalculator(opts *Options) rateCalculator {
	return rateCalculator{
		opts:             opts,
		hist:             makeHistory(opts.NumSlots),
		firstMeasurement: true,
	}
}

// recalculate runs one cycle:
//
//  1. The non-level-0 interval in progress is moved into the history.
//  2. The bytes and time of the completed intervals are summed. If there is
//     no data at all the cycle is skipped and the throttle is unchanged.
//  3. Every unit of compaction backlog removes 10% of the measured bytes.
//  4. Each resource under pressure (pending compaction bytes, file
//     descriptors, memory maps) removes up to half of the measured bytes, in
//     proportion to how far it is between its slowdown and stop thresholds.
//     The penalties combine according to the PenaltyPolicy.
//  5. The remaining effective bytes over the measured time give the raw rate.
//     Before any non-level-0 interval has data, the level-0 accumulator
//     provides the rate instead.
//  6. The first real measurement sets the throttle directly; after that the
//     throttle moves 1/ScalingFactor of the way toward the raw rate.
func (rc *rateCalculator) recalculate(s signals) (r cycleResult) {
	h := &rc.hist
	h.rotate()

	r.totalBytes, r.totalMicros = h.totals()
	l0 := h.level0()
	if r.totalBytes == 0 && l0.bytes == 0 {
		r.skipped = true
		r.throttle = rc.throttle
		return r
	}
	// The rotated interval stays in the history even if the rest of the cycle
	// panics.
	defer h.advance()

	r.backlogPenalty = mulDiv(r.totalBytes, s.compactionBacklog, 10)
	if limit := s.pendingCompactionBytesLimit; limit > 0 {
		p := pressure(float64(s.pendingCompactionBytes), 0.25*float64(limit), float64(limit))
		r.pendingPenalty = halfScaled(r.totalBytes, p)
	}
	if limit := s.fds.Limit; limit > 0 {
		p := pressure(float64(s.fds.Current),
			rc.opts.FileDescriptorSlowdownFraction*float64(limit),
			rc.opts.FileDescriptorStopFraction*float64(limit))
		r.fdPenalty = halfScaled(r.totalBytes, p)
	}
	if limit := s.mmaps.Limit; limit > 0 {
		p := pressure(float64(s.mmaps.Current),
			rc.opts.MemoryMapSlowdownFraction*float64(limit),
			rc.opts.MemoryMapStopFraction*float64(limit))
		r.mmapPenalty = halfScaled(r.totalBytes, p)
	}
	r.adjustment = rc.opts.PenaltyPolicy.combine(r.backlogPenalty, r.pendingPenalty, r.fdPenalty, r.mmapPenalty)

	r.effectiveBytes = minRate
	if r.adjustment < r.totalBytes {
		r.effectiveBytes = r.totalBytes - r.adjustment
	}

	switch {
	case r.totalBytes != 0 && r.totalMicros != 0:
		r.rawRate = mulDiv(r.effectiveBytes, 1_000_000, r.totalMicros)
		r.source = rateFromHistory
	case l0.bytes != 0 && l0.elapsed.Microseconds() > 0:
		r.rawRate = mulDiv(l0.bytes, 1_000_000, uint64(l0.elapsed.Microseconds()))
		r.source = rateFromLevel0
	default:
		r.rawRate = minRate
	}
	r.rawRate = max(r.rawRate, minRate)

	if rc.firstMeasurement && r.rawRate > minRate {
		rc.throttle = rc.clamp(r.rawRate)
		rc.firstMeasurement = false
		r.firstMeasurement = true
		*l0 = bucket{}
	} else {
		rc.throttle = rc.smooth(r.rawRate)
		if r.source == rateFromHistory {
			// The level-0 fallback is only needed until non-level-0 intervals
			// carry data.
			*l0 = bucket{}
		}
	}
	r.throttle = rc.throttle
	return r
}

// smooth returns the throttle moved 1/ScalingFactor of the way toward raw,
// clamped to the configured bounds.
func (rc *rateCalculator) smooth(raw uint64) uint64 {
	cur := int64(min(rc.throttle, math.MaxInt64))
	target := int64(min(raw, math.MaxInt64))
	// Go's division truncates toward zero, so a rate within ScalingFactor of
	// the target stops moving.
	delta := (target - cur) / int64(min(rc.opts.ScalingFactor, math.MaxInt64))
	next := cur + delta
	if next < 0 {
		next = 0
	}
	return rc.clamp(uint64(next))
}

func (rc *rateCalculator) clamp(v uint64) uint64 {
	v = max(v, rc.opts.LowerBoundRate)
	if rc.opts.MaxWriteRate > 0 {
		v = min(v, rc.opts.MaxWriteRate)
	}
	return v
}

// pressure returns how far current has progressed from threshold toward
// limit, in [0, 1]. It is 0 at or below the threshold and 1 at or above the
// limit.
func pressure(current, threshold, limit float64) float64 {
	if current <= threshold {
		return 0
	}
	if limit <= threshold {
		return 1
	}
	return min((current-threshold)/(limit-threshold), 1)
}

// halfScaled returns total*fraction/2.
func halfScaled(total uint64, fraction float64) uint64 {
	return uint64(float64(total) * fraction / 2)
}

// mulDiv returns a*b/c without intermediate overflow, saturating at
// math.MaxUint64. c must not be zero.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}

// addSat returns the sum of vs, saturating at math.MaxUint64.
func addSat(vs ...uint64) uint64 {
	var sum uint64
	for _, v := range vs {
		var carry uint64
		sum, carry = bits.Add64(sum, v, 0)
		if carry != 0 {
			return math.MaxUint64
		}
	}
	return sum
}
