// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle/internal/base"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
type DefaultLogger = base.DefaultLogger

// NoopLogger discards everything but fatal messages, which panic.
type NoopLogger = base.NoopLogger

// PenaltyPolicy selects how the backlog penalty and the three
// resource-pressure penalties (pending compaction bytes, file descriptors,
// memory maps) combine into the number of bytes deducted from the measured
// throughput.
type PenaltyPolicy int8

const (
	// MaxPressurePlusBacklog adds the largest resource-pressure penalty to the
	// backlog penalty. The resource signals are treated as independent risks
	// of the same outcome, so only the worst one counts.
	MaxPressurePlusBacklog PenaltyPolicy = iota
	// SumAll adds every penalty.
	SumAll
	// MaxAll takes the largest of all four penalties.
	MaxAll
)

var penaltyPolicyNames = [...]string{
	MaxPressurePlusBacklog: "max-pressure-plus-backlog",
	SumAll:                 "sum-all",
	MaxAll:                 "max-all",
}

// String implements fmt.Stringer.
func (p PenaltyPolicy) String() string {
	if p < 0 || int(p) >= len(penaltyPolicyNames) {
		return fmt.Sprintf("PenaltyPolicy(%d)", int8(p))
	}
	return penaltyPolicyNames[p]
}

func parsePenaltyPolicy(s string) (PenaltyPolicy, error) {
	for i, name := range penaltyPolicyNames {
		if name == s {
			return PenaltyPolicy(i), nil
		}
	}
	return 0, errors.Newf("unknown penalty policy %q", s)
}

// combine returns the total adjustment in bytes.
func (p PenaltyPolicy) combine(backlog, pendingBytes, fds, mmaps uint64) uint64 {
	switch p {
	case SumAll:
		return addSat(backlog, pendingBytes, fds, mmaps)
	case MaxAll:
		return max(backlog, pendingBytes, fds, mmaps)
	default:
		return addSat(backlog, max(pendingBytes, fds, mmaps))
	}
}

// Options holds the configuration of a Controller.
type Options struct {
	// NumSlots is the number of history buckets. The first two accumulate the
	// current interval (level-0 and non-level-0 work); the remaining
	// NumSlots-2 hold completed intervals. Must be at least 3.
	//
	// The default value is 63.
	NumSlots int

	// Frequency is the interval between recalculations.
	//
	// The default value is 1s.
	Frequency time.Duration

	// ScalingFactor is the divisor of the exponential moving average: each
	// cycle moves the throttle 1/ScalingFactor of the way toward the newly
	// measured rate. Must not be zero.
	//
	// The default value is 17.
	ScalingFactor uint64

	// MaxWriteRate caps the throttle, in bytes/sec. Zero means unlimited.
	MaxWriteRate uint64

	// LowerBoundRate is the minimum throttle, in bytes/sec, once a measurement
	// has been made. Zero means no lower bound. DefaultOptions sets it to
	// 10 MiB/s.
	LowerBoundRate uint64

	// SlowdownWritesTrigger is the file count in a partition's lowest
	// non-empty level at which each additional file counts as one unit of
	// compaction backlog.
	//
	// The default value is 1.
	SlowdownWritesTrigger int

	// WriteBufferSize is the engine's typical memtable size. The controller
	// starts on the first flush larger than half of it, so that the first
	// measurement is representative.
	//
	// The default value is 64 MiB.
	WriteBufferSize uint64

	// MinEventBytes filters out flushes and compactions that wrote fewer
	// bytes; their timing is dominated by fixed costs. Zero disables the
	// filter. DefaultOptions sets it to 16 KiB.
	MinEventBytes uint64

	// EventQueueSize is the capacity of the channel that carries ingestion
	// events to the background goroutine. Events that do not fit are folded
	// into an overflow accumulator instead of blocking the engine.
	//
	// The default value is 256.
	EventQueueSize int

	// FileDescriptorSlowdownFraction and FileDescriptorStopFraction delimit,
	// as fractions of the file descriptor limit, the range over which the
	// file descriptor penalty ramps from 0 to its maximum.
	//
	// The default values are 0.5 and 0.9.
	FileDescriptorSlowdownFraction float64
	FileDescriptorStopFraction     float64

	// MemoryMapSlowdownFraction and MemoryMapStopFraction are the equivalent
	// of the file descriptor fractions for memory maps.
	//
	// The default values are 0.5 and 0.9.
	MemoryMapSlowdownFraction float64
	MemoryMapStopFraction     float64

	// PenaltyPolicy selects how penalties combine. The default is
	// MaxPressurePlusBacklog.
	PenaltyPolicy PenaltyPolicy

	// ResourceGauges supplies file descriptor and memory map usage. When nil,
	// the corresponding penalties are never applied.
	ResourceGauges ResourceGauges

	// Logger is used to log lifecycle transitions and cycle failures.
	//
	// The default is DefaultLogger.
	Logger Logger

	// CycleLatency, if set, observes the duration of every recalculation in
	// seconds.
	CycleLatency prometheus.Histogram
}

// DefaultOptions returns the recommended options, including the non-zero
// defaults for fields where zero is meaningful (LowerBoundRate and
// MinEventBytes).
func DefaultOptions() Options {
	o := Options{
		LowerBoundRate: 10 << 20,
		MinEventBytes:  16 << 10,
	}
	o.EnsureDefaults()
	return o
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified.
func (o *Options) EnsureDefaults() {
	if o.NumSlots == 0 {
		o.NumSlots = 63
	}
	if o.Frequency == 0 {
		o.Frequency = time.Second
	}
	if o.ScalingFactor == 0 {
		o.ScalingFactor = 17
	}
	if o.SlowdownWritesTrigger == 0 {
		o.SlowdownWritesTrigger = 1
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = 64 << 20
	}
	if o.EventQueueSize == 0 {
		o.EventQueueSize = 256
	}
	if o.FileDescriptorSlowdownFraction == 0 {
		o.FileDescriptorSlowdownFraction = 0.5
	}
	if o.FileDescriptorStopFraction == 0 {
		o.FileDescriptorStopFraction = 0.9
	}
	if o.MemoryMapSlowdownFraction == 0 {
		o.MemoryMapSlowdownFraction = 0.5
	}
	if o.MemoryMapStopFraction == 0 {
		o.MemoryMapStopFraction = 0.9
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
}

// startThreshold is the flush size above which the controller starts.
func (o *Options) startThreshold() uint64 {
	return o.WriteBufferSize / 2
}

// Validate verifies that the options are mutually consistent. It is called by
// New after EnsureDefaults; a configuration that fails validation can never
// run.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.NumSlots < 3 {
		fmt.Fprintf(&buf, "NumSlots (%d) must be at least 3\n", o.NumSlots)
	}
	if o.Frequency <= 0 {
		fmt.Fprintf(&buf, "Frequency (%s) must be positive\n", o.Frequency)
	}
	if o.ScalingFactor == 0 {
		fmt.Fprintf(&buf, "ScalingFactor must not be zero\n")
	}
	if o.SlowdownWritesTrigger < 1 {
		fmt.Fprintf(&buf, "SlowdownWritesTrigger (%d) must be at least 1\n", o.SlowdownWritesTrigger)
	}
	if o.MaxWriteRate != 0 && o.LowerBoundRate > o.MaxWriteRate {
		fmt.Fprintf(&buf, "LowerBoundRate (%d) must not exceed MaxWriteRate (%d)\n",
			o.LowerBoundRate, o.MaxWriteRate)
	}
	if o.EventQueueSize < 0 {
		fmt.Fprintf(&buf, "EventQueueSize (%d) must not be negative\n", o.EventQueueSize)
	}
	checkFractions := func(name string, slowdown, stop float64) {
		if slowdown <= 0 || slowdown > 1 || stop <= 0 || stop > 1 {
			fmt.Fprintf(&buf, "%s fractions (%.2f, %.2f) must be in (0, 1]\n", name, slowdown, stop)
		} else if stop < slowdown {
			fmt.Fprintf(&buf, "%s stop fraction (%.2f) must not be below the slowdown fraction (%.2f)\n",
				name, stop, slowdown)
		}
	}
	checkFractions("FileDescriptor", o.FileDescriptorSlowdownFraction, o.FileDescriptorStopFraction)
	checkFractions("MemoryMap", o.MemoryMapSlowdownFraction, o.MemoryMapStopFraction)
	if o.PenaltyPolicy < 0 || int(o.PenaltyPolicy) >= len(penaltyPolicyNames) {
		fmt.Fprintf(&buf, "unknown PenaltyPolicy %d\n", o.PenaltyPolicy)
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}

// String returns the options in the INI-like format accepted by Parse.
func (o *Options) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[Throttle]\n")
	fmt.Fprintf(&buf, "  num_slots=%d\n", o.NumSlots)
	fmt.Fprintf(&buf, "  frequency=%s\n", o.Frequency)
	fmt.Fprintf(&buf, "  scaling_factor=%d\n", o.ScalingFactor)
	fmt.Fprintf(&buf, "  max_write_rate=%d\n", o.MaxWriteRate)
	fmt.Fprintf(&buf, "  lower_bound_rate=%d\n", o.LowerBoundRate)
	fmt.Fprintf(&buf, "  slowdown_writes_trigger=%d\n", o.SlowdownWritesTrigger)
	fmt.Fprintf(&buf, "  write_buffer_size=%d\n", o.WriteBufferSize)
	fmt.Fprintf(&buf, "  min_event_bytes=%d\n", o.MinEventBytes)
	fmt.Fprintf(&buf, "  event_queue_size=%d\n", o.EventQueueSize)
	fmt.Fprintf(&buf, "  file_descriptor_slowdown_fraction=%g\n", o.FileDescriptorSlowdownFraction)
	fmt.Fprintf(&buf, "  file_descriptor_stop_fraction=%g\n", o.FileDescriptorStopFraction)
	fmt.Fprintf(&buf, "  memory_map_slowdown_fraction=%g\n", o.MemoryMapSlowdownFraction)
	fmt.Fprintf(&buf, "  memory_map_stop_fraction=%g\n", o.MemoryMapStopFraction)
	fmt.Fprintf(&buf, "  penalty_policy=%s\n", o.PenaltyPolicy)
	return buf.String()
}

// Parse parses the options from the specified string. Note that certain
// options cannot be parsed into populated fields: ResourceGauges, Logger and
// CycleLatency are left untouched. Byte-valued options accept humanized
// values such as "64MiB".
func (o *Options) Parse(s string) error {
	var section string
	for lineNum, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			// Skip blank lines and comments.
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			if section != "Throttle" {
				return errors.Newf("line %d: unknown section %q", errors.Safe(lineNum+1), section)
			}
			continue
		}
		if section == "" {
			return errors.Newf("line %d: key outside of a section", errors.Safe(lineNum+1))
		}
		pos := strings.Index(line, "=")
		if pos < 0 {
			const maxLen = 50
			if len(line) > maxLen {
				line = line[:maxLen-3] + "..."
			}
			return errors.Newf("line %d: invalid key=value syntax: %q", errors.Safe(lineNum+1), line)
		}
		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		if err := o.parseKeyValue(key, value); err != nil {
			return errors.Wrapf(err, "line %d: parsing %s", errors.Safe(lineNum+1), errors.Safe(key))
		}
	}
	return nil
}

func (o *Options) parseKeyValue(key, value string) error {
	var err error
	switch key {
	case "num_slots":
		o.NumSlots, err = strconv.Atoi(value)
	case "frequency":
		o.Frequency, err = time.ParseDuration(value)
	case "scaling_factor":
		o.ScalingFactor, err = strconv.ParseUint(value, 10, 64)
	case "max_write_rate":
		o.MaxWriteRate, err = crhumanize.ParseBytes[uint64](value)
	case "lower_bound_rate":
		o.LowerBoundRate, err = crhumanize.ParseBytes[uint64](value)
	case "slowdown_writes_trigger":
		o.SlowdownWritesTrigger, err = strconv.Atoi(value)
	case "write_buffer_size":
		o.WriteBufferSize, err = crhumanize.ParseBytes[uint64](value)
	case "min_event_bytes":
		o.MinEventBytes, err = crhumanize.ParseBytes[uint64](value)
	case "event_queue_size":
		o.EventQueueSize, err = strconv.Atoi(value)
	case "file_descriptor_slowdown_fraction":
		o.FileDescriptorSlowdownFraction, err = strconv.ParseFloat(value, 64)
	case "file_descriptor_stop_fraction":
		o.FileDescriptorStopFraction, err = strconv.ParseFloat(value, 64)
	case "memory_map_slowdown_fraction":
		o.MemoryMapSlowdownFraction, err = strconv.ParseFloat(value, 64)
	case "memory_map_stop_fraction":
		o.MemoryMapStopFraction, err = strconv.ParseFloat(value, 64)
	case "penalty_policy":
		o.PenaltyPolicy, err = parsePenaltyPolicy(value)
	default:
		return errors.Newf("unknown option %q", key)
	}
	return err
}
