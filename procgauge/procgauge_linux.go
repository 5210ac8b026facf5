// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package procgauge

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Gauges reads resource usage of the current process from procfs.
type Gauges struct {
	fs   procfs.FS
	proc procfs.Proc
}

// New returns Gauges reading the default /proc mount.
func New() (*Gauges, error) {
	return NewFromMount(procfs.DefaultMountPoint)
}

// NewFromMount returns Gauges reading a procfs mounted at mountPoint. The
// process is resolved through the mount's "self" link.
func NewFromMount(mountPoint string) (*Gauges, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "procgauge: opening %s", mountPoint)
	}
	proc, err := fs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "procgauge: resolving self")
	}
	return &Gauges{fs: fs, proc: proc}, nil
}

// FileDescriptors implements writethrottle.ResourceGauges. The limit is the
// soft RLIMIT_NOFILE as reported by procfs, falling back to getrlimit(2) when
// the limits file is unreadable.
func (g *Gauges) FileDescriptors() (writethrottle.ResourceUsage, error) {
	n, err := g.proc.FileDescriptorsLen()
	if err != nil {
		return writethrottle.ResourceUsage{}, errors.Wrap(err, "procgauge: counting file descriptors")
	}
	var limit uint64
	if l, err := g.proc.Limits(); err == nil {
		limit = l.OpenFiles
	} else {
		var rlim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
			return writethrottle.ResourceUsage{}, errors.Wrap(err, "procgauge: reading RLIMIT_NOFILE")
		}
		limit = rlim.Cur
	}
	return writethrottle.ResourceUsage{
		Current: uint64(n),
		Limit:   noLimit(limit),
	}, nil
}

// MemoryMaps implements writethrottle.ResourceGauges. The limit is
// vm.max_map_count.
func (g *Gauges) MemoryMaps() (writethrottle.ResourceUsage, error) {
	maps, err := g.proc.ProcMaps()
	if err != nil {
		return writethrottle.ResourceUsage{}, errors.Wrap(err, "procgauge: reading memory maps")
	}
	vm, err := g.fs.VM()
	if err != nil {
		return writethrottle.ResourceUsage{}, errors.Wrap(err, "procgauge: reading vm sysctls")
	}
	if vm.MaxMapCount == nil || *vm.MaxMapCount <= 0 {
		return writethrottle.ResourceUsage{}, errors.New("procgauge: vm.max_map_count unavailable")
	}
	return writethrottle.ResourceUsage{
		Current: uint64(len(maps)),
		Limit:   uint64(*vm.MaxMapCount),
	}, nil
}

// noLimit converts an "unlimited" resource limit into the zero Limit that
// writethrottle treats as unavailable.
func noLimit(limit uint64) uint64 {
	if limit == unix.RLIM_INFINITY {
		return 0
	}
	return limit
}
