// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !linux

package procgauge

import "github.com/cockroachdb/writethrottle"

// Gauges is a placeholder on platforms without procfs.
type Gauges struct{}

// New returns Gauges whose readings always fail with ErrUnsupported.
func New() (*Gauges, error) {
	return &Gauges{}, nil
}

// FileDescriptors implements writethrottle.ResourceGauges.
func (*Gauges) FileDescriptors() (writethrottle.ResourceUsage, error) {
	return writethrottle.ResourceUsage{}, ErrUnsupported
}

// MemoryMaps implements writethrottle.ResourceGauges.
func (*Gauges) MemoryMaps() (writethrottle.ResourceUsage, error) {
	return writethrottle.ResourceUsage{}, ErrUnsupported
}
