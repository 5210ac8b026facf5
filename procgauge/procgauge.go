// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package procgauge implements writethrottle.ResourceGauges for the current
// process. On Linux it reads the open file descriptor and memory map counts
// and their limits from procfs; elsewhere every reading fails, which disables
// the corresponding throttle penalties.
package procgauge

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/writethrottle"
)

// ErrUnsupported is returned by readings that the platform cannot provide.
var ErrUnsupported = errors.New("procgauge: unsupported platform")

var _ writethrottle.ResourceGauges = (*Gauges)(nil)
