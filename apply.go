// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

// minApplyRate is the rate at or below which the throttle is not pushed to the
// engine. Rates this low break the arithmetic of typical delayed-write
// controllers.
const minApplyRate = 100

// applyRate sets the engine's delayed write rate to bps, raising the maximum
// delayed write rate first if needed. It must be called without holding any
// Controller lock. It returns false if bps was too small to apply.
func applyRate(e Engine, bps uint64) bool {
	if bps <= minApplyRate {
		return false
	}
	e.Lock()
	defer e.Unlock()
	wc := e.WriteController()
	if wc.MaxDelayedWriteRate() < bps {
		wc.SetMaxDelayedWriteRate(bps)
	}
	wc.SetDelayedWriteRate(bps)
	return true
}
