// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build invariants || race

package invariants

import "fmt"

// Enabled is true if we were built with the "invariants" or "race" build tags.
const Enabled = true

// SafeSub returns a - b. If a < b, it panics in invariant builds and returns 0
// in non-invariant builds.
func SafeSub[T Integer](a, b T) T {
	if a < b {
		panic(fmt.Sprintf("underflow: %d - %d", a, b))
	}
	return a - b
}

// CheckBounds panics if the index is not in the range [lo, hi). No-op in
// non-invariant builds.
func CheckBounds[T Integer](i, lo, hi T) {
	if i < lo || i >= hi {
		panic(fmt.Sprintf("index %d out of bounds [%d, %d)", i, lo, hi))
	}
}
