// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package testutils

import (
	"testing"
	"time"
)

// SucceedsSoonDuration is the maximum amount of time SucceedsSoon keeps
// retrying.
const SucceedsSoonDuration = 45 * time.Second

// SucceedsSoon retries fn with exponential backoff until it returns nil, and
// fails the test with the last error if that does not happen within
// SucceedsSoonDuration.
func SucceedsSoon(t testing.TB, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(SucceedsSoonDuration)
	backoff := time.Millisecond
	for {
		err := fn()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition failed to evaluate within %s: %v", SucceedsSoonDuration, err)
		}
		time.Sleep(backoff)
		backoff = min(2*backoff, 100*time.Millisecond)
	}
}
