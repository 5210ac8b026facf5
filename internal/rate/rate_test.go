// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func TestLimiterWait(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	l := NewLimiterWithCustomTime(100, 100, clock.Now, clock.Sleep)

	// The bucket starts full.
	waited, err := l.WaitCtx(context.Background(), 100)
	require.NoError(t, err)
	require.Zero(t, waited)

	waited, err = l.WaitCtx(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, waited)

	l.SetRate(200)
	require.Equal(t, 200.0, l.Rate())
	require.Equal(t, 100.0, l.Burst())

	l.SetRateAndBurst(10, 20)
	require.Equal(t, 10.0, l.Rate())
	require.Equal(t, 20.0, l.Burst())
}

func TestLimiterWaitCanceled(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Remove(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.WaitCtx(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}
