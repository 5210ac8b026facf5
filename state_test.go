// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	legal := map[State]map[transition]State{
		StateNotStarted:   {transitionStart: StateStarting, transitionDone: StateDone},
		StateStarting:     {transitionRunning: StateRunning},
		StateRunning:      {transitionShutdown: StateShuttingDown},
		StateShuttingDown: {transitionDone: StateDone},
		StateDone:         {},
	}
	for s := StateNotStarted; s <= StateDone; s++ {
		for tr := transitionStart; tr <= transitionDone; tr++ {
			t.Run(fmt.Sprintf("%s/%s", s, tr), func(t *testing.T) {
				to, ok := s.next(tr)
				expected, expectedOK := legal[s][tr]
				require.Equal(t, expectedOK, ok)
				if ok {
					require.Equal(t, expected, to)
					// States only advance.
					require.Greater(t, to, s)

					var a atomicState
					a.v.Store(int32(s))
					require.True(t, a.advance(s, tr))
					require.Equal(t, to, a.Load())
					// The CAS fails once the state has moved on.
					require.False(t, a.advance(s, tr))
				} else {
					require.Equal(t, s, to)
					var a atomicState
					a.v.Store(int32(s))
					require.Panics(t, func() { a.advance(s, tr) })
					require.Equal(t, s, a.Load())
				}
			})
		}
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "shutting-down", StateShuttingDown.String())
	require.Equal(t, "unknown", State(17).String())
	require.Equal(t, "state: running", redact.Sprintf("state: %s", StateRunning).StripMarkers())
	require.Equal(t, "unknown", transition(9).String())
}
