// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// State is the lifecycle state of a Controller.
//
//	NotStarted ──start──▶ Starting ──running──▶ Running ──shutdown──▶ ShuttingDown ──done──▶ Done
//	     └──────────────────────────────done──────────────────────────────────────────────────▲
//
// States only advance; the single shortcut is NotStarted→Done when the
// controller is stopped before it ever started.
type State int32

const (
	// StateNotStarted is the initial state. No background goroutine exists.
	StateNotStarted State = iota
	// StateStarting is set by the flush that wins the race to start the
	// background goroutine, until that goroutine reports in.
	StateStarting
	// StateRunning means the background goroutine is recalculating the
	// throttle periodically.
	StateRunning
	// StateShuttingDown means Stop has asked the background goroutine to exit
	// and is waiting for it.
	StateShuttingDown
	// StateDone is terminal.
	StateDone
)

var stateNames = [...]string{
	StateNotStarted:   "not-started",
	StateStarting:     "starting",
	StateRunning:      "running",
	StateShuttingDown: "shutting-down",
	StateDone:         "done",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// SafeFormat implements redact.SafeFormatter.
func (s State) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// transition is an event that moves the lifecycle forward.
type transition int8

const (
	transitionStart transition = iota
	transitionRunning
	transitionShutdown
	transitionDone
)

var transitionNames = [...]string{
	transitionStart:    "start",
	transitionRunning:  "running",
	transitionShutdown: "shutdown",
	transitionDone:     "done",
}

func (t transition) String() string {
	if t < 0 || int(t) >= len(transitionNames) {
		return "unknown"
	}
	return transitionNames[t]
}

// next returns the state reached by applying t to s, and false if t is not a
// legal transition out of s. Every (state, transition) pair is handled.
func (s State) next(t transition) (State, bool) {
	switch s {
	case StateNotStarted:
		switch t {
		case transitionStart:
			return StateStarting, true
		case transitionDone:
			return StateDone, true
		}
	case StateStarting:
		if t == transitionRunning {
			return StateRunning, true
		}
	case StateRunning:
		if t == transitionShutdown {
			return StateShuttingDown, true
		}
	case StateShuttingDown:
		if t == transitionDone {
			return StateDone, true
		}
	case StateDone:
	}
	return s, false
}

// atomicState holds a State that is advanced with compare-and-swap, so the
// hot flush path can check whether it needs to start the controller without
// taking any mutex.
type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Load() State {
	return State(a.v.Load())
}

// advance moves the state from `from` by applying t. It returns false if the
// state was no longer `from` (another goroutine won the race). Applying a
// transition that is illegal from `from` is a programming error.
func (a *atomicState) advance(from State, t transition) bool {
	to, ok := from.next(t)
	if !ok {
		panic(errors.AssertionFailedf("illegal lifecycle transition %q from state %s",
			errors.Safe(t.String()), from))
	}
	return a.v.CompareAndSwap(int32(from), int32(to))
}
