// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package that skiff components use.
// Every function that reads the current time or schedules deferred work
// takes a Clock (or is a method on a struct holding one) instead of
// calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer is a scheduled AfterFunc call. Stop prevents the callback from
// firing; it reports whether the call was stopped before it ran.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns true if the call stops
// the timer, false if it already fired or was previously stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the timer to fire after duration d. Returns true
// if the timer was still pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
