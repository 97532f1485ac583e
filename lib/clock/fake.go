// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; pending timers whose deadlines are reached
// fire in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// run synchronously inside Advance, so a test that advances past a
// debounce deadline observes the write before Advance returns. Do not
// call Advance or Sleep from inside an AfterFunc callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time // After and Sleep waiters
	callback func()         // AfterFunc waiters
	stopped  bool
	fired    bool
}

// Now returns the fake current time.
func (clock *FakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

// After registers a waiter that receives when the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (clock *FakeClock) After(d time.Duration) <-chan time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- clock.current
		return channel
	}
	clock.waiters = append(clock.waiters, &fakeWaiter{
		deadline: clock.current.Add(d),
		channel:  channel,
	})
	return channel
}

// AfterFunc registers f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (clock *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	clock.mu.Lock()
	if d <= 0 {
		clock.mu.Unlock()
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}
	waiter := &fakeWaiter{
		deadline: clock.current.Add(d),
		callback: f,
	}
	clock.waiters = append(clock.waiters, waiter)
	clock.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			clock.mu.Lock()
			defer clock.mu.Unlock()
			if waiter.fired || waiter.stopped {
				return false
			}
			waiter.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			clock.mu.Lock()
			defer clock.mu.Unlock()
			active := !waiter.fired && !waiter.stopped
			waiter.deadline = clock.current.Add(d)
			waiter.fired = false
			waiter.stopped = false
			return active
		},
	}
}

// Sleep blocks until the clock advances past the deadline. Another
// goroutine must call Advance.
func (clock *FakeClock) Sleep(d time.Duration) {
	<-clock.After(d)
}

// Advance moves the fake time forward by d, firing every pending
// waiter whose deadline is reached, in deadline order.
func (clock *FakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	target := clock.current.Add(d)

	for {
		// Find the earliest unfired, unstopped waiter within reach.
		var next *fakeWaiter
		for _, waiter := range clock.waiters {
			if waiter.fired || waiter.stopped || waiter.deadline.After(target) {
				continue
			}
			if next == nil || waiter.deadline.Before(next.deadline) {
				next = waiter
			}
		}
		if next == nil {
			break
		}

		clock.current = next.deadline
		next.fired = true
		if next.channel != nil {
			next.channel <- clock.current
		}
		if next.callback != nil {
			// Release the lock for the callback: debounce callbacks
			// re-enter the clock (Reset, AfterFunc).
			clock.mu.Unlock()
			next.callback()
			clock.mu.Lock()
		}
	}

	clock.current = target

	// Drop consumed waiters.
	remaining := clock.waiters[:0]
	for _, waiter := range clock.waiters {
		if !waiter.fired && !waiter.stopped {
			remaining = append(remaining, waiter)
		}
	}
	clock.waiters = remaining
	sort.SliceStable(clock.waiters, func(i, j int) bool {
		return clock.waiters[i].deadline.Before(clock.waiters[j].deadline)
	})
	clock.mu.Unlock()
}

// PendingWaiters reports how many timers are armed. Tests use this to
// assert that a debounce cycle left nothing scheduled.
func (clock *FakeClock) PendingWaiters() int {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	count := 0
	for _, waiter := range clock.waiters {
		if !waiter.fired && !waiter.stopped {
			count++
		}
	}
	return count
}
