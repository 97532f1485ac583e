// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance time deterministically.
//
// The bridge supervisor uses a Clock for its deferred send retry, the
// snapshot store for its debounce timer, and the session state machine
// for message timestamps. None of them call the time package directly.
package clock
