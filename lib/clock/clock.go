// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package the engine depends on.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. A non-positive d fires
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C, which has capacity 1. Ticks
// are dropped while the consumer is behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off without closing C.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the ticker with a new interval.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
