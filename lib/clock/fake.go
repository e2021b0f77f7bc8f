// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers, which are rescheduled after
	// firing instead of removed.
	interval time.Duration
	stopped  bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot waiter.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a periodic waiter.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &waiter{deadline: c.now.Add(d), channel: channel, interval: d}
	c.addLocked(entry)
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped {
				entry.stopped = false
				c.addLocked(entry)
			}
			entry.interval = d
			entry.deadline = c.now.Add(d)
		},
	}
}

func (c *FakeClock) addLocked(entry *waiter) {
	if !slices.Contains(c.waiters, entry) {
		c.waiters = append(c.waiters, entry)
	}
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires every waiter whose
// deadline is reached, in deadline order. A ticker spanned by several
// intervals fires once per interval; ticks that find C full are
// dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	for {
		var due []*waiter
		remaining := c.waiters[:0]
		for _, entry := range c.waiters {
			switch {
			case entry.stopped:
			case !entry.deadline.After(c.now):
				due = append(due, entry)
				if entry.interval > 0 {
					remaining = append(remaining, entry)
				}
			default:
				remaining = append(remaining, entry)
			}
		}
		clear(c.waiters[len(remaining):])
		c.waiters = remaining
		if len(due) == 0 {
			return
		}

		slices.SortStableFunc(due, func(a, b *waiter) int { return a.deadline.Compare(b.deadline) })
		for _, entry := range due {
			select {
			case entry.channel <- c.now:
			default:
			}
			if entry.interval > 0 {
				entry.deadline = entry.deadline.Add(entry.interval)
			}
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range c.waiters {
		if !entry.stopped {
			count++
		}
	}
	return count
}
