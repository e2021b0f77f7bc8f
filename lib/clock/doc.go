// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source of the writeback loop and the
// engine's stat timestamps.
//
// Production code holds a Clock and uses Real. Tests use Fake, whose
// time moves only on Advance:
//
//	fake := clock.Fake(time.Unix(0, 0))
//	go writeback.Run(ctx)
//	fake.WaitForTimers(1)       // the loop has created its ticker
//	fake.Advance(time.Second)   // deliver exactly one tick
package clock
