// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for the agent.
//
// Everything in tally that stamps a request, ages out a queued record,
// runs the periodic update timer, or schedules a delivery retry takes a
// Clock instead of calling the time package. Production code passes
// Real(). Tests pass Fake(), which stands still until the test calls
// Advance, so timer-driven behavior (flush ticks, retry backoff, request
// max-age) can be exercised without sleeping.
//
// A goroutine that registers a timer on a FakeClock races with the test
// that wants to fire it. WaitForTimers closes that race:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go engine.Run(ctx)           // registers its ticker
//	fake.WaitForTimers(1)        // block until it has
//	fake.Advance(30 * time.Second)
package clock
