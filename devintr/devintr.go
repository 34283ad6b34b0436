/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package devintr stands in for the device-interrupt side of trap
// dispatch (spec §4.5's devintr(cause)), reduced to the timer rearm;
// there is no external-IRQ claim/dispatch/complete cycle. PLIC/UART register-level
// work is out of scope (§1's Non-goals); what remains -- "how often
// does a timer interrupt give the scheduler a chance to rescan" -- is
// exactly a rate limit, so TimerSource is a thin wrapper over the
// teacher's rate-limiting dependency rather than a busy-spin.
package devintr

import (
	"context"

	"golang.org/x/time/rate"
)

// TimerSource paces the scheduler loop's idle scan the way a real
// timer interrupt paces `devintr`'s rearm-and-yield cycle: instead of
// a bare busy loop when no process is runnable, the scheduler waits
// for the next simulated tick.
type TimerSource struct {
	lim *rate.Limiter
}

// NewTimerSource builds a source firing at hz ticks per second. A
// burst of 1 matches a real timer: only one pending tick is ever
// outstanding, never a backlog of missed ones.
func NewTimerSource(hz float64) *TimerSource {
	return &TimerSource{lim: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Wait blocks until the next tick, or ctx is cancelled.
func (t *TimerSource) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}
