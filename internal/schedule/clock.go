// Package schedule computes drift-free next-run instants for routines.
package schedule

import (
	"time"

	"github.com/opspulse/opspulse/contracts"
)

// Advance returns the next run instant for a routine after a run that
// finished at now.
//
// The computation anchors at the routine's current next_run_at slot, not
// at the completion time, so execution latency never accumulates into the
// cadence. Slots that have already passed are skipped (catch-up), which
// collapses an arbitrary backlog into a single future slot: after an
// outage the routine resumes its normal cadence instead of bursting.
// The result is truncated to the minute and always strictly after now.
func Advance(routine *contracts.Routine, now time.Time) time.Time {
	interval := time.Duration(routine.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}

	now = now.UTC()
	anchor := now
	if routine.NextRunAt != nil && !routine.NextRunAt.IsZero() {
		anchor = routine.NextRunAt.UTC()
	}

	candidate := anchor.Add(interval)
	for !candidate.After(now) {
		candidate = candidate.Add(interval)
	}

	return candidate.Truncate(time.Minute)
}
