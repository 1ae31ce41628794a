// Package scheduler drives periodic routine execution. Each tick selects
// due routines, leases them through the store's conditional update, and
// executes the probes on a bounded worker pool. Multiple instances can
// tick against the same store; the lease is the sole source of mutual
// exclusion.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse/config"
	"github.com/opspulse/opspulse/contracts"
	"github.com/opspulse/opspulse/internal/metrics"
	"github.com/opspulse/opspulse/internal/schedule"
)

// errMessageLimit caps error text stored on a run record.
const errMessageLimit = 180

// Scheduler executes due routines on ticks.
type Scheduler struct {
	store   contracts.RoutineStore
	prober  contracts.Prober
	clock   contracts.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	instanceID     string
	lease          time.Duration
	batchLimit     int
	dueSlack       time.Duration
	maxConcurrency int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the wall clock. Tests pin time with this.
func WithClock(c contracts.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a Scheduler wired to the given store and prober.
func New(cfg *config.Config, store contracts.RoutineStore, prober contracts.Prober, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		prober:         prober,
		clock:          contracts.SystemClock{},
		logger:         logger,
		metrics:        m,
		instanceID:     cfg.InstanceID,
		lease:          cfg.LockLease,
		batchLimit:     cfg.BatchLimit,
		dueSlack:       cfg.DueSlack,
		maxConcurrency: cfg.MaxConcurrency,
	}
	if s.maxConcurrency <= 0 {
		s.maxConcurrency = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TickReport summarizes one tick for logging and the -once mode.
type TickReport struct {
	Due       int
	Locked    int
	Conflicts int
}

// Tick runs one scheduling pass: select due routines, lease each one,
// execute the leased set concurrently, and settle every leased routine
// before returning. A tick never returns an error for individual routine
// failures; only the due-selection query can fail the whole pass.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	now := s.clock.Now()
	cutoff := now.Add(s.dueSlack)

	due, err := s.store.ListDueRoutines(ctx, cutoff, s.batchLimit)
	if err != nil {
		return TickReport{}, fmt.Errorf("list due routines: %w", err)
	}

	report := TickReport{Due: len(due)}

	// Lease phase. A nil row means another instance won the conditional
	// update first; that routine is skipped this tick.
	locked := make([]contracts.Routine, 0, len(due))
	for i := range due {
		r := &due[i]
		row, err := s.store.TryLockRoutine(ctx, r.WorkspaceID, r.ID, now, s.lease, s.instanceID)
		if err != nil {
			s.logger.Warn("lease acquisition failed",
				zap.String("routine_id", r.ID),
				zap.Error(err))
			continue
		}
		if row == nil {
			report.Conflicts++
			s.metrics.LockConflicts.Inc()
			continue
		}
		// Another instance may have executed the routine between the due
		// query and the lock. The post-lock row is authoritative: if it
		// is no longer due, back out.
		if row.NextRunAt == nil || row.NextRunAt.After(cutoff) {
			if err := s.store.ReleaseLock(ctx, r.WorkspaceID, r.ID, s.instanceID); err != nil {
				s.logger.Warn("lease release failed",
					zap.String("routine_id", r.ID),
					zap.Error(err))
			}
			report.Conflicts++
			s.metrics.LockConflicts.Inc()
			continue
		}
		locked = append(locked, *row)
	}
	report.Locked = len(locked)

	// Execution phase, bounded by a semaphore.
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	for i := range locked {
		r := &locked[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runOne(ctx, r)
		}()
	}
	wg.Wait()

	s.metrics.SchedulerTicks.Inc()
	return report, nil
}

// Run ticks on the given interval until ctx is cancelled. The first tick
// fires immediately.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.Tick(ctx)
		if err != nil {
			s.logger.Error("tick failed", zap.Error(err))
		} else if report.Due > 0 {
			s.logger.Info("tick",
				zap.Int("due", report.Due),
				zap.Int("locked", report.Locked),
				zap.Int("conflicts", report.Conflicts))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOne executes a single leased routine end to end. It always settles
// the lease: FinishScheduledRun on the normal path, and a deferred
// best-effort ReleaseLock that is a no-op once the finish has cleared
// the owner.
func (s *Scheduler) runOne(ctx context.Context, r *contracts.Routine) {
	defer func() {
		if err := s.store.ReleaseLock(ctx, r.WorkspaceID, r.ID, s.instanceID); err != nil {
			s.logger.Warn("lease release failed",
				zap.String("routine_id", r.ID),
				zap.Error(err))
		}
	}()

	out := s.probeSafely(ctx, r)
	s.metrics.ProbeDuration.Observe(float64(out.DurationMS) / 1000)

	next := schedule.Advance(r, s.clock.Now())

	// Run recording is best-effort; a failed insert must not stall the
	// schedule.
	if _, err := s.store.InsertRun(ctx, out.Draft(r.ID, contracts.TriggerSchedule)); err != nil {
		s.logger.Warn("run insert failed",
			zap.String("routine_id", r.ID),
			zap.Error(err))
	}
	s.metrics.ObserveRun(string(contracts.TriggerSchedule), string(out.Status))

	if err := s.store.FinishScheduledRun(ctx, r.WorkspaceID, r.ID, s.instanceID, out.FinishedAt, next); err != nil {
		s.logger.Warn("schedule advance failed",
			zap.String("routine_id", r.ID),
			zap.Error(err))
		return
	}

	s.logger.Debug("routine executed",
		zap.String("routine_id", r.ID),
		zap.String("status", string(out.Status)),
		zap.Time("next_run_at", next))
}

// probeSafely runs the probe and converts a worker panic into a FAIL
// outcome so the lease still gets settled.
func (s *Scheduler) probeSafely(ctx context.Context, r *contracts.Routine) (out contracts.RunOutcome) {
	started := s.clock.Now().Truncate(time.Second)
	defer func() {
		if rec := recover(); rec != nil {
			finished := s.clock.Now().Truncate(time.Second)
			msg := truncate(fmt.Sprintf("scheduler_error:%v", rec), errMessageLimit)
			s.logger.Error("probe panicked",
				zap.String("routine_id", r.ID),
				zap.Any("panic", rec))
			out = contracts.RunOutcome{
				Status:       contracts.RunFail,
				DurationMS:   int(finished.Sub(started).Milliseconds()),
				ErrorMessage: msg,
				StartedAt:    started,
				FinishedAt:   finished,
			}
		}
	}()
	return s.prober.Probe(ctx, r)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
