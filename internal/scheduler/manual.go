package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse/contracts"
	"github.com/opspulse/opspulse/internal/metrics"
)

// ManualRunner executes a routine on demand, outside the scheduling
// cycle. Manual runs do not take a lease and never move next_run_at, so
// they cannot collide with or displace scheduled execution.
type ManualRunner struct {
	store   contracts.RoutineStore
	prober  contracts.Prober
	clock   contracts.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewManualRunner wires a runner for on-demand execution.
func NewManualRunner(store contracts.RoutineStore, prober contracts.Prober, m *metrics.Metrics, logger *zap.Logger, opts ...ManualOption) *ManualRunner {
	r := &ManualRunner{
		store:   store,
		prober:  prober,
		clock:   contracts.SystemClock{},
		logger:  logger,
		metrics: m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ManualOption customizes a ManualRunner.
type ManualOption func(*ManualRunner)

// WithManualClock substitutes the wall clock.
func WithManualClock(c contracts.Clock) ManualOption {
	return func(r *ManualRunner) { r.clock = c }
}

// Run probes the routine once and records the run. Returns
// ErrRoutineNotFound when the routine is not in the workspace. The
// last_run_at touch is best-effort; the recorded run is the source of
// truth.
func (m *ManualRunner) Run(ctx context.Context, workspaceID, routineID string) (*contracts.RoutineRun, error) {
	routine, err := m.store.GetRoutine(ctx, workspaceID, routineID)
	if err != nil {
		return nil, err
	}

	out := m.prober.Probe(ctx, routine)
	m.metrics.ProbeDuration.Observe(float64(out.DurationMS) / 1000)

	run, err := m.store.InsertRun(ctx, out.Draft(routine.ID, contracts.TriggerManual))
	if err != nil {
		return nil, fmt.Errorf("record manual run: %w", err)
	}
	m.metrics.ObserveRun(string(contracts.TriggerManual), string(out.Status))

	if err := m.store.TouchLastRun(ctx, workspaceID, routineID, m.clock.Now().Truncate(time.Second)); err != nil {
		m.logger.Warn("last_run_at touch failed",
			zap.String("routine_id", routineID),
			zap.Error(err))
	}
	return run, nil
}
