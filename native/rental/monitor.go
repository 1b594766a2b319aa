package rental

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"rentledger/observability/metrics"
)

// Monitor periodically evaluates all active agreements against their step
// deadlines. It is the authoritative driver of forced transitions; the
// client-facing evaluate call merely requests the same idempotent check
// between sweeps. Evaluation failures are logged and retried on the next
// pass, so an expired step is never left active indefinitely.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.RentalMetrics
	nowFn    func() int64
}

const defaultSweepInterval = 30 * time.Second

// NewMonitor constructs a sweep monitor with sane defaults.
func NewMonitor(engine *Engine, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		engine:   engine,
		interval: interval,
		logger:   logger,
		metrics:  metrics.Rental(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (m *Monitor) SetNowFunc(now func() int64) {
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

// Run starts the sweep loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil || m.engine == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs a single evaluation pass over every active agreement.
func (m *Monitor) Sweep(ctx context.Context) {
	if m == nil || m.engine == nil {
		return
	}
	now := m.nowFn()
	m.metrics.RecordSweep()
	transitioned, errs := m.engine.EvaluateAll(ctx, now)
	for _, err := range errs {
		m.metrics.RecordFailure()
		m.logger.Error("rental sweep evaluation failed", "error", err)
	}
	for _, id := range transitioned {
		status := "unknown"
		if snapshot, err := m.engine.Get(id); err == nil {
			status = snapshot.Agreement.Status.String()
		}
		m.metrics.RecordTransition(status)
		m.logger.Info("rental sweep forced transition",
			"agreement", hex.EncodeToString(id[:]),
			"status", status,
		)
	}
	if ids, err := m.engine.state.ActiveAgreements(); err == nil {
		m.metrics.SetActiveAgreements(len(ids))
	}
}
