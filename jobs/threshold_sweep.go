package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/site-materials/internal/jobs"
)

// Sweeper re-evaluates low-stock flags.
type Sweeper interface {
	Sweep(ctx context.Context, pageSize int) (int, error)
}

// ThresholdSweepJob re-runs the threshold monitor so flags follow changed
// defaults and thresholds.
type ThresholdSweepJob struct {
	Ledger  Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewThresholdSweepJob initialises the sweep handler.
func NewThresholdSweepJob(ledger Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ThresholdSweepJob {
	return &ThresholdSweepJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *ThresholdSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("threshold sweep: handler not configured")
	}
	var payload ThresholdSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskThresholdSweep)
	changed, err := j.Ledger.Sweep(ctx, payload.PageSize)
	j.Metrics.AddFlagChanges(changed)
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Error("threshold sweep failed", slog.Int("changed", changed), slog.Any("error", err))
	} else {
		logger.Info("threshold sweep finished", slog.Int("changed", changed))
	}
	return tracker.End(err)
}
