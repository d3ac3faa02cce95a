package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/site-materials/internal/jobs"
	"github.com/odyssey-erp/site-materials/internal/stock"
)

// RecordLister pages through stock records by id.
type RecordLister interface {
	ListRecords(ctx context.Context, afterID int64, limit int) ([]stock.Record, error)
}

// ChainVerifier checks and quarantines record chains.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, recordID int64) (stock.VerifyReport, error)
	Quarantine(ctx context.Context, cerr *stock.LedgerConsistencyError) error
}

// LedgerVerifyJob replays the movement chain of every stock record and
// quarantines the ones that no longer add up.
type LedgerVerifyJob struct {
	Records     RecordLister
	Verifier    ChainVerifier
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Concurrency int
}

// LedgerVerifySummary reports one verification pass.
type LedgerVerifySummary struct {
	Checked int
	Skipped int
	Broken  []int64
}

// NewLedgerVerifyJob initialises the verification handler.
func NewLedgerVerifyJob(records RecordLister, verifier ChainVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerVerifyJob {
	return &LedgerVerifyJob{Records: records, Verifier: verifier, Logger: logger, Metrics: metrics, Concurrency: 4}
}

// Handle executes one verification pass. Broken chains fail the task without
// retry so the failure shows up in job metrics.
func (j *LedgerVerifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Records == nil || j.Verifier == nil {
		return errors.New("ledger verify: handler not configured")
	}
	var payload LedgerVerifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	start := time.Now()
	tracker := j.Metrics.Track(TaskLedgerVerify)
	summary, err := j.Run(ctx, payload.PageSize)
	if err == nil && len(summary.Broken) > 0 {
		err = fmt.Errorf("ledger verify: %d broken records: %w", len(summary.Broken), asynq.SkipRetry)
	}
	j.logger().Info("ledger verification finished",
		slog.Int("checked", summary.Checked),
		slog.Int("skipped", summary.Skipped),
		slog.Int("broken", len(summary.Broken)),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(err)
}

// Run verifies every non-quarantined record.
func (j *LedgerVerifyJob) Run(ctx context.Context, pageSize int) (LedgerVerifySummary, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	limit := j.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var (
		mu      sync.Mutex
		summary LedgerVerifySummary
		after   int64
	)
	for {
		page, err := j.Records.ListRecords(ctx, after, pageSize)
		if err != nil {
			return summary, err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, rec := range page {
			after = rec.ID
			if rec.Quarantined {
				summary.Skipped++
				continue
			}
			g.Go(func() error {
				_, err := j.Verifier.VerifyChain(gctx, rec.ID)
				var cerr *stock.LedgerConsistencyError
				if errors.As(err, &cerr) {
					if qerr := j.Verifier.Quarantine(gctx, cerr); qerr != nil {
						return qerr
					}
					j.Metrics.AddQuarantined(1)
					mu.Lock()
					summary.Checked++
					summary.Broken = append(summary.Broken, rec.ID)
					mu.Unlock()
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				summary.Checked++
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return summary, err
		}
		if len(page) < pageSize {
			return summary, nil
		}
	}
}

func (j *LedgerVerifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
