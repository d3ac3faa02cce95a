package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerVerify replays every stock record's movement chain.
	TaskLedgerVerify = "stock:ledger_verify"
	// TaskThresholdSweep re-runs the threshold monitor over every record.
	TaskThresholdSweep = "stock:threshold_sweep"
	// TaskIdempotencyCleanup prunes expired issuance idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerVerifyPayload carries scheduling metadata.
type LedgerVerifyPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	PageSize     int       `json:"page_size,omitempty"`
}

// ThresholdSweepPayload carries scheduling metadata.
type ThresholdSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	PageSize     int       `json:"page_size,omitempty"`
}

// IdempotencyCleanupPayload bounds how long issuance keys are kept.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewLedgerVerifyTask constructs an Asynq task for ledger verification.
func NewLedgerVerifyTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerVerifyPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerVerify, body, asynq.Queue(QueueDefault)), nil
}

// NewThresholdSweepTask constructs an Asynq task for the threshold sweep.
func NewThresholdSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ThresholdSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskThresholdSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs an Asynq task pruning keys older than
// retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
