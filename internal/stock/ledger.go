// Package stock owns on-hand quantities per (material, store) and the
// append-only movement ledger behind them.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/shared"
)

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, materialID, storeID int64) (Record, error)
	ListRecords(ctx context.Context, afterID int64, limit int) ([]Record, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	SetQuarantine(ctx context.Context, recordID int64, reason string) error
}

// TxRepository exposes the operations run inside the serialization boundary.
// There is deliberately no way to update or delete a movement.
type TxRepository interface {
	LockRecord(ctx context.Context, materialID, storeID int64) (Record, error)
	// ShareRecord reads a record by id and blocks writers until the
	// transaction ends.
	ShareRecord(ctx context.Context, id int64) (Record, error)
	RecordMovements(ctx context.Context, recordID int64) ([]Movement, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	UpdateRecord(ctx context.Context, rec Record) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AlertSink receives the low-stock flag after commit.
type AlertSink interface {
	SetLowStock(ctx context.Context, storeID, materialID int64, low bool) error
}

// MetricsPort counts ledger outcomes.
type MetricsPort interface {
	MovementApplied(movementType string)
	MovementRejected(reason string)
}

// Options groups optional collaborators.
type Options struct {
	Audit   AuditPort
	Alerts  AlertSink
	Metrics MetricsPort
	Logger  *slog.Logger
	Now     func() time.Time
}

// Ledger applies movements and keeps stock records consistent with them.
type Ledger struct {
	repo    RepositoryPort
	monitor *Monitor
	audit   AuditPort
	alerts  AlertSink
	metrics MetricsPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger builds Ledger.
func NewLedger(repo RepositoryPort, monitor *Monitor, opts Options) *Ledger {
	if monitor == nil {
		monitor = NewMonitor(ThresholdConfig{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		repo:    repo,
		monitor: monitor,
		audit:   opts.Audit,
		alerts:  opts.Alerts,
		metrics: opts.Metrics,
		logger:  logger,
		now:     now,
	}
}

// Apply runs one movement in its own transaction.
func (l *Ledger) Apply(ctx context.Context, in MovementInput) (Result, error) {
	var res Result
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		r, err := l.ApplyTx(ctx, tx, in)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		l.HandleFailure(ctx, err)
		return Result{}, err
	}
	l.Publish(ctx, res)
	return res, nil
}

// ApplyTx applies a movement within a transaction owned by the caller. The
// caller must invoke Publish once the transaction commits.
func (l *Ledger) ApplyTx(ctx context.Context, tx TxRepository, in MovementInput) (Result, error) {
	delta, err := signedDelta(in)
	if err != nil {
		return Result{}, err
	}
	rec, err := tx.LockRecord(ctx, in.MaterialID, in.StoreID)
	if err != nil {
		return Result{}, err
	}
	if rec.Quarantined {
		cerr := consistencyError(rec, "%s", rec.QuarantineReason)
		cerr.AlreadyQuarantined = true
		return Result{}, cerr
	}
	if err := checkChainHead(ctx, tx, rec); err != nil {
		return Result{}, err
	}

	before := rec.OnHand
	after := shared.Qty(before.Add(delta))
	if after.IsNegative() {
		// A record created by this lock still needs its flag.
		if l.monitor.Evaluate(&rec) {
			if err := tx.UpdateRecord(ctx, rec); err != nil {
				return Result{}, err
			}
		}
		return Result{Status: StatusRejected, Reason: ReasonInsufficientStock, Before: before, After: before, Record: rec}, nil
	}

	mv := Movement{
		RecordID:   rec.ID,
		Type:       in.Type,
		SourceType: in.SourceType,
		SourceID:   in.SourceID,
		Before:     before,
		Delta:      delta,
		After:      after,
		ActorID:    in.ActorID,
		Note:       in.Note,
		At:         l.now(),
	}
	id, err := tx.InsertMovement(ctx, mv)
	if err != nil {
		return Result{}, err
	}
	mv.ID = id
	rec.OnHand = after
	rec.LastMovementID = id
	rec.UpdatedAt = mv.At
	l.monitor.Evaluate(&rec)
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusApplied, Before: before, After: after, Movement: mv, Record: rec}, nil
}

// Publish forwards committed results to metrics and the alert index.
func (l *Ledger) Publish(ctx context.Context, results ...Result) {
	for _, res := range results {
		if !res.Applied() {
			if l.metrics != nil {
				l.metrics.MovementRejected(string(res.Reason))
			}
			if res.Record.ID != 0 {
				l.publishAlert(ctx, res.Record)
			}
			continue
		}
		if l.metrics != nil {
			l.metrics.MovementApplied(string(res.Movement.Type))
		}
		l.publishAlert(ctx, res.Record)
	}
}

// HandleFailure quarantines the record named by a consistency error. Other
// errors, and records that are already quarantined, are ignored.
func (l *Ledger) HandleFailure(ctx context.Context, err error) {
	var cerr *LedgerConsistencyError
	if !errors.As(err, &cerr) {
		return
	}
	if qerr := l.Quarantine(ctx, cerr); qerr != nil {
		l.logger.Error("stock quarantine", slog.Int64("record_id", cerr.RecordID), slog.Any("error", qerr))
	}
}

// Receive books a goods receipt.
func (l *Ledger) Receive(ctx context.Context, input ReceiptInput) (Result, error) {
	if input.MaterialID == 0 || input.StoreID == 0 {
		return Result{}, fmt.Errorf("%w: material and store required", ErrInvalidMovement)
	}
	qty := shared.Qty(input.Quantity)
	if !qty.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	res, err := l.Apply(ctx, MovementInput{
		MaterialID: input.MaterialID,
		StoreID:    input.StoreID,
		Type:       MovementIn,
		Quantity:   qty,
		SourceType: SourceGoodsReceipt,
		SourceID:   defaultSourceID(input.SourceID),
		ActorID:    input.ActorID,
		Note:       input.Note,
	})
	if err != nil {
		return Result{}, err
	}
	l.recordAudit(ctx, input.ActorID, "stock:receive", res)
	return res, nil
}

// Adjust books a signed manual adjustment. A negative adjustment that would
// breach zero is rejected and returned together with ErrInsufficientStock.
func (l *Ledger) Adjust(ctx context.Context, input AdjustmentInput) (Result, error) {
	if input.MaterialID == 0 || input.StoreID == 0 {
		return Result{}, fmt.Errorf("%w: material and store required", ErrInvalidMovement)
	}
	qty := shared.Qty(input.Quantity)
	if qty.IsZero() {
		return Result{}, ErrInvalidQuantity
	}
	res, err := l.Apply(ctx, MovementInput{
		MaterialID: input.MaterialID,
		StoreID:    input.StoreID,
		Type:       MovementAdjustment,
		Quantity:   qty,
		SourceType: SourceManualAdjustment,
		SourceID:   defaultSourceID(input.SourceID),
		ActorID:    input.ActorID,
		Note:       input.Note,
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Applied() {
		return res, ErrInsufficientStock
	}
	l.recordAudit(ctx, input.ActorID, "stock:adjust", res)
	return res, nil
}

// SetThresholds updates reorder level and low-stock threshold and re-evaluates
// the alert flag. Quantities are untouched.
func (l *Ledger) SetThresholds(ctx context.Context, input ThresholdInput) (Record, error) {
	if input.MaterialID == 0 || input.StoreID == 0 {
		return Record{}, fmt.Errorf("%w: material and store required", ErrInvalidMovement)
	}
	if input.ReorderLevel.IsNegative() || (input.LowStockThreshold.Valid && input.LowStockThreshold.Decimal.IsNegative()) {
		return Record{}, ErrInvalidQuantity
	}
	var before, after Record
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.LockRecord(ctx, input.MaterialID, input.StoreID)
		if err != nil {
			return err
		}
		before = rec
		rec.ReorderLevel = shared.Qty(input.ReorderLevel)
		rec.LowStockThreshold = input.LowStockThreshold
		if rec.LowStockThreshold.Valid {
			rec.LowStockThreshold.Decimal = shared.Qty(rec.LowStockThreshold.Decimal)
		}
		rec.UpdatedAt = l.now()
		l.monitor.Evaluate(&rec)
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		after = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	l.publishAlert(ctx, after)
	if l.audit != nil {
		if err := l.audit.Record(ctx, shared.AuditLog{
			ActorID:      input.ActorID,
			Action:       "stock:thresholds",
			ResourceType: "stock_record",
			ResourceID:   shared.StockKey(after.MaterialID, after.StoreID),
			Before:       thresholdState(before),
			After:        thresholdState(after),
		}); err != nil {
			l.logger.Warn("stock audit", slog.Any("error", err))
		}
	}
	return after, nil
}

// Record returns the stock record of a material in a store.
func (l *Ledger) Record(ctx context.Context, materialID, storeID int64) (Record, error) {
	if materialID == 0 || storeID == 0 {
		return Record{}, fmt.Errorf("%w: material and store required", ErrInvalidMovement)
	}
	return l.repo.GetRecord(ctx, materialID, storeID)
}

// Movements lists the stock card of a material in a store.
func (l *Ledger) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.MaterialID == 0 || filter.StoreID == 0 {
		return nil, fmt.Errorf("%w: material and store required", ErrInvalidMovement)
	}
	return l.repo.ListMovements(ctx, filter)
}

// VerifyChain replays every movement of a record and checks the before/after
// chain and the cached on-hand value. The record is share-locked while its
// movements are read so a concurrent movement cannot land between the reads.
func (l *Ledger) VerifyChain(ctx context.Context, recordID int64) (VerifyReport, error) {
	var rec Record
	var movements []Movement
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if rec, err = tx.ShareRecord(ctx, recordID); err != nil {
			return err
		}
		movements, err = tx.RecordMovements(ctx, recordID)
		return err
	})
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{RecordID: rec.ID, Movements: len(movements), OnHand: rec.OnHand, Sum: decimal.Zero}
	prevAfter := decimal.Zero
	var lastID int64
	for _, mv := range movements {
		if !mv.Before.Equal(prevAfter) {
			return report, consistencyError(rec, "movement %d before %s, previous after %s", mv.ID, mv.Before, prevAfter)
		}
		if !mv.Before.Add(mv.Delta).Equal(mv.After) {
			return report, consistencyError(rec, "movement %d before %s + delta %s != after %s", mv.ID, mv.Before, mv.Delta, mv.After)
		}
		report.Sum = report.Sum.Add(mv.Delta)
		prevAfter = mv.After
		lastID = mv.ID
	}
	if !report.Sum.Equal(rec.OnHand) {
		return report, consistencyError(rec, "on hand %s, movement sum %s", rec.OnHand, report.Sum)
	}
	if lastID != rec.LastMovementID {
		return report, consistencyError(rec, "last movement %d, record points at %d", lastID, rec.LastMovementID)
	}
	return report, nil
}

// Quarantine halts further mutations of the record named by cerr.
func (l *Ledger) Quarantine(ctx context.Context, cerr *LedgerConsistencyError) error {
	if cerr == nil || cerr.RecordID == 0 || cerr.AlreadyQuarantined {
		return nil
	}
	l.logger.Error("stock ledger consistency violated",
		slog.Int64("record_id", cerr.RecordID),
		slog.Int64("material_id", cerr.MaterialID),
		slog.Int64("store_id", cerr.StoreID),
		slog.String("detail", cerr.Detail))
	return l.repo.SetQuarantine(ctx, cerr.RecordID, cerr.Detail)
}

// Sweep re-runs the threshold monitor over every record and returns how many
// flags changed.
func (l *Ledger) Sweep(ctx context.Context, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	changed := 0
	var after int64
	for {
		page, err := l.repo.ListRecords(ctx, after, pageSize)
		if err != nil {
			return changed, err
		}
		for _, listed := range page {
			var current Record
			var flipped bool
			err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				rec, err := tx.LockRecord(ctx, listed.MaterialID, listed.StoreID)
				if err != nil {
					return err
				}
				flipped = l.monitor.Evaluate(&rec)
				current = rec
				if !flipped {
					return nil
				}
				return tx.UpdateRecord(ctx, rec)
			})
			if err != nil {
				return changed, err
			}
			if flipped {
				changed++
			}
			l.publishAlert(ctx, current)
			after = listed.ID
		}
		if len(page) < pageSize {
			return changed, nil
		}
	}
}

func (l *Ledger) publishAlert(ctx context.Context, rec Record) {
	if l.alerts == nil {
		return
	}
	if err := l.alerts.SetLowStock(ctx, rec.StoreID, rec.MaterialID, rec.LowStockAlert); err != nil {
		l.logger.Warn("publish low stock flag", slog.String("key", shared.StockKey(rec.MaterialID, rec.StoreID)), slog.Any("error", err))
	}
}

func (l *Ledger) recordAudit(ctx context.Context, actorID int64, action string, res Result) {
	if l.audit == nil || !res.Applied() {
		return
	}
	err := l.audit.Record(ctx, shared.AuditLog{
		ActorID:      actorID,
		Action:       action,
		ResourceType: "stock_record",
		ResourceID:   shared.StockKey(res.Record.MaterialID, res.Record.StoreID),
		Before:       map[string]any{"on_hand": res.Before.String()},
		After:        map[string]any{"on_hand": res.After.String(), "movement_id": res.Movement.ID, "source_id": res.Movement.SourceID},
		At:           res.Movement.At,
	})
	if err != nil {
		l.logger.Warn("stock audit", slog.Any("error", err))
	}
}

// checkChainHead compares the cached on-hand value with the latest movement.
func checkChainHead(ctx context.Context, tx TxRepository, rec Record) error {
	if rec.LastMovementID == 0 {
		if !rec.OnHand.IsZero() {
			return consistencyError(rec, "on hand %s without movements", rec.OnHand)
		}
		return nil
	}
	last, err := tx.GetMovement(ctx, rec.LastMovementID)
	if err != nil {
		if errors.Is(err, ErrMovementNotFound) {
			return consistencyError(rec, "last movement %d missing", rec.LastMovementID)
		}
		return err
	}
	if last.RecordID != rec.ID {
		return consistencyError(rec, "last movement %d belongs to record %d", last.ID, last.RecordID)
	}
	if !last.Before.Add(last.Delta).Equal(last.After) {
		return consistencyError(rec, "movement %d before %s + delta %s != after %s", last.ID, last.Before, last.Delta, last.After)
	}
	if !last.After.Equal(rec.OnHand) {
		return consistencyError(rec, "on hand %s, last movement after %s", rec.OnHand, last.After)
	}
	return nil
}

func signedDelta(in MovementInput) (decimal.Decimal, error) {
	if in.MaterialID == 0 || in.StoreID == 0 {
		return decimal.Zero, fmt.Errorf("%w: material and store required", ErrInvalidMovement)
	}
	qty := shared.Qty(in.Quantity)
	switch in.Type {
	case MovementIn:
		if !qty.IsPositive() {
			return decimal.Zero, ErrInvalidQuantity
		}
		return qty, nil
	case MovementOut:
		if !qty.IsPositive() {
			return decimal.Zero, ErrInvalidQuantity
		}
		return qty.Neg(), nil
	case MovementAdjustment:
		if qty.IsZero() {
			return decimal.Zero, ErrInvalidQuantity
		}
		return qty, nil
	}
	return decimal.Zero, fmt.Errorf("%w: type %q", ErrInvalidMovement, in.Type)
}

func defaultSourceID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func thresholdState(rec Record) map[string]any {
	state := map[string]any{
		"reorder_level":   rec.ReorderLevel.String(),
		"low_stock_alert": rec.LowStockAlert,
	}
	if rec.LowStockThreshold.Valid {
		state["low_stock_threshold"] = rec.LowStockThreshold.Decimal.String()
	}
	return state
}
