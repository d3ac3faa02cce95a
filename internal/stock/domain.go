package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates ledger entry kinds.
type MovementType string

const (
	// MovementIn adds quantity (goods receipt).
	MovementIn MovementType = "IN"
	// MovementOut removes quantity (request issuance).
	MovementOut MovementType = "OUT"
	// MovementAdjustment is a signed manual correction.
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// SourceType identifies what caused a movement.
type SourceType string

const (
	SourceRequestIssuance  SourceType = "REQUEST_ISSUANCE"
	SourceGoodsReceipt     SourceType = "GOODS_RECEIPT"
	SourceManualAdjustment SourceType = "MANUAL_ADJUSTMENT"
)

// Record is the cached on-hand quantity of one material in one store.
type Record struct {
	ID                int64
	MaterialID        int64
	StoreID           int64
	OnHand            decimal.Decimal
	ReorderLevel      decimal.Decimal
	LowStockThreshold decimal.NullDecimal
	LowStockAlert     bool
	LastMovementID    int64
	Quarantined       bool
	QuarantineReason  string
	UpdatedAt         time.Time
}

// Movement is an immutable ledger entry.
type Movement struct {
	ID         int64
	RecordID   int64
	Type       MovementType
	SourceType SourceType
	SourceID   string
	Before     decimal.Decimal
	Delta      decimal.Decimal
	After      decimal.Decimal
	ActorID    int64
	Note       string
	At         time.Time
}

// MovementInput asks the ledger to apply one movement. Quantity is a positive
// magnitude for IN and OUT and a signed delta for ADJUSTMENT.
type MovementInput struct {
	MaterialID int64
	StoreID    int64
	Type       MovementType
	Quantity   decimal.Decimal
	SourceType SourceType
	SourceID   string
	ActorID    int64
	Note       string
}

// ResultStatus tells whether a movement was applied.
type ResultStatus string

const (
	StatusApplied  ResultStatus = "APPLIED"
	StatusRejected ResultStatus = "REJECTED"
)

// RejectReason explains a rejected movement.
type RejectReason string

const (
	// ReasonInsufficientStock is the only rejection the ledger itself produces.
	ReasonInsufficientStock RejectReason = "INSUFFICIENT_STOCK"
	// ReasonLedgerInconsistent marks an item skipped because its record
	// failed a consistency check.
	ReasonLedgerInconsistent RejectReason = "LEDGER_INCONSISTENT"
)

// Result is the outcome of applying a movement. A rejection is an expected
// outcome, not an error.
type Result struct {
	Status   ResultStatus
	Reason   RejectReason
	Before   decimal.Decimal
	After    decimal.Decimal
	Movement Movement
	Record   Record
}

// Applied reports whether the movement was recorded.
func (r Result) Applied() bool { return r.Status == StatusApplied }

// ReceiptInput describes a goods receipt.
type ReceiptInput struct {
	MaterialID int64
	StoreID    int64
	Quantity   decimal.Decimal
	SourceID   string
	ActorID    int64
	Note       string
}

// AdjustmentInput describes a signed manual adjustment.
type AdjustmentInput struct {
	MaterialID int64
	StoreID    int64
	Quantity   decimal.Decimal
	SourceID   string
	ActorID    int64
	Note       string
}

// ThresholdInput updates the alert limits of a record.
type ThresholdInput struct {
	MaterialID        int64
	StoreID           int64
	ReorderLevel      decimal.Decimal
	LowStockThreshold decimal.NullDecimal
	ActorID           int64
}

// MovementFilter narrows a stock card listing.
type MovementFilter struct {
	MaterialID int64
	StoreID    int64
	From       time.Time
	To         time.Time
	Limit      int
}

// VerifyReport summarises a chain verification.
type VerifyReport struct {
	RecordID  int64
	Movements int
	OnHand    decimal.Decimal
	Sum       decimal.Decimal
}

var (
	// ErrInvalidQuantity indicates a zero or wrongly signed quantity.
	ErrInvalidQuantity = errors.New("stock: invalid quantity")
	// ErrInvalidMovement indicates an unknown movement type or missing keys.
	ErrInvalidMovement = errors.New("stock: invalid movement")
	// ErrRecordNotFound indicates a missing stock record.
	ErrRecordNotFound = errors.New("stock: record not found")
	// ErrMovementNotFound indicates a missing ledger entry.
	ErrMovementNotFound = errors.New("stock: movement not found")
	// ErrInsufficientStock is returned by the convenience paths that surface a
	// rejection as an error.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrRecordQuarantined matches consistency errors raised for a record that
	// is already quarantined.
	ErrRecordQuarantined = errors.New("stock: record quarantined")
)

// LedgerConsistencyError reports a broken movement chain. The record must not
// be mutated again until it is reconciled by hand.
type LedgerConsistencyError struct {
	RecordID   int64
	MaterialID int64
	StoreID    int64
	Detail     string
	// AlreadyQuarantined is set when the record was quarantined before this
	// attempt. Detail then holds the stored reason unchanged.
	AlreadyQuarantined bool
}

func (e *LedgerConsistencyError) Error() string {
	if e.AlreadyQuarantined {
		return fmt.Sprintf("stock: record %d (material %d, store %d) is quarantined: %s", e.RecordID, e.MaterialID, e.StoreID, e.Detail)
	}
	return fmt.Sprintf("stock: ledger consistency violated for record %d (material %d, store %d): %s", e.RecordID, e.MaterialID, e.StoreID, e.Detail)
}

func (e *LedgerConsistencyError) Unwrap() error {
	if e.AlreadyQuarantined {
		return ErrRecordQuarantined
	}
	return nil
}

func consistencyError(rec Record, format string, args ...any) *LedgerConsistencyError {
	return &LedgerConsistencyError{
		RecordID:   rec.ID,
		MaterialID: rec.MaterialID,
		StoreID:    rec.StoreID,
		Detail:     fmt.Sprintf(format, args...),
	}
}
