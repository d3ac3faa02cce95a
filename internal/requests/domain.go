// Package requests runs the material request lifecycle: drafting, submission,
// the level-by-level approval chain and issuance against the stock ledger.
package requests

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/approval"
)

// Status is the lifecycle state of a request. Review states carry their level
// number and are built with ReviewStatus.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusIssued          Status = "ISSUED"
	StatusPartiallyIssued Status = "PARTIALLY_ISSUED"
)

const (
	reviewPrefix = "LEVEL_"
	reviewSuffix = "_REVIEW"
)

// ReviewStatus returns the status of a request awaiting review at level.
func ReviewStatus(level int) Status {
	return Status(reviewPrefix + strconv.Itoa(level) + reviewSuffix)
}

// ReviewLevel returns the level a review status waits on.
func (s Status) ReviewLevel() (int, bool) {
	raw := string(s)
	if !strings.HasPrefix(raw, reviewPrefix) || !strings.HasSuffix(raw, reviewSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(raw, reviewPrefix), reviewSuffix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusIssued, StatusPartiallyIssued:
		return true
	}
	_, ok := s.ReviewLevel()
	return ok
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusIssued
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Review levels only move upwards.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	fromLevel, fromReview := from.ReviewLevel()
	toLevel, toReview := to.ReviewLevel()
	switch {
	case from == StatusDraft:
		return to == StatusSubmitted
	case from == StatusSubmitted:
		return toReview || to == StatusApproved || to == StatusRejected
	case fromReview:
		return (toReview && toLevel > fromLevel) || to == StatusApproved || to == StatusRejected
	case from == StatusApproved:
		return to == StatusIssued || to == StatusPartiallyIssued
	case from == StatusPartiallyIssued:
		return to == StatusIssued || to == StatusPartiallyIssued
	}
	return false
}

// Request is the aggregate root of a site's material ask.
type Request struct {
	ID          int64
	Code        string
	SiteID      int64
	RequesterID int64
	Status      Status
	TotalValue  decimal.Decimal
	Notes       string
	SubmittedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Item is one requested material line.
type Item struct {
	ID           int64
	RequestID    int64
	MaterialID   int64
	UnitID       int64
	QtyRequested decimal.Decimal
	QtyApproved  decimal.NullDecimal
	QtyIssued    decimal.Decimal
	UnitPrice    decimal.Decimal
	Note         string
}

// Approved returns the approved quantity, zero while unset.
func (i Item) Approved() decimal.Decimal {
	if !i.QtyApproved.Valid {
		return decimal.Zero
	}
	return i.QtyApproved.Decimal
}

// Remaining is the approved quantity not yet issued.
func (i Item) Remaining() decimal.Decimal {
	rem := i.Approved().Sub(i.QtyIssued)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// checkQuantities enforces 0 <= issued <= approved <= requested.
func (i Item) checkQuantities() error {
	if !i.QtyRequested.IsPositive() {
		return fmt.Errorf("%w: item %d requested quantity must be positive", ErrValidation, i.ID)
	}
	if i.QtyIssued.IsNegative() {
		return fmt.Errorf("%w: item %d issued quantity negative", ErrValidation, i.ID)
	}
	if i.QtyApproved.Valid {
		approved := i.QtyApproved.Decimal
		if approved.IsNegative() || approved.GreaterThan(i.QtyRequested) {
			return fmt.Errorf("%w: item %d approved %s outside [0, %s]", ErrValidation, i.ID, approved, i.QtyRequested)
		}
		if i.QtyIssued.GreaterThan(approved) {
			return fmt.Errorf("%w: item %d issued %s above approved %s", ErrValidation, i.ID, i.QtyIssued, approved)
		}
	} else if !i.QtyIssued.IsZero() {
		return fmt.Errorf("%w: item %d issued before approval", ErrValidation, i.ID)
	}
	return nil
}

// Approval is one reviewer decision (or the pending placeholder) at a level.
type Approval struct {
	ID           int64
	RequestID    int64
	Level        int
	Action       approval.Action
	Comment      string
	ReviewerID   int64
	ReviewerRole string
	Superseded   bool
	At           time.Time
}

// Detail bundles a request with its items and approval history.
type Detail struct {
	Request   Request
	Items     []Item
	Approvals []Approval
}

// ItemInput describes a draft line.
type ItemInput struct {
	MaterialID   int64
	UnitID       int64
	QtyRequested decimal.Decimal
	Note         string
}

// CreateDraftInput describes a new draft request.
type CreateDraftInput struct {
	SiteID      int64
	RequesterID int64
	Notes       string
	Items       []ItemInput
}

// UpdateDraftInput replaces the notes and items of a draft.
type UpdateDraftInput struct {
	RequestID int64
	ActorID   int64
	Notes     string
	Items     []ItemInput
}

// ApprovalInput records a reviewer decision. ApprovedQty overrides the approved
// quantity of individual items by item id; other items keep their current
// approved quantity, or the requested quantity at the first level.
type ApprovalInput struct {
	RequestID    int64
	Level        int
	ReviewerID   int64
	ReviewerRole string
	Action       approval.Action
	ApprovedQty  map[int64]decimal.Decimal
	Comment      string
}

// IssueInput asks for issuance of every remaining quantity from one store.
type IssueInput struct {
	RequestID      int64
	StoreID        int64
	ActorID        int64
	IdempotencyKey string
}

// IssueLine reports what happened to one item during issuance.
type IssueLine struct {
	ItemID     int64
	MaterialID int64
	Remaining  decimal.Decimal
	Issued     decimal.Decimal
	Rejected   decimal.Decimal
	Reason     string
}

// IssueResult is the outcome of one issuance call.
type IssueResult struct {
	Request Request
	Items   []Item
	Lines   []IssueLine
}

var (
	// ErrInvalidState occurs when an operation does not fit the request status.
	ErrInvalidState = errors.New("requests: invalid state")
	// ErrNotFound indicates a missing request.
	ErrNotFound = errors.New("requests: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("requests: invalid input")
)

func invalidState(req Request, op string) error {
	return fmt.Errorf("%w: cannot %s request %d in status %s", ErrInvalidState, op, req.ID, req.Status)
}
