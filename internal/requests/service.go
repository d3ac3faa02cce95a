package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/approval"
	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/shared"
	"github.com/odyssey-erp/site-materials/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Request, []Item, error)
	ListApprovals(ctx context.Context, requestID int64) ([]Approval, error)
}

// TxRepository exposes the writes run under the request row lock. Stock gives
// the ledger access to the same transaction.
type TxRepository interface {
	LockRequest(ctx context.Context, id int64) (Request, []Item, error)
	CreateRequest(ctx context.Context, req Request) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	DeleteItems(ctx context.Context, requestID int64) error
	DeleteRequest(ctx context.Context, id int64) error
	UpdateRequest(ctx context.Context, req Request) error
	UpdateItem(ctx context.Context, item Item) error
	InsertApproval(ctx context.Context, a Approval) (int64, error)
	SupersedePending(ctx context.Context, requestID int64, level int) error
	Stock() stock.TxRepository
}

// CatalogPort answers material and unit lookups.
type CatalogPort interface {
	MaterialExists(ctx context.Context, id int64) (bool, error)
	UnitExists(ctx context.Context, id int64) (bool, error)
	UnitPrice(ctx context.Context, materialID int64) (decimal.Decimal, error)
}

// DirectoryPort resolves the roles and active flag of a user.
type DirectoryPort interface {
	Actor(ctx context.Context, userID int64) (rbac.Actor, error)
}

// LedgerPort is the slice of the stock ledger used at issuance.
type LedgerPort interface {
	ApplyTx(ctx context.Context, tx stock.TxRepository, in stock.MovementInput) (stock.Result, error)
	Publish(ctx context.Context, results ...stock.Result)
	HandleFailure(ctx context.Context, err error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards issuance against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort counts status transitions.
type MetricsPort interface {
	Transition(from, to string)
}

// Config tunes the workflow engine.
type Config struct {
	// PartialFill issues whatever is on hand when the full remaining quantity
	// of an item is not available. When false such items are skipped.
	PartialFill bool
}

// Options groups optional collaborators.
type Options struct {
	Audit       AuditPort
	Idempotency IdempotencyPort
	Metrics     MetricsPort
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service orchestrates the request lifecycle.
type Service struct {
	repo        RepositoryPort
	resolver    *approval.Resolver
	ledger      LedgerPort
	catalog     CatalogPort
	directory   DirectoryPort
	cfg         Config
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the workflow engine.
func NewService(repo RepositoryPort, resolver *approval.Resolver, ledger LedgerPort, catalog CatalogPort, directory DirectoryPort, cfg Config, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:        repo,
		resolver:    resolver,
		ledger:      ledger,
		catalog:     catalog,
		directory:   directory,
		cfg:         cfg,
		audit:       opts.Audit,
		idempotency: opts.Idempotency,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         now,
	}
}

// CreateDraft validates the items against the catalog and persists a DRAFT.
func (s *Service) CreateDraft(ctx context.Context, input CreateDraftInput) (Detail, error) {
	if input.SiteID == 0 {
		return Detail{}, fmt.Errorf("%w: site required", ErrValidation)
	}
	if _, err := s.activeActor(ctx, input.RequesterID); err != nil {
		return Detail{}, err
	}
	items, err := s.buildItems(ctx, input.Items)
	if err != nil {
		return Detail{}, err
	}
	now := s.now()
	req := Request{
		Code:        uuid.NewString(),
		SiteID:      input.SiteID,
		RequesterID: input.RequesterID,
		Status:      StatusDraft,
		TotalValue:  decimal.Zero,
		Notes:       input.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRequest(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		for i := range items {
			items[i].RequestID = id
			itemID, err := tx.InsertItem(ctx, items[i])
			if err != nil {
				return err
			}
			items[i].ID = itemID
		}
		return nil
	})
	if err != nil {
		return Detail{}, err
	}
	s.recordAudit(ctx, input.RequesterID, "request:create", req.ID, nil, snapshot(req, items))
	return Detail{Request: req, Items: items, Approvals: []Approval{}}, nil
}

// UpdateDraft replaces notes and items while the request is a DRAFT.
func (s *Service) UpdateDraft(ctx context.Context, input UpdateDraftInput) (Detail, error) {
	if _, err := s.activeActor(ctx, input.ActorID); err != nil {
		return Detail{}, err
	}
	items, err := s.buildItems(ctx, input.Items)
	if err != nil {
		return Detail{}, err
	}
	var before, after map[string]any
	var updated Request
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, current, err := tx.LockRequest(ctx, input.RequestID)
		if err != nil {
			return err
		}
		if req.Status != StatusDraft {
			return invalidState(req, "edit")
		}
		before = snapshot(req, current)
		if err := tx.DeleteItems(ctx, req.ID); err != nil {
			return err
		}
		for i := range items {
			items[i].RequestID = req.ID
			id, err := tx.InsertItem(ctx, items[i])
			if err != nil {
				return err
			}
			items[i].ID = id
		}
		req.Notes = input.Notes
		req.UpdatedAt = s.now()
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		updated = req
		after = snapshot(req, items)
		return nil
	})
	if err != nil {
		return Detail{}, err
	}
	s.recordAudit(ctx, input.ActorID, "request:update", updated.ID, before, after)
	return Detail{Request: updated, Items: items, Approvals: []Approval{}}, nil
}

// DeleteDraft removes a DRAFT request and its items.
func (s *Service) DeleteDraft(ctx context.Context, requestID, actorID int64) error {
	if _, err := s.activeActor(ctx, actorID); err != nil {
		return err
	}
	var before map[string]any
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, items, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusDraft {
			return invalidState(req, "delete")
		}
		before = snapshot(req, items)
		if err := tx.DeleteItems(ctx, req.ID); err != nil {
			return err
		}
		return tx.DeleteRequest(ctx, req.ID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "request:delete", requestID, before, nil)
	return nil
}

// Get returns a request with items and approval history.
func (s *Service) Get(ctx context.Context, requestID int64) (Detail, error) {
	req, items, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Detail{}, err
	}
	approvals, err := s.repo.ListApprovals(ctx, requestID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Request: req, Items: items, Approvals: approvals}, nil
}

// ListApprovals returns the approval history of a request.
func (s *Service) ListApprovals(ctx context.Context, requestID int64) ([]Approval, error) {
	return s.repo.ListApprovals(ctx, requestID)
}

// Submit moves a DRAFT into the first review level of its chain. The request
// value is priced from the catalog once, here, so the chain stays stable.
func (s *Service) Submit(ctx context.Context, requestID, actorID int64) (Request, error) {
	if _, err := s.activeActor(ctx, actorID); err != nil {
		return Request{}, err
	}
	_, draftItems, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	prices := make(map[int64]decimal.Decimal, len(draftItems))
	for _, item := range draftItems {
		if _, ok := prices[item.MaterialID]; ok {
			continue
		}
		price, err := s.catalog.UnitPrice(ctx, item.MaterialID)
		if err != nil {
			return Request{}, fmt.Errorf("requests: price material %d: %w", item.MaterialID, err)
		}
		prices[item.MaterialID] = price
	}

	var before, after Request
	var approved []Item
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, items, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusDraft {
			return invalidState(req, "submit")
		}
		if !hasPositiveItem(items) {
			return fmt.Errorf("%w: request %d has no items to submit", ErrInvalidState, req.ID)
		}
		before = req
		total := decimal.Zero
		for i := range items {
			price, ok := prices[items[i].MaterialID]
			if !ok {
				return fmt.Errorf("%w: request %d items changed during submit", ErrInvalidState, req.ID)
			}
			items[i].UnitPrice = price
			total = total.Add(items[i].QtyRequested.Mul(price))
			if err := tx.UpdateItem(ctx, items[i]); err != nil {
				return err
			}
		}
		now := s.now()
		req.TotalValue = total
		req.SubmittedAt = &now
		if err := s.transition(&req, StatusSubmitted); err != nil {
			return err
		}

		decision := s.resolver.First(approval.Subject{TotalValue: total})
		switch decision.Outcome {
		case approval.OutcomePending:
			if err := s.enterLevel(ctx, tx, &req, decision.Level.Number); err != nil {
				return err
			}
		case approval.OutcomeComplete:
			if err := s.transition(&req, StatusApproved); err != nil {
				return err
			}
			for i := range items {
				items[i].QtyApproved = decimal.NewNullDecimal(items[i].QtyRequested)
				if err := tx.UpdateItem(ctx, items[i]); err != nil {
					return err
				}
			}
			approved = items
		}
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		after = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.observe(before.Status, StatusSubmitted)
	s.observe(StatusSubmitted, after.Status)
	auditAfter := statusState(after)
	if approved != nil {
		auditAfter["items"] = itemStates(approved)
	}
	s.recordAudit(ctx, actorID, "request:submit", after.ID, statusState(before), auditAfter)
	return after, nil
}

// RecordApproval applies a reviewer decision at level. The request row lock
// makes a concurrent decision on the same request observe the new status.
func (s *Service) RecordApproval(ctx context.Context, input ApprovalInput) (Request, error) {
	switch input.Action {
	case approval.ActionApproved, approval.ActionRejected:
	default:
		return Request{}, fmt.Errorf("%w: %q", approval.ErrInvalidAction, input.Action)
	}
	actor, err := s.activeActor(ctx, input.ReviewerID)
	if err != nil {
		return Request{}, err
	}
	roles := actor.Roles
	if input.ReviewerRole != "" {
		if !actor.HasRole(input.ReviewerRole) {
			return Request{}, fmt.Errorf("%w: reviewer %d does not hold role %s", approval.ErrUnauthorizedTransition, actor.ID, input.ReviewerRole)
		}
		roles = []string{input.ReviewerRole}
	}

	var before, after Request
	var beforeItems, afterItems []Item
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, items, err := tx.LockRequest(ctx, input.RequestID)
		if err != nil {
			return err
		}
		if req.Status != ReviewStatus(input.Level) {
			return invalidState(req, fmt.Sprintf("review level %d of", input.Level))
		}
		if err := s.resolver.Authorize(input.Level, roles); err != nil {
			return err
		}
		before = req
		beforeItems = append([]Item(nil), items...)

		decision, err := s.resolver.Resolve(input.Level, input.Action, approval.Subject{TotalValue: req.TotalValue})
		if err != nil {
			return err
		}
		if input.Action == approval.ActionApproved {
			if err := applyApprovedQty(items, input.ApprovedQty); err != nil {
				return err
			}
			for _, item := range items {
				if err := tx.UpdateItem(ctx, item); err != nil {
					return err
				}
			}
		}

		if err := tx.SupersedePending(ctx, req.ID, input.Level); err != nil {
			return err
		}
		if _, err := tx.InsertApproval(ctx, Approval{
			RequestID:    req.ID,
			Level:        input.Level,
			Action:       input.Action,
			Comment:      input.Comment,
			ReviewerID:   actor.ID,
			ReviewerRole: firstRole(input.ReviewerRole, roles),
			At:           s.now(),
		}); err != nil {
			return err
		}

		switch decision.Outcome {
		case approval.OutcomeRejected:
			err = s.transition(&req, StatusRejected)
		case approval.OutcomeComplete:
			err = s.transition(&req, StatusApproved)
		case approval.OutcomePending:
			err = s.enterLevel(ctx, tx, &req, decision.Level.Number)
		default:
			err = fmt.Errorf("requests: unexpected outcome %q", decision.Outcome)
		}
		if err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		after = req
		afterItems = items
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.observe(before.Status, after.Status)
	action := "request:approve"
	if input.Action == approval.ActionRejected {
		action = "request:reject"
	}
	auditBefore := statusState(before)
	auditBefore["items"] = itemStates(beforeItems)
	auditAfter := statusState(after)
	auditAfter["items"] = itemStates(afterItems)
	auditAfter["level"] = input.Level
	auditAfter["comment"] = input.Comment
	s.recordAudit(ctx, actor.ID, action, after.ID, auditBefore, auditAfter)
	return after, nil
}

// Issue deducts every remaining approved quantity from storeID. Items are
// independent: one short or inconsistent item never blocks the others. The
// request ends ISSUED when every item is fully issued and PARTIALLY_ISSUED
// otherwise. Stock rows are locked in material order.
func (s *Service) Issue(ctx context.Context, input IssueInput) (IssueResult, error) {
	if input.StoreID == 0 {
		return IssueResult{}, fmt.Errorf("%w: store required", ErrValidation)
	}
	if _, err := s.activeActor(ctx, input.ActorID); err != nil {
		return IssueResult{}, err
	}

	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = shared.IssueIdempotencyKey(input.RequestID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, "requests.issue"); err != nil {
			return IssueResult{}, err
		}
	}

	var result IssueResult
	var before Request
	var committed []stock.Result
	var broken []error
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		committed = committed[:0]
		broken = broken[:0]
		req, items, err := tx.LockRequest(ctx, input.RequestID)
		if err != nil {
			return err
		}
		if req.Status != StatusApproved && req.Status != StatusPartiallyIssued {
			return invalidState(req, "issue")
		}
		if !hasRemaining(items) {
			return fmt.Errorf("%w: request %d has nothing left to issue", ErrInvalidState, req.ID)
		}
		before = req
		sourceID := issuanceSourceID(req)
		lines := make([]IssueLine, 0, len(items))
		for _, i := range lockOrder(items) {
			remaining := items[i].Remaining()
			if !remaining.IsPositive() {
				continue
			}
			line := IssueLine{ItemID: items[i].ID, MaterialID: items[i].MaterialID, Remaining: remaining, Issued: decimal.Zero, Rejected: decimal.Zero}
			issued, results, err := s.issueItem(ctx, tx.Stock(), items[i], input, sourceID)
			var cerr *stock.LedgerConsistencyError
			if errors.As(err, &cerr) {
				// Raised before any write, so the transaction stays usable.
				broken = append(broken, cerr)
				line.Rejected = remaining
				line.Reason = string(stock.ReasonLedgerInconsistent)
				committed = append(committed, stock.Result{Status: stock.StatusRejected, Reason: stock.ReasonLedgerInconsistent})
				lines = append(lines, line)
				continue
			}
			if err != nil {
				return err
			}
			committed = append(committed, results...)
			line.Issued = issued
			line.Rejected = remaining.Sub(issued)
			if line.Rejected.IsPositive() {
				line.Reason = string(stock.ReasonInsufficientStock)
			}
			if issued.IsPositive() {
				items[i].QtyIssued = shared.Qty(items[i].QtyIssued.Add(issued))
				if err := items[i].checkQuantities(); err != nil {
					return err
				}
				if err := tx.UpdateItem(ctx, items[i]); err != nil {
					return err
				}
			}
			lines = append(lines, line)
		}
		sort.Slice(lines, func(a, b int) bool { return lines[a].ItemID < lines[b].ItemID })

		next := StatusIssued
		if hasRemaining(items) {
			next = StatusPartiallyIssued
		}
		if err := s.transition(&req, next); err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		result = IssueResult{Request: req, Items: items, Lines: lines}
		return nil
	})
	if err != nil {
		if key != "" {
			if derr := s.idempotency.Delete(ctx, key); derr != nil {
				s.logger.Warn("release issue idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		s.ledger.HandleFailure(ctx, err)
		return IssueResult{}, err
	}
	for _, cerr := range broken {
		s.ledger.HandleFailure(ctx, cerr)
	}
	s.ledger.Publish(ctx, committed...)
	s.observe(before.Status, result.Request.Status)
	auditAfter := statusState(result.Request)
	auditAfter["store_id"] = input.StoreID
	auditAfter["lines"] = lineStates(result.Lines)
	s.recordAudit(ctx, input.ActorID, "request:issue", result.Request.ID, statusState(before), auditAfter)
	return result, nil
}

// lockOrder returns item indexes sorted by material so concurrent issuances
// take stock row locks in the same order.
func lockOrder(items []Item) []int {
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].MaterialID < items[order[b]].MaterialID
	})
	return order
}

// issueItem asks the ledger for the remaining quantity of one item and, with
// partial fill enabled, falls back to whatever the store holds.
func (s *Service) issueItem(ctx context.Context, tx stock.TxRepository, item Item, input IssueInput, sourceID string) (decimal.Decimal, []stock.Result, error) {
	movement := stock.MovementInput{
		MaterialID: item.MaterialID,
		StoreID:    input.StoreID,
		Type:       stock.MovementOut,
		Quantity:   item.Remaining(),
		SourceType: stock.SourceRequestIssuance,
		SourceID:   sourceID,
		ActorID:    input.ActorID,
		Note:       fmt.Sprintf("request %d item %d", item.RequestID, item.ID),
	}
	res, err := s.ledger.ApplyTx(ctx, tx, movement)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if res.Applied() {
		return movement.Quantity, []stock.Result{res}, nil
	}
	results := []stock.Result{res}
	available := shared.MinQty(res.Before, item.Remaining())
	if !s.cfg.PartialFill || !available.IsPositive() {
		return decimal.Zero, results, nil
	}
	movement.Quantity = available
	partial, err := s.ledger.ApplyTx(ctx, tx, movement)
	if err != nil {
		return decimal.Zero, nil, err
	}
	results = append(results, partial)
	if !partial.Applied() {
		return decimal.Zero, results, nil
	}
	return available, results, nil
}

// enterLevel moves req into the review state of level and opens a pending
// approval placeholder for it.
func (s *Service) enterLevel(ctx context.Context, tx TxRepository, req *Request, level int) error {
	if err := s.transition(req, ReviewStatus(level)); err != nil {
		return err
	}
	_, err := tx.InsertApproval(ctx, Approval{
		RequestID: req.ID,
		Level:     level,
		Action:    approval.ActionPending,
		At:        s.now(),
	})
	return err
}

func (s *Service) transition(req *Request, to Status) error {
	if !CanTransition(req.Status, to) {
		return fmt.Errorf("%w: request %d cannot move from %s to %s", ErrInvalidState, req.ID, req.Status, to)
	}
	req.Status = to
	return nil
}

func (s *Service) activeActor(ctx context.Context, userID int64) (rbac.Actor, error) {
	if userID == 0 {
		return rbac.Actor{}, shared.ErrMissingActor
	}
	actor, err := s.directory.Actor(ctx, userID)
	if err != nil {
		return rbac.Actor{}, err
	}
	if !actor.Active {
		return rbac.Actor{}, fmt.Errorf("%w: user %d", rbac.ErrInactiveActor, userID)
	}
	return actor, nil
}

func (s *Service) buildItems(ctx context.Context, inputs []ItemInput) ([]Item, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	items := make([]Item, 0, len(inputs))
	for _, in := range inputs {
		qty := shared.Qty(in.QtyRequested)
		if in.MaterialID == 0 || in.UnitID == 0 || !qty.IsPositive() {
			return nil, fmt.Errorf("%w: item needs material, unit and positive quantity", ErrValidation)
		}
		ok, err := s.catalog.MaterialExists(ctx, in.MaterialID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: material %d", ErrValidation, in.MaterialID)
		}
		ok, err = s.catalog.UnitExists(ctx, in.UnitID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: unit %d", ErrValidation, in.UnitID)
		}
		items = append(items, Item{
			MaterialID:   in.MaterialID,
			UnitID:       in.UnitID,
			QtyRequested: qty,
			QtyIssued:    decimal.Zero,
			UnitPrice:    decimal.Zero,
			Note:         in.Note,
		})
	}
	return items, nil
}

func (s *Service) observe(from, to Status) {
	if s.metrics == nil || from == to {
		return
	}
	s.metrics.Transition(string(from), string(to))
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, requestID int64, before, after any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:      actorID,
		Action:       action,
		ResourceType: "request",
		ResourceID:   fmt.Sprintf("%d", requestID),
		Before:       before,
		After:        after,
		At:           s.now(),
	})
	if err != nil {
		s.logger.Warn("request audit", slog.String("action", action), slog.Int64("request_id", requestID), slog.Any("error", err))
	}
}

// applyApprovedQty sets the approved quantity of every item. Unlisted items
// keep the quantity approved at an earlier level, or their requested quantity.
func applyApprovedQty(items []Item, overrides map[int64]decimal.Decimal) error {
	known := make(map[int64]struct{}, len(items))
	for i := range items {
		known[items[i].ID] = struct{}{}
		qty := items[i].QtyRequested
		if items[i].QtyApproved.Valid {
			qty = items[i].QtyApproved.Decimal
		}
		if override, ok := overrides[items[i].ID]; ok {
			qty = shared.Qty(override)
			if qty.IsNegative() || qty.GreaterThan(items[i].QtyRequested) {
				return fmt.Errorf("%w: item %d approved %s outside [0, %s]", ErrValidation, items[i].ID, qty, items[i].QtyRequested)
			}
		}
		items[i].QtyApproved = decimal.NewNullDecimal(qty)
		if err := items[i].checkQuantities(); err != nil {
			return err
		}
	}
	for id := range overrides {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: item %d not on request", ErrValidation, id)
		}
	}
	return nil
}

func hasPositiveItem(items []Item) bool {
	for _, item := range items {
		if item.QtyRequested.IsPositive() {
			return true
		}
	}
	return false
}

func hasRemaining(items []Item) bool {
	for _, item := range items {
		if item.Remaining().IsPositive() {
			return true
		}
	}
	return false
}

func issuanceSourceID(req Request) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("REQ:%d:%s", req.ID, req.Code))).String()
}

func firstRole(explicit string, roles []string) string {
	if explicit != "" {
		return explicit
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return ""
}

func statusState(req Request) map[string]any {
	return map[string]any{
		"status":      string(req.Status),
		"total_value": req.TotalValue.String(),
	}
}

func snapshot(req Request, items []Item) map[string]any {
	state := statusState(req)
	state["site_id"] = req.SiteID
	state["notes"] = req.Notes
	state["items"] = itemStates(items)
	return state
}

func itemStates(items []Item) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		state := map[string]any{
			"id":            item.ID,
			"material_id":   item.MaterialID,
			"qty_requested": item.QtyRequested.String(),
			"qty_issued":    item.QtyIssued.String(),
		}
		if item.QtyApproved.Valid {
			state["qty_approved"] = item.QtyApproved.Decimal.String()
		}
		out = append(out, state)
	}
	return out
}

func lineStates(lines []IssueLine) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"item_id":  line.ItemID,
			"issued":   line.Issued.String(),
			"rejected": line.Rejected.String(),
			"reason":   line.Reason,
		})
	}
	return out
}
