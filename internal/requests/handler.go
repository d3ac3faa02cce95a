package requests

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/approval"
	"github.com/odyssey-erp/site-materials/internal/catalog"
	"github.com/odyssey-erp/site-materials/internal/platform/httpx"
	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/shared"
	"github.com/odyssey-erp/site-materials/internal/stock"
)

// IdempotencyHeader carries the client key that makes an issuance replay-safe.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the request workflow as JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the requests handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers request routes. The router must already run
// rbac.Middleware.RequireActor.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny())
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Post("/{id}/submit", h.handleSubmit)
		r.Get("/{id}/approvals", h.handleListApprovals)
		r.Post("/{id}/approvals", h.handleApproval)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.RoleStorekeeper))
		r.Post("/{id}/issue", h.handleIssue)
	})
}

type itemPayload struct {
	MaterialID   int64           `json:"material_id" validate:"required,gt=0"`
	UnitID       int64           `json:"unit_id" validate:"required,gt=0"`
	QtyRequested decimal.Decimal `json:"qty_requested"`
	Note         string          `json:"note" validate:"max=500"`
}

type createPayload struct {
	SiteID int64         `json:"site_id" validate:"required,gt=0"`
	Notes  string        `json:"notes" validate:"max=2000"`
	Items  []itemPayload `json:"items" validate:"required,min=1,dive"`
}

type updatePayload struct {
	Notes string        `json:"notes" validate:"max=2000"`
	Items []itemPayload `json:"items" validate:"required,min=1,dive"`
}

type approvalPayload struct {
	Level       int                       `json:"level" validate:"required,gt=0"`
	Action      string                    `json:"action" validate:"required,oneof=APPROVED REJECTED"`
	Role        string                    `json:"role" validate:"max=64"`
	Comment     string                    `json:"comment" validate:"max=2000"`
	ApprovedQty map[int64]decimal.Decimal `json:"approved_qty"`
}

type issuePayload struct {
	StoreID int64 `json:"store_id" validate:"required,gt=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload createPayload
	if !h.decode(w, r, &payload) {
		return
	}
	detail, err := h.service.CreateDraft(r.Context(), CreateDraftInput{
		SiteID:      payload.SiteID,
		RequesterID: actorID,
		Notes:       payload.Notes,
		Items:       itemInputs(payload.Items),
	})
	if err != nil {
		h.fail(w, "create draft", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newDetailView(detail))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDetailView(detail))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload updatePayload
	if !h.decode(w, r, &payload) {
		return
	}
	detail, err := h.service.UpdateDraft(r.Context(), UpdateDraftInput{
		RequestID: id,
		ActorID:   actorID,
		Notes:     payload.Notes,
		Items:     itemInputs(payload.Items),
	})
	if err != nil {
		h.fail(w, "update draft", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDetailView(detail))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	if err := h.service.DeleteDraft(r.Context(), id, actorID); err != nil {
		h.fail(w, "delete draft", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	req, err := h.service.Submit(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, "submit request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRequestView(req))
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	approvals, err := h.service.ListApprovals(r.Context(), id)
	if err != nil {
		h.fail(w, "list approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newApprovalViews(approvals))
}

func (h *Handler) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload approvalPayload
	if !h.decode(w, r, &payload) {
		return
	}
	req, err := h.service.RecordApproval(r.Context(), ApprovalInput{
		RequestID:    id,
		Level:        payload.Level,
		ReviewerID:   actorID,
		ReviewerRole: strings.TrimSpace(payload.Role),
		Action:       approval.Action(payload.Action),
		ApprovedQty:  payload.ApprovedQty,
		Comment:      payload.Comment,
	})
	if err != nil {
		h.fail(w, "record approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRequestView(req))
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload issuePayload
	if !h.decode(w, r, &payload) {
		return
	}
	res, err := h.service.Issue(r.Context(), IssueInput{
		RequestID:      id,
		StoreID:        payload.StoreID,
		ActorID:        actorID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	})
	if err != nil {
		h.fail(w, "issue request", err)
		return
	}
	h.logger.Info("request issued",
		slog.Int64("request_id", res.Request.ID),
		slog.String("status", string(res.Request.Status)),
		slog.Int("lines", len(res.Lines)))
	httpx.JSON(w, http.StatusOK, newIssueView(res))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("decode body: %w", err)))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Namespace()+" "+fe.Tag())
			}
			err = errors.New(strings.Join(fields, "; "))
		}
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, errors.New("invalid request id")))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	kind := problemKind(err)
	if kind == nil {
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, httpx.Wrap(kind, err))
}

// ProblemError tags workflow, approval and ledger errors with the httpx kind
// matching their status code. Unknown errors, ledger consistency failures
// included, come back unchanged and surface as 500.
func ProblemError(err error) error {
	if kind := problemKind(err); kind != nil {
		return httpx.Wrap(kind, err)
	}
	return err
}

func problemKind(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, stock.ErrRecordNotFound),
		errors.Is(err, stock.ErrMovementNotFound), errors.Is(err, rbac.ErrNotFound):
		return httpx.ErrNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, approval.ErrInvalidAction),
		errors.Is(err, approval.ErrUnknownLevel), errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, stock.ErrInvalidMovement), errors.Is(err, catalog.ErrUnknownMaterial):
		return httpx.ErrValidation
	case errors.Is(err, ErrInvalidState), errors.Is(err, shared.ErrIdempotencyConflict):
		return httpx.ErrConflict
	case errors.Is(err, approval.ErrUnauthorizedTransition), errors.Is(err, rbac.ErrInactiveActor):
		return httpx.ErrForbidden
	case errors.Is(err, shared.ErrMissingActor):
		return httpx.ErrUnauthorized
	case errors.Is(err, stock.ErrInsufficientStock):
		return httpx.ErrUnprocessable
	}
	return nil
}

func itemInputs(payload []itemPayload) []ItemInput {
	items := make([]ItemInput, 0, len(payload))
	for _, p := range payload {
		items = append(items, ItemInput{MaterialID: p.MaterialID, UnitID: p.UnitID, QtyRequested: p.QtyRequested, Note: p.Note})
	}
	return items
}

type requestView struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	SiteID      int64           `json:"site_id"`
	RequesterID int64           `json:"requester_id"`
	Status      string          `json:"status"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Notes       string          `json:"notes,omitempty"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type itemView struct {
	ID           int64               `json:"id"`
	MaterialID   int64               `json:"material_id"`
	UnitID       int64               `json:"unit_id"`
	QtyRequested decimal.Decimal     `json:"qty_requested"`
	QtyApproved  decimal.NullDecimal `json:"qty_approved"`
	QtyIssued    decimal.Decimal     `json:"qty_issued"`
	UnitPrice    decimal.Decimal     `json:"unit_price"`
	Note         string              `json:"note,omitempty"`
}

type approvalView struct {
	ID           int64     `json:"id"`
	Level        int       `json:"level"`
	Action       string    `json:"action"`
	Comment      string    `json:"comment,omitempty"`
	ReviewerID   int64     `json:"reviewer_id,omitempty"`
	ReviewerRole string    `json:"reviewer_role,omitempty"`
	Superseded   bool      `json:"superseded"`
	At           time.Time `json:"at"`
}

type detailView struct {
	Request   requestView    `json:"request"`
	Items     []itemView     `json:"items"`
	Approvals []approvalView `json:"approvals"`
}

type lineView struct {
	ItemID     int64           `json:"item_id"`
	MaterialID int64           `json:"material_id"`
	Remaining  decimal.Decimal `json:"remaining"`
	Issued     decimal.Decimal `json:"issued"`
	Rejected   decimal.Decimal `json:"rejected"`
	Reason     string          `json:"reason,omitempty"`
}

type issueView struct {
	Request requestView `json:"request"`
	Items   []itemView  `json:"items"`
	Lines   []lineView  `json:"lines"`
}

func newRequestView(req Request) requestView {
	return requestView{
		ID:          req.ID,
		Code:        req.Code,
		SiteID:      req.SiteID,
		RequesterID: req.RequesterID,
		Status:      string(req.Status),
		TotalValue:  req.TotalValue,
		Notes:       req.Notes,
		SubmittedAt: req.SubmittedAt,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
	}
}

func newItemViews(items []Item) []itemView {
	out := make([]itemView, 0, len(items))
	for _, item := range items {
		out = append(out, itemView{
			ID:           item.ID,
			MaterialID:   item.MaterialID,
			UnitID:       item.UnitID,
			QtyRequested: item.QtyRequested,
			QtyApproved:  item.QtyApproved,
			QtyIssued:    item.QtyIssued,
			UnitPrice:    item.UnitPrice,
			Note:         item.Note,
		})
	}
	return out
}

func newApprovalViews(approvals []Approval) []approvalView {
	out := make([]approvalView, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, approvalView{
			ID:           a.ID,
			Level:        a.Level,
			Action:       string(a.Action),
			Comment:      a.Comment,
			ReviewerID:   a.ReviewerID,
			ReviewerRole: a.ReviewerRole,
			Superseded:   a.Superseded,
			At:           a.At,
		})
	}
	return out
}

func newDetailView(d Detail) detailView {
	return detailView{Request: newRequestView(d.Request), Items: newItemViews(d.Items), Approvals: newApprovalViews(d.Approvals)}
}

func newIssueView(res IssueResult) issueView {
	lines := make([]lineView, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, lineView(l))
	}
	return issueView{Request: newRequestView(res.Request), Items: newItemViews(res.Items), Lines: lines}
}
