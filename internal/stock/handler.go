package stock

import (
	"context"
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

	"github.com/odyssey-erp/site-materials/internal/platform/httpx"
	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/shared"
)

// LowStockReader lists the materials flagged low in a store.
type LowStockReader interface {
	LowStock(ctx context.Context, storeID int64) ([]int64, error)
}

// Handler exposes stock records, the stock card and storekeeper bookings.
type Handler struct {
	logger    *slog.Logger
	ledger    *Ledger
	lowStock  LowStockReader
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the stock handler. lowStock may be nil.
func NewHandler(logger *slog.Logger, ledger *Ledger, lowStock LowStockReader, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, ledger: ledger, lowStock: lowStock, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny())
		r.Get("/stores/{storeID}/materials/{materialID}", h.handleRecord)
		r.Get("/stores/{storeID}/materials/{materialID}/movements", h.handleMovements)
		r.Get("/stores/{storeID}/low-stock", h.handleLowStock)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.RoleStorekeeper))
		r.Post("/receipts", h.handleReceipt)
		r.Post("/adjustments", h.handleAdjustment)
		r.Put("/stores/{storeID}/materials/{materialID}/thresholds", h.handleThresholds)
		r.Post("/records/{recordID}/verify", h.handleVerify)
	})
}

type movementPayload struct {
	MaterialID int64           `json:"material_id" validate:"required,gt=0"`
	StoreID    int64           `json:"store_id" validate:"required,gt=0"`
	Quantity   decimal.Decimal `json:"quantity"`
	SourceID   string          `json:"source_id" validate:"max=128"`
	Note       string          `json:"note" validate:"max=500"`
}

type thresholdPayload struct {
	ReorderLevel      decimal.Decimal     `json:"reorder_level"`
	LowStockThreshold decimal.NullDecimal `json:"low_stock_threshold"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	storeID, materialID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	rec, err := h.ledger.Record(r.Context(), materialID, storeID)
	if err != nil {
		h.fail(w, "get stock record", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRecordView(rec))
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	storeID, materialID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	filter := MovementFilter{MaterialID: materialID, StoreID: storeID, Limit: 500}
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("from: %w", err)))
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("to: %w", err)))
			return
		}
		// Set to end of day
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, errors.New("limit must be a positive integer")))
			return
		}
		filter.Limit = limit
	}
	movements, err := h.ledger.Movements(r.Context(), filter)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	out := make([]movementView, 0, len(movements))
	for _, mv := range movements {
		out = append(out, newMovementView(mv))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ids := []int64{}
	if h.lowStock != nil {
		listed, err := h.lowStock.LowStock(r.Context(), storeID)
		if err != nil {
			h.fail(w, "list low stock", err)
			return
		}
		ids = append(ids, listed...)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"store_id": storeID, "material_ids": ids})
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload movementPayload
	if !h.decode(w, r, &payload) {
		return
	}
	res, err := h.ledger.Receive(r.Context(), ReceiptInput{
		MaterialID: payload.MaterialID,
		StoreID:    payload.StoreID,
		Quantity:   payload.Quantity,
		SourceID:   payload.SourceID,
		ActorID:    actorID,
		Note:       payload.Note,
	})
	if err != nil {
		h.fail(w, "receive stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newResultView(res))
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload movementPayload
	if !h.decode(w, r, &payload) {
		return
	}
	res, err := h.ledger.Adjust(r.Context(), AdjustmentInput{
		MaterialID: payload.MaterialID,
		StoreID:    payload.StoreID,
		Quantity:   payload.Quantity,
		SourceID:   payload.SourceID,
		ActorID:    actorID,
		Note:       payload.Note,
	})
	if errors.Is(err, ErrInsufficientStock) {
		h.logger.Warn("adjustment rejected", slog.Int64("material_id", payload.MaterialID), slog.Int64("store_id", payload.StoreID))
		httpx.JSON(w, http.StatusUnprocessableEntity, newResultView(res))
		return
	}
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newResultView(res))
}

func (h *Handler) handleThresholds(w http.ResponseWriter, r *http.Request) {
	storeID, materialID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	var payload thresholdPayload
	if !h.decode(w, r, &payload) {
		return
	}
	rec, err := h.ledger.SetThresholds(r.Context(), ThresholdInput{
		MaterialID:        materialID,
		StoreID:           storeID,
		ReorderLevel:      payload.ReorderLevel,
		LowStockThreshold: payload.LowStockThreshold,
		ActorID:           actorID,
	})
	if err != nil {
		h.fail(w, "set thresholds", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRecordView(rec))
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	recordID, err := pathID(r, "recordID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.ledger.VerifyChain(r.Context(), recordID)
	var cerr *LedgerConsistencyError
	if errors.As(err, &cerr) {
		if qerr := h.ledger.Quarantine(r.Context(), cerr); qerr != nil {
			h.logger.Error("quarantine after verify", slog.Int64("record_id", recordID), slog.Any("error", qerr))
		}
		httpx.JSON(w, http.StatusOK, verifyView{RecordID: report.RecordID, Movements: report.Movements, OnHand: report.OnHand, Sum: report.Sum, Consistent: false})
		return
	}
	if err != nil {
		h.fail(w, "verify chain", err)
		return
	}
	httpx.JSON(w, http.StatusOK, verifyView{RecordID: report.RecordID, Movements: report.Movements, OnHand: report.OnHand, Sum: report.Sum, Consistent: true})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("decode body: %w", err)))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) stockKey(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	materialID, err := pathID(r, "materialID")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	return storeID, materialID, true
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("invalid %s", strings.TrimSuffix(name, "ID")+" id"))
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var kind error
	switch {
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrMovementNotFound):
		kind = httpx.ErrNotFound
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidMovement):
		kind = httpx.ErrValidation
	case errors.Is(err, rbac.ErrInactiveActor):
		kind = httpx.ErrForbidden
	case errors.Is(err, shared.ErrMissingActor):
		kind = httpx.ErrUnauthorized
	}
	if kind == nil {
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, httpx.Wrap(kind, err))
}

type recordView struct {
	ID                int64               `json:"id"`
	MaterialID        int64               `json:"material_id"`
	StoreID           int64               `json:"store_id"`
	OnHand            decimal.Decimal     `json:"on_hand"`
	ReorderLevel      decimal.Decimal     `json:"reorder_level"`
	LowStockThreshold decimal.NullDecimal `json:"low_stock_threshold"`
	LowStockAlert     bool                `json:"low_stock_alert"`
	Quarantined       bool                `json:"quarantined"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type movementView struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SourceType string          `json:"source_type"`
	SourceID   string          `json:"source_id"`
	Before     decimal.Decimal `json:"before"`
	Delta      decimal.Decimal `json:"delta"`
	After      decimal.Decimal `json:"after"`
	ActorID    int64           `json:"actor_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	At         time.Time       `json:"at"`
}

type resultView struct {
	Status   string        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Before   string        `json:"before"`
	After    string        `json:"after"`
	Movement *movementView `json:"movement,omitempty"`
	Record   recordView    `json:"record"`
}

type verifyView struct {
	RecordID   int64           `json:"record_id"`
	Movements  int             `json:"movements"`
	OnHand     decimal.Decimal `json:"on_hand"`
	Sum        decimal.Decimal `json:"sum"`
	Consistent bool            `json:"consistent"`
}

func newRecordView(rec Record) recordView {
	return recordView{
		ID:                rec.ID,
		MaterialID:        rec.MaterialID,
		StoreID:           rec.StoreID,
		OnHand:            rec.OnHand,
		ReorderLevel:      rec.ReorderLevel,
		LowStockThreshold: rec.LowStockThreshold,
		LowStockAlert:     rec.LowStockAlert,
		Quarantined:       rec.Quarantined,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func newMovementView(mv Movement) movementView {
	return movementView{
		ID:         mv.ID,
		Type:       string(mv.Type),
		SourceType: string(mv.SourceType),
		SourceID:   mv.SourceID,
		Before:     mv.Before,
		Delta:      mv.Delta,
		After:      mv.After,
		ActorID:    mv.ActorID,
		Note:       mv.Note,
		At:         mv.At,
	}
}

func newResultView(res Result) resultView {
	view := resultView{
		Status: string(res.Status),
		Reason: string(res.Reason),
		Before: res.Before.String(),
		After:  res.After.String(),
		Record: newRecordView(res.Record),
	}
	if res.Applied() {
		mv := newMovementView(res.Movement)
		view.Movement = &mv
	}
	return view
}
