package requests

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/shared"
	"github.com/odyssey-erp/site-materials/internal/stock"
	"github.com/odyssey-erp/site-materials/internal/stock/stocktest"
)

type memoryRepo struct {
	mu        sync.Mutex
	stock     *stocktest.Store
	requests  map[int64]Request
	items     map[int64][]Item
	approvals map[int64][]Approval
	nextID    int64
}

type memoryTx struct {
	requests  map[int64]Request
	items     map[int64][]Item
	approvals map[int64][]Approval
	nextID    int64
	stock     *stocktest.Tx
}

func newMemoryRepo(store *stocktest.Store) *memoryRepo {
	return &memoryRepo{
		stock:     store,
		requests:  make(map[int64]Request),
		items:     make(map[int64][]Item),
		approvals: make(map[int64][]Approval),
	}
}

// WithTx serializes transactions on the repo mutex, then on the stock store,
// and publishes staged copies only when fn succeeds.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{
		requests:  make(map[int64]Request, len(r.requests)),
		items:     make(map[int64][]Item, len(r.items)),
		approvals: make(map[int64][]Approval, len(r.approvals)),
		nextID:    r.nextID,
		stock:     r.stock.Begin(),
	}
	for id, req := range r.requests {
		tx.requests[id] = req
	}
	for id, items := range r.items {
		tx.items[id] = append([]Item(nil), items...)
	}
	for id, approvals := range r.approvals {
		tx.approvals[id] = append([]Approval(nil), approvals...)
	}
	if err := fn(ctx, tx); err != nil {
		tx.stock.Rollback()
		return err
	}
	r.requests, r.items, r.approvals, r.nextID = tx.requests, tx.items, tx.approvals, tx.nextID
	tx.stock.Commit()
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Request, []Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, nil, ErrNotFound
	}
	return req, append([]Item(nil), r.items[id]...), nil
}

func (r *memoryRepo) ListApprovals(ctx context.Context, requestID int64) ([]Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Approval{}, r.approvals[requestID]...), nil
}

// seed stores a request bypassing the service.
func (r *memoryRepo) seed(req Request, items []Item) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	req.ID = r.nextID
	r.requests[req.ID] = req
	for _, item := range items {
		r.nextID++
		item.ID = r.nextID
		item.RequestID = req.ID
		r.items[req.ID] = append(r.items[req.ID], item)
	}
	return req.ID
}

func (t *memoryTx) next() int64 {
	t.nextID++
	return t.nextID
}

func (t *memoryTx) LockRequest(ctx context.Context, id int64) (Request, []Item, error) {
	req, ok := t.requests[id]
	if !ok {
		return Request{}, nil, ErrNotFound
	}
	return req, append([]Item(nil), t.items[id]...), nil
}

func (t *memoryTx) CreateRequest(ctx context.Context, req Request) (int64, error) {
	req.ID = t.next()
	t.requests[req.ID] = req
	return req.ID, nil
}

func (t *memoryTx) InsertItem(ctx context.Context, item Item) (int64, error) {
	item.ID = t.next()
	t.items[item.RequestID] = append(t.items[item.RequestID], item)
	return item.ID, nil
}

func (t *memoryTx) DeleteItems(ctx context.Context, requestID int64) error {
	delete(t.items, requestID)
	return nil
}

func (t *memoryTx) DeleteRequest(ctx context.Context, id int64) error {
	if _, ok := t.requests[id]; !ok {
		return ErrNotFound
	}
	delete(t.requests, id)
	delete(t.approvals, id)
	return nil
}

func (t *memoryTx) UpdateRequest(ctx context.Context, req Request) error {
	if _, ok := t.requests[req.ID]; !ok {
		return ErrNotFound
	}
	t.requests[req.ID] = req
	return nil
}

func (t *memoryTx) UpdateItem(ctx context.Context, item Item) error {
	items := t.items[item.RequestID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) InsertApproval(ctx context.Context, a Approval) (int64, error) {
	a.ID = t.next()
	t.approvals[a.RequestID] = append(t.approvals[a.RequestID], a)
	return a.ID, nil
}

func (t *memoryTx) SupersedePending(ctx context.Context, requestID int64, level int) error {
	approvals := t.approvals[requestID]
	for i := range approvals {
		if approvals[i].Level == level && approvals[i].Action == "PENDING" {
			approvals[i].Superseded = true
		}
	}
	return nil
}

func (t *memoryTx) Stock() stock.TxRepository {
	return t.stock
}

type stubCatalog struct {
	prices map[int64]decimal.Decimal
	units  map[int64]bool
}

func (c stubCatalog) MaterialExists(ctx context.Context, id int64) (bool, error) {
	_, ok := c.prices[id]
	return ok, nil
}

func (c stubCatalog) UnitExists(ctx context.Context, id int64) (bool, error) {
	return c.units[id], nil
}

func (c stubCatalog) UnitPrice(ctx context.Context, materialID int64) (decimal.Decimal, error) {
	return c.prices[materialID], nil
}

type stubDirectory map[int64]rbac.Actor

func (d stubDirectory) Actor(ctx context.Context, userID int64) (rbac.Actor, error) {
	actor, ok := d[userID]
	if !ok {
		return rbac.Actor{}, rbac.ErrNotFound
	}
	return actor, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]struct{})
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
