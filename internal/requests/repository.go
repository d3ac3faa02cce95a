package requests

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/site-materials/internal/approval"
	"github.com/odyssey-erp/site-materials/internal/platform/db"
	"github.com/odyssey-erp/site-materials/internal/stock"
)

// Repository persists requests, items and approvals in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx    pgx.Tx
	stock stock.TxRepository
}

const requestColumns = `id, code, site_id, requester_id, status, total_value, notes, submitted_at, created_at, updated_at`

const itemColumns = `id, request_id, material_id, unit_id, qty_requested, qty_approved, qty_issued, unit_price, note`

// WithTx executes the callback inside a row-locking transaction shared with
// the stock ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("requests repository not initialised")
	}
	return db.WithTx(ctx, r.pool, db.LockingTx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, stock: stock.NewTxRepository(tx)})
	})
}

func (r *Repository) Get(ctx context.Context, id int64) (Request, []Item, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id))
	if err != nil {
		return Request{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM request_items WHERE request_id=$1 ORDER BY id`, id)
	if err != nil {
		return Request{}, nil, err
	}
	items, err := collectItems(rows)
	if err != nil {
		return Request{}, nil, err
	}
	return req, items, nil
}

func (r *Repository) ListApprovals(ctx context.Context, requestID int64) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, request_id, level, action, comment, reviewer_id, reviewer_role, superseded, created_at
FROM approvals WHERE request_id=$1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	approvals := []Approval{}
	for rows.Next() {
		var a Approval
		var action string
		var reviewerID *int64
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Level, &action, &a.Comment, &reviewerID, &a.ReviewerRole, &a.Superseded, &a.At); err != nil {
			return nil, err
		}
		a.Action = approval.Action(action)
		if reviewerID != nil {
			a.ReviewerID = *reviewerID
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (t *txRepository) LockRequest(ctx context.Context, id int64) (Request, []Item, error) {
	req, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Request{}, nil, err
	}
	rows, err := t.tx.Query(ctx, `SELECT `+itemColumns+` FROM request_items WHERE request_id=$1 ORDER BY id FOR UPDATE`, id)
	if err != nil {
		return Request{}, nil, err
	}
	items, err := collectItems(rows)
	if err != nil {
		return Request{}, nil, err
	}
	return req, items, nil
}

func (t *txRepository) CreateRequest(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO requests (code, site_id, requester_id, status, total_value, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		req.Code, req.SiteID, req.RequesterID, string(req.Status), req.TotalValue, req.Notes, req.CreatedAt, req.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepository) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO request_items (request_id, material_id, unit_id, qty_requested, qty_approved, qty_issued, unit_price, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		item.RequestID, item.MaterialID, item.UnitID, item.QtyRequested, item.QtyApproved, item.QtyIssued, item.UnitPrice, item.Note).Scan(&id)
	return id, err
}

func (t *txRepository) DeleteItems(ctx context.Context, requestID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM request_items WHERE request_id=$1`, requestID)
	return err
}

func (t *txRepository) DeleteRequest(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM requests WHERE id=$1 AND status='DRAFT'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) UpdateRequest(ctx context.Context, req Request) error {
	tag, err := t.tx.Exec(ctx, `UPDATE requests SET status=$2, total_value=$3, notes=$4, submitted_at=$5, updated_at=$6 WHERE id=$1`,
		req.ID, string(req.Status), req.TotalValue, req.Notes, req.SubmittedAt, req.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) UpdateItem(ctx context.Context, item Item) error {
	tag, err := t.tx.Exec(ctx, `UPDATE request_items SET qty_approved=$2, qty_issued=$3, unit_price=$4 WHERE id=$1`,
		item.ID, item.QtyApproved, item.QtyIssued, item.UnitPrice)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) InsertApproval(ctx context.Context, a Approval) (int64, error) {
	var reviewer any
	if a.ReviewerID != 0 {
		reviewer = a.ReviewerID
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO approvals (request_id, level, action, comment, reviewer_id, reviewer_role, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		a.RequestID, a.Level, string(a.Action), a.Comment, reviewer, a.ReviewerRole, a.At).Scan(&id)
	return id, err
}

func (t *txRepository) SupersedePending(ctx context.Context, requestID int64, level int) error {
	_, err := t.tx.Exec(ctx, `UPDATE approvals SET superseded=TRUE WHERE request_id=$1 AND level=$2 AND action='PENDING' AND NOT superseded`, requestID, level)
	return err
}

func (t *txRepository) Stock() stock.TxRepository {
	return t.stock
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var status string
	err := row.Scan(&req.ID, &req.Code, &req.SiteID, &req.RequesterID, &status, &req.TotalValue, &req.Notes, &req.SubmittedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	req.Status = Status(status)
	return req, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.RequestID, &item.MaterialID, &item.UnitID, &item.QtyRequested, &item.QtyApproved, &item.QtyIssued, &item.UnitPrice, &item.Note); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
