package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/site-materials/internal/platform/db"
)

// Repository persists stock records and movements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the ledger operations to a transaction opened by
// another module, so issuance shares one transaction with the request update.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

const recordColumns = `id, material_id, store_id, on_hand, reorder_level, low_stock_threshold, low_stock_alert, last_movement_id, quarantined, quarantine_reason, updated_at`

const movementColumns = `id, stock_record_id, movement_type, source_type, source_id, qty_before, qty_delta, qty_after, actor_id, note, created_at`

// WithTx executes the callback inside a row-locking transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, db.LockingTx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetRecord(ctx context.Context, materialID, storeID int64) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM stock_records WHERE material_id=$1 AND store_id=$2`, materialID, storeID)
	return scanRecord(row)
}

func (r *Repository) ListRecords(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM stock_records WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT m.id, m.stock_record_id, m.movement_type, m.source_type, m.source_id, m.qty_before, m.qty_delta, m.qty_after, m.actor_id, m.note, m.created_at
FROM stock_movements m
JOIN stock_records s ON s.id = m.stock_record_id
WHERE s.material_id=$1 AND s.store_id=$2 AND m.created_at BETWEEN COALESCE($3, '-infinity'::timestamptz) AND COALESCE($4, 'infinity'::timestamptz)
ORDER BY m.id ASC
LIMIT $5`, filter.MaterialID, filter.StoreID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func (r *Repository) SetQuarantine(ctx context.Context, recordID int64, reason string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE stock_records SET quarantined=TRUE, quarantine_reason=$2, updated_at=NOW() WHERE id=$1`, recordID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *txRepository) LockRecord(ctx context.Context, materialID, storeID int64) (Record, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_records (material_id, store_id) VALUES ($1, $2)
ON CONFLICT (material_id, store_id) DO NOTHING`, materialID, storeID); err != nil {
		return Record{}, err
	}
	row := r.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM stock_records WHERE material_id=$1 AND store_id=$2 FOR UPDATE`, materialID, storeID)
	return scanRecord(row)
}

func (r *txRepository) ShareRecord(ctx context.Context, id int64) (Record, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM stock_records WHERE id=$1 FOR SHARE`, id)
	return scanRecord(row)
}

func (r *txRepository) RecordMovements(ctx context.Context, recordID int64) ([]Movement, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE stock_record_id=$1 ORDER BY id ASC`, recordID)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func (r *txRepository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE id=$1`, id)
	mv, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrMovementNotFound
	}
	return mv, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (stock_record_id, movement_type, source_type, source_id, qty_before, qty_delta, qty_after, actor_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		m.RecordID, string(m.Type), string(m.SourceType), m.SourceID, m.Before, m.Delta, m.After, nullInt(m.ActorID), m.Note, m.At).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateRecord(ctx context.Context, rec Record) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_records
SET on_hand=$2, reorder_level=$3, low_stock_threshold=$4, low_stock_alert=$5, last_movement_id=$6, updated_at=NOW()
WHERE id=$1`, rec.ID, rec.OnHand, rec.ReorderLevel, rec.LowStockThreshold, rec.LowStockAlert, nullInt(rec.LastMovementID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var lastMovement *int64
	err := row.Scan(&rec.ID, &rec.MaterialID, &rec.StoreID, &rec.OnHand, &rec.ReorderLevel, &rec.LowStockThreshold,
		&rec.LowStockAlert, &lastMovement, &rec.Quarantined, &rec.QuarantineReason, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	if lastMovement != nil {
		rec.LastMovementID = *lastMovement
	}
	return rec, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var mv Movement
	var movementType, sourceType string
	var actorID *int64
	if err := row.Scan(&mv.ID, &mv.RecordID, &movementType, &sourceType, &mv.SourceID, &mv.Before, &mv.Delta, &mv.After, &actorID, &mv.Note, &mv.At); err != nil {
		return Movement{}, err
	}
	mv.Type = MovementType(movementType)
	mv.SourceType = SourceType(sourceType)
	if actorID != nil {
		mv.ActorID = *actorID
	}
	return mv, nil
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
