// Package catalog answers the material and unit questions the request
// workflow asks: does it exist, and what does it cost.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownMaterial indicates a material id missing from the catalog.
var ErrUnknownMaterial = errors.New("catalog: unknown material")

// Source is the raw catalog store.
type Source interface {
	MaterialExists(ctx context.Context, id int64) (bool, error)
	UnitExists(ctx context.Context, id int64) (bool, error)
	UnitPrice(ctx context.Context, materialID int64) (decimal.Decimal, error)
}

// Repository reads materials and units from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) MaterialExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM materials WHERE id=$1 AND deleted_at IS NULL)`, id).Scan(&exists)
	return exists, err
}

func (r *Repository) UnitExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM units WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

func (r *Repository) UnitPrice(ctx context.Context, materialID int64) (decimal.Decimal, error) {
	var price decimal.NullDecimal
	err := r.pool.QueryRow(ctx, `SELECT unit_price FROM materials WHERE id=$1 AND deleted_at IS NULL`, materialID).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: %d", ErrUnknownMaterial, materialID)
		}
		return decimal.Zero, err
	}
	if !price.Valid {
		return decimal.Zero, nil
	}
	return price.Decimal, nil
}

// Lookup collapses concurrent price lookups of the same material into one
// query against the source.
type Lookup struct {
	source Source
	group  singleflight.Group
}

// NewLookup wraps source.
func NewLookup(source Source) *Lookup {
	return &Lookup{source: source}
}

func (l *Lookup) MaterialExists(ctx context.Context, id int64) (bool, error) {
	return l.source.MaterialExists(ctx, id)
}

func (l *Lookup) UnitExists(ctx context.Context, id int64) (bool, error) {
	return l.source.UnitExists(ctx, id)
}

func (l *Lookup) UnitPrice(ctx context.Context, materialID int64) (decimal.Decimal, error) {
	ch := l.group.DoChan(strconv.FormatInt(materialID, 10), func() (interface{}, error) {
		return l.source.UnitPrice(ctx, materialID)
	})
	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}
