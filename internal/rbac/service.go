package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory reads users and their roles from PostgreSQL.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory constructs a Directory backed by the provided pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// Actor returns the roles and active flag of userID.
func (d *Directory) Actor(ctx context.Context, userID int64) (Actor, error) {
	actor := Actor{ID: userID}
	err := d.pool.QueryRow(ctx, `SELECT is_active FROM users WHERE id=$1`, userID).Scan(&actor.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Actor{}, ErrNotFound
		}
		return Actor{}, err
	}
	rows, err := d.pool.Query(ctx, `SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id=$1 ORDER BY r.name`, userID)
	if err != nil {
		return Actor{}, err
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Actor{}, err
	}
	actor.Roles = roles
	return actor, nil
}
