package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"futures-trading-platform/internal/errs"
)

// Repository is the data access surface. Every query that touches
// user-owned rows filters by user id; ownership is enforced here, not in
// the handlers.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

const pgUniqueViolation = "23505"

// errNoRows lets Exec paths report a missing row the same way QueryRow does.
var errNoRows = pgx.ErrNoRows

// dbErr folds driver errors into the platform taxonomy.
func dbErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.E(errs.NotFound, "%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errs.Wrap(errs.Duplicate, err, what+" already exists")
	}
	return errs.Wrap(errs.Internal, err, what+" query failed")
}
