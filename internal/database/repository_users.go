package database

import (
	"context"
	"encoding/json"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// USERS
// ============================================================================

func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == (domain.ID{}) {
		user.ID = domain.NewID()
	}
	if len(user.Preferences) == 0 {
		user.Preferences = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO users (id, email, password_hash, active, preferences)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.Active, user.Preferences,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	return dbErr(err, "user")
}

func (r *Repository) GetUserByID(ctx context.Context, id domain.ID) (*domain.User, error) {
	return r.scanUser(ctx, `WHERE id = $1`, id)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanUser(ctx, `WHERE email = $1`, email)
}

func (r *Repository) scanUser(ctx context.Context, where string, arg any) (*domain.User, error) {
	query := `
		SELECT id, email, password_hash, active, preferences, created_at, updated_at
		FROM users ` + where
	user := &domain.User{}
	err := r.db.Pool.QueryRow(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Active,
		&user.Preferences, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "user")
	}
	return user, nil
}

func (r *Repository) UpdateUserPreferences(ctx context.Context, userID domain.ID, prefs json.RawMessage) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET preferences = $2, updated_at = $3 WHERE id = $1`,
		userID, prefs, time.Now().UTC())
	if err != nil {
		return dbErr(err, "user")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "user")
	}
	return nil
}

func (r *Repository) SetUserActive(ctx context.Context, userID domain.ID, active bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET active = $2, updated_at = $3 WHERE id = $1`,
		userID, active, time.Now().UTC())
	if err != nil {
		return dbErr(err, "user")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "user")
	}
	return nil
}
