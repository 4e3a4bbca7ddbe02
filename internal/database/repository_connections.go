package database

import (
	"context"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// EXCHANGE CONNECTIONS
// ============================================================================

func (r *Repository) CreateConnection(ctx context.Context, conn *domain.ExchangeConnection) error {
	if conn.ID == (domain.ID{}) {
		conn.ID = domain.NewID()
	}
	query := `
		INSERT INTO exchange_connections
			(id, user_id, venue, env, api_key_encrypted, secret_key_encrypted,
			 can_read, can_trade, can_withdraw, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		conn.ID, conn.UserID, conn.Venue, conn.Env,
		conn.APIKeyEncrypted, conn.SecretKeyEncrypted,
		conn.CanRead, conn.CanTrade, conn.CanWithdraw, conn.Status,
	).Scan(&conn.CreatedAt, &conn.UpdatedAt)
	return dbErr(err, "connection")
}

const connectionColumns = `
	id, user_id, venue, env, api_key_encrypted, secret_key_encrypted,
	can_read, can_trade, can_withdraw, status, created_at, updated_at`

func (r *Repository) GetConnection(ctx context.Context, userID, id domain.ID) (*domain.ExchangeConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM exchange_connections WHERE id = $1 AND user_id = $2`
	conn := &domain.ExchangeConnection{}
	err := r.db.Pool.QueryRow(ctx, query, id, userID).Scan(
		&conn.ID, &conn.UserID, &conn.Venue, &conn.Env,
		&conn.APIKeyEncrypted, &conn.SecretKeyEncrypted,
		&conn.CanRead, &conn.CanTrade, &conn.CanWithdraw, &conn.Status,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "connection")
	}
	return conn, nil
}

func (r *Repository) GetConnectionByVenue(ctx context.Context, userID domain.ID, venue string, env domain.ConnectionEnv) (*domain.ExchangeConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM exchange_connections WHERE user_id = $1 AND venue = $2 AND env = $3`
	conn := &domain.ExchangeConnection{}
	err := r.db.Pool.QueryRow(ctx, query, userID, venue, env).Scan(
		&conn.ID, &conn.UserID, &conn.Venue, &conn.Env,
		&conn.APIKeyEncrypted, &conn.SecretKeyEncrypted,
		&conn.CanRead, &conn.CanTrade, &conn.CanWithdraw, &conn.Status,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "connection")
	}
	return conn, nil
}

func (r *Repository) ListConnections(ctx context.Context, userID domain.ID) ([]*domain.ExchangeConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM exchange_connections WHERE user_id = $1 ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dbErr(err, "connections")
	}
	defer rows.Close()

	var out []*domain.ExchangeConnection
	for rows.Next() {
		conn := &domain.ExchangeConnection{}
		if err := rows.Scan(
			&conn.ID, &conn.UserID, &conn.Venue, &conn.Env,
			&conn.APIKeyEncrypted, &conn.SecretKeyEncrypted,
			&conn.CanRead, &conn.CanTrade, &conn.CanWithdraw, &conn.Status,
			&conn.CreatedAt, &conn.UpdatedAt,
		); err != nil {
			return nil, dbErr(err, "connections")
		}
		out = append(out, conn)
	}
	return out, dbErr(rows.Err(), "connections")
}

func (r *Repository) UpdateConnectionStatus(ctx context.Context, userID, id domain.ID, status domain.ConnectionStatus) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE exchange_connections SET status = $3, updated_at = $4
		 WHERE id = $1 AND user_id = $2`,
		id, userID, status, time.Now().UTC())
	if err != nil {
		return dbErr(err, "connection")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "connection")
	}
	return nil
}

func (r *Repository) DeleteConnection(ctx context.Context, userID, id domain.ID) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM exchange_connections WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return dbErr(err, "connection")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "connection")
	}
	return nil
}
