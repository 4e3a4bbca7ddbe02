package database

import (
	"context"
	"encoding/json"
	"time"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
)

// ============================================================================
// RISK LIMITS
// ============================================================================

func (r *Repository) CreateRiskLimit(ctx context.Context, l *domain.RiskLimit) error {
	if !l.Validate() {
		return errs.E(errs.Validation, "risk limit fractions must satisfy 0 < warning < critical <= 1")
	}
	if l.ID == (domain.ID{}) {
		l.ID = domain.NewID()
	}
	query := `
		INSERT INTO risk_limits
			(id, user_id, bot_id, type, threshold, warning_fraction,
			 critical_fraction, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		l.ID, l.UserID, l.BotID, l.Type, l.Threshold,
		l.WarningFraction, l.CriticalFraction, l.Enabled,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	return dbErr(err, "risk limit")
}

// ListRiskLimits returns the user's enabled limits, both global and
// per-bot; the evaluator resolves scope.
func (r *Repository) ListRiskLimits(ctx context.Context, userID domain.ID) ([]*domain.RiskLimit, error) {
	query := `
		SELECT id, user_id, bot_id, type, threshold, warning_fraction,
		       critical_fraction, enabled, created_at, updated_at, deleted_at
		FROM risk_limits
		WHERE user_id = $1 AND enabled AND deleted_at IS NULL
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dbErr(err, "risk limits")
	}
	defer rows.Close()

	var out []*domain.RiskLimit
	for rows.Next() {
		l := &domain.RiskLimit{}
		if err := rows.Scan(
			&l.ID, &l.UserID, &l.BotID, &l.Type, &l.Threshold,
			&l.WarningFraction, &l.CriticalFraction, &l.Enabled,
			&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
		); err != nil {
			return nil, dbErr(err, "risk limits")
		}
		out = append(out, l)
	}
	return out, dbErr(rows.Err(), "risk limits")
}

func (r *Repository) UpdateRiskLimit(ctx context.Context, l *domain.RiskLimit) error {
	if !l.Validate() {
		return errs.E(errs.Validation, "risk limit fractions must satisfy 0 < warning < critical <= 1")
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE risk_limits SET
			threshold = $3, warning_fraction = $4, critical_fraction = $5,
			enabled = $6, updated_at = $7
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		l.ID, l.UserID, l.Threshold, l.WarningFraction, l.CriticalFraction,
		l.Enabled, time.Now().UTC())
	if err != nil {
		return dbErr(err, "risk limit")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "risk limit")
	}
	return nil
}

func (r *Repository) SoftDeleteRiskLimit(ctx context.Context, userID, id domain.ID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE risk_limits SET deleted_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID, time.Now().UTC())
	if err != nil {
		return dbErr(err, "risk limit")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "risk limit")
	}
	return nil
}

// ============================================================================
// RISK ALERTS
// ============================================================================

func (r *Repository) InsertRiskAlert(ctx context.Context, a *domain.RiskAlert) error {
	if a.ID == (domain.ID{}) {
		a.ID = domain.NewID()
	}
	if len(a.Metrics) == 0 {
		a.Metrics = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO risk_alerts
			(id, user_id, limit_id, limit_type, severity, message, metrics, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = time.Now().UTC()
	}
	_, err := r.db.Pool.Exec(ctx, query,
		a.ID, a.UserID, a.LimitID, a.LimitType, a.Severity, a.Message,
		a.Metrics, a.TriggeredAt)
	return dbErr(err, "risk alert")
}

func (r *Repository) ListRiskAlerts(ctx context.Context, userID domain.ID, unacknowledgedOnly bool, limit int) ([]*domain.RiskAlert, error) {
	query := `
		SELECT id, user_id, limit_id, limit_type, severity, message, metrics,
		       triggered_at, acknowledged_at
		FROM risk_alerts WHERE user_id = $1`
	if unacknowledgedOnly {
		query += ` AND acknowledged_at IS NULL`
	}
	query += ` ORDER BY triggered_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "risk alerts")
	}
	defer rows.Close()

	var out []*domain.RiskAlert
	for rows.Next() {
		a := &domain.RiskAlert{}
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.LimitID, &a.LimitType, &a.Severity,
			&a.Message, &a.Metrics, &a.TriggeredAt, &a.AcknowledgedAt,
		); err != nil {
			return nil, dbErr(err, "risk alerts")
		}
		out = append(out, a)
	}
	return out, dbErr(rows.Err(), "risk alerts")
}

func (r *Repository) AcknowledgeRiskAlert(ctx context.Context, userID, id domain.ID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE risk_alerts SET acknowledged_at = $3
		WHERE id = $1 AND user_id = $2 AND acknowledged_at IS NULL`,
		id, userID, time.Now().UTC())
	if err != nil {
		return dbErr(err, "risk alert")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "risk alert")
	}
	return nil
}

// PurgeOldRiskAlerts drops acknowledged alerts past the retention window.
func (r *Repository) PurgeOldRiskAlerts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM risk_alerts
		WHERE acknowledged_at IS NOT NULL AND triggered_at < $1`, before)
	if err != nil {
		return 0, dbErr(err, "risk alerts")
	}
	return tag.RowsAffected(), nil
}
