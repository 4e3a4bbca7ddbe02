package database

import (
	"context"
	"encoding/json"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// BACKTESTS
// ============================================================================

const backtestColumns = `
	id, user_id, strategy_id, symbol, timeframe, start_date, end_date,
	config, status, progress, started_at, completed_at, result_id, error,
	created_at`

func (r *Repository) CreateBacktestRun(ctx context.Context, run *domain.BacktestRun) error {
	if run.ID == (domain.ID{}) {
		run.ID = domain.NewID()
	}
	if len(run.Config) == 0 {
		run.Config = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO backtest_runs
			(id, user_id, strategy_id, symbol, timeframe, start_date, end_date,
			 config, status, progress)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		run.ID, run.UserID, run.StrategyID, run.Symbol, run.Timeframe,
		run.StartDate, run.EndDate, run.Config, run.Status, run.Progress,
	).Scan(&run.CreatedAt)
	return dbErr(err, "backtest run")
}

func scanBacktestRun(row interface{ Scan(...any) error }) (*domain.BacktestRun, error) {
	run := &domain.BacktestRun{}
	err := row.Scan(
		&run.ID, &run.UserID, &run.StrategyID, &run.Symbol, &run.Timeframe,
		&run.StartDate, &run.EndDate, &run.Config, &run.Status, &run.Progress,
		&run.StartedAt, &run.CompletedAt, &run.ResultID, &run.Error, &run.CreatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "backtest run")
	}
	return run, nil
}

func (r *Repository) GetBacktestRun(ctx context.Context, userID, id domain.ID) (*domain.BacktestRun, error) {
	query := `SELECT` + backtestColumns + `
		FROM backtest_runs WHERE id = $1 AND user_id = $2`
	return scanBacktestRun(r.db.Pool.QueryRow(ctx, query, id, userID))
}

func (r *Repository) ListBacktestRuns(ctx context.Context, userID domain.ID, limit int) ([]*domain.BacktestRun, error) {
	query := `SELECT` + backtestColumns + `
		FROM backtest_runs WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "backtest runs")
	}
	defer rows.Close()

	var out []*domain.BacktestRun
	for rows.Next() {
		run, err := scanBacktestRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, dbErr(rows.Err(), "backtest runs")
}

func (r *Repository) MarkBacktestStarted(ctx context.Context, id domain.ID) error {
	now := time.Now().UTC()
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs SET status = $2, started_at = $3 WHERE id = $1`,
		id, domain.BacktestStatusRunning, now)
	return dbErr(err, "backtest run")
}

func (r *Repository) UpdateBacktestProgress(ctx context.Context, id domain.ID, progress int) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE backtest_runs SET progress = $2 WHERE id = $1`, id, progress)
	return dbErr(err, "backtest run")
}

func (r *Repository) CompleteBacktestRun(ctx context.Context, id, resultID domain.ID) error {
	now := time.Now().UTC()
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs SET
			status = $2, progress = 100, completed_at = $3, result_id = $4
		WHERE id = $1`,
		id, domain.BacktestStatusCompleted, now, resultID)
	return dbErr(err, "backtest run")
}

func (r *Repository) FinishBacktestRun(ctx context.Context, id domain.ID, status domain.BacktestStatus, errMsg string) error {
	now := time.Now().UTC()
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs SET status = $2, completed_at = $3, error = $4
		WHERE id = $1`,
		id, status, now, errMsg)
	return dbErr(err, "backtest run")
}

// BacktestResult holds the serialized output of a completed run.
type BacktestResult struct {
	ID          domain.ID       `json:"id"`
	RunID       domain.ID       `json:"run_id"`
	Metrics     json.RawMessage `json:"metrics"`
	EquityCurve json.RawMessage `json:"equity_curve"`
	Trades      json.RawMessage `json:"trades"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r *Repository) InsertBacktestResult(ctx context.Context, res *BacktestResult) error {
	if res.ID == (domain.ID{}) {
		res.ID = domain.NewID()
	}
	query := `
		INSERT INTO backtest_results (id, run_id, metrics, equity_curve, trades)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		res.ID, res.RunID, res.Metrics, res.EquityCurve, res.Trades,
	).Scan(&res.CreatedAt)
	return dbErr(err, "backtest result")
}

// GetBacktestResult checks run ownership before returning the payload.
func (r *Repository) GetBacktestResult(ctx context.Context, userID, resultID domain.ID) (*BacktestResult, error) {
	query := `
		SELECT res.id, res.run_id, res.metrics, res.equity_curve, res.trades, res.created_at
		FROM backtest_results res
		JOIN backtest_runs run ON run.id = res.run_id
		WHERE res.id = $1 AND run.user_id = $2
	`
	res := &BacktestResult{}
	err := r.db.Pool.QueryRow(ctx, query, resultID, userID).Scan(
		&res.ID, &res.RunID, &res.Metrics, &res.EquityCurve, &res.Trades, &res.CreatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "backtest result")
	}
	return res, nil
}

// PurgeOldBacktests deletes finished runs and their results past retention.
func (r *Repository) PurgeOldBacktests(ctx context.Context, before time.Time) (int64, error) {
	_, err := r.db.Pool.Exec(ctx, `
		DELETE FROM backtest_results WHERE run_id IN (
			SELECT id FROM backtest_runs
			WHERE completed_at IS NOT NULL AND completed_at < $1)`, before)
	if err != nil {
		return 0, dbErr(err, "backtest results")
	}
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM backtest_runs
		WHERE completed_at IS NOT NULL AND completed_at < $1`, before)
	if err != nil {
		return 0, dbErr(err, "backtest runs")
	}
	return tag.RowsAffected(), nil
}
