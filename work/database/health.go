package database

import (
	"context"
	"fmt"
	"kptv-broker/work/types"
	"time"
)

// InsertHealthCheck appends a record to the rolling check log
func (db *DB) InsertHealthCheck(ctx context.Context, rec *types.HealthCheckRecord) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO health_checks (provider_id, checked_at, status, outcome, latency_ms, message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ProviderID, toMillis(rec.CheckedAt), string(rec.Status), string(rec.Outcome),
		rec.Latency.Milliseconds(), rec.Message)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// CountHealthChecks returns (healthy, total) checks for a provider at or after since
func (db *DB) CountHealthChecks(ctx context.Context, providerID int64, since time.Time) (healthy, total int, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM health_checks
		WHERE provider_id = ? AND checked_at >= ?`,
		string(types.StatusHealthy), providerID, toMillis(since)).Scan(&healthy, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count health checks: %w", err)
	}
	return healthy, total, nil
}

// RecentHealthChecks returns the newest records first
func (db *DB) RecentHealthChecks(ctx context.Context, providerID int64, limit int) ([]types.HealthCheckRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, provider_id, checked_at, status, outcome, latency_ms, message
		FROM health_checks
		WHERE provider_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load health history: %w", err)
	}
	defer rows.Close()

	var out []types.HealthCheckRecord
	for rows.Next() {
		var rec types.HealthCheckRecord
		var checked, latency int64
		var status, outcome string
		if err := rows.Scan(&rec.ID, &rec.ProviderID, &checked, &status, &outcome, &latency, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		rec.CheckedAt = fromMillis(checked)
		rec.Status = types.HealthStatus(status)
		rec.Outcome = types.CheckOutcome(outcome)
		rec.Latency = time.Duration(latency) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneHealthChecks deletes records older than before and returns how many went
func (db *DB) PruneHealthChecks(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM health_checks WHERE checked_at < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune health checks: %w", err)
	}
	return res.RowsAffected()
}
