package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"kptv-broker/work/types"
	"time"
)

const providerColumns = `id, name, type, url, user_agent, include_regex, exclude_regex, tuner_count,
	active, health, last_health_check, last_sync`

func scanProvider(row interface{ Scan(...interface{}) error }) (*types.Provider, error) {
	var p types.Provider
	var ptype, health string
	var lastCheck, lastSync int64
	err := row.Scan(&p.ID, &p.Name, &ptype, &p.URL, &p.UserAgent, &p.IncludeRegex, &p.ExcludeRegex,
		&p.TunerCount, &p.Active, &health, &lastCheck, &lastSync)
	if err != nil {
		return nil, err
	}
	p.Type = types.ProviderType(ptype)
	p.Health = types.HealthStatus(health)
	p.LastHealthCheck = fromMillis(lastCheck)
	p.LastSync = fromMillis(lastSync)
	return &p, nil
}

// CreateProvider inserts a provider and sets its ID
func (db *DB) CreateProvider(ctx context.Context, p *types.Provider) error {
	if !p.Type.Valid() {
		return fmt.Errorf("unknown provider type %q", p.Type)
	}
	if p.Health == "" {
		p.Health = types.StatusUnknown
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO providers (name, type, url, user_agent, include_regex, exclude_regex, tuner_count, active, health)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(p.Type), p.URL, p.UserAgent, p.IncludeRegex, p.ExcludeRegex, p.TunerCount,
		boolInt(p.Active), string(p.Health))
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProvider loads one provider by id
func (db *DB) GetProvider(ctx context.Context, id int64) (*types.Provider, error) {
	p, err := scanProvider(db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM providers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return p, nil
}

// ListProviders returns providers ordered by id, optionally only the active ones
func (db *DB) ListProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error) {
	query := "SELECT " + providerColumns + " FROM providers"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id"

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []*types.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProviderHealth writes the current verdict back onto the provider row
func (db *DB) UpdateProviderHealth(ctx context.Context, id int64, status types.HealthStatus, checkedAt time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE providers SET health = ?, last_health_check = ? WHERE id = ?",
		string(status), toMillis(checkedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update provider health: %w", err)
	}
	return nil
}

// SetProviderActive soft-(de)activates a provider; rows are never deleted
func (db *DB) SetProviderActive(ctx context.Context, id int64, active bool) error {
	_, err := db.ExecContext(ctx, "UPDATE providers SET active = ? WHERE id = ?", boolInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to set provider active: %w", err)
	}
	return nil
}

// TouchProviderSync records a completed channel sync
func (db *DB) TouchProviderSync(ctx context.Context, id int64, at time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE providers SET last_sync = ? WHERE id = ?", toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch provider sync: %w", err)
	}
	return nil
}
