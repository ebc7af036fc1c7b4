package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"kptv-broker/work/types"
	"time"
)

const credentialColumns = `id, provider_id, username, secret, max_connections, active, health, last_health_check`

func scanCredential(row interface{ Scan(...interface{}) error }) (*types.Credential, error) {
	var c types.Credential
	var health string
	var lastCheck int64
	err := row.Scan(&c.ID, &c.ProviderID, &c.Username, &c.Secret, &c.MaxConnections, &c.Active, &health, &lastCheck)
	if err != nil {
		return nil, err
	}
	c.Health = types.HealthStatus(health)
	c.LastHealthCheck = fromMillis(lastCheck)
	return &c, nil
}

// CreateCredential inserts a credential and sets its ID
func (db *DB) CreateCredential(ctx context.Context, c *types.Credential) error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.Health == "" {
		c.Health = types.StatusUnknown
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO credentials (provider_id, username, secret, max_connections, active, health)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ProviderID, c.Username, c.Secret, c.MaxConnections, boolInt(c.Active), string(c.Health))
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// GetCredential loads one credential by id
func (db *DB) GetCredential(ctx context.Context, id int64) (*types.Credential, error) {
	c, err := scanCredential(db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns the credentials of one provider ordered by id
func (db *DB) ListCredentials(ctx context.Context, providerID int64) ([]*types.Credential, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE provider_id = ? ORDER BY id", providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*types.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredentialHealth records the outcome of probing a single credential
func (db *DB) UpdateCredentialHealth(ctx context.Context, id int64, status types.HealthStatus, checkedAt time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE credentials SET health = ?, last_health_check = ? WHERE id = ?",
		string(status), toMillis(checkedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update credential health: %w", err)
	}
	return nil
}

// ViewerCredentials returns the credentials a viewer is entitled to, in the viewer's priority order
func (db *DB) ViewerCredentials(ctx context.Context, viewerID int64) ([]*types.Credential, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.provider_id, c.username, c.secret, c.max_connections, c.active, c.health, c.last_health_check
		FROM viewer_credentials vc
		JOIN credentials c ON c.id = vc.credential_id
		WHERE vc.viewer_id = ?
		ORDER BY vc.priority, c.id`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load viewer credentials: %w", err)
	}
	defer rows.Close()

	var out []*types.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetViewerCredentials replaces a viewer's entitlement list. The slice order is the priority.
func (db *DB) SetViewerCredentials(ctx context.Context, viewerID int64, credentialIDs []int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM viewer_credentials WHERE viewer_id = ?", viewerID); err != nil {
		return fmt.Errorf("failed to clear viewer credentials: %w", err)
	}
	for i, id := range credentialIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO viewer_credentials (viewer_id, credential_id, priority) VALUES (?, ?, ?)",
			viewerID, id, i); err != nil {
			return fmt.Errorf("failed to add viewer credential %d: %w", id, err)
		}
	}
	return tx.Commit()
}
