package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"kptv-broker/work/types"
	"time"
)

// BackupRow is a mapping joined with its backup channel and that channel's provider state
type BackupRow struct {
	Mapping        types.ChannelMapping
	Channel        types.Channel
	ProviderActive bool
	ProviderHealth types.HealthStatus
}

const mappingColumns = `id, primary_channel_id, backup_channel_id, priority, active, created_at`

func scanMapping(row interface{ Scan(...interface{}) error }) (*types.ChannelMapping, error) {
	var m types.ChannelMapping
	var created int64
	if err := row.Scan(&m.ID, &m.PrimaryChannelID, &m.BackupChannelID, &m.Priority, &m.Active, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

// CreateMapping inserts a mapping and sets its ID and CreatedAt.
// Rule checks (same provider, self mapping) belong to the caller.
func (db *DB) CreateMapping(ctx context.Context, m *types.ChannelMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO channel_mappings (primary_channel_id, backup_channel_id, priority, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.PrimaryChannelID, m.BackupChannelID, m.Priority, boolInt(m.Active), toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// GetMapping loads one mapping by id
func (db *DB) GetMapping(ctx context.Context, id int64) (*types.ChannelMapping, error) {
	m, err := scanMapping(db.QueryRowContext(ctx, "SELECT "+mappingColumns+" FROM channel_mappings WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// CountMappings returns how many mappings (active or not) a primary channel has
func (db *DB) CountMappings(ctx context.Context, primaryID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM channel_mappings WHERE primary_channel_id = ?", primaryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// MappingExists reports whether primary -> backup is already mapped
func (db *DB) MappingExists(ctx context.Context, primaryID, backupID int64) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM channel_mappings WHERE primary_channel_id = ? AND backup_channel_id = ?)",
		primaryID, backupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check mapping: %w", err)
	}
	return exists, nil
}

// ListBackups returns every mapping of a primary joined with the backup channel and provider,
// ordered by priority then insertion order
func (db *DB) ListBackups(ctx context.Context, primaryID int64) ([]BackupRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.id, m.primary_channel_id, m.backup_channel_id, m.priority, m.active, m.created_at,
		       c.id, c.provider_id, c.stream_id, c.name, c.group_title, c.logo, c.quality, c.stream_url, c.enabled,
		       p.active, p.health
		FROM channel_mappings m
		JOIN channels c ON c.id = m.backup_channel_id
		JOIN providers p ON p.id = c.provider_id
		WHERE m.primary_channel_id = ?
		ORDER BY m.priority, m.id`, primaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var out []BackupRow
	for rows.Next() {
		var r BackupRow
		var created int64
		var health string
		err := rows.Scan(&r.Mapping.ID, &r.Mapping.PrimaryChannelID, &r.Mapping.BackupChannelID, &r.Mapping.Priority,
			&r.Mapping.Active, &created,
			&r.Channel.ID, &r.Channel.ProviderID, &r.Channel.StreamID, &r.Channel.Name, &r.Channel.Group,
			&r.Channel.Logo, &r.Channel.Quality, &r.Channel.StreamURL, &r.Channel.Enabled,
			&r.ProviderActive, &health)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		r.Mapping.CreatedAt = fromMillis(created)
		r.ProviderHealth = types.HealthStatus(health)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateMapping writes priority and active flag
func (db *DB) UpdateMapping(ctx context.Context, m *types.ChannelMapping) error {
	res, err := db.ExecContext(ctx, "UPDATE channel_mappings SET priority = ?, active = ? WHERE id = ?",
		m.Priority, boolInt(m.Active), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMapping removes a mapping; deleting a missing mapping is not an error
func (db *DB) DeleteMapping(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM channel_mappings WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}
