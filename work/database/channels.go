package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"kptv-broker/work/types"
	"strings"
)

const channelColumns = `id, provider_id, stream_id, name, group_title, logo, quality, stream_url, enabled`

func scanChannel(row interface{ Scan(...interface{}) error }) (*types.Channel, error) {
	var ch types.Channel
	err := row.Scan(&ch.ID, &ch.ProviderID, &ch.StreamID, &ch.Name, &ch.Group, &ch.Logo, &ch.Quality,
		&ch.StreamURL, &ch.Enabled)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (db *DB) queryChannels(ctx context.Context, query string, args ...interface{}) ([]*types.Channel, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var out []*types.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpsertChannel saves a channel keyed by (provider, stream id) and sets its ID.
// The enabled flag is only written on insert so an operator's choice survives a re-sync.
func (db *DB) UpsertChannel(ctx context.Context, ch *types.Channel) error {
	query := `
		INSERT INTO channels (provider_id, stream_id, name, group_title, logo, quality, stream_url, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, stream_id) DO UPDATE SET
			name = excluded.name,
			group_title = excluded.group_title,
			logo = excluded.logo,
			quality = excluded.quality,
			stream_url = excluded.stream_url
		RETURNING id, enabled
	`
	err := db.QueryRowContext(ctx, query, ch.ProviderID, ch.StreamID, ch.Name, ch.Group, ch.Logo, ch.Quality,
		ch.StreamURL, boolInt(ch.Enabled)).Scan(&ch.ID, &ch.Enabled)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// GetChannel loads one channel by id
func (db *DB) GetChannel(ctx context.Context, id int64) (*types.Channel, error) {
	ch, err := scanChannel(db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// GetChannelByStream loads a channel by its matching identity
func (db *DB) GetChannelByStream(ctx context.Context, providerID int64, streamID string) (*types.Channel, error) {
	ch, err := scanChannel(db.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE provider_id = ? AND stream_id = ?", providerID, streamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// ListChannelsByProvider returns every channel of a provider, disabled ones included
func (db *DB) ListChannelsByProvider(ctx context.Context, providerID int64) ([]*types.Channel, error) {
	return db.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels WHERE provider_id = ? ORDER BY name, id", providerID)
}

// ListEnabledChannels returns the enabled channels of a provider, what a viewer may see
func (db *DB) ListEnabledChannels(ctx context.Context, providerID int64) ([]*types.Channel, error) {
	return db.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels WHERE provider_id = ? AND enabled = 1 ORDER BY name, id", providerID)
}

// SearchChannels returns channels of a provider whose name contains any of the terms
// (case-insensitive LIKE)
func (db *DB) SearchChannels(ctx context.Context, providerID int64, terms []string) ([]*types.Channel, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(terms))
	args := []interface{}{providerID}
	for _, term := range terms {
		clauses = append(clauses, "name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(term)+"%")
	}
	query := "SELECT " + channelColumns + " FROM channels WHERE provider_id = ? AND (" +
		strings.Join(clauses, " OR ") + ") ORDER BY name, id"
	return db.queryChannels(ctx, query, args...)
}

// SetChannelEnabled hides or shows a channel to viewers; disabled channels still work as backups
func (db *DB) SetChannelEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := db.ExecContext(ctx, "UPDATE channels SET enabled = ? WHERE id = ?", boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to set channel enabled: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
