package database

import (
	"context"
	"fmt"
	"kptv-broker/work/types"
	"time"
)

// SaveSession mirrors a newly allocated stream session
func (db *DB) SaveSession(ctx context.Context, s *types.StreamSession) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stream_sessions (token, viewer_id, channel_id, stream_id, credential_id, provider_id,
			stream_address, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET last_heartbeat = excluded.last_heartbeat`,
		s.Token, s.ViewerID, s.ChannelID, s.StreamID, s.CredentialID, s.ProviderID, s.StreamAddress,
		toMillis(s.StartedAt), toMillis(s.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// TouchSession records a heartbeat
func (db *DB) TouchSession(ctx context.Context, token string, at time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE stream_sessions SET last_heartbeat = ? WHERE token = ?", toMillis(at), token)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row; a missing row is not an error
func (db *DB) DeleteSession(ctx context.Context, token string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM stream_sessions WHERE token = ?", token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeSessions drops every mirrored session. Called at start-up: the in-process ledger
// starts empty, so rows left by a previous run describe capacity nobody holds any more.
func (db *DB) PurgeSessions(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM stream_sessions")
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// CountSessions returns how many mirrored sessions reference a credential
func (db *DB) CountSessions(ctx context.Context, credentialID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stream_sessions WHERE credential_id = ?", credentialID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
