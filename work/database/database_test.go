package database

import (
	"context"
	"kptv-broker/work/types"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedProvider(t *testing.T, db *DB, name string, ptype types.ProviderType) *types.Provider {
	t.Helper()
	p := &types.Provider{Name: name, Type: ptype, URL: "http://" + name, Active: true}
	require.NoError(t, db.CreateProvider(context.Background(), p))
	return p
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	stats, err := db.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["providers_count"])
}

func TestProviderAndCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := seedProvider(t, db, "alpha", types.ProviderXtream)

	got, err := db.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderXtream, got.Type)
	assert.Equal(t, types.StatusUnknown, got.Health)
	assert.True(t, got.LastHealthCheck.IsZero())

	checked := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, db.UpdateProviderHealth(ctx, p.ID, types.StatusDegraded, checked))
	got, err = db.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDegraded, got.Health)
	assert.True(t, checked.Equal(got.LastHealthCheck))

	c := &types.Credential{ProviderID: p.ID, Username: "u", Secret: "s", MaxConnections: 2, Active: true}
	require.NoError(t, db.CreateCredential(ctx, c))
	assert.Error(t, db.CreateCredential(ctx, &types.Credential{ProviderID: p.ID, MaxConnections: 0}))

	creds, err := db.ListCredentials(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, 2, creds[0].MaxConnections)

	_, err = db.GetProvider(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SetProviderActive(ctx, p.ID, false))
	active, err := db.ListProviders(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestViewerCredentialsKeepOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := seedProvider(t, db, "alpha", types.ProviderXtream)

	var ids []int64
	for i := 0; i < 3; i++ {
		c := &types.Credential{ProviderID: p.ID, MaxConnections: 1, Active: true}
		require.NoError(t, db.CreateCredential(ctx, c))
		ids = append(ids, c.ID)
	}

	require.NoError(t, db.SetViewerCredentials(ctx, 7, []int64{ids[2], ids[0]}))
	creds, err := db.ViewerCredentials(ctx, 7)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, ids[2], creds[0].ID)
	assert.Equal(t, ids[0], creds[1].ID)
}

func TestUpsertChannelKeepsIdentityAndEnabledFlag(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := seedProvider(t, db, "alpha", types.ProviderPlaylist)

	ch := &types.Channel{ProviderID: p.ID, StreamID: "42", Name: "ABC", Enabled: true}
	require.NoError(t, db.UpsertChannel(ctx, ch))
	firstID := ch.ID
	require.NoError(t, db.SetChannelEnabled(ctx, firstID, false))

	again := &types.Channel{ProviderID: p.ID, StreamID: "42", Name: "ABC HD", Enabled: true}
	require.NoError(t, db.UpsertChannel(ctx, again))
	assert.Equal(t, firstID, again.ID)
	assert.False(t, again.Enabled)

	got, err := db.GetChannelByStream(ctx, p.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, "ABC HD", got.Name)

	found, err := db.SearchChannels(ctx, p.ID, []string{"abc"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	enabled, err := db.ListEnabledChannels(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestMappingsOrderedByPriorityThenInsertion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	a := seedProvider(t, db, "a", types.ProviderXtream)
	b := seedProvider(t, db, "b", types.ProviderXtream)

	primary := &types.Channel{ProviderID: a.ID, StreamID: "1", Name: "ESPN", Enabled: true}
	require.NoError(t, db.UpsertChannel(ctx, primary))

	var backups []*types.Channel
	for _, sid := range []string{"10", "11", "12"} {
		ch := &types.Channel{ProviderID: b.ID, StreamID: sid, Name: "ESPN " + sid, Enabled: true}
		require.NoError(t, db.UpsertChannel(ctx, ch))
		backups = append(backups, ch)
	}

	for i, prio := range []int{2, 1, 2} {
		m := &types.ChannelMapping{PrimaryChannelID: primary.ID, BackupChannelID: backups[i].ID, Priority: prio, Active: true}
		require.NoError(t, db.CreateMapping(ctx, m))
	}

	rows, err := db.ListBackups(ctx, primary.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, backups[1].ID, rows[0].Channel.ID)
	assert.Equal(t, backups[0].ID, rows[1].Channel.ID)
	assert.Equal(t, backups[2].ID, rows[2].Channel.ID)
	assert.True(t, rows[0].ProviderActive)

	n, err := db.CountMappings(ctx, primary.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, db.DeleteMapping(ctx, rows[0].Mapping.ID))
	require.NoError(t, db.DeleteMapping(ctx, rows[0].Mapping.ID))
	assert.ErrorIs(t, db.UpdateMapping(ctx, &rows[0].Mapping), ErrNotFound)
}

func TestHealthCheckCountsAndPrune(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := seedProvider(t, db, "alpha", types.ProviderXtream)

	now := time.Now()
	for i := 0; i < 10; i++ {
		status := types.StatusHealthy
		if i >= 8 {
			status = types.StatusUnhealthy
		}
		rec := &types.HealthCheckRecord{ProviderID: p.ID, CheckedAt: now.Add(-time.Duration(i) * time.Hour), Status: status, Outcome: types.OutcomeOK}
		require.NoError(t, db.InsertHealthCheck(ctx, rec))
	}
	old := &types.HealthCheckRecord{ProviderID: p.ID, CheckedAt: now.Add(-10 * 24 * time.Hour), Status: types.StatusHealthy, Outcome: types.OutcomeOK}
	require.NoError(t, db.InsertHealthCheck(ctx, old))

	healthy, total, err := db.CountHealthChecks(ctx, p.ID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 8, healthy)
	assert.Equal(t, 10, total)

	history, err := db.RecentHealthChecks(ctx, p.ID, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].CheckedAt.After(history[1].CheckedAt))

	pruned, err := db.PruneHealthChecks(ctx, now.Add(-8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestSessionMirror(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	s := &types.StreamSession{Token: "t1", ViewerID: 1, ChannelID: 2, CredentialID: 3, StartedAt: time.Now(), LastHeartbeat: time.Now()}
	require.NoError(t, db.SaveSession(ctx, s))
	require.NoError(t, db.TouchSession(ctx, "t1", time.Now()))

	n, err := db.CountSessions(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.DeleteSession(ctx, "t1"))
	require.NoError(t, db.DeleteSession(ctx, "t1"))

	require.NoError(t, db.SaveSession(ctx, s))
	purged, err := db.PurgeSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
