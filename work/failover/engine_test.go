package failover

import (
	"context"
	"kptv-broker/work/database"
	"kptv-broker/work/types"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t   *testing.T
	ctx context.Context
	db  *database.DB
	eng *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "failover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &env{t: t, ctx: context.Background(), db: db, eng: NewEngine(db, nil)}
}

func (e *env) provider(name string) *types.Provider {
	p := &types.Provider{Name: name, Type: types.ProviderXtream, URL: "http://" + name, Active: true}
	require.NoError(e.t, e.db.CreateProvider(e.ctx, p))
	return p
}

func (e *env) channel(p *types.Provider, streamID, name string) *types.Channel {
	ch := &types.Channel{ProviderID: p.ID, StreamID: streamID, Name: name, Enabled: true}
	require.NoError(e.t, e.db.UpsertChannel(e.ctx, ch))
	return ch
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestCreateMappingRejectsSameProvider(t *testing.T) {
	e := newEnv(t)
	a := e.provider("a")
	x := e.channel(a, "1", "ESPN")
	y := e.channel(a, "2", "ESPN HD")

	_, err := e.eng.CreateMapping(e.ctx, x.ID, y.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidMapping)

	_, err = e.eng.CreateMapping(e.ctx, x.ID, x.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidMapping)

	n, err := e.db.CountMappings(e.ctx, x.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateMappingMissingChannel(t *testing.T) {
	e := newEnv(t)
	x := e.channel(e.provider("a"), "1", "ESPN")

	_, err := e.eng.CreateMapping(e.ctx, x.ID, 999, nil)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	_, err = e.eng.CreateMapping(e.ctx, 999, x.ID, nil)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMappingRoundTrip(t *testing.T) {
	e := newEnv(t)
	a, b, c := e.provider("a"), e.provider("b"), e.provider("c")
	primary := e.channel(a, "1", "ESPN")
	b1 := e.channel(b, "10", "US: ESPN")
	c1 := e.channel(c, "20", "ESPN HD")

	m1, err := e.eng.CreateMapping(e.ctx, primary.ID, b1.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m1.Priority)
	m2, err := e.eng.CreateMapping(e.ctx, primary.ID, c1.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Priority)

	_, err = e.eng.CreateMapping(e.ctx, primary.ID, b1.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidMapping, "duplicate pair")

	backups, err := e.eng.GetBackupChannels(e.ctx, primary.ID)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, b1.ID, backups[0].Channel.ID)
	assert.Equal(t, c1.ID, backups[1].Channel.ID)
	assert.Equal(t, types.StatusUnknown, backups[0].ProviderHealth)

	// reorder through an update; the cached list must follow
	_, err = e.eng.UpdateMapping(e.ctx, m2.ID, MappingUpdate{Priority: intPtr(0)})
	require.NoError(t, err)
	backups, err = e.eng.GetBackupChannels(e.ctx, primary.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, backups[0].Channel.ID)

	_, err = e.eng.UpdateMapping(e.ctx, m2.ID, MappingUpdate{Active: boolPtr(false)})
	require.NoError(t, err)
	backups, err = e.eng.GetBackupChannels(e.ctx, primary.ID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, b1.ID, backups[0].Channel.ID)

	require.NoError(t, e.eng.DeleteMapping(e.ctx, m1.ID))
	require.NoError(t, e.eng.DeleteMapping(e.ctx, m1.ID))
	backups, err = e.eng.GetBackupChannels(e.ctx, primary.ID)
	require.NoError(t, err)
	assert.Empty(t, backups)

	_, err = e.eng.UpdateMapping(e.ctx, m1.ID, MappingUpdate{Priority: intPtr(3)})
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestBackupOrderTiesAndProviderState(t *testing.T) {
	e := newEnv(t)
	a, b, c := e.provider("a"), e.provider("b"), e.provider("c")
	primary := e.channel(a, "1", "CNN")
	first := e.channel(b, "1", "CNN")
	second := e.channel(c, "1", "CNN")

	_, err := e.eng.CreateMapping(e.ctx, primary.ID, first.ID, intPtr(5))
	require.NoError(t, err)
	_, err = e.eng.CreateMapping(e.ctx, primary.ID, second.ID, intPtr(5))
	require.NoError(t, err)

	backups, err := e.eng.GetBackupChannels(e.ctx, primary.ID)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, first.ID, backups[0].Channel.ID, "ties keep insertion order")

	// disabled backup channels still count, inactive providers do not
	require.NoError(t, e.db.SetChannelEnabled(e.ctx, first.ID, false))
	require.NoError(t, e.db.SetProviderActive(e.ctx, c.ID, false))
	e.eng.InvalidateAll()

	backups, err = e.eng.GetBackupChannels(e.ctx, primary.ID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, first.ID, backups[0].Channel.ID)
	assert.False(t, backups[0].Channel.Enabled)
}

func TestTestOverridesAreIsolated(t *testing.T) {
	e := newEnv(t)

	e.eng.SetTestOverride("100", 7)
	e.eng.SetTestOverride("200", 8)

	got, ok := e.eng.TestOverride("100")
	assert.True(t, ok)
	assert.Equal(t, int64(7), got)

	e.eng.ClearTestOverride("100")
	_, ok = e.eng.TestOverride("100")
	assert.False(t, ok)

	got, ok = e.eng.TestOverride("200")
	assert.True(t, ok)
	assert.Equal(t, int64(8), got)
	assert.Equal(t, map[string]int64{"200": 8}, e.eng.TestOverrides())

	e.eng.ClearTestOverride("missing")
}
