package health

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/client"
	"kptv-broker/work/config"
	"kptv-broker/work/database"
	"kptv-broker/work/provider"
	"kptv-broker/work/types"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeClient answers Authenticate per username
type fakeClient struct {
	clock   *clock.Mock
	results map[string]error
	delay   map[string]time.Duration
	device  error
}

func (f *fakeClient) Authenticate(_ context.Context, login provider.Login) error {
	if d := f.delay[login.Username]; d > 0 {
		f.clock.Add(d)
	}
	return f.results[login.Username]
}

func (f *fakeClient) ListChannels(context.Context, provider.Login) ([]provider.ChannelInfo, error) {
	return nil, nil
}

func (f *fakeClient) GetStreamAddress(context.Context, provider.Login, *types.Channel) (string, error) {
	return "", nil
}

func (f *fakeClient) CheckHealth(context.Context, provider.Login) error { return f.device }

type fakeClients struct{ c provider.Client }

func (f fakeClients) For(*types.Provider) (provider.Client, error) { return f.c, nil }

type fixture struct {
	db    *database.DB
	mock  *clock.Mock
	fake  *fakeClient
	mon   *Monitor
	ctx   context.Context
	t     *testing.T
	start time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_760_000_000_000))
	fake := &fakeClient{clock: mock, results: map[string]error{}, delay: map[string]time.Duration{}}

	mon, err := NewMonitor(Options{Store: db, Clients: fakeClients{fake}, Clock: mock})
	require.NoError(t, err)
	t.Cleanup(mon.Stop)

	return &fixture{db: db, mock: mock, fake: fake, mon: mon, ctx: context.Background(), t: t, start: mock.Now()}
}

func (f *fixture) provider(name string, ptype types.ProviderType) *types.Provider {
	p := &types.Provider{Name: name, Type: ptype, URL: "http://" + name, Active: true}
	require.NoError(f.t, f.db.CreateProvider(f.ctx, p))
	return p
}

func (f *fixture) credential(p *types.Provider, user string) *types.Credential {
	c := &types.Credential{ProviderID: p.ID, Username: user, Secret: "pw", MaxConnections: 1, Active: true}
	require.NoError(f.t, f.db.CreateCredential(f.ctx, c))
	return c
}

func TestPlaylistProvidersAreSkipped(t *testing.T) {
	f := newFixture(t)
	p := f.provider("m3u", types.ProviderPlaylist)

	res, err := f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, types.StatusUnknown, res.Status)

	history, err := f.db.RecentHealthChecks(f.ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestXtreamVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]error
		delay   map[string]time.Duration
		status  types.HealthStatus
		outcome types.CheckOutcome
	}{
		{name: "all ok", status: types.StatusHealthy, outcome: types.OutcomeOK},
		{
			name:    "slow",
			delay:   map[string]time.Duration{"b": 4 * time.Second},
			status:  types.StatusDegraded,
			outcome: types.OutcomeSlow,
		},
		{
			name:    "partial",
			results: map[string]error{"a": fmt.Errorf("%w: banned", provider.ErrAuthFailed)},
			status:  types.StatusDegraded,
			outcome: types.OutcomeAuthFailed,
		},
		{
			name: "none",
			results: map[string]error{
				"a": fmt.Errorf("%w: dial", provider.ErrUnreachable),
				"b": fmt.Errorf("%w: dial", provider.ErrUnreachable),
			},
			status:  types.StatusUnhealthy,
			outcome: types.OutcomeUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.results != nil {
				f.fake.results = tt.results
			}
			if tt.delay != nil {
				f.fake.delay = tt.delay
			}
			p := f.provider("xc", types.ProviderXtream)
			f.credential(p, "a")
			f.credential(p, "b")

			res, err := f.mon.CheckHealth(f.ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Len(t, res.Credentials, 2)

			got, err := f.db.GetProvider(f.ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Health)

			history, err := f.db.RecentHealthChecks(f.ctx, p.ID, 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, tt.outcome, history[0].Outcome)
		})
	}
}

func TestAuthFailureMarksCredentialUnhealthy(t *testing.T) {
	f := newFixture(t)
	p := f.provider("xc", types.ProviderXtream)
	bad := f.credential(p, "bad")
	good := f.credential(p, "good")
	f.fake.results["bad"] = provider.ErrAuthFailed

	_, err := f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)

	c, err := f.db.GetCredential(f.ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnhealthy, c.Health)
	assert.False(t, c.Usable())

	c, err = f.db.GetCredential(f.ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, c.Health)

	// a later passing check brings it back
	delete(f.fake.results, "bad")
	_, err = f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)
	c, err = f.db.GetCredential(f.ctx, bad.ID)
	require.NoError(t, err)
	assert.True(t, c.Usable())
}

func TestUnreachableMarksCredentialUnhealthy(t *testing.T) {
	f := newFixture(t)
	p := f.provider("xc", types.ProviderXtream)
	down := f.credential(p, "down")
	odd := f.credential(p, "odd")
	f.fake.results["down"] = fmt.Errorf("%w: connection refused", provider.ErrUnreachable)
	f.fake.results["odd"] = errors.New("unexpected payload")

	res, err := f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)

	checks := map[int64]types.CredentialCheck{}
	for _, cc := range res.Credentials {
		checks[cc.CredentialID] = cc
	}
	assert.Equal(t, types.StatusUnhealthy, checks[down.ID].Status)
	assert.Equal(t, types.OutcomeUnreachable, checks[down.ID].Outcome, "the cause stays distinct from auth failures")
	assert.Equal(t, types.StatusUnknown, checks[odd.ID].Status)
	assert.Equal(t, types.OutcomeError, checks[odd.ID].Outcome)

	c, err := f.db.GetCredential(f.ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnhealthy, c.Health)
	assert.False(t, c.Usable())

	delete(f.fake.results, "down")
	_, err = f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)
	c, err = f.db.GetCredential(f.ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, c.Health)
}

func TestNoActiveCredentialsIsUnhealthy(t *testing.T) {
	f := newFixture(t)
	p := f.provider("xc", types.ProviderXtream)

	res, err := f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnhealthy, res.Status)
	assert.Equal(t, types.OutcomeError, res.Outcome)
}

func TestTunerDeviceCheck(t *testing.T) {
	f := newFixture(t)
	p := f.provider("hdhr", types.ProviderTuner)

	res, err := f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, res.Status)

	f.fake.device = provider.ErrUnreachable
	res, err = f.mon.CheckHealth(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnhealthy, res.Status)
	assert.Equal(t, types.OutcomeUnreachable, res.Outcome)
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	f := newFixture(t)
	p := f.provider("hdhr", types.ProviderTuner)

	var seen []types.HealthStatus
	mon, err := NewMonitor(Options{
		Store:   f.db,
		Clients: fakeClients{f.fake},
		Clock:   f.mock,
		OnChange: func(id int64, from, to types.HealthStatus) {
			assert.Equal(t, p.ID, id)
			seen = append(seen, to)
		},
	})
	require.NoError(t, err)
	t.Cleanup(mon.Stop)

	for _, devErr := range []error{nil, nil, provider.ErrUnreachable} {
		f.fake.device = devErr
		_, err := mon.CheckHealth(f.ctx, p.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []types.HealthStatus{types.StatusHealthy, types.StatusUnhealthy}, seen)
}

func TestUptime(t *testing.T) {
	f := newFixture(t)
	p := f.provider("xc", types.ProviderXtream)

	up, err := f.mon.GetUptime(f.ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, up, "no checks in the window")

	for i := 0; i < 10; i++ {
		status := types.StatusHealthy
		if i >= 8 {
			status = types.StatusUnhealthy
		}
		require.NoError(t, f.db.InsertHealthCheck(f.ctx, &types.HealthCheckRecord{
			ProviderID: p.ID,
			CheckedAt:  f.start.Add(-time.Duration(i+1) * time.Hour),
			Status:     status,
			Outcome:    types.OutcomeOK,
		}))
	}
	// outside the 24h window but inside 7d
	require.NoError(t, f.db.InsertHealthCheck(f.ctx, &types.HealthCheckRecord{
		ProviderID: p.ID,
		CheckedAt:  f.start.Add(-72 * time.Hour),
		Status:     types.StatusUnhealthy,
		Outcome:    types.OutcomeUnreachable,
	}))

	up, err = f.mon.GetUptime(f.ctx, p.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.InDelta(t, 80.0, *up, 0.001)

	rep, err := f.mon.Report(f.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, rep.Uptime7d)
	assert.InDelta(t, 8.0/11.0*100, *rep.Uptime7d, 0.001)
	assert.Len(t, rep.History, 11)
}

func TestCheckAllPrunesOldRecords(t *testing.T) {
	f := newFixture(t)
	p := f.provider("xc", types.ProviderXtream)
	f.credential(p, "a")
	f.provider("m3u", types.ProviderPlaylist)

	require.NoError(t, f.db.InsertHealthCheck(f.ctx, &types.HealthCheckRecord{
		ProviderID: p.ID,
		CheckedAt:  f.start.Add(-9 * 24 * time.Hour),
		Status:     types.StatusHealthy,
		Outcome:    types.OutcomeOK,
	}))

	f.mon.CheckAll(f.ctx)

	history, err := f.db.RecentHealthChecks(f.ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, f.start.UnixMilli(), history[0].CheckedAt.UnixMilli())
	assert.False(t, f.mon.InFlight(p.ID))
}

func TestMonitorLoopStops(t *testing.T) {
	f := newFixture(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f.mon.Start(f.ctx)
	f.mon.Start(f.ctx)
	f.mock.Add(5 * time.Minute)
	f.mon.Stop()
	f.mon.Stop()
}

func TestXtreamOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("password") != "secret" {
			w.Write([]byte(`{"user_info":{"auth":0}}`))
			return
		}
		w.Write([]byte(`{"user_info":{"auth":1,"status":"Active"}}`))
	}))
	defer srv.Close()

	db, err := database.Open(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	p := &types.Provider{Name: "xc", Type: types.ProviderXtream, URL: srv.URL, Active: true}
	require.NoError(t, db.CreateProvider(ctx, p))
	require.NoError(t, db.CreateCredential(ctx, &types.Credential{ProviderID: p.ID, Username: "u1", Secret: "secret", MaxConnections: 2, Active: true}))
	require.NoError(t, db.CreateCredential(ctx, &types.Credential{ProviderID: p.ID, Username: "u2", Secret: "wrong", MaxConnections: 2, Active: true}))

	reg := provider.NewRegistry(client.NewHeaderSettingClient(&config.Config{UserAgent: "test"}), 0)
	mon, err := NewMonitor(Options{Store: db, Clients: reg})
	require.NoError(t, err)
	defer mon.Stop()

	res, err := mon.CheckHealth(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDegraded, res.Status)
	assert.Equal(t, types.OutcomeAuthFailed, res.Outcome)
}
