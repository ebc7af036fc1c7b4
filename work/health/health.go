// Package health checks providers on a schedule, keeps the append-only check log and derives
// provider and credential health from it.
package health

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/logger"
	"kptv-broker/work/metrics"
	"kptv-broker/work/provider"
	"kptv-broker/work/secrets"
	"kptv-broker/work/types"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is the part of the database the monitor reads and writes
type Store interface {
	GetProvider(ctx context.Context, id int64) (*types.Provider, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error)
	ListCredentials(ctx context.Context, providerID int64) ([]*types.Credential, error)
	UpdateProviderHealth(ctx context.Context, id int64, status types.HealthStatus, checkedAt time.Time) error
	UpdateCredentialHealth(ctx context.Context, id int64, status types.HealthStatus, checkedAt time.Time) error
	InsertHealthCheck(ctx context.Context, rec *types.HealthCheckRecord) error
	CountHealthChecks(ctx context.Context, providerID int64, since time.Time) (healthy, total int, err error)
	RecentHealthChecks(ctx context.Context, providerID int64, limit int) ([]types.HealthCheckRecord, error)
	PruneHealthChecks(ctx context.Context, before time.Time) (int64, error)
}

// Clients hands out the upstream client for a provider
type Clients interface {
	For(p *types.Provider) (provider.Client, error)
}

// Options configures a Monitor
type Options struct {
	Store           Store
	Clients         Clients
	Secrets         secrets.Decrypter // defaults to Plaintext
	Pool            *ants.Pool        // shared worker pool; a private one is created when nil
	Clock           clock.Clock
	Interval        time.Duration
	Timeout         time.Duration
	DegradedLatency time.Duration
	Retention       time.Duration
	HistorySize     int

	// OnChange is called after a check moved a provider to a different status
	OnChange func(providerID int64, from, to types.HealthStatus)
}

// Monitor runs provider health checks
type Monitor struct {
	store   Store
	clients Clients
	secrets secrets.Decrypter
	clock   clock.Clock

	pool    *ants.Pool
	ownPool bool

	interval        time.Duration
	timeout         time.Duration
	degradedLatency time.Duration
	retention       time.Duration
	historySize     int
	onChange        func(providerID int64, from, to types.HealthStatus)

	// providers with a check currently running
	inflight *xsync.MapOf[int64, struct{}]

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor; Start launches the periodic checks
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Store == nil || opts.Clients == nil {
		return nil, errors.New("health: store and clients are required")
	}
	m := &Monitor{
		store:           opts.Store,
		clients:         opts.Clients,
		secrets:         opts.Secrets,
		clock:           opts.Clock,
		pool:            opts.Pool,
		interval:        opts.Interval,
		timeout:         opts.Timeout,
		degradedLatency: opts.DegradedLatency,
		retention:       opts.Retention,
		historySize:     opts.HistorySize,
		onChange:        opts.OnChange,
		inflight:        xsync.NewMapOf[int64, struct{}](),
	}
	if m.secrets == nil {
		m.secrets = secrets.Plaintext{}
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Minute
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	if m.degradedLatency <= 0 {
		m.degradedLatency = 3 * time.Second
	}
	if m.retention <= 0 {
		m.retention = 8 * 24 * time.Hour
	}
	if m.historySize <= 0 {
		m.historySize = 50
	}
	if m.pool == nil {
		pool, err := ants.NewPool(4)
		if err != nil {
			return nil, fmt.Errorf("health: failed to create worker pool: %w", err)
		}
		m.pool, m.ownPool = pool, true
	}
	return m, nil
}

// CheckHealth checks one provider now, records the result and returns it. Upstream failures
// are part of the result; the error return is reserved for storage problems and unknown ids.
func (m *Monitor) CheckHealth(ctx context.Context, providerID int64) (types.HealthResult, error) {
	p, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return types.HealthResult{}, fmt.Errorf("failed to load provider %d: %w", providerID, err)
	}
	return m.check(ctx, p)
}

func (m *Monitor) check(ctx context.Context, p *types.Provider) (types.HealthResult, error) {
	m.inflight.Store(p.ID, struct{}{})
	defer m.inflight.Delete(p.ID)

	now := m.clock.Now()
	if p.Type == types.ProviderPlaylist {
		logger.Debug("{health/health - check} provider %s is a playlist, not checked", p.Name)
		return types.HealthResult{ProviderID: p.ID, Status: types.StatusUnknown, Skipped: true, CheckedAt: now}, nil
	}

	cl, err := m.clients.For(p)
	if err != nil {
		return types.HealthResult{}, fmt.Errorf("no client for provider %d: %w", p.ID, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var res types.HealthResult
	var msg string
	switch p.Type {
	case types.ProviderXtream:
		res, msg, err = m.checkXtream(checkCtx, ctx, p, cl, now)
		if err != nil {
			return types.HealthResult{}, err
		}
	default:
		res, msg = m.checkDevice(checkCtx, p, cl, now)
	}

	rec := &types.HealthCheckRecord{
		ProviderID: p.ID,
		CheckedAt:  now,
		Status:     res.Status,
		Outcome:    res.Outcome,
		Latency:    res.Latency,
		Message:    msg,
	}
	if err := m.store.InsertHealthCheck(ctx, rec); err != nil {
		return res, fmt.Errorf("failed to record health check: %w", err)
	}
	if err := m.store.UpdateProviderHealth(ctx, p.ID, res.Status, now); err != nil {
		return res, fmt.Errorf("failed to update provider health: %w", err)
	}

	metrics.HealthChecks.WithLabelValues(p.Name, string(res.Outcome)).Inc()
	for _, s := range []types.HealthStatus{types.StatusHealthy, types.StatusDegraded, types.StatusUnhealthy, types.StatusUnknown} {
		v := 0.0
		if s == res.Status {
			v = 1
		}
		metrics.ProviderHealth.WithLabelValues(p.Name, string(s)).Set(v)
	}

	if res.Status != p.Health {
		logger.Info("{health/health - check} provider %s: %s -> %s (%s)", p.Name, p.Health, res.Status, res.Outcome)
		if m.onChange != nil {
			m.onChange(p.ID, p.Health, res.Status)
		}
	}
	return res, nil
}

// checkXtream authenticates every active credential. checkCtx bounds the upstream calls,
// ctx the storage writes.
func (m *Monitor) checkXtream(checkCtx, ctx context.Context, p *types.Provider, cl provider.Client, now time.Time) (types.HealthResult, string, error) {
	creds, err := m.store.ListCredentials(ctx, p.ID)
	if err != nil {
		return types.HealthResult{}, "", fmt.Errorf("failed to list credentials: %w", err)
	}

	res := types.HealthResult{ProviderID: p.ID, CheckedAt: now}
	passed, checked := 0, 0
	var firstFailure types.CheckOutcome
	var msg string

	for _, c := range creds {
		if !c.Active {
			continue
		}
		checked++

		cc := types.CredentialCheck{CredentialID: c.ID}
		password, err := m.secrets.Decrypt(c.Secret)
		if err == nil {
			start := m.clock.Now()
			err = cl.Authenticate(checkCtx, provider.Login{Username: c.Username, Password: password})
			cc.Latency = m.clock.Since(start)
		}
		cc.Outcome = m.classify(err, cc.Latency)
		cc.Status = credentialStatus(cc.Outcome)
		if err != nil {
			cc.Error = err.Error()
		}

		if cc.Latency > res.Latency {
			res.Latency = cc.Latency
		}
		if cc.Outcome == types.OutcomeOK || cc.Outcome == types.OutcomeSlow {
			passed++
		} else if firstFailure == "" {
			firstFailure = cc.Outcome
			msg = fmt.Sprintf("credential %d: %s", c.ID, cc.Error)
		}

		if err := m.store.UpdateCredentialHealth(ctx, c.ID, cc.Status, now); err != nil {
			return types.HealthResult{}, "", fmt.Errorf("failed to update credential %d: %w", c.ID, err)
		}
		res.Credentials = append(res.Credentials, cc)
	}

	switch {
	case checked == 0:
		res.Status, res.Outcome = types.StatusUnhealthy, types.OutcomeError
		msg = "no active credentials"
	case passed == checked && res.Latency > m.degradedLatency:
		res.Status, res.Outcome = types.StatusDegraded, types.OutcomeSlow
	case passed == checked:
		res.Status, res.Outcome = types.StatusHealthy, types.OutcomeOK
	case passed > 0:
		res.Status, res.Outcome = types.StatusDegraded, firstFailure
	default:
		res.Status, res.Outcome = types.StatusUnhealthy, firstFailure
	}
	return res, msg, nil
}

// checkDevice checks providers without per-credential logins (tuners)
func (m *Monitor) checkDevice(ctx context.Context, p *types.Provider, cl provider.Client, now time.Time) (types.HealthResult, string) {
	start := m.clock.Now()
	err := cl.CheckHealth(ctx, provider.Login{})
	latency := m.clock.Since(start)

	res := types.HealthResult{ProviderID: p.ID, CheckedAt: now, Latency: latency}
	res.Outcome = m.classify(err, latency)
	switch res.Outcome {
	case types.OutcomeOK:
		res.Status = types.StatusHealthy
	case types.OutcomeSlow:
		res.Status = types.StatusDegraded
	default:
		res.Status = types.StatusUnhealthy
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return res, msg
}

func (m *Monitor) classify(err error, latency time.Duration) types.CheckOutcome {
	switch {
	case err == nil && latency > m.degradedLatency:
		return types.OutcomeSlow
	case err == nil:
		return types.OutcomeOK
	case errors.Is(err, provider.ErrAuthFailed):
		return types.OutcomeAuthFailed
	case errors.Is(err, provider.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return types.OutcomeUnreachable
	default:
		return types.OutcomeError
	}
}

// credentialStatus marks a credential unhealthy when it was rejected or could not be checked
// at all. The check outcome stays on the record, so the two causes remain distinguishable.
func credentialStatus(o types.CheckOutcome) types.HealthStatus {
	switch o {
	case types.OutcomeOK:
		return types.StatusHealthy
	case types.OutcomeSlow:
		return types.StatusDegraded
	case types.OutcomeAuthFailed, types.OutcomeUnreachable:
		return types.StatusUnhealthy
	default:
		return types.StatusUnknown
	}
}

// GetUptime returns the share of healthy checks within the last windowDays days, as a
// percentage, or nil when the window holds no checks
func (m *Monitor) GetUptime(ctx context.Context, providerID int64, windowDays int) (*float64, error) {
	since := m.clock.Now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	healthy, total, err := m.store.CountHealthChecks(ctx, providerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count health checks: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	pct := float64(healthy) / float64(total) * 100
	return &pct, nil
}

// Report assembles the current status, 24h and 7d uptime and recent history of a provider
func (m *Monitor) Report(ctx context.Context, providerID int64) (*types.ProviderHealthReport, error) {
	p, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %d: %w", providerID, err)
	}

	rep := &types.ProviderHealthReport{
		ProviderID:      p.ID,
		Status:          p.Health,
		LastHealthCheck: p.LastHealthCheck,
	}
	if rep.Uptime24h, err = m.GetUptime(ctx, p.ID, 1); err != nil {
		return nil, err
	}
	if rep.Uptime7d, err = m.GetUptime(ctx, p.ID, 7); err != nil {
		return nil, err
	}
	if rep.History, err = m.store.RecentHealthChecks(ctx, p.ID, m.historySize); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return rep, nil
}

// CheckAll checks every active provider on the worker pool, skipping providers that already
// have a check running, then prunes records past the retention window
func (m *Monitor) CheckAll(ctx context.Context) {
	providers, err := m.store.ListProviders(ctx, true)
	if err != nil {
		logger.Error("{health/health - CheckAll} failed to list providers: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, p := range providers {
		if _, busy := m.inflight.Load(p.ID); busy {
			logger.Debug("{health/health - CheckAll} provider %s already being checked", p.Name)
			continue
		}

		p := p
		task := func() {
			defer wg.Done()
			if _, err := m.check(ctx, p); err != nil {
				logger.Error("{health/health - CheckAll} provider %s: %v", p.Name, err)
			}
		}
		wg.Add(1)
		if err := m.pool.Submit(task); err != nil {
			logger.Warn("{health/health - CheckAll} worker pool rejected task (%v), running inline", err)
			task()
		}
	}
	wg.Wait()

	cutoff := m.clock.Now().Add(-m.retention)
	if n, err := m.store.PruneHealthChecks(ctx, cutoff); err != nil {
		logger.Error("{health/health - CheckAll} failed to prune health checks: %v", err)
	} else if n > 0 {
		logger.Debug("{health/health - CheckAll} pruned %d health checks older than %s", n, cutoff.Format(time.RFC3339))
	}
}

// Start runs CheckAll immediately and then on every interval. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx, m.stop)
	logger.Info("{health/health - Start} health checks every %s", m.interval)
}

// Stop ends the loop, waits for a running round to finish and releases a private pool
func (m *Monitor) Stop() {
	if m.running.CompareAndSwap(true, false) {
		close(m.stop)
		m.wg.Wait()
	}
	if m.ownPool {
		m.pool.Release()
	}
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// InFlight reports whether a check for the provider is currently running
func (m *Monitor) InFlight(providerID int64) bool {
	_, ok := m.inflight.Load(providerID)
	return ok
}
