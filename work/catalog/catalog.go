// Package catalog imports provider channel lists into the channel store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/filter"
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
)

// ErrNoLogin is returned when an api-driven provider has no active credential to list with
var ErrNoLogin = errors.New("catalog: provider has no active credential")

// Store is the part of the database the syncer uses
type Store interface {
	GetProvider(ctx context.Context, id int64) (*types.Provider, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error)
	ListCredentials(ctx context.Context, providerID int64) ([]*types.Credential, error)
	UpsertChannel(ctx context.Context, ch *types.Channel) error
	TouchProviderSync(ctx context.Context, id int64, at time.Time) error
}

// Clients hands out the upstream client for a provider
type Clients interface {
	For(p *types.Provider) (provider.Client, error)
}

// Invalidator drops cached viewer channel lists
type Invalidator interface {
	InvalidateAll()
}

// Options configures a Syncer
type Options struct {
	Store    Store
	Clients  Clients
	Secrets  secrets.Decrypter
	Pool     *ants.Pool
	Clock    clock.Clock
	Lists    Invalidator
	Timeout  time.Duration
	Interval time.Duration
}

// Result summarizes one provider sync
type Result struct {
	ProviderID int64 `json:"providerId"`
	Listed     int   `json:"listed"`
	Saved      int   `json:"saved"`
}

// Syncer keeps the channel table in step with the providers
type Syncer struct {
	store   Store
	clients Clients
	secrets secrets.Decrypter
	clock   clock.Clock
	lists   Invalidator
	filters *filter.FilterManager

	pool    *ants.Pool
	ownPool bool

	timeout  time.Duration
	interval time.Duration

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSyncer creates a syncer; Start launches the periodic refresh
func NewSyncer(opts Options) (*Syncer, error) {
	if opts.Store == nil || opts.Clients == nil {
		return nil, errors.New("catalog: store and clients are required")
	}
	s := &Syncer{
		store:    opts.Store,
		clients:  opts.Clients,
		secrets:  opts.Secrets,
		clock:    opts.Clock,
		lists:    opts.Lists,
		pool:     opts.Pool,
		timeout:  opts.Timeout,
		interval: opts.Interval,
		filters:  filter.NewFilterManager(),
	}
	if s.secrets == nil {
		s.secrets = secrets.Plaintext{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}
	if s.interval <= 0 {
		s.interval = 12 * time.Hour
	}
	if s.pool == nil {
		pool, err := ants.NewPool(2)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to create worker pool: %w", err)
		}
		s.pool, s.ownPool = pool, true
	}
	return s, nil
}

// SyncProvider lists a provider's channels, applies its filters and saves the survivors
func (s *Syncer) SyncProvider(ctx context.Context, providerID int64) (*Result, error) {
	p, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %d: %w", providerID, err)
	}
	res, err := s.sync(ctx, p)
	if err != nil {
		return nil, err
	}
	if s.lists != nil {
		s.lists.InvalidateAll()
	}
	return res, nil
}

func (s *Syncer) sync(ctx context.Context, p *types.Provider) (*Result, error) {
	cl, err := s.clients.For(p)
	if err != nil {
		return nil, fmt.Errorf("no client for provider %d: %w", p.ID, err)
	}
	login, err := s.login(ctx, p)
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	infos, err := cl.ListChannels(listCtx, login)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels of %s: %w", p.Name, err)
	}

	kept := filter.FilterChannels(infos, p, s.filters)
	res := &Result{ProviderID: p.ID, Listed: len(infos)}
	for _, info := range kept {
		quality := info.Quality
		if quality == "" {
			quality = provider.DetectQuality(info.Name)
		}
		ch := &types.Channel{
			ProviderID: p.ID,
			StreamID:   info.StreamID,
			Name:       info.Name,
			Group:      info.Group,
			Logo:       info.Logo,
			Quality:    quality,
			StreamURL:  info.URL,
			Enabled:    true,
		}
		if err := s.store.UpsertChannel(ctx, ch); err != nil {
			return res, fmt.Errorf("failed to save channel %s of %s: %w", info.StreamID, p.Name, err)
		}
		res.Saved++
	}

	if err := s.store.TouchProviderSync(ctx, p.ID, s.clock.Now()); err != nil {
		return res, fmt.Errorf("failed to record sync of %s: %w", p.Name, err)
	}
	metrics.CatalogChannels.WithLabelValues(p.Name).Set(float64(res.Saved))
	logger.Info("{catalog/catalog - sync} provider %s: %d listed, %d saved", p.Name, res.Listed, res.Saved)
	return res, nil
}

// login picks the first active credential of an api-driven provider; other types list without one
func (s *Syncer) login(ctx context.Context, p *types.Provider) (provider.Login, error) {
	if p.Type != types.ProviderXtream {
		return provider.Login{}, nil
	}
	creds, err := s.store.ListCredentials(ctx, p.ID)
	if err != nil {
		return provider.Login{}, fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, c := range creds {
		if !c.Active || c.Health == types.StatusUnhealthy {
			continue
		}
		password, err := s.secrets.Decrypt(c.Secret)
		if err != nil {
			logger.Warn("{catalog/catalog - login} credential %d of %s: %v", c.ID, p.Name, err)
			continue
		}
		return provider.Login{Username: c.Username, Password: password}, nil
	}
	return provider.Login{}, fmt.Errorf("%s: %w", p.Name, ErrNoLogin)
}

// SyncAll syncs every active provider on the worker pool. Failures are logged per provider.
func (s *Syncer) SyncAll(ctx context.Context) []*Result {
	providers, err := s.store.ListProviders(ctx, true)
	if err != nil {
		logger.Error("{catalog/catalog - SyncAll} failed to list providers: %v", err)
		return nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*Result
	)
	for _, p := range providers {
		p := p
		task := func() {
			defer wg.Done()
			res, err := s.sync(ctx, p)
			if err != nil {
				logger.Error("{catalog/catalog - SyncAll} provider %s: %v", p.Name, err)
				return
			}
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
		}
		wg.Add(1)
		if err := s.pool.Submit(task); err != nil {
			logger.Warn("{catalog/catalog - SyncAll} worker pool rejected task (%v), running inline", err)
			task()
		}
	}
	wg.Wait()

	if s.lists != nil {
		s.lists.InvalidateAll()
	}
	return out
}

// Start syncs immediately and then on every interval. Calling Start twice is a no-op.
func (s *Syncer) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx, s.stop)
	logger.Info("{catalog/catalog - Start} catalog refresh every %s", s.interval)
}

// Stop ends the refresh loop and releases a private pool
func (s *Syncer) Stop() {
	if s.running.CompareAndSwap(true, false) {
		close(s.stop)
		s.wg.Wait()
	}
	if s.ownPool {
		s.pool.Release()
	}
}

func (s *Syncer) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}
