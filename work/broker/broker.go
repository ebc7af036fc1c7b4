// Package broker is the stream session broker: one explicitly constructed service that owns
// the capacity tracker, failover engine, health monitor, tuner scheduler and catalog syncer
// and answers every viewer and operator request through them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/capacity"
	"kptv-broker/work/catalog"
	"kptv-broker/work/client"
	"kptv-broker/work/config"
	"kptv-broker/work/database"
	"kptv-broker/work/failover"
	"kptv-broker/work/health"
	"kptv-broker/work/logger"
	"kptv-broker/work/metrics"
	"kptv-broker/work/provider"
	"kptv-broker/work/secrets"
	"kptv-broker/work/tuner"
	"kptv-broker/work/types"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrChannelNotFound is returned for requests naming a channel that does not exist
	ErrChannelNotFound = failover.ErrChannelNotFound
	// ErrProviderUnavailable means the channel's provider is inactive or unhealthy
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Entitlements supplies the credentials a viewer may use, in the viewer's priority order
type Entitlements interface {
	ViewerCredentials(ctx context.Context, viewerID int64) ([]*types.Credential, error)
}

// Clients hands out the upstream client for a provider
type Clients interface {
	For(p *types.Provider) (provider.Client, error)
}

// Options overrides the collaborators New would otherwise build from the configuration
type Options struct {
	Clients      Clients
	Secrets      secrets.Decrypter
	Ledger       capacity.Ledger
	Entitlements Entitlements
	Pipeline     tuner.Pipeline
	Clock        clock.Clock
	Pool         *ants.Pool
}

// Allocation is the answer to a stream request. Credential-backed and tuner-backed sessions
// share the token namespace; a tuner request that had to wait carries a queue ticket instead.
type Allocation struct {
	Token         string `json:"sessionToken,omitempty"`
	StreamAddress string `json:"streamAddress,omitempty"`
	ChannelID     int64  `json:"channelId"`
	ProviderID    int64  `json:"providerId"`
	FailedOver    bool   `json:"failedOver,omitempty"`
	Tuner         bool   `json:"tuner,omitempty"`
	Queued        bool   `json:"queued,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	Position      int    `json:"position,omitempty"`
}

// Broker is created once at start-up and handed to the HTTP layer by reference
type Broker struct {
	cfg          *config.Config
	db           *database.DB
	clock        clock.Clock
	secrets      secrets.Decrypter
	clients      Clients
	entitlements Entitlements

	pool    *ants.Pool
	ownPool bool
	redis   *capacity.RedisLedger

	tracker  *capacity.Tracker
	lists    *capacity.ListCache
	failover *failover.Engine
	health   *health.Monitor
	tuners   *tuner.Scheduler
	catalog  *catalog.Syncer
}

// New wires every component from cfg. A configured redis URL moves the capacity ledger to Redis.
func New(ctx context.Context, cfg *config.Config, db *database.DB, opts Options) (*Broker, error) {
	b := &Broker{
		cfg:          cfg,
		db:           db,
		clock:        opts.Clock,
		secrets:      opts.Secrets,
		clients:      opts.Clients,
		entitlements: opts.Entitlements,
		pool:         opts.Pool,
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.secrets == nil {
		dec, err := secrets.New(cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		b.secrets = dec
	}
	if b.clients == nil {
		b.clients = provider.NewRegistry(client.NewHeaderSettingClient(cfg), cfg.Catalog.RateLimit)
	}
	if b.entitlements == nil {
		b.entitlements = db
	}
	if b.pool == nil {
		pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
		b.pool, b.ownPool = pool, true
	}

	ledger := opts.Ledger
	if ledger == nil && cfg.RedisURL != "" {
		rl, err := capacity.NewRedisLedgerFromURL(ctx, cfg.RedisURL, b.clock.Now)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis, ledger = rl, rl
		logger.Info("{broker/broker - New} capacity ledger shared through redis")
	}

	b.tracker = capacity.NewTracker(capacity.Options{
		Ledger:        ledger,
		Store:         db,
		Clock:         b.clock,
		Timeout:       cfg.Sessions.Timeout,
		SweepInterval: cfg.Sessions.SweepInterval,
	})

	lists, err := capacity.NewListCache(cfg.Sessions.ListCacheTTL, cfg.Sessions.ListCacheSize, b.loadChannelList)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.lists = lists

	b.failover = failover.NewEngine(db, cfg.PriorityPrefix)

	b.health, err = health.NewMonitor(health.Options{
		Store:           db,
		Clients:         b.clients,
		Secrets:         b.secrets,
		Pool:            b.pool,
		Clock:           b.clock,
		Interval:        cfg.Health.Interval,
		Timeout:         cfg.Health.Timeout,
		DegradedLatency: cfg.Health.DegradedLatency,
		Retention:       cfg.Health.Retention,
		HistorySize:     cfg.Health.HistorySize,
		OnChange: func(int64, types.HealthStatus, types.HealthStatus) {
			// cached backup lists carry provider health
			b.failover.InvalidateAll()
		},
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	pipeline := opts.Pipeline
	if pipeline == nil && cfg.Tuner.FFmpegMode {
		ff := tuner.NewFFmpegPipeline(cfg.Tuner.HLSDir, cfg.BaseURL+"/hls", cfg.Tuner.FFmpegPreInput, cfg.Tuner.FFmpegPreOutput)
		// a repackager that dies counts against its tuner
		ff.OnExit = func(tunerID string, err error) {
			b.tuners.ReportFailure(context.WithoutCancel(ctx), tunerID, err)
		}
		pipeline = ff
	}
	b.tuners = tuner.NewScheduler(tuner.Options{
		Pipeline:        pipeline,
		Clock:           b.clock,
		MaxFailures:     cfg.Tuner.MaxFailures,
		FailureCooldown: cfg.Tuner.FailureCooldown,
		QueueTimeout:    cfg.Tuner.QueueTimeout,
		SessionTimeout:  cfg.Tuner.SessionTimeout,
		SweepInterval:   cfg.Tuner.SweepInterval,
		DefaultCount:    cfg.Tuner.DefaultCount,
	})

	b.catalog, err = catalog.NewSyncer(catalog.Options{
		Store:    db,
		Clients:  b.clients,
		Secrets:  b.secrets,
		Pool:     b.pool,
		Clock:    b.clock,
		Lists:    b.lists,
		Timeout:  cfg.Catalog.Timeout,
		Interval: cfg.Catalog.RefreshInterval,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Start registers tuner hardware and launches every background loop
func (b *Broker) Start(ctx context.Context) error {
	if err := b.RegisterTuners(ctx); err != nil {
		return err
	}
	b.tracker.Start(ctx)
	b.tuners.Start(ctx)
	b.health.Start(ctx)
	b.catalog.Start(ctx)
	return nil
}

// Stop ends the background loops
func (b *Broker) Stop() {
	b.catalog.Stop()
	b.health.Stop()
	b.tuners.Stop()
	b.tracker.Stop()
}

// Close stops everything and releases the pool and the redis connection
func (b *Broker) Close() error {
	if b.catalog != nil {
		b.Stop()
	}
	if b.ownPool && b.pool != nil {
		b.pool.Release()
	}
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}

// RegisterTuners adds the tuners of every active tuner provider to the scheduler
func (b *Broker) RegisterTuners(ctx context.Context) error {
	providers, err := b.db.ListProviders(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	for _, p := range providers {
		if p.Type != types.ProviderTuner {
			continue
		}
		var d tuner.Discoverer
		if cl, err := b.clients.For(p); err == nil {
			d, _ = cl.(tuner.Discoverer)
		}
		b.tuners.RegisterProvider(ctx, p, d)
	}
	return nil
}

func (b *Broker) channel(ctx context.Context, id int64) (*types.Channel, error) {
	ch, err := b.db.GetChannel(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	return ch, err
}

// RequestStreamSession allocates a stream for viewerID on channelID. A test override on the
// channel's stream id wins over everything else. Otherwise the primary is tried first and,
// when it has no capacity or its provider is down, the mapped backups in priority order.
func (b *Broker) RequestStreamSession(ctx context.Context, viewerID, channelID int64) (*Allocation, error) {
	primary, err := b.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	creds, err := b.entitlements.ViewerCredentials(ctx, viewerID)
	if err != nil {
		metrics.Allocations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to resolve entitlements: %w", err)
	}

	if backupID, ok := b.failover.TestOverride(primary.StreamID); ok {
		backup, err := b.channel(ctx, backupID)
		if err != nil {
			return nil, err
		}
		logger.Warn("{broker/broker - RequestStreamSession} test override sends stream %s to channel %d", primary.StreamID, backup.ID)
		alloc, err := b.allocate(ctx, viewerID, backup, creds, false)
		if err != nil {
			metrics.Allocations.WithLabelValues("exhausted").Inc()
			return nil, err
		}
		alloc.FailedOver = true
		metrics.Allocations.WithLabelValues("failover").Inc()
		return alloc, nil
	}

	alloc, err := b.allocate(ctx, viewerID, primary, creds, true)
	if err == nil {
		metrics.Allocations.WithLabelValues("allocated").Inc()
		return alloc, nil
	}
	if !unavailable(err) {
		metrics.Allocations.WithLabelValues("error").Inc()
		return nil, err
	}
	primaryErr := err

	backups, err := b.failover.GetBackupChannels(ctx, primary.ID)
	if err != nil {
		logger.Error("{broker/broker - RequestStreamSession} %v", err)
		backups = nil
	}
	for _, bk := range backups {
		if bk.ProviderHealth == types.StatusUnhealthy {
			continue
		}
		ch := bk.Channel
		alloc, err := b.allocate(ctx, viewerID, &ch, creds, true)
		if err != nil {
			logger.Debug("{broker/broker - RequestStreamSession} backup channel %d: %v", ch.ID, err)
			continue
		}
		alloc.FailedOver = true
		metrics.Allocations.WithLabelValues("failover").Inc()
		metrics.Failovers.WithLabelValues(strconv.FormatInt(ch.ProviderID, 10)).Inc()
		logger.Info("{broker/broker - RequestStreamSession} viewer %d failed over from channel %d to %d", viewerID, primary.ID, ch.ID)
		return alloc, nil
	}

	metrics.Allocations.WithLabelValues("exhausted").Inc()
	if errors.Is(primaryErr, capacity.ErrCapacityExhausted) || errors.Is(primaryErr, tuner.ErrTunerAllFailed) {
		return nil, primaryErr
	}
	return nil, fmt.Errorf("%w: %w", capacity.ErrCapacityExhausted, primaryErr)
}

func unavailable(err error) bool {
	return errors.Is(err, capacity.ErrCapacityExhausted) ||
		errors.Is(err, tuner.ErrTunerAllFailed) ||
		errors.Is(err, ErrProviderUnavailable)
}

// allocate serves one channel: tuner channels through the scheduler, everything else through
// the capacity tracker with the viewer's credentials
func (b *Broker) allocate(ctx context.Context, viewerID int64, ch *types.Channel, creds []*types.Credential, checkHealth bool) (*Allocation, error) {
	p, err := b.db.GetProvider(ctx, ch.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %d: %w", ch.ProviderID, err)
	}
	if !p.Active || (checkHealth && p.Health == types.StatusUnhealthy) {
		return nil, fmt.Errorf("%w: %s is %s", ErrProviderUnavailable, p.Name, p.Health)
	}

	alloc := &Allocation{ChannelID: ch.ID, ProviderID: p.ID}
	if p.Type == types.ProviderTuner {
		res, err := b.tuners.RequestStream(ctx, p.ID, viewerID, ch.StreamID, tuner.PriorityLive)
		if err != nil {
			return nil, err
		}
		alloc.Tuner = true
		if res.Queued {
			alloc.Queued, alloc.RequestID, alloc.Position = true, res.RequestID, res.Position
			return alloc, nil
		}
		alloc.Token, alloc.StreamAddress = res.Session.ID, res.Session.StreamAddress
		return alloc, nil
	}

	cl, err := b.clients.For(p)
	if err != nil {
		return nil, fmt.Errorf("no client for provider %d: %w", p.ID, err)
	}
	resolve := func(ctx context.Context, cred *types.Credential) (string, error) {
		password, err := b.secrets.Decrypt(cred.Secret)
		if err != nil {
			return "", err
		}
		return cl.GetStreamAddress(ctx, provider.Login{Username: cred.Username, Password: password}, ch)
	}

	sess, err := b.tracker.RequestSession(ctx, viewerID, ch, creds, resolve)
	if err != nil {
		return nil, err
	}
	alloc.Token, alloc.StreamAddress = sess.Token, sess.StreamAddress
	return alloc, nil
}

// Heartbeat keeps a session alive. False means the session is gone and the player must
// request a new one.
func (b *Broker) Heartbeat(ctx context.Context, token string) bool {
	if b.tracker.Heartbeat(ctx, token) {
		return true
	}
	return b.tuners.Heartbeat(ctx, token)
}

// ReleaseSession ends a session of either kind; unknown tokens are a no-op
func (b *Broker) ReleaseSession(ctx context.Context, token string) error {
	if _, ok := b.tracker.Get(token); ok {
		return b.tracker.Release(ctx, token)
	}
	b.tuners.Release(ctx, token)
	return nil
}

// Sessions lists the live credential-backed sessions
func (b *Broker) Sessions() []*types.StreamSession {
	return b.tracker.Sessions()
}

// GetBackupChannels lists the usable backups of a channel
func (b *Broker) GetBackupChannels(ctx context.Context, channelID int64) ([]types.Backup, error) {
	if _, err := b.channel(ctx, channelID); err != nil {
		return nil, err
	}
	return b.failover.GetBackupChannels(ctx, channelID)
}

// Failover exposes the engine for mapping maintenance and test overrides
func (b *Broker) Failover() *failover.Engine {
	return b.failover
}

// SetTestOverride forces streamID onto an existing backup channel
func (b *Broker) SetTestOverride(ctx context.Context, streamID string, backupChannelID int64) error {
	if _, err := b.channel(ctx, backupChannelID); err != nil {
		return err
	}
	b.failover.SetTestOverride(streamID, backupChannelID)
	return nil
}

// SuggestMappings ranks backup candidates for a channel
func (b *Broker) SuggestMappings(ctx context.Context, channelID, targetProviderID int64, limit, minConfidence int) ([]failover.Suggestion, error) {
	return b.failover.SuggestMappings(ctx, channelID, targetProviderID, limit, minConfidence)
}

// AutoMapProvider maps every channel of source to its best match on target
func (b *Broker) AutoMapProvider(ctx context.Context, sourceProviderID, targetProviderID int64) (*failover.AutoMapResult, error) {
	return b.failover.AutoMapProvider(ctx, sourceProviderID, targetProviderID)
}

// GetProviderHealth returns status, uptime and recent history of a provider
func (b *Broker) GetProviderHealth(ctx context.Context, providerID int64) (*types.ProviderHealthReport, error) {
	return b.health.Report(ctx, providerID)
}

// CheckProviderHealth checks a provider now
func (b *Broker) CheckProviderHealth(ctx context.Context, providerID int64) (types.HealthResult, error) {
	return b.health.CheckHealth(ctx, providerID)
}

// SyncProvider re-imports a provider's channel list now
func (b *Broker) SyncProvider(ctx context.Context, providerID int64) (*catalog.Result, error) {
	return b.catalog.SyncProvider(ctx, providerID)
}

// RequestTunerStream asks the scheduler for one of a tuner provider's tuners on a channel number
func (b *Broker) RequestTunerStream(ctx context.Context, providerID, viewerID int64, channel string, priority int) (*tuner.Result, error) {
	p, err := b.db.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %d: %w", providerID, err)
	}
	if !p.Active || p.Type != types.ProviderTuner {
		return nil, fmt.Errorf("%w: %s has no usable tuners", ErrProviderUnavailable, p.Name)
	}
	return b.tuners.RequestStream(ctx, p.ID, viewerID, channel, priority)
}

// PollTunerRequest reports on a queued tuner request
func (b *Broker) PollTunerRequest(requestID string) (*tuner.Result, error) {
	return b.tuners.Poll(requestID)
}

// WaitTunerRequest blocks until a queued tuner request is served or fails, or until wait
// passes. A request still queued at that point is reported like PollTunerRequest does.
func (b *Broker) WaitTunerRequest(ctx context.Context, requestID string, wait time.Duration) (*tuner.Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	sess, err := b.tuners.Wait(waitCtx, requestID)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return b.tuners.Poll(requestID)
	}
	if err != nil {
		return nil, err
	}
	return &tuner.Result{Session: sess}, nil
}

// ReportTunerFailure charges a playback failure to the tuner behind a tuner session
func (b *Broker) ReportTunerFailure(ctx context.Context, sessionID string, cause error) error {
	return b.tuners.ReportSessionFailure(ctx, sessionID, cause)
}

// CancelTunerRequest withdraws a queued tuner request
func (b *Broker) CancelTunerRequest(ctx context.Context, requestID string) bool {
	return b.tuners.CancelQueued(ctx, requestID)
}

// TunerHeartbeat keeps a tuner session alive
func (b *Broker) TunerHeartbeat(ctx context.Context, sessionID string) bool {
	return b.tuners.Heartbeat(ctx, sessionID)
}

// ReleaseTunerSession ends a tuner session
func (b *Broker) ReleaseTunerSession(ctx context.Context, sessionID string) {
	b.tuners.Release(ctx, sessionID)
}

// Tuners lists every registered tuner
func (b *Broker) Tuners() []tuner.Tuner {
	return b.tuners.Tuners()
}

// ChannelList returns the viewer's merged channel list from the short-lived cache
func (b *Broker) ChannelList(ctx context.Context, viewerID int64) ([]types.Channel, error) {
	return b.lists.Get(ctx, viewerID)
}

// SetViewerCredentials replaces a viewer's entitlements and drops their cached list
func (b *Broker) SetViewerCredentials(ctx context.Context, viewerID int64, credentialIDs []int64) error {
	if err := b.db.SetViewerCredentials(ctx, viewerID, credentialIDs); err != nil {
		return err
	}
	b.lists.Invalidate(viewerID)
	return nil
}

// loadChannelList merges the enabled channels of every active provider the viewer holds a
// credential for, in the viewer's credential order
func (b *Broker) loadChannelList(ctx context.Context, viewerID int64) ([]types.Channel, error) {
	creds, err := b.entitlements.ViewerCredentials(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entitlements: %w", err)
	}

	var providerIDs []int64
	seen := make(map[int64]bool)
	for _, c := range creds {
		if !c.Active || seen[c.ProviderID] {
			continue
		}
		seen[c.ProviderID] = true
		providerIDs = append(providerIDs, c.ProviderID)
	}

	parts := make([][]*types.Channel, len(providerIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range providerIDs {
		i, id := i, id
		g.Go(func() error {
			p, err := b.db.GetProvider(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to load provider %d: %w", id, err)
			}
			if !p.Active {
				return nil
			}
			chans, err := b.db.ListEnabledChannels(gctx, id)
			if err != nil {
				return err
			}
			parts[i] = chans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.Channel, 0)
	for _, part := range parts {
		for _, ch := range part {
			out = append(out, *ch)
		}
	}
	logger.Debug("{broker/broker - loadChannelList} viewer %d: %d channels from %d providers", viewerID, len(out), len(providerIDs))
	return out, nil
}

// Stats is the operational snapshot served by the admin status endpoint
type Stats struct {
	Tables         map[string]int64 `json:"tables"`
	Sessions       int              `json:"sessions"`
	Tuners         int              `json:"tuners"`
	TunersBusy     int              `json:"tunersBusy"`
	TunerQueue     int              `json:"tunerQueue"`
	TestOverrides  int              `json:"testOverrides"`
	WorkersRunning int              `json:"workersRunning"`
	WorkerThreads  int              `json:"workerThreads"`
	RedisLedger    bool             `json:"redisLedger"`
}

// Stats gathers table counts and live component state
func (b *Broker) Stats(ctx context.Context) (*Stats, error) {
	tables, err := b.db.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Tables:         tables,
		Sessions:       len(b.tracker.Sessions()),
		TunerQueue:     b.tuners.QueueDepth(),
		TestOverrides:  len(b.failover.TestOverrides()),
		WorkersRunning: b.pool.Running(),
		WorkerThreads:  b.pool.Cap(),
		RedisLedger:    b.redis != nil,
	}
	for _, t := range b.tuners.Tuners() {
		st.Tuners++
		if t.State == tuner.StateBusy {
			st.TunersBusy++
		}
	}
	return st, nil
}

// Config returns the configuration the broker was built from
func (b *Broker) Config() *config.Config {
	return b.cfg
}
