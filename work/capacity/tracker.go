// Package capacity allocates credential slots to viewers and tracks the resulting stream
// sessions until they are released or stop sending heartbeats.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/logger"
	"kptv-broker/work/metrics"
	"kptv-broker/work/types"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrCapacityExhausted means no credential in the supplied set had a free, usable slot
var ErrCapacityExhausted = errors.New("capacity exhausted")

// SessionStore mirrors sessions into storage. The ledger stays authoritative: store
// failures are logged and never fail an allocation.
type SessionStore interface {
	SaveSession(ctx context.Context, s *types.StreamSession) error
	TouchSession(ctx context.Context, token string, at time.Time) error
	DeleteSession(ctx context.Context, token string) error
	PurgeSessions(ctx context.Context) (int64, error)
}

// AddressResolver produces the upstream stream address once a slot on cred is held
type AddressResolver func(ctx context.Context, cred *types.Credential) (string, error)

// Options configures a Tracker
type Options struct {
	Ledger        Ledger        // defaults to a MemoryLedger
	Store         SessionStore  // optional
	Clock         clock.Clock   // defaults to the wall clock
	Timeout       time.Duration // reclaim iff now - lastHeartbeat >= Timeout
	SweepInterval time.Duration
}

// entry is a live session. Everything but the heartbeat is immutable after creation.
type entry struct {
	session       types.StreamSession
	lastHeartbeat atomic.Int64 // unix nanos
}

func (e *entry) snapshot() *types.StreamSession {
	s := e.session
	s.LastHeartbeat = time.Unix(0, e.lastHeartbeat.Load())
	return &s
}

// Tracker is the capacity tracker and stream session manager. It hands out credential
// slots to viewers, keeps one session per allocation and takes the slot back when the
// viewer releases it or stops sending heartbeats.
//
// Slot accounting lives in the Ledger, which is the only authority on how many
// connections a credential has open. The in-process ledger serves a single broker; the
// Redis ledger lets several brokers share the same provider accounts, with a lease on
// every slot so that a crashed process cannot hold a connection forever.
//
// Sessions live in a concurrent map. Every path that ends a session removes it from the
// map atomically first, and only the remover frees the ledger slot. Release, heartbeat
// expiry and the background sweep can therefore race freely while the slot is still
// freed exactly once.
//
// Key responsibilities include:
//   - Walking a viewer's credentials in priority order and reserving the first free slot
//   - Resolving the upstream stream address while the slot is held
//   - Heartbeat bookkeeping and lease renewal for shared ledgers
//   - Reclaiming silent sessions on a fixed sweep interval
//   - Mirroring live sessions into storage for operators
type Tracker struct {
	ledger   Ledger        // Slot authority, in memory or shared through Redis
	store    SessionStore  // Optional session mirror; failures are logged, never returned
	clock    clock.Clock   // Time source, mocked in tests
	timeout  time.Duration // A session whose last heartbeat is this old is reclaimed
	interval time.Duration // Sweep period, also added to every ledger lease

	sessions *xsync.MapOf[string, *entry] // Live sessions by token

	running atomic.Bool    // Set while the sweep loop runs
	stop    chan struct{}  // Closed by Stop to end the sweep loop
	wg      sync.WaitGroup // Tracks the sweep goroutine
}

// NewTracker creates a tracker; call Start to run the sweep loop
func NewTracker(opts Options) *Tracker {
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	return &Tracker{
		ledger:   opts.Ledger,
		store:    opts.Store,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		interval: opts.SweepInterval,
		sessions: xsync.NewMapOf[string, *entry](),
	}
}

// leaseUntil is how long a shared ledger keeps a slot without renewal. It outlives the
// heartbeat timeout by one sweep so the owning process always reclaims first.
func (t *Tracker) leaseUntil(now time.Time) time.Time {
	return now.Add(t.timeout + t.interval)
}

// RequestSession walks creds in the caller's order, skipping inactive and unhealthy
// credentials and credentials of other providers, and takes the first free slot. When
// resolve is given it is called with the slot held; a failure there gives the slot back
// and moves on to the next credential.
func (t *Tracker) RequestSession(ctx context.Context, viewerID int64, ch *types.Channel, creds []*types.Credential, resolve AddressResolver) (*types.StreamSession, error) {
	token := uuid.NewString()
	var lastErr error

	for _, cred := range creds {
		if cred == nil || !cred.Usable() || cred.ProviderID != ch.ProviderID {
			continue
		}

		now := t.clock.Now()
		ok, err := t.ledger.Reserve(ctx, cred.ID, cred.MaxConnections, token, t.leaseUntil(now))
		if err != nil {
			logger.Error("{capacity/tracker - RequestSession} reserve on credential %d failed: %v", cred.ID, err)
			lastErr = err
			continue
		}
		if !ok {
			logger.Debug("{capacity/tracker - RequestSession} credential %d full (%d max)", cred.ID, cred.MaxConnections)
			continue
		}

		address := ""
		if resolve != nil {
			address, err = resolve(ctx, cred)
			if err != nil {
				logger.Warn("{capacity/tracker - RequestSession} no stream address on credential %d: %v", cred.ID, err)
				if _, relErr := t.ledger.Release(context.WithoutCancel(ctx), cred.ID, token); relErr != nil {
					logger.Error("{capacity/tracker - RequestSession} ledger release on credential %d failed: %v", cred.ID, relErr)
				}
				lastErr = err
				continue
			}
		}

		e := &entry{session: types.StreamSession{
			Token:         token,
			ViewerID:      viewerID,
			ChannelID:     ch.ID,
			StreamID:      ch.StreamID,
			CredentialID:  cred.ID,
			ProviderID:    cred.ProviderID,
			StreamAddress: address,
			StartedAt:     now,
		}}
		e.lastHeartbeat.Store(now.UnixNano())
		t.sessions.Store(token, e)

		metrics.ActiveSessions.WithLabelValues(strconv.FormatInt(cred.ID, 10)).Inc()
		if t.store != nil {
			if err := t.store.SaveSession(ctx, e.snapshot()); err != nil {
				logger.Warn("{capacity/tracker - RequestSession} session mirror failed: %v", err)
			}
		}

		logger.Info("{capacity/tracker - RequestSession} viewer %d on channel %d allocated credential %d", viewerID, ch.ID, cred.ID)
		return e.snapshot(), nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapacityExhausted, lastErr)
	}
	return nil, ErrCapacityExhausted
}

func (t *Tracker) expired(e *entry, now time.Time) bool {
	return now.Sub(time.Unix(0, e.lastHeartbeat.Load())) >= t.timeout
}

// Heartbeat records liveness. It returns false when the session is gone, including when
// it had already passed the timeout: such a session is reclaimed right here, so the
// outcome does not depend on when the sweep last ran.
func (t *Tracker) Heartbeat(ctx context.Context, token string) bool {
	now := t.clock.Now()
	var live, stale *entry

	t.sessions.Compute(token, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		if t.expired(e, now) {
			stale = e
			return nil, true
		}
		e.lastHeartbeat.Store(now.UnixNano())
		live = e
		return e, false
	})

	if stale != nil {
		t.finish(ctx, stale, "timeout")
		return false
	}
	if live == nil {
		return false
	}

	cred := live.session.CredentialID
	if err := t.ledger.Renew(ctx, cred, token, t.leaseUntil(now)); err != nil {
		logger.Warn("{capacity/tracker - Heartbeat} lease renew failed for credential %d: %v", cred, err)
	}
	if t.store != nil {
		if err := t.store.TouchSession(ctx, token, now); err != nil {
			logger.Debug("{capacity/tracker - Heartbeat} session mirror touch failed: %v", err)
		}
	}
	return true
}

// Release ends a session. Unknown or already released tokens are a no-op.
func (t *Tracker) Release(ctx context.Context, token string) error {
	e, ok := t.sessions.LoadAndDelete(token)
	if !ok {
		return nil
	}
	t.finish(ctx, e, "release")
	return nil
}

// finish frees the slot of a session already removed from the map
func (t *Tracker) finish(ctx context.Context, e *entry, reason string) {
	ctx = context.WithoutCancel(ctx)
	cred := e.session.CredentialID

	freed, err := t.ledger.Release(ctx, cred, e.session.Token)
	if err != nil {
		logger.Error("{capacity/tracker - finish} ledger release on credential %d failed: %v", cred, err)
	}
	if freed {
		metrics.ActiveSessions.WithLabelValues(strconv.FormatInt(cred, 10)).Dec()
	}
	metrics.SessionsReclaimed.WithLabelValues(reason).Inc()

	if t.store != nil {
		if err := t.store.DeleteSession(ctx, e.session.Token); err != nil {
			logger.Warn("{capacity/tracker - finish} session mirror delete failed: %v", err)
		}
	}

	logger.Info("{capacity/tracker - finish} session on credential %d ended (%s)", cred, reason)
}

// Sweep reclaims every session whose heartbeat is at least Timeout old and returns how
// many it reclaimed
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.clock.Now()

	var candidates []string
	t.sessions.Range(func(token string, e *entry) bool {
		if t.expired(e, now) {
			candidates = append(candidates, token)
		}
		return true
	})

	reclaimed := 0
	for _, token := range candidates {
		var stale *entry
		t.sessions.Compute(token, func(e *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return nil, true
			}
			if t.expired(e, now) {
				stale = e
				return nil, true
			}
			return e, false
		})
		if stale != nil {
			t.finish(ctx, stale, "timeout")
			reclaimed++
		}
	}

	if reclaimed > 0 {
		logger.Debug("{capacity/tracker - Sweep} reclaimed %d stale sessions", reclaimed)
	}
	return reclaimed
}

// Start purges sessions mirrored by a previous run and launches the sweep loop.
// Calling Start twice is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	if t.store != nil {
		if n, err := t.store.PurgeSessions(ctx); err != nil {
			logger.Warn("{capacity/tracker - Start} failed to purge stale session rows: %v", err)
		} else if n > 0 {
			logger.Info("{capacity/tracker - Start} purged %d session rows from a previous run", n)
		}
	}

	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.sweepLoop(ctx, t.stop)
}

// Stop ends the sweep loop and waits for it to exit
func (t *Tracker) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	close(t.stop)
	t.wg.Wait()
}

func (t *Tracker) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Get returns a copy of a live session
func (t *Tracker) Get(token string) (*types.StreamSession, bool) {
	e, ok := t.sessions.Load(token)
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// Sessions returns a copy of every live session
func (t *Tracker) Sessions() []*types.StreamSession {
	out := make([]*types.StreamSession, 0, t.sessions.Size())
	t.sessions.Range(func(_ string, e *entry) bool {
		out = append(out, e.snapshot())
		return true
	})
	return out
}

// Held returns the ledger's slot count for a credential
func (t *Tracker) Held(ctx context.Context, credentialID int64) (int, error) {
	return t.ledger.Count(ctx, credentialID)
}
