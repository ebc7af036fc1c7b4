// Package tuner schedules viewers onto the finite tuners of attached hardware. Viewers on the
// same channel of the same device share a tuner; when none is free requests wait in a priority
// queue.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/logger"
	"kptv-broker/work/metrics"
	"kptv-broker/work/provider"
	"kptv-broker/work/types"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	// ErrTunerQueueTimeout means a queued request was not served within the queue timeout
	ErrTunerQueueTimeout = errors.New("tuner queue timeout")
	// ErrTunerAllFailed means every registered tuner is in the failed state
	ErrTunerAllFailed = errors.New("all tuners failed")
	// ErrRequestNotFound is returned for unknown or already collected queue ids
	ErrRequestNotFound = errors.New("tuner request not found")
	// ErrSessionNotFound is returned for tuner sessions that ended or never existed
	ErrSessionNotFound = errors.New("tuner session not found")
)

// State of one tuner
type State string

const (
	StateAvailable State = "available"
	StateBusy      State = "busy"
	StateFailed    State = "failed"
)

// Priority classes; higher is served first
const (
	PriorityPulse     = 0
	PriorityLive      = 50
	PriorityRecording = 100
)

// ParsePriority maps a class name to its priority
func ParsePriority(s string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pulse":
		return PriorityPulse, true
	case "", "live":
		return PriorityLive, true
	case "recording":
		return PriorityRecording, true
	}
	return 0, false
}

// Tuner is a snapshot of one tuner
type Tuner struct {
	ID         string    `json:"id"`
	ProviderID int64     `json:"providerId"`
	Index      int       `json:"index"`
	BaseURL    string    `json:"-"`
	State      State     `json:"state"`
	Channel    string    `json:"channel,omitempty"`
	Address    string    `json:"address,omitempty"`
	Failures   int       `json:"failures"`
	FailedAt   time.Time `json:"failedAt,omitempty"`
	Viewers    int       `json:"viewers"`
}

type tuner struct {
	Tuner
	sessions map[string]struct{}
}

func (t *tuner) snapshot() Tuner {
	s := t.Tuner
	s.Viewers = len(t.sessions)
	return s
}

// Result of RequestStream: either a session or a queue ticket
type Result struct {
	Session   *types.TunerSession `json:"session,omitempty"`
	Queued    bool                `json:"queued"`
	RequestID string              `json:"requestId,omitempty"`
	Position  int                 `json:"position,omitempty"`
}

type waiter struct {
	req        types.QueuedTunerRequest
	done       chan struct{}
	session    *types.TunerSession
	err        error
	resolvedAt time.Time
}

// Options configures a Scheduler
type Options struct {
	Pipeline        Pipeline // defaults to DirectPipeline
	Clock           clock.Clock
	MaxFailures     int
	FailureCooldown time.Duration
	QueueTimeout    time.Duration
	SessionTimeout  time.Duration
	SweepInterval   time.Duration
	DefaultCount    int
}

// Scheduler owns every tuner, tuner session and queued request of the attached tuner
// hardware. Each device contributes a fixed number of tuners, and a tuner can only ever
// serve channels of its own device: channel numbers are local to a device, so the same
// number on two devices names two different broadcasts.
//
// Viewers asking for a channel that one of the device's tuners is already on join that
// tuner. Otherwise a free tuner is bound to the channel through the Pipeline, which
// either hands out the device URL or starts an ffmpeg repackager. When every usable
// tuner of the device is busy the request waits in a queue ordered by priority, then
// arrival, and is served as tuners free up or expires after the queue timeout.
//
// Failures are counted per tuner. Assignment errors, viewer reports and repackager exits
// all count; at maxFailures the tuner is stopped, its sessions are dropped and it sits
// out the cooldown before the sweep returns it to service.
//
// One mutex guards all state. Pipeline starts are quick so they run under it too.
type Scheduler struct {
	pipeline        Pipeline      // Binds a tuner to a channel and produces the viewer address
	clock           clock.Clock   // Time source, mocked in tests
	maxFailures     int           // Failures before a tuner is taken out of service
	failureCooldown time.Duration // Time a failed tuner stays out of service
	queueTimeout    time.Duration // Longest a request may wait in the queue
	sessionTimeout  time.Duration // Sessions silent for this long are reclaimed
	sweepInterval   time.Duration // Period of the background sweep
	defaultCount    int           // Tuners per device when neither device nor record says

	mu       sync.Mutex
	tuners   []*tuner                       // Registration order, which is also assignment order
	byID     map[string]*tuner              // Tuners by id (p<provider>-t<index>)
	sessions map[string]*types.TunerSession // Live sessions by id
	queue    []*waiter                      // Waiting requests, highest priority first
	waiters  map[string]*waiter             // Queued and uncollected requests by id

	running atomic.Bool    // Set while the sweep loop runs
	stop    chan struct{}  // Closed by Stop to end the sweep loop
	wg      sync.WaitGroup // Tracks the sweep goroutine
}

// NewScheduler creates a scheduler with no tuners
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		pipeline:        opts.Pipeline,
		clock:           opts.Clock,
		maxFailures:     opts.MaxFailures,
		failureCooldown: opts.FailureCooldown,
		queueTimeout:    opts.QueueTimeout,
		sessionTimeout:  opts.SessionTimeout,
		sweepInterval:   opts.SweepInterval,
		defaultCount:    opts.DefaultCount,
		byID:            make(map[string]*tuner),
		sessions:        make(map[string]*types.TunerSession),
		waiters:         make(map[string]*waiter),
	}
	if s.pipeline == nil {
		s.pipeline = DirectPipeline{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.maxFailures <= 0 {
		s.maxFailures = 3
	}
	if s.failureCooldown <= 0 {
		s.failureCooldown = time.Minute
	}
	if s.queueTimeout <= 0 {
		s.queueTimeout = 5 * time.Minute
	}
	if s.sessionTimeout <= 0 {
		s.sessionTimeout = 90 * time.Second
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = 5 * time.Second
	}
	if s.defaultCount <= 0 {
		s.defaultCount = 4
	}
	return s
}

// AddDevice registers count tuners of a device; already registered tuners are kept
func (s *Scheduler) AddDevice(providerID int64, baseURL string, count int) {
	if count <= 0 {
		count = s.defaultCount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("p%d-t%d", providerID, i)
		if t, ok := s.byID[id]; ok {
			t.BaseURL = baseURL
			continue
		}
		t := &tuner{
			Tuner:    Tuner{ID: id, ProviderID: providerID, Index: i, BaseURL: baseURL, State: StateAvailable},
			sessions: make(map[string]struct{}),
		}
		s.tuners = append(s.tuners, t)
		s.byID[id] = t
	}
	s.updateGauges()
	logger.Info("{tuner/tuner - AddDevice} provider %d: %d tuners at %s", providerID, count, baseURL)
}

// Discoverer reads a device's discover.json
type Discoverer interface {
	Discover(ctx context.Context) (*provider.DeviceInfo, error)
}

// RegisterProvider registers the tuners of a tuner provider. The count comes from the
// device, then the provider record, then the configured default.
func (s *Scheduler) RegisterProvider(ctx context.Context, p *types.Provider, d Discoverer) {
	count := p.TunerCount
	if d != nil {
		info, err := d.Discover(ctx)
		if err != nil {
			logger.Warn("{tuner/tuner - RegisterProvider} discover failed for %s: %v", p.Name, err)
		} else if info.TunerCount > 0 {
			count = info.TunerCount
		}
	}
	s.AddDevice(p.ID, p.URL, count)
}

func (s *Scheduler) newSession(t *tuner, viewerID int64, priority int, now time.Time) *types.TunerSession {
	sess := &types.TunerSession{
		ID:            uuid.NewString(),
		ViewerID:      viewerID,
		TunerID:       t.ID,
		ProviderID:    t.ProviderID,
		ChannelNumber: t.Channel,
		StreamAddress: t.Address,
		Priority:      priority,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	s.sessions[sess.ID] = sess
	t.sessions[sess.ID] = struct{}{}
	return sess
}

// allFailed reports whether the provider has no tuner left in service. A provider with no
// registered tuners counts as failed.
func (s *Scheduler) allFailed(providerID int64) bool {
	for _, t := range s.tuners {
		if t.ProviderID == providerID && t.State != StateFailed {
			return false
		}
	}
	return true
}

// assign joins a busy tuner of the provider on the channel or binds one of its free tuners.
// Channel numbers are only meaningful per device, so tuners of other providers are never
// considered. It returns nil when every usable tuner is busy on other channels.
func (s *Scheduler) assign(ctx context.Context, providerID, viewerID int64, channel string, priority int) *types.TunerSession {
	now := s.clock.Now()

	for _, t := range s.tuners {
		if t.ProviderID == providerID && t.State == StateBusy && t.Channel == channel {
			logger.Debug("{tuner/tuner - assign} viewer %d joins %s on channel %s", viewerID, t.ID, channel)
			return s.newSession(t, viewerID, priority, now)
		}
	}

	for _, t := range s.tuners {
		if t.ProviderID != providerID || t.State != StateAvailable {
			continue
		}
		addr, err := s.pipeline.Start(ctx, t.Tuner, channel)
		if err != nil {
			s.recordFailure(t, err)
			continue
		}
		t.State, t.Channel, t.Address, t.Failures = StateBusy, channel, addr, 0
		logger.Info("{tuner/tuner - assign} %s tuned to channel %s for viewer %d", t.ID, channel, viewerID)
		return s.newSession(t, viewerID, priority, now)
	}
	return nil
}

// recordFailure counts a failed assignment; at maxFailures the tuner is taken out of service
// until the cooldown passes
func (s *Scheduler) recordFailure(t *tuner, cause error) {
	t.Failures++
	logger.Warn("{tuner/tuner - recordFailure} %s failure %d/%d: %v", t.ID, t.Failures, s.maxFailures, cause)
	if t.Failures < s.maxFailures {
		return
	}
	s.failTuner(t)
}

func (s *Scheduler) failTuner(t *tuner) {
	if t.State == StateBusy {
		s.pipeline.Stop(t.Tuner)
	}
	for id := range t.sessions {
		delete(s.sessions, id)
	}
	t.sessions = make(map[string]struct{})
	t.State, t.Channel, t.Address = StateFailed, "", ""
	t.FailedAt = s.clock.Now()
	logger.Error("{tuner/tuner - failTuner} %s marked failed for %s", t.ID, s.failureCooldown)
}

// RequestStream gives the viewer a session on one of the provider's tuners for channel, or a
// queue ticket when every usable tuner of that provider is busy on another channel
func (s *Scheduler) RequestStream(ctx context.Context, providerID, viewerID int64, channel string, priority int) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGauges()

	if s.allFailed(providerID) {
		return nil, fmt.Errorf("provider %d: %w", providerID, ErrTunerAllFailed)
	}

	if sess := s.assign(ctx, providerID, viewerID, channel, priority); sess != nil {
		cp := *sess
		return &Result{Session: &cp}, nil
	}
	// assignment failures may just have failed the last tuner
	if s.allFailed(providerID) {
		return nil, fmt.Errorf("provider %d: %w", providerID, ErrTunerAllFailed)
	}

	w := &waiter{
		req: types.QueuedTunerRequest{
			ID:            uuid.NewString(),
			ProviderID:    providerID,
			ViewerID:      viewerID,
			ChannelNumber: channel,
			Priority:      priority,
			EnqueuedAt:    s.clock.Now(),
		},
		done: make(chan struct{}),
	}
	// after every entry of equal or higher priority
	pos := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].req.Priority < priority })
	s.queue = append(s.queue, nil)
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = w
	s.waiters[w.req.ID] = w

	logger.Info("{tuner/tuner - RequestStream} viewer %d queued for channel %s on provider %d at position %d", viewerID, channel, providerID, pos+1)
	return &Result{Queued: true, RequestID: w.req.ID, Position: pos + 1}, nil
}

// processQueue serves queued requests in order, dropping expired ones
func (s *Scheduler) processQueue(ctx context.Context) {
	now := s.clock.Now()
	kept := s.queue[:0]
	for _, w := range s.queue {
		if now.Sub(w.req.EnqueuedAt) >= s.queueTimeout {
			s.resolve(w, nil, ErrTunerQueueTimeout, now)
			logger.Warn("{tuner/tuner - processQueue} request %s for channel %s timed out", w.req.ID, w.req.ChannelNumber)
			continue
		}
		if sess := s.assign(ctx, w.req.ProviderID, w.req.ViewerID, w.req.ChannelNumber, w.req.Priority); sess != nil {
			s.resolve(w, sess, nil, now)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

func (s *Scheduler) resolve(w *waiter, sess *types.TunerSession, err error, now time.Time) {
	if sess != nil {
		cp := *sess
		w.session = &cp
	}
	w.err = err
	w.resolvedAt = now
	close(w.done)
}

func (s *Scheduler) queuePosition(id string) int {
	for i, w := range s.queue {
		if w.req.ID == id {
			return i + 1
		}
	}
	return 0
}

// Poll reports on a queued request: the session once served, the queue position while
// waiting, or the error it ended with. A served or failed request can be collected once.
func (s *Scheduler) Poll(requestID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waiters[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	select {
	case <-w.done:
		delete(s.waiters, requestID)
		if w.err != nil {
			return nil, w.err
		}
		return &Result{Session: w.session}, nil
	default:
		return &Result{Queued: true, RequestID: requestID, Position: s.queuePosition(requestID)}, nil
	}
}

// Wait blocks until a queued request is served, times out in the queue, or ctx ends
func (s *Scheduler) Wait(ctx context.Context, requestID string) (*types.TunerSession, error) {
	s.mu.Lock()
	w, ok := s.waiters[requestID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRequestNotFound
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
	}

	s.mu.Lock()
	delete(s.waiters, requestID)
	s.mu.Unlock()
	return w.session, w.err
}

// CancelQueued withdraws a request. A request already served has its session released.
func (s *Scheduler) CancelQueued(ctx context.Context, requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGauges()

	w, ok := s.waiters[requestID]
	if !ok {
		return false
	}
	delete(s.waiters, requestID)

	select {
	case <-w.done:
		if w.session != nil {
			s.release(ctx, w.session.ID)
		}
	default:
		for i, q := range s.queue {
			if q == w {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.resolve(w, nil, context.Canceled, s.clock.Now())
	}
	logger.Debug("{tuner/tuner - CancelQueued} request %s withdrawn", requestID)
	return true
}

// Release ends a tuner session. Unknown ids are a no-op.
func (s *Scheduler) Release(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGauges()
	s.release(ctx, sessionID)
}

func (s *Scheduler) release(ctx context.Context, sessionID string) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)

	t := s.byID[sess.TunerID]
	if t == nil {
		return
	}
	delete(t.sessions, sessionID)
	if len(t.sessions) > 0 || t.State != StateBusy {
		return
	}

	if err := s.pipeline.Stop(t.Tuner); err != nil {
		logger.Warn("{tuner/tuner - release} pipeline stop for %s: %v", t.ID, err)
	}
	t.State, t.Channel, t.Address = StateAvailable, "", ""
	logger.Info("{tuner/tuner - release} %s is free", t.ID)

	s.processQueue(ctx)
}

// Heartbeat keeps a session alive. A session already past the timeout is reclaimed and
// false returned.
func (s *Scheduler) Heartbeat(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	now := s.clock.Now()
	if now.Sub(sess.LastHeartbeat) >= s.sessionTimeout {
		s.release(ctx, sessionID)
		s.updateGauges()
		return false
	}
	sess.LastHeartbeat = now
	return true
}

// ReportFailure records a failure of a busy tuner's stream, for example an upstream error
// seen by a viewer. At maxFailures the tuner and its sessions are dropped.
func (s *Scheduler) ReportFailure(ctx context.Context, tunerID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGauges()

	t, ok := s.byID[tunerID]
	if !ok {
		return
	}
	s.reportFailure(ctx, t, cause)
}

// ReportSessionFailure charges a failure seen by a viewer to the tuner serving the session
func (s *Scheduler) ReportSessionFailure(ctx context.Context, sessionID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGauges()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	t, ok := s.byID[sess.TunerID]
	if !ok {
		return ErrSessionNotFound
	}
	logger.Debug("{tuner/tuner - ReportSessionFailure} viewer %d reports %s: %v", sess.ViewerID, t.ID, cause)
	s.reportFailure(ctx, t, cause)
	return nil
}

func (s *Scheduler) reportFailure(ctx context.Context, t *tuner, cause error) {
	if t.State == StateFailed {
		return
	}
	s.recordFailure(t, cause)
	if t.State == StateFailed {
		s.processQueue(ctx)
	}
}

// Sweep reclaims silent sessions, returns cooled-down tuners to service and serves or
// expires queued requests
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGauges()

	now := s.clock.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastHeartbeat) >= s.sessionTimeout {
			logger.Info("{tuner/tuner - Sweep} session %s on %s timed out", id, sess.TunerID)
			s.release(ctx, id)
		}
	}

	for _, t := range s.tuners {
		if t.State == StateFailed && now.Sub(t.FailedAt) >= s.failureCooldown {
			t.State, t.Failures = StateAvailable, 0
			logger.Info("{tuner/tuner - Sweep} %s back in service", t.ID)
		}
	}

	s.processQueue(ctx)

	// results nobody collected
	for id, w := range s.waiters {
		if !w.resolvedAt.IsZero() && now.Sub(w.resolvedAt) >= s.queueTimeout {
			delete(s.waiters, id)
		}
	}
}

// Start launches the sweep loop; calling it twice is a no-op
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx, s.stop)
}

// Stop ends the sweep loop and waits for it
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Tuners returns a snapshot of every tuner
func (s *Scheduler) Tuners() []Tuner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tuner, 0, len(s.tuners))
	for _, t := range s.tuners {
		out = append(out, t.snapshot())
	}
	return out
}

// Session returns a copy of a live session
func (s *Scheduler) Session(id string) (*types.TunerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// QueueDepth returns the number of waiting requests
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) updateGauges() {
	counts := map[State]int{StateAvailable: 0, StateBusy: 0, StateFailed: 0}
	for _, t := range s.tuners {
		counts[t.State]++
	}
	for st, n := range counts {
		metrics.TunerStates.WithLabelValues(string(st)).Set(float64(n))
	}
	metrics.TunerQueueDepth.Set(float64(len(s.queue)))
}
