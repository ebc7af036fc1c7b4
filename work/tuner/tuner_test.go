package tuner

import (
	"context"
	"errors"
	"kptv-broker/work/provider"
	"kptv-broker/work/types"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakePipeline struct {
	mu      sync.Mutex
	fail    bool
	started []string
	stopped []string
}

func (f *fakePipeline) Start(_ context.Context, t Tuner, channel string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("no signal")
	}
	f.started = append(f.started, t.ID)
	return DeviceURL(t, channel), nil
}

func (f *fakePipeline) Stop(t Tuner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, t.ID)
	return nil
}

func (f *fakePipeline) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func newScheduler(t *testing.T, tuners int) (*Scheduler, *clock.Mock, *fakePipeline) {
	t.Helper()
	mock := clock.NewMock()
	pipe := &fakePipeline{}
	s := NewScheduler(Options{Pipeline: pipe, Clock: mock})
	s.AddDevice(1, "http://192.168.1.50", tuners)
	return s, mock, pipe
}

func TestFifthViewerQueuedUntilRelease(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, 4)

	var sessions []*types.TunerSession
	for i, ch := range []string{"2.1", "4.1", "7.1", "10.1"} {
		res, err := s.RequestStream(ctx, 1, int64(i), ch, PriorityLive)
		require.NoError(t, err)
		require.False(t, res.Queued)
		sessions = append(sessions, res.Session)
	}

	res, err := s.RequestStream(ctx, 1, 99, "39.1", PriorityLive)
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 1, s.QueueDepth())

	s.Release(ctx, sessions[1].ID)

	got, err := s.Poll(res.RequestID)
	require.NoError(t, err)
	require.NotNil(t, got.Session)
	assert.Equal(t, sessions[1].TunerID, got.Session.TunerID)
	assert.Equal(t, "39.1", got.Session.ChannelNumber)
	assert.Equal(t, "http://192.168.1.50:5004/tuner1/v39.1", got.Session.StreamAddress)
	assert.Zero(t, s.QueueDepth())

	_, err = s.Poll(res.RequestID)
	assert.ErrorIs(t, err, ErrRequestNotFound, "results are collected once")
}

func TestSameChannelSharesTuner(t *testing.T) {
	ctx := context.Background()
	s, _, pipe := newScheduler(t, 1)

	a, err := s.RequestStream(ctx, 1, 1, "5.1", PriorityLive)
	require.NoError(t, err)
	b, err := s.RequestStream(ctx, 1, 2, "5.1", PriorityLive)
	require.NoError(t, err)
	require.False(t, b.Queued)

	assert.Equal(t, a.Session.TunerID, b.Session.TunerID)
	assert.Equal(t, a.Session.StreamAddress, b.Session.StreamAddress)
	assert.Len(t, pipe.started, 1)
	assert.Equal(t, 2, s.Tuners()[0].Viewers)

	s.Release(ctx, a.Session.ID)
	assert.Equal(t, StateBusy, s.Tuners()[0].State)
	assert.Empty(t, pipe.stopped)

	s.Release(ctx, b.Session.ID)
	s.Release(ctx, b.Session.ID)
	tn := s.Tuners()[0]
	assert.Equal(t, StateAvailable, tn.State)
	assert.Empty(t, tn.Channel)
	assert.Len(t, pipe.stopped, 1)
}

func TestTunersStayWithTheirDevice(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, 1)
	s.AddDevice(2, "http://192.168.1.60", 1)

	a, err := s.RequestStream(ctx, 1, 1, "7", PriorityLive)
	require.NoError(t, err)
	assert.Equal(t, "p1-t0", a.Session.TunerID)

	// same channel number on another device is a different stream
	b, err := s.RequestStream(ctx, 2, 2, "7", PriorityLive)
	require.NoError(t, err)
	require.False(t, b.Queued)
	assert.Equal(t, "p2-t0", b.Session.TunerID)
	assert.Equal(t, int64(2), b.Session.ProviderID)
	assert.Equal(t, "http://192.168.1.60:5004/tuner0/v7", b.Session.StreamAddress)

	queued, err := s.RequestStream(ctx, 1, 3, "8", PriorityLive)
	require.NoError(t, err)
	require.True(t, queued.Queued)

	// a free tuner on device 2 does not serve a device 1 request
	s.Release(ctx, b.Session.ID)
	res, err := s.Poll(queued.RequestID)
	require.NoError(t, err)
	assert.True(t, res.Queued)

	s.Release(ctx, a.Session.ID)
	res, err = s.Poll(queued.RequestID)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "p1-t0", res.Session.TunerID)

	for i := 0; i < 3; i++ {
		s.ReportFailure(ctx, "p1-t0", errors.New("no lock"))
	}
	_, err = s.RequestStream(ctx, 1, 4, "8", PriorityLive)
	assert.ErrorIs(t, err, ErrTunerAllFailed, "device 2 tuners never stand in for device 1")

	other, err := s.RequestStream(ctx, 2, 5, "9", PriorityLive)
	require.NoError(t, err)
	require.NotNil(t, other.Session)
	assert.Equal(t, "p2-t0", other.Session.TunerID)
}

func TestQueueOrderedByPriorityThenArrival(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newScheduler(t, 1)

	first, err := s.RequestStream(ctx, 1, 1, "1", PriorityLive)
	require.NoError(t, err)

	ids := map[string]string{}
	for _, r := range []struct {
		name     string
		priority int
	}{
		{"pulse", PriorityPulse},
		{"live-a", PriorityLive},
		{"recording", PriorityRecording},
		{"live-b", PriorityLive},
	} {
		mock.Add(time.Second)
		res, err := s.RequestStream(ctx, 1, 2, "ch-"+r.name, r.priority)
		require.NoError(t, err)
		require.True(t, res.Queued)
		ids[r.name] = res.RequestID
	}

	for name, want := range map[string]int{"recording": 1, "live-a": 2, "live-b": 3, "pulse": 4} {
		res, err := s.Poll(ids[name])
		require.NoError(t, err)
		assert.Equal(t, want, res.Position, name)
	}

	s.Release(ctx, first.Session.ID)
	res, err := s.Poll(ids["recording"])
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "ch-recording", res.Session.ChannelNumber)

	res, err = s.Poll(ids["live-a"])
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, res.Position)
}

func TestQueueTimeout(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newScheduler(t, 1)

	_, err := s.RequestStream(ctx, 1, 1, "1", PriorityLive)
	require.NoError(t, err)
	res, err := s.RequestStream(ctx, 1, 2, "2", PriorityLive)
	require.NoError(t, err)
	require.True(t, res.Queued)

	mock.Add(5 * time.Minute)
	s.Sweep(ctx)

	_, err = s.Poll(res.RequestID)
	assert.ErrorIs(t, err, ErrTunerQueueTimeout)
	assert.Zero(t, s.QueueDepth())
}

func TestFailedTunersAndCooldown(t *testing.T) {
	ctx := context.Background()
	s, mock, pipe := newScheduler(t, 1)
	pipe.setFail(true)

	r1, err := s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)
	assert.True(t, r1.Queued)
	r2, err := s.RequestStream(ctx, 1, 2, "5", PriorityLive)
	require.NoError(t, err)
	assert.True(t, r2.Queued)

	_, err = s.RequestStream(ctx, 1, 3, "5", PriorityLive)
	assert.ErrorIs(t, err, ErrTunerAllFailed)
	assert.Equal(t, StateFailed, s.Tuners()[0].State)

	_, err = s.RequestStream(ctx, 1, 4, "5", PriorityLive)
	assert.ErrorIs(t, err, ErrTunerAllFailed)

	pipe.setFail(false)
	mock.Add(59 * time.Second)
	s.Sweep(ctx)
	assert.Equal(t, StateFailed, s.Tuners()[0].State)

	mock.Add(time.Second)
	s.Sweep(ctx)
	tn := s.Tuners()[0]
	assert.Equal(t, StateBusy, tn.State, "queued requests are served once the tuner is back")
	assert.Zero(t, tn.Failures)

	p1, err := s.Poll(r1.RequestID)
	require.NoError(t, err)
	p2, err := s.Poll(r2.RequestID)
	require.NoError(t, err)
	assert.Equal(t, p1.Session.TunerID, p2.Session.TunerID)
}

func TestSuccessfulAssignmentResetsFailures(t *testing.T) {
	ctx := context.Background()
	s, _, pipe := newScheduler(t, 2)
	pipe.setFail(true)

	_, err := s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)
	for _, tn := range s.Tuners() {
		assert.Equal(t, 1, tn.Failures)
	}

	pipe.setFail(false)
	res, err := s.RequestStream(ctx, 1, 1, "6", PriorityLive)
	require.NoError(t, err)
	for _, tn := range s.Tuners() {
		if tn.ID == res.Session.TunerID {
			assert.Zero(t, tn.Failures)
		}
	}
}

func TestReportFailureDropsTuner(t *testing.T) {
	ctx := context.Background()
	s, _, pipe := newScheduler(t, 2)

	res, err := s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)
	id := res.Session.TunerID

	for i := 0; i < 3; i++ {
		s.ReportFailure(ctx, id, errors.New("continuity errors"))
	}
	_, ok := s.Session(res.Session.ID)
	assert.False(t, ok)
	assert.Contains(t, pipe.stopped, id)

	res, err = s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)
	assert.NotEqual(t, id, res.Session.TunerID)
}

func TestReportSessionFailure(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, 1)

	res, err := s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)
	queued, err := s.RequestStream(ctx, 1, 2, "6", PriorityLive)
	require.NoError(t, err)
	require.True(t, queued.Queued)

	require.NoError(t, s.ReportSessionFailure(ctx, res.Session.ID, errors.New("stalled")))
	assert.Equal(t, 1, s.Tuners()[0].Failures)
	assert.Equal(t, StateBusy, s.Tuners()[0].State)

	require.NoError(t, s.ReportSessionFailure(ctx, res.Session.ID, errors.New("stalled")))
	require.NoError(t, s.ReportSessionFailure(ctx, res.Session.ID, errors.New("stalled")))
	assert.Equal(t, StateFailed, s.Tuners()[0].State)

	err = s.ReportSessionFailure(ctx, res.Session.ID, errors.New("stalled"))
	assert.ErrorIs(t, err, ErrSessionNotFound, "failing the tuner drops its sessions")
	assert.ErrorIs(t, s.ReportSessionFailure(ctx, "unknown", nil), ErrSessionNotFound)

	_, err = s.Poll(queued.RequestID)
	require.NoError(t, err, "queued requests keep waiting for the cooldown")
}

func TestHeartbeatAndSessionTimeout(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newScheduler(t, 1)

	res, err := s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)

	mock.Add(90*time.Second - time.Millisecond)
	assert.True(t, s.Heartbeat(ctx, res.Session.ID))

	mock.Add(90 * time.Second)
	assert.False(t, s.Heartbeat(ctx, res.Session.ID))
	assert.Equal(t, StateAvailable, s.Tuners()[0].State)
	assert.False(t, s.Heartbeat(ctx, "unknown"))

	res, err = s.RequestStream(ctx, 1, 2, "6", PriorityLive)
	require.NoError(t, err)
	mock.Add(90 * time.Second)
	s.Sweep(ctx)
	_, ok := s.Session(res.Session.ID)
	assert.False(t, ok)
}

func TestCancelQueued(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, 1)

	first, err := s.RequestStream(ctx, 1, 1, "1", PriorityLive)
	require.NoError(t, err)
	queued, err := s.RequestStream(ctx, 1, 2, "2", PriorityLive)
	require.NoError(t, err)

	assert.True(t, s.CancelQueued(ctx, queued.RequestID))
	assert.False(t, s.CancelQueued(ctx, queued.RequestID))
	assert.Zero(t, s.QueueDepth())
	_, err = s.Poll(queued.RequestID)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	// withdrawing a request that was already served frees its session
	served, err := s.RequestStream(ctx, 1, 3, "3", PriorityLive)
	require.NoError(t, err)
	s.Release(ctx, first.Session.ID)
	assert.Equal(t, "3", s.Tuners()[0].Channel)

	assert.True(t, s.CancelQueued(ctx, served.RequestID))
	assert.Equal(t, StateAvailable, s.Tuners()[0].State)
}

func TestWait(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, 1)

	first, err := s.RequestStream(ctx, 1, 1, "1", PriorityLive)
	require.NoError(t, err)
	queued, err := s.RequestStream(ctx, 1, 2, "2", PriorityLive)
	require.NoError(t, err)

	done := make(chan *types.TunerSession, 1)
	go func() {
		sess, err := s.Wait(ctx, queued.RequestID)
		assert.NoError(t, err)
		done <- sess
	}()

	s.Release(ctx, first.Session.ID)
	select {
	case sess := <-done:
		require.NotNil(t, sess)
		assert.Equal(t, "2", sess.ChannelNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served")
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	other, err := s.RequestStream(ctx, 1, 3, "3", PriorityLive)
	require.NoError(t, err)
	_, err = s.Wait(short, other.RequestID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoTunersMeansAllFailed(t *testing.T) {
	s := NewScheduler(Options{Clock: clock.NewMock()})
	_, err := s.RequestStream(context.Background(), 1, 1, "1", PriorityLive)
	assert.ErrorIs(t, err, ErrTunerAllFailed)
}

type fakeDiscoverer struct {
	info *provider.DeviceInfo
	err  error
}

func (f fakeDiscoverer) Discover(context.Context) (*provider.DeviceInfo, error) { return f.info, f.err }

func TestRegisterProviderTunerCount(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(Options{Clock: clock.NewMock(), DefaultCount: 4})

	s.RegisterProvider(ctx, &types.Provider{ID: 1, Name: "a", URL: "http://a"}, fakeDiscoverer{info: &provider.DeviceInfo{TunerCount: 2}})
	s.RegisterProvider(ctx, &types.Provider{ID: 2, Name: "b", URL: "http://b", TunerCount: 3}, fakeDiscoverer{err: provider.ErrUnreachable})
	s.RegisterProvider(ctx, &types.Provider{ID: 3, Name: "c", URL: "http://c"}, nil)
	s.RegisterProvider(ctx, &types.Provider{ID: 1, Name: "a", URL: "http://a"}, fakeDiscoverer{info: &provider.DeviceInfo{TunerCount: 2}})

	perProvider := map[int64]int{}
	for _, tn := range s.Tuners() {
		perProvider[tn.ProviderID]++
	}
	assert.Equal(t, map[int64]int{1: 2, 2: 3, 3: 4}, perProvider)
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("Recording")
	assert.True(t, ok)
	assert.Equal(t, PriorityRecording, p)
	p, ok = ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, PriorityLive, p)
	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
	assert.Less(t, PriorityPulse, PriorityLive)
}

func TestSchedulerLoopStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, mock, _ := newScheduler(t, 1)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	res, err := s.RequestStream(ctx, 1, 1, "5", PriorityLive)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		_, ok := s.Session(res.Session.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
