package capacity

import (
	"context"
	"kptv-broker/work/types"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLedger(t *testing.T, now func() time.Time) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLedger(rdb, now), mr
}

func ledgers(t *testing.T) map[string]Ledger {
	rl, _ := newRedisLedger(t, nil)
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"redis":  rl,
	}
}

func TestLedgerReserveRelease(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease := time.Now().Add(time.Minute)

			ok, err := l.Reserve(ctx, 1, 2, "a", lease)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Reserve(ctx, 1, 2, "a", lease)
			require.NoError(t, err)
			assert.True(t, ok, "re-reserving a held token succeeds")

			ok, err = l.Reserve(ctx, 1, 2, "b", lease)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Reserve(ctx, 1, 2, "c", lease)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := l.Count(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			freed, err := l.Release(ctx, 1, "a")
			require.NoError(t, err)
			assert.True(t, freed)
			freed, err = l.Release(ctx, 1, "a")
			require.NoError(t, err)
			assert.False(t, freed)

			n, err = l.Count(ctx, 2)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestLedgerConcurrentReserve(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease := time.Now().Add(time.Minute)

			var wg sync.WaitGroup
			var won atomic.Int32
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := l.Reserve(ctx, 7, 3, string(rune('a'+i)), lease)
					assert.NoError(t, err)
					if ok {
						won.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(3), won.Load())
		})
	}
}

func TestRedisLedgerExpiresDeadLeases(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	l, _ := newRedisLedger(t, mock.Now)

	ok, err := l.Reserve(ctx, 1, 1, "dead", mock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Reserve(ctx, 1, 1, "other", mock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	mock.Add(30 * time.Second)
	require.NoError(t, l.Renew(ctx, 1, "dead", mock.Now().Add(time.Minute)))
	mock.Add(45 * time.Second)
	n, err := l.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "renewed lease still counts")

	mock.Add(time.Minute)
	n, err = l.Count(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = l.Reserve(ctx, 1, 1, "other", mock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrackerOverRedisLedger(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	l, _ := newRedisLedger(t, mock.Now)

	// two trackers standing in for two broker processes
	a := NewTracker(Options{Ledger: l, Clock: mock})
	b := NewTracker(Options{Ledger: l, Clock: mock})
	cred := &types.Credential{ID: 1, ProviderID: 10, MaxConnections: 1, Active: true}

	s, err := a.RequestSession(ctx, 1, testChannel(), []*types.Credential{cred}, nil)
	require.NoError(t, err)
	_, err = b.RequestSession(ctx, 2, testChannel(), []*types.Credential{cred}, nil)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	require.NoError(t, a.Release(ctx, s.Token))
	_, err = b.RequestSession(ctx, 2, testChannel(), []*types.Credential{cred}, nil)
	assert.NoError(t, err)
}
