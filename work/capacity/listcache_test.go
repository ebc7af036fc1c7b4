package capacity

import (
	"context"
	"kptv-broker/work/types"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCacheLoadsOncePerViewer(t *testing.T) {
	var loads atomic.Int32
	cache, err := NewListCache(time.Minute, 100, func(_ context.Context, viewerID int64) ([]types.Channel, error) {
		loads.Add(1)
		return []types.Channel{{ID: viewerID, Name: "ch"}}, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := cache.Get(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
	}
	assert.Equal(t, int32(1), loads.Load())

	_, err = cache.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())

	cache.Invalidate(1)
	_, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), loads.Load())

	cache.InvalidateAll()
	_, err = cache.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(4), loads.Load())
}
