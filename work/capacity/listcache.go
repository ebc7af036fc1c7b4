package capacity

import (
	"context"
	"fmt"
	"kptv-broker/work/types"
	"time"

	"github.com/maypok86/otter/v2"
)

// ChannelLoader builds a viewer's merged channel list from every authorized provider
type ChannelLoader func(ctx context.Context, viewerID int64) ([]types.Channel, error)

// ListCache is the short-lived per-viewer merged channel list. Concurrent misses for the
// same viewer share one load.
type ListCache struct {
	cache  *otter.Cache[int64, []types.Channel]
	loader otter.Loader[int64, []types.Channel]
}

// NewListCache creates a cache whose entries expire ttl after they were written
func NewListCache(ttl time.Duration, size int, load ChannelLoader) (*ListCache, error) {
	cache, err := otter.New(&otter.Options[int64, []types.Channel]{
		MaximumSize:      size,
		ExpiryCalculator: otter.ExpiryWriting[int64, []types.Channel](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create channel list cache: %w", err)
	}
	return &ListCache{
		cache: cache,
		loader: otter.LoaderFunc[int64, []types.Channel](func(ctx context.Context, viewerID int64) ([]types.Channel, error) {
			return load(ctx, viewerID)
		}),
	}, nil
}

// Get returns the cached list or loads it
func (c *ListCache) Get(ctx context.Context, viewerID int64) ([]types.Channel, error) {
	return c.cache.Get(ctx, viewerID, c.loader)
}

// Invalidate drops one viewer's list, called whenever the viewer's credential set changes
func (c *ListCache) Invalidate(viewerID int64) {
	c.cache.Invalidate(viewerID)
}

// InvalidateAll drops every list, called after a catalog sync
func (c *ListCache) InvalidateAll() {
	c.cache.InvalidateAll()
}
