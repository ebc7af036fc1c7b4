// Package failover keeps the ordered primary -> backup channel mappings, scores candidate
// backups by name and holds the per-stream test overrides.
package failover

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/database"
	"kptv-broker/work/logger"
	"kptv-broker/work/types"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrInvalidMapping rejects self mappings and mappings within one provider
	ErrInvalidMapping = errors.New("invalid mapping")
	// ErrChannelNotFound is returned when a referenced channel does not exist
	ErrChannelNotFound = errors.New("channel not found")
	// ErrMappingNotFound is returned when updating a mapping that does not exist
	ErrMappingNotFound = errors.New("mapping not found")
)

// Store is the part of the database the engine uses
type Store interface {
	GetChannel(ctx context.Context, id int64) (*types.Channel, error)
	ListChannelsByProvider(ctx context.Context, providerID int64) ([]*types.Channel, error)
	ListEnabledChannels(ctx context.Context, providerID int64) ([]*types.Channel, error)
	SearchChannels(ctx context.Context, providerID int64, terms []string) ([]*types.Channel, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error)

	CreateMapping(ctx context.Context, m *types.ChannelMapping) error
	GetMapping(ctx context.Context, id int64) (*types.ChannelMapping, error)
	CountMappings(ctx context.Context, primaryID int64) (int, error)
	MappingExists(ctx context.Context, primaryID, backupID int64) (bool, error)
	ListBackups(ctx context.Context, primaryID int64) ([]database.BackupRow, error)
	UpdateMapping(ctx context.Context, m *types.ChannelMapping) error
	DeleteMapping(ctx context.Context, id int64) error
}

// MappingUpdate carries the mutable fields of a mapping; nil fields are left alone
type MappingUpdate struct {
	Priority *int  `json:"priority,omitempty"`
	Active   *bool `json:"active,omitempty"`
}

// Engine is the channel failover engine. It owns the operator-maintained mappings from
// a primary channel to its backups on other providers, and the fuzzy matcher that
// proposes those mappings.
//
// Backup lookups sit on the allocation path, so the rows for each primary are cached
// until a mapping change or a provider health transition invalidates them. A generation
// counter guards the fill: a lookup that started before an invalidation never writes
// its stale rows back into the cache.
//
// Test overrides force one stream id onto a fixed backup channel regardless of mappings
// or health. They exist for operators rehearsing a failover and live only in memory.
//
// Key responsibilities include:
//   - Validating and persisting mappings; a mapping without a priority goes last
//   - Returning a primary's backups in priority order with their provider health
//   - Scoring candidate channels for suggestions and provider-wide auto mapping
//   - Holding the per-stream test overrides
type Engine struct {
	store  Store   // Mapping and channel storage
	scorer *Scorer // Name matcher used by suggestions and auto mapping

	mu    sync.RWMutex                   // Guards cache and gen
	cache map[int64][]database.BackupRow // Backup rows by primary channel id
	gen   uint64                         // Bumped on every invalidation

	overrides *xsync.MapOf[string, int64] // Stream id -> forced backup channel id
}

// NewEngine creates an engine; prefixes are the priority prefixes used when scoring
func NewEngine(store Store, prefixes []string) *Engine {
	return &Engine{
		store:     store,
		scorer:    NewScorer(prefixes),
		cache:     make(map[int64][]database.BackupRow),
		overrides: xsync.NewMapOf[string, int64](),
	}
}

// Scorer returns the engine's name scorer
func (e *Engine) Scorer() *Scorer { return e.scorer }

func (e *Engine) backupRows(ctx context.Context, primaryID int64) ([]database.BackupRow, error) {
	e.mu.RLock()
	rows, ok := e.cache[primaryID]
	gen := e.gen
	e.mu.RUnlock()
	if ok {
		return rows, nil
	}

	rows, err := e.store.ListBackups(ctx, primaryID)
	if err != nil {
		return nil, err
	}

	// an invalidation during the load means rows may already be stale
	e.mu.Lock()
	if e.gen == gen {
		e.cache[primaryID] = rows
	}
	e.mu.Unlock()
	return rows, nil
}

// Invalidate drops the cached mappings of one primary channel
func (e *Engine) Invalidate(primaryID int64) {
	e.mu.Lock()
	delete(e.cache, primaryID)
	e.gen++
	e.mu.Unlock()
}

// InvalidateAll drops every cached mapping list, for example after a provider changed state
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[int64][]database.BackupRow)
	e.gen++
	e.mu.Unlock()
}

// GetBackupChannels returns the active backups of a primary whose provider is active, in
// ascending priority with ties in insertion order. Disabled backup channels are included.
func (e *Engine) GetBackupChannels(ctx context.Context, primaryID int64) ([]types.Backup, error) {
	rows, err := e.backupRows(ctx, primaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load backups for channel %d: %w", primaryID, err)
	}

	out := make([]types.Backup, 0, len(rows))
	for _, r := range rows {
		if !r.Mapping.Active || !r.ProviderActive {
			continue
		}
		out = append(out, types.Backup{
			MappingID:      r.Mapping.ID,
			Channel:        r.Channel,
			Priority:       r.Mapping.Priority,
			ProviderHealth: r.ProviderHealth,
		})
	}
	return out, nil
}

func (e *Engine) channel(ctx context.Context, id int64) (*types.Channel, error) {
	ch, err := e.store.GetChannel(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	return ch, err
}

// CreateMapping maps backupID as a failover target of primaryID. Without an explicit
// priority the mapping goes last. Rejected mappings are never stored.
func (e *Engine) CreateMapping(ctx context.Context, primaryID, backupID int64, priority *int) (*types.ChannelMapping, error) {
	if primaryID == backupID {
		return nil, fmt.Errorf("%w: a channel cannot back itself up", ErrInvalidMapping)
	}
	primary, err := e.channel(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	backup, err := e.channel(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if primary.ProviderID == backup.ProviderID {
		return nil, fmt.Errorf("%w: channels %d and %d share provider %d", ErrInvalidMapping, primaryID, backupID, primary.ProviderID)
	}

	exists, err := e.store.MappingExists(ctx, primaryID, backupID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: channel %d already backs up %d", ErrInvalidMapping, backupID, primaryID)
	}

	m := &types.ChannelMapping{PrimaryChannelID: primaryID, BackupChannelID: backupID, Active: true}
	if priority != nil {
		m.Priority = *priority
	} else {
		n, err := e.store.CountMappings(ctx, primaryID)
		if err != nil {
			return nil, err
		}
		m.Priority = n + 1
	}

	if err := e.store.CreateMapping(ctx, m); err != nil {
		return nil, err
	}
	e.Invalidate(primaryID)

	logger.Info("{failover/engine - CreateMapping} channel %d -> backup %d (priority %d)", primaryID, backupID, m.Priority)
	return m, nil
}

// UpdateMapping changes priority and/or active flag
func (e *Engine) UpdateMapping(ctx context.Context, id int64, upd MappingUpdate) (*types.ChannelMapping, error) {
	m, err := e.store.GetMapping(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrMappingNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if upd.Priority != nil {
		m.Priority = *upd.Priority
	}
	if upd.Active != nil {
		m.Active = *upd.Active
	}
	if err := e.store.UpdateMapping(ctx, m); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrMappingNotFound, id)
		}
		return nil, err
	}
	e.Invalidate(m.PrimaryChannelID)
	return m, nil
}

// DeleteMapping removes a mapping; missing mappings are ignored
func (e *Engine) DeleteMapping(ctx context.Context, id int64) error {
	m, err := e.store.GetMapping(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.store.DeleteMapping(ctx, id); err != nil {
		return err
	}
	e.Invalidate(m.PrimaryChannelID)
	logger.Info("{failover/engine - DeleteMapping} removed mapping %d (%d -> %d)", id, m.PrimaryChannelID, m.BackupChannelID)
	return nil
}

// SetTestOverride forces requests for streamID onto backupChannelID until cleared
func (e *Engine) SetTestOverride(streamID string, backupChannelID int64) {
	e.overrides.Store(streamID, backupChannelID)
	logger.Warn("{failover/engine - SetTestOverride} stream %s forced to channel %d", streamID, backupChannelID)
}

// ClearTestOverride removes the override of one stream
func (e *Engine) ClearTestOverride(streamID string) {
	if _, ok := e.overrides.LoadAndDelete(streamID); ok {
		logger.Info("{failover/engine - ClearTestOverride} stream %s back to normal allocation", streamID)
	}
}

// TestOverride returns the forced backup channel of a stream, if any
func (e *Engine) TestOverride(streamID string) (int64, bool) {
	return e.overrides.Load(streamID)
}

// TestOverrides returns a copy of every active override
func (e *Engine) TestOverrides() map[string]int64 {
	out := make(map[string]int64, e.overrides.Size())
	e.overrides.Range(func(k string, v int64) bool {
		out[k] = v
		return true
	})
	return out
}
