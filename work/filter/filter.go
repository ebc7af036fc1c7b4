package filter

import (
	"kptv-broker/work/logger"
	"kptv-broker/work/provider"
	"kptv-broker/work/types"
	"strings"
	"sync"

	"github.com/grafana/regexp"
)

// CompiledFilter holds the compiled include/exclude patterns of one provider
type CompiledFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp

	includeSrc string
	excludeSrc string
}

// Allow reports whether a channel name passes the filter. Names are matched trimmed and
// lower-cased; an include pattern, when set, must match and an exclude pattern must not.
func (f *CompiledFilter) Allow(name string) bool {
	if f == nil {
		return true
	}
	n := strings.TrimSpace(strings.ToLower(name))
	if f.Include != nil && !f.Include.MatchString(n) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(n) {
		return false
	}
	return true
}

// FilterManager keeps the compiled filter of every provider
type FilterManager struct {
	filters map[int64]*CompiledFilter
	mu      sync.RWMutex
}

// NewFilterManager creates a new filter manager
func NewFilterManager() *FilterManager {
	return &FilterManager{
		filters: make(map[int64]*CompiledFilter),
	}
}

// GetOrCreateFilter returns the compiled filter for p, recompiling when its patterns changed.
// A pattern that fails to compile is logged and treated as no filter.
func (fm *FilterManager) GetOrCreateFilter(p *types.Provider) *CompiledFilter {
	fm.mu.RLock()
	f, ok := fm.filters[p.ID]
	fm.mu.RUnlock()
	if ok && f.includeSrc == p.IncludeRegex && f.excludeSrc == p.ExcludeRegex {
		return f
	}

	f = &CompiledFilter{
		Include:    compile(p.Name, "include", p.IncludeRegex),
		Exclude:    compile(p.Name, "exclude", p.ExcludeRegex),
		includeSrc: p.IncludeRegex,
		excludeSrc: p.ExcludeRegex,
	}

	fm.mu.Lock()
	fm.filters[p.ID] = f
	fm.mu.Unlock()
	return f
}

func compile(providerName, kind, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Error("{filter/filter - compile} provider %s: bad %s pattern %q: %v", providerName, kind, pattern, err)
		return nil
	}
	logger.Debug("{filter/filter - compile} provider %s: compiled %s pattern %q", providerName, kind, pattern)
	return re
}

// ClearFilters clears all compiled filters
func (fm *FilterManager) ClearFilters() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.filters = make(map[int64]*CompiledFilter)
}

// RemoveFilter removes a specific filter
func (fm *FilterManager) RemoveFilter(providerID int64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	delete(fm.filters, providerID)
}

// FilterChannels applies p's patterns to an upstream channel list
func FilterChannels(channels []provider.ChannelInfo, p *types.Provider, fm *FilterManager) []provider.ChannelInfo {
	if p.IncludeRegex == "" && p.ExcludeRegex == "" {
		logger.Debug("{filter/filter - FilterChannels} no filters for provider %s, keeping %d channels", p.Name, len(channels))
		return channels
	}

	f := fm.GetOrCreateFilter(p)
	filtered := make([]provider.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		if f.Allow(ch.Name) {
			filtered = append(filtered, ch)
		}
	}
	logger.Debug("{filter/filter - FilterChannels} filtered %d -> %d channels for provider %s", len(channels), len(filtered), p.Name)
	return filtered
}
