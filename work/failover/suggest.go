package failover

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/logger"
	"kptv-broker/work/types"
	"sort"
	"strings"
)

const (
	// DefaultMinConfidence is the lowest score a suggestion may carry
	DefaultMinConfidence = 5
	// AutoMapConfidence is the score a candidate needs for automatic mapping
	AutoMapConfidence = 60

	defaultSuggestionLimit = 10
)

// Suggestion is a scored backup candidate for a primary channel
type Suggestion struct {
	Channel  types.Channel `json:"channel"`
	Score    int           `json:"score"`
	Features NameFeatures  `json:"features"`
	Mapped   bool          `json:"mapped"`
}

// AutoMapResult summarises one AutoMapProvider run
type AutoMapResult struct {
	Examined int                    `json:"examined"`
	Created  []types.ChannelMapping `json:"created"`
	Skipped  int                    `json:"skipped"`
}

// searchTerms derives LIKE terms from a name: call sign, brand, city and the longer words
func searchTerms(f NameFeatures) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 2 || seen[t] {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}

	add(f.CallSign)
	add(f.Brand)
	add(f.City)
	for _, w := range strings.Fields(f.Cleaned) {
		if len(w) >= 3 {
			add(w)
		}
	}
	return terms
}

// targetProviders resolves which providers to search: the given one, or every other active
// provider when targetProviderID is 0
func (e *Engine) targetProviders(ctx context.Context, primary *types.Channel, targetProviderID int64) ([]int64, error) {
	if targetProviderID != 0 {
		if targetProviderID == primary.ProviderID {
			return nil, fmt.Errorf("%w: backups must come from another provider", ErrInvalidMapping)
		}
		return []int64{targetProviderID}, nil
	}

	providers, err := e.store.ListProviders(ctx, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(providers))
	for _, p := range providers {
		if p.ID != primary.ProviderID {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// candidates returns the channels of a provider worth scoring: name matches that carry the
// priority prefix, or the whole provider when there are none
func (e *Engine) candidates(ctx context.Context, providerID int64, terms []string) ([]*types.Channel, error) {
	matches, err := e.store.SearchChannels(ctx, providerID, terms)
	if err != nil {
		return nil, err
	}

	prefixed := matches[:0:0]
	for _, ch := range matches {
		if e.scorer.Analyze(ch.Name).HasPriorityPrefix {
			prefixed = append(prefixed, ch)
		}
	}
	if len(prefixed) > 0 {
		return prefixed, nil
	}
	return e.store.ListChannelsByProvider(ctx, providerID)
}

// SuggestMappings scores backup candidates for a primary channel and returns the best
// limit of them at or above minConfidence, highest score first
func (e *Engine) SuggestMappings(ctx context.Context, primaryID, targetProviderID int64, limit, minConfidence int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	primary, err := e.channel(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	targets, err := e.targetProviders(ctx, primary, targetProviderID)
	if err != nil {
		return nil, err
	}

	pf := e.scorer.Analyze(primary.Name)
	terms := searchTerms(pf)

	mapped := make(map[int64]bool)
	rows, err := e.backupRows(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		mapped[r.Channel.ID] = true
	}

	var out []Suggestion
	for _, pid := range targets {
		chans, err := e.candidates(ctx, pid, terms)
		if err != nil {
			return nil, fmt.Errorf("failed to load candidates from provider %d: %w", pid, err)
		}
		for _, ch := range chans {
			cf := e.scorer.Analyze(ch.Name)
			score := ScoreFeatures(pf, cf)
			if score < minConfidence {
				continue
			}
			out = append(out, Suggestion{Channel: *ch, Score: score, Features: cf, Mapped: mapped[ch.ID]})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Channel.ID < out[j].Channel.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AutoMapProvider maps every enabled channel of the source provider to its best candidate on
// the target provider when that candidate scores at least AutoMapConfidence. Channels that
// already have that backup are skipped.
func (e *Engine) AutoMapProvider(ctx context.Context, sourceProviderID, targetProviderID int64) (*AutoMapResult, error) {
	if sourceProviderID == targetProviderID {
		return nil, fmt.Errorf("%w: source and target provider are the same", ErrInvalidMapping)
	}

	chans, err := e.store.ListEnabledChannels(ctx, sourceProviderID)
	if err != nil {
		return nil, err
	}

	res := &AutoMapResult{}
	for _, ch := range chans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Examined++

		best, err := e.SuggestMappings(ctx, ch.ID, targetProviderID, 1, AutoMapConfidence)
		if err != nil {
			return res, err
		}
		if len(best) == 0 || best[0].Mapped {
			res.Skipped++
			continue
		}

		m, err := e.CreateMapping(ctx, ch.ID, best[0].Channel.ID, nil)
		if errors.Is(err, ErrInvalidMapping) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Created = append(res.Created, *m)
	}

	logger.Info("{failover/suggest - AutoMapProvider} provider %d -> %d: %d examined, %d mapped, %d skipped",
		sourceProviderID, targetProviderID, res.Examined, len(res.Created), res.Skipped)
	return res, nil
}
