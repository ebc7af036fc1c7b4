// Package provider implements the upstream clients. Each provider type has exactly one
// implementation of Client, selected from the provider's type tag.
package provider

import (
	"context"
	"errors"
	"fmt"
	"kptv-broker/work/client"
	"kptv-broker/work/types"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/ratelimit"
)

var (
	// ErrAuthFailed means the upstream rejected the credential
	ErrAuthFailed = errors.New("provider: authentication failed")
	// ErrUnreachable means the upstream could not be reached in time
	ErrUnreachable = errors.New("provider: unreachable")
	// ErrNotSupported is returned for operations a provider type has no equivalent for
	ErrNotSupported = errors.New("provider: operation not supported")
)

// Login is a decrypted credential. It never leaves the process.
type Login struct {
	Username string
	Password string
}

// ChannelInfo is one entry of an upstream channel list
type ChannelInfo struct {
	StreamID string
	Name     string
	Group    string
	Logo     string
	Quality  string
	URL      string
}

// Client is the common contract every provider type implements
type Client interface {
	Authenticate(ctx context.Context, login Login) error
	ListChannels(ctx context.Context, login Login) ([]ChannelInfo, error)
	GetStreamAddress(ctx context.Context, login Login, ch *types.Channel) (string, error)
	CheckHealth(ctx context.Context, login Login) error
}

// New selects the implementation for p.Type
func New(p *types.Provider, hc *client.HeaderSettingClient, limiter ratelimit.Limiter) (Client, error) {
	if limiter == nil {
		limiter = ratelimit.NewUnlimited()
	}
	hc = hc.WithUserAgent(p.UserAgent)
	base := strings.TrimRight(p.URL, "/")

	switch p.Type {
	case types.ProviderXtream:
		return &XtreamClient{baseURL: base, http: hc, limiter: limiter}, nil
	case types.ProviderPlaylist:
		return &PlaylistClient{url: p.URL, http: hc, limiter: limiter}, nil
	case types.ProviderTuner:
		return &HDHomeRunClient{baseURL: base, http: hc, limiter: limiter}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

// Registry hands out one client per provider and keeps a per-provider rate limiter so that
// health checks, syncs and stream lookups share the same upstream budget
type Registry struct {
	http      *client.HeaderSettingClient
	rateLimit int

	mu       sync.Mutex
	limiters map[int64]ratelimit.Limiter
}

// NewRegistry creates a registry; rateLimit is requests per second per provider (0 = unlimited)
func NewRegistry(hc *client.HeaderSettingClient, rateLimit int) *Registry {
	return &Registry{
		http:      hc,
		rateLimit: rateLimit,
		limiters:  make(map[int64]ratelimit.Limiter),
	}
}

// For returns the client for a provider
func (r *Registry) For(p *types.Provider) (Client, error) {
	return New(p, r.http, r.limiter(p.ID))
}

func (r *Registry) limiter(providerID int64) ratelimit.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[providerID]; ok {
		return l
	}
	var l ratelimit.Limiter
	if r.rateLimit > 0 {
		l = ratelimit.New(r.rateLimit)
	} else {
		l = ratelimit.NewUnlimited()
	}
	r.limiters[providerID] = l
	return l
}

// classifyTransport maps a transport error (dial, TLS, deadline) to ErrUnreachable, keeping the cause
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// classifyStatus maps an upstream HTTP status to a provider error
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrAuthFailed, code)
	default:
		return fmt.Errorf("%w: http %d", ErrUnreachable, code)
	}
}

// DetectQuality extracts a quality tag from a channel name
func DetectQuality(name string) string {
	tokens := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToUpper(name), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		tokens[f] = true
	}
	for _, q := range []string{"UHD", "4K", "FHD", "HD", "SD"} {
		if tokens[q] {
			return q
		}
	}
	return ""
}
