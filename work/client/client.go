package client

import (
	"kptv-broker/work/config"
	"net/http"
	"time"
)

// HeaderSettingClient wraps http.Client to set the upstream headers providers expect.
// The user agent can be overridden per provider.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
	origin    string
	referrer  string
}

// NewHeaderSettingClient builds a client for provider API traffic. Calls are expected to
// carry a context deadline; the transport only bounds the dial and header phases.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: cfg.UserAgent,
		origin:    cfg.ReqOrigin,
		referrer:  cfg.ReqReferrer,
	}
}

// WithUserAgent returns a copy sharing the transport but sending a different User-Agent
func (hsc *HeaderSettingClient) WithUserAgent(ua string) *HeaderSettingClient {
	if ua == "" {
		return hsc
	}
	cp := *hsc
	cp.userAgent = ua
	return &cp
}

// Do sets headers and performs the request
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if hsc.userAgent != "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.origin != "" {
		req.Header.Set("Origin", hsc.origin)
	}
	if hsc.referrer != "" {
		req.Header.Set("Referer", hsc.referrer)
	}
}
