package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"kptv-broker/work/client"
	"kptv-broker/work/types"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/ratelimit"
)

// DeviceInfo is the discover.json document of an HDHomeRun device
type DeviceInfo struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// LineupEntry is one element of lineup.json
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
	HD          int    `json:"HD,omitempty"`
}

// HDHomeRunClient talks to locally attached tuner hardware over its HTTP API
type HDHomeRunClient struct {
	baseURL string
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
}

func (c *HDHomeRunClient) getJSON(ctx context.Context, path string, out interface{}) error {
	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Discover reads discover.json
func (c *HDHomeRunClient) Discover(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := c.getJSON(ctx, "/discover.json", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Authenticate checks the device answers; tuners have no login
func (c *HDHomeRunClient) Authenticate(ctx context.Context, _ Login) error {
	_, err := c.Discover(ctx)
	return err
}

// CheckHealth reads discover.json
func (c *HDHomeRunClient) CheckHealth(ctx context.Context, _ Login) error {
	_, err := c.Discover(ctx)
	return err
}

// ListChannels reads lineup.json; the guide number is the stream id
func (c *HDHomeRunClient) ListChannels(ctx context.Context, _ Login) ([]ChannelInfo, error) {
	var lineup []LineupEntry
	if err := c.getJSON(ctx, "/lineup.json", &lineup); err != nil {
		return nil, err
	}

	out := make([]ChannelInfo, 0, len(lineup))
	for _, e := range lineup {
		if e.GuideNumber == "" {
			continue
		}
		quality := "SD"
		if e.HD == 1 {
			quality = "HD"
		}
		out = append(out, ChannelInfo{
			StreamID: e.GuideNumber,
			Name:     e.GuideName,
			Quality:  quality,
			URL:      e.URL,
		})
	}
	return out, nil
}

// GetStreamAddress returns the device's auto-tuner address for the channel. The tuner
// scheduler hands out per-tuner addresses instead; this is used for direct lookups only.
func (c *HDHomeRunClient) GetStreamAddress(_ context.Context, _ Login, ch *types.Channel) (string, error) {
	if ch.StreamURL != "" {
		return ch.StreamURL, nil
	}
	return StreamBase(c.baseURL) + "/auto/v" + url.PathEscape(ch.StreamID), nil
}

// StreamBase returns the device's streaming endpoint (port 5004) for a device URL
func StreamBase(deviceURL string) string {
	u, err := url.Parse(deviceURL)
	if err != nil || u.Host == "" {
		return deviceURL
	}
	host := u.Hostname()
	return u.Scheme + "://" + net.JoinHostPort(host, "5004")
}
