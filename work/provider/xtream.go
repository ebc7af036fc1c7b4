package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"kptv-broker/work/client"
	"kptv-broker/work/logger"
	"kptv-broker/work/types"
	"kptv-broker/work/utils"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/ratelimit"
)

// XtreamClient talks to api-driven providers through player_api.php
type XtreamClient struct {
	baseURL string
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
}

// flexString accepts JSON strings and numbers; panels disagree on which they send
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type xcUserInfo struct {
	Auth           flexString `json:"auth"`
	Status         string     `json:"status"`
	MaxConnections flexString `json:"max_connections"`
	ActiveCons     flexString `json:"active_cons"`
}

type xcAuthResponse struct {
	UserInfo xcUserInfo `json:"user_info"`
}

// xcLiveStream is one entry of get_live_streams
type xcLiveStream struct {
	StreamID   flexString `json:"stream_id"`
	Name       string     `json:"name"`
	CategoryID flexString `json:"category_id"`
	StreamIcon string     `json:"stream_icon"`
}

type xcCategory struct {
	CategoryID   flexString `json:"category_id"`
	CategoryName string     `json:"category_name"`
}

func (c *XtreamClient) apiURL(login Login, action string) string {
	q := url.Values{}
	q.Set("username", login.Username)
	q.Set("password", login.Password)
	if action != "" {
		q.Set("action", action)
	}
	return c.baseURL + "/player_api.php?" + q.Encode()
}

// getJSON performs a rate limited GET and decodes the body into out
func (c *XtreamClient) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
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
		return fmt.Errorf("failed to decode %s: %w", utils.StripCredentials(rawURL), err)
	}
	return nil
}

// Authenticate succeeds when user_info.auth is 1 and the account status is Active
func (c *XtreamClient) Authenticate(ctx context.Context, login Login) error {
	var resp xcAuthResponse
	if err := c.getJSON(ctx, c.apiURL(login, ""), &resp); err != nil {
		return err
	}

	if resp.UserInfo.Auth != "1" {
		return fmt.Errorf("%w: auth=%q", ErrAuthFailed, string(resp.UserInfo.Auth))
	}
	if resp.UserInfo.Status != "" && !strings.EqualFold(resp.UserInfo.Status, "active") {
		return fmt.Errorf("%w: account status %s", ErrAuthFailed, resp.UserInfo.Status)
	}
	return nil
}

// ListChannels fetches live streams and resolves their category names
func (c *XtreamClient) ListChannels(ctx context.Context, login Login) ([]ChannelInfo, error) {
	var streams []xcLiveStream
	if err := c.getJSON(ctx, c.apiURL(login, "get_live_streams"), &streams); err != nil {
		return nil, err
	}

	groups := make(map[string]string)
	var categories []xcCategory
	if err := c.getJSON(ctx, c.apiURL(login, "get_live_categories"), &categories); err != nil {
		logger.Warn("{provider/xtream - ListChannels} categories unavailable from %s: %v", c.baseURL, err)
	}
	for _, cat := range categories {
		groups[string(cat.CategoryID)] = cat.CategoryName
	}

	out := make([]ChannelInfo, 0, len(streams))
	for _, s := range streams {
		if s.StreamID == "" || s.Name == "" {
			continue
		}
		out = append(out, ChannelInfo{
			StreamID: string(s.StreamID),
			Name:     s.Name,
			Group:    groups[string(s.CategoryID)],
			Logo:     s.StreamIcon,
			Quality:  DetectQuality(s.Name),
		})
	}

	logger.Debug("{provider/xtream - ListChannels} %d live streams from %s", len(out), c.baseURL)
	return out, nil
}

// GetStreamAddress builds the /live/{user}/{pass}/{id}.ts address
func (c *XtreamClient) GetStreamAddress(_ context.Context, login Login, ch *types.Channel) (string, error) {
	if _, err := strconv.ParseInt(ch.StreamID, 10, 64); err != nil {
		return "", fmt.Errorf("invalid xtream stream id %q", ch.StreamID)
	}
	return fmt.Sprintf("%s/live/%s/%s/%s.ts", c.baseURL,
		url.PathEscape(login.Username), url.PathEscape(login.Password), ch.StreamID), nil
}

// CheckHealth is an authentication check
func (c *XtreamClient) CheckHealth(ctx context.Context, login Login) error {
	return c.Authenticate(ctx, login)
}
