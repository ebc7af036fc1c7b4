package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"kptv-broker/work/client"
	"kptv-broker/work/logger"
	"kptv-broker/work/types"
	"net/http"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"go.uber.org/ratelimit"
)

// maxPlaylistSize bounds how much of a playlist is read into memory
const maxPlaylistSize = 64 << 20

var extinfAttr = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// PlaylistClient reads static M3U/M3U8 playlists. There is no login and no health check.
type PlaylistClient struct {
	url     string
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
}

// Authenticate is a no-op: playlists carry any credentials in their URL
func (c *PlaylistClient) Authenticate(context.Context, Login) error {
	return nil
}

// CheckHealth is not supported; playlist providers are not checked
func (c *PlaylistClient) CheckHealth(context.Context, Login) error {
	return ErrNotSupported
}

// GetStreamAddress returns the entry URL stored at sync time
func (c *PlaylistClient) GetStreamAddress(_ context.Context, _ Login, ch *types.Channel) (string, error) {
	if ch.StreamURL == "" {
		return "", fmt.Errorf("%w: channel %d has no playlist address", ErrNotSupported, ch.ID)
	}
	return ch.StreamURL, nil
}

// ListChannels downloads the playlist once and parses it. HLS master playlists become one
// channel per variant; anything else goes through the EXTINF parser.
func (c *PlaylistClient) ListChannels(ctx context.Context, _ Login) ([]ChannelInfo, error) {
	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return nil, classifyTransport(err)
	}

	return ParsePlaylist(c.url, body), nil
}

// ParsePlaylist parses playlist bytes fetched from sourceURL
func ParsePlaylist(sourceURL string, body []byte) []ChannelInfo {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err == nil && listType == m3u8.MASTER {
		if master, ok := playlist.(*m3u8.MasterPlaylist); ok {
			return parseMaster(master)
		}
	}

	channels := ParseEXTINF(bytes.NewReader(body))
	if len(channels) == 0 && err == nil && listType == m3u8.MEDIA {
		// a bare media playlist is a single live stream
		channels = append(channels, ChannelInfo{StreamID: sourceURL, Name: "Direct Stream", URL: sourceURL})
	}

	logger.Debug("{provider/playlist - ParsePlaylist} %d channels parsed", len(channels))
	return channels
}

func parseMaster(master *m3u8.MasterPlaylist) []ChannelInfo {
	var out []ChannelInfo
	for _, variant := range master.Variants {
		if variant == nil {
			break
		}

		name := variant.Name
		if name == "" && variant.Resolution != "" {
			name = "Stream_" + variant.Resolution
		} else if name == "" {
			name = "Stream_" + strconv.FormatUint(uint64(variant.Bandwidth), 10)
		}

		out = append(out, ChannelInfo{
			StreamID: variant.URI,
			Name:     name,
			Quality:  variant.Resolution,
			URL:      variant.URI,
		})
	}
	return out
}

// ParseEXTINF reads #EXTINF entries. The stream id is tvg-id when present and unique,
// otherwise the entry URL.
func ParseEXTINF(r io.Reader) []ChannelInfo {
	var out []ChannelInfo
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var attrs map[string]string
	var name string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			attrs, name = parseEXTINFLine(line)
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case attrs != nil:
			if name == "" {
				name = attrs["tvg-name"]
			}
			if name == "" {
				name = "Unknown"
			}
			id := attrs["tvg-id"]
			if id == "" || seen[id] {
				id = line
			}
			if seen[id] {
				attrs = nil
				continue
			}
			seen[id] = true

			out = append(out, ChannelInfo{
				StreamID: id,
				Name:     name,
				Group:    attrs["group-title"],
				Logo:     attrs["tvg-logo"],
				Quality:  DetectQuality(name),
				URL:      line,
			})
			attrs = nil
		}
	}
	return out
}

// parseEXTINFLine splits an EXTINF line into its attributes and display name. The name
// follows the last comma outside quotes.
func parseEXTINFLine(line string) (map[string]string, string) {
	line = strings.TrimPrefix(line, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				lastComma = i
			}
		}
	}

	attrs := make(map[string]string)
	attrPart := line
	name := ""
	if lastComma >= 0 {
		attrPart = line[:lastComma]
		name = strings.TrimSpace(line[lastComma+1:])
	}
	for _, m := range extinfAttr.FindAllStringSubmatch(attrPart, -1) {
		attrs[strings.ToLower(m[1])] = m[2]
	}
	return attrs, name
}
