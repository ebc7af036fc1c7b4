package utils

import (
	"kptv-broker/work/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "", ObfuscateURL(""))
	assert.Equal(t, "http://host:8080/***?***", ObfuscateURL("http://host:8080/live/u/p/1.ts?x=1"))
	assert.Equal(t, "http://host", ObfuscateURL("http://host/"))
}

func TestStripCredentials(t *testing.T) {
	got := StripCredentials("http://host/player_api.php?password=secret&username=bob")
	assert.NotContains(t, got, "secret")
	assert.NotContains(t, got, "bob")

	got = StripCredentials("http://bob:pw@host/x")
	assert.NotContains(t, got, "bob")
	assert.NotContains(t, got, "pw@")
}

func TestLogURL(t *testing.T) {
	cfg := &config.Config{ObfuscateUrls: true}
	assert.Equal(t, "http://host/***", LogURL(cfg, "http://host/path"))
	assert.Equal(t, "http://host/path", LogURL(nil, "http://host/path"))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "US_ABC_HD", SanitizeName("US: ABC / HD"))
	assert.Equal(t, "5.1", SanitizeName("5.1"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 MiB", FormatBytes(2*1024*1024))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "12m", FormatDuration(12*time.Minute))
	assert.Equal(t, "3h 4m", FormatDuration(3*time.Hour+4*time.Minute))
	assert.Equal(t, "2d 5h", FormatDuration(53*time.Hour))
}
