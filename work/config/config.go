package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when KPTV_CONFIG is not set
const DefaultConfigPath = "/settings/config.json"

// Config holds all runtime configuration for the stream broker. It is loaded once at
// start-up and handed to every component by reference; nothing in the process reads
// configuration from a package-level cache.
type Config struct {
	ListenAddr     string   `json:"listenAddr"`       // HTTP listen address
	BaseURL        string   `json:"baseURL"`          // Public base URL (used for HLS pipeline addresses)
	DatabasePath   string   `json:"databasePath"`     // SQLite database file
	RedisURL       string   `json:"redisURL"`         // Optional: share the capacity ledger through Redis
	SecretKey      string   `json:"-"`                // Hex encoded 32 byte key for credential secrets
	LogLevel       string   `json:"logLevel"`         // DEBUG, INFO, WARN, ERROR
	Debug          bool     `json:"debug"`            // Forces DEBUG logging
	ObfuscateUrls  bool     `json:"obfuscateUrls"`    // Obfuscate URLs in logs for security
	WorkerThreads  int      `json:"workerThreads"`    // Size of the background worker pool
	UserAgent      string   `json:"userAgent"`        // Default upstream User-Agent
	ReqOrigin      string   `json:"reqOrigin"`        // Optional upstream Origin header
	ReqReferrer    string   `json:"reqReferrer"`      // Optional upstream Referer header
	PriorityPrefix []string `json:"priorityPrefixes"` // Channel name prefixes that mark preferred failover candidates

	Sessions SessionConfig `json:"sessions"`
	Health   HealthConfig  `json:"health"`
	Catalog  CatalogConfig `json:"catalog"`
	Tuner    TunerConfig   `json:"tuner"`
}

// SessionConfig controls credential allocation and session lifecycle
type SessionConfig struct {
	Timeout       time.Duration // reclaim iff now - lastHeartbeat >= Timeout
	SweepInterval time.Duration
	ListCacheTTL  time.Duration // merged per-viewer channel list
	ListCacheSize int
}

// HealthConfig controls provider probing
type HealthConfig struct {
	Interval        time.Duration
	Timeout         time.Duration
	DegradedLatency time.Duration // slower successful checks are reported as degraded
	Retention       time.Duration // health_checks rows older than this are pruned
	HistorySize     int
}

// CatalogConfig controls channel list refreshes
type CatalogConfig struct {
	RefreshInterval time.Duration
	Timeout         time.Duration
	RateLimit       int // upstream requests per second per provider
}

// TunerConfig controls the hardware tuner scheduler
type TunerConfig struct {
	MaxFailures     int
	FailureCooldown time.Duration
	QueueTimeout    time.Duration
	SweepInterval   time.Duration
	SessionTimeout  time.Duration
	DefaultCount    int      // tuners per device when discover.json does not say
	FFmpegMode      bool     // repackage tuner feeds through ffmpeg instead of handing out device URLs
	FFmpegPreInput  []string // FFmpeg arguments before -i
	FFmpegPreOutput []string // FFmpeg arguments before the output
	HLSDir          string   // where ffmpeg writes playlists
}

// ConfigFile is the on-disk representation. Durations are strings such as "90s" or "5m".
type ConfigFile struct {
	ListenAddr       string   `json:"listenAddr" yaml:"listenAddr"`
	BaseURL          string   `json:"baseURL" yaml:"baseURL"`
	DatabasePath     string   `json:"databasePath" yaml:"databasePath"`
	RedisURL         string   `json:"redisURL" yaml:"redisURL"`
	SecretKey        string   `json:"secretKey" yaml:"secretKey"`
	LogLevel         string   `json:"logLevel" yaml:"logLevel"`
	Debug            bool     `json:"debug" yaml:"debug"`
	ObfuscateUrls    bool     `json:"obfuscateUrls" yaml:"obfuscateUrls"`
	WorkerThreads    int      `json:"workerThreads" yaml:"workerThreads"`
	UserAgent        string   `json:"userAgent" yaml:"userAgent"`
	ReqOrigin        string   `json:"reqOrigin" yaml:"reqOrigin"`
	ReqReferrer      string   `json:"reqReferrer" yaml:"reqReferrer"`
	PriorityPrefixes []string `json:"priorityPrefixes" yaml:"priorityPrefixes"`

	SessionTimeout       string `json:"sessionTimeout" yaml:"sessionTimeout"`
	SessionSweepInterval string `json:"sessionSweepInterval" yaml:"sessionSweepInterval"`
	ListCacheTTL         string `json:"listCacheTTL" yaml:"listCacheTTL"`
	ListCacheSize        int    `json:"listCacheSize" yaml:"listCacheSize"`

	HealthInterval        string `json:"healthInterval" yaml:"healthInterval"`
	HealthTimeout         string `json:"healthTimeout" yaml:"healthTimeout"`
	HealthDegradedLatency string `json:"healthDegradedLatency" yaml:"healthDegradedLatency"`
	HealthRetention       string `json:"healthRetention" yaml:"healthRetention"`
	HealthHistorySize     int    `json:"healthHistorySize" yaml:"healthHistorySize"`

	CatalogRefreshInterval string `json:"catalogRefreshInterval" yaml:"catalogRefreshInterval"`
	CatalogTimeout         string `json:"catalogTimeout" yaml:"catalogTimeout"`
	CatalogRateLimit       int    `json:"catalogRateLimit" yaml:"catalogRateLimit"`

	TunerMaxFailures     int      `json:"tunerMaxFailures" yaml:"tunerMaxFailures"`
	TunerFailureCooldown string   `json:"tunerFailureCooldown" yaml:"tunerFailureCooldown"`
	TunerQueueTimeout    string   `json:"tunerQueueTimeout" yaml:"tunerQueueTimeout"`
	TunerSweepInterval   string   `json:"tunerSweepInterval" yaml:"tunerSweepInterval"`
	TunerSessionTimeout  string   `json:"tunerSessionTimeout" yaml:"tunerSessionTimeout"`
	TunerDefaultCount    int      `json:"tunerDefaultCount" yaml:"tunerDefaultCount"`
	FFmpegMode           bool     `json:"ffmpegMode" yaml:"ffmpegMode"`
	FFmpegPreInput       []string `json:"ffmpegPreInput" yaml:"ffmpegPreInput"`
	FFmpegPreOutput      []string `json:"ffmpegPreOutput" yaml:"ffmpegPreOutput"`
	HLSDir               string   `json:"hlsDir" yaml:"hlsDir"`
}

// LoadConfig loads the configuration named by KPTV_CONFIG (or DefaultConfigPath).
// A missing file is not an error: the defaults are returned instead, so a bare
// container still comes up. A present but invalid file is an error.
func LoadConfig() (*Config, error) {
	path := os.Getenv("KPTV_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}

	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Load reads a JSON or YAML config file (picked by extension) and fills in defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	cfg, err := convertFromFile(&cf)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(cfg)
	return cfg, nil
}

// parseDuration treats an empty string as "unset"
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		ListenAddr:     cf.ListenAddr,
		BaseURL:        cf.BaseURL,
		DatabasePath:   cf.DatabasePath,
		RedisURL:       cf.RedisURL,
		SecretKey:      cf.SecretKey,
		LogLevel:       cf.LogLevel,
		Debug:          cf.Debug,
		ObfuscateUrls:  cf.ObfuscateUrls,
		WorkerThreads:  cf.WorkerThreads,
		UserAgent:      cf.UserAgent,
		ReqOrigin:      cf.ReqOrigin,
		ReqReferrer:    cf.ReqReferrer,
		PriorityPrefix: cf.PriorityPrefixes,
	}
	cfg.Sessions.ListCacheSize = cf.ListCacheSize
	cfg.Health.HistorySize = cf.HealthHistorySize
	cfg.Catalog.RateLimit = cf.CatalogRateLimit
	cfg.Tuner.MaxFailures = cf.TunerMaxFailures
	cfg.Tuner.DefaultCount = cf.TunerDefaultCount
	cfg.Tuner.FFmpegMode = cf.FFmpegMode
	cfg.Tuner.FFmpegPreInput = cf.FFmpegPreInput
	cfg.Tuner.FFmpegPreOutput = cf.FFmpegPreOutput
	cfg.Tuner.HLSDir = cf.HLSDir

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"sessionTimeout", cf.SessionTimeout, &cfg.Sessions.Timeout},
		{"sessionSweepInterval", cf.SessionSweepInterval, &cfg.Sessions.SweepInterval},
		{"listCacheTTL", cf.ListCacheTTL, &cfg.Sessions.ListCacheTTL},
		{"healthInterval", cf.HealthInterval, &cfg.Health.Interval},
		{"healthTimeout", cf.HealthTimeout, &cfg.Health.Timeout},
		{"healthDegradedLatency", cf.HealthDegradedLatency, &cfg.Health.DegradedLatency},
		{"healthRetention", cf.HealthRetention, &cfg.Health.Retention},
		{"catalogRefreshInterval", cf.CatalogRefreshInterval, &cfg.Catalog.RefreshInterval},
		{"catalogTimeout", cf.CatalogTimeout, &cfg.Catalog.Timeout},
		{"tunerFailureCooldown", cf.TunerFailureCooldown, &cfg.Tuner.FailureCooldown},
		{"tunerQueueTimeout", cf.TunerQueueTimeout, &cfg.Tuner.QueueTimeout},
		{"tunerSweepInterval", cf.TunerSweepInterval, &cfg.Tuner.SweepInterval},
		{"tunerSessionTimeout", cf.TunerSessionTimeout, &cfg.Tuner.SessionTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.name, d.value)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	return cfg, nil
}

// Default returns the built-in configuration with every default applied
func Default() *Config {
	cfg := getDefaultConfig()
	validateAndSetDefaults(cfg)
	return cfg
}

// getDefaultConfig returns a baseline configuration when no file is present
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8080",
		BaseURL:      "http://localhost:8080",
		DatabasePath: "/settings/kptv-broker.db",
		LogLevel:     "INFO",
	}
}

// DefaultPriorityPrefixes mark channels from the preferred region/aggregator
var DefaultPriorityPrefixes = []string{"US:", "USA:", "US |", "US-", "[US]", "(US)"}

// validateAndSetDefaults ensures all config values are valid, filling in defaults for
// missing or invalid ones.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/settings/kptv-broker.db"
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = os.Getenv("KPTV_SECRET_KEY")
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if len(cfg.PriorityPrefix) == 0 {
		cfg.PriorityPrefix = append([]string(nil), DefaultPriorityPrefixes...)
	}

	s := &cfg.Sessions
	if s.Timeout <= 0 {
		s.Timeout = 90 * time.Second
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 10 * time.Second
	}
	if s.ListCacheTTL <= 0 {
		s.ListCacheTTL = 30 * time.Second
	}
	if s.ListCacheSize <= 0 {
		s.ListCacheSize = 10000
	}

	h := &cfg.Health
	if h.Interval <= 0 {
		h.Interval = 5 * time.Minute
	}
	if h.Timeout <= 0 {
		h.Timeout = 10 * time.Second
	}
	if h.DegradedLatency <= 0 {
		h.DegradedLatency = 3 * time.Second
	}
	if h.Retention <= 0 {
		h.Retention = 8 * 24 * time.Hour
	}
	if h.HistorySize <= 0 {
		h.HistorySize = 50
	}

	c := &cfg.Catalog
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 12 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}

	t := &cfg.Tuner
	if t.MaxFailures <= 0 {
		t.MaxFailures = 3
	}
	if t.FailureCooldown <= 0 {
		t.FailureCooldown = 60 * time.Second
	}
	if t.QueueTimeout <= 0 {
		t.QueueTimeout = 5 * time.Minute
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = 5 * time.Second
	}
	if t.SessionTimeout <= 0 {
		t.SessionTimeout = cfg.Sessions.Timeout
	}
	if t.DefaultCount <= 0 {
		t.DefaultCount = 4
	}
	if t.HLSDir == "" {
		t.HLSDir = "/tmp/kptv-hls"
	}
}

// Validate reports configuration that cannot be repaired with a default
func (c *Config) Validate() error {
	if c.Sessions.SweepInterval > c.Sessions.Timeout {
		return fmt.Errorf("sessionSweepInterval (%s) must not exceed sessionTimeout (%s)", c.Sessions.SweepInterval, c.Sessions.Timeout)
	}
	if c.SecretKey != "" && len(c.SecretKey) != 64 {
		return fmt.Errorf("secretKey must be 64 hex characters")
	}
	return nil
}
