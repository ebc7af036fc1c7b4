package types

import (
	"time"
)

// ProviderType tags the upstream protocol a provider speaks. The set is closed: every
// provider client implementation is selected from this tag.
type ProviderType string

const (
	ProviderXtream   ProviderType = "xtream"   // API-driven provider (player_api.php)
	ProviderPlaylist ProviderType = "playlist" // static M3U/M3U8 playlist
	ProviderTuner    ProviderType = "tuner"    // locally attached HDHomeRun tuner hardware
)

// Valid reports whether t is one of the known provider types
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderXtream, ProviderPlaylist, ProviderTuner:
		return true
	}
	return false
}

// HealthStatus is the current verdict on a provider or credential
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// CheckOutcome distinguishes why a check ended the way it did, so uptime accounting can tell
// rejected logins apart from unreachable hosts.
type CheckOutcome string

const (
	OutcomeOK          CheckOutcome = "ok"
	OutcomeSlow        CheckOutcome = "slow"
	OutcomeAuthFailed  CheckOutcome = "auth_failed"
	OutcomeUnreachable CheckOutcome = "unreachable"
	OutcomeError       CheckOutcome = "error"
)

// Provider is an upstream source of channels
type Provider struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	Type            ProviderType `json:"type"`
	URL             string       `json:"url"`
	UserAgent       string       `json:"userAgent,omitempty"`
	IncludeRegex    string       `json:"includeRegex,omitempty"`
	ExcludeRegex    string       `json:"excludeRegex,omitempty"`
	TunerCount      int          `json:"tunerCount,omitempty"` // 0 = ask the device
	Active          bool         `json:"active"`
	Health          HealthStatus `json:"health"`
	LastHealthCheck time.Time    `json:"lastHealthCheck"`
	LastSync        time.Time    `json:"lastSync"`
}

// Credential is one login to a provider with a hard cap on simultaneous streams.
// Secret is ciphertext; it is only turned into plaintext by a secrets.Decrypter at the
// moment a provider client needs it.
type Credential struct {
	ID              int64        `json:"id"`
	ProviderID      int64        `json:"providerId"`
	Username        string       `json:"username"`
	Secret          string       `json:"-"`
	MaxConnections  int          `json:"maxConnections"`
	Active          bool         `json:"active"`
	Health          HealthStatus `json:"health"`
	LastHealthCheck time.Time    `json:"lastHealthCheck"`
}

// Usable reports whether the credential may take part in allocation
func (c *Credential) Usable() bool {
	return c.Active && c.MaxConnections > 0 && c.Health != StatusUnhealthy
}

// Channel belongs to exactly one provider. (ProviderID, StreamID) is its matching identity.
type Channel struct {
	ID         int64  `json:"id"`
	ProviderID int64  `json:"providerId"`
	StreamID   string `json:"streamId"`
	Name       string `json:"name"`
	Group      string `json:"group,omitempty"`
	Logo       string `json:"logo,omitempty"`
	Quality    string `json:"quality,omitempty"`
	StreamURL  string `json:"-"` // playlist entry address; empty for api-driven providers
	Enabled    bool   `json:"enabled"`
}

// ChannelMapping is an ordered primary -> backup relation across providers
type ChannelMapping struct {
	ID               int64     `json:"id"`
	PrimaryChannelID int64     `json:"primaryChannelId"`
	BackupChannelID  int64     `json:"backupChannelId"`
	Priority         int       `json:"priority"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Backup is a usable failover target as returned to callers
type Backup struct {
	MappingID      int64        `json:"mappingId"`
	Channel        Channel      `json:"channel"`
	Priority       int          `json:"priority"`
	ProviderHealth HealthStatus `json:"providerHealth"`
}

// StreamSession is one viewer's claim on one credential slot
type StreamSession struct {
	Token         string    `json:"sessionToken"`
	ViewerID      int64     `json:"viewerId"`
	ChannelID     int64     `json:"channelId"`
	StreamID      string    `json:"streamId"`
	CredentialID  int64     `json:"credentialId,omitempty"` // 0 for tuner-backed sessions
	ProviderID    int64     `json:"providerId"`
	StreamAddress string    `json:"streamAddress"`
	FailedOver    bool      `json:"failedOver,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// TunerSession is a viewer's share of a physical tuner
type TunerSession struct {
	ID            string    `json:"id"`
	ViewerID      int64     `json:"viewerId"`
	TunerID       string    `json:"tunerId"`
	ProviderID    int64     `json:"providerId"`
	ChannelNumber string    `json:"channelNumber"`
	StreamAddress string    `json:"streamAddress"`
	Priority      int       `json:"priority"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// QueuedTunerRequest waits for a tuner to free up
type QueuedTunerRequest struct {
	ID            string    `json:"id"`
	ProviderID    int64     `json:"providerId"`
	ViewerID      int64     `json:"viewerId"`
	ChannelNumber string    `json:"channelNumber"`
	Priority      int       `json:"priority"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// HealthCheckRecord is one entry in the append-only check log
type HealthCheckRecord struct {
	ID         int64         `json:"id"`
	ProviderID int64         `json:"providerId"`
	CheckedAt  time.Time     `json:"checkedAt"`
	Status     HealthStatus  `json:"status"`
	Outcome    CheckOutcome  `json:"outcome"`
	Latency    time.Duration `json:"latency"`
	Message    string        `json:"message,omitempty"`
}

// CredentialCheck is the per-credential part of a health check
type CredentialCheck struct {
	CredentialID int64         `json:"credentialId"`
	Status       HealthStatus  `json:"status"`
	Outcome      CheckOutcome  `json:"outcome"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

// HealthResult is the outcome of one checkHealth call
type HealthResult struct {
	ProviderID  int64             `json:"providerId"`
	Status      HealthStatus      `json:"status"`
	Outcome     CheckOutcome      `json:"outcome"`
	Skipped     bool              `json:"skipped,omitempty"`
	CheckedAt   time.Time         `json:"checkedAt"`
	Latency     time.Duration     `json:"latency"`
	Credentials []CredentialCheck `json:"credentials,omitempty"`
}

// ProviderHealthReport is the read model behind getProviderHealth
type ProviderHealthReport struct {
	ProviderID      int64               `json:"providerId"`
	Status          HealthStatus        `json:"status"`
	LastHealthCheck time.Time           `json:"lastHealthCheck"`
	Uptime24h       *float64            `json:"uptime24h"`
	Uptime7d        *float64            `json:"uptime7d"`
	History         []HealthCheckRecord `json:"history"`
}
