package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of held capacity slots per credential.
// This metric is a gauge, it goes up on allocation and down on release or reclamation.
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_broker_active_sessions",
	Help: "Number of active stream sessions per credential",
}, []string{"credential"})

// Allocations counts session requests by result (allocated, failover, exhausted, error)
var Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_broker_allocations_total",
	Help: "Stream session allocation attempts by result",
}, []string{"result"})

// SessionsReclaimed counts sessions ended, by reason (release, timeout)
var SessionsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_broker_sessions_reclaimed_total",
	Help: "Stream sessions ended by reason",
}, []string{"reason"})

// Failovers counts requests served from a backup channel
var Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_broker_failovers_total",
	Help: "Requests served from a backup channel",
}, []string{"provider"})

// HealthChecks counts provider health checks by outcome
var HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_broker_health_checks_total",
	Help: "Provider health checks by outcome",
}, []string{"provider", "outcome"})

// ProviderHealth is 1 for the provider's current status label and 0 for the others
var ProviderHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_broker_provider_health",
	Help: "Current provider health status",
}, []string{"provider", "status"})

// TunerStates tracks how many tuners are in each state
var TunerStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_broker_tuner_states",
	Help: "Number of tuners per state",
}, []string{"state"})

// TunerQueueDepth tracks queued tuner requests
var TunerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_broker_tuner_queue_depth",
	Help: "Number of tuner requests waiting for a free tuner",
})

// CatalogChannels tracks the number of channels synced per provider
var CatalogChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_broker_catalog_channels",
	Help: "Channels imported per provider on the last sync",
}, []string{"provider"})
