package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"kptv-broker/work/broker"
	"kptv-broker/work/logger"
	"kptv-broker/work/middleware"
	"kptv-broker/work/utils"
)

// StatsResponse is the admin status document
type StatsResponse struct {
	*broker.Stats
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	MemoryUsage string `json:"memoryUsage"`
	TotalAlloc  string `json:"totalAlloc"`
	Goroutines  int    `json:"goroutines"`
	LogLevel    string `json:"logLevel"`
}

// Admin carries the process-level state the admin endpoints report on
type Admin struct {
	Version string
	Started time.Time
	Logs    *logger.Ring
	// Restart receives a signal when a reload is requested; nil disables the endpoint
	Restart chan<- struct{}
}

// AddAdminRoutes registers status, config, log and restart endpoints
func AddAdminRoutes(router *mux.Router, b *broker.Broker, admin Admin) {
	api := router.PathPrefix("/api/admin").Subrouter()
	api.Use(middleware.CORS, middleware.Gzip)

	api.HandleFunc("/stats", handleGetStats(b, admin)).Methods("GET", "OPTIONS")
	api.HandleFunc("/config", handleGetConfig(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/logs", handleGetLogs(admin)).Methods("GET", "OPTIONS")
	api.HandleFunc("/logs", handleClearLogs(admin)).Methods("DELETE")
	api.HandleFunc("/restart", handleRestart(admin)).Methods("POST", "OPTIONS")
}

func handleGetStats(b *broker.Broker, admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := b.Stats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		writeJSON(w, http.StatusOK, StatsResponse{
			Stats:       st,
			Version:     admin.Version,
			Uptime:      utils.FormatDuration(time.Since(admin.Started)),
			MemoryUsage: utils.FormatBytes(int64(m.Alloc)),
			TotalAlloc:  utils.FormatBytes(int64(m.TotalAlloc)),
			Goroutines:  runtime.NumGoroutine(),
			LogLevel:    logger.GetLogLevel(),
		})
	}
}

// handleGetConfig returns the running configuration. The secret key is never serialized.
func handleGetConfig(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := *b.Config()
		if cfg.RedisURL != "" {
			cfg.RedisURL = utils.StripCredentials(cfg.RedisURL)
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func handleGetLogs(admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin.Logs == nil {
			writeJSON(w, http.StatusOK, []interface{}{})
			return
		}
		writeJSON(w, http.StatusOK, admin.Logs.Entries())
	}
}

func handleClearLogs(admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin.Logs != nil {
			admin.Logs.Clear()
		}
		logger.Info("{handlers/admin - handleClearLogs} log buffer cleared")
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleRestart(admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin.Restart == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "restart is not available"})
			return
		}
		select {
		case admin.Restart <- struct{}{}:
			logger.Info("{handlers/admin - handleRestart} reload requested")
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "restart_initiated"})
		default:
			writeJSON(w, http.StatusConflict, map[string]string{"error": "restart already pending"})
		}
	}
}
