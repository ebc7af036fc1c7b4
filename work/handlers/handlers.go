// Package handlers exposes the broker over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"kptv-broker/work/broker"
	"kptv-broker/work/capacity"
	"kptv-broker/work/catalog"
	"kptv-broker/work/database"
	"kptv-broker/work/failover"
	"kptv-broker/work/logger"
	"kptv-broker/work/middleware"
	"kptv-broker/work/provider"
	"kptv-broker/work/tuner"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds every route. hlsDir, when set, is served under /hls/ for ffmpeg tuner output.
func NewRouter(b *broker.Broker, hlsDir string) *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.CORS, middleware.Gzip)

	api.HandleFunc("/sessions", handleRequestSession(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions", handleListSessions(b)).Methods("GET")
	api.HandleFunc("/sessions/{token}/heartbeat", handleHeartbeat(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{token}", handleReleaseSession(b)).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/channels/{id}/backups", handleGetBackups(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/channels/{id}/suggestions", handleSuggest(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/mappings", handleCreateMapping(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/mappings/{id}", handleUpdateMapping(b)).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/mappings/{id}", handleDeleteMapping(b)).Methods("DELETE")

	api.HandleFunc("/providers/{id}/automap", handleAutoMap(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/providers/{id}/health", handleGetHealth(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/providers/{id}/health", handleCheckHealth(b)).Methods("POST")
	api.HandleFunc("/providers/{id}/sync", handleSync(b)).Methods("POST", "OPTIONS")

	api.HandleFunc("/tuners", handleListTuners(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/tuner/sessions", handleRequestTuner(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/tuner/sessions/{id}/heartbeat", handleTunerHeartbeat(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/tuner/sessions/{id}/failure", handleReportTunerFailure(b)).Methods("POST", "OPTIONS")
	api.HandleFunc("/tuner/sessions/{id}", handleReleaseTuner(b)).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/tuner/queue/{id}", handlePollTuner(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/tuner/queue/{id}", handleCancelTuner(b)).Methods("DELETE")

	api.HandleFunc("/test-overrides", handleListOverrides(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/test-overrides/{streamId}", handleSetOverride(b)).Methods("PUT", "OPTIONS")
	api.HandleFunc("/test-overrides/{streamId}", handleClearOverride(b)).Methods("DELETE")

	api.HandleFunc("/viewers/{id}/channels", handleChannelList(b)).Methods("GET", "OPTIONS")
	api.HandleFunc("/viewers/{id}/credentials", handleSetViewerCredentials(b)).Methods("PUT", "OPTIONS")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if hlsDir != "" {
		router.PathPrefix("/hls/").Handler(http.StripPrefix("/hls/", http.FileServer(http.Dir(hlsDir))))
	}
	return router
}

// statusFor maps broker errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, capacity.ErrCapacityExhausted),
		errors.Is(err, tuner.ErrTunerAllFailed),
		errors.Is(err, broker.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tuner.ErrTunerQueueTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, failover.ErrInvalidMapping):
		return http.StatusBadRequest
	case errors.Is(err, failover.ErrChannelNotFound),
		errors.Is(err, failover.ErrMappingNotFound),
		errors.Is(err, tuner.ErrRequestNotFound),
		errors.Is(err, tuner.ErrSessionNotFound),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrNoLogin):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnreachable), errors.Is(err, provider.ErrAuthFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.Error("{handlers/handlers - writeError} %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debug("{handlers/handlers - writeError} %s %s: %d %v", r.Method, r.URL.Path, status, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func handleRequestSession(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ViewerID  int64 `json:"viewerId"`
			ChannelID int64 `json:"channelId"`
		}
		if err := decode(w, r, &req); err != nil || req.ViewerID <= 0 || req.ChannelID <= 0 {
			badRequest(w, "viewerId and channelId are required")
			return
		}

		alloc, err := b.RequestStreamSession(r.Context(), req.ViewerID, req.ChannelID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if alloc.Queued {
			status = http.StatusAccepted
		}
		writeJSON(w, status, alloc)
	}
}

func handleListSessions(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Sessions())
	}
}

func handleHeartbeat(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alive := b.Heartbeat(r.Context(), mux.Vars(r)["token"])
		writeJSON(w, http.StatusOK, map[string]bool{"alive": alive})
	}
}

func handleReleaseSession(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.ReleaseSession(r.Context(), mux.Vars(r)["token"]); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleGetBackups(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid channel id")
			return
		}
		backups, err := b.GetBackupChannels(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, backups)
	}
}

func handleSuggest(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid channel id")
			return
		}
		target, _ := strconv.ParseInt(r.URL.Query().Get("provider"), 10, 64)

		out, err := b.SuggestMappings(r.Context(), id, target, queryInt(r, "limit"), queryInt(r, "minConfidence"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateMapping(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PrimaryChannelID int64 `json:"primaryChannelId"`
			BackupChannelID  int64 `json:"backupChannelId"`
			Priority         *int  `json:"priority,omitempty"`
		}
		if err := decode(w, r, &req); err != nil || req.PrimaryChannelID <= 0 || req.BackupChannelID <= 0 {
			badRequest(w, "primaryChannelId and backupChannelId are required")
			return
		}

		m, err := b.Failover().CreateMapping(r.Context(), req.PrimaryChannelID, req.BackupChannelID, req.Priority)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func handleUpdateMapping(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid mapping id")
			return
		}
		var upd failover.MappingUpdate
		if err := decode(w, r, &upd); err != nil {
			badRequest(w, "invalid JSON")
			return
		}

		m, err := b.Failover().UpdateMapping(r.Context(), id, upd)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleDeleteMapping(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid mapping id")
			return
		}
		if err := b.Failover().DeleteMapping(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleAutoMap(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid provider id")
			return
		}
		var req struct {
			TargetProviderID int64 `json:"targetProviderId"`
		}
		if err := decode(w, r, &req); err != nil || req.TargetProviderID <= 0 {
			badRequest(w, "targetProviderId is required")
			return
		}

		res, err := b.AutoMapProvider(r.Context(), id, req.TargetProviderID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetHealth(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid provider id")
			return
		}
		rep, err := b.GetProviderHealth(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleCheckHealth(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid provider id")
			return
		}
		res, err := b.CheckProviderHealth(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSync(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid provider id")
			return
		}
		res, err := b.SyncProvider(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListTuners(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Tuners())
	}
}

func handleRequestTuner(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProviderID int64  `json:"providerId"`
			ViewerID   int64  `json:"viewerId"`
			Channel    string `json:"channel"`
			Priority   string `json:"priority"`
		}
		if err := decode(w, r, &req); err != nil || req.ProviderID <= 0 || req.ViewerID <= 0 || req.Channel == "" {
			badRequest(w, "providerId, viewerId and channel are required")
			return
		}
		prio, ok := tuner.ParsePriority(req.Priority)
		if !ok {
			badRequest(w, "priority must be pulse, live or recording")
			return
		}

		res, err := b.RequestTunerStream(r.Context(), req.ProviderID, req.ViewerID, req.Channel, prio)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Queued {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func handleTunerHeartbeat(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alive := b.TunerHeartbeat(r.Context(), mux.Vars(r)["id"])
		writeJSON(w, http.StatusOK, map[string]bool{"alive": alive})
	}
}

func handleReleaseTuner(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.ReleaseTunerSession(r.Context(), mux.Vars(r)["id"])
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// handleReportTunerFailure lets a player report that its tuner stream broke. Repeated
// reports take the tuner out of service.
func handleReportTunerFailure(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(w, "invalid body")
			return
		}
		if req.Reason == "" {
			req.Reason = "reported by viewer"
		}

		if err := b.ReportTunerFailure(r.Context(), mux.Vars(r)["id"], errors.New(req.Reason)); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// maxQueueWait caps the long-poll on a queued tuner request
const maxQueueWait = time.Minute

// handlePollTuner reports on a queued request. With ?wait=<duration> it holds the request
// open until the ticket is served or fails, or the wait runs out.
func handlePollTuner(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var (
			res *tuner.Result
			err error
		)
		if raw := r.URL.Query().Get("wait"); raw != "" {
			wait, perr := time.ParseDuration(raw)
			if perr != nil || wait <= 0 {
				badRequest(w, "wait must be a positive duration such as 30s")
				return
			}
			if wait > maxQueueWait {
				wait = maxQueueWait
			}
			res, err = b.WaitTunerRequest(r.Context(), id, wait)
		} else {
			res, err = b.PollTunerRequest(id)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Queued {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func handleCancelTuner(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok := b.CancelTunerRequest(r.Context(), mux.Vars(r)["id"])
		writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
	}
}

func handleListOverrides(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Failover().TestOverrides())
	}
}

func handleSetOverride(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BackupChannelID int64 `json:"backupChannelId"`
		}
		if err := decode(w, r, &req); err != nil || req.BackupChannelID <= 0 {
			badRequest(w, "backupChannelId is required")
			return
		}
		if err := b.SetTestOverride(r.Context(), mux.Vars(r)["streamId"], req.BackupChannelID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleClearOverride(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.Failover().ClearTestOverride(mux.Vars(r)["streamId"])
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleChannelList(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid viewer id")
			return
		}
		list, err := b.ChannelList(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleSetViewerCredentials(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			badRequest(w, "invalid viewer id")
			return
		}
		var req struct {
			CredentialIDs []int64 `json:"credentialIds"`
		}
		if err := decode(w, r, &req); err != nil {
			badRequest(w, "invalid JSON")
			return
		}
		if err := b.SetViewerCredentials(r.Context(), id, req.CredentialIDs); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
