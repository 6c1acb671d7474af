// Package httpapi serves the worker's HTTP surface: health and Prometheus
// metrics endpoints, adaptive-schedule introspection, and an optional
// webhook hint endpoint that enqueues an out-of-cycle poll of one PR.
// Polling stays authoritative; a webhook only ever shortcuts the wait.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/scheduler"
)

// ScheduleInspector exposes the scheduler's adaptive polling state for the
// /schedules introspection endpoint.
type ScheduleInspector interface {
	Schedules() map[int64]scheduler.ScheduleInfo
}

// WebhookHint is invoked when a webhook POST names a repository and PR
// number. The handler only decodes and validates the payload; the actual
// out-of-cycle poll is the caller's responsibility and must route through
// the normal discovery, detection, and synchronization path, never writing
// PR state directly from the webhook body.
type WebhookHint func(ctx context.Context, provider string, repoFullName string, prNumber int) error

// Server bundles the dependencies the HTTP surface reads from.
type Server struct {
	Schedules   ScheduleInspector
	OnWebhook   WebhookHint
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter builds the chi router mounting /healthz, /metrics, /schedules,
// and /webhooks/{provider}.
func NewRouter(srv *Server) chi.Router {
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}

	r := chi.NewRouter()

	origins := srv.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Webhook-Token"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/schedules", srv.handleSchedules)
	r.Post("/webhooks/{provider}", srv.handleWebhook)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedules": map[string]any{}})
		return
	}

	out := make(map[string]scheduleView, 8)
	for id, sched := range s.Schedules.Schedules() {
		out[strconv.FormatInt(id, 10)] = scheduleView{
			Tier:       sched.Tier.String(),
			NextPollAt: sched.NextPollAt,
			LastPolled: sched.LastPolled,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

type scheduleView struct {
	Tier       string    `json:"tier"`
	NextPollAt time.Time `json:"next_poll_at"`
	LastPolled time.Time `json:"last_polled_at"`
}

// webhookHintPayload is the minimal shape this system accepts from any
// hosting platform's webhook: enough to identify one PR to re-poll. Provider
// wire-format differences (GitHub's nested pull_request object, Gitea's
// flatter shape) are normalized by the caller before this handler is hit in
// a production deployment; this handler itself only validates the
// normalized shape, keeping provider parsing out of the HTTP layer.
type webhookHintPayload struct {
	RepositoryFullName string `json:"repository_full_name"`
	PRNumber           int    `json:"pr_number"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if model.Provider(provider) != model.ProviderGitHub && model.Provider(provider) != model.ProviderGitea {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}

	var payload webhookHintPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if payload.RepositoryFullName == "" || payload.PRNumber <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repository_full_name and pr_number are required"})
		return
	}

	if s.OnWebhook == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored: no webhook handler configured"})
		return
	}

	if err := s.OnWebhook(r.Context(), provider, payload.RepositoryFullName, payload.PRNumber); err != nil {
		s.Logger.Error("webhook hint handling failed", "repo", payload.RepositoryFullName, "pr", payload.PRNumber, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted: hint processing failed, will be caught by next poll cycle"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
