// Package api wires the HTTP trigger endpoints and the quota-facing surface.
// The scheduler and worker are driven by external timers hitting these
// endpoints; both are gated by a shared secret checked before any store
// access.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KIMYOUNGGWANG/snapquote/internal/config"
	"github.com/KIMYOUNGGWANG/snapquote/internal/delivery"
	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/quota"
	"github.com/KIMYOUNGGWANG/snapquote/internal/ratelimit"
	"github.com/KIMYOUNGGWANG/snapquote/internal/scheduler"
	"github.com/KIMYOUNGGWANG/snapquote/internal/store"
	"github.com/KIMYOUNGGWANG/snapquote/internal/telemetry"
)

// SecretHeader carries the shared trigger secret.
const SecretHeader = "X-Automation-Secret"

// SchedulerRunner executes one scheduler pass.
type SchedulerRunner interface {
	Run(ctx context.Context) (scheduler.Report, error)
}

// JobProcessor executes one job id synchronously.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) (string, error)
}

// QuotaGuard is the metered-operation gate and usage projection.
type QuotaGuard interface {
	Check(ctx context.Context, userID, metric string) error
	Record(ctx context.Context, userID, metric string, n int) error
	CurrentUsage(ctx context.Context, userID string) (quota.Snapshot, error)
}

// EstimateStore is the slice of the store the send endpoint touches.
type EstimateStore interface {
	GetEstimate(ctx context.Context, id string) (models.Estimate, error)
	MarkEstimateSent(ctx context.Context, id string) error
}

// Server wires HTTP handlers for the automation trigger API.
type Server struct {
	cfg       config.Config
	scheduler SchedulerRunner
	processor JobProcessor
	guard     QuotaGuard
	estimates EstimateStore
	provider  delivery.Provider
	limiter   *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil (tests).
func New(cfg config.Config, sched SchedulerRunner, proc JobProcessor, guard QuotaGuard, estimates EstimateStore, provider delivery.Provider, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:       cfg,
		scheduler: sched,
		processor: proc,
		guard:     guard,
		estimates: estimates,
		provider:  provider,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Use(s.rateLimit)
		r.Post("/hooks/scheduler/run", s.handleSchedulerRun)
		r.Post("/hooks/jobs/{id}", s.handleProcessJob)
		r.Get("/usage/{userID}", s.handleUsage)
		r.Post("/estimates/{id}/send", s.handleSendEstimate)
	})
	return r
}

// requireSecret rejects requests whose shared secret does not match, before
// any store access. An unconfigured secret is a deployment error and fails
// closed.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AutomationSecret == "" {
			writeError(w, http.StatusInternalServerError, "automation secret not configured")
			return
		}
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AutomationSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid automation secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), "triggers")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.Run(r.Context())
	if err != nil {
		slog.Error("Server.handleSchedulerRun: pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scheduler pass failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProcessJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.processor.ProcessJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		slog.Error("Server.handleProcessJob: processing failed", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "job processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "outcome": outcome})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	snap, err := s.guard.CurrentUsage(r.Context(), userID)
	if err != nil {
		slog.Error("Server.handleUsage: snapshot failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSendEstimate is the metered operation: quota check, send, mark sent,
// then record usage. Quota rejection surfaces as 402 so calling UIs can
// route to an upgrade flow. A duplicate invocation finds the estimate past
// draft and resolves as a no-op before any email goes out.
func (s *Server) handleSendEstimate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	est, err := s.estimates.GetEstimate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "estimate not found")
		return
	}

	if est.Status != models.EstimateDraft {
		writeJSON(w, http.StatusOK, map[string]string{"estimate_id": id, "status": est.Status})
		return
	}

	if err := s.guard.Check(r.Context(), est.UserID, models.MetricEstimatesSent); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			writeJSON(w, http.StatusPaymentRequired, map[string]string{
				"error": "quota_exceeded",
				"hint":  "upgrade required to send more estimates this month",
			})
			return
		}
		slog.Error("Server.handleSendEstimate: quota check failed", "estimate", id, "error", err)
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	if err := delivery.ValidateAddress(est.ClientEmail); err != nil {
		writeError(w, http.StatusBadRequest, "client has no valid email address")
		return
	}
	email := delivery.Email{
		To:      est.ClientEmail,
		Subject: "Your estimate is ready",
		HTML:    "<p>Hi " + firstNonEmpty(est.ClientName, "there") + ",</p><p>Your estimate is ready to view.</p>",
	}
	if err := s.provider.Send(r.Context(), email); err != nil {
		slog.Error("Server.handleSendEstimate: provider send failed", "estimate", id, "error", err)
		writeError(w, http.StatusBadGateway, "email delivery failed")
		return
	}

	if err := s.estimates.MarkEstimateSent(r.Context(), id); err != nil {
		slog.Error("Server.handleSendEstimate: mark sent failed", "estimate", id, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.guard.Record(r.Context(), est.UserID, models.MetricEstimatesSent, 1); err != nil {
		slog.Error("Server.handleSendEstimate: usage record failed", "estimate", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"estimate_id": id, "status": models.EstimateSent})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
