package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"upscale-orders/internal/config"
	"upscale-orders/internal/download"
	"upscale-orders/internal/models"
	"upscale-orders/internal/payments"
	"upscale-orders/internal/pricing"
	"upscale-orders/internal/ratelimit"
	"upscale-orders/internal/store"
	"upscale-orders/internal/telemetry"
	"upscale-orders/internal/webhook"
)

// CheckoutService creates checkout sessions for new orders.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (payments.CheckoutResult, error)
}

// JobReader serves customer-facing status lookups.
type JobReader interface {
	GetByJobID(ctx context.Context, jobID string) (models.Job, error)
}

// AdminSubmitter triggers a manual provider submission.
type AdminSubmitter interface {
	SubmitOverride(ctx context.Context, jobID, actor, reason string) error
}

// Server wires HTTP handlers for the order API.
type Server struct {
	cfg       config.Config
	log       zerolog.Logger
	checkouts CheckoutService
	jobs      JobReader
	admin     AdminSubmitter
	calc      *pricing.Calculator
	downloads *download.Manager
	webhooks  *webhook.Router
	limiter   *ratelimit.Limiter
}

// New constructs the API server.
func New(cfg config.Config, log zerolog.Logger, checkouts CheckoutService, jobs JobReader, admin AdminSubmitter,
	calc *pricing.Calculator, downloads *download.Manager, webhooks *webhook.Router, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
		checkouts: checkouts,
		jobs:      jobs,
		admin:     admin,
		calc:      calc,
		downloads: downloads,
		webhooks:  webhooks,
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
	r.Mount("/webhook", s.webhooks.Routes())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.With(s.limiter.Middleware(s.log, "quote")).Get("/quote", s.handleQuote)
			r.With(s.limiter.Middleware(s.log, "checkout")).Post("/checkouts", s.handleCreateCheckout)
		} else {
			r.Get("/quote", s.handleQuote)
			r.Post("/checkouts", s.handleCreateCheckout)
		}
		r.Get("/jobs/{id}", s.handleGetJob)
		r.With(s.requireAdmin).Post("/admin/jobs/{id}/upscale", s.handleAdminUpscale)
	})

	r.Get("/download/{token}", s.handleDownload)
	return r
}

// handleQuote prices every supported resolution for the given dimensions.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	width, errW := strconv.Atoi(r.URL.Query().Get("width"))
	height, errH := strconv.Atoi(r.URL.Query().Get("height"))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		http.Error(w, "width and height must be positive integers", http.StatusBadRequest)
		return
	}

	quotes := s.calc.PriceAll(width, height)
	out := make(map[string]pricing.Quote, len(quotes))
	for res, q := range quotes {
		out[string(res)] = q
	}
	telemetry.QuotesServed.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"width":  width,
		"height": height,
		"quotes": out,
	})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req payments.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.checkouts.CreateCheckout(r.Context(), req)
	if err != nil {
		if ve, ok := models.AsValidation(err); ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Msg, "field": ve.Field, "code": ve.Code})
			return
		}
		if errors.Is(err, payments.ErrZeroPrice) {
			http.Error(w, "order cannot be priced", http.StatusBadRequest)
			return
		}
		if errors.Is(err, payments.ErrPaymentUnavailable) {
			http.Error(w, "payment provider unavailable", http.StatusBadGateway)
			return
		}
		s.log.Error().Err(err).Msg("checkout creation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type jobResponse struct {
	models.Job
	DownloadURL string `json:"download_url,omitempty"`
}

// handleGetJob returns customer-visible order state. The JSON tags on the
// model hide provider ids and failure internals; a download link is attached
// only while an unexpired delivery exists.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetByJobID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Str("job_id", id).Msg("job lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := jobResponse{Job: job}
	if job.Status == models.StatusCompleted && job.DownloadToken != "" &&
		job.DownloadExpiresAt != nil && job.DownloadExpiresAt.After(time.Now()) {
		resp.DownloadURL = s.cfg.PublicBaseURL + "/download/" + job.DownloadToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	s.downloads.Serve(w, r, token)
}

type adminUpscaleRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdminUpscale(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req adminUpscaleRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Actor == "" {
		req.Actor = "admin"
	}

	if err := s.admin.SubmitOverride(r.Context(), id, req.Actor, req.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Str("job_id", id).Msg("manual upscale failed")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

// requireAdmin gates operator endpoints on a shared token. No token configured
// means the endpoints are disabled outright.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
