package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"upscale-orders/internal/telemetry"
)

// Handler processes one provider's webhook body and returns the HTTP status to
// answer with. A non-nil error is logged; the status is sent regardless, since
// providers retry on anything but 2xx and most handler errors are not fixed by
// a retry.
type Handler interface {
	HandleWebhook(r *http.Request, body []byte) (int, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(r *http.Request, body []byte) (int, error)

func (f HandlerFunc) HandleWebhook(r *http.Request, body []byte) (int, error) {
	return f(r, body)
}

// Router dispatches POST /webhook/{service} to the handler registered for that
// service name. The handler set is fixed at startup; there is no dynamic
// registration after Routes is called.
type Router struct {
	log      zerolog.Logger
	maxBytes int64
	handlers map[string]Handler
}

func NewRouter(log zerolog.Logger, maxBytes int64) *Router {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Router{
		log:      log.With().Str("component", "webhook").Logger(),
		maxBytes: maxBytes,
		handlers: make(map[string]Handler),
	}
}

// Register binds a service path segment to its handler. Later registrations
// for the same name win, which keeps test wiring simple.
func (rt *Router) Register(service string, h Handler) {
	rt.handlers[service] = h
}

// Routes returns the chi subtree to mount at /webhook.
func (rt *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{service}", rt.serve)
	return r
}

func (rt *Router) serve(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	h, ok := rt.handlers[service]
	if !ok {
		telemetry.WebhookRejects.WithLabelValues(service, "unknown_service").Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown webhook service"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.maxBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		reason, status := "read_failed", http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			reason, status = "body_too_large", http.StatusRequestEntityTooLarge
		}
		telemetry.WebhookRejects.WithLabelValues(service, reason).Inc()
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	status := rt.dispatch(service, h, r, body)
	if status >= 400 {
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}
	writeJSON(w, status, map[string]string{"received": "ok"})
}

// dispatch isolates handler panics. A panic still answers 200 so the provider
// stops retrying a payload that will only crash us again; the log line is the
// paper trail.
func (rt *Router) dispatch(service string, h Handler, r *http.Request, body []byte) (status int) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.log.Error().
				Str("service", service).
				Interface("panic", rec).
				Msg("webhook handler panicked")
			status = http.StatusOK
		}
	}()

	status, err := h.HandleWebhook(r, body)
	if err != nil {
		rt.log.Error().Err(err).Str("service", service).Int("status", status).Msg("webhook handling failed")
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
