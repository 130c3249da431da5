package upscaler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"upscale-orders/internal/events"
	"upscale-orders/internal/models"
	"upscale-orders/internal/telemetry"
)

// JobStore is the slice of persistence the upscale flow needs.
type JobStore interface {
	GetByJobID(ctx context.Context, jobID string) (models.Job, error)
	GetByProviderJobID(ctx context.Context, providerID string) (models.Job, error)
	MarkProcessing(ctx context.Context, jobID, providerJobID string) error
	MarkCompleted(ctx context.Context, jobID, resultURL string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Submitter sends one job to the provider.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// Refunder compensates a paid job that failed. Wired to the payment
// orchestrator in main.
type Refunder interface {
	Refund(ctx context.Context, jobID, reason string) error
}

// Deliverer turns a provider-hosted result into a customer download.
type Deliverer interface {
	Deliver(ctx context.Context, job models.Job, resultURL string) error
}

// Orchestrator owns the upscaling leg: submission after payment, the
// provider's completion webhook, and failure compensation.
type Orchestrator struct {
	log         zerolog.Logger
	store       JobStore
	client      Submitter
	refunder    Refunder
	deliverer   Deliverer
	callbackURL string
	secret      string
}

func NewOrchestrator(log zerolog.Logger, store JobStore, client Submitter, refunder Refunder, deliverer Deliverer, callbackURL, webhookSecret string) *Orchestrator {
	return &Orchestrator{
		log:         log.With().Str("component", "upscaler").Logger(),
		store:       store,
		client:      client,
		refunder:    refunder,
		deliverer:   deliverer,
		callbackURL: callbackURL,
		secret:      webhookSecret,
	}
}

// OnStatusChange submits a job to the provider the moment its payment
// confirms. Registered with the event dispatcher at startup.
func (o *Orchestrator) OnStatusChange(ctx context.Context, change events.StatusChange) error {
	if change.To != models.StatusPending {
		return nil
	}
	return o.Submit(ctx, change.JobID)
}

// Submit sends a paid job to the provider and advances it to processing.
// A definitive rejection fails the job and triggers the refund; replays of an
// already-processing job are no-ops.
func (o *Orchestrator) Submit(ctx context.Context, jobID string) error {
	job, err := o.store.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ProviderJobID != "" || job.Status == models.StatusProcessing {
		return nil
	}
	if job.PaymentStatus != models.PaymentPaid {
		return fmt.Errorf("job %s: cannot submit unpaid job (payment %s)", jobID, job.PaymentStatus)
	}
	return o.submit(ctx, job)
}

// SubmitOverride pushes a job to the provider on an operator's say-so,
// bypassing the paid check. The actor and reason go into the audit trail.
func (o *Orchestrator) SubmitOverride(ctx context.Context, jobID, actor, reason string) error {
	job, err := o.store.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ProviderJobID != "" || job.Status == models.StatusProcessing {
		return nil
	}
	_ = o.store.AppendEvent(ctx, jobID, "manual_submit", fmt.Sprintf("actor=%s reason=%s", actor, reason))
	o.log.Warn().Str("job_id", jobID).Str("actor", actor).Str("reason", reason).Msg("manual upscale override")
	return o.submit(ctx, job)
}

func (o *Orchestrator) submit(ctx context.Context, job models.Job) error {
	result, err := o.client.Submit(ctx, SubmitRequest{
		ImageURL:    job.SourceURL,
		Factor:      job.Resolution.Factor(),
		CallbackURL: o.callbackURL,
	})
	if err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Msg("upscale submission failed")
		if ferr := o.store.MarkFailed(ctx, job.JobID, "upscale submission failed: "+err.Error()); ferr != nil {
			return errors.Join(err, ferr)
		}
		o.compensate(ctx, job.JobID, "upscale submission failed")
		return err
	}

	if err := o.store.MarkProcessing(ctx, job.JobID, result.ProviderJobID); err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Str("provider_job_id", result.ProviderJobID).
			Msg("provider accepted job but state not advanced")
		return err
	}
	telemetry.UpscaleSubmissions.Inc()
	telemetry.ProcessingGauge.Inc()
	o.log.Info().Str("job_id", job.JobID).Str("provider_job_id", result.ProviderJobID).Msg("upscale submitted")
	return nil
}

// providerEvent is the provider's webhook payload. Correlation is strictly by
// the provider's own id; the payload carries no identifier of ours.
type providerEvent struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"imageUrl"`
	Error     string `json:"error"`
}

// HandleWebhook processes provider completion callbacks. With a shared secret
// configured the header must match; without one the payload shape is the only
// gate. Unknown provider ids are acked so the provider stops retrying.
func (o *Orchestrator) HandleWebhook(r *http.Request, body []byte) (int, error) {
	if o.secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(o.secret)) != 1 {
			telemetry.WebhookRejects.WithLabelValues("upscaler", "bad_secret").Inc()
			return http.StatusUnauthorized, errors.New("upscaler webhook secret mismatch")
		}
	}

	var event providerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		telemetry.WebhookRejects.WithLabelValues("upscaler", "bad_payload").Inc()
		return http.StatusBadRequest, fmt.Errorf("parse provider event: %w", err)
	}
	if event.ID == "" || event.Status == "" {
		telemetry.WebhookRejects.WithLabelValues("upscaler", "bad_payload").Inc()
		return http.StatusBadRequest, errors.New("provider event missing id or status")
	}

	ctx := r.Context()
	job, err := o.store.GetByProviderJobID(ctx, event.ID)
	if err != nil {
		o.log.Warn().Str("provider_job_id", event.ID).Str("status", event.Status).
			Msg("provider event for unknown job")
		return http.StatusOK, nil
	}

	switch strings.ToUpper(event.Status) {
	case "SUCCESS", "COMPLETED":
		return o.onSuccess(ctx, job, event)
	case "FAILED", "ERROR":
		return o.onFailure(ctx, job, event)
	default:
		o.log.Info().Str("job_id", job.JobID).Str("status", event.Status).Msg("ignoring provider progress event")
		return http.StatusOK, nil
	}
}

func (o *Orchestrator) onSuccess(ctx context.Context, job models.Job, event providerEvent) (int, error) {
	if event.ResultURL == "" {
		return http.StatusBadRequest, fmt.Errorf("success event for %s carries no result url", event.ID)
	}
	replay := job.Status == models.StatusCompleted
	if err := o.store.MarkCompleted(ctx, job.JobID, event.ResultURL); err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Msg("could not complete job")
		return http.StatusOK, nil
	}
	if !replay {
		telemetry.UpscaleCompletions.Inc()
		telemetry.ProcessingGauge.Dec()
	}

	if replay && job.DownloadToken != "" {
		return http.StatusOK, nil
	}

	// Delivery failure does not undo completion. The artifact still exists at
	// the provider; an operator can re-trigger delivery from the result URL.
	if o.deliverer != nil {
		if err := o.deliverer.Deliver(ctx, job, event.ResultURL); err != nil {
			o.log.Error().Err(err).Str("job_id", job.JobID).Str("result_url", event.ResultURL).
				Msg("completed job has no customer download, needs follow-up")
			_ = o.store.AppendEvent(ctx, job.JobID, "delivery_failed", err.Error())
		}
	}
	o.log.Info().Str("job_id", job.JobID).Msg("upscale completed")
	return http.StatusOK, nil
}

func (o *Orchestrator) onFailure(ctx context.Context, job models.Job, event providerEvent) (int, error) {
	reason := event.Error
	if reason == "" {
		reason = "provider reported failure"
	}
	replay := job.Status == models.StatusFailed || job.Status == models.StatusRefunded
	if err := o.store.MarkFailed(ctx, job.JobID, reason); err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Msg("could not fail job")
		return http.StatusOK, nil
	}
	if !replay {
		telemetry.UpscaleFailures.Inc()
		telemetry.ProcessingGauge.Dec()
		o.compensate(ctx, job.JobID, "upscaling failed: "+reason)
	}
	o.log.Warn().Str("job_id", job.JobID).Str("reason", reason).Msg("upscale failed")
	return http.StatusOK, nil
}

func (o *Orchestrator) compensate(ctx context.Context, jobID, reason string) {
	if o.refunder == nil {
		return
	}
	if err := o.refunder.Refund(ctx, jobID, reason); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("refund compensation failed")
	}
}
