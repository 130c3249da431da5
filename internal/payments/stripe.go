package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"

	"upscale-orders/internal/models"
	"upscale-orders/internal/notify"
	"upscale-orders/internal/pricing"
	"upscale-orders/internal/telemetry"
)

var (
	// ErrPaymentUnavailable is returned when the payment provider rejects or
	// cannot serve a checkout-session request. The job is already marked
	// failed by the time callers see it.
	ErrPaymentUnavailable = errors.New("payments: provider unavailable")

	// ErrZeroPrice rejects checkouts that priced to nothing.
	ErrZeroPrice = errors.New("payments: order priced to zero")
)

// JobStore is the slice of the persistence layer the payment flow needs.
type JobStore interface {
	CreateJob(ctx context.Context, p models.CreateParams) (models.Job, error)
	GetByJobID(ctx context.Context, jobID string) (models.Job, error)
	GetBySession(ctx context.Context, sessionID string) (models.Job, error)
	GetByIntent(ctx context.Context, intentID string) (models.Job, error)
	SetCheckoutSession(ctx context.Context, jobID, sessionID string) error
	UpdatePayment(ctx context.Context, jobID string, status models.PaymentStatus, upd models.PaymentUpdate) error
	MarkPending(ctx context.Context, jobID string, paidAt time.Time) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	MarkAbandoned(ctx context.Context, jobID string) error
	MarkRefunded(ctx context.Context, jobID string, amountCents int64, reason string) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// sessionAPI and refundAPI wrap the provider SDK calls so webhook and refund
// logic is testable without network access.
type sessionAPI interface {
	NewSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type refundAPI interface {
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

type liveSessionAPI struct{}

func (liveSessionAPI) NewSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return checkoutsession.New(params)
}

type liveRefundAPI struct{}

func (liveRefundAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(params)
}

// Options configures the payment orchestrator.
type Options struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// Orchestrator owns the full payment leg of an order: checkout-session
// creation, the provider's webhook events, and refund compensation.
type Orchestrator struct {
	log      zerolog.Logger
	store    JobStore
	calc     *pricing.Calculator
	notifier notify.Notifier
	opts     Options

	sessions sessionAPI
	refunds  refundAPI
}

func NewOrchestrator(log zerolog.Logger, store JobStore, calc *pricing.Calculator, notifier notify.Notifier, opts Options) *Orchestrator {
	stripe.Key = opts.SecretKey
	return &Orchestrator{
		log:      log.With().Str("component", "payments").Logger(),
		store:    store,
		calc:     calc,
		notifier: notifier,
		opts:     opts,
		sessions: liveSessionAPI{},
		refunds:  liveRefundAPI{},
	}
}

// CheckoutRequest is the customer's order input.
type CheckoutRequest struct {
	SourceURL    string            `json:"source_url"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	AttachmentID int64             `json:"attachment_id"`
	PostID       int64             `json:"post_id"`
	Resolution   models.Resolution `json:"resolution"`
	Email        string            `json:"email"`
}

// CheckoutResult is what the caller needs to redirect the customer.
type CheckoutResult struct {
	JobID       string `json:"job_id"`
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
	AmountCents int64  `json:"amount_cents"`
}

// CreateCheckout validates and prices the order, persists the job, and opens a
// checkout session. The amount charged is the quote computed here; it is
// stored on the job and never recomputed later.
func (o *Orchestrator) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	quote := o.calc.Price(req.Width, req.Height, req.Resolution)

	params := models.CreateParams{
		SourceURL:    req.SourceURL,
		Width:        req.Width,
		Height:       req.Height,
		AttachmentID: req.AttachmentID,
		PostID:       req.PostID,
		Resolution:   req.Resolution,
		Email:        req.Email,
		AmountCents:  quote.CustomerPriceCents(),
		CostCents:    quote.ProviderCostCents(),
		CreditsUsed:  quote.Credits,
	}
	if err := params.Validate(); err != nil {
		return CheckoutResult{}, err
	}
	if quote.Zero() {
		return CheckoutResult{}, ErrZeroPrice
	}

	job, err := o.store.CreateJob(ctx, params)
	if err != nil {
		return CheckoutResult{}, err
	}

	sessParams := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(o.opts.SuccessURL),
		CancelURL:  stripe.String(o.opts.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(string(stripe.CurrencyUSD)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Image upscale %s (%dx%d)", job.Resolution, quote.OutputWidth, quote.OutputHeight)),
					},
					UnitAmount: stripe.Int64(job.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"job_id":     job.JobID,
			"resolution": string(job.Resolution),
		},
		// The session's metadata is not copied onto the payment intent, and
		// intent events can arrive before the session event stores the intent
		// id. The intent carries its own job_id so those events still resolve.
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"job_id": job.JobID},
		},
	}
	if job.Email != "" {
		sessParams.CustomerEmail = stripe.String(job.Email)
	}

	sess, err := o.sessions.NewSession(sessParams)
	if err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Msg("checkout session creation failed")
		if ferr := o.store.MarkFailed(ctx, job.JobID, "payment provider rejected checkout session"); ferr != nil {
			o.log.Error().Err(ferr).Str("job_id", job.JobID).Msg("could not mark job failed after session error")
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	if err := o.store.SetCheckoutSession(ctx, job.JobID, sess.ID); err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Str("session_id", sess.ID).Msg("could not persist session id")
	}
	telemetry.CheckoutsCreated.Inc()
	o.log.Info().
		Str("job_id", job.JobID).
		Str("session_id", sess.ID).
		Int64("amount_cents", job.AmountCents).
		Msg("checkout session created")

	return CheckoutResult{
		JobID:       job.JobID,
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
		AmountCents: job.AmountCents,
	}, nil
}

// HandleWebhook processes payment provider events. Signature verification is
// mandatory; without a configured secret every delivery is a hard 500 so the
// misconfiguration is impossible to miss. Transition conflicts from replayed
// or out-of-order events are logged and acked, since a retry cannot fix them.
func (o *Orchestrator) HandleWebhook(r *http.Request, body []byte) (int, error) {
	if o.opts.WebhookSecret == "" {
		return http.StatusInternalServerError, errors.New("stripe webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), o.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		telemetry.WebhookRejects.WithLabelValues("stripe", "bad_signature").Inc()
		return http.StatusBadRequest, fmt.Errorf("verify stripe signature: %w", err)
	}

	ctx := r.Context()
	telemetry.PaymentEvents.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case "checkout.session.completed":
		return o.onSessionCompleted(ctx, event)
	case "payment_intent.succeeded":
		return o.onIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		return o.onIntentFailed(ctx, event)
	case "charge.refunded":
		return o.onChargeRefunded(ctx, event)
	case "checkout.session.expired":
		return o.onSessionExpired(ctx, event)
	default:
		o.log.Debug().Str("type", string(event.Type)).Msg("ignoring payment event")
		return http.StatusOK, nil
	}
}

func (o *Orchestrator) onSessionCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("parse checkout session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		o.log.Info().Str("session_id", sess.ID).Str("payment_status", string(sess.PaymentStatus)).
			Msg("session completed but not paid, waiting for async confirmation")
		return http.StatusOK, nil
	}

	job, err := o.resolveSession(ctx, sess)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("completed session matches no job")
		return http.StatusOK, nil
	}

	upd := models.PaymentUpdate{
		CheckoutSessionID: sess.ID,
		AmountCents:       sess.AmountTotal,
	}
	if sess.PaymentIntent != nil {
		upd.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.CustomerDetails != nil {
		upd.Email = sess.CustomerDetails.Email
	}
	if err := o.store.UpdatePayment(ctx, job.JobID, models.PaymentPaid, upd); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("record payment: %w", err)
	}
	_ = o.store.AppendEvent(ctx, job.JobID, "payment_completed", "session "+sess.ID)

	if err := o.store.MarkPending(ctx, job.JobID, time.Unix(event.Created, 0)); err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Msg("could not advance paid job")
		return http.StatusOK, nil
	}
	o.log.Info().Str("job_id", job.JobID).Str("session_id", sess.ID).Msg("payment confirmed")
	return http.StatusOK, nil
}

// onIntentSucceeded mirrors the paid flag when the intent event arrives before
// or instead of the session event. It never advances the workflow on its own;
// the session event carries the metadata needed to correlate reliably.
func (o *Orchestrator) onIntentSucceeded(ctx context.Context, event stripe.Event) (int, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return http.StatusBadRequest, fmt.Errorf("parse payment intent: %w", err)
	}
	job, err := o.resolveIntent(ctx, intent)
	if err != nil {
		return http.StatusOK, nil
	}
	if job.PaymentStatus == models.PaymentPaid {
		return http.StatusOK, nil
	}
	if err := o.store.UpdatePayment(ctx, job.JobID, models.PaymentPaid, models.PaymentUpdate{PaymentIntentID: intent.ID}); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("record intent success: %w", err)
	}
	return http.StatusOK, nil
}

func (o *Orchestrator) onIntentFailed(ctx context.Context, event stripe.Event) (int, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return http.StatusBadRequest, fmt.Errorf("parse payment intent: %w", err)
	}
	job, err := o.resolveIntent(ctx, intent)
	if err != nil {
		return http.StatusOK, nil
	}
	// A declined attempt can be reported after a later attempt succeeded.
	// Once the job is paid that fact stands; downgrading it would also
	// disqualify the job from refund compensation.
	if job.PaymentStatus == models.PaymentPaid {
		o.log.Info().Str("job_id", job.JobID).Str("intent_id", intent.ID).
			Msg("ignoring stale payment failure for a paid job")
		return http.StatusOK, nil
	}
	if err := o.store.UpdatePayment(ctx, job.JobID, models.PaymentFailed, models.PaymentUpdate{PaymentIntentID: intent.ID}); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("record intent failure: %w", err)
	}
	_ = o.store.AppendEvent(ctx, job.JobID, "payment_failed", "intent "+intent.ID)
	o.log.Warn().Str("job_id", job.JobID).Str("intent_id", intent.ID).Msg("payment attempt failed")
	return http.StatusOK, nil
}

// onChargeRefunded records refunds initiated on the provider's dashboard. The
// refund compensation path writes the same terminal state, so a replay of our
// own refund is a no-op here.
func (o *Orchestrator) onChargeRefunded(ctx context.Context, event stripe.Event) (int, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return http.StatusBadRequest, fmt.Errorf("parse charge: %w", err)
	}
	if charge.PaymentIntent == nil {
		return http.StatusOK, nil
	}
	job, err := o.store.GetByIntent(ctx, charge.PaymentIntent.ID)
	if err != nil {
		return http.StatusOK, nil
	}
	if job.Status == models.StatusRefunded {
		return http.StatusOK, nil
	}
	if err := o.store.MarkRefunded(ctx, job.JobID, charge.AmountRefunded, "refunded at payment provider"); err != nil {
		o.log.Error().Err(err).Str("job_id", job.JobID).Str("status", string(job.Status)).
			Msg("external refund for job not in failed state, recording payment side only")
		uerr := o.store.UpdatePayment(ctx, job.JobID, models.PaymentRefunded, models.PaymentUpdate{})
		if uerr != nil {
			return http.StatusInternalServerError, fmt.Errorf("record external refund: %w", uerr)
		}
	}
	return http.StatusOK, nil
}

func (o *Orchestrator) onSessionExpired(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("parse checkout session: %w", err)
	}
	job, err := o.resolveSession(ctx, sess)
	if err != nil {
		return http.StatusOK, nil
	}
	if err := o.store.MarkAbandoned(ctx, job.JobID); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.JobID).Msg("could not abandon expired checkout")
		return http.StatusOK, nil
	}
	o.log.Info().Str("job_id", job.JobID).Str("session_id", sess.ID).Msg("checkout abandoned")
	return http.StatusOK, nil
}

// resolveSession correlates a session to a job, preferring the stored session
// id and falling back to the job_id the session was created with.
func (o *Orchestrator) resolveSession(ctx context.Context, sess stripe.CheckoutSession) (models.Job, error) {
	if job, err := o.store.GetBySession(ctx, sess.ID); err == nil {
		return job, nil
	}
	if jobID := sess.Metadata["job_id"]; jobID != "" {
		return o.store.GetByJobID(ctx, jobID)
	}
	return models.Job{}, fmt.Errorf("no job for session %s", sess.ID)
}

func (o *Orchestrator) resolveIntent(ctx context.Context, intent stripe.PaymentIntent) (models.Job, error) {
	if job, err := o.store.GetByIntent(ctx, intent.ID); err == nil {
		return job, nil
	}
	if jobID := intent.Metadata["job_id"]; jobID != "" {
		return o.store.GetByJobID(ctx, jobID)
	}
	return models.Job{}, fmt.Errorf("no job for intent %s", intent.ID)
}

// Refund compensates a paid job that failed after payment. It refuses to run
// twice and refuses jobs that were never charged; a provider-side failure
// leaves the job untouched and is logged for manual follow-up.
func (o *Orchestrator) Refund(ctx context.Context, jobID, reason string) error {
	job, err := o.store.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusRefunded || job.PaymentStatus == models.PaymentRefunded {
		o.log.Info().Str("job_id", jobID).Msg("refund already issued")
		return nil
	}
	if job.PaymentStatus != models.PaymentPaid {
		o.log.Info().Str("job_id", jobID).Str("payment_status", string(job.PaymentStatus)).
			Msg("skipping refund, job was never charged")
		return nil
	}
	if job.PaymentIntentID == "" {
		o.log.Error().Str("job_id", jobID).Msg("paid job has no payment intent, cannot refund")
		return fmt.Errorf("job %s: no payment intent to refund", jobID)
	}

	telemetry.RefundsAttempted.Inc()
	ref, err := o.refunds.NewRefund(&stripe.RefundParams{
		PaymentIntent: stripe.String(job.PaymentIntentID),
		Metadata:      map[string]string{"job_id": job.JobID, "reason": reason},
	})
	if err != nil {
		telemetry.RefundsFailed.Inc()
		o.log.Error().Err(err).
			Str("job_id", jobID).
			Str("intent_id", job.PaymentIntentID).
			Int64("amount_cents", job.AmountCents).
			Msg("REFUND FAILED, customer paid for a failed job and needs manual follow-up")
		return fmt.Errorf("refund job %s: %w", jobID, err)
	}

	if err := o.store.MarkRefunded(ctx, jobID, ref.Amount, reason); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Str("refund_id", ref.ID).
			Msg("refund issued but job state not updated")
		return err
	}
	telemetry.RefundsSucceeded.Inc()
	o.log.Info().Str("job_id", jobID).Str("refund_id", ref.ID).Int64("amount_cents", ref.Amount).Msg("refund issued")

	if o.notifier != nil {
		job.Status = models.StatusRefunded
		if err := o.notifier.RefundIssued(ctx, job, ref.Amount); err != nil {
			o.log.Warn().Err(err).Str("job_id", jobID).Msg("refund notification failed")
		}
	}
	return nil
}
