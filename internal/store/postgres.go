package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"upscale-orders/internal/events"
	"upscale-orders/internal/models"
)

// Sentinel errors making up the closed result set callers match on.
var (
	ErrNotFound          = errors.New("store: job not found")
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store wraps pgxpool for Postgres persistence of upscale orders. It is the
// only shared mutable state in the system; every mutation is written as a
// convergent compare-and-swap so replayed webhooks settle into the same row.
type Store struct {
	pool       *pgxpool.Pool
	dispatcher *events.Dispatcher
}

// New creates a pooled connection to Postgres. The dispatcher may be nil when
// no listeners are wired (tests, one-shot tools).
func New(ctx context.Context, dsn string, dispatcher *events.Dispatcher) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, dispatcher: dispatcher}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_id, source_url, source_path, width, height, attachment_id, post_id,
	resolution, email, amount_cents, cost_cents, credits_used, status, payment_status,
	checkout_session_id, payment_intent_id, provider_job_id, upscaled_source_url,
	artifact_path, download_token, download_expires_at, email_sent,
	failure_reason, refund_reason, refund_amount_cents,
	created_at, paid_at, processing_started_at, completed_at, failed_at, refunded_at, updated_at`

// CreateJob validates the input and inserts a new order row. Every job starts
// in awaiting_payment with a pending payment; the amount fields are the
// pricing snapshot fixed at checkout-session creation and never recomputed.
func (s *Store) CreateJob(ctx context.Context, p models.CreateParams) (models.Job, error) {
	if err := p.Validate(); err != nil {
		return models.Job{}, err
	}

	jobID := uuid.New().String()
	now := time.Now().UTC()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, source_url, source_path, width, height, attachment_id, post_id,
			resolution, email, amount_cents, cost_cents, credits_used, status, payment_status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING id
	`, jobID, p.SourceURL, p.SourcePath, p.Width, p.Height, p.AttachmentID, p.PostID,
		p.Resolution, p.Email, p.AmountCents, p.CostCents, p.CreditsUsed,
		models.StatusAwaitingPayment, models.PaymentPending, now).Scan(&id)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:            id,
		JobID:         jobID,
		SourceURL:     p.SourceURL,
		SourcePath:    p.SourcePath,
		Width:         p.Width,
		Height:        p.Height,
		AttachmentID:  p.AttachmentID,
		PostID:        p.PostID,
		Resolution:    p.Resolution,
		Email:         p.Email,
		AmountCents:   p.AmountCents,
		CostCents:     p.CostCents,
		CreditsUsed:   p.CreditsUsed,
		Status:        models.StatusAwaitingPayment,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// GetByJobID fetches a job by its public identifier.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (models.Job, error) {
	return s.getBy(ctx, "job_id", jobID)
}

// GetByToken resolves a job from a download token.
func (s *Store) GetByToken(ctx context.Context, token string) (models.Job, error) {
	return s.getBy(ctx, "download_token", token)
}

// GetBySession resolves a job from the payment provider's checkout session id.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (models.Job, error) {
	return s.getBy(ctx, "checkout_session_id", sessionID)
}

// GetByIntent resolves a job from the payment provider's payment intent id.
func (s *Store) GetByIntent(ctx context.Context, intentID string) (models.Job, error) {
	return s.getBy(ctx, "payment_intent_id", intentID)
}

// GetByProviderJobID resolves a job from the upscaling provider's own id;
// provider webhooks carry nothing else.
func (s *Store) GetByProviderJobID(ctx context.Context, providerID string) (models.Job, error) {
	return s.getBy(ctx, "provider_job_id", providerID)
}

func (s *Store) getBy(ctx context.Context, column, value string) (models.Job, error) {
	if value == "" {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+column+` = $1 AND `+column+` <> ''`, value)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job by %s: %w", column, err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.JobID, &j.SourceURL, &j.SourcePath, &j.Width, &j.Height, &j.AttachmentID, &j.PostID,
		&j.Resolution, &j.Email, &j.AmountCents, &j.CostCents, &j.CreditsUsed, &j.Status, &j.PaymentStatus,
		&j.CheckoutSessionID, &j.PaymentIntentID, &j.ProviderJobID, &j.UpscaledSourceURL,
		&j.ArtifactPath, &j.DownloadToken, &j.DownloadExpiresAt, &j.EmailSent,
		&j.FailureReason, &j.RefundReason, &j.RefundAmountCents,
		&j.CreatedAt, &j.PaidAt, &j.ProcessingStartedAt, &j.CompletedAt, &j.FailedAt, &j.RefundedAt, &j.UpdatedAt,
	)
	return j, err
}

// SetCheckoutSession stores the session correlation id right after session creation.
func (s *Store) SetCheckoutSession(ctx context.Context, jobID, sessionID string) error {
	return s.exec(ctx, jobID, `
		UPDATE jobs SET checkout_session_id = $2, updated_at = NOW() WHERE job_id = $1
	`, jobID, sessionID)
}

// UpdatePayment sets payment_status and merges provider correlation fields.
// The email is backfilled only when the job has none, and a zero amount leaves
// the charged snapshot untouched.
func (s *Store) UpdatePayment(ctx context.Context, jobID string, status models.PaymentStatus, upd models.PaymentUpdate) error {
	return s.exec(ctx, jobID, `
		UPDATE jobs SET
			payment_status = $2,
			checkout_session_id = CASE WHEN $3 <> '' THEN $3 ELSE checkout_session_id END,
			payment_intent_id = CASE WHEN $4 <> '' THEN $4 ELSE payment_intent_id END,
			amount_cents = CASE WHEN $5 > 0 THEN $5 ELSE amount_cents END,
			email = CASE WHEN email = '' AND $6 <> '' THEN $6 ELSE email END,
			updated_at = NOW()
		WHERE job_id = $1
	`, jobID, status, upd.CheckoutSessionID, upd.PaymentIntentID, upd.AmountCents, upd.Email)
}

// MarkPending records a confirmed payment: awaiting_payment -> pending.
func (s *Store) MarkPending(ctx context.Context, jobID string, paidAt time.Time) error {
	from, replay, err := s.beginTransition(ctx, jobID, models.StatusPending)
	if err != nil || replay {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, paid_at = $4, updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, from, models.StatusPending, paidAt.UTC())
	return s.endTransition(ctx, jobID, from, models.StatusPending, tag, err)
}

// MarkProcessing records provider acceptance: -> processing with the provider's job id.
func (s *Store) MarkProcessing(ctx context.Context, jobID, providerJobID string) error {
	from, replay, err := s.beginTransition(ctx, jobID, models.StatusProcessing)
	if err != nil || replay {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, provider_job_id = $4, processing_started_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, from, models.StatusProcessing, providerJobID)
	return s.endTransition(ctx, jobID, from, models.StatusProcessing, tag, err)
}

// MarkCompleted records a provider success: processing -> completed with the
// provider-hosted result URL.
func (s *Store) MarkCompleted(ctx context.Context, jobID, resultURL string) error {
	from, replay, err := s.beginTransition(ctx, jobID, models.StatusCompleted)
	if err != nil || replay {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, upscaled_source_url = $4, completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, from, models.StatusCompleted, resultURL)
	return s.endTransition(ctx, jobID, from, models.StatusCompleted, tag, err)
}

// MarkFailed records a failure with the operator-facing reason.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string) error {
	from, replay, err := s.beginTransition(ctx, jobID, models.StatusFailed)
	if err != nil || replay {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, failure_reason = $4, failed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, from, models.StatusFailed, reason)
	return s.endTransition(ctx, jobID, from, models.StatusFailed, tag, err)
}

// MarkAbandoned records an expired checkout session: awaiting_payment -> abandoned.
func (s *Store) MarkAbandoned(ctx context.Context, jobID string) error {
	from, replay, err := s.beginTransition(ctx, jobID, models.StatusAbandoned)
	if err != nil || replay {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, from, models.StatusAbandoned)
	return s.endTransition(ctx, jobID, from, models.StatusAbandoned, tag, err)
}

// MarkRefunded records a completed compensation: failed -> refunded.
func (s *Store) MarkRefunded(ctx context.Context, jobID string, amountCents int64, reason string) error {
	from, replay, err := s.beginTransition(ctx, jobID, models.StatusRefunded)
	if err != nil || replay {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, payment_status = $4, refund_amount_cents = $5,
			refund_reason = $6, refunded_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, from, models.StatusRefunded, models.PaymentRefunded, amountCents, reason)
	return s.endTransition(ctx, jobID, from, models.StatusRefunded, tag, err)
}

// beginTransition loads the current status and checks the edge. A replayed
// same-status webhook returns (from, true, nil) so callers no-op without
// re-running side effects.
func (s *Store) beginTransition(ctx context.Context, jobID string, to models.JobStatus) (models.JobStatus, bool, error) {
	var from models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("read status: %w", err)
	}
	if from == to {
		return from, true, nil
	}
	if !models.CanTransition(from, to) {
		return from, false, fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, from, to, jobID)
	}
	return from, false, nil
}

// endTransition resolves the compare-and-swap outcome. A lost race where the
// row already holds the target status converges to success; anything else is
// an invalid transition.
func (s *Store) endTransition(ctx context.Context, jobID string, from, to models.JobStatus, tag pgconn.CommandTag, execErr error) error {
	if execErr != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, execErr)
	}
	if tag.RowsAffected() == 0 {
		var cur models.JobStatus
		if err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&cur); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("reread status: %w", err)
		}
		if cur == to {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s lost to concurrent %s (job %s)", ErrInvalidTransition, from, to, cur, jobID)
	}
	_ = s.AppendEvent(ctx, jobID, "status_changed", fmt.Sprintf("%s -> %s", from, to))
	if s.dispatcher != nil {
		s.dispatcher.Publish(ctx, events.StatusChange{JobID: jobID, From: from, To: to})
	}
	return nil
}

// SetDelivery stores the durable artifact path, the download token, and its expiry.
func (s *Store) SetDelivery(ctx context.Context, jobID, artifactPath, token string, expires time.Time) error {
	return s.exec(ctx, jobID, `
		UPDATE jobs SET artifact_path = $2, download_token = $3, download_expires_at = $4, updated_at = NOW()
		WHERE job_id = $1
	`, jobID, artifactPath, token, expires.UTC())
}

// ClearDelivery revokes download access after expiry. The job row itself is
// kept for the audit trail.
func (s *Store) ClearDelivery(ctx context.Context, jobID string) error {
	return s.exec(ctx, jobID, `
		UPDATE jobs SET artifact_path = '', download_token = '', download_expires_at = NULL, updated_at = NOW()
		WHERE job_id = $1
	`, jobID)
}

// SetEmailSent flags that the customer notification went out.
func (s *Store) SetEmailSent(ctx context.Context, jobID string) error {
	return s.exec(ctx, jobID, `
		UPDATE jobs SET email_sent = TRUE, updated_at = NOW() WHERE job_id = $1
	`, jobID)
}

// ExpiredDeliveries lists jobs whose download window has passed and still hold
// a token, for the cleanup sweep.
func (s *Store) ExpiredDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE download_token <> '' AND download_expires_at IS NOT NULL AND download_expires_at <= $1
		ORDER BY download_expires_at
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired deliveries: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// StaleAwaitingPayment lists jobs stuck in awaiting_payment since before the
// cutoff, for belt-and-braces abandonment when the session-expired webhook
// never arrived.
func (s *Store) StaleAwaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, models.StatusAwaitingPayment, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale checkouts: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus reports how many jobs currently hold a status, for telemetry.
func (s *Store) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// DeleteJob removes the order row. Tokens remain revoked because they live on
// the row being deleted.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func (s *Store) exec(ctx context.Context, jobID, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
