package models

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// JobStatus enumerates workflow lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusAwaitingPayment JobStatus = "awaiting_payment"
	StatusPending         JobStatus = "pending"
	StatusProcessing      JobStatus = "processing"
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
	StatusAbandoned       JobStatus = "abandoned"
	StatusRefunded        JobStatus = "refunded"
)

// PaymentStatus tracks the money side of a job independently of the workflow state.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// transitions is the directed edge set of the job state machine. Same-status
// transitions are accepted everywhere to tolerate at-least-once webhook delivery;
// refunded is reachable from failed only, via the compensation path.
var transitions = map[JobStatus][]JobStatus{
	StatusAwaitingPayment: {StatusPending, StatusProcessing, StatusFailed, StatusAbandoned},
	StatusPending:         {StatusProcessing, StatusFailed},
	StatusProcessing:      {StatusCompleted, StatusFailed},
	StatusCompleted:       {},
	StatusFailed:          {StatusRefunded},
	StatusAbandoned:       {},
	StatusRefunded:        {},
}

// CanTransition reports whether from -> to is an allowed edge. A same-status
// "transition" is always allowed (idempotent webhook replay).
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Resolution is the customer-selected upscale factor.
type Resolution string

const (
	Resolution4x Resolution = "4x"
	Resolution8x Resolution = "8x"
)

// Factor returns the linear scale multiplier, or 0 for an unknown resolution.
func (r Resolution) Factor() int {
	switch r {
	case Resolution4x:
		return 4
	case Resolution8x:
		return 8
	default:
		return 0
	}
}

// Valid reports whether the resolution is one of the supported factors.
func (r Resolution) Valid() bool {
	return r.Factor() > 0
}

// Resolutions lists the supported factors in quoting order.
func Resolutions() []Resolution {
	return []Resolution{Resolution4x, Resolution8x}
}

// Job is the aggregate root of one upscale order.
type Job struct {
	ID    int64  `json:"-"`
	JobID string `json:"job_id"`

	SourceURL    string `json:"source_url"`
	SourcePath   string `json:"source_path,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AttachmentID int64  `json:"attachment_id,omitempty"`
	PostID       int64  `json:"post_id,omitempty"`

	Resolution  Resolution `json:"resolution"`
	Email       string     `json:"email,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	CostCents   int64      `json:"cost_cents"`
	CreditsUsed int        `json:"credits_used"`

	Status        JobStatus     `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	CheckoutSessionID string `json:"-"`
	PaymentIntentID   string `json:"-"`
	ProviderJobID     string `json:"-"`

	UpscaledSourceURL string     `json:"-"`
	ArtifactPath      string     `json:"-"`
	DownloadToken     string     `json:"-"`
	DownloadExpiresAt *time.Time `json:"download_expires_at,omitempty"`
	EmailSent         bool       `json:"-"`

	FailureReason     string     `json:"-"`
	RefundReason      string     `json:"-"`
	RefundAmountCents int64      `json:"-"`

	CreatedAt           time.Time  `json:"created_at"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	RefundedAt          *time.Time `json:"refunded_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Terminal reports whether no further workflow transitions are possible.
func (j *Job) Terminal() bool {
	return len(transitions[j.Status]) == 0
}

// CreateParams collects the inputs required to open a new order.
type CreateParams struct {
	SourceURL    string
	SourcePath   string
	Width        int
	Height       int
	AttachmentID int64
	PostID       int64
	Resolution   Resolution
	Email        string
	AmountCents  int64
	CostCents    int64
	CreditsUsed  int
}

// PaymentUpdate carries payment-provider correlation fields written alongside
// a payment status change. Zero values leave the stored column untouched; the
// email is backfilled only when the job has none.
type PaymentUpdate struct {
	CheckoutSessionID string
	PaymentIntentID   string
	AmountCents       int64
	Email             string
}

// ValidationError describes a rejected create/quote input with a stable code.
type ValidationError struct {
	Field string
	Code  string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

var errNoImage = &ValidationError{Field: "source", Code: "missing_image", Msg: "an image reference is required"}

// Validate rejects malformed creation input before anything touches the store.
func (p CreateParams) Validate() error {
	if strings.TrimSpace(p.SourceURL) == "" && strings.TrimSpace(p.SourcePath) == "" {
		return errNoImage
	}
	if p.SourcePath == "" {
		u, err := url.Parse(p.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "source_url", Code: "invalid_url", Msg: "image URL must be absolute http(s)"}
		}
	}
	if !p.Resolution.Valid() {
		return &ValidationError{Field: "resolution", Code: "invalid_resolution", Msg: fmt.Sprintf("unsupported resolution %q", p.Resolution)}
	}
	if p.Width <= 0 || p.Height <= 0 {
		return &ValidationError{Field: "dimensions", Code: "invalid_dimensions", Msg: "image width and height must be positive"}
	}
	if p.PostID < 0 {
		return &ValidationError{Field: "post_id", Code: "invalid_post", Msg: "post reference must be non-negative"}
	}
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return &ValidationError{Field: "email", Code: "invalid_email", Msg: "email address is not valid"}
		}
	}
	return nil
}

// AsValidation unwraps a *ValidationError if err is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
