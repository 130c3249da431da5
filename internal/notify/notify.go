package notify

import (
	"context"

	"github.com/rs/zerolog"

	"upscale-orders/internal/models"
)

// Notifier tells the customer about order milestones. Delivery is best effort;
// the order workflow never blocks or fails on a notification.
type Notifier interface {
	DownloadReady(ctx context.Context, job models.Job, downloadURL string) error
	RefundIssued(ctx context.Context, job models.Job, amountCents int64) error
}

// EmailMarker records that the download notification went out so the sweeper
// and status endpoint can report it.
type EmailMarker interface {
	SetEmailSent(ctx context.Context, jobID string) error
}

// LogNotifier writes notifications to the structured log. It stands in for a
// real mail sender in environments without SMTP credentials and doubles as the
// audit trail when one is wired.
type LogNotifier struct {
	log    zerolog.Logger
	marker EmailMarker
}

func NewLogNotifier(log zerolog.Logger, marker EmailMarker) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger(), marker: marker}
}

func (n *LogNotifier) DownloadReady(ctx context.Context, job models.Job, downloadURL string) error {
	if job.Email == "" {
		n.log.Info().Str("job_id", job.JobID).Msg("download ready, no customer email on record")
		return nil
	}
	n.log.Info().
		Str("job_id", job.JobID).
		Str("email", job.Email).
		Str("download_url", downloadURL).
		Msg("download ready notification")
	if n.marker != nil {
		if err := n.marker.SetEmailSent(ctx, job.JobID); err != nil {
			n.log.Warn().Err(err).Str("job_id", job.JobID).Msg("could not mark email sent")
		}
	}
	return nil
}

func (n *LogNotifier) RefundIssued(ctx context.Context, job models.Job, amountCents int64) error {
	n.log.Info().
		Str("job_id", job.JobID).
		Str("email", job.Email).
		Int64("amount_cents", amountCents).
		Msg("refund issued notification")
	return nil
}
