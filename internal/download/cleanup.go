package download

import (
	"context"
	"os"
	"time"

	"upscale-orders/internal/telemetry"
)

// CleanupExpired removes artifacts whose download window has passed and
// revokes their tokens. The job rows stay behind as the audit trail. Returns
// how many deliveries were swept.
func (m *Manager) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	jobs, err := m.store.ExpiredDeliveries(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range jobs {
		if path, err := m.artifactPath(job.ArtifactPath); err == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.log.Warn().Err(err).Str("job_id", job.JobID).Msg("could not remove expired artifact")
				continue
			}
		}
		if err := m.store.ClearDelivery(ctx, job.JobID); err != nil {
			m.log.Warn().Err(err).Str("job_id", job.JobID).Msg("could not revoke expired token")
			continue
		}
		telemetry.DeliveriesSwept.Inc()
		swept++
		m.log.Info().Str("job_id", job.JobID).Msg("expired delivery swept")
	}
	return swept, nil
}
