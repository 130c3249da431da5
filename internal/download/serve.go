package download

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"upscale-orders/internal/models"
	"upscale-orders/internal/store"
	"upscale-orders/internal/telemetry"
)

// Authorization failures map one-to-one onto HTTP statuses in Serve. The
// distinction between a token that never existed and one that expired is
// deliberate; an expired link tells the customer to contact support rather
// than to re-check the URL.
var (
	ErrBadToken = errors.New("download: malformed token")
	ErrNotFound = errors.New("download: unknown token")
	ErrNotReady = errors.New("download: job not completed yet")
	ErrExpired  = errors.New("download: link expired")
)

// Authorize resolves a token to its job, enforcing format, existence,
// completion, and expiry in that order.
func (m *Manager) Authorize(ctx context.Context, token string) (models.Job, error) {
	if !ValidTokenFormat(token) {
		return models.Job{}, ErrBadToken
	}
	job, err := m.store.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, err
	}
	if job.Status != models.StatusCompleted {
		return job, ErrNotReady
	}
	if job.DownloadExpiresAt == nil || time.Now().After(*job.DownloadExpiresAt) {
		return job, ErrExpired
	}
	return job, nil
}

// Serve streams the artifact for a valid token.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, token string) {
	job, err := m.Authorize(r.Context(), token)
	if err != nil {
		status, reason := statusForAuthError(err)
		telemetry.DownloadsDenied.WithLabelValues(reason).Inc()
		writeError(w, status, err.Error())
		return
	}

	path, err := m.artifactPath(job.ArtifactPath)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", job.JobID).Msg("stored artifact path rejected")
		telemetry.DownloadsDenied.WithLabelValues("bad_path").Inc()
		writeError(w, http.StatusNotFound, "artifact unavailable")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", job.JobID).Str("path", path).Msg("artifact missing on disk")
		telemetry.DownloadsDenied.WithLabelValues("missing_file").Inc()
		writeError(w, http.StatusNotFound, "artifact unavailable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", mimeForExtension(name))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, name, info.ModTime(), f)
	telemetry.DownloadsServed.Inc()
}

func statusForAuthError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadToken):
		return http.StatusBadRequest, "bad_token"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotReady):
		return http.StatusTooEarly, "not_ready"
	case errors.Is(err, ErrExpired):
		return http.StatusGone, "expired"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError answers denials with a JSON body; download links land in
// browsers, and a JSON error is what the calling page expects.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func mimeForExtension(name string) string {
	if filepath.Ext(name) == ".png" {
		return "image/png"
	}
	return "image/jpeg"
}
