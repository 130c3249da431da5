package download

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"upscale-orders/internal/models"
	"upscale-orders/internal/notify"
)

// Store is the slice of persistence the delivery flow needs.
type Store interface {
	GetByToken(ctx context.Context, token string) (models.Job, error)
	SetDelivery(ctx context.Context, jobID, artifactPath, token string, expires time.Time) error
	ClearDelivery(ctx context.Context, jobID string) error
	ExpiredDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
}

// Options configures the delivery manager.
type Options struct {
	Store         Store
	Notifier      notify.Notifier
	Archiver      Archiver
	StorageDir    string
	PublicBaseURL string
	TTL           time.Duration
	MaxBytes      int64
	FetchTimeout  time.Duration
	HTTPClient    *http.Client
}

// Manager moves finished artifacts from the provider into local storage and
// guards customer access to them. Everything it writes lives under StorageDir;
// nothing outside that root is ever created, served, or deleted.
type Manager struct {
	log        zerolog.Logger
	store      Store
	notifier   notify.Notifier
	archiver   Archiver
	storageDir string
	baseURL    string
	ttl        time.Duration
	maxBytes   int64
	httpClient *http.Client
}

func NewManager(log zerolog.Logger, opts Options) (*Manager, error) {
	storageDir, err := filepath.Abs(opts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.FetchTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}

	return &Manager{
		log:        log.With().Str("component", "download").Logger(),
		store:      opts.Store,
		notifier:   opts.Notifier,
		archiver:   opts.Archiver,
		storageDir: storageDir,
		baseURL:    strings.TrimRight(opts.PublicBaseURL, "/"),
		ttl:        ttl,
		maxBytes:   maxBytes,
		httpClient: httpClient,
	}, nil
}

// Deliver fetches the provider-hosted result, verifies it is a real image,
// stores it under the storage root, and issues the download token. Any failure
// leaves no partial file behind.
func (m *Manager) Deliver(ctx context.Context, job models.Job, resultURL string) error {
	data, format, err := m.fetch(ctx, resultURL)
	if err != nil {
		return err
	}

	fileName := job.JobID + "." + extensionFor(format)
	finalPath := filepath.Join(m.storageDir, fileName)

	tmp, err := os.CreateTemp(m.storageDir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create artifact temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	committed = true

	token, err := GenerateToken()
	if err != nil {
		os.Remove(finalPath)
		return err
	}
	expires := time.Now().UTC().Add(m.ttl)
	if err := m.store.SetDelivery(ctx, job.JobID, finalPath, token, expires); err != nil {
		os.Remove(finalPath)
		return fmt.Errorf("record delivery: %w", err)
	}

	m.log.Info().
		Str("job_id", job.JobID).
		Str("artifact", fileName).
		Time("expires_at", expires).
		Msg("artifact delivered")

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, fileName, data, mimeFor(format)); err != nil {
			m.log.Warn().Err(err).Str("job_id", job.JobID).Msg("artifact archive failed")
		}
	}

	if m.notifier != nil {
		downloadURL := m.baseURL + "/download/" + token
		if err := m.notifier.DownloadReady(ctx, job, downloadURL); err != nil {
			m.log.Warn().Err(err).Str("job_id", job.JobID).Msg("download notification failed")
		}
	}
	return nil
}

// fetch downloads the result with a byte cap and proves it decodes as an
// image before anything is persisted.
func (m *Manager) fetch(ctx context.Context, resultURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, m.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", m.maxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("artifact is not a decodable image: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, "", fmt.Errorf("artifact format %q not allowed", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("artifact has degenerate dimensions %dx%d", cfg.Width, cfg.Height)
	}
	// Full decode catches truncated files that a header-only check misses.
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return nil, "", fmt.Errorf("artifact failed full decode: %w", err)
	}
	return data, format, nil
}

// artifactPath canonicalizes a stored path and refuses anything that escapes
// the storage root.
func (m *Manager) artifactPath(stored string) (string, error) {
	if stored == "" {
		return "", fmt.Errorf("no artifact recorded")
	}
	path := filepath.Clean(stored)
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.storageDir, path)
	}
	rel, err := filepath.Rel(m.storageDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path escapes storage root")
	}
	return path, nil
}

func extensionFor(format string) string {
	if format == "png" {
		return "png"
	}
	return "jpg"
}

func mimeFor(format string) string {
	if format == "png" {
		return "image/png"
	}
	return "image/jpeg"
}
