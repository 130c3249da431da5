package download

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"upscale-orders/internal/models"
	"upscale-orders/internal/store"
)

type fakeStore struct {
	jobs map[string]*models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*models.Job{}}
}

func (f *fakeStore) add(job models.Job) *models.Job {
	f.jobs[job.JobID] = &job
	return f.jobs[job.JobID]
}

func (f *fakeStore) GetByToken(_ context.Context, token string) (models.Job, error) {
	for _, j := range f.jobs {
		if token != "" && j.DownloadToken == token {
			return *j, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (f *fakeStore) SetDelivery(_ context.Context, jobID, artifactPath, token string, expires time.Time) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.ArtifactPath = artifactPath
	j.DownloadToken = token
	j.DownloadExpiresAt = &expires
	return nil
}

func (f *fakeStore) ClearDelivery(_ context.Context, jobID string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.ArtifactPath = ""
	j.DownloadToken = ""
	j.DownloadExpiresAt = nil
	return nil
}

func (f *fakeStore) ExpiredDeliveries(_ context.Context, now time.Time, _ int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		if j.DownloadToken != "" && j.DownloadExpiresAt != nil && !j.DownloadExpiresAt.After(now) {
			out = append(out, *j)
		}
	}
	return out, nil
}

type fakeArchiver struct {
	keys []string
}

func (f *fakeArchiver) Archive(_ context.Context, key string, _ []byte, _ string) error {
	f.keys = append(f.keys, key)
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestManager(t *testing.T, st Store, archiver Archiver) *Manager {
	t.Helper()
	m, err := NewManager(zerolog.Nop(), Options{
		Store:         st,
		Archiver:      archiver,
		StorageDir:    t.TempDir(),
		PublicBaseURL: "https://orders.example",
		TTL:           time.Hour,
		MaxBytes:      1 << 20,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateToken()
	if !ValidTokenFormat(a) {
		t.Fatalf("generated token has bad format: %q", a)
	}
	if a == b {
		t.Fatalf("two tokens collided")
	}
}

func TestValidTokenFormat(t *testing.T) {
	good := strings.Repeat("ab12", 16)
	if !ValidTokenFormat(good) {
		t.Fatalf("valid token rejected")
	}
	for _, bad := range []string{
		"",
		"short",
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
		strings.Repeat("A", 64), // uppercase hex is not issued
		strings.Repeat("g", 64),
		strings.Repeat("a", 63) + "/",
	} {
		if ValidTokenFormat(bad) {
			t.Errorf("accepted malformed token %q", bad)
		}
	}
}

func TestDeliver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t))
	}))
	defer srv.Close()

	st := newFakeStore()
	archiver := &fakeArchiver{}
	m := newTestManager(t, st, archiver)
	job := *st.add(models.Job{JobID: "job-1", Status: models.StatusCompleted})

	if err := m.Deliver(context.Background(), job, srv.URL+"/result.png"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	stored := st.jobs["job-1"]
	if !ValidTokenFormat(stored.DownloadToken) {
		t.Fatalf("bad token issued: %q", stored.DownloadToken)
	}
	if stored.DownloadExpiresAt == nil || !stored.DownloadExpiresAt.After(time.Now()) {
		t.Fatalf("expiry not set in the future: %v", stored.DownloadExpiresAt)
	}
	if _, err := os.Stat(stored.ArtifactPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if len(archiver.keys) != 1 {
		t.Fatalf("artifact not archived")
	}
}

func TestDeliverRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	st := newFakeStore()
	m := newTestManager(t, st, nil)
	job := *st.add(models.Job{JobID: "job-2", Status: models.StatusCompleted})

	if err := m.Deliver(context.Background(), job, srv.URL); err == nil {
		t.Fatalf("expected rejection of non-image payload")
	}
	assertNoArtifacts(t, m.storageDir)
	if st.jobs["job-2"].DownloadToken != "" {
		t.Fatalf("token issued for failed delivery")
	}
}

func TestDeliverRejectsOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngBytes(t))
	}))
	defer srv.Close()

	st := newFakeStore()
	m := newTestManager(t, st, nil)
	m.maxBytes = 10
	job := *st.add(models.Job{JobID: "job-3", Status: models.StatusCompleted})

	if err := m.Deliver(context.Background(), job, srv.URL); err == nil {
		t.Fatalf("expected rejection of oversized artifact")
	}
	assertNoArtifacts(t, m.storageDir)
}

func TestDeliverRejectsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := newFakeStore()
	m := newTestManager(t, st, nil)
	job := *st.add(models.Job{JobID: "job-4", Status: models.StatusCompleted})

	if err := m.Deliver(context.Background(), job, srv.URL); err == nil {
		t.Fatalf("expected error on upstream 404")
	}
	assertNoArtifacts(t, m.storageDir)
}

func assertNoArtifacts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read storage dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("storage dir not clean after failure: %v", entries)
	}
}

var tokenSeq byte

func deliveredJob(t *testing.T, st *fakeStore, m *Manager, jobID string) *models.Job {
	t.Helper()
	tokenSeq = (tokenSeq + 1) % 10
	token := strings.Repeat(string('0'+tokenSeq), 64)
	path := filepath.Join(m.storageDir, jobID+".png")
	if err := os.WriteFile(path, pngBytes(t), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	expires := time.Now().Add(time.Hour)
	return st.add(models.Job{
		JobID:             jobID,
		Status:            models.StatusCompleted,
		ArtifactPath:      path,
		DownloadToken:     token,
		DownloadExpiresAt: &expires,
	})
}

func TestServe(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, nil)
	job := deliveredJob(t, st, m, "job-5")

	rec := httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/"+job.DownloadToken, nil), job.DownloadToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type: got %q", got)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "attachment") {
		t.Fatalf("missing attachment disposition")
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty body")
	}
}

func TestServeErrorMapping(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, nil)

	assertJSONDenial := func(t *testing.T, rec *httptest.ResponseRecorder, want int, label string) {
		t.Helper()
		if rec.Code != want {
			t.Fatalf("%s: got %d want %d", label, rec.Code, want)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content type %q, want application/json", label, ct)
		}
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
			t.Fatalf("%s: error body not JSON: %q", label, rec.Body)
		}
	}

	// Malformed token never hits the store.
	rec := httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/zzz", nil), "zzz")
	assertJSONDenial(t, rec, http.StatusBadRequest, "malformed token")

	// Well-formed but unknown.
	unknown := strings.Repeat("d", 64)
	rec = httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/"+unknown, nil), unknown)
	assertJSONDenial(t, rec, http.StatusNotFound, "unknown token")

	// Completed but expired.
	job := deliveredJob(t, st, m, "job-6")
	past := time.Now().Add(-time.Minute)
	job.DownloadExpiresAt = &past
	rec = httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/"+job.DownloadToken, nil), job.DownloadToken)
	assertJSONDenial(t, rec, http.StatusGone, "expired token")

	// Token exists but the job has not completed.
	job.Status = models.StatusProcessing
	future := time.Now().Add(time.Hour)
	job.DownloadExpiresAt = &future
	rec = httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/"+job.DownloadToken, nil), job.DownloadToken)
	assertJSONDenial(t, rec, http.StatusTooEarly, "incomplete job")
}

func TestServeRefusesPathEscape(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, nil)
	job := deliveredJob(t, st, m, "job-7")
	job.ArtifactPath = "../../etc/passwd"

	rec := httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/download/"+job.DownloadToken, nil), job.DownloadToken)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("path escape: got %d want 404", rec.Code)
	}
}

func TestCleanupExpired(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, nil)

	expired := deliveredJob(t, st, m, "job-8")
	past := time.Now().Add(-time.Minute)
	expired.DownloadExpiresAt = &past

	live := deliveredJob(t, st, m, "job-9")

	swept, err := m.CleanupExpired(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept: got %d want 1", swept)
	}
	if expired.DownloadToken != "" || expired.ArtifactPath != "" {
		t.Fatalf("expired delivery not revoked: %+v", expired)
	}
	if _, err := os.Stat(filepath.Join(m.storageDir, "job-8.png")); !os.IsNotExist(err) {
		t.Fatalf("expired artifact still on disk")
	}
	if live.DownloadToken == "" {
		t.Fatalf("live delivery must survive the sweep")
	}
	if _, ok := st.jobs["job-8"]; !ok {
		t.Fatalf("job row must be kept after sweep")
	}
}
