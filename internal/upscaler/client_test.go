package upscaler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSubmit(t *testing.T) {
	var gotAuth string
	var gotReq SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upscale" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(SubmitResult{ProviderJobID: "up_123", Status: "IN_QUEUE"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "key-1"})
	result, err := c.Submit(context.Background(), SubmitRequest{
		ImageURL:    "https://example.com/cat.png",
		Factor:      4,
		CallbackURL: "https://orders.example/webhook/upscaler",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.ProviderJobID != "up_123" {
		t.Fatalf("provider job id: got %q", result.ProviderJobID)
	}
	if gotAuth != "Bearer key-1" {
		t.Fatalf("auth header: got %q", gotAuth)
	}
	if gotReq.Factor != 4 || gotReq.ImageURL == "" || gotReq.CallbackURL == "" {
		t.Fatalf("request body: %+v", gotReq)
	}
}

func TestClientSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "image too small"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), SubmitRequest{ImageURL: "https://example.com/cat.png", Factor: 4})
	if !errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("expected ErrSubmitRejected, got %v", err)
	}
}

func TestClientSubmitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.Submit(context.Background(), SubmitRequest{ImageURL: "https://example.com/cat.png", Factor: 4})
	if err == nil || errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("5xx must not be a definitive rejection, got %v", err)
	}
}

func TestClientSubmitMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "IN_QUEUE"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	if _, err := c.Submit(context.Background(), SubmitRequest{ImageURL: "https://example.com/cat.png", Factor: 4}); err == nil {
		t.Fatalf("expected error when response has no job id")
	}
}

func TestClientSubmitValidation(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://localhost:0"})
	if _, err := c.Submit(context.Background(), SubmitRequest{Factor: 4}); !errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("missing image url must reject locally, got %v", err)
	}
	if _, err := c.Submit(context.Background(), SubmitRequest{ImageURL: "https://example.com/a.png"}); !errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("zero factor must reject locally, got %v", err)
	}
}
