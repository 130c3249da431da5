package upscaler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSubmitRejected marks a definitive provider-side rejection of a
// submission, as opposed to a transport failure.
var ErrSubmitRejected = errors.New("upscaler: submission rejected")

// Options configures the upscaling provider client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the upscaling provider's REST API. Submissions are
// asynchronous; results come back on the webhook, never on this client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// SubmitRequest describes one upscale submission.
type SubmitRequest struct {
	ImageURL    string `json:"imageUrl"`
	Factor      int    `json:"upscaleFactor"`
	CallbackURL string `json:"webhookUrl"`
}

// SubmitResult is the provider's acknowledgement of an accepted submission.
type SubmitResult struct {
	ProviderJobID string `json:"id"`
	Status        string `json:"status"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient constructs a provider client. A nil HTTP client gets one with the
// configured timeout.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
	}
}

// Submit sends one image to the provider. A 4xx answer is a rejection the
// caller must treat as a job failure; a transport error or 5xx may be retried
// by the caller.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.ImageURL == "" {
		return SubmitResult{}, fmt.Errorf("%w: missing image url", ErrSubmitRejected)
	}
	if req.Factor <= 0 {
		return SubmitResult{}, fmt.Errorf("%w: invalid factor %d", ErrSubmitRejected, req.Factor)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upscale", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create submission request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit upscale: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := readError(resp.Body)
		if resp.StatusCode < http.StatusInternalServerError {
			return SubmitResult{}, fmt.Errorf("%w: status %d: %s", ErrSubmitRejected, resp.StatusCode, msg)
		}
		return SubmitResult{}, fmt.Errorf("upscaler status %d: %s", resp.StatusCode, msg)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SubmitResult{}, fmt.Errorf("decode submission response: %w", err)
	}
	if result.ProviderJobID == "" {
		return SubmitResult{}, errors.New("upscaler: response carried no job id")
	}
	return result, nil
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	return strings.TrimSpace(string(data))
}
