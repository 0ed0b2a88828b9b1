// Package synth provides the client for the remote batch text-to-speech
// service. The service synthesizes a batch of requests in one call and
// fails as a unit; there is no sub-batch failure granularity.
package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API endpoints.
const (
	apiBatchSpeech = "/v1/generate/batch"
	apiHealth      = "/health"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// DefaultTimeout bounds a single batch synthesis call.
const DefaultTimeout = 30 * time.Second

// Static errors.
var (
	// ErrEmptyBatch is returned for a batch with no requests.
	ErrEmptyBatch = errors.New("batch cannot be empty")
	// ErrBatchMismatch is returned when the service returns a different
	// number of blobs than requests.
	ErrBatchMismatch = errors.New("response blob count does not match request count")
)

// Request is one message's synthesis job inside a batch.
type Request struct {
	Text              string  `json:"text"`
	Voice             string  `json:"voice"`
	Speed             float64 `json:"speed"`
	Temperature       float64 `json:"temperature"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	MaxTokens         int     `json:"max_tokens"`
}

// Client is the batch synthesis interface consumed by the scheduler.
type Client interface {
	// SynthesizeBatch synthesizes every request in one remote call and
	// returns one audio blob per request, order-aligned with the input.
	SynthesizeBatch(ctx context.Context, reqs []Request) ([][]byte, error)

	// Health probes the service.
	Health(ctx context.Context) error
}

// batchRequest is the wire payload for a batch call.
type batchRequest struct {
	Requests []Request `json:"requests"`
}

// batchResponse carries one base64 WAV blob per request.
type batchResponse struct {
	Audio []string `json:"audio"`
}

// errorResponse is the service's structured error body.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPClient talks to the TTS service over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client for the service at baseURL. The
// timeout applies to every request, including batch synthesis.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SynthesizeBatch implements Client.
func (c *HTTPClient) SynthesizeBatch(ctx context.Context, reqs []Request) ([][]byte, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}

	body, err := json.Marshal(batchRequest{Requests: reqs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiBatchSpeech, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch request: %w", err)
	}
	httpReq.Header.Set(headerContentType, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("batch synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var svcErr errorResponse
		if json.Unmarshal(respBody, &svcErr) == nil && svcErr.Detail != "" {
			return nil, fmt.Errorf("synthesis service error (%s): %s (code: %s)",
				resp.Status, svcErr.Detail, svcErr.ErrorCode)
		}
		return nil, fmt.Errorf("synthesis service returned non-OK status: %s, body: %s",
			resp.Status, respBody)
	}

	var decoded batchResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	if len(decoded.Audio) != len(reqs) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBatchMismatch, len(decoded.Audio), len(reqs))
	}

	blobs := make([][]byte, len(decoded.Audio))
	for i, encoded := range decoded.Audio {
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio blob %d: %w", i, err)
		}
		if len(blob) == 0 {
			return nil, fmt.Errorf("received empty audio blob at index %d", i)
		}
		blobs[i] = blob
	}

	return blobs, nil
}

// Health implements Client.
func (c *HTTPClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synthesis service unhealthy: %s", resp.Status)
	}
	return nil
}
