// Package collab holds the HTTP clients for the two downstream
// collaborators: the embeddings service that vectorizes pattern text
// and the analytics service notified after vectors are stored.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/logfold/logfold/internal/metrics"
	"github.com/logfold/logfold/internal/model"
)

const (
	defaultTimeout = 15 * time.Second
	maxRetries     = 3
)

// EmbeddingsClient calls the embeddings service with one batched
// request per pipeline event.
type EmbeddingsClient struct {
	client *http.Client
	url    string
}

// EmbeddingsConfig holds tunable parameters for the client.
type EmbeddingsConfig struct {
	Timeout time.Duration
}

// NewEmbeddingsClient targets the given embed endpoint.
func NewEmbeddingsClient(url string, conf ...EmbeddingsConfig) *EmbeddingsClient {
	timeout := defaultTimeout
	if len(conf) > 0 && conf[0].Timeout > 0 {
		timeout = conf[0].Timeout
	}
	return &EmbeddingsClient{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

type embedRequest struct {
	Texts    []string            `json:"texts"`
	Metadata []map[string]string `json:"metadata,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// EmbedBatch vectorizes all texts in one call. metadata is optional
// and, when present, positional with texts. The response must contain
// exactly one vector per input, in order; anything else is an
// upstream mismatch and the caller must not store partial results.
// Retries on 5xx with exponential backoff.
func (c *EmbeddingsClient) EmbedBatch(ctx context.Context, texts []string, metadata []map[string]string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if metadata != nil && len(metadata) != len(texts) {
		return nil, model.Errorf(model.KindInvalidInput,
			"metadata count %d does not match %d texts", len(metadata), len(texts))
	}

	body, err := json.Marshal(embedRequest{Texts: texts, Metadata: metadata})
	if err != nil {
		return nil, model.WrapError(model.KindInvalidInput, err)
	}

	started := time.Now()
	data, err := c.postWithRetry(ctx, c.url, body)
	metrics.EmbedRequestSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, model.WrapError(model.KindUpstreamMismatch, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, model.Errorf(model.KindUpstreamMismatch,
			"embeddings service returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// postWithRetry POSTs JSON and retries 5xx responses with exponential
// backoff. Connection and timeout failures map to upstream
// unavailability; 4xx responses are not retried.
func (c *EmbeddingsClient) postWithRetry(ctx context.Context, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, model.WrapError(model.KindUpstreamUnavailable, ctx.Err())
			case <-time.After(time.Duration(1<<(attempt-1)) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, model.WrapError(model.KindInvalidInput, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, model.WrapError(model.KindUpstreamUnavailable, err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, model.WrapError(model.KindUpstreamUnavailable, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		lastErr = fmt.Errorf("embeddings service: HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return nil, model.WrapError(model.KindInvalidInput, lastErr)
		}
	}
	return nil, model.WrapError(model.KindUpstreamUnavailable, lastErr)
}
