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

// AnalyticsClient notifies the analytics service about each stored
// vector so it can run pre-storage analysis.
type AnalyticsClient struct {
	client *http.Client
	url    string
}

// AnalyticsConfig holds tunable parameters for the client.
type AnalyticsConfig struct {
	Timeout time.Duration
}

// NewAnalyticsClient targets the given analyze endpoint.
func NewAnalyticsClient(url string, conf ...AnalyticsConfig) *AnalyticsClient {
	timeout := defaultTimeout
	if len(conf) > 0 && conf[0].Timeout > 0 {
		timeout = conf[0].Timeout
	}
	return &AnalyticsClient{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

type analyzeRequest struct {
	EmbeddingID string            `json:"embedding_id"`
	SourceID    int64             `json:"source_id"`
	Text        string            `json:"text"`
	Vector      []float64         `json:"vector"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Notify posts one stored embedding for analysis. A failed
// notification leaves the event in the queue for retry, so this does
// not retry internally.
func (c *AnalyticsClient) Notify(ctx context.Context, rec *model.EmbeddingRecord) error {
	body, err := json.Marshal(analyzeRequest{
		EmbeddingID: rec.ID,
		SourceID:    rec.SourceID,
		Text:        rec.OriginalText,
		Vector:      rec.Vector,
		Metadata:    rec.Metadata,
	})
	if err != nil {
		return model.WrapError(model.KindInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return model.WrapError(model.KindInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.AnalyticsNotified.WithLabelValues("error").Inc()
		return model.WrapError(model.KindUpstreamUnavailable, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.AnalyticsNotified.WithLabelValues("error").Inc()
		return model.WrapError(model.KindUpstreamUnavailable,
			fmt.Errorf("analytics service: HTTP %d", resp.StatusCode))
	}
	metrics.AnalyticsNotified.WithLabelValues("ok").Inc()
	return nil
}
