package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logfold/logfold/internal/model"
)

func embedServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatch_RoundTrip(t *testing.T) {
	var gotMeta []map[string]string
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts    []string            `json:"texts"`
			Metadata []map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotMeta = req.Metadata
		vectors := make([][]float64, len(req.Texts))
		for i := range vectors {
			vectors[i] = []float64{float64(i), 0.5}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	})

	c := NewEmbeddingsClient(srv.URL)
	meta := []map[string]string{
		{"source": "api", "level": "ERROR"},
		{"source": "api", "level": "INFO"},
		{"source": "worker", "level": "WARN"},
	}
	got, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"}, meta)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("vectors = %d, want 3", len(got))
	}
	if got[2][0] != 2 {
		t.Errorf("vector order lost: %v", got[2])
	}
	if len(gotMeta) != 3 || gotMeta[0]["level"] != "ERROR" {
		t.Errorf("metadata not forwarded: %v", gotMeta)
	}
}

func TestEmbedBatch_MetadataLengthMismatch(t *testing.T) {
	c := NewEmbeddingsClient("http://unused.invalid")
	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"}, []map[string]string{{"source": "api"}})
	if err == nil {
		t.Fatal("EmbedBatch accepted mismatched metadata")
	}
	if model.KindOf(err) != model.KindInvalidInput {
		t.Errorf("error kind = %v, want invalid input", model.KindOf(err))
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	c := NewEmbeddingsClient("http://unused.invalid")
	got, err := c.EmbedBatch(context.Background(), nil, nil)
	if err != nil || got != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", got, err)
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{1}}})
	})

	c := NewEmbeddingsClient(srv.URL)
	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"}, nil)
	if err == nil {
		t.Fatal("EmbedBatch succeeded with short response")
	}
	if model.KindOf(err) != model.KindUpstreamMismatch {
		t.Errorf("error kind = %v, want mismatch", model.KindOf(err))
	}
}

func TestEmbedBatch_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{1, 2}}})
	})

	c := NewEmbeddingsClient(srv.URL)
	got, err := c.EmbedBatch(context.Background(), []string{"a"}, nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("vectors = %d, want 1", len(got))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestEmbedBatch_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewEmbeddingsClient(srv.URL)
	_, err := c.EmbedBatch(context.Background(), []string{"a"}, nil)
	if err == nil {
		t.Fatal("EmbedBatch succeeded against a dead upstream")
	}
	if model.KindOf(err) != model.KindUpstreamUnavailable {
		t.Errorf("error kind = %v, want unavailable", model.KindOf(err))
	}
	if calls.Load() != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries+1)
	}
}

func TestEmbedBatch_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	c := NewEmbeddingsClient(srv.URL)
	_, err := c.EmbedBatch(context.Background(), []string{"a"}, nil)
	if err == nil {
		t.Fatal("EmbedBatch succeeded on 400")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if model.KindOf(err) != model.KindInvalidInput {
		t.Errorf("error kind = %v, want invalid input", model.KindOf(err))
	}
}

func TestEmbedBatch_ConnectionRefused(t *testing.T) {
	c := NewEmbeddingsClient("http://127.0.0.1:1", EmbeddingsConfig{Timeout: time.Second})
	_, err := c.EmbedBatch(context.Background(), []string{"a"}, nil)
	if err == nil {
		t.Fatal("EmbedBatch succeeded against closed port")
	}
	if model.KindOf(err) != model.KindUpstreamUnavailable {
		t.Errorf("error kind = %v, want unavailable", model.KindOf(err))
	}
}

func TestNotify_PostsRecord(t *testing.T) {
	var got analyzeRequest
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	c := NewAnalyticsClient(srv.URL)
	err := c.Notify(context.Background(), &model.EmbeddingRecord{
		ID:           "emb-1",
		SourceID:     42,
		OriginalText: "db connection lost to <ip>",
		Vector:       []float64{0.1, 0.2},
		Metadata:     map[string]string{"source": "api", "level": "ERROR"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.EmbeddingID != "emb-1" || got.SourceID != 42 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Vector) != 2 {
		t.Errorf("vector = %v", got.Vector)
	}
	if got.Metadata["level"] != "ERROR" || got.Metadata["source"] != "api" {
		t.Errorf("metadata = %v, want source/level carried through", got.Metadata)
	}
}

func TestNotify_UpstreamError(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := NewAnalyticsClient(srv.URL)
	err := c.Notify(context.Background(), &model.EmbeddingRecord{ID: "emb-1"})
	if err == nil {
		t.Fatal("Notify succeeded on 502")
	}
	if model.KindOf(err) != model.KindUpstreamUnavailable {
		t.Errorf("error kind = %v, want unavailable", model.KindOf(err))
	}
}
