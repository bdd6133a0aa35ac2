package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logfold/logfold/internal/collab"
	"github.com/logfold/logfold/internal/detector"
	"github.com/logfold/logfold/internal/duckdb"
	"github.com/logfold/logfold/internal/pattern"
	"github.com/logfold/logfold/internal/pipeline"
	"github.com/logfold/logfold/internal/queue"
	"github.com/logfold/logfold/internal/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testHarness wires a full service stack against an in-memory store
// and httptest collaborators.
type testHarness struct {
	store     *duckdb.Store
	router    *gin.Engine
	q         *queue.Queue
	embedded  *httptest.Server
	analyzed  *httptest.Server
	notifyLog *int
}

func newTestServer(t *testing.T) *testHarness {
	t.Helper()

	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		vectors := make([][]float64, len(req.Texts))
		for i := range vectors {
			vectors[i] = []float64{1, 2, 3}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	t.Cleanup(embedSrv.Close)

	notifications := 0
	analyzeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notifications++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(analyzeSrv.Close)

	norm, err := pattern.NewNormalizer(pattern.DefaultRules())
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	agg := pattern.NewAggregator(norm)
	sched := scheduler.New(agg, store, scheduler.Config{FlushInterval: time.Hour})
	t.Cleanup(sched.Stop)

	q := queue.New(store)
	det := detector.New(store, q, detector.Config{Interval: time.Hour})
	det.Start()
	t.Cleanup(det.Stop)
	coord := pipeline.New(store, q,
		collab.NewEmbeddingsClient(embedSrv.URL),
		collab.NewAnalyticsClient(analyzeSrv.URL),
		pipeline.Config{PollInterval: time.Hour},
	)

	srv := NewServer("", store, sched, det, coord, q)
	srv.startTime = time.Now()

	return &testHarness{
		store:     store,
		router:    srv.Router(),
		q:         q,
		embedded:  embedSrv,
		analyzed:  analyzeSrv,
		notifyLog: &notifications,
	}
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBufferString("")
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var parsed map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("unmarshal %s %s response: %v; body: %s", method, path, err, w.Body.String())
		}
	}
	return w, parsed
}

func TestIngestEndpoint(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodPost, "/ingest",
		`{"message":"user 42 logged in","level":"info","source":"auth"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}
	if body["accepted"] != true {
		t.Errorf("accepted = %v", body["accepted"])
	}
	if body["pattern"] != "user <num> logged in" {
		t.Errorf("pattern = %v", body["pattern"])
	}
}

func TestIngestEndpoint_EmptyMessage(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodPost, "/ingest",
		`{"message":"","level":"info","source":"auth"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body["kind"] != "invalid_input" {
		t.Errorf("kind = %v", body["kind"])
	}
}

func TestIngestEndpoint_MalformedJSON(t *testing.T) {
	h := newTestServer(t)

	w, _ := doJSON(t, h.router, http.MethodPost, "/ingest", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIngestBatchEndpoint_PerItemSummary(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodPost, "/ingest/batch",
		`{"logs":[{"message":"ok one","source":"a"},{"message":""},{"message":"ok two","source":"a"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if body["accepted"].(float64) != 2 {
		t.Errorf("accepted = %v, want 2", body["accepted"])
	}
	rejected := body["rejected"].([]any)
	if len(rejected) != 1 {
		t.Fatalf("rejected = %v, want 1 entry", rejected)
	}
	item := rejected[0].(map[string]any)
	if item["index"].(float64) != 1 {
		t.Errorf("rejected index = %v, want 1", item["index"])
	}
}

func TestFlushEndpoint(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h.router, http.MethodPost, "/ingest", `{"message":"a thing happened","source":"x"}`)
	w, body := doJSON(t, h.router, http.MethodPost, "/flush", "")
	if w.Code != http.StatusOK {
		t.Fatalf("flush status = %d; body: %s", w.Code, w.Body.String())
	}
	if body["flushed_count"].(float64) != 1 {
		t.Errorf("flushed_count = %v, want 1", body["flushed_count"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h.router, http.MethodPost, "/ingest", `{"message":"stat entry 1","source":"x"}`)
	doJSON(t, h.router, http.MethodPost, "/ingest", `{"message":"stat entry 1","source":"x"}`)
	doJSON(t, h.router, http.MethodPost, "/flush", "")

	w, body := doJSON(t, h.router, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d; body: %s", w.Code, w.Body.String())
	}
	if body["entries_folded"].(float64) != 2 {
		t.Errorf("entries_folded = %v, want 2", body["entries_folded"])
	}
	patterns := body["patterns"].(map[string]any)
	if patterns["stored"].(float64) != 1 {
		t.Errorf("stored patterns = %v, want 1", patterns["stored"])
	}
	if body["aggregation_ratio"].(float64) != 2 {
		t.Errorf("aggregation_ratio = %v, want 2", body["aggregation_ratio"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["schema_version"].(float64) < 1 {
		t.Errorf("schema_version = %v, want the applied migration version", body["schema_version"])
	}
}

func TestHealthEndpoint_DegradedWhenStoreClosed(t *testing.T) {
	h := newTestServer(t)
	h.store.Close()

	w, body := doJSON(t, h.router, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", w.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("logfold_")) {
		t.Error("metrics output missing logfold collectors")
	}
}

func TestEventSinkEndpoint(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodPost, "/claude-events",
		`{"event_type":"analytics_ready","flow_id":"f1","payload":{"count":1,"pattern_ids":[7]},"priority":4}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if body["status"] != "pending" {
		t.Errorf("status = %v, want pending", body["status"])
	}
	if body["id"].(float64) < 1 {
		t.Errorf("id = %v", body["id"])
	}
}

func TestEventSinkEndpoint_MissingType(t *testing.T) {
	h := newTestServer(t)

	w, _ := doJSON(t, h.router, http.MethodPost, "/claude-events", `{"flow_id":"f1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEventSinkEndpoint_UnknownTypeRejected(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodPost, "/claude-events",
		`{"event_type":"mystery_event","flow_id":"f1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body["kind"] != "invalid_input" {
		t.Errorf("kind = %v, want invalid_input", body["kind"])
	}

	// Nothing was persisted for a type no consumer claims.
	n, err := h.q.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 0 {
		t.Errorf("pending events = %d, want 0", n)
	}
}

func TestProcessEmbeddings_EmptyQueue(t *testing.T) {
	h := newTestServer(t)

	w, body := doJSON(t, h.router, http.MethodPost, "/process-embeddings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["processed"] != false {
		t.Errorf("processed = %v, want false on empty queue", body["processed"])
	}
}

func TestPipelineEndpoints_FullCycle(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h.router, http.MethodPost, "/ingest", `{"message":"disk full on /var/log/app","source":"node1","level":"error"}`)
	doJSON(t, h.router, http.MethodPost, "/flush", "")

	// Detector trigger runs async; wait for the event to land.
	w, _ := doJSON(t, h.router, http.MethodPost, "/logs-batch-ready", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch-ready status = %d", w.Code)
	}
	deadline := time.After(2 * time.Second)
	for {
		_, stats := doJSON(t, h.router, http.MethodGet, "/stats", "")
		if stats["pending_events"].(float64) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("detector never enqueued an event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	w, body := doJSON(t, h.router, http.MethodPost, "/process-embeddings", "")
	if w.Code != http.StatusOK || body["processed"] != true {
		t.Fatalf("process-embeddings: status=%d body=%s", w.Code, w.Body.String())
	}

	w, body = doJSON(t, h.router, http.MethodPost, "/embeddings-ready", "")
	if w.Code != http.StatusOK || body["processed"] != true {
		t.Fatalf("embeddings-ready: status=%d body=%s", w.Code, w.Body.String())
	}
	if *h.notifyLog != 1 {
		t.Errorf("analytics notifications = %d, want 1", *h.notifyLog)
	}
}
