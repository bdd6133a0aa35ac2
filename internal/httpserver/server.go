// Package httpserver exposes ingestion, pipeline control and
// observability endpoints over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logfold/logfold/internal/detector"
	"github.com/logfold/logfold/internal/metrics"
	"github.com/logfold/logfold/internal/model"
	"github.com/logfold/logfold/internal/pipeline"
	"github.com/logfold/logfold/internal/queue"
	"github.com/logfold/logfold/internal/scheduler"
)

// StatsStore is the narrow store contract required by the HTTP API.
type StatsStore interface {
	Ping(ctx context.Context) error
	SchemaVersion() int
	AggregateCounts(ctx context.Context) (total int64, processed int64, err error)
	EmbeddingCount(ctx context.Context) (int64, error)
}

// Server provides the logfold HTTP API.
type Server struct {
	addr      string
	store     StatsStore
	sched     *scheduler.Scheduler
	det       *detector.Detector
	coord     *pipeline.Coordinator
	q         *queue.Queue
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store StatsStore, sched *scheduler.Scheduler, det *detector.Detector, coord *pipeline.Coordinator, q *queue.Queue) *Server {
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		store:  store,
		sched:  sched,
		det:    det,
		coord:  coord,
		q:      q,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router builds the gin handler. Exposed so tests can drive the API
// without a listener.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/ingest", s.handleIngest)
	r.POST("/ingest/batch", s.handleIngestBatch)
	r.POST("/flush", s.handleFlush)
	r.GET("/stats", s.handleStats)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/logs-batch-ready", s.handleBatchReady)
	r.POST("/claude-events", s.handleEventSink)
	r.POST("/process-embeddings", s.handleProcessEmbeddings)
	r.POST("/embeddings-ready", s.handleEmbeddingsReady)

	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type ingestRequest struct {
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

func (r ingestRequest) entry() model.LogEntry {
	return model.LogEntry{
		Message:   r.Message,
		Level:     r.Level,
		Source:    r.Source,
		Timestamp: r.Timestamp,
		Metadata:  r.Metadata,
	}
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	key, err := s.sched.Ingest(req.entry())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": string(model.KindOf(err))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true, "pattern": key.Pattern})
}

func (s *Server) handleIngestBatch(c *gin.Context) {
	var req struct {
		Logs []ingestRequest `json:"logs" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing logs field"})
		return
	}

	type rejection struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	}
	accepted := 0
	var rejected []rejection
	for i, item := range req.Logs {
		if _, err := s.sched.Ingest(item.entry()); err != nil {
			rejected = append(rejected, rejection{Index: i, Error: err.Error()})
			continue
		}
		accepted++
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted": accepted,
		"rejected": rejected,
		"total":    len(req.Logs),
	})
}

func (s *Server) handleFlush(c *gin.Context) {
	n, err := s.sched.Flush(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "kind": string(model.KindOf(err))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed_count": n})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	total, processed, err := s.store.AggregateCounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read aggregate counts"})
		return
	}
	embeddings, err := s.store.EmbeddingCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read embedding count"})
		return
	}
	pendingEvents, err := s.q.PendingCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue backlog"})
		return
	}

	flush := s.sched.Snapshot()
	pipe := s.coord.Snapshot()

	folded := s.sched.TotalFolded()
	distinct := total + int64(flush.PendingCount)
	ratio := 0.0
	if distinct > 0 {
		ratio = float64(folded) / float64(distinct)
	}

	c.JSON(http.StatusOK, gin.H{
		"entries_folded":    folded,
		"entries_rejected":  s.sched.TotalRejected(),
		"aggregation_ratio": ratio,
		"patterns": gin.H{
			"stored":    total,
			"processed": processed,
			"in_memory": flush.PendingCount,
		},
		"flushes":        flush,
		"embeddings":     embeddings,
		"pending_events": pendingEvents,
		"pipeline":       pipe,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  "durable store unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"schema_version": s.store.SchemaVersion(),
		"uptime":         time.Since(s.startTime).String(),
	})
}

func (s *Server) handleBatchReady(c *gin.Context) {
	s.det.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

func (s *Server) handleEventSink(c *gin.Context) {
	var req struct {
		EventType string         `json:"event_type" binding:"required"`
		FlowID    string         `json:"flow_id"`
		Payload   map[string]any `json:"payload"`
		Priority  int            `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing event_type"})
		return
	}

	// Reject types no consumer claims; accepting them would grow the
	// pending backlog forever.
	switch model.EventType(req.EventType) {
	case model.EventEmbeddingsDecisionRequired, model.EventAnalyticsReady:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown event_type " + req.EventType,
			"kind":  string(model.KindInvalidInput),
		})
		return
	}

	id, err := s.q.Enqueue(c.Request.Context(), &model.PipelineEvent{
		Type:     model.EventType(req.EventType),
		FlowID:   req.FlowID,
		Payload:  req.Payload,
		Priority: req.Priority,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "pending"})
}

func (s *Server) handleProcessEmbeddings(c *gin.Context) {
	claimed, err := s.coord.ProcessNextOf(c.Request.Context(), model.EventEmbeddingsDecisionRequired)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"processed": false, "error": err.Error(), "kind": string(model.KindOf(err))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": claimed})
}

func (s *Server) handleEmbeddingsReady(c *gin.Context) {
	claimed, err := s.coord.ProcessNextOf(c.Request.Context(), model.EventAnalyticsReady)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"processed": false, "error": err.Error(), "kind": string(model.KindOf(err))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": claimed})
}

// statusFor maps the pipeline error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var perr *model.PipelineError
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}
	switch perr.Kind {
	case model.KindInvalidInput:
		return http.StatusBadRequest
	case model.KindUpstreamMismatch:
		return http.StatusBadGateway
	case model.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case model.KindQueueContention:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
