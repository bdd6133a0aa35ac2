// Package pipeline drives claimed events through their stages: a
// detected batch is embedded in one upstream call, the vectors are
// fanned out to storage, the source rows are marked processed, and a
// follow-up event notifies analytics. Every step is idempotent, so a
// released event can be replayed without duplicating work.
package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logfold/logfold/internal/metrics"
	"github.com/logfold/logfold/internal/model"
	"github.com/logfold/logfold/internal/queue"
)

// Store is the storage surface the coordinator needs.
type Store interface {
	model.AggregateScanner
	model.EmbeddingWriter
}

// Embedder vectorizes a batch of pattern texts in one call.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, metadata []map[string]string) ([][]float64, error)
}

// Notifier announces one stored embedding to analytics.
type Notifier interface {
	Notify(ctx context.Context, rec *model.EmbeddingRecord) error
}

// Config holds tunable parameters for the coordinator.
type Config struct {
	PollInterval time.Duration
	Workers      int // storage fan-out width
}

// Coordinator consumes the event queue.
type Coordinator struct {
	store     Store
	q         *queue.Queue
	embedder  Embedder
	analytics Notifier

	pollInterval time.Duration
	workers      int

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	processedEvents atomic.Int64
	failedEvents    atomic.Int64
}

// Stats is a point-in-time snapshot of coordinator activity.
type Stats struct {
	ProcessedEvents int64 `json:"processed_events"`
	FailedEvents    int64 `json:"failed_events"`
}

// Snapshot reports how many events this coordinator has finished or
// released for retry.
func (c *Coordinator) Snapshot() Stats {
	return Stats{
		ProcessedEvents: c.processedEvents.Load(),
		FailedEvents:    c.failedEvents.Load(),
	}
}

// New creates a coordinator. Start must be called to begin polling.
func New(store Store, q *queue.Queue, embedder Embedder, analytics Notifier, conf ...Config) *Coordinator {
	pollInterval := model.DefaultPollInterval
	workers := model.DefaultWorkerCount
	if len(conf) > 0 {
		if conf[0].PollInterval > 0 {
			pollInterval = conf[0].PollInterval
		}
		if conf[0].Workers > 0 {
			workers = conf[0].Workers
		}
	}
	return &Coordinator{
		store:        store,
		q:            q,
		embedder:     embedder,
		analytics:    analytics,
		pollInterval: pollInterval,
		workers:      workers,
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.pollLoop()
}

// Stop halts polling after the in-flight event finishes. Safe to call
// more than once.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Drain everything claimable before going back to sleep.
			for {
				claimed, err := c.ProcessNext(context.Background())
				if err != nil {
					log.Printf("pipeline: event processing failed: %v", err)
					break
				}
				if !claimed {
					break
				}
				select {
				case <-c.done:
					return
				default:
				}
			}
		case <-c.done:
			return
		}
	}
}

// ProcessNext claims the next pending event of either type and runs
// it to completion. Returns false when nothing was claimable. A
// processing error releases the event for retry before returning.
func (c *Coordinator) ProcessNext(ctx context.Context) (bool, error) {
	return c.ProcessNextOf(ctx, model.EventEmbeddingsDecisionRequired, model.EventAnalyticsReady)
}

// ProcessNextOf is ProcessNext restricted to the given event types,
// used by the HTTP triggers that drive a single stage.
func (c *Coordinator) ProcessNextOf(ctx context.Context, types ...model.EventType) (bool, error) {
	ev, ok, err := c.q.ClaimNext(ctx, types...)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	switch ev.Type {
	case model.EventEmbeddingsDecisionRequired:
		err = c.handleEmbeddingsEvent(ctx, ev)
	case model.EventAnalyticsReady:
		err = c.handleAnalyticsEvent(ctx, ev)
	default:
		// Unknown type is permanent; retrying cannot help.
		log.Printf("pipeline: dropping event id=%d with unknown type %q", ev.ID, ev.Type)
		err = c.q.Complete(ctx, ev)
	}
	if err != nil {
		c.failedEvents.Add(1)
	} else {
		c.processedEvents.Add(1)
	}
	return true, err
}

// handleEmbeddingsEvent embeds one detected batch and stores the
// vectors. The row set is re-read from storage first, so a replayed
// event only works on rows still missing embeddings.
func (c *Coordinator) handleEmbeddingsEvent(ctx context.Context, ev *model.PipelineEvent) error {
	payload, err := model.ParseBatchPayload(ev.Payload)
	if err != nil {
		// A malformed payload never becomes valid. Complete it so the
		// queue does not wedge on a poison event.
		log.Printf("pipeline: completing event id=%d with bad payload: %v", ev.ID, err)
		return c.q.Complete(ctx, ev)
	}

	rows, err := c.store.AggregatesWithoutEmbeddings(ctx, payload.PatternIDs)
	if err != nil {
		c.q.Fail(ctx, ev, err)
		return err
	}
	if len(rows) == 0 {
		// A previous attempt already stored everything.
		log.Printf("pipeline: event id=%d batch already embedded, nothing to do", ev.ID)
		return c.q.Complete(ctx, ev)
	}

	texts := make([]string, len(rows))
	metadata := make([]map[string]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Pattern
		metadata[i] = map[string]string{
			"source": r.Source,
			"level":  r.Level,
		}
	}

	vectors, err := c.embedder.EmbedBatch(ctx, texts, metadata)
	if err != nil {
		c.q.Fail(ctx, ev, err)
		return err
	}
	if len(vectors) != len(rows) {
		err = model.Errorf(model.KindUpstreamMismatch,
			"got %d vectors for %d rows", len(vectors), len(rows))
		c.q.Fail(ctx, ev, err)
		return err
	}

	// Stored rows are committed to the pipeline even when sibling
	// writes fail: they carry an embedding now, so the replay re-check
	// will never see them again. Mark them and hand them to analytics
	// before deciding the event's fate.
	stored, storeErr := c.storeVectors(ctx, rows, vectors)

	for _, id := range stored {
		applied, err := c.store.MarkAggregateProcessed(ctx, id)
		if err != nil {
			c.q.Fail(ctx, ev, err)
			return err
		}
		if !applied {
			log.Printf("pipeline: row %d already marked processed", id)
		}
	}

	if len(stored) > 0 {
		next := model.BatchPayload{Count: len(stored), PatternIDs: stored}
		if _, err := c.q.Enqueue(ctx, &model.PipelineEvent{
			Type:    model.EventAnalyticsReady,
			FlowID:  ev.FlowID,
			Payload: next.ToMap(),
		}); err != nil {
			c.q.Fail(ctx, ev, err)
			return err
		}
	}

	if storeErr != nil {
		// The rows that failed are still without an embedding, so the
		// replay re-check picks up exactly those.
		log.Printf("pipeline: event id=%d stored %d of %d embeddings: %v", ev.ID, len(stored), len(rows), storeErr)
		c.q.Fail(ctx, ev, storeErr)
		return storeErr
	}

	if err := c.q.Complete(ctx, ev); err != nil {
		return err
	}
	log.Printf("pipeline: event id=%d stored %d embeddings, analytics queued", ev.ID, len(stored))
	return nil
}

// storeVectors fans the writes out across a bounded worker pool and
// waits for all of them, then returns the source ids that now have an
// embedding, insertion races included. A failed write never cancels
// its siblings; the first failure is returned alongside whatever was
// stored.
func (c *Coordinator) storeVectors(ctx context.Context, rows []*model.AggregatedPattern, vectors [][]float64) ([]int64, error) {
	var g errgroup.Group
	g.SetLimit(c.workers)

	ok := make([]bool, len(rows))
	errs := make([]error, len(rows))
	for i, row := range rows {
		g.Go(func() error {
			inserted, err := c.store.InsertEmbedding(ctx, &model.EmbeddingRecord{
				SourceID:     row.ID,
				OriginalText: row.Pattern,
				Vector:       vectors[i],
				Metadata: map[string]string{
					"source": row.Source,
					"level":  row.Level,
				},
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			if inserted {
				metrics.EmbeddingsStored.Inc()
			} else {
				metrics.EmbeddingsSkipped.Inc()
			}
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	var stored []int64
	var firstErr error
	for i := range rows {
		switch {
		case ok[i]:
			stored = append(stored, rows[i].ID)
		case firstErr == nil:
			firstErr = errs[i]
		}
	}
	return stored, firstErr
}

// handleAnalyticsEvent notifies analytics about each embedding in the
// batch. One failed notification releases the whole event; replays
// re-notify, which analytics tolerates.
func (c *Coordinator) handleAnalyticsEvent(ctx context.Context, ev *model.PipelineEvent) error {
	payload, err := model.ParseBatchPayload(ev.Payload)
	if err != nil {
		log.Printf("pipeline: completing event id=%d with bad payload: %v", ev.ID, err)
		return c.q.Complete(ctx, ev)
	}

	recs, err := c.store.EmbeddingsBySourceIDs(ctx, payload.PatternIDs)
	if err != nil {
		c.q.Fail(ctx, ev, err)
		return err
	}

	for _, rec := range recs {
		if err := c.analytics.Notify(ctx, rec); err != nil {
			c.q.Fail(ctx, ev, err)
			return err
		}
	}

	if err := c.q.Complete(ctx, ev); err != nil {
		return err
	}
	log.Printf("pipeline: event id=%d notified analytics for %d embeddings", ev.ID, len(recs))
	return nil
}
