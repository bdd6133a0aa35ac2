// Package detector periodically scans storage for aggregated rows
// that have no embedding yet and announces them to the pipeline.
// Each scan produces at most one event, carrying the row ids in its
// payload so downstream stages need no shared state.
package detector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logfold/logfold/internal/model"
	"github.com/logfold/logfold/internal/queue"
)

// Config holds tunable parameters for the detector.
type Config struct {
	Interval  time.Duration
	BatchSize int // hard cap per scan
	Priority  int // event priority, lower = more urgent
}

// Detector drives the scan loop.
type Detector struct {
	scanner   model.AggregateScanner
	q         *queue.Queue
	interval  time.Duration
	batchSize int
	priority  int

	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// scanMu keeps a triggered scan from overlapping a timed one.
	scanMu sync.Mutex
}

// New creates a detector. Start must be called to begin scanning.
func New(scanner model.AggregateScanner, q *queue.Queue, conf ...Config) *Detector {
	interval := model.DefaultDetectorInterval
	batchSize := model.DefaultDetectorBatchSize
	priority := model.DefaultDetectorPriority
	if len(conf) > 0 {
		if conf[0].Interval > 0 {
			interval = conf[0].Interval
		}
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].Priority > 0 {
			priority = conf[0].Priority
		}
	}
	return &Detector{
		scanner:   scanner,
		q:         q,
		interval:  interval,
		batchSize: batchSize,
		priority:  priority,
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the scan loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.scanLoop()
}

// Stop halts the loop. Safe to call more than once.
func (d *Detector) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Trigger requests an immediate scan without waiting for the timer.
// Coalesces when a scan is already queued.
func (d *Detector) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Detector) scanLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.Scan(context.Background()); err != nil {
				log.Printf("detector: timed scan failed: %v", err)
			}
		case <-d.trigger:
			if _, err := d.Scan(context.Background()); err != nil {
				log.Printf("detector: triggered scan failed: %v", err)
			}
		case <-d.done:
			return
		}
	}
}

// Scan looks for aggregated rows without embeddings and, when any
// exist, enqueues one embeddings_decision_required event with the row
// ids as payload. Returns the rows found. An empty scan enqueues
// nothing.
func (d *Detector) Scan(ctx context.Context) ([]*model.AggregatedPattern, error) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	rows, err := d.scanner.UnprocessedAggregates(ctx, d.batchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	payload := model.BatchPayload{Count: len(ids), PatternIDs: ids}
	id, err := d.q.Enqueue(ctx, &model.PipelineEvent{
		Type:     model.EventEmbeddingsDecisionRequired,
		FlowID:   uuid.NewString(),
		Payload:  payload.ToMap(),
		Priority: d.priority,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("detector: found %d unembedded rows, enqueued event id=%d", len(rows), id)
	return rows, nil
}
