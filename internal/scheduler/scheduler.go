// Package scheduler flushes in-memory pattern aggregates to durable
// storage on a timer, on a size threshold, or on demand. A flush is
// all-or-nothing: when the storage write fails, every drained
// aggregate is merged back into the aggregator so no counts are lost.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logfold/logfold/internal/metrics"
	"github.com/logfold/logfold/internal/model"
	"github.com/logfold/logfold/internal/pattern"
)

// Config holds tunable parameters for the scheduler.
type Config struct {
	FlushInterval time.Duration // time-based trigger
	MaxPatterns   int           // size-based trigger on distinct patterns
	FlushOnError  bool          // flush early when an ERROR entry arrives
}

// Scheduler owns the flush cycle of one aggregator.
type Scheduler struct {
	agg          *pattern.Aggregator
	writer       model.AggregateWriter
	interval     time.Duration
	maxSize      int
	flushOnError bool

	kick chan struct{} // size-threshold signal, capacity 1
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	// flushMu serializes flushes so a timer tick and a forced flush
	// never interleave their drain/restore pairs.
	flushMu sync.Mutex

	flushCount   atomic.Int64
	flushedRows  atomic.Int64
	failedCount  atomic.Int64
	lastFlushUTC atomic.Int64 // unix seconds, 0 = never
}

// New creates a scheduler and starts its flush loop.
func New(agg *pattern.Aggregator, writer model.AggregateWriter, conf ...Config) *Scheduler {
	interval := model.DefaultFlushInterval
	maxSize := model.DefaultFlushMaxPatterns
	if len(conf) > 0 {
		if conf[0].FlushInterval > 0 {
			interval = conf[0].FlushInterval
		}
		if conf[0].MaxPatterns > 0 {
			maxSize = conf[0].MaxPatterns
		}
	}

	s := &Scheduler{
		agg:      agg,
		writer:   writer,
		interval: interval,
		maxSize:  maxSize,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if len(conf) > 0 {
		s.flushOnError = conf[0].FlushOnError
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Ingest folds one entry and nudges the flush loop when the distinct
// pattern count crosses the size threshold. It never blocks on IO.
func (s *Scheduler) Ingest(entry model.LogEntry) (model.PatternKey, error) {
	key, err := s.agg.Fold(entry)
	if err != nil {
		metrics.EntriesRejected.Inc()
		return key, err
	}
	metrics.EntriesIngested.WithLabelValues(key.Source).Inc()
	if s.agg.DistinctCount() >= s.maxSize || (s.flushOnError && key.Level == "ERROR") {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return key, nil
}

// IngestBatch folds entries one by one and reports how many were
// accepted. A rejected entry does not abort the rest of the batch.
func (s *Scheduler) IngestBatch(entries []model.LogEntry) (accepted int, firstErr error) {
	for _, entry := range entries {
		if _, err := s.Ingest(entry); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

func (s *Scheduler) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Flush(context.Background()); err != nil {
				log.Printf("scheduler: timed flush failed, aggregates retained: %v", err)
			}
		case <-s.kick:
			if _, err := s.Flush(context.Background()); err != nil {
				log.Printf("scheduler: size flush failed, aggregates retained: %v", err)
			}
		case <-s.done:
			// Final drain so nothing accumulated since the last tick
			// is lost on shutdown.
			if _, err := s.Flush(context.Background()); err != nil {
				log.Printf("scheduler: shutdown flush failed: %v", err)
			}
			return
		}
	}
}

// Flush drains the aggregator and writes everything in one batch.
// On storage failure the drained aggregates are restored, merging
// with anything folded in the meantime, and the error is returned.
// Returns the number of rows written.
func (s *Scheduler) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch := s.agg.Drain()
	if len(batch) == 0 {
		return 0, nil
	}

	if err := s.writer.InsertAggregateBatch(ctx, batch); err != nil {
		s.agg.Restore(batch)
		s.failedCount.Add(1)
		metrics.FlushesTotal.WithLabelValues("error").Inc()
		metrics.StageErrors.WithLabelValues("flush", string(model.KindOf(err))).Inc()
		return 0, err
	}

	s.flushCount.Add(1)
	s.flushedRows.Add(int64(len(batch)))
	metrics.FlushesTotal.WithLabelValues("ok").Inc()
	metrics.FlushedPatterns.Add(float64(len(batch)))
	s.lastFlushUTC.Store(time.Now().UTC().Unix())
	return len(batch), nil
}

// Stop performs a final flush and waits for the loop to exit.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// TotalFolded reports how many entries the aggregator has accepted.
func (s *Scheduler) TotalFolded() int64 { return s.agg.TotalFolded() }

// TotalRejected reports how many entries were rejected at ingestion.
func (s *Scheduler) TotalRejected() int64 { return s.agg.TotalRejected() }

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Flushes       int64     `json:"flushes"`
	FlushedRows   int64     `json:"flushed_rows"`
	FailedFlushes int64     `json:"failed_flushes"`
	LastFlush     time.Time `json:"last_flush"`
	PendingCount  int       `json:"pending_patterns"`
}

// Snapshot reports flush counters and the current in-memory backlog.
func (s *Scheduler) Snapshot() Stats {
	st := Stats{
		Flushes:       s.flushCount.Load(),
		FlushedRows:   s.flushedRows.Load(),
		FailedFlushes: s.failedCount.Load(),
		PendingCount:  s.agg.DistinctCount(),
	}
	if ts := s.lastFlushUTC.Load(); ts > 0 {
		st.LastFlush = time.Unix(ts, 0).UTC()
	}
	return st
}
