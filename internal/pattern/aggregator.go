package pattern

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logfold/logfold/internal/model"
)

// Config holds tunable parameters for the aggregator.
type Config struct {
	SampleCap int // max sample messages kept per aggregate
}

// Aggregator folds raw log entries into in-memory aggregates keyed by
// (pattern, source, level). It performs no I/O; the scheduler drains it.
// Safe for concurrent folds from multiple ingestion sources.
type Aggregator struct {
	norm      *Normalizer
	sampleCap int

	mu    sync.Mutex
	table map[model.PatternKey]*model.AggregatedPattern

	totalFolded atomic.Int64
	rejected    atomic.Int64
}

// NewAggregator creates an aggregator using the given normalizer.
func NewAggregator(norm *Normalizer, conf ...Config) *Aggregator {
	sampleCap := model.DefaultSampleCap
	if len(conf) > 0 && conf[0].SampleCap > 0 {
		sampleCap = conf[0].SampleCap
	}
	return &Aggregator{
		norm:      norm,
		sampleCap: sampleCap,
		table:     make(map[model.PatternKey]*model.AggregatedPattern),
	}
}

// Fold normalizes entry's message and merges it into the matching
// aggregate, creating one when absent. Empty messages are rejected
// with KindInvalidInput.
func (a *Aggregator) Fold(entry model.LogEntry) (model.PatternKey, error) {
	if strings.TrimSpace(entry.Message) == "" {
		a.rejected.Add(1)
		return model.PatternKey{}, model.Errorf(model.KindInvalidInput, "empty message")
	}

	level := strings.ToUpper(strings.TrimSpace(entry.Level))
	if level == "" {
		level = "INFO"
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	key := model.PatternKey{
		Pattern: a.norm.Normalize(entry.Message),
		Source:  entry.Source,
		Level:   level,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	agg, ok := a.table[key]
	if !ok {
		agg = &model.AggregatedPattern{
			Pattern:   key.Pattern,
			Level:     key.Level,
			Source:    key.Source,
			FirstSeen: ts,
			LastSeen:  ts,
			Metadata:  make(map[string]string),
		}
		a.table[key] = agg
	}

	agg.Count++
	if ts.Before(agg.FirstSeen) {
		agg.FirstSeen = ts
	}
	if ts.After(agg.LastSeen) {
		agg.LastSeen = ts
	}
	agg.SampleMessages = appendSample(agg.SampleMessages, entry.Message, a.sampleCap)
	for k, v := range entry.Metadata {
		agg.Metadata[k] = v
	}

	a.totalFolded.Add(1)
	return key, nil
}

// appendSample appends msg keeping at most max entries, dropping the oldest.
func appendSample(samples []string, msg string, max int) []string {
	samples = append(samples, msg)
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

// Drain removes and returns all current aggregates. The caller owns the
// returned rows; a failed flush hands them back via Restore.
func (a *Aggregator) Drain() []*model.AggregatedPattern {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.table) == 0 {
		return nil
	}
	out := make([]*model.AggregatedPattern, 0, len(a.table))
	for _, agg := range a.table {
		out = append(out, agg)
	}
	a.table = make(map[model.PatternKey]*model.AggregatedPattern)
	return out
}

// Restore merges previously drained aggregates back after a failed flush.
// Entries folded in the meantime are merged rather than overwritten, so
// no fold is ever lost.
func (a *Aggregator) Restore(aggs []*model.AggregatedPattern) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, old := range aggs {
		key := model.PatternKey{Pattern: old.Pattern, Source: old.Source, Level: old.Level}
		cur, ok := a.table[key]
		if !ok {
			a.table[key] = old
			continue
		}
		cur.Count += old.Count
		if old.FirstSeen.Before(cur.FirstSeen) {
			cur.FirstSeen = old.FirstSeen
		}
		if old.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = old.LastSeen
		}
		merged := append(old.SampleMessages, cur.SampleMessages...)
		if len(merged) > a.sampleCap {
			merged = merged[len(merged)-a.sampleCap:]
		}
		cur.SampleMessages = merged
		for k, v := range old.Metadata {
			if _, exists := cur.Metadata[k]; !exists {
				cur.Metadata[k] = v
			}
		}
	}
}

// DistinctCount returns the number of aggregates currently held.
func (a *Aggregator) DistinctCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.table)
}

// TotalFolded returns the number of entries folded since startup.
func (a *Aggregator) TotalFolded() int64 { return a.totalFolded.Load() }

// TotalRejected returns the number of entries rejected as invalid.
func (a *Aggregator) TotalRejected() int64 { return a.rejected.Load() }
