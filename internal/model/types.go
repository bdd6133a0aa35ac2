package model

import (
	"encoding/json"
	"time"
)

// LogEntry represents a single raw log line accepted by ingestion.
// It is immutable once accepted; ownership moves to the pattern aggregator.
type LogEntry struct {
	Message   string
	Level     string // DEBUG/INFO/WARN/ERROR
	Source    string
	Timestamp time.Time
	Metadata  map[string]string
}

// PatternKey identifies one in-memory aggregate: the normalized
// template plus the (source, level) pair it was folded under.
type PatternKey struct {
	Pattern string
	Source  string
	Level   string
}

// AggregatedPattern summarizes all log entries sharing one pattern.
// Count equals the number of entries folded in since FirstSeen.
// In memory it is mutated only by the aggregator; once flushed it
// becomes a durable row whose only mutable field is Processed.
type AggregatedPattern struct {
	ID             int64
	Pattern        string
	Count          int64
	Level          string
	Source         string
	FirstSeen      time.Time
	LastSeen       time.Time
	SampleMessages []string
	Metadata       map[string]string
	Processed      bool
}

// EmbeddingRecord stores the vector produced for one aggregated row.
// Created exactly once per SourceID; never updated.
type EmbeddingRecord struct {
	ID           string
	SourceID     int64
	OriginalText string
	Vector       []float64
	Metadata     map[string]string
	CreatedAt    time.Time
}

// EventType names a pipeline stage transition.
type EventType string

const (
	EventEmbeddingsDecisionRequired EventType = "embeddings_decision_required"
	EventAnalyticsReady             EventType = "analytics_ready"
)

// EventStatus is the lifecycle state of a pipeline event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
)

// PipelineEvent is one durable, priority-ordered queue entry.
// Created pending, claimed into processing by exactly one consumer,
// terminal done after the consumer's downstream call succeeds.
type PipelineEvent struct {
	ID          int64
	Type        EventType
	FlowID      string
	Payload     map[string]any
	Priority    int // lower = more urgent
	Status      EventStatus
	CreatedAt   time.Time
	ProcessedAt time.Time // zero value = not processed
}

// BatchPayload is the structured payload carried by a detector event.
// The row ids travel with the event so stages stay decoupled and
// independently restartable.
type BatchPayload struct {
	Count      int     `json:"count"`
	PatternIDs []int64 `json:"pattern_ids"`
}

// ToMap converts the payload to the generic form stored on an event.
func (p BatchPayload) ToMap() map[string]any {
	return map[string]any{"count": p.Count, "pattern_ids": p.PatternIDs}
}

// ParseBatchPayload decodes a generic event payload. Numbers arrive
// as float64 after the JSON round trip through storage, so this goes
// back through the codec instead of type-asserting.
func ParseBatchPayload(payload map[string]any) (BatchPayload, error) {
	var p BatchPayload
	data, err := json.Marshal(payload)
	if err != nil {
		return p, WrapError(KindInvalidInput, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, WrapError(KindInvalidInput, err)
	}
	if len(p.PatternIDs) == 0 {
		return p, Errorf(KindInvalidInput, "payload has no pattern ids")
	}
	return p, nil
}
