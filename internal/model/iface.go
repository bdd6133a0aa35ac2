package model

import "context"

// AggregateWriter provides the transactional write operation used by flushes.
type AggregateWriter interface {
	InsertAggregateBatch(ctx context.Context, rows []*AggregatedPattern) error
}

// AggregateScanner provides the read side used by the detector and coordinator.
type AggregateScanner interface {
	UnprocessedAggregates(ctx context.Context, limit int) ([]*AggregatedPattern, error)
	AggregatesWithoutEmbeddings(ctx context.Context, ids []int64) ([]*AggregatedPattern, error)
	MarkAggregateProcessed(ctx context.Context, id int64) (bool, error)
}

// EmbeddingWriter persists embedding records with at-most-once semantics
// per source row.
type EmbeddingWriter interface {
	InsertEmbedding(ctx context.Context, rec *EmbeddingRecord) (bool, error)
	EmbeddingsBySourceIDs(ctx context.Context, ids []int64) ([]*EmbeddingRecord, error)
}

// EventStore is the durable backing contract for the event queue.
// A push-based backend can replace the polled DuckDB implementation
// without touching queue consumers.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *PipelineEvent) (int64, error)
	ClaimNextEvent(ctx context.Context, types []EventType) (*PipelineEvent, bool, error)
	CompleteEvent(ctx context.Context, id int64) error
	ReleaseEvent(ctx context.Context, id int64) error
	PendingEventCount(ctx context.Context) (int64, error)
}
