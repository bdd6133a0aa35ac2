// Package queue is the durable event queue consumed by the pipeline.
// It wraps an EventStore with logging and metrics; consumers see only
// Enqueue, ClaimNext, Complete and Fail, so the polling store can be
// swapped for a push transport without touching the stages.
package queue

import (
	"context"
	"log"

	"github.com/logfold/logfold/internal/metrics"
	"github.com/logfold/logfold/internal/model"
)

// Queue hands pipeline events between stages.
type Queue struct {
	store model.EventStore
}

// New wraps an event store.
func New(store model.EventStore) *Queue {
	return &Queue{store: store}
}

// Enqueue inserts a pending event and returns its id. A zero priority
// takes the default; lower values are claimed first.
func (q *Queue) Enqueue(ctx context.Context, ev *model.PipelineEvent) (int64, error) {
	id, err := q.store.InsertEvent(ctx, ev)
	if err != nil {
		return 0, err
	}
	metrics.EventsEnqueued.WithLabelValues(string(ev.Type)).Inc()
	log.Printf("queue: enqueued %s event id=%d flow=%s priority=%d", ev.Type, id, ev.FlowID, ev.Priority)
	return id, nil
}

// ClaimNext atomically claims the highest-priority pending event of
// the given types. ok is false when nothing is claimable, including
// when another consumer won the row; callers just poll again.
func (q *Queue) ClaimNext(ctx context.Context, types ...model.EventType) (*model.PipelineEvent, bool, error) {
	ev, ok, err := q.store.ClaimNextEvent(ctx, types)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	metrics.EventsClaimed.WithLabelValues(string(ev.Type)).Inc()
	return ev, true, nil
}

// Complete marks a claimed event done. Failing to complete an event
// that is not in processing is a real error, not a race to swallow.
func (q *Queue) Complete(ctx context.Context, ev *model.PipelineEvent) error {
	if err := q.store.CompleteEvent(ctx, ev.ID); err != nil {
		return err
	}
	metrics.EventsCompleted.WithLabelValues(string(ev.Type)).Inc()
	log.Printf("queue: completed %s event id=%d", ev.Type, ev.ID)
	return nil
}

// Fail releases a claimed event back to pending so a later poll
// retries it. The reason is logged, not stored.
func (q *Queue) Fail(ctx context.Context, ev *model.PipelineEvent, reason error) error {
	if err := q.store.ReleaseEvent(ctx, ev.ID); err != nil {
		return err
	}
	metrics.EventsFailed.WithLabelValues(string(ev.Type)).Inc()
	metrics.StageErrors.WithLabelValues(string(ev.Type), string(model.KindOf(reason))).Inc()
	log.Printf("queue: released %s event id=%d for retry: %v", ev.Type, ev.ID, reason)
	return nil
}

// PendingCount reports the queue backlog and refreshes the gauge.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.store.PendingEventCount(ctx)
	if err != nil {
		return 0, err
	}
	metrics.PendingEvents.Set(float64(n))
	return n, nil
}
