package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/logfold/logfold/internal/model"
)

// InsertEvent persists a new pending pipeline event and returns its id.
// A zero priority takes the mid-range default.
func (s *Store) InsertEvent(ctx context.Context, ev *model.PipelineEvent) (int64, error) {
	priority := ev.Priority
	if priority == 0 {
		priority = model.DefaultEventPriority
	}
	payloadJSON := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return 0, model.WrapError(model.KindStorageFailure, fmt.Errorf("marshal payload: %w", err))
		}
		payloadJSON = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pipeline_events (event_type, flow_id, payload, priority, status)
		VALUES (?, ?, ?, ?, 'pending')
		RETURNING id`,
		string(ev.Type), ev.FlowID, payloadJSON, priority,
	).Scan(&id)
	if err != nil {
		return 0, model.WrapError(model.KindStorageFailure, err)
	}
	return id, nil
}

// ClaimNextEvent atomically transitions the best matching pending event
// to processing and returns it. Ordering is (priority ASC, created_at
// ASC, id ASC). The claim is a conditional update guarded by the current
// status, so two concurrent pollers never take the same event; the loser
// simply sees no claim and polls again.
func (s *Store) ClaimNextEvent(ctx context.Context, types []model.EventType) (*model.PipelineEvent, bool, error) {
	if len(types) == 0 {
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, model.WrapError(model.KindStorageFailure, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	placeholders := make([]string, len(types))
	args := make([]interface{}, len(types))
	for i, t := range types {
		placeholders[i] = "?"
		args[i] = string(t)
	}

	query := fmt.Sprintf(`
		SELECT id, event_type, flow_id, CAST(payload AS VARCHAR), priority, created_at
		FROM pipeline_events
		WHERE status = 'pending' AND event_type IN (%s)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT 1`, strings.Join(placeholders, ", "))

	var ev model.PipelineEvent
	var evType, payloadJSON string
	var flowID sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&ev.ID, &evType, &flowID, &payloadJSON, &ev.Priority, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, model.WrapError(model.KindStorageFailure, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE pipeline_events SET status = 'processing' WHERE id = ? AND status = 'pending'`, ev.ID)
	if err != nil {
		return nil, false, model.WrapError(model.KindStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, model.WrapError(model.KindStorageFailure, err)
	}
	if n != 1 {
		// Lost the claim race. Normal under contention; caller polls again.
		return nil, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, model.WrapError(model.KindStorageFailure, err)
	}
	committed = true

	ev.Type = model.EventType(evType)
	ev.FlowID = flowID.String
	ev.Status = model.EventProcessing
	ev.Payload = make(map[string]any)
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			log.Printf("duckdb: bad payload JSON for event %d: %v", ev.ID, err)
		}
	}
	return &ev, true, nil
}

// CompleteEvent marks a processing event done and stamps processed_at.
func (s *Store) CompleteEvent(ctx context.Context, id int64) error {
	return s.transitionEvent(ctx, id, "processing", "done", true)
}

// ReleaseEvent reverts a processing event to pending so it is retried
// on a later poll.
func (s *Store) ReleaseEvent(ctx context.Context, id int64) error {
	return s.transitionEvent(ctx, id, "processing", "pending", false)
}

func (s *Store) transitionEvent(ctx context.Context, id int64, from, to string, stamp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `UPDATE pipeline_events SET status = ? WHERE id = ? AND status = ?`
	args := []interface{}{to, id, from}
	if stamp {
		query = `UPDATE pipeline_events SET status = ?, processed_at = ? WHERE id = ? AND status = ?`
		args = []interface{}{to, time.Now().UTC(), id, from}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return model.WrapError(model.KindStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.WrapError(model.KindStorageFailure, err)
	}
	if n != 1 {
		return fmt.Errorf("event %d: no %s row to mark %s", id, from, to)
	}
	return nil
}

// RecoverInFlightEvents reverts every processing event to pending and
// returns how many were reverted. Claims only ever target pending
// rows, so an event stranded in processing by a crash would otherwise
// sit there forever. Call this at startup, before any consumer runs.
func (s *Store) RecoverInFlightEvents(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_events SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, model.WrapError(model.KindStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, model.WrapError(model.KindStorageFailure, err)
	}
	return n, nil
}

// PendingEventCount returns the number of pending events.
func (s *Store) PendingEventCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_events WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, model.WrapError(model.KindStorageFailure, err)
	}
	return count, nil
}

// EventByID loads one event regardless of status. Used by tests and /stats.
func (s *Store) EventByID(ctx context.Context, id int64) (*model.PipelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var ev model.PipelineEvent
	var evType, status, payloadJSON string
	var flowID sql.NullString
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, flow_id, CAST(payload AS VARCHAR), priority, status, created_at, processed_at
		FROM pipeline_events WHERE id = ?`, id,
	).Scan(&ev.ID, &evType, &flowID, &payloadJSON, &ev.Priority, &status, &ev.CreatedAt, &processedAt)
	if err != nil {
		return nil, model.WrapError(model.KindStorageFailure, err)
	}

	ev.Type = model.EventType(evType)
	ev.FlowID = flowID.String
	ev.Status = model.EventStatus(status)
	if processedAt.Valid {
		ev.ProcessedAt = processedAt.Time
	}
	ev.Payload = make(map[string]any)
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			log.Printf("duckdb: bad payload JSON for event %d: %v", ev.ID, err)
		}
	}
	return &ev, nil
}
