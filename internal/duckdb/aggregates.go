package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/logfold/logfold/internal/model"
)

// InsertAggregateBatch writes all rows in a single transaction.
// The write is all-or-nothing: on any failure the transaction is rolled
// back and the error is surfaced so the scheduler retains the aggregates
// and retries on the next trigger.
func (s *Store) InsertAggregateBatch(ctx context.Context, rows []*model.AggregatedPattern) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapError(model.KindStorageFailure, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO aggregated_logs
		(pattern, count, level, source, first_seen, last_seen, metadata, sample_messages, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)`)
	if err != nil {
		return model.WrapError(model.KindStorageFailure, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		metaJSON, err := marshalJSONMap(r.Metadata)
		if err != nil {
			return model.WrapError(model.KindStorageFailure, fmt.Errorf("marshal metadata: %w", err))
		}
		samplesJSON, err := json.Marshal(r.SampleMessages)
		if err != nil {
			return model.WrapError(model.KindStorageFailure, fmt.Errorf("marshal samples: %w", err))
		}
		if _, err := stmt.ExecContext(ctx,
			r.Pattern, r.Count, r.Level, r.Source,
			r.FirstSeen, r.LastSeen, metaJSON, string(samplesJSON),
		); err != nil {
			return model.WrapError(model.KindStorageFailure, fmt.Errorf("aggregate insert: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return model.WrapError(model.KindStorageFailure, err)
	}
	committed = true
	return nil
}

const aggregateColumns = `id, pattern, count, level, source, first_seen, last_seen,
	CAST(metadata AS VARCHAR), CAST(sample_messages AS VARCHAR), processed`

// UnprocessedAggregates returns durable rows that have no embedding record
// yet, in insertion order, capped to limit.
func (s *Store) UnprocessedAggregates(ctx context.Context, limit int) ([]*model.AggregatedPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM aggregated_logs a
		WHERE NOT a.processed
		  AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.source_id = a.id)
		ORDER BY a.id ASC
		LIMIT ?`, aggregateColumns)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, model.WrapError(model.KindStorageFailure, err)
	}
	defer rows.Close()

	return scanAggregates(rows)
}

// AggregatesWithoutEmbeddings re-checks a specific id set, returning only
// rows that still lack an embedding record. This is the idempotency gate
// before each dispatch: reprocessing a batch skips rows already stored.
func (s *Store) AggregatesWithoutEmbeddings(ctx context.Context, ids []int64) ([]*model.AggregatedPattern, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM aggregated_logs a
		WHERE a.id IN (%s)
		  AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.source_id = a.id)
		ORDER BY a.id ASC`, aggregateColumns, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.WrapError(model.KindStorageFailure, err)
	}
	defer rows.Close()

	return scanAggregates(rows)
}

// MarkAggregateProcessed flips the processed flag with a conditional
// update. Returns false when the row was already processed or missing,
// so concurrent markers never double-apply.
func (s *Store) MarkAggregateProcessed(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE aggregated_logs SET processed = TRUE WHERE id = ? AND NOT processed`, id)
	if err != nil {
		return false, model.WrapError(model.KindStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.WrapError(model.KindStorageFailure, err)
	}
	return n == 1, nil
}

// AggregateCounts returns (total, processed) row counts for /stats.
func (s *Store) AggregateCounts(ctx context.Context) (total int64, processed int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN processed THEN 1 ELSE 0 END), 0) FROM aggregated_logs`,
	).Scan(&total, &processed)
	if err != nil {
		return 0, 0, model.WrapError(model.KindStorageFailure, err)
	}
	return total, processed, nil
}

func scanAggregates(rows *sql.Rows) ([]*model.AggregatedPattern, error) {
	var results []*model.AggregatedPattern
	for rows.Next() {
		var a model.AggregatedPattern
		var metaJSON, samplesJSON string
		if err := rows.Scan(&a.ID, &a.Pattern, &a.Count, &a.Level, &a.Source,
			&a.FirstSeen, &a.LastSeen, &metaJSON, &samplesJSON, &a.Processed); err != nil {
			log.Printf("duckdb scan error (aggregates): %v", err)
			continue
		}
		a.Metadata = make(map[string]string)
		if err := unmarshalJSONMap(metaJSON, a.Metadata); err != nil {
			log.Printf("duckdb: bad metadata JSON for aggregate %d: %v", a.ID, err)
		}
		if samplesJSON != "" {
			if err := json.Unmarshal([]byte(samplesJSON), &a.SampleMessages); err != nil {
				log.Printf("duckdb: bad samples JSON for aggregate %d: %v", a.ID, err)
			}
		}
		results = append(results, &a)
	}
	return results, rows.Err()
}

// marshalJSONMap renders a string map as a JSON object, "{}" when empty.
func marshalJSONMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalJSONMap parses a JSON object into dest, tolerating non-string values.
func unmarshalJSONMap(jsonStr string, dest map[string]string) error {
	if jsonStr == "" || jsonStr == "{}" {
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return err
	}
	for k, v := range raw {
		dest[k] = fmt.Sprintf("%v", v)
	}
	return nil
}
