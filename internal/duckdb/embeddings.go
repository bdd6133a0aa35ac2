package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/logfold/logfold/internal/model"
)

// InsertEmbedding persists one embedding record unless the source row
// already has one. The existence check and insert run as a single
// conditional statement, so replaying a batch never produces a
// duplicate record per source row. Returns false when skipped.
func (s *Store) InsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	vectorJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return false, model.WrapError(model.KindStorageFailure, fmt.Errorf("marshal vector: %w", err))
	}
	metaJSON, err := marshalJSONMap(rec.Metadata)
	if err != nil {
		return false, model.WrapError(model.KindStorageFailure, fmt.Errorf("marshal metadata: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, source_id, original_text, vector, metadata, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM embeddings WHERE source_id = ?)`,
		rec.ID, rec.SourceID, rec.OriginalText, string(vectorJSON), metaJSON, rec.CreatedAt,
		rec.SourceID,
	)
	if err != nil {
		return false, model.WrapError(model.KindStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.WrapError(model.KindStorageFailure, err)
	}
	return n == 1, nil
}

// EmbeddingsBySourceIDs returns the embedding records for the given
// source rows, in source id order.
func (s *Store) EmbeddingsBySourceIDs(ctx context.Context, ids []int64) ([]*model.EmbeddingRecord, error) {
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
		SELECT id, source_id, original_text, CAST(vector AS VARCHAR), CAST(metadata AS VARCHAR), created_at
		FROM embeddings
		WHERE source_id IN (%s)
		ORDER BY source_id ASC`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.WrapError(model.KindStorageFailure, err)
	}
	defer rows.Close()

	var results []*model.EmbeddingRecord
	for rows.Next() {
		var r model.EmbeddingRecord
		var vectorJSON, metaJSON string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.OriginalText, &vectorJSON, &metaJSON, &r.CreatedAt); err != nil {
			log.Printf("duckdb scan error (embeddings): %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(vectorJSON), &r.Vector); err != nil {
			log.Printf("duckdb: bad vector JSON for embedding %s: %v", r.ID, err)
			continue
		}
		r.Metadata = make(map[string]string)
		if err := unmarshalJSONMap(metaJSON, r.Metadata); err != nil {
			log.Printf("duckdb: bad metadata JSON for embedding %s: %v", r.ID, err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// EmbeddingCount returns the total number of embedding records.
func (s *Store) EmbeddingCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count)
	if err != nil {
		return 0, model.WrapError(model.KindStorageFailure, err)
	}
	return count, nil
}

// EmbeddingCountBySource returns how many records exist for one source row.
// Exercised by the at-most-once tests.
func (s *Store) EmbeddingCountBySource(ctx context.Context, sourceID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE source_id = ?`, sourceID).Scan(&count)
	if err != nil {
		return 0, model.WrapError(model.KindStorageFailure, err)
	}
	return count, nil
}
