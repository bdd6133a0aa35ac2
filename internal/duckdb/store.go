package duckdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/logfold/logfold/internal/duckdb/migrate"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// Store manages the DuckDB database connection and provides the durable
// operations behind the aggregation pipeline: aggregated rows, embedding
// records, and the event queue.
type Store struct {
	db            *sql.DB
	mu            sync.RWMutex
	dbPath        string
	schemaVersion int
	QueryTimeout  time.Duration
}

// NewStore opens or creates a DuckDB database.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		// Ensure parent directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	runner := migrate.NewRunner(db)
	if err := runner.Run(); err != nil {
		db.Close()
		return nil, err
	}
	version, _, err := runner.Status()
	if err != nil {
		db.Close()
		return nil, err
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	return &Store{
		db:            db,
		dbPath:        dbPath,
		schemaVersion: version,
		QueryTimeout:  qt,
	}, nil
}

// SchemaVersion reports the migration version the store was opened at.
func (s *Store) SchemaVersion() int {
	return s.schemaVersion
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryCtx returns a context with the store's configured query timeout,
// derived from the caller's context so cancellation propagates.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}
