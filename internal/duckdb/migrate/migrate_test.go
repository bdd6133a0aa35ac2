package migrate

import (
	"database/sql"
	"testing"

	_ "github.com/marcboeker/go-duckdb/v2"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunCreatesPipelineTables(t *testing.T) {
	db := openTestDB(t)

	if err := NewRunner(db).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, table := range []string{"aggregated_logs", "embeddings", "pipeline_events", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)

	if err := r.Run(); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := r.Run(); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 3 {
		t.Errorf("recorded migrations = %d, want 3", n)
	}
}

func TestStatusTracksPending(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)

	cur, pending, err := r.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 0 || pending != 3 {
		t.Errorf("before run: version=%d pending=%d, want 0/3", cur, pending)
	}

	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cur, pending, err = r.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 3 || pending != 0 {
		t.Errorf("after run: version=%d pending=%d, want 3/0", cur, pending)
	}
}

func TestRunBackfillsSkippedVersion(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)

	// Simulate a database that recorded a later version while an
	// earlier one is missing from schema_migrations.
	if err := r.bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version, name) VALUES (2, '002_embeddings.sql'), (3, '003_pipeline_events.sql')"); err != nil {
		t.Fatalf("seed versions: %v", err)
	}

	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var name string
	err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = 'aggregated_logs'").Scan(&name)
	if err != nil {
		t.Errorf("skipped migration not backfilled: %v", err)
	}
}
