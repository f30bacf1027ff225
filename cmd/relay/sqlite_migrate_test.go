package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	// Legacy shape: no composite key, nullable json columns, no colour.
	schema := `CREATE TABLE messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  msg_id TEXT,
  topic TEXT NOT NULL,
  ts TEXT NOT NULL,
  user_id TEXT,
  username TEXT NOT NULL,
  display_name TEXT,
  text TEXT NOT NULL,
  mentions_json TEXT,
  reply_to_id TEXT,
  reply_to_user TEXT,
  badges_json TEXT,
  emotes_json TEXT,
  raw_json TEXT
);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	seed := `INSERT INTO messages (msg_id, topic, ts, username, text, mentions_json, emotes_json, raw_json, badges_json)
VALUES
  ('abc', 'alpha', '2026-01-01T00:00:00Z', 'alice', 'hello', NULL, NULL, NULL, NULL),
  ('abc', 'alpha', '2026-01-01T00:00:00Z', 'alice', 'hello again', NULL, NULL, NULL, NULL),
  ('', 'beta', '2026-01-01T00:00:01Z', 'bob', 'hi', NULL, NULL, NULL, NULL);
`
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	if err := migrateSQLite(context.Background(), db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	// colour column exists and has default
	cols, err := sqliteTableInfo(context.Background(), db, "messages")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	colour, ok := cols["colour"]
	if !ok {
		t.Fatalf("expected colour column to exist")
	}
	if !colour.NotNull || colour.DefaultText == "" {
		t.Fatalf("expected colour column to be NOT NULL with default, got %+v", colour)
	}

	// duplicates trimmed to a single row per (topic, msg_id)
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE topic='alpha' AND msg_id='abc';`).Scan(&count); err != nil {
		t.Fatalf("count duplicates: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 alpha row after dedupe, got %d", count)
	}

	// rows without a stable msg_id are never deduped away
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE topic='beta';`).Scan(&count); err != nil {
		t.Fatalf("count beta: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected beta row to survive, got %d", count)
	}

	// NULL json columns replaced
	var nulls int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE raw_json IS NULL OR emotes_json IS NULL OR badges_json IS NULL OR mentions_json IS NULL;`).Scan(&nulls); err != nil {
		t.Fatalf("count nulls: %v", err)
	}
	if nulls != 0 {
		t.Fatalf("expected no NULL json columns, got %d", nulls)
	}

	// scan index exists
	hasIndex, err := sqliteHasIndex(context.Background(), db, "messages", "messages_ix_topic_ts")
	if err != nil {
		t.Fatalf("inspect indices: %v", err)
	}
	if !hasIndex {
		t.Fatalf("expected messages_ix_topic_ts index")
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file: %v", err)
	}
}
