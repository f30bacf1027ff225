package storage

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
  msg_id TEXT NOT NULL,
  topic TEXT NOT NULL,
  ts TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL,
  mentions_json TEXT NOT NULL DEFAULT '[]',
  reply_to_id TEXT NOT NULL DEFAULT '',
  reply_to_user TEXT NOT NULL DEFAULT '',
  badges_json TEXT NOT NULL DEFAULT '[]',
  emotes_json TEXT NOT NULL DEFAULT '[]',
  colour TEXT NOT NULL DEFAULT '',
  raw_json TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (topic, msg_id)
);

CREATE TABLE IF NOT EXISTS rate_overrides (
  identity TEXT PRIMARY KEY,
  ceiling INTEGER NOT NULL,
  expires_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rate_blocks (
  identity TEXT PRIMARY KEY,
  reason TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS principal_tiers (
  principal TEXT PRIMARY KEY,
  tier TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL,
  kinds_json TEXT NOT NULL DEFAULT '',
  topics_json TEXT NOT NULL DEFAULT '',
  actors_json TEXT NOT NULL DEFAULT '',
  actions_json TEXT NOT NULL DEFAULT '',
  min_bits INTEGER,
  min_gift_count INTEGER,
  min_viewers INTEGER,
  enabled INTEGER NOT NULL DEFAULT 1,
  muted INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (creating if needed) the SQLite database shared by the
// component stores and applies the schema and WAL mode.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplyPragmas(context.Background(), db)
	return db, nil
}
