package archive

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatspout/internal/core"
)

// Store persists flushed message batches to SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// BatchInsert writes the whole batch inside one transaction. The batch
// is all-or-nothing: any insert error rolls back and the caller requeues.
func (s *Store) BatchInsert(records []core.BufferedRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}

	const q = `INSERT INTO messages
(msg_id, topic, ts, user_id, username, display_name, text, mentions_json, reply_to_id, reply_to_user, badges_json, emotes_json, colour, raw_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(topic, msg_id) DO NOTHING;`

	stmt, err := tx.Prepare(q)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare batch insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		ts := rec.Ts.UTC().Format(time.RFC3339Nano)
		if _, err := stmt.Exec(rec.MsgID, rec.Topic, ts,
			rec.Actor.ID, rec.Actor.Username, rec.Actor.DisplayName,
			rec.Text, nz(rec.MentionsJSON, "[]"), rec.ReplyToID, rec.ReplyToUser,
			nz(rec.BadgesJSON, "[]"), nz(rec.EmotesJSON, "[]"), rec.Colour, rec.RawJSON); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "insert record")
		}
	}

	return errors.Wrap(tx.Commit(), "commit batch")
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages;`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

// ListRecent returns up to limit archived records, newest first,
// optionally restricted to one topic.
func (s *Store) ListRecent(topic string, limit int) ([]core.BufferedRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT msg_id, topic, ts, user_id, username, display_name, text, mentions_json, reply_to_id, reply_to_user, badges_json, emotes_json, colour, raw_json
FROM messages`
	args := []any{}
	if topic != "" {
		q += ` WHERE topic = ?`
		args = append(args, topic)
	}
	q += ` ORDER BY ts DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list recent")
	}
	defer rows.Close()

	var out []core.BufferedRecord
	for rows.Next() {
		var (
			rec core.BufferedRecord
			ts  string
		)
		if err := rows.Scan(&rec.MsgID, &rec.Topic, &ts,
			&rec.Actor.ID, &rec.Actor.Username, &rec.Actor.DisplayName,
			&rec.Text, &rec.MentionsJSON, &rec.ReplyToID, &rec.ReplyToUser,
			&rec.BadgesJSON, &rec.EmotesJSON, &rec.Colour, &rec.RawJSON); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Ts = t
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate records")
	}
	return out, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("archive.Store{%p}", s.db)
}
