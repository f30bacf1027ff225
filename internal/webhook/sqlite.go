package webhook

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/you/chatspout/internal/core"
)

// Store persists webhook subscriptions. Health counters are runtime
// state and are not stored.
type Store interface {
	Upsert(sub Subscription) error
	Delete(id string) error
	UpdateFlags(id string, enabled, muted bool) error
	Load() ([]Subscription, error)
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Upsert(sub Subscription) error {
	_, err := s.db.Exec(`INSERT INTO webhook_subscriptions
(id, name, url, kinds_json, topics_json, actors_json, actions_json, min_bits, min_gift_count, min_viewers, enabled, muted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, url=excluded.url,
  kinds_json=excluded.kinds_json, topics_json=excluded.topics_json,
  actors_json=excluded.actors_json, actions_json=excluded.actions_json,
  min_bits=excluded.min_bits, min_gift_count=excluded.min_gift_count,
  min_viewers=excluded.min_viewers, enabled=excluded.enabled, muted=excluded.muted;`,
		sub.ID, sub.Name, sub.URL,
		encodeJSON(sub.Kinds), encodeJSON(sub.Topics),
		encodeJSON(sub.Actors), encodeJSON(sub.Actions),
		nullableInt(sub.MinBits), nullableInt(sub.MinGiftCount), nullableInt(sub.MinViewers),
		boolInt(sub.Enabled), boolInt(sub.Muted))
	return errors.Wrap(err, "upsert subscription")
}

func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM webhook_subscriptions WHERE id = ?;`, id)
	return errors.Wrap(err, "delete subscription")
}

func (s *SQLiteStore) UpdateFlags(id string, enabled, muted bool) error {
	_, err := s.db.Exec(`UPDATE webhook_subscriptions SET enabled = ?, muted = ? WHERE id = ?;`,
		boolInt(enabled), boolInt(muted), id)
	return errors.Wrap(err, "update subscription flags")
}

func (s *SQLiteStore) Load() ([]Subscription, error) {
	rows, err := s.db.Query(`SELECT id, name, url, kinds_json, topics_json, actors_json, actions_json,
  min_bits, min_gift_count, min_viewers, enabled, muted
FROM webhook_subscriptions;`)
	if err != nil {
		return nil, errors.Wrap(err, "load subscriptions")
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub             Subscription
			kinds, topics   string
			actors, actions string
			bits, gifts     sql.NullInt64
			viewers         sql.NullInt64
			enabled, muted  int
		)
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.URL, &kinds, &topics, &actors, &actions,
			&bits, &gifts, &viewers, &enabled, &muted); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		decodeJSON(kinds, &sub.Kinds)
		decodeJSON(topics, &sub.Topics)
		decodeJSON(actors, &sub.Actors)
		decodeJSON(actions, &sub.Actions)
		sub.MinBits = intPtr(bits)
		sub.MinGiftCount = intPtr(gifts)
		sub.MinViewers = intPtr(viewers)
		sub.Enabled = enabled != 0
		sub.Muted = muted != 0
		out = append(out, sub)
	}
	return out, errors.Wrap(rows.Err(), "iterate subscriptions")
}

func encodeJSON(v any) string {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return ""
		}
	case []core.Kind:
		if len(t) == 0 {
			return ""
		}
	case []core.ModAction:
		if len(t) == 0 {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJSON(raw string, dst any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dst)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
