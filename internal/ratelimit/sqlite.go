package ratelimit

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLiteStore persists overrides, blocks, and tier assignments.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) SaveOverride(identity string, ceiling int, expiresAt time.Time) error {
	expires := ""
	if !expiresAt.IsZero() {
		expires = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`INSERT INTO rate_overrides (identity, ceiling, expires_at)
VALUES (?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET ceiling=excluded.ceiling, expires_at=excluded.expires_at;`,
		identity, ceiling, expires)
	return errors.Wrap(err, "save override")
}

func (s *SQLiteStore) DeleteOverride(identity string) error {
	_, err := s.db.Exec(`DELETE FROM rate_overrides WHERE identity = ?;`, identity)
	return errors.Wrap(err, "delete override")
}

func (s *SQLiteStore) SaveBlock(identity, reason string, createdAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO rate_blocks (identity, reason, created_at)
VALUES (?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET reason=excluded.reason;`,
		identity, reason, createdAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "save block")
}

func (s *SQLiteStore) DeleteBlock(identity string) error {
	_, err := s.db.Exec(`DELETE FROM rate_blocks WHERE identity = ?;`, identity)
	return errors.Wrap(err, "delete block")
}

func (s *SQLiteStore) SaveTier(principal string, tier string) error {
	_, err := s.db.Exec(`INSERT INTO principal_tiers (principal, tier)
VALUES (?, ?)
ON CONFLICT(principal) DO UPDATE SET tier=excluded.tier;`, principal, tier)
	return errors.Wrap(err, "save tier")
}

func (s *SQLiteStore) DeleteTier(principal string) error {
	_, err := s.db.Exec(`DELETE FROM principal_tiers WHERE principal = ?;`, principal)
	return errors.Wrap(err, "delete tier")
}

func (s *SQLiteStore) Load() (map[string]OverrideRow, map[string]string, map[string]string, error) {
	overrides := make(map[string]OverrideRow)
	rows, err := s.db.Query(`SELECT identity, ceiling, expires_at FROM rate_overrides;`)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "load overrides")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			identity string
			ceiling  int
			expires  string
		)
		if err := rows.Scan(&identity, &ceiling, &expires); err != nil {
			return nil, nil, nil, errors.Wrap(err, "scan override")
		}
		row := OverrideRow{Ceiling: ceiling}
		if expires != "" {
			if t, err := time.Parse(time.RFC3339Nano, expires); err == nil {
				row.ExpiresAt = t
			}
		}
		overrides[identity] = row
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "iterate overrides")
	}

	blocks := make(map[string]string)
	blockRows, err := s.db.Query(`SELECT identity, reason FROM rate_blocks;`)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "load blocks")
	}
	defer blockRows.Close()
	for blockRows.Next() {
		var identity, reason string
		if err := blockRows.Scan(&identity, &reason); err != nil {
			return nil, nil, nil, errors.Wrap(err, "scan block")
		}
		blocks[identity] = reason
	}
	if err := blockRows.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "iterate blocks")
	}

	tiers := make(map[string]string)
	tierRows, err := s.db.Query(`SELECT principal, tier FROM principal_tiers;`)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "load tiers")
	}
	defer tierRows.Close()
	for tierRows.Next() {
		var principal, tier string
		if err := tierRows.Scan(&principal, &tier); err != nil {
			return nil, nil, nil, errors.Wrap(err, "scan tier")
		}
		tiers[principal] = tier
	}
	if err := tierRows.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "iterate tiers")
	}

	return overrides, blocks, tiers, nil
}
