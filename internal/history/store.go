// Package history persists terminal launch sessions and serves the
// read-only statistics projection over them.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Record is a terminal launch session as persisted.
type Record struct {
	ID         string       `db:"id"`
	Account    string       `db:"account"`
	PlaceID    int64        `db:"place_id"`
	Status     string       `db:"status"`
	StartedAt  time.Time    `db:"started_at"`
	LaunchedAt sql.NullTime `db:"launched_at"`
	EndedAt    sql.NullTime `db:"ended_at"`
	Error      string       `db:"error"`
}

// Stats is the aggregate projection over recorded sessions.
type Stats struct {
	Total       int
	Succeeded   int
	Failed      int
	SuccessRate float64
	AvgDuration time.Duration
}

const historySchema = `
CREATE TABLE IF NOT EXISTS launch_session_v1 (
	id STRING PRIMARY KEY NOT NULL,
	account STRING NOT NULL,
	place_id INTEGER NOT NULL,
	status STRING NOT NULL,
	started_at DATETIME NOT NULL,
	launched_at DATETIME,
	ended_at DATETIME,
	error STRING NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS launch_session_v1_account ON launch_session_v1 (account);
`

const insertSessionV1Sql = `
INSERT OR REPLACE INTO launch_session_v1 (id, account, place_id, status, started_at, launched_at, ended_at, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

const listByAccountV1Sql = `
SELECT id, account, place_id, status, started_at, launched_at, ended_at, error
FROM launch_session_v1 WHERE account = $1 ORDER BY started_at DESC LIMIT $2;
`

const listRecentV1Sql = `
SELECT id, account, place_id, status, started_at, launched_at, ended_at, error
FROM launch_session_v1 ORDER BY started_at DESC LIMIT $1;
`

// Store persists terminal sessions.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store and initializes its tables.
func NewStore(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "HistoryStore")}, nil
}

// Record persists one terminal session. Recording failures are logged and
// swallowed; history must never block session teardown.
func (s *Store) Record(rec Record) {
	_, err := s.db.Exec(insertSessionV1Sql,
		rec.ID, rec.Account, rec.PlaceID, rec.Status,
		rec.StartedAt, rec.LaunchedAt, rec.EndedAt, rec.Error)
	if err != nil {
		s.logger.Error("Failed to record session history", "sessionID", rec.ID, "error", err)
	}
}

// ListByAccount returns the most recent records for an account.
func (s *Store) ListByAccount(account string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Record
	err := s.db.Select(&recs, listByAccountV1Sql, account, limit)
	return recs, err
}

// ListRecent returns the most recent records across accounts.
func (s *Store) ListRecent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Record
	err := s.db.Select(&recs, listRecentV1Sql, limit)
	return recs, err
}

// Stats aggregates every recorded session for an account; an empty
// account aggregates across all accounts.
func (s *Store) Stats(account string) (Stats, error) {
	var recs []Record
	var err error
	if account == "" {
		recs, err = s.ListRecent(10000)
	} else {
		recs, err = s.ListByAccount(account, 10000)
	}
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	var totalDuration time.Duration
	var durations int
	for _, r := range recs {
		stats.Total++
		switch {
		case r.Status == "failed":
			stats.Failed++
		case r.LaunchedAt.Valid:
			// A session that ended before ever launching counts toward
			// neither bucket.
			stats.Succeeded++
		}
		if r.LaunchedAt.Valid && r.EndedAt.Valid {
			totalDuration += r.EndedAt.Time.Sub(r.LaunchedAt.Time)
			durations++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	if durations > 0 {
		stats.AvgDuration = totalDuration / time.Duration(durations)
	}
	return stats, nil
}
