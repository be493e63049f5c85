// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package history keeps a SQLite log of past run sessions.
package history

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver "sqlite3"

	"github.com/nya3jp/harness/internal/errors"
)

// Record describes one finished run session.
type Record struct {
	SessionID string
	Mode      string
	Hosts     int
	Start     time.Time
	End       time.Time
	Verdict   string
	Reason    string
	Message   string
}

// Duration returns the wall time of the session.
func (r Record) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Store is a run history stored in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it if needed. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate history database")
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			hosts INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			verdict TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed:\n%s", m)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores r. Recording the same session twice is an error.
func (s *Store) Record(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, mode, hosts, started_at, ended_at, verdict, reason, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Mode, r.Hosts, r.Start.UnixNano(), r.End.UnixNano(), r.Verdict, r.Reason, r.Message)
	if err != nil {
		return errors.Wrapf(err, "failed to record session %s", r.SessionID)
	}
	return nil
}

// Recent returns up to n most recent records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, mode, hosts, started_at, ended_at, verdict, reason, message FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var rs []Record
	for rows.Next() {
		var r Record
		var start, end int64
		if err := rows.Scan(&r.SessionID, &r.Mode, &r.Hosts, &start, &end, &r.Verdict, &r.Reason, &r.Message); err != nil {
			return nil, errors.Wrap(err, "failed to read history")
		}
		r.Start = time.Unix(0, start)
		r.End = time.Unix(0, end)
		rs = append(rs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read history")
	}
	return rs, nil
}
