// Package db persists drive sessions and control transitions to sqlite.
//
// The store is written to only on transitions (stop/fail-safe entry or exit,
// turn changes), never every tick, so write volume stays bounded by how
// eventful the drive is.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the pilot database at path and brings the
// schema up to date.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqldb}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

// StartSession records the beginning of one drive session. The config JSON is
// stored verbatim so a transition log can always be read against the tuning
// that produced it.
func (db *DB) StartSession(sessionID string, startedAt time.Time, configJSON string) error {
	_, err := db.Exec(
		"INSERT INTO sessions (session_id, started_at, config_json) VALUES (?, ?, ?)",
		sessionID, startedAt.UTC(), configJSON,
	)
	return err
}

// Transition is one recorded control transition.
type Transition struct {
	SessionID  string    `json:"session_id"`
	At         time.Time `json:"at"`
	Cause      string    `json:"cause"`
	RangeState string    `json:"range_state"`
	DistanceCM int       `json:"distance_cm"`
	Turn       string    `json:"turn"`
	Mode       string    `json:"mode"`
}

// RecordTransition appends one transition for the session.
func (db *DB) RecordTransition(tr Transition) error {
	_, err := db.Exec(
		"INSERT INTO transitions (session_id, at, cause, range_state, distance_cm, turn, mode) VALUES (?, ?, ?, ?, ?, ?, ?)",
		tr.SessionID, tr.At.UTC(), tr.Cause, tr.RangeState, tr.DistanceCM, tr.Turn, tr.Mode,
	)
	return err
}

// Transitions returns the most recent transitions for a session, newest
// first.
func (db *DB) Transitions(sessionID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		"SELECT session_id, at, cause, range_state, distance_cm, turn, mode FROM transitions WHERE session_id = ? ORDER BY at DESC LIMIT ?",
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.SessionID, &tr.At, &tr.Cause, &tr.RangeState, &tr.DistanceCM, &tr.Turn, &tr.Mode); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
