// Package history records every lifecycle operation and its outcome.
package history

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type Operation struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	MapName    string `json:"map_name"`
	Trigger    string `json:"trigger"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin records the start of an operation and returns its id.
func (s *Store) Begin(action, mapName, trigger string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO operations (id, action, map_name, trigger, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, action, mapName, trigger, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Finish stores the outcome of operation id; opErr nil means success.
func (s *Store) Finish(id string, opErr error) error {
	status, msg := StatusSucceeded, ""
	if opErr != nil {
		status, msg = StatusFailed, opErr.Error()
	}
	_, err := s.db.Exec(
		`UPDATE operations SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), id,
	)
	return err
}

// List returns the most recent operations, newest first.
func (s *Store) List(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, action, map_name, trigger, status, error, started_at, COALESCE(finished_at, '')
		FROM operations ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []Operation{}
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.Action, &op.MapName, &op.Trigger, &op.Status, &op.Error, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
