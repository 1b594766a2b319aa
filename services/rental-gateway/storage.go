package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Storage persists gateway bookkeeping in sqlite: idempotency keys for retried
// writes, an audit trail of proxied calls, and the node events the watcher has
// already observed.
type Storage struct {
	db *sql.DB
}

var errNoRecord = errors.New("gateway: no record")

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    caller TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    response_body BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    caller TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS node_events (
    sequence INTEGER PRIMARY KEY,
    event_type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    observed_at INTEGER NOT NULL
);
`

func OpenStorage(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// StoredResponse is a previously recorded response for an idempotency key.
type StoredResponse struct {
	Caller      string
	RequestHash string
	StatusCode  int
	Body        []byte
}

func (s *Storage) LookupIdempotency(key string) (StoredResponse, error) {
	row := s.db.QueryRow(`SELECT caller, request_hash, status_code, response_body FROM idempotency_keys WHERE key = ?`, key)
	var rec StoredResponse
	if err := row.Scan(&rec.Caller, &rec.RequestHash, &rec.StatusCode, &rec.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredResponse{}, errNoRecord
		}
		return StoredResponse{}, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return rec, nil
}

func (s *Storage) SaveIdempotency(key string, rec StoredResponse) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO idempotency_keys (key, caller, request_hash, status_code, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key, rec.Caller, rec.RequestHash, rec.StatusCode, rec.Body, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

func (s *Storage) Audit(caller, method, path string, status int) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (caller, method, path, status_code, created_at) VALUES (?, ?, ?, ?, ?)`,
		caller, method, path, status, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// LastEventSequence reports the highest node event sequence persisted so far.
func (s *Storage) LastEventSequence() (int64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM node_events`)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event cursor: %w", err)
	}
	return seq, nil
}

func (s *Storage) RecordEvent(sequence int64, eventType, attributes string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO node_events (sequence, event_type, attributes, observed_at) VALUES (?, ?, ?, ?)`,
		sequence, eventType, attributes, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}
