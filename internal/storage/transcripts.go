package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

type Transcript struct {
	ID           int       `json:"id"`
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	Outcome      string    `json:"outcome"`
	RecordingMs  int64     `json:"recording_ms"`
	ProcessingMs int64     `json:"processing_ms"`
	Text         string    `json:"text"`
	Error        string    `json:"error,omitempty"`
	Model        string    `json:"model"`
}

const selectColumns = `id, session_id, timestamp, outcome, recording_ms, processing_ms, text, error, model`

// SaveTranscript records the outcome of a session. A second save for the
// same session id is ignored.
func (db *DB) SaveTranscript(ctx context.Context, t Transcript) error {
	if t.SessionID == "" {
		return fmt.Errorf("transcript has no session id")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	query := `
INSERT OR IGNORE INTO transcripts (session_id, timestamp, outcome, recording_ms, processing_ms, text, error, model)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		t.SessionID, t.Timestamp.UTC(), t.Outcome, t.RecordingMs, t.ProcessingMs, t.Text, t.Error, t.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	return nil
}

func (db *DB) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transcripts WHERE session_id = ?`, sessionID)
	return scanOne(row)
}

func (db *DB) GetLastTranscript(ctx context.Context) (*Transcript, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transcripts ORDER BY timestamp DESC, id DESC LIMIT 1`)
	return scanOne(row)
}

func (db *DB) GetTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	query := `SELECT ` + selectColumns + ` FROM transcripts ORDER BY timestamp DESC, id DESC`
	var args []any

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		transcripts = append(transcripts, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcripts: %w", err)
	}

	return transcripts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Transcript, error) {
	var t Transcript
	err := s.Scan(&t.ID, &t.SessionID, &t.Timestamp, &t.Outcome, &t.RecordingMs, &t.ProcessingMs, &t.Text, &t.Error, &t.Model)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanOne(row *sql.Row) (*Transcript, error) {
	t, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	return t, nil
}
