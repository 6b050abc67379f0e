// Package recorder persists completed turns and voice agent transcripts in SQLite
// for the admin debug endpoint.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrInvalidTranscript is returned for transcript entries missing required fields.
var ErrInvalidTranscript = errors.New("invalid transcript")

// Transcript is one utterance reported by a voice agent.
type Transcript struct {
	SessionID  string    `json:"sessionId"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence,omitempty"`
	Duration   float64   `json:"duration,omitempty"` // Seconds
	Timestamp  time.Time `json:"timestamp"`
}

// Store is a SQLite-backed turn and transcript log. It implements convtypes.TurnRecorder.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open creates or opens the database at path. Use MemoryPath for a throwaway store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, dbPath: path, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.ServiceOperation("recorder", "open", "path", path)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_json TEXT NOT NULL,
		assistant_json TEXT NOT NULL,
		error_code TEXT,
		error_json TEXT,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);

	CREATE TABLE IF NOT EXISTS voice_transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		duration REAL NOT NULL DEFAULT 0,
		spoken_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_session ON voice_transcripts(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTurn implements convtypes.TurnRecorder.
func (s *Store) RecordTurn(record convtypes.TurnRecord) error {
	userJSON, err := json.Marshal(record.User)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	assistantJSON, err := json.Marshal(record.Assistant)
	if err != nil {
		return fmt.Errorf("failed to marshal assistant message: %w", err)
	}

	var errorCode, errorJSON sql.NullString
	if record.Error != nil {
		data, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal turn error: %w", err)
		}
		errorCode = sql.NullString{String: record.Error.Code, Valid: true}
		errorJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.Exec(
		`INSERT INTO turns (session_id, user_json, assistant_json, error_code, error_json, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		record.SessionID, string(userJSON), string(assistantJSON), errorCode, errorJSON, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns, newest first. An empty sessionID matches every session.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]convtypes.TurnRecord, error) {
	query, args := scopedQuery(`SELECT session_id, user_json, assistant_json, error_json FROM turns`, sessionID, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []convtypes.TurnRecord{}
	for rows.Next() {
		var (
			record                  convtypes.TurnRecord
			userJSON, assistantJSON string
			errorJSON               sql.NullString
		)
		if err := rows.Scan(&record.SessionID, &userJSON, &assistantJSON, &errorJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(userJSON), &record.User); err != nil {
			return nil, fmt.Errorf("failed to decode user message: %w", err)
		}
		if err := json.Unmarshal([]byte(assistantJSON), &record.Assistant); err != nil {
			return nil, fmt.Errorf("failed to decode assistant message: %w", err)
		}
		if errorJSON.Valid {
			record.Error = &convtypes.ResponseError{}
			if err := json.Unmarshal([]byte(errorJSON.String), record.Error); err != nil {
				return nil, fmt.Errorf("failed to decode turn error: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// LogTranscripts stores a batch atomically. Entries without a timestamp are stamped now.
func (s *Store) LogTranscripts(ctx context.Context, entries []Transcript) error {
	for i, entry := range entries {
		if strings.TrimSpace(entry.SessionID) == "" || strings.TrimSpace(entry.Content) == "" {
			return fmt.Errorf("%w: entry %d needs sessionId and content", ErrInvalidTranscript, i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO voice_transcripts (session_id, role, content, confidence, duration, spoken_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		role := entry.Role
		if role == "" {
			role = string(convtypes.RoleUser)
		}
		spokenAt := entry.Timestamp
		if spokenAt.IsZero() {
			spokenAt = s.now()
		}
		if _, err := stmt.ExecContext(ctx, entry.SessionID, role, entry.Content, entry.Confidence, entry.Duration, spokenAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to insert transcript: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcripts: %w", err)
	}
	logger.ServiceOperation("recorder", "log_transcripts", "count", len(entries))
	return nil
}

// Transcripts returns up to limit transcript entries, newest first. An empty sessionID matches every session.
func (s *Store) Transcripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	query, args := scopedQuery(`SELECT session_id, role, content, confidence, duration, spoken_at FROM voice_transcripts`, sessionID, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Transcript{}
	for rows.Next() {
		var (
			entry    Transcript
			spokenAt string
		)
		if err := rows.Scan(&entry.SessionID, &entry.Role, &entry.Content, &entry.Confidence, &entry.Duration, &spokenAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		if entry.Timestamp, err = time.Parse(time.RFC3339Nano, spokenAt); err != nil {
			return nil, fmt.Errorf("failed to parse transcript time: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scopedQuery(base, sessionID string, limit int) (string, []any) {
	var args []any
	query := base
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return query, args
}
