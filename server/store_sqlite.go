package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const threadSQLiteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	thread_type TEXT NOT NULL CHECK (thread_type IN ('api', 'text', 'temp')),
	user_id TEXT,
	user_name TEXT,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threads_user
ON threads(user_id, last_activity DESC);

CREATE TABLE IF NOT EXISTS api_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	response_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	UNIQUE(thread_id, response_id)
);

CREATE INDEX IF NOT EXISTS idx_api_history_thread_expires
ON api_history(thread_id, expires_at DESC);

CREATE TABLE IF NOT EXISTS text_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	sequence_number INTEGER NOT NULL,
	user_input TEXT NOT NULL,
	assistant_response TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_text_history_thread_seq
ON text_history(thread_id, sequence_number);`

// SQLiteStoreConfig configures the SQLite thread store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists threads and conversation history in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed thread store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("thread store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("thread sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("thread sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("thread sqlite store enable foreign keys: %w", err)
	}

	if _, err := db.Exec(threadSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("thread sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, t Thread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastActivity.IsZero() {
		t.LastActivity = t.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (id, thread_type, user_id, user_name, created_at, last_activity)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity`,
		t.ID,
		t.Type,
		nullIfEmpty(t.UserID),
		nullIfEmpty(t.UserName),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.LastActivity.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("thread sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (Thread, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, thread_type, user_id, user_name, created_at, last_activity
FROM threads
WHERE id = ?`, id)

	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, false, nil
		}
		return Thread{}, false, err
	}
	return t, true, nil
}

func (s *SQLiteStore) ListUserThreads(ctx context.Context, userID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_type, user_id, user_name, created_at, last_activity
FROM threads
WHERE user_id = ?
ORDER BY last_activity DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("thread sqlite store list user threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread sqlite store list user threads rows: %w", err)
	}
	return threads, nil
}

func (s *SQLiteStore) AddAPIHistory(ctx context.Context, threadID, responseID string, createdAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_history (thread_id, response_id, created_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(thread_id, response_id) DO NOTHING`,
		threadID,
		responseID,
		createdAt.UTC().Format(time.RFC3339Nano),
		expiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("thread sqlite store add api history: %w", err)
	}
	return s.touchThread(ctx, threadID)
}

func (s *SQLiteStore) LatestValidResponseID(ctx context.Context, threadID string, now time.Time) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT response_id
FROM api_history
WHERE thread_id = ? AND expires_at > ?
ORDER BY created_at DESC, seq DESC
LIMIT 1`, threadID, now.UTC().Format(time.RFC3339Nano))

	var responseID string
	if err := row.Scan(&responseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("thread sqlite store latest valid response: %w", err)
	}
	return responseID, true, nil
}

func (s *SQLiteStore) APIHistory(ctx context.Context, threadID string) ([]APIHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT response_id, created_at, expires_at
FROM api_history
WHERE thread_id = ?
ORDER BY created_at DESC, seq DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread sqlite store api history: %w", err)
	}
	defer rows.Close()

	var entries []APIHistoryEntry
	for rows.Next() {
		var (
			responseID string
			createdAt  string
			expiresAt  string
		)
		if err := rows.Scan(&responseID, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("thread sqlite store scan api history: %w", err)
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("thread sqlite store parse api history created_at: %w", err)
		}
		expires, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("thread sqlite store parse api history expires_at: %w", err)
		}
		entries = append(entries, APIHistoryEntry{
			ResponseID: responseID,
			CreatedAt:  created,
			ExpiresAt:  expires,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread sqlite store api history rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) AddTextTurn(ctx context.Context, threadID, userInput, assistantResponse string) error {
	// Sequence assignment and insert are in one statement, so concurrent
	// appends to the same thread cannot claim the same slot.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO text_history (thread_id, sequence_number, user_input, assistant_response, created_at)
SELECT ?, COALESCE(MAX(sequence_number), 0) + 1, ?, ?, ?
FROM text_history
WHERE thread_id = ?`,
		threadID,
		userInput,
		assistantResponse,
		time.Now().UTC().Format(time.RFC3339Nano),
		threadID,
	)
	if err != nil {
		return fmt.Errorf("thread sqlite store add text turn: %w", err)
	}
	return s.touchThread(ctx, threadID)
}

func (s *SQLiteStore) TextHistory(ctx context.Context, threadID string) ([]TextTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sequence_number, user_input, assistant_response, created_at
FROM text_history
WHERE thread_id = ?
ORDER BY sequence_number ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread sqlite store text history: %w", err)
	}
	defer rows.Close()

	var turns []TextTurn
	for rows.Next() {
		var (
			sequence  int
			userInput string
			assistant string
			createdAt string
		)
		if err := rows.Scan(&sequence, &userInput, &assistant, &createdAt); err != nil {
			return nil, fmt.Errorf("thread sqlite store scan text turn: %w", err)
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("thread sqlite store parse text turn created_at: %w", err)
		}
		turns = append(turns, TextTurn{
			Sequence:          sequence,
			UserInput:         userInput,
			AssistantResponse: assistant,
			CreatedAt:         created,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread sqlite store text history rows: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) PruneExpiredAPIHistory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM api_history
WHERE expires_at <= ?`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("thread sqlite store prune api history: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("thread sqlite store prune api history affected rows: %w", err)
	}
	return affected, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for sharing with other stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) touchThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE threads SET last_activity = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), threadID); err != nil {
		return fmt.Errorf("thread sqlite store touch thread: %w", err)
	}
	return nil
}

type threadScanner interface {
	Scan(dest ...any) error
}

func scanThread(scanner threadScanner) (Thread, error) {
	var (
		id           string
		threadType   string
		userID       sql.NullString
		userName     sql.NullString
		createdAt    string
		lastActivity string
	)
	if err := scanner.Scan(&id, &threadType, &userID, &userName, &createdAt, &lastActivity); err != nil {
		return Thread{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Thread{}, fmt.Errorf("thread sqlite store parse created_at: %w", err)
	}
	activity, err := time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return Thread{}, fmt.Errorf("thread sqlite store parse last_activity: %w", err)
	}

	return Thread{
		ID:           id,
		Type:         threadType,
		UserID:       userID.String,
		UserName:     userName.String,
		CreatedAt:    created,
		LastActivity: activity,
	}, nil
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

var _ ThreadStore = (*SQLiteStore)(nil)
