// Package store provides a SQLite-backed persistence layer for lorekeep.
// It holds conversation turns keyed by chat id, each assistant turn carrying
// the ids of the chunks cited during generation, and a single-row sync
// checkpoint recording when the corpus was last synced.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser is a turn sent by the human operator.
	RoleUser Role = "user"
	// RoleAssistant is a turn produced by the LLM.
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in a conversation.
type Turn struct {
	// Role is the author of the turn.
	Role Role
	// Content is the text of the turn.
	Content string
	// CitedChunkIDs lists the vector-store chunk ids whose text was supplied
	// to the model when this turn was generated. Empty for user turns.
	CitedChunkIDs []string
	// CreatedAt is when the turn was persisted.
	CreatedAt time.Time
}

// TurnStore persists and retrieves conversation history keyed by chat id.
// Implementations must be safe for concurrent use.
type TurnStore interface {
	// AppendExchange persists a user turn and its assistant reply as one
	// atomic unit: either both turns are committed or neither is, so a
	// failure can never leave a question without its answer on record.
	AppendExchange(ctx context.Context, chatID string, user, assistant Turn) error
	// Recent returns the most recent n turns for the chat, ordered
	// oldest-first so they can be prepended to the LLM message slice
	// directly. If fewer than n turns exist, all are returned.
	Recent(ctx context.Context, chatID string, n int) ([]Turn, error)
	// Close releases any resources held by the store.
	Close() error
}

// CheckpointStore records the single sync checkpoint. The zero time means no
// sync has ever completed.
type CheckpointStore interface {
	// Checkpoint returns the last completed sync's start time.
	Checkpoint(ctx context.Context) (time.Time, error)
	// SetCheckpoint overwrites the checkpoint.
	SetCheckpoint(ctx context.Context, t time.Time) error
}

// SQLiteStore implements TurnStore and CheckpointStore over a local SQLite
// database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the lorekeep database. It
// resolves to ~/.lorekeep/lorekeep.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".lorekeep")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "lorekeep.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id          TEXT    NOT NULL,
    role             TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content          TEXT    NOT NULL,
    cited_chunk_ids  TEXT    NOT NULL DEFAULT '[]',  -- JSON array of chunk ids
    created_at       INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_turns_chat_created
    ON turns (chat_id, created_at);
CREATE TABLE IF NOT EXISTS sync_checkpoint (
    id         INTEGER PRIMARY KEY CHECK(id = 1),
    synced_at  INTEGER NOT NULL  -- Unix timestamp (seconds)
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx so turn inserts run either
// standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertTurn writes one turn row through the given executor.
func insertTurn(ctx context.Context, ex execer, chatID string, turn Turn) error {
	cited := turn.CitedChunkIDs
	if cited == nil {
		cited = []string{}
	}
	citedJSON, err := json.Marshal(cited)
	if err != nil {
		return fmt.Errorf("encode cited chunks: %w", err)
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `INSERT INTO turns (chat_id, role, content, cited_chunk_ids, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, q, chatID, string(turn.Role), turn.Content, string(citedJSON), createdAt.Unix()); err != nil {
		return err
	}
	return nil
}

// Append persists a single turn for the given chat.
func (s *SQLiteStore) Append(ctx context.Context, chatID string, turn Turn) error {
	if err := insertTurn(ctx, s.db, chatID, turn); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// AppendExchange persists a user turn and its assistant reply inside one
// transaction. A failure rolls back both inserts, so history never holds a
// question without its answer.
func (s *SQLiteStore) AppendExchange(ctx context.Context, chatID string, user, assistant Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append exchange: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertTurn(ctx, tx, chatID, user); err != nil {
		return fmt.Errorf("store: append exchange: user turn: %w", err)
	}
	if err := insertTurn(ctx, tx, chatID, assistant); err != nil {
		return fmt.Errorf("store: append exchange: assistant turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append exchange: commit: %w", err)
	}
	return nil
}

// Recent returns the most recent n turns for the chat, ordered oldest-first.
// Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) Recent(ctx context.Context, chatID string, n int) ([]Turn, error) {
	const q = `
SELECT role, content, cited_chunk_ids, created_at FROM (
    SELECT id, role, content, cited_chunk_ids, created_at
    FROM   turns
    WHERE  chat_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var ts int64
		var role, citedJSON string
		if err := rows.Scan(&role, &t.Content, &citedJSON, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		if err := json.Unmarshal([]byte(citedJSON), &t.CitedChunkIDs); err != nil {
			return nil, fmt.Errorf("store: recent decode cited chunks: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.Unix(ts, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return turns, nil
}

// Checkpoint returns the last completed sync's start time, or the zero time
// when no sync has ever completed.
func (s *SQLiteStore) Checkpoint(ctx context.Context) (time.Time, error) {
	const q = `SELECT synced_at FROM sync_checkpoint WHERE id = 1`
	var ts int64
	err := s.db.QueryRowContext(ctx, q).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: checkpoint: %w", err)
	}
	return time.Unix(ts, 0), nil
}

// SetCheckpoint overwrites the checkpoint with t.
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, t time.Time) error {
	const q = `
INSERT INTO sync_checkpoint (id, synced_at) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET synced_at = excluded.synced_at`
	if _, err := s.db.ExecContext(ctx, q, t.Unix()); err != nil {
		return fmt.Errorf("store: set checkpoint: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
