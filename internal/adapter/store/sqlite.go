// Package store persists finalized messages and stream transcripts to a
// local SQLite database. The sink is optional: when disabled the stream runs
// entirely in memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"runwatch/internal/domain"
)

// SQLiteSink implements a durable message log keyed by (thread_id,
// message_id) with upsert semantics: a re-emitted finalized message replaces
// its streamed placeholder instead of duplicating it.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate message db: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			thread_id  TEXT NOT NULL,
			message_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '',
			sequence   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, message_id)
		);
		CREATE TABLE IF NOT EXISTS transcripts (
			run_id     TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// SaveMessage upserts one message. Messages without a message id or thread id
// are transient and skipped.
func (s *SQLiteSink) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.MessageID == "" || msg.ThreadID == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (thread_id, message_id, agent_id, type, content, metadata, sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, message_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			type = excluded.type,
			content = excluded.content,
			metadata = excluded.metadata,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		msg.ThreadID, msg.MessageID, msg.AgentID, msg.Type,
		msg.Content, msg.Metadata, msg.Sequence, now, now,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// SaveTranscript upserts the final transcript for a run.
func (s *SQLiteSink) SaveTranscript(ctx context.Context, runID string, status domain.AgentStatus, text string) error {
	if runID == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (run_id, status, text, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			text = excluded.text,
			updated_at = excluded.updated_at`,
		runID, string(status), text, now,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// Messages returns all stored messages for a thread in sequence order.
func (s *SQLiteSink) Messages(ctx context.Context, threadID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, message_id, agent_id, type, content, metadata, sequence
		FROM messages WHERE thread_id = ? ORDER BY sequence`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ThreadID, &m.MessageID, &m.AgentID, &m.Type,
			&m.Content, &m.Metadata, &m.Sequence); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// Transcript returns the stored transcript for a run.
func (s *SQLiteSink) Transcript(ctx context.Context, runID string) (domain.AgentStatus, string, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT status, text FROM transcripts WHERE run_id = ?", runID)
	var status, text string
	if err := row.Scan(&status, &text); err != nil {
		if err == sql.ErrNoRows {
			return "", "", domain.ErrNotFound
		}
		return "", "", err
	}
	return domain.AgentStatus(status), text, nil
}
