// Package persistence is the sqlite-backed store for conversation
// history, summaries, audit records, and HITL decisions: the durable
// state that survives a process restart, as opposed to the in-memory
// coordination/subscription state that doesn't need to.
package persistence

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite connection. Only one open connection is kept
// (SQLite's writer serializes anyway; WAL mode lets readers proceed
// concurrently with a writer).
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.orchestra/orchestra.db, falling back to the
// current directory if the home directory can't be resolved.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestra", "orchestra.db")
}

// Open creates (or reuses) the sqlite database at path, applies pragmas,
// and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying connection for collaborators that need to
// write their own tables (internal/audit's audit_logs writes through
// this, set via audit.SetDB).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("persistence: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, created_at);`,
		// Column order and names match what internal/audit.Record already
		// writes through; this table's shape is owned by that package.
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			subject TEXT,
			action TEXT,
			decision TEXT,
			reason TEXT,
			policy_version TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS hitl_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			approved INTEGER,
			modified_content TEXT,
			reason TEXT,
			requested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: create schema: %w", err)
		}
	}
	return tx.Commit()
}

// Message is one turn of conversation history.
type Message struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// AppendMessage records one conversation turn.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content) VALUES (?, ?, ?);
	`, conversationID, role, content)
	if err != nil {
		return fmt.Errorf("persistence: append message: %w", err)
	}
	return nil
}

// Messages returns the most recent messages for a conversation, oldest
// first, capped at limit (0 means unlimited).
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came back newest-first (for an efficient LIMIT); restore
	// chronological order before returning to the caller.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Summary is a compressed record of earlier conversation turns, with an
// optional embedding for semantic lookup.
type Summary struct {
	ID             int64
	ConversationID string
	Text           string
	MessageCount   int
	Embedding      []float32
	CreatedAt      time.Time
}

// SaveSummary stores a new summary row. embedding may be nil.
func (s *Store) SaveSummary(ctx context.Context, conversationID, text string, messageCount int, embedding []float32) error {
	var blob []byte
	if embedding != nil {
		blob = EncodeEmbedding(embedding)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (conversation_id, summary, message_count, embedding) VALUES (?, ?, ?, ?);
	`, conversationID, text, messageCount, blob)
	if err != nil {
		return fmt.Errorf("persistence: save summary: %w", err)
	}
	return nil
}

// LatestSummary returns the most recent summary for a conversation, or
// false if none exists.
func (s *Store) LatestSummary(ctx context.Context, conversationID string) (Summary, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, summary, message_count, embedding, created_at
		FROM summaries WHERE conversation_id = ? ORDER BY id DESC LIMIT 1;
	`, conversationID)

	var sm Summary
	var blob []byte
	err := row.Scan(&sm.ID, &sm.ConversationID, &sm.Text, &sm.MessageCount, &blob, &sm.CreatedAt)
	if err == sql.ErrNoRows {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("persistence: load summary: %w", err)
	}
	if blob != nil {
		sm.Embedding = DecodeEmbedding(blob)
	}
	return sm, true, nil
}

// HITLRecord is the durable trail of a human-in-the-loop decision, kept
// independent of the in-process bus so approvals survive a restart.
type HITLRecord struct {
	ID              int64
	RequestID       string
	TaskID          string
	RiskLevel       string
	Status          string // "pending" | "decided"
	Approved        bool
	ModifiedContent string
	Reason          string
	RequestedAt     time.Time
	DecidedAt       *time.Time
}

// RecordHITLRequest inserts a pending HITL record when a task is gated.
func (s *Store) RecordHITLRequest(ctx context.Context, requestID, taskID, riskLevel string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hitl_records (request_id, task_id, risk_level, status) VALUES (?, ?, ?, 'pending');
	`, requestID, taskID, riskLevel)
	if err != nil {
		return fmt.Errorf("persistence: record hitl request: %w", err)
	}
	return nil
}

// RecordHITLDecision marks a pending HITL record decided.
func (s *Store) RecordHITLDecision(ctx context.Context, requestID string, approved bool, modifiedContent, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hitl_records
		SET status = 'decided', approved = ?, modified_content = ?, reason = ?, decided_at = CURRENT_TIMESTAMP
		WHERE request_id = ?;
	`, approved, modifiedContent, reason, requestID)
	if err != nil {
		return fmt.Errorf("persistence: record hitl decision: %w", err)
	}
	return nil
}

// HITLRequest returns a HITL record by request id, or false if unknown.
func (s *Store) HITLRequest(ctx context.Context, requestID string) (HITLRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, task_id, risk_level, status, approved, modified_content, reason, requested_at, decided_at
		FROM hitl_records WHERE request_id = ?;
	`, requestID)

	var rec HITLRecord
	var approved sql.NullBool
	var modifiedContent, reason sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.TaskID, &rec.RiskLevel, &rec.Status, &approved, &modifiedContent, &reason, &rec.RequestedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return HITLRecord{}, false, nil
	}
	if err != nil {
		return HITLRecord{}, false, fmt.Errorf("persistence: load hitl request: %w", err)
	}
	rec.Approved = approved.Bool
	rec.ModifiedContent = modifiedContent.String
	rec.Reason = reason.String
	if decidedAt.Valid {
		rec.DecidedAt = &decidedAt.Time
	}
	return rec, true, nil
}

// PendingHITLRequests returns all HITL records still awaiting a
// decision, oldest first — the backing query for GET /hitl/pending.
func (s *Store) PendingHITLRequests(ctx context.Context) ([]HITLRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, task_id, risk_level, status, approved, modified_content, reason, requested_at, decided_at
		FROM hitl_records WHERE status = 'pending' ORDER BY requested_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: query pending hitl requests: %w", err)
	}
	defer rows.Close()

	var out []HITLRecord
	for rows.Next() {
		var rec HITLRecord
		var approved sql.NullBool
		var modifiedContent, reason sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.TaskID, &rec.RiskLevel, &rec.Status, &approved, &modifiedContent, &reason, &rec.RequestedAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan hitl request: %w", err)
		}
		rec.Approved = approved.Bool
		rec.ModifiedContent = modifiedContent.String
		rec.Reason = reason.String
		if decidedAt.Valid {
			rec.DecidedAt = &decidedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EncodeEmbedding packs a float32 vector as a little-endian byte blob for
// storage in a BLOB column.
func EncodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding unpacks a little-endian byte blob back into a float32
// vector. Returns nil if blob isn't a whole number of float32s.
func DecodeEmbedding(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
