// Package usage keeps an append-only audit of model and tool calls made
// while answering user messages. Records are indexed by timestamp and
// conversation for aggregation queries. Conversation content itself is
// never stored.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Call kinds for LLMCall.Kind.
const (
	KindStream   = "stream"
	KindComplete = "complete"
)

// LLMCall records one request to a model backend.
type LLMCall struct {
	ID             string
	Timestamp      time.Time
	RequestID      string
	ConversationID string
	Model          string
	Kind           string
	Prompts        int // 1 for streams, batch size for completions
	InputTokens    int // estimated with the local tokenizer
	Duration       time.Duration
	Error          string
}

// ToolCall records one tool execution.
type ToolCall struct {
	ID             string
	Timestamp      time.Time
	RequestID      string
	ConversationID string
	Tool           string
	OK             bool
	Duration       time.Duration
	Error          string
}

// Summary holds aggregated totals.
type Summary struct {
	LLMCalls         int           `json:"llm_calls"`
	InputTokens      int64         `json:"input_tokens"`
	ToolCalls        int           `json:"tool_calls"`
	FailedToolCalls  int           `json:"failed_tool_calls"`
	TotalLLMDuration time.Duration `json:"total_llm_duration_ns"`
}

// Store is an append-only SQLite store. All public methods are safe for
// concurrent use (SQLite serializes writes). A nil *Store discards
// records, so callers need not check whether auditing is enabled.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS llm_calls (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		conversation_id TEXT,
		model           TEXT NOT NULL,
		kind            TEXT NOT NULL,
		prompts         INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_llm_timestamp ON llm_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_llm_conversation ON llm_calls(conversation_id);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		conversation_id TEXT,
		tool            TEXT NOT NULL,
		ok              INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_timestamp ON tool_calls(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate usage record ID: %w", err)
	}
	return id.String(), nil
}

// RecordLLM persists a model call. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) RecordLLM(ctx context.Context, rec LLMCall) error {
	if s == nil {
		return nil
	}
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_calls
			(id, timestamp, request_id, conversation_id, model, kind,
			 prompts, input_tokens, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.ConversationID,
		rec.Model,
		rec.Kind,
		rec.Prompts,
		rec.InputTokens,
		rec.Duration.Milliseconds(),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}

// RecordTool persists a tool execution.
func (s *Store) RecordTool(ctx context.Context, rec ToolCall) error {
	if s == nil {
		return nil
	}
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	ok := 0
	if rec.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, request_id, conversation_id, tool, ok, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.ConversationID,
		rec.Tool,
		ok,
		rec.Duration.Milliseconds(),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	if s == nil {
		return &Summary{}, nil
	}
	from, to := start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)

	var sum Summary
	var ms int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(duration_ms), 0)
		 FROM llm_calls
		 WHERE timestamp >= ? AND timestamp < ?`, from, to)
	if err := row.Scan(&sum.LLMCalls, &sum.InputTokens, &ms); err != nil {
		return nil, fmt.Errorf("query llm summary: %w", err)
	}
	sum.TotalLLMDuration = time.Duration(ms) * time.Millisecond

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`, from, to)
	if err := row.Scan(&sum.ToolCalls, &sum.FailedToolCalls); err != nil {
		return nil, fmt.Errorf("query tool summary: %w", err)
	}
	return &sum, nil
}

// CallsByModel returns the number of model calls per model within
// [start, end).
func (s *Store) CallsByModel(ctx context.Context, start, end time.Time) (map[string]int, error) {
	if s == nil {
		return map[string]int{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*)
		 FROM llm_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("scan calls by model: %w", err)
		}
		result[model] = n
	}
	return result, rows.Err()
}
