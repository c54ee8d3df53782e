package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"callflow/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("call record not found")

type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// Store persists finished calls. It is safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	dialect goose.Dialect
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		driverName string
		dialect    goose.Dialect
		pragmas    []string
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		driverName, dialect = "sqlite", goose.DialectSQLite3
		pragmas = []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		sqlx.BindDriver("sqlite", sqlx.QUESTION)
	case "postgres", "pgx":
		driverName, dialect = "pgx", goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == goose.DialectSQLite3 {
		// One writer avoids SQLITE_BUSY under concurrent recorders.
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(s.dialect, s.db.DB, fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type callRow struct {
	ID                    string    `db:"id"`
	CallerNumber          string    `db:"caller_number"`
	RoomID                string    `db:"room_id"`
	Metadata              *string   `db:"metadata"`
	StartedAt             time.Time `db:"started_at"`
	EndedAt               time.Time `db:"ended_at"`
	EndReason             string    `db:"end_reason"`
	Turns                 int       `db:"turns"`
	TotalDurationMS       int64     `db:"total_duration_ms"`
	TranscriptionMS       int64     `db:"transcription_ms"`
	ReasoningMS           int64     `db:"reasoning_ms"`
	SynthesisMS           int64     `db:"synthesis_ms"`
	PromptTokens          int       `db:"prompt_tokens"`
	CompletionTokens      int       `db:"completion_tokens"`
	TotalTokens           int       `db:"total_tokens"`
	CostUSD               float64   `db:"cost_usd"`
	TranscriptionFailures int       `db:"transcription_failures"`
	ReasoningFallbacks    int       `db:"reasoning_fallbacks"`
	SynthesisDegraded     int       `db:"synthesis_degraded"`
}

type messageRow struct {
	ID        string    `db:"id"`
	CallID    string    `db:"call_id"`
	Seq       int       `db:"seq"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Metadata  *string   `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

const upsertCall = `INSERT INTO calls (
	id, caller_number, room_id, metadata, started_at, ended_at, end_reason,
	turns, total_duration_ms, transcription_ms, reasoning_ms, synthesis_ms,
	prompt_tokens, completion_tokens, total_tokens, cost_usd,
	transcription_failures, reasoning_fallbacks, synthesis_degraded
) VALUES (
	:id, :caller_number, :room_id, :metadata, :started_at, :ended_at, :end_reason,
	:turns, :total_duration_ms, :transcription_ms, :reasoning_ms, :synthesis_ms,
	:prompt_tokens, :completion_tokens, :total_tokens, :cost_usd,
	:transcription_failures, :reasoning_fallbacks, :synthesis_degraded
) ON CONFLICT(id) DO UPDATE SET
	ended_at = excluded.ended_at,
	end_reason = excluded.end_reason,
	turns = excluded.turns,
	total_duration_ms = excluded.total_duration_ms,
	transcription_ms = excluded.transcription_ms,
	reasoning_ms = excluded.reasoning_ms,
	synthesis_ms = excluded.synthesis_ms,
	prompt_tokens = excluded.prompt_tokens,
	completion_tokens = excluded.completion_tokens,
	total_tokens = excluded.total_tokens,
	cost_usd = excluded.cost_usd,
	transcription_failures = excluded.transcription_failures,
	reasoning_fallbacks = excluded.reasoning_fallbacks,
	synthesis_degraded = excluded.synthesis_degraded`

const insertMessage = `INSERT INTO call_messages (id, call_id, seq, role, content, metadata, created_at)
VALUES (:id, :call_id, :seq, :role, :content, :metadata, :created_at)`

// SaveCall writes the call and replaces its messages in one transaction.
// Saving the same call twice is safe.
func (s *Store) SaveCall(ctx context.Context, rec model.CallRecord) error {
	row, err := toCallRow(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, upsertCall, row); err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM call_messages WHERE call_id = ?`), rec.Call.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, msg := range rec.Messages {
		mr := messageRow{
			ID:        msg.ID,
			CallID:    rec.Call.ID,
			Seq:       i,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.Timestamp.UTC(),
		}
		if mr.ID == "" {
			mr.ID = uuid.NewString()
		}
		if mr.Metadata, err = encodeMetadata(msg.Metadata); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertMessage, mr); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (model.CallRecord, error) {
	var row callRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM calls WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CallRecord{}, ErrNotFound
	}
	if err != nil {
		return model.CallRecord{}, fmt.Errorf("failed to load call: %w", err)
	}

	var msgs []messageRow
	if err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(`SELECT * FROM call_messages WHERE call_id = ? ORDER BY seq`), id); err != nil {
		return model.CallRecord{}, fmt.Errorf("failed to load messages: %w", err)
	}
	return fromRows(row, msgs)
}

// ListCalls returns the most recently ended calls without their messages.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]model.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []callRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT * FROM calls ORDER BY ended_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	out := make([]model.CallRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRows(row, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toCallRow(rec model.CallRecord) (callRow, error) {
	meta, err := encodeMetadata(rec.Call.Metadata)
	if err != nil {
		return callRow{}, err
	}
	m := rec.Metrics
	return callRow{
		ID:                    rec.Call.ID,
		CallerNumber:          rec.Call.CallerNumber,
		RoomID:                rec.Call.RoomID,
		Metadata:              meta,
		StartedAt:             rec.Call.StartedAt.UTC(),
		EndedAt:               rec.EndedAt.UTC(),
		EndReason:             rec.EndReason,
		Turns:                 m.Turns,
		TotalDurationMS:       m.TotalDuration.Milliseconds(),
		TranscriptionMS:       m.TranscriptionLatency.Milliseconds(),
		ReasoningMS:           m.ReasoningLatency.Milliseconds(),
		SynthesisMS:           m.SynthesisLatency.Milliseconds(),
		PromptTokens:          m.Tokens.PromptTokens,
		CompletionTokens:      m.Tokens.CompletionTokens,
		TotalTokens:           m.Tokens.TotalTokens,
		CostUSD:               m.CostUSD,
		TranscriptionFailures: m.TranscriptionFailures,
		ReasoningFallbacks:    m.ReasoningFallbacks,
		SynthesisDegraded:     m.SynthesisDegraded,
	}, nil
}

func fromRows(row callRow, msgs []messageRow) (model.CallRecord, error) {
	meta, err := decodeMetadata(row.Metadata)
	if err != nil {
		return model.CallRecord{}, err
	}
	rec := model.CallRecord{
		Call: model.CallContext{
			ID:           row.ID,
			CallerNumber: row.CallerNumber,
			RoomID:       row.RoomID,
			StartedAt:    row.StartedAt,
			Metadata:     meta,
		},
		EndedAt:   row.EndedAt,
		EndReason: row.EndReason,
		Metrics: model.ConversationMetrics{
			Turns:                 row.Turns,
			TotalDuration:         time.Duration(row.TotalDurationMS) * time.Millisecond,
			TranscriptionLatency:  time.Duration(row.TranscriptionMS) * time.Millisecond,
			ReasoningLatency:      time.Duration(row.ReasoningMS) * time.Millisecond,
			SynthesisLatency:      time.Duration(row.SynthesisMS) * time.Millisecond,
			Tokens:                model.TokenUsage{PromptTokens: row.PromptTokens, CompletionTokens: row.CompletionTokens, TotalTokens: row.TotalTokens},
			CostUSD:               row.CostUSD,
			TranscriptionFailures: row.TranscriptionFailures,
			ReasoningFallbacks:    row.ReasoningFallbacks,
			SynthesisDegraded:     row.SynthesisDegraded,
		},
	}
	for _, mr := range msgs {
		md, err := decodeMetadata(mr.Metadata)
		if err != nil {
			return model.CallRecord{}, err
		}
		rec.Messages = append(rec.Messages, model.Message{
			ID:        mr.ID,
			Role:      model.Role(mr.Role),
			Content:   mr.Content,
			Timestamp: mr.CreatedAt,
			Metadata:  md,
		})
	}
	return rec, nil
}

func encodeMetadata(m map[string]string) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	s := string(data)
	return &s, nil
}

func decodeMetadata(s *string) (map[string]string, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}
