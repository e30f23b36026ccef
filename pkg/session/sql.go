package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
)

// Dialect selects placeholder style and DDL for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// rebind turns ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS thread_messages (
			seq ` + seq + `,
			thread_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages (thread_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
	}
}

// SQLStore keeps threads and runs in a SQL database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

// OpenSQLStore opens dsn with the driver for dialect and ensures the schema.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	store := NewSQLStore(db, dialect, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing connection pool.
func NewSQLStore(db *sql.DB, dialect Dialect, logger zerolog.Logger) *SQLStore {
	observability.EnsureRegistered()
	if dialect == "" {
		dialect = DialectSQLite
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With().Str("component", "session.sql").Str("dialect", string(dialect)).Logger(),
	}
}

// EnsureSchema creates the tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) observe(op string) func() {
	start := time.Now()
	return func() { observability.RecordStoreOp(string(s.dialect), op, time.Since(start)) }
}

// Append inserts all messages in one transaction.
func (s *SQLStore) Append(ctx context.Context, threadID string, msgs ...Message) error {
	ctx, span := tracing.StartSpan(ctx, "agentcore.session", "session.append",
		attribute.String("thread_id", threadID),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	defer s.observe("append")()

	if err := ValidateKey(threadID); err != nil {
		return fail(span, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(span, fmt.Errorf("begin append: %w", err))
	}
	defer tx.Rollback()

	query := s.dialect.rebind(`INSERT INTO thread_messages (thread_id, message_id, role, body, created_at) VALUES (?, ?, ?, ?, ?)`)
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return fail(span, err)
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		body, err := json.Marshal(m)
		if err != nil {
			return fail(span, fmt.Errorf("failed to marshal message: %w", err))
		}
		if _, err := tx.ExecContext(ctx, query, threadID, m.ID, string(m.Role), string(body), m.Timestamp.UTC()); err != nil {
			return fail(span, fmt.Errorf("insert message: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(span, fmt.Errorf("commit append: %w", err))
	}
	return nil
}

// Load returns the thread ordered by insertion.
func (s *SQLStore) Load(ctx context.Context, threadID string) ([]Message, error) {
	ctx, span := tracing.StartSpan(ctx, "agentcore.session", "session.load",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	defer s.observe("load")()

	if err := ValidateKey(threadID); err != nil {
		return nil, fail(span, err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT seq, body FROM thread_messages WHERE thread_id = ? ORDER BY seq`), threadID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query thread: %w", err))
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fail(span, fmt.Errorf("scan message: %w", err))
		}
		var m Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			s.logger.Warn().Str("thread_id", threadID).Int64("seq", seq).Err(err).Msg("Failed to decode message, skipping")
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return msgs, nil
}

// ClaimRun relies on the primary key to pick a single winner.
func (s *SQLStore) ClaimRun(ctx context.Context, run RunRecord) (RunRecord, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "agentcore.session", "session.claim_run",
		attribute.String("run_id", run.RunID),
	)
	defer span.End()
	defer s.observe("claim_run")()

	if err := ValidateKey(run.RunID); err != nil {
		return RunRecord{}, false, fail(span, err)
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	body, err := json.Marshal(run)
	if err != nil {
		return RunRecord{}, false, fail(span, err)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO runs (run_id, thread_id, status, body, started_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (run_id) DO NOTHING`),
		run.RunID, run.ThreadID, string(run.Status), string(body), run.StartedAt.UTC())
	if err != nil {
		return RunRecord{}, false, fail(span, fmt.Errorf("insert run: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return RunRecord{}, false, fail(span, err)
	}
	if affected == 1 {
		return run, true, nil
	}

	existing, err := s.GetRun(ctx, run.RunID)
	if err != nil {
		return RunRecord{}, false, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("duplicate", true))
	return existing, false, nil
}

// CompleteRun stores the final record.
func (s *SQLStore) CompleteRun(ctx context.Context, run RunRecord) error {
	ctx, span := tracing.StartSpan(ctx, "agentcore.session", "session.complete_run",
		attribute.String("run_id", run.RunID),
		attribute.String("status", string(run.Status)),
	)
	defer span.End()
	defer s.observe("complete_run")()

	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	body, err := json.Marshal(run)
	if err != nil {
		return fail(span, err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE runs SET status = ?, body = ?, finished_at = ? WHERE run_id = ?`),
		string(run.Status), string(body), run.FinishedAt.UTC(), run.RunID)
	if err != nil {
		return fail(span, fmt.Errorf("update run: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fail(span, fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID))
	}
	return nil
}

// GetRun returns the stored record for runID.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT body FROM runs WHERE run_id = ?`), runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("query run: %w", err)
	}
	var run RunRecord
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return RunRecord{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return run, nil
}

// PruneRuns deletes finished runs older than cutoff.
func (s *SQLStore) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.observe("prune_runs")()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM runs WHERE status <> ? AND finished_at IS NOT NULL AND finished_at < ?`),
		string(RunRunning), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
