package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
)

const fileBackend = "file"

// entry is one JSONL line of a thread file.
type entry struct {
	ThreadID string  `json:"threadId"`
	Message  Message `json:"message"`
}

// FileStore persists threads as JSONL files and runs as one JSON file per
// run id.
type FileStore struct {
	threadsDir string
	runsDir    string
	logger     zerolog.Logger

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	runsMu     sync.Mutex
}

// NewFileStore creates the store directories under dir. An empty dir uses
// ~/.agentcore/data.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".agentcore", "data")
	}

	store := &FileStore{
		threadsDir: filepath.Join(dir, "threads"),
		runsDir:    filepath.Join(dir, "runs"),
		logger:     logger.With().Str("component", "session.file").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}
	for _, d := range []string{store.threadsDir, store.runsDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store.logger.Info().Str("dir", dir).Msg("File store initialized")
	return store, nil
}

func (s *FileStore) threadPath(threadID string) string {
	return filepath.Join(s.threadsDir, threadID+".jsonl")
}

func (s *FileStore) runPath(runID string) string {
	return filepath.Join(s.runsDir, runID+".json")
}

func (s *FileStore) writeLock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[threadID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[threadID] = lock
	return lock
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append writes messages as JSON lines and fsyncs before returning.
func (s *FileStore) Append(ctx context.Context, threadID string, msgs ...Message) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.session",
		"session.append",
		attribute.String("thread_id", threadID),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordStoreOp(fileBackend, "append", time.Since(start)) }()

	if err := ValidateKey(threadID); err != nil {
		return fail(span, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var buf []byte
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return fail(span, err)
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(entry{ThreadID: threadID, Message: m})
		if err != nil {
			return fail(span, fmt.Errorf("failed to marshal message: %w", err))
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	lock := s.writeLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.threadPath(threadID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fail(span, fmt.Errorf("failed to open thread file: %w", err))
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fail(span, fmt.Errorf("failed to write messages: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(span, fmt.Errorf("failed to sync file: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("thread_id", threadID).
		Int("messages", len(msgs)).
		Msg("Messages appended")
	return nil
}

// Load reads a thread back. Corrupted lines are skipped with a warning.
func (s *FileStore) Load(ctx context.Context, threadID string) ([]Message, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.session",
		"session.load",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordStoreOp(fileBackend, "load", time.Since(start)) }()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("thread_id", threadID).Logger()

	if err := ValidateKey(threadID); err != nil {
		return nil, fail(span, err)
	}

	file, err := os.Open(s.threadPath(threadID))
	if errors.Is(err, fs.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to open thread file: %w", err))
	}
	defer file.Close()

	msgs := []Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if err := e.Message.Validate(); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid entry, skipping")
			continue
		}
		msgs = append(msgs, e.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("failed to read thread file: %w", err))
	}

	logger.Debug().Int("messages", len(msgs)).Msg("Thread loaded")
	return msgs, nil
}

// ClaimRun creates the run file with O_EXCL so only one claimant wins, even
// across processes sharing the directory.
func (s *FileStore) ClaimRun(ctx context.Context, run RunRecord) (RunRecord, bool, error) {
	_, span := tracing.StartSpan(
		ctx,
		"agentcore.session",
		"session.claim_run",
		attribute.String("run_id", run.RunID),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordStoreOp(fileBackend, "claim_run", time.Since(start)) }()

	if err := ValidateKey(run.RunID); err != nil {
		return RunRecord{}, false, fail(span, err)
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return RunRecord{}, false, fail(span, err)
	}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	file, err := os.OpenFile(s.runPath(run.RunID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		existing, err := s.readRun(run.RunID)
		if err != nil {
			return RunRecord{}, false, fail(span, err)
		}
		span.SetAttributes(attribute.Bool("duplicate", true))
		return existing, false, nil
	}
	if err != nil {
		return RunRecord{}, false, fail(span, fmt.Errorf("failed to create run file: %w", err))
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return RunRecord{}, false, fail(span, fmt.Errorf("failed to write run file: %w", err))
	}
	if err := file.Sync(); err != nil {
		return RunRecord{}, false, fail(span, fmt.Errorf("failed to sync run file: %w", err))
	}
	return run, true, nil
}

// CompleteRun atomically replaces the run file.
func (s *FileStore) CompleteRun(ctx context.Context, run RunRecord) error {
	_, span := tracing.StartSpan(
		ctx,
		"agentcore.session",
		"session.complete_run",
		attribute.String("run_id", run.RunID),
		attribute.String("status", string(run.Status)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordStoreOp(fileBackend, "complete_run", time.Since(start)) }()

	if err := ValidateKey(run.RunID); err != nil {
		return fail(span, err)
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fail(span, err)
	}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	path := s.runPath(run.RunID)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fail(span, fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID))
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fail(span, fmt.Errorf("failed to write run file: %w", err))
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fail(span, fmt.Errorf("failed to replace run file: %w", err))
	}
	return nil
}

// GetRun returns the stored record for runID.
func (s *FileStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := ValidateKey(runID); err != nil {
		return RunRecord{}, err
	}
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return s.readRun(runID)
}

func (s *FileStore) readRun(runID string) (RunRecord, error) {
	data, err := os.ReadFile(s.runPath(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to read run file: %w", err)
	}
	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return RunRecord{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return run, nil
}

// PruneRuns removes finished run files whose FinishedAt is before cutoff.
// Running records are never removed.
func (s *FileStore) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer func() { observability.RecordStoreOp(fileBackend, "prune_runs", time.Since(start)) }()

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read runs directory: %w", err)
	}

	pruned := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := s.readRun(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("Skipping unreadable run file")
			continue
		}
		if run.Status == RunRunning || run.FinishedAt.IsZero() || !run.FinishedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.runsDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return pruned, fmt.Errorf("failed to remove run file: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

// Threads lists the ids of all stored threads.
func (s *FileStore) Threads() ([]string, error) {
	entries, err := os.ReadDir(s.threadsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	threads := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		threads = append(threads, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return threads, nil
}

// Close releases the lock table.
func (s *FileStore) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()

	s.logger.Info().Msg("File store closed")
	return nil
}
