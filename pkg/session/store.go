package session

import (
	"context"
	"time"
)

// Store is the append-only conversation log plus the run ledger used for
// duplicate delivery detection.
type Store interface {
	// Load returns every message of a thread in append order. A thread that
	// does not exist yet has no messages.
	Load(ctx context.Context, threadID string) ([]Message, error)
	// Append persists messages in order. It returns only after they are durable.
	Append(ctx context.Context, threadID string, msgs ...Message) error
	// ClaimRun records run as started. When the run id is already known the
	// existing record is returned with claimed=false.
	ClaimRun(ctx context.Context, run RunRecord) (existing RunRecord, claimed bool, err error)
	// CompleteRun stores the final state of a claimed run.
	CompleteRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	// PruneRuns drops finished run records older than cutoff.
	PruneRuns(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
