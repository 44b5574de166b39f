package store

import (
	"context"
	"time"

	"github.com/nstogner/codeagent/pkg/domain"
)

// SessionStore manages the persistence of session records.
type SessionStore interface {
	// CreateSession persists a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session by its unique ID.
	// Returns ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// ApplyCompaction stores the new cumulative summary and compaction time and
	// deletes every message of the session with an id strictly below cutoffID,
	// all in one transaction. Returns the number of deleted messages.
	ApplyCompaction(ctx context.Context, sessionID, summary string, at time.Time, cutoffID int64) (int, error)
}

// Ledger is the append-only, per-session ordered message log.
type Ledger interface {
	// Append assigns the next message id, persists the message and bumps the
	// session's updated_at. tokenCount may be nil when the caller has no count.
	Append(ctx context.Context, sessionID string, role domain.Role, content []domain.Content, tokenCount *int) (*domain.Message, error)

	// RecentWindow returns the last n messages in chronological order.
	RecentWindow(ctx context.Context, sessionID string, n int) ([]domain.Message, error)

	// All returns the full chronological message sequence.
	All(ctx context.Context, sessionID string) ([]domain.Message, error)

	// PruneBefore deletes every message with an id strictly less than id and
	// returns how many were deleted.
	PruneBefore(ctx context.Context, sessionID string, id int64) (int, error)

	// TotalTokens sums the non-null token counts of the persisted messages.
	TotalTokens(ctx context.Context, sessionID string) (int, error)

	// Count returns the number of persisted messages.
	Count(ctx context.Context, sessionID string) (int, error)
}

// RunStore records agent steps for external progress reporting.
type RunStore interface {
	// StartRun creates a running Run with the next step number for the session.
	StartRun(ctx context.Context, sessionID string) (*domain.Run, error)

	// FinishRun marks a run completed, or failed when runErr is non-nil.
	FinishRun(ctx context.Context, runID string, runErr error) error

	// ListRuns returns the session's runs ordered by step number.
	ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error)
}

// Store is the full durable store used by the agent.
type Store interface {
	SessionStore
	Ledger
	RunStore

	// Subscribe returns a channel that emits session IDs whenever a session's
	// messages, summary or runs change.
	Subscribe() <-chan string

	// Unsubscribe stops deliveries to a channel returned by Subscribe.
	Unsubscribe(ch <-chan string)

	Close() error
}
