package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, store.Wrap("create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, store.Wrap("open sqlite", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, store.Wrap("ping sqlite", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, store.Wrap("migrate", err)
	}
	return s, nil
}

// Close closes the underlying database connection and all subscriber channels.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		summary_text TEXT,
		last_compacted_at DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		token_count INTEGER,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		step_no INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session_step ON runs(session_id, step_no);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if sess.Metadata == nil {
		meta = []byte("{}")
	}

	var summary sql.NullString
	if sess.Summary != "" {
		summary = sql.NullString{String: sess.Summary, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, summary_text, last_compacted_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.CreatedAt, sess.UpdatedAt, summary, nullTime(sess.LastCompactedAt), string(meta),
	)
	return store.Wrap("create session", err)
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, summary_text, last_compacted_at, metadata
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Wrap("get session", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, updated_at, summary_text, last_compacted_at, metadata
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, store.Wrap("list sessions", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, store.Wrap("scan session", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, store.Wrap("list sessions", rows.Err())
}

func (s *Store) ApplyCompaction(ctx context.Context, sessionID, summary string, at time.Time, cutoffID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Wrap("begin compaction", err)
	}
	defer tx.Rollback()

	at = at.UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET summary_text=?, last_compacted_at=?, updated_at=? WHERE id=?`,
		summary, at, at, sessionID,
	)
	if err != nil {
		return 0, store.Wrap("save summary", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}

	pruned, err := pruneBefore(ctx, tx, sessionID, cutoffID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, store.Wrap("commit compaction", err)
	}

	s.notifySubscribers(sessionID)
	return pruned, nil
}

// --- Ledger ---

func (s *Store) Append(ctx context.Context, sessionID string, role domain.Role, content []domain.Content, tokenCount *int) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}

	msg := &domain.Message{
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		TokenCount: tokenCount,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Wrap("begin append", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at=? WHERE id=?`, msg.CreatedAt, sessionID)
	if err != nil {
		return nil, store.Wrap("touch session", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}

	var tokens sql.NullInt64
	if tokenCount != nil {
		tokens = sql.NullInt64{Int64: int64(*tokenCount), Valid: true}
	}
	result, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at, token_count) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, string(encoded), msg.CreatedAt, tokens,
	)
	if err != nil {
		return nil, store.Wrap("insert message", err)
	}
	if msg.ID, err = result.LastInsertId(); err != nil {
		return nil, store.Wrap("message id", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Wrap("commit append", err)
	}

	s.notifySubscribers(sessionID)
	return msg, nil
}

func (s *Store) RecentWindow(ctx context.Context, sessionID string, n int) ([]domain.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	// Subquery to get only the last N messages in ASC order.
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at, token_count FROM (
			SELECT id, session_id, role, content, created_at, token_count
			FROM messages WHERE session_id=? ORDER BY id DESC LIMIT ?
		) sub ORDER BY id ASC`,
		sessionID, n,
	)
}

func (s *Store) All(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at, token_count
		 FROM messages WHERE session_id=? ORDER BY id ASC`,
		sessionID,
	)
}

func (s *Store) PruneBefore(ctx context.Context, sessionID string, id int64) (int, error) {
	n, err := pruneBefore(ctx, s.db, sessionID, id)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notifySubscribers(sessionID)
	}
	return n, nil
}

func (s *Store) TotalTokens(ctx context.Context, sessionID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(token_count), 0) FROM messages WHERE session_id=?`, sessionID,
	).Scan(&total)
	return total, store.Wrap("sum tokens", err)
}

func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id=?`, sessionID,
	).Scan(&n)
	return n, store.Wrap("count messages", err)
}

// --- RunStore ---

func (s *Store) StartRun(ctx context.Context, sessionID string) (*domain.Run, error) {
	run := &domain.Run{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Status:    domain.RunRunning,
		StartedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Wrap("begin run", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_no), 0) + 1 FROM runs WHERE session_id=?`, sessionID,
	).Scan(&run.StepNo); err != nil {
		return nil, store.Wrap("next step", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, step_no, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.StepNo, run.Status, run.StartedAt,
	); err != nil {
		return nil, store.Wrap("insert run", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Wrap("commit run", err)
	}

	s.notifySubscribers(sessionID)
	return run, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	status := domain.RunCompleted
	var errText sql.NullString
	if runErr != nil {
		status = domain.RunFailed
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`UPDATE runs SET status=?, error=?, finished_at=? WHERE id=? RETURNING session_id`,
		status, errText, time.Now().UTC(), runID,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return store.Wrap("finish run", err)
	}

	s.notifySubscribers(sessionID)
	return nil
}

func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step_no, status, error, started_at, finished_at
		 FROM runs WHERE session_id=? ORDER BY step_no ASC`, sessionID)
	if err != nil {
		return nil, store.Wrap("list runs", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var (
			r        domain.Run
			errText  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StepNo, &r.Status, &errText, &r.StartedAt, &finished); err != nil {
			return nil, store.Wrap("scan run", err)
		}
		r.Error = errText.String
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, store.Wrap("list runs", rows.Err())
}

// --- notifications ---

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch <-chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *Store) notifySubscribers(sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sessionID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// --- helpers ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func pruneBefore(ctx context.Context, db execer, sessionID string, id int64) (int, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM messages WHERE session_id=? AND id < ?`, sessionID, id)
	if err != nil {
		return 0, store.Wrap("prune messages", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.Wrap("prune messages", err)
	}
	return int(n), nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("query messages", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			m       domain.Message
			content string
			tokens  sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &m.CreatedAt, &tokens); err != nil {
			return nil, store.Wrap("scan message", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decoding content of message %d: %w", m.ID, err)
		}
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		messages = append(messages, m)
	}
	return messages, store.Wrap("query messages", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		sess      domain.Session
		summary   sql.NullString
		compacted sql.NullTime
		meta      string
	)
	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &summary, &compacted, &meta); err != nil {
		return nil, err
	}
	sess.Summary = summary.String
	if compacted.Valid {
		t := compacted.Time
		sess.LastCompactedAt = &t
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &sess, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
