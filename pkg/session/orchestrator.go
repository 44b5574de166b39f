package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/codeagent/pkg/compaction"
	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
	"github.com/nstogner/codeagent/pkg/store"
)

const (
	// DefaultMaxTokens is the context window assumed when none is configured.
	DefaultMaxTokens = 128000
	// DefaultTriggerPercent is the fraction of MaxTokens at which compaction runs.
	DefaultTriggerPercent = 0.6

	priorContextHeader = "PRIOR CONTEXT (summary of earlier conversation):"
)

// Config controls when compaction is triggered.
type Config struct {
	MaxTokens      int
	TriggerPercent float64
	CharsPerToken  float64
}

// Threshold is the smallest token total that triggers compaction, the ceiling
// of MaxTokens × TriggerPercent. Products within float error of a whole number
// snap to it, so 100 × 0.29 is 29 and not 28.
func (c Config) Threshold() int {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	percent := c.TriggerPercent
	if percent <= 0 {
		percent = DefaultTriggerPercent
	}
	exact := float64(maxTokens) * percent
	if whole := math.Round(exact); math.Abs(exact-whole) < 1e-9 {
		return int(whole)
	}
	return int(math.Ceil(exact))
}

// Store is the subset of store.Store the orchestrator needs.
type Store interface {
	store.SessionStore
	store.Ledger
}

// Orchestrator drives one session: it appends turns, builds model context and
// runs the post-turn compaction check. It is not safe for concurrent use;
// callers process one turn at a time per session.
type Orchestrator struct {
	store   Store
	engine  *compaction.Engine
	cfg     Config
	tracker *Tracker
	sess    *domain.Session

	now func() time.Time
}

// LoadOrCreate hydrates the session with the given id from storage, or creates
// a new session with a fresh id when id is empty. The token total is always
// recomputed from the persisted messages.
func LoadOrCreate(ctx context.Context, st Store, engine *compaction.Engine, cfg Config, id string) (*Orchestrator, error) {
	o := &Orchestrator{
		store:   st,
		engine:  engine,
		cfg:     cfg,
		tracker: NewTracker(cfg.CharsPerToken),
		now:     time.Now,
	}

	if id == "" {
		sess := &domain.Session{ID: uuid.New().String()}
		if err := st.CreateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		o.sess = sess
		slog.Info("Session created", "sessionID", sess.ID)
		return o, nil
	}

	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	o.sess = sess
	if err := o.recompute(ctx); err != nil {
		return nil, err
	}
	slog.Debug("Session loaded", "sessionID", id, "totalTokens", o.tracker.Total())
	return o, nil
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.sess.ID }

// Session returns a copy of the session record as last seen by the orchestrator.
func (o *Orchestrator) Session() domain.Session { return *o.sess }

// Summary returns the current cumulative summary, empty before the first compaction.
func (o *Orchestrator) Summary() string { return o.sess.Summary }

// TotalTokens returns the current token total.
func (o *Orchestrator) TotalTokens() int { return o.tracker.Total() }

// BuildContext returns the ordered model input: the optional preamble, the
// summary as a labeled prior-context block when present, then every persisted
// message in chronological order.
func (o *Orchestrator) BuildContext(ctx context.Context, preamble string) ([]model.Message, error) {
	msgs, err := o.store.All(ctx, o.sess.ID)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	out := make([]model.Message, 0, len(msgs)+2)
	if preamble != "" {
		out = append(out, model.Message{Role: domain.RoleSystem, Content: domain.TextContent(preamble)})
	}
	if o.sess.Summary != "" {
		out = append(out, model.Message{
			Role:    domain.RoleSystem,
			Content: domain.TextContent(priorContextHeader + "\n" + o.sess.Summary),
		})
	}
	for _, m := range msgs {
		out = append(out, model.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// AddTurn appends a message and accumulates its token count.
func (o *Orchestrator) AddTurn(ctx context.Context, role domain.Role, content []domain.Content, tokenCount *int) (*domain.Message, error) {
	msg, err := o.store.Append(ctx, o.sess.ID, role, content, tokenCount)
	if err != nil {
		return nil, fmt.Errorf("appending %s turn: %w", role, err)
	}
	o.tracker.Add(tokenCount)
	if tokenCount == nil {
		slog.Warn("Turn appended without token count; it is not counted towards the budget",
			"sessionID", o.sess.ID,
			"messageID", msg.ID,
			"unmeasured", o.tracker.Unmeasured(),
		)
	}
	o.sess.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// CheckAndCompact is the post-turn hook. Below the threshold it does nothing
// and returns false. Otherwise it folds the older history into the summary,
// persists the summary and prunes the folded messages. A summarization failure
// is returned with session state unchanged.
func (o *Orchestrator) CheckAndCompact(ctx context.Context) (bool, error) {
	total, threshold := o.tracker.Total(), o.cfg.Threshold()
	if total < threshold {
		return false, nil
	}

	msgs, err := o.store.All(ctx, o.sess.ID)
	if err != nil {
		return false, fmt.Errorf("reading messages: %w", err)
	}

	slog.Info("Compaction triggered",
		"sessionID", o.sess.ID,
		"totalTokens", total,
		"threshold", threshold,
		"messages", len(msgs),
	)

	res, err := o.engine.Compact(ctx, o.sess.Summary, msgs)
	if err != nil {
		return false, err
	}
	if res.CompactedCount == 0 {
		return false, nil
	}

	// Prune by identity so messages appended after the snapshot survive.
	var cutoff int64
	if res.SplitIndex < len(msgs) {
		cutoff = msgs[res.SplitIndex].ID
	} else {
		cutoff = msgs[len(msgs)-1].ID + 1
	}

	at := o.now().UTC()
	pruned, err := o.store.ApplyCompaction(ctx, o.sess.ID, res.Summary, at, cutoff)
	if err != nil {
		return false, fmt.Errorf("persisting compaction: %w", err)
	}
	o.sess.Summary = res.Summary
	o.sess.LastCompactedAt = &at
	o.sess.UpdatedAt = at

	if err := o.recompute(ctx); err != nil {
		return true, err
	}

	slog.Info("Compaction finished",
		"sessionID", o.sess.ID,
		"pruned", pruned,
		"summaryChars", len(res.Summary),
		"totalTokens", o.tracker.Total(),
		"summaryUsage", res.Usage.TotalTokens,
	)
	return true, nil
}

func (o *Orchestrator) recompute(ctx context.Context) error {
	tokens, err := o.store.TotalTokens(ctx, o.sess.ID)
	if err != nil {
		return fmt.Errorf("summing tokens: %w", err)
	}
	msgs, err := o.store.All(ctx, o.sess.ID)
	if err != nil {
		return fmt.Errorf("reading messages: %w", err)
	}
	unmeasured := 0
	for _, m := range msgs {
		if m.TokenCount == nil {
			unmeasured++
		}
	}
	o.tracker.Reset(tokens, unmeasured, o.sess.Summary)
	return nil
}
