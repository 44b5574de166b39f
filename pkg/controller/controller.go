package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nstogner/codeagent/pkg/compaction"
	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
	"github.com/nstogner/codeagent/pkg/session"
	"github.com/nstogner/codeagent/pkg/store"
	"github.com/nstogner/codeagent/pkg/tools"
)

// DefaultMaxSteps bounds the model calls made for a single user turn.
const DefaultMaxSteps = 25

// DefaultPreamble describes the agent's environment and tools.
const DefaultPreamble = `You are a coding agent working in a project workspace inside a sandboxed Linux container.

## Available Tools

- run_shell: Run a shell command in the workspace. Use it to build, test, search and inspect the project.
- read_file: Read a file from the workspace.
- write_file: Create or overwrite a file in the workspace.

## Guidelines

- Only the workspace directory survives a sandbox restart. Do not rely on installed packages or files elsewhere persisting.
- Prefer small, verifiable steps. Run the tests after changing code.
- Older parts of the conversation may be replaced by a summary. Treat the summary as accurate.
- Use Markdown in your replies.`

// ErrStepLimit is returned when a turn needs more model calls than allowed.
var ErrStepLimit = errors.New("step limit reached")

// Config controls the agent loop.
type Config struct {
	Preamble string
	MaxSteps int
}

// Controller runs user turns: it calls the model, executes tools and invokes
// the post-turn compaction hook. Turns for one session are processed strictly
// one at a time; different sessions run concurrently.
type Controller struct {
	store     store.Store
	generator model.Generator
	engine    *compaction.Engine
	memory    session.Config
	tools     *tools.Registry
	cfg       Config

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane serializes work on one session.
type lane struct {
	mu   sync.Mutex
	orch *session.Orchestrator
}

// New creates a new Controller.
func New(
	st store.Store,
	generator model.Generator,
	engine *compaction.Engine,
	memory session.Config,
	registry *tools.Registry,
	cfg Config,
) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Controller{
		store:     st,
		generator: generator,
		engine:    engine,
		memory:    memory,
		tools:     registry,
		cfg:       cfg,
		lanes:     make(map[string]*lane),
	}
}

// CreateSession starts a new conversation.
func (c *Controller) CreateSession(ctx context.Context) (*domain.Session, error) {
	orch, err := session.LoadOrCreate(ctx, c.store, c.engine, c.memory, "")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lanes[orch.ID()] = &lane{orch: orch}
	c.mu.Unlock()

	sess := orch.Session()
	return &sess, nil
}

// Info returns the session record and its current token total. It reads
// storage directly so it never waits for a running turn.
func (c *Controller) Info(ctx context.Context, sessionID string) (domain.Session, int, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("loading session: %w", err)
	}
	tokens, err := c.store.TotalTokens(ctx, sessionID)
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("summing tokens: %w", err)
	}
	return *sess, tokens + session.EstimateTokens(sess.Summary, c.memory.CharsPerToken), nil
}

// Compact runs the compaction check outside a turn.
func (c *Controller) Compact(ctx context.Context, sessionID string) (bool, error) {
	l, err := c.lane(ctx, sessionID)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orch.CheckAndCompact(ctx)
}

// Send appends a user turn and runs the agent until the model answers without
// tool calls. It returns the final assistant message.
func (c *Controller) Send(ctx context.Context, sessionID string, content []domain.Content) (*domain.Message, error) {
	l, err := c.lane(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := c.addTurn(ctx, l.orch, domain.RoleUser, content, c.countTokens(ctx, content)); err != nil {
		return nil, err
	}

	var last *domain.Message
	for i := 0; i < c.cfg.MaxSteps; i++ {
		msg, err := c.step(ctx, l.orch)
		if err != nil {
			return last, err
		}
		if msg == nil {
			return last, nil
		}
		last = msg

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			return last, nil
		}

		results := make([]domain.Content, 0, len(calls))
		for _, call := range calls {
			res := c.tools.Dispatch(ctx, call)
			results = append(results, domain.Content{Kind: domain.ContentToolResult, ToolResult: &res})
		}
		if _, err := c.addTurn(ctx, l.orch, domain.RoleUser, results, c.countTokens(ctx, results)); err != nil {
			return last, err
		}
	}

	slog.Warn("Step limit reached", "sessionID", sessionID, "maxSteps", c.cfg.MaxSteps)
	return last, fmt.Errorf("%w after %d steps", ErrStepLimit, c.cfg.MaxSteps)
}

// step executes one model call, recorded as a Run.
func (c *Controller) step(ctx context.Context, orch *session.Orchestrator) (msg *domain.Message, err error) {
	run, err := c.store.StartRun(ctx, orch.ID())
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	slog.Info("Calling model", "sessionID", orch.ID(), "step", run.StepNo)
	defer func() {
		if ferr := c.store.FinishRun(ctx, run.ID, err); ferr != nil {
			slog.Error("Failed to finish run", "runID", run.ID, "error", ferr)
			if err == nil {
				err = fmt.Errorf("finishing run: %w", ferr)
			}
		}
	}()

	msgs, err := orch.BuildContext(ctx, c.cfg.Preamble)
	if err != nil {
		return nil, err
	}

	resp, err := c.generator.Generate(ctx, msgs, c.tools.Specs())
	if err != nil {
		return nil, fmt.Errorf("calling model: %w", err)
	}
	if len(resp.Message.Content) == 0 {
		slog.Warn("Model returned an empty response", "sessionID", orch.ID())
		return nil, nil
	}

	var tokens *int
	if out := resp.Usage.OutputTokens; out > 0 {
		tokens = &out
	}
	return c.addTurn(ctx, orch, domain.RoleAssistant, resp.Message.Content, tokens)
}

// addTurn persists a turn and then runs the compaction hook. A failed
// summarization leaves the session as it was and is retried after the next
// turn; storage failures abort the turn.
func (c *Controller) addTurn(ctx context.Context, orch *session.Orchestrator, role domain.Role, content []domain.Content, tokens *int) (*domain.Message, error) {
	msg, err := orch.AddTurn(ctx, role, content, tokens)
	if err != nil {
		return nil, err
	}

	if _, err := orch.CheckAndCompact(ctx); err != nil {
		var se *compaction.SummarizationError
		if !errors.As(err, &se) {
			return nil, err
		}
		slog.Warn("Compaction failed, session left unchanged", "sessionID", orch.ID(), "error", err)
	}
	return msg, nil
}

// countTokens asks the generator for a token count when it can provide one.
// A failure is logged and the count omitted.
func (c *Controller) countTokens(ctx context.Context, content []domain.Content) *int {
	counter, ok := c.generator.(model.TokenCounter)
	if !ok {
		return nil
	}
	n, err := counter.CountTokens(ctx, []model.Message{{Role: domain.RoleUser, Content: content}})
	if err != nil {
		slog.Warn("Token count failed", "error", err)
		return nil
	}
	return &n
}

// lane returns the session's lane, loading the session on first use. Loading
// happens outside c.mu; when two callers race, the first lane stored wins.
func (c *Controller) lane(ctx context.Context, sessionID string) (*lane, error) {
	c.mu.Lock()
	l, ok := c.lanes[sessionID]
	c.mu.Unlock()
	if ok {
		return l, nil
	}

	orch, err := session.LoadOrCreate(ctx, c.store, c.engine, c.memory, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[sessionID]; ok {
		return l, nil
	}
	l = &lane{orch: orch}
	c.lanes[sessionID] = l
	return l, nil
}
