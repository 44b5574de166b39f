package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
)

const (
	// DefaultKeepRecent is the number of most recent messages kept verbatim.
	DefaultKeepRecent = 6
	// DefaultMaxSummaryChars caps the stored summary length.
	DefaultMaxSummaryChars = 8000
	// DefaultMaxMessageChars caps each rendered message in the merge prompt.
	DefaultMaxMessageChars = 2000
	// DefaultMaxOutputTokens bounds the summarizer's output.
	DefaultMaxOutputTokens = 2048

	// SummaryTruncatedMarker is appended when a summary is cut to MaxSummaryChars.
	SummaryTruncatedMarker = "\n[summary truncated]"
	// MessageTruncatedMarker is appended when a message is cut to MaxMessageChars.
	MessageTruncatedMarker = " [message truncated]"
)

// Config controls the split point and the size limits of compaction.
type Config struct {
	KeepRecent      int
	MaxSummaryChars int
	MaxMessageChars int
	MaxOutputTokens int
}

func (c Config) withDefaults() Config {
	if c.KeepRecent < 0 {
		c.KeepRecent = DefaultKeepRecent
	}
	if c.MaxSummaryChars <= 0 {
		c.MaxSummaryChars = DefaultMaxSummaryChars
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = DefaultMaxMessageChars
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return c
}

// Result is the outcome of a compaction attempt.
type Result struct {
	// Summary is the new cumulative summary, or the prior one on a no-op.
	Summary string
	// SplitIndex is the position of the first message kept verbatim.
	SplitIndex int
	// CompactedCount is the number of messages folded into Summary.
	CompactedCount int
	Usage          model.Usage
}

// SummarizationError wraps a failure of the summarizer. Caller state must be
// left untouched when it is returned.
type SummarizationError struct {
	Err error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarization failed: %v", e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// ErrEmptySummary is wrapped in a SummarizationError when the summarizer
// returns only whitespace.
var ErrEmptySummary = errors.New("model returned empty compaction summary")

// Engine folds older messages into a cumulative summary.
type Engine struct {
	summarizer model.Summarizer
	cfg        Config
}

// New creates an Engine. Size limits at or below zero fall back to the package
// defaults. A negative KeepRecent means DefaultKeepRecent; zero keeps nothing
// and folds the whole history.
func New(summarizer model.Summarizer, cfg Config) *Engine {
	return &Engine{summarizer: summarizer, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Split returns the index separating folded messages from the KeepRecent most
// recent ones. It is 0 when there is nothing to fold.
func (e *Engine) Split(n int) int {
	if n <= e.cfg.KeepRecent {
		return 0
	}
	return n - e.cfg.KeepRecent
}

// Compact folds every message before the split index, together with prior,
// into a new summary. It performs no I/O besides the summarizer call.
func (e *Engine) Compact(ctx context.Context, prior string, msgs []domain.Message) (*Result, error) {
	split := e.Split(len(msgs))
	if split == 0 {
		return &Result{Summary: prior}, nil
	}

	prompt := e.BuildPrompt(prior, msgs[:split])

	slog.Info("Compacting messages",
		"folded", split,
		"kept", len(msgs)-split,
		"hasPriorSummary", prior != "",
		"promptChars", len(prompt),
	)

	text, usage, err := e.summarizer.Summarize(ctx, prompt, e.cfg.MaxOutputTokens)
	if err != nil {
		return nil, &SummarizationError{Err: err}
	}

	summary := strings.TrimSpace(text)
	if summary == "" {
		return nil, &SummarizationError{Err: ErrEmptySummary}
	}
	summary = truncate(summary, e.cfg.MaxSummaryChars, SummaryTruncatedMarker)

	return &Result{
		Summary:        summary,
		SplitIndex:     split,
		CompactedCount: split,
		Usage:          usage,
	}, nil
}

// truncate cuts s to max runes and appends marker if it was longer.
func truncate(s string, max int, marker string) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + marker
}
