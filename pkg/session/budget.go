package session

import (
	"math"
	"unicode/utf8"
)

// DefaultCharsPerToken is the size-to-token ratio used to estimate summary cost.
const DefaultCharsPerToken = 4.0

// EstimateTokens approximates the token cost of text. It never returns a
// negative value and rounds up so a non-empty summary costs at least one token.
func EstimateTokens(text string, charsPerToken float64) int {
	if text == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / charsPerToken))
}

// Tracker keeps the running token total of a session: caller-supplied message
// counts plus an estimate for the current summary. Messages appended without a
// count contribute zero and are only tallied in Unmeasured.
type Tracker struct {
	charsPerToken float64

	messageTokens int
	summaryTokens int
	unmeasured    int
}

// NewTracker returns an empty tracker.
func NewTracker(charsPerToken float64) *Tracker {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Tracker{charsPerToken: charsPerToken}
}

// Reset replaces the state with the persisted messages' token sum, the number
// of persisted messages without a count, and the cost of summary.
func (t *Tracker) Reset(messageTokens, unmeasured int, summary string) {
	t.messageTokens = messageTokens
	t.unmeasured = unmeasured
	t.summaryTokens = EstimateTokens(summary, t.charsPerToken)
}

// Add accumulates a message's token count. A nil count adds nothing.
func (t *Tracker) Add(tokenCount *int) {
	if tokenCount == nil {
		t.unmeasured++
		return
	}
	t.messageTokens += *tokenCount
}

// Total is message tokens plus the estimated summary cost.
func (t *Tracker) Total() int { return t.messageTokens + t.summaryTokens }

// SummaryTokens is the estimated cost of the current summary.
func (t *Tracker) SummaryTokens() int { return t.summaryTokens }

// Unmeasured is the number of persisted messages without a token count.
func (t *Tracker) Unmeasured() int { return t.unmeasured }
