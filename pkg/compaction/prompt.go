package compaction

import (
	"fmt"
	"strings"

	"github.com/nstogner/codeagent/pkg/domain"
)

// Sections are the fixed headings of every summary, in order.
var Sections = []string{
	"Goal",
	"Plan",
	"Key decisions",
	"Facts and constraints",
	"Tool results",
	"Open questions",
}

const (
	priorSummaryLabel = "PREVIOUS SUMMARY"
	historyLabel      = "CONVERSATION TO FOLD IN"
)

// BuildPrompt renders the merge request sent to the summarizer. A non-empty
// prior summary is embedded verbatim.
func (e *Engine) BuildPrompt(prior string, msgs []domain.Message) string {
	var b strings.Builder

	b.WriteString("You maintain the running summary of a coding session whose older messages are being removed from the context window. ")
	b.WriteString("Produce a single replacement summary that merges the previous summary (if any) with the conversation below. ")
	b.WriteString("Keep every fact a developer would need to continue the task: file paths, commands, errors, decisions and user preferences.\n\n")

	b.WriteString("Use exactly these sections, in this order, each as a markdown heading:\n")
	for _, s := range Sections {
		fmt.Fprintf(&b, "## %s\n", s)
	}
	b.WriteString("If a section has nothing to record, write \"none\" under it. Never omit a section.\n")
	fmt.Fprintf(&b, "Keep the whole summary under %d characters.\n\n", e.cfg.MaxSummaryChars)

	if prior != "" {
		fmt.Fprintf(&b, "%s:\n%s\n\n", priorSummaryLabel, prior)
	}

	fmt.Fprintf(&b, "%s:\n", historyLabel)
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, e.renderMessage(m))
	}
	return b.String()
}
