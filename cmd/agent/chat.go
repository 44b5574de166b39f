package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nstogner/codeagent/pkg/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

// maxToolLines caps how much tool output is shown per result.
const maxToolLines = 20

func newChatCmd(opts *options) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Log to a file so log lines never corrupt the UI.
			f, err := os.OpenFile(opts.cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer f.Close()
			setupLogging(opts.cfg, f)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			p := tea.NewProgram(newChatModel(ctx, a, sessionID), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("running chat UI: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume this session instead of choosing one")
	return cmd
}

type chatState int

const (
	stateSelectingSession chatState = iota
	stateChatting
	stateConfirmExit
)

type (
	errMsg           struct{ err error }
	sessionUpdateMsg string
	sessionsMsg      []domain.Session
	enterChatMsg     struct{ sessionID string }
	turnDoneMsg      struct{ err error }
	transcriptMsg    struct {
		content     string
		totalTokens int
	}
)

type chatModel struct {
	ctx     context.Context
	app     *app
	updates <-chan string

	// State
	state       chatState
	sessions    []domain.Session
	cursor      int
	listOffset  int
	width       int
	height      int
	sessionID   string
	busy        bool
	totalTokens int
	err         error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, a *app, sessionID string) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 8000
	ta.SetWidth(80)
	ta.SetHeight(3)
	// Enter sends; the textarea never sees it as a newline.
	ta.KeyMap.InsertNewline.SetEnabled(false)
	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle

	return chatModel{
		ctx:       ctx,
		app:       a,
		state:     stateSelectingSession,
		sessionID: sessionID,
		viewport:  vp,
		textarea:  ta,
		spinner:   sp,
		renderer:  newRenderer(80),
	}
}

// newRenderer uses a fixed style; auto-detection queries the terminal and the
// replies leak into the input.
func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		slog.Warn("Failed to create markdown renderer", "error", err)
		return nil
	}
	return r
}

func (m chatModel) Init() tea.Cmd {
	if m.sessionID != "" {
		id := m.sessionID
		return tea.Batch(textarea.Blink, func() tea.Msg { return enterChatMsg{sessionID: id} })
	}
	return tea.Batch(textarea.Blink, m.loadSessions())
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting so list navigation does not type.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header, status, margins
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.renderer = newRenderer(m.width - 4)
		m.clampList()
		if m.sessionID != "" && m.state != stateSelectingSession {
			cmds = append(cmds, m.reload())
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.state == stateChatting {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			switch m.state {
			case stateConfirmExit:
				m.state = stateChatting
				return m, nil
			case stateChatting:
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateSelectingSession:
				if m.cursor == 0 {
					return m, m.createSession()
				}
				id := m.sessions[m.cursor-1].ID
				return m, func() tea.Msg { return enterChatMsg{sessionID: id} }
			case stateChatting:
				m.err = nil // Clear error on new message
				return m.send()
			}
		case tea.KeyUp:
			if m.state == stateSelectingSession && m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			if m.state == stateSelectingSession && m.cursor < len(m.sessions) {
				m.cursor++
				m.clampList()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					// Remove the sandbox; the workspace stays on the host.
					return m, tea.Sequence(m.teardown(), tea.Quit)
				case "n", "N":
					// Leave it running for the next session.
					return m, tea.Quit
				}
			}
		}

	case sessionsMsg:
		m.sessions = msg
		m.cursor = 0
		m.listOffset = 0

	case enterChatMsg:
		m.sessionID = msg.sessionID
		m.state = stateChatting
		m.updates = m.app.store.Subscribe()
		m.textarea.Placeholder = "Type a message..."
		m.textarea.Focus()
		cmds = append(cmds, m.reload(), waitForUpdate(m.updates))

	case sessionUpdateMsg:
		slog.Debug("TUI received update for session", "sessionID", string(msg))
		if string(msg) == m.sessionID {
			cmds = append(cmds, m.reload())
		}
		cmds = append(cmds, waitForUpdate(m.updates))

	case transcriptMsg:
		m.totalTokens = msg.totalTokens
		m.viewport.SetContent(msg.content)
		m.viewport.GotoBottom()

	case turnDoneMsg:
		m.busy = false
		m.err = msg.err

	case spinner.TickMsg:
		if m.busy {
			var spCmd tea.Cmd
			m.spinner, spCmd = m.spinner.Update(msg)
			cmds = append(cmds, spCmd)
		}

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

// maxViewable is the number of list rows that fit between header and footer.
func (m chatModel) maxViewable() int {
	n := m.height - 7
	if n < 1 {
		n = 1
	}
	return n
}

func (m *chatModel) clampList() {
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+m.maxViewable() {
		m.listOffset = m.cursor - m.maxViewable() + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m chatModel) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateSelectingSession:
		header := titleStyle.Render("Select Session")

		rows := []string{"+ New session"}
		for _, s := range m.sessions {
			line := fmt.Sprintf("%s (%s)", s.ID, s.UpdatedAt.Local().Format(time.RFC822))
			if s.Summary != "" {
				line += " [compacted]"
			}
			rows = append(rows, line)
		}

		end := m.listOffset + m.maxViewable()
		if end > len(rows) {
			end = len(rows)
		}
		var optionsView []string
		for i := m.listOffset; i < end; i++ {
			cursor := " "
			line := rows[i]
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		return lipgloss.JoinVertical(
			lipgloss.Left,
			titleStyle.Render("Confirm Exit"),
			"",
			"Tear down the sandbox? (y/n)",
			"The workspace is kept; anything else inside the container is lost.",
			errorView,
		)
	}

	status := fmt.Sprintf("session %s · %d / %d tokens", m.sessionID, m.totalTokens, m.app.cfg.SessionConfig().Threshold())
	if m.busy {
		status = m.spinner.View() + " working · " + status
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Coding Agent"),
		m.viewport.View(),
		statusStyle.Render(status),
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m chatModel) send() (chatModel, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if v == "/exit" {
		m.textarea.Reset()
		m.state = stateConfirmExit
		return m, nil
	}
	m.textarea.Reset()

	if v == "/compact" {
		return m, func() tea.Msg {
			if _, err := m.app.ctrl.Compact(m.ctx, m.sessionID); err != nil {
				return errMsg{err}
			}
			return nil
		}
	}

	m.busy = true
	ctx, app, id := m.ctx, m.app, m.sessionID
	return m, tea.Batch(
		m.spinner.Tick,
		func() tea.Msg {
			// Progress arrives through store notifications.
			_, err := app.ctrl.Send(ctx, id, domain.TextContent(v))
			return turnDoneMsg{err: err}
		},
	)
}

func (m chatModel) loadSessions() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.app.store.ListSessions(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return sessionsMsg(sessions)
	}
}

func (m chatModel) createSession() tea.Cmd {
	return func() tea.Msg {
		sess, err := m.app.ctrl.CreateSession(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return enterChatMsg{sessionID: sess.ID}
	}
}

func (m chatModel) teardown() tea.Cmd {
	return func() tea.Msg {
		if err := m.app.sandbox.Teardown(m.ctx); err != nil {
			slog.Error("Failed to tear down sandbox", "error", err)
		}
		return nil
	}
}

func (m chatModel) reload() tea.Cmd {
	return func() tea.Msg {
		sess, total, err := m.app.ctrl.Info(m.ctx, m.sessionID)
		if err != nil {
			return errMsg{err}
		}
		msgs, err := m.app.store.All(m.ctx, m.sessionID)
		if err != nil {
			return errMsg{err}
		}
		slog.Debug("Loaded messages", "sessionID", m.sessionID, "count", len(msgs))
		return transcriptMsg{content: m.renderTranscript(sess.Summary, msgs), totalTokens: total}
	}
}

func (m chatModel) renderTranscript(summary string, msgs []domain.Message) string {
	var sb strings.Builder
	if summary != "" {
		sb.WriteString(toolStyle.Render("Summary of earlier conversation:"))
		sb.WriteString("\n")
		sb.WriteString(m.markdown(summary))
		sb.WriteString("\n")
	}

	for _, msg := range msgs {
		if len(msg.Content) == 0 {
			continue
		}
		// Tool results travel as user messages but are not typed by the user.
		isToolResult := msg.Content[0].Kind == domain.ContentToolResult
		switch {
		case isToolResult:
		case msg.Role == domain.RoleUser:
			sb.WriteString(userStyle.Render("User: "))
			sb.WriteString("\n")
		case msg.Role == domain.RoleAssistant:
			sb.WriteString(senderStyle.Render("AI: "))
			sb.WriteString("\n")
		}

		for _, c := range msg.Content {
			sb.WriteString(m.renderContent(c))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (m chatModel) renderContent(c domain.Content) string {
	switch {
	case c.Kind == domain.ContentText:
		return m.markdown(c.Text)
	case c.ToolCall != nil:
		out := fmt.Sprintf("[Tool call: %s]", c.ToolCall.Name)
		if cmd, ok := c.ToolCall.Input["command"].(string); ok {
			out += "\n$ " + cmd
		} else if path, ok := c.ToolCall.Input["path"].(string); ok {
			out += " " + path
		}
		return toolStyle.Render(out)
	case c.ToolResult != nil:
		status := "ok"
		if c.ToolResult.IsError {
			status = "error"
		}
		return toolStyle.Render(fmt.Sprintf("[%s: %s]\n%s", c.ToolResult.Name, status, lastLines(c.ToolResult.Content, maxToolLines)))
	case c.Image != nil:
		return toolStyle.Render(fmt.Sprintf("[image: %s]", c.Image.MediaType))
	case c.File != nil:
		return toolStyle.Render(fmt.Sprintf("[file: %s]", c.File.Name))
	}
	return ""
}

func (m chatModel) markdown(s string) string {
	if m.renderer == nil {
		return s
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return s // Fallback
	}
	return out
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("... %d lines hidden\n", len(lines)-n) + strings.Join(lines[len(lines)-n:], "\n")
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return sessionUpdateMsg(id)
	}
}
