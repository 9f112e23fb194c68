package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	transportconsole "chatrouter/pkg/transport/console"
)

const wheelStep = 3

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

type chatMessage struct {
	role        string
	content     string
	attachments []string
}

// replyMsg carries one outbound message; closed reports the outbox is gone.
type replyMsg struct {
	out    transportconsole.Outbound
	closed bool
}

type replyTimeoutMsg struct {
	seq int
}

type model struct {
	ctx          context.Context
	conv         Conversation
	mode         mode
	oneShotInput string
	info         Info
	timeout      time.Duration

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	width     int
	height    int
	isReady   bool
	isLoading bool
	seq       int
	lastErr   string
	notice    string
	followLog bool
}

func newModel(ctx context.Context, conv Conversation, runMode mode, line string, opts Options) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Say something, or try help"
	in.Focus()
	in.CharLimit = 0

	timeout := opts.ReplyTimeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}

	return &model{
		ctx:          ctx,
		conv:         conv,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(line),
		info:         opts.Info,
		timeout:      timeout,
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		followLog:    true,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot {
		if m.oneShotInput == "" {
			m.lastErr = "nothing to send"
			return tea.Quit
		}
		return tea.Batch(m.send(m.oneShotInput), waitReplyCmd(m.ctx, m.conv.Outbox()))
	}

	return tea.Batch(textinput.Blink, waitReplyCmd(m.ctx, m.conv.Outbox()))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.mode == modeOneShot {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			if isExitCommand(line) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			return m, m.send(line)
		}
	case replyMsg:
		if typed.closed {
			return m, tea.Quit
		}

		m.isLoading = false
		m.lastErr = ""
		m.notice = ""
		m.messages = append(m.messages, chatMessage{
			role:        "bot",
			content:     typed.out.Text,
			attachments: renderAttachments(typed.out),
		})
		m.refreshViewport(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
		return m, waitReplyCmd(m.ctx, m.conv.Outbox())
	case replyTimeoutMsg:
		if typed.seq != m.seq || !m.isLoading {
			return m, nil
		}

		m.isLoading = false
		if m.mode == modeOneShot {
			m.lastErr = fmt.Sprintf("no reply within %s", m.timeout)
			return m, tea.Quit
		}
		m.notice = "no reply (nothing matched, or the fallback is off)"
		return m, nil
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

// send types line into the conversation and arms the reply timeout.
func (m *model) send(line string) tea.Cmd {
	m.conv.Type(line)
	m.messages = append(m.messages, chatMessage{role: "user", content: line})
	m.seq++
	m.isLoading = true
	m.lastErr = ""
	m.notice = ""
	m.followLog = true
	m.refreshViewport(true)

	return tea.Batch(m.spinner.Tick, replyTimeoutCmd(m.seq, m.timeout))
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}

	header := m.theme.header.Width(m.width - 2).Render("chatrouter console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"bot:%s · you:%s · plugins:%d · fallback:%s/%s",
		displayOrNA(m.info.BotName),
		displayOrNA(m.info.UserName),
		m.info.Plugins,
		displayOrNA(m.info.Provider),
		displayOrNA(m.info.Model),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn scroll · End latest · Ctrl+C/Esc quit")
	switch {
	case m.isLoading:
		status = m.theme.statusBusy.Render(m.spinner.View() + " waiting for a reply...")
	case m.lastErr != "":
		status = m.theme.statusErr.Render(m.lastErr)
	case m.notice != "":
		status = m.theme.hint.Render(m.notice)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.messages))
	for _, item := range m.messages {
		sections = append(sections, m.renderMessage(item, m.viewport.Width))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderMessage(item chatMessage, width int) string {
	switch item.role {
	case "user":
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.userTitle.Render(displayOrNA(m.info.UserName)),
			m.theme.userBox.Width(width).Render(strings.TrimSpace(item.content)),
		)
	case "error":
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.errorTitle.Render("error"),
			m.theme.errorBox.Width(width).Render(strings.TrimSpace(item.content)),
		)
	default:
		body := strings.TrimSpace(item.content)
		for _, attachment := range item.attachments {
			body = strings.TrimSpace(body + "\n" + m.theme.attachment.Render(attachment))
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.botTitle.Render(displayOrNA(m.info.BotName)),
			m.theme.botBox.Width(width).Render(body),
		)
	}
}

func (m *model) oneShotView() string {
	width := max(40, m.width-6)
	parts := []string{m.renderMessage(chatMessage{role: "user", content: m.oneShotInput}, width)}

	switch {
	case m.isLoading:
		parts = append(parts, m.theme.statusBusy.Render(m.spinner.View()+" waiting for a reply..."))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	case m.lastErr != "":
		parts = append(parts, m.renderMessage(chatMessage{role: "error", content: m.lastErr}, width))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
	}

	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role == "bot" {
			parts = append(parts, m.renderMessage(m.messages[i], width))
			break
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.SetYOffset(m.viewport.YOffset - wheelStep)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.SetYOffset(m.viewport.YOffset + wheelStep)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitReplyCmd(ctx context.Context, outbox <-chan transportconsole.Outbound) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return replyMsg{closed: true}
		case out, ok := <-outbox:
			if !ok {
				return replyMsg{closed: true}
			}
			return replyMsg{out: out}
		}
	}
}

func replyTimeoutCmd(seq int, timeout time.Duration) tea.Cmd {
	return tea.Tick(timeout, func(time.Time) tea.Msg {
		return replyTimeoutMsg{seq: seq}
	})
}

func renderAttachments(out transportconsole.Outbound) []string {
	lines := make([]string, 0, len(out.Attachments))
	for _, attachment := range out.Attachments {
		text := strings.TrimSpace(strings.Join([]string{attachment.Title, attachment.Text}, "\n"))
		if text == "" {
			text = attachment.Fallback
		}
		if text != "" {
			lines = append(lines, text)
		}
	}
	return lines
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
