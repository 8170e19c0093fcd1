package tui

import (
	stderrors "errors"
	"fmt"
	"strings"

	"chat-sync-demo/client/internal/bootstrap"
	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/timeline"
	"chat-sync-demo/client/internal/transport"
	"chat-sync-demo/client/pkg/errors"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const (
	headerHeight = 1
	footerHeight = 3
)

type styles struct {
	header    lipgloss.Style
	muted     lipgloss.Style
	system    lipgloss.Style
	pending   lipgloss.Style
	failed    lipgloss.Style
	info      lipgloss.Style
	alert     lipgloss.Style
	badge     lipgloss.Style
	connected lipgloss.Style
	degraded  lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header:    lipgloss.NewStyle().Bold(true),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true),
		pending:   lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		info:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		alert:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		badge:     lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		connected: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		degraded:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// Model is the bubbletea model of one chat room
type Model struct {
	identity bootstrap.Identity
	submit   func(string) error

	viewport viewport.Model
	input    textinput.Model
	styles   styles

	entries     []timeline.Entry
	index       map[string]int
	banner      string
	bannerLevel timeline.Level
	users       []models.OnlineUser
	count       int
	connection  transport.State
	width       int
	height      int
	ready       bool
}

// NewModel creates the room UI. submit is called off the UI goroutine for
// every line the user enters.
func NewModel(id bootstrap.Identity, submit func(string) error) Model {
	input := textinput.New()
	input.Placeholder = "Type a message"
	input.Prompt = "› "
	input.CharLimit = timeline.MaxMessageLength
	input.Focus()

	return Model{
		identity: id,
		submit:   submit,
		viewport: viewport.New(0, 0),
		input:    input,
		styles:   defaultStyles(),
		index:    make(map[string]int),
		count:    -1,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh(true)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(text) == "" {
				return m, nil
			}
			return m, m.send(text)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case entryMsg:
		atBottom := m.viewport.AtBottom()
		if i, ok := m.index[msg.entry.Key]; ok {
			m.entries[i] = msg.entry
		} else if !msg.update {
			m.index[msg.entry.Key] = len(m.entries)
			m.entries = append(m.entries, msg.entry)
		}
		m.refresh(atBottom)
		return m, nil

	case bannerMsg:
		m.banner, m.bannerLevel = msg.text, msg.level
		return m, nil

	case usersMsg:
		m.users = msg
		return m, nil

	case countMsg:
		m.count = int(msg)
		return m, nil

	case connectionMsg:
		m.connection = transport.State(msg)
		return m, nil

	case submitErrMsg:
		m.banner, m.bannerLevel = errors.GetErrorMessage(msg.err), timeline.LevelError
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) send(text string) tea.Cmd {
	submit := m.submit
	return func() tea.Msg {
		if submit == nil {
			return nil
		}
		if err := submit(text); err != nil && !stderrors.Is(err, timeline.ErrEmptyMessage) {
			return submitErrMsg{err: err}
		}
		return nil
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Connecting…"
	}

	var b strings.Builder
	b.WriteString(m.headerLine())
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(m.bannerLine())
	b.WriteByte('\n')
	b.WriteString(m.input.View())
	return b.String()
}

// Entries returns the rows currently displayed
func (m Model) Entries() []timeline.Entry {
	return m.entries
}

func (m *Model) refresh(follow bool) {
	if !m.ready {
		return
	}
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, m.formatEntry(e))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) formatEntry(e timeline.Entry) string {
	body := strings.TrimRight(e.Markup, "\n")
	if !e.Rendered {
		body = e.Message.Content
	}
	body = strings.TrimSpace(body)

	if e.Message.EffectiveKind().IsSystem() {
		return m.styles.system.Render("· " + ansi.Strip(body))
	}

	name := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(e.Message.Color)).Render(e.Message.DisplayName())
	if e.Message.Badge != "" {
		name += " " + m.styles.badge.Render(e.Message.Badge)
	}
	stamp := m.styles.muted.Render(e.Message.Timestamp.Local().Format("15:04"))

	line := fmt.Sprintf("%s %s %s", stamp, name, body)
	switch {
	case e.Failed:
		line += " " + m.styles.failed.Render("✗ not sent")
	case e.Pending:
		line = m.styles.pending.Render(ansi.Strip(line)) + " " + m.styles.muted.Render("…")
	}
	return line
}

func (m Model) headerLine() string {
	conn := m.connection.String()
	switch m.connection {
	case transport.Connected:
		conn = m.styles.connected.Render(conn)
	case transport.DegradedPolling, transport.Connecting:
		conn = m.styles.degraded.Render(conn)
	default:
		conn = m.styles.failed.Render(conn)
	}

	online := len(m.users)
	if m.count >= 0 && m.connection == transport.DegradedPolling {
		online = m.count
	}
	title := m.styles.header.Render(fmt.Sprintf("#%s", m.identity.RoomID))
	line := fmt.Sprintf("%s  %s  %s  %s", title, m.identity.DisplayName(), conn,
		m.styles.muted.Render(fmt.Sprintf("%d online", online)))
	if m.width > 0 {
		line = ansi.Truncate(line, m.width, "…")
	}
	return line
}

func (m Model) bannerLine() string {
	if m.banner == "" {
		return ""
	}
	style := m.styles.info
	if m.bannerLevel == timeline.LevelError {
		style = m.styles.alert
	}
	text := m.banner
	if m.width > 0 {
		text = ansi.Truncate(text, m.width, "…")
	}
	return style.Render(text)
}

// NewProgram creates the program and the View that feeds it. Calls on the
// view block until the program runs, so the caller can build its session
// around the view and only start the program once that succeeded.
func NewProgram(id bootstrap.Identity, submit func(string) error, opts ...tea.ProgramOption) (*tea.Program, *View) {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	program := tea.NewProgram(NewModel(id, submit), opts...)
	return program, NewView(program.Send)
}
