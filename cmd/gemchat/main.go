// Command gemchat is a terminal chat client for Gemini with persistent
// conversation threads.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	go run cmd/gemchat/main.go
//
// Keys:
//
//	enter  - send the message
//	esc    - stop a streaming reply, or quit when idle
//	tab    - switch between chat and thread list
//	/      - filter threads by title (in the thread list)
//	n      - new thread (in the thread list)
//	d      - delete the highlighted thread (in the thread list)
//	ctrl+t - toggle light/dark markdown rendering
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
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/gemchat/pkg/config"
	"github.com/nstogner/gemchat/pkg/controller"
	"github.com/nstogner/gemchat/pkg/directory"
	"github.com/nstogner/gemchat/pkg/domain"
	"github.com/nstogner/gemchat/pkg/generator/gemini"
	"github.com/nstogner/gemchat/pkg/session"
	"github.com/nstogner/gemchat/pkg/store/sqlite"
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

	bucketStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Bold(true)

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
	errorTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const sidebarWidth = 32

type focus int

const (
	focusChat focus = iota
	focusSidebar
	focusSearch
	focusConfirmDelete
)

type errMsg struct{ err error }
type sessionUpdateMsg string
type streamDoneMsg struct{ err error }

// row is one rendered line of the sidebar, either a bucket header or a
// selectable thread.
type row struct {
	header bool
	label  string
	id     string
	title  string
}

type model struct {
	ctx  context.Context
	ctrl *controller.Controller
	sess *session.Session
	dir  *directory.Directory

	updates <-chan string

	focus      focus
	rows       []row
	cursor     int
	listOffset int
	deleteID   string
	width      int
	height     int
	darkTheme  bool
	err        error

	viewport viewport.Model
	textarea textarea.Model
	search   textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, ctrl *controller.Controller, sess *session.Session, dir *directory.Directory) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Type a message to start a new chat.")

	si := textinput.New()
	si.Placeholder = "Filter threads..."
	si.Prompt = "/ "

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cursorStyle

	// Standard style avoids terminal queries that leak into input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(76),
	)

	m := model{
		ctx:      ctx,
		ctrl:     ctrl,
		sess:     sess,
		dir:      dir,
		updates:  sess.Subscribe(),
		viewport: vp,
		textarea: ta,
		search:   si,
		spinner:  sp,
		renderer: r,
	}
	m.rows = m.buildRows()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForUpdate(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	// Keys go to exactly one widget depending on focus, so that enter used
	// for list selection does not leak into the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		var cmd tea.Cmd
		switch m.focus {
		case focusChat:
			m.textarea, cmd = m.textarea.Update(msg)
		case focusSearch:
			m.search, cmd = m.search.Update(msg)
		}
		cmds = append(cmds, cmd)
	default:
		var tiCmd tea.Cmd
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chatWidth := msg.Width - sidebarWidth - 1
		if chatWidth < 20 {
			chatWidth = 20
		}
		m.viewport.Width = chatWidth
		m.textarea.SetWidth(chatWidth)
		m.viewport.Height = msg.Height - m.textarea.Height() - 3
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle(m.themeName()),
			glamour.WithWordWrap(chatWidth-4),
		)
		m.refreshViewport()
		m.clampOffset()

	case tea.KeyMsg:
		return m.handleKey(msg, cmds)

	case sessionUpdateMsg:
		m.refreshViewport()
		m.rows = m.buildRows()
		m.clampCursor()
		cmds = append(cmds, waitForUpdate(m.updates))

	case streamDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		m.refreshViewport()
		m.rows = m.buildRows()

	case spinner.TickMsg:
		if m.ctrl.Streaming() {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEsc:
		switch m.focus {
		case focusSearch:
			m.focus = focusSidebar
			m.search.Blur()
			return m, nil
		case focusConfirmDelete:
			m.focus = focusSidebar
			m.deleteID = ""
			return m, nil
		default:
			if m.ctrl.Streaming() {
				m.ctrl.Stop()
				return m, nil
			}
			return m, tea.Quit
		}

	case tea.KeyTab:
		if m.focus == focusChat {
			m.focus = focusSidebar
			m.textarea.Blur()
		} else {
			m.focus = focusChat
			m.search.Blur()
			m.textarea.Focus()
			cmds = append(cmds, textarea.Blink)
		}
		return m, tea.Batch(cmds...)

	case tea.KeyCtrlT:
		m.darkTheme = !m.darkTheme
		chatWidth := m.viewport.Width
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle(m.themeName()),
			glamour.WithWordWrap(chatWidth-4),
		)
		m.refreshViewport()
		return m, tea.Batch(cmds...)

	case tea.KeyEnter:
		switch m.focus {
		case focusChat:
			m.err = nil
			return m.sendMessage(cmds)
		case focusSidebar:
			return m.selectThread(cmds)
		case focusSearch:
			m.focus = focusSidebar
			m.search.Blur()
			m.rows = m.buildRows()
			m.clampCursor()
			return m, tea.Batch(cmds...)
		}

	case tea.KeyUp:
		if m.focus == focusSidebar {
			m.moveCursor(-1)
		}
		return m, tea.Batch(cmds...)

	case tea.KeyDown:
		if m.focus == focusSidebar {
			m.moveCursor(1)
		}
		return m, tea.Batch(cmds...)
	}

	if m.focus == focusSearch {
		m.rows = m.buildRows()
		m.clampCursor()
		return m, tea.Batch(cmds...)
	}

	if m.focus == focusConfirmDelete {
		switch msg.String() {
		case "y", "Y":
			id := m.deleteID
			m.deleteID = ""
			m.focus = focusSidebar
			if err := m.ctrl.Delete(m.ctx, id); err != nil {
				m.err = err
			}
			m.rows = m.buildRows()
			m.clampCursor()
			m.refreshViewport()
		case "n", "N":
			m.deleteID = ""
			m.focus = focusSidebar
		}
		return m, tea.Batch(cmds...)
	}

	if m.focus == focusSidebar {
		switch msg.String() {
		case "/":
			m.focus = focusSearch
			m.search.Focus()
			cmds = append(cmds, textinput.Blink)
		case "n":
			if err := m.ctrl.Select(m.ctx, ""); err != nil {
				m.err = err
			} else {
				m.focus = focusChat
				m.textarea.Focus()
				m.viewport.SetContent("Type a message to start a new chat.")
				cmds = append(cmds, textarea.Blink)
			}
		case "d":
			if r, ok := m.currentRow(); ok {
				m.deleteID = r.id
				m.focus = focusConfirmDelete
			}
		}
		return m, tea.Batch(cmds...)
	}

	return m, tea.Batch(cmds...)
}

// Actions

func (m model) sendMessage(cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, tea.Batch(cmds...)
	}

	_, done, err := m.ctrl.Send(m.ctx, text)
	if err != nil {
		m.err = err
		return m, tea.Batch(cmds...)
	}

	m.textarea.Reset()
	m.rows = m.buildRows()
	m.refreshViewport()

	cmds = append(cmds, waitForStream(done), m.spinner.Tick)
	return m, tea.Batch(cmds...)
}

func (m model) selectThread(cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	r, ok := m.currentRow()
	if !ok {
		return m, tea.Batch(cmds...)
	}
	if err := m.ctrl.Select(m.ctx, r.id); err != nil {
		m.err = err
		return m, tea.Batch(cmds...)
	}
	m.focus = focusChat
	m.textarea.Focus()
	m.refreshViewport()
	cmds = append(cmds, textarea.Blink)
	return m, tea.Batch(cmds...)
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

func waitForStream(done <-chan error) tea.Cmd {
	return func() tea.Msg {
		return streamDoneMsg{err: <-done}
	}
}

// Sidebar

func (m *model) buildRows() []row {
	groups := m.dir.Groups(time.Now(), m.search.Value())
	var rows []row
	for _, g := range groups {
		rows = append(rows, row{header: true, label: g.Label})
		for _, t := range g.Threads {
			rows = append(rows, row{id: t.ID, title: t.Title})
		}
	}
	return rows
}

func (m *model) currentRow() (row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return row{}, false
	}
	r := m.rows[m.cursor]
	if r.header {
		return row{}, false
	}
	return r, true
}

func (m *model) moveCursor(delta int) {
	i := m.cursor
	for {
		i += delta
		if i < 0 || i >= len(m.rows) {
			return
		}
		if !m.rows[i].header {
			break
		}
	}
	m.cursor = i
	m.clampOffset()
}

func (m *model) clampCursor() {
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	// Never rest on a header.
	for m.cursor < len(m.rows) && m.rows[m.cursor].header {
		m.cursor++
	}
	if m.cursor >= len(m.rows) {
		m.cursor = 0
	}
	m.clampOffset()
}

func (m *model) clampOffset() {
	maxViewable := m.height - 7
	if maxViewable < 1 {
		maxViewable = 1
	}
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

// Rendering

func (m *model) themeName() string {
	if m.darkTheme {
		return "dark"
	}
	return "light"
}

func (m *model) refreshViewport() {
	snap := m.sess.Snapshot()
	if snap.ThreadID == "" {
		return
	}

	var sb strings.Builder
	for _, msg := range snap.Messages {
		if msg.Role == domain.RoleUser {
			sb.WriteString(userStyle.Render("You: "))
		} else {
			sb.WriteString(senderStyle.Render("Gemini: "))
		}
		sb.WriteString("\n")

		if msg.IsError {
			sb.WriteString(errorTextStyle.Render(msg.Content))
			sb.WriteString("\n")
			continue
		}

		content := msg.Content
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(msg.Content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) sidebarView() string {
	var lines []string
	lines = append(lines, titleStyle.Render("Threads"))
	if m.focus == focusSearch || m.search.Value() != "" {
		lines = append(lines, m.search.View())
	}

	maxViewable := m.height - 7
	if maxViewable < 1 {
		maxViewable = 1
	}
	start := m.listOffset
	end := start + maxViewable
	if end > len(m.rows) {
		end = len(m.rows)
	}

	for i := start; i < end; i++ {
		r := m.rows[i]
		if r.header {
			lines = append(lines, bucketStyle.Render(r.label))
			continue
		}
		title := r.title
		if len(title) > sidebarWidth-4 {
			title = title[:sidebarWidth-4]
		}
		cursor := " "
		if m.cursor == i && m.focus != focusChat {
			cursor = ">"
			title = selectedItemStyle.Render(title)
		}
		lines = append(lines, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), title))
	}

	if len(m.rows) == 0 {
		lines = append(lines, hintStyle.Render("no threads yet"))
	}

	lines = append(lines, "", hintStyle.Render("n new  d del  / filter"))

	return lipgloss.NewStyle().
		Width(sidebarWidth).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.viewport.Width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	if m.focus == focusConfirmDelete {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			titleStyle.Render("Delete Thread"),
			"",
			"Delete this thread? (y/n)",
			"This cannot be undone.",
			errorView,
		)
	}

	header := titleStyle.Render("Gemini Chat")
	if m.ctrl.Streaming() {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, " ", m.spinner.View(), hintStyle.Render(" streaming (esc to stop)"))
	}

	chat := lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), " ", chat)
}

// Main

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: cfg.LogLevel})
	slog.SetDefault(slog.New(handler))
	slog.Info("Logging initialized", "level", cfg.LogLevel)

	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open thread store", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer st.Close()

	threads, err := st.LoadAll(ctx)
	if err != nil {
		slog.Error("Failed to load threads", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	slog.Info("Loaded threads", "count", len(threads))

	dir := directory.New()
	dir.Seed(threads)

	provider, err := gemini.New(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		slog.Error("Failed to initialize Gemini", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer provider.Close()

	sess := session.New(st)
	ctrl := controller.New(sess, st, dir, provider)

	p := tea.NewProgram(initialModel(ctx, ctrl, sess, dir), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
