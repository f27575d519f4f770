// Package tui is the terminal dashboard: a bubbletea program over a
// session controller.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/ui"
	"github.com/taskdash/taskdash/internal/view"
)

// changeMsg carries a controller event into the program.
type changeMsg struct{ ev session.Event }

// actionMsg reports the outcome of a store action.
type actionMsg struct {
	status string
	err    error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	boxStyle   = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Model represents the terminal dashboard state
type Model struct {
	ctx    context.Context
	ctrl   *session.Controller
	styles ui.Styles
	title  string

	page   view.Page
	cursor int

	search    textinput.Model
	searching bool

	confirmClear bool
	showProgress bool

	status string
	err    error

	width  int
	height int
}

// New creates the model. ctx bounds every store action.
func New(ctx context.Context, ctrl *session.Controller, title string) Model {
	ti := textinput.New()
	ti.Placeholder = "Search tasks..."
	ti.Prompt = "/ "
	ti.CharLimit = 100
	ti.Width = 40

	if title == "" {
		title = "taskdash"
	}
	m := Model{
		ctx:    ctx,
		ctrl:   ctrl,
		styles: ui.NewStyles(lipgloss.DefaultRenderer()),
		title:  title,
		search: ti,
	}
	m.page = ctrl.Page()
	return m
}

// Run starts the program and blocks until the user quits.
func Run(ctx context.Context, ctrl *session.Controller, title string) error {
	p := tea.NewProgram(New(ctx, ctrl, title), tea.WithAltScreen(), tea.WithContext(ctx))
	ctrl.OnChange(func(ev session.Event) {
		// Send blocks until the program reads it; listeners must not.
		go p.Send(changeMsg{ev: ev})
	})
	_, err := p.Run()
	return err
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case changeMsg:
		if msg.ev.Kind == session.EventError {
			m.err = msg.ev.Err
		}
		m.reload()
		return m, nil

	case actionMsg:
		m.status, m.err = msg.status, msg.err
		m.reload()
		return m, nil

	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		if m.confirmClear {
			m.confirmClear = false
			if msg.String() == "y" || msg.String() == "Y" {
				return m, m.clearAll()
			}
			m.status = "Clear cancelled"
			return m, nil
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.searching = false
		m.search.Blur()
		m.search.SetValue(m.ctrl.Session().Search)
		return m, nil
	case "enter":
		m.searching = false
		m.search.Blur()
		m.ctrl.SetSearch(m.search.Value())
		m.cursor = 0
		m.reload()
		return m, nil
	}
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	return m, cmd
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "/":
		m.searching = true
		m.search.Focus()
		return m, textinput.Blink

	case "u":
		m.ctrl.SetUnfinishedOnly(!m.ctrl.Session().UnfinishedOnly)
		m.cursor = 0
		m.reload()

	case "j", "down":
		if m.cursor < len(m.page.Rows)-1 {
			m.cursor++
		}

	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}

	case "enter":
		if row, ok := m.current(); ok {
			m.ctrl.Select(row.ID)
			m.reload()
		}

	case "esc":
		m.ctrl.CloseDetail()
		m.reload()

	case "d":
		if row, ok := m.current(); ok {
			m.ctrl.SetSelected(row.ID)
		}
		return m, m.markDone()

	case "1", "2", "3", "4":
		ratings := m.ctrl.Ratings()
		i := int(key[0] - '1')
		if i >= len(ratings) {
			return m, nil
		}
		if row, ok := m.current(); ok {
			m.ctrl.SetSelected(row.ID)
		}
		return m, m.rate(ratings[i])

	case "r":
		rec, err := m.ctrl.PickRandomUnfinished()
		m.err = err
		if err == nil {
			m.status = "Picked " + rec.GroupKey
		}
		m.reload()

	case "p":
		m.showProgress = !m.showProgress

	case "R":
		return m, m.refresh()

	case "C":
		m.confirmClear = true
	}
	return m, nil
}

func (m *Model) reload() {
	m.page = m.ctrl.Page()
	if m.cursor >= len(m.page.Rows) {
		m.cursor = len(m.page.Rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	// Keep the cursor on the selected record when it is visible.
	if d := m.page.Detail; d != nil && d.Found {
		for i, row := range m.page.Rows {
			if row.ID == d.ID {
				m.cursor = i
				break
			}
		}
	}
}

func (m Model) current() (view.Row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.page.Rows) {
		return view.Row{}, false
	}
	return m.page.Rows[m.cursor], true
}

func (m Model) markDone() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		res, err := ctrl.MarkDone(ctx)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: fmt.Sprintf("Marked %s done (%d records)", res.GroupKey, len(res.IDs))}
	}
}

func (m Model) rate(label string) tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		res, err := ctrl.Rate(ctx, label)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: fmt.Sprintf("Rated %s %s", res.GroupKey, label)}
	}
}

func (m Model) clearAll() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		if _, err := ctrl.ClearAll(ctx, true); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "Cleared all markings"}
	}
}

func (m Model) refresh() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		if err := ctrl.Refresh(ctx); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "Reloaded"}
	}
}

// View renders the dashboard
func (m Model) View() string {
	var b strings.Builder

	sess := m.ctrl.Session()
	header := m.title
	if sess.UnfinishedOnly {
		header += "  [unfinished]"
	}
	if sess.Search != "" {
		header += fmt.Sprintf("  [search: %s]", sess.Search)
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	if m.searching {
		b.WriteString(m.search.View())
		b.WriteString("\n\n")
	}

	b.WriteString(ui.RenderPageCursor(m.styles, m.page, m.cursor))
	b.WriteString("\n")

	if d := m.page.Detail; d != nil {
		b.WriteString("\n")
		b.WriteString(boxStyle.Render(ui.RenderDetail(m.styles, d)))
		b.WriteString("\n")
	}

	if m.showProgress {
		width := m.width
		if width == 0 {
			width = 80
		}
		b.WriteString("\n")
		b.WriteString(ui.RenderChart(m.styles, m.ctrl.Progress(), width))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.confirmClear:
		b.WriteString(errStyle.Render("Clear every finished and rating value? (y/n)"))
	case m.err != nil:
		b.WriteString(errStyle.Render(store.MessageOf(m.err)))
	case m.status != "":
		b.WriteString(okStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m Model) help() string {
	var rates []string
	for i, r := range m.ctrl.Ratings() {
		if i >= 4 {
			break
		}
		rates = append(rates, fmt.Sprintf("%d %s", i+1, r))
	}
	return "/ search  u unfinished  enter detail  esc close  d done  " +
		strings.Join(rates, "  ") +
		"  r random  p progress  R reload  C clear  q quit"
}
