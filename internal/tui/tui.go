// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package tui implements the terminal dashboard started by running emhub
// without a subcommand. It shows the upcoming bookings of every resource
// and the sessions the folder worker has not picked up yet.
package tui

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/3dem/emhub/internal/i18n"
)

const timeLayout = "Mon 02 Jan 15:04"

type pane int

const (
	paneBookings pane = iota
	panePending
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Switch  key.Binding
	Refresh key.Binding
	Copy    key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Switch, k.Refresh, k.Copy, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, k.ShortHelp()}
}

var _ help.KeyMap = keyMap{}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Switch:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", i18n.T("dashboard.help.switch"))),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", i18n.T("dashboard.help.refresh"))),
		Copy:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", i18n.T("dashboard.help.copy"))),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", i18n.T("dashboard.help.quit"))),
	}
}

// Options tune the dashboard.
type Options struct {
	// Copy writes text to the clipboard. Defaults to clipboard.WriteAll.
	Copy func(string) error
	// Timeout bounds a single load. Defaults to 30s.
	Timeout time.Duration
}

type snapshotMsg struct {
	snap *Snapshot
	err  error
}

// Model is the dashboard bubbletea model.
type Model struct {
	load    Loader
	copy    func(string) error
	timeout time.Duration

	keys     keyMap
	help     help.Model
	bookings table.Model
	pending  table.Model
	focus    pane

	snap      *Snapshot
	err       error
	loading   bool
	status    string
	statusErr bool
}

// New builds a dashboard that reads its data through load.
func New(load Loader, opts Options) Model {
	if opts.Copy == nil {
		opts.Copy = clipboard.WriteAll
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	m := Model{
		load:    load,
		copy:    opts.Copy,
		timeout: opts.Timeout,
		keys:    defaultKeyMap(),
		help:    help.New(),
		loading: true,
	}
	m.bookings = table.New(
		table.WithColumns([]table.Column{
			{Title: i18n.T("dashboard.header.resource"), Width: 18},
			{Title: i18n.T("dashboard.header.start"), Width: 17},
			{Title: i18n.T("dashboard.header.end"), Width: 17},
			{Title: i18n.T("dashboard.header.title"), Width: 30},
			{Title: i18n.T("dashboard.header.owner"), Width: 18},
			{Title: i18n.T("dashboard.header.type"), Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithWidth(120),
	)
	m.pending = table.New(
		table.WithColumns([]table.Column{
			{Title: i18n.T("dashboard.header.session"), Width: 10},
			{Title: i18n.T("dashboard.header.start"), Width: 17},
			{Title: i18n.T("dashboard.header.owner"), Width: 18},
			{Title: i18n.T("dashboard.header.pi"), Width: 18},
			{Title: i18n.T("dashboard.header.folder"), Width: 40},
		}),
		table.WithHeight(6),
		table.WithWidth(115),
	)
	m.applyFocus()
	return m
}

// Run starts the dashboard in the alternate screen and blocks until it quits.
func Run(load Loader, opts Options) error {
	_, err := tea.NewProgram(New(load, opts), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) refresh() tea.Cmd {
	load, timeout := m.load, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := load(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *Model) applyFocus() {
	if m.focus == paneBookings {
		m.bookings.Focus()
		m.pending.Blur()
	} else {
		m.pending.Focus()
		m.bookings.Blur()
	}
	m.bookings.SetStyles(tableStyles(m.focus == paneBookings))
	m.pending.SetStyles(tableStyles(m.focus == panePending))
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.status = msg
	m.statusErr = isErr
}

func (m *Model) rebuildRows() {
	if m.snap == nil {
		return
	}
	rows := make([]table.Row, 0, len(m.snap.Bookings))
	for _, ev := range m.snap.Bookings {
		rows = append(rows, table.Row{
			ev.Resource.Name,
			ev.Start.Format(timeLayout),
			ev.End.Format(timeLayout),
			ev.Title,
			ev.Owner.Name,
			ev.Type,
		})
	}
	m.bookings.SetRows(rows)

	rows = make([]table.Row, 0, len(m.snap.Pending))
	for _, p := range m.snap.Pending {
		folder := ""
		if p.Folder != "" {
			folder = path.Join(p.Folder, p.Name)
		}
		rows = append(rows, table.Row{p.Name, p.Start.Format(timeLayout), p.User.Name, p.PI.Name, folder})
	}
	m.pending.SetRows(rows)
}

func (m *Model) copySelected() {
	if m.snap == nil || len(m.snap.Pending) == 0 {
		m.setStatus(i18n.T("dashboard.nothing_to_copy"), false)
		return
	}
	i := m.pending.Cursor()
	if i < 0 || i >= len(m.snap.Pending) {
		m.setStatus(i18n.T("dashboard.nothing_to_copy"), false)
		return
	}
	name := m.snap.Pending[i].Name
	if err := m.copy(name); err != nil {
		m.setStatus(i18n.T("dashboard.copy_failed", err), true)
		return
	}
	m.setStatus(i18n.T("dashboard.copied", name), false)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		// title, two section headers, status and help take about 10 lines.
		h := (msg.Height - 10) / 2
		if h < 3 {
			h = 3
		}
		m.bookings.SetHeight(h)
		m.pending.SetHeight(h)
		m.bookings.SetWidth(msg.Width - 4)
		m.pending.SetWidth(msg.Width - 4)
		m.help.Width = msg.Width - 4
		return m, nil

	case snapshotMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.snap = msg.snap
		m.rebuildRows()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			m.loading = true
			m.setStatus("", false)
			return m, m.refresh()
		case key.Matches(msg, m.keys.Switch):
			if m.focus == paneBookings {
				m.focus = panePending
			} else {
				m.focus = paneBookings
			}
			m.applyFocus()
			return m, nil
		case key.Matches(msg, m.keys.Copy):
			m.copySelected()
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.focus == paneBookings {
		m.bookings, cmd = m.bookings.Update(msg)
	} else {
		m.pending, cmd = m.pending.Update(msg)
	}
	return m, cmd
}

func (m Model) section(title string, p pane) string {
	if m.focus == p {
		return focusedSectionStyle.Render("▸ " + title)
	}
	return sectionStyle.Render("  " + title)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(mainTitleStyle.Render(i18n.T("dashboard.title")))
	switch {
	case m.loading:
		b.WriteString(helpStyle.Render(i18n.T("dashboard.loading")))
	case m.snap != nil:
		b.WriteString(helpStyle.Render(i18n.T("dashboard.updated", m.snap.Loaded.Format("15:04:05"))))
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(i18n.T("dashboard.error", m.err)) + "\n")
	}

	from, to := "", ""
	if m.snap != nil {
		from, to = m.snap.From.Format("02 Jan"), m.snap.To.Format("02 Jan")
	}
	b.WriteString(m.section(i18n.T("dashboard.bookings", from, to), paneBookings) + "\n")
	if len(m.bookings.Rows()) == 0 {
		b.WriteString(helpStyle.Render(i18n.T("dashboard.empty_bookings")) + "\n")
	} else {
		b.WriteString(m.bookings.View() + "\n")
	}

	b.WriteString(m.section(i18n.T("dashboard.pending"), panePending) + "\n")
	if len(m.pending.Rows()) == 0 {
		b.WriteString(helpStyle.Render(i18n.T("dashboard.empty_pending")) + "\n")
	} else {
		b.WriteString(m.pending.View() + "\n")
	}

	if m.status != "" {
		if m.statusErr {
			b.WriteString(errorStyle.Render(m.status))
		} else {
			b.WriteString(successStyle.Render(m.status))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(m.keys))
	return docStyle.Render(b.String())
}

// String renders a compact, uncolored summary of a snapshot, used by
// `emhub --no-tui`.
func (s *Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s\n", s.From.Format("2006-01-02"), s.To.Format("2006-01-02"))
	for _, ev := range s.Bookings {
		fmt.Fprintf(&b, "  %-18s %s  %s\n", ev.Resource.Name, ev.Start.Format(timeLayout), ev.Title)
	}
	for _, p := range s.Pending {
		fmt.Fprintf(&b, "  pending %s\n", p.Name)
	}
	return b.String()
}
