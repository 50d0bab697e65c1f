package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"snapsync/internal/db"
	"snapsync/internal/store"
)

const refreshInterval = 2 * time.Second

type DashboardModel struct {
	Store    *store.Store
	Table    table.Model
	Sessions []db.BackupSession
	Stats    store.Stats
	Err      error
}

type sessionsLoadedMsg struct {
	Sessions []db.BackupSession
	Stats    store.Stats
	Err      error
}

type tickMsg time.Time

type SessionSelectedMsg struct {
	SessionID string
}

func NewDashboardModel(st *store.Store, width, height int) DashboardModel {
	columns := []table.Column{
		{Title: "Session", Width: 36},
		{Title: "State", Width: 10},
		{Title: "Started", Width: 20},
		{Title: "Files", Width: 7},
		{Title: "Done", Width: 6},
		{Title: "Skip", Width: 6},
		{Title: "Fail", Width: 6},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(height-10),
	)

	sStyle := table.DefaultStyles()
	sStyle.Header = sStyle.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	sStyle.Selected = sStyle.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(sStyle)

	return DashboardModel{
		Store: st,
		Table: t,
	}
}

func (m DashboardModel) Init() tea.Cmd {
	return tea.Batch(m.loadSessions, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m DashboardModel) loadSessions() tea.Msg {
	sessions, err := m.Store.ListRecentSessions(50)
	if err != nil {
		return sessionsLoadedMsg{Err: err}
	}
	stats, err := m.Store.Stats()
	if err != nil {
		return sessionsLoadedMsg{Err: err}
	}
	return sessionsLoadedMsg{Sessions: sessions, Stats: stats}
}

func (m DashboardModel) Update(msg tea.Msg) (DashboardModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return m, m.loadSessions
		case "enter":
			selected := m.Table.SelectedRow()
			if len(selected) > 0 {
				return m, func() tea.Msg {
					return SessionSelectedMsg{SessionID: selected[0]}
				}
			}
		case "q":
			return m, tea.Quit
		}

	case tickMsg:
		return m, tea.Batch(m.loadSessions, tickCmd())

	case sessionsLoadedMsg:
		if msg.Err != nil {
			m.Err = msg.Err
			return m, nil
		}
		m.Err = nil
		m.Sessions = msg.Sessions
		m.Stats = msg.Stats
		rows := make([]table.Row, 0, len(msg.Sessions))
		for _, s := range msg.Sessions {
			rows = append(rows, table.Row{
				s.SessionID,
				s.State,
				s.StartedAt.Format("2006-01-02 15:04:05"),
				fmt.Sprintf("%d", s.TotalFiles),
				fmt.Sprintf("%d", s.CompletedFiles),
				fmt.Sprintf("%d", s.SkippedFiles),
				fmt.Sprintf("%d", s.FailedFiles),
			})
		}
		m.Table.SetRows(rows)
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m DashboardModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SnapSync - Backup Sessions") + "\n\n")
	b.WriteString(fmt.Sprintf("Records: %s completed, %s failed, %d in flight, %s transferred\n\n",
		statusOKStyle(fmt.Sprintf("%d", m.Stats.CompletedFiles)),
		statusBadStyle(fmt.Sprintf("%d", m.Stats.FailedFiles)),
		m.Stats.InFlightFiles,
		humanBytes(m.Stats.TotalBytes)))
	b.WriteString(m.Table.View())
	b.WriteString("\n\n")
	b.WriteString(blurredStyle.Render("Press 'enter' for details, 'r' to refresh, 'q' to quit"))

	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
