package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"snapsync/internal/db"
	"snapsync/internal/store"
)

type SessionDetailModel struct {
	Store     *store.Store
	SessionID string
	Session   *db.BackupSession
	Files     table.Model
	Err       error
}

type detailLoadedMsg struct {
	Session *db.BackupSession
	Files   []db.FileRecord
	Err     error
}

func NewSessionDetailModel(st *store.Store, sessionID string, width, height int) SessionDetailModel {
	columns := []table.Column{
		{Title: "File", Width: 30},
		{Title: "Dest", Width: 8},
		{Title: "Status", Width: 10},
		{Title: "Retries", Width: 7},
		{Title: "Size", Width: 10},
		{Title: "Error", Width: 30},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(height-12),
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

	return SessionDetailModel{
		Store:     st,
		SessionID: sessionID,
		Files:     t,
	}
}

func (m SessionDetailModel) Init() tea.Cmd {
	return m.loadDetail
}

func (m SessionDetailModel) loadDetail() tea.Msg {
	sess, err := m.Store.GetSessionDetail(m.SessionID)
	if err != nil {
		return detailLoadedMsg{Err: err}
	}
	files, err := m.Store.FilesForSession(m.SessionID)
	if err != nil {
		return detailLoadedMsg{Err: err}
	}
	return detailLoadedMsg{Session: sess, Files: files}
}

func (m SessionDetailModel) Update(msg tea.Msg) (SessionDetailModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return m, m.loadDetail
		case "esc", "backspace":
			return m, func() tea.Msg { return BackToDashboardMsg{} }
		case "q":
			return m, tea.Quit
		}

	case detailLoadedMsg:
		if msg.Err != nil {
			m.Err = msg.Err
			return m, nil
		}
		m.Err = nil
		m.Session = msg.Session
		rows := make([]table.Row, 0, len(msg.Files))
		for _, f := range msg.Files {
			rows = append(rows, table.Row{
				f.FileName,
				f.Destination,
				f.Status,
				fmt.Sprintf("%d", f.Retries),
				humanBytes(f.Size),
				f.LastError,
			})
		}
		m.Files.SetRows(rows)
	}

	m.Files, cmd = m.Files.Update(msg)
	return m, cmd
}

func (m SessionDetailModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Session "+m.SessionID) + "\n\n")
	if m.Session != nil {
		ended := "running"
		if m.Session.EndedAt != nil {
			ended = m.Session.EndedAt.Format("2006-01-02 15:04:05")
		}
		b.WriteString(fmt.Sprintf("Source: %s  State: %s  Ended: %s\n", m.Session.RootPath, m.Session.State, ended))
		b.WriteString(fmt.Sprintf("Files: %d total, %d completed, %d skipped, %d failed, %s transferred\n\n",
			m.Session.TotalFiles, m.Session.CompletedFiles, m.Session.SkippedFiles,
			m.Session.FailedFiles, humanBytes(m.Session.TransferredBytes)))
	}
	b.WriteString(m.Files.View())
	b.WriteString("\n\n")
	b.WriteString(blurredStyle.Render("Press 'esc' to go back, 'r' to refresh, 'q' to quit"))

	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}
