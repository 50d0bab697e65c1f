package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"snapsync/internal/store"
)

type state int

const (
	stateDashboard state = iota
	stateSessionDetail
)

// BackToDashboardMsg signals transition back to the session list.
type BackToDashboardMsg struct{}

type RootModel struct {
	State     state
	Store     *store.Store
	Dashboard DashboardModel
	Detail    SessionDetailModel
	Quitting  bool
	width     int
	height    int
}

func NewRootModel(st *store.Store) RootModel {
	return RootModel{
		State:     stateDashboard,
		Store:     st,
		Dashboard: NewDashboardModel(st, 80, 24),
	}
}

func (m RootModel) Init() tea.Cmd {
	return m.Dashboard.Init()
}

func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.Dashboard.Table.SetHeight(msg.Height - 10)
		m.Detail.Files.SetHeight(msg.Height - 12)

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.Quitting = true
			return m, tea.Quit
		}
	}

	switch m.State {
	case stateDashboard:
		if sel, ok := msg.(SessionSelectedMsg); ok {
			m.State = stateSessionDetail
			m.Detail = NewSessionDetailModel(m.Store, sel.SessionID, m.width, m.height)
			cmds = append(cmds, m.Detail.Init())
			return m, tea.Batch(cmds...)
		}
		newDash, cmd := m.Dashboard.Update(msg)
		m.Dashboard = newDash
		cmds = append(cmds, cmd)

	case stateSessionDetail:
		if _, ok := msg.(BackToDashboardMsg); ok {
			m.State = stateDashboard
			cmds = append(cmds, m.Dashboard.Init())
			return m, tea.Batch(cmds...)
		}
		newDetail, cmd := m.Detail.Update(msg)
		m.Detail = newDetail
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m RootModel) View() string {
	if m.Quitting {
		return "Bye!\n"
	}
	switch m.State {
	case stateDashboard:
		return m.Dashboard.View()
	case stateSessionDetail:
		return m.Detail.View()
	}
	return "Unknown state"
}
