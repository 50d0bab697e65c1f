package session

import (
	"sync"

	"snapsync/internal/db"
)

// Machine tracks one session's aggregate lifecycle. State is derived
// purely from the counters plus the abort flag; nothing else is
// allowed to set it. Safe for concurrent use by the file workers.
type Machine struct {
	mu sync.Mutex

	state     string
	total     int
	completed int
	failed    int

	// pairSuccesses counts (digest, destination) pairs that ended
	// completed or were already present; it decides failed vs partial.
	pairSuccesses int
	aborted       bool
}

func NewMachine() *Machine {
	return &Machine{state: db.SessionPending}
}

// Start moves pending -> running once discovery produced the file set.
func (m *Machine) Start(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == db.SessionPending {
		m.state = db.SessionRunning
	}
	m.total = total
}

// RecordOutcome folds one fully-resolved file into the counters.
func (m *Machine) RecordOutcome(fileCompleted bool, pairSuccesses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fileCompleted {
		m.completed++
	} else {
		m.failed++
	}
	m.pairSuccesses += pairSuccesses
}

// Abort flags a fatal, non-retryable condition. The terminal state is
// then aborted no matter what the counters say.
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
}

func (m *Machine) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

// Counters returns (total, completed, failed, pending). The invariant
// completed + failed + pending == total holds at every instant.
func (m *Machine) Counters() (total, completed, failed, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, m.completed, m.failed, m.total - m.completed - m.failed
}

func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Finalize computes and latches the terminal state once every file is
// terminal (or the session was aborted).
func (m *Machine) Finalize() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.terminalState()
	return m.state
}

func (m *Machine) terminalState() string {
	switch {
	case m.aborted:
		return db.SessionAborted
	case m.failed == 0:
		return db.SessionCompleted
	case m.pairSuccesses == 0 && m.completed == 0:
		return db.SessionFailed
	default:
		return db.SessionPartial
	}
}
