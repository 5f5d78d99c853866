package agent

import (
	"sync"
	"time"
)

// State is the position of a node's latest apply attempt.
type State string

const (
	StateIdle          State = "idle"
	StateValidating    State = "validating"
	StateRejected      State = "rejected"
	StateSwapped       State = "swapped"
	StateRestarted     State = "restarted"
	StateRestartFailed State = "restart_failed"
)

// Terminal reports whether an attempt in this state has finished.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateRestarted, StateRestartFailed:
		return true
	}
	return false
}

// Status describes the latest apply attempt of a node.
type Status struct {
	Node        string    `json:"node"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastApplied time.Time `json:"last_applied"`
}

type statusBoard struct {
	mu     sync.RWMutex
	status map[string]Status
}

func newStatusBoard() *statusBoard {
	return &statusBoard{status: make(map[string]Status)}
}

func (b *statusBoard) get(node string) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.status[node]; ok {
		return s
	}
	return Status{Node: node, State: StateIdle}
}

func (b *statusBoard) begin(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.status[node]
	s.Node = node
	s.State = StateValidating
	s.Attempts++
	s.LastError = ""
	s.UpdatedAt = time.Now()
	b.status[node] = s
}

func (b *statusBoard) set(node string, state State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.status[node]
	s.Node = node
	s.State = state
	s.UpdatedAt = time.Now()
	if err != nil {
		s.LastError = err.Error()
	}
	if state == StateRestarted {
		s.LastApplied = s.UpdatedAt
	}
	b.status[node] = s
}
