package watch

import (
	"sync"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/ids"
)

// ActiveTool is one tool invocation currently in flight for a session.
type ActiveTool struct {
	Tool      string
	StartedAt time.Time
}

// Subagent is one subagent's tracked lifecycle within a session.
type Subagent struct {
	AgentID     string
	AgentType   string
	Description string
	Status      string
	StartedAt   time.Time
	EndedAt     *time.Time
}

// TaskRecord is one entry in a session's current task list.
type TaskRecord struct {
	ID      string
	Summary string
	Status  string
}

// SessionState is the per-session aggregate maintained by the State
// Manager.
type SessionState struct {
	SessionID    string
	ActiveTools  map[string]ActiveTool
	Subagents    map[string]Subagent
	Tasks        map[string]TaskRecord
	MessageCount int
	LastUpdated  time.Time
}

func newSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:   sessionID,
		ActiveTools: make(map[string]ActiveTool),
		Subagents:   make(map[string]Subagent),
		Tasks:       make(map[string]TaskRecord),
	}
}

// StateManager maintains one SessionState per session id, updated by
// high-level monitor events from the Event Parser.
type StateManager struct {
	mu       sync.Mutex
	sessions map[string]*SessionState
}

// NewStateManager constructs an empty StateManager.
func NewStateManager() *StateManager {
	return &StateManager{sessions: make(map[string]*SessionState)}
}

func (m *StateManager) stateFor(sessionID string) *SessionState {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = newSessionState(sessionID)
		m.sessions[sessionID] = s
	}
	return s
}

// Apply updates the aggregate for ev.SessionID according to ev.Kind and
// refreshes LastUpdated to ev.Timestamp.
func (m *StateManager) Apply(ev MonitorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateFor(ev.SessionID)
	defer func() { state.LastUpdated = ev.Timestamp }()

	switch ev.Kind {
	case MonitorToolStart:
		state.ActiveTools[ev.Tool] = ActiveTool{Tool: ev.Tool, StartedAt: ev.Timestamp}
	case MonitorToolEnd:
		delete(state.ActiveTools, ev.Tool)
	case MonitorSubagentStart:
		state.Subagents[ev.AgentID] = Subagent{
			AgentID:     ev.AgentID,
			AgentType:   ev.AgentType,
			Description: ev.Description,
			Status:      "running",
			StartedAt:   ev.Timestamp,
		}
	case MonitorSubagentEnd:
		existing, ok := state.Subagents[ev.AgentID]
		endedAt := ev.Timestamp
		if !ok {
			existing = Subagent{
				AgentID:   ev.AgentID,
				AgentType: "unknown",
				StartedAt: endedAt,
			}
		}
		existing.Status = ev.Status
		existing.EndedAt = &endedAt
		state.Subagents[ev.AgentID] = existing
	case MonitorMessage:
		state.MessageCount++
	case MonitorTaskUpdate:
		tasks := make(map[string]TaskRecord, len(ev.Tasks))
		for i, t := range ev.Tasks {
			id := ids.TaskID(i)
			tasks[id] = TaskRecord{ID: id, Summary: t.Summary, Status: t.Status}
		}
		state.Tasks = tasks
	case MonitorSessionEnd:
		// LastUpdated refresh handled by the deferred assignment above.
	}
}

// GetSessionState returns a snapshot of the aggregate for sessionID, or
// nil if nothing has been recorded for it yet.
func (m *StateManager) GetSessionState(sessionID string) *SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// GetActiveTools returns the active-tool map for sessionID.
func (m *StateManager) GetActiveTools(sessionID string) map[string]ActiveTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.ActiveTools
}

// GetActiveSubagents returns subagents with status == "running".
func (m *StateManager) GetActiveSubagents(sessionID string) []Subagent {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	var active []Subagent
	for _, a := range s.Subagents {
		if a.Status == "running" {
			active = append(active, a)
		}
	}
	return active
}

// GetAllTasks returns every task currently tracked for sessionID.
func (m *StateManager) GetAllTasks(sessionID string) []TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	tasks := make([]TaskRecord, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// GetTaskByID returns one task by its synthetic id.
func (m *StateManager) GetTaskByID(sessionID, taskID string) (TaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return TaskRecord{}, false
	}
	t, ok := s.Tasks[taskID]
	return t, ok
}

// Reset drops every tracked session.
func (m *StateManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*SessionState)
}

// ClearSession drops the aggregate for a single session id.
func (m *StateManager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
