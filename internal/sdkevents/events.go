// Package sdkevents defines the tagged-union event payloads carried on
// the event bus (internal/pubsub) and fanned out over SSE. Every Event
// carries an explicit Type tag rather than relying on Go's type system,
// so a single pubsub.Broker[Event] and a single SSE filter can reason
// about all three families uniformly.
package sdkevents

import (
	"time"

	"github.com/dpaulsen/sessionrunner/internal/pubsub"
)

// Topic is the single pubsub topic every Event is emitted on. Event
// family/kind is carried in Event.Type, not in the bus key, so one
// subscription sees the whole union; callers narrow by checking
// Event.Type themselves (see Event.MatchesIDs for resource filtering).
const Topic pubsub.EventType = "sdk-event"

// Type tags one member of the session/group/queue event union.
type Type string

// Session family.
const (
	SessionStarted        Type = "session.started"
	SessionEnded           Type = "session.ended"
	SessionMessageReceived Type = "session.message_received"
	SessionToolStarted     Type = "session.tool_started"
	SessionToolCompleted   Type = "session.tool_completed"
	SessionTasksUpdated    Type = "session.tasks_updated"
)

// Group family.
const (
	GroupCreated            Type = "group.created"
	GroupStarted            Type = "group.started"
	GroupCompleted          Type = "group.completed"
	GroupPaused             Type = "group.paused"
	GroupResumed            Type = "group.resumed"
	GroupFailed             Type = "group.failed"
	GroupSessionStarted     Type = "group.session_started"
	GroupSessionCompleted   Type = "group.session_completed"
	GroupSessionFailed      Type = "group.session_failed"
	GroupBudgetWarning      Type = "group.budget_warning"
	GroupBudgetExceeded     Type = "group.budget_exceeded"
	GroupDependencyWaiting  Type = "group.dependency_waiting"
	GroupDependencyResolved Type = "group.dependency_resolved"
	GroupSessionProgress    Type = "group.session_progress"
	GroupProgress           Type = "group.group_progress"
)

// Queue family.
const (
	QueueCreated          Type = "queue.created"
	QueueStarted          Type = "queue.started"
	QueuePaused           Type = "queue.paused"
	QueueResumed          Type = "queue.resumed"
	QueueStopped          Type = "queue.stopped"
	QueueCompleted        Type = "queue.completed"
	QueueFailed           Type = "queue.failed"
	QueueCommandStarted   Type = "queue.command_started"
	QueueCommandCompleted Type = "queue.command_completed"
	QueueCommandFailed    Type = "queue.command_failed"
	QueueCommandAdded     Type = "queue.command_added"
	QueueCommandUpdated   Type = "queue.command_updated"
	QueueCommandRemoved   Type = "queue.command_removed"
	QueueCommandReordered Type = "queue.command_reordered"
	QueueCommandModeChanged Type = "queue.command_mode_changed"
)

// Event is the single bus payload shape for every event type above.
// SessionID/GroupID/QueueID are populated according to which resource
// the event concerns; the SSE filter matches against whichever of
// these is non-empty. Data carries the type-specific fields.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	GroupID   string    `json:"groupId,omitempty"`
	QueueID   string    `json:"queueId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// New constructs an Event with the given type and timestamp, leaving
// resource ids to be set via the With* helpers.
func New(t Type, ts time.Time, data any) Event {
	return Event{Type: t, Timestamp: ts, Data: data}
}

// WithSession returns a copy of e with SessionID set.
func (e Event) WithSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// WithGroup returns a copy of e with GroupID set.
func (e Event) WithGroup(groupID string) Event {
	e.GroupID = groupID
	return e
}

// WithQueue returns a copy of e with QueueID set.
func (e Event) WithQueue(queueID string) Event {
	e.QueueID = queueID
	return e
}

// MatchesIDs reports whether each non-empty argument equals e's field of
// the same kind (sessionID against SessionID, and so on). An empty
// argument always matches (no filter clause).
func (e Event) MatchesIDs(sessionID, groupID, queueID string) bool {
	if sessionID != "" && e.SessionID != sessionID {
		return false
	}
	if groupID != "" && e.GroupID != groupID {
		return false
	}
	if queueID != "" && e.QueueID != queueID {
		return false
	}
	return true
}

// --- Session family payloads ---

type SessionStartedData struct {
	ProjectPath string `json:"projectPath"`
	// GroupSessionID is the owning group-member session id when the
	// engine session belongs to a group run; empty for queue sessions.
	GroupSessionID string `json:"groupSessionId,omitempty"`
}

type SessionEndedData struct {
	Status string `json:"status"`
}

type MessageReceivedData struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolStartedData struct {
	Tool string `json:"tool"`
}

type ToolCompletedData struct {
	Tool       string `json:"tool"`
	DurationMs int64  `json:"durationMs"`
}

type Task struct {
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

type TasksUpdatedData struct {
	Tasks []Task `json:"tasks"`
}

// --- Group family payloads ---

type GroupSessionStartedData struct {
	SessionID string `json:"sessionId"`
}

type GroupSessionCompletedData struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

type GroupSessionFailedData struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

type BudgetWarningData struct {
	CostUSD float64 `json:"costUsd"`
	MaxUSD  float64 `json:"maxUsd"`
}

type BudgetExceededData struct {
	CostUSD float64 `json:"costUsd"`
	MaxUSD  float64 `json:"maxUsd"`
	Action  string  `json:"action"`
}

type DependencyData struct {
	SessionID string   `json:"sessionId"`
	WaitingOn []string  `json:"waitingOn,omitempty"`
}

type SessionProgressData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type GroupProgressData struct {
	Completed int     `json:"completed"`
	Running   int     `json:"running"`
	Pending   int     `json:"pending"`
	Failed    int     `json:"failed"`
	CostUSD   float64 `json:"costUsd"`
}

type GroupCompletedData struct {
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	ElapsedMs   int64   `json:"elapsedMs"`
}

type GroupPausedData struct {
	RunningSessions int    `json:"runningSessions"`
	Reason          string `json:"reason"`
}

type GroupResumedData struct {
	PendingSessions int `json:"pendingSessions"`
}

type GroupFailedData struct {
	Reason string `json:"reason"`
}

// --- Queue family payloads ---

type CommandStartedData struct {
	Index        int    `json:"index"`
	Prompt       string `json:"prompt"`
	SessionMode  string `json:"sessionMode"`
	IsNewSession bool   `json:"isNewSession"`
}

type CommandCompletedData struct {
	Index           int     `json:"index"`
	CostUSD         float64 `json:"costUsd"`
	EngineSessionID string  `json:"engineSessionId"`
	DurationMs      int64   `json:"durationMs"`
}

type CommandFailedData struct {
	Index      int    `json:"index"`
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
}

type QueuePausedData struct {
	CurrentCommandIndex int `json:"currentCommandIndex"`
}

type QueueResumedData struct {
	FromCommandIndex int `json:"fromCommandIndex"`
}

type QueueFailedData struct {
	FailedCommandIndex int    `json:"failedCommandIndex"`
	Error              string `json:"error"`
}

type QueueCompletedData struct {
	CompletedCommands int     `json:"completedCommands"`
	FailedCommands    int     `json:"failedCommands"`
	TotalCostUSD      float64 `json:"totalCostUsd"`
	TotalDurationMs   int64   `json:"totalDurationMs"`
}

type CommandAddedData struct {
	Index       int    `json:"index"`
	Prompt      string `json:"prompt"`
	SessionMode string `json:"sessionMode"`
}

type CommandUpdatedData struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
}

type CommandRemovedData struct {
	Index int `json:"index"`
}

type CommandReorderedData struct {
	FromIndex int `json:"fromIndex"`
	ToIndex   int `json:"toIndex"`
}

type CommandModeChangedData struct {
	Index       int    `json:"index"`
	SessionMode string `json:"sessionMode"`
}
