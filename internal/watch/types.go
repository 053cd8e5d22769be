// Package watch implements the transcript-tailing pipeline: the
// Transcript Watcher (file tailing), the JSONL Stream Parser, the Event
// Parser, the State Manager, and the Session/Group Monitor that wires
// them together into a per-session and per-group lazy event sequence.
package watch

import "time"

// RawTranscriptEvent is one parsed line from an engine transcript file.
type RawTranscriptEvent struct {
	Type      string         `json:"type"`
	UUID      string         `json:"uuid,omitempty"`
	Timestamp time.Time      `json:"-"`
	Content   any            `json:"content,omitempty"`
	Raw       map[string]any `json:"-"`
}

// MonitorEventKind tags one member of the high-level monitor event
// union produced by the Event Parser.
type MonitorEventKind string

const (
	MonitorToolStart     MonitorEventKind = "tool_start"
	MonitorToolEnd       MonitorEventKind = "tool_end"
	MonitorSubagentStart MonitorEventKind = "subagent_start"
	MonitorSubagentEnd   MonitorEventKind = "subagent_end"
	MonitorMessage       MonitorEventKind = "message"
	MonitorTaskUpdate    MonitorEventKind = "task_update"
	MonitorSessionEnd    MonitorEventKind = "session_end"
)

// TaskEntry is one entry of a task_update monitor event's task list.
type TaskEntry struct {
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// MonitorEvent is the high-level event yielded by the Event Parser and
// consumed by the State Manager and the Session Monitor.
type MonitorEvent struct {
	Kind      MonitorEventKind
	SessionID string
	Timestamp time.Time

	Tool       string // tool_start, tool_end
	DurationMs int64  // tool_end

	AgentID     string // subagent_start, subagent_end
	AgentType   string // subagent_start
	Description string // subagent_start
	Status      string // subagent_end, session_end

	Role    string // message
	Content string // message

	Tasks []TaskEntry // task_update
}
