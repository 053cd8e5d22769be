package watch

import (
	"strings"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/ids"
)

// EventParser translates RawTranscriptEvents into MonitorEvents. It is
// stateless apart from a small in-flight tool-invocation map (used to
// compute tool_end durations) and the session id attached to the
// events it produces.
type EventParser struct {
	clock     ids.Clock
	sessionID string
	inFlight  map[string]time.Time
}

// NewEventParser constructs a parser for sessionID.
func NewEventParser(clock ids.Clock, sessionID string) *EventParser {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &EventParser{
		clock:     clock,
		sessionID: sessionID,
		inFlight:  make(map[string]time.Time),
	}
}

// Reset clears the in-flight map and attaches subsequent events to
// newSessionID.
func (p *EventParser) Reset(newSessionID string) {
	p.sessionID = newSessionID
	p.inFlight = make(map[string]time.Time)
}

// Parse dispatches raw by its Type field, returning the high-level
// event it produces, or ok=false if the raw event yields none.
func (p *EventParser) Parse(raw RawTranscriptEvent) (MonitorEvent, bool) {
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = p.clock.Now()
	}

	switch raw.Type {
	case "tool_use":
		return p.parseToolUse(raw, ts)
	case "tool_result":
		return p.parseToolResult(raw, ts)
	case "task":
		return p.parseTask(raw, ts)
	case "user", "assistant":
		return p.parseMessage(raw, ts)
	case "todo_write":
		return p.parseTaskUpdate(raw, ts)
	default:
		return MonitorEvent{}, false
	}
}

func contentMap(content any) map[string]any {
	m, _ := content.(map[string]any)
	return m
}

func toolName(content any) string {
	m := contentMap(content)
	if name, ok := m["name"].(string); ok {
		return name
	}
	if name, ok := m["tool"].(string); ok {
		return name
	}
	return "unknown"
}

func (p *EventParser) parseToolUse(raw RawTranscriptEvent, ts time.Time) (MonitorEvent, bool) {
	name := toolName(raw.Content)
	p.inFlight[name] = ts
	return MonitorEvent{
		Kind:      MonitorToolStart,
		SessionID: p.sessionID,
		Timestamp: ts,
		Tool:      name,
	}, true
}

func (p *EventParser) parseToolResult(raw RawTranscriptEvent, ts time.Time) (MonitorEvent, bool) {
	name := toolName(raw.Content)
	var durationMs int64
	if start, ok := p.inFlight[name]; ok {
		d := ts.Sub(start).Milliseconds()
		if d > 0 {
			durationMs = d
		}
		delete(p.inFlight, name)
	}
	return MonitorEvent{
		Kind:       MonitorToolEnd,
		SessionID:  p.sessionID,
		Timestamp:  ts,
		Tool:       name,
		DurationMs: durationMs,
	}, true
}

func (p *EventParser) parseTask(raw RawTranscriptEvent, ts time.Time) (MonitorEvent, bool) {
	m := contentMap(raw.Content)

	if subagentType, ok := m["subagent_type"].(string); ok {
		return MonitorEvent{
			Kind:        MonitorSubagentStart,
			SessionID:   p.sessionID,
			Timestamp:   ts,
			AgentID:     p.agentID(m, raw),
			AgentType:   subagentType,
			Description: stringOr(m["description"], ""),
		}, true
	}

	if status, ok := m["status"].(string); ok && (status == "completed" || status == "failed") {
		return MonitorEvent{
			Kind:      MonitorSubagentEnd,
			SessionID: p.sessionID,
			Timestamp: ts,
			AgentID:   p.agentID(m, raw),
			Status:    status,
		}, true
	}

	return MonitorEvent{}, false
}

func (p *EventParser) agentID(m map[string]any, raw RawTranscriptEvent) string {
	if taskID, ok := m["task_id"].(string); ok && taskID != "" {
		return taskID
	}
	if raw.UUID != "" {
		return raw.UUID
	}
	return "unknown"
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func (p *EventParser) parseMessage(raw RawTranscriptEvent, ts time.Time) (MonitorEvent, bool) {
	content := extractMessageContent(raw.Content)
	if strings.TrimSpace(content) == "" {
		return MonitorEvent{}, false
	}

	role := "assistant"
	if raw.Type == "user" {
		role = "user"
	}

	return MonitorEvent{
		Kind:      MonitorMessage,
		SessionID: p.sessionID,
		Timestamp: ts,
		Role:      role,
		Content:   content,
	}, true
}

func extractMessageContent(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	if m, ok := content.(map[string]any); ok {
		if text, ok := m["text"].(string); ok {
			return text
		}
	}
	return ""
}

func (p *EventParser) parseTaskUpdate(raw RawTranscriptEvent, ts time.Time) (MonitorEvent, bool) {
	items, _ := raw.Content.([]any)
	var tasks []TaskEntry
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		summary, ok := m["summary"].(string)
		if !ok {
			continue
		}
		status, ok := m["status"].(string)
		if !ok || (status != "running" && status != "completed" && status != "error") {
			continue
		}
		tasks = append(tasks, TaskEntry{Summary: summary, Status: status})
	}

	return MonitorEvent{
		Kind:      MonitorTaskUpdate,
		SessionID: p.sessionID,
		Timestamp: ts,
		Tasks:     tasks,
	}, true
}
