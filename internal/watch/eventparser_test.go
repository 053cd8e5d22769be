package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ts(sec int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC)
}

func TestEventParser_ToolUse_EmitsToolStart(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "tool_use",
		Timestamp: ts(0),
		Content:   map[string]any{"name": "bash"},
	})

	require.True(t, ok)
	require.Equal(t, MonitorToolStart, ev.Kind)
	require.Equal(t, "bash", ev.Tool)
}

func TestEventParser_ToolResult_ComputesDuration(t *testing.T) {
	p := NewEventParser(nil, "s1")
	p.Parse(RawTranscriptEvent{Type: "tool_use", Timestamp: ts(0), Content: map[string]any{"name": "bash"}})

	ev, ok := p.Parse(RawTranscriptEvent{Type: "tool_result", Timestamp: ts(2), Content: map[string]any{"name": "bash"}})

	require.True(t, ok)
	require.Equal(t, MonitorToolEnd, ev.Kind)
	require.Equal(t, int64(2000), ev.DurationMs)
}

func TestEventParser_ToolResult_WithoutMatchingStart_DurationZero(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{Type: "tool_result", Timestamp: ts(0), Content: map[string]any{"name": "bash"}})

	require.True(t, ok)
	require.Zero(t, ev.DurationMs)
}

func TestEventParser_ToolResult_EarlierThanStart_ClampedToZero(t *testing.T) {
	p := NewEventParser(nil, "s1")
	p.Parse(RawTranscriptEvent{Type: "tool_use", Timestamp: ts(5), Content: map[string]any{"name": "bash"}})

	ev, _ := p.Parse(RawTranscriptEvent{Type: "tool_result", Timestamp: ts(1), Content: map[string]any{"name": "bash"}})

	require.Zero(t, ev.DurationMs)
}

func TestEventParser_Task_SubagentStart(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "task",
		Timestamp: ts(0),
		Content:   map[string]any{"subagent_type": "reviewer", "task_id": "t1"},
	})

	require.True(t, ok)
	require.Equal(t, MonitorSubagentStart, ev.Kind)
	require.Equal(t, "reviewer", ev.AgentType)
	require.Equal(t, "t1", ev.AgentID)
}

func TestEventParser_Task_SubagentEnd_AgentIDFallsBackToUUID(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "task",
		UUID:      "uuid-1",
		Timestamp: ts(0),
		Content:   map[string]any{"status": "completed"},
	})

	require.True(t, ok)
	require.Equal(t, MonitorSubagentEnd, ev.Kind)
	require.Equal(t, "uuid-1", ev.AgentID)
}

func TestEventParser_Task_SubagentEnd_FallsBackToUnknown(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "task",
		Timestamp: ts(0),
		Content:   map[string]any{"status": "failed"},
	})

	require.True(t, ok)
	require.Equal(t, "unknown", ev.AgentID)
}

func TestEventParser_Message_FromStringContent(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{Type: "assistant", Timestamp: ts(0), Content: "hello"})

	require.True(t, ok)
	require.Equal(t, "hello", ev.Content)
	require.Equal(t, "assistant", ev.Role)
}

func TestEventParser_Message_FromTextSubfield(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "user",
		Timestamp: ts(0),
		Content:   map[string]any{"text": "hi there"},
	})

	require.True(t, ok)
	require.Equal(t, "hi there", ev.Content)
	require.Equal(t, "user", ev.Role)
}

func TestEventParser_Message_EmptyContentProducesNoEvent(t *testing.T) {
	p := NewEventParser(nil, "s1")
	_, ok := p.Parse(RawTranscriptEvent{Type: "assistant", Timestamp: ts(0), Content: "   "})

	require.False(t, ok)
}

func TestEventParser_TodoWrite_FiltersInvalidTasks(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "todo_write",
		Timestamp: ts(0),
		Content: []any{
			map[string]any{"summary": "do thing", "status": "running"},
			map[string]any{"summary": "bad status", "status": "nope"},
			map[string]any{"status": "completed"}, // missing summary
			"not even a map",
		},
	})

	require.True(t, ok)
	require.Equal(t, MonitorTaskUpdate, ev.Kind)
	require.Len(t, ev.Tasks, 1)
	require.Equal(t, "do thing", ev.Tasks[0].Summary)
}

func TestEventParser_TodoWrite_AllInvalid_StillEmitsWithEmptyTasks(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{
		Type:      "todo_write",
		Timestamp: ts(0),
		Content:   []any{map[string]any{"summary": "x", "status": "bogus"}},
	})

	require.True(t, ok)
	require.Empty(t, ev.Tasks)
}

func TestEventParser_UnknownType_NoEvent(t *testing.T) {
	p := NewEventParser(nil, "s1")
	_, ok := p.Parse(RawTranscriptEvent{Type: "system", Timestamp: ts(0)})

	require.False(t, ok)
}

func TestEventParser_Reset_ClearsInFlightAndSessionID(t *testing.T) {
	p := NewEventParser(nil, "s1")
	p.Parse(RawTranscriptEvent{Type: "tool_use", Timestamp: ts(0), Content: map[string]any{"name": "bash"}})

	p.Reset("s2")

	ev, _ := p.Parse(RawTranscriptEvent{Type: "tool_result", Timestamp: ts(1), Content: map[string]any{"name": "bash"}})
	require.Equal(t, "s2", ev.SessionID)
	require.Zero(t, ev.DurationMs) // in-flight map was cleared by Reset
}

func TestEventParser_MissingTimestamp_UsesWallClock(t *testing.T) {
	p := NewEventParser(nil, "s1")
	ev, ok := p.Parse(RawTranscriptEvent{Type: "assistant", Content: "hi"})

	require.True(t, ok)
	require.False(t, ev.Timestamp.IsZero())
}
