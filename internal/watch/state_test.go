package watch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateManager_ToolStartThenEnd(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorToolStart, SessionID: "s1", Tool: "bash", Timestamp: ts(0)})

	require.Len(t, m.GetActiveTools("s1"), 1)

	m.Apply(MonitorEvent{Kind: MonitorToolEnd, SessionID: "s1", Tool: "bash", Timestamp: ts(1)})
	require.Empty(t, m.GetActiveTools("s1"))
}

func TestStateManager_SubagentStartThenEnd(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorSubagentStart, SessionID: "s1", AgentID: "a1", AgentType: "reviewer", Timestamp: ts(0)})
	m.Apply(MonitorEvent{Kind: MonitorSubagentEnd, SessionID: "s1", AgentID: "a1", Status: "completed", Timestamp: ts(1)})

	active := m.GetActiveSubagents("s1")
	require.Empty(t, active)

	state := m.GetSessionState("s1")
	require.Equal(t, "completed", state.Subagents["a1"].Status)
	require.NotNil(t, state.Subagents["a1"].EndedAt)
}

func TestStateManager_SubagentEnd_WithoutStart_SynthesizesEntry(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorSubagentEnd, SessionID: "s1", AgentID: "a1", Status: "failed", Timestamp: ts(5)})

	state := m.GetSessionState("s1")
	a := state.Subagents["a1"]
	require.Equal(t, "unknown", a.AgentType)
	require.Empty(t, a.Description)
	require.Equal(t, a.StartedAt, *a.EndedAt)
}

func TestStateManager_Message_IncrementsCount(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorMessage, SessionID: "s1", Timestamp: ts(0)})
	m.Apply(MonitorEvent{Kind: MonitorMessage, SessionID: "s1", Timestamp: ts(1)})

	require.Equal(t, 2, m.GetSessionState("s1").MessageCount)
}

func TestStateManager_TaskUpdate_ReplacesPriorSet(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorTaskUpdate, SessionID: "s1", Timestamp: ts(0), Tasks: []TaskEntry{
		{Summary: "first", Status: "running"},
	}})
	m.Apply(MonitorEvent{Kind: MonitorTaskUpdate, SessionID: "s1", Timestamp: ts(1), Tasks: []TaskEntry{
		{Summary: "second", Status: "completed"},
	}})

	tasks := m.GetAllTasks("s1")
	require.Len(t, tasks, 1)
	require.Equal(t, "second", tasks[0].Summary)
	require.Equal(t, "task-0", tasks[0].ID)
}

func TestStateManager_GetTaskByID(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorTaskUpdate, SessionID: "s1", Timestamp: ts(0), Tasks: []TaskEntry{
		{Summary: "a", Status: "running"},
		{Summary: "b", Status: "completed"},
	}})

	task, ok := m.GetTaskByID("s1", "task-1")
	require.True(t, ok)
	require.Equal(t, "b", task.Summary)

	_, ok = m.GetTaskByID("s1", "task-99")
	require.False(t, ok)
}

func TestStateManager_SessionEnd_OnlyUpdatesTimestamp(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorMessage, SessionID: "s1", Timestamp: ts(0)})
	m.Apply(MonitorEvent{Kind: MonitorSessionEnd, SessionID: "s1", Timestamp: ts(5), Status: "completed"})

	state := m.GetSessionState("s1")
	require.Equal(t, 1, state.MessageCount)
	require.Equal(t, ts(5), state.LastUpdated)
}

func TestStateManager_ClearSession(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorMessage, SessionID: "s1", Timestamp: ts(0)})
	m.ClearSession("s1")

	require.Nil(t, m.GetSessionState("s1"))
}

func TestStateManager_Reset_DropsAllSessions(t *testing.T) {
	m := NewStateManager()
	m.Apply(MonitorEvent{Kind: MonitorMessage, SessionID: "s1", Timestamp: ts(0)})
	m.Apply(MonitorEvent{Kind: MonitorMessage, SessionID: "s2", Timestamp: ts(0)})

	m.Reset()

	require.Nil(t, m.GetSessionState("s1"))
	require.Nil(t, m.GetSessionState("s2"))
}
