package sdkevents

import "time"

// NewGroupStarted builds a group.started event.
func NewGroupStarted(ts time.Time, groupID string) Event {
	return New(GroupStarted, ts, nil).WithGroup(groupID)
}

// NewGroupSessionStarted builds a group.session_started event.
func NewGroupSessionStarted(ts time.Time, groupID, sessionID string) Event {
	return New(GroupSessionStarted, ts, GroupSessionStartedData{SessionID: sessionID}).WithGroup(groupID)
}

// NewGroupSessionCompleted builds a group.session_completed event.
func NewGroupSessionCompleted(ts time.Time, groupID, sessionID, status string, durationMs int64) Event {
	return New(GroupSessionCompleted, ts, GroupSessionCompletedData{
		SessionID:  sessionID,
		Status:     status,
		DurationMs: durationMs,
	}).WithGroup(groupID)
}

// NewGroupSessionFailed builds a group.session_failed event.
func NewGroupSessionFailed(ts time.Time, groupID, sessionID, errMsg string) Event {
	return New(GroupSessionFailed, ts, GroupSessionFailedData{SessionID: sessionID, Error: errMsg}).WithGroup(groupID)
}

// NewDependencyResolved builds a group.dependency_resolved event for a
// dependent session newly ready to run.
func NewDependencyResolved(ts time.Time, groupID, sessionID string) Event {
	return New(GroupDependencyResolved, ts, DependencyData{SessionID: sessionID}).WithGroup(groupID)
}

// NewGroupSessionProgress builds a group.session_progress event for a
// single session's status transition within a running group.
func NewGroupSessionProgress(ts time.Time, groupID, sessionID, status string) Event {
	return New(GroupSessionProgress, ts, SessionProgressData{SessionID: sessionID, Status: status}).WithGroup(groupID)
}

// NewDependencyWaiting builds a group.dependency_waiting event for a
// pending session blocked on unresolved dependencies.
func NewDependencyWaiting(ts time.Time, groupID, sessionID string, waitingOn []string) Event {
	return New(GroupDependencyWaiting, ts, DependencyData{SessionID: sessionID, WaitingOn: waitingOn}).WithGroup(groupID)
}

// NewGroupProgress builds a group.group_progress event.
func NewGroupProgress(ts time.Time, groupID string, data GroupProgressData) Event {
	return New(GroupProgress, ts, data).WithGroup(groupID)
}

// NewBudgetWarning builds a group.budget_warning event.
func NewBudgetWarning(ts time.Time, groupID string, costUSD, maxUSD float64) Event {
	return New(GroupBudgetWarning, ts, BudgetWarningData{CostUSD: costUSD, MaxUSD: maxUSD}).WithGroup(groupID)
}

// NewBudgetExceeded builds a group.budget_exceeded event.
func NewBudgetExceeded(ts time.Time, groupID string, costUSD, maxUSD float64, action string) Event {
	return New(GroupBudgetExceeded, ts, BudgetExceededData{
		CostUSD: costUSD,
		MaxUSD:  maxUSD,
		Action:  action,
	}).WithGroup(groupID)
}

// NewGroupPaused builds a group.paused event.
func NewGroupPaused(ts time.Time, groupID, reason string) Event {
	return New(GroupPaused, ts, GroupPausedData{RunningSessions: 0, Reason: reason}).WithGroup(groupID)
}

// NewGroupResumed builds a group.resumed event.
func NewGroupResumed(ts time.Time, groupID string, pendingSessions int) Event {
	return New(GroupResumed, ts, GroupResumedData{PendingSessions: pendingSessions}).WithGroup(groupID)
}

// NewGroupFailed builds a group.failed event.
func NewGroupFailed(ts time.Time, groupID, reason string) Event {
	return New(GroupFailed, ts, GroupFailedData{Reason: reason}).WithGroup(groupID)
}

// NewGroupCompleted builds a group.completed event.
func NewGroupCompleted(ts time.Time, groupID string, completed, failed int, totalCostUSD float64, elapsedMs int64) Event {
	return New(GroupCompleted, ts, GroupCompletedData{
		Completed:    completed,
		Failed:       failed,
		TotalCostUSD: totalCostUSD,
		ElapsedMs:    elapsedMs,
	}).WithGroup(groupID)
}

// NewQueueStarted builds a queue.started event.
func NewQueueStarted(ts time.Time, queueID string) Event {
	return New(QueueStarted, ts, nil).WithQueue(queueID)
}

// NewQueuePaused builds a queue.paused event.
func NewQueuePaused(ts time.Time, queueID string, currentCommandIndex int) Event {
	return New(QueuePaused, ts, QueuePausedData{CurrentCommandIndex: currentCommandIndex}).WithQueue(queueID)
}

// NewQueueResumed builds a queue.resumed event.
func NewQueueResumed(ts time.Time, queueID string, fromCommandIndex int) Event {
	return New(QueueResumed, ts, QueueResumedData{FromCommandIndex: fromCommandIndex}).WithQueue(queueID)
}

// NewQueueStopped builds a queue.stopped event.
func NewQueueStopped(ts time.Time, queueID string) Event {
	return New(QueueStopped, ts, nil).WithQueue(queueID)
}

// NewQueueFailed builds a queue.failed event.
func NewQueueFailed(ts time.Time, queueID string, failedCommandIndex int, errMsg string) Event {
	return New(QueueFailed, ts, QueueFailedData{
		FailedCommandIndex: failedCommandIndex,
		Error:              errMsg,
	}).WithQueue(queueID)
}

// NewQueueCompleted builds a queue.completed event.
func NewQueueCompleted(ts time.Time, queueID string, completed, failed int, totalCostUSD float64, totalDurationMs int64) Event {
	return New(QueueCompleted, ts, QueueCompletedData{
		CompletedCommands: completed,
		FailedCommands:    failed,
		TotalCostUSD:      totalCostUSD,
		TotalDurationMs:   totalDurationMs,
	}).WithQueue(queueID)
}

// NewCommandStarted builds a queue.command_started event.
func NewCommandStarted(ts time.Time, queueID string, index int, prompt, sessionMode string, isNewSession bool) Event {
	return New(QueueCommandStarted, ts, CommandStartedData{
		Index:        index,
		Prompt:       prompt,
		SessionMode:  sessionMode,
		IsNewSession: isNewSession,
	}).WithQueue(queueID)
}

// NewCommandCompleted builds a queue.command_completed event.
func NewCommandCompleted(ts time.Time, queueID string, index int, costUSD float64, engineSessionID string, durationMs int64) Event {
	return New(QueueCommandCompleted, ts, CommandCompletedData{
		Index:           index,
		CostUSD:         costUSD,
		EngineSessionID: engineSessionID,
		DurationMs:      durationMs,
	}).WithQueue(queueID)
}

// NewCommandFailed builds a queue.command_failed event.
func NewCommandFailed(ts time.Time, queueID string, index int, errMsg string, durationMs int64) Event {
	return New(QueueCommandFailed, ts, CommandFailedData{Index: index, Error: errMsg, DurationMs: durationMs}).WithQueue(queueID)
}

// NewSessionMessageReceived builds a session.message_received event.
func NewSessionMessageReceived(ts time.Time, sessionID, role, content string) Event {
	return New(SessionMessageReceived, ts, MessageReceivedData{Role: role, Content: content}).WithSession(sessionID)
}

// NewSessionToolStarted builds a session.tool_started event.
func NewSessionToolStarted(ts time.Time, sessionID, tool string) Event {
	return New(SessionToolStarted, ts, ToolStartedData{Tool: tool}).WithSession(sessionID)
}

// NewSessionToolCompleted builds a session.tool_completed event.
func NewSessionToolCompleted(ts time.Time, sessionID, tool string, durationMs int64) Event {
	return New(SessionToolCompleted, ts, ToolCompletedData{Tool: tool, DurationMs: durationMs}).WithSession(sessionID)
}

// NewSessionTasksUpdated builds a session.tasks_updated event.
func NewSessionTasksUpdated(ts time.Time, sessionID string, tasks []Task) Event {
	return New(SessionTasksUpdated, ts, TasksUpdatedData{Tasks: tasks}).WithSession(sessionID)
}

// NewSessionEnded builds a session.ended event.
func NewSessionEnded(ts time.Time, sessionID, status string) Event {
	return New(SessionEnded, ts, SessionEndedData{Status: status}).WithSession(sessionID)
}

// NewSessionStarted builds a session.started event for a freshly
// captured engine session id. groupSessionID is empty for queue
// sessions.
func NewSessionStarted(ts time.Time, engineSessionID, projectPath, groupSessionID string) Event {
	return New(SessionStarted, ts, SessionStartedData{
		ProjectPath:    projectPath,
		GroupSessionID: groupSessionID,
	}).WithSession(engineSessionID)
}

// NewCommandAdded builds a queue.command_added event.
func NewCommandAdded(ts time.Time, queueID string, index int, prompt, sessionMode string) Event {
	return New(QueueCommandAdded, ts, CommandAddedData{
		Index:       index,
		Prompt:      prompt,
		SessionMode: sessionMode,
	}).WithQueue(queueID)
}

// NewCommandUpdated builds a queue.command_updated event.
func NewCommandUpdated(ts time.Time, queueID string, index int, prompt string) Event {
	return New(QueueCommandUpdated, ts, CommandUpdatedData{Index: index, Prompt: prompt}).WithQueue(queueID)
}

// NewCommandRemoved builds a queue.command_removed event.
func NewCommandRemoved(ts time.Time, queueID string, index int) Event {
	return New(QueueCommandRemoved, ts, CommandRemovedData{Index: index}).WithQueue(queueID)
}

// NewCommandReordered builds a queue.command_reordered event.
func NewCommandReordered(ts time.Time, queueID string, fromIndex, toIndex int) Event {
	return New(QueueCommandReordered, ts, CommandReorderedData{FromIndex: fromIndex, ToIndex: toIndex}).WithQueue(queueID)
}

// NewCommandModeChanged builds a queue.command_mode_changed event.
func NewCommandModeChanged(ts time.Time, queueID string, index int, sessionMode string) Event {
	return New(QueueCommandModeChanged, ts, CommandModeChangedData{Index: index, SessionMode: sessionMode}).WithQueue(queueID)
}
