package watch

import (
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

// SDKEventFor maps a high-level monitor event onto its session-family
// SDK event, so transcript activity reaches the shared bus (and from
// there the SSE stream and the watch TUI). Subagent events have no
// session-family equivalent and map to nothing.
func SDKEventFor(ev MonitorEvent) (sdkevents.Event, bool) {
	switch ev.Kind {
	case MonitorToolStart:
		return sdkevents.NewSessionToolStarted(ev.Timestamp, ev.SessionID, ev.Tool), true
	case MonitorToolEnd:
		return sdkevents.NewSessionToolCompleted(ev.Timestamp, ev.SessionID, ev.Tool, ev.DurationMs), true
	case MonitorMessage:
		return sdkevents.NewSessionMessageReceived(ev.Timestamp, ev.SessionID, ev.Role, ev.Content), true
	case MonitorTaskUpdate:
		tasks := make([]sdkevents.Task, 0, len(ev.Tasks))
		for _, t := range ev.Tasks {
			tasks = append(tasks, sdkevents.Task{Summary: t.Summary, Status: t.Status})
		}
		return sdkevents.NewSessionTasksUpdated(ev.Timestamp, ev.SessionID, tasks), true
	case MonitorSessionEnd:
		return sdkevents.NewSessionEnded(ev.Timestamp, ev.SessionID, ev.Status), true
	}
	return sdkevents.Event{}, false
}
