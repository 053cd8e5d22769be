package watch

import (
	"context"
	"sync"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

// MonitorHub turns runner lifecycle events into live transcript
// monitoring. It listens on the bus for session.started announcements
// and starts a monitor per engine session (grouped under a GroupMonitor
// for group runs), so transcript activity flows back onto the same bus
// as session-family events for SSE clients and the watch TUI. Monitors
// are torn down when their session, group, or queue reaches a terminal
// event.
type MonitorHub struct {
	loader GroupLoader
	fs     FileSystem
	clock  ids.Clock
	bus    *pubsub.Broker[sdkevents.Event]

	mu            sync.Mutex
	groups        map[string]*GroupMonitor
	queueSessions map[string]*SessionMonitor // queueID -> active session monitor
	sub           pubsub.Subscription
	started       bool
	stopped       bool
}

// NewMonitorHub constructs a hub. Call Start to begin reacting to bus
// events.
func NewMonitorHub(loader GroupLoader, fs FileSystem, clock ids.Clock, bus *pubsub.Broker[sdkevents.Event]) *MonitorHub {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &MonitorHub{
		loader:        loader,
		fs:            fs,
		clock:         clock,
		bus:           bus,
		groups:        make(map[string]*GroupMonitor),
		queueSessions: make(map[string]*SessionMonitor),
	}
}

// Start subscribes the hub to the bus. Idempotent.
func (h *MonitorHub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.stopped {
		return
	}
	h.started = true
	h.sub = h.bus.Subscribe(sdkevents.Topic, h.handle)
}

func (h *MonitorHub) handle(ev sdkevents.Event) {
	switch ev.Type {
	case sdkevents.SessionStarted:
		data, ok := ev.Data.(sdkevents.SessionStartedData)
		if !ok {
			return
		}
		switch {
		case ev.GroupID != "":
			h.addGroupSession(ev.GroupID, data.GroupSessionID, ev.SessionID)
		case ev.QueueID != "":
			h.startQueueSession(ev.QueueID, ev.SessionID)
		}
	case sdkevents.SessionEnded:
		switch {
		case ev.QueueID != "":
			h.stopQueueSession(ev.QueueID, ev.SessionID)
		case ev.GroupID != "":
			h.stopGroupSession(ev.GroupID, ev.SessionID)
		}
	case sdkevents.GroupCompleted, sdkevents.GroupFailed:
		h.stopGroup(ev.GroupID)
	case sdkevents.QueueCompleted, sdkevents.QueueFailed, sdkevents.QueueStopped:
		h.stopQueueSession(ev.QueueID, "")
	}
}

func (h *MonitorHub) addGroupSession(groupID, groupSessionID, engineSessionID string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	gm, ok := h.groups[groupID]
	if !ok {
		gm = NewGroupMonitor(h.loader, h.fs, h.clock)
		gm.SetBus(h.bus)
		gm.SetGroup(groupID)
		h.groups[groupID] = gm
		go func() {
			// Drain the merged stream; consumers read the bus.
			for range gm.Events() {
			}
		}()
	}
	h.mu.Unlock()

	if !ok {
		// Pick up any sessions that already had engine ids before the
		// hub saw this group (a resumed run).
		if err := gm.Watch(context.Background(), groupID); err != nil {
			log.Warn(log.CatMonitor, "group monitor watch failed", "groupId", groupID, "error", err)
		}
	}
	if groupSessionID == "" {
		groupSessionID = engineSessionID
	}
	if err := gm.AddSession(groupSessionID, engineSessionID); err != nil {
		log.Warn(log.CatMonitor, "failed to monitor group session", "groupId", groupID, "sessionId", engineSessionID, "error", err)
	}
}

func (h *MonitorHub) startQueueSession(queueID, engineSessionID string) {
	sm := NewSessionMonitor(h.fs, h.clock, NewPathResolver(), NewStateManager(), engineSessionID)
	sm.SetBus(h.bus)
	sm.SetOwner("", queueID)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	prev := h.queueSessions[queueID]
	h.queueSessions[queueID] = sm
	h.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	// Registered before starting so terminal events always find it;
	// the retry covers the window before the engine creates the
	// transcript file.
	sm.StartWithRetry()
	go func() {
		// Drain so the monitor's own channel never backs up; consumers
		// get the session-family events from the bus instead.
		for range sm.Events() {
		}
	}()
}

// stopQueueSession stops the queue's active monitor. An empty
// engineSessionID matches whatever is active (terminal queue events
// don't carry a session id).
func (h *MonitorHub) stopQueueSession(queueID, engineSessionID string) {
	h.mu.Lock()
	sm, ok := h.queueSessions[queueID]
	if ok && (engineSessionID == "" || sm.sessionID == engineSessionID) {
		delete(h.queueSessions, queueID)
	} else {
		sm = nil
	}
	h.mu.Unlock()
	if sm != nil {
		sm.Stop()
	}
}

// stopGroupSession tears down one finished group member's monitor while
// the rest of the group keeps running.
func (h *MonitorHub) stopGroupSession(groupID, engineSessionID string) {
	h.mu.Lock()
	gm := h.groups[groupID]
	h.mu.Unlock()
	if gm != nil {
		gm.RemoveEngineSession(engineSessionID)
	}
}

func (h *MonitorHub) stopGroup(groupID string) {
	h.mu.Lock()
	gm, ok := h.groups[groupID]
	if ok {
		delete(h.groups, groupID)
	}
	h.mu.Unlock()
	if ok {
		gm.Stop()
	}
}

// Stop unsubscribes from the bus and tears down every monitor.
// Idempotent.
func (h *MonitorHub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	sub := h.sub
	groups := h.groups
	queueSessions := h.queueSessions
	h.groups = make(map[string]*GroupMonitor)
	h.queueSessions = make(map[string]*SessionMonitor)
	h.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	for _, gm := range groups {
		gm.Stop()
	}
	for _, sm := range queueSessions {
		sm.Stop()
	}
}
