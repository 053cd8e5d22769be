package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

// pathCacheTTL is how long a resolved transcript path is trusted before
// being re-resolved; short enough that a session relocated mid-run is
// noticed quickly, long enough to spare repeated watch(groupId) calls a
// stat round-trip.
const pathCacheTTL = 30 * time.Second

// Transcript files appear shortly after the engine announces a session
// id; StartWithRetry polls at this cadence until the watch succeeds.
const (
	monitorStartAttempts   = 20
	monitorStartRetryDelay = 500 * time.Millisecond
)

// PathResolver resolves the well-known transcript file location for an
// engine session id.
type PathResolver struct {
	cache *cache.Cache
}

// NewPathResolver constructs a PathResolver with the package's default
// cache TTL.
func NewPathResolver() *PathResolver {
	return &PathResolver{cache: cache.New(pathCacheTTL, pathCacheTTL*2)}
}

// Resolve returns `{home}/.claude/sessions/{engineSessionID}/transcript.jsonl`,
// caching the result per session id.
func (r *PathResolver) Resolve(engineSessionID string) (string, error) {
	if cached, ok := r.cache.Get(engineSessionID); ok {
		return cached.(string), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	path := filepath.Join(home, ".claude", "sessions", engineSessionID, "transcript.jsonl")
	r.cache.Set(engineSessionID, path, cache.DefaultExpiration)
	return path, nil
}

// SessionMonitor exposes a lazy MonitorEvent sequence for a single
// engine session id: it resolves the transcript path, tails it, and
// pushes each chunk through the JSONL parser, the event parser, and the
// state manager.
type SessionMonitor struct {
	sessionID string
	fs        FileSystem
	clock     ids.Clock
	resolver  *PathResolver
	parser    *JSONLParser
	events    *EventParser
	state     *StateManager

	out chan MonitorEvent

	mu      sync.Mutex
	watcher *Watcher
	bus     *pubsub.Broker[sdkevents.Event]
	groupID string
	queueID string
	stopped bool
}

// NewSessionMonitor constructs a monitor for one engine session id.
func NewSessionMonitor(fs FileSystem, clock ids.Clock, resolver *PathResolver, state *StateManager, sessionID string) *SessionMonitor {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &SessionMonitor{
		sessionID: sessionID,
		fs:        fs,
		clock:     clock,
		resolver:  resolver,
		parser:    NewJSONLParser(),
		events:    NewEventParser(clock, sessionID),
		state:     state,
		out:       make(chan MonitorEvent, 32),
	}
}

// SetBus makes the monitor publish each produced event's session-family
// SDK equivalent on bus, in addition to yielding it on Events(). Call
// before Start.
func (m *SessionMonitor) SetBus(bus *pubsub.Broker[sdkevents.Event]) {
	m.mu.Lock()
	m.bus = bus
	m.mu.Unlock()
}

// SetOwner stamps the owning group and/or queue id onto every SDK event
// the monitor publishes, so resource-filtered consumers (the watch TUI,
// SSE clients) see transcript activity for the resource they follow.
func (m *SessionMonitor) SetOwner(groupID, queueID string) {
	m.mu.Lock()
	m.groupID = groupID
	m.queueID = queueID
	m.mu.Unlock()
}

// Start resolves the transcript path and begins tailing it. Starting a
// monitor that was already stopped is a no-op. The error is retryable:
// the transcript file may not exist yet when the engine first announces
// its session id (see StartWithRetry).
func (m *SessionMonitor) Start() error {
	path, err := m.resolver.Resolve(m.sessionID)
	if err != nil {
		return err
	}

	w := NewWatcher(m.fs, m.clock, path, DefaultWatcherConfig())
	if err := w.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		// Stop already closed out (the watcher field was still nil),
		// so just tear the fresh watcher down.
		m.mu.Unlock()
		w.Stop()
		return nil
	}
	m.watcher = w
	m.mu.Unlock()

	go m.pump(w)
	return nil
}

// StartWithRetry keeps attempting Start in the background until the
// transcript file exists. The engine creates the file shortly after its
// session id first appears on stdout, so early attempts can race the
// file's creation.
func (m *SessionMonitor) StartWithRetry() {
	go func() {
		var err error
		for attempt := 0; attempt < monitorStartAttempts; attempt++ {
			if m.isStopped() {
				return
			}
			if err = m.Start(); err == nil {
				return
			}
			time.Sleep(monitorStartRetryDelay)
		}
		log.Warn(log.CatMonitor, "giving up monitoring session", "sessionId", m.sessionID, "error", err)
		m.Stop()
	}()
}

func (m *SessionMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Events returns the channel of MonitorEvents produced for this
// session. It closes when the underlying watcher terminates and any
// final flushed events have been yielded.
func (m *SessionMonitor) Events() <-chan MonitorEvent {
	return m.out
}

func (m *SessionMonitor) pump(w *Watcher) {
	defer close(m.out)

	for change := range w.Changes() {
		for _, raw := range m.parser.Feed(change.Content) {
			m.dispatch(raw)
		}
	}

	// Watcher terminated: flush whatever partial line remains.
	for _, raw := range m.parser.Flush() {
		m.dispatch(raw)
	}
}

func (m *SessionMonitor) dispatch(raw RawTranscriptEvent) {
	ev, ok := m.events.Parse(raw)
	if !ok {
		return
	}
	m.state.Apply(ev)

	m.mu.Lock()
	bus := m.bus
	groupID, queueID := m.groupID, m.queueID
	m.mu.Unlock()
	if bus != nil {
		if sdkEv, ok := SDKEventFor(ev); ok {
			if groupID != "" {
				sdkEv = sdkEv.WithGroup(groupID)
			}
			if queueID != "" {
				sdkEv = sdkEv.WithQueue(queueID)
			}
			bus.Emit(sdkevents.Topic, sdkEv)
		}
	}

	select {
	case m.out <- ev:
	default:
		log.Warn(log.CatMonitor, "dropping monitor event, consumer too slow", "sessionId", m.sessionID)
	}
}

// Stop idempotently stops tailing and unblocks Events().
func (m *SessionMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	w := m.watcher
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	} else {
		// Never (successfully) started, so no pump exists to close the
		// event channel; close it here to unblock consumers.
		close(m.out)
	}
}

// GroupLoader is the minimal repository capability the Group Monitor
// needs: loading a group's current session list.
type GroupLoader interface {
	GetGroup(ctx context.Context, groupID string) (*model.SessionGroup, error)
}

// GroupMonitor wraps one SessionMonitor per group member that already
// has an engine session id, merging their event streams into one.
type GroupMonitor struct {
	loader   GroupLoader
	fs       FileSystem
	clock    ids.Clock
	resolver *PathResolver
	state    *StateManager

	mu       sync.Mutex
	bus      *pubsub.Broker[sdkevents.Event]
	groupID  string
	children map[string]*SessionMonitor // keyed by group-session id
	out      chan MonitorEvent
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// NewGroupMonitor constructs a GroupMonitor sharing one StateManager
// across every child session monitor it creates.
func NewGroupMonitor(loader GroupLoader, fs FileSystem, clock ids.Clock) *GroupMonitor {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &GroupMonitor{
		loader:   loader,
		fs:       fs,
		clock:    clock,
		resolver: NewPathResolver(),
		state:    NewStateManager(),
		children: make(map[string]*SessionMonitor),
		out:      make(chan MonitorEvent, 64),
		stopCh:   make(chan struct{}),
	}
}

// SetBus makes every child monitor (existing and future) publish its
// events' session-family SDK equivalents on bus.
func (g *GroupMonitor) SetBus(bus *pubsub.Broker[sdkevents.Event]) {
	g.mu.Lock()
	g.bus = bus
	children := make([]*SessionMonitor, 0, len(g.children))
	for _, sm := range g.children {
		children = append(children, sm)
	}
	g.mu.Unlock()
	for _, sm := range children {
		sm.SetBus(bus)
	}
}

// SetGroup stamps groupID onto every child monitor's published SDK
// events, so group-filtered consumers match them. Call before Watch.
func (g *GroupMonitor) SetGroup(groupID string) {
	g.mu.Lock()
	g.groupID = groupID
	g.mu.Unlock()
}

// Watch loads groupID via the repository, filters to sessions that
// already have an engine session id, and starts one SessionMonitor per
// such session.
func (g *GroupMonitor) Watch(ctx context.Context, groupID string) error {
	g.SetGroup(groupID)
	group, err := g.loader.GetGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load group %s: %w", groupID, err)
	}

	for _, s := range group.Sessions {
		if s.EngineSessionID == "" {
			continue
		}
		if err := g.AddSession(s.ID, s.EngineSessionID); err != nil {
			log.Warn(log.CatMonitor, "failed to start session monitor", "sessionId", s.ID, "error", err)
		}
	}
	return nil
}

// AddSession starts an additional child monitor at runtime. Its events
// still flow through the shared state manager.
func (g *GroupMonitor) AddSession(groupSessionID, engineSessionID string) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	if _, exists := g.children[groupSessionID]; exists {
		g.mu.Unlock()
		return nil
	}
	sm := NewSessionMonitor(g.fs, g.clock, g.resolver, g.state, engineSessionID)
	if g.bus != nil {
		sm.SetBus(g.bus)
	}
	sm.SetOwner(g.groupID, "")
	g.children[groupSessionID] = sm
	g.wg.Add(1)
	g.mu.Unlock()

	// Registered before starting so Stop/RemoveSession always find it;
	// the retry covers the window before the engine creates the
	// transcript file.
	sm.StartWithRetry()

	go func() {
		defer g.wg.Done()
		for ev := range sm.Events() {
			select {
			case g.out <- ev:
			case <-g.stopCh:
				return
			}
		}
	}()

	return nil
}

// RemoveEngineSession stops the child monitor tailing engineSessionID.
// Used when a single group member finishes while the rest of the group
// keeps running.
func (g *GroupMonitor) RemoveEngineSession(engineSessionID string) {
	g.mu.Lock()
	var sm *SessionMonitor
	for key, child := range g.children {
		if child.sessionID == engineSessionID {
			sm = child
			delete(g.children, key)
			break
		}
	}
	g.mu.Unlock()
	if sm != nil {
		sm.Stop()
	}
}

// RemoveSession stops one child monitor.
func (g *GroupMonitor) RemoveSession(groupSessionID string) {
	g.mu.Lock()
	sm, ok := g.children[groupSessionID]
	if ok {
		delete(g.children, groupSessionID)
	}
	g.mu.Unlock()
	if ok {
		sm.Stop()
	}
}

// Events returns the merged event stream across every child monitor.
func (g *GroupMonitor) Events() <-chan MonitorEvent {
	return g.out
}

// Stop resolves the shared stop signal (breaking the merge race), then
// stops every child monitor. Idempotent.
func (g *GroupMonitor) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	children := make([]*SessionMonitor, 0, len(g.children))
	for _, sm := range g.children {
		children = append(children, sm)
	}
	g.children = make(map[string]*SessionMonitor)
	g.mu.Unlock()

	close(g.stopCh)
	for _, sm := range children {
		sm.Stop()
	}
	g.wg.Wait()
	// All forwarders have exited, so closing the merged stream is safe
	// and unblocks any consumer ranging over Events().
	close(g.out)
}

// State returns the shared state manager backing every child monitor,
// so callers can query aggregate session state directly.
func (g *GroupMonitor) State() *StateManager {
	return g.state
}
