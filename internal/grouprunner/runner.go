// Package grouprunner implements the Session Group Runner: a bounded
// worker pool that executes a dependency-ordered batch of engine
// invocations against a session group, with budget gating and
// pause/resume/stop lifecycle control.
package grouprunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/configgen"
	"github.com/dpaulsen/sessionrunner/internal/costextract"
	"github.com/dpaulsen/sessionrunner/internal/depgraph"
	"github.com/dpaulsen/sessionrunner/internal/engine"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/progress"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/repository"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
	"github.com/dpaulsen/sessionrunner/internal/telemetry"
	"github.com/dpaulsen/sessionrunner/internal/watch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is the Group Runner's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
)

// PauseReason names why a running group transitioned to paused.
type PauseReason string

const (
	PauseManual         PauseReason = "manual"
	PauseBudgetExceeded PauseReason = "budget_exceeded"
	PauseErrorThreshold PauseReason = "error_threshold"
)

var (
	// ErrAlreadyRunning is returned by Run when the runner isn't idle.
	ErrAlreadyRunning = errors.New("grouprunner: already running")
	// ErrNotRunning is returned by Pause/Stop when the runner isn't
	// in a state that precondition permits.
	ErrNotRunning = errors.New("grouprunner: not running")
	// ErrNotPaused is returned by Resume when the runner isn't paused.
	ErrNotPaused = errors.New("grouprunner: not paused")
)

// Overrides are caller-supplied options for one Run call; a nil field
// falls through to the group's own config, then to DefaultOptions.
type Overrides struct {
	MaxConcurrent       *int
	RespectDependencies *bool
	PauseOnError        *bool
	ErrorThreshold       *int
	Resume              *bool
}

// Options is the Group Runner's fully-resolved per-run configuration.
type Options struct {
	MaxConcurrent       int
	RespectDependencies bool
	PauseOnError        bool
	ErrorThreshold       int
	Resume              bool
}

// DefaultOptions returns the hard-coded defaults merged under any group
// config and caller overrides.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:       3,
		RespectDependencies: true,
		PauseOnError:        true,
		ErrorThreshold:       2,
		Resume:              false,
	}
}

func mergeOptions(cfg model.GroupConfig, overrides Overrides) Options {
	opts := DefaultOptions()

	if cfg.MaxConcurrent > 0 {
		opts.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.PauseOnError != nil {
		opts.PauseOnError = *cfg.PauseOnError
	}
	if cfg.ErrorThreshold > 0 {
		opts.ErrorThreshold = cfg.ErrorThreshold
	}
	if cfg.RespectDependencies != nil {
		opts.RespectDependencies = *cfg.RespectDependencies
	}

	if overrides.MaxConcurrent != nil {
		opts.MaxConcurrent = *overrides.MaxConcurrent
	}
	if overrides.RespectDependencies != nil {
		opts.RespectDependencies = *overrides.RespectDependencies
	}
	if overrides.PauseOnError != nil {
		opts.PauseOnError = *overrides.PauseOnError
	}
	if overrides.ErrorThreshold != nil {
		opts.ErrorThreshold = *overrides.ErrorThreshold
	}
	if overrides.Resume != nil {
		opts.Resume = *overrides.Resume
	}
	return opts
}

type worker struct {
	session   model.Session
	process   engine.ProcessHandle
	startedAt time.Time
}

type completion struct {
	sessionID string
	exitCode  int
	err       error
}

// Runner executes one session group at a time. A Runner instance isn't
// meant to be reused across concurrent groups; construct one per
// in-flight group (mirroring the Queue Runner's one-queue-one-runner
// shape).
type Runner struct {
	groups        repository.GroupRepository
	processes     engine.ProcessManager
	bus           *pubsub.Broker[sdkevents.Event]
	clock         ids.Clock
	configGen     configgen.ConfigGenerator
	costExtractor costextract.Extractor
	engineName    string
	tracer        trace.Tracer

	mu              sync.Mutex
	state           State
	pauseReason     PauseReason
	options         Options
	group           *model.SessionGroup
	graph           *depgraph.Graph
	aggregator      *progress.Aggregator
	workers         map[string]*worker
	pausedSessions  []string
	resultsCh       chan completion
	interruptCh     chan struct{}
	interruptClosed bool
	interrupting    bool
	failureCount    int
	warningEmitted  bool
	waitingEmitted  map[string]bool
	engineSessions  map[string]string // group-session id -> captured engine session id
}

// New constructs a Runner. A nil clock defaults to the system clock; a
// nil costExtractor defaults to costextract.Default.
func New(
	groups repository.GroupRepository,
	processes engine.ProcessManager,
	bus *pubsub.Broker[sdkevents.Event],
	clock ids.Clock,
	configGen configgen.ConfigGenerator,
	costExtractor costextract.Extractor,
	engineName string,
) *Runner {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	if costExtractor == nil {
		costExtractor = costextract.Default
	}
	if engineName == "" {
		engineName = "claude"
	}
	return &Runner{
		groups:        groups,
		processes:     processes,
		bus:           bus,
		clock:         clock,
		configGen:     configGen,
		costExtractor: costExtractor,
		engineName:    engineName,
		tracer:        telemetry.Tracer(),
		state:         StateIdle,
	}
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run executes group to completion, pause, or stop. It blocks until the
// run reaches a terminal point for this call (completed, paused, or
// stopped); Resume re-enters the same loop. Run fails synchronously,
// without touching persisted state, if the runner isn't idle or the
// sessions form a dependency cycle.
func (r *Runner) Run(ctx context.Context, group model.SessionGroup, overrides Overrides) error {
	r.mu.Lock()
	if r.state != StateIdle && r.state != "" {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.mu.Unlock()

	graph, err := depgraph.New(group.Sessions)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	local := group
	local.Status = model.GroupRunning
	local.StartedAt = &now

	r.mu.Lock()
	r.options = mergeOptions(group.Config, overrides)
	r.group = &local
	r.graph = graph
	r.aggregator = progress.New(now)
	r.state = StateRunning
	r.workers = make(map[string]*worker)
	r.pausedSessions = nil
	r.resultsCh = make(chan completion, maxInt(r.options.MaxConcurrent, 1))
	r.interruptCh = make(chan struct{})
	r.interruptClosed = false
	r.interrupting = false
	r.failureCount = 0
	r.warningEmitted = false
	r.waitingEmitted = make(map[string]bool)
	r.engineSessions = make(map[string]string)
	r.mu.Unlock()

	if err := r.groups.UpdateGroup(ctx, group.ID, func(g *model.SessionGroup) {
		g.Status = model.GroupRunning
		g.StartedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist group started", err, "groupId", group.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupStarted(now, group.ID))

	r.executeLoop(ctx)
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (r *Runner) snapshotGroup() model.SessionGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.group
}

func (r *Runner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning
}

func (r *Runner) executeLoop(ctx context.Context) {
	for {
		if !r.isRunning() {
			return
		}
		if r.checkBudgetAndReact(ctx) {
			return
		}
		if !r.isRunning() {
			return
		}

		r.emitWaitingForBlocked()

		ready := r.getReadySessions()
		r.mu.Lock()
		nWorkers := len(r.workers)
		r.mu.Unlock()

		if len(ready) == 0 && nWorkers == 0 {
			if r.maybeFailOnBlocked(ctx) {
				return
			}
			r.completeGroup(ctx)
			return
		}

		for len(ready) > 0 {
			r.mu.Lock()
			canStart := len(r.workers) < r.options.MaxConcurrent && r.state == StateRunning
			r.mu.Unlock()
			if !canStart {
				break
			}
			s := ready[0]
			ready = ready[1:]
			r.startSession(ctx, s)
		}

		r.mu.Lock()
		nWorkers = len(r.workers)
		r.mu.Unlock()

		if nWorkers > 0 {
			if r.waitForAnyCompletionOrInterrupt() {
				return
			}
			continue
		}

		if r.maybeFailOnBlocked(ctx) {
			return
		}
		r.completeGroup(ctx)
		return
	}
}

func (r *Runner) getReadySessions() []model.Session {
	r.mu.Lock()
	respectDeps := r.options.RespectDependencies
	r.mu.Unlock()
	if respectDeps {
		return r.graph.GetReady()
	}
	return r.graph.GetAllPending()
}

func (r *Runner) maybeFailOnBlocked(ctx context.Context) bool {
	blocked := r.graph.GetBlocked()
	if len(blocked) == 0 {
		return false
	}
	r.failGroup(ctx, "blocked by failed dependencies")
	return true
}

func (r *Runner) emitWaitingForBlocked() {
	blocked := r.graph.GetBlocked()
	if len(blocked) == 0 {
		return
	}
	group := r.snapshotGroup()
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range blocked {
		if r.waitingEmitted[b.Session.ID] {
			continue
		}
		r.waitingEmitted[b.Session.ID] = true
		r.bus.Emit(sdkevents.Topic, sdkevents.NewDependencyWaiting(now, group.ID, b.Session.ID, b.WaitingOn))
	}
}

func (r *Runner) checkBudgetAndReact(ctx context.Context) bool {
	group := r.snapshotGroup()
	maxBudget := group.Config.MaxBudgetUSD
	if maxBudget <= 0 {
		return false
	}
	threshold := group.Config.WarningThreshold
	action := group.Config.OnBudgetExceeded

	now := r.clock.Now()
	totals := r.aggregator.ComputeProgress(&group, now)

	if progress.IsBudgetExceeded(totals.CostUSD, maxBudget) {
		r.bus.Emit(sdkevents.Topic, sdkevents.NewBudgetExceeded(now, group.ID, totals.CostUSD, maxBudget, string(action)))
		switch action {
		case model.BudgetActionStop:
			_ = r.Stop(ctx)
			return true
		case model.BudgetActionPause:
			_ = r.pause(ctx, PauseBudgetExceeded)
			return true
		default:
			return false
		}
	}

	r.mu.Lock()
	alreadyWarned := r.warningEmitted
	r.mu.Unlock()
	if !alreadyWarned && progress.IsBudgetWarning(totals.CostUSD, maxBudget, threshold) {
		r.bus.Emit(sdkevents.Topic, sdkevents.NewBudgetWarning(now, group.ID, totals.CostUSD, maxBudget))
		r.mu.Lock()
		r.warningEmitted = true
		r.mu.Unlock()
	}
	return false
}

func (r *Runner) startSession(ctx context.Context, s model.Session) {
	r.graph.MarkStarted(s.ID)
	group := r.snapshotGroup()

	cfgResult, err := r.configGen.GenerateSessionConfig(ctx, s, group)
	if err != nil {
		log.ErrorErr(log.CatGroupRunner, "config generation failed", err, "sessionId", s.ID)
		r.handleSessionFailure(ctx, s.ID, "Configuration generation failed")
		return
	}

	args := []string{"-p", "--output-format", "stream-json"}
	r.mu.Lock()
	resume := r.options.Resume
	r.mu.Unlock()
	if resume {
		args = append(args, "--resume")
	}
	args = append(args, s.Prompt)

	spanCtx, span := r.tracer.Start(ctx, "StartSession", trace.WithAttributes(
		attribute.String("sessionId", s.ID),
		attribute.String("groupId", group.ID),
	))
	defer span.End()

	proc, err := r.processes.Spawn(spanCtx, r.engineName, args, engine.SpawnOptions{
		Cwd: s.ProjectPath,
		Env: []string{"ENGINE_CONFIG_DIR=" + cfgResult.ConfigDir},
	})
	if err != nil {
		log.ErrorErr(log.CatGroupRunner, "spawn engine failed", err, "sessionId", s.ID)
		r.handleSessionFailure(ctx, s.ID, fmt.Sprintf("spawn engine: %v", err))
		return
	}

	now := r.clock.Now()
	w := &worker{session: s, process: proc, startedAt: now}

	r.mu.Lock()
	r.workers[s.ID] = w
	r.mu.Unlock()

	if err := r.groups.UpdateSession(ctx, group.ID, s.ID, func(sess *model.Session) {
		sess.Status = model.SessionActive
		sess.StartedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist session started", err, "sessionId", s.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionStarted(now, group.ID, s.ID))
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionProgress(now, group.ID, s.ID, string(model.SessionActive)))

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		r.drainStdout(s, proc)
	}()
	go r.drainStderr(s.ID, proc)
	go r.awaitCompletion(s.ID, proc, drained)
}

func (r *Runner) drainStdout(s model.Session, proc engine.ProcessHandle) {
	captured := false
	for line := range proc.Stdout() {
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if !captured {
			if sid, ok := raw["sessionId"].(string); ok && sid != "" {
				captured = true
				r.registerEngineSession(s, sid)
			}
		}
		ev := watch.RawTranscriptEvent{Raw: raw}
		if t, ok := raw["type"].(string); ok {
			ev.Type = t
		}
		if usd, ok := r.costExtractor(ev); ok {
			r.aggregator.AddCost(s.ID, usd)
		}
	}
}

// registerEngineSession records the engine-assigned session id observed
// on a worker's stdout, persists it so the Group Monitor can pick the
// session up, and announces the live engine session on the bus.
func (r *Runner) registerEngineSession(s model.Session, engineID string) {
	group := r.snapshotGroup()
	now := r.clock.Now()

	r.mu.Lock()
	r.engineSessions[s.ID] = engineID
	r.mu.Unlock()

	if err := r.groups.UpdateSession(context.Background(), group.ID, s.ID, func(sess *model.Session) {
		sess.EngineSessionID = engineID
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist engine session id", err, "sessionId", s.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewSessionStarted(now, engineID, s.ProjectPath, s.ID).WithGroup(group.ID))
}

func (r *Runner) engineSessionFor(groupSessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engineSessions[groupSessionID]
}

func (r *Runner) drainStderr(sessionID string, proc engine.ProcessHandle) {
	for line := range proc.Stderr() {
		log.Debug(log.CatGroupRunner, "session stderr", "sessionId", sessionID, "line", line)
	}
}

func (r *Runner) awaitCompletion(sessionID string, proc engine.ProcessHandle, drained <-chan struct{}) {
	code, err := proc.Wait()
	// The exit code is the authoritative signal, but the stdout drain
	// must land first so captured costs and the engine session id are
	// visible to completion handling.
	<-drained
	r.mu.Lock()
	ch := r.resultsCh
	r.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- completion{sessionID: sessionID, exitCode: code, err: err}
}

// waitForAnyCompletionOrInterrupt races one pending completion against
// the runner's single-shot interrupt signal. It returns true if the
// interrupt fired first (the caller's loop should return, since
// pause/stop already handled the state transition).
func (r *Runner) waitForAnyCompletionOrInterrupt() bool {
	r.mu.Lock()
	resultsCh := r.resultsCh
	interruptCh := r.interruptCh
	r.mu.Unlock()

	select {
	case c := <-resultsCh:
		r.handleCompletion(c)
		return false
	case <-interruptCh:
		return true
	}
}

func (r *Runner) handleCompletion(c completion) {
	r.mu.Lock()
	w, ok := r.workers[c.sessionID]
	if ok {
		delete(r.workers, c.sessionID)
	}
	interrupting := r.interrupting
	r.mu.Unlock()
	if !ok {
		return
	}

	if interrupting {
		// Worker exited because of a SIGTERM sent by pause(); its
		// session is paused, not failed, and handleSessionFailure
		// never runs for it.
		return
	}

	group := r.snapshotGroup()
	now := r.clock.Now()
	durationMs := now.Sub(w.startedAt).Milliseconds()

	if c.exitCode == 0 && c.err == nil {
		r.graph.MarkCompleted(c.sessionID)
		if err := r.groups.UpdateSession(context.Background(), group.ID, c.sessionID, func(s *model.Session) {
			s.Status = model.SessionCompleted
			s.CompletedAt = &now
		}); err != nil {
			log.ErrorErr(log.CatGroupRunner, "persist session completed", err, "sessionId", c.sessionID)
		}
		r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionCompleted(now, group.ID, c.sessionID, string(model.SessionCompleted), durationMs))
		r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionProgress(now, group.ID, c.sessionID, string(model.SessionCompleted)))
		if engineID := r.engineSessionFor(c.sessionID); engineID != "" {
			r.bus.Emit(sdkevents.Topic, sdkevents.NewSessionEnded(now, engineID, string(model.SessionCompleted)).WithGroup(group.ID))
		}

		for _, dep := range r.graph.Dependents(c.sessionID) {
			if r.graph.DepsResolved(dep) {
				r.bus.Emit(sdkevents.Topic, sdkevents.NewDependencyResolved(now, group.ID, dep))
			}
		}
	} else {
		errMsg := fmt.Sprintf("engine exited with code %d", c.exitCode)
		r.handleSessionFailure(context.Background(), c.sessionID, errMsg)
	}

	if persisted, err := r.groups.GetGroup(context.Background(), group.ID); err == nil {
		group.Sessions = persisted.Sessions
	}
	totals := r.aggregator.ComputeProgress(&group, now)
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupProgress(now, group.ID, progressData(totals)))
}

func progressData(t progress.Totals) sdkevents.GroupProgressData {
	return sdkevents.GroupProgressData{
		Completed: t.Completed,
		Running:   t.Running,
		Pending:   t.Pending,
		Failed:    t.Failed,
		CostUSD:   t.CostUSD,
	}
}

func (r *Runner) handleSessionFailure(ctx context.Context, sessionID, errMsg string) {
	r.graph.MarkFailed(sessionID)
	now := r.clock.Now()
	group := r.snapshotGroup()

	if err := r.groups.UpdateSession(ctx, group.ID, sessionID, func(s *model.Session) {
		s.Status = model.SessionFailed
		s.CompletedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist session failed", err, "sessionId", sessionID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionFailed(now, group.ID, sessionID, errMsg))
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionProgress(now, group.ID, sessionID, string(model.SessionFailed)))
	if engineID := r.engineSessionFor(sessionID); engineID != "" {
		r.bus.Emit(sdkevents.Topic, sdkevents.NewSessionEnded(now, engineID, string(model.SessionFailed)).WithGroup(group.ID))
	}

	r.mu.Lock()
	r.failureCount++
	count := r.failureCount
	pauseOnError := r.options.PauseOnError
	threshold := r.options.ErrorThreshold
	r.mu.Unlock()

	if pauseOnError && count >= threshold {
		_ = r.pause(ctx, PauseErrorThreshold)
	}
}

// Pause transitions a running group to paused: it interrupts the
// execute loop, sends SIGTERM to every in-flight worker, and awaits
// their exit before persisting state.
func (r *Runner) Pause(ctx context.Context) error {
	return r.pause(ctx, PauseManual)
}

func (r *Runner) pause(ctx context.Context, reason PauseReason) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.state = StatePaused
	r.pauseReason = reason
	r.interrupting = true
	r.signalInterruptLocked()

	workers := make([]*worker, 0, len(r.workers))
	sessionIDs := make([]string, 0, len(r.workers))
	for id, w := range r.workers {
		workers = append(workers, w)
		sessionIDs = append(sessionIDs, id)
	}
	r.pausedSessions = sessionIDs
	group := *r.group
	r.mu.Unlock()

	for _, w := range workers {
		if err := w.process.Kill(syscall.SIGTERM); err != nil {
			log.Debug(log.CatGroupRunner, "kill on pause failed", "sessionId", w.session.ID, "error", err)
		}
	}
	for _, w := range workers {
		_, _ = w.process.Wait()
	}

	r.mu.Lock()
	r.workers = make(map[string]*worker)
	r.interrupting = false
	r.mu.Unlock()

	for _, id := range sessionIDs {
		if err := r.groups.UpdateSession(ctx, group.ID, id, func(s *model.Session) {
			s.Status = model.SessionPaused
		}); err != nil {
			log.ErrorErr(log.CatGroupRunner, "persist session paused", err, "sessionId", id)
		}
	}

	now := r.clock.Now()
	if err := r.groups.UpdateGroup(ctx, group.ID, func(g *model.SessionGroup) {
		g.Status = model.GroupPaused
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist group paused", err, "groupId", group.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupPaused(now, group.ID, string(reason)))
	return nil
}

// signalInterruptLocked closes the interrupt channel exactly once per
// run. Caller must hold r.mu.
func (r *Runner) signalInterruptLocked() {
	if r.interruptClosed {
		return
	}
	r.interruptClosed = true
	close(r.interruptCh)
}

// Resume re-enters the execute loop from paused: every session paused
// by the prior Pause becomes pending again, and every subsequently
// spawned engine process receives --resume.
func (r *Runner) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return ErrNotPaused
	}
	r.options.Resume = true
	r.state = StateRunning
	r.interruptCh = make(chan struct{})
	r.interruptClosed = false
	r.resultsCh = make(chan completion, maxInt(r.options.MaxConcurrent, 1))
	paused := r.pausedSessions
	r.pausedSessions = nil
	group := *r.group
	r.mu.Unlock()

	now := r.clock.Now()
	for _, id := range paused {
		r.graph.MarkPending(id)
		if err := r.groups.UpdateSession(ctx, group.ID, id, func(s *model.Session) {
			s.Status = model.SessionPending
		}); err != nil {
			log.ErrorErr(log.CatGroupRunner, "persist session resumed", err, "sessionId", id)
		}
	}

	if err := r.groups.UpdateGroup(ctx, group.ID, func(g *model.SessionGroup) {
		g.Status = model.GroupRunning
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist group resumed", err, "groupId", group.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupResumed(now, group.ID, r.graph.PendingCount()))

	r.executeLoop(ctx)
	return nil
}

// Stop transitions a running or paused group to stopped: SIGKILL to
// every in-flight worker, every running session marked failed, the
// group marked failed. Stopped is terminal; Resume after Stop returns
// ErrNotPaused.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning && r.state != StatePaused {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.state = StateStopped
	r.interrupting = true
	r.signalInterruptLocked()

	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	group := *r.group
	r.mu.Unlock()

	for _, w := range workers {
		if err := w.process.Kill(syscall.SIGKILL); err != nil {
			log.Debug(log.CatGroupRunner, "kill on stop failed", "sessionId", w.session.ID, "error", err)
		}
	}
	for _, w := range workers {
		_, _ = w.process.Wait()
	}

	r.mu.Lock()
	r.workers = make(map[string]*worker)
	r.interrupting = false
	r.mu.Unlock()

	now := r.clock.Now()
	for _, w := range workers {
		if err := r.groups.UpdateSession(ctx, group.ID, w.session.ID, func(s *model.Session) {
			s.Status = model.SessionFailed
			s.CompletedAt = &now
		}); err != nil {
			log.ErrorErr(log.CatGroupRunner, "persist session stopped", err, "sessionId", w.session.ID)
		}
	}

	if err := r.groups.UpdateGroup(ctx, group.ID, func(g *model.SessionGroup) {
		g.Status = model.GroupFailed
		g.CompletedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist group stopped", err, "groupId", group.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupFailed(now, group.ID, "Manually stopped"))
	return nil
}

func (r *Runner) completeGroup(ctx context.Context) {
	group := r.snapshotGroup()
	if persisted, err := r.groups.GetGroup(ctx, group.ID); err == nil {
		group.Sessions = persisted.Sessions
	}
	now := r.clock.Now()
	totals := r.aggregator.ComputeProgress(&group, now)

	r.mu.Lock()
	r.state = StateCompleted
	r.mu.Unlock()

	elapsedMs := totals.ElapsedMs
	if err := r.groups.UpdateGroup(ctx, group.ID, func(g *model.SessionGroup) {
		g.Status = model.GroupCompleted
		g.CompletedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist group completed", err, "groupId", group.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupCompleted(now, group.ID, totals.Completed, totals.Failed, totals.CostUSD, elapsedMs))
}

func (r *Runner) failGroup(ctx context.Context, reason string) {
	group := r.snapshotGroup()
	now := r.clock.Now()

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	if err := r.groups.UpdateGroup(ctx, group.ID, func(g *model.SessionGroup) {
		g.Status = model.GroupFailed
		g.CompletedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatGroupRunner, "persist group failed", err, "groupId", group.ID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewGroupFailed(now, group.ID, reason))
}
