// Package queuerunner implements the Command Queue Runner: a strictly
// sequential executor of prompts within one project working directory,
// with continue/new session semantics, stop-on-error policy, and
// pause/resume/stop lifecycle control.
package queuerunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/costextract"
	"github.com/dpaulsen/sessionrunner/internal/engine"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/repository"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
	"github.com/dpaulsen/sessionrunner/internal/telemetry"
	"github.com/dpaulsen/sessionrunner/internal/watch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAlreadyRunning is returned by Run when the queue isn't in a
	// state Run accepts (pending or paused).
	ErrAlreadyRunning = errors.New("queuerunner: already running")
	// ErrNotRunning is returned by Pause when the queue isn't running.
	ErrNotRunning = errors.New("queuerunner: not running")
	// ErrNotPausable is returned by Stop/Resume when the queue is in a
	// terminal or otherwise ineligible state.
	ErrNotPausable = errors.New("queuerunner: not pausable")
)

// Result is what Run returns once it stops driving the queue, whether
// because it finished, was paused, or was stopped.
type Result struct {
	Status          model.QueueStatus
	Completed       int
	Failed          int
	TotalDurationMs int64
}

// Runner drives exactly one queue's commands sequentially. One Runner
// per in-flight queue; a second concurrent Run call for the same queue
// is rejected by the precondition check below, mirroring the queueId-keyed
// in-flight process map in the source.
type Runner struct {
	queues        repository.QueueRepository
	processes     engine.ProcessManager
	bus           *pubsub.Broker[sdkevents.Event]
	clock         ids.Clock
	costExtractor costextract.Extractor
	engineName    string
	tracer        trace.Tracer

	mu        sync.Mutex
	running   bool
	pauseFlag bool
	stopFlag  bool
	inFlight  engine.ProcessHandle
}

// New constructs a Runner. A nil clock defaults to the system clock; a
// nil costExtractor defaults to costextract.Default.
func New(
	queues repository.QueueRepository,
	processes engine.ProcessManager,
	bus *pubsub.Broker[sdkevents.Event],
	clock ids.Clock,
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
		queues:        queues,
		processes:     processes,
		bus:           bus,
		clock:         clock,
		costExtractor: costExtractor,
		engineName:    engineName,
		tracer:        telemetry.Tracer(),
	}
}

// Run drives queueId's commands from its currentIndex to the end,
// returning once it completes, is paused, or is stopped. It accepts a
// queue left in status pending or paused; any other status (running,
// stopped, completed, failed) is rejected synchronously.
func (r *Runner) Run(ctx context.Context, queueID string) (Result, error) {
	queue, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return Result{}, fmt.Errorf("load queue %s: %w", queueID, err)
	}
	if queue.Status != model.QueuePending && queue.Status != model.QueuePaused {
		return Result{}, ErrAlreadyRunning
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	r.running = true
	r.pauseFlag = false
	r.stopFlag = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	now := r.clock.Now()
	if queue.StartedAt == nil {
		if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
			q.Status = model.QueueRunning
			q.StartedAt = &now
		}); err != nil {
			log.ErrorErr(log.CatQueueRunner, "persist queue started", err, "queueId", queueID)
		}
	} else {
		if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
			q.Status = model.QueueRunning
		}); err != nil {
			log.ErrorErr(log.CatQueueRunner, "persist queue running", err, "queueId", queueID)
		}
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewQueueStarted(now, queueID))

	startIndex := queue.CurrentIndex

	for i := startIndex; ; i++ {
		queue, err = r.queues.GetQueue(ctx, queueID)
		if err != nil {
			return Result{}, fmt.Errorf("reload queue %s: %w", queueID, err)
		}
		if i >= len(queue.Commands) {
			result, done, err := r.completeQueue(ctx, queueID)
			if done || err != nil {
				return result, err
			}
			// A command was appended concurrently; revisit this index
			// so the reloaded list is examined again.
			i--
			continue
		}

		r.mu.Lock()
		paused := r.pauseFlag
		stopped := r.stopFlag
		r.mu.Unlock()

		if paused {
			return r.pauseAt(ctx, queueID, i)
		}
		if stopped {
			return r.stopAt(ctx, queueID, i)
		}

		cmd := queue.Commands[i]
		if cmd.Status != model.CommandPending {
			if queue.CurrentIndex < i+1 {
				idx := i
				if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
					if q.CurrentIndex < idx+1 {
						q.CurrentIndex = idx + 1
					}
				}); err != nil {
					log.ErrorErr(log.CatQueueRunner, "advance queue index past non-pending command", err, "queueId", queueID)
				}
			}
			continue
		}

		if err := r.executeCommand(ctx, queueID, i); err != nil {
			return r.failAt(ctx, queueID, i, err.Error())
		}

		queue, err = r.queues.GetQueue(ctx, queueID)
		if err != nil {
			return Result{}, fmt.Errorf("reload queue %s: %w", queueID, err)
		}
		executed := queue.Commands[i]

		if executed.Status == model.CommandFailed && queue.EffectiveStopOnError() {
			return r.failAt(ctx, queueID, i, executed.Error)
		}

		// Completed, or a non-stopping failure: advance past it either
		// way, so a queue configured to tolerate failures keeps going.
		if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
			if executed.Status == model.CommandCompleted && executed.CostUSD != nil {
				q.TotalCostUSD += *executed.CostUSD
			}
			q.CurrentIndex = i + 1
		}); err != nil {
			log.ErrorErr(log.CatQueueRunner, "advance queue index", err, "queueId", queueID)
		}
	}

}

func (r *Runner) pauseAt(ctx context.Context, queueID string, index int) (Result, error) {
	now := r.clock.Now()
	if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
		q.Status = model.QueuePaused
	}); err != nil {
		log.ErrorErr(log.CatQueueRunner, "persist queue paused", err, "queueId", queueID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewQueuePaused(now, queueID, index))

	q, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return Result{Status: model.QueuePaused}, nil
	}
	return r.resultFrom(q), nil
}

func (r *Runner) stopAt(ctx context.Context, queueID string, from int) (Result, error) {
	if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
		for i := from; i < len(q.Commands); i++ {
			if q.Commands[i].Status == model.CommandPending {
				q.Commands[i].Status = model.CommandSkipped
			}
		}
		q.Status = model.QueueStopped
	}); err != nil {
		log.ErrorErr(log.CatQueueRunner, "persist queue stopped", err, "queueId", queueID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewQueueStopped(r.clock.Now(), queueID))

	q, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return Result{Status: model.QueueStopped}, nil
	}
	r.emitActiveSessionEnded(q, "stopped")
	return r.resultFrom(q), nil
}

func (r *Runner) failAt(ctx context.Context, queueID string, index int, errMsg string) (Result, error) {
	if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
		for i := index + 1; i < len(q.Commands); i++ {
			if q.Commands[i].Status == model.CommandPending {
				q.Commands[i].Status = model.CommandSkipped
			}
		}
		q.Status = model.QueueFailed
		now := r.clock.Now()
		q.CompletedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatQueueRunner, "persist queue failed", err, "queueId", queueID)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewQueueFailed(r.clock.Now(), queueID, index, errMsg))

	q, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return Result{Status: model.QueueFailed}, nil
	}
	r.emitActiveSessionEnded(q, "failed")
	return r.resultFrom(q), nil
}

// replacedSessionStatus reports how the queue's active engine session
// actually ended: the outcome of the last settled command that ran
// under it. Matters for queues that tolerate failures, where a
// replaced session's final command may have failed without failing the
// queue.
func replacedSessionStatus(q *model.CommandQueue) string {
	for i := len(q.Commands) - 1; i >= 0; i-- {
		c := q.Commands[i]
		if c.EngineSessionID != q.ActiveSessionID {
			continue
		}
		switch c.Status {
		case model.CommandFailed:
			return "failed"
		case model.CommandCompleted:
			return "completed"
		}
	}
	return "completed"
}

// emitActiveSessionEnded announces the end of the queue's active engine
// session when the queue reaches a terminal status.
func (r *Runner) emitActiveSessionEnded(q *model.CommandQueue, status string) {
	if q.ActiveSessionID == "" {
		return
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewSessionEnded(r.clock.Now(), q.ActiveSessionID, status).WithQueue(q.ID))
}

// completeQueue marks the queue completed unless a command was appended
// after the run loop last looked — the pending/completed decision and
// the status flip happen inside one repository update, so an append
// can't slip in between. done=false means the loop should keep going.
func (r *Runner) completeQueue(ctx context.Context, queueID string) (Result, bool, error) {
	now := r.clock.Now()
	completedNow := false
	if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
		for _, c := range q.Commands {
			if c.Status == model.CommandPending {
				return
			}
		}
		q.Status = model.QueueCompleted
		q.CompletedAt = &now
		completedNow = true
	}); err != nil {
		// Proceed as completed rather than spinning the run loop on a
		// persistently failing repository.
		log.ErrorErr(log.CatQueueRunner, "persist queue completed", err, "queueId", queueID)
		completedNow = true
	}
	if !completedNow {
		return Result{}, false, nil
	}

	q, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return Result{Status: model.QueueCompleted}, true, nil
	}

	completed, failed := countCommands(q.Commands)
	var totalDurationMs int64
	if q.StartedAt != nil {
		totalDurationMs = now.Sub(*q.StartedAt).Milliseconds()
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewQueueCompleted(now, queueID, completed, failed, q.TotalCostUSD, totalDurationMs))
	r.emitActiveSessionEnded(q, replacedSessionStatus(q))
	return r.resultFrom(q), true, nil
}

func countCommands(cmds []model.QueueCommand) (completed, failed int) {
	for _, c := range cmds {
		switch c.Status {
		case model.CommandCompleted:
			completed++
		case model.CommandFailed:
			failed++
		}
	}
	return completed, failed
}

func (r *Runner) resultFrom(q *model.CommandQueue) Result {
	completed, failed := countCommands(q.Commands)
	var totalDurationMs int64
	if q.StartedAt != nil {
		end := r.clock.Now()
		if q.CompletedAt != nil {
			end = *q.CompletedAt
		}
		totalDurationMs = end.Sub(*q.StartedAt).Milliseconds()
	}
	return Result{Status: q.Status, Completed: completed, Failed: failed, TotalDurationMs: totalDurationMs}
}

// executeCommand runs the command at index: determines session
// continuity, spawns the engine, captures its engine session id from
// stdout, and persists the command's terminal status.
func (r *Runner) executeCommand(ctx context.Context, queueID string, index int) error {
	queue, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	// Re-validate against this fresh snapshot: the command list can be
	// edited through the daemon between the run loop's check and here.
	if index >= len(queue.Commands) {
		return fmt.Errorf("command index %d out of range for queue %s", index, queueID)
	}
	cmd := queue.Commands[index]
	if cmd.Status != model.CommandPending {
		return fmt.Errorf("command %d in queue %s is %s, not pending", index, queueID, cmd.Status)
	}
	shouldStartNew := index == 0 || cmd.SessionMode == model.SessionModeNew

	now := r.clock.Now()
	if err := r.queues.UpdateCommand(ctx, queueID, index, func(c *model.QueueCommand) {
		c.Status = model.CommandRunning
		c.StartedAt = &now
	}); err != nil {
		log.ErrorErr(log.CatQueueRunner, "persist command started", err, "queueId", queueID, "index", index)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewCommandStarted(now, queueID, index, cmd.Prompt, string(cmd.SessionMode), shouldStartNew))

	args := []string{"-p", "--output-format", "stream-json"}
	args = append(args, queue.AdditionalArgs...)
	if !shouldStartNew {
		args = append(args, "--resume")
	}
	args = append(args, cmd.Prompt)

	spanCtx, span := r.tracer.Start(ctx, "ExecuteCommand", trace.WithAttributes(
		attribute.String("queueId", queueID),
		attribute.Int("index", index),
	))
	defer span.End()

	proc, err := r.processes.Spawn(spanCtx, r.engineName, args, engine.SpawnOptions{Cwd: queue.ProjectPath})
	if err != nil {
		return r.finishCommand(ctx, queueID, index, now, -1, fmt.Errorf("spawn engine: %w", err), "", shouldStartNew)
	}

	r.mu.Lock()
	r.inFlight = proc
	r.mu.Unlock()

	sessionCh := make(chan string, 1)
	var costTotal float64
	var costMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		captured := false
		for line := range proc.Stdout() {
			raw := parseJSONLine(line)
			if raw == nil {
				continue
			}
			if !captured {
				if sid, ok := raw["sessionId"].(string); ok {
					captured = true
					sessionCh <- sid
				}
			}
			ev := watch.RawTranscriptEvent{Raw: raw}
			if t, ok := raw["type"].(string); ok {
				ev.Type = t
			}
			if usd, ok := r.costExtractor(ev); ok {
				costMu.Lock()
				costTotal += usd
				costMu.Unlock()
			}
		}
		if !captured {
			close(sessionCh)
		}
	}()
	go func() {
		for range proc.Stderr() {
		}
	}()

	var engineSessionID string
	if sid, ok := <-sessionCh; ok {
		engineSessionID = sid
	}
	if engineSessionID == "" {
		engineSessionID = "session-" + now.UTC().Format(time.RFC3339Nano)
	}

	if shouldStartNew {
		ts := r.clock.Now()
		// A fresh engine session replaces the queue's active one; close
		// the old session out on the bus before announcing the new one.
		if queue.ActiveSessionID != "" {
			r.bus.Emit(sdkevents.Topic, sdkevents.NewSessionEnded(ts, queue.ActiveSessionID, replacedSessionStatus(queue)).WithQueue(queueID))
		}
		r.bus.Emit(sdkevents.Topic, sdkevents.NewSessionStarted(ts, engineSessionID, queue.ProjectPath, "").WithQueue(queueID))
	}

	code, waitErr := proc.Wait()
	wg.Wait()

	r.mu.Lock()
	r.inFlight = nil
	r.mu.Unlock()

	costMu.Lock()
	finalCost := costTotal
	costMu.Unlock()

	var execErr error
	if code != 0 || waitErr != nil {
		execErr = fmt.Errorf("engine exited with code %d", code)
	}
	return r.finishCommand(ctx, queueID, index, now, code, execErr, engineSessionID, shouldStartNew, finalCost)
}

func parseJSONLine(line string) map[string]any {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}
	return raw
}

func (r *Runner) finishCommand(ctx context.Context, queueID string, index int, startedAt time.Time, exitCode int, execErr error, engineSessionID string, shouldStartNew bool, cost ...float64) error {
	now := r.clock.Now()
	durationMs := now.Sub(startedAt).Milliseconds()
	var costUSD float64
	if len(cost) > 0 {
		costUSD = cost[0]
	}

	// The queue's active session id is only (re)persisted for a command
	// that actually started a fresh engine session, not on every
	// continued command — but it moves regardless of the command's exit
	// code, so a failing new-session command still leaves the queue
	// pointing at the session that actually ran last.
	if shouldStartNew && engineSessionID != "" {
		if err := r.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
			q.ActiveSessionID = engineSessionID
		}); err != nil {
			log.ErrorErr(log.CatQueueRunner, "persist queue active session", err, "queueId", queueID)
		}
	}

	if execErr == nil {
		if err := r.queues.UpdateCommand(ctx, queueID, index, func(c *model.QueueCommand) {
			c.Status = model.CommandCompleted
			c.CompletedAt = &now
			c.EngineSessionID = engineSessionID
			c.CostUSD = &costUSD
		}); err != nil {
			log.ErrorErr(log.CatQueueRunner, "persist command completed", err, "queueId", queueID, "index", index)
		}
		r.bus.Emit(sdkevents.Topic, sdkevents.NewCommandCompleted(now, queueID, index, costUSD, engineSessionID, durationMs))
		return nil
	}

	errMsg := execErr.Error()
	if err := r.queues.UpdateCommand(ctx, queueID, index, func(c *model.QueueCommand) {
		c.Status = model.CommandFailed
		c.CompletedAt = &now
		c.Error = errMsg
		if engineSessionID != "" {
			c.EngineSessionID = engineSessionID
		}
	}); err != nil {
		log.ErrorErr(log.CatQueueRunner, "persist command failed", err, "queueId", queueID, "index", index)
	}
	r.bus.Emit(sdkevents.Topic, sdkevents.NewCommandFailed(now, queueID, index, errMsg, durationMs))
	return nil
}

// Pause sets the pause flag; the in-flight process (if any) is sent
// SIGTERM. The actual status transition happens at the top of the next
// loop iteration inside Run.
func (r *Runner) Pause(ctx context.Context, queueID string) error {
	queue, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("load queue %s: %w", queueID, err)
	}
	if queue.Status != model.QueueRunning {
		return ErrNotRunning
	}

	r.mu.Lock()
	r.pauseFlag = true
	proc := r.inFlight
	r.inFlight = nil
	r.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(syscall.SIGTERM); err != nil {
			log.Debug(log.CatQueueRunner, "kill on pause failed", "queueId", queueID, "error", err)
		}
	}
	return nil
}

// Resume emits queue_resumed and re-enters Run from the queue's current
// index. Per-command --resume behavior is governed by each command's
// own sessionMode, not by a queue-level flag.
func (r *Runner) Resume(ctx context.Context, queueID string) (Result, error) {
	queue, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return Result{}, fmt.Errorf("load queue %s: %w", queueID, err)
	}
	if queue.Status != model.QueuePaused {
		return Result{}, ErrNotPausable
	}

	r.bus.Emit(sdkevents.Topic, sdkevents.NewQueueResumed(r.clock.Now(), queueID, queue.CurrentIndex))
	return r.Run(ctx, queueID)
}

// Stop sets the stop flag; the in-flight process (if any) is sent
// SIGTERM. The transition to stopped happens at the top of the next
// loop iteration, or immediately if Run is currently between commands.
func (r *Runner) Stop(ctx context.Context, queueID string) error {
	queue, err := r.queues.GetQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("load queue %s: %w", queueID, err)
	}
	if queue.Status != model.QueueRunning && queue.Status != model.QueuePaused {
		return ErrNotPausable
	}

	r.mu.Lock()
	r.stopFlag = true
	proc := r.inFlight
	r.inFlight = nil
	running := r.running
	r.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(syscall.SIGTERM); err != nil {
			log.Debug(log.CatQueueRunner, "kill on stop failed", "queueId", queueID, "error", err)
		}
	}

	// If Run isn't actively looping (queue was paused, not running),
	// there's no loop iteration left to observe the stop flag: apply
	// the transition directly.
	if !running && queue.Status == model.QueuePaused {
		_, err := r.stopAt(ctx, queueID, queue.CurrentIndex)
		return err
	}
	return nil
}
