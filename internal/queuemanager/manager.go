// Package queuemanager mutates a command queue's command list — add,
// update, remove, reorder, session-mode change — keeping indices
// contiguous and announcing every mutation on the event bus. The Queue
// Runner executes commands; this manager is the write surface the
// daemon's control plane exposes for editing a queue between (or
// before) runs.
package queuemanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/repository"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

var (
	// ErrIndexOutOfRange is returned when a command index doesn't
	// exist in the queue.
	ErrIndexOutOfRange = errors.New("queuemanager: command index out of range")
	// ErrCommandNotPending is returned when a mutation targets a
	// command that has already run, is running, or was skipped.
	ErrCommandNotPending = errors.New("queuemanager: command is not pending")
	// ErrInvalidSessionMode is returned for a session mode outside
	// {continue, new}.
	ErrInvalidSessionMode = errors.New("queuemanager: invalid session mode")
	// ErrQueueTerminal is returned when adding a command to a queue
	// that already finished; the command could never execute.
	ErrQueueTerminal = errors.New("queuemanager: queue is in a terminal state")
)

// Manager is the command-list write surface for one queue repository.
type Manager struct {
	queues repository.QueueRepository
	bus    *pubsub.Broker[sdkevents.Event]
	clock  ids.Clock
}

// New constructs a Manager. A nil clock defaults to the system clock.
func New(queues repository.QueueRepository, bus *pubsub.Broker[sdkevents.Event], clock ids.Clock) *Manager {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Manager{queues: queues, bus: bus, clock: clock}
}

// AddCommand appends a new pending command to the end of the queue and
// emits queue.command_added. An empty mode defaults to continue.
func (m *Manager) AddCommand(ctx context.Context, queueID, prompt string, mode model.SessionMode) (model.QueueCommand, error) {
	if mode == "" {
		mode = model.SessionModeContinue
	}
	if mode != model.SessionModeContinue && mode != model.SessionModeNew {
		return model.QueueCommand{}, fmt.Errorf("%w: %q", ErrInvalidSessionMode, mode)
	}

	var added model.QueueCommand
	var precondition error
	err := m.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
		switch q.Status {
		case model.QueueCompleted, model.QueueFailed, model.QueueStopped:
			precondition = fmt.Errorf("%w: %s", ErrQueueTerminal, q.Status)
			return
		}
		added = model.QueueCommand{
			ID:          ids.NewUUID(),
			Index:       len(q.Commands),
			Prompt:      prompt,
			SessionMode: mode,
			Status:      model.CommandPending,
		}
		q.Commands = append(copyCommands(q.Commands), added)
	})
	if err != nil {
		return model.QueueCommand{}, fmt.Errorf("add command to %s: %w", queueID, err)
	}
	if precondition != nil {
		return model.QueueCommand{}, precondition
	}

	log.Info(log.CatQueueRunner, "command added", "queueId", queueID, "index", added.Index)
	m.bus.Emit(sdkevents.Topic, sdkevents.NewCommandAdded(m.clock.Now(), queueID, added.Index, prompt, string(mode)))
	return added, nil
}

// UpdateCommand applies an optional prompt rewrite and an optional
// session-mode change to a pending command in one atomic repository
// update, emitting queue.command_updated and/or
// queue.command_mode_changed for whichever fields changed. Both-nil is
// a no-op.
func (m *Manager) UpdateCommand(ctx context.Context, queueID string, index int, prompt *string, mode *model.SessionMode) error {
	if prompt == nil && mode == nil {
		return nil
	}
	if mode != nil && *mode != model.SessionModeContinue && *mode != model.SessionModeNew {
		return fmt.Errorf("%w: %q", ErrInvalidSessionMode, *mode)
	}
	err := m.mutatePending(ctx, queueID, index, func(q *model.CommandQueue) {
		cmds := copyCommands(q.Commands)
		if prompt != nil {
			cmds[index].Prompt = *prompt
		}
		if mode != nil {
			cmds[index].SessionMode = *mode
		}
		q.Commands = cmds
	})
	if err != nil {
		return fmt.Errorf("update command %d in %s: %w", index, queueID, err)
	}
	now := m.clock.Now()
	if prompt != nil {
		m.bus.Emit(sdkevents.Topic, sdkevents.NewCommandUpdated(now, queueID, index, *prompt))
	}
	if mode != nil {
		m.bus.Emit(sdkevents.Topic, sdkevents.NewCommandModeChanged(now, queueID, index, string(*mode)))
	}
	return nil
}

// UpdateCommandPrompt rewrites a pending command's prompt and emits
// queue.command_updated.
func (m *Manager) UpdateCommandPrompt(ctx context.Context, queueID string, index int, prompt string) error {
	return m.UpdateCommand(ctx, queueID, index, &prompt, nil)
}

// SetSessionMode flips a pending command between continue and new and
// emits queue.command_mode_changed.
func (m *Manager) SetSessionMode(ctx context.Context, queueID string, index int, mode model.SessionMode) error {
	return m.UpdateCommand(ctx, queueID, index, nil, &mode)
}

// RemoveCommand deletes a pending command, re-indexes the remainder so
// indices stay contiguous, and emits queue.command_removed.
func (m *Manager) RemoveCommand(ctx context.Context, queueID string, index int) error {
	err := m.mutatePending(ctx, queueID, index, func(q *model.CommandQueue) {
		cmds := make([]model.QueueCommand, 0, len(q.Commands)-1)
		cmds = append(cmds, q.Commands[:index]...)
		cmds = append(cmds, q.Commands[index+1:]...)
		reindex(cmds)
		q.Commands = cmds
	})
	if err != nil {
		return fmt.Errorf("remove command %d from %s: %w", index, queueID, err)
	}
	log.Info(log.CatQueueRunner, "command removed", "queueId", queueID, "index", index)
	m.bus.Emit(sdkevents.Topic, sdkevents.NewCommandRemoved(m.clock.Now(), queueID, index))
	return nil
}

// ReorderCommand moves a pending command from one position to another
// within the still-pending tail of the queue, re-indexes, and emits
// queue.command_reordered.
func (m *Manager) ReorderCommand(ctx context.Context, queueID string, from, to int) error {
	if from == to {
		return m.mutatePending(ctx, queueID, from, func(q *model.CommandQueue) {})
	}
	err := m.mutatePending(ctx, queueID, from, func(q *model.CommandQueue) {
		moved := q.Commands[from]
		cmds := make([]model.QueueCommand, 0, len(q.Commands))
		cmds = append(cmds, q.Commands[:from]...)
		cmds = append(cmds, q.Commands[from+1:]...)
		cmds = append(cmds[:to:to], append([]model.QueueCommand{moved}, cmds[to:]...)...)
		reindex(cmds)
		q.Commands = cmds
	}, to)
	if err != nil {
		return fmt.Errorf("reorder command %d -> %d in %s: %w", from, to, queueID, err)
	}
	m.bus.Emit(sdkevents.Topic, sdkevents.NewCommandReordered(m.clock.Now(), queueID, from, to))
	return nil
}

// mutatePending applies apply inside a single repository update, after
// validating — within that same update, so no concurrent edit or runner
// progress can invalidate the check — that index (and any extraIndexes)
// name pending commands. The command at a running queue's cursor counts
// as not pending: the runner is about to execute it. A failed
// precondition leaves the queue untouched.
func (m *Manager) mutatePending(ctx context.Context, queueID string, index int, apply func(*model.CommandQueue), extraIndexes ...int) error {
	var precondition error
	err := m.queues.UpdateQueue(ctx, queueID, func(q *model.CommandQueue) {
		for _, idx := range append([]int{index}, extraIndexes...) {
			if idx < 0 || idx >= len(q.Commands) {
				precondition = fmt.Errorf("%w: %d (queue %s has %d commands)", ErrIndexOutOfRange, idx, queueID, len(q.Commands))
				return
			}
			if q.Commands[idx].Status != model.CommandPending {
				precondition = fmt.Errorf("%w: index %d is %s", ErrCommandNotPending, idx, q.Commands[idx].Status)
				return
			}
			if q.Status == model.QueueRunning && idx == q.CurrentIndex {
				precondition = fmt.Errorf("%w: index %d is about to execute", ErrCommandNotPending, idx)
				return
			}
		}
		apply(q)
	})
	if err != nil {
		return err
	}
	return precondition
}

func copyCommands(cmds []model.QueueCommand) []model.QueueCommand {
	out := make([]model.QueueCommand, len(cmds))
	copy(out, cmds)
	return out
}

func reindex(cmds []model.QueueCommand) {
	for i := range cmds {
		cmds[i].Index = i
	}
}
