// Package repository persists SessionGroups and CommandQueues behind
// small capability interfaces. Runners and monitors talk only to these
// interfaces; concurrent modification from another process is not a
// supported scenario (single-writer per group/queue in practice).
package repository

import (
	"context"
	"errors"

	"github.com/dpaulsen/sessionrunner/internal/model"
)

// ErrNotFound is returned when a Get/Update/Delete targets an id that
// doesn't exist.
var ErrNotFound = errors.New("repository: not found")

// GroupFilter narrows ListGroups. A zero-value field doesn't filter.
type GroupFilter struct {
	Status model.GroupStatus
}

// QueueFilter narrows ListQueues. A zero-value field doesn't filter.
type QueueFilter struct {
	Status model.QueueStatus
}

// GroupRepository owns persisted SessionGroups.
type GroupRepository interface {
	CreateGroup(ctx context.Context, group *model.SessionGroup) error
	GetGroup(ctx context.Context, id string) (*model.SessionGroup, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]model.SessionGroup, error)
	UpdateGroup(ctx context.Context, id string, mutate func(*model.SessionGroup)) error
	DeleteGroup(ctx context.Context, id string) error

	// UpdateSession mutates a single session within a group in place,
	// so runners don't have to round-trip the whole group to flip one
	// session's status.
	UpdateSession(ctx context.Context, groupID, sessionID string, mutate func(*model.Session)) error

	// MarkStaleRunningAsPaused transitions every group persisted as
	// running into paused. Invoked once at daemon startup to recover
	// from a process that died mid-run without a live worker to resume
	// it.
	MarkStaleRunningAsPaused(ctx context.Context) error
}

// QueueRepository owns persisted CommandQueues.
type QueueRepository interface {
	CreateQueue(ctx context.Context, queue *model.CommandQueue) error
	GetQueue(ctx context.Context, id string) (*model.CommandQueue, error)
	ListQueues(ctx context.Context, filter QueueFilter) ([]model.CommandQueue, error)
	UpdateQueue(ctx context.Context, id string, mutate func(*model.CommandQueue)) error
	DeleteQueue(ctx context.Context, id string) error

	// UpdateCommand mutates a single command within a queue in place by
	// index.
	UpdateCommand(ctx context.Context, queueID string, index int, mutate func(*model.QueueCommand)) error

	MarkStaleRunningAsPaused(ctx context.Context) error
}
