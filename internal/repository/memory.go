package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/model"
)

// cloneGroup deep-copies a group's slice fields. Storing by value only
// copies slice headers, so every read and write boundary must clone or
// a snapshot handed to one goroutine shares its Sessions backing array
// with in-place updates from another.
func cloneGroup(g model.SessionGroup) model.SessionGroup {
	out := g
	out.Sessions = make([]model.Session, len(g.Sessions))
	copy(out.Sessions, g.Sessions)
	for i := range out.Sessions {
		out.Sessions[i].DependsOn = append([]string(nil), out.Sessions[i].DependsOn...)
	}
	return out
}

// cloneQueue mirrors cloneGroup for a queue's Commands and
// AdditionalArgs.
func cloneQueue(q model.CommandQueue) model.CommandQueue {
	out := q
	out.Commands = make([]model.QueueCommand, len(q.Commands))
	copy(out.Commands, q.Commands)
	out.AdditionalArgs = append([]string(nil), q.AdditionalArgs...)
	return out
}

// MemoryGroupRepository is an in-memory GroupRepository for tests and
// development. Groups are stored by value and deep-copied at every read
// and write boundary so callers can't mutate repository state except
// through its methods, and snapshots never alias the stored data.
type MemoryGroupRepository struct {
	clock ids.Clock

	mu     sync.Mutex
	groups map[string]model.SessionGroup
}

// NewMemoryGroupRepository constructs an empty repository. A nil clock
// defaults to the system clock.
func NewMemoryGroupRepository(clock ids.Clock) *MemoryGroupRepository {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &MemoryGroupRepository{clock: clock, groups: make(map[string]model.SessionGroup)}
}

func (r *MemoryGroupRepository) CreateGroup(ctx context.Context, group *model.SessionGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[group.ID]; exists {
		return fmt.Errorf("repository: group %s already exists", group.ID)
	}
	now := r.clock.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	r.groups[group.ID] = cloneGroup(*group)
	return nil
}

func (r *MemoryGroupRepository) GetGroup(ctx context.Context, id string) (*model.SessionGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneGroup(g)
	return &out, nil
}

func (r *MemoryGroupRepository) ListGroups(ctx context.Context, filter GroupFilter) ([]model.SessionGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SessionGroup, 0, len(r.groups))
	for _, g := range r.groups {
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryGroupRepository) UpdateGroup(ctx context.Context, id string, mutate func(*model.SessionGroup)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&g)
	g.UpdatedAt = r.clock.Now()
	r.groups[id] = g
	return nil
}

func (r *MemoryGroupRepository) DeleteGroup(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; !ok {
		return ErrNotFound
	}
	delete(r.groups, id)
	return nil
}

func (r *MemoryGroupRepository) UpdateSession(ctx context.Context, groupID, sessionID string, mutate func(*model.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	for i := range g.Sessions {
		if g.Sessions[i].ID == sessionID {
			mutate(&g.Sessions[i])
			g.UpdatedAt = r.clock.Now()
			r.groups[groupID] = g
			return nil
		}
	}
	return ErrNotFound
}

// MarkStaleRunningAsPaused transitions every group left in running to
// paused. Nothing in this process ever resumes a group that was
// running before it started, so "running" found at startup always
// means the worker that owned it is gone.
func (r *MemoryGroupRepository) MarkStaleRunningAsPaused(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for id, g := range r.groups {
		if g.Status != model.GroupRunning {
			continue
		}
		g.Status = model.GroupPaused
		g.UpdatedAt = now
		r.groups[id] = g
	}
	return nil
}

// MemoryQueueRepository is an in-memory QueueRepository for tests and
// development.
type MemoryQueueRepository struct {
	clock ids.Clock

	mu     sync.Mutex
	queues map[string]model.CommandQueue
}

// NewMemoryQueueRepository constructs an empty repository. A nil clock
// defaults to the system clock.
func NewMemoryQueueRepository(clock ids.Clock) *MemoryQueueRepository {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &MemoryQueueRepository{clock: clock, queues: make(map[string]model.CommandQueue)}
}

func (r *MemoryQueueRepository) CreateQueue(ctx context.Context, queue *model.CommandQueue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queues[queue.ID]; exists {
		return fmt.Errorf("repository: queue %s already exists", queue.ID)
	}
	now := r.clock.Now()
	queue.CreatedAt = now
	queue.UpdatedAt = now
	r.queues[queue.ID] = cloneQueue(*queue)
	return nil
}

func (r *MemoryQueueRepository) GetQueue(ctx context.Context, id string) (*model.CommandQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneQueue(q)
	return &out, nil
}

func (r *MemoryQueueRepository) ListQueues(ctx context.Context, filter QueueFilter) ([]model.CommandQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.CommandQueue, 0, len(r.queues))
	for _, q := range r.queues {
		if filter.Status != "" && q.Status != filter.Status {
			continue
		}
		out = append(out, cloneQueue(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryQueueRepository) UpdateQueue(ctx context.Context, id string, mutate func(*model.CommandQueue)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&q)
	q.UpdatedAt = r.clock.Now()
	r.queues[id] = q
	return nil
}

func (r *MemoryQueueRepository) DeleteQueue(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; !ok {
		return ErrNotFound
	}
	delete(r.queues, id)
	return nil
}

func (r *MemoryQueueRepository) UpdateCommand(ctx context.Context, queueID string, index int, mutate func(*model.QueueCommand)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[queueID]
	if !ok {
		return ErrNotFound
	}
	if index < 0 || index >= len(q.Commands) {
		return fmt.Errorf("repository: command index %d out of range for queue %s", index, queueID)
	}
	mutate(&q.Commands[index])
	q.UpdatedAt = r.clock.Now()
	r.queues[queueID] = q
	return nil
}

func (r *MemoryQueueRepository) MarkStaleRunningAsPaused(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for id, q := range r.queues {
		if q.Status != model.QueueRunning {
			continue
		}
		q.Status = model.QueuePaused
		q.UpdatedAt = now
		r.queues[id] = q
	}
	return nil
}
