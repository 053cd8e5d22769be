package repository

import (
	"context"
	"testing"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func TestMemoryGroupRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryGroupRepository(fakeClock{now: time.Unix(1000, 0)})
	ctx := context.Background()

	group := &model.SessionGroup{ID: "g1", Name: "demo"}
	require.NoError(t, repo.CreateGroup(ctx, group))

	got, err := repo.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)
	require.Equal(t, time.Unix(1000, 0), got.CreatedAt)
}

func TestMemoryGroupRepository_CreateDuplicateFails(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1"}))
	require.Error(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1"}))
}

func TestMemoryGroupRepository_GetMissingReturnsErrNotFound(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	_, err := repo.GetGroup(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGroupRepository_ListGroups_FiltersByStatus(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1", Status: model.GroupRunning}))
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g2", Status: model.GroupCompleted}))

	running, err := repo.ListGroups(ctx, GroupFilter{Status: model.GroupRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "g1", running[0].ID)

	all, err := repo.ListGroups(ctx, GroupFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMemoryGroupRepository_UpdateGroup_MutatesInPlace(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1", Status: model.GroupCreated}))

	err := repo.UpdateGroup(ctx, "g1", func(g *model.SessionGroup) {
		g.Status = model.GroupRunning
	})
	require.NoError(t, err)

	got, err := repo.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupRunning, got.Status)
}

func TestMemoryGroupRepository_UpdateSession_TargetsSingleSession(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{
		ID: "g1",
		Sessions: []model.Session{
			{ID: "s1", Status: model.SessionPending},
			{ID: "s2", Status: model.SessionPending},
		},
	}))

	err := repo.UpdateSession(ctx, "g1", "s2", func(s *model.Session) {
		s.Status = model.SessionActive
	})
	require.NoError(t, err)

	got, err := repo.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.SessionPending, got.Sessions[0].Status)
	require.Equal(t, model.SessionActive, got.Sessions[1].Status)
}

func TestMemoryGroupRepository_UpdateSession_MissingSessionReturnsErrNotFound(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1"}))

	err := repo.UpdateSession(ctx, "g1", "missing", func(s *model.Session) {})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGroupRepository_DeleteGroup(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1"}))
	require.NoError(t, repo.DeleteGroup(ctx, "g1"))
	_, err := repo.GetGroup(ctx, "g1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGroupRepository_MarkStaleRunningAsPaused(t *testing.T) {
	repo := NewMemoryGroupRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g1", Status: model.GroupRunning}))
	require.NoError(t, repo.CreateGroup(ctx, &model.SessionGroup{ID: "g2", Status: model.GroupCompleted}))

	require.NoError(t, repo.MarkStaleRunningAsPaused(ctx))

	g1, _ := repo.GetGroup(ctx, "g1")
	g2, _ := repo.GetGroup(ctx, "g2")
	require.Equal(t, model.GroupPaused, g1.Status)
	require.Equal(t, model.GroupCompleted, g2.Status)
}

func TestMemoryQueueRepository_CreateGetUpdateCommand(t *testing.T) {
	repo := NewMemoryQueueRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateQueue(ctx, &model.CommandQueue{
		ID: "q1",
		Commands: []model.QueueCommand{
			{ID: "c0", Index: 0, Status: model.CommandPending},
			{ID: "c1", Index: 1, Status: model.CommandPending},
		},
	}))

	err := repo.UpdateCommand(ctx, "q1", 1, func(c *model.QueueCommand) {
		c.Status = model.CommandRunning
	})
	require.NoError(t, err)

	got, err := repo.GetQueue(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, model.CommandPending, got.Commands[0].Status)
	require.Equal(t, model.CommandRunning, got.Commands[1].Status)
}

func TestMemoryQueueRepository_UpdateCommand_OutOfRangeErrors(t *testing.T) {
	repo := NewMemoryQueueRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateQueue(ctx, &model.CommandQueue{ID: "q1"}))

	err := repo.UpdateCommand(ctx, "q1", 5, func(c *model.QueueCommand) {})
	require.Error(t, err)
}

func TestMemoryQueueRepository_ListQueues_FiltersByStatus(t *testing.T) {
	repo := NewMemoryQueueRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateQueue(ctx, &model.CommandQueue{ID: "q1", Status: model.QueuePaused}))
	require.NoError(t, repo.CreateQueue(ctx, &model.CommandQueue{ID: "q2", Status: model.QueueRunning}))

	paused, err := repo.ListQueues(ctx, QueueFilter{Status: model.QueuePaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	require.Equal(t, "q1", paused[0].ID)
}

func TestMemoryQueueRepository_MarkStaleRunningAsPaused(t *testing.T) {
	repo := NewMemoryQueueRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.CreateQueue(ctx, &model.CommandQueue{ID: "q1", Status: model.QueueRunning}))

	require.NoError(t, repo.MarkStaleRunningAsPaused(ctx))

	q1, _ := repo.GetQueue(ctx, "q1")
	require.Equal(t, model.QueuePaused, q1.Status)
}
