package watch

import (
	"context"
	"testing"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/stretchr/testify/require"
)

func TestSessionMonitor_ProducesMonitorEventsFromTranscript(t *testing.T) {
	fs := newFakeFS()
	pr := NewPathResolver()
	sm := NewSessionMonitor(fs, nil, pr, NewStateManager(), "sess-1")

	// Pre-seed the transcript file the resolver will compute the path
	// for, then start before writing the new line so Start's initial
	// offset capture sees size 0.
	path, err := pr.Resolve("sess-1")
	require.NoError(t, err)
	fs.WriteFile(path, []byte(""))

	require.NoError(t, sm.Start())
	defer sm.Stop()

	fs.append(path, `{"type":"assistant","content":"hello"}`+"\n")
	fs.notifier.fire()

	select {
	case ev := <-sm.Events():
		require.Equal(t, MonitorMessage, ev.Kind)
		require.Equal(t, "hello", ev.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for monitor event")
	}
}

type fakeGroupLoader struct {
	group *model.SessionGroup
}

func (f *fakeGroupLoader) GetGroup(ctx context.Context, groupID string) (*model.SessionGroup, error) {
	return f.group, nil
}

func TestGroupMonitor_Watch_OnlyStartsSessionsWithEngineID(t *testing.T) {
	fs := newFakeFS()
	loader := &fakeGroupLoader{group: &model.SessionGroup{
		ID: "g1",
		Sessions: []model.Session{
			{ID: "s1", EngineSessionID: "engine-1"},
			{ID: "s2"}, // no engine session id yet
		},
	}}

	gm := NewGroupMonitor(loader, fs, nil)
	defer gm.Stop()

	require.NoError(t, gm.Watch(context.Background(), "g1"))

	gm.mu.Lock()
	count := len(gm.children)
	gm.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestGroupMonitor_AddAndRemoveSession(t *testing.T) {
	fs := newFakeFS()
	loader := &fakeGroupLoader{group: &model.SessionGroup{ID: "g1"}}
	gm := NewGroupMonitor(loader, fs, nil)
	defer gm.Stop()

	require.NoError(t, gm.AddSession("gs1", "engine-1"))
	gm.mu.Lock()
	require.Len(t, gm.children, 1)
	gm.mu.Unlock()

	gm.RemoveSession("gs1")
	gm.mu.Lock()
	require.Len(t, gm.children, 0)
	gm.mu.Unlock()
}

func TestGroupMonitor_Stop_IsIdempotent(t *testing.T) {
	fs := newFakeFS()
	loader := &fakeGroupLoader{group: &model.SessionGroup{ID: "g1"}}
	gm := NewGroupMonitor(loader, fs, nil)

	require.NotPanics(t, func() {
		gm.Stop()
		gm.Stop()
	})
}
