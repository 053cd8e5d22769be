package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

func TestNew_OnlyDeliversMatchingResourceEvents(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "group-1", bus)
	defer m.Close()

	bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionStarted(time.Now(), "group-1", "s1"))
	bus.Emit(sdkevents.Topic, sdkevents.NewGroupSessionStarted(time.Now(), "group-other", "s2"))

	require.Len(t, m.events, 1)
}

func TestApply_GroupSessionLifecycle_UpdatesRowsAndProgress(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "group-1", bus)
	defer m.Close()

	m.apply(sdkevents.NewGroupSessionStarted(time.Now(), "group-1", "s1"))
	require.Equal(t, "active", m.rows["s1"].status)
	require.Equal(t, 0.0, m.fractionComplete())

	m.apply(sdkevents.NewGroupSessionCompleted(time.Now(), "group-1", "s1", string(model.SessionCompleted), 1500))
	require.Equal(t, "completed", m.rows["s1"].status)
	require.Equal(t, 1.0, m.fractionComplete())

	m.apply(sdkevents.NewGroupCompleted(time.Now(), "group-1", 1, 0, 0.05, 2000))
	require.True(t, m.done)
	require.Equal(t, "completed", m.finalStatus)
}

func TestApply_QueueCommandLifecycle_KeyedByCommandIndex(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "queue-1", bus)
	defer m.Close()

	m.apply(sdkevents.NewCommandStarted(time.Now(), "queue-1", 0, "first prompt", "continue", true))
	require.Equal(t, "running", m.rows["queue-1:0"].status)

	m.apply(sdkevents.NewCommandCompleted(time.Now(), "queue-1", 0, 0.02, "eng-1", 1000))
	require.Equal(t, "completed", m.rows["queue-1:0"].status)
	require.Equal(t, 0.02, m.rows["queue-1:0"].costUSD)
	require.Equal(t, "first prompt", m.rows["queue-1:0"].label)

	m.apply(sdkevents.NewCommandStarted(time.Now(), "queue-1", 1, "second prompt", "continue", false))
	require.Equal(t, "running", m.rows["queue-1:1"].status)
}

func TestApply_ResumedQueue_EventsLandOnSeededRows(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "queue-1", bus)
	defer m.Close()

	// A paused queue being driven to completion: commands 0-2 already
	// ran, the runner resumes from CurrentIndex 3.
	cost := 0.01
	m.SeedQueue(&model.CommandQueue{
		ID:           "queue-1",
		Status:       model.QueuePaused,
		CurrentIndex: 3,
		Commands: []model.QueueCommand{
			{Index: 0, Prompt: "a", Status: model.CommandCompleted, CostUSD: &cost},
			{Index: 1, Prompt: "b", Status: model.CommandCompleted, CostUSD: &cost},
			{Index: 2, Prompt: "c", Status: model.CommandCompleted, CostUSD: &cost},
			{Index: 3, Prompt: "d", Status: model.CommandPending},
		},
	})

	m.apply(sdkevents.NewCommandStarted(time.Now(), "queue-1", 3, "d", "continue", false))
	// The resumed command's own seeded row updates; the completed rows
	// are untouched.
	require.Equal(t, "running", m.rows["queue-1:3"].status)
	require.Equal(t, "completed", m.rows["queue-1:0"].status)

	m.apply(sdkevents.NewCommandCompleted(time.Now(), "queue-1", 3, 0.03, "eng-1", 500))
	require.Equal(t, "completed", m.rows["queue-1:3"].status)
	require.Equal(t, 0.03, m.rows["queue-1:3"].costUSD)
}

func TestSeedGroup_TerminalStatus_MarksDoneWithoutEvents(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "group-1", bus)
	defer m.Close()

	cost := 0.5
	group := &model.SessionGroup{
		ID:     "group-1",
		Status: model.GroupCompleted,
		Sessions: []model.Session{
			{ID: "s1", Status: model.SessionCompleted, CostUSD: &cost},
		},
	}
	m.SeedGroup(group)

	require.True(t, m.done)
	require.Equal(t, "completed", m.finalStatus)
	require.Equal(t, 0.5, m.rows["s1"].costUSD)
}

func TestTruncate_WidthAware_NotSplitMidSequence(t *testing.T) {
	// Each CJK rune occupies two display cells, so truncation counts
	// cells, not runes or bytes. A byte-slicing truncate would cut
	// mid-rune and render garbage instead of a shortened word.
	require.Equal(t, "日本語", truncate("日本語", 10))
	require.Equal(t, "日…", truncate("日本語テスト", 3))
	require.Equal(t, "abc…", truncate("abcdefgh", 4))
	// ANSI escape sequences are skipped over, not counted or split.
	require.Equal(t, "\x1b[1mab…", truncate("\x1b[1mabcdef", 3))
}

func TestView_TogglingLogOverlay_ShowsAndHidesRingBufferContents(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "group-1", bus)
	defer m.Close()

	before := m.View()
	require.NotContains(t, before, "no log entries")

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'l'}})
	view := updated.(*Model).View()
	require.Contains(t, view, "no log entries", "toggling on with an empty ring buffer still renders the overlay pane")

	updated, _ = updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'l'}})
	require.NotContains(t, updated.(*Model).View(), "no log entries")
}

func TestSeedQueue_PendingStatus_DoesNotMarkDone(t *testing.T) {
	bus := pubsub.New[sdkevents.Event]()
	m := New("demo", "queue-1", bus)
	defer m.Close()

	queue := &model.CommandQueue{
		ID:     "queue-1",
		Status: model.QueuePending,
		Commands: []model.QueueCommand{
			{Index: 0, Prompt: "do it", Status: model.CommandPending},
		},
	}
	m.SeedQueue(queue)

	require.False(t, m.done)
	require.Equal(t, "pending", m.rows["queue-1:0"].status)
}
