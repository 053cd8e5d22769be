package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeNotifier lets tests fire change notifications deterministically
// instead of waiting on a real filesystem.
type fakeNotifier struct {
	mu     sync.Mutex
	events chan struct{}
	closed bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan struct{}, 8)}
}

func (n *fakeNotifier) fire() {
	select {
	case n.events <- struct{}{}:
	default:
	}
}

func (n *fakeNotifier) Next() (bool, error) {
	_, ok := <-n.events
	return ok, nil
}

func (n *fakeNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.events)
	}
	return nil
}

type fakeFS struct {
	mu       sync.Mutex
	contents map[string]string
	notifier *fakeNotifier
}

func newFakeFS() *fakeFS {
	return &fakeFS{contents: make(map[string]string), notifier: newFakeNotifier()}
}

func (f *fakeFS) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.contents[path]
	return ok
}

func (f *fakeFS) ReadFile(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contents[path], nil
}

func (f *fakeFS) WriteFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents[path] = string(data)
	return nil
}

func (f *fakeFS) Mkdir(path string, recursive bool) error { return nil }

func (f *fakeFS) Stat(path string) (FileStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FileStat{Size: int64(len(f.contents[path]))}, nil
}

func (f *fakeFS) Watch(path string) (ChangeNotifier, error) {
	return f.notifier, nil
}

func (f *fakeFS) append(path, s string) {
	f.mu.Lock()
	f.contents[path] += s
	f.mu.Unlock()
}

func (f *fakeFS) truncate(path string) {
	f.mu.Lock()
	f.contents[path] = ""
	f.mu.Unlock()
}

func recvWithTimeout(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestWatcher_EmitsAppendedBytes(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte("line1\n"))

	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1})
	require.NoError(t, w.Start())
	defer w.Stop()

	fs.append("t.jsonl", "line2\n")
	fs.notifier.fire()

	change := recvWithTimeout(t, w.Changes())
	require.Equal(t, "line2\n", change.Content)
}

func TestWatcher_IncludeExisting_EmitsWholeFileFirst(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte("existing\n"))

	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1, IncludeExisting: true})
	require.NoError(t, w.Start())
	defer w.Stop()

	change := recvWithTimeout(t, w.Changes())
	require.Equal(t, "existing\n", change.Content)
}

func TestWatcher_ExcludeExisting_SkipsPriorContent(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte("existing\n"))

	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1})
	require.NoError(t, w.Start())
	defer w.Stop()

	fs.append("t.jsonl", "new\n")
	fs.notifier.fire()

	change := recvWithTimeout(t, w.Changes())
	require.Equal(t, "new\n", change.Content)
}

func TestWatcher_Truncation_ResetsOffsetToZero(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte("aaaa"))

	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1})
	require.NoError(t, w.Start())
	defer w.Stop()

	fs.truncate("t.jsonl")
	fs.append("t.jsonl", "bb")
	fs.notifier.fire()

	change := recvWithTimeout(t, w.Changes())
	require.Equal(t, "bb", change.Content)
}

func TestWatcher_NoSizeChange_NoEmission(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte("aaaa"))

	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1})
	require.NoError(t, w.Start())
	defer w.Stop()

	fs.notifier.fire() // no new bytes written

	select {
	case c := <-w.Changes():
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_Stop_IsIdempotent(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte(""))
	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1})
	require.NoError(t, w.Start())

	require.NotPanics(t, func() {
		w.Stop()
		w.Stop()
	})
}

func TestWatcher_Stop_ClosesChangesChannel(t *testing.T) {
	fs := newFakeFS()
	fs.WriteFile("t.jsonl", []byte(""))
	w := NewWatcher(fs, nil, "t.jsonl", WatcherConfig{DebounceMs: 1})
	require.NoError(t, w.Start())
	w.Stop()

	_, ok := <-w.Changes()
	require.False(t, ok)
}

func TestMergeChanges_CombinesMultipleSources(t *testing.T) {
	a := make(chan Change, 1)
	b := make(chan Change, 1)
	a <- Change{Path: "a"}
	b <- Change{Path: "b"}
	close(a)
	close(b)

	merged := MergeChanges(a, b)

	var seen []string
	for c := range merged {
		seen = append(seen, c.Path)
	}
	require.ElementsMatch(t, []string{"a", "b"}, seen)
}
