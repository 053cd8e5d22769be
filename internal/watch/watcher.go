package watch

import (
	"sync"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
)

// Change is a chunk of bytes appended to a watched file since the
// watcher's last emission.
type Change struct {
	Path      string
	Content   string
	Timestamp time.Time
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	DebounceMs      int
	IncludeExisting bool
}

// DefaultWatcherConfig returns the spec's defaults: 50ms debounce, not
// including pre-existing content.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{DebounceMs: 50}
}

// Watcher tails a single append-only file, emitting Changes for bytes
// appended since the last emission. It debounces bursts of raw
// filesystem notifications and detects truncation/rotation by
// comparing the file's current size against its tracked offset.
//
// The debounce timer and the stopped flag are guarded by mu so Stop can
// cancel the timer safely from another goroutine; once Start has
// returned, offset is only touched by the debounce timer's callback.
type Watcher struct {
	path   string
	fs     FileSystem
	clock  ids.Clock
	config WatcherConfig

	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	notifier ChangeNotifier

	offset  int64
	changes chan Change
	done    chan struct{}
	signal  chan struct{}
}

// NewWatcher constructs a Watcher for path. Call Start to begin
// tailing; read emitted Changes from Changes().
func NewWatcher(fs FileSystem, clock ids.Clock, path string, config WatcherConfig) *Watcher {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Watcher{
		path:    path,
		fs:      fs,
		clock:   clock,
		config:  config,
		changes: make(chan Change, 16),
		done:    make(chan struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// Changes returns the channel Change values are published on. It is
// closed when the watcher stops.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start performs the initial read (if configured) and begins tailing in
// a background goroutine.
func (w *Watcher) Start() error {
	if w.config.IncludeExisting {
		content, err := w.fs.ReadFile(w.path)
		if err != nil {
			return err
		}
		if content != "" {
			w.publish(content)
		}
	}

	stat, err := w.fs.Stat(w.path)
	if err == nil {
		w.offset = stat.Size
	}

	notifier, err := w.fs.Watch(w.path)
	if err != nil {
		return err
	}
	w.notifier = notifier

	go w.run()
	return nil
}

func (w *Watcher) publish(content string) {
	select {
	case w.changes <- Change{Path: w.path, Content: content, Timestamp: w.clock.Now()}:
	default:
		// Drop the stale pending change and resend the fresh one so a
		// slow consumer never blocks the tailer indefinitely.
		select {
		case <-w.changes:
		default:
		}
		w.changes <- Change{Path: w.path, Content: content, Timestamp: w.clock.Now()}
	}
}

func (w *Watcher) run() {
	defer close(w.changes)

	go w.watchLoop()

	debounce := time.Duration(w.config.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}

	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.signal:
			if !ok {
				return
			}
			w.armDebounce(debounce)
		}
	}
}

func (w *Watcher) watchLoop() {
	for {
		ok, err := w.notifier.Next()
		if err != nil {
			log.Warn(log.CatWatcher, "transient watcher error, continuing", "path", w.path, "error", err)
			continue
		}
		if !ok {
			return
		}
		w.sendSignal()
	}
}

func (w *Watcher) sendSignal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watcher) armDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, w.readNewContent)
}

func (w *Watcher) readNewContent() {
	stat, err := w.fs.Stat(w.path)
	if err != nil {
		// Treat as transient: reset to 0 and keep watching.
		w.offset = 0
		return
	}

	switch {
	case stat.Size < w.offset:
		w.offset = 0
	case stat.Size == w.offset:
		return
	}

	content, err := w.fs.ReadFile(w.path)
	if err != nil {
		w.offset = 0
		return
	}
	if int64(len(content)) < w.offset {
		w.offset = 0
		return
	}

	slice := content[w.offset:]
	w.offset = int64(len(content))
	if slice != "" {
		w.publish(slice)
	}
}

// Stop idempotently halts tailing: marks stopped, clears any pending
// debounce timer, and releases the per-file notifier.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if w.notifier != nil {
		_ = w.notifier.Close()
	}
}

// MergeChanges fair-merges multiple Change channels into one. The
// merged stream doesn't terminate until every source channel closes.
func MergeChanges(sources ...<-chan Change) <-chan Change {
	out := make(chan Change, 16)
	var wg sync.WaitGroup
	wg.Add(len(sources))

	for _, src := range sources {
		src := src
		go func() {
			defer wg.Done()
			for change := range src {
				out <- change
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
