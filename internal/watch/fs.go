package watch

import (
	"errors"
	"os"

	"github.com/fsnotify/fsnotify"
)

// FileStat is the subset of file metadata the watcher needs.
type FileStat struct {
	Size int64
}

// ChangeNotifier is an async iterable of raw filesystem change
// notifications for one watched path.
type ChangeNotifier interface {
	// Next blocks until a change notification or an error/close. ok is
	// false once the notifier is exhausted (closed); err distinguishes
	// a clean close from a failure.
	Next() (ok bool, err error)
	Close() error
}

// FileSystem is the external collaborator the Transcript Watcher
// depends on: existence checks, whole-file reads, and a per-path change
// notification stream.
type FileSystem interface {
	Exists(path string) bool
	ReadFile(path string) (string, error)
	WriteFile(path string, data []byte) error
	Mkdir(path string, recursive bool) error
	Stat(path string) (FileStat, error)
	Watch(path string) (ChangeNotifier, error)
}

// OSFileSystem is the production FileSystem, backed by os and fsnotify.
type OSFileSystem struct{}

// Exists reports whether path exists.
func (OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads the whole file. A missing file returns an empty
// string rather than an error (per the filesystem transient-error
// policy).
func (OSFileSystem) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator/session-controlled
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes data to path, creating or truncating it.
func (OSFileSystem) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

// Mkdir creates path, optionally creating parents.
func (OSFileSystem) Mkdir(path string, recursive bool) error {
	if recursive {
		return os.MkdirAll(path, 0o750)
	}
	return os.Mkdir(path, 0o750)
}

// Stat returns the file's size.
func (OSFileSystem) Stat(path string) (FileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{Size: info.Size()}, nil
}

// Watch returns an fsnotify-backed ChangeNotifier for path.
func (OSFileSystem) Watch(path string) (ChangeNotifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &fsnotifyNotifier{watcher: w}, nil
}

type fsnotifyNotifier struct {
	watcher *fsnotify.Watcher
}

func (n *fsnotifyNotifier) Next() (bool, error) {
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return false, nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				return true, nil
			}
			// Other event kinds (chmod, rename) don't carry new bytes;
			// keep waiting for the next one.
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return false, nil
			}
			return false, err
		}
	}
}

func (n *fsnotifyNotifier) Close() error {
	return n.watcher.Close()
}
