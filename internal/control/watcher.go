package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/crucible/internal/logging"
)

// FileName is the control file watched inside a workflow directory.
const FileName = "control"

const defaultDebounce = 50 * time.Millisecond

// FileWatcher turns writes to <dir>/control into Controller commands. The
// file holds one command per line; the watcher consumes (removes) it and
// forwards every line in order.
type FileWatcher struct {
	dir      string
	ctrl     *Controller
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	debounce time.Duration

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *logging.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewFileWatcher creates a watcher for dir, creating the directory if
// needed. Call Start to begin delivering commands.
func NewFileWatcher(dir string, ctrl *Controller, opts ...WatcherOption) (*FileWatcher, error) {
	if ctrl == nil {
		panic("control.NewFileWatcher: controller must not be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &FileWatcher{
		dir:      dir,
		ctrl:     ctrl,
		watcher:  fw,
		logger:   logging.NopLogger(),
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the control file path.
func (w *FileWatcher) Path() string {
	return filepath.Join(w.dir, FileName)
}

// Start consumes any command already on disk and begins watching. Start
// and Stop must be called from the same goroutine.
func (w *FileWatcher) Start() {
	w.started = true
	w.consume()
	go w.watchLoop()
}

// Stop stops the watcher and waits for its goroutine to exit. It is safe
// to call more than once.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		if !w.started {
			close(w.done)
		}
	})
	<-w.done
}

func (w *FileWatcher) watchLoop() {
	defer close(w.done)

	// Writers may produce several events for one command.
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C
	defer debounceTimer.Stop()

	target := w.Path()
	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			w.consume()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("control watcher error", "error", err)
		}
	}
}

// consume takes the control file and forwards its commands in order.
func (w *FileWatcher) consume() {
	path := w.Path()
	data, err := takeFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("failed to read control file", "path", path, "error", err)
		}
		return
	}

	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			w.logger.Warn("ignoring control command", "error", err)
			continue
		}
		if err := w.ctrl.Send(cmd); err != nil {
			w.logger.Warn("ignoring control command", "error", err)
			continue
		}
		w.logger.Info("control command received", "action", string(cmd.Action), "reason", cmd.Reason)
	}
}

// WriteCommand appends cmd to the control file in dir. Commands queue up
// until the watcher consumes the file, so writes in quick succession are
// all delivered, in order.
func WriteCommand(dir string, cmd Command) error {
	if !cmd.Action.Valid() {
		return fmt.Errorf("unknown control action %q", cmd.Action)
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal control command: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}

	f, err := openLocked(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY)
	if err != nil {
		return err
	}
	defer unlockClose(f)
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}
	return nil
}

// takeFile reads and removes path while holding its lock.
func takeFile(path string) ([]byte, error) {
	f, err := openLocked(path, os.O_RDWR)
	if err != nil {
		return nil, err
	}
	defer unlockClose(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read control file: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove control file: %w", err)
	}
	return data, nil
}

// openLocked opens path and takes an exclusive flock on it. A file removed
// by a consumer between the open and the lock is reopened.
func openLocked(path string, flag int) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return nil, err
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("flock control file: %w", err)
		}
		held, err := f.Stat()
		if err != nil {
			unlockClose(f)
			return nil, fmt.Errorf("stat control file: %w", err)
		}
		cur, err := os.Stat(path)
		if err == nil && os.SameFile(held, cur) {
			return f, nil
		}
		unlockClose(f)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat control file: %w", err)
		}
		if flag&os.O_CREATE == 0 {
			return nil, os.ErrNotExist
		}
	}
}

func unlockClose(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
