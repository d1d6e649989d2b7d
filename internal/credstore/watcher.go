package credstore

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"qbmcp/pkg/logging"
)

// DefaultDebounceInterval is the time to wait after the last change before
// notifying. A single save produces a create and a rename event.
const DefaultDebounceInterval = 250 * time.Millisecond

// WatcherConfig configures the store watcher.
type WatcherConfig struct {
	// Dir is the credential directory to watch.
	Dir string

	// Debounce overrides DefaultDebounceInterval.
	Debounce time.Duration

	// OnChange is called after credential files were written or removed,
	// typically by another qbmcp process.
	OnChange func()

	// Ignore, when set, filters out changes the caller made itself.
	Ignore func(path string) bool
}

// Watcher notifies when credential files in a directory change.
type Watcher struct {
	mu sync.Mutex

	config    WatcherConfig
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher. Call Start to begin watching.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounceInterval
	}
	return &Watcher{config: config}
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.config.Dir); err != nil {
		watcher.Close()
		return err
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	// Capture channels before releasing lock to avoid races with Stop.
	go w.processEvents(w.stopCh, watcher.Events, watcher.Errors)

	logging.Info("StoreWatcher", "Watching %s for credential changes", w.config.Dir)
	return nil
}

func (w *Watcher) processEvents(stopCh <-chan struct{}, eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("StoreWatcher", err, "fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isRecordFile(filepath.Base(event.Name)) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if w.config.Ignore != nil && w.config.Ignore(event.Name) {
		return
	}

	logging.Debug("StoreWatcher", "Credential file changed: %s (%s)", filepath.Base(event.Name), event.Op)
	w.triggerDebounced()
}

func (w *Watcher) triggerDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	var err error
	if w.fsWatcher != nil {
		err = w.fsWatcher.Close()
		w.fsWatcher = nil
	}

	logging.Debug("StoreWatcher", "Stopped watching %s", w.config.Dir)
	return err
}

// IsRunning returns whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
