package shield

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FeedWatcher reloads the threat feed when the file changes on disk.
// The parent directory is watched so editor save-via-rename is caught.
type FeedWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func()
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewFeedWatcher starts watching the feed file. onChange fires after a
// short debounce window of quiet.
func NewFeedWatcher(path string, onChange func(), logger *slog.Logger) (*FeedWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw := &FeedWatcher{
		watcher:  w,
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := w.Add(filepath.Dir(fw.path)); err != nil {
		w.Close()
		return nil, err
	}

	go fw.loop()
	return fw, nil
}

func (fw *FeedWatcher) loop() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fw.logger.Debug("threat feed changed", "op", event.Op.String())
			fw.scheduleReload()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("feed watcher error", "error", err)

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FeedWatcher) scheduleReload() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.stopped {
		return
	}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.onChange)
}

// Stop ends watching. Pending debounced reloads are cancelled.
func (fw *FeedWatcher) Stop() {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return
	}
	fw.stopped = true
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	close(fw.stopCh)
	fw.watcher.Close()
}
