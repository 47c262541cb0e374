package heartware

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"tinyclaw/internal/intercom"
)

const debounce = 500 * time.Millisecond

// Watcher publishes TopicHeartwareChanged on the intercom when a managed
// file is edited on disk. Rapid edit bursts are debounced per file.
type Watcher struct {
	fsw    *fsnotify.Watcher
	bus    *intercom.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopCh  chan struct{}
	done    sync.WaitGroup
}

// NewWatcher starts watching the manager's directory.
func NewWatcher(m *Manager, bus *intercom.Bus, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(m.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		bus:     bus,
		logger:  logger.With().Str("component", "heartware.watcher").Logger(),
		pending: make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
	w.done.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.done.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !managed(name) {
				continue
			}
			w.schedule(name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("heartware watch error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[name]; ok {
		t.Stop()
	}
	w.pending[name] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()
		w.logger.Debug().Str("file", name).Msg("heartware changed on disk")
		w.bus.Publish(intercom.TopicHeartwareChanged, name)
	})
}

// Stop halts the watcher and cancels pending debounced publishes.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
	w.done.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for name, t := range w.pending {
		t.Stop()
		delete(w.pending, name)
	}
}
