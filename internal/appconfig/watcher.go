package appconfig

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces the burst of Write/Create events many editors
// and config-management tools emit for a single logical save.
const debounceWindow = 300 * time.Millisecond

// Watcher reloads a Store whenever its backing file changes on disk.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	closeCh chan struct{}
}

// WatchStore starts watching store's backing file, debouncing reloads so
// a rapid sequence of filesystem events collapses into a single reload.
func WatchStore(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(store.path); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{store: store, fsw: fsw, closeCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("appconfig: watcher error")
		case <-w.closeCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		if err := w.store.Reload(); err != nil {
			log.WithError(err).Warn("appconfig: hot-reload failed, keeping previous config")
			return
		}
		log.Info("appconfig: configuration hot-reloaded")
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closeCh)
	return w.fsw.Close()
}
