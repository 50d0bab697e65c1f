package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snapsync/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Action classifies a source change under a watched mount root.
type Action string

const (
	ActionArrived Action = "arrived"
	ActionRemoved Action = "removed"
)

// SourceEvent reports a directory appearing or disappearing under a
// watch root (an automounted card showing up, or being pulled).
type SourceEvent struct {
	Action    Action
	Path      string
	Name      string
	Timestamp time.Time
}

const (
	eventQueueSize = 16
	// settleDelay lets the automounter finish populating the mount
	// before a backup is triggered on it.
	settleDelay = 2 * time.Second
)

// Watcher observes the configured mount roots with fsnotify and
// reports debounced source arrivals/removals.
type Watcher struct {
	fsw   *fsnotify.Watcher
	roots map[string]struct{}

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	eventsOnce sync.Once
	events     chan SourceEvent
}

// New builds a watcher over the given roots. Roots that do not exist
// are skipped with a log line; at least one must be watchable.
func New(roots []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		roots:    make(map[string]struct{}),
		debounce: make(map[string]*time.Timer),
		stop:     make(chan struct{}),
	}

	for _, raw := range roots {
		abs, err := filepath.Abs(raw)
		if err != nil {
			logger.Errorf("failed to resolve %s: %v", raw, err)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			logger.Warnf("watch root %s unavailable, skipping", abs)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			logger.Errorf("failed to watch %s: %v", abs, err)
			continue
		}
		logger.Infof("watching mount root: %s", abs)
		w.roots[abs] = struct{}{}
	}

	if len(w.roots) == 0 {
		_ = fsw.Close()
		return nil, errors.New("watcher: no valid mount roots to watch")
	}
	return w, nil
}

// Events starts the watch loop on first call and returns its event
// channel; later calls return the same channel. The channel is left
// open after Close; consumers select on their own shutdown signal.
func (w *Watcher) Events() <-chan SourceEvent {
	w.eventsOnce.Do(func() {
		w.events = make(chan SourceEvent, eventQueueSize)
		w.wg.Add(1)
		go w.loop(w.events)
	})
	return w.events
}

func (w *Watcher) loop(out chan<- SourceEvent) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev, out)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Errorf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, out chan<- SourceEvent) {
	// Only direct children of a root are interesting: those are the
	// mount points.
	if _, ok := w.roots[filepath.Dir(ev.Name)]; !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		w.debounceArrival(ev.Name, out)
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.cancelArrival(ev.Name)
		emit(out, SourceEvent{
			Action:    ActionRemoved,
			Path:      ev.Name,
			Name:      filepath.Base(ev.Name),
			Timestamp: time.Now(),
		})
	}
}

// debounceArrival waits for the mount to settle, then confirms it is
// still a readable directory before reporting it.
func (w *Watcher) debounceArrival(path string, out chan<- SourceEvent) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if t, ok := w.debounce[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.debounce[path] = time.AfterFunc(settleDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounce, path)
		w.debounceMu.Unlock()

		select {
		case <-w.stop:
			return
		default:
		}
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return
		}
		emit(out, SourceEvent{
			Action:    ActionArrived,
			Path:      path,
			Name:      filepath.Base(path),
			Timestamp: time.Now(),
		})
	})
}

func (w *Watcher) cancelArrival(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if t, ok := w.debounce[path]; ok {
		t.Stop()
		delete(w.debounce, path)
	}
}

func emit(out chan<- SourceEvent, ev SourceEvent) {
	select {
	case out <- ev:
	default:
		logger.Errorf("watcher backpressure, dropping event %+v", ev)
	}
}

// Close stops the watch loop, waits for it to exit, and releases the
// fsnotify handle.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
		w.wg.Wait()
	})
}
