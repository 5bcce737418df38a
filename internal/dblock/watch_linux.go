//go:build linux

package dblock

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type markerWatch struct {
	watcher *fsnotify.Watcher
	name    string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// watchMarker signals on Events whenever the marker's directory reports a
// change to the marker. Errors from the watcher are also signalled so the
// caller re-checks.
func watchMarker(marker string) (*markerWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dblock: create watcher: %w", err)
	}
	dir := filepath.Dir(marker)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("dblock: watch %q: %w", dir, err)
	}
	w := &markerWatch{
		watcher: watcher,
		name:    filepath.Clean(marker),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *markerWatch) Events() <-chan struct{} { return w.events }

func (w *markerWatch) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	return nil
}

func (w *markerWatch) run() {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.name && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				w.signal()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.signal()
		}
	}
}

func (w *markerWatch) signal() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
