package config

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchDebounce settles bursts of write events from editors.
	watchDebounce = 100 * time.Millisecond
	// watchRearmDelay waits out atomic-save renames before re-adding the
	// watch, since the original inode is gone once the editor swaps files.
	watchRearmDelay = 120 * time.Millisecond
)

// Watcher invokes a callback after the config file settles following a
// change on disk.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func()
	done     chan struct{}
}

// Watch starts watching path. onChange runs on the watcher goroutine
// after each debounced change; keep it short or hand off.
func Watch(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, fsw: fsw, onChange: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Close stops delivering change notifications.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	trigger := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(watchDebounce, w.onChange)
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				trigger()
			}
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				time.Sleep(watchRearmDelay)
				w.fsw.Remove(w.path)
				if err := w.fsw.Add(w.path); err != nil {
					slog.Warn("config watch re-arm failed", "path", w.path, "error", err)
					continue
				}
				trigger()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch error", "path", w.path, "error", err)
		}
	}
}
