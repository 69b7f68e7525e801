// Package watcher watches a single file, such as the settings file, and
// reports debounced changes and deletions.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces editor save bursts into one callback.
const DefaultDebounce = 100 * time.Millisecond

// Callbacks are invoked from the watcher goroutine. Both are optional.
type Callbacks struct {
	OnChange func()
	OnDelete func()
}

// Watcher monitors a file for writes and removal.
// It watches the parent directory since fsnotify cannot watch non-existent files.
type Watcher struct {
	targetPath string
	parentPath string
	callbacks  Callbacks
	watcher    *fsnotify.Watcher
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	running    bool
	debounce   time.Duration
}

// New creates a Watcher for targetPath.
func New(targetPath string, callbacks Callbacks) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	target := filepath.Clean(targetPath)

	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		callbacks:  callbacks,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		debounce:   DefaultDebounce,
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to add initial watch")
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

type pending int

const (
	pendingNone pending = iota
	pendingChange
	pendingDelete
)

func (w *Watcher) watchLoop() {
	var (
		timer *time.Timer
		mu    sync.Mutex
		kind  = pendingNone
	)

	schedule := func(k pending) {
		mu.Lock()
		defer mu.Unlock()
		// the last event in the window wins, so delete then recreate is a change
		kind = k
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			mu.Lock()
			fire := kind
			kind = pendingNone
			mu.Unlock()
			w.fire(fire)
		})
	}

	for {
		select {
		case <-w.ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			eventPath := filepath.Clean(event.Name)

			if eventPath == w.parentPath && event.Op&fsnotify.Remove != 0 {
				log.Info().Str("path", w.parentPath).Msg("Parent directory deleted")
				schedule(pendingDelete)
				continue
			}
			if eventPath != w.targetPath {
				continue
			}

			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				log.Info().Str("path", w.targetPath).Msg("Watched file deleted")
				schedule(pendingDelete)
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				schedule(pendingChange)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) fire(k pending) {
	switch k {
	case pendingChange:
		log.Info().Str("path", w.targetPath).Msg("Watched file changed")
		if w.callbacks.OnChange != nil {
			w.callbacks.OnChange()
		}
	case pendingDelete:
		log.Info().Str("path", w.targetPath).Msg("Triggering deletion callback")
		if w.callbacks.OnDelete != nil {
			w.callbacks.OnDelete()
		}
		// the parent may have been recreated by the callback
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := w.addWatch(); err != nil {
				log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to re-establish watch after deletion")
			}
		}()
	}
}
