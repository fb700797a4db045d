// Package watch notices edits to the input files of a run (the scene and
// the engine configuration) so the command-line tool can fit again.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reports when any of its files is modified after the baseline.
// Parent directories are watched rather than the files, since editors often
// save by renaming a new file over the old one.
type Watcher struct {
	paths    map[string]bool
	baseline map[string]time.Time
	debounce time.Duration
	onChange func(paths []string)
	logger   zerolog.Logger

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	pending map[string]bool
}

// New creates a watcher over paths. Events closer together than debounce
// are reported once.
func New(debounce time.Duration, logger zerolog.Logger, paths ...string) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("nothing to watch")
	}
	w := &Watcher{
		paths:    make(map[string]bool),
		baseline: make(map[string]time.Time),
		debounce: debounce,
		logger:   logger,
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		// Resolve symlinks so that events name the real file.
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
		w.paths[abs] = true
	}
	w.ResetBaseline()
	return w, nil
}

// OnChange sets the callback invoked with the modified files. It runs on the
// watcher goroutine.
func (w *Watcher) OnChange(callback func(paths []string)) {
	w.onChange = callback
}

// Paths returns the watched files, sorted.
func (w *Watcher) Paths() []string {
	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResetBaseline records the current modification times; only later edits
// are reported.
func (w *Watcher) ResetBaseline() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range w.paths {
		if info, err := os.Stat(p); err == nil {
			w.baseline[p] = info.ModTime()
		}
	}
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	dirs := make(map[string]bool)
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}
	w.mu.Lock()
	w.fs = fsw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.pending = make(map[string]bool)
	w.mu.Unlock()
	go w.watchLoop(fsw, w.stopCh, w.done)
	return nil
}

// Stop ends the watcher goroutine and waits for it.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, stop, done := w.fs, w.stopCh, w.done
	w.fs = nil
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	close(stop)
	<-done
	fsw.Close()
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if !w.paths[path] {
				continue
			}
			w.pending[path] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		case <-fire:
			fire = nil
			if changed := w.modified(); len(changed) > 0 && w.onChange != nil {
				w.logger.Debug().Strs("paths", changed).Msg("inputs changed")
				w.onChange(changed)
			}
		}
	}
}

// modified returns the pending paths whose modification time moved past the
// baseline, and advances the baseline for them.
func (w *Watcher) modified() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p := range w.pending {
		info, err := os.Stat(p)
		if err != nil {
			// Mid-rename; the create event that follows brings it back.
			continue
		}
		if info.ModTime().After(w.baseline[p]) {
			w.baseline[p] = info.ModTime()
			out = append(out, p)
		}
		delete(w.pending, p)
	}
	sort.Strings(out)
	return out
}
