// Package watcher watches a drop folder for catalog files and hands each one to an
// import handler, debounced and one at a time.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 400 * time.Millisecond
	queueSize       = 64

	// ProcessedDir and FailedDir are created inside the watched folder. Handled
	// catalogs are moved into one of them so they are not imported twice.
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Handler imports one catalog file.
type Handler func(ctx context.Context, path string) error

// Watcher watches one directory (non-recursive) and runs a Handler for each catalog file
// that is created or rewritten there.
type Watcher struct {
	dir        string
	extensions []string
	handle     Handler
	debounce   time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	debounceMap map[string]*time.Timer
	queue       chan string
	done        chan struct{}
	started     bool
	wg          sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the quiet period that must pass after the last write event.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher for dir. extensions filter which files are handled
// (empty means all).
func NewWatcher(dir string, extensions []string, handle Handler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		extensions:  extensions,
		handle:      handle,
		debounce:    defaultDebounce,
		logger:      zap.NewNop(),
		debounceMap: make(map[string]*time.Timer),
		queue:       make(chan string, queueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start creates the folder if needed, queues catalogs already present, and runs until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		w.mu.Unlock()
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		w.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	w.watcher = fw
	w.done = done
	w.started = true
	w.logger.Debug("watcher starting", zap.String("dir", w.dir), zap.Strings("extensions", w.extensions))

	w.wg.Add(2)
	go w.run(ctx, fw, done)
	go w.work(ctx, done)
	w.mu.Unlock()

	for _, path := range w.existing() {
		w.enqueue(path)
	}
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			go w.stop(done)
			return
		case <-done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

// work runs the handler for queued paths one at a time.
func (w *Watcher) work(ctx context.Context, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case path := <-w.queue:
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return
	}
	w.logger.Info("catalog detected", zap.String("path", path))
	err := w.handle(ctx, path)
	target := ProcessedDir
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		target = FailedDir
		w.logger.Error("catalog import failed", zap.String("path", path), zap.Error(err))
	}
	if moved, mvErr := w.archive(path, target); mvErr != nil {
		w.logger.Warn("could not move handled catalog", zap.String("path", path), zap.Error(mvErr))
	} else {
		w.logger.Debug("catalog archived", zap.String("to", moved))
	}
}

// archive moves path into dir/<sub>/, prefixing a timestamp when the name is taken.
func (w *Watcher) archive(path, sub string) (string, error) {
	dest := filepath.Join(w.dir, sub)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", err
	}
	target := filepath.Join(dest, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dest, time.Now().UTC().Format("20060102T150405")+"-"+filepath.Base(path))
	}
	return target, os.Rename(path, target)
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if filepath.Dir(path) != w.dir {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return
		}
		if w.matchExtension(path) {
			w.debounceHandle(path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

func (w *Watcher) matchExtension(path string) bool {
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if len(extensions) == 0 {
		return true
	}
	extNorm := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == extNorm {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceHandle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	select {
	case w.queue <- path:
	case <-done:
	default:
		w.logger.Warn("import queue full, dropping catalog event", zap.String("path", path))
	}
}

// existing lists matching files already in the folder, sorted by name.
func (w *Watcher) existing() []string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		p := filepath.Join(w.dir, ent.Name())
		if w.matchExtension(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Dir returns the watched folder.
func (w *Watcher) Dir() string { return w.dir }

// Stop stops the watcher and waits for a running import to return. A stopped
// watcher can be started again.
func (w *Watcher) Stop() { w.stop(nil) }

// stop ends the run whose done channel is run, or the current run when run is nil.
func (w *Watcher) stop(run chan struct{}) {
	w.mu.Lock()
	if !w.started || w.watcher == nil || (run != nil && run != w.done) {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	close(w.done)
	w.mu.Unlock()
	w.wg.Wait()
}
