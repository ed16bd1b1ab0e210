// Package loader discovers extension packages on disk, loads them
// through the manager, and hot-reloads them when the files change.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ayoto/extensions/internal/extension"
)

// PackageExt is the file extension of distributable packages.
const PackageExt = ".aypk"

// debounceWindow coalesces the burst of write events a single package
// copy produces into one reload.
const debounceWindow = 500 * time.Millisecond

// Loader ties a package directory to a manager.
type Loader struct {
	mgr    *extension.Manager
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer
	byPath  map[string]string // file path -> extension ID
}

// New builds a loader for one directory.
func New(mgr *extension.Manager, dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		mgr:     mgr,
		dir:     dir,
		logger:  logger.With("component", "loader", "dir", dir),
		pending: make(map[string]*time.Timer),
		byPath:  make(map[string]string),
	}
}

// Discover lists the package files in the directory, sorted by name.
func (l *Loader) Discover() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read extension directory %s: %w", l.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), PackageExt) {
			continue
		}
		paths = append(paths, filepath.Join(l.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadFile loads one package file through the manager.
func (l *Loader) LoadFile(ctx context.Context, path string) *extension.LoadResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return &extension.LoadResult{
			Errors:   []string{fmt.Sprintf("read %s: %v", path, err)},
			Warnings: []string{},
		}
	}
	res := l.mgr.LoadPackage(ctx, data)
	if res.Success {
		l.mu.Lock()
		l.byPath[path] = res.ExtensionID
		l.mu.Unlock()
		l.logger.Info("loaded package", "path", path, "extension", res.ExtensionID)
	} else {
		l.logger.Warn("package failed to load", "path", path, "errors", res.Errors)
	}
	return res
}

// LoadAll discovers and loads every package. One bad package never
// stops the rest; callers get the per-file breakdown.
func (l *Loader) LoadAll(ctx context.Context) []*extension.LoadResult {
	paths, err := l.Discover()
	if err != nil {
		return []*extension.LoadResult{{
			Errors:   []string{err.Error()},
			Warnings: []string{},
		}}
	}
	results := make([]*extension.LoadResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, l.LoadFile(ctx, p))
	}
	l.logger.Info("directory scan complete", "packages", len(paths))
	return results
}

// Watch hot-reloads packages as files change until ctx is cancelled.
// Writes and creations reload after a debounce; removals unload the
// extension that file produced.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	l.logger.Info("watching for package changes")
	go l.watchLoop(ctx, watcher)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (l *Loader) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !strings.HasSuffix(strings.ToLower(event.Name), PackageExt) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		l.mu.Lock()
		if t, ok := l.pending[event.Name]; ok {
			t.Stop()
			delete(l.pending, event.Name)
		}
		id, known := l.byPath[event.Name]
		delete(l.byPath, event.Name)
		l.mu.Unlock()
		if known {
			l.logger.Info("package removed, unloading", "path", event.Name, "extension", id)
			l.mgr.Unload(id)
		}

	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		l.scheduleReload(ctx, event.Name)
	}
}

// scheduleReload (re)arms the debounce timer for a path.
func (l *Loader) scheduleReload(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.pending[path]; ok {
		t.Stop()
	}
	l.pending[path] = time.AfterFunc(debounceWindow, func() {
		l.mu.Lock()
		delete(l.pending, path)
		l.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		l.logger.Info("package changed, reloading", "path", path)
		l.LoadFile(ctx, path)
	})
}

// Unload removes an extension and forgets its file mapping.
func (l *Loader) Unload(id string) *extension.LoadResult {
	l.mu.Lock()
	for path, extID := range l.byPath {
		if extID == id {
			delete(l.byPath, path)
		}
	}
	l.mu.Unlock()
	return l.mgr.Unload(id)
}
