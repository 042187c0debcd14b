// Package watcher drives rebuilds from file system changes under the
// project's source directories. Events are debounced so one save burst
// or branch switch turns into a single change batch.
package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"kiln/internal/logging"
	"kiln/internal/observability"
)

// Config contains watcher configuration. Exclude patterns are matched
// against base names; extensions is an allowlist, empty meaning every
// file counts.
type Config struct {
	Debounce     time.Duration
	ExcludeDirs  []string
	ExcludeFiles []string
	Extensions   []string
}

// Watcher watches a project tree and reports quiescent change batches
// as root-relative slash paths.
type Watcher struct {
	root      string
	fsWatcher *fsnotify.Watcher
	logger    *logging.Logger
	onChange  func([]string)

	excludeDirs  []glob.Glob
	excludeFiles []glob.Glob
	extensions   map[string]bool

	debouncer *Debouncer
	pending   map[string]bool
	pendingMu sync.Mutex
}

// New creates a watcher rooted at the project directory.
func New(root string, cfg Config, logger *logging.Logger, onChange func([]string)) (*Watcher, error) {
	if onChange == nil {
		return nil, os.ErrInvalid
	}

	excludeDirs, err := compileGlobs(cfg.ExcludeDirs)
	if err != nil {
		return nil, err
	}
	excludeFiles, err := compileGlobs(cfg.ExcludeFiles)
	if err != nil {
		return nil, err
	}

	extensions := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		extensions[strings.ToLower(ext)] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	return &Watcher{
		root:         root,
		fsWatcher:    fsw,
		logger:       logger,
		onChange:     onChange,
		excludeDirs:  excludeDirs,
		excludeFiles: excludeFiles,
		extensions:   extensions,
		debouncer:    NewDebouncer(debounce),
		pending:      make(map[string]bool),
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Watch starts watching the given root-relative directories and begins
// delivering change batches. Directories that do not exist yet are
// skipped.
func (w *Watcher) Watch(dirs []string) error {
	for _, dir := range dirs {
		base := filepath.Join(w.root, filepath.FromSlash(dir))
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		if err := w.watchRecursive(base); err != nil {
			return err
		}
	}

	go w.run()
	return nil
}

func (w *Watcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if w.shouldExcludeDir(path) {
				return filepath.SkipDir
			}
			return w.fsWatcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			observability.WatcherEventsTotal.Inc()

			if event.Op&fsnotify.Create == fsnotify.Create {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					if !w.shouldExcludeDir(event.Name) {
						if err := w.watchRecursive(event.Name); err != nil {
							w.logger.Warn("Failed to watch new directory", map[string]interface{}{
								"path":  event.Name,
								"error": err.Error(),
							})
						} else {
							w.enqueueExistingFiles(event.Name)
						}
					}
					continue
				}
			}

			if w.shouldExcludeFile(event.Name) {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Remove == fsnotify.Remove ||
				event.Op&fsnotify.Rename == fsnotify.Rename {
				w.scheduleChange(event.Name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) scheduleChange(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}

	w.pendingMu.Lock()
	w.pending[filepath.ToSlash(rel)] = true
	w.pendingMu.Unlock()

	w.debouncer.Trigger(w.flushChanges)
}

func (w *Watcher) flushChanges() {
	w.pendingMu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.pending = make(map[string]bool)
	w.pendingMu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)

	observability.WatcherRebuildsTotal.Inc()
	w.logger.Debug("Change batch ready", map[string]interface{}{"files": len(paths)})
	w.onChange(paths)
}

func (w *Watcher) shouldExcludeDir(path string) bool {
	base := filepath.Base(path)
	for _, g := range w.excludeDirs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

func (w *Watcher) shouldExcludeFile(path string) bool {
	base := filepath.Base(path)
	for _, g := range w.excludeFiles {
		if g.Match(base) {
			return true
		}
	}
	if len(w.extensions) > 0 {
		if !w.extensions[strings.ToLower(filepath.Ext(base))] {
			return true
		}
	}
	return false
}

func (w *Watcher) enqueueExistingFiles(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if w.shouldExcludeFile(path) {
			return nil
		}
		w.scheduleChange(path)
		return nil
	})
}

// Close stops the watcher. Pending debounced changes are dropped.
func (w *Watcher) Close() error {
	w.debouncer.Cancel()
	return w.fsWatcher.Close()
}
