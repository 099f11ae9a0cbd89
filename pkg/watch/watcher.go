// Package watch turns file-system change notifications into bus
// events: a full directory snapshot whenever the tree shape changes,
// and a file_changed event when the currently displayed file is
// written. The watcher is a producer only; it never blocks on
// consumers because Bus.Publish never blocks.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdview/mdview/pkg/bus"
	"github.com/mdview/mdview/pkg/logger"
)

// debounceWindow coalesces editor write bursts (most editors touch a
// file at least twice per save) into one publication.
const debounceWindow = 100 * time.Millisecond

// Watcher observes the served root recursively and publishes
// directory and file events to the bus.
type Watcher struct {
	root string
	bus  *bus.Bus
	fw   *fsnotify.Watcher

	mu      sync.Mutex
	current string // root-relative slash path of the displayed file
}

// New creates a watcher over root. Start must be called before any
// events are published.
func New(root string, b *bus.Bus) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{root: abs, bus: b, fw: fw}, nil
}

// Start registers the watch tree and runs the event loop until ctx is
// cancelled. An initial snapshot is published so consumers that
// connected before the first change still get a listing.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watchTree(w.root); err != nil {
		return err
	}
	if err := w.publishSnapshot(); err != nil {
		logger.WarnCF("watch", "Initial scan failed", map[string]interface{}{"error": err.Error()})
	}

	go w.loop(ctx)
	logger.InfoCF("watch", "Watching directory", map[string]interface{}{"root": w.root})
	return nil
}

// Close stops the underlying fs watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

// Attach switches the currently displayed file and immediately
// publishes a fresh snapshot, so a (re)connecting browser never
// depends on replayed directory history. The path must stay inside
// the served root.
func (w *Watcher) Attach(rel string) error {
	full, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		w.mu.Lock()
		w.current = filepath.ToSlash(rel)
		w.mu.Unlock()
	}
	return w.publishSnapshot()
}

func (w *Watcher) resolve(rel string) (string, error) {
	full := filepath.Clean(filepath.Join(w.root, filepath.FromSlash(rel)))
	if full != w.root && !strings.HasPrefix(full, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes watched root", rel)
	}
	return full, nil
}

func (w *Watcher) loop(ctx context.Context) {
	var (
		timer     *time.Timer
		timerC    <-chan time.Time
		dirDirty  bool
		fileDirty string
	)
	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(debounceWindow)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(debounceWindow)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.ignored(evt.Name) {
				continue
			}

			switch {
			case evt.Has(fsnotify.Create):
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					if err := w.watchTree(evt.Name); err != nil {
						logger.WarnCF("watch", "Failed to watch new directory", map[string]interface{}{
							"dir": evt.Name, "error": err.Error(),
						})
					}
				}
				dirDirty = true
			case evt.Has(fsnotify.Remove), evt.Has(fsnotify.Rename):
				dirDirty = true
			case evt.Has(fsnotify.Write):
				if rel := w.relIfCurrent(evt.Name); rel != "" {
					fileDirty = rel
				}
			}
			if dirDirty || fileDirty != "" {
				resetTimer()
			}

		case <-timerC:
			if dirDirty {
				if err := w.publishSnapshot(); err != nil {
					logger.WarnCF("watch", "Rescan failed", map[string]interface{}{"error": err.Error()})
				}
				dirDirty = false
			}
			if fileDirty != "" {
				w.bus.Publish(bus.NewFileEvent(fileDirty))
				logger.DebugCF("watch", "File changed", map[string]interface{}{"path": fileDirty})
				fileDirty = ""
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.WarnCF("watch", "Watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// relIfCurrent returns the root-relative path when name is the
// currently displayed file, empty otherwise.
func (w *Watcher) relIfCurrent(name string) string {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)

	w.mu.Lock()
	defer w.mu.Unlock()
	if rel == w.current && w.current != "" {
		return rel
	}
	return ""
}

// watchTree adds dir and every non-hidden subdirectory to the fs
// watcher.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if hidden(d.Name()) && path != dir {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

// publishSnapshot rescans the tree and publishes a complete listing.
func (w *Watcher) publishSnapshot() error {
	files, err := w.Scan()
	if err != nil {
		return err
	}
	w.bus.Publish(bus.NewDirectoryEvent(".", files))
	return nil
}

// Scan walks the served root and returns the viewable entries:
// directories and markdown files, hidden names skipped, sorted by
// path.
func (w *Watcher) Scan() ([]bus.FileInfo, error) {
	var files []bus.FileInfo
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == w.root {
			return nil
		}
		if hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !markdown(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		files = append(files, bus.FileInfo{
			Name: d.Name(),
			Path: filepath.ToSlash(rel),
			Dir:  d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", w.root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (w *Watcher) ignored(name string) bool {
	return hidden(filepath.Base(name))
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func markdown(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown", ".mdown":
		return true
	default:
		return false
	}
}
