// Package ingest mirrors a directory of files into a project's shared
// context.
//
// The watcher monitors one directory tree with fsnotify, debounces rapid
// change bursts, and on each quiet period reads the tree and puts the full
// element list (one element per file, keyed "file:<relative path>").
// Because puts are full replacements, deleted files drop out of the
// context without any extra bookkeeping.
package ingest

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ctxsync/ctxsyncd/internal/store"
)

// Putter is the slice of the sync service the watcher needs.
type Putter interface {
	Put(projectID string, elements []store.ElementInput) (int64, error)
}

// Config holds configuration for a directory watcher.
type Config struct {
	// ProjectID is the context record the directory feeds.
	ProjectID string

	// Dir is the directory tree to mirror.
	Dir string

	// Priority is assigned to every ingested element.
	Priority int

	// DebounceInterval is how long the tree must stay quiet before a
	// burst of changes is folded into one put.
	DebounceInterval time.Duration

	// MaxFileSize skips files larger than this many bytes. Zero means
	// 1 MB.
	MaxFileSize int64

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for projectID watching dir.
func DefaultConfig(projectID, dir string) *Config {
	return &Config{
		ProjectID:        projectID,
		Dir:              dir,
		Priority:         10,
		DebounceInterval: 200 * time.Millisecond,
		MaxFileSize:      1 << 20,
		Logger:           log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Watcher mirrors one directory into one project context.
type Watcher struct {
	putter  Putter
	config  *Config
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	dirtyAt time.Time
	dirty   bool
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher. Start begins mirroring.
func New(putter Putter, config *Config) (*Watcher, error) {
	if putter == nil {
		return nil, fmt.Errorf("putter cannot be nil")
	}
	if config == nil || config.ProjectID == "" || config.Dir == "" {
		return nil, fmt.Errorf("config requires a project ID and directory")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 1 << 20
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		putter:  putter,
		config:  config,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start performs an initial full sync, then begins watching for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addDirs(); err != nil {
		return err
	}

	if err := w.Resync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	w.wg.Add(2)
	go w.watchEvents()
	go w.debounceLoop()

	w.config.Logger.Printf("Watching %s for project %s", w.config.Dir, w.config.ProjectID)
	return nil
}

// Stop stops watching. Blocks until background goroutines exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// Resync reads the whole tree and puts the resulting element list.
func (w *Watcher) Resync() error {
	elements, err := w.collect()
	if err != nil {
		return err
	}

	version, err := w.putter.Put(w.config.ProjectID, elements)
	if err != nil {
		return fmt.Errorf("failed to put %d elements: %w", len(elements), err)
	}

	w.config.Logger.Printf("Synced %d files from %s as %s v%d",
		len(elements), w.config.Dir, w.config.ProjectID, version)
	return nil
}

// addDirs registers the tree's directories with fsnotify.
func (w *Watcher) addDirs() error {
	return filepath.WalkDir(w.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipName(d.Name()) && path != w.config.Dir {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// collect builds the element list for the current tree state. Files are
// visited in lexical walk order, which keeps the writer-supplied element
// order (and so the trim tie-break) stable across resyncs.
func (w *Watcher) collect() ([]store.ElementInput, error) {
	var elements []store.ElementInput
	err := filepath.WalkDir(w.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipName(d.Name()) && path != w.config.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if skipName(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > w.config.MaxFileSize {
			w.config.Logger.Printf("Skipping %s: %d bytes over limit", path, info.Size())
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			// The file may have vanished between walk and read.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(w.config.Dir, path)
		if err != nil {
			return err
		}

		elements = append(elements, store.ElementInput{
			Key:      "file:" + filepath.ToSlash(rel),
			Content:  content,
			Priority: w.config.Priority,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", w.config.Dir, err)
	}
	return elements, nil
}

// watchEvents marks the tree dirty on relevant filesystem events and keeps
// newly created directories watched.
func (w *Watcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if skipName(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			w.markDirty()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// debounceLoop folds change bursts into one resync per quiet period.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case <-ticker.C:
			w.mu.Lock()
			due := w.dirty && time.Since(w.dirtyAt) >= w.config.DebounceInterval
			if due {
				w.dirty = false
			}
			w.mu.Unlock()

			if due {
				if err := w.Resync(); err != nil {
					w.config.Logger.Printf("Resync error: %v", err)
				}
			}
		}
	}
}

func (w *Watcher) markDirty() {
	w.mu.Lock()
	w.dirty = true
	w.dirtyAt = time.Now()
	w.mu.Unlock()
}

// skipName filters dotfiles and editor temp files out of the mirror.
func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp")
}
