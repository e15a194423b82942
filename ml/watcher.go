package ml

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invalidates cached models when their files change on disk and
// reports the affected base path. Bursts of events for the same directory
// are coalesced for the debounce period.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	onChange func(basePath string)
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	dirs    map[string]string
	pending map[string]*time.Timer
}

func NewWatcher(loader *Loader, onChange func(basePath string), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		fs:       fsw,
		loader:   loader,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
		logger:   logger.Named("model_watcher"),
		dirs:     make(map[string]string),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Add starts watching a local model directory.
func (w *Watcher) Add(basePath string) error {
	if IsRemotePath(basePath) {
		return fmt.Errorf("cannot watch remote model path %s", basePath)
	}
	key := CacheKey(basePath)
	dir, err := filepath.Abs(key)
	if err != nil {
		return err
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.dirs[dir] = basePath
	w.mu.Unlock()
	return nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	if name != TopologyFile && name != MetadataFile {
		return
	}

	dir := filepath.Dir(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	basePath, ok := w.dirs[dir]
	if !ok {
		return
	}
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()

		w.loader.Invalidate(basePath)
		w.logger.Info("model files changed", zap.String("path", basePath))
		if w.onChange != nil {
			w.onChange(basePath)
		}
	})
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	for dir, t := range w.pending {
		t.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()
	return w.fs.Close()
}
