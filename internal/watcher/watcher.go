// Package watcher feeds new and changed conversation files to the
// append-only indexing path. It never triggers a rebuild.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/connector"
	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/internal/logging"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

// Updater is the only indexing entry point the watcher may call
type Updater interface {
	IndexAppendOnly(ctx context.Context, paths []string) (*indexer.UpdateStats, error)
}

// Config tunes event handling
type Config struct {
	Debounce      time.Duration // quiet period before a path is indexed
	ReconcileSpec string        // cron spec for watch-list reconciliation
	RateLimit     float64       // batches per second
	Burst         int
	MaxBatch      int // paths per IndexAppendOnly call
}

// ConfigFrom extracts the watcher settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	w := cfg.Watcher
	return Config{
		Debounce:      w.Debounce.Duration,
		ReconcileSpec: w.ReconcileSpec,
		RateLimit:     w.RateLimit,
		Burst:         w.Burst,
		MaxBatch:      w.MaxBatch,
	}
}

// Watcher watches the connector roots and batches changed paths
type Watcher struct {
	cfg      Config
	registry *connector.Registry
	updater  Updater
	fsw      *fsnotify.Watcher
	limiter  *rate.Limiter
	onUpdate func(ctx context.Context, stats *indexer.UpdateStats)

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event
	watched map[string]struct{}

	now func() time.Time
}

// New creates a Watcher. Nothing is watched until Run.
func New(cfg Config, registry *connector.Registry, updater Updater) (*Watcher, error) {
	if registry == nil || updater == nil {
		return nil, errors.New("registry and updater are required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.ReconcileSpec == "" {
		cfg.ReconcileSpec = "@every 5m"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		cfg:      cfg,
		registry: registry,
		updater:  updater,
		fsw:      fsw,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		pending:  make(map[string]time.Time),
		watched:  make(map[string]struct{}),
		now:      time.Now,
	}, nil
}

// OnUpdate registers fn to run after every batch that indexed something,
// e.g. to reload a searcher
func (w *Watcher) OnUpdate(fn func(ctx context.Context, stats *indexer.UpdateStats)) {
	w.onUpdate = fn
}

// Run watches until ctx is done. Pending paths are dropped on exit; the
// next reconcile or full discovery picks them up.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()
	log := logging.FromContext(ctx)

	if _, err := w.Reconcile(ctx); err != nil {
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(w.cfg.ReconcileSpec, func() {
		if _, err := w.Reconcile(ctx); err != nil {
			log.Warn("watch-list reconcile failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", w.cfg.ReconcileSpec, err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	tick := time.NewTicker(w.cfg.Debounce / 2)
	defer tick.Stop()

	log.Info("watcher started", zap.Int("dirs", w.watchCount()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// new project directory: watch it now instead of waiting for reconcile
			if _, err := w.addTree(ev.Name); err != nil {
				logging.FromContext(ctx).Warn("failed to watch directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}
	w.enqueue(ev.Name)
}

// enqueue records an event for path if some connector owns it
func (w *Watcher) enqueue(path string) bool {
	if _, ok := w.registry.Lookup(path); !ok {
		return false
	}
	w.mu.Lock()
	w.pending[path] = w.now()
	w.mu.Unlock()
	return true
}

// due removes and returns up to MaxBatch paths that have been quiet for the
// debounce period, in sorted order
func (w *Watcher) due() []string {
	cutoff := w.now().Add(-w.cfg.Debounce)
	w.mu.Lock()
	defer w.mu.Unlock()

	var paths []string
	for p, last := range w.pending {
		if !last.After(cutoff) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	if len(paths) > w.cfg.MaxBatch {
		paths = paths[:w.cfg.MaxBatch]
	}
	for _, p := range paths {
		delete(w.pending, p)
	}
	return paths
}

// flush hands one batch of settled paths to the updater
func (w *Watcher) flush(ctx context.Context) {
	paths := w.due()
	if len(paths) == 0 {
		return
	}
	log := logging.FromContext(ctx)
	if err := w.limiter.Wait(ctx); err != nil {
		w.requeue(paths)
		return
	}

	stats, err := w.updater.IndexAppendOnly(ctx, paths)
	switch {
	case errors.Is(err, types.ErrIndexingInProgress):
		log.Debug("indexer busy, retrying batch later", zap.Int("paths", len(paths)))
		w.requeue(paths)
		return
	case err != nil:
		log.Error("append-only update failed", zap.Int("paths", len(paths)), zap.Error(err))
		return
	}

	log.Info("indexed changed files",
		zap.Int("paths", len(paths)),
		zap.Int("new", stats.NewConversations),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	if w.onUpdate != nil && stats.NewConversations > 0 {
		w.onUpdate(ctx, stats)
	}
}

func (w *Watcher) requeue(paths []string) {
	now := w.now()
	w.mu.Lock()
	for _, p := range paths {
		if _, ok := w.pending[p]; !ok {
			w.pending[p] = now
		}
	}
	w.mu.Unlock()
}

// Reconcile brings the watch-list in line with the registry's roots: every
// existing directory below a root is watched, vanished ones are forgotten.
// It returns the number of directories added.
func (w *Watcher) Reconcile(ctx context.Context) (int, error) {
	w.mu.Lock()
	for dir := range w.watched {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			delete(w.watched, dir)
			_ = w.fsw.Remove(dir)
		}
	}
	w.mu.Unlock()

	added := 0
	for _, root := range w.registry.WatchRoots() {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		n, err := w.addTree(root)
		added += n
		if err != nil {
			return added, err
		}
	}
	if added > 0 {
		logging.FromContext(ctx).Debug("watch-list reconciled", zap.Int("added", added))
	}
	return added, nil
}

// addTree watches dir and its sub-directories. Files already present in a
// newly watched directory are enqueued, since their create events were missed.
func (w *Watcher) addTree(dir string) (int, error) {
	added := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		w.mu.Lock()
		_, ok := w.watched[path]
		w.mu.Unlock()
		if ok {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.mu.Lock()
		w.watched[path] = struct{}{}
		w.mu.Unlock()
		added++
		w.enqueueExisting(path)
		return nil
	})
	return added, err
}

// enqueueExisting queues the parseable files directly inside dir
func (w *Watcher) enqueueExisting(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			w.enqueue(filepath.Join(dir, e.Name()))
		}
	}
}

// Watched returns the watched directories, sorted
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watched))
	for d := range w.watched {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) watchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}
