package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/connector"
	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

type fakeUpdater struct {
	mu    sync.Mutex
	calls [][]string
	errs  []error // returned in order, then nil
	ch    chan []string
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{ch: make(chan []string, 16)}
}

func (f *fakeUpdater) IndexAppendOnly(_ context.Context, paths []string) (*indexer.UpdateStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]string(nil), paths...)
	f.calls = append(f.calls, cp)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	select {
	case f.ch <- cp:
	default:
	}
	return &indexer.UpdateStats{NewConversations: len(paths)}, nil
}

func setup(t *testing.T, upd Updater) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-a"), 0o755))
	reg := connector.NewDefaultRegistry(config.ConnectorsConfig{ClaudeCodeDir: root})
	w, err := New(Config{Debounce: 40 * time.Millisecond, RateLimit: 100, Burst: 10, MaxBatch: 10}, reg, upd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fsw.Close() })
	return w, root
}

func runWatcher(t *testing.T, w *Watcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// let Run install the initial watches
	require.Eventually(t, func() bool { return w.watchCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	return cancel
}

func waitBatch(t *testing.T, f *fakeUpdater) []string {
	t.Helper()
	select {
	case paths := <-f.ch:
		return paths
	case <-time.After(5 * time.Second):
		t.Fatal("no batch delivered")
		return nil
	}
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	upd := newFakeUpdater()
	w, root := setup(t, upd)
	runWatcher(t, w)

	path := filepath.Join(root, "proj-a", "s1.jsonl")
	for i := 0; i < 3; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("{}\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	assert.Equal(t, []string{path}, waitBatch(t, upd))
}

func TestWatcher_NewProjectDirectory(t *testing.T) {
	upd := newFakeUpdater()
	w, root := setup(t, upd)
	runWatcher(t, w)

	dir := filepath.Join(root, "proj-new")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "s2.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	assert.Contains(t, waitBatch(t, upd), path)
	assert.Contains(t, w.Watched(), dir)
}

func TestWatcher_IgnoresUnownedFiles(t *testing.T) {
	w, root := setup(t, newFakeUpdater())
	assert.False(t, w.enqueue(filepath.Join(root, "proj-a", "notes.txt")))
	assert.False(t, w.enqueue(filepath.Join(root, "top-level.jsonl")))
	assert.True(t, w.enqueue(filepath.Join(root, "proj-a", "s.jsonl")))
}

func TestWatcher_DueRespectsDebounceAndBatchSize(t *testing.T) {
	w, root := setup(t, newFakeUpdater())
	w.cfg.MaxBatch = 2
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	for _, name := range []string{"c.jsonl", "a.jsonl", "b.jsonl"} {
		require.True(t, w.enqueue(filepath.Join(root, "proj-a", name)))
	}
	assert.Empty(t, w.due())

	clock = clock.Add(w.cfg.Debounce)
	first := w.due()
	assert.Equal(t, []string{
		filepath.Join(root, "proj-a", "a.jsonl"),
		filepath.Join(root, "proj-a", "b.jsonl"),
	}, first)
	assert.Equal(t, []string{filepath.Join(root, "proj-a", "c.jsonl")}, w.due())
	assert.Empty(t, w.due())
}

func TestWatcher_RequeuesWhileIndexing(t *testing.T) {
	upd := newFakeUpdater()
	upd.errs = []error{types.ErrIndexingInProgress}
	w, root := setup(t, upd)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	var reloaded int
	w.OnUpdate(func(context.Context, *indexer.UpdateStats) { reloaded++ })

	path := filepath.Join(root, "proj-a", "s.jsonl")
	require.True(t, w.enqueue(path))
	clock = clock.Add(time.Second)

	ctx := context.Background()
	w.flush(ctx)
	assert.Equal(t, 0, reloaded)
	require.Len(t, upd.calls, 1)

	// requeued with a fresh timestamp
	w.flush(ctx)
	require.Len(t, upd.calls, 1)
	clock = clock.Add(time.Second)
	w.flush(ctx)
	require.Len(t, upd.calls, 2)
	assert.Equal(t, []string{path}, upd.calls[1])
	assert.Equal(t, 1, reloaded)
}

func TestWatcher_OtherErrorsDropBatch(t *testing.T) {
	upd := newFakeUpdater()
	upd.errs = []error{types.ErrVersionMismatch}
	w, root := setup(t, upd)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.True(t, w.enqueue(filepath.Join(root, "proj-a", "s.jsonl")))
	clock = clock.Add(time.Second)
	w.flush(context.Background())
	assert.Empty(t, w.due())
}

func TestWatcher_Reconcile(t *testing.T) {
	w, root := setup(t, newFakeUpdater())
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-b"), 0o755))
	existing := filepath.Join(root, "proj-b", "old.jsonl")
	require.NoError(t, os.WriteFile(existing, []byte("{}\n"), 0o644))

	added, err := w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, []string{root, filepath.Join(root, "proj-a"), filepath.Join(root, "proj-b")}, w.Watched())

	w.mu.Lock()
	_, queued := w.pending[existing]
	w.mu.Unlock()
	assert.True(t, queued, "files in newly watched directories are queued")

	added, err = w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "proj-b")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-c"), 0o755))
	added, err = w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{root, filepath.Join(root, "proj-a"), filepath.Join(root, "proj-c")}, w.Watched())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, newFakeUpdater())
	assert.Error(t, err)

	reg := connector.NewRegistry()
	w, err := New(Config{}, reg, newFakeUpdater())
	require.NoError(t, err)
	defer func() { _ = w.fsw.Close() }()
	assert.Equal(t, 300*time.Millisecond, w.cfg.Debounce)
	assert.Equal(t, "@every 5m", w.cfg.ReconcileSpec)
}

func TestRun_InvalidSchedule(t *testing.T) {
	upd := newFakeUpdater()
	w, _ := setup(t, upd)
	w.cfg.ReconcileSpec = "not a schedule"
	assert.Error(t, w.Run(context.Background()))
}
