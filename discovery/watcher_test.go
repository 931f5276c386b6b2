// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder collects OnChange batches.
type recorder struct {
	mu      sync.Mutex
	batches [][]Change
	notify  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) onChange(_ context.Context, changes []Change) error {
	r.mu.Lock()
	r.batches = append(r.batches, changes)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change callback")
	}
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Change
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// startWatcher runs a watcher on root until the test ends.
func startWatcher(t *testing.T, root string, rec *recorder, opts ...Option) {
	t.Helper()
	w, err := NewWatcher(WatchConfig{
		Root:     root,
		Debounce: 100 * time.Millisecond,
		OnChange: rec.onChange,
	}, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
}

func TestWatcher_Debounce(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	startWatcher(t, root, rec)

	for _, name := range []string{"a.js", "b.ts", "c.js"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	rec.wait(t)
	time.Sleep(300 * time.Millisecond)

	require.Equal(t, 1, rec.count())
	require.ElementsMatch(t, []Change{
		{Path: filepath.Join(root, "a.js")},
		{Path: filepath.Join(root, "b.ts")},
		{Path: filepath.Join(root, "c.js")},
	}, rec.all())
}

func TestWatcher_IgnoresNonHandlers(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	startWatcher(t, root, rec, WithIgnore("skip/**"))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "skip"), 0o755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip", "a.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.js"), []byte("x"), 0o644))

	rec.wait(t)
	require.Equal(t, []Change{{Path: filepath.Join(root, "real.js")}}, rec.all())
}

func TestWatcher_Removed(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.js")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	rec := newRecorder()
	startWatcher(t, root, rec)

	require.NoError(t, os.Remove(path))
	rec.wait(t)
	require.Equal(t, []Change{{Path: path, Removed: true}}, rec.all())
}

func TestWatcher_NewDirectory(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	startWatcher(t, root, rec)

	dir := filepath.Join(root, "users")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "[id].js"), []byte("x"), 0o644))

	rec.wait(t)
	require.Contains(t, rec.all(), Change{Path: filepath.Join(dir, "[id].js")})
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher(WatchConfig{Root: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	root := t.TempDir()
	file := filepath.Join(root, "a.js")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = NewWatcher(WatchConfig{Root: file})
	require.ErrorContains(t, err, "not a directory")

	_, err = NewWatcher(WatchConfig{Root: root}, WithIgnore("[invalid"))
	require.ErrorContains(t, err, "invalid ignore pattern")
}

func TestWatcher_RunTwice(t *testing.T) {
	w, err := NewWatcher(WatchConfig{Root: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
	require.Error(t, w.Run(ctx))
	require.NoError(t, w.Close())
}
