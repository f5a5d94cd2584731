package resindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDirsChangesOnNewFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.md"), []byte("v1"), 0o644))

	h1, err := HashDirs([]string{dir})
	require.NoError(t, err)
	h2, err := HashDirs([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash is stable without changes")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.md"), []byte("v1"), 0o644))
	h3, err := HashDirs([]string{dir})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashDirsMissingDirIsEmptyTree(t *testing.T) {
	h, err := HashDirs([]string{filepath.Join(t.TempDir(), "absent")})
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestHashDirsSkipsHiddenDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "blob"), []byte("x"), 0o644))

	h1, err := HashDirs([]string{dir})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "blob2"), []byte("y"), 0o644))
	h2, err := HashDirs([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestWatcherPublishesAfterSettle(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher([]string{dir}, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	initial := w.Current()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.md"), []byte("content"), 0o644))

	select {
	case hash := <-w.Updates():
		assert.NotEqual(t, initial, hash)
		assert.Equal(t, hash, w.Current())
	case <-time.After(3 * time.Second):
		t.Fatal("no update published")
	}
}

func TestWatcherCollapsesBursts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher([]string{dir}, WithDebounce(100*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "churn.md"), []byte(time.Now().String()), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-w.Updates():
	case <-time.After(3 * time.Second):
		t.Fatal("no update published")
	}

	// The burst already settled; no second update should arrive.
	select {
	case hash := <-w.Updates():
		t.Fatalf("unexpected second update %q", hash)
	case <-time.After(300 * time.Millisecond):
	}
}
