package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDisabledDiscards(t *testing.T) {
	t.Setenv("SKIFF_DEBUG", "")
	t.Setenv("SKIFF_DEBUG_FILE", "")
	logger, err := Initialize(false, "", 0)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("goes nowhere")
}

func TestInitializeWritesToExplicitFile(t *testing.T) {
	t.Setenv("SKIFF_DEBUG", "")
	path := filepath.Join(t.TempDir(), "sub", "debug.log")
	logger, err := Initialize(true, path, 0)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestRotateLogsRemovesOldest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}

	require.NoError(t, rotateLogs(dir, 3))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.NotContains(t, names, "a.log", "oldest rotated out")
	assert.Contains(t, names, "b.log")
	assert.Contains(t, names, "c.log")
}
