package changeset

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	sets map[string][]ChangeSet
}

func newMemStore() *memStore {
	return &memStore{sets: make(map[string][]ChangeSet)}
}

func (m *memStore) key(spaceID, conversationID string) string {
	return spaceID + "/" + conversationID
}

func (m *memStore) LoadChangeSets(spaceID, conversationID string) ([]ChangeSet, error) {
	return m.sets[m.key(spaceID, conversationID)], nil
}

func (m *memStore) SaveChangeSets(spaceID, conversationID string, sets []ChangeSet) error {
	m.sets[m.key(spaceID, conversationID)] = sets
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFinalizeCreateThenEditCollapsesToCreate(t *testing.T) {
	root := t.TempDir()
	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))

	path := filepath.Join(root, "a.txt")
	ledger.Track("conv1", path)
	writeFile(t, path, "hi")
	ledger.Track("conv1", path)
	writeFile(t, path, "hi there")

	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Files, 1)
	f := cs.Files[0]
	assert.Equal(t, FileTypeCreate, f.Type)
	assert.False(t, f.BeforeExists)
	assert.Equal(t, "hi there", f.AfterContent)
	assert.Equal(t, 1, f.LinesAdded)
	assert.Equal(t, 0, f.LinesRemoved)
	assert.Equal(t, StatusApplied, cs.Status)
	assert.Equal(t, "msg1", cs.MessageID)
}

func TestFinalizeSkipsIdenticalRewrite(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "same.txt")
	writeFile(t, path, "stable\n")

	store := newMemStore()
	ledger := NewLedger(store)
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	ledger.Track("conv1", path)
	writeFile(t, path, "stable\n")

	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)
	assert.Nil(t, cs)
	sets, err := store.LoadChangeSets("space1", "conv1")
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestFinalizeClassifiesEditAndDelete(t *testing.T) {
	root := t.TempDir()
	edited := filepath.Join(root, "edit.txt")
	removed := filepath.Join(root, "gone.txt")
	writeFile(t, edited, "one\ntwo\n")
	writeFile(t, removed, "bye\n")

	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	ledger.Track("conv1", edited)
	ledger.Track("conv1", removed)
	writeFile(t, edited, "one\nthree\n")
	require.NoError(t, os.Remove(removed))

	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Files, 2)
	assert.Equal(t, FileTypeEdit, cs.Files[0].Type)
	assert.Equal(t, 1, cs.Files[0].LinesAdded)
	assert.Equal(t, 1, cs.Files[0].LinesRemoved)
	assert.Equal(t, FileTypeDelete, cs.Files[1].Type)
	assert.Equal(t, "bye\n", cs.Files[1].BeforeContent)
	assert.Empty(t, cs.Files[1].AfterContent)
}

func TestTrackIgnoresPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	path := filepath.Join(outside, "escape.txt")

	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	ledger.Track("conv1", path)
	ledger.Track("conv1", filepath.Join(root, "..", "up.txt"))
	writeFile(t, path, "outside")

	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestTrackRelativePathResolvesAgainstRoot(t *testing.T) {
	root := t.TempDir()
	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	ledger.Track("conv1", "sub/rel.txt")
	writeFile(t, filepath.Join(root, "sub", "rel.txt"), "data")

	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Files, 1)
	assert.Equal(t, filepath.Join(root, "sub", "rel.txt"), cs.Files[0].Path)
}

func TestBeginTwiceFails(t *testing.T) {
	root := t.TempDir()
	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	assert.ErrorIs(t, ledger.Begin("space1", "conv1", root), ErrScopeOpen)
}

func TestTrackWithoutScopeIsNoOp(t *testing.T) {
	ledger := NewLedger(newMemStore())
	ledger.Track("conv-none", "whatever.txt")
	cs, err := ledger.Finalize("conv-none", "msg1")
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestHistoryCappedNewestFirst(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	ledger := NewLedger(store)

	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.Begin("space1", "conv1", root))
		path := filepath.Join(root, fmt.Sprintf("f%d.txt", i))
		ledger.Track("conv1", path)
		writeFile(t, path, fmt.Sprintf("content %d", i))
		_, err := ledger.Finalize("conv1", fmt.Sprintf("msg%d", i))
		require.NoError(t, err)
	}

	sets, err := ledger.List("space1", "conv1")
	require.NoError(t, err)
	require.Len(t, sets, DefaultHistoryLimit)
	assert.Equal(t, "msg4", sets[0].MessageID)
	assert.Equal(t, "msg3", sets[1].MessageID)
	assert.Equal(t, "msg2", sets[2].MessageID)
}

func finalizeOne(t *testing.T, ledger *Ledger, root string, files map[string]string) *ChangeSet {
	t.Helper()
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	for name, content := range files {
		path := filepath.Join(root, name)
		ledger.Track("conv1", path)
		writeFile(t, path, content)
	}
	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)
	require.NotNil(t, cs)
	return cs
}

func TestAcceptAllAndSingleFile(t *testing.T) {
	root := t.TempDir()
	ledger := NewLedger(newMemStore())
	cs := finalizeOne(t, ledger, root, map[string]string{"a.txt": "a", "b.txt": "b"})

	got, err := ledger.Accept("space1", "conv1", cs.ID, filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	statuses := map[string]FileStatus{}
	for _, f := range got.Files {
		statuses[filepath.Base(f.Path)] = f.Status
	}
	assert.Equal(t, FileStatusAccepted, statuses["a.txt"])
	assert.Equal(t, FileStatusApplied, statuses["b.txt"])
	assert.Equal(t, StatusApplied, got.Status)

	got, err = ledger.Accept("space1", "conv1", cs.ID, "")
	require.NoError(t, err)
	for _, f := range got.Files {
		assert.Equal(t, FileStatusAccepted, f.Status)
	}
}

func TestAcceptUnknownChangeSet(t *testing.T) {
	ledger := NewLedger(newMemStore())
	_, err := ledger.Accept("space1", "conv1", "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRollbackRestoresPreImages(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "keep.txt")
	writeFile(t, existing, "original\n")

	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	ledger.Track("conv1", existing)
	ledger.Track("conv1", filepath.Join(root, "new.txt"))
	writeFile(t, existing, "mutated\n")
	writeFile(t, filepath.Join(root, "new.txt"), "fresh\n")
	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)

	res, err := ledger.Rollback("space1", "conv1", cs.ID, "", false)
	require.NoError(t, err)
	require.NotNil(t, res.ChangeSet)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, StatusRolledBack, res.ChangeSet.Status)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
	_, err = os.Stat(filepath.Join(root, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRollbackConflictUnlessForced(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "drift.txt")
	writeFile(t, path, "v1\n")

	ledger := NewLedger(newMemStore())
	require.NoError(t, ledger.Begin("space1", "conv1", root))
	ledger.Track("conv1", path)
	writeFile(t, path, "v2\n")
	cs, err := ledger.Finalize("conv1", "msg1")
	require.NoError(t, err)

	// Drift after the turn: a later edit the ledger never saw.
	writeFile(t, path, "v3 outside the turn\n")

	res, err := ledger.Rollback("space1", "conv1", cs.ID, "", false)
	require.NoError(t, err)
	assert.Nil(t, res.ChangeSet)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, path, res.Conflicts[0].Path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v3 outside the turn\n", string(data), "conflicted rollback must not write")

	res, err = ledger.Rollback("space1", "conv1", cs.ID, "", true)
	require.NoError(t, err)
	require.NotNil(t, res.ChangeSet)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}

func TestRollbackSingleFileYieldsPartialStatus(t *testing.T) {
	root := t.TempDir()
	ledger := NewLedger(newMemStore())
	cs := finalizeOne(t, ledger, root, map[string]string{"a.txt": "a", "b.txt": "b"})

	res, err := ledger.Rollback("space1", "conv1", cs.ID, filepath.Join(root, "a.txt"), false)
	require.NoError(t, err)
	require.NotNil(t, res.ChangeSet)
	assert.Equal(t, StatusPartialRollback, res.ChangeSet.Status)
	_, err = os.Stat(filepath.Join(root, "a.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "b.txt"))
	assert.NoError(t, err)
}

func TestRollbackAlreadyRolledBackFilesAreSkipped(t *testing.T) {
	root := t.TempDir()
	ledger := NewLedger(newMemStore())
	cs := finalizeOne(t, ledger, root, map[string]string{"a.txt": "a"})

	_, err := ledger.Rollback("space1", "conv1", cs.ID, "", false)
	require.NoError(t, err)
	res, err := ledger.Rollback("space1", "conv1", cs.ID, "", false)
	require.NoError(t, err)
	require.NotNil(t, res.ChangeSet)
	assert.Equal(t, StatusRolledBack, res.ChangeSet.Status)
	assert.Empty(t, res.Conflicts)
}

func TestDiffStats(t *testing.T) {
	added, removed := diffStats("a\nb\nc", "a\nc\nd")
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	added, removed = diffStats("", "x\ny")
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)
}
