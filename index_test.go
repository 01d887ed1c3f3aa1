package daxfs_test

import (
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirentHashStableAndParentSensitive(t *testing.T) {
	h1 := daxfs.DirentHash(1, "foo")
	h2 := daxfs.DirentHash(1, "foo")
	assert.Equal(t, h1, h2)

	h3 := daxfs.DirentHash(2, "foo")
	assert.NotEqual(t, h1, h3, "same name under a different parent should not share a hash in practice")
}

func TestIndexInodeStateGetOrCreate(t *testing.T) {
	idx := daxfs.NewIndex()

	_, ok := idx.LookupInodeState(5)
	assert.False(t, ok)

	st := idx.InodeState(5)
	st.HasMode = true
	st.Mode = 0o644

	got, ok := idx.LookupInodeState(5)
	require.True(t, ok)
	assert.True(t, got.HasMode)
	assert.EqualValues(t, 0o644, got.Mode)
}

func TestIndexDirentAddLookupRemove(t *testing.T) {
	idx := daxfs.NewIndex()

	e1 := &daxfs.LogEntry{Type: daxfs.DeltaCreate, ParentIno: 1, Name: "a.txt", NewIno: 10}
	e2 := &daxfs.LogEntry{Type: daxfs.DeltaCreate, ParentIno: 1, Name: "b.txt", NewIno: 11}
	idx.AddDirent(1, "a.txt", e1)
	idx.AddDirent(1, "b.txt", e2)

	got, ok := idx.LookupDirent(1, "a.txt")
	require.True(t, ok)
	assert.EqualValues(t, 10, got.TargetIno())

	children := idx.ChildEntries(1)
	assert.Len(t, children, 2)

	idx.RemoveDirentName(1, "a.txt")
	_, ok = idx.LookupDirent(1, "a.txt")
	assert.False(t, ok)
	assert.Len(t, idx.ChildEntries(1), 1)
}

func TestIndexDirentOverwriteSameName(t *testing.T) {
	idx := daxfs.NewIndex()
	first := &daxfs.LogEntry{Type: daxfs.DeltaCreate, ParentIno: 1, Name: "f", NewIno: 1}
	idx.AddDirent(1, "f", first)

	tomb := &daxfs.LogEntry{Type: daxfs.DeltaDelete, ParentIno: 1, Ino: 1, Name: "f"}
	idx.AddDirent(1, "f", tomb)

	got, ok := idx.LookupDirent(1, "f")
	require.True(t, ok)
	assert.True(t, got.IsTombstone())
	assert.Len(t, idx.ChildEntries(1), 1, "overwrite should replace, not append, within a bucket")
}
