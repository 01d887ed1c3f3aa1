package daxfs_test

import (
	"bytes"
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBranch(t *testing.T, capacity uint64) (*daxfs.Region, *daxfs.BranchTable, *daxfs.BranchContext) {
	t.Helper()
	region := daxfs.NewAnonRegion(capacity + 1024)
	table := daxfs.NewBranchTable(region, 0, 4)
	rec := &daxfs.BranchRecord{BranchID: 1, DeltaLogOffset: 1024, DeltaLogCapacity: capacity, State: daxfs.BranchActive, Name: "main"}
	require.NoError(t, table.Write(0, rec))
	bc := daxfs.NewBranchContext(region, table, 0, rec, nil)
	return region, table, bc
}

func TestBranchAppendCreateAndLookup(t *testing.T) {
	_, _, bc := newTestBranch(t, 4096)

	entry, err := bc.AppendCreate(1, 2, 0o100644, "hello.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, entry.TargetIno())

	got, ok := bc.LookupDirent(1, "hello.txt")
	require.True(t, ok)
	assert.EqualValues(t, 2, got.TargetIno())

	st, ok := bc.LookupInodeState(2)
	require.True(t, ok)
	assert.True(t, st.HasExistence)
	assert.EqualValues(t, 0o100644, st.Mode)
}

func TestBranchAppendWriteExtendsSize(t *testing.T) {
	_, _, bc := newTestBranch(t, 4096)
	_, err := bc.AppendCreate(1, 2, 0o100644, "f")
	require.NoError(t, err)

	_, err = bc.AppendWrite(2, 0, bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)

	st, ok := bc.LookupInodeState(2)
	require.True(t, ok)
	assert.EqualValues(t, 5, st.MaxWriteExtent)
}

func TestBranchAppendOutOfSpace(t *testing.T) {
	_, _, bc := newTestBranch(t, 32)
	_, err := bc.AppendCreate(1, 2, 0o100644, "this-name-is-too-long-to-fit")
	assert.ErrorIs(t, err, daxfs.ErrOutOfSpace)
}

func TestBranchBuildIndexReconstructsState(t *testing.T) {
	region, table, bc := newTestBranch(t, 4096)

	_, err := bc.AppendMkdir(1, 2, 0o040755, "dir")
	require.NoError(t, err)
	_, err = bc.AppendCreate(2, 3, 0o100644, "file")
	require.NoError(t, err)
	_, err = bc.AppendWrite(3, 0, bytes.NewReader([]byte("data")), 4)
	require.NoError(t, err)
	_, err = bc.AppendDelete(2, 3, "file")
	require.NoError(t, err)

	rec, err := table.Read(0)
	require.NoError(t, err)

	rebuilt := daxfs.NewBranchContext(region, table, 0, rec, nil)
	require.NoError(t, rebuilt.BuildIndex())

	_, ok := rebuilt.LookupDirent(1, "dir")
	assert.True(t, ok)

	entry, ok := rebuilt.LookupDirent(2, "file")
	require.True(t, ok)
	assert.True(t, entry.IsTombstone())

	st, ok := rebuilt.LookupInodeState(3)
	require.True(t, ok)
	assert.True(t, st.HasDeleteMarker)
}

func TestBranchRenameMovesDirent(t *testing.T) {
	_, _, bc := newTestBranch(t, 4096)
	_, err := bc.AppendCreate(1, 2, 0o100644, "old")
	require.NoError(t, err)

	_, err = bc.AppendRename(1, 1, 2, "old", "new")
	require.NoError(t, err)

	old, ok := bc.LookupDirent(1, "old")
	require.True(t, ok, "the old name stays in the index as a tombstone rather than disappearing")
	assert.True(t, old.IsTombstone())
	got, ok := bc.LookupDirent(1, "new")
	require.True(t, ok)
	assert.EqualValues(t, 2, got.TargetIno())
}

// A rename recorded only in a child branch must still shadow a live
// same-named dirent the child inherited from its parent: the child's
// index is wholly independent of the parent's, so the rename's effect on
// the old name has to be recorded as a tombstone the child owns, not a
// removal that only makes sense if the parent's entry didn't exist.
func TestBranchRenameTombstoneShadowsParentAcrossBranches(t *testing.T) {
	region := daxfs.NewAnonRegion(16384)
	table := daxfs.NewBranchTable(region, 0, 4)

	parentRec := &daxfs.BranchRecord{BranchID: 1, DeltaLogOffset: 1024, DeltaLogCapacity: 4096, State: daxfs.BranchActive, Name: "main"}
	require.NoError(t, table.Write(0, parentRec))
	parent := daxfs.NewBranchContext(region, table, 0, parentRec, nil)
	_, err := parent.AppendCreate(1, 2, 0o100644, "shared")
	require.NoError(t, err)

	childRec := &daxfs.BranchRecord{BranchID: 2, ParentID: 1, DeltaLogOffset: 8192, DeltaLogCapacity: 4096, State: daxfs.BranchActive, Name: "child"}
	require.NoError(t, table.Write(1, childRec))
	child := daxfs.NewBranchContext(region, table, 1, childRec, parent)
	_, err = child.AppendRename(1, 1, 2, "shared", "moved")
	require.NoError(t, err)

	_, err = daxfs.NameExists(child, nil, 1, "shared")
	assert.ErrorIs(t, err, daxfs.ErrAbsent, "the child's rename must tombstone the name the parent still thinks is live")

	ino, err := daxfs.NameExists(child, nil, 1, "moved")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ino)
}

func TestBranchAppendWriteShortReadIsCopyFault(t *testing.T) {
	_, _, bc := newTestBranch(t, 4096)
	_, err := bc.AppendCreate(1, 2, 0o100644, "f")
	require.NoError(t, err)

	_, err = bc.AppendWrite(2, 0, bytes.NewReader([]byte("ab")), 5)
	assert.ErrorIs(t, err, daxfs.ErrCopyFault)

	st, ok := bc.LookupInodeState(2)
	require.True(t, ok)
	assert.Zero(t, st.MaxWriteExtent, "a faulted write must not advance the log cursor or be folded into state")
}
