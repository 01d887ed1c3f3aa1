package daxfs_test

import (
	"bytes"
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMutator(t *testing.T, capacity uint64) *daxfs.Mutator {
	t.Helper()
	_, _, bc := newTestBranch(t, capacity)
	next := uint64(1)
	return &daxfs.Mutator{
		Branch: bc,
		AllocIno: func() (uint64, error) {
			next++
			return next, nil
		},
	}
}

func TestMutatorCreateRejectsExisting(t *testing.T) {
	m := newTestMutator(t, 4096)
	_, err := m.Create(1, "f", 0o100644)
	require.NoError(t, err)

	_, err = m.Create(1, "f", 0o100644)
	assert.ErrorIs(t, err, daxfs.ErrExists)
}

func TestMutatorUnlink(t *testing.T) {
	m := newTestMutator(t, 4096)
	ino, err := m.Create(1, "f", 0o100644)
	require.NoError(t, err)

	require.NoError(t, m.Unlink(1, "f"))

	attr, err := daxfs.ResolveInode(m.Branch, m.Base, ino)
	require.NoError(t, err)
	assert.True(t, attr.Deleted)
}

// Rmdir does not enforce emptiness (spec.md §1 non-goal, matching the
// original kernel module's unfinished daxfs_rmdir): it is plain unlink
// under another name, so it succeeds even against a directory that still
// has a live child.
func TestMutatorRmdirIsUnlinkRegardlessOfContents(t *testing.T) {
	m := newTestMutator(t, 4096)
	dirIno, err := m.Mkdir(1, "d", 0o040755)
	require.NoError(t, err)
	_, err = m.Create(dirIno, "child", 0o100644)
	require.NoError(t, err)

	require.NoError(t, m.Rmdir(1, "d"))

	attr, err := daxfs.ResolveInode(m.Branch, m.Base, dirIno)
	require.NoError(t, err)
	assert.True(t, attr.Deleted)
}

func TestMutatorRmdirSucceedsWhenEmpty(t *testing.T) {
	m := newTestMutator(t, 4096)
	_, err := m.Mkdir(1, "d", 0o040755)
	require.NoError(t, err)

	assert.NoError(t, m.Rmdir(1, "d"))
}

func TestMutatorRenameNoReplaceRejectsExistingTarget(t *testing.T) {
	m := newTestMutator(t, 4096)
	_, err := m.Create(1, "a", 0o100644)
	require.NoError(t, err)
	_, err = m.Create(1, "b", 0o100644)
	require.NoError(t, err)

	err = m.Rename(1, 1, "a", "b", true)
	assert.ErrorIs(t, err, daxfs.ErrExists)
}

// With noReplace=false and an occupied destination, daxfs carries the
// original kernel module's "TODO: Handle overwrite case" gap forward: the
// rename proceeds and the destination name now resolves to the moved
// inode, but the inode the destination used to name is not torn down —
// there is no overwrite semantics implemented, by design (spec.md §1).
func TestMutatorRenameOntoExistingDestinationWithoutReplaceSemantics(t *testing.T) {
	m := newTestMutator(t, 4096)
	srcIno, err := m.Create(1, "a", 0o100644)
	require.NoError(t, err)
	dstIno, err := m.Create(1, "b", 0o100644)
	require.NoError(t, err)

	require.NoError(t, m.Rename(1, 1, "a", "b", false))

	resolved, err := daxfs.NameExists(m.Branch, m.Base, 1, "b")
	require.NoError(t, err)
	assert.EqualValues(t, srcIno, resolved)

	attr, err := daxfs.ResolveInode(m.Branch, m.Base, dstIno)
	require.NoError(t, err)
	assert.False(t, attr.Deleted, "the previous occupant of the destination name is not unlinked")

	_, err = daxfs.NameExists(m.Branch, m.Base, 1, "a")
	assert.ErrorIs(t, err, daxfs.ErrAbsent, "the old name is tombstoned by the rename itself")
}

func TestMutatorSetAttrAndTruncate(t *testing.T) {
	m := newTestMutator(t, 4096)
	ino, err := m.Create(1, "f", 0o100644)
	require.NoError(t, err)

	require.NoError(t, m.SetAttr(ino, daxfs.AttrUID|daxfs.AttrGID, 0, 42, 7, 0))
	attr, err := daxfs.ResolveInode(m.Branch, m.Base, ino)
	require.NoError(t, err)
	assert.EqualValues(t, 42, attr.UID)
	assert.EqualValues(t, 7, attr.GID)

	require.NoError(t, m.Truncate(ino, 100))
	attr, err = daxfs.ResolveInode(m.Branch, m.Base, ino)
	require.NoError(t, err)
	assert.EqualValues(t, 100, attr.Size)
}

func TestMutatorWrite(t *testing.T) {
	m := newTestMutator(t, 4096)
	ino, err := m.Create(1, "f", 0o100644)
	require.NoError(t, err)

	n, err := m.Write(ino, 0, bytes.NewReader([]byte("payload")), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	buf := make([]byte, 7)
	_, err = daxfs.ResolveFileData(m.Branch, m.Base, ino, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))
}

func TestMutatorOperationsOnMissingInodeFail(t *testing.T) {
	m := newTestMutator(t, 4096)
	err := m.SetAttr(999, daxfs.AttrSize, 0, 0, 0, 10)
	assert.ErrorIs(t, err, daxfs.ErrAbsent)
}
