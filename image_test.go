package daxfs_test

import (
	"bytes"
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageCreateWriteReadRoundTrip(t *testing.T) {
	img := newTestImage(t, 4096)
	head := img.Head()

	ino, err := img.Create(head, daxfs.RootIno, "hello.txt", 0o100644)
	require.NoError(t, err)

	n, err := img.Write(head, ino, 0, bytes.NewReader([]byte("hello world")), 11)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 11)
	_, err = img.Read(head, ino, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	resolved, err := img.Lookup(head, daxfs.RootIno, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, resolved)
}

func TestImageBranchIsolationUntilCommit(t *testing.T) {
	img := newTestImage(t, 4096)
	head := img.Head()

	branch, err := img.CreateBranch("feature", head)
	require.NoError(t, err)

	ino, err := img.Create(branch, daxfs.RootIno, "scratch.txt", 0o100644)
	require.NoError(t, err)
	_, err = img.Write(branch, ino, 0, bytes.NewReader([]byte("wip")), 3)
	require.NoError(t, err)

	_, err = img.Lookup(head, daxfs.RootIno, "scratch.txt")
	assert.ErrorIs(t, err, daxfs.ErrAbsent, "head must not see an uncommitted sibling branch's entries")

	require.NoError(t, img.CommitBranch(branch))

	resolved, err := img.Lookup(head, daxfs.RootIno, "scratch.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, resolved)

	buf := make([]byte, 3)
	_, err = img.Read(head, ino, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "wip", string(buf))
}

func TestImageAbortBranchDiscardsChanges(t *testing.T) {
	img := newTestImage(t, 4096)
	head := img.Head()

	branch, err := img.CreateBranch("throwaway", head)
	require.NoError(t, err)
	_, err = img.Create(branch, daxfs.RootIno, "ghost.txt", 0o100644)
	require.NoError(t, err)

	require.NoError(t, img.AbortBranch(branch))

	_, err = img.Lookup(head, daxfs.RootIno, "ghost.txt")
	assert.ErrorIs(t, err, daxfs.ErrAbsent)

	_, ok := img.Branch(branch.ID())
	assert.False(t, ok)
}

func TestImageMkdirRmdirAndRename(t *testing.T) {
	img := newTestImage(t, 4096)
	head := img.Head()

	dirIno, err := img.Mkdir(head, daxfs.RootIno, "dir", 0o040755)
	require.NoError(t, err)

	fileIno, err := img.Create(head, daxfs.RootIno, "a.txt", 0o100644)
	require.NoError(t, err)

	require.NoError(t, img.Rename(head, daxfs.RootIno, daxfs.RootIno, "a.txt", "b.txt", true))

	resolved, err := img.Lookup(head, daxfs.RootIno, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, fileIno, resolved)

	_, err = img.Create(head, dirIno, "still-here.txt", 0o100644)
	require.NoError(t, err)

	// Rmdir does not enforce emptiness (spec.md §1 non-goal): it succeeds
	// unconditionally, matching the original kernel module's unfinished
	// daxfs_rmdir, even though "dir" still has a live child.
	require.NoError(t, img.Rmdir(head, daxfs.RootIno, "dir"))
}

func TestImageAllocInoIsDisjointPerBranch(t *testing.T) {
	img := newTestImage(t, 4096)
	head := img.Head()

	branch, err := img.CreateBranch("feature", head)
	require.NoError(t, err)

	headIno, err := img.Create(head, daxfs.RootIno, "on-head", 0o100644)
	require.NoError(t, err)
	branchIno, err := img.Create(branch, daxfs.RootIno, "on-branch", 0o100644)
	require.NoError(t, err)

	assert.NotEqual(t, headIno, branchIno, "inodes allocated on different branches must not collide")
	assert.EqualValues(t, head.ID()<<20, headIno>>20<<20, "head's allocation falls in head's carved range")
	assert.EqualValues(t, branch.ID()<<20, branchIno>>20<<20, "branch's allocation falls in branch's carved range")
}

func TestImageOpenImageRoundTrip(t *testing.T) {
	const branchCapacity = 4096
	region := daxfs.NewAnonRegion(4096 + 256*uint64(daxfs.BranchRecSize) + 4*branchCapacity)
	img, err := daxfs.NewImage(region, 256, 0, 0, daxfs.WithBranchCapacity(branchCapacity))
	require.NoError(t, err)

	head := img.Head()
	ino, err := img.Create(head, daxfs.RootIno, "persisted.txt", 0o100644)
	require.NoError(t, err)
	_, err = img.Write(head, ino, 0, bytes.NewReader([]byte("durable")), 7)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	reopened, err := daxfs.OpenImage(region, daxfs.WithBranchCapacity(branchCapacity))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	resolved, err := reopened.Lookup(reopened.Head(), daxfs.RootIno, "persisted.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, resolved)

	buf := make([]byte, len("durable"))
	_, err = reopened.Read(reopened.Head(), resolved, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(buf))
}
