package daxfs_test

import (
	"bytes"
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBaseImage writes a tiny read-only base image at offset 0 of a fresh
// region: root dir (ino 1) containing one file (ino 2, name "greeting",
// contents "hi").
func buildBaseImage(t *testing.T) *daxfs.BaseImage {
	t.Helper()
	const (
		inodeOff  = uint64(daxfs.SuperblockSize)
		strtabOff = inodeOff + 2*uint64(daxfs.BaseInodeSize)
		dataOff   = strtabOff + 16
	)
	region := daxfs.NewAnonRegion(dataOff + 64)

	super := &daxfs.BaseSuperblock{
		Magic: daxfs.BaseMagic, Version: 1, BlockSize: daxfs.BlockSize,
		TotalSize: dataOff + 64, InodeOffset: inodeOff, InodeCount: 2, RootInode: 1,
		StrtabOffset: strtabOff, StrtabSize: 16, DataOffset: dataOff,
	}
	dst, err := region.At(0, uint64(daxfs.SuperblockSize))
	require.NoError(t, err)
	copy(dst, super.MarshalBinary())

	root := &daxfs.BaseInode{Ino: 1, Mode: 0o040755, FirstChild: 2, NLink: 2}
	dst, err = region.At(inodeOff, uint64(daxfs.BaseInodeSize))
	require.NoError(t, err)
	copy(dst, root.MarshalBinary())

	file := &daxfs.BaseInode{
		Ino: 2, Mode: 0o100644, Size: 2, DataOffset: dataOff, NameOffset: 0, NameLen: uint32(len("greeting")),
		ParentIno: 1, NLink: 1,
	}
	dst, err = region.At(inodeOff+uint64(daxfs.BaseInodeSize), uint64(daxfs.BaseInodeSize))
	require.NoError(t, err)
	copy(dst, file.MarshalBinary())

	dst, err = region.At(strtabOff, 8)
	require.NoError(t, err)
	copy(dst, "greeting")

	dst, err = region.At(dataOff, 2)
	require.NoError(t, err)
	copy(dst, "hi")

	base, err := daxfs.OpenBaseImage(region, 0, dataOff+64)
	require.NoError(t, err)
	return base
}

func TestResolveInodeFallsThroughToBaseImage(t *testing.T) {
	base := buildBaseImage(t)
	_, _, bc := newTestBranch(t, 4096)

	attr, err := daxfs.ResolveInode(bc, base, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 0o100644, attr.Mode)
	assert.EqualValues(t, 2, attr.Size)
}

func TestResolveInodeDeleteMarkerDominates(t *testing.T) {
	base := buildBaseImage(t)
	_, _, bc := newTestBranch(t, 4096)

	_, err := bc.AppendDelete(1, 2, "greeting")
	require.NoError(t, err)

	attr, err := daxfs.ResolveInode(bc, base, 2)
	require.NoError(t, err)
	assert.True(t, attr.Deleted)
}

func TestResolveInodeClosestBranchWinsPerField(t *testing.T) {
	region := daxfs.NewAnonRegion(16384)
	table := daxfs.NewBranchTable(region, 0, 4)

	parentRec := &daxfs.BranchRecord{BranchID: 1, DeltaLogOffset: 1024, DeltaLogCapacity: 4096, State: daxfs.BranchActive, Name: "main"}
	require.NoError(t, table.Write(0, parentRec))
	parent := daxfs.NewBranchContext(region, table, 0, parentRec, nil)
	_, err := parent.AppendCreate(1, 2, 0o100644, "f")
	require.NoError(t, err)
	_, err = parent.AppendWrite(2, 0, bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)

	childRec := &daxfs.BranchRecord{BranchID: 2, ParentID: 1, DeltaLogOffset: 8192, DeltaLogCapacity: 4096, State: daxfs.BranchActive, Name: "child"}
	require.NoError(t, table.Write(1, childRec))
	child := daxfs.NewBranchContext(region, table, 1, childRec, parent)
	_, err = child.AppendSetattr(2, daxfs.AttrUID, 0, 1000, 0, 0)
	require.NoError(t, err)

	attr, err := daxfs.ResolveInode(child, nil, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, attr.UID, "child's own setattr should win")
	assert.EqualValues(t, 0o100644, attr.Mode, "mode falls back to the parent since child never set it")
	assert.EqualValues(t, 5, attr.Size, "size comes from the parent's write extent")
}

func TestNameExistsTombstoneDominatesAndBaseFallback(t *testing.T) {
	base := buildBaseImage(t)
	_, _, bc := newTestBranch(t, 4096)

	ino, err := daxfs.NameExists(bc, base, 1, "greeting")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ino)

	_, err = bc.AppendDelete(1, 2, "greeting")
	require.NoError(t, err)

	_, err = daxfs.NameExists(bc, base, 1, "greeting")
	assert.ErrorIs(t, err, daxfs.ErrAbsent)
}

func TestResolveFileDataOverlappingWritesLastWriterWins(t *testing.T) {
	_, _, bc := newTestBranch(t, 4096)
	_, err := bc.AppendCreate(1, 2, 0o100644, "f")
	require.NoError(t, err)
	_, err = bc.AppendWrite(2, 0, bytes.NewReader([]byte("aaaaa")), 5)
	require.NoError(t, err)
	_, err = bc.AppendWrite(2, 2, bytes.NewReader([]byte("bb")), 2)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := daxfs.ResolveFileData(bc, nil, 2, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "aabba", string(buf))
}

func TestResolveFileDataFallsBackToBaseImageForHoles(t *testing.T) {
	base := buildBaseImage(t)
	_, _, bc := newTestBranch(t, 4096)

	buf := make([]byte, 2)
	n, err := daxfs.ResolveFileData(bc, base, 2, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hi", string(buf))
}
