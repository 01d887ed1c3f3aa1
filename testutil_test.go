package daxfs_test

import (
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/require"
)

// newTestImage formats a fresh in-memory image with no base image and a
// small per-branch capacity, handy for exercising the branch/resolver/
// mutator/manager layers without a real file.
func newTestImage(t *testing.T, branchCapacity uint64) *daxfs.Image {
	t.Helper()
	region := daxfs.NewAnonRegion(4096 + 256*uint64(daxfs.BranchRecSize) + 4*branchCapacity)
	img, err := daxfs.NewImage(region, 256, 0, 0, daxfs.WithBranchCapacity(branchCapacity))
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Close() })
	return img
}
