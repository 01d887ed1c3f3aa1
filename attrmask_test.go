package daxfs_test

import (
	"testing"

	"github.com/multikernel/daxfs"
	"github.com/stretchr/testify/assert"
)

func TestAttrValidString(t *testing.T) {
	cases := []struct {
		mask daxfs.AttrValid
		want string
	}{
		{daxfs.AttrMode, "AttrMode"},
		{daxfs.AttrUID, "AttrUID"},
		{daxfs.AttrGID, "AttrGID"},
		{daxfs.AttrSize, "AttrSize"},
		{daxfs.AttrMode | daxfs.AttrSize, "AttrMode|AttrSize"},
		{0, ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.mask.String())
	}
}

func TestAttrValidHas(t *testing.T) {
	mask := daxfs.AttrMode | daxfs.AttrSize

	assert.True(t, mask.Has(daxfs.AttrMode))
	assert.True(t, mask.Has(daxfs.AttrSize))
	assert.False(t, mask.Has(daxfs.AttrUID))
	assert.False(t, mask.Has(daxfs.AttrGID))
}
