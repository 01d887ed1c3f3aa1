//go:build fuse

package daxfs

import "github.com/hanwen/go-fuse/v2/fuse"

// fillAttr copies a resolved Attr into a fuse.Attr. This consolidates what
// the original squashfs adapter split into inode_linux.go/inode_darwin.go
// (the darwin variant dropped Rdev/Blksize/idtable lookups); daxfs has no
// platform-specific fields to fill, so one function covers both.
func fillAttr(ino uint64, a *Attr, out *fuse.Attr) {
	out.Ino = ino
	out.Size = a.Size
	out.Mode = a.Mode
	out.Nlink = 1
	out.Owner.Uid = a.UID
	out.Owner.Gid = a.GID
	out.Blocks = (a.Size + 511) / 512
	out.Blksize = BlockSize
}
