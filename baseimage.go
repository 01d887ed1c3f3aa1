package daxfs

import "io"

// BaseImage is the read-only snapshot an image chain eventually bottoms
// out at: its own superblock, a fixed array of BaseInode records, a string
// table for names, and contiguous file data. There is nothing mutable
// here; every write goes into a branch's delta log instead.
//
// based on: KarpelesLab-squashfs's inode.go/dir.go pair (inode-by-id
// lookup plus directory-children iteration), adapted from a compressed
// block-table reader to a flat byte-addressable region and from
// squashfs's variable-length on-storage inodes to daxfs's fixed
// BaseInodeSize records.
type BaseImage struct {
	region *Region
	base   uint64
	super  BaseSuperblock
}

// OpenBaseImage reads and validates the base image superblock located at
// [offset, offset+size) of region.
func OpenBaseImage(region *Region, offset, size uint64) (*BaseImage, error) {
	buf, err := region.At(offset, uint64(SuperblockSize))
	if err != nil {
		return nil, err
	}
	img := &BaseImage{region: region, base: offset}
	if err := img.super.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if img.super.TotalSize > size {
		return nil, ErrInvalidFormat
	}
	return img, nil
}

// RootIno returns the base image's root inode number.
func (b *BaseImage) RootIno() uint32 {
	return b.super.RootInode
}

// Inode returns the BaseInode record for ino. Base inodes are stored in a
// flat array ordered by inode number starting at 1, so lookup is a direct
// index rather than a scan.
func (b *BaseImage) Inode(ino uint32) (*BaseInode, error) {
	if ino == 0 || ino > b.super.InodeCount {
		return nil, ErrAbsent
	}
	off := b.base + b.super.InodeOffset + uint64(ino-1)*uint64(BaseInodeSize)
	buf, err := b.region.At(off, uint64(BaseInodeSize))
	if err != nil {
		return nil, err
	}
	inode := &BaseInode{}
	if err := inode.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return inode, nil
}

// Name returns inode's entry name, read out of the base image's string
// table.
func (b *BaseImage) Name(inode *BaseInode) (string, error) {
	off := b.base + b.super.StrtabOffset + uint64(inode.NameOffset)
	buf, err := b.region.At(off, uint64(inode.NameLen))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Children calls fn for every live child of dir, walking the
// FirstChild/NextSibling linked list the base image stores per directory.
// Iteration stops early if fn returns false.
func (b *BaseImage) Children(dir *BaseInode, fn func(child *BaseInode) bool) error {
	child := dir.FirstChild
	for child != 0 {
		c, err := b.Inode(child)
		if err != nil {
			return err
		}
		if !fn(c) {
			return nil
		}
		child = c.NextSibling
	}
	return nil
}

// Lookup resolves name within dir, returning ErrAbsent if no child matches.
func (b *BaseImage) Lookup(dir *BaseInode, name string) (*BaseInode, error) {
	var found *BaseInode
	err := b.Children(dir, func(c *BaseInode) bool {
		n, nerr := b.Name(c)
		if nerr == nil && n == name {
			found = c
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrAbsent
	}
	return found, nil
}

// ReadAt reads len(p) bytes of inode's file data starting at off, the same
// contract as io.ReaderAt, bounded by the inode's recorded size.
func (b *BaseImage) ReadAt(inode *BaseInode, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidFormat
	}
	if uint64(off) >= inode.Size {
		return 0, io.EOF
	}
	n := len(p)
	if uint64(off)+uint64(n) > inode.Size {
		n = int(inode.Size - uint64(off))
	}
	src, err := b.region.At(b.base+inode.DataOffset+uint64(off), uint64(n))
	if err != nil {
		return 0, err
	}
	copy(p, src)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
