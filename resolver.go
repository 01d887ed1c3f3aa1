package daxfs

import "io"

// Attr is the merged, POSIX-flavored view of an inode produced by
// ResolveInode: whichever branch in the chain is closest to HEAD and has
// an opinion on a given field wins, falling through to the base image for
// anything no branch ever touched.
type Attr struct {
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	Deleted bool
}

// ResolveInode walks the branch chain starting at bc toward the base
// image, merging per-field branch-local status into a single Attr. A
// DELETE entry found at any point in the chain is dominant and short-
// circuits the walk: deletion in a closer branch always wins regardless
// of what an ancestor branch or the base image still believes.
//
// based on: original_source/kernel/delta.c's daxfs_resolve_inode.
func ResolveInode(bc *BranchContext, base *BaseImage, ino uint64) (*Attr, error) {
	var (
		mode, uid, gid                     uint32
		modeFound, uidFound, gidFound      bool
		size                               uint64
		sizeFound                          bool
		maxExt                             uint64
	)

	for cur := bc; cur != nil; cur = cur.Parent() {
		st, ok := cur.LookupInodeState(ino)
		if !ok {
			continue
		}
		if st.HasDeleteMarker {
			return &Attr{Deleted: true}, nil
		}
		if st.MaxWriteExtent > maxExt {
			maxExt = st.MaxWriteExtent
		}
		if !sizeFound && st.SizeAuthoritative {
			size = st.Size
			if maxExt > size {
				size = maxExt
			}
			sizeFound = true
		}
		if !modeFound && st.HasMode {
			mode, modeFound = st.Mode, true
		}
		if !uidFound && st.HasUID {
			uid, uidFound = st.UID, true
		}
		if !gidFound && st.HasGID {
			gid, gidFound = st.GID, true
		}
	}

	if (!sizeFound || !modeFound || !uidFound || !gidFound) && base != nil {
		if bi, err := base.Inode(uint32(ino)); err == nil {
			if !modeFound {
				mode, modeFound = bi.Mode, true
			}
			if !uidFound {
				uid, uidFound = bi.UID, true
			}
			if !gidFound {
				gid, gidFound = bi.GID, true
			}
			if !sizeFound {
				size = bi.Size
				if maxExt > size {
					size = maxExt
				}
				sizeFound = true
			}
		}
	}

	if !modeFound && !sizeFound {
		return nil, ErrAbsent
	}
	return &Attr{Mode: mode, UID: uid, GID: gid, Size: size}, nil
}

// NameExists resolves a single path component: does parentIno/name name a
// live inode anywhere in the chain, and if so which one. A DELETE
// tombstone for the pair is dominant the same way it is in ResolveInode.
//
// based on: original_source/kernel/delta.c's daxfs_delta_lookup_dirent and
// kernel/dir.c's daxfs_name_exists.
func NameExists(bc *BranchContext, base *BaseImage, parentIno uint64, name string) (ino uint64, err error) {
	for cur := bc; cur != nil; cur = cur.Parent() {
		entry, ok := cur.LookupDirent(parentIno, name)
		if !ok {
			continue
		}
		if entry.IsTombstone() {
			return 0, ErrAbsent
		}
		return entry.TargetIno(), nil
	}

	if base != nil {
		if parentInode, err := base.Inode(uint32(parentIno)); err == nil {
			if child, err := base.Lookup(parentInode, name); err == nil {
				return uint64(child.Ino), nil
			}
		}
	}
	return 0, ErrAbsent
}

// ResolveFileData fills buf with ino's data starting at file offset,
// scanning each branch's WRITE entries from the most recently appended
// backward before moving to the parent branch, and finally the base
// image for any bytes no branch ever wrote (a hole reads as zero).
// Chain order dominates: a byte written in a closer branch is never
// overwritten by an ancestor's write to the same range.
//
// based on: original_source/kernel/delta.c's daxfs_resolve_file_data.
func ResolveFileData(bc *BranchContext, base *BaseImage, ino uint64, offset uint64, buf []byte) (int, error) {
	covered := make([]bool, len(buf))

	for cur := bc; cur != nil; cur = cur.Parent() {
		writes := cur.Writes(ino)
		for i := len(writes) - 1; i >= 0; i-- {
			w := writes[i]
			ws, we := w.WriteOffset, w.WriteOffset+uint64(w.WriteLen)
			s, e := maxU64(ws, offset), minU64(we, offset+uint64(len(buf)))
			if s >= e {
				continue
			}
			lo, hi := int(s-offset), int(e-offset)
			err := fillUncovered(covered, lo, hi, func(idx, n int) error {
				_, rerr := cur.ReadData(w, buf[idx:idx+n], offset+uint64(idx)-ws)
				return rerr
			})
			if err != nil {
				return 0, err
			}
		}
	}

	if base != nil {
		if bi, err := base.Inode(uint32(ino)); err == nil {
			err := fillUncovered(covered, 0, len(buf), func(idx, n int) error {
				_, rerr := base.ReadAt(bi, buf[idx:idx+n], int64(offset)+int64(idx))
				if rerr != nil && rerr != io.EOF {
					return rerr
				}
				return nil
			})
			if err != nil {
				return 0, err
			}
		}
	}

	// Anything still uncovered is a hole: buf was never written there, and
	// since Go zero-initializes slices this is already correct as-is.
	return len(buf), nil
}

// fillUncovered calls fn on every maximal contiguous uncovered sub-range
// of [lo, hi) in covered, marking it covered once fn succeeds.
func fillUncovered(covered []bool, lo, hi int, fn func(idx, n int) error) error {
	i := lo
	for i < hi {
		if covered[i] {
			i++
			continue
		}
		j := i
		for j < hi && !covered[j] {
			j++
		}
		if err := fn(i, j-i); err != nil {
			return err
		}
		for k := i; k < j; k++ {
			covered[k] = true
		}
		i = j
	}
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
