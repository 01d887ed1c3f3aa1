package daxfs

// Dirent is one entry yielded by ReadDir: a resolved name/inode pair plus
// the cursor position a subsequent call can resume from.
type Dirent struct {
	Name string
	Ino  uint64
	Pos  uint64
}

// ReadDir enumerates directory dirIno's live entries: "." and "..", then
// the base image's own children (skipping any name a closer branch
// shadows, whether by deletion or by re-creation), then every name a
// branch in the chain created that the base image never had, or that it
// shadowed. emit is called in position order starting at startPos; a
// false return stops the walk early. parentIno is the directory's own
// parent, supplied by the caller (the host VFS already knows it).
//
// based on: original_source/kernel/dir.c's daxfs_iterate.
func ReadDir(bc *BranchContext, base *BaseImage, dirIno, parentIno, startPos uint64, emit func(Dirent) bool) error {
	pos := uint64(0)

	if startPos <= pos {
		if !emit(Dirent{Name: ".", Ino: dirIno, Pos: pos}) {
			return nil
		}
	}
	pos++
	if startPos <= pos {
		if !emit(Dirent{Name: "..", Ino: parentIno, Pos: pos}) {
			return nil
		}
	}
	pos++

	emitted := make(map[string]bool)

	if base != nil {
		if dir, err := base.Inode(uint32(dirIno)); err == nil {
			cont := true
			err := base.Children(dir, func(c *BaseInode) bool {
				name, nerr := base.Name(c)
				if nerr != nil {
					return true
				}
				shadowed := false
				for cur := bc; cur != nil; cur = cur.Parent() {
					if _, ok := cur.LookupDirent(dirIno, name); ok {
						shadowed = true
						break
					}
				}
				if !shadowed {
					if pos >= startPos {
						if !emit(Dirent{Name: name, Ino: uint64(c.Ino), Pos: pos}) {
							cont = false
						}
					}
					emitted[name] = true
					pos++
				}
				return cont
			})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}

	seen := make(map[string]bool)
	for cur := bc; cur != nil; cur = cur.Parent() {
		for _, e := range cur.ChildEntries(dirIno) {
			if seen[e.Name] || emitted[e.Name] {
				continue
			}
			seen[e.Name] = true
			if e.IsTombstone() {
				continue
			}
			if pos >= startPos {
				if !emit(Dirent{Name: e.Name, Ino: e.TargetIno(), Pos: pos}) {
					return nil
				}
			}
			pos++
		}
	}
	return nil
}
