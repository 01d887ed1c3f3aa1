package daxfs

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// LogEntry is the decoded, in-memory form of one delta log record. Branch
// indices store pointers to these rather than re-parsing the log on every
// lookup; Offset lets a caller re-read the raw record (e.g. to serve a
// WRITE's data) without keeping the payload duplicated in memory.
type LogEntry struct {
	Offset    uint64 // delta-log-relative offset of the entry's header
	Type      uint32
	Ino       uint64
	Timestamp uint64

	// CREATE / MKDIR
	ParentIno uint64
	Name      string
	Mode      uint32
	NewIno    uint64

	// WRITE
	WriteOffset uint64
	WriteLen    uint32

	// TRUNCATE
	TruncSize uint64

	// SETATTR
	SetattrValid AttrValid
	SetattrMode  uint32
	SetattrUID   uint32
	SetattrGID   uint32
	SetattrSize  uint64

	// Absolute region offset of this entry's trailing data payload
	// (WRITE's written bytes); zero for entry types with no trailing data.
	DataOffset uint64

	// RENAME
	RenameOldParentIno uint64
	RenameNewParentIno uint64
	RenameOldName      string
	RenameNewName      string
}

// TargetIno returns the inode a dirent entry resolves to: the newly
// created inode for CREATE/MKDIR, or the moved inode for RENAME.
// Callers must not call this on a DELETE entry (IsTombstone() first).
func (e *LogEntry) TargetIno() uint64 {
	if e.Type == DeltaCreate || e.Type == DeltaMkdir {
		return e.NewIno
	}
	return e.Ino
}

// IsTombstone reports whether this dirent entry is a DELETE marker rather
// than a live CREATE/MKDIR/RENAME target.
func (e *LogEntry) IsTombstone() bool {
	return e.Type == DeltaDelete
}

// DirentHash computes the bucket key for a (parent inode, name) pair. It
// replaces the kernel original's jhash with xxhash, mixed with the parent
// inode the same way: a 32-bit-friendly hash folded against the high bits
// of the parent so two directories never collide on name hash alone.
func DirentHash(parentIno uint64, name string) uint64 {
	h := xxhash.Sum64String(name)
	return h ^ parentIno ^ (parentIno >> 32)
}

// InodeState is the merged, per-branch view of an inode's mutable status:
// the fields a branch's own log entries have touched, folded in log
// order. A resolver walking the branch chain consults only the fields
// actually set here (Has* / *Authoritative) and falls through to the
// parent branch, then the base image, for anything a branch's log never
// mentions.
type InodeState struct {
	HasDeleteMarker bool
	HasExistence    bool // set by CREATE/MKDIR: this branch is where the inode was born

	HasMode bool
	Mode    uint32
	HasUID  bool
	UID     uint32
	HasGID  bool
	GID     uint32

	// SizeAuthoritative is set by CREATE/TRUNCATE/SETATTR(size): it fixes
	// the size as of that entry, overriding anything inherited from a
	// parent branch or the base image. MaxWriteExtent then tracks the
	// high-water mark of subsequent WRITEs layered on top of it.
	SizeAuthoritative bool
	Size              uint64
	MaxWriteExtent    uint64
}

type inodeNode struct {
	ino   uint64
	state *InodeState
}

func inodeLess(a, b inodeNode) bool {
	return a.ino < b.ino
}

// direntBucket holds every dirent entry whose (parent, hash) collide.
// Entries are kept in a flat slice instead of the kernel original's
// right-subtree rb-tree walk: both approaches degrade to a linear scan of
// the colliding set, and a slice makes the latest-write-wins update an
// obvious linear search-and-replace.
type direntBucket struct {
	parentIno uint64
	hash      uint64
	entries   []*LogEntry // keyed by Name within the bucket
}

func direntBucketLess(a, b direntBucket) bool {
	if a.parentIno != b.parentIno {
		return a.parentIno < b.parentIno
	}
	return a.hash < b.hash
}

// Index is the pair of ordered indices a BranchContext rebuilds on load
// and maintains incrementally as entries are appended: inode id to the
// InodeState folded from its entries, and (parent inode, name) to its
// latest dirent entry.
type Index struct {
	inodes  *btree.BTreeG[inodeNode]
	dirents *btree.BTreeG[direntBucket]
}

// NewIndex returns an empty index pair. The degree (32) is chosen the way
// the pack's other ordered-index users do: large enough to keep the tree
// shallow for the thousands-of-entries-per-branch case daxfs targets.
func NewIndex() *Index {
	return &Index{
		inodes:  btree.NewG(32, inodeLess),
		dirents: btree.NewG(32, direntBucketLess),
	}
}

// InodeState returns this branch's mutable status record for ino,
// creating an empty one on first touch. The returned pointer is the live
// record: callers mutate it in place as they fold in a new log entry.
func (idx *Index) InodeState(ino uint64) *InodeState {
	if n, ok := idx.inodes.Get(inodeNode{ino: ino}); ok {
		return n.state
	}
	st := &InodeState{}
	idx.inodes.ReplaceOrInsert(inodeNode{ino: ino, state: st})
	return st
}

// LookupInodeState returns this branch's status record for ino, if the
// branch's log has touched it at all.
func (idx *Index) LookupInodeState(ino uint64) (*InodeState, bool) {
	n, ok := idx.inodes.Get(inodeNode{ino: ino})
	if !ok {
		return nil, false
	}
	return n.state, true
}

// AddDirent records entry as the latest state for (parentIno, name),
// within the chain of entries sharing its hash bucket.
func (idx *Index) AddDirent(parentIno uint64, name string, entry *LogEntry) {
	hash := DirentHash(parentIno, name)
	key := direntBucket{parentIno: parentIno, hash: hash}
	bucket, ok := idx.dirents.Get(key)
	if !ok {
		bucket = direntBucket{parentIno: parentIno, hash: hash}
	}
	replaced := false
	for i, e := range bucket.entries {
		if e.Name == name {
			bucket.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		bucket.entries = append(bucket.entries, entry)
	}
	idx.dirents.ReplaceOrInsert(bucket)
}

// RemoveDirentName drops name from its bucket entirely. RENAME does not
// use this: the old (parent, name) pair is upserted to a tombstone
// instead (see BranchContext.fold), so that a rename recorded only in a
// child branch still shadows a same-named live dirent inherited from a
// parent branch. This remains a building block for anything that really
// does need a dirent forgotten rather than tombstoned.
func (idx *Index) RemoveDirentName(parentIno uint64, name string) {
	hash := DirentHash(parentIno, name)
	key := direntBucket{parentIno: parentIno, hash: hash}
	bucket, ok := idx.dirents.Get(key)
	if !ok {
		return
	}
	for i, e := range bucket.entries {
		if e.Name == name {
			bucket.entries = append(bucket.entries[:i], bucket.entries[i+1:]...)
			break
		}
	}
	if len(bucket.entries) == 0 {
		idx.dirents.Delete(key)
		return
	}
	idx.dirents.ReplaceOrInsert(bucket)
}

// LookupDirent returns the latest entry for the exact (parentIno, name)
// pair, checking the full hash bucket to resolve collisions.
func (idx *Index) LookupDirent(parentIno uint64, name string) (*LogEntry, bool) {
	hash := DirentHash(parentIno, name)
	key := direntBucket{parentIno: parentIno, hash: hash}
	bucket, ok := idx.dirents.Get(key)
	if !ok {
		return nil, false
	}
	for _, e := range bucket.entries {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// ChildEntries returns every currently-indexed dirent entry whose parent
// is parentIno, across all hash buckets. Used by readdir to enumerate a
// branch's own CREATE/MKDIR entries for a directory.
func (idx *Index) ChildEntries(parentIno uint64) []*LogEntry {
	var out []*LogEntry
	idx.dirents.Ascend(func(b direntBucket) bool {
		if b.parentIno == parentIno {
			out = append(out, b.entries...)
		}
		return true
	})
	return out
}
