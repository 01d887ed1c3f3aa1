package daxfs

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const defaultBranchCapacity = 1 << 20 // 1 MiB, override with WithBranchCapacity

// Image is the assembled daxfs instance a host (a FUSE node, an in-kernel
// VFS shim, or a test) drives: a Region, its optional read-only BaseImage,
// and the BranchManager governing every branch's delta log. Image itself
// holds no POSIX-operation logic; it wires BranchContext, the resolver,
// and Mutator together and tracks the "main" branch every fresh image is
// created with.
//
// based on: KarpelesLab-squashfs's Superblock (the top-level handle
// returned by its New()), restructured around a writable branch chain
// instead of a read-only compressed image.
type Image struct {
	mu sync.Mutex

	region *Region
	super  *Superblock
	table  *BranchTable
	base   *BaseImage
	alloc  *Allocator
	mgr    *BranchManager
	head   *BranchContext

	branchCapacity uint64
	log            logrus.FieldLogger
}

// ImageOption configures an Image at construction time.
type ImageOption func(*Image) error

// WithLogger overrides the package-default logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) ImageOption {
	return func(img *Image) error {
		img.log = l
		return nil
	}
}

// WithBranchCapacity sets the delta-log capacity reserved for every
// branch CreateBranch allocates from this Image, overriding
// defaultBranchCapacity.
func WithBranchCapacity(capacity uint64) ImageOption {
	return func(img *Image) error {
		img.branchCapacity = capacity
		return nil
	}
}

// NewImage formats region as a brand-new daxfs image: a superblock, a
// zeroed branch table of branchTableEntries slots, an optional base image
// already laid out at [baseOffset, baseOffset+baseSize), and a freshly
// created "main" branch with no parent. The remainder of region becomes
// the delta region every branch allocates its log capacity from.
//
// This is a library entry point for hosts that already own a region
// (and, in the base-image case, have already written one into it); daxfs
// does not ship a standalone image-formatting CLI.
func NewImage(region *Region, branchTableEntries int, baseOffset, baseSize uint64, opts ...ImageOption) (*Image, error) {
	tableOffset := uint64(SuperblockSize)
	tableBytes := uint64(branchTableEntries) * uint64(BranchRecSize)
	deltaOffset := tableOffset + tableBytes
	if baseSize > 0 && baseOffset+baseSize > deltaOffset {
		deltaOffset = baseOffset + baseSize
	}
	if deltaOffset > region.Size() {
		return nil, ErrOutOfSpace
	}
	deltaSize := region.Size() - deltaOffset

	super := &Superblock{
		Magic:              SuperMagic,
		Version:            SuperVersion,
		BlockSize:          BlockSize,
		TotalSize:          region.Size(),
		BaseOffset:         baseOffset,
		BaseSize:           baseSize,
		BranchTableOffset:  tableOffset,
		BranchTableEntries: uint32(branchTableEntries),
		NextBranchID:       0,
		NextInodeID:        RootIno + 1,
		DeltaRegionOffset:  deltaOffset,
		DeltaRegionSize:    deltaSize,
		DeltaAllocOffset:   0,
	}

	table := NewBranchTable(region, tableOffset, branchTableEntries)
	zero := &BranchRecord{}
	for i := 0; i < branchTableEntries; i++ {
		if err := table.Write(i, zero); err != nil {
			return nil, err
		}
	}

	img := &Image{
		region:         region,
		super:          super,
		table:          table,
		branchCapacity: defaultBranchCapacity,
		log:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(img); err != nil {
			return nil, err
		}
	}

	if baseSize > 0 {
		base, err := OpenBaseImage(region, baseOffset, baseSize)
		if err != nil {
			return nil, err
		}
		img.base = base
	}

	img.alloc = NewAllocator(deltaOffset, deltaSize, 0)
	img.mgr = NewBranchManager(region, table, super, img.alloc)

	head, err := img.mgr.CreateBranch("main", nil, img.branchCapacity)
	if err != nil {
		return nil, err
	}
	img.head = head

	img.log.WithFields(logrus.Fields{"total_size": region.Size(), "base_size": baseSize}).Info("daxfs: formatted new image")
	return img, nil
}

// OpenImage reads an existing daxfs image out of region: its superblock,
// optional base image, and every branch recorded in the branch table,
// rebuilding each branch's indices from its on-storage delta log.
func OpenImage(region *Region, opts ...ImageOption) (*Image, error) {
	buf, err := region.At(0, uint64(SuperblockSize))
	if err != nil {
		return nil, err
	}
	super := &Superblock{}
	if err := super.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	img := &Image{
		region:         region,
		super:          super,
		table:          NewBranchTable(region, super.BranchTableOffset, int(super.BranchTableEntries)),
		branchCapacity: defaultBranchCapacity,
		log:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(img); err != nil {
			return nil, err
		}
	}

	if super.BaseSize > 0 {
		base, err := OpenBaseImage(region, super.BaseOffset, super.BaseSize)
		if err != nil {
			return nil, err
		}
		img.base = base
	}

	img.alloc = NewAllocator(super.DeltaRegionOffset, super.DeltaRegionSize, super.DeltaAllocOffset)
	img.mgr = NewBranchManager(region, img.table, super, img.alloc)

	branches, err := img.mgr.OpenExistingBranches()
	if err != nil {
		return nil, err
	}
	for _, bc := range branches {
		if bc.Name() == "main" {
			img.head = bc
		}
	}
	if img.head == nil {
		return nil, ErrInvalidFormat
	}

	img.log.WithField("active_branches", super.ActiveBranches).Info("daxfs: opened image")
	return img, nil
}

// Head returns the image's root branch context ("main").
func (img *Image) Head() *BranchContext {
	return img.head
}

// Branch looks up a live branch by id, for hosts that mounted a specific
// non-main branch.
func (img *Image) Branch(id uint64) (*BranchContext, bool) {
	return img.mgr.ByID(id)
}

// allocIno carves bc's next inode id (branch_id*2^20 + next_local_ino)
// and bumps the superblock's NextInodeID if this allocation exceeds the
// max ever observed, matching the original kernel module's
// daxfs_create/daxfs_mkdir interplay between a branch-local counter and
// the superblock-global watermark.
func (img *Image) allocIno(bc *BranchContext) (uint64, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	ino := bc.rec.AllocInode()
	if err := bc.table.Write(bc.slot, bc.rec); err != nil {
		return 0, err
	}
	if ino >= img.super.NextInodeID {
		img.super.NextInodeID = ino + 1
	}
	if err := img.mgr.persistSuper(); err != nil {
		return 0, err
	}
	return ino, nil
}

func (img *Image) mutator(bc *BranchContext) *Mutator {
	return &Mutator{Branch: bc, Base: img.base, AllocIno: func() (uint64, error) { return img.allocIno(bc) }}
}

// GetAttr resolves ino's merged attributes as seen from bc.
func (img *Image) GetAttr(bc *BranchContext, ino uint64) (*Attr, error) {
	return ResolveInode(bc, img.base, ino)
}

// Lookup resolves (parentIno, name) to an inode as seen from bc.
func (img *Image) Lookup(bc *BranchContext, parentIno uint64, name string) (uint64, error) {
	return NameExists(bc, img.base, parentIno, name)
}

// ReadDir enumerates dirIno's entries as seen from bc.
func (img *Image) ReadDir(bc *BranchContext, dirIno, parentIno, startPos uint64, emit func(Dirent) bool) error {
	return ReadDir(bc, img.base, dirIno, parentIno, startPos, emit)
}

// Read fills buf with ino's data at offset, as seen from bc.
func (img *Image) Read(bc *BranchContext, ino, offset uint64, buf []byte) (int, error) {
	return ResolveFileData(bc, img.base, ino, offset, buf)
}

// Write appends n bytes read from r to ino at offset on bc.
func (img *Image) Write(bc *BranchContext, ino, offset uint64, r io.Reader, n int) (int, error) {
	return img.mutator(bc).Write(ino, offset, r, n)
}

// Create makes a new non-directory entry (parentIno, name) on bc.
func (img *Image) Create(bc *BranchContext, parentIno uint64, name string, mode uint32) (uint64, error) {
	return img.mutator(bc).Create(parentIno, name, mode)
}

// Mkdir makes a new directory entry (parentIno, name) on bc.
func (img *Image) Mkdir(bc *BranchContext, parentIno uint64, name string, mode uint32) (uint64, error) {
	return img.mutator(bc).Mkdir(parentIno, name, mode)
}

// Unlink removes the entry (parentIno, name) on bc. It does not check
// whether the entry is a directory.
func (img *Image) Unlink(bc *BranchContext, parentIno uint64, name string) error {
	return img.mutator(bc).Unlink(parentIno, name)
}

// Rmdir removes the directory entry (parentIno, name) on bc. It does not
// check that the directory is empty.
func (img *Image) Rmdir(bc *BranchContext, parentIno uint64, name string) error {
	return img.mutator(bc).Rmdir(parentIno, name)
}

// Rename moves (oldParentIno, oldName) to (newParentIno, newName) on bc.
func (img *Image) Rename(bc *BranchContext, oldParentIno, newParentIno uint64, oldName, newName string, noReplace bool) error {
	return img.mutator(bc).Rename(oldParentIno, newParentIno, oldName, newName, noReplace)
}

// SetAttr applies a partial attribute update to ino on bc.
func (img *Image) SetAttr(bc *BranchContext, ino uint64, valid AttrValid, mode, uid, gid uint32, size uint64) error {
	return img.mutator(bc).SetAttr(ino, valid, mode, uid, gid, size)
}

// Truncate sets ino's size on bc.
func (img *Image) Truncate(bc *BranchContext, ino, newSize uint64) error {
	return img.mutator(bc).Truncate(ino, newSize)
}

// CreateBranch creates a new ACTIVE branch parented at parent (img.Head()
// for a branch off main), reserving img.branchCapacity bytes for its log.
func (img *Image) CreateBranch(name string, parent *BranchContext) (*BranchContext, error) {
	return img.mgr.CreateBranch(name, parent, img.branchCapacity)
}

// CommitBranch merges bc into its parent and retires bc.
func (img *Image) CommitBranch(bc *BranchContext) error {
	return img.mgr.CommitBranch(bc)
}

// AbortBranch discards bc without merging it.
func (img *Image) AbortBranch(bc *BranchContext) error {
	return img.mgr.AbortBranch(bc)
}

// Sync flushes the region's dirty pages to its backing store, if any.
func (img *Image) Sync() error {
	return img.region.Sync()
}

// Close flushes and releases the image's region.
func (img *Image) Close() error {
	if err := img.Sync(); err != nil {
		return err
	}
	return img.region.Close()
}
