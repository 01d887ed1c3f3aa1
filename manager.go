package daxfs

import "sync"

// BranchManager owns the branch table and the global delta-region
// allocator, and is the only thing allowed to move a branch between
// FREE, ACTIVE, COMMITTED and ABORTED. It keeps one live BranchContext per
// ACTIVE (or not-yet-reclaimed) branch, keyed by branch id.
//
// based on: original_source/kernel/delta.c's daxfs_delta_merge and the
// branch table lifecycle implied by struct daxfs_branch's state field.
type BranchManager struct {
	mu sync.Mutex

	region *Region
	table  *BranchTable
	super  *Superblock
	alloc  *Allocator

	branches map[uint64]*BranchContext
}

// NewBranchManager wires a manager over an already-formatted image's
// branch table and allocator. Call OpenExistingBranches to repopulate
// live contexts for an image that already has branches on storage.
func NewBranchManager(region *Region, table *BranchTable, super *Superblock, alloc *Allocator) *BranchManager {
	return &BranchManager{
		region:   region,
		table:    table,
		super:    super,
		alloc:    alloc,
		branches: make(map[uint64]*BranchContext),
	}
}

func (mgr *BranchManager) persistSuper() error {
	buf := mgr.super.MarshalBinary()
	dst, err := mgr.region.At(0, uint64(SuperblockSize))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// OpenExistingBranches reconstructs a BranchContext for every non-FREE
// slot in the branch table, wiring each to its parent by BranchID and
// rebuilding its index from its existing delta log. A parent's slot may
// come after its child's in table order, so this makes two passes: one
// to build every context, one to link parents.
func (mgr *BranchManager) OpenExistingBranches() (map[uint64]*BranchContext, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	byID := make(map[uint64]*BranchContext)
	recs := make(map[uint64]*BranchRecord)

	for i := 0; i < mgr.table.Count(); i++ {
		rec, err := mgr.table.Read(i)
		if err != nil {
			return nil, err
		}
		if rec.State == BranchFree {
			continue
		}
		bc := NewBranchContext(mgr.region, mgr.table, i, rec, nil)
		byID[rec.BranchID] = bc
		recs[rec.BranchID] = rec
		mgr.branches[rec.BranchID] = bc
	}

	for id, bc := range byID {
		if recs[id].ParentID != 0 {
			if parent, ok := byID[recs[id].ParentID]; ok {
				bc.parent = parent
			}
		}
		if err := bc.BuildIndex(); err != nil {
			return nil, err
		}
	}

	return byID, nil
}

// CreateBranch allocates a fresh ACTIVE branch named name, parented at
// parent (nil only for the very first, root branch of an image), with
// capacity bytes reserved for its delta log.
func (mgr *BranchManager) CreateBranch(name string, parent *BranchContext, capacity uint64) (*BranchContext, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	slot := -1
	for i := 0; i < mgr.table.Count(); i++ {
		rec, err := mgr.table.Read(i)
		if err != nil {
			return nil, err
		}
		if rec.State == BranchFree {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrNoFreeBranch
	}

	offset, err := mgr.alloc.Alloc(capacity)
	if err != nil {
		return nil, err
	}

	mgr.super.NextBranchID++
	branchID := mgr.super.NextBranchID

	var parentID uint64
	if parent != nil {
		parentID = parent.ID()
	}

	rec := &BranchRecord{
		BranchID:         branchID,
		ParentID:         parentID,
		DeltaLogOffset:   offset,
		DeltaLogSize:     0,
		DeltaLogCapacity: capacity,
		State:            BranchActive,
		Refcount:         0,
		NextLocalIno:     0,
		Name:             name,
	}
	if err := mgr.table.Write(slot, rec); err != nil {
		return nil, err
	}

	if parent != nil {
		parent.rec.Refcount++
		if err := mgr.table.Write(parent.slot, parent.rec); err != nil {
			return nil, err
		}
	}

	mgr.super.ActiveBranches++
	mgr.super.DeltaAllocOffset = mgr.alloc.Offset()
	if err := mgr.persistSuper(); err != nil {
		return nil, err
	}

	bc := NewBranchContext(mgr.region, mgr.table, slot, rec, parent)
	mgr.branches[branchID] = bc
	return bc, nil
}

// ByID returns the live BranchContext for branchID, if any.
func (mgr *BranchManager) ByID(branchID uint64) (*BranchContext, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	bc, ok := mgr.branches[branchID]
	return bc, ok
}

// CommitBranch splices bc's delta log onto the end of its parent's, then
// fully rebuilds the parent's index by rescanning the combined log. bc
// itself moves to COMMITTED and is dropped from the live set; its bytes
// are left in place (the allocator never reclaims).
func (mgr *BranchManager) CommitBranch(bc *BranchContext) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if bc.rec.State != BranchActive {
		return ErrBranchNotActive
	}
	parent := bc.parent
	if parent == nil {
		return ErrUnsupported
	}
	if bc.rec.Refcount != 0 {
		return ErrBranchBusy
	}

	if bc.rec.DeltaLogSize > parent.rec.DeltaLogCapacity-parent.rec.DeltaLogSize {
		return ErrOutOfSpace
	}

	src, err := mgr.region.At(bc.rec.DeltaLogOffset, bc.rec.DeltaLogSize)
	if err != nil {
		return err
	}
	dst, err := mgr.region.At(parent.rec.DeltaLogOffset+parent.rec.DeltaLogSize, bc.rec.DeltaLogSize)
	if err != nil {
		return err
	}
	copy(dst, src)

	parent.rec.DeltaLogSize += bc.rec.DeltaLogSize
	if err := mgr.table.Write(parent.slot, parent.rec); err != nil {
		return err
	}

	parent.index = NewIndex()
	parent.writesByIno = make(map[uint64][]*LogEntry)
	if err := parent.BuildIndex(); err != nil {
		return err
	}

	bc.rec.State = BranchCommitted
	if err := mgr.table.Write(bc.slot, bc.rec); err != nil {
		return err
	}

	parent.rec.Refcount--
	if err := mgr.table.Write(parent.slot, parent.rec); err != nil {
		return err
	}

	mgr.super.ActiveBranches--
	if err := mgr.persistSuper(); err != nil {
		return err
	}
	delete(mgr.branches, bc.ID())
	return nil
}

// AbortBranch discards bc: its state moves to ABORTED and its parent's
// refcount drops, but its delta-log bytes are left exactly where they
// are. There is no reclamation of that space.
func (mgr *BranchManager) AbortBranch(bc *BranchContext) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if bc.rec.State != BranchActive {
		return ErrBranchNotActive
	}
	if bc.rec.Refcount != 0 {
		return ErrBranchBusy
	}

	bc.rec.State = BranchAborted
	if err := mgr.table.Write(bc.slot, bc.rec); err != nil {
		return err
	}

	if bc.parent != nil {
		bc.parent.rec.Refcount--
		if err := mgr.table.Write(bc.parent.slot, bc.parent.rec); err != nil {
			return err
		}
	}

	mgr.super.ActiveBranches--
	if err := mgr.persistSuper(); err != nil {
		return err
	}
	delete(mgr.branches, bc.ID())
	return nil
}
