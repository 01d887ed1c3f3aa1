package daxfs

import "encoding/binary"

// inodeBranchShift is the bit width reserved for a branch's local inode
// counter: branch b's inodes occupy [b<<inodeBranchShift, (b+1)<<inodeBranchShift).
const inodeBranchShift = 20

// BranchRecord mirrors struct daxfs_branch: one 128-byte slot in the
// branch table. The superblock's BranchTableOffset plus
// index*BranchRecSize locates a given slot.
type BranchRecord struct {
	BranchID         uint64
	ParentID         uint64
	DeltaLogOffset   uint64
	DeltaLogSize     uint64
	DeltaLogCapacity uint64
	State            uint32
	Refcount         uint32
	NextLocalIno     uint64
	Name             string // at most BranchNameMax bytes
}

// AllocInode carves the next inode id local to b, branch_id*2^20 +
// next_local_ino, and advances NextLocalIno. The caller is responsible
// for persisting the record afterward (table.Write).
func (b *BranchRecord) AllocInode() uint64 {
	ino := b.BranchID<<inodeBranchShift + b.NextLocalIno
	b.NextLocalIno++
	return ino
}

func (b *BranchRecord) MarshalBinary() []byte {
	buf := make([]byte, BranchRecSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], b.BranchID)
	le.PutUint64(buf[8:], b.ParentID)
	le.PutUint64(buf[16:], b.DeltaLogOffset)
	le.PutUint64(buf[24:], b.DeltaLogSize)
	le.PutUint64(buf[32:], b.DeltaLogCapacity)
	le.PutUint32(buf[40:], b.State)
	le.PutUint32(buf[44:], b.Refcount)
	le.PutUint64(buf[48:], b.NextLocalIno)

	name := b.Name
	if len(name) > BranchNameMax {
		name = name[:BranchNameMax]
	}
	copy(buf[56:56+32], name) // remaining bytes of the 32-byte field stay zero (NUL pad)
	// buf[88:128] is reserved padding, left zero.
	return buf
}

func (b *BranchRecord) UnmarshalBinary(buf []byte) error {
	if len(buf) < BranchRecSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	b.BranchID = le.Uint64(buf[0:])
	b.ParentID = le.Uint64(buf[8:])
	b.DeltaLogOffset = le.Uint64(buf[16:])
	b.DeltaLogSize = le.Uint64(buf[24:])
	b.DeltaLogCapacity = le.Uint64(buf[32:])
	b.State = le.Uint32(buf[40:])
	b.Refcount = le.Uint32(buf[44:])
	b.NextLocalIno = le.Uint64(buf[48:])

	nameField := buf[56 : 56+32]
	n := 0
	for n < len(nameField) && nameField[n] != 0 {
		n++
	}
	b.Name = string(nameField[:n])
	return nil
}

// BranchTable is a thin accessor over the branch table slice of a Region,
// giving BranchManager slot-indexed read/write access without it needing
// to know the table's on-storage layout.
type BranchTable struct {
	region *Region
	offset uint64
	count  int
}

func NewBranchTable(region *Region, offset uint64, count int) *BranchTable {
	return &BranchTable{region: region, offset: offset, count: count}
}

func (t *BranchTable) slotOffset(i int) uint64 {
	return t.offset + uint64(i*BranchRecSize)
}

func (t *BranchTable) Read(i int) (*BranchRecord, error) {
	if i < 0 || i >= t.count {
		return nil, ErrInvalidFormat
	}
	buf, err := t.region.At(t.slotOffset(i), uint64(BranchRecSize))
	if err != nil {
		return nil, err
	}
	rec := &BranchRecord{}
	if err := rec.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *BranchTable) Write(i int, rec *BranchRecord) error {
	if i < 0 || i >= t.count {
		return ErrInvalidFormat
	}
	dst, err := t.region.At(t.slotOffset(i), uint64(BranchRecSize))
	if err != nil {
		return err
	}
	copy(dst, rec.MarshalBinary())
	return nil
}

func (t *BranchTable) Count() int {
	return t.count
}
