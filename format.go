package daxfs

import "encoding/binary"

// On-storage layout constants, taken directly from the daxfs wire format:
//
//	[ Superblock (4 KiB) | Branch Table | Base Image (opt.) | Delta Region ]
//
// All multi-byte integers on storage are little-endian regardless of host
// byte order.
const (
	SuperMagic     uint32 = 0x64617832 // "dax2"
	SuperVersion   uint32 = 2
	BlockSize      uint32 = 4096
	BaseInodeSize  int    = 64
	RootIno        uint64 = 1
	BranchNameMax  int    = 31
	MaxBranches    int    = 256
	SuperblockSize int    = 4096
	BranchRecSize  int    = 128
	DeltaHdrSize   int    = 24

	BaseMagic uint32 = 0x64646178 // "ddax"
)

// Branch states.
const (
	BranchFree uint32 = iota
	BranchActive
	BranchCommitted
	BranchAborted
)

// Delta log entry types.
const (
	DeltaWrite uint32 = iota + 1
	DeltaCreate
	DeltaDelete
	DeltaTruncate
	DeltaMkdir
	DeltaRename
	DeltaSetattr
)

// Superblock mirrors struct daxfs_super. It is always read from and
// written to offset 0 of the storage region, padded to SuperblockSize.
type Superblock struct {
	Magic   uint32
	Version uint32
	Flags   uint32
	// BlockSize is always BlockSize (4096); kept as a field for format
	// fidelity with the on-storage struct.
	BlockSize uint32
	TotalSize uint64

	BaseOffset uint64
	BaseSize   uint64

	BranchTableOffset  uint64
	BranchTableEntries uint32
	ActiveBranches     uint32
	NextBranchID       uint64
	NextInodeID        uint64

	DeltaRegionOffset uint64
	DeltaRegionSize   uint64
	DeltaAllocOffset  uint64
}

// MarshalBinary encodes the superblock into a SuperblockSize-byte, zero-padded buffer.
func (s *Superblock) MarshalBinary() []byte {
	buf := make([]byte, SuperblockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], s.Magic)
	le.PutUint32(buf[4:], s.Version)
	le.PutUint32(buf[8:], s.Flags)
	le.PutUint32(buf[12:], s.BlockSize)
	le.PutUint64(buf[16:], s.TotalSize)
	le.PutUint64(buf[24:], s.BaseOffset)
	le.PutUint64(buf[32:], s.BaseSize)
	le.PutUint64(buf[40:], s.BranchTableOffset)
	le.PutUint32(buf[48:], s.BranchTableEntries)
	le.PutUint32(buf[52:], s.ActiveBranches)
	le.PutUint64(buf[56:], s.NextBranchID)
	le.PutUint64(buf[64:], s.NextInodeID)
	le.PutUint64(buf[72:], s.DeltaRegionOffset)
	le.PutUint64(buf[80:], s.DeltaRegionSize)
	le.PutUint64(buf[88:], s.DeltaAllocOffset)
	return buf
}

// UnmarshalBinary decodes a superblock from a SuperblockSize-byte buffer.
func (s *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < SuperblockSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	s.Magic = le.Uint32(buf[0:])
	s.Version = le.Uint32(buf[4:])
	s.Flags = le.Uint32(buf[8:])
	s.BlockSize = le.Uint32(buf[12:])
	s.TotalSize = le.Uint64(buf[16:])
	s.BaseOffset = le.Uint64(buf[24:])
	s.BaseSize = le.Uint64(buf[32:])
	s.BranchTableOffset = le.Uint64(buf[40:])
	s.BranchTableEntries = le.Uint32(buf[48:])
	s.ActiveBranches = le.Uint32(buf[52:])
	s.NextBranchID = le.Uint64(buf[56:])
	s.NextInodeID = le.Uint64(buf[64:])
	s.DeltaRegionOffset = le.Uint64(buf[72:])
	s.DeltaRegionSize = le.Uint64(buf[80:])
	s.DeltaAllocOffset = le.Uint64(buf[88:])

	if s.Magic != SuperMagic {
		return ErrInvalidFormat
	}
	if s.Version != SuperVersion {
		return ErrInvalidFormat
	}
	return nil
}

// DeltaHeader mirrors struct daxfs_delta_hdr: the fixed 24-byte prefix of
// every delta log entry.
type DeltaHeader struct {
	Type      uint32
	TotalSize uint32
	Ino       uint64
	Timestamp uint64
}

func (h *DeltaHeader) MarshalBinary() []byte {
	buf := make([]byte, DeltaHdrSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Type)
	le.PutUint32(buf[4:], h.TotalSize)
	le.PutUint64(buf[8:], h.Ino)
	le.PutUint64(buf[16:], h.Timestamp)
	return buf
}

func (h *DeltaHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < DeltaHdrSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	h.Type = le.Uint32(buf[0:])
	h.TotalSize = le.Uint32(buf[4:])
	h.Ino = le.Uint64(buf[8:])
	h.Timestamp = le.Uint64(buf[16:])
	return nil
}

// DeltaWritePayload mirrors struct daxfs_delta_write (header + this + data).
type DeltaWritePayload struct {
	Offset uint64
	Len    uint32
	Flags  uint32
}

const deltaWritePayloadSize = 16

func (p *DeltaWritePayload) MarshalBinary() []byte {
	buf := make([]byte, deltaWritePayloadSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], p.Offset)
	le.PutUint32(buf[8:], p.Len)
	le.PutUint32(buf[12:], p.Flags)
	return buf
}

func (p *DeltaWritePayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < deltaWritePayloadSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	p.Offset = le.Uint64(buf[0:])
	p.Len = le.Uint32(buf[8:])
	p.Flags = le.Uint32(buf[12:])
	return nil
}

// DeltaCreatePayload mirrors struct daxfs_delta_create (header + this + name),
// shared by CREATE and MKDIR entries.
type DeltaCreatePayload struct {
	ParentIno uint64
	NewIno    uint64
	Mode      uint32
	NameLen   uint16
	Flags     uint16
}

const deltaCreatePayloadSize = 24

func (p *DeltaCreatePayload) MarshalBinary() []byte {
	buf := make([]byte, deltaCreatePayloadSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], p.ParentIno)
	le.PutUint64(buf[8:], p.NewIno)
	le.PutUint32(buf[16:], p.Mode)
	le.PutUint16(buf[20:], p.NameLen)
	le.PutUint16(buf[22:], p.Flags)
	return buf
}

func (p *DeltaCreatePayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < deltaCreatePayloadSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	p.ParentIno = le.Uint64(buf[0:])
	p.NewIno = le.Uint64(buf[8:])
	p.Mode = le.Uint32(buf[16:])
	p.NameLen = le.Uint16(buf[20:])
	p.Flags = le.Uint16(buf[22:])
	return nil
}

// DeltaDeletePayload mirrors struct daxfs_delta_delete (header + this + name).
// hdr.Ino carries the deleted inode; ParentIno/name identify the dirent
// tombstone.
type DeltaDeletePayload struct {
	ParentIno uint64
	NameLen   uint16
	Flags     uint16
	Reserved  uint32
}

const deltaDeletePayloadSize = 16

func (p *DeltaDeletePayload) MarshalBinary() []byte {
	buf := make([]byte, deltaDeletePayloadSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], p.ParentIno)
	le.PutUint16(buf[8:], p.NameLen)
	le.PutUint16(buf[10:], p.Flags)
	le.PutUint32(buf[12:], p.Reserved)
	return buf
}

func (p *DeltaDeletePayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < deltaDeletePayloadSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	p.ParentIno = le.Uint64(buf[0:])
	p.NameLen = le.Uint16(buf[8:])
	p.Flags = le.Uint16(buf[10:])
	p.Reserved = le.Uint32(buf[12:])
	return nil
}

// DeltaTruncatePayload mirrors struct daxfs_delta_truncate (header + this).
type DeltaTruncatePayload struct {
	NewSize uint64
}

const deltaTruncatePayloadSize = 8

func (p *DeltaTruncatePayload) MarshalBinary() []byte {
	buf := make([]byte, deltaTruncatePayloadSize)
	binary.LittleEndian.PutUint64(buf[0:], p.NewSize)
	return buf
}

func (p *DeltaTruncatePayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < deltaTruncatePayloadSize {
		return ErrInvalidFormat
	}
	p.NewSize = binary.LittleEndian.Uint64(buf[0:])
	return nil
}

// DeltaRenamePayload mirrors struct daxfs_delta_rename
// (header + this + old_name + new_name).
//
// Ino duplicates the moved inode number already carried in the record's
// DeltaHeader.Ino; decodeAt parses it into the payload struct for wire
// compatibility but LogEntry never stores it separately, since the
// resolver moves dirents by (parent, name), not by this field. See
// spec.md's open question on this field.
type DeltaRenamePayload struct {
	OldParentIno uint64
	NewParentIno uint64
	Ino          uint64
	OldNameLen   uint16
	NewNameLen   uint16
	Reserved     uint32
}

const deltaRenamePayloadSize = 32

func (p *DeltaRenamePayload) MarshalBinary() []byte {
	buf := make([]byte, deltaRenamePayloadSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], p.OldParentIno)
	le.PutUint64(buf[8:], p.NewParentIno)
	le.PutUint64(buf[16:], p.Ino)
	le.PutUint16(buf[24:], p.OldNameLen)
	le.PutUint16(buf[26:], p.NewNameLen)
	le.PutUint32(buf[28:], p.Reserved)
	return buf
}

func (p *DeltaRenamePayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < deltaRenamePayloadSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	p.OldParentIno = le.Uint64(buf[0:])
	p.NewParentIno = le.Uint64(buf[8:])
	p.Ino = le.Uint64(buf[16:])
	p.OldNameLen = le.Uint16(buf[24:])
	p.NewNameLen = le.Uint16(buf[26:])
	p.Reserved = le.Uint32(buf[28:])
	return nil
}

// DeltaSetattrPayload mirrors struct daxfs_delta_setattr (header + this).
type DeltaSetattrPayload struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Valid AttrValid
	Size  uint64
}

const deltaSetattrPayloadSize = 24

func (p *DeltaSetattrPayload) MarshalBinary() []byte {
	buf := make([]byte, deltaSetattrPayloadSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.Mode)
	le.PutUint32(buf[4:], p.UID)
	le.PutUint32(buf[8:], p.GID)
	le.PutUint32(buf[12:], uint32(p.Valid))
	le.PutUint64(buf[16:], p.Size)
	return buf
}

func (p *DeltaSetattrPayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < deltaSetattrPayloadSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	p.Mode = le.Uint32(buf[0:])
	p.UID = le.Uint32(buf[4:])
	p.GID = le.Uint32(buf[8:])
	p.Valid = AttrValid(le.Uint32(buf[12:]))
	p.Size = le.Uint64(buf[16:])
	return nil
}

// BaseSuperblock mirrors struct daxfs_base_super: the base image's own
// 4 KiB header.
type BaseSuperblock struct {
	Magic        uint32
	Version      uint32
	Flags        uint32
	BlockSize    uint32
	TotalSize    uint64
	InodeOffset  uint64
	InodeCount   uint32
	RootInode    uint32
	StrtabOffset uint64
	StrtabSize   uint64
	DataOffset   uint64
}

func (b *BaseSuperblock) MarshalBinary() []byte {
	buf := make([]byte, SuperblockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], b.Magic)
	le.PutUint32(buf[4:], b.Version)
	le.PutUint32(buf[8:], b.Flags)
	le.PutUint32(buf[12:], b.BlockSize)
	le.PutUint64(buf[16:], b.TotalSize)
	le.PutUint64(buf[24:], b.InodeOffset)
	le.PutUint32(buf[32:], b.InodeCount)
	le.PutUint32(buf[36:], b.RootInode)
	le.PutUint64(buf[40:], b.StrtabOffset)
	le.PutUint64(buf[48:], b.StrtabSize)
	le.PutUint64(buf[56:], b.DataOffset)
	return buf
}

func (b *BaseSuperblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < SuperblockSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	b.Magic = le.Uint32(buf[0:])
	b.Version = le.Uint32(buf[4:])
	b.Flags = le.Uint32(buf[8:])
	b.BlockSize = le.Uint32(buf[12:])
	b.TotalSize = le.Uint64(buf[16:])
	b.InodeOffset = le.Uint64(buf[24:])
	b.InodeCount = le.Uint32(buf[32:])
	b.RootInode = le.Uint32(buf[36:])
	b.StrtabOffset = le.Uint64(buf[40:])
	b.StrtabSize = le.Uint64(buf[48:])
	b.DataOffset = le.Uint64(buf[56:])

	if b.Magic != BaseMagic {
		return ErrInvalidFormat
	}
	return nil
}

// BaseInode mirrors struct daxfs_base_inode: the fixed BaseInodeSize-byte
// record for one entry in the base image's inode array.
type BaseInode struct {
	Ino         uint32
	Mode        uint32
	UID         uint32
	GID         uint32
	Size        uint64
	DataOffset  uint64
	NameOffset  uint32
	NameLen     uint32
	ParentIno   uint32
	NLink       uint32
	FirstChild  uint32
	NextSibling uint32
}

func (b *BaseInode) MarshalBinary() []byte {
	buf := make([]byte, BaseInodeSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], b.Ino)
	le.PutUint32(buf[4:], b.Mode)
	le.PutUint32(buf[8:], b.UID)
	le.PutUint32(buf[12:], b.GID)
	le.PutUint64(buf[16:], b.Size)
	le.PutUint64(buf[24:], b.DataOffset)
	le.PutUint32(buf[32:], b.NameOffset)
	le.PutUint32(buf[36:], b.NameLen)
	le.PutUint32(buf[40:], b.ParentIno)
	le.PutUint32(buf[44:], b.NLink)
	le.PutUint32(buf[48:], b.FirstChild)
	le.PutUint32(buf[52:], b.NextSibling)
	return buf
}

func (b *BaseInode) UnmarshalBinary(buf []byte) error {
	if len(buf) < BaseInodeSize {
		return ErrInvalidFormat
	}
	le := binary.LittleEndian
	b.Ino = le.Uint32(buf[0:])
	b.Mode = le.Uint32(buf[4:])
	b.UID = le.Uint32(buf[8:])
	b.GID = le.Uint32(buf[12:])
	b.Size = le.Uint64(buf[16:])
	b.DataOffset = le.Uint64(buf[24:])
	b.NameOffset = le.Uint32(buf[32:])
	b.NameLen = le.Uint32(buf[36:])
	b.ParentIno = le.Uint32(buf[40:])
	b.NLink = le.Uint32(buf[44:])
	b.FirstChild = le.Uint32(buf[48:])
	b.NextSibling = le.Uint32(buf[52:])
	return nil
}
