package daxfs

import (
	"io"
	"sync"
	"time"
)

// BranchContext is the live, in-memory handle for one ACTIVE (or
// just-opened) branch: its on-storage record, the region bytes backing
// its delta log, and the indices built by scanning that log. mu is
// the design's per-branch index lock — short critical sections around log
// appends and index updates.
//
// based on: original_source/kernel/delta.c's daxfs_branch_ctx and its
// append/build_index/lookup_* functions, translated from rb-tree +
// spinlock to btree + sync.Mutex.
type BranchContext struct {
	mu sync.Mutex

	rec   *BranchRecord
	slot  int
	table *BranchTable

	region *Region
	index  *Index
	parent *BranchContext

	writesByIno map[uint64][]*LogEntry
}

// NewBranchContext wraps rec (already read from slot slot of table) with
// empty indices. Call BuildIndex to populate them from the branch's
// existing delta log (a no-op for a freshly created branch).
func NewBranchContext(region *Region, table *BranchTable, slot int, rec *BranchRecord, parent *BranchContext) *BranchContext {
	return &BranchContext{
		rec:         rec,
		slot:        slot,
		table:       table,
		region:      region,
		index:       NewIndex(),
		parent:      parent,
		writesByIno: make(map[uint64][]*LogEntry),
	}
}

func (bc *BranchContext) ID() uint64         { return bc.rec.BranchID }
func (bc *BranchContext) Parent() *BranchContext { return bc.parent }
func (bc *BranchContext) Name() string       { return bc.rec.Name }
func (bc *BranchContext) State() uint32      { return bc.rec.State }

// BuildIndex scans the branch's delta log from the start, folding every
// entry into the inode and dirent indices. Scanning stops at the first
// zero-TotalSize header, which a freshly formatted (never-appended-to)
// log always presents immediately.
func (bc *BranchContext) BuildIndex() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	var cursor uint64
	for cursor < bc.rec.DeltaLogSize {
		entry, total, err := bc.decodeAt(cursor)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		bc.fold(entry)
		cursor += uint64(total)
	}
	return nil
}

func (bc *BranchContext) decodeAt(cursor uint64) (*LogEntry, uint32, error) {
	hdrBuf, err := bc.region.At(bc.rec.DeltaLogOffset+cursor, uint64(DeltaHdrSize))
	if err != nil {
		return nil, 0, err
	}
	var hdr DeltaHeader
	if err := hdr.UnmarshalBinary(hdrBuf); err != nil {
		return nil, 0, err
	}
	if hdr.TotalSize == 0 {
		return nil, 0, io.EOF
	}

	entry := &LogEntry{Offset: cursor, Type: hdr.Type, Ino: hdr.Ino, Timestamp: hdr.Timestamp}
	payloadOff := bc.rec.DeltaLogOffset + cursor + uint64(DeltaHdrSize)

	switch hdr.Type {
	case DeltaWrite:
		buf, err := bc.region.At(payloadOff, uint64(deltaWritePayloadSize))
		if err != nil {
			return nil, 0, err
		}
		var p DeltaWritePayload
		if err := p.UnmarshalBinary(buf); err != nil {
			return nil, 0, err
		}
		entry.WriteOffset = p.Offset
		entry.WriteLen = p.Len
		entry.DataOffset = payloadOff + uint64(deltaWritePayloadSize)

	case DeltaCreate, DeltaMkdir:
		buf, err := bc.region.At(payloadOff, uint64(deltaCreatePayloadSize))
		if err != nil {
			return nil, 0, err
		}
		var p DeltaCreatePayload
		if err := p.UnmarshalBinary(buf); err != nil {
			return nil, 0, err
		}
		entry.ParentIno = p.ParentIno
		entry.NewIno = p.NewIno
		entry.Mode = p.Mode
		nameBuf, err := bc.region.At(payloadOff+uint64(deltaCreatePayloadSize), uint64(p.NameLen))
		if err != nil {
			return nil, 0, err
		}
		entry.Name = string(nameBuf)

	case DeltaDelete:
		buf, err := bc.region.At(payloadOff, uint64(deltaDeletePayloadSize))
		if err != nil {
			return nil, 0, err
		}
		var p DeltaDeletePayload
		if err := p.UnmarshalBinary(buf); err != nil {
			return nil, 0, err
		}
		entry.ParentIno = p.ParentIno
		nameBuf, err := bc.region.At(payloadOff+uint64(deltaDeletePayloadSize), uint64(p.NameLen))
		if err != nil {
			return nil, 0, err
		}
		entry.Name = string(nameBuf)

	case DeltaTruncate:
		buf, err := bc.region.At(payloadOff, uint64(deltaTruncatePayloadSize))
		if err != nil {
			return nil, 0, err
		}
		var p DeltaTruncatePayload
		if err := p.UnmarshalBinary(buf); err != nil {
			return nil, 0, err
		}
		entry.TruncSize = p.NewSize

	case DeltaRename:
		buf, err := bc.region.At(payloadOff, uint64(deltaRenamePayloadSize))
		if err != nil {
			return nil, 0, err
		}
		var p DeltaRenamePayload
		if err := p.UnmarshalBinary(buf); err != nil {
			return nil, 0, err
		}
		entry.RenameOldParentIno = p.OldParentIno
		entry.RenameNewParentIno = p.NewParentIno
		namesOff := payloadOff + uint64(deltaRenamePayloadSize)
		oldBuf, err := bc.region.At(namesOff, uint64(p.OldNameLen))
		if err != nil {
			return nil, 0, err
		}
		newBuf, err := bc.region.At(namesOff+uint64(p.OldNameLen), uint64(p.NewNameLen))
		if err != nil {
			return nil, 0, err
		}
		entry.RenameOldName = string(oldBuf)
		entry.RenameNewName = string(newBuf)

	case DeltaSetattr:
		buf, err := bc.region.At(payloadOff, uint64(deltaSetattrPayloadSize))
		if err != nil {
			return nil, 0, err
		}
		var p DeltaSetattrPayload
		if err := p.UnmarshalBinary(buf); err != nil {
			return nil, 0, err
		}
		entry.SetattrValid = p.Valid
		entry.SetattrMode = p.Mode
		entry.SetattrUID = p.UID
		entry.SetattrGID = p.GID
		entry.SetattrSize = p.Size

	default:
		return nil, 0, ErrInvalidFormat
	}

	return entry, hdr.TotalSize, nil
}

// fold applies entry's effect to the inode status index, the dirent
// index, and (for WRITEs) the per-inode write list. Callers hold bc.mu.
func (bc *BranchContext) fold(entry *LogEntry) {
	switch entry.Type {
	case DeltaCreate, DeltaMkdir:
		st := bc.index.InodeState(entry.NewIno)
		st.HasExistence = true
		st.HasMode = true
		st.Mode = entry.Mode
		st.SizeAuthoritative = true
		st.Size = 0
		st.MaxWriteExtent = 0
		bc.index.AddDirent(entry.ParentIno, entry.Name, entry)

	case DeltaDelete:
		st := bc.index.InodeState(entry.Ino)
		st.HasDeleteMarker = true
		bc.index.AddDirent(entry.ParentIno, entry.Name, entry)

	case DeltaTruncate:
		st := bc.index.InodeState(entry.Ino)
		st.SizeAuthoritative = true
		st.Size = entry.TruncSize
		st.MaxWriteExtent = 0

	case DeltaSetattr:
		st := bc.index.InodeState(entry.Ino)
		if entry.SetattrValid.Has(AttrMode) {
			st.HasMode = true
			st.Mode = entry.SetattrMode
		}
		if entry.SetattrValid.Has(AttrUID) {
			st.HasUID = true
			st.UID = entry.SetattrUID
		}
		if entry.SetattrValid.Has(AttrGID) {
			st.HasGID = true
			st.GID = entry.SetattrGID
		}
		if entry.SetattrValid.Has(AttrSize) {
			st.SizeAuthoritative = true
			st.Size = entry.SetattrSize
			st.MaxWriteExtent = 0
		}

	case DeltaWrite:
		st := bc.index.InodeState(entry.Ino)
		if ext := entry.WriteOffset + uint64(entry.WriteLen); ext > st.MaxWriteExtent {
			st.MaxWriteExtent = ext
		}
		bc.writesByIno[entry.Ino] = append(bc.writesByIno[entry.Ino], entry)

	case DeltaRename:
		tombstone := &LogEntry{
			Offset: entry.Offset, Type: DeltaDelete, Ino: entry.Ino, Timestamp: entry.Timestamp,
			ParentIno: entry.RenameOldParentIno, Name: entry.RenameOldName,
		}
		bc.index.AddDirent(entry.RenameOldParentIno, entry.RenameOldName, tombstone)
		bc.index.AddDirent(entry.RenameNewParentIno, entry.RenameNewName, entry)
	}
}

// appendRaw writes a header + payload + trailing-data record at the
// branch's current log cursor and advances it. data is always a byte
// slice already resident in process memory (a dentry name, a rename
// pair), so the trailing copy cannot fail; appendWithReader is the
// counterpart for trailing data read from a caller-supplied io.Reader,
// which can. Callers hold bc.mu.
func (bc *BranchContext) appendRaw(entryType uint32, ino uint64, payload, data []byte) (uint64, error) {
	total := uint64(DeltaHdrSize) + uint64(len(payload)) + uint64(len(data))
	if total > bc.rec.DeltaLogCapacity-bc.rec.DeltaLogSize {
		return 0, ErrOutOfSpace
	}

	cursor := bc.rec.DeltaLogSize
	hdr := DeltaHeader{Type: entryType, TotalSize: uint32(total), Ino: ino, Timestamp: uint64(time.Now().UnixNano())}

	dst, err := bc.region.At(bc.rec.DeltaLogOffset+cursor, total)
	if err != nil {
		return 0, err
	}
	n := copy(dst, hdr.MarshalBinary())
	n += copy(dst[n:], payload)
	copy(dst[n:], data)

	bc.rec.DeltaLogSize += total
	if err := bc.table.Write(bc.slot, bc.rec); err != nil {
		return 0, err
	}
	return cursor, nil
}

// appendWithReader is appendRaw's counterpart for WRITE: it reads dataLen
// bytes of trailing payload directly out of r (the Go analogue of the
// original kernel module's copy_from_iter out of a caller-supplied
// iov_iter), the one place a "user copy" can genuinely come up short or
// error. DeltaLogSize only advances after the read completes in full, so
// a faulted write never leaves a partial record for a later scan to trip
// over. Callers hold bc.mu.
func (bc *BranchContext) appendWithReader(entryType uint32, ino uint64, payload []byte, r io.Reader, dataLen int) (uint64, error) {
	total := uint64(DeltaHdrSize) + uint64(len(payload)) + uint64(dataLen)
	if total > bc.rec.DeltaLogCapacity-bc.rec.DeltaLogSize {
		return 0, ErrOutOfSpace
	}

	cursor := bc.rec.DeltaLogSize
	hdr := DeltaHeader{Type: entryType, TotalSize: uint32(total), Ino: ino, Timestamp: uint64(time.Now().UnixNano())}

	dst, err := bc.region.At(bc.rec.DeltaLogOffset+cursor, total)
	if err != nil {
		return 0, err
	}
	n := copy(dst, hdr.MarshalBinary())
	n += copy(dst[n:], payload)
	if dataLen > 0 {
		if _, err := io.ReadFull(r, dst[n:n+dataLen]); err != nil {
			return 0, ErrCopyFault
		}
	}

	bc.rec.DeltaLogSize += total
	if err := bc.table.Write(bc.slot, bc.rec); err != nil {
		return 0, err
	}
	return cursor, nil
}

// AppendCreate appends a CREATE entry and folds it into the indices.
func (bc *BranchContext) AppendCreate(parentIno, newIno uint64, mode uint32, name string) (*LogEntry, error) {
	return bc.appendCreateLike(DeltaCreate, parentIno, newIno, mode, name)
}

// AppendMkdir appends a MKDIR entry and folds it into the indices.
func (bc *BranchContext) AppendMkdir(parentIno, newIno uint64, mode uint32, name string) (*LogEntry, error) {
	return bc.appendCreateLike(DeltaMkdir, parentIno, newIno, mode, name)
}

func (bc *BranchContext) appendCreateLike(entryType uint32, parentIno, newIno uint64, mode uint32, name string) (*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	p := DeltaCreatePayload{ParentIno: parentIno, NewIno: newIno, Mode: mode, NameLen: uint16(len(name))}
	offset, err := bc.appendRaw(entryType, newIno, p.MarshalBinary(), []byte(name))
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{Offset: offset, Type: entryType, Ino: newIno, ParentIno: parentIno, Name: name, Mode: mode, NewIno: newIno}
	bc.fold(entry)
	return entry, nil
}

// AppendDelete appends a DELETE (tombstone) entry for the dirent
// (parentIno, name) pointing at ino.
func (bc *BranchContext) AppendDelete(parentIno, ino uint64, name string) (*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	p := DeltaDeletePayload{ParentIno: parentIno, NameLen: uint16(len(name))}
	offset, err := bc.appendRaw(DeltaDelete, ino, p.MarshalBinary(), []byte(name))
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{Offset: offset, Type: DeltaDelete, Ino: ino, ParentIno: parentIno, Name: name}
	bc.fold(entry)
	return entry, nil
}

// AppendTruncate appends a TRUNCATE entry setting ino's size.
func (bc *BranchContext) AppendTruncate(ino, newSize uint64) (*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	p := DeltaTruncatePayload{NewSize: newSize}
	offset, err := bc.appendRaw(DeltaTruncate, ino, p.MarshalBinary(), nil)
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{Offset: offset, Type: DeltaTruncate, Ino: ino, TruncSize: newSize}
	bc.fold(entry)
	return entry, nil
}

// AppendSetattr appends a SETATTR entry; only the fields named by valid
// apply.
func (bc *BranchContext) AppendSetattr(ino uint64, valid AttrValid, mode, uid, gid uint32, size uint64) (*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	p := DeltaSetattrPayload{Mode: mode, UID: uid, GID: gid, Valid: valid, Size: size}
	offset, err := bc.appendRaw(DeltaSetattr, ino, p.MarshalBinary(), nil)
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{
		Offset: offset, Type: DeltaSetattr, Ino: ino,
		SetattrValid: valid, SetattrMode: mode, SetattrUID: uid, SetattrGID: gid, SetattrSize: size,
	}
	bc.fold(entry)
	return entry, nil
}

// AppendRename appends a RENAME entry moving ino from
// (oldParentIno, oldName) to (newParentIno, newName).
func (bc *BranchContext) AppendRename(oldParentIno, newParentIno, ino uint64, oldName, newName string) (*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	p := DeltaRenamePayload{
		OldParentIno: oldParentIno, NewParentIno: newParentIno, Ino: ino,
		OldNameLen: uint16(len(oldName)), NewNameLen: uint16(len(newName)),
	}
	trailing := append([]byte(oldName), []byte(newName)...)
	offset, err := bc.appendRaw(DeltaRename, ino, p.MarshalBinary(), trailing)
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{
		Offset: offset, Type: DeltaRename, Ino: ino,
		RenameOldParentIno: oldParentIno, RenameNewParentIno: newParentIno,
		RenameOldName: oldName, RenameNewName: newName,
	}
	bc.fold(entry)
	return entry, nil
}

// AppendWrite appends a WRITE entry, reading n bytes of payload directly
// out of r at the given file offset. r models the original kernel
// module's iov_iter: the copy out of it is the one place in the delta
// log's append path that can genuinely fault (a bad user pointer behind
// copy_from_iter), so a short read from r surfaces as ErrCopyFault before
// the log cursor ever advances, leaving no partial record behind.
func (bc *BranchContext) AppendWrite(ino, offset uint64, r io.Reader, n int) (*LogEntry, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	p := DeltaWritePayload{Offset: offset, Len: uint32(n)}
	logOff, err := bc.appendWithReader(DeltaWrite, ino, p.MarshalBinary(), r, n)
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{
		Offset: logOff, Type: DeltaWrite, Ino: ino,
		WriteOffset: offset, WriteLen: uint32(n),
		DataOffset: bc.rec.DeltaLogOffset + logOff + uint64(DeltaHdrSize) + uint64(deltaWritePayloadSize),
	}
	bc.fold(entry)
	return entry, nil
}

// LookupInodeState returns this branch's own status record for ino.
func (bc *BranchContext) LookupInodeState(ino uint64) (*InodeState, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.index.LookupInodeState(ino)
}

// LookupDirent returns this branch's own latest entry for (parentIno, name).
func (bc *BranchContext) LookupDirent(parentIno uint64, name string) (*LogEntry, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.index.LookupDirent(parentIno, name)
}

// ChildEntries returns this branch's own CREATE/MKDIR/RENAME/DELETE entries for
// directory parentIno, for readdir to merge against the base image and
// ancestor branches.
func (bc *BranchContext) ChildEntries(parentIno uint64) []*LogEntry {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.index.ChildEntries(parentIno)
}

// Writes returns this branch's own WRITE entries touching ino, in the
// order they were appended.
func (bc *BranchContext) Writes(ino uint64) []*LogEntry {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.writesByIno[ino]
}

// ReadData reads entry's trailing data (a WRITE entry's written bytes)
// directly out of the region.
func (bc *BranchContext) ReadData(entry *LogEntry, p []byte, skip uint64) (int, error) {
	if skip >= uint64(entry.WriteLen) {
		return 0, nil
	}
	n := uint64(len(p))
	if max := uint64(entry.WriteLen) - skip; n > max {
		n = max
	}
	src, err := bc.region.At(entry.DataOffset+skip, n)
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}
