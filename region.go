package daxfs

import (
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Region is the directly-addressable memory backing an Image: either a
// memory-mapped file (the pmem/dax device analogue) or an anonymous
// in-process buffer (used by tests and by hosts that hand daxfs an
// already-mapped shared buffer). Every on-storage struct in this package
// is read and written through byte slices carved out of a Region.
//
// based on: KarpelesLab-squashfs's tablereader.go buffered-access pattern,
// generalized from a read-only compressed block cache to a flat
// read/write byte-addressable region.
type Region struct {
	data []byte
	mm   mmap.MMap // non-nil when backed by a mapped file; Close()/Flush() go through it
	file *os.File  // non-nil when we opened the file ourselves
}

// OpenRegionFile memory-maps path for reading and writing and returns a
// Region over its full length. The file must already be sized to hold the
// image (superblock + branch table + base image + delta region).
func OpenRegionFile(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Region{data: []byte(m), mm: m, file: f}, nil
}

// NewAnonRegion allocates an in-process buffer of the given size in place
// of a mapped device. Used by tests and by hosts that already own a shared
// buffer and hand daxfs a plain []byte.
func NewAnonRegion(size uint64) *Region {
	return &Region{data: make([]byte, size)}
}

// WrapRegion adopts an already-allocated buffer (e.g. one obtained from a
// dma-buf vmap or a host-managed shared memory segment) without copying it.
func WrapRegion(buf []byte) *Region {
	return &Region{data: buf}
}

// Size returns the region's total length in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.data))
}

// Ptr returns the byte slice starting at offset and running to the end of
// the region. Callers slice further as needed; daxfs never holds these
// slices across a region Close.
func (r *Region) Ptr(offset uint64) []byte {
	return r.data[offset:]
}

// At returns the length-byte slice starting at offset, the region
// equivalent of a bounds-checked pointer dereference.
func (r *Region) At(offset, length uint64) ([]byte, error) {
	if offset > uint64(len(r.data)) || length > uint64(len(r.data))-offset {
		return nil, ErrInvalidFormat
	}
	return r.data[offset : offset+length], nil
}

// Sync flushes dirty pages to the backing file. For anonymous or
// caller-supplied buffers there is nothing to flush.
func (r *Region) Sync() error {
	if r.mm != nil {
		return r.mm.Flush()
	}
	return nil
}

// Close unmaps and releases the region's backing file, if any.
func (r *Region) Close() error {
	var err error
	if r.mm != nil {
		err = r.mm.Unmap()
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Allocator is the single bump allocator that carves space for branch
// delta-log growth out of the delta region. It holds one lock, matching
// the design's region-allocator lock.
type Allocator struct {
	mu     sync.Mutex
	base   uint64
	limit  uint64
	cursor uint64
}

// NewAllocator creates a bump allocator over [base, base+size) of a Region.
// cursor is the already-consumed prefix (recovered from the superblock's
// DeltaAllocOffset on reopen, 0 for a freshly formatted image).
func NewAllocator(base, size, cursor uint64) *Allocator {
	return &Allocator{base: base, limit: base + size, cursor: base + cursor}
}

// Alloc reserves size bytes at the current cursor and advances it. It
// never reclaims: aborted branches leave their bytes in place, matching
// the design's "no reclamation" rule.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size > a.limit-a.cursor {
		return 0, ErrOutOfSpace
	}
	off := a.cursor
	a.cursor += size
	return off, nil
}

// Offset returns the allocator's current cursor, suitable for persisting
// into Superblock.DeltaAllocOffset (relative to the allocator's base).
func (a *Allocator) Offset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor - a.base
}
