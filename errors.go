package daxfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
// These map onto the error kinds in the design's error handling section and
// are the values a host VFS shim translates into errno.
var (
	// ErrInvalidFormat is returned when the magic or version of a region does
	// not match what this package understands (surfaced as EINVAL).
	ErrInvalidFormat = errors.New("daxfs: invalid format or version")

	// ErrOutOfSpace is returned when the bump allocator or a branch's
	// delta-log capacity is exhausted (surfaced as ENOSPC).
	ErrOutOfSpace = errors.New("daxfs: delta region or branch log out of space")

	// ErrOutOfMemory is returned when an in-memory index node allocation
	// fails (surfaced as ENOMEM).
	ErrOutOfMemory = errors.New("daxfs: index allocation failed")

	// ErrExists is returned when CREATE/MKDIR targets a name that already
	// resolves to a live inode (surfaced as EEXIST).
	ErrExists = errors.New("daxfs: name already exists")

	// ErrAbsent is returned when the resolver has nothing to say about an
	// inode or directory entry (surfaced as ENOENT).
	ErrAbsent = errors.New("daxfs: no such inode or entry")

	// ErrCopyFault is returned when copying a WRITE payload into the delta
	// log does not complete (surfaced as EFAULT).
	ErrCopyFault = errors.New("daxfs: write payload copy did not complete")

	// ErrUnsupported is returned for operations with no valid target in
	// the current state, such as committing a root branch that has no
	// parent to fold into.
	ErrUnsupported = errors.New("daxfs: unsupported operation or flag combination")

	// ErrNotDirectory is returned when a directory-only operation targets
	// a non-directory inode.
	ErrNotDirectory = errors.New("daxfs: not a directory")

	// ErrBranchBusy is returned when a branch manager operation targets a
	// branch whose refcount is non-zero and therefore cannot leave ACTIVE.
	ErrBranchBusy = errors.New("daxfs: branch has active children or mounts")

	// ErrBranchNotActive is returned when commit/abort targets a branch
	// that is not in the ACTIVE state.
	ErrBranchNotActive = errors.New("daxfs: branch is not active")

	// ErrNoFreeBranch is returned when the branch table has no FREE slot
	// left to allocate a new branch.
	ErrNoFreeBranch = errors.New("daxfs: branch table full")
)
