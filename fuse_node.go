//go:build fuse

package daxfs

import (
	"bytes"
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FuseNode adapts an Image and a single active BranchContext to go-fuse's
// node API, giving a host a mountable view of one branch of a daxfs image
// without daxfs itself depending on a kernel VFS.
//
// based on: KarpelesLab-squashfs's inode_fuse.go (Lookup/Open/OpenDir/
// ReadDir/FillAttr), rewritten against go-fuse v2's fs.InodeEmbedder API
// instead of its older raw fuse.RawFileSystem-adjacent style.
type FuseNode struct {
	fs.Inode

	img    *Image
	branch *BranchContext
	ino    uint64
}

var (
	_ fs.NodeLookuper  = (*FuseNode)(nil)
	_ fs.NodeGetattrer = (*FuseNode)(nil)
	_ fs.NodeReaddirer = (*FuseNode)(nil)
	_ fs.NodeOpener    = (*FuseNode)(nil)
	_ fs.NodeReader    = (*FuseNode)(nil)
	_ fs.NodeWriter    = (*FuseNode)(nil)
	_ fs.NodeCreater   = (*FuseNode)(nil)
	_ fs.NodeMkdirer   = (*FuseNode)(nil)
	_ fs.NodeUnlinker  = (*FuseNode)(nil)
	_ fs.NodeRmdirer   = (*FuseNode)(nil)
	_ fs.NodeRenamer   = (*FuseNode)(nil)
	_ fs.NodeSetattrer = (*FuseNode)(nil)
)

func (n *FuseNode) child(ino uint64) *FuseNode {
	return &FuseNode{img: n.img, branch: n.branch, ino: ino}
}

func errnoOf(err error) syscall.Errno {
	switch err {
	case nil:
		return 0
	case ErrAbsent:
		return syscall.ENOENT
	case ErrExists:
		return syscall.EEXIST
	case ErrOutOfSpace:
		return syscall.ENOSPC
	case ErrOutOfMemory:
		return syscall.ENOMEM
	case ErrCopyFault:
		return syscall.EFAULT
	case ErrNotDirectory:
		return syscall.ENOTDIR
	case ErrUnsupported:
		return syscall.ENOTEMPTY
	default:
		return syscall.EIO
	}
}

func (n *FuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, err := n.img.Lookup(n.branch, n.ino, name)
	if err != nil {
		return nil, errnoOf(err)
	}
	attr, err := n.img.GetAttr(n.branch, ino)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(ino, attr, &out.Attr)
	child := n.child(ino)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode, Ino: ino}), 0
}

func (n *FuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.img.GetAttr(n.branch, n.ino)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(n.ino, attr, &out.Attr)
	return 0
}

func (n *FuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	err := n.img.ReadDir(n.branch, n.ino, n.ino, 0, func(d Dirent) bool {
		entries = append(entries, fuse.DirEntry{Ino: d.Ino, Name: d.Name})
		return true
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return fs.NewListDirStream(entries), 0
}

func (n *FuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *FuseNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nr, err := n.img.Read(n.branch, n.ino, uint64(off), dest)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:nr]), 0
}

func (n *FuseNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	nw, err := n.img.Write(n.branch, n.ino, uint64(off), bytes.NewReader(data), len(data))
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(nw), 0
}

func (n *FuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	ino, err := n.img.Create(n.branch, n.ino, name, mode)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	attr, err := n.img.GetAttr(n.branch, ino)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	fillAttr(ino, attr, &out.Attr)
	child := n.child(ino)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode, Ino: ino}), nil, 0, 0
}

func (n *FuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, err := n.img.Mkdir(n.branch, n.ino, name, mode)
	if err != nil {
		return nil, errnoOf(err)
	}
	attr, err := n.img.GetAttr(n.branch, ino)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(ino, attr, &out.Attr)
	child := n.child(ino)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode, Ino: ino}), 0
}

func (n *FuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.img.Unlink(n.branch, n.ino, name))
}

func (n *FuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.img.Rmdir(n.branch, n.ino, name))
}

func (n *FuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*FuseNode)
	if !ok {
		return syscall.EXDEV
	}
	noReplace := flags&fuse.RENAME_NOREPLACE != 0
	return errnoOf(n.img.Rename(n.branch, n.ino, np.ino, name, newName, noReplace))
}

func (n *FuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var valid AttrValid
	if in.Valid&fuse.FATTR_MODE != 0 {
		valid |= AttrMode
	}
	if in.Valid&fuse.FATTR_UID != 0 {
		valid |= AttrUID
	}
	if in.Valid&fuse.FATTR_GID != 0 {
		valid |= AttrGID
	}
	if in.Valid&fuse.FATTR_SIZE != 0 {
		valid |= AttrSize
	}
	if err := n.img.SetAttr(n.branch, n.ino, valid, in.Mode, in.Owner.Uid, in.Owner.Gid, in.Size); err != nil {
		return errnoOf(err)
	}
	attr, err := n.img.GetAttr(n.branch, n.ino)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(n.ino, attr, &out.Attr)
	return 0
}
