package oneclient

import (
	"context"
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FsNode is one kernel-visible inode backed by a provider identity.
type FsNode struct {
	fs.Inode
	filesystem *OneFs
	identity   string
	fileType   FileType
}

type fuseHandleRef struct {
	id uint64
}

func (n *FsNode) log(format string, v ...interface{}) {
	if n.filesystem.verbose {
		Logger.Infof(fmt.Sprintf("(%s) %s", n.identity, format), v...)
	}
}

func (n *FsNode) logic() *FsLogic {
	return n.filesystem.logic
}

func (n *FsNode) newChild(ctx context.Context, attr *FileAttributes, out *fuse.EntryOut) *fs.Inode {
	fillAttr(attr, &out.Attr)
	child := &FsNode{
		filesystem: n.filesystem,
		identity:   attr.Identity,
		fileType:   attr.Type,
	}
	return n.NewInode(ctx, child, stableAttrFor(attr))
}

func (n *FsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.log("Lookup %s", name)
	attr, err := n.logic().Lookup(fuseCtx(ctx), n.identity, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.newChild(ctx, attr, out), fs.OK
}

func (n *FsNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.log("Getattr")
	attr, err := n.logic().GetAttr(fuseCtx(ctx), n.identity)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(attr, &out.Attr)
	return fs.OK
}

func (n *FsNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.log("Setattr")
	req := SetAttrRequest{}
	if mode, ok := in.GetMode(); ok {
		req.Mode = &mode
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		req.Size = &s
	}
	if atime, ok := in.GetATime(); ok {
		req.ATime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		req.MTime = &mtime
	}
	if ctime, ok := in.GetCTime(); ok {
		req.CTime = &ctime
	}

	attr, err := n.logic().SetAttr(fuseCtx(ctx), n.identity, req)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(attr, &out.Attr)
	return fs.OK
}

func (n *FsNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.log("Mkdir %s", name)
	attr, err := n.logic().Mkdir(fuseCtx(ctx), n.identity, name, mode)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.newChild(ctx, attr, out), fs.OK
}

func (n *FsNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.log("Mknod %s", name)
	attr, err := n.logic().Mknod(fuseCtx(ctx), n.identity, name, mode, mode&syscall.S_IFMT == syscall.S_IFREG || mode&syscall.S_IFMT == 0)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.newChild(ctx, attr, out), fs.OK
}

func (n *FsNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	n.log("Create %s", name)
	attr, handleID, err := n.logic().Create(fuseCtx(ctx), n.identity, name, mode, OpenFlagsFromPosix(int(flags)))
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	child := n.newChild(ctx, attr, out)
	return child, &fuseHandleRef{id: handleID}, 0, fs.OK
}

func (n *FsNode) Unlink(ctx context.Context, name string) syscall.Errno {
	n.log("Unlink %s", name)
	return errnoFor(n.logic().Unlink(fuseCtx(ctx), n.identity, name))
}

func (n *FsNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.log("Rmdir %s", name)
	return errnoFor(n.logic().Unlink(fuseCtx(ctx), n.identity, name))
}

func (n *FsNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	n.log("Rename %s -> %s", name, newName)
	target, ok := newParent.(*FsNode)
	if !ok {
		return syscall.EXDEV
	}
	return errnoFor(n.logic().Rename(fuseCtx(ctx), n.identity, name, target.identity, newName))
}

func (n *FsNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.log("Link %s", name)
	source, ok := target.(*FsNode)
	if !ok {
		return nil, syscall.EXDEV
	}
	attr, err := n.logic().Link(fuseCtx(ctx), source.identity, n.identity, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.newChild(ctx, attr, out), fs.OK
}

func (n *FsNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.log("Symlink %s -> %s", name, target)
	attr, err := n.logic().Symlink(fuseCtx(ctx), n.identity, name, target)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.newChild(ctx, attr, out), fs.OK
}

func (n *FsNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	n.log("Readlink")
	target, err := n.logic().Readlink(fuseCtx(ctx), n.identity)
	if err != nil {
		return nil, errnoFor(err)
	}
	return []byte(target), fs.OK
}

func (n *FsNode) Opendir(ctx context.Context) syscall.Errno {
	n.log("Opendir")
	return errnoFor(n.logic().OpenDir(fuseCtx(ctx), n.identity))
}

func (n *FsNode) Releasedir(ctx context.Context, fh fs.FileHandle) {
	n.log("Releasedir")
	_ = n.logic().ReleaseDir(fuseCtx(ctx), n.identity)
}

func (n *FsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.log("Readdir")
	logic := n.logic()

	var all []fuse.DirEntry
	offset := 0
	for {
		entries, eof, err := logic.Readdir(fuseCtx(ctx), n.identity, offset, 0)
		if err != nil {
			return nil, errnoFor(err)
		}
		for _, entry := range entries {
			de := fuse.DirEntry{Name: entry.Name, Mode: fuse.S_IFREG}
			if entry.Attr != nil {
				de.Mode = fuseModeFor(entry.Attr)
				de.Ino = inodeFor(entry.Attr.Identity)
			} else {
				de.Mode = fuse.S_IFDIR
				de.Ino = inodeFor(n.identity)
			}
			all = append(all, de)
		}
		offset += len(entries)
		if eof || len(entries) == 0 {
			break
		}
	}
	return fs.NewListDirStream(all), fs.OK
}

func (n *FsNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.log("Open")
	handleID, err := n.logic().Open(fuseCtx(ctx), n.identity, OpenFlagsFromPosix(int(flags)))
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &fuseHandleRef{id: handleID}, 0, fs.OK
}

func (n *FsNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	ref, ok := fh.(*fuseHandleRef)
	if !ok {
		return nil, syscall.EBADF
	}
	data, err := n.logic().Read(fuseCtx(ctx), ref.id, off, len(dest))
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(data), fs.OK
}

func (n *FsNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	ref, ok := fh.(*fuseHandleRef)
	if !ok {
		return 0, syscall.EBADF
	}
	written, err := n.logic().Write(fuseCtx(ctx), ref.id, off, data)
	if err != nil {
		return 0, errnoFor(err)
	}
	return uint32(written), fs.OK
}

func (n *FsNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	ref, ok := fh.(*fuseHandleRef)
	if !ok {
		return syscall.EBADF
	}
	return errnoFor(n.logic().Flush(fuseCtx(ctx), ref.id))
}

func (n *FsNode) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	ref, ok := fh.(*fuseHandleRef)
	if !ok {
		return syscall.EBADF
	}
	const fuseFsyncFDataSync = 1
	return errnoFor(n.logic().FSync(fuseCtx(ctx), ref.id, flags&fuseFsyncFDataSync != 0))
}

func (n *FsNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	ref, ok := fh.(*fuseHandleRef)
	if !ok {
		return syscall.EBADF
	}
	return errnoFor(n.logic().Release(fuseCtx(ctx), ref.id))
}

func (n *FsNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.logic().GetXAttr(fuseCtx(ctx), n.identity, attr)
	if err != nil {
		return 0, errnoFor(err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), fs.OK
}

func (n *FsNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	const xattrCreate = 1
	const xattrReplace = 2
	return errnoFor(n.logic().SetXAttr(fuseCtx(ctx), n.identity, attr, string(data),
		flags&xattrCreate != 0, flags&xattrReplace != 0))
}

func (n *FsNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return errnoFor(n.logic().RemoveXAttr(fuseCtx(ctx), n.identity, attr))
}

func (n *FsNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.logic().ListXAttr(fuseCtx(ctx), n.identity)
	if err != nil {
		return 0, errnoFor(err)
	}
	var needed uint32
	for _, name := range names {
		needed += uint32(len(name)) + 1
	}
	if uint32(len(dest)) < needed {
		return needed, syscall.ERANGE
	}
	var off int
	for _, name := range names {
		copy(dest[off:], name)
		off += len(name)
		dest[off] = 0
		off++
	}
	return needed, fs.OK
}

func (n *FsNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stats, err := n.logic().StatFS(fuseCtx(ctx), n.identity)
	if err != nil {
		return errnoFor(err)
	}
	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(stats.TotalSize / blockSize)
	out.Bfree = uint64(stats.FreeSize / blockSize)
	out.Bavail = out.Bfree
	out.Files = uint64(stats.FileCount)
	out.Ffree = uint64(stats.FreeFileCount)
	out.NameLen = 255
	return fs.OK
}
