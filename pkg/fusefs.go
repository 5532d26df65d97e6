package oneclient

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// OneFs binds the dispatcher to the kernel through go-fuse. It owns no
// engine state: every inode callback is translated into an FsLogic call and
// the errno mapping of the result.
type OneFs struct {
	logic   *FsLogic
	verbose bool
	root    *FsNode
}

type FileSystemOpts struct {
	MountPoint string
	Verbose    bool
}

// Mount exposes the engine at the given mount point. The returned start
// func begins serving; the channel reports server failure or clean exit.
func Mount(logic *FsLogic, opts FileSystemOpts) (func() error, <-chan error, error) {
	Logger.Infof("Mounting to %s", opts.MountPoint)

	if _, err := os.Stat(opts.MountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(opts.MountPoint, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
		Logger.Info("Mount point directory created.")
	}

	onefs, err := NewFileSystem(logic, opts.Verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create filesystem: %v", err)
	}

	attrTimeout := time.Second * 30
	entryTimeout := time.Second * 30
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(onefs.root, fsOptions), opts.MountPoint, &fuse.MountOptions{
		MaxBackground: 512,
		FsName:        "oneclient",
		Name:          "oneclient",
		MaxReadAhead:  1 << 17,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, nil
}

// NewFileSystem builds the FUSE node tree rooted at the provider's root
// identity.
func NewFileSystem(logic *FsLogic, verbose bool) (*OneFs, error) {
	onefs := &OneFs{logic: logic, verbose: verbose}
	onefs.root = &FsNode{
		filesystem: onefs,
		identity:   logic.RootIdentity(),
		fileType:   FileTypeDirectory,
	}
	return onefs, nil
}

func (o *OneFs) Root() (fs.InodeEmbedder, error) {
	if o.root == nil {
		return nil, fmt.Errorf("root not initialized")
	}
	return o.root, nil
}

// inodeFor derives a stable inode number from a provider identity.
func inodeFor(identity string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(identity))
	ino := h.Sum64()
	if ino == 0 {
		ino = 1
	}
	return ino
}

func fuseModeFor(attr *FileAttributes) uint32 {
	mode := attr.Mode & 07777
	switch attr.Type {
	case FileTypeDirectory:
		mode |= fuse.S_IFDIR
	case FileTypeSymlink:
		mode |= fuse.S_IFLNK
	default:
		mode |= fuse.S_IFREG
	}
	return mode
}

func fillAttr(attr *FileAttributes, out *fuse.Attr) {
	out.Ino = inodeFor(attr.Identity)
	out.Size = uint64(attr.SizeOrZero())
	out.Blocks = (out.Size + 511) / 512
	out.Atime = uint64(attr.ATime.Unix())
	out.Mtime = uint64(attr.MTime.Unix())
	out.Ctime = uint64(attr.CTime.Unix())
	out.Mode = fuseModeFor(attr)
	out.Owner = fuse.Owner{Uid: attr.UID, Gid: attr.GID}
	if attr.NLink != nil {
		out.Nlink = *attr.NLink
	} else {
		out.Nlink = 1
	}
}

func stableAttrFor(attr *FileAttributes) fs.StableAttr {
	return fs.StableAttr{
		Mode: fuseModeFor(attr),
		Ino:  inodeFor(attr.Identity),
	}
}

// fuseCtx strips go-fuse's request cancellation: engine calls manage their
// own provider and storage deadlines.
func fuseCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
