package oneclient

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// posixHelper performs direct I/O on a storage reachable through a local
// mount point. File ids from the provider are paths relative to that mount.
type posixHelper struct {
	mu         sync.RWMutex
	storageID  string
	mountPoint string
}

func newPosixHelper(params *HelperParams) (StorageHelper, error) {
	mountPoint := params.Args[HelperArgMountPoint]
	if mountPoint == "" {
		return nil, errors.New("posix helper requires a mountPoint argument")
	}
	return &posixHelper{storageID: params.StorageID, mountPoint: mountPoint}, nil
}

func (h *posixHelper) Name() string      { return HelperNamePosix }
func (h *posixHelper) StorageID() string { return h.storageID }

func (h *posixHelper) NeedsDataConsistencyCheck() bool { return false }

func (h *posixHelper) Refresh(params *HelperParams) error {
	mountPoint := params.Args[HelperArgMountPoint]
	if mountPoint == "" {
		return errors.New("posix helper refresh without mountPoint")
	}
	h.mu.Lock()
	h.mountPoint = mountPoint
	h.mu.Unlock()
	return nil
}

func (h *posixHelper) path(fileID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return filepath.Join(h.mountPoint, filepath.Clean("/"+fileID))
}

func (h *posixHelper) OpenFile(ctx context.Context, fileID string, flags OpenFlags) (HelperHandle, error) {
	osFlags := os.O_RDONLY
	switch flags {
	case OpenWrite:
		osFlags = os.O_WRONLY | os.O_CREATE
	case OpenReadWrite:
		osFlags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(h.path(fileID), osFlags, 0644)
	if err != nil {
		return nil, mapPosixError(err)
	}
	return &posixHandle{file: f}, nil
}

type posixHandle struct {
	file *os.File
}

func (ph *posixHandle) Read(ctx context.Context, offset int64, size int, continuousHint int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := ph.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, mapPosixError(err)
	}
	return buf[:n], nil
}

func (ph *posixHandle) Write(ctx context.Context, offset int64, data []byte, onWritten func(int)) (int, error) {
	n, err := ph.file.WriteAt(data, offset)
	if n > 0 && onWritten != nil {
		onWritten(n)
	}
	if err != nil {
		return n, mapPosixError(err)
	}
	return n, nil
}

func (ph *posixHandle) Flush(ctx context.Context) error { return nil }

func (ph *posixHandle) FSync(ctx context.Context, dataOnly bool) error {
	return mapPosixError(ph.file.Sync())
}

func (ph *posixHandle) Release(ctx context.Context) error {
	return mapPosixError(ph.file.Close())
}

// mapPosixError folds OS errors into the engine taxonomy so the retry
// envelope and probe protocol can classify them.
func mapPosixError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, syscall.EAGAIN):
		return ErrAgain
	case errors.Is(err, syscall.ENOTDIR):
		return ErrNotDirectory
	case errors.Is(err, syscall.ENOSPC):
		return ErrQuotaExceeded
	}
	return err
}
