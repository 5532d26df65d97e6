package oneclient

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrNotFound          = errors.New("file not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrKeyExpired        = errors.New("storage key expired")
	ErrTimeout           = errors.New("operation timed out")
	ErrConnectionLost    = errors.New("connection to provider lost")
	ErrAgain             = errors.New("resource temporarily unavailable")
	ErrCanceled          = errors.New("operation canceled")
	ErrChecksumMismatch  = errors.New("block checksum mismatch")
	ErrQuotaExceeded     = errors.New("space quota exceeded")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNotDirectory      = errors.New("not a directory")
	ErrIsDirectory       = errors.New("is a directory")
	ErrInvalidHandle     = errors.New("invalid file handle")
	ErrDirectIOForbidden = errors.New("direct io forbidden for storage")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// ErrHelperUnavailable reports a storage for which no helper could be built.
type ErrHelperUnavailable struct {
	StorageID string
	Reason    error
}

func (e *ErrHelperUnavailable) Error() string {
	return fmt.Sprintf("storage helper unavailable for <%s>: %v", e.StorageID, e.Reason)
}

func (e *ErrHelperUnavailable) Unwrap() error { return e.Reason }

// isRecoverable reports whether the retry envelope should reinvoke the
// operation after a delay. Permission and key-expiry failures have their own
// dedicated fallback paths and are not handled here.
func isRecoverable(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrAgain),
		errors.Is(err, ErrCanceled),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EAGAIN || errno == syscall.ECANCELED ||
			errno == syscall.ETIMEDOUT || errno == syscall.EINTR
	}
	return false
}

// errnoFor maps an engine error to the errno surfaced through the kernel
// adapter. Unknown errors map to EIO.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, ErrQuotaExceeded):
		return syscall.ENOSPC
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrInvalidHandle):
		return syscall.EBADF
	case errors.Is(err, ErrAgain):
		return syscall.EAGAIN
	case errors.Is(err, ErrCanceled):
		return syscall.ECANCELED
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	}
	return syscall.EIO
}
