package oneclient

import (
	"context"
	"fmt"
)

const (
	HelperNamePosix = "posix"
	HelperNameS3    = "s3"
	HelperNameProxy = "proxy"
)

// Helper argument keys shared between the provider and overrides.
const (
	HelperArgMountPoint           = "mountPoint"
	HelperArgSkipStorageDetection = "skipStorageDetection"
	HelperArgBucket               = "bucketName"
	HelperArgScheme               = "scheme"
	HelperArgHostname             = "hostname"
	HelperArgAccessKey            = "accessKey"
	HelperArgSecretKey            = "secretKey"
	HelperArgRegion               = "region"
)

// StorageHelper performs bulk data I/O against one storage back-end. A
// helper is shared between files; per-file state lives in HelperHandle.
type StorageHelper interface {
	Name() string
	StorageID() string

	// OpenFile binds the helper to one on-storage file id.
	OpenFile(ctx context.Context, fileID string, flags OpenFlags) (HelperHandle, error)

	// Refresh installs new provider-supplied parameters without changing
	// the helper's identity in the cache.
	Refresh(params *HelperParams) error

	// NeedsDataConsistencyCheck reports whether reads through this helper
	// must be verified against provider-computed checksums.
	NeedsDataConsistencyCheck() bool
}

// HelperHandle is an open file on a specific storage.
type HelperHandle interface {
	Read(ctx context.Context, offset int64, size int, continuousHint int64) ([]byte, error)
	Write(ctx context.Context, offset int64, data []byte, onWritten func(written int)) (int, error)
	Flush(ctx context.Context) error
	FSync(ctx context.Context, dataOnly bool) error
	Release(ctx context.Context) error
}

// helperUnwrapper is implemented by adapters stacked on top of a concrete
// helper; Refresh must reach the innermost instance.
type helperUnwrapper interface {
	Unwrap() StorageHelper
}

func unwrapHelper(h StorageHelper) StorageHelper {
	for {
		u, ok := h.(helperUnwrapper)
		if !ok {
			return h
		}
		h = u.Unwrap()
	}
}

// mergeOverrideParams layers the operator-supplied override map on top of
// provider parameters. Overrides win; notably mountPoint and
// skipStorageDetection.
func mergeOverrideParams(params *HelperParams, overrides map[string]string) *HelperParams {
	if len(overrides) == 0 {
		return params
	}
	merged := params.Clone()
	for k, v := range overrides {
		merged.Args[k] = v
	}
	return merged
}

// newHelper constructs a concrete helper for provider-supplied parameters.
// The proxy helper tunnels I/O through the provider session. Deadlines come
// from the caller's ctx.
func newHelper(params *HelperParams, provider Provider) (StorageHelper, error) {
	if params.Proxy || params.Name == HelperNameProxy {
		return newProxyHelper(params.StorageID, provider), nil
	}
	switch params.Name {
	case HelperNamePosix:
		return newPosixHelper(params)
	case HelperNameS3:
		return newS3Helper(params)
	}
	return nil, fmt.Errorf("%w: unknown helper type %q for storage <%s>",
		ErrNotSupported, params.Name, params.StorageID)
}
