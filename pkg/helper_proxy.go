package oneclient

import (
	"context"
)

// proxyHelper tunnels all data-plane I/O through the provider session. It is
// the safe fallback whenever direct access is unavailable, forbidden or
// still being probed.
type proxyHelper struct {
	storageID string
	provider  Provider
}

func newProxyHelper(storageID string, provider Provider) StorageHelper {
	return &proxyHelper{storageID: storageID, provider: provider}
}

func (h *proxyHelper) Name() string      { return HelperNameProxy }
func (h *proxyHelper) StorageID() string { return h.storageID }

// The provider serves proxied reads from the authoritative replica, so no
// client-side consistency check is needed.
func (h *proxyHelper) NeedsDataConsistencyCheck() bool { return false }

func (h *proxyHelper) Refresh(params *HelperParams) error { return nil }

func (h *proxyHelper) OpenFile(ctx context.Context, fileID string, flags OpenFlags) (HelperHandle, error) {
	return &proxyHandle{helper: h, fileID: fileID}, nil
}

type proxyHandle struct {
	helper *proxyHelper
	fileID string
}

func (ph *proxyHandle) Read(ctx context.Context, offset int64, size int, continuousHint int64) ([]byte, error) {
	return ph.helper.provider.ProxyRead(ctx, ph.helper.storageID, ph.fileID, offset, size)
}

func (ph *proxyHandle) Write(ctx context.Context, offset int64, data []byte, onWritten func(int)) (int, error) {
	n, err := ph.helper.provider.ProxyWrite(ctx, ph.helper.storageID, ph.fileID, offset, data)
	if n > 0 && onWritten != nil {
		onWritten(n)
	}
	return n, err
}

func (ph *proxyHandle) Flush(ctx context.Context) error { return nil }

func (ph *proxyHandle) FSync(ctx context.Context, dataOnly bool) error { return nil }

func (ph *proxyHandle) Release(ctx context.Context) error { return nil }
