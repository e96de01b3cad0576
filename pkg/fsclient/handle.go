package fsclient

import (
	"context"
	"sync"

	"stripefs/pkg/engine"
	"stripefs/pkg/types"
)

// Handle is an open file. Calls on one Handle are serialized.
type Handle struct {
	client *Client
	mgmt   types.ObjectRef

	mu   sync.Mutex
	file engine.File
}

func (h *Handle) Name() string {
	return h.file.Name
}

// Read reads from the current position.
func (h *Handle) Read(ctx context.Context, buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.engine.Read(ctx, &h.file, buf)
}

// Write writes at the current position.
func (h *Handle) Write(ctx context.Context, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.engine.Write(ctx, &h.file, data)
}

func (h *Handle) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.engine.ReadAt(ctx, &h.file, buf, off)
}

func (h *Handle) WriteAt(ctx context.Context, data []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.engine.WriteAt(ctx, &h.file, data, off)
}

// Seek sets the position for the next Read or Write.
func (h *Handle) Seek(pos int64) {
	h.mu.Lock()
	h.file.Pos = pos
	h.mu.Unlock()
}

func (h *Handle) Position() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Pos
}

// Size is the cached logical size.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Size
}

// Sync flushes every data object of the file.
func (h *Handle) Sync(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client.engine.Sync(ctx, &h.file)
}

func (h *Handle) Stat() FileInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	return FileInfo{
		Name:        h.file.Name,
		Container:   h.file.Container,
		Management:  h.mgmt,
		ChunkSize:   h.file.Layout.ChunkSize,
		StripeCount: h.file.Layout.StripeCount,
		Size:        h.file.Size,
	}
}
