// Package engine performs striped reads and writes: one call is split into
// per-target extents, each extent is issued asynchronously under a
// capability from the cache, and the call completes once every extent has
// been waited for.
package engine

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"stripefs/pkg/capability"
	"stripefs/pkg/metrics"
	"stripefs/pkg/session"
	"stripefs/pkg/storage"
	"stripefs/pkg/stripe"
	"stripefs/pkg/types"
)

// File is the engine's view of an open file. It is not safe for concurrent
// use; callers serialize calls on one File.
type File struct {
	Name       string
	Container  types.ContainerID
	Layout     *types.DistributedObject
	Credential types.Credential

	// Size is the cached logical size and Pos the current position. Both
	// are updated by every successful call.
	Size int64
	Pos  int64
}

type Engine struct {
	storage  storage.Client
	caps     *capability.Cache
	simulate string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Engine)

// WithSimulatedIO makes files whose name matches pattern (path.Match
// syntax) skip storage entirely: reads return zeros and writes only move
// the cached size and position.
func WithSimulatedIO(pattern string) Option {
	return func(e *Engine) { e.simulate = pattern }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(client storage.Client, caps *capability.Cache, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		storage: client,
		caps:    caps,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.simulate != "" {
		if _, err := path.Match(e.simulate, ""); err != nil {
			return nil, fmt.Errorf("%w: simulated I/O pattern %q: %v", types.ErrConfiguration, e.simulate, err)
		}
	}
	return e, nil
}

func (e *Engine) simulated(f *File) bool {
	if e.simulate == "" {
		return false
	}
	matched, _ := path.Match(e.simulate, f.Name)
	return matched
}

// Read reads into buf at the file's current position.
func (e *Engine) Read(ctx context.Context, f *File, buf []byte) (int, error) {
	return e.ReadAt(ctx, f, buf, f.Pos)
}

// Write writes data at the file's current position.
func (e *Engine) Write(ctx context.Context, f *File, data []byte) (int, error) {
	return e.WriteAt(ctx, f, data, f.Pos)
}

// ReadAt reads up to len(buf) bytes at off, never past the cached size.
// It returns 0 at or beyond end of file without touching storage. Ranges
// no target has written read as zeros.
func (e *Engine) ReadAt(ctx context.Context, f *File, buf []byte, off int64) (int, error) {
	if err := checkFile(f, off); err != nil {
		return 0, err
	}
	if off >= f.Size {
		f.Pos = off
		return 0, nil
	}
	count := min(int64(len(buf)), f.Size-off)

	n, err := e.transfer(ctx, session.OpRead, f, buf[:count], off)
	if err != nil {
		return 0, err
	}
	f.Pos = off + int64(n)
	return n, nil
}

// WriteAt writes data at off and grows the cached size when the write ends
// beyond it. A short count means a target accepted less than sent. Extents
// after the short one were issued too and may have landed, so a later
// LogicalSize can report more than the returned count.
func (e *Engine) WriteAt(ctx context.Context, f *File, data []byte, off int64) (int, error) {
	if err := checkFile(f, off); err != nil {
		return 0, err
	}

	n, err := e.transfer(ctx, session.OpWrite, f, data, off)
	if err != nil {
		return 0, err
	}
	f.Pos = off + int64(n)
	if f.Pos > f.Size {
		f.Size = f.Pos
	}
	return n, nil
}

func checkFile(f *File, off int64) error {
	if f == nil || f.Layout == nil {
		return fmt.Errorf("%w: file has no layout", types.ErrConfiguration)
	}
	if err := f.Layout.Validate(); err != nil {
		return err
	}
	if off < 0 {
		return fmt.Errorf("%w: negative offset %d", types.ErrConfiguration, off)
	}
	return nil
}

// transfer runs the call once more under a fresh capability when a target
// rejects the cached one.
func (e *Engine) transfer(ctx context.Context, op session.Op, f *File, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	need := types.OpRead
	if op == session.OpWrite {
		need = types.OpWrite
	}
	n, err := e.transferOnce(ctx, op, need, f, buf, off)
	if capability.Rejected(err) {
		e.caps.Invalidate(f.Container, need)
		e.logger.Debug("Capability rejected, retrying",
			zap.String("op", string(op)),
			zap.String("file", f.Name),
			zap.Error(err))
		n, err = e.transferOnce(ctx, op, need, f, buf, off)
	}
	return n, err
}

// transferOnce issues one sub-request per extent and waits for all of them.
func (e *Engine) transferOnce(ctx context.Context, op session.Op, need types.OpSet, f *File, buf []byte, off int64) (int, error) {
	simulated := e.simulated(f)
	layout := f.Layout
	extents := stripe.Plan(off, int64(len(buf)), layout.ChunkSize, layout.StripeCount)

	sess := session.New(op, f.Name, e.logger, e.metrics)
	fail := func(err error) (int, error) {
		sess.Abort()
		e.metrics.Failed(string(op))
		return 0, err
	}

	for _, ext := range extents {
		capability, err := e.caps.Acquire(ctx, f.Container, need, f.Credential)
		if err != nil {
			return fail(err)
		}

		piece := buf[ext.BufOffset : ext.BufOffset+ext.Length]
		e.metrics.ExtentIssued(string(op))

		if simulated {
			if op == session.OpRead {
				clear(piece)
			}
			sess.Add(nil)
			continue
		}

		ref := layout.Objects[ext.Target]
		if op == session.OpRead {
			sess.Add(e.storage.ReadAsync(ctx, ref, ext.TargetOffset, piece, capability))
		} else {
			sess.Add(e.storage.WriteAsync(ctx, ref, ext.TargetOffset, piece, capability))
		}
	}

	e.logger.Debug("Issued extents",
		zap.String("op", string(op)),
		zap.String("file", f.Name),
		zap.Int64("offset", off),
		zap.Int("pending", sess.Pending()))

	counts, err := sess.Complete(ctx)
	if err != nil {
		e.metrics.Failed(string(op))
		return 0, err
	}

	// Only the contiguous prefix counts: stop at the first short extent.
	// Reads are clamped to the file size, so a target object that ends
	// early inside a read is a hole and reads as zeros.
	var total int64
	for i, ext := range extents {
		n := int64(counts[i])
		if n < 0 {
			n = ext.Length
		}
		if op == session.OpRead && n < ext.Length && ext.FileOffset+ext.Length <= f.Size {
			clear(buf[ext.BufOffset+n : ext.BufOffset+ext.Length])
			n = ext.Length
		}
		total += n
		if n < ext.Length {
			e.logger.Debug("Short transfer",
				zap.String("op", string(op)),
				zap.String("file", f.Name),
				zap.Int64("file_offset", ext.FileOffset),
				zap.Int64("requested", ext.Length),
				zap.Int64("transferred", n))
			break
		}
	}

	e.metrics.Completed(string(op), int64(len(buf)), total)
	return int(total), nil
}

// Sync flushes every data object of the file.
func (e *Engine) Sync(ctx context.Context, f *File) error {
	if err := checkFile(f, 0); err != nil {
		return err
	}
	if e.simulated(f) {
		return nil
	}

	return e.caps.With(ctx, f.Container, types.OpWrite, f.Credential, func(capability types.Capability) error {
		for _, ref := range f.Layout.Objects {
			if err := e.storage.Fsync(ctx, ref, capability); err != nil {
				return fmt.Errorf("%w: fsync %s: %w", types.ErrIO, ref, err)
			}
		}
		return nil
	})
}

// LogicalSize asks every target for its object length and recovers the
// file size from them.
func (e *Engine) LogicalSize(ctx context.Context, f *File) (int64, error) {
	if err := checkFile(f, 0); err != nil {
		return 0, err
	}
	if e.simulated(f) {
		return f.Size, nil
	}

	lengths := make([]int64, len(f.Layout.Objects))
	err := e.caps.With(ctx, f.Container, types.OpRead, f.Credential, func(capability types.Capability) error {
		for i, ref := range f.Layout.Objects {
			info, err := e.storage.Stat(ctx, ref, capability)
			if err != nil {
				return fmt.Errorf("%w: stat %s: %w", types.ErrIO, ref, err)
			}
			lengths[i] = info.Size
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stripe.LogicalSize(lengths, f.Layout.ChunkSize, f.Layout.StripeCount), nil
}
