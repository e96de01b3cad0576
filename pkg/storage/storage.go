// Package storage provides clients for the per-target object storage
// service: object create and remove, synchronous and asynchronous reads and
// writes, stat and fsync.
package storage

import (
	"context"

	"stripefs/pkg/types"
)

// Client talks to every storage target of a filesystem.
type Client interface {
	CreateObject(ctx context.Context, ref types.ObjectRef, capability types.Capability) error
	RemoveObject(ctx context.Context, ref types.ObjectRef, capability types.Capability) error

	// Read fills buf from offset and returns how many bytes were read. Fewer
	// than len(buf) bytes is not an error.
	Read(ctx context.Context, ref types.ObjectRef, offset int64, buf []byte, capability types.Capability) (int, error)
	Write(ctx context.Context, ref types.ObjectRef, offset int64, data []byte, capability types.Capability) (int, error)

	ReadAsync(ctx context.Context, ref types.ObjectRef, offset int64, buf []byte, capability types.Capability) *Request
	WriteAsync(ctx context.Context, ref types.ObjectRef, offset int64, data []byte, capability types.Capability) *Request

	Stat(ctx context.Context, ref types.ObjectRef, capability types.Capability) (types.ObjectInfo, error)
	Fsync(ctx context.Context, ref types.ObjectRef, capability types.Capability) error
}

type result struct {
	n   int
	err error
}

// Request is an outstanding asynchronous transfer. Wait returns the number
// of bytes the target transferred; Release must be called exactly once
// whether or not Wait was. A Request is owned by one goroutine.
type Request struct {
	done   chan result
	cancel context.CancelFunc

	finished bool
	res      result
}

// Go runs fn in its own goroutine and returns a handle to its outcome.
func Go(ctx context.Context, fn func(ctx context.Context) (int, error)) *Request {
	ctx, cancel := context.WithCancel(ctx)
	r := &Request{
		done:   make(chan result, 1),
		cancel: cancel,
	}
	go func() {
		n, err := fn(ctx)
		r.done <- result{n: n, err: err}
	}()
	return r
}

// Completed returns a handle that is already finished.
func Completed(n int, err error) *Request {
	return &Request{
		cancel:   func() {},
		finished: true,
		res:      result{n: n, err: err},
	}
}

// Wait blocks until the transfer finishes or ctx is done. Waiting again
// returns the same outcome.
func (r *Request) Wait(ctx context.Context) (int, error) {
	if !r.finished {
		select {
		case r.res = <-r.done:
			r.finished = true
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return r.res.n, r.res.err
}

// Release cancels the transfer if it is still running and frees the handle.
func (r *Request) Release() {
	r.cancel()
}
