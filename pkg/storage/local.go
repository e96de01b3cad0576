package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stripefs/pkg/metrics"
	"stripefs/pkg/node"
	"stripefs/pkg/protocol"
	"stripefs/pkg/types"
)

// Local dispatches requests to targets running in the same process. It
// goes through the same handlers the gRPC service uses.
type Local struct {
	targets map[types.TargetID]*node.Node
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLocal(targets []*node.Node, logger *zap.Logger, m *metrics.Metrics) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Local{
		targets: make(map[types.TargetID]*node.Node, len(targets)),
		logger:  logger,
		metrics: m,
	}
	for _, n := range targets {
		l.targets[n.TargetID()] = n
	}
	return l
}

func (l *Local) target(ref types.ObjectRef) (*node.Node, error) {
	n, ok := l.targets[ref.Target]
	if !ok {
		return nil, fmt.Errorf("%w: unknown target %d", types.ErrNotFound, ref.Target)
	}
	return n, nil
}

func (l *Local) done(method string, err error) error {
	err = protocol.FromStatus(err)
	l.metrics.TargetRequest(method, err)
	return err
}

func (l *Local) CreateObject(ctx context.Context, ref types.ObjectRef, capability types.Capability) error {
	n, err := l.target(ref)
	if err != nil {
		return err
	}
	_, err = n.CreateObject(ctx, &protocol.CreateObjectRequest{Ref: ref, Capability: capability})
	return l.done("create", err)
}

func (l *Local) RemoveObject(ctx context.Context, ref types.ObjectRef, capability types.Capability) error {
	n, err := l.target(ref)
	if err != nil {
		return err
	}
	_, err = n.RemoveObject(ctx, &protocol.RemoveObjectRequest{Ref: ref, Capability: capability})
	return l.done("remove", err)
}

func (l *Local) Read(ctx context.Context, ref types.ObjectRef, offset int64, buf []byte, capability types.Capability) (int, error) {
	n, err := l.target(ref)
	if err != nil {
		return 0, err
	}
	resp, err := n.Read(ctx, &protocol.ReadRequest{Ref: ref, Offset: offset, Length: len(buf), Capability: capability})
	if err := l.done("read", err); err != nil {
		return 0, err
	}
	return copy(buf, resp.Data), nil
}

func (l *Local) Write(ctx context.Context, ref types.ObjectRef, offset int64, data []byte, capability types.Capability) (int, error) {
	n, err := l.target(ref)
	if err != nil {
		return 0, err
	}
	resp, err := n.Write(ctx, &protocol.WriteRequest{Ref: ref, Offset: offset, Data: data, Capability: capability})
	if err := l.done("write", err); err != nil {
		return 0, err
	}
	return resp.Written, nil
}

func (l *Local) ReadAsync(ctx context.Context, ref types.ObjectRef, offset int64, buf []byte, capability types.Capability) *Request {
	return Go(ctx, func(ctx context.Context) (int, error) {
		return l.Read(ctx, ref, offset, buf, capability)
	})
}

func (l *Local) WriteAsync(ctx context.Context, ref types.ObjectRef, offset int64, data []byte, capability types.Capability) *Request {
	return Go(ctx, func(ctx context.Context) (int, error) {
		return l.Write(ctx, ref, offset, data, capability)
	})
}

func (l *Local) Stat(ctx context.Context, ref types.ObjectRef, capability types.Capability) (types.ObjectInfo, error) {
	n, err := l.target(ref)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	resp, err := n.Stat(ctx, &protocol.StatRequest{Ref: ref, Capability: capability})
	if err := l.done("stat", err); err != nil {
		return types.ObjectInfo{}, err
	}
	return resp.Info, nil
}

func (l *Local) Fsync(ctx context.Context, ref types.ObjectRef, capability types.Capability) error {
	n, err := l.target(ref)
	if err != nil {
		return err
	}
	_, err = n.Fsync(ctx, &protocol.FsyncRequest{Ref: ref, Capability: capability})
	return l.done("fsync", err)
}
