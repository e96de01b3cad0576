package storage

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"stripefs/pkg/auth"
	"stripefs/pkg/metrics"
	"stripefs/pkg/protocol"
	"stripefs/pkg/types"
)

const (
	// DefaultRequestTimeout bounds synchronous requests whose context has no deadline
	DefaultRequestTimeout = 30 * time.Second
)

// ConnectionPool keeps one gRPC connection per target address.
type ConnectionPool struct {
	connections map[string]*grpc.ClientConn
	mutex       sync.RWMutex
	authConfig  *auth.AuthConfig
	dialOptions []grpc.DialOption
}

// NewConnectionPool creates a pool. Extra dial options are appended to the
// defaults, which lets tests dial over bufconn.
func NewConnectionPool(authConfig *auth.AuthConfig, opts ...grpc.DialOption) *ConnectionPool {
	return &ConnectionPool{
		connections: make(map[string]*grpc.ClientConn),
		authConfig:  authConfig,
		dialOptions: opts,
	}
}

// GetConnection returns a pooled connection or creates a new one
func (p *ConnectionPool) GetConnection(address string) (*grpc.ClientConn, error) {
	p.mutex.RLock()
	conn, exists := p.connections[address]
	p.mutex.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check after acquiring write lock
	conn, exists = p.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := p.dial(address)
	if err != nil {
		return nil, err
	}

	p.connections[address] = newConn
	return newConn, nil
}

func (p *ConnectionPool) dial(address string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  1 * time.Second,
				Multiplier: 1.5,
				Jitter:     0.2,
				MaxDelay:   30 * time.Second,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(protocol.MaxMessageSize),
			grpc.MaxCallSendMsgSize(protocol.MaxMessageSize),
		),
	}

	if p.authConfig != nil && p.authConfig.Enabled {
		tlsBuilder, err := auth.NewTLSConfigBuilder(p.authConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config builder: %w", err)
		}

		tlsConfig, err := tlsBuilder.BuildClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}

		// Extract hostname from address for SNI
		host := address
		if h, _, err := net.SplitHostPort(address); err == nil {
			host = h
		}
		tlsConfig.ServerName = host

		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(address, append(opts, p.dialOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return conn, nil
}

// CloseAll closes all connections in the pool
func (p *ConnectionPool) CloseAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, conn := range p.connections {
		conn.Close()
	}
	p.connections = make(map[string]*grpc.ClientConn)
}

// Remote reaches storage targets over gRPC.
type Remote struct {
	addresses map[types.TargetID]string
	pool      *ConnectionPool
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRemote creates a client for the targets in addresses.
func NewRemote(addresses map[types.TargetID]string, pool *ConnectionPool, logger *zap.Logger, m *metrics.Metrics) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		pool = NewConnectionPool(nil)
	}
	copied := make(map[types.TargetID]string, len(addresses))
	for id, addr := range addresses {
		copied[id] = addr
	}
	return &Remote{
		addresses: copied,
		pool:      pool,
		logger:    logger,
		metrics:   m,
	}
}

// Close releases every pooled connection.
func (r *Remote) Close() {
	r.pool.CloseAll()
}

func (r *Remote) client(ref types.ObjectRef) (protocol.NodeClient, error) {
	address, ok := r.addresses[ref.Target]
	if !ok {
		return nil, fmt.Errorf("%w: unknown target %d", types.ErrNotFound, ref.Target)
	}
	conn, err := r.pool.GetConnection(address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target %d: %w", ref.Target, err)
	}
	return protocol.NewNodeClient(conn), nil
}

func (r *Remote) done(method string, ref types.ObjectRef, err error) error {
	err = protocol.FromStatus(err)
	r.metrics.TargetRequest(method, err)
	if err != nil {
		r.logger.Debug("Target request failed",
			zap.String("method", method),
			zap.Stringer("ref", ref),
			zap.Error(err))
	}
	return err
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}

func (r *Remote) CreateObject(ctx context.Context, ref types.ObjectRef, capability types.Capability) error {
	c, err := r.client(ref)
	if err != nil {
		return err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	_, err = c.CreateObject(ctx, &protocol.CreateObjectRequest{Ref: ref, Capability: capability})
	return r.done("create", ref, err)
}

func (r *Remote) RemoveObject(ctx context.Context, ref types.ObjectRef, capability types.Capability) error {
	c, err := r.client(ref)
	if err != nil {
		return err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	_, err = c.RemoveObject(ctx, &protocol.RemoveObjectRequest{Ref: ref, Capability: capability})
	return r.done("remove", ref, err)
}

func (r *Remote) Read(ctx context.Context, ref types.ObjectRef, offset int64, buf []byte, capability types.Capability) (int, error) {
	c, err := r.client(ref)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, err := c.Read(ctx, &protocol.ReadRequest{Ref: ref, Offset: offset, Length: len(buf), Capability: capability})
	if err := r.done("read", ref, err); err != nil {
		return 0, err
	}
	return copy(buf, resp.Data), nil
}

func (r *Remote) Write(ctx context.Context, ref types.ObjectRef, offset int64, data []byte, capability types.Capability) (int, error) {
	c, err := r.client(ref)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, err := c.Write(ctx, &protocol.WriteRequest{Ref: ref, Offset: offset, Data: data, Capability: capability})
	if err := r.done("write", ref, err); err != nil {
		return 0, err
	}
	return resp.Written, nil
}

func (r *Remote) ReadAsync(ctx context.Context, ref types.ObjectRef, offset int64, buf []byte, capability types.Capability) *Request {
	return Go(ctx, func(ctx context.Context) (int, error) {
		return r.Read(ctx, ref, offset, buf, capability)
	})
}

func (r *Remote) WriteAsync(ctx context.Context, ref types.ObjectRef, offset int64, data []byte, capability types.Capability) *Request {
	return Go(ctx, func(ctx context.Context) (int, error) {
		return r.Write(ctx, ref, offset, data, capability)
	})
}

func (r *Remote) Stat(ctx context.Context, ref types.ObjectRef, capability types.Capability) (types.ObjectInfo, error) {
	c, err := r.client(ref)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, err := c.Stat(ctx, &protocol.StatRequest{Ref: ref, Capability: capability})
	if err := r.done("stat", ref, err); err != nil {
		return types.ObjectInfo{}, err
	}
	return resp.Info, nil
}

func (r *Remote) Fsync(ctx context.Context, ref types.ObjectRef, capability types.Capability) error {
	c, err := r.client(ref)
	if err != nil {
		return err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	_, err = c.Fsync(ctx, &protocol.FsyncRequest{Ref: ref, Capability: capability})
	return r.done("fsync", ref, err)
}

// HealthCheck asks one target for its status.
func (r *Remote) HealthCheck(ctx context.Context, target types.TargetID) (*protocol.HealthCheckResponse, error) {
	c, err := r.client(types.ObjectRef{Target: target})
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, err := c.HealthCheck(ctx, &protocol.HealthCheckRequest{})
	if err != nil {
		return nil, protocol.FromStatus(err)
	}
	return resp, nil
}
