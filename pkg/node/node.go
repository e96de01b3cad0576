package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"stripefs/pkg/auth"
	"stripefs/pkg/authz"
	"stripefs/pkg/config"
	"stripefs/pkg/metrics"
	"stripefs/pkg/protocol"
	"stripefs/pkg/types"
)

const HealthReportInterval = 60 * time.Second

// objectKey identifies an object on this target. Object ids are unique per
// container regardless of object type.
type objectKey struct {
	container types.ContainerID
	object    types.ObjectID
}

type object struct {
	ref  types.ObjectRef
	data []byte
}

// Node is a storage target: a flat object store keyed by container and
// object id, optionally written through to a data directory.
type Node struct {
	protocol.UnimplementedNodeServer

	targetID      types.TargetID
	address       string
	dataDir       string
	totalCapacity int64
	usedCapacity  int64
	logger        *zap.Logger
	metrics       *metrics.Metrics
	verifier      authz.Verifier
	authConfig    *auth.AuthConfig

	objects      map[objectKey]*object
	objectsMutex sync.RWMutex

	server   *grpc.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a target. A nil verifier accepts every capability.
func New(cfg *config.TargetConfig, verifier authz.Verifier, logger *zap.Logger, m *metrics.Metrics) *Node {
	return NewWithAuth(cfg, verifier, logger, m, nil)
}

func NewWithAuth(cfg *config.TargetConfig, verifier authz.Verifier, logger *zap.Logger, m *metrics.Metrics, authConfig *auth.AuthConfig) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	capacity := cfg.StorageCapacity
	if capacity <= 0 {
		capacity = config.DefaultStorageCapacity
	}

	return &Node{
		targetID:      cfg.TargetID,
		address:       cfg.Address,
		dataDir:       cfg.DataDir,
		totalCapacity: capacity,
		logger:        logger.With(zap.Uint32("target_id", uint32(cfg.TargetID))),
		metrics:       m,
		verifier:      verifier,
		authConfig:    authConfig,
		objects:       make(map[objectKey]*object),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (n *Node) TargetID() types.TargetID {
	return n.targetID
}

// Open prepares the data directory and loads objects persisted by an
// earlier run. It is called by Start and may be called directly when the
// target is used in-process.
func (n *Node) Open() error {
	if n.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(n.objectsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := n.loadExistingObjects(); err != nil {
		return fmt.Errorf("failed to load existing objects: %w", err)
	}
	return nil
}

// Start opens the target and serves it over gRPC until Stop is called.
func (n *Node) Start() error {
	if err := n.Open(); err != nil {
		return err
	}

	// Extract just the port from the address for binding
	bindAddr := n.address
	if host, port, err := net.SplitHostPort(n.address); err == nil && host != "" && host != "127.0.0.1" && host != "localhost" {
		// If there's a hostname, bind to all interfaces on the same port
		bindAddr = ":" + port
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}

	return n.Serve(listener)
}

// Serve serves the target on an existing listener.
func (n *Node) Serve(listener net.Listener) error {
	n.listener = listener

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(n.logger)),
		grpc.MaxRecvMsgSize(protocol.MaxMessageSize),
		grpc.MaxSendMsgSize(protocol.MaxMessageSize),
	}

	if n.authConfig != nil && n.authConfig.Enabled {
		tlsBuilder, err := auth.NewTLSConfigBuilder(n.authConfig)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}

		tlsConfig, err := tlsBuilder.BuildServerConfig()
		if err != nil {
			return fmt.Errorf("failed to build server TLS config: %w", err)
		}

		if tlsConfig != nil {
			serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
			n.logger.Info("TLS enabled for target")
		}
	}

	n.server = grpc.NewServer(serverOpts...)
	protocol.RegisterNodeServer(n.server, n)

	n.logger.Info("Target starting",
		zap.String("address", listener.Addr().String()),
		zap.Int64("total_capacity", n.totalCapacity))

	go n.healthReportLoop()

	return n.server.Serve(listener)
}

func (n *Node) Stop() {
	n.cancel()

	if n.server != nil {
		n.server.GracefulStop()
	}
}

func (n *Node) verify(capability types.Capability, container types.ContainerID, need types.OpSet) error {
	if n.verifier == nil {
		return nil
	}
	return n.verifier.Verify(capability, container, need)
}

func (n *Node) checkRef(ref types.ObjectRef) error {
	if ref.Target != n.targetID {
		return fmt.Errorf("%w: object %s addressed to target %d", types.ErrNotFound, ref, n.targetID)
	}
	return nil
}

func (n *Node) CreateObject(ctx context.Context, req *protocol.CreateObjectRequest) (*protocol.CreateObjectResponse, error) {
	ref := req.Ref
	if err := n.checkRef(ref); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if err := n.verify(req.Capability, ref.Container, types.OpCreate); err != nil {
		return nil, protocol.ToStatus(err)
	}

	key := objectKey{ref.Container, ref.Object}

	n.objectsMutex.Lock()
	defer n.objectsMutex.Unlock()

	if _, exists := n.objects[key]; exists {
		return nil, protocol.ToStatus(fmt.Errorf("object %s: %w", ref, types.ErrAlreadyExists))
	}

	if n.dataDir != "" {
		if err := os.MkdirAll(n.containerDir(ref.Container), 0755); err != nil {
			return nil, protocol.ToStatus(fmt.Errorf("failed to create container directory: %w", err))
		}
		f, err := os.OpenFile(n.objectPath(ref), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return nil, protocol.ToStatus(fmt.Errorf("failed to create object file: %w", err))
		}
		f.Close()
	}

	n.objects[key] = &object{ref: ref}

	n.logger.Debug("Created object",
		zap.Stringer("ref", ref),
		zap.Stringer("type", ref.Type))

	return &protocol.CreateObjectResponse{}, nil
}

func (n *Node) RemoveObject(ctx context.Context, req *protocol.RemoveObjectRequest) (*protocol.RemoveObjectResponse, error) {
	ref := req.Ref
	if err := n.checkRef(ref); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if err := n.verify(req.Capability, ref.Container, types.OpRemove); err != nil {
		return nil, protocol.ToStatus(err)
	}

	key := objectKey{ref.Container, ref.Object}

	n.objectsMutex.Lock()
	obj, exists := n.objects[key]
	if exists {
		delete(n.objects, key)
		n.usedCapacity -= int64(len(obj.data))
	}
	n.objectsMutex.Unlock()

	if !exists {
		return nil, protocol.ToStatus(fmt.Errorf("object %s: %w", ref, types.ErrNotFound))
	}

	if n.dataDir != "" {
		if err := os.Remove(n.objectPath(obj.ref)); err != nil && !os.IsNotExist(err) {
			n.logger.Warn("Failed to delete object file", zap.Stringer("ref", ref), zap.Error(err))
		}
	}

	return &protocol.RemoveObjectResponse{}, nil
}

func (n *Node) Read(ctx context.Context, req *protocol.ReadRequest) (*protocol.ReadResponse, error) {
	ref := req.Ref
	if err := n.checkRef(ref); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if err := n.verify(req.Capability, ref.Container, types.OpRead); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if req.Offset < 0 || req.Length < 0 {
		return nil, protocol.ToStatus(fmt.Errorf("%w: read offset %d length %d", types.ErrConfiguration, req.Offset, req.Length))
	}

	n.objectsMutex.RLock()
	defer n.objectsMutex.RUnlock()

	obj, exists := n.objects[objectKey{ref.Container, ref.Object}]
	if !exists {
		return nil, protocol.ToStatus(fmt.Errorf("object %s: %w", ref, types.ErrNotFound))
	}

	size := int64(len(obj.data))
	if req.Offset >= size {
		return &protocol.ReadResponse{Data: []byte{}}, nil
	}
	end := req.Offset + int64(req.Length)
	if end > size {
		end = size
	}

	data := make([]byte, end-req.Offset)
	copy(data, obj.data[req.Offset:end])
	return &protocol.ReadResponse{Data: data}, nil
}

func (n *Node) Write(ctx context.Context, req *protocol.WriteRequest) (*protocol.WriteResponse, error) {
	ref := req.Ref
	if err := n.checkRef(ref); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if err := n.verify(req.Capability, ref.Container, types.OpWrite); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if req.Offset < 0 {
		return nil, protocol.ToStatus(fmt.Errorf("%w: write offset %d", types.ErrConfiguration, req.Offset))
	}

	n.objectsMutex.Lock()
	defer n.objectsMutex.Unlock()

	obj, exists := n.objects[objectKey{ref.Container, ref.Object}]
	if !exists {
		return nil, protocol.ToStatus(fmt.Errorf("object %s: %w", ref, types.ErrNotFound))
	}

	end := req.Offset + int64(len(req.Data))
	growth := end - int64(len(obj.data))
	if growth > 0 {
		if n.usedCapacity+growth > n.totalCapacity {
			return nil, protocol.ToStatus(fmt.Errorf("%w: target %d needs %d bytes, %d free",
				types.ErrCapacity, n.targetID, growth, n.totalCapacity-n.usedCapacity))
		}
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
		n.usedCapacity += growth
	}
	copy(obj.data[req.Offset:end], req.Data)

	if n.dataDir != "" {
		if err := n.writeThrough(obj.ref, req.Offset, req.Data); err != nil {
			return nil, protocol.ToStatus(err)
		}
	}

	return &protocol.WriteResponse{Written: len(req.Data)}, nil
}

func (n *Node) Stat(ctx context.Context, req *protocol.StatRequest) (*protocol.StatResponse, error) {
	ref := req.Ref
	if err := n.checkRef(ref); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if err := n.verify(req.Capability, ref.Container, types.OpRead); err != nil {
		return nil, protocol.ToStatus(err)
	}

	n.objectsMutex.RLock()
	defer n.objectsMutex.RUnlock()

	obj, exists := n.objects[objectKey{ref.Container, ref.Object}]
	if !exists {
		return nil, protocol.ToStatus(fmt.Errorf("object %s: %w", ref, types.ErrNotFound))
	}

	return &protocol.StatResponse{Info: types.ObjectInfo{Ref: obj.ref, Size: int64(len(obj.data))}}, nil
}

func (n *Node) Fsync(ctx context.Context, req *protocol.FsyncRequest) (*protocol.FsyncResponse, error) {
	ref := req.Ref
	if err := n.checkRef(ref); err != nil {
		return nil, protocol.ToStatus(err)
	}
	if err := n.verify(req.Capability, ref.Container, types.OpWrite); err != nil {
		return nil, protocol.ToStatus(err)
	}

	n.objectsMutex.RLock()
	obj, exists := n.objects[objectKey{ref.Container, ref.Object}]
	n.objectsMutex.RUnlock()

	if !exists {
		return nil, protocol.ToStatus(fmt.Errorf("object %s: %w", ref, types.ErrNotFound))
	}
	if n.dataDir == "" {
		return &protocol.FsyncResponse{}, nil
	}

	f, err := os.OpenFile(n.objectPath(obj.ref), os.O_WRONLY, 0644)
	if err != nil {
		return nil, protocol.ToStatus(fmt.Errorf("failed to open object file: %w", err))
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return nil, protocol.ToStatus(fmt.Errorf("failed to sync object file: %w", err))
	}
	return &protocol.FsyncResponse{}, nil
}

func (n *Node) HealthCheck(ctx context.Context, req *protocol.HealthCheckRequest) (*protocol.HealthCheckResponse, error) {
	n.objectsMutex.RLock()
	defer n.objectsMutex.RUnlock()

	return &protocol.HealthCheckResponse{
		TargetID:      n.targetID,
		Healthy:       true,
		Timestamp:     time.Now().Unix(),
		Objects:       len(n.objects),
		UsedCapacity:  n.usedCapacity,
		TotalCapacity: n.totalCapacity,
	}, nil
}

func (n *Node) writeThrough(ref types.ObjectRef, offset int64, data []byte) error {
	f, err := os.OpenFile(n.objectPath(ref), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open object file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write object to disk: %w", err)
	}
	return nil
}

func (n *Node) objectsDir() string {
	return filepath.Join(n.dataDir, "objects")
}

func (n *Node) containerDir(container types.ContainerID) string {
	return filepath.Join(n.objectsDir(), strconv.FormatUint(uint64(container), 10))
}

// objectPath is <data_dir>/objects/<container>/<object hex>.<type>
func (n *Node) objectPath(ref types.ObjectRef) string {
	name := fmt.Sprintf("%016x.%d", uint64(ref.Object), uint32(ref.Type))
	return filepath.Join(n.containerDir(ref.Container), name)
}

func parseObjectPath(target types.TargetID, container, name string) (types.ObjectRef, bool) {
	cid, err := strconv.ParseUint(container, 10, 64)
	if err != nil {
		return types.ObjectRef{}, false
	}
	hexID, typ, ok := strings.Cut(name, ".")
	if !ok {
		return types.ObjectRef{}, false
	}
	oid, err := strconv.ParseUint(hexID, 16, 64)
	if err != nil {
		return types.ObjectRef{}, false
	}
	t, err := strconv.ParseUint(typ, 10, 32)
	if err != nil {
		return types.ObjectRef{}, false
	}
	return types.ObjectRef{
		Target:    target,
		Container: types.ContainerID(cid),
		Object:    types.ObjectID(oid),
		Type:      types.ObjectType(t),
	}, true
}

func (n *Node) loadExistingObjects() error {
	files, err := filepath.Glob(filepath.Join(n.objectsDir(), "*", "*"))
	if err != nil {
		return err
	}

	n.objectsMutex.Lock()
	defer n.objectsMutex.Unlock()

	for _, file := range files {
		ref, ok := parseObjectPath(n.targetID, filepath.Base(filepath.Dir(file)), filepath.Base(file))
		if !ok {
			n.logger.Warn("Skipping unrecognised file in data directory", zap.String("path", file))
			continue
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read object %s: %w", ref, err)
		}

		n.objects[objectKey{ref.Container, ref.Object}] = &object{ref: ref, data: data}
		n.usedCapacity += int64(len(data))
	}

	n.logger.Info("Loaded existing objects",
		zap.Int("object_count", len(n.objects)),
		zap.Int64("used_capacity", n.usedCapacity))
	n.metrics.SetTargetBytes(n.usedCapacity)

	return nil
}

func (n *Node) healthReportLoop() {
	ticker := time.NewTicker(HealthReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.objectsMutex.RLock()
			used, count := n.usedCapacity, len(n.objects)
			n.objectsMutex.RUnlock()

			n.metrics.SetTargetBytes(used)
			n.logger.Debug("Health report",
				zap.Int("objects", count),
				zap.Int64("used_capacity", used),
				zap.Int64("total_capacity", n.totalCapacity))
		}
	}
}
