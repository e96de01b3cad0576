// Package fsclient is the filesystem client context: it owns the capability
// cache, the layout store and the striped I/O engine for one mount and
// exposes file-level create, open, read, write, sync, stat and remove.
package fsclient

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"stripefs/pkg/authz"
	"stripefs/pkg/capability"
	"stripefs/pkg/config"
	"stripefs/pkg/engine"
	"stripefs/pkg/layout"
	"stripefs/pkg/metrics"
	"stripefs/pkg/storage"
	"stripefs/pkg/types"
)

// NamespaceEntry is what the naming service knows about a file: its
// identity, not its layout. Object is filled in on first open.
type NamespaceEntry struct {
	Name       string
	Container  types.ContainerID
	Management *types.ObjectRef
	Object     *types.DistributedObject
}

// FileInfo describes a file.
type FileInfo struct {
	Name        string
	Container   types.ContainerID
	Management  types.ObjectRef
	ChunkSize   int
	StripeCount int
	Size        int64
}

// CreateOptions select where and how a new file is laid out. Zero values
// pick a fresh container and the configured defaults; a zero stripe count
// with no configured default stripes over every target.
type CreateOptions struct {
	Container   types.ContainerID
	StripeCount int
	ChunkSize   int
}

type Client struct {
	cfg     *config.Config
	cred    types.Credential
	targets []types.TargetID

	caps    *capability.Cache
	layouts *layout.Store
	engine  *engine.Engine
	storage storage.Client

	mu      sync.RWMutex
	entries map[string]*NamespaceEntry

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a client context from cfg. The storage client reaches the
// targets listed in cfg and az issues capabilities.
func New(cfg *config.Config, client storage.Client, az authz.Client, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	targets := cfg.TargetIDs()
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no storage targets configured", types.ErrConfiguration)
	}
	if cfg.Layout.DefaultStripeCount > len(targets) {
		return nil, fmt.Errorf("%w: default stripe count %d with %d targets",
			types.ErrConfiguration, cfg.Layout.DefaultStripeCount, len(targets))
	}

	var placement layout.Placement
	switch cfg.Layout.Placement {
	case config.PlacementPermutation:
		placement = layout.NewPermutation(cfg.Layout.Seed + uint64(cfg.Rank))
	default:
		placement = layout.Rotation{Rank: cfg.Rank}
	}

	caps := capability.New(az, logger.Named("capability"), m)
	eng, err := engine.New(client, caps, logger.Named("engine"),
		engine.WithSimulatedIO(cfg.SimulatedIOPattern),
		engine.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		cred:    cfg.Credential(),
		targets: targets,
		caps:    caps,
		layouts: layout.NewStore(client, cfg.Layout.DefaultChunkSize, logger.Named("layout"),
			layout.WithPlacement(placement), layout.WithMetrics(m)),
		engine:  eng,
		storage: client,
		entries: make(map[string]*NamespaceEntry),
		logger:  logger,
		metrics: m,
	}, nil
}

// Capabilities exposes the client's capability cache.
func (c *Client) Capabilities() *capability.Cache {
	return c.caps
}

// EnsureContainer returns a usable container, creating it when needed.
func (c *Client) EnsureContainer(ctx context.Context, requested types.ContainerID) (types.ContainerID, error) {
	return c.caps.EnsureContainer(ctx, requested, c.cred)
}

// Register adds an entry handed out by an external naming service. Its
// layout is loaded on first open.
func (c *Client) Register(entry NamespaceEntry) error {
	if entry.Name == "" || entry.Management == nil {
		return fmt.Errorf("%w: namespace entry needs a name and management object", types.ErrConfiguration)
	}
	entry.Object = entry.Object.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.Name]; exists {
		return fmt.Errorf("file %s: %w", entry.Name, types.ErrAlreadyExists)
	}
	c.entries[entry.Name] = &entry
	return nil
}

// Lookup returns a copy of the namespace entry for name.
func (c *Client) Lookup(name string) (NamespaceEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[name]
	if !ok {
		return NamespaceEntry{}, fmt.Errorf("file %s: %w", name, types.ErrNotFound)
	}
	copied := *entry
	copied.Object = entry.Object.Clone()
	return copied, nil
}

// List returns every known file name in order.
func (c *Client) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create lays out a new file and opens it.
func (c *Client) Create(ctx context.Context, name string, opts CreateOptions) (*Handle, error) {
	c.mu.RLock()
	_, exists := c.entries[name]
	c.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("file %s: %w", name, types.ErrAlreadyExists)
	}

	container, err := c.caps.EnsureContainer(ctx, opts.Container, c.cred)
	if err != nil {
		return nil, err
	}
	stripeCount := opts.StripeCount
	if stripeCount == 0 {
		stripeCount = c.cfg.Layout.DefaultStripeCount
	}

	var (
		obj  *types.DistributedObject
		mgmt types.ObjectRef
	)
	err = c.caps.With(ctx, container, layout.CreateOps, c.cred, func(capability types.Capability) error {
		var err error
		obj, mgmt, err = c.layouts.Create(ctx, c.targets, stripeCount, opts.ChunkSize, container, capability)
		if err != nil {
			return err
		}

		entry := &NamespaceEntry{Name: name, Container: container, Management: &mgmt, Object: obj}
		c.mu.Lock()
		if _, exists := c.entries[name]; exists {
			c.mu.Unlock()
			c.layouts.Destroy(ctx, obj, mgmt, capability)
			return fmt.Errorf("file %s: %w", name, types.ErrAlreadyExists)
		}
		c.entries[name] = entry
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Created file",
		zap.String("name", name),
		zap.Uint64("container_id", uint64(container)),
		zap.Stringer("management", mgmt),
		zap.Int("stripe_count", obj.StripeCount),
		zap.Int("chunk_size", obj.ChunkSize))

	return c.newHandle(&NamespaceEntry{Name: name, Container: container, Management: &mgmt}, obj, 0), nil
}

// layoutOf returns the entry's layout, loading it from the management
// object the first time.
func (c *Client) layoutOf(ctx context.Context, name string) (*NamespaceEntry, *types.DistributedObject, error) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	var obj *types.DistributedObject
	if ok {
		obj = entry.Object
	}
	c.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("file %s: %w", name, types.ErrNotFound)
	}
	if obj != nil {
		return entry, obj, nil
	}

	err := c.caps.With(ctx, entry.Container, types.OpRead, c.cred, func(capability types.Capability) error {
		var err error
		obj, err = c.layouts.Load(ctx, *entry.Management, capability)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	if entry.Object == nil {
		entry.Object = obj
	}
	obj = entry.Object
	c.mu.Unlock()

	return entry, obj, nil
}

func (c *Client) newHandle(entry *NamespaceEntry, obj *types.DistributedObject, size int64) *Handle {
	return &Handle{
		client: c,
		mgmt:   *entry.Management,
		file: engine.File{
			Name:       entry.Name,
			Container:  entry.Container,
			Layout:     obj,
			Credential: c.cred,
			Size:       size,
		},
	}
}

// Open opens an existing file with its size recovered from the targets.
func (c *Client) Open(ctx context.Context, name string) (*Handle, error) {
	entry, obj, err := c.layoutOf(ctx, name)
	if err != nil {
		return nil, err
	}

	h := c.newHandle(entry, obj, 0)
	size, err := c.engine.LogicalSize(ctx, &h.file)
	if err != nil {
		return nil, err
	}
	h.file.Size = size
	return h, nil
}

// Stat describes name.
func (c *Client) Stat(ctx context.Context, name string) (FileInfo, error) {
	h, err := c.Open(ctx, name)
	if err != nil {
		return FileInfo{}, err
	}
	return h.Stat(), nil
}

// Remove destroys every object of name and forgets it.
func (c *Client) Remove(ctx context.Context, name string) error {
	entry, obj, err := c.layoutOf(ctx, name)
	if err != nil {
		return err
	}

	err = c.caps.With(ctx, entry.Container, types.OpRemove, c.cred, func(capability types.Capability) error {
		return c.layouts.Destroy(ctx, obj, *entry.Management, capability)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()

	c.logger.Info("Removed file", zap.String("name", name))
	return nil
}

// Close drops cached capabilities. The client must not be used afterwards.
func (c *Client) Close() {
	c.caps.Purge()
}
