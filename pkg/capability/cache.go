// Package capability caches capabilities issued by the authorization
// service so that repeated object accesses on one container do not each pay
// for a round trip.
//
// Entries are keyed by (container, operation set) with exact matching and
// live until a storage target rejects them (see With) or the Cache is
// purged. A Cache is owned by one filesystem client context and is safe for
// concurrent use.
package capability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stripefs/pkg/authz"
	"stripefs/pkg/metrics"
	"stripefs/pkg/types"
)

type cacheKey struct {
	container types.ContainerID
	ops       types.OpSet
}

func (k cacheKey) String() string {
	return strconv.FormatUint(uint64(k.container), 10) + "/" + strconv.Itoa(int(k.ops))
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

type Cache struct {
	client  authz.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[cacheKey]types.Capability

	// fetches collapses concurrent misses on the same key into one request.
	fetches singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(client authz.Client, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:  client,
		logger:  logger,
		metrics: m,
		entries: make(map[cacheKey]types.Capability),
	}
}

// Acquire returns a capability for ops on container, fetching it from the
// authorization service on a miss. The returned value is a copy the caller
// may keep. A failed fetch wraps types.ErrAuthorization and leaves the cache
// unchanged.
func (c *Cache) Acquire(ctx context.Context, container types.ContainerID, ops types.OpSet, cred types.Credential) (types.Capability, error) {
	key := cacheKey{container: container, ops: ops}

	c.mu.RLock()
	capability, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		c.metrics.CapabilityHit()
		return capability.Clone(), nil
	}

	c.misses.Add(1)
	c.metrics.CapabilityMiss()

	// The fetch outlives the caller that started it: other callers may be
	// waiting on the same key with their own deadlines.
	fetchCtx := context.WithoutCancel(ctx)
	results := c.fetches.DoChan(key.String(), func() (interface{}, error) {
		// A concurrent fetch may have landed between our lookup and now.
		c.mu.RLock()
		cached, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		fetched, err := c.client.GetCapability(fetchCtx, container, ops, cred)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = fetched.Clone()
		c.mu.Unlock()
		return fetched, nil
	})

	var (
		v      interface{}
		err    error
		shared bool
	)
	select {
	case res := <-results:
		v, err, shared = res.Val, res.Err, res.Shared
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.metrics.CapabilityFailure()
		c.logger.Debug("Capability fetch failed",
			zap.Uint64("container_id", uint64(container)),
			zap.Stringer("ops", ops),
			zap.Error(err))
		return types.Capability{}, fmt.Errorf("%w: container %d ops %s: %w", types.ErrAuthorization, container, ops, err)
	}

	c.logger.Debug("Capability fetched",
		zap.Uint64("container_id", uint64(container)),
		zap.Stringer("ops", ops),
		zap.Bool("shared", shared))

	return v.(types.Capability).Clone(), nil
}

// EnsureContainer returns a container the caller can use. A specific
// requested id is looked up first and created only if the authorization
// service does not know it; types.ContainerAny always creates a new
// container. New containers get an ACL granting the caller read and write.
func (c *Cache) EnsureContainer(ctx context.Context, requested types.ContainerID, cred types.Credential) (types.ContainerID, error) {
	if requested != types.ContainerAny {
		_, err := c.Acquire(ctx, requested, types.OpModACL, cred)
		if err == nil {
			return requested, nil
		}
		if !errors.Is(err, types.ErrNoSuchContainer) {
			return 0, err
		}
	}

	id, err := c.client.CreateContainer(ctx, requested, cred)
	if err != nil {
		if requested != types.ContainerAny && errors.Is(err, types.ErrAlreadyExists) {
			// Lost a creation race; the container must be visible now.
			if _, err := c.Acquire(ctx, requested, types.OpModACL, cred); err != nil {
				return 0, fmt.Errorf("%w: container %d exists but is not accessible: %w", types.ErrConsistency, requested, err)
			}
			return requested, nil
		}
		return 0, fmt.Errorf("%w: failed to create container: %w", types.ErrAuthorization, err)
	}

	if err := c.client.CreateACL(ctx, id, types.OpRead|types.OpWrite, []string{cred.Principal}, cred); err != nil {
		return 0, fmt.Errorf("%w: failed to create ACL for container %d: %w", types.ErrAuthorization, id, err)
	}

	c.logger.Info("Created container",
		zap.Uint64("container_id", uint64(id)),
		zap.String("principal", cred.Principal))

	return id, nil
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

// Invalidate drops the cached capability for ops on container.
func (c *Cache) Invalidate(container types.ContainerID, ops types.OpSet) {
	c.mu.Lock()
	delete(c.entries, cacheKey{container: container, ops: ops})
	c.mu.Unlock()
}

// Rejected reports whether err is a storage target refusing a capability,
// which is how an expired token shows up. Refusals by the authorization
// service itself do not count.
func Rejected(err error) bool {
	return errors.Is(err, types.ErrPermissionDenied) && !errors.Is(err, types.ErrAuthorization)
}

// With runs fn under a capability for ops on container. If a target
// rejects the capability, it is dropped and fn runs once more under a
// freshly fetched one.
func (c *Cache) With(ctx context.Context, container types.ContainerID, ops types.OpSet, cred types.Credential,
	fn func(types.Capability) error) error {

	for attempt := 1; ; attempt++ {
		capability, err := c.Acquire(ctx, container, ops, cred)
		if err != nil {
			return err
		}
		err = fn(capability)
		if attempt > 1 || !Rejected(err) {
			return err
		}
		c.Invalidate(container, ops)
		c.logger.Debug("Capability rejected by target, refetching",
			zap.Uint64("container_id", uint64(container)),
			zap.Stringer("ops", ops),
			zap.Error(err))
	}
}

// Purge drops every cached capability, for use when a client context is
// torn down and rebuilt.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]types.Capability)
	c.mu.Unlock()
}
