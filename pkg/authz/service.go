package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stripefs/pkg/types"
)

// Grant gives a principal a set of operations on a container.
type Grant struct {
	Principal  string
	Ops        types.OpSet
	ValidUntil *time.Time
}

type container struct {
	id      types.ContainerID
	owner   string
	grants  []Grant
	created time.Time
}

// Service is an in-memory authorization service. Container owners hold
// every operation; other principals get what their ACL grants.
type Service struct {
	mu         sync.RWMutex
	containers map[types.ContainerID]*container
	nextID     types.ContainerID

	signer *TokenSigner
	logger *zap.Logger
}

// NewService creates an authorization service issuing tokens with signer.
func NewService(signer *TokenSigner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		containers: make(map[types.ContainerID]*container),
		nextID:     1,
		signer:     signer,
		logger:     logger,
	}
}

// CreateContainer implements Client.
func (s *Service) CreateContainer(ctx context.Context, requested types.ContainerID, cred types.Credential) (types.ContainerID, error) {
	if cred.Principal == "" {
		return 0, fmt.Errorf("%w: anonymous principal", types.ErrPermissionDenied)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := requested
	if id == types.ContainerAny {
		for {
			id = s.nextID
			s.nextID++
			if _, exists := s.containers[id]; !exists {
				break
			}
		}
	} else if _, exists := s.containers[id]; exists {
		return 0, fmt.Errorf("container %d: %w", id, types.ErrAlreadyExists)
	}

	s.containers[id] = &container{
		id:      id,
		owner:   cred.Principal,
		created: time.Now(),
	}

	s.logger.Debug("Created container",
		zap.Uint64("container_id", uint64(id)),
		zap.String("owner", cred.Principal))

	return id, nil
}

// CreateACL implements Client. The caller needs OpModACL on the container.
func (s *Service) CreateACL(ctx context.Context, id types.ContainerID, ops types.OpSet, principals []string, cred types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.containers[id]
	if !exists {
		return fmt.Errorf("container %d: %w", id, types.ErrNoSuchContainer)
	}
	if !s.granted(c, cred.Principal).Has(types.OpModACL) {
		return fmt.Errorf("%w: %s may not modify ACL of container %d", types.ErrPermissionDenied, cred.Principal, id)
	}

	for _, principal := range principals {
		updated := false
		for i := range c.grants {
			if c.grants[i].Principal == principal {
				c.grants[i].Ops |= ops
				updated = true
				break
			}
		}
		if !updated {
			c.grants = append(c.grants, Grant{Principal: principal, Ops: ops})
		}
	}

	s.logger.Debug("Updated container ACL",
		zap.Uint64("container_id", uint64(id)),
		zap.Stringer("ops", ops),
		zap.Strings("principals", principals))

	return nil
}

// GetCapability implements Client.
func (s *Service) GetCapability(ctx context.Context, id types.ContainerID, ops types.OpSet, cred types.Credential) (types.Capability, error) {
	s.mu.RLock()
	c, exists := s.containers[id]
	var granted types.OpSet
	if exists {
		granted = s.granted(c, cred.Principal)
	}
	s.mu.RUnlock()

	if !exists {
		return types.Capability{}, fmt.Errorf("container %d: %w", id, types.ErrNoSuchContainer)
	}
	if !granted.Has(ops) {
		return types.Capability{}, fmt.Errorf("%w: %s holds %s on container %d, asked for %s",
			types.ErrPermissionDenied, cred.Principal, granted, id, ops)
	}

	token, err := s.signer.Issue(id, ops, cred.Principal)
	if err != nil {
		return types.Capability{}, err
	}

	return types.Capability{
		Container:  id,
		Ops:        ops,
		Token:      token,
		Credential: cred,
	}, nil
}

// Grants returns the ACL of a container, owner first.
func (s *Service) Grants(id types.ContainerID) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.containers[id]
	if !exists {
		return nil, fmt.Errorf("container %d: %w", id, types.ErrNoSuchContainer)
	}

	grants := []Grant{{Principal: c.owner, Ops: types.OpAll}}
	rest := append([]Grant(nil), c.grants...)
	sort.Slice(rest, func(i, j int) bool { return rest[i].Principal < rest[j].Principal })
	return append(grants, rest...), nil
}

// Containers returns the number of containers.
func (s *Service) Containers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.containers)
}

// granted computes the operations principal holds on c. Callers hold s.mu.
func (s *Service) granted(c *container, principal string) types.OpSet {
	if principal != "" && principal == c.owner {
		return types.OpAll
	}

	now := time.Now()
	var ops types.OpSet
	for _, g := range c.grants {
		if g.ValidUntil != nil && now.After(*g.ValidUntil) {
			continue
		}
		if principalMatches(g.Principal, principal) {
			ops |= g.Ops
		}
	}
	return ops
}

// principalMatches supports exact names, "*" and "*@domain" wildcards.
func principalMatches(pattern, principal string) bool {
	if pattern == principal {
		return true
	}
	if pattern == "*" {
		return principal != ""
	}
	if strings.HasPrefix(pattern, "*@") {
		return strings.HasSuffix(principal, pattern[1:])
	}
	return false
}
