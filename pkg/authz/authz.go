// Package authz holds the authorization side of the data path: the client
// interface the capability cache talks to, an in-memory authorization
// service that issues signed capabilities, and the verifier storage
// targets use to check them.
package authz

import (
	"context"

	"stripefs/pkg/types"
)

// Client is the authorization service as seen by the client data path.
type Client interface {
	// CreateContainer creates requested, or a fresh container when requested
	// is types.ContainerAny. Fails with types.ErrAlreadyExists on a race.
	CreateContainer(ctx context.Context, requested types.ContainerID, cred types.Credential) (types.ContainerID, error)

	// CreateACL grants ops on container to every principal.
	CreateACL(ctx context.Context, container types.ContainerID, ops types.OpSet, principals []string, cred types.Credential) error

	// GetCapability issues a capability for ops on container. Fails with
	// types.ErrNoSuchContainer when the container does not exist.
	GetCapability(ctx context.Context, container types.ContainerID, ops types.OpSet, cred types.Credential) (types.Capability, error)
}

// Verifier checks a capability presented to a storage target.
type Verifier interface {
	Verify(capability types.Capability, container types.ContainerID, need types.OpSet) error
}
