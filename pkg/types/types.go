package types

import (
	"fmt"
	"strings"
)

type TargetID uint32
type ContainerID uint64
type ObjectID uint64

// ContainerAny asks EnsureContainer for a freshly created container.
const ContainerAny ContainerID = 0

type ObjectType uint32

const (
	ObjectData       ObjectType = 1
	ObjectManagement ObjectType = 2
)

func (t ObjectType) String() string {
	switch t {
	case ObjectData:
		return "data"
	case ObjectManagement:
		return "management"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// ObjectRef identifies one physical object on one storage target.
type ObjectRef struct {
	Target    TargetID    `json:"target"`
	Container ContainerID `json:"container"`
	Object    ObjectID    `json:"object"`
	Type      ObjectType  `json:"type"`
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%d/%d/%x", r.Target, r.Container, uint64(r.Object))
}

// DistributedObject is the striping layout of one file.
type DistributedObject struct {
	ChunkSize   int         `json:"chunk_size"`
	StripeCount int         `json:"stripe_count"`
	Objects     []ObjectRef `json:"objects"`
}

// Validate checks the layout invariants.
func (d *DistributedObject) Validate() error {
	if d.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrConfiguration, d.ChunkSize)
	}
	if d.StripeCount <= 0 {
		return fmt.Errorf("%w: stripe count %d", ErrConfiguration, d.StripeCount)
	}
	if len(d.Objects) != d.StripeCount {
		return fmt.Errorf("%w: %d objects for stripe count %d", ErrConfiguration, len(d.Objects), d.StripeCount)
	}
	return nil
}

// Clone returns a deep copy.
func (d *DistributedObject) Clone() *DistributedObject {
	if d == nil {
		return nil
	}
	c := *d
	c.Objects = append([]ObjectRef(nil), d.Objects...)
	return &c
}

// OpSet is a set of capability operations. Values are comparable and
// can be used directly as map keys.
type OpSet uint8

const (
	OpRead OpSet = 1 << iota
	OpWrite
	OpCreate
	OpModACL
	OpRemove
)

const OpAll = OpRead | OpWrite | OpCreate | OpModACL | OpRemove

// Has reports whether every operation in other is in s.
func (s OpSet) Has(other OpSet) bool {
	return s&other == other
}

func (s OpSet) String() string {
	if s == 0 {
		return "none"
	}
	names := []string{}
	for _, op := range []struct {
		bit  OpSet
		name string
	}{
		{OpRead, "read"},
		{OpWrite, "write"},
		{OpCreate, "create"},
		{OpModACL, "modacl"},
		{OpRemove, "remove"},
	} {
		if s&op.bit != 0 {
			names = append(names, op.name)
		}
	}
	return strings.Join(names, "|")
}

// Credential identifies the caller to the authorization service.
type Credential struct {
	Principal string `json:"principal"`
	Secret    []byte `json:"secret,omitempty"`
}

// Capability proves the holder may perform Ops on Container.
type Capability struct {
	Container  ContainerID `json:"container"`
	Ops        OpSet       `json:"ops"`
	Token      []byte      `json:"token"`
	Credential Credential  `json:"credential"`
}

// Clone returns a copy that shares no memory with c.
func (c Capability) Clone() Capability {
	c.Token = append([]byte(nil), c.Token...)
	c.Credential.Secret = append([]byte(nil), c.Credential.Secret...)
	return c
}

// ObjectInfo is what a storage target reports about one object.
type ObjectInfo struct {
	Ref  ObjectRef `json:"ref"`
	Size int64     `json:"size"`
}
