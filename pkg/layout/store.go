// Package layout creates, persists and loads the striping layout of a file.
// A layout lives in a management object on one storage target; the data
// objects it names hold the file content.
package layout

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stripefs/pkg/metrics"
	"stripefs/pkg/storage"
	"stripefs/pkg/types"
)

const (
	// DataCreateAttempts is how often a data object create is tried before
	// a collision fails the layout.
	DataCreateAttempts = 3
	// ManagementCreateAttempts is the same for the management object.
	ManagementCreateAttempts = 50
)

// CreateOps is what the capability passed to Create must hold: objects are
// created and the layout written, and a failed create removes what it made.
const CreateOps = types.OpCreate | types.OpWrite | types.OpRemove

// Store creates and loads layouts through a storage client.
type Store struct {
	client           storage.Client
	placement        Placement
	defaultChunkSize int
	newObjectID      func() types.ObjectID

	rngMu sync.Mutex
	rng   *rand.Rand

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

// WithPlacement sets the slot placement policy. The default is Rotation
// with rank 0.
func WithPlacement(p Placement) Option {
	return func(s *Store) { s.placement = p }
}

// WithObjectIDs sets the generator for new object ids.
func WithObjectIDs(gen func() types.ObjectID) Option {
	return func(s *Store) { s.newObjectID = gen }
}

// WithRand sets the source used to pick the management object's target.
func WithRand(rng *rand.Rand) Option {
	return func(s *Store) { s.rng = rng }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a layout store. defaultChunkSize is used when Create is
// asked for chunk size 0.
func NewStore(client storage.Client, defaultChunkSize int, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		client:           client,
		placement:        Rotation{},
		defaultChunkSize: defaultChunkSize,
		newObjectID:      randomObjectID,
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:           logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomObjectID() types.ObjectID {
	id := uuid.New()
	return types.ObjectID(binary.LittleEndian.Uint64(id[:8]))
}

func (s *Store) randomTarget(targets []types.TargetID) types.TargetID {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return targets[s.rng.IntN(len(targets))]
}

// Create builds a new layout of stripeCount data objects (all targets when
// 0) with chunkSize (the store default when 0) in container, then persists
// it to a fresh management object. capability must hold CreateOps.
func (s *Store) Create(ctx context.Context, targets []types.TargetID, stripeCount, chunkSize int,
	container types.ContainerID, capability types.Capability) (*types.DistributedObject, types.ObjectRef, error) {

	if len(targets) == 0 {
		return nil, types.ObjectRef{}, fmt.Errorf("%w: no storage targets", types.ErrConfiguration)
	}
	if stripeCount == 0 {
		stripeCount = len(targets)
	}
	if chunkSize == 0 {
		chunkSize = s.defaultChunkSize
	}
	if stripeCount < 0 || stripeCount > len(targets) || stripeCount > MaxStripeCount {
		return nil, types.ObjectRef{}, fmt.Errorf("%w: stripe count %d with %d targets",
			types.ErrConfiguration, stripeCount, len(targets))
	}
	if chunkSize <= 0 || int64(chunkSize) > int64(^uint32(0)>>1) {
		return nil, types.ObjectRef{}, fmt.Errorf("%w: chunk size %d", types.ErrConfiguration, chunkSize)
	}

	obj := &types.DistributedObject{
		ChunkSize:   chunkSize,
		StripeCount: stripeCount,
		Objects:     make([]types.ObjectRef, stripeCount),
	}

	var created []types.ObjectRef
	fail := func(err error) (*types.DistributedObject, types.ObjectRef, error) {
		s.cleanup(ctx, created, capability)
		return nil, types.ObjectRef{}, err
	}

	for i, target := range s.placement.Assign(targets, stripeCount) {
		ref, err := s.createObject(ctx, func() types.TargetID { return target },
			container, types.ObjectData, DataCreateAttempts, capability)
		if err != nil {
			return fail(fmt.Errorf("%w: slot %d on target %d: %w", types.ErrStorage, i, target, err))
		}
		obj.Objects[i] = ref
		created = append(created, ref)
	}

	mgmt, err := s.createObject(ctx, func() types.TargetID { return s.randomTarget(targets) },
		container, types.ObjectManagement, ManagementCreateAttempts, capability)
	if err != nil {
		return fail(fmt.Errorf("%w: management object: %w", types.ErrStorage, err))
	}
	created = append(created, mgmt)

	if err := s.writeLayout(ctx, mgmt, obj, capability); err != nil {
		return fail(err)
	}

	s.metrics.LayoutCreated()
	s.logger.Debug("Created layout",
		zap.Stringer("management", mgmt),
		zap.Int("chunk_size", chunkSize),
		zap.Int("stripe_count", stripeCount))

	return obj, mgmt, nil
}

// createObject creates an object with a fresh id, retrying on id collisions.
func (s *Store) createObject(ctx context.Context, pickTarget func() types.TargetID, container types.ContainerID,
	objType types.ObjectType, attempts int, capability types.Capability) (types.ObjectRef, error) {

	for attempt := 1; attempt <= attempts; attempt++ {
		ref := types.ObjectRef{
			Target:    pickTarget(),
			Container: container,
			Object:    s.newObjectID(),
			Type:      objType,
		}

		err := s.client.CreateObject(ctx, ref, capability)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, types.ErrAlreadyExists) {
			return types.ObjectRef{}, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		s.metrics.CreateCollision(objType.String())
		s.logger.Debug("Object id collision",
			zap.Stringer("ref", ref),
			zap.Int("attempt", attempt))
	}
	return types.ObjectRef{}, fmt.Errorf("%d attempts collided: %w", attempts, types.ErrAlreadyExists)
}

// writeLayout writes the header fields and then each record, in order.
func (s *Store) writeLayout(ctx context.Context, mgmt types.ObjectRef, obj *types.DistributedObject, capability types.Capability) error {
	fields := [][]byte{encodeInt32(obj.ChunkSize), encodeInt32(obj.StripeCount)}
	for _, ref := range obj.Objects {
		fields = append(fields, EncodeRef(ref))
	}

	var offset int64
	for _, field := range fields {
		n, err := s.client.Write(ctx, mgmt, offset, field, capability)
		if err != nil {
			return fmt.Errorf("%w: writing layout at offset %d: %w", types.ErrStorage, offset, err)
		}
		if n != len(field) {
			return fmt.Errorf("%w: short layout write at offset %d (%d of %d bytes)", types.ErrStorage, offset, n, len(field))
		}
		offset += int64(n)
	}
	return nil
}

func (s *Store) readField(ctx context.Context, mgmt types.ObjectRef, offset int64, size int, capability types.Capability) ([]byte, error) {
	buf := make([]byte, size)
	n, err := s.client.Read(ctx, mgmt, offset, buf, capability)
	if err != nil {
		return nil, fmt.Errorf("%w: reading layout at offset %d: %w", types.ErrIO, offset, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: short layout read at offset %d (%d of %d bytes)", types.ErrIO, offset, n, size)
	}
	return buf, nil
}

// Load reads the layout persisted in mgmt. capability must allow read.
func (s *Store) Load(ctx context.Context, mgmt types.ObjectRef, capability types.Capability) (*types.DistributedObject, error) {
	chunkField, err := s.readField(ctx, mgmt, 0, FieldSize, capability)
	if err != nil {
		return nil, err
	}
	stripeField, err := s.readField(ctx, mgmt, FieldSize, FieldSize, capability)
	if err != nil {
		return nil, err
	}
	chunkSize, stripeCount, err := decodeHeader(chunkField, stripeField)
	if err != nil {
		return nil, err
	}

	obj := &types.DistributedObject{
		ChunkSize:   chunkSize,
		StripeCount: stripeCount,
		Objects:     make([]types.ObjectRef, stripeCount),
	}
	for i := range obj.Objects {
		record, err := s.readField(ctx, mgmt, int64(HeaderSize+RefSize*i), RefSize, capability)
		if err != nil {
			return nil, err
		}
		if obj.Objects[i], err = DecodeRef(record); err != nil {
			return nil, err
		}
	}

	s.metrics.LayoutLoaded()
	return obj, nil
}

// Destroy removes every data object of obj and then mgmt. Objects that are
// already gone are skipped; the first other failure is returned after every
// removal has been attempted.
func (s *Store) Destroy(ctx context.Context, obj *types.DistributedObject, mgmt types.ObjectRef, capability types.Capability) error {
	refs := append([]types.ObjectRef(nil), obj.Objects...)
	refs = append(refs, mgmt)

	var firstErr error
	for _, ref := range refs {
		err := s.client.RemoveObject(ctx, ref, capability)
		if err == nil || errors.Is(err, types.ErrNotFound) {
			continue
		}
		s.logger.Warn("Failed to remove object", zap.Stringer("ref", ref), zap.Error(err))
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: removing %s: %w", types.ErrStorage, ref, err)
		}
	}
	return firstErr
}

// cleanup removes objects of a layout whose creation failed.
func (s *Store) cleanup(ctx context.Context, refs []types.ObjectRef, capability types.Capability) {
	for _, ref := range refs {
		if err := s.client.RemoveObject(ctx, ref, capability); err != nil && !errors.Is(err, types.ErrNotFound) {
			s.logger.Warn("Failed to clean up object of incomplete layout",
				zap.Stringer("ref", ref), zap.Error(err))
		}
	}
}
