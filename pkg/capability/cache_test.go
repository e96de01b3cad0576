package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stripefs/pkg/authz"
	"stripefs/pkg/types"
)

// fakeAuthz counts calls and lets tests inject failures.
type fakeAuthz struct {
	mu         sync.Mutex
	containers map[types.ContainerID]bool
	fetches    int
	creates    int
	acls       int
	fetchErr   error
	createErr  error
	// onCreate runs before a create is answered, to simulate races.
	onCreate func()
	// When set, GetCapability signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newFakeAuthz(existing ...types.ContainerID) *fakeAuthz {
	f := &fakeAuthz{containers: map[types.ContainerID]bool{}}
	for _, id := range existing {
		f.containers[id] = true
	}
	return f
}

func (f *fakeAuthz) CreateContainer(ctx context.Context, requested types.ContainerID, cred types.Credential) (types.ContainerID, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return 0, f.createErr
	}
	if requested == types.ContainerAny {
		requested = types.ContainerID(1000 + f.creates)
	}
	if f.containers[requested] {
		return 0, types.ErrAlreadyExists
	}
	f.containers[requested] = true
	return requested, nil
}

func (f *fakeAuthz) CreateACL(ctx context.Context, container types.ContainerID, ops types.OpSet, principals []string, cred types.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acls++
	return nil
}

func (f *fakeAuthz) GetCapability(ctx context.Context, container types.ContainerID, ops types.OpSet, cred types.Credential) (types.Capability, error) {
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return types.Capability{}, f.fetchErr
	}
	if !f.containers[container] {
		return types.Capability{}, types.ErrNoSuchContainer
	}
	return types.Capability{
		Container:  container,
		Ops:        ops,
		Token:      []byte(fmt.Sprintf("token-%d-%d-%d", container, ops, f.fetches)),
		Credential: cred,
	}, nil
}

var cred = types.Credential{Principal: "alice"}

func TestAcquireCachesByKey(t *testing.T) {
	fake := newFakeAuthz(5)
	cache := New(fake, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	first, err := cache.Acquire(ctx, 5, types.OpRead, cred)
	require.NoError(t, err)
	second, err := cache.Acquire(ctx, 5, types.OpRead, cred)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.fetches)
	assert.Equal(t, first.Token, second.Token)

	// A different operation set is a different key.
	_, err = cache.Acquire(ctx, 5, types.OpRead|types.OpWrite, cred)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.fetches)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, 2, stats.Entries)
}

func TestAcquireReturnsCopies(t *testing.T) {
	fake := newFakeAuthz(5)
	cache := New(fake, nil, nil)
	ctx := context.Background()

	first, err := cache.Acquire(ctx, 5, types.OpWrite, cred)
	require.NoError(t, err)
	original := string(first.Token)
	first.Token[0] = 'X'

	second, err := cache.Acquire(ctx, 5, types.OpWrite, cred)
	require.NoError(t, err)
	assert.Equal(t, original, string(second.Token))
}

func TestAcquireFailureLeavesCacheUnchanged(t *testing.T) {
	fake := newFakeAuthz(5)
	fake.fetchErr = errors.New("authorization service unavailable")
	cache := New(fake, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	_, err := cache.Acquire(ctx, 5, types.OpRead, cred)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAuthorization))
	assert.Zero(t, cache.Stats().Entries)

	fake.fetchErr = nil
	_, err = cache.Acquire(ctx, 5, types.OpRead, cred)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.fetches)
}

func TestConcurrentMissesFetchOnce(t *testing.T) {
	fake := newFakeAuthz(9)
	cache := New(fake, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 32)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			capability, err := cache.Acquire(ctx, 9, types.OpRead, cred)
			if assert.NoError(t, err) {
				tokens[i] = string(capability.Token)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fake.fetches)
	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
}

func TestCancelledLeaderDoesNotFailWaiters(t *testing.T) {
	fake := newFakeAuthz(9)
	fake.entered = make(chan struct{}, 1)
	fake.release = make(chan struct{})
	cache := New(fake, zaptest.NewLogger(t), nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(leaderCtx, 9, types.OpRead, cred)
		leaderErr <- err
	}()
	<-fake.entered

	cancel()
	err := <-leaderErr
	assert.ErrorIs(t, err, types.ErrAuthorization)
	assert.ErrorIs(t, err, context.Canceled)

	// The fetch is still in flight; a second caller joins it.
	waiter := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(context.Background(), 9, types.OpRead, cred)
		waiter <- err
	}()
	close(fake.release)

	require.NoError(t, <-waiter)
	assert.Equal(t, 1, fake.fetches)
	assert.Equal(t, 1, cache.Stats().Entries)
}

func TestEnsureContainerAnyAlwaysCreates(t *testing.T) {
	fake := newFakeAuthz()
	cache := New(fake, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	first, err := cache.EnsureContainer(ctx, types.ContainerAny, cred)
	require.NoError(t, err)
	second, err := cache.EnsureContainer(ctx, types.ContainerAny, cred)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, fake.creates)
	assert.Equal(t, 2, fake.acls)
	assert.Zero(t, fake.fetches, "no lookup for ContainerAny")
}

func TestEnsureContainerExisting(t *testing.T) {
	fake := newFakeAuthz(42)
	cache := New(fake, zaptest.NewLogger(t), nil)

	id, err := cache.EnsureContainer(context.Background(), 42, cred)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerID(42), id)
	assert.Zero(t, fake.creates)
	assert.Zero(t, fake.acls)
	assert.Equal(t, 1, fake.fetches)
}

func TestEnsureContainerCreatesMissing(t *testing.T) {
	fake := newFakeAuthz()
	cache := New(fake, zaptest.NewLogger(t), nil)

	id, err := cache.EnsureContainer(context.Background(), 42, cred)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerID(42), id)
	assert.Equal(t, 1, fake.creates)
	assert.Equal(t, 1, fake.acls)
}

func TestEnsureContainerLostRace(t *testing.T) {
	fake := newFakeAuthz()
	// Another client creates the container between our lookup and create.
	fake.onCreate = func() {
		fake.mu.Lock()
		fake.containers[42] = true
		fake.mu.Unlock()
	}
	cache := New(fake, zaptest.NewLogger(t), nil)

	id, err := cache.EnsureContainer(context.Background(), 42, cred)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerID(42), id)
	assert.Equal(t, 2, fake.fetches)
	assert.Zero(t, fake.acls)
}

func TestEnsureContainerRaceStillMissingIsConsistencyError(t *testing.T) {
	fake := newFakeAuthz()
	fake.createErr = types.ErrAlreadyExists
	cache := New(fake, zaptest.NewLogger(t), nil)

	_, err := cache.EnsureContainer(context.Background(), 42, cred)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConsistency))
}

func TestEnsureContainerWithService(t *testing.T) {
	signer, err := authz.NewTokenSigner([]byte("key"), 0)
	require.NoError(t, err)
	svc := authz.NewService(signer, zaptest.NewLogger(t))
	cache := New(svc, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	id, err := cache.EnsureContainer(ctx, types.ContainerAny, cred)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Containers())

	again, err := cache.EnsureContainer(ctx, id, cred)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, svc.Containers())

	capability, err := cache.Acquire(ctx, id, types.OpWrite, cred)
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(capability, id, types.OpWrite))
}

func TestWithRefetchesRejectedCapability(t *testing.T) {
	fake := newFakeAuthz(5)
	cache := New(fake, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	var tokens []string
	err := cache.With(ctx, 5, types.OpWrite, cred, func(capability types.Capability) error {
		tokens = append(tokens, string(capability.Token))
		if len(tokens) == 1 {
			return fmt.Errorf("write: capability expired: %w", types.ErrPermissionDenied)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])
	assert.Equal(t, 2, fake.fetches)

	// A second rejection is returned, not retried forever.
	calls := 0
	err = cache.With(ctx, 5, types.OpRead, cred, func(types.Capability) error {
		calls++
		return types.ErrPermissionDenied
	})
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	assert.Equal(t, 2, calls)

	// Other errors are not retried.
	calls = 0
	boom := errors.New("target offline")
	err = cache.With(ctx, 5, types.OpRead, cred, func(types.Capability) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRejected(t *testing.T) {
	assert.True(t, Rejected(fmt.Errorf("x: %w", types.ErrPermissionDenied)))
	assert.False(t, Rejected(fmt.Errorf("%w: %w", types.ErrAuthorization, types.ErrPermissionDenied)))
	assert.False(t, Rejected(types.ErrNotFound))
	assert.False(t, Rejected(nil))
}
