package fsclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"stripefs/pkg/authz"
	"stripefs/pkg/config"
	"stripefs/pkg/node"
	"stripefs/pkg/protocol"
	"stripefs/pkg/storage"
	"stripefs/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type cluster struct {
	cfg     *config.Config
	service *authz.Service
	storage *storage.Local
	nodes   []*node.Node
}

func newCluster(t *testing.T, targetCount int) *cluster {
	t.Helper()
	return newSizedCluster(t, targetCount, 1<<20)
}

func newSizedCluster(t *testing.T, targetCount int, capacity int64) *cluster {
	t.Helper()
	logger := zaptest.NewLogger(t)

	signer, err := authz.NewTokenSigner([]byte("fsclient-test"), 0)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Principal = "alice"
	cfg.Layout.DefaultChunkSize = 64

	nodes := make([]*node.Node, 0, targetCount)
	for i := 0; i < targetCount; i++ {
		target := config.TargetConfig{TargetID: types.TargetID(i + 1), StorageCapacity: capacity}
		cfg.Targets = append(cfg.Targets, target)
		nodes = append(nodes, node.New(&target, signer, logger, nil))
	}

	return &cluster{
		cfg:     cfg,
		service: authz.NewService(signer, logger),
		storage: storage.NewLocal(nodes, logger, nil),
		nodes:   nodes,
	}
}

func (c *cluster) client(t *testing.T) *Client {
	t.Helper()
	client, err := New(c.cfg, c.storage, c.service, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestNewRequiresTargets(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, nil, nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestCreateWriteReadStat(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)
	client := c.client(t)

	h, err := client.Create(ctx, "/results/run.dat", CreateOptions{})
	require.NoError(t, err)
	assert.Zero(t, h.Size())

	data := []byte("the quick brown fox jumps over the lazy dog, striped across three targets")
	n, err := h.Write(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, int64(len(data)), h.Position())
	require.NoError(t, h.Sync(ctx))

	h.Seek(4)
	buf := make([]byte, 5)
	n, err = h.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "quick", string(buf[:n]))

	info, err := client.Stat(ctx, "/results/run.dat")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, 3, info.StripeCount)
	assert.Equal(t, 64, info.ChunkSize)
	assert.Equal(t, types.ObjectManagement, info.Management.Type)

	_, err = client.Create(ctx, "/results/run.dat", CreateOptions{})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	assert.Equal(t, []string{"/results/run.dat"}, client.List())
}

func TestOpenLoadsLayoutLazily(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 4)

	writer := c.client(t)
	h, err := writer.Create(ctx, "/shared", CreateOptions{StripeCount: 2, ChunkSize: 16})
	require.NoError(t, err)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = h.WriteAt(ctx, payload, 0)
	require.NoError(t, err)

	entry, err := writer.Lookup("/shared")
	require.NoError(t, err)

	// A second client context only knows the naming entry.
	reader := c.client(t)
	require.NoError(t, reader.Register(NamespaceEntry{
		Name:       entry.Name,
		Container:  entry.Container,
		Management: entry.Management,
	}))

	before, err := reader.Lookup("/shared")
	require.NoError(t, err)
	assert.Nil(t, before.Object)

	opened, err := reader.Open(ctx, "/shared")
	require.NoError(t, err)
	assert.Equal(t, int64(100), opened.Size())

	after, err := reader.Lookup("/shared")
	require.NoError(t, err)
	assert.Equal(t, entry.Object, after.Object)

	buf := make([]byte, 200)
	n, err := opened.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	client := c.client(t)

	h, err := client.Create(ctx, "/tmp/x", CreateOptions{})
	require.NoError(t, err)
	_, err = h.Write(ctx, []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, client.Remove(ctx, "/tmp/x"))

	_, err = client.Open(ctx, "/tmp/x")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, client.Remove(ctx, "/tmp/x"), types.ErrNotFound)
	assert.Empty(t, client.List())
}

func TestCreateInExistingContainer(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	client := c.client(t)

	container, err := client.EnsureContainer(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerID(42), container)
	assert.Equal(t, 1, c.service.Containers())

	h, err := client.Create(ctx, "/in-42", CreateOptions{Container: 42})
	require.NoError(t, err)
	assert.Equal(t, types.ContainerID(42), h.Stat().Container)
	assert.Equal(t, 1, c.service.Containers())
}

func TestSimulatedFiles(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	c.cfg.SimulatedIOPattern = "/null/*"
	client := c.client(t)

	h, err := client.Create(ctx, "/null/bench", CreateOptions{})
	require.NoError(t, err)

	n, err := h.WriteAt(ctx, make([]byte, 4096), 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, int64(4096), h.Size())

	// Nothing reached the targets.
	info, err := client.Stat(ctx, "/null/bench")
	require.NoError(t, err)
	assert.Zero(t, info.Size)
}

func TestPermutationPlacement(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 5)
	c.cfg.Layout.Placement = config.PlacementPermutation
	c.cfg.Layout.Seed = 3
	client := c.client(t)

	_, err := client.Create(ctx, "/p", CreateOptions{StripeCount: 3})
	require.NoError(t, err)

	entry, err := client.Lookup("/p")
	require.NoError(t, err)

	seen := map[types.TargetID]bool{}
	for _, ref := range entry.Object.Objects {
		assert.False(t, seen[ref.Target])
		seen[ref.Target] = true
	}
}

func TestRegisterValidation(t *testing.T) {
	client := newCluster(t, 1).client(t)
	assert.ErrorIs(t, client.Register(NamespaceEntry{Name: "x"}), types.ErrConfiguration)

	mgmt := types.ObjectRef{Target: 1, Container: 1, Object: 1, Type: types.ObjectManagement}
	require.NoError(t, client.Register(NamespaceEntry{Name: "x", Management: &mgmt}))
	assert.ErrorIs(t, client.Register(NamespaceEntry{Name: "x", Management: &mgmt}), types.ErrAlreadyExists)
}

func TestSparseFileReopened(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)

	writer := c.client(t)
	h, err := writer.Create(ctx, "/sparse", CreateOptions{StripeCount: 3, ChunkSize: 100})
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte{7}, 200)
	require.NoError(t, err)

	entry, err := writer.Lookup("/sparse")
	require.NoError(t, err)
	reader := c.client(t)
	require.NoError(t, reader.Register(NamespaceEntry{
		Name:       entry.Name,
		Container:  entry.Container,
		Management: entry.Management,
	}))

	opened, err := reader.Open(ctx, "/sparse")
	require.NoError(t, err)
	require.Equal(t, int64(201), opened.Size())

	buf := make([]byte, 300)
	n, err := opened.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 201, n)
	assert.Equal(t, make([]byte, 200), buf[:200])
	assert.Equal(t, byte(7), buf[200])
}

func TestFailedCreateLeavesNoObjects(t *testing.T) {
	ctx := context.Background()
	c := newSizedCluster(t, 2, 2)
	client := c.client(t)

	_, err := client.Create(ctx, "/f", CreateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCapacity)
	assert.Empty(t, client.List())

	for _, n := range c.nodes {
		health, err := n.HealthCheck(ctx, &protocol.HealthCheckRequest{})
		require.NoError(t, err)
		assert.Zero(t, health.Objects, "target %d", n.TargetID())
	}
}

func TestDefaultStripeCountFromConfig(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 4)
	c.cfg.Layout.DefaultStripeCount = 2
	client := c.client(t)

	h, err := client.Create(ctx, "/two", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Stat().StripeCount)

	// An explicit count wins.
	h, err = client.Create(ctx, "/three", CreateOptions{StripeCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Stat().StripeCount)

	c.cfg.Layout.DefaultStripeCount = 5
	_, err = New(c.cfg, c.storage, c.service, nil, nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
