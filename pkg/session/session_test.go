package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"stripefs/pkg/storage"
	"stripefs/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCompleteEmpty(t *testing.T) {
	s := New(OpRead, "empty", zaptest.NewLogger(t), nil)
	counts, err := s.Complete(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestCompleteFIFO(t *testing.T) {
	s := New(OpWrite, "file", zaptest.NewLogger(t), nil)

	s.Add(storage.Completed(10, nil))
	s.Add(nil)
	s.Add(storage.Go(context.Background(), func(ctx context.Context) (int, error) { return 5, nil }))
	assert.Equal(t, 3, s.Pending())

	counts, err := s.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{10, -1, 5}, counts)
	assert.Equal(t, 0, s.Pending())
}

func TestFirstFailureWins(t *testing.T) {
	s := New(OpRead, "file", zaptest.NewLogger(t), nil)

	first := errors.New("first")
	second := errors.New("second")

	var released atomic.Int32
	blocked := storage.Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		released.Add(1)
		return 0, ctx.Err()
	})

	s.Add(storage.Completed(4, nil))
	s.Add(storage.Completed(0, first))
	s.Add(storage.Completed(0, second))
	s.Add(blocked)

	counts, err := s.Complete(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIO)
	assert.ErrorIs(t, err, first)
	assert.NotErrorIs(t, err, second)
	assert.Equal(t, []int{4}, counts)

	// The blocked request was never waited on but was released.
	n, waitErr := blocked.Wait(context.Background())
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, waitErr, context.Canceled)
	assert.Equal(t, int32(1), released.Load())
}

func TestCompleteContext(t *testing.T) {
	s := New(OpRead, "file", nil, nil)
	s.Add(storage.Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Complete(ctx)
	assert.ErrorIs(t, err, types.ErrIO)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionIDsDiffer(t *testing.T) {
	a := New(OpRead, "a", nil, nil)
	b := New(OpRead, "a", nil, nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestAbort(t *testing.T) {
	s := New(OpWrite, "file", nil, nil)
	r := storage.Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	s.Add(r)
	s.Add(nil)

	s.Abort()
	assert.Equal(t, 0, s.Pending())

	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
