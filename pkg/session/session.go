// Package session tracks the asynchronous sub-requests issued by one read
// or write call and waits for them at the call's completion point.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stripefs/pkg/metrics"
	"stripefs/pkg/storage"
	"stripefs/pkg/types"
)

type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Session is one read or write invocation. It is used by a single goroutine
// and discarded after Complete.
type Session struct {
	ID   uuid.UUID
	Op   Op
	Name string

	queue []*storage.Request

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(op Op, name string, logger *zap.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New()
	return &Session{
		ID:      id,
		Op:      op,
		Name:    name,
		logger:  logger.With(zap.String("session_id", id.String())),
		metrics: m,
	}
}

// Add appends a request to the outstanding queue. A nil request stands for
// an extent that was completed without storage I/O.
func (s *Session) Add(r *storage.Request) {
	s.queue = append(s.queue, r)
}

// Pending returns the number of queued requests.
func (s *Session) Pending() int {
	return len(s.queue)
}

// Abort releases every queued request without waiting for it.
func (s *Session) Abort() {
	for _, r := range s.queue {
		if r != nil {
			r.Release()
		}
	}
	s.queue = nil
}

// Complete waits for the queued requests in the order they were added and
// returns the bytes each one transferred; nil entries report -1. The first
// failure stops the waiting and is returned wrapped in types.ErrIO. Every
// request is released and the queue is empty afterwards.
func (s *Session) Complete(ctx context.Context) ([]int, error) {
	queue := s.queue
	s.queue = nil

	defer func() {
		for _, r := range queue {
			if r != nil {
				r.Release()
			}
		}
	}()

	if len(queue) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { s.metrics.ObserveWait(time.Since(start).Seconds()) }()

	transferred := make([]int, len(queue))
	for i, r := range queue {
		if r == nil {
			transferred[i] = -1
			continue
		}
		n, err := r.Wait(ctx)
		if err != nil {
			s.logger.Debug("Sub-request failed",
				zap.String("op", string(s.Op)),
				zap.String("file", s.Name),
				zap.Int("index", i),
				zap.Int("outstanding", len(queue)-i-1),
				zap.Error(err))
			return transferred[:i], fmt.Errorf("%w: %s %s: request %d of %d: %w",
				types.ErrIO, s.Op, s.Name, i+1, len(queue), err)
		}
		transferred[i] = n
	}
	return transferred, nil
}
