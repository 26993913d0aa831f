// Package collective provides the tensor-parallel process group used by the
// output projections: an in-process group for replicas sharing one address
// space, and an Arrow Flight group for replicas in separate processes.
package collective

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var (
	ErrGroupClosed  = errors.New("collective: group closed")
	ErrSizeMismatch = errors.New("collective: contribution size mismatch")
)

// Group is a tensor-parallel process group. AllReduceSum blocks until every
// member has contributed and leaves the elementwise sum in data.
type Group interface {
	Size() int
	Rank() int
	AllReduceSum(ctx context.Context, data []float32) error
}

type transporter interface {
	Transport() string
}

func transportOf(g Group) string {
	if t, ok := g.(transporter); ok {
		return t.Transport()
	}
	return "custom"
}

// AllReduceIfNecessary sums t across g. With no group, or a group of one,
// t is returned unchanged.
func AllReduceIfNecessary(ctx context.Context, g Group, t *tensor.Tensor) (*tensor.Tensor, error) {
	if g == nil || g.Size() <= 1 {
		return t, nil
	}
	start := time.Now()
	vals := t.Values()
	err := g.AllReduceSum(ctx, vals)
	metrics.RecordAllReduce(transportOf(g), len(vals), time.Since(start), err)
	if err != nil {
		logger.Log.Error("all-reduce failed", "rank", g.Rank(), "size", g.Size(), "error", err)
		return nil, fmt.Errorf("all-reduce rank %d/%d: %w", g.Rank(), g.Size(), err)
	}
	return tensor.FromSlice(t.DType(), vals, t.Shape()...), nil
}

type localShared struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	gen     int
	arrived int
	sum     []float32
	result  []float32
	err     error
}

// LocalMember is one rank of an in-process group.
type LocalMember struct {
	s    *localShared
	rank int
}

// NewLocalGroup returns n members that reduce through shared memory. Each
// member must be driven from its own goroutine.
func NewLocalGroup(n int) []*LocalMember {
	if n <= 0 {
		panic(fmt.Sprintf("collective: group size %d", n))
	}
	s := &localShared{size: n}
	s.cond = sync.NewCond(&s.mu)
	members := make([]*LocalMember, n)
	for i := range members {
		members[i] = &LocalMember{s: s, rank: i}
	}
	return members
}

func (m *LocalMember) Size() int         { return m.s.size }
func (m *LocalMember) Rank() int         { return m.rank }
func (m *LocalMember) Transport() string { return "local" }

// Close fails the current and all later rounds for every member.
func (m *LocalMember) Close() {
	m.s.fail(ErrGroupClosed)
}

func (s *localShared) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (m *LocalMember) AllReduceSum(ctx context.Context, data []float32) error {
	s := m.s
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.arrived == 0 {
		s.sum = make([]float32, len(data))
	} else if len(s.sum) != len(data) {
		s.err = fmt.Errorf("%w: rank %d sent %d, round holds %d", ErrSizeMismatch, m.rank, len(data), len(s.sum))
		s.cond.Broadcast()
		return s.err
	}
	for i, v := range data {
		s.sum[i] += v
	}
	s.arrived++
	gen := s.gen
	if s.arrived == s.size {
		s.result, s.sum = s.sum, nil
		s.arrived = 0
		s.gen++
		s.cond.Broadcast()
	}
	for s.gen == gen {
		if s.err != nil {
			return s.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	copy(data, s.result)
	return nil
}
