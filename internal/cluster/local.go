package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardsort/internal/storage"
)

// LocalGroup is a process group whose participants are goroutines in the
// same process. Each rank owns a mailbox; Send copies the data into the
// destination's mailbox so participants never share a backing array.
type LocalGroup struct {
	boxes []*storage.MemoryStore
	once  sync.Once
}

// NewLocalGroup creates a group of size participants.
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size <= 0 {
		return nil, errors.Newf("group size must be positive, got %d", size)
	}
	boxes := make([]*storage.MemoryStore, size)
	for i := range boxes {
		boxes[i] = storage.NewMemoryStore()
	}
	return &LocalGroup{boxes: boxes}, nil
}

// Size returns the number of participants.
func (g *LocalGroup) Size() int {
	return len(g.boxes)
}

// Transport returns the handle for rank.
func (g *LocalGroup) Transport(rank int) (Transport, error) {
	if err := checkRank(rank, len(g.boxes)); err != nil {
		return nil, err
	}
	return &localTransport{group: g, rank: rank}, nil
}

func (g *LocalGroup) abort(reason error) {
	g.once.Do(func() {
		for _, box := range g.boxes {
			box.Close(reason)
		}
	})
}

type localTransport struct {
	group  *LocalGroup
	rank   int
	closed atomic.Bool
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return len(t.group.boxes) }

func (t *localTransport) Send(ctx context.Context, to int, tag Tag, data []int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := checkRank(to, t.Size()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.group.boxes[to].Put(mailboxKey(tag, t.rank), data)
}

func (t *localTransport) Recv(ctx context.Context, from int, tag Tag) ([]int64, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRank(from, t.Size()); err != nil {
		return nil, err
	}
	return t.group.boxes[t.rank].Take(ctx, mailboxKey(tag, from))
}

func (t *localTransport) Abort(reason error) {
	t.group.abort(abortError(t.rank, reason))
}

func (t *localTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// RunLocal runs fn once per rank of a new LocalGroup, each on its own
// goroutine, and waits for all of them. The first failure aborts the group
// so that peers blocked in a collective return instead of deadlocking.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, t Transport) error) error {
	group, err := NewLocalGroup(size)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		t, err := group.Transport(rank)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			if err := fn(ctx, t); err != nil {
				t.Abort(err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}
