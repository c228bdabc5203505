// Package chunk tracks the contiguous slice of the array a participant owns
// during a sort run.
package chunk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// State represents where a chunk is in the run lifecycle
type State string

const (
	// StateScattered means the chunk was received and is not sorted yet
	StateScattered State = "scattered"
	// StateSorted means the local sort finished
	StateSorted State = "sorted"
	// StateGathered means the chunk was handed back to the coordinator
	StateGathered State = "gathered"
	// StateFailed means the local sort returned an error
	StateFailed State = "failed"
)

// Sorter sorts a chunk's data in place.
type Sorter interface {
	Sort(ctx context.Context, data []int64) error
}

// Chunk is one participant's private copy of its share of the array.
// Position i of Data is global index Offset+i.
type Chunk struct {
	Stats  *Stats
	State  State
	Data   []int64
	Rank   int
	Offset int
	mu     sync.RWMutex
}

// Stats tracks local sort statistics
type Stats struct {
	SortNanos atomic.Int64  // Wall time spent in the local sort
	Sorts     atomic.Uint64 // Completed local sorts
}

// Info contains metadata about a chunk
type Info struct {
	Rank         int           `json:"rank"`
	Offset       int           `json:"offset"`
	End          int           `json:"end"`
	Len          int           `json:"len"`
	State        State         `json:"state"`
	Sorts        uint64        `json:"sorts"`
	SortDuration time.Duration `json:"sort_duration_ns"`
}

// New wraps data as the chunk owned by rank, starting at global offset.
func New(rank, offset int, data []int64) *Chunk {
	return &Chunk{
		Rank:   rank,
		Offset: offset,
		Data:   data,
		State:  StateScattered,
		Stats:  &Stats{},
	}
}

// Len returns the number of elements in the chunk
func (c *Chunk) Len() int {
	return len(c.Data)
}

// Sort sorts the chunk in place with s and records the elapsed time.
func (c *Chunk) Sort(ctx context.Context, s Sorter) error {
	start := time.Now()
	if err := s.Sort(ctx, c.Data); err != nil {
		c.SetState(StateFailed)
		return errors.Wrapf(err, "sort chunk of rank %d", c.Rank)
	}
	c.Stats.SortNanos.Add(int64(time.Since(start)))
	c.Stats.Sorts.Add(1)
	c.SetState(StateSorted)
	return nil
}

// SortDuration returns the accumulated local sort time
func (c *Chunk) SortDuration() time.Duration {
	return time.Duration(c.Stats.SortNanos.Load())
}

// SetState updates the chunk state
func (c *Chunk) SetState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = state
}

// Info returns metadata about the chunk
func (c *Chunk) Info() Info {
	c.mu.RLock()
	state := c.State
	c.mu.RUnlock()

	start, end := c.Span()
	return Info{
		Rank:         c.Rank,
		Offset:       start,
		End:          end,
		Len:          len(c.Data),
		State:        state,
		Sorts:        c.Stats.Sorts.Load(),
		SortDuration: c.SortDuration(),
	}
}

// Span returns the half-open global index range [Offset, Offset+Len)
func (c *Chunk) Span() (int, int) {
	return c.Offset, c.Offset + len(c.Data)
}
