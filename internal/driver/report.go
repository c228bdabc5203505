package driver

import (
	"fmt"
	"io"
	"time"

	"github.com/dreamware/shardsort/internal/chunk"
	"github.com/dreamware/shardsort/internal/dataset"
	"github.com/dreamware/shardsort/internal/distribution"
)

// Report is the outcome of a run as seen by one participant. Unsorted and
// Sorted are only set on the coordinator.
type Report struct {
	Unsorted []int64
	Sorted   []int64
	Layout   distribution.Layout
	Chunk    chunk.Info
	Sorter   string
	Role     Role
	Rank     int
	Elapsed  time.Duration
	Dropped  int
}

// Print writes both arrays followed by the execution time.
// Workers print nothing.
func (r *Report) Print(w io.Writer) error {
	if r.Role != RoleCoordinator {
		return nil
	}
	if err := dataset.Print(w, "Unsorted array:", r.Unsorted); err != nil {
		return err
	}
	if err := dataset.Print(w, "Sorted array:", r.Sorted); err != nil {
		return err
	}
	return r.PrintTime(w)
}

// PrintTime writes only the execution time line.
func (r *Report) PrintTime(w io.Writer) error {
	if r.Dropped > 0 {
		if _, err := fmt.Fprintf(w, "Dropped elements: %d\n", r.Dropped); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "Execution Time: %f seconds\n", r.Elapsed.Seconds())
	return err
}
