package distribution

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/shardsort/internal/cluster"
)

// Scatter hands each rank its chunk of full. It must be called by every
// participant in the same order relative to Gather. Only the root passes
// full; other ranks pass nil. The returned chunk is always a private copy.
func Scatter(ctx context.Context, t cluster.Transport, full []int64, layout Layout) ([]int64, error) {
	if err := checkGroup(t, layout); err != nil {
		return nil, err
	}

	if t.Rank() != cluster.Root {
		local, err := t.Recv(ctx, cluster.Root, cluster.TagScatter)
		if err != nil {
			return nil, errors.Wrapf(err, "scatter: receive chunk of rank %d", t.Rank())
		}
		if len(local) != layout.Sizes[t.Rank()] {
			return nil, errors.Wrapf(ErrInvalidLayout, "scatter: rank %d received %d elements, layout says %d",
				t.Rank(), len(local), layout.Sizes[t.Rank()])
		}
		return local, nil
	}

	if len(full) < layout.Covered() {
		return nil, errors.Wrapf(ErrInvalidLayout, "scatter: root holds %d elements, layout needs %d",
			len(full), layout.Covered())
	}
	for r := 1; r < layout.Workers(); r++ {
		lo, hi := layout.Span(r)
		if err := t.Send(ctx, r, cluster.TagScatter, full[lo:hi]); err != nil {
			return nil, errors.Wrapf(err, "scatter: send chunk to rank %d", r)
		}
	}
	lo, hi := layout.Span(cluster.Root)
	local := make([]int64, hi-lo)
	copy(local, full[lo:hi])
	return local, nil
}

// Gather writes every rank's chunk back into full at the rank's offset, in
// rank order. Only the root's full is written; other ranks pass nil and
// observe nothing.
func Gather(ctx context.Context, t cluster.Transport, local []int64, layout Layout, full []int64) error {
	if err := checkGroup(t, layout); err != nil {
		return err
	}
	if len(local) != layout.Sizes[t.Rank()] {
		return errors.Wrapf(ErrInvalidLayout, "gather: rank %d holds %d elements, layout says %d",
			t.Rank(), len(local), layout.Sizes[t.Rank()])
	}

	if t.Rank() != cluster.Root {
		if err := t.Send(ctx, cluster.Root, cluster.TagGather, local); err != nil {
			return errors.Wrapf(err, "gather: send chunk of rank %d", t.Rank())
		}
		return nil
	}

	if len(full) < layout.Covered() {
		return errors.Wrapf(ErrInvalidLayout, "gather: root buffer holds %d elements, layout needs %d",
			len(full), layout.Covered())
	}
	lo, hi := layout.Span(cluster.Root)
	copy(full[lo:hi], local)
	for r := 1; r < layout.Workers(); r++ {
		chunk, err := t.Recv(ctx, r, cluster.TagGather)
		if err != nil {
			return errors.Wrapf(err, "gather: receive chunk of rank %d", r)
		}
		if len(chunk) != layout.Sizes[r] {
			return errors.Wrapf(ErrInvalidLayout, "gather: rank %d returned %d elements, layout says %d",
				r, len(chunk), layout.Sizes[r])
		}
		lo, hi := layout.Span(r)
		copy(full[lo:hi], chunk)
	}
	return nil
}

func checkGroup(t cluster.Transport, layout Layout) error {
	if t.Size() != layout.Workers() {
		return errors.Wrapf(ErrInvalidLayout, "group has %d participants, layout has %d", t.Size(), layout.Workers())
	}
	return nil
}
