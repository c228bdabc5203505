// Package distribution splits the coordinator's array into per-rank chunks
// and folds the chunks back, on top of a cluster.Transport.
package distribution

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Policy decides what happens to the N mod W elements that do not divide
// evenly across the workers.
type Policy string

const (
	// PolicyReject refuses layouts where N is not a multiple of W.
	PolicyReject Policy = "reject"
	// PolicySpread gives one extra element to each of the first N mod W ranks.
	PolicySpread Policy = "spread"
	// PolicyTruncate gives every rank N/W elements. The remainder stays with
	// the root and only joins the final pass.
	PolicyTruncate Policy = "truncate"
)

var (
	// ErrIndivisible is returned by Plan under PolicyReject.
	ErrIndivisible = errors.New("element count not divisible by worker count")
	// ErrInvalidLayout covers every other unusable configuration.
	ErrInvalidLayout = errors.New("invalid layout")
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyReject, nil
	case PolicyReject, PolicySpread, PolicyTruncate:
		return p, nil
	default:
		return "", errors.Wrapf(ErrInvalidLayout, "unknown remainder policy %q", s)
	}
}

// Layout assigns each rank a contiguous [Offset, Offset+Size) range of the
// array. Every participant computes the same Layout from the same inputs.
type Layout struct {
	Policy  Policy
	Sizes   []int
	Offsets []int
	N       int
}

// Plan computes the layout of n elements over workers ranks.
func Plan(n, workers int, policy Policy) (Layout, error) {
	if workers <= 0 {
		return Layout{}, errors.Wrapf(ErrInvalidLayout, "worker count must be positive, got %d", workers)
	}
	if n < 0 {
		return Layout{}, errors.Wrapf(ErrInvalidLayout, "element count must not be negative, got %d", n)
	}

	base, rem := n/workers, n%workers
	sizes := make([]int, workers)
	switch policy {
	case PolicyReject, "":
		if rem != 0 {
			return Layout{}, errors.Wrapf(ErrIndivisible, "%d elements over %d workers leaves %d", n, workers, rem)
		}
		policy = PolicyReject
		fallthrough
	case PolicyTruncate:
		for r := range sizes {
			sizes[r] = base
		}
	case PolicySpread:
		for r := range sizes {
			sizes[r] = base
			if r < rem {
				sizes[r]++
			}
		}
	default:
		return Layout{}, errors.Wrapf(ErrInvalidLayout, "unknown remainder policy %q", policy)
	}

	offsets := make([]int, workers)
	for r := 1; r < workers; r++ {
		offsets[r] = offsets[r-1] + sizes[r-1]
	}
	return Layout{N: n, Policy: policy, Sizes: sizes, Offsets: offsets}, nil
}

// Workers returns the number of ranks in the layout.
func (l Layout) Workers() int {
	return len(l.Sizes)
}

// Span returns the half-open global range owned by rank.
func (l Layout) Span(rank int) (int, int) {
	return l.Offsets[rank], l.Offsets[rank] + l.Sizes[rank]
}

// Covered returns how many elements take part in the distributed phase.
func (l Layout) Covered() int {
	return lo.Sum(l.Sizes)
}

// Dropped returns how many trailing elements the layout leaves out.
func (l Layout) Dropped() int {
	return l.N - l.Covered()
}

// Even reports whether every rank holds the same number of elements.
func (l Layout) Even() bool {
	return len(lo.Uniq(l.Sizes)) <= 1
}

func (l Layout) String() string {
	shape := "even"
	if !l.Even() {
		shape = "uneven"
	}
	return fmt.Sprintf("layout{n=%d workers=%d policy=%s sizes=%v %s}", l.N, len(l.Sizes), l.Policy, l.Sizes, shape)
}
