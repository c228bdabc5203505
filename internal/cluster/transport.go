package cluster

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Tag separates the message streams of the collective operations so that a
// fast participant's gather can never be consumed as a scatter.
type Tag string

const (
	TagScatter Tag = "scatter"
	TagGather  Tag = "gather"
)

// Root is the rank that owns the full array.
const Root = 0

var (
	// ErrAborted marks every error caused by a group-wide abort.
	ErrAborted = errors.New("process group aborted")
	// ErrClosed is returned after a participant left the group.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownPeer is returned when sending to a rank with no known address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrInvalidRank is returned for ranks outside [0, size).
	ErrInvalidRank = errors.New("invalid rank")
)

// Transport is one participant's handle on a fixed-size process group.
//
// Send and Recv are point-to-point; the collective scatter and gather are
// built on top of them by the distribution package. Abort fails every
// blocked Recv on every participant it can reach.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, tag Tag, data []int64) error
	Recv(ctx context.Context, from int, tag Tag) ([]int64, error)
	Abort(reason error)
	Close() error
}

func mailboxKey(tag Tag, from int) string {
	return fmt.Sprintf("%s/%d", tag, from)
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return errors.Wrapf(ErrInvalidRank, "rank %d not in [0, %d)", rank, size)
	}
	return nil
}

// abortError tags reason as a group abort originating at rank.
func abortError(rank int, reason error) error {
	if reason == nil {
		reason = errors.New("no reason given")
	}
	if errors.Is(reason, ErrAborted) {
		return reason
	}
	return errors.Mark(errors.Wrapf(reason, "aborted by rank %d", rank), ErrAborted)
}
