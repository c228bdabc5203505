// Package driver runs the sort state machine
//
//	INIT -> DISTRIBUTE -> LOCAL_SORT -> COLLECT -> FINALIZE -> REPORT -> TEARDOWN
//
// identically on every participant of a process group. FINALIZE only does
// work on the coordinator. A failure in any phase aborts the whole group.
package driver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardsort/internal/chunk"
	"github.com/dreamware/shardsort/internal/cluster"
	"github.com/dreamware/shardsort/internal/distribution"
	"github.com/dreamware/shardsort/internal/metrics"
	"github.com/dreamware/shardsort/internal/quicksort"
)

var (
	// ErrInputSize is returned when the coordinator's input does not hold N elements.
	ErrInputSize = errors.New("input size does not match element count")
	// ErrNotSorted is returned if the finalized array fails the order check.
	ErrNotSorted = errors.New("final array is not sorted")
)

// Params are the run parameters every participant must agree on.
type Params struct {
	Policy   distribution.Policy
	Elements int
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithObserver registers fn to be called after every phase.
func WithObserver(fn func(PhaseEvent)) Option {
	return func(d *Driver) { d.observers = append(d.observers, fn) }
}

// WithSorter selects how each participant opens its local sorter.
func WithSorter(f SorterFactory) Option {
	return func(d *Driver) { d.newSorter = f }
}

// Driver holds run parameters and options. It keeps no per-run state, so
// one Driver can run every rank of a local group concurrently.
type Driver struct {
	logger    *zap.Logger
	newSorter SorterFactory
	observers []func(PhaseEvent)
	params    Params
}

// New creates a driver for params.
func New(params Params, opts ...Option) *Driver {
	d := &Driver{
		params:    params,
		logger:    zap.NewNop(),
		newSorter: ScalarFactory,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run is the state of one participant during one Run.
type run struct {
	*Driver
	part   participant
	t      cluster.Transport
	logger *zap.Logger
	sorter LocalSorter
	chunk  *chunk.Chunk
	full   []int64
	layout distribution.Layout
	role   Role
}

// Run executes the state machine for the participant behind t. input is the
// array to sort on the coordinator and ignored on workers. The transport is
// closed when Run returns.
func (d *Driver) Run(ctx context.Context, t cluster.Transport, input []int64) (report *Report, err error) {
	role := RoleOf(t.Rank())
	r := &run{
		Driver: d,
		t:      t,
		role:   role,
		part:   participantFor(role),
		logger: d.logger.With(zap.Int("rank", t.Rank()), zap.Stringer("role", role)),
	}

	defer func() {
		if err != nil {
			r.logger.Error("run failed, aborting group", zap.Error(err))
			t.Abort(err)
			metrics.RunsTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.RunsTotal.WithLabelValues("ok").Inc()
		}
		r.teardown()
	}()

	if err := r.step(PhaseInit, func() error { return r.init(input) }); err != nil {
		return nil, err
	}
	start := time.Now()

	if err := r.step(PhaseDistribute, func() error { return r.distribute(ctx) }); err != nil {
		return nil, err
	}
	if err := r.step(PhaseLocalSort, func() error { return r.localSort(ctx) }); err != nil {
		return nil, err
	}
	if err := r.step(PhaseCollect, func() error { return r.collect(ctx) }); err != nil {
		return nil, err
	}
	if err := r.step(PhaseFinalize, func() error { return r.part.finalize(r) }); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	err = r.step(PhaseReport, func() error {
		report = r.part.report(r, input, elapsed)
		return nil
	})
	return report, err
}

// step runs one phase, records its duration and notifies observers.
func (r *run) step(phase Phase, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	metrics.PhaseDuration.WithLabelValues(phase.String(), r.role.String()).Observe(elapsed.Seconds())
	if err != nil {
		return errors.Wrapf(err, "%s", phase)
	}
	r.logger.Debug("phase done", zap.Stringer("phase", phase), zap.Duration("took", elapsed))
	r.notify(phase, elapsed, r.part.view(r))
	return nil
}

func (r *run) notify(phase Phase, elapsed time.Duration, view []int64) {
	if len(r.observers) == 0 {
		return
	}
	ev := PhaseEvent{
		Phase:    phase,
		Role:     r.role,
		Rank:     r.t.Rank(),
		Duration: elapsed,
		View:     slices.Clone(view),
	}
	if r.chunk != nil {
		info := r.chunk.Info()
		ev.Chunk = &info
	}
	for _, fn := range r.observers {
		fn(ev)
	}
}

func (r *run) init(input []int64) error {
	layout, err := distribution.Plan(r.params.Elements, r.t.Size(), r.params.Policy)
	if err != nil {
		return err
	}
	r.layout = layout
	if dropped := layout.Dropped(); dropped > 0 {
		r.logger.Warn("layout leaves trailing elements out of the sort",
			zap.Int("dropped", dropped), zap.Stringer("layout", layout))
	}

	full, err := r.part.source(input, layout)
	if err != nil {
		return err
	}
	r.full = full

	sorter, err := r.newSorter(r.t.Rank(), r.logger)
	if err != nil {
		return errors.Wrap(err, "open local sorter")
	}
	r.sorter = sorter
	return nil
}

func (r *run) distribute(ctx context.Context) error {
	local, err := distribution.Scatter(ctx, r.t, r.full, r.layout)
	if err != nil {
		return err
	}
	r.chunk = chunk.New(r.t.Rank(), r.layout.Offsets[r.t.Rank()], local)
	return nil
}

func (r *run) localSort(ctx context.Context) error {
	if err := r.chunk.Sort(ctx, r.sorter); err != nil {
		return err
	}
	metrics.ElementsSorted.WithLabelValues(r.sorter.Name()).Add(float64(r.chunk.Len()))
	r.logger.Debug("chunk sorted",
		zap.Int("elements", r.chunk.Len()),
		zap.String("sorter", r.sorter.Name()),
		zap.Duration("took", r.chunk.SortDuration()))
	return nil
}

func (r *run) collect(ctx context.Context) error {
	if err := distribution.Gather(ctx, r.t, r.chunk.Data, r.layout, r.full); err != nil {
		return err
	}
	r.chunk.SetState(chunk.StateGathered)
	return nil
}

func (r *run) teardown() {
	start := time.Now()
	if r.sorter != nil {
		if err := r.sorter.Close(); err != nil {
			r.logger.Warn("release local sorter", zap.Error(err))
		}
	}
	if err := r.t.Close(); err != nil {
		r.logger.Warn("leave group", zap.Error(err))
	}
	metrics.PhaseDuration.WithLabelValues(PhaseTeardown.String(), r.role.String()).Observe(time.Since(start).Seconds())
	r.notify(PhaseTeardown, time.Since(start), nil)
}

// participant holds the role-specific parts of the state machine.
type participant interface {
	// source returns the array scattered from this participant.
	source(input []int64, layout distribution.Layout) ([]int64, error)
	finalize(r *run) error
	view(r *run) []int64
	report(r *run, input []int64, elapsed time.Duration) *Report
}

func participantFor(role Role) participant {
	if role == RoleCoordinator {
		return coordinator{}
	}
	return worker{}
}

type coordinator struct{}

func (coordinator) source(input []int64, layout distribution.Layout) ([]int64, error) {
	if len(input) != layout.N {
		return nil, errors.Wrapf(ErrInputSize, "got %d elements, want %d", len(input), layout.N)
	}
	return slices.Clone(input), nil
}

// finalize sorts the reassembled array once more. The chunks arrive sorted
// but their boundaries are not ordered against each other. Elements a
// truncated layout never distributed are part of this pass too.
func (coordinator) finalize(r *run) error {
	quicksort.Slice(r.full)
	if !quicksort.IsSorted(r.full) {
		return ErrNotSorted
	}
	return nil
}

func (coordinator) view(r *run) []int64 {
	return r.full
}

func (coordinator) report(r *run, input []int64, elapsed time.Duration) *Report {
	rep := newReport(r, elapsed)
	rep.Unsorted = slices.Clone(input)
	rep.Sorted = r.full
	return rep
}

type worker struct{}

func (worker) source([]int64, distribution.Layout) ([]int64, error) {
	return nil, nil
}

func (worker) finalize(*run) error {
	return nil
}

func (worker) view(r *run) []int64 {
	if r.chunk == nil {
		return nil
	}
	return r.chunk.Data
}

func (worker) report(r *run, _ []int64, elapsed time.Duration) *Report {
	return newReport(r, elapsed)
}

func newReport(r *run, elapsed time.Duration) *Report {
	return &Report{
		Role:    r.role,
		Rank:    r.t.Rank(),
		Layout:  r.layout,
		Chunk:   r.chunk.Info(),
		Sorter:  r.sorter.Name(),
		Elapsed: elapsed,
		Dropped: r.layout.Dropped(),
	}
}
