package accel

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/quicksort"
)

type span struct {
	lo, hi int
}

// Sorter is the host driver for the partition kernel: it recursively narrows
// ranges on the device and sorts ranges below the threshold on the host.
type Sorter struct {
	dev       *Device
	kernel    *Kernel
	logger    *zap.Logger
	threshold int
}

// NewSorter opens a device and builds the partition kernel.
func NewSorter(cfg DeviceConfig, logger *zap.Logger) (*Sorter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dev, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	kernel, err := dev.Compile(KernelPartition)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	logger.Debug("sorter ready",
		zap.String("kernel", kernel.Name()),
		zap.Int("lanes", dev.Config().Lanes),
		zap.Int("threshold", dev.Config().Threshold))
	return &Sorter{
		dev:       dev,
		kernel:    kernel,
		logger:    logger,
		threshold: dev.Config().Threshold,
	}, nil
}

// Device returns the underlying device.
func (s *Sorter) Device() *Device {
	return s.dev
}

// Sort sorts chunk in place. On error chunk is left untouched, since the
// device buffer is only read back after every launch succeeded.
func (s *Sorter) Sort(ctx context.Context, chunk []int64) error {
	if len(chunk) < 2 {
		return nil
	}

	buf, err := s.dev.Alloc(chunk)
	if err != nil {
		return err
	}
	defer buf.Release()

	stack := []span{{0, len(chunk) - 1}}
	var deferred []span
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.hi-r.lo+1 < s.threshold {
			if r.lo < r.hi {
				deferred = append(deferred, r)
			}
			continue
		}
		p, err := s.kernel.Launch(ctx, buf, r.lo, r.hi)
		if err != nil {
			return err
		}
		if r.lo < p-1 {
			stack = append(stack, span{r.lo, p - 1})
		}
		if p+1 < r.hi {
			stack = append(stack, span{p + 1, r.hi})
		}
	}

	if err := buf.Read(chunk); err != nil {
		return err
	}
	for _, r := range deferred {
		quicksort.Sort(chunk, r.lo, r.hi)
	}

	s.logger.Debug("accelerated sort finished",
		zap.Int("elements", len(chunk)),
		zap.Int("host_ranges", len(deferred)),
		zap.Uint64("launches", s.dev.Launches()))
	return nil
}

// Close releases the device.
func (s *Sorter) Close() error {
	return s.dev.Close()
}
