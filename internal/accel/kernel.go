package accel

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/metrics"
)

// KernelPartition is the name of the partition kernel in the device program.
const KernelPartition = "partition"

type kernelFunc func(ctx context.Context, d *Device, data []int64, left, right int) (int, error)

// Kernel is a compiled kernel bound to its device.
type Kernel struct {
	dev  *Device
	fn   kernelFunc
	name string
}

// Name returns the kernel name.
func (k *Kernel) Name() string {
	return k.name
}

// Launch enqueues one pass of the kernel over the inclusive range
// [left, right] of buf and blocks until it completes. For the partition
// kernel the result is the final index of the pivot.
func (k *Kernel) Launch(ctx context.Context, buf *Buffer, left, right int) (int, error) {
	if k.dev.closed.Load() {
		return 0, opError("enqueue kernel", ErrDeviceClosed)
	}
	if buf.released {
		return 0, opError("set kernel arg", ErrBufferReleased)
	}
	if left < 0 || right >= buf.Len() || left > right {
		return 0, opError("set kernel arg", errors.Wrapf(ErrInvalidRange,
			"[%d, %d] over %d elements", left, right, buf.Len()))
	}
	if err := ctx.Err(); err != nil {
		return 0, opError("enqueue kernel", err)
	}

	p, err := k.fn(ctx, k.dev, buf.data, left, right)
	if err != nil {
		return 0, opError("enqueue kernel", err)
	}
	k.dev.launches.Add(1)
	metrics.KernelLaunches.Inc()
	k.dev.logger.Debug("kernel finished",
		zap.String("kernel", k.name),
		zap.Int("left", left),
		zap.Int("right", right),
		zap.Int("pivot_index", p))
	return p, nil
}

// partitionKernel partitions data[left:right+1] around data[right]. Lane i
// handles index left+i for i in [0, right-left).
func partitionKernel(ctx context.Context, d *Device, data []int64, left, right int) (int, error) {
	lanes := right - left
	if lanes == 0 {
		return left, nil
	}
	pivot := data[right]
	wgSize := d.cfg.WorkGroupSize
	groups := (lanes + wgSize - 1) / wgSize

	// Phase 1: per work group count of lanes holding an element <= pivot.
	counts := make([]int, groups)
	err := d.dispatch(groups, func(g int) {
		lo, hi := g*wgSize, min((g+1)*wgSize, lanes)
		c := 0
		for lane := lo; lane < hi; lane++ {
			if data[left+lane] <= pivot {
				c++
			}
		}
		counts[g] = c
	})
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Phase 2: exclusive scan of the group counts.
	lowBase := make([]int, groups)
	total := 0
	for g, c := range counts {
		lowBase[g] = total
		total += c
	}

	// Phase 3: every lane writes its element to its final slot.
	scratch := make([]int64, lanes+1)
	err = d.dispatch(groups, func(g int) {
		lo, hi := g*wgSize, min((g+1)*wgSize, lanes)
		low := lowBase[g]
		high := total + 1 + (lo - lowBase[g])
		for lane := lo; lane < hi; lane++ {
			v := data[left+lane]
			if v <= pivot {
				scratch[low] = v
				low++
			} else {
				scratch[high] = v
				high++
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	scratch[total] = pivot
	copy(data[left:right+1], scratch)
	return left + total, nil
}
