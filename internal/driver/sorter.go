package driver

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/accel"
	"github.com/dreamware/shardsort/internal/quicksort"
)

// LocalSorter sorts one participant's chunk in place.
type LocalSorter interface {
	Sort(ctx context.Context, data []int64) error
	// Name labels the sorter in logs and metrics.
	Name() string
	Close() error
}

// SorterFactory opens the local sorter of one participant. It runs during
// INIT so a failure aborts the group like any other phase failure.
type SorterFactory func(rank int, logger *zap.Logger) (LocalSorter, error)

// ScalarSorter sorts on the host with the recursive partition sort.
type ScalarSorter struct{}

func (ScalarSorter) Sort(_ context.Context, data []int64) error {
	quicksort.Slice(data)
	return nil
}

func (ScalarSorter) Name() string { return "scalar" }
func (ScalarSorter) Close() error { return nil }

// ScalarFactory hands every participant a ScalarSorter.
func ScalarFactory(int, *zap.Logger) (LocalSorter, error) {
	return ScalarSorter{}, nil
}

type accelSorter struct {
	*accel.Sorter
}

func (accelSorter) Name() string { return "accel" }

// AccelFactory opens one accelerator per participant with cfg.
func AccelFactory(cfg accel.DeviceConfig) SorterFactory {
	return func(rank int, logger *zap.Logger) (LocalSorter, error) {
		s, err := accel.NewSorter(cfg, logger.With(zap.Int("rank", rank)))
		if err != nil {
			return nil, err
		}
		return accelSorter{s}, nil
	}
}
