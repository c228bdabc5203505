package accel

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	// PlatformCPU runs kernel lanes on a goroutine pool.
	PlatformCPU = "cpu"

	// DefaultWorkGroupSize is the number of lanes scheduled as one unit.
	DefaultWorkGroupSize = 64
	// DefaultThreshold is the shortest range the host driver sends to the kernel.
	DefaultThreshold = 16
)

var (
	// ErrNoPlatform is returned when the requested platform does not exist.
	ErrNoPlatform = errors.New("no accelerator platform available")
	// ErrDeviceClosed is returned for operations on a released device.
	ErrDeviceClosed = errors.New("device released")
	// ErrBufferReleased is returned for operations on a released buffer.
	ErrBufferReleased = errors.New("buffer released")
	// ErrOutOfResources is returned when an allocation exceeds the device limit.
	ErrOutOfResources = errors.New("out of device resources")
	// ErrInvalidRange is returned when launch arguments fall outside the buffer.
	ErrInvalidRange = errors.New("invalid kernel range")
	// ErrUnknownKernel is returned when the program has no kernel of that name.
	ErrUnknownKernel = errors.New("kernel not found in program")
)

// OpError records the accelerator operation that failed.
type OpError struct {
	Err error
	Op  string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("accel: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	return &OpError{Op: op, Err: err}
}

// DeviceConfig selects and sizes the accelerator.
type DeviceConfig struct {
	// Platform names the device backend. Empty means PlatformCPU.
	Platform string
	// Lanes is the number of lanes executing concurrently. <= 0 uses GOMAXPROCS.
	Lanes int
	// WorkGroupSize is the number of lanes per work group. <= 0 uses DefaultWorkGroupSize.
	WorkGroupSize int
	// Threshold is the shortest range the host driver partitions on the device.
	Threshold int
	// MaxBufferElements caps a single allocation. 0 means unlimited.
	MaxBufferElements int
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.Platform == "" {
		c.Platform = PlatformCPU
	}
	if c.Lanes <= 0 {
		c.Lanes = runtime.GOMAXPROCS(0)
	}
	if c.WorkGroupSize <= 0 {
		c.WorkGroupSize = DefaultWorkGroupSize
	}
	if c.Threshold < 2 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// newLanePool creates the device's compute lanes. Tests replace it to
// simulate queue creation failures.
var newLanePool = func(size int, logger *zap.Logger) (*ants.Pool, error) {
	return ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		logger.Error("kernel lane panicked", zap.Any("panic", v))
	}))
}

// Device is an acquired accelerator with its command queue.
type Device struct {
	logger   *zap.Logger
	pool     *ants.Pool
	programs map[string]kernelFunc
	cfg      DeviceConfig
	launches atomic.Uint64
	once     sync.Once
	closed   atomic.Bool
}

// Open acquires a device for cfg.Platform and creates its command queue.
func Open(cfg DeviceConfig, logger *zap.Logger) (*Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if !strings.EqualFold(cfg.Platform, PlatformCPU) {
		return nil, opError("get platform", errors.Wrapf(ErrNoPlatform, "platform %q", cfg.Platform))
	}

	pool, err := newLanePool(cfg.Lanes, logger)
	if err != nil {
		return nil, opError("create command queue", err)
	}

	logger.Debug("accelerator acquired",
		zap.String("platform", cfg.Platform),
		zap.Int("lanes", cfg.Lanes),
		zap.Int("work_group_size", cfg.WorkGroupSize))

	return &Device{
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		programs: map[string]kernelFunc{KernelPartition: partitionKernel},
	}, nil
}

// Config returns the effective device configuration.
func (d *Device) Config() DeviceConfig {
	return d.cfg
}

// Launches returns how many kernels completed on this device.
func (d *Device) Launches() uint64 {
	return d.launches.Load()
}

// Compile builds the named kernel from the device program.
func (d *Device) Compile(name string) (*Kernel, error) {
	if d.closed.Load() {
		return nil, opError("build program", ErrDeviceClosed)
	}
	fn, ok := d.programs[name]
	if !ok {
		return nil, opError("build program", errors.Wrapf(ErrUnknownKernel, "kernel %q", name))
	}
	return &Kernel{name: name, dev: d, fn: fn}, nil
}

// Alloc creates a device buffer initialized with a copy of host.
func (d *Device) Alloc(host []int64) (*Buffer, error) {
	if d.closed.Load() {
		return nil, opError("create buffer", ErrDeviceClosed)
	}
	if d.cfg.MaxBufferElements > 0 && len(host) > d.cfg.MaxBufferElements {
		return nil, opError("create buffer", errors.Wrapf(ErrOutOfResources,
			"%d elements requested, limit %d", len(host), d.cfg.MaxBufferElements))
	}
	data := make([]int64, len(host))
	copy(data, host)
	return &Buffer{data: data}, nil
}

// Close releases the command queue. It is safe to call more than once.
func (d *Device) Close() error {
	d.once.Do(func() {
		d.closed.Store(true)
		d.pool.Release()
		d.logger.Debug("accelerator released", zap.Uint64("launches", d.launches.Load()))
	})
	return nil
}

// dispatch runs fn once per work group and waits for all of them, which is
// the barrier between kernel phases.
func (d *Device) dispatch(groups int, fn func(group int)) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for g := 0; g < groups; g++ {
		g := g
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					record(errors.Newf("work group %d: %v", g, r))
				}
			}()
			fn(g)
		})
		if err != nil {
			wg.Done()
			record(err)
			break
		}
	}
	wg.Wait()
	return firstErr
}

// Buffer is device-visible memory holding one chunk.
type Buffer struct {
	data     []int64
	released bool
}

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Read copies the buffer back into dst, which must have the same length.
func (b *Buffer) Read(dst []int64) error {
	if b.released {
		return opError("read buffer", ErrBufferReleased)
	}
	if len(dst) != b.Len() {
		return opError("read buffer", errors.Newf("destination holds %d elements, buffer %d", len(dst), b.Len()))
	}
	copy(dst, b.data)
	return nil
}

// Release frees the buffer.
func (b *Buffer) Release() {
	b.released = true
	b.data = nil
}
