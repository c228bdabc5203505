// Command psort sorts an integer array with a group of in-process ranks:
// the coordinator scatters equal chunks, every rank sorts its chunk, and the
// coordinator gathers the chunks and runs the final pass over the whole array.
//
// Example usage:
//
//	psort run --elements 1200 --workers 4
//	psort run --input numbers.txt --workers 3 --policy spread --accel
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/cluster"
	"github.com/dreamware/shardsort/internal/config"
	"github.com/dreamware/shardsort/internal/driver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "psort",
		Short:        "Partition-and-merge sort over a group of ranks",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sort one array with an in-process group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogDev)
			defer logger.Sync() //nolint:errcheck
			return runLocal(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
		},
	}

	def := config.Default()
	f := cmd.Flags()
	f.String("config", "", "TOML configuration file")
	f.IntP("elements", "n", def.Elements, "number of random elements to generate")
	f.IntP("workers", "w", def.Workers, "number of ranks, including the coordinator")
	f.StringP("policy", "p", def.Policy, "remainder policy: reject, spread or truncate")
	f.StringP("input", "i", "", "read whitespace separated integers from this file instead")
	f.Int64("seed", def.Seed, "seed for the random input")
	f.Int64("max", def.MaxValue, "random values are drawn from [0, max)")
	f.Bool("accel", def.Accel.Enabled, "sort chunks with the accelerated partition kernel")
	f.Int("lanes", def.Accel.Lanes, "accelerator lanes, 0 for one per CPU")
	f.Int("work-group", def.Accel.WorkGroupSize, "elements per kernel work item")
	f.Int("threshold", def.Accel.Threshold, "chunks below this size are sorted without the kernel")
	f.BoolP("quiet", "q", false, "print only the execution time")
	f.Bool("dev", false, "human readable debug logging")
	return cmd
}

// resolveConfig layers the configuration file, SORT_* variables and finally
// the flags the user set explicitly.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	var flagErr error
	intFlag := func(name string, dst *int) {
		if f.Changed(name) {
			v, err := f.GetInt(name)
			if err != nil && flagErr == nil {
				flagErr = err
			}
			*dst = v
		}
	}
	int64Flag := func(name string, dst *int64) {
		if f.Changed(name) {
			v, err := f.GetInt64(name)
			if err != nil && flagErr == nil {
				flagErr = err
			}
			*dst = v
		}
	}
	boolFlag := func(name string, dst *bool) {
		if f.Changed(name) {
			v, err := f.GetBool(name)
			if err != nil && flagErr == nil {
				flagErr = err
			}
			*dst = v
		}
	}
	stringFlag := func(name string, dst *string) {
		if f.Changed(name) {
			v, err := f.GetString(name)
			if err != nil && flagErr == nil {
				flagErr = err
			}
			*dst = v
		}
	}

	intFlag("elements", &cfg.Elements)
	intFlag("workers", &cfg.Workers)
	intFlag("lanes", &cfg.Accel.Lanes)
	intFlag("work-group", &cfg.Accel.WorkGroupSize)
	intFlag("threshold", &cfg.Accel.Threshold)
	int64Flag("seed", &cfg.Seed)
	int64Flag("max", &cfg.MaxValue)
	stringFlag("policy", &cfg.Policy)
	stringFlag("input", &cfg.Input)
	boolFlag("accel", &cfg.Accel.Enabled)
	boolFlag("quiet", &cfg.Quiet)
	boolFlag("dev", &cfg.LogDev)
	return cfg, flagErr
}

// runLocal loads the input, runs every rank in this process and prints the
// coordinator's report to w.
func runLocal(ctx context.Context, cfg config.Config, w io.Writer, logger *zap.Logger) error {
	input, err := cfg.LoadInput()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := []driver.Option{driver.WithLogger(logger)}
	if cfg.Accel.Enabled {
		opts = append(opts, driver.WithSorter(driver.AccelFactory(cfg.DeviceConfig())))
	}
	d := driver.New(driver.Params{Elements: cfg.Elements, Policy: cfg.RemainderPolicy()}, opts...)

	var report *driver.Report
	err = cluster.RunLocal(ctx, cfg.Workers, func(ctx context.Context, t cluster.Transport) error {
		rep, err := d.Run(ctx, t, input)
		if err != nil {
			return err
		}
		if rep.Role == driver.RoleCoordinator {
			report = rep
		}
		return nil
	})
	if err != nil {
		return err
	}
	if report == nil {
		return errors.Newf("no report from rank %d", cluster.Root)
	}

	if cfg.Quiet {
		return report.PrintTime(w)
	}
	return report.Print(w)
}

// newLogger keeps stdout for the report. Without --dev only warnings and
// errors are logged, as JSON on stderr.
func newLogger(dev bool) *zap.Logger {
	build := func() (*zap.Logger, error) {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		return cfg.Build()
	}
	if dev {
		build = func() (*zap.Logger, error) { return zap.NewDevelopment() }
	}
	logger, err := build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
