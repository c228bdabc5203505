// Package config loads the settings shared by the psort, coordinator and node
// binaries. Values come from defaults, then an optional TOML file, then
// SORT_* environment variables, in that order.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/dreamware/shardsort/internal/accel"
	"github.com/dreamware/shardsort/internal/dataset"
	"github.com/dreamware/shardsort/internal/distribution"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// lookupEnv is replaced in tests.
var lookupEnv = os.LookupEnv

// AccelConfig configures the accelerated local sorter.
type AccelConfig struct {
	Enabled       bool   `toml:"enabled"`
	Platform      string `toml:"platform"`
	Lanes         int    `toml:"lanes"`
	WorkGroupSize int    `toml:"work_group_size"`
	Threshold     int    `toml:"threshold"`
}

// Config describes one sort run and, for the HTTP binaries, how the
// participant finds the rest of the group.
type Config struct {
	Policy          string      `toml:"policy"`
	Input           string      `toml:"input"`
	Listen          string      `toml:"listen"`
	PublicAddr      string      `toml:"public_addr"`
	CoordinatorAddr string      `toml:"coordinator_addr"`
	NodeID          string      `toml:"node_id"`
	Accel           AccelConfig `toml:"accel"`
	Elements        int         `toml:"elements"`
	Workers         int         `toml:"workers"`
	Seed            int64       `toml:"seed"`
	MaxValue        int64       `toml:"max_value"`
	Quiet           bool        `toml:"quiet"`
	LogDev          bool        `toml:"log_dev"`
}

// Default returns the stock run: 32 values in [0, 100)
// over 4 workers.
func Default() Config {
	return Config{
		Elements:        32,
		Workers:         4,
		Policy:          string(distribution.PolicyReject),
		Seed:            1,
		MaxValue:        dataset.DefaultMaxValue,
		Listen:          ":8080",
		PublicAddr:      "http://127.0.0.1:8081",
		CoordinatorAddr: "http://127.0.0.1:8080",
		Accel: AccelConfig{
			Platform:      accel.PlatformCPU,
			WorkGroupSize: accel.DefaultWorkGroupSize,
			Threshold:     accel.DefaultThreshold,
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Mark(errors.Newf("unknown keys in %s: %v", path, undecoded), ErrInvalid)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SORT_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"SORT_POLICY":           &c.Policy,
		"SORT_INPUT":            &c.Input,
		"SORT_LISTEN":           &c.Listen,
		"SORT_PUBLIC_ADDR":      &c.PublicAddr,
		"SORT_COORDINATOR_ADDR": &c.CoordinatorAddr,
		"SORT_NODE_ID":          &c.NodeID,
		"SORT_ACCEL_PLATFORM":   &c.Accel.Platform,
	}
	for k, dst := range strs {
		if v, ok := lookupEnv(k); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SORT_ELEMENTS":         &c.Elements,
		"SORT_WORKERS":          &c.Workers,
		"SORT_ACCEL_LANES":      &c.Accel.Lanes,
		"SORT_ACCEL_WORK_GROUP": &c.Accel.WorkGroupSize,
		"SORT_ACCEL_THRESHOLD":  &c.Accel.Threshold,
	}
	for k, dst := range ints {
		if v, ok := lookupEnv(k); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "%s", k), ErrInvalid)
			}
			*dst = n
		}
	}

	int64s := map[string]*int64{
		"SORT_SEED":      &c.Seed,
		"SORT_MAX_VALUE": &c.MaxValue,
	}
	for k, dst := range int64s {
		if v, ok := lookupEnv(k); ok && v != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "%s", k), ErrInvalid)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"SORT_ACCEL":   &c.Accel.Enabled,
		"SORT_QUIET":   &c.Quiet,
		"SORT_LOG_DEV": &c.LogDev,
	}
	for k, dst := range bools {
		if v, ok := lookupEnv(k); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "%s", k), ErrInvalid)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks that the run can be laid out.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.Mark(errors.Newf("workers must be positive, got %d", c.Workers), ErrInvalid)
	}
	if c.Elements < 0 {
		return errors.Mark(errors.Newf("elements must not be negative, got %d", c.Elements), ErrInvalid)
	}
	if c.MaxValue < 0 {
		return errors.Mark(errors.Newf("max value must not be negative, got %d", c.MaxValue), ErrInvalid)
	}
	if c.Accel.Lanes < 0 || c.Accel.WorkGroupSize < 0 || c.Accel.Threshold < 0 {
		return errors.Mark(errors.New("accelerator sizes must not be negative"), ErrInvalid)
	}
	policy, err := distribution.ParsePolicy(c.Policy)
	if err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	if _, err := distribution.Plan(c.Elements, c.Workers, policy); err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	return nil
}

// RemainderPolicy returns the parsed layout policy. Call Validate first.
func (c Config) RemainderPolicy() distribution.Policy {
	p, _ := distribution.ParsePolicy(c.Policy)
	return p
}

// DeviceConfig returns the accelerator settings in the form accel.Open takes.
func (c Config) DeviceConfig() accel.DeviceConfig {
	return accel.DeviceConfig{
		Platform:      c.Accel.Platform,
		Lanes:         c.Accel.Lanes,
		WorkGroupSize: c.Accel.WorkGroupSize,
		Threshold:     c.Accel.Threshold,
	}
}

// LoadInput returns the array to sort: the contents of Input when set,
// otherwise Elements random values. Reading a file resets Elements to the
// number of values it holds, so call Validate afterwards.
func (c *Config) LoadInput() ([]int64, error) {
	if c.Input == "" {
		return dataset.Random(c.Elements, c.MaxValue, c.Seed), nil
	}
	values, err := dataset.ReadFile(c.Input)
	if err != nil {
		return nil, err
	}
	c.Elements = len(values)
	return values, nil
}
