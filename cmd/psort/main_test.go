package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardsort/internal/config"
	"github.com/dreamware/shardsort/internal/dataset"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// parseReport splits a full report into its two arrays.
func parseReport(t *testing.T, out string) (unsorted, sorted []int64) {
	t.Helper()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 5, out)
	require.Equal(t, "Unsorted array:", lines[0])
	require.Equal(t, "Sorted array:", lines[2])
	unsorted, err := dataset.Read(strings.NewReader(lines[1]))
	require.NoError(t, err)
	sorted, err = dataset.Read(strings.NewReader(lines[3]))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "Execution Time: "))
	return unsorted, sorted
}

func TestRunRandom(t *testing.T) {
	out, err := execute(t, "run", "--elements", "12", "--workers", "3", "--seed", "3")
	require.NoError(t, err)

	unsorted, sorted := parseReport(t, out)
	assert.Equal(t, dataset.Random(12, dataset.DefaultMaxValue, 3), unsorted)
	want := slices.Clone(unsorted)
	slices.Sort(want)
	assert.Equal(t, want, sorted)
}

func TestRunAccelerated(t *testing.T) {
	out, err := execute(t, "run", "-n", "64", "-w", "4", "--accel", "--lanes", "2", "--threshold", "4")
	require.NoError(t, err)
	_, sorted := parseReport(t, out)
	assert.True(t, slices.IsSorted(sorted))
}

func TestRunQuiet(t *testing.T) {
	out, err := execute(t, "run", "-q")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Execution Time: "), out)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestRunInputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("4 5 6 7 8 9 3\n"), 0o600))

	out, err := execute(t, "run", "--input", path, "--workers", "3", "--policy", "truncate")
	require.NoError(t, err)
	assert.Contains(t, out, "Dropped elements: 1\n")
	unsorted, sorted := parseReport(t, out)
	assert.Equal(t, []int64{4, 5, 6, 7, 8, 9, 3}, unsorted)
	assert.Equal(t, []int64{3, 4, 5, 6, 7, 8, 9}, sorted)

	out, err = execute(t, "run", "--input", path, "--workers", "3", "--policy", "spread")
	require.NoError(t, err)
	_, sorted = parseReport(t, out)
	assert.Equal(t, []int64{3, 4, 5, 6, 7, 8, 9}, sorted)
}

func TestRunRejects(t *testing.T) {
	_, err := execute(t, "run", "--elements", "10", "--workers", "4")
	assert.True(t, errors.Is(err, config.ErrInvalid), "got %v", err)

	_, err = execute(t, "run", "--policy", "zigzag")
	assert.True(t, errors.Is(err, config.ErrInvalid), "got %v", err)

	_, err = execute(t, "run", "extra")
	assert.Error(t, err)

	_, err = execute(t, "run", "--workers", "many")
	assert.Error(t, err)
}

// TestNewLogger checks that runs report warnings, such as a truncating
// layout, without --dev
func TestNewLogger(t *testing.T) {
	logger := newLogger(false)
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
	assert.True(t, logger.Core().Enabled(zap.ErrorLevel))
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	logger = newLogger(true)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestResolveConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(path, []byte("elements = 20\nworkers = 5\npolicy = \"spread\"\n"), 0o600))

	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--workers", "2", "--dev"}))
	cfg, err := resolveConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Elements, "from file")
	assert.Equal(t, 2, cfg.Workers, "flag wins over file")
	assert.Equal(t, "spread", cfg.Policy)
	assert.True(t, cfg.LogDev)
	assert.Equal(t, config.Default().Seed, cfg.Seed, "unset flags keep the default")

	cmd = newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}))
	_, err = resolveConfig(cmd)
	assert.Error(t, err)
}
