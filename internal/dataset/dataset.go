// Package dataset supplies input arrays to a sort run and formats its output.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultMaxValue is the exclusive upper bound of generated values, [0, 100).
const DefaultMaxValue = 100

// Random returns n values drawn uniformly from [0, maxValue). The same seed
// always yields the same array. A non-positive maxValue uses DefaultMaxValue.
func Random(n int, maxValue int64, seed int64) []int64 {
	if maxValue <= 0 {
		maxValue = DefaultMaxValue
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]int64, n)
	for i := range out {
		out[i] = rng.Int63n(maxValue)
	}
	return out
}

// Read parses whitespace-separated signed integers from r.
func Read(r io.Reader) ([]int64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)

	var out []int64
	for sc.Scan() {
		v, err := strconv.ParseInt(sc.Text(), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", len(out))
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read input")
	}
	return out, nil
}

// ReadFile parses the whitespace-separated integers stored at path.
func ReadFile(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open input")
	}
	defer f.Close()
	return Read(f)
}

// Format renders a as space-separated values.
func Format(a []int64) string {
	var b strings.Builder
	for i, v := range a {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	return b.String()
}

// Print writes title on one line and the values on the next.
func Print(w io.Writer, title string, a []int64) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n", title, Format(a))
	return err
}
