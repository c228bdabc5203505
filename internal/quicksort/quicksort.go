// Package quicksort implements the in-place Lomuto quicksort used to sort a
// participant's chunk and, at the coordinator, the reassembled array.
//
// The pivot is always the last element of the range and equal keys get no
// special treatment, so inputs dominated by duplicates degrade toward O(n²).
package quicksort

import "golang.org/x/exp/constraints"

// Partition performs one Lomuto partition step over the inclusive range
// [low, high] of a, using a[high] as the pivot.
//
// On return every element in [low, p) is <= the pivot, a[p] is the pivot and
// every element in (p, high] is greater than it. The indices must be valid
// for a; out-of-range indices panic.
func Partition[T constraints.Integer](a []T, low, high int) int {
	pivot := a[high]
	i := low - 1
	for j := low; j < high; j++ {
		if a[j] <= pivot {
			i++
			a[i], a[j] = a[j], a[i]
		}
	}
	a[i+1], a[high] = a[high], a[i+1]
	return i + 1
}

// Sort sorts the inclusive range [low, high] of a in ascending order.
//
// Each range is partitioned exactly as the textbook recursion would do it;
// the smaller side is handled by recursion and the larger one by the loop so
// the stack stays O(log n) deep even on adversarial input.
func Sort[T constraints.Integer](a []T, low, high int) {
	for low < high {
		p := Partition(a, low, high)
		if p-low < high-p {
			Sort(a, low, p-1)
			low = p + 1
		} else {
			Sort(a, p+1, high)
			high = p - 1
		}
	}
}

// Slice sorts all of a. Empty and single-element slices are left untouched.
func Slice[T constraints.Integer](a []T) {
	if len(a) < 2 {
		return
	}
	Sort(a, 0, len(a)-1)
}

// IsSorted reports whether a is in non-decreasing order.
func IsSorted[T constraints.Integer](a []T) bool {
	for i := 1; i < len(a); i++ {
		if a[i] < a[i-1] {
			return false
		}
	}
	return true
}
