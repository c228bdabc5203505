// Package accel provides the accelerated partition kernel and the host-side
// driver that turns its single partition pass into a complete sort.
//
// # Overview
//
// The package models an accelerator the way an OpenCL host program sees one:
//
//	Open ──► Device ──► Compile("partition") ──► Kernel
//	           │
//	           └──► Alloc(host) ──► Buffer ──► Launch ──► Read(host)
//
// A Device owns a fixed pool of compute lanes. Kernel launches split the
// requested index range into work groups of WorkGroupSize lanes and run the
// work groups concurrently on that pool, with a barrier between kernel
// phases. Lane i of a launch over [left, right] evaluates index left+i, the
// same contract as get_global_id(0) in an OpenCL kernel.
//
// # Partition Kernel
//
// One launch performs one partition pass with the scalar Lomuto
// postcondition: elements <= pivot (the element at right) end up left of the
// returned index, the pivot at the index, larger elements to its right.
// The pass runs in three phases:
//
//  1. Each work group counts the lanes whose element is <= pivot.
//  2. An exclusive scan over the group counts gives every group its output
//     base for both sides of the partition.
//  3. Each lane writes its element to its final slot in a scratch buffer,
//     which is then copied back over the range.
//
// # Host Driver
//
// A single pass is not a sort. Sorter keeps a stack of sub-ranges, launches
// the kernel on every range of at least Threshold elements and defers the
// shorter ones. After the buffer is read back the deferred ranges are sorted
// on the host with the scalar quicksort.
//
// # Failure Handling
//
// Every acquisition, build, allocation or launch failure is reported as an
// *OpError naming the failing operation. Callers treat these as fatal: a
// partially partitioned chunk must never be folded into the final array.
package accel
