// Package coordinator holds the group-membership services the coordinator
// binary runs next to rank 0 of an HTTP sort run.
//
// # Overview
//
// A run over HTTP has a fixed group size W. The coordinator process is
// rank 0 and owns the full array; W-1 node processes register and are
// handed the remaining ranks. Nothing starts until the group is complete,
// and nobody joins once it is.
//
//	          ┌────────────────────────────┐
//	          │        COORDINATOR         │
//	          │  rank 0, owns the array    │
//	          │                            │
//	          │  RankRegistry              │
//	 register │   - ranks 1..W-1           │
//	 ───────▶ │   - WaitReady() until full │
//	          │                            │
//	          │  HealthMonitor             │
//	  /health │   - probes pending workers │
//	 ◀─────── │   - aborts the group after │
//	          │     3 failed probes        │
//	          └────────────────────────────┘
//
// # Rank assignment
//
// RankRegistry gives ranks in arrival order. A node that registers twice
// under the same ID gets its original rank back, which makes the node's
// registration retry loop safe. A registration beyond W-1 workers fails
// with ErrGroupFull. Once the group is complete a member's address is
// fixed: re-registering from elsewhere fails with ErrAddrChanged.
//
// # Failure detection
//
// During a run the message exchange itself has no timeout: a gather waits
// as long as it takes. HealthMonitor turns a crashed worker into an abort.
// After maxFailures consecutive failed probes the onUnhealthy callback
// fires once, and the coordinator binary uses it to abort the transport,
// which fails every pending receive on every reachable participant.
// GetAllNodeHealth snapshots the probe records for the /nodes endpoint.
package coordinator
