// Package cluster provides the process-group primitive the sort participants
// run on: a fixed set of ranks, point-to-point tagged messages carrying
// chunks, and a group-wide abort.
//
// # Overview
//
// Every participant holds a Transport. Rank 0 is the root, which owns the
// full array; the distribution package builds the collective scatter and
// gather out of Send and Recv. Two transports are provided:
//
// LocalGroup: participants are goroutines of one process
//   - One storage.MemoryStore mailbox per rank
//   - Send copies into the destination mailbox
//   - RunLocal starts every rank under an errgroup
//
// HTTPTransport: participants are separate processes
//   - Messages are JSON bodies posted to /group/message
//   - Aborts are posted to /group/abort and relayed by the coordinator
//   - Star topology: workers only talk to rank 0
//
// # Topology
//
//	              ┌──────────────┐
//	              │   rank 0     │
//	              │ coordinator  │
//	              └──────┬───────┘
//	        scatter ▲    │    ▼ gather
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌──────▼────┐ ┌───────▼───┐
//	│  rank 1   │ │  rank 2   │ │  rank 3   │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Messages
//
// Each message carries a Tag (scatter or gather) and the sender's rank. The
// receiver's mailbox key is "<tag>/<from>", so a given key is written once
// per run and a receive for one rank cannot consume another rank's chunk.
//
// # Failure Handling
//
// There is no partial participation. Any participant that fails calls
// Abort, which closes its own mailbox and notifies every peer it knows.
// All errors caused by an abort match ErrAborted via errors.Is and keep the
// original reason in their message.
//
// HTTP endpoints:
//
//	POST /group/message  MessageRequest  204 | 400 | 409 (dup/unknown run) | 410 (closed)
//	POST /group/abort    AbortRequest    204 | 409 (unknown run)
package cluster
