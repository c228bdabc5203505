package driver

import (
	"time"

	"github.com/dreamware/shardsort/internal/chunk"
	"github.com/dreamware/shardsort/internal/cluster"
)

// Role is resolved once per run from the participant's rank.
type Role int

const (
	// RoleCoordinator owns the full array: it supplies the input, receives
	// the gathered chunks and finalizes.
	RoleCoordinator Role = iota
	// RoleWorker only sorts the chunk it is handed.
	RoleWorker
)

// RoleOf returns the role played by rank.
func RoleOf(rank int) Role {
	if rank == cluster.Root {
		return RoleCoordinator
	}
	return RoleWorker
}

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Phase is a step of the run state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDistribute
	PhaseLocalSort
	PhaseCollect
	PhaseFinalize
	PhaseReport
	PhaseTeardown
)

var phaseNames = [...]string{
	PhaseInit:       "init",
	PhaseDistribute: "distribute",
	PhaseLocalSort:  "local_sort",
	PhaseCollect:    "collect",
	PhaseFinalize:   "finalize",
	PhaseReport:     "report",
	PhaseTeardown:   "teardown",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// PhaseEvent is handed to observers after a phase completes.
type PhaseEvent struct {
	// View is a copy of what the participant holds after the phase: the
	// full array for the coordinator, the chunk for a worker. It is nil
	// before DISTRIBUTE on workers and after TEARDOWN.
	View []int64
	// Chunk describes the participant's chunk, nil until DISTRIBUTE.
	Chunk    *chunk.Info
	Phase    Phase
	Role     Role
	Rank     int
	Duration time.Duration
}
