package scheduler

// State is the phase of one run of one task.
//
//	Idle → Fetching → Diffing → Unchanged → Idle
//	                          → Changed → Notifying → Idle
//	Fetching → Idle on fetch failure or timeout
type State int

const (
	Idle State = iota
	Fetching
	Diffing
	Unchanged
	Changed
	Notifying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Diffing:
		return "diffing"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Notifying:
		return "notifying"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Idle:      {Fetching},
	Fetching:  {Diffing, Idle},
	Diffing:   {Unchanged, Changed},
	Unchanged: {Idle},
	Changed:   {Notifying, Idle},
	Notifying: {Idle},
}

// CanTransition reports whether from → to is an edge of the run machine.
// Changed → Idle is taken when the task disappeared before write-back.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeChanged      Outcome = "changed"
	OutcomeFetchFailed  Outcome = "fetch_failed"
	OutcomeTaskNotFound Outcome = "task_not_found"
	OutcomeRemoved      Outcome = "removed" // task deleted while the run was in flight
	OutcomeSkipped      Outcome = "skipped" // a run for the same task was already in flight
	OutcomeStoreFailed  Outcome = "store_failed"
)
