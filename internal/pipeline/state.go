package pipeline

import "fmt"

// State is a partition worker state
type State int

const (
	StateIdle State = iota
	StateResuming
	StateFetching
	StateAccumulating
	StateFlushing
	StateCheckpointing
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateResuming:      "resuming",
	StateFetching:      "fetching",
	StateAccumulating:  "accumulating",
	StateFlushing:      "flushing",
	StateCheckpointing: "checkpointing",
	StateStopped:       "stopped",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets states render as names in JSON status output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Terminal is true for states a worker never leaves
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// transitions lists the legal next states. Failed is reachable from every
// non-terminal state and is not repeated here.
var transitions = map[State][]State{
	StateIdle:          {StateResuming, StateStopped},
	StateResuming:      {StateFetching, StateStopped},
	StateFetching:      {StateFetching, StateAccumulating, StateFlushing, StateCheckpointing, StateStopped},
	StateAccumulating:  {StateFlushing, StateCheckpointing, StateFetching, StateStopped},
	StateFlushing:      {StateCheckpointing},
	StateCheckpointing: {StateFetching, StateAccumulating, StateStopped},
}

// CanTransitionTo reports whether moving from s to next is legal
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
