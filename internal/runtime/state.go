package runtime

// State is the lifecycle state of a node.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var transitions = map[State][]State{
	StateCreated:  {StateRunning, StateFailed},
	StateRunning:  {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
}

// CanTransition reports whether the lifecycle allows moving from one state
// to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
