package intent

import "fmt"

// State is an intent lifecycle state.
type State string

const (
	StateProposed         State = "proposed"
	StateClassified       State = "classified"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRunning          State = "running"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRejected         State = "rejected"
	StateCanceled         State = "canceled"
	StateBlocked          State = "blocked"
	StateWaitingForInput  State = "waiting_for_input"
)

// validTransitions is the lifecycle state machine. Absent states are
// terminal.
var validTransitions = map[State][]State{
	StateProposed:         {StateClassified},
	StateClassified:       {StateAwaitingApproval, StateApproved},
	StateAwaitingApproval: {StateApproved, StateRejected, StateCanceled},
	StateApproved:         {StateRunning, StateCanceled},
	StateRunning:          {StateCompleted, StateFailed, StateBlocked, StateWaitingForInput},
	StateBlocked:          {StateRunning, StateCanceled},
	StateWaitingForInput:  {StateRunning, StateCanceled},
}

// InvalidTransitionError reports a rejected lifecycle transition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s → %s", e.From, e.To)
}

// ValidTransitions returns the outgoing set for a state. Empty for
// terminals.
func ValidTransitions(from State) []State {
	return append([]State(nil), validTransitions[from]...)
}

// CheckTransition returns nil when from → to is a valid transition.
func CheckTransition(from, to State) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal(state State) bool {
	return len(validTransitions[state]) == 0
}

// Frozen reports whether an intent in this state has its payload, affected
// resources, expected side effects, rollback strategy, and plan structure
// locked. Everything at or past approved is frozen.
func Frozen(state State) bool {
	switch state {
	case StateProposed, StateClassified, StateAwaitingApproval:
		return false
	default:
		return true
	}
}
