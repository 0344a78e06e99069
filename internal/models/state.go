package models

// State is a mention's position in the processing pipeline
type State string

const (
	StateDetected         State = "DETECTED"
	StateClassified       State = "CLASSIFIED"
	StateRoutedBenign     State = "ROUTED_BENIGN"
	StateDrafted          State = "DRAFTED"
	StateNotified         State = "NOTIFIED"
	StateAwaitingDecision State = "AWAITING_DECISION"
	StateRejected         State = "REJECTED"
	StateApproved         State = "APPROVED"
	StatePosted           State = "POSTED"
	StateFailed           State = "FAILED"
)

var stateRank = map[State]int{
	StateDetected:         0,
	StateClassified:       1,
	StateRoutedBenign:     2,
	StateDrafted:          2,
	StateNotified:         3,
	StateAwaitingDecision: 4,
	StateRejected:         5,
	StateApproved:         5,
	StatePosted:           6,
}

// Rank orders states along the forward pipeline. FAILED has no rank of its
// own and reports -1; callers compare against the origin state instead.
func (s State) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateRoutedBenign || s == StateRejected || s == StatePosted
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	return s == StateFailed || s.Rank() >= 0
}

// AllStates lists every state in forward order, FAILED last
var AllStates = []State{
	StateDetected,
	StateClassified,
	StateRoutedBenign,
	StateDrafted,
	StateNotified,
	StateAwaitingDecision,
	StateRejected,
	StateApproved,
	StatePosted,
	StateFailed,
}

// Resumable states are advanced by the engine without outside input
var Resumable = []State{
	StateDetected,
	StateClassified,
	StateDrafted,
	StateNotified,
	StateApproved,
	StateFailed,
}

// CanTransition reports whether moving from one state to another respects the
// forward-only ordering, allowing failure and retry back into the origin.
func CanTransition(from, to, failedFrom State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	if from == StateFailed {
		return to == failedFrom
	}

	switch from {
	case StateDetected:
		return to == StateClassified
	case StateClassified:
		return to == StateRoutedBenign || to == StateDrafted
	case StateDrafted:
		return to == StateNotified
	case StateNotified:
		return to == StateAwaitingDecision
	case StateAwaitingDecision:
		return to == StateApproved || to == StateRejected
	case StateApproved:
		return to == StatePosted
	}
	return false
}
