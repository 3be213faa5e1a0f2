package loop

import (
	"errors"
	"fmt"
)

// #region state
// State is the coordinator's operating mode.
type State string

const (
	StateLoading   State = "loading"
	StateTraining  State = "training"
	StateInference State = "inference"
	StateError     State = "error"
	StateExit      State = "exit"
)

// ParseState decodes a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateLoading, StateTraining, StateInference, StateError, StateExit:
		return st, nil
	}
	return "", fmt.Errorf("unknown loop state %q", s)
}

// #endregion state

// #region transitions

// ErrInvalidTransition is returned for patches the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the states reachable from each state by patch. Error is
// entered only through failures and Loading only at construction.
var transitions = map[State][]State{
	StateLoading:   {StateTraining, StateInference, StateExit},
	StateTraining:  {StateInference, StateExit},
	StateInference: {StateTraining, StateExit},
	StateError:     {StateTraining, StateInference, StateExit},
	StateExit:      nil,
}

// CanTransition reports whether a patch may move the loop from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// patchTarget reports whether s may appear in a StatePatch at all.
func patchTarget(s State) bool {
	return s == StateTraining || s == StateInference || s == StateExit
}

// #endregion transitions

// #region patch
// StatePatch asks the coordinator to switch state. It is observed at the top
// of the next tick; a newer patch replaces one that was not yet applied.
type StatePatch struct {
	State State `json:"state"`
}

// #endregion patch

// #region status
// Status is a point-in-time copy of the coordinator's observable state.
type Status struct {
	State            State   `json:"state"`
	PendingState     State   `json:"pendingState,omitempty"`
	Trust            float64 `json:"trust"`
	TrustMod         float64 `json:"trustMod"`
	QueueLen         int     `json:"queueLen"`
	Outstanding      int     `json:"outstanding"`
	ClassifierEpochs int     `json:"classifierEpochs"`
	TrainingSteps    int     `json:"trainingSteps"`
	Processed        int     `json:"processed"`
	LastError        string  `json:"lastError,omitempty"`
}

// #endregion status
