package logging

import "time"

// #region transition-entry
// TransitionEntry is a single row in the transition_log table.
type TransitionEntry struct {
	VersionID string // snapshot committed by the transition, empty when rejected
	FromState string
	ToState   string
	Trigger   string // "patch" | "error" | "exit" | "rejected" | "context"
	Reason    string
	Trust     float64
	CreatedAt time.Time
}

// #endregion transition-entry
