package state

import (
	"errors"
	"time"
)

// ErrNoSnapshot is returned when no active snapshot has been committed yet.
var ErrNoSnapshot = errors.New("no active snapshot")

// #region snapshot
// Snapshot is a versioned record of the coordinator's durable state.
type Snapshot struct {
	VersionID        string
	ParentID         string
	LoopState        string
	Trust            float64
	TrustMod         float64
	ClassifierEpochs int
	TrainingSteps    int
	Reason           string
	CreatedAt        time.Time
}

// #endregion snapshot
