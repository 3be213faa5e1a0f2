package loop

import (
	"context"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/logging"
	"github.com/danielpatrickdp/convoloop/internal/state"
)

// #region model-capabilities

// Classifier labels inputs and trains on interaction data. Only the loop
// worker calls it, so implementations need not be safe for concurrent use.
type Classifier interface {
	Infer(ctx context.Context, text string) (convo.Mood, error)
	PrepareTraining(ctx context.Context, data convo.Dataset) error
	PrepareInference(ctx context.Context) error
	// Step runs one training step and reports whether the epoch is finished.
	Step(ctx context.Context) (bool, error)
}

// Checkpointer is implemented by classifiers that can persist their weights.
// The epoch controller calls it after every finished epoch.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Generator produces raw model output for a prompt.
type Generator interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// #endregion model-capabilities

// #region conversation

// ContextBuilder turns inputs into prompts and raw output into clean text.
type ContextBuilder interface {
	BuildContext(mood convo.Mood) string
	BuildPrompt(input convo.ConvoMessage, mood convo.Mood, context string) string
	FilterResponse(raw string) string
}

// #endregion conversation

// #region data

// DataManager owns durable interaction data.
type DataManager interface {
	CreateRecord(input convo.ConvoMessage) convo.InteractionRecord
	Add(rec convo.InteractionRecord) error
	Save(ctx context.Context) error
	ClassifierTrainingData(ctx context.Context) (convo.Dataset, error)
}

// #endregion data

// #region bookkeeping

// SnapshotStore persists versioned coordinator snapshots.
type SnapshotStore interface {
	CommitSnapshot(snap state.Snapshot) error
	GetCurrent() (state.Snapshot, error)
}

// Journal records state transitions.
type Journal interface {
	Record(entry logging.TransitionEntry) error
}

// #endregion bookkeeping
