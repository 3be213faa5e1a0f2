package loop

// #region imports
import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// #endregion

// #region controller

// EpochController drives the classifier's training stepper. It decides when
// to fetch a fresh data slice; how many steps make an epoch is up to the
// classifier and the slice it was given.
type EpochController struct {
	classifier Classifier
	data       DataManager
	log        *zap.Logger

	needNewEpoch bool
	sliceID      string

	epochs atomic.Int64
	steps  atomic.Int64
}

// NewEpochController returns a controller that loads a slice before its
// first step.
func NewEpochController(classifier Classifier, data DataManager, log *zap.Logger) *EpochController {
	if log == nil {
		log = zap.NewNop()
	}
	return &EpochController{
		classifier:   classifier,
		data:         data,
		log:          log,
		needNewEpoch: true,
	}
}

// #endregion

// #region advance

// Advance performs one unit of training work: either loading a new slice or
// running one classifier step. It reports whether that step finished an epoch.
func (e *EpochController) Advance(ctx context.Context) (bool, error) {
	if e.needNewEpoch {
		return false, e.reload(ctx)
	}

	finished, err := e.classifier.Step(ctx)
	if err != nil {
		return false, fmt.Errorf("classifier step: %w", err)
	}
	e.steps.Add(1)
	if !finished {
		return false, nil
	}

	n := e.epochs.Add(1)
	e.needNewEpoch = true
	e.log.Info("epoch finished", zap.Int64("epoch", n), zap.String("slice", e.sliceID), zap.Int64("steps", e.steps.Load()))
	if cp, ok := e.classifier.(Checkpointer); ok {
		if err := cp.Checkpoint(ctx); err != nil {
			return true, fmt.Errorf("checkpoint: %w", err)
		}
	}
	return true, nil
}

func (e *EpochController) reload(ctx context.Context) error {
	ds, err := e.data.ClassifierTrainingData(ctx)
	if err != nil {
		return fmt.Errorf("fetch training slice: %w", err)
	}
	if err := e.classifier.PrepareTraining(ctx, ds); err != nil {
		return fmt.Errorf("prepare training: %w", err)
	}
	e.sliceID = ds.ID
	e.needNewEpoch = false
	e.log.Debug("training slice loaded", zap.String("slice", ds.ID), zap.Int("records", ds.Len()), zap.Int("epoch", ds.Epoch))
	return nil
}

// #endregion

// #region counters

// NeedNewEpoch reports whether the next Advance will load a slice.
func (e *EpochController) NeedNewEpoch() bool {
	return e.needNewEpoch
}

// Counts returns finished epochs and total steps. Safe for concurrent use.
func (e *EpochController) Counts() (epochs, steps int) {
	return int(e.epochs.Load()), int(e.steps.Load())
}

// Restore seeds the counters from a snapshot.
func (e *EpochController) Restore(epochs, steps int) {
	e.epochs.Store(int64(epochs))
	e.steps.Store(int64(steps))
}

// #endregion
