package mood

import (
	"context"
	"errors"
	"sync"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"go.uber.org/zap"
)

// ErrNotTraining is returned by Step before PrepareTraining.
var ErrNotTraining = errors.New("classifier is not prepared for training")

// #region classifier
// Classifier is the offline stand-in for the model service's classifier. It
// labels text with keyword heuristics, and a training epoch memorises the
// labels of the slice, one record per step.
type Classifier struct {
	log *zap.Logger

	mu          sync.Mutex
	training    bool
	slice       convo.Dataset
	next        int
	learned     map[string]convo.Mood
	checkpoints int
}

// NewClassifier returns a classifier with nothing learned.
func NewClassifier(log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{log: log.Named("mood"), learned: make(map[string]convo.Mood)}
}

// #endregion classifier

// #region inference
// Infer returns the learned label for text if one exists, else the heuristic one.
func (c *Classifier) Infer(ctx context.Context, text string) (convo.Mood, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	m, ok := c.learned[normalize(text)]
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	return Classify(text), nil
}

// PrepareInference leaves training mode.
func (c *Classifier) PrepareInference(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.training = false
	c.mu.Unlock()
	return nil
}

// #endregion inference

// #region training
// PrepareTraining loads a slice and rewinds the step cursor.
func (c *Classifier) PrepareTraining(ctx context.Context, ds convo.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.training = true
	c.slice = ds
	c.next = 0
	c.mu.Unlock()
	c.log.Debug("slice loaded", zap.String("slice_id", ds.ID), zap.Int("records", ds.Len()))
	return nil
}

// Step learns one record and reports whether the slice is exhausted.
func (c *Classifier) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.training {
		return false, ErrNotTraining
	}
	if c.next < c.slice.Len() {
		r := c.slice.Records[c.next]
		if key := normalize(r.Input); key != "" && r.Mood.Valid() {
			c.learned[key] = r.Mood
		}
		c.next++
	}
	return c.next >= c.slice.Len(), nil
}

// Checkpoint records that the learned labels were persisted.
func (c *Classifier) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.checkpoints++
	n, learned := c.checkpoints, len(c.learned)
	c.mu.Unlock()
	c.log.Info("checkpoint", zap.Int("count", n), zap.Int("learned", learned))
	return nil
}

// Checkpoints returns how many checkpoints were taken.
func (c *Classifier) Checkpoints() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints
}

// #endregion training
