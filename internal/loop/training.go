package loop

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// onEnterTraining persists the interactions collected during inference so the
// next slice can include them.
func (c *Coordinator) onEnterTraining(ctx context.Context) error {
	if err := c.deps.Data.Save(ctx); err != nil {
		return fmt.Errorf("save interactions: %w", err)
	}
	c.log.Debug("entered training", zap.Bool("need_new_epoch", c.epochs.NeedNewEpoch()))
	return nil
}

// trainTick runs the entry callback once per entry, then advances the stepper
// by one unit. Any error moves the loop to Error.
func (c *Coordinator) trainTick(ctx context.Context) {
	if !c.entered {
		if err := c.onEnterTraining(ctx); err != nil {
			c.fail(err)
			return
		}
		c.entered = true
	}

	if _, err := c.epochs.Advance(ctx); err != nil {
		if ctx.Err() != nil {
			return // shutting down, not a failure
		}
		c.fail(err)
	}
}
