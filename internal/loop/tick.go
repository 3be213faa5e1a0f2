package loop

// #region imports
import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/logging"
	"github.com/danielpatrickdp/convoloop/internal/state"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #endregion

// #region run

// run is the worker goroutine body.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	c.log.Info("loop started", zap.String("state", string(c.State())))

	timer := c.newTicker()
	defer timer.Stop()

	for {
		if c.tick(ctx) {
			c.shutdown("exit patch")
			return
		}
		select {
		case <-ctx.Done():
			c.transition(StateExit, "shutdown", ctx.Err().Error())
			c.shutdown("context done")
			return
		case <-c.wake:
		case <-c.bridge.Ready():
		case <-timer.C:
		}
	}
}

// #endregion

// #region tick

// tick runs one iteration of the state machine and reports whether the loop
// has reached Exit.
func (c *Coordinator) tick(ctx context.Context) bool {
	c.applyModUpdate()
	c.applyPatch()

	switch c.State() {
	case StateLoading:
		// idle until patched
	case StateTraining:
		c.guard(ctx, c.trainTick)
	case StateInference:
		c.guard(ctx, c.inferTick)
	case StateError:
		c.failQueued(convo.ErrorSystemic, c.lastError())
	case StateExit:
		return true
	}

	c.maybeReap()
	return false
}

// guard runs a state handler and turns a panic into a systemic failure.
func (c *Coordinator) guard(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in loop handler", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			c.fail(fmt.Errorf("panic: %v", r))
		}
	}()
	fn(ctx)
}

func (c *Coordinator) applyPatch() {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	from := c.state
	c.mu.Unlock()

	if p == nil || p.State == from {
		return
	}
	if !CanTransition(from, p.State) {
		c.log.Warn("patch rejected", zap.String("from", string(from)), zap.String("to", string(p.State)))
		c.journal(from, p.State, "rejected", "transition not allowed")
		return
	}
	c.transition(p.State, "patch", "")
}

func (c *Coordinator) applyModUpdate() {
	c.mu.Lock()
	mod := c.modUpdate
	c.modUpdate = nil
	c.mu.Unlock()
	if mod == nil {
		return
	}
	if err := c.tracker.SetMod(*mod); err != nil {
		c.log.Warn("trust mod rejected", zap.Error(err))
		return
	}
	c.log.Info("trust mod updated", zap.Float64("trust_mod", *mod))
}

// #endregion

// #region transitions

// transition moves to a new state, clears the entry flag and records the
// change in the journal and the snapshot store.
func (c *Coordinator) transition(to State, trigger, reason string) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	if to != StateError {
		c.lastErr = nil
	}
	c.mu.Unlock()
	c.entered = false

	c.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", trigger),
		zap.String("reason", reason))
	c.commitSnapshot(to, trigger+": "+string(from)+" -> "+string(to))
	c.journal(from, to, trigger, reason)
}

// fail moves the loop into Error. The queued inputs are failed on the next
// Error tick.
func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.log.Error("systemic failure", zap.Error(err))
	c.transition(StateError, "failure", err.Error())
}

func (c *Coordinator) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// failQueued answers every queued input with an error-marked response.
func (c *Coordinator) failQueued(kind convo.ErrorKind, err error) int {
	n := 0
	for {
		msg, ok := c.bridge.Pop()
		if !ok {
			return n
		}
		c.bridge.Publish(convo.FailureTo(msg, kind, err, c.tracker.Score(), c.now()))
		n++
	}
}

// #endregion

// #region bookkeeping

func (c *Coordinator) journal(from, to State, trigger, reason string) {
	if c.deps.Journal == nil {
		return
	}
	err := c.deps.Journal.Record(logging.TransitionEntry{
		VersionID: c.lastVersion,
		FromState: string(from),
		ToState:   string(to),
		Trigger:   trigger,
		Reason:    reason,
		Trust:     c.tracker.Score(),
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		c.log.Warn("journal write failed", zap.Error(err))
	}
}

func (c *Coordinator) commitSnapshot(st State, reason string) {
	if c.deps.Snapshots == nil {
		return
	}
	epochs, steps := c.epochs.Counts()
	snap := state.Snapshot{
		VersionID:        uuid.New().String(),
		ParentID:         c.lastVersion,
		LoopState:        string(st),
		Trust:            c.tracker.Score(),
		TrustMod:         c.tracker.Mod(),
		ClassifierEpochs: epochs,
		TrainingSteps:    steps,
		Reason:           reason,
		CreatedAt:        c.now().UTC(),
	}
	if err := c.deps.Snapshots.CommitSnapshot(snap); err != nil {
		c.log.Warn("snapshot commit failed", zap.Error(err))
		return
	}
	c.lastVersion = snap.VersionID
}

func (c *Coordinator) maybeReap() {
	now := c.now()
	if now.Sub(c.lastReap) < c.cfg.ResultTTL/2 {
		return
	}
	c.lastReap = now
	c.bridge.Reap(c.cfg.ResultTTL)
}

// #endregion
