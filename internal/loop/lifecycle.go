package loop

// #region imports
import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"go.uber.org/zap"
)

// #endregion

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("loop already started")

// errExited marks inputs that were still queued when the loop stopped.
var errExited = errors.New("loop exited before the input was processed")

// #region start

// Start launches the worker goroutine. The worker stops on an Exit patch or
// when ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// #endregion

// #region stop

// Stop requests Exit and waits for the worker to finish. If ctx ends first the
// worker's context is cancelled, which interrupts model calls that honour it,
// and Stop keeps waiting for the worker to return.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	if !started {
		// Never started: mark it so Start refuses, and release waiters.
		c.started = true
		c.state = StateExit
		c.mu.Unlock()
		c.bridge.Close()
		close(c.done)
		return nil
	}
	c.mu.Unlock()

	if err := c.Patch(StatePatch{State: StateExit}); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return ctx.Err()
	}
}

// Done is closed once the worker has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the worker returns or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion

// #region shutdown

// shutdown answers every queued input with a cancellation, closes the bridge
// and releases the worker context.
func (c *Coordinator) shutdown(reason string) {
	n := c.failQueued(convo.ErrorCancelled, errExited)
	dropped := c.bridge.Close()
	if c.cancel != nil {
		c.cancel()
	}
	c.log.Info("loop ended",
		zap.String("reason", reason),
		zap.Int("cancelled", n+len(dropped)),
		zap.Float64("trust", c.tracker.Score()))
}

func (c *Coordinator) newTicker() *time.Ticker {
	return time.NewTicker(c.cfg.PollInterval)
}

// #endregion
