package loop

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"go.uber.org/zap"
)

// #endregion

// ErrEmptyGeneration marks a response whose every generation attempt was
// filtered down to nothing.
var ErrEmptyGeneration = errors.New("generator produced no usable text")

// #region entry

func (c *Coordinator) onEnterInference(ctx context.Context) error {
	if err := c.deps.Classifier.PrepareInference(ctx); err != nil {
		return fmt.Errorf("prepare inference: %w", err)
	}
	c.log.Debug("entered inference", zap.Int("queued", c.bridge.Len()))
	return nil
}

// #endregion

// #region drain

// inferTick drains the bridge queue in FIFO order. Each input is answered,
// successfully or with an error marker, before the next one is popped.
func (c *Coordinator) inferTick(ctx context.Context) {
	if !c.entered {
		if err := c.onEnterInference(ctx); err != nil {
			if ctx.Err() == nil {
				c.fail(err)
			}
			return
		}
		c.entered = true
	}

	for ctx.Err() == nil {
		msg, ok := c.bridge.Pop()
		if !ok {
			return
		}
		c.processOne(ctx, msg)
	}
}

// #endregion

// #region process

// processOne runs the full inference pipeline for one input and always
// publishes exactly one response for it.
func (c *Coordinator) processOne(ctx context.Context, msg convo.ConvoMessage) {
	published := false
	defer func() {
		if r := recover(); r != nil {
			if !published {
				c.bridge.Publish(convo.FailureTo(msg, convo.ErrorSystemic, fmt.Errorf("panic: %v", r), c.tracker.Score(), c.now()))
			}
			panic(r) // guard moves the loop to Error
		}
	}()

	rec := c.deps.Data.CreateRecord(msg)

	mood := convo.MoodDoubt
	if strings.TrimSpace(msg.Text) != "" {
		var err error
		mood, err = c.deps.Classifier.Infer(ctx, msg.Text)
		if err != nil {
			c.transientFailure(msg, fmt.Errorf("classify: %w", err))
			published = true
			return
		}
	}
	score := c.tracker.Update(mood)
	c.mu.Lock()
	c.trustScore = score
	c.mu.Unlock()

	steering := c.deps.Conversation.BuildContext(mood)
	prompt := c.deps.Conversation.BuildPrompt(msg, mood, steering)

	text, err := c.generate(ctx, prompt)
	if err != nil {
		c.transientFailure(msg, fmt.Errorf("generate: %w", err))
		published = true
		return
	}

	c.bridge.Publish(convo.ResponseTo(msg, text, score, c.now()))
	published = true

	c.mu.Lock()
	c.processed++
	c.mu.Unlock()

	rec.Context = steering
	rec.Response = text
	rec.Mood = mood
	rec.Trust = score
	if err := c.deps.Data.Add(rec); err != nil {
		c.log.Error("interaction not recorded", zap.Int("message_id", msg.MessageID), zap.Error(err))
	}

	c.log.Debug("input processed",
		zap.Int("convo_id", msg.ConvoID),
		zap.Int("message_id", msg.MessageID),
		zap.Stringer("mood", mood),
		zap.Float64("trust", score))
}

// generate runs the generator and filters its output, regenerating while the
// filter asks for a retry and retries remain.
func (c *Coordinator) generate(ctx context.Context, prompt string) (string, error) {
	for attempt := 0; ; attempt++ {
		raw, err := c.deps.Generator.Infer(ctx, prompt)
		if err != nil {
			return "", err
		}
		text := c.deps.Conversation.FilterResponse(raw)
		if text != convo.RetrySignal {
			return text, nil
		}
		if attempt >= c.cfg.MaxGenerateRetries {
			return "", fmt.Errorf("%w after %d attempts", ErrEmptyGeneration, attempt+1)
		}
		c.log.Debug("empty generation, retrying", zap.Int("attempt", attempt+1))
	}
}

func (c *Coordinator) transientFailure(msg convo.ConvoMessage, err error) {
	c.log.Warn("inference failed", zap.Int("message_id", msg.MessageID), zap.Error(err))
	c.bridge.Publish(convo.FailureTo(msg, convo.ErrorTransient, err, c.tracker.Score(), c.now()))
}

// #endregion
