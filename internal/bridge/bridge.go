// Package bridge correlates caller requests with worker responses across
// goroutines. Callers Submit inputs and Await the response carrying the same
// message ID; the loop worker Pops inputs and Publishes responses.
package bridge

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"go.uber.org/zap"
)

// #endregion

// #region errors
var (
	ErrClosed      = errors.New("bridge closed")
	ErrUnknownID   = errors.New("unknown message id")
	ErrDuplicateID = errors.New("message id already outstanding")
	ErrNotInput    = errors.New("only input messages can be submitted")
)

// #endregion

// #region types

// slot holds the single response a caller is waiting for. An abandoned slot
// stays in the map until the worker publishes for it, so its ID cannot be
// reused while the old input is still being processed.
type slot struct {
	ch          chan convo.ConvoMessage // capacity 1
	publishedAt time.Time               // zero until the worker publishes
	abandoned   bool
}

// Bridge is the thread-safe request/response channel between callers and the
// loop worker. The queue and the slot map share one mutex, which is never
// held across a model call.
type Bridge struct {
	mu     sync.Mutex
	queue  []convo.ConvoMessage
	slots  map[int]*slot
	closed bool

	ready chan struct{}
	done  chan struct{}

	log *zap.Logger
	now func() time.Time
}

// New returns an open Bridge. A nil logger disables logging.
func New(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		slots: make(map[int]*slot),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		log:   log,
		now:   time.Now,
	}
}

// #endregion

// #region caller-side

// Submit enqueues an input without blocking. The message ID must not belong
// to another outstanding request.
func (b *Bridge) Submit(msg convo.ConvoMessage) error {
	if msg.Kind != convo.KindInput {
		return fmt.Errorf("submit %d: %w", msg.MessageID, ErrNotInput)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.slots[msg.MessageID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("submit %d: %w", msg.MessageID, ErrDuplicateID)
	}
	b.slots[msg.MessageID] = &slot{ch: make(chan convo.ConvoMessage, 1)}
	b.queue = append(b.queue, msg)
	depth := len(b.queue)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	b.log.Debug("input queued", zap.Int("message_id", msg.MessageID), zap.Int("depth", depth))
	return nil
}

// Await blocks until the response for id is published, ctx is done or the
// bridge closes. A delivered response is removed atomically; when ctx ends
// first the request is cancelled so its slot does not leak.
func (b *Bridge) Await(ctx context.Context, id int) (convo.ConvoMessage, error) {
	b.mu.Lock()
	s, ok := b.slots[id]
	if ok && s.abandoned {
		ok = false
	}
	closed := b.closed
	b.mu.Unlock()
	if !ok {
		if closed {
			return convo.ConvoMessage{}, ErrClosed
		}
		return convo.ConvoMessage{}, fmt.Errorf("await %d: %w", id, ErrUnknownID)
	}

	// An already published response wins over an expired ctx or a closed bridge.
	if resp, ok := b.take(id, s); ok {
		return resp, nil
	}

	select {
	case resp := <-s.ch:
		b.release(id, s)
		return resp, nil
	case <-ctx.Done():
		if resp, ok := b.take(id, s); ok {
			return resp, nil
		}
		b.Cancel(id)
		return convo.ConvoMessage{}, ctx.Err()
	case <-b.done:
		if resp, ok := b.take(id, s); ok {
			return resp, nil
		}
		return convo.ConvoMessage{}, ErrClosed
	}
}

// Cancel abandons a request and reports whether it was outstanding. A queued
// input is removed with its slot. An input the worker already popped leaves a
// tombstone that rejects resubmission of the ID until its response is
// published and dropped.
func (b *Bridge) Cancel(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[id]
	if ok && s.abandoned {
		return false
	}
	for i, msg := range b.queue {
		if msg.MessageID == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			delete(b.slots, id)
			b.log.Debug("queued request cancelled", zap.Int("message_id", id))
			return true
		}
	}
	if !ok {
		return false
	}
	if s.publishedAt.IsZero() {
		s.abandoned = true
		b.log.Debug("in-flight request abandoned", zap.Int("message_id", id))
		return true
	}
	delete(b.slots, id)
	b.log.Debug("published response discarded", zap.Int("message_id", id))
	return true
}

// #endregion

// #region worker-side

// Ready is signalled after each Submit. The worker selects on it to wake up
// early instead of waiting for its next poll.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Pop removes and returns the oldest queued input.
func (b *Bridge) Pop() (convo.ConvoMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return convo.ConvoMessage{}, false
	}
	msg := b.queue[0]
	b.queue[0] = convo.ConvoMessage{}
	b.queue = b.queue[1:]
	return msg, true
}

// Publish makes resp available to the caller awaiting its message ID. It
// returns false when nobody is waiting any more or a response was already
// published for that ID.
func (b *Bridge) Publish(resp convo.ConvoMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[resp.MessageID]
	if !ok {
		b.log.Debug("response dropped, caller gone", zap.Int("message_id", resp.MessageID))
		return false
	}
	if s.abandoned {
		delete(b.slots, resp.MessageID)
		b.log.Debug("response dropped, caller gave up", zap.Int("message_id", resp.MessageID))
		return false
	}
	select {
	case s.ch <- resp:
		s.publishedAt = b.now()
		return true
	default:
		b.log.Warn("duplicate response ignored", zap.Int("message_id", resp.MessageID))
		return false
	}
}

// Reap drops responses that were published more than ttl ago and never
// collected, and returns how many were dropped.
func (b *Bridge) Reap(ttl time.Duration) int {
	cutoff := b.now().Add(-ttl)

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, s := range b.slots {
		if !s.publishedAt.IsZero() && s.publishedAt.Before(cutoff) {
			delete(b.slots, id)
			n++
		}
	}
	if n > 0 {
		b.log.Info("reaped uncollected responses", zap.Int("count", n))
	}
	return n
}

// #endregion

// #region introspection

// Len returns the number of queued inputs.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Outstanding returns the number of requests whose response has not been
// collected yet. Abandoned requests are not counted.
func (b *Bridge) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.slots {
		if !s.abandoned {
			n++
		}
	}
	return n
}

// #endregion

// #region close

// Close rejects further submissions and wakes every waiting caller. Queued
// inputs that were never popped are discarded and returned so the owner can
// report them. Closing twice is a no-op.
func (b *Bridge) Close() []convo.ConvoMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	dropped := b.queue
	b.queue = nil
	close(b.done)
	return dropped
}

// Done is closed by Close.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// #endregion

// #region helpers

func (b *Bridge) take(id int, s *slot) (convo.ConvoMessage, bool) {
	select {
	case resp := <-s.ch:
		b.release(id, s)
		return resp, true
	default:
		return convo.ConvoMessage{}, false
	}
}

func (b *Bridge) release(id int, s *slot) {
	b.mu.Lock()
	if b.slots[id] == s {
		delete(b.slots, id)
	}
	b.mu.Unlock()
}

// #endregion
