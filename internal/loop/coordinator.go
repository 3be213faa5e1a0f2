// Package loop runs the background worker that owns the models and switches
// between training and inference. Callers talk to it only through Submit,
// Await, Patch and Status; everything else happens on the worker goroutine.
package loop

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/bridge"
	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/state"
	"github.com/danielpatrickdp/convoloop/internal/trust"
	"go.uber.org/zap"
)

// #endregion

// #region deps

// Deps are the collaborators the coordinator drives. Classifier, Generator,
// Conversation and Data are required; Snapshots and Journal are optional.
type Deps struct {
	Classifier   Classifier
	Generator    Generator
	Conversation ContextBuilder
	Data         DataManager
	Snapshots    SnapshotStore
	Journal      Journal
	Logger       *zap.Logger
}

// #endregion

// #region coordinator-struct

// Coordinator is the loop state machine. Fields under mu are shared with
// callers; the rest belong to the worker goroutine.
type Coordinator struct {
	cfg    Config
	deps   Deps
	log    *zap.Logger
	bridge *bridge.Bridge
	now    func() time.Time

	mu          sync.Mutex
	state       State
	pending     *StatePatch
	trustScore  float64
	trustMod    float64
	modUpdate   *float64
	lastErr     error
	processed   int
	lastVersion string
	started     bool

	// worker-owned
	tracker  *trust.Tracker
	epochs   *EpochController
	entered  bool
	lastReap time.Time

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// #endregion

// #region constructor

// New validates cfg, restores the trust score from the active snapshot when
// one exists and returns a coordinator in the Loading state.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loop config: %w", err)
	}
	if deps.Classifier == nil || deps.Generator == nil || deps.Conversation == nil || deps.Data == nil {
		return nil, errors.New("loop: classifier, generator, conversation and data are required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("loop")

	tracker, err := trust.NewTracker(cfg.InitialTrust, cfg.TrustMod)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		bridge:   bridge.New(log),
		now:      time.Now,
		state:    StateLoading,
		trustMod: cfg.TrustMod,
		tracker:  tracker,
		epochs:   NewEpochController(deps.Classifier, deps.Data, log),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if deps.Snapshots != nil {
		if err := c.restore(); err != nil {
			return nil, err
		}
	}
	c.trustScore = tracker.Score()
	return c, nil
}

func (c *Coordinator) restore() error {
	snap, err := c.deps.Snapshots.GetCurrent()
	if errors.Is(err, state.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	c.tracker.Reset(snap.Trust)
	c.epochs.Restore(snap.ClassifierEpochs, snap.TrainingSteps)
	c.lastVersion = snap.VersionID
	c.log.Info("restored snapshot",
		zap.String("version", snap.VersionID),
		zap.Float64("trust", snap.Trust),
		zap.Int("classifier_epochs", snap.ClassifierEpochs))
	return nil
}

// #endregion

// #region caller-api

// Submit queues an input for the next inference drain. It never blocks.
func (c *Coordinator) Submit(msg convo.ConvoMessage) error {
	return c.bridge.Submit(msg)
}

// Await waits for the response to a submitted input.
func (c *Coordinator) Await(ctx context.Context, messageID int) (convo.ConvoMessage, error) {
	return c.bridge.Await(ctx, messageID)
}

// Infer submits msg and waits for its response.
func (c *Coordinator) Infer(ctx context.Context, msg convo.ConvoMessage) (convo.ConvoMessage, error) {
	if err := c.Submit(msg); err != nil {
		return convo.ConvoMessage{}, err
	}
	return c.Await(ctx, msg.MessageID)
}

// Cancel abandons a submitted input.
func (c *Coordinator) Cancel(messageID int) bool {
	return c.bridge.Cancel(messageID)
}

// Patch records a state change for the next tick. Patching to the current
// state is accepted and has no effect.
func (c *Coordinator) Patch(p StatePatch) error {
	if !patchTarget(p.State) {
		return fmt.Errorf("patch to %q: %w", p.State, ErrInvalidTransition)
	}
	c.mu.Lock()
	if c.state == StateExit {
		c.mu.Unlock()
		return fmt.Errorf("patch to %q after exit: %w", p.State, ErrInvalidTransition)
	}
	c.pending = &p
	c.mu.Unlock()

	c.signal()
	return nil
}

// SetTrustMod changes the trust step. The worker picks it up on its next tick.
func (c *Coordinator) SetTrustMod(mod float64) error {
	if err := trust.ValidateMod(mod); err != nil {
		return err
	}
	c.mu.Lock()
	c.modUpdate = &mod
	c.trustMod = mod
	c.mu.Unlock()
	c.signal()
	return nil
}

// Status returns a snapshot of the observable state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.state,
		Trust:     c.trustScore,
		TrustMod:  c.trustMod,
		Processed: c.processed,
	}
	if c.pending != nil {
		st.PendingState = c.pending.State
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	st.ClassifierEpochs, st.TrainingSteps = c.epochs.Counts()
	st.QueueLen = c.bridge.Len()
	st.Outstanding = c.bridge.Outstanding()
	return st
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// #endregion

// #region helpers

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// #endregion
