package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/bridge"
	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/state"
	"github.com/danielpatrickdp/convoloop/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region construction
func TestNewRequiresDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 0
	_, err := New(cfg, Deps{
		Classifier:   &fakeClassifier{ev: &events{}},
		Generator:    &fakeGenerator{},
		Conversation: convo.NewManager(),
		Data:         &fakeData{ev: &events{}},
	})
	assert.Error(t, err)
}

func TestNewStartsInLoading(t *testing.T) {
	h := newHarness(t)
	st := h.c.Status()
	assert.Equal(t, StateLoading, st.State)
	assert.Equal(t, 0.5, st.Trust)
	assert.Equal(t, 0.1, st.TrustMod)
}

func TestRestoreFromSnapshot(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.snaps.current = &state.Snapshot{VersionID: "v-prev", LoopState: "inference", Trust: 0.8, ClassifierEpochs: 3, TrainingSteps: 12}
	})
	st := h.c.Status()
	assert.Equal(t, 0.8, st.Trust)
	assert.Equal(t, 3, st.ClassifierEpochs)
	assert.Equal(t, 12, st.TrainingSteps)
	assert.Equal(t, StateLoading, st.State, "the loop state itself is not restored")

	h.start(t)
	h.patch(t, StateInference)
	require.Eventually(t, func() bool { return len(h.snaps.all()) > 0 }, time.Second, time.Millisecond)
	first := h.snaps.all()[0]
	assert.Equal(t, "v-prev", first.ParentID)
	assert.Equal(t, "inference", first.LoopState)
	assert.Equal(t, 0.8, first.Trust)
}

func TestRestoreNaNTrustFallsBackToDefault(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.snaps.current = &state.Snapshot{VersionID: "v-bad", LoopState: "inference", Trust: math.NaN()}
	})
	assert.Equal(t, trust.DefaultInitial, h.c.Status().Trust)
}

// #endregion construction

// #region inference
func TestTrustScenario(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.cls.moods["the sky is blue"] = convo.MoodTruth
		h.cls.moods["the sky is green"] = convo.MoodLie
	})
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "the sky is blue"))
	require.NoError(t, err)
	assert.Equal(t, convo.KindResponse, resp.Kind)
	assert.Equal(t, 1, resp.MessageID)
	assert.Equal(t, "Okay.", resp.Text)
	assert.False(t, resp.Failed())
	assert.InDelta(t, 0.6, resp.Trust, 1e-9)
	assert.InDelta(t, 0.6, h.c.Status().Trust, 1e-9)

	resp, err = h.c.Infer(awaitCtx(t), input(2, "the sky is green"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, resp.Trust, 1e-9)
}

func TestEmptyInputForcesDoubt(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "   "))
	require.NoError(t, err)
	assert.False(t, resp.Failed())
	assert.NotEmpty(t, resp.Text)
	assert.Equal(t, 0.5, resp.Trust, "doubt leaves trust unchanged")
	assert.Empty(t, h.cls.inferCalls(), "classifier is skipped for missing text")

	require.Eventually(t, func() bool { return len(h.data.saved()) == 1 }, time.Second, time.Millisecond)
	rec := h.data.saved()[0]
	assert.Equal(t, convo.MoodDoubt, rec.Mood)
	assert.Equal(t, resp.Text, rec.Response)
}

func TestInteractionRecorded(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.cls.moods["true story"] = convo.MoodTruth
	})
	h.start(t)
	h.patch(t, StateInference)

	msg := input(4, "true story")
	msg.Timestamp = "2024-01-01_00:00:00:000000"
	_, err := h.c.Infer(awaitCtx(t), msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.data.saved()) == 1 }, time.Second, time.Millisecond)
	rec := h.data.saved()[0]
	assert.Equal(t, 4, rec.MessageID)
	assert.Equal(t, "2024-01-01_00:00:00:000000", rec.Timestamp)
	assert.Equal(t, "true story", rec.Input)
	assert.Equal(t, "Okay.", rec.Response)
	assert.Equal(t, convo.MoodTruth, rec.Mood)
	assert.NotEmpty(t, rec.Context)
	assert.InDelta(t, 0.6, rec.Trust, 1e-9)
}

func TestFIFOOrder(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateTraining)

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.c.Submit(input(i, fmt.Sprintf("msg %d", i))))
	}
	h.patch(t, StateInference)
	for i := 1; i <= 5; i++ {
		_, err := h.c.Await(awaitCtx(t), i)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"msg 1", "msg 2", "msg 3", "msg 4", "msg 5"}, h.cls.inferCalls())
}

func TestTransientFailureKeepsLoopRunning(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.cls.inferErr["bad"] = errBoom
	})
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "bad"))
	require.NoError(t, err)
	assert.Equal(t, convo.ErrorTransient, resp.ErrorKind)
	assert.Contains(t, resp.Error, "boom")
	assert.Equal(t, 1, resp.MessageID)

	resp, err = h.c.Infer(awaitCtx(t), input(2, "good"))
	require.NoError(t, err)
	assert.False(t, resp.Failed())
	assert.Equal(t, StateInference, h.c.State())
}

func TestGeneratorErrorIsTransient(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.gen.reply = func(int, string) (string, error) { return "", errBoom }
	})
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "hello"))
	require.NoError(t, err)
	assert.Equal(t, convo.ErrorTransient, resp.ErrorKind)
	assert.Equal(t, StateInference, h.c.State())
}

func TestGenerateRetriesEmptyOutput(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		cfg.MaxGenerateRetries = 2
		h.gen.reply = func(call int, prompt string) (string, error) {
			if call < 3 {
				return prompt + " ..." + convo.TokenEndSeq, nil
			}
			return prompt + " Finally." + convo.TokenEndSeq, nil
		}
	})
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "Finally.", resp.Text)
	assert.Equal(t, 3, h.gen.callCount())
}

func TestGenerateRetriesExhausted(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		cfg.MaxGenerateRetries = 1
		h.gen.reply = func(_ int, prompt string) (string, error) { return prompt, nil }
	})
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "hi"))
	require.NoError(t, err)
	assert.Equal(t, convo.ErrorTransient, resp.ErrorKind)
	assert.Contains(t, resp.Error, ErrEmptyGeneration.Error())
	assert.Equal(t, 2, h.gen.callCount())
}

func TestConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateInference)

	const n = 30
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := h.c.Infer(ctx, input(id, fmt.Sprintf("caller %d", id)))
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, id, resp.MessageID)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, h.c.Status().Processed)
	assert.Zero(t, h.c.Status().Outstanding)
}

// #endregion inference

// #region training
func TestQueueNotDrainedDuringTraining(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateTraining)

	require.NoError(t, h.c.Submit(input(1, "waiting")))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.c.Status().QueueLen)
	assert.Empty(t, h.cls.inferCalls())

	h.patch(t, StateInference)
	resp, err := h.c.Await(awaitCtx(t), 1)
	require.NoError(t, err)
	assert.False(t, resp.Failed())
}

func TestEpochsReloadBetweenSteps(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.cls.epochLen = 2 })
	h.start(t)
	h.patch(t, StateTraining)

	require.Eventually(t, func() bool {
		epochs, _ := h.c.epochs.Counts()
		return epochs >= 2
	}, 2*time.Second, time.Millisecond)
	h.patch(t, StateInference)

	assert.True(t, hasPrefix(h.ev.snapshot(), []string{
		"save",
		"fetch", "prepare", "step", "step", "checkpoint",
		"fetch", "prepare", "step", "step", "checkpoint",
	}), "got %v", h.ev.snapshot())
	assert.GreaterOrEqual(t, h.c.Status().ClassifierEpochs, 2)
}

func TestEntryCallbacksRunOncePerEntry(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.patch(t, StateTraining)
	require.Eventually(t, func() bool { return h.ev.count("step") >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, h.c.Patch(StatePatch{State: StateTraining}))
	require.Eventually(t, func() bool { return h.ev.count("step") >= 6 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.ev.count("save"), "same-state patch does not re-enter")

	h.patch(t, StateInference)
	for i := 1; i <= 3; i++ {
		_, err := h.c.Infer(awaitCtx(t), input(i, "x"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.ev.count("prepare-inference"))

	h.patch(t, StateTraining)
	require.Eventually(t, func() bool { return h.ev.count("save") == 2 }, time.Second, time.Millisecond)
	h.patch(t, StateInference)
	require.Eventually(t, func() bool { return h.ev.count("prepare-inference") == 2 }, time.Second, time.Millisecond)
}

func TestTrainingResumesSliceAfterInference(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.patch(t, StateTraining)
	require.Eventually(t, func() bool { return h.ev.count("step") >= 2 }, time.Second, time.Millisecond)
	h.patch(t, StateInference)
	h.patch(t, StateTraining)
	require.Eventually(t, func() bool { return h.ev.count("save") == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.ev.count("step") >= 4 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.ev.count("fetch"), "an unfinished epoch keeps its slice")
}

// #endregion training

// #region failures
func TestSystemicFailureMovesToError(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.data.fetchErr = errBoom
		h.cls.moods["truth"] = convo.MoodTruth
	})
	h.start(t)
	h.patch(t, StateInference)
	_, err := h.c.Infer(awaitCtx(t), input(1, "truth"))
	require.NoError(t, err)

	require.NoError(t, h.c.Patch(StatePatch{State: StateTraining}))
	h.waitState(t, StateError)
	st := h.c.Status()
	assert.Contains(t, st.LastError, "boom")
	assert.InDelta(t, 0.6, st.Trust, 1e-9, "trust is retained")

	resp, err := h.c.Infer(awaitCtx(t), input(2, "queued while broken"))
	require.NoError(t, err)
	assert.Equal(t, convo.ErrorSystemic, resp.ErrorKind)
	assert.Contains(t, resp.Error, "boom")

	h.data.set(func(d *fakeData) { d.fetchErr = nil })
	h.patch(t, StateInference)
	resp, err = h.c.Infer(awaitCtx(t), input(3, "hello again"))
	require.NoError(t, err)
	assert.False(t, resp.Failed())
	assert.Empty(t, h.c.Status().LastError)

	var triggers []string
	for _, e := range h.jrnl.all() {
		triggers = append(triggers, e.Trigger+":"+e.ToState)
	}
	assert.Contains(t, triggers, "failure:error")
}

func TestEntryFailureMovesToError(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.cls.prepInfErr = errBoom })
	h.start(t)
	require.NoError(t, h.c.Patch(StatePatch{State: StateInference}))
	h.waitState(t, StateError)
	assert.Contains(t, h.c.Status().LastError, "prepare inference")
}

func TestPanicIsSystemic(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.cls.panicOn = "explode" })
	h.start(t)
	h.patch(t, StateInference)

	resp, err := h.c.Infer(awaitCtx(t), input(1, "explode"))
	require.NoError(t, err)
	assert.Equal(t, convo.ErrorSystemic, resp.ErrorKind)
	h.waitState(t, StateError)
	assert.Contains(t, h.c.Status().LastError, "panic")
}

func TestStepErrorMovesToError(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.cls.stepErr = errBoom })
	h.start(t)
	require.NoError(t, h.c.Patch(StatePatch{State: StateTraining}))
	h.waitState(t, StateError)

	h.cls.set(func(f *fakeClassifier) { f.stepErr = nil })
	h.patch(t, StateTraining)
	require.Eventually(t, func() bool {
		_, steps := h.c.epochs.Counts()
		return steps > 0
	}, time.Second, time.Millisecond)
}

// #endregion failures

// #region patches
func TestPatchValidation(t *testing.T) {
	h := newHarness(t)
	for _, st := range []State{StateLoading, StateError, State("sleeping")} {
		err := h.c.Patch(StatePatch{State: st})
		assert.ErrorIs(t, err, ErrInvalidTransition, "patch to %s", st)
	}
}

func TestLatestPatchWins(t *testing.T) {
	h := newHarness(t)
	// Not started: both patches are pending, only the second is applied.
	require.NoError(t, h.c.Patch(StatePatch{State: StateTraining}))
	require.NoError(t, h.c.Patch(StatePatch{State: StateInference}))
	assert.Equal(t, StateInference, h.c.Status().PendingState)

	h.start(t)
	h.waitState(t, StateInference)
	assert.Zero(t, h.ev.count("save"), "training was never entered")
}

func TestSetTrustMod(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.cls.moods["yes"] = convo.MoodTruth })
	require.NoError(t, h.c.SetTrustMod(0.25))
	assert.Equal(t, 0.25, h.c.Status().TrustMod)

	h.start(t)
	h.patch(t, StateInference)
	resp, err := h.c.Infer(awaitCtx(t), input(1, "yes"))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, resp.Trust, 1e-9)

	assert.Error(t, h.c.SetTrustMod(-1))
}

// #endregion patches

// #region lifecycle
func TestExitCancelsQueuedInputs(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateTraining)

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.c.Submit(input(i, "never answered")))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.c.Stop(ctx))

	for i := 1; i <= 3; i++ {
		resp, err := h.c.Await(awaitCtx(t), i)
		require.NoError(t, err)
		assert.Equal(t, convo.ErrorCancelled, resp.ErrorKind)
	}
	assert.Equal(t, StateExit, h.c.State())
	assert.ErrorIs(t, h.c.Submit(input(9, "late")), bridge.ErrClosed)
	assert.ErrorIs(t, h.c.Patch(StatePatch{State: StateInference}), ErrInvalidTransition)

	select {
	case <-h.c.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	last := h.jrnl.all()[len(h.jrnl.all())-1]
	assert.Equal(t, "exit", last.ToState)
	assert.Equal(t, "patch", last.Trigger)
	snaps := h.snaps.all()
	assert.Equal(t, "exit", snaps[len(snaps)-1].LoopState)
}

func TestExitPatchStopsWorker(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.c.Patch(StatePatch{State: StateExit}))
	require.NoError(t, h.c.Wait(awaitCtx(t)))
	assert.Equal(t, StateExit, h.c.State())
}

func TestContextCancelExits(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.c.Start(ctx))
	h.patch(t, StateInference)

	cancel()
	require.NoError(t, h.c.Wait(awaitCtx(t)))
	assert.Equal(t, StateExit, h.c.State())
	last := h.jrnl.all()[len(h.jrnl.all())-1]
	assert.Equal(t, "shutdown", last.Trigger)
}

func TestAwaitUnblocksOnShutdown(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.c.Await(context.Background(), 42)
		errc <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.c.Stop(ctx))

	select {
	case err := <-errc:
		// 42 was never submitted, so the caller is told so, either
		// immediately or when the bridge closes.
		assert.True(t, errors.Is(err, bridge.ErrUnknownID) || errors.Is(err, bridge.ErrClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Await still blocked after shutdown")
	}
}

func TestCallerTimeoutReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateTraining)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.c.Infer(ctx, input(1, "slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	st := h.c.Status()
	assert.Zero(t, st.QueueLen)
	assert.Zero(t, st.Outstanding)
}

func TestCancelDropsQueuedInput(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.patch(t, StateTraining)

	require.NoError(t, h.c.Submit(input(1, "drop me")))
	assert.True(t, h.c.Cancel(1))
	assert.Zero(t, h.c.Status().QueueLen)
	assert.False(t, h.c.Cancel(1))
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	assert.ErrorIs(t, h.c.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Submit(input(1, "x")))
	require.NoError(t, h.c.Stop(context.Background()))

	select {
	case <-h.c.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, h.c.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, StateExit, h.c.State())
	_, err := h.c.Await(awaitCtx(t), 1)
	assert.ErrorIs(t, err, bridge.ErrClosed)
}

// #endregion lifecycle
