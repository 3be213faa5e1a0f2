package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCheckpointer struct{ *fakeClassifier }

func (f failingCheckpointer) Checkpoint(context.Context) error { return errBoom }

func TestEpochControllerReloadsBeforeNextStep(t *testing.T) {
	ev := &events{}
	cls := &fakeClassifier{ev: ev, epochLen: 2}
	e := NewEpochController(cls, &fakeData{ev: ev}, nil)
	ctx := context.Background()

	require.True(t, e.NeedNewEpoch(), "fresh controller loads first")
	for i := 0; i < 6; i++ {
		_, err := e.Advance(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"fetch", "prepare", "step", "step", "checkpoint",
		"fetch", "prepare", "step", "step", "checkpoint",
	}, ev.snapshot())
	epochs, steps := e.Counts()
	assert.Equal(t, 2, epochs)
	assert.Equal(t, 4, steps)
	assert.True(t, e.NeedNewEpoch())
}

func TestEpochControllerReportsFinishedEpoch(t *testing.T) {
	ev := &events{}
	e := NewEpochController(&fakeClassifier{ev: ev, epochLen: 1}, &fakeData{ev: ev}, nil)
	ctx := context.Background()

	finished, err := e.Advance(ctx) // load
	require.NoError(t, err)
	assert.False(t, finished)
	finished, err = e.Advance(ctx) // step
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestEpochControllerFetchError(t *testing.T) {
	ev := &events{}
	e := NewEpochController(&fakeClassifier{ev: ev, epochLen: 1}, &fakeData{ev: ev, fetchErr: errBoom}, nil)

	_, err := e.Advance(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, e.NeedNewEpoch(), "a failed load is retried on the next advance")
}

func TestEpochControllerCheckpointErrorStillReloads(t *testing.T) {
	ev := &events{}
	cls := failingCheckpointer{&fakeClassifier{ev: ev, epochLen: 1}}
	e := NewEpochController(cls, &fakeData{ev: ev}, nil)
	ctx := context.Background()

	_, err := e.Advance(ctx)
	require.NoError(t, err)
	finished, err := e.Advance(ctx)
	assert.True(t, finished)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, e.NeedNewEpoch())
}

func TestEpochControllerRestore(t *testing.T) {
	e := NewEpochController(&fakeClassifier{ev: &events{}}, &fakeData{ev: &events{}}, nil)
	e.Restore(3, 40)
	epochs, steps := e.Counts()
	assert.Equal(t, 3, epochs)
	assert.Equal(t, 40, steps)
}
