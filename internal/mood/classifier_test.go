package mood

import (
	"context"
	"testing"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want convo.Mood
	}{
		{"empty", "   ", convo.MoodDoubt},
		{"lie", "That's a lie and you know it", convo.MoodLie},
		{"not true beats true", "that is not true", convo.MoodLie},
		{"doubt", "I'm not sure about that", convo.MoodDoubt},
		{"doubt question", "are you sure?", convo.MoodDoubt},
		{"truth", "Yes, that is correct", convo.MoodTruth},
		{"neutral question", "what did you do today?", convo.MoodNeutral},
		{"neutral greeting", "hello there", convo.MoodNeutral},
		{"cyrillic", "привет как дела", convo.MoodForeignLanguage},
		{"german", "Ich habe heute keine Zeit gehabt", convo.MoodForeignLanguage},
		{"short unknown words", "guten tag", convo.MoodNeutral},
		{"punctuation only", "?!", convo.MoodNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

func TestClassifierLearnsDuringEpoch(t *testing.T) {
	ctx := context.Background()
	c := NewClassifier(nil)

	before, err := c.Infer(ctx, "the sky is green")
	require.NoError(t, err)
	assert.Equal(t, convo.MoodNeutral, before)

	ds := convo.Dataset{ID: "s1", Records: []convo.InteractionRecord{
		{Input: "The sky is green!", Mood: convo.MoodLie},
		{Input: "water is wet", Mood: convo.MoodTruth},
	}}
	require.NoError(t, c.PrepareTraining(ctx, ds))

	done, err := c.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = c.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, c.PrepareInference(ctx))
	after, err := c.Infer(ctx, "the sky is GREEN")
	require.NoError(t, err)
	assert.Equal(t, convo.MoodLie, after)
}

func TestStepRequiresTraining(t *testing.T) {
	c := NewClassifier(nil)
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotTraining)

	require.NoError(t, c.PrepareTraining(context.Background(), convo.Dataset{ID: "empty"}))
	done, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done, "empty slice finishes on the first step")

	require.NoError(t, c.PrepareInference(context.Background()))
	_, err = c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotTraining)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClassifier(nil)

	_, err := c.Infer(ctx, "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, c.PrepareTraining(ctx, convo.Dataset{}), context.Canceled)
	assert.ErrorIs(t, c.Checkpoint(ctx), context.Canceled)
}

func TestCheckpointCounts(t *testing.T) {
	c := NewClassifier(nil)
	require.NoError(t, c.Checkpoint(context.Background()))
	require.NoError(t, c.Checkpoint(context.Background()))
	assert.Equal(t, 2, c.Checkpoints())
}
