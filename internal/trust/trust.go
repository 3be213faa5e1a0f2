package trust

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/convoloop/internal/convo"
)

// #region bounds
const (
	Min = 0.0
	Max = 1.0

	// DefaultMod is the per-classification step.
	DefaultMod = 0.1
	// DefaultInitial is the score a fresh session starts from.
	DefaultInitial = 0.5
)

// #endregion bounds

// #region update-function
// Update is a pure function returning the score after one classified mood.
// Truth raises the score by mod, Lie lowers it by mod, every other mood leaves
// it unchanged. The result is clamped to [Min, Max].
func Update(score float64, mood convo.Mood, mod float64) float64 {
	switch mood {
	case convo.MoodTruth:
		score += mod
	case convo.MoodLie:
		score -= mod
	}
	return clamp(score)
}

// ValidateMod rejects steps that are not a number, negative or larger than
// the whole range.
func ValidateMod(mod float64) error {
	if math.IsNaN(mod) || mod < 0 || mod > Max-Min {
		return fmt.Errorf("trust mod %v outside [0, %v]", mod, Max-Min)
	}
	return nil
}

// ValidateScore rejects scores outside [Min, Max], NaN included.
func ValidateScore(score float64) error {
	if math.IsNaN(score) || score < Min || score > Max {
		return fmt.Errorf("trust score %v outside [%v, %v]", score, Min, Max)
	}
	return nil
}

// #endregion update-function

// #region tracker
// Tracker holds the process-wide score. It belongs to the loop worker, which
// is the only writer; readers receive copies through the loop's status.
type Tracker struct {
	score float64
	mod   float64
}

// NewTracker starts a tracker at initial (clamped) with the given step.
func NewTracker(initial, mod float64) (*Tracker, error) {
	if err := ValidateMod(mod); err != nil {
		return nil, err
	}
	return &Tracker{score: clamp(initial), mod: mod}, nil
}

// Update applies mood and returns the new score.
func (t *Tracker) Update(mood convo.Mood) float64 {
	t.score = Update(t.score, mood, t.mod)
	return t.score
}

// Score returns the current score.
func (t *Tracker) Score() float64 {
	return t.score
}

// Mod returns the current step.
func (t *Tracker) Mod() float64 {
	return t.mod
}

// SetMod changes the step used by subsequent updates.
func (t *Tracker) SetMod(mod float64) error {
	if err := ValidateMod(mod); err != nil {
		return err
	}
	t.mod = mod
	return nil
}

// Reset overwrites the score, clamping it into range. NaN resets to
// DefaultInitial.
func (t *Tracker) Reset(score float64) {
	t.score = clamp(score)
}

// #endregion tracker

// #region helpers

// clamp maps v into [Min, Max]; NaN becomes DefaultInitial.
func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultInitial
	}
	if v < Min {
		return Min
	}
	if v > Max {
		return Max
	}
	return v
}

// #endregion helpers
