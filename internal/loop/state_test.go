package loop

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	all := []State{StateLoading, StateTraining, StateInference, StateError, StateExit}
	allowed := map[State][]State{
		StateLoading:   {StateTraining, StateInference, StateExit},
		StateTraining:  {StateInference, StateExit},
		StateInference: {StateTraining, StateExit},
		StateError:     {StateTraining, StateInference, StateExit},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateLoading, StateTraining, StateInference, StateError, StateExit} {
		got, err := ParseState(string(s))
		assert.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("sleeping")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.TrustMod = 2
	cfg.InitialTrust = -0.1
	cfg.PollInterval = 0
	cfg.MaxGenerateRetries = -1
	cfg.ResultTTL = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "trust mod")
	assert.ErrorContains(t, err, "initial trust")
	assert.ErrorContains(t, err, "poll interval")
	assert.ErrorContains(t, err, "retries")
	assert.ErrorContains(t, err, "result ttl")
}

func TestConfigValidateRejectsNaN(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"trust mod nan", func(c *Config) { c.TrustMod = math.NaN() }, "trust mod"},
		{"trust mod inf", func(c *Config) { c.TrustMod = math.Inf(1) }, "trust mod"},
		{"initial trust nan", func(c *Config) { c.InitialTrust = math.NaN() }, "initial trust"},
		{"initial trust inf", func(c *Config) { c.InitialTrust = math.Inf(-1) }, "initial trust"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
