package loop

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/trust"
)

// #region config
// Config holds the coordinator's tunables.
type Config struct {
	TrustMod           float64       // per-classification trust step
	InitialTrust       float64       // used when no snapshot can be restored
	PollInterval       time.Duration // maximum sleep between ticks
	MaxGenerateRetries int           // regenerations after a retry signal
	ResultTTL          time.Duration // uncollected responses older than this are reaped
}

// DefaultConfig mirrors the backend defaults.
func DefaultConfig() Config {
	return Config{
		TrustMod:           trust.DefaultMod,
		InitialTrust:       trust.DefaultInitial,
		PollInterval:       10 * time.Millisecond,
		MaxGenerateRetries: 2,
		ResultTTL:          time.Minute,
	}
}

// Validate reports configuration errors. It runs before the worker starts.
func (c Config) Validate() error {
	var errs []error
	if err := trust.ValidateMod(c.TrustMod); err != nil {
		errs = append(errs, err)
	}
	if err := trust.ValidateScore(c.InitialTrust); err != nil {
		errs = append(errs, fmt.Errorf("initial trust: %w", err))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.MaxGenerateRetries < 0 {
		errs = append(errs, fmt.Errorf("max generate retries must not be negative, got %d", c.MaxGenerateRetries))
	}
	if c.ResultTTL <= 0 {
		errs = append(errs, fmt.Errorf("result ttl must be positive, got %s", c.ResultTTL))
	}
	return errors.Join(errs...)
}

// #endregion config
