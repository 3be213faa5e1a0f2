package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/data"
	"github.com/danielpatrickdp/convoloop/internal/loop"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// #region types
// Config is the controller configuration.
type Config struct {
	Loop    LoopConfig    `yaml:"loop"`
	Data    DataConfig    `yaml:"data"`
	Model   ModelConfig   `yaml:"model"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoopConfig configures the coordinator.
type LoopConfig struct {
	TrustMod           float64       `yaml:"trust_mod"`
	InitialTrust       float64       `yaml:"initial_trust"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	InitialState       string        `yaml:"initial_state"` // training | inference
	MaxGenerateRetries int           `yaml:"max_generate_retries"`
	ResultTTL          time.Duration `yaml:"result_ttl"`
	AwaitTimeout       time.Duration `yaml:"await_timeout"`
}

// DataConfig configures the SQLite database and its backups.
type DataConfig struct {
	Path       string `yaml:"path"`
	BackupDir  string `yaml:"backup_dir"`
	MaxBackups int    `yaml:"max_backups"`
	SliceSize  int    `yaml:"slice_size"`
}

// ModelConfig points at the Python model service.
type ModelConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
	Offline bool          `yaml:"offline"` // heuristic classifier + scripted generator
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"` // json | console
}

// #endregion types

// #region defaults
// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	lc := loop.DefaultConfig()
	dc := data.DefaultConfig()
	return &Config{
		Loop: LoopConfig{
			TrustMod:           lc.TrustMod,
			InitialTrust:       lc.InitialTrust,
			PollInterval:       lc.PollInterval,
			InitialState:       string(loop.StateInference),
			MaxGenerateRetries: lc.MaxGenerateRetries,
			ResultTTL:          lc.ResultTTL,
			AwaitTimeout:       30 * time.Second,
		},
		Data: DataConfig{
			Path:       "convoloop.db",
			BackupDir:  "backups",
			MaxBackups: dc.MaxBackups,
			SliceSize:  dc.SliceSize,
		},
		Model: ModelConfig{
			Addr:    "localhost:50051",
			Timeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Logging: LoggingConfig{
			Format: "json",
		},
	}
}

// #endregion defaults

// #region load
// Load reads a YAML file over the defaults and applies environment
// overrides. A missing file yields the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	c.Data.Path = envOr("CONVOLOOP_DB", c.Data.Path)
	c.HTTP.Addr = envOr("CONVOLOOP_ADDR", c.HTTP.Addr)
	c.Model.Addr = envOr("CONVOLOOP_MODEL_ADDR", c.Model.Addr)

	if v := os.Getenv("CONVOLOOP_TRUST_MOD"); v != "" {
		mod, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CONVOLOOP_TRUST_MOD: %w", err)
		}
		c.Loop.TrustMod = mod
	}
	if v := os.Getenv("CONVOLOOP_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONVOLOOP_DEBUG: %w", err)
		}
		c.Logging.Debug = debug
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load

// #region validate
// Validate reports every invalid field at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	if err := c.LoopSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if st, err := loop.ParseState(c.Loop.InitialState); err != nil {
		errs = append(errs, err)
	} else if st != loop.StateTraining && st != loop.StateInference {
		errs = append(errs, fmt.Errorf("loop.initial_state must be training or inference, got %q", st))
	}
	if c.Loop.AwaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("loop.await_timeout must be positive"))
	}
	if c.Data.Path == "" {
		errs = append(errs, fmt.Errorf("data.path is required"))
	}
	if c.Data.MaxBackups < 1 {
		errs = append(errs, fmt.Errorf("data.max_backups must be at least 1, got %d", c.Data.MaxBackups))
	}
	if c.Data.SliceSize < 1 {
		errs = append(errs, fmt.Errorf("data.slice_size must be at least 1, got %d", c.Data.SliceSize))
	}
	if !c.Model.Offline && c.Model.Addr == "" {
		errs = append(errs, fmt.Errorf("model.addr is required unless model.offline is set"))
	}
	if c.Model.Timeout < 0 {
		errs = append(errs, fmt.Errorf("model.timeout must not be negative"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, fmt.Errorf("http.addr is required"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// #endregion validate

// #region conversions
// LoopSettings converts the loop section for loop.New.
func (c *Config) LoopSettings() loop.Config {
	return loop.Config{
		TrustMod:           c.Loop.TrustMod,
		InitialTrust:       c.Loop.InitialTrust,
		PollInterval:       c.Loop.PollInterval,
		MaxGenerateRetries: c.Loop.MaxGenerateRetries,
		ResultTTL:          c.Loop.ResultTTL,
	}
}

// DataSettings converts the data section for data.NewManager.
func (c *Config) DataSettings() data.Config {
	return data.Config{
		BackupDir:  c.Data.BackupDir,
		MaxBackups: c.Data.MaxBackups,
		SliceSize:  c.Data.SliceSize,
	}
}

// InitialState returns the state the controller patches in after start.
func (c *Config) InitialState() loop.State {
	return loop.State(c.Loop.InitialState)
}

// #endregion conversions
