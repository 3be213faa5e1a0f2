package main

import (
	"fmt"

	"github.com/danielpatrickdp/convoloop/internal/codec"
	"github.com/danielpatrickdp/convoloop/internal/config"
	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/data"
	"github.com/danielpatrickdp/convoloop/internal/logging"
	"github.com/danielpatrickdp/convoloop/internal/loop"
	"github.com/danielpatrickdp/convoloop/internal/mood"
	"github.com/danielpatrickdp/convoloop/internal/state"
	"go.uber.org/zap"
)

// #region app
// app holds everything a command needs once the config is loaded.
type app struct {
	cfg   *config.Config
	store *state.Store
	data  *data.Manager
	coord *loop.Coordinator
	model *codec.ModelClient // nil in offline mode
}

// newApp loads and validates the config, builds the logger and wires the
// coordinator. Any failure here is fatal: the worker never starts.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, level, err = logging.NewLogger(logging.Options{Debug: cfg.Logging.Debug, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(cfg.Data.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	journal, err := logging.NewJournal(store.DB())
	if err != nil {
		a.close()
		return nil, err
	}
	a.data, err = data.NewManager(store.DB(), cfg.DataSettings(), logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var classifier loop.Classifier
	var generator loop.Generator
	if cfg.Model.Offline {
		classifier = mood.NewClassifier(logger)
		generator = &convo.ScriptedGenerator{}
		logger.Info("offline mode: heuristic classifier, scripted generator")
	} else {
		a.model, err = codec.NewModelClient(cfg.Model.Addr, cfg.Model.Timeout)
		if err != nil {
			a.close()
			return nil, err
		}
		classifier = a.model.Classifier()
		generator = a.model.Generator()
	}

	a.coord, err = loop.New(cfg.LoopSettings(), loop.Deps{
		Classifier:   classifier,
		Generator:    generator,
		Conversation: convo.NewManager(),
		Data:         a.data,
		Snapshots:    store,
		Journal:      journal,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	logger.Info("controller ready",
		zap.String("db", cfg.Data.Path),
		zap.String("model", modelLabel(cfg)),
		zap.String("initial_state", cfg.Loop.InitialState))
	return a, nil
}

// applyReload pushes hot-reloadable settings into the running process.
func (a *app) applyReload(cfg *config.Config) {
	logging.SetDebug(level, cfg.Logging.Debug || debug)
	if err := a.coord.SetTrustMod(cfg.Loop.TrustMod); err != nil {
		logger.Warn("trust mod not applied", zap.Error(err))
	}
}

func (a *app) close() {
	if a.model != nil {
		a.model.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func modelLabel(cfg *config.Config) string {
	if cfg.Model.Offline {
		return "offline"
	}
	return cfg.Model.Addr
}

// #endregion app
