package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/api"
	"github.com/danielpatrickdp/convoloop/internal/config"
	"github.com/danielpatrickdp/convoloop/internal/loop"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator behind the HTTP API",
	RunE:  runServe,
}

// #region serve
func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The worker gets its own context so a signal ends it through Stop,
	// letting it answer queued inputs before the HTTP server goes away.
	if err := a.coord.Start(context.Background()); err != nil {
		return err
	}
	if err := a.coord.Patch(loop.StatePatch{State: a.cfg.InitialState()}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.coord.Done():
			logger.Info("loop exited, shutting down")
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		err := a.coord.Stop(stopCtx)
		cancel()
		return err
	})

	srv := api.NewServer(a.coord, a.cfg.Loop.AwaitTimeout, logger)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.cfg.HTTP.Addr)
	})

	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, a.applyReload)
		})
	} else {
		logger.Debug("config file absent, hot reload disabled", zap.String("path", configPath))
	}

	err = g.Wait()
	st := a.coord.Status()
	logger.Info("controller stopped",
		zap.Float64("trust", st.Trust),
		zap.Int("processed", st.Processed),
		zap.Int("classifier_epochs", st.ClassifierEpochs))
	return err
}

// #endregion serve
