package manager

import (
	"context"
	"log/slog"

	"github.com/c360/alertbus/config"
)

// LoadFunc reads the configuration for the next manager generation
type LoadFunc func() (*config.Config, error)

// Supervise runs managers until ctx is done. Each value on restart reloads
// the configuration and replaces the running manager with one built from
// it. A reload that fails to load or validate is logged and the current
// manager keeps running. A configuration that loads but cannot be built
// is returned as an error, since the previous manager is already gone.
func Supervise(ctx context.Context, load LoadFunc, restart <-chan struct{}, opts ...Option) error {
	logger := slog.Default().With("component", "supervisor")

	cfg, err := load()
	if err != nil {
		return err
	}

	for generation := 1; ; generation++ {
		m, err := New(cfg, opts...)
		if err != nil {
			return err
		}
		if err := m.Start(ctx); err != nil {
			return err
		}
		logger.Info("Manager generation running", "generation", generation)

		next := waitForRestart(ctx, load, restart, logger)
		stopErr := m.Stop()
		if next == nil {
			return stopErr
		}
		if stopErr != nil {
			logger.Warn("Previous manager did not stop cleanly", "generation", generation, "error", stopErr)
		}
		logger.Info("Restarting manager", "generation", generation+1)
		cfg = next
	}
}

// waitForRestart blocks until ctx is done (nil config) or a restart request
// yields a valid configuration
func waitForRestart(ctx context.Context, load LoadFunc, restart <-chan struct{}, logger *slog.Logger) *config.Config {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-restart:
			if !ok {
				restart = nil
				continue
			}
			cfg, err := load()
			if err != nil {
				logger.Error("Restart refused, configuration invalid", "error", err)
				continue
			}
			return cfg
		}
	}
}
