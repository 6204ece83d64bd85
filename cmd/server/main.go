// MilestonePay escrow mirror: keeps marketplace orders in step with the
// on-chain milestone escrow contract.
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/milestonepay/internal/config"
	"github.com/mbd888/milestonepay/internal/logging"
	"github.com/mbd888/milestonepay/internal/server"
	"github.com/mbd888/milestonepay/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting milestonepay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"networks", cfg.NetworkNames(),
		"default_network", cfg.DefaultNetwork,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1) //nolint:gocritic // tracing has nothing to flush yet
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1) //nolint:gocritic // exit code matters more than the final flush
	}
}
