// SPDX-License-Identifier: MIT

// The bridge daemon: sources vendor bars, normalizes them, and fans them
// out on the bus, with a dynamic control plane and health heartbeats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantadv/xtbridge/internal/bridge"
	"github.com/quantadv/xtbridge/internal/config"
	xlog "github.com/quantadv/xtbridge/internal/log"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("xtbridge %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "missing --config")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.Logging.Level,
		JSON:    cfg.Logging.JSON,
		File:    cfg.Logging.File,
		Service: "xtbridge",
	})
	logger := xlog.WithComponent("bridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(ctx, cfg, xlog.Base())
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	if err := b.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("bridge failed")
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Msg("bridge stopped")
}
