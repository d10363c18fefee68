// SPDX-License-Identifier: MIT

// One-shot ops self-check: bus reachability plus vendor reachability for
// the configured qmt mode. Exit 0 on success, 2 on verification failure,
// 1 on unhandled error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/config"
	"github.com/quantadv/xtbridge/internal/quote"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "missing --config")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts, err := cfg.Redis.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cli := redis.NewClient(opts)
	defer cli.Close()
	if err := cli.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL bus: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("OK bus %s\n", opts.Addr)

	switch cfg.QMT.Mode {
	case "legacy":
		gw, err := quote.NewGateway(ctx, cfg.QMT.Endpoint, cfg.QMT.Token, 0, zerolog.Nop())
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL vendor: %v\n", err)
			os.Exit(2)
		}
		defer gw.Close()
		fmt.Printf("OK vendor gateway %s\n", cfg.QMT.Endpoint)
	default:
		fmt.Println("OK vendor (none mode, no gateway required)")
	}
}
