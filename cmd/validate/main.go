// SPDX-License-Identifier: MIT

// One-shot config validation. Exit 0 when the config is valid, 2 when it
// fails validation, 1 on any other error.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/quantadv/xtbridge/internal/config"
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
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	fmt.Printf("ok: qmt.mode=%s topic=%s mode=%s periods=%v\n",
		cfg.QMT.Mode, cfg.Redis.Topic, cfg.Subscription.Mode, cfg.Subscription.Periods)
}
