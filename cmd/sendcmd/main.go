// SPDX-License-Identifier: MIT

// One-shot control-command sender. Publishes a command on the configured
// control channel and optionally waits for the ACK on the strategy's reply
// channel. Exit 0 on success (or ACK ok:true), 2 when the ACK reports a
// failure or times out, 1 on unhandled error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantadv/xtbridge/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	action := flag.String("action", "status", "subscribe | unsubscribe | status")
	strategy := flag.String("strategy", "", "strategy_id")
	codes := flag.String("codes", "", "comma-separated symbol codes")
	periods := flag.String("periods", "", "comma-separated periods (1m,1h,1d)")
	subID := flag.String("sub-id", "", "sub_id (unsubscribe)")
	preloadDays := flag.Int("preload-days", -1, "preload days (subscribe; -1 = server default)")
	topic := flag.String("topic", "", "fanout topic override (subscribe)")
	mode := flag.String("mode", "", "mode override (subscribe)")
	waitAck := flag.Bool("wait-ack", true, "wait for the ACK")
	timeout := flag.Duration("timeout", 10*time.Second, "ACK wait timeout")
	flag.Parse()

	if *configPath == "" || *strategy == "" {
		fmt.Fprintln(os.Stderr, "missing --config or --strategy")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	cmd := map[string]any{
		"action":      *action,
		"strategy_id": *strategy,
	}
	if *codes != "" {
		cmd["codes"] = splitCSV(*codes)
	}
	if *periods != "" {
		cmd["periods"] = splitCSV(*periods)
	}
	if *subID != "" {
		cmd["sub_id"] = *subID
	}
	if *preloadDays >= 0 {
		cmd["preload_days"] = *preloadDays
	}
	if *topic != "" {
		cmd["topic"] = *topic
	}
	if *mode != "" {
		cmd["mode"] = *mode
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	opts, err := cfg.Redis.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cli := redis.NewClient(opts)
	defer cli.Close()

	var ackCh <-chan *redis.Message
	var pubsub *redis.PubSub
	if *waitAck {
		ackChannel := strings.TrimRight(cfg.Control.AckPrefix, ":") + ":" + *strategy
		pubsub = cli.Subscribe(ctx, ackChannel)
		defer pubsub.Close()
		if _, err := pubsub.Receive(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ack subscribe: %v\n", err)
			os.Exit(1)
		}
		ackCh = pubsub.Channel()
	}

	if err := cli.Publish(ctx, cfg.Control.Channel, payload).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent %s to %s\n", *action, cfg.Control.Channel)
	if !*waitAck {
		return
	}

	select {
	case msg := <-ackCh:
		fmt.Println(msg.Payload)
		var ack struct {
			OK bool `json:"ok"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &ack); err == nil && !ack.OK {
			os.Exit(2)
		}
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "ack timeout")
		os.Exit(2)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
