// SPDX-License-Identifier: MIT

// Package health periodically writes a heartbeat record into the bus KV
// with a TTL so external observers can detect liveness.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/metrics"
)

// Record is the JSON heartbeat value.
type Record struct {
	TS         int64            `json:"ts"`
	InstanceID string           `json:"instance_id"`
	Metrics    map[string]int64 `json:"metrics"`
	Extra      map[string]any   `json:"extra"`
}

// Reporter writes one Record per interval under <key_prefix>:<instance_id>.
type Reporter struct {
	cli        *redis.Client
	keyPrefix  string
	met        *metrics.Metrics
	interval   time.Duration
	ttl        time.Duration
	instanceID string
	extra      map[string]any
	log        zerolog.Logger
}

// New builds a reporter. interval is clamped to >= 1s and ttl to at least
// two intervals so one slow tick does not flap liveness.
func New(cli *redis.Client, keyPrefix string, met *metrics.Metrics,
	interval, ttl time.Duration, instanceTag string, extra map[string]any, log zerolog.Logger) *Reporter {
	if interval < time.Second {
		interval = time.Second
	}
	if ttl < 2*interval {
		ttl = 2 * interval
	}
	if extra == nil {
		extra = map[string]any{}
	}
	return &Reporter{
		cli:        cli,
		keyPrefix:  keyPrefix,
		met:        met,
		interval:   interval,
		ttl:        ttl,
		instanceID: instanceID(instanceTag),
		extra:      extra,
		log:        log,
	}
}

// InstanceID returns the <host>:<pid>[:<tag>] identity of this reporter.
func (r *Reporter) InstanceID() string { return r.instanceID }

// Run ticks until ctx is cancelled. Write failures are swallowed: health
// reporting must never interfere with the data path.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.write(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.write(ctx)
		}
	}
}

func (r *Reporter) write(ctx context.Context) {
	rec := Record{
		TS:         time.Now().Unix(),
		InstanceID: r.instanceID,
		Metrics:    r.met.Snapshot(),
		Extra:      r.extra,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return
	}
	key := r.keyPrefix + ":" + r.instanceID
	if err := r.cli.Set(ctx, key, bytes.TrimRight(buf.Bytes(), "\n"), r.ttl).Err(); err != nil {
		r.log.Debug().Err(err).Str("key", key).Msg("health write failed")
	}
}

func instanceID(tag string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id := fmt.Sprintf("%s:%d", host, os.Getpid())
	if tag != "" {
		id += ":" + tag
	}
	return id
}
