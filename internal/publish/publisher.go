// SPDX-License-Identifier: MIT

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/bar"
	"github.com/quantadv/xtbridge/internal/metrics"
)

// ErrBus marks pub/sub transport failures that survived all retries.
var ErrBus = errors.New("bus publish failed")

// Bus is the subset of the redis client the publisher needs. Tests inject
// failing implementations through it.
type Bus interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Options tune retry and lateness behavior.
type Options struct {
	MaxRetries    int           // publish attempts per bar (>= 1)
	Backoff       time.Duration // pause between attempts
	LateThreshold time.Duration // closed-bar lateness mark
	CloseOnly     bool          // schema guard mode
	Now           func() time.Time
}

// Publisher serializes canonical bars to JSON and publishes them on the
// fanout topic. Schema violations are swallowed with a counter; transport
// failures are retried and then surfaced so the caller can drop the bar.
type Publisher struct {
	bus   Bus
	topic string
	opts  Options
	met   *metrics.Metrics
	log   zerolog.Logger
}

// New builds a publisher for the topic.
func New(bus Bus, topic string, opts Options, met *metrics.Metrics, log zerolog.Logger) *Publisher {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.LateThreshold <= 0 {
		opts.LateThreshold = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{bus: bus, topic: topic, opts: opts, met: met, log: log}
}

// Publish validates and sends one bar. A schema violation drops the bar and
// returns nil; exhausted retries return ErrBus.
func (p *Publisher) Publish(ctx context.Context, b *bar.Bar) error {
	if ok, reason := ValidateBar(b, p.opts.CloseOnly); !ok {
		p.met.IncSchemaDrop()
		p.log.Debug().Str("reason", reason).Interface("bar", b).Msg("schema guard dropped bar")
		return nil
	}

	payload, err := encode(b)
	if err != nil {
		p.met.IncSchemaDrop()
		p.log.Debug().Err(err).Msg("bar serialization failed")
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if err := p.bus.Publish(ctx, p.topic, payload).Err(); err == nil {
			p.met.IncPublished(string(b.Period))
			p.markLateness(b)
			return nil
		} else {
			lastErr = err
			p.log.Warn().Err(err).Int("attempt", attempt).Str("code", b.Code).
				Str("bar_end_ts", b.BarEndTS).Msg("publish attempt failed")
		}
		if attempt < p.opts.MaxRetries && p.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				p.met.IncPublishFail()
				return fmt.Errorf("%w: %v", ErrBus, ctx.Err())
			case <-time.After(p.opts.Backoff):
			}
		}
	}
	p.met.IncPublishFail()
	return fmt.Errorf("%w: %v", ErrBus, lastErr)
}

func (p *Publisher) markLateness(b *bar.Bar) {
	if !b.IsClosed || b.EndTime.IsZero() {
		return
	}
	if p.opts.Now().Sub(b.EndTime) > p.opts.LateThreshold {
		p.met.IncLateBar()
	}
}

// encode marshals without HTML escaping so non-ASCII text stays UTF-8 on
// the wire.
func encode(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
