// SPDX-License-Identifier: MIT

// Package bridge wires the configured components into one runnable process:
// vendor source, engine, publisher, control plane, health reporter, and the
// optional ops HTTP listener.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/config"
	"github.com/quantadv/xtbridge/internal/control"
	"github.com/quantadv/xtbridge/internal/engine"
	"github.com/quantadv/xtbridge/internal/health"
	"github.com/quantadv/xtbridge/internal/metrics"
	"github.com/quantadv/xtbridge/internal/publish"
	"github.com/quantadv/xtbridge/internal/quote"
	"github.com/quantadv/xtbridge/internal/registry"
)

const shutdownGrace = 2 * time.Second

// Bridge is the assembled process.
type Bridge struct {
	cfg config.Config
	log zerolog.Logger
	met *metrics.Metrics

	src quote.Source
	eng *engine.Engine
	reg *registry.Registry

	plane    *control.Plane
	reporter *health.Reporter

	// Publisher, control plane, and health reporter hold independent bus
	// clients to avoid head-of-line blocking.
	pubCli    *redis.Client
	ctlCli    *redis.Client
	healthCli *redis.Client
}

// New builds a bridge from config. Vendor unavailability and unreachable
// bus abort construction.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Bridge, error) {
	opts, err := cfg.Redis.Options()
	if err != nil {
		return nil, err
	}

	b := &Bridge{cfg: cfg, log: log, met: metrics.New()}

	b.pubCli = redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.pubCli.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("bus unreachable at %s: %w", opts.Addr, err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to bus")

	b.src, err = newSource(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	closeOnly := cfg.Subscription.Mode == string(engine.ModeCloseOnly)
	pub := publish.New(b.pubCli, cfg.Redis.Topic, publish.Options{
		MaxRetries:    cfg.Publish.MaxRetries,
		Backoff:       time.Duration(cfg.Publish.BackoffMS) * time.Millisecond,
		LateThreshold: time.Duration(cfg.Publish.LateThresholdMS) * time.Millisecond,
		CloseOnly:     closeOnly,
	}, b.met, log.With().Str("component", "publisher").Logger())

	b.eng = engine.New(b.src, pub, engine.Mode(cfg.Subscription.Mode), b.met,
		log.With().Str("component", "engine").Logger())

	if cfg.Control.Enabled {
		b.ctlCli = redis.NewClient(opts)
		b.reg = registry.New(b.ctlCli, cfg.Control.RegistryPrefix)
		b.plane = control.New(b.ctlCli, cfg.Control.Channel, cfg.Control.AckPrefix, b.reg, b.eng,
			control.Defaults{
				Mode:        cfg.Subscription.Mode,
				Topic:       cfg.Redis.Topic,
				PreloadDays: cfg.Subscription.PreloadDays,
			},
			cfg.Control.AcceptStrategies,
			log.With().Str("component", "control").Logger())
	}

	if cfg.Health.Enabled {
		b.healthCli = redis.NewClient(opts)
		b.reporter = health.New(b.healthCli, cfg.Health.KeyPrefix, b.met,
			time.Duration(cfg.Health.IntervalSec)*time.Second,
			time.Duration(cfg.Health.TTLSec)*time.Second,
			cfg.Health.InstanceTag,
			map[string]any{
				"codes":   cfg.Subscription.Codes,
				"periods": cfg.Subscription.Periods,
				"mode":    cfg.Subscription.Mode,
				"topic":   cfg.Redis.Topic,
			},
			log.With().Str("component", "health").Logger())
	}

	return b, nil
}

func newSource(ctx context.Context, cfg config.Config, log zerolog.Logger) (quote.Source, error) {
	switch cfg.QMT.Mode {
	case "legacy":
		return quote.NewGateway(ctx, cfg.QMT.Endpoint, cfg.QMT.Token, 0,
			log.With().Str("component", "gateway").Logger())
	default:
		if cfg.Mock.Enabled {
			return quote.NewMock(time.Duration(cfg.Mock.IntervalMS)*time.Millisecond,
				cfg.Mock.StartPrice, log.With().Str("component", "mock").Logger()), nil
		}
		return quote.Noop{}, nil
	}
}

// Run starts all background actors, replays persisted subscriptions, and
// blocks until ctx is cancelled, then shuts down within a bounded grace
// period.
func (b *Bridge) Run(ctx context.Context) error {
	if b.reg != nil {
		b.replay(ctx)
	}
	if len(b.cfg.Subscription.Codes) > 0 {
		if err := b.eng.Add(ctx, b.cfg.Subscription.Codes, b.cfg.Subscription.Periods,
			b.cfg.Subscription.PreloadDays); err != nil {
			return fmt.Errorf("static subscription: %w", err)
		}
	}

	var wg sync.WaitGroup
	if b.plane != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.plane.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error().Err(err).Msg("control plane exited")
			}
		}()
	}
	if b.reporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.reporter.Run(ctx)
		}()
	}

	var opsSrv *http.Server
	if b.cfg.Ops.Listen != "" {
		opsSrv = b.opsServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.log.Error().Err(err).Msg("ops listener failed")
			}
		}()
	}

	b.log.Info().Msg("bridge running")
	<-ctx.Done()
	b.log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	b.eng.Stop(stopCtx)
	if err := b.src.Close(); err != nil {
		b.log.Warn().Err(err).Msg("source close failed")
	}
	if opsSrv != nil {
		if err := opsSrv.Shutdown(stopCtx); err != nil {
			b.log.Warn().Err(err).Msg("ops shutdown failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		b.log.Warn().Msg("shutdown grace elapsed")
	}

	b.closeClients()
	return nil
}

func (b *Bridge) replay(ctx context.Context) {
	ids, err := b.reg.ListAll(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("registry replay listing failed")
		return
	}
	for _, id := range ids {
		spec, err := b.reg.Load(ctx, id)
		if err != nil {
			b.log.Warn().Err(err).Str("sub_id", id).Msg("registry replay load failed")
			continue
		}
		if err := b.eng.Add(ctx, spec.Codes, spec.Periods, spec.PreloadDays); err != nil {
			b.log.Warn().Err(err).Str("sub_id", id).Msg("registry replay add failed")
			continue
		}
		b.log.Info().Str("sub_id", id).Str("strategy_id", spec.StrategyID).Msg("subscription replayed")
	}
}

func (b *Bridge) opsServer() *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"status":  "healthy",
			"ts":      time.Now().Unix(),
			"metrics": b.met.Snapshot(),
			"keys":    b.eng.Status(),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			b.log.Debug().Err(err).Msg("healthz encode failed")
		}
	})
	return &http.Server{
		Addr:              b.cfg.Ops.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (b *Bridge) closeClients() {
	for _, cli := range []*redis.Client{b.pubCli, b.ctlCli, b.healthCli} {
		if cli != nil {
			if err := cli.Close(); err != nil {
				b.log.Debug().Err(err).Msg("bus client close failed")
			}
		}
	}
}

// Engine exposes the engine for status inspection.
func (b *Bridge) Engine() *engine.Engine { return b.eng }

// Metrics exposes the counter handle.
func (b *Bridge) Metrics() *metrics.Metrics { return b.met }
