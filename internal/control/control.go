// SPDX-License-Identifier: MIT

// Package control consumes subscribe/unsubscribe/status commands from the
// bus control channel, persists specs in the registry, drives the engine,
// and answers on per-strategy ACK channels.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/engine"
	"github.com/quantadv/xtbridge/internal/registry"
)

// Engine is the subscription surface the control plane drives.
type Engine interface {
	Add(ctx context.Context, codes, periods []string, preloadDays int) error
	Remove(ctx context.Context, codes, periods []string) error
	Status() []engine.KeyStatus
}

// Defaults fill spec fields a subscribe command omits.
type Defaults struct {
	Mode        string
	Topic       string
	PreloadDays int
}

// Plane is the control-plane loop.
type Plane struct {
	cli       *redis.Client
	channel   string
	ackPrefix string
	reg       *registry.Registry
	eng       Engine
	defaults  Defaults
	accept    map[string]struct{}
	log       zerolog.Logger
}

type command struct {
	Action      string   `json:"action"`
	StrategyID  string   `json:"strategy_id"`
	Codes       []string `json:"codes"`
	Periods     []string `json:"periods"`
	SubID       string   `json:"sub_id"`
	PreloadDays *int     `json:"preload_days"`
	Topic       string   `json:"topic"`
	Mode        string   `json:"mode"`
}

// New builds the plane. acceptStrategies empty means every strategy is
// allowed.
func New(cli *redis.Client, channel, ackPrefix string, reg *registry.Registry, eng Engine,
	defaults Defaults, acceptStrategies []string, log zerolog.Logger) *Plane {
	var accept map[string]struct{}
	if len(acceptStrategies) > 0 {
		accept = make(map[string]struct{}, len(acceptStrategies))
		for _, s := range acceptStrategies {
			accept[s] = struct{}{}
		}
	}
	return &Plane{
		cli:       cli,
		channel:   channel,
		ackPrefix: strings.TrimRight(ackPrefix, ":"),
		reg:       reg,
		eng:       eng,
		defaults:  defaults,
		accept:    accept,
		log:       log,
	}
}

// Run blocks on the control channel until ctx is cancelled. The go-redis
// pubsub channel reconnects on transport failure by itself; commands sent
// during an outage are lost, which is the documented fire-and-forget
// contract.
func (p *Plane) Run(ctx context.Context) error {
	pubsub := p.cli.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("control channel subscribe: %w", err)
	}
	p.log.Info().Str("channel", p.channel).Msg("control plane listening")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (p *Plane) handle(ctx context.Context, payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		p.log.Debug().Err(err).Msg("malformed control command")
		return
	}
	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case "subscribe":
		p.handleSubscribe(ctx, cmd)
	case "unsubscribe":
		p.handleUnsubscribe(ctx, cmd)
	case "status":
		p.handleStatus(ctx, cmd)
	default:
		// Unknown actions are ignored without an ACK.
	}
}

func (p *Plane) allowed(strategyID string) bool {
	if p.accept == nil {
		return true
	}
	_, ok := p.accept[strategyID]
	return ok
}

func (p *Plane) handleSubscribe(ctx context.Context, cmd command) {
	if cmd.StrategyID == "" {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": "strategy_id required"})
		return
	}
	if !p.allowed(cmd.StrategyID) {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": "strategy not allowed"})
		return
	}
	if len(cmd.Codes) == 0 || len(cmd.Periods) == 0 {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": "codes/periods required"})
		return
	}

	mode := cmd.Mode
	if mode == "" {
		mode = p.defaults.Mode
	}
	topic := cmd.Topic
	if topic == "" {
		topic = p.defaults.Topic
	}
	preload := p.defaults.PreloadDays
	if cmd.PreloadDays != nil {
		preload = *cmd.PreloadDays
	}
	if preload < 0 {
		preload = 0
	}

	subID := registry.NewSubID()
	spec := registry.Spec{
		StrategyID:  cmd.StrategyID,
		Codes:       cmd.Codes,
		Periods:     cmd.Periods,
		Mode:        mode,
		PreloadDays: preload,
		Topic:       topic,
		CreatedAt:   time.Now().Unix(),
	}
	if err := p.reg.Save(ctx, subID, spec); err != nil {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": fmt.Sprintf("registry write failed: %v", err)})
		return
	}
	if err := p.eng.Add(ctx, cmd.Codes, cmd.Periods, preload); err != nil {
		// Roll back the registry entry so restart replay stays consistent.
		if derr := p.reg.Delete(ctx, subID); derr != nil {
			p.log.Warn().Err(derr).Str("sub_id", subID).Msg("registry rollback failed")
		}
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": fmt.Sprintf("subscribe failed: %v", err)})
		return
	}

	p.log.Info().Str("sub_id", subID).Str("strategy_id", cmd.StrategyID).
		Strs("codes", cmd.Codes).Strs("periods", cmd.Periods).Msg("subscribed")
	p.ack(ctx, cmd.StrategyID, map[string]any{
		"ok":      true,
		"action":  "subscribe",
		"sub_id":  subID,
		"codes":   cmd.Codes,
		"periods": cmd.Periods,
		"mode":    mode,
		"topic":   topic,
	})
}

func (p *Plane) handleUnsubscribe(ctx context.Context, cmd command) {
	if cmd.StrategyID == "" {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": "strategy_id required"})
		return
	}

	codes, periods := cmd.Codes, cmd.Periods
	if cmd.SubID != "" {
		spec, err := p.reg.Load(ctx, cmd.SubID)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": "sub_id not found"})
			} else {
				p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": fmt.Sprintf("registry read failed: %v", err)})
			}
			return
		}
		if len(codes) == 0 {
			codes = spec.Codes
		}
		if len(periods) == 0 {
			periods = spec.Periods
		}
		if err := p.reg.Delete(ctx, cmd.SubID); err != nil {
			p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": fmt.Sprintf("registry delete failed: %v", err)})
			return
		}
	}
	if len(codes) == 0 || len(periods) == 0 {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": "codes/periods required"})
		return
	}

	if err := p.eng.Remove(ctx, codes, periods); err != nil {
		p.log.Warn().Err(err).Msg("engine remove failed")
	}
	p.log.Info().Str("strategy_id", cmd.StrategyID).Strs("codes", codes).
		Strs("periods", periods).Msg("unsubscribed")
	p.ack(ctx, cmd.StrategyID, map[string]any{
		"ok":      true,
		"action":  "unsubscribe",
		"codes":   codes,
		"periods": periods,
	})
}

func (p *Plane) handleStatus(ctx context.Context, cmd command) {
	if cmd.StrategyID == "" {
		// No strategy_id means no ACK channel to answer on.
		p.log.Debug().Msg("status command without strategy_id dropped")
		return
	}
	subs, err := p.reg.ListAll(ctx)
	if err != nil {
		p.ack(ctx, cmd.StrategyID, map[string]any{"ok": false, "error": fmt.Sprintf("registry list failed: %v", err)})
		return
	}
	p.ack(ctx, cmd.StrategyID, map[string]any{
		"ok":     true,
		"action": "status",
		"status": p.eng.Status(),
		"subs":   subs,
	})
}

// ack publishes a reply on <ack_prefix>:<strategy_id>. ACK failures are
// swallowed; the client re-sends on timeout if it cares.
func (p *Plane) ack(ctx context.Context, strategyID string, payload map[string]any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		p.log.Warn().Err(err).Msg("ack encode failed")
		return
	}
	ch := p.ackPrefix + ":" + strategyID
	if err := p.cli.Publish(ctx, ch, strings.TrimRight(buf.String(), "\n")).Err(); err != nil {
		p.log.Warn().Err(err).Str("channel", ch).Msg("ack publish failed")
	}
}
