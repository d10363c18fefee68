// SPDX-License-Identifier: MIT

// Package registry persists subscription specs in the bus KV so the bridge
// can replay them after a restart.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound means the sub_id has no stored spec.
var ErrNotFound = errors.New("sub_id not found")

// Spec describes one control-plane subscription.
type Spec struct {
	StrategyID  string   `json:"strategy_id"`
	Codes       []string `json:"codes"`
	Periods     []string `json:"periods"`
	Mode        string   `json:"mode"`
	PreloadDays int      `json:"preload_days"`
	Topic       string   `json:"topic"`
	CreatedAt   int64    `json:"created_at"`
}

// Registry is a stateless wrapper over the bus KV. Key layout, with p the
// configured prefix:
//
//	p:subs                      set of all sub_id
//	p:sub:<sub_id>              hash of spec fields (lists as JSON strings)
//	p:strategy:<sid>:subs       set of sub_id per strategy
type Registry struct {
	cli    *redis.Client
	prefix string
}

// New wraps the client with the given key prefix.
func New(cli *redis.Client, prefix string) *Registry {
	return &Registry{cli: cli, prefix: strings.TrimRight(prefix, ":")}
}

// NewSubID generates a server-side subscription id:
// sub-<YYYYMMDD-HHMMSS>-<8hex>.
func NewSubID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("sub-%s-%s", time.Now().Format("20060102-150405"), hex[:8])
}

func (r *Registry) kSubs() string { return r.prefix + ":subs" }

func (r *Registry) kSub(subID string) string { return r.prefix + ":sub:" + subID }

func (r *Registry) kStrategy(strategyID string) string {
	return r.prefix + ":strategy:" + strategyID + ":subs"
}

// Save writes the spec hash and both index sets. The bus hash accepts only
// string fields; list values go in as JSON strings.
func (r *Registry) Save(ctx context.Context, subID string, spec Spec) error {
	codes, err := json.Marshal(spec.Codes)
	if err != nil {
		return err
	}
	periods, err := json.Marshal(spec.Periods)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"strategy_id":  spec.StrategyID,
		"codes":        string(codes),
		"periods":      string(periods),
		"mode":         spec.Mode,
		"preload_days": strconv.Itoa(spec.PreloadDays),
		"topic":        spec.Topic,
		"created_at":   strconv.FormatInt(spec.CreatedAt, 10),
	}
	if err := r.cli.HSet(ctx, r.kSub(subID), fields).Err(); err != nil {
		return err
	}
	if err := r.cli.SAdd(ctx, r.kSubs(), subID).Err(); err != nil {
		return err
	}
	return r.cli.SAdd(ctx, r.kStrategy(spec.StrategyID), subID).Err()
}

// Load reads one spec; ErrNotFound when absent.
func (r *Registry) Load(ctx context.Context, subID string) (*Spec, error) {
	data, err := r.cli.HGetAll(ctx, r.kSub(subID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	spec := &Spec{
		StrategyID: data["strategy_id"],
		Mode:       data["mode"],
		Topic:      data["topic"],
	}
	if v := data["codes"]; v != "" {
		if err := json.Unmarshal([]byte(v), &spec.Codes); err != nil {
			return nil, fmt.Errorf("decode codes: %w", err)
		}
	}
	if v := data["periods"]; v != "" {
		if err := json.Unmarshal([]byte(v), &spec.Periods); err != nil {
			return nil, fmt.Errorf("decode periods: %w", err)
		}
	}
	if v := data["preload_days"]; v != "" {
		spec.PreloadDays, _ = strconv.Atoi(v)
	}
	if v := data["created_at"]; v != "" {
		spec.CreatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return spec, nil
}

// Delete removes the spec hash and both index entries. Idempotent.
func (r *Registry) Delete(ctx context.Context, subID string) error {
	data, err := r.cli.HGetAll(ctx, r.kSub(subID)).Result()
	if err != nil {
		return err
	}
	if sid := data["strategy_id"]; sid != "" {
		if err := r.cli.SRem(ctx, r.kStrategy(sid), subID).Err(); err != nil {
			return err
		}
	}
	if err := r.cli.Del(ctx, r.kSub(subID)).Err(); err != nil {
		return err
	}
	return r.cli.SRem(ctx, r.kSubs(), subID).Err()
}

// ListAll returns every sub_id, sorted.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	ids, err := r.cli.SMembers(ctx, r.kSubs()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ListByStrategy returns the sub_ids of one strategy, sorted.
func (r *Registry) ListByStrategy(ctx context.Context, strategyID string) ([]string, error) {
	ids, err := r.cli.SMembers(ctx, r.kStrategy(strategyID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
