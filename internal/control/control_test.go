// SPDX-License-Identifier: MIT

package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadv/xtbridge/internal/engine"
	"github.com/quantadv/xtbridge/internal/registry"
)

type fakeEngine struct {
	mu      sync.Mutex
	added   [][]string
	removed [][]string
	addErr  error
	status  []engine.KeyStatus
}

func (f *fakeEngine) Add(_ context.Context, codes, periods []string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, append(append([]string{}, codes...), periods...))
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, codes, periods []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, append(append([]string{}, codes...), periods...))
	return nil
}

func (f *fakeEngine) Status() []engine.KeyStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type harness struct {
	mr    *miniredis.Miniredis
	cli   *redis.Client
	reg   *registry.Registry
	eng   *fakeEngine
	plane *Plane
	acks  <-chan *redis.Message
}

func newHarness(t *testing.T, accept []string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	reg := registry.New(cli, "xt:bridge")
	eng := &fakeEngine{}
	plane := New(cli, "xt:bridge:control", "xt:bridge:ack", reg, eng,
		Defaults{Mode: "close_only", Topic: "xt:topic:bar", PreloadDays: 3},
		accept, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = plane.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("control plane did not stop")
		}
	})

	// Subscribe to the demo strategy's ACK channel before sending anything.
	ackCli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { ackCli.Close() })
	ps := ackCli.Subscribe(context.Background(), "xt:bridge:ack:demo")
	t.Cleanup(func() { ps.Close() })
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	// Wait until the plane's control subscription is live.
	require.Eventually(t, func() bool {
		return cli.Publish(context.Background(), "xt:bridge:control", "{}").Val() == 1
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{mr: mr, cli: cli, reg: reg, eng: eng, plane: plane, acks: ps.Channel()}
}

func (h *harness) send(t *testing.T, cmd map[string]any) {
	t.Helper()
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, h.cli.Publish(context.Background(), "xt:bridge:control", payload).Err())
}

func (h *harness) ack(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-h.acks:
		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no ACK received")
		return nil
	}
}

func TestControl_SubscribeHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{
		"action":       "subscribe",
		"strategy_id":  "demo",
		"codes":        []string{"518880.SH"},
		"periods":      []string{"1m"},
		"preload_days": 0,
	})

	ack := h.ack(t)
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "subscribe", ack["action"])
	assert.Equal(t, "close_only", ack["mode"])
	assert.Equal(t, "xt:topic:bar", ack["topic"])
	subID, _ := ack["sub_id"].(string)
	require.NotEmpty(t, subID)

	// Registry consistency: all three key families hold the sub_id.
	spec, err := h.reg.Load(context.Background(), subID)
	require.NoError(t, err)
	assert.Equal(t, "demo", spec.StrategyID)
	assert.Equal(t, []string{"518880.SH"}, spec.Codes)
	all, err := h.reg.ListAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, all, subID)
	byStrat, err := h.reg.ListByStrategy(context.Background(), "demo")
	require.NoError(t, err)
	assert.Contains(t, byStrat, subID)

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	require.Len(t, h.eng.added, 1)
}

func TestControl_SubscribeActionCaseInsensitive(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{
		"action": "SUBSCRIBE", "strategy_id": "demo",
		"codes": []string{"a"}, "periods": []string{"1m"},
	})
	assert.Equal(t, true, h.ack(t)["ok"])
}

func TestControl_SubscribeRequiresCodesPeriods(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{"action": "subscribe", "strategy_id": "demo"})

	ack := h.ack(t)
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "codes/periods required", ack["error"])
}

func TestControl_SubscribeAllowlist(t *testing.T) {
	h := newHarness(t, []string{"other"})
	h.send(t, map[string]any{
		"action": "subscribe", "strategy_id": "demo",
		"codes": []string{"a"}, "periods": []string{"1m"},
	})

	ack := h.ack(t)
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "strategy not allowed", ack["error"])
	assert.Empty(t, h.eng.added)
}

func TestControl_SubscribeEngineFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.addErr = errors.New("preload exhausted")
	h.send(t, map[string]any{
		"action": "subscribe", "strategy_id": "demo",
		"codes": []string{"a"}, "periods": []string{"1m"},
	})

	ack := h.ack(t)
	assert.Equal(t, false, ack["ok"])
	assert.Contains(t, ack["error"], "subscribe failed")

	all, err := h.reg.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestControl_UnsubscribeBySubID(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{
		"action": "subscribe", "strategy_id": "demo",
		"codes": []string{"518880.SH"}, "periods": []string{"1m"},
	})
	subID := h.ack(t)["sub_id"].(string)

	h.send(t, map[string]any{
		"action": "unsubscribe", "strategy_id": "demo", "sub_id": subID,
	})
	ack := h.ack(t)
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "unsubscribe", ack["action"])
	assert.Equal(t, []any{"518880.SH"}, ack["codes"])

	_, err := h.reg.Load(context.Background(), subID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	all, err := h.reg.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	require.Len(t, h.eng.removed, 1)
}

func TestControl_UnsubscribeUnknownSubID(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{
		"action": "unsubscribe", "strategy_id": "demo", "sub_id": "sub-nope",
	})
	ack := h.ack(t)
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "sub_id not found", ack["error"])
}

func TestControl_UnsubscribeByCodesPeriods(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{
		"action": "unsubscribe", "strategy_id": "demo",
		"codes": []string{"a"}, "periods": []string{"1m"},
	})
	ack := h.ack(t)
	assert.Equal(t, true, ack["ok"])

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	require.Len(t, h.eng.removed, 1)
}

func TestControl_Status(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.status = []engine.KeyStatus{{Code: "a", Period: "1m"}}
	require.NoError(t, h.reg.Save(context.Background(), "sub-x", registry.Spec{StrategyID: "demo"}))

	h.send(t, map[string]any{"action": "status", "strategy_id": "demo"})
	ack := h.ack(t)
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "status", ack["action"])
	assert.Equal(t, []any{"sub-x"}, ack["subs"])
	status, ok := ack["status"].([]any)
	require.True(t, ok)
	require.Len(t, status, 1)
}

func TestControl_StatusWithoutStrategyIgnored(t *testing.T) {
	h := newHarness(t, nil)
	// No strategy_id means no ACK channel; the command is dropped and the
	// next valid status command gets the only ACK.
	h.send(t, map[string]any{"action": "status"})
	h.send(t, map[string]any{"action": "status", "strategy_id": "demo"})
	ack := h.ack(t)
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "status", ack["action"])
}

func TestControl_UnknownActionIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, map[string]any{"action": "reboot", "strategy_id": "demo"})
	// A follow-up status command gets the only ACK; the unknown action
	// produced none.
	h.send(t, map[string]any{"action": "status", "strategy_id": "demo"})
	ack := h.ack(t)
	assert.Equal(t, "status", ack["action"])
}
