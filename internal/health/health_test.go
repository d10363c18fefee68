// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadv/xtbridge/internal/metrics"
)

func setup(t *testing.T, tag string) (*miniredis.Miniredis, *Reporter, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	met := metrics.New()
	rep := New(cli, "xt:bridge:health", met, time.Second, 20*time.Second, tag,
		map[string]any{"mode": "close_only"}, zerolog.Nop())
	return mr, rep, met
}

func TestReporter_WritesRecordWithTTL(t *testing.T) {
	mr, rep, met := setup(t, "")
	met.IncPublished("1m")

	rep.write(context.Background())

	key := "xt:bridge:health:" + rep.InstanceID()
	require.True(t, mr.Exists(key))

	raw, err := mr.Get(key)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, rep.InstanceID(), rec.InstanceID)
	assert.Equal(t, int64(1), rec.Metrics["published"])
	assert.Equal(t, "close_only", rec.Extra["mode"])
	assert.NotZero(t, rec.TS)

	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 20*time.Second)
}

func TestReporter_RecordExpires(t *testing.T) {
	mr, rep, _ := setup(t, "")
	rep.write(context.Background())

	key := "xt:bridge:health:" + rep.InstanceID()
	require.True(t, mr.Exists(key))
	mr.FastForward(21 * time.Second)
	assert.False(t, mr.Exists(key))
}

func TestReporter_InstanceIDTag(t *testing.T) {
	_, rep, _ := setup(t, "blue")
	assert.True(t, strings.HasSuffix(rep.InstanceID(), ":blue"))
	parts := strings.Split(rep.InstanceID(), ":")
	assert.Len(t, parts, 3)
}

func TestReporter_TTLClampedToTwoIntervals(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	rep := New(cli, "h", metrics.New(), 5*time.Second, time.Second, "", nil, zerolog.Nop())
	assert.Equal(t, 10*time.Second, rep.ttl)

	rep = New(cli, "h", metrics.New(), 0, 0, "", nil, zerolog.Nop())
	assert.Equal(t, time.Second, rep.interval)
	assert.Equal(t, 2*time.Second, rep.ttl)
}

func TestReporter_RunStopsOnCancel(t *testing.T) {
	mr, rep, _ := setup(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rep.Run(ctx)
		close(done)
	}()

	// The first write happens immediately on start.
	require.Eventually(t, func() bool {
		return mr.Exists("xt:bridge:health:" + rep.InstanceID())
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}
}

func TestReporter_WriteFailureSwallowed(t *testing.T) {
	mr, rep, _ := setup(t, "")
	mr.Close()
	// Must not panic or error out.
	rep.write(context.Background())
}
