// SPDX-License-Identifier: MIT

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadv/xtbridge/internal/bar"
)

func testBar(t *testing.T, ts string, close float64) *bar.Bar {
	t.Helper()
	b, err := bar.Normalize("510050.SH", bar.Period1m, bar.Raw{
		"time":  ts,
		"open":  close - 0.01,
		"high":  close + 0.01,
		"low":   close - 0.02,
		"close": close,
	})
	require.NoError(t, err)
	return b
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 9, 17, 9, 32, 1, 0, bar.CNTime)
	return func() time.Time { return now }
}

func TestStateMachine_FirstEventEmitsForming(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	out, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.515))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].IsClosed)
	assert.Equal(t, "2025-09-17T09:31:00+08:00", out[0].BarEndTS)
	assert.Equal(t, "qmt", out[0].Source)
	assert.NotEmpty(t, out[0].RecvTS)
	assert.True(t, sm.LastPublished().IsZero())
}

func TestStateMachine_SameTimestampReplacesPayload(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	_, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.510))
	require.NoError(t, err)

	out, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.515))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].IsClosed)
	assert.Equal(t, 2.515, *out[0].Close)

	// The replacement payload must win when the bar finally closes.
	out, err = sm.OnRow(testBar(t, "2025-09-17 09:32:00", 2.520))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].IsClosed)
	assert.Equal(t, 2.515, *out[0].Close)
	assert.False(t, out[1].IsClosed)
}

func TestStateMachine_AdvancementClosesPrevious(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	_, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.515))
	require.NoError(t, err)

	out, err := sm.OnRow(testBar(t, "2025-09-17 09:32:00", 2.520))
	require.NoError(t, err)
	require.Len(t, out, 2)

	closed, forming := out[0], out[1]
	assert.True(t, closed.IsClosed)
	assert.Equal(t, "2025-09-17T09:31:00+08:00", closed.BarEndTS)
	assert.Equal(t, 2.515, *closed.Close)
	assert.False(t, forming.IsClosed)
	assert.Equal(t, "2025-09-17T09:32:00+08:00", forming.BarEndTS)

	lp, err := bar.ParseBarEnd("2025-09-17 09:31:00")
	require.NoError(t, err)
	assert.True(t, sm.LastPublished().Equal(lp))
}

func TestStateMachine_ReplayBelowWatermarkIsSilent(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	_, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.515))
	require.NoError(t, err)
	_, err = sm.OnRow(testBar(t, "2025-09-17 09:32:00", 2.520))
	require.NoError(t, err)

	// 09:31 was published; its replay drops without error.
	out, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.999))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStateMachine_OutOfOrderDrop(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	_, err := sm.OnRow(testBar(t, "2025-09-17 09:32:00", 2.520))
	require.NoError(t, err)

	// Older than current, nothing published yet: out-of-order drop.
	out, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.515))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Empty(t, out)

	// State unchanged: advancing still closes the 09:32 bar.
	out, err = sm.OnRow(testBar(t, "2025-09-17 09:33:00", 2.530))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "2025-09-17T09:32:00+08:00", out[0].BarEndTS)
	assert.Equal(t, 2.520, *out[0].Close)
}

func TestStateMachine_ClosedMonotonicity(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	stamps := []string{
		"2025-09-17 09:31:00", "2025-09-17 09:31:00", "2025-09-17 09:32:00",
		"2025-09-17 09:31:00", "2025-09-17 09:33:00", "2025-09-17 09:32:00",
		"2025-09-17 09:34:00",
	}
	var closed []string
	for i, ts := range stamps {
		out, err := sm.OnRow(testBar(t, ts, 2.5+float64(i)*0.001))
		if err != nil {
			continue
		}
		for _, b := range out {
			if b.IsClosed {
				closed = append(closed, b.BarEndTS)
			}
		}
	}
	require.Equal(t, []string{
		"2025-09-17T09:31:00+08:00",
		"2025-09-17T09:32:00+08:00",
		"2025-09-17T09:33:00+08:00",
	}, closed)
	for i := 1; i < len(closed); i++ {
		assert.Less(t, closed[i-1], closed[i])
	}
}

func TestStateMachine_SourcePreserved(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	b, err := bar.Normalize("c", bar.Period1m, bar.Raw{
		"time": "2025-09-17 09:31:00", "close": 1.0, "source": "mock",
	})
	require.NoError(t, err)
	out, err := sm.OnRow(b)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "mock", out[0].Source)
}

func TestStateMachine_Pending(t *testing.T) {
	sm := NewStateMachine(fixedClock())
	assert.Nil(t, sm.Pending())
	_, err := sm.OnRow(testBar(t, "2025-09-17 09:31:00", 2.5))
	require.NoError(t, err)
	p := sm.Pending()
	require.NotNil(t, p)
	assert.Equal(t, "2025-09-17T09:31:00+08:00", p.BarEndTS)
}
