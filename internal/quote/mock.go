// SPDX-License-Identifier: MIT

package quote

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/bar"
)

// Mock is a synthetic bar feeder for demos and tests. Each subscribed key
// gets a goroutine that walks a price and delivers one row per tick, with
// the row timestamp aligned to the period boundary so downstream sees a
// realistic forming/close cadence.
type Mock struct {
	interval   time.Duration
	startPrice float64
	log        zerolog.Logger

	mu   sync.Mutex
	subs map[mockKey]context.CancelFunc
	wg   sync.WaitGroup
}

type mockKey struct {
	code   string
	period bar.Period
}

// NewMock returns a feeder ticking every interval.
func NewMock(interval time.Duration, startPrice float64, log zerolog.Logger) *Mock {
	if interval <= 0 {
		interval = time.Second
	}
	if startPrice <= 0 {
		startPrice = 2.5
	}
	return &Mock{
		interval:   interval,
		startPrice: startPrice,
		log:        log,
		subs:       make(map[mockKey]context.CancelFunc),
	}
}

func (m *Mock) Preload(context.Context, []string, []bar.Period, int) error { return nil }

func (m *Mock) Subscribe(ctx context.Context, code string, period bar.Period, cb BatchFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey{code, period}
	if _, ok := m.subs[key]; ok {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.subs[key] = cancel
	m.wg.Add(1)
	go m.feed(runCtx, code, period, cb)
	m.log.Debug().Str("code", code).Str("period", string(period)).Msg("mock subscription started")
	return nil
}

func (m *Mock) Unsubscribe(_ context.Context, code string, period bar.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey{code, period}
	if cancel, ok := m.subs[key]; ok {
		cancel()
		delete(m.subs, key)
	}
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	for key, cancel := range m.subs {
		cancel()
		delete(m.subs, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Mock) feed(ctx context.Context, code string, period bar.Period, cb BatchFunc) {
	defer m.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	price := m.startPrice
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			price *= 1 + (rng.Float64()-0.5)*0.002
			end := now.Truncate(period.Length()).Add(period.Length())
			row := bar.Raw{
				"time":   end.Unix(),
				"open":   price * 0.999,
				"high":   price * 1.001,
				"low":    price * 0.998,
				"close":  price,
				"volume": float64(rng.Intn(100000)),
				"amount": price * float64(rng.Intn(100000)),
				"source": "mock",
			}
			cb(period, map[string][]bar.Raw{code: {row}})
		}
	}
}
