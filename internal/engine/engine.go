// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/quantadv/xtbridge/internal/bar"
	"github.com/quantadv/xtbridge/internal/metrics"
	"github.com/quantadv/xtbridge/internal/quote"
)

// Mode selects which emissions reach the publisher.
type Mode string

const (
	ModeCloseOnly       Mode = "close_only"
	ModeFormingAndClose Mode = "forming_and_close"
)

// DefaultDedupSize bounds the emission fingerprint cache.
const DefaultDedupSize = 50000

// Key identifies one bar stream.
type Key struct {
	Code   string
	Period bar.Period
}

// Publisher consumes emitted canonical bars.
type Publisher interface {
	Publish(ctx context.Context, b *bar.Bar) error
}

// KeyStatus is one entry of a status snapshot.
type KeyStatus struct {
	Code          string `json:"code"`
	Period        string `json:"period"`
	LastPublished string `json:"last_published,omitempty"`
}

type fingerprint struct {
	code   string
	period bar.Period
	endTS  string
}

// Engine owns the active subscription set, the per-key state machines and
// the dedup cache. Vendor callbacks may arrive concurrently; all engine
// state is guarded by one mutex, and publishing happens outside it.
type Engine struct {
	src  quote.Source
	pub  Publisher
	mode Mode
	met  *metrics.Metrics
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	keys    map[Key]struct{}
	states  map[Key]*StateMachine
	dedup   *lru.Cache[fingerprint, struct{}]
	lastPub map[Key]time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the wall clock used for recv_ts and last-publish times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDedupSize overrides the fingerprint cache capacity.
func WithDedupSize(n int) Option {
	return func(e *Engine) {
		if c, err := lru.New[fingerprint, struct{}](n); err == nil {
			e.dedup = c
		}
	}
}

// New builds an engine in the given mode.
func New(src quote.Source, pub Publisher, mode Mode, met *metrics.Metrics, log zerolog.Logger, opts ...Option) *Engine {
	dedup, _ := lru.New[fingerprint, struct{}](DefaultDedupSize)
	e := &Engine{
		src:     src,
		pub:     pub,
		mode:    mode,
		met:     met,
		log:     log,
		now:     time.Now,
		keys:    make(map[Key]struct{}),
		states:  make(map[Key]*StateMachine),
		dedup:   dedup,
		lastPub: make(map[Key]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add activates subscriptions for the cross product of codes and periods.
// History preload runs synchronously before any key is registered with the
// vendor, so no raw event can arrive for a key before its preload returned.
// Keys already active are skipped.
func (e *Engine) Add(ctx context.Context, codes, periods []string, preloadDays int) error {
	parsed := make([]bar.Period, 0, len(periods))
	for _, p := range periods {
		pp, err := bar.ParsePeriod(p)
		if err != nil {
			return fmt.Errorf("add subscription: %w", err)
		}
		parsed = append(parsed, pp)
	}

	// Reserve the new keys under the mutex so a concurrent Add for the same
	// key sees them as active and skips them; the reservation is released if
	// preload or vendor registration fails.
	newKeys := make([]Key, 0, len(codes)*len(parsed))
	e.mu.Lock()
	for _, code := range codes {
		for _, p := range parsed {
			k := Key{Code: code, Period: p}
			if _, ok := e.keys[k]; !ok {
				e.keys[k] = struct{}{}
				newKeys = append(newKeys, k)
			}
		}
	}
	e.mu.Unlock()
	if len(newKeys) == 0 {
		return nil
	}

	newCodes, newPeriods := collect(newKeys)
	if preloadDays > 0 {
		if err := e.src.Preload(ctx, newCodes, newPeriods, preloadDays); err != nil {
			e.release(newKeys)
			return err
		}
	}

	for i, k := range newKeys {
		if err := e.src.Subscribe(ctx, k.Code, k.Period, e.onBatch); err != nil {
			e.release(newKeys[i:])
			return fmt.Errorf("%w: subscribe %s/%s: %v", quote.ErrVendor, k.Code, k.Period, err)
		}
		e.log.Info().Str("code", k.Code).Str("period", string(k.Period)).Msg("subscription active")
	}
	return nil
}

func (e *Engine) release(keys []Key) {
	e.mu.Lock()
	for _, k := range keys {
		delete(e.keys, k)
	}
	e.mu.Unlock()
}

// Remove deactivates the cross product of codes and periods. Unknown keys
// are silently ignored.
func (e *Engine) Remove(ctx context.Context, codes, periods []string) error {
	for _, code := range codes {
		for _, p := range periods {
			pp, err := bar.ParsePeriod(p)
			if err != nil {
				continue
			}
			k := Key{Code: code, Period: pp}
			e.mu.Lock()
			_, active := e.keys[k]
			if active {
				delete(e.keys, k)
				delete(e.states, k)
				delete(e.lastPub, k)
			}
			e.mu.Unlock()
			if active {
				if err := e.src.Unsubscribe(ctx, code, pp); err != nil {
					e.log.Warn().Err(err).Str("code", code).Str("period", p).Msg("vendor unsubscribe failed")
				}
				e.log.Info().Str("code", code).Str("period", p).Msg("subscription removed")
			}
		}
	}
	return nil
}

// Status snapshots the active keys, sorted by code then period, with the
// wall-clock time of each key's last successful publish.
func (e *Engine) Status() []KeyStatus {
	e.mu.Lock()
	out := make([]KeyStatus, 0, len(e.keys))
	for k := range e.keys {
		st := KeyStatus{Code: k.Code, Period: string(k.Period)}
		if t, ok := e.lastPub[k]; ok {
			st.LastPublished = bar.FormatTS(t)
		}
		out = append(out, st)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Period < out[j].Period
	})
	return out
}

// Stop unregisters every vendor subscription.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	keys := make([]Key, 0, len(e.keys))
	for k := range e.keys {
		keys = append(keys, k)
		delete(e.keys, k)
		delete(e.states, k)
		delete(e.lastPub, k)
	}
	e.mu.Unlock()
	for _, k := range keys {
		if err := e.src.Unsubscribe(ctx, k.Code, k.Period); err != nil {
			e.log.Warn().Err(err).Str("code", k.Code).Str("period", string(k.Period)).Msg("vendor unsubscribe failed")
		}
	}
}

// onBatch is the vendor callback. One invocation may bundle several symbols
// of one period; rows are normalized, sorted by end timestamp, fed through
// the key's state machine, gated by mode, deduplicated, and published.
func (e *Engine) onBatch(period bar.Period, rows map[string][]bar.Raw) {
	for code, rawRows := range rows {
		key := Key{Code: code, Period: period}

		pending := make([]*bar.Bar, 0, len(rawRows))
		for _, row := range rawRows {
			b, err := bar.Normalize(code, period, row)
			if err != nil {
				e.met.IncParseDrop()
				e.log.Debug().Err(err).Str("code", code).Str("period", string(period)).Msg("row dropped")
				continue
			}
			pending = append(pending, b)
		}
		if len(pending) == 0 {
			continue
		}
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].EndTime.Before(pending[j].EndTime)
		})

		toPublish := e.reconcile(key, pending)
		e.publish(key, toPublish)
	}
}

// reconcile runs the state machine and dedup under the engine mutex and
// returns the bars to publish. No I/O happens while the lock is held.
func (e *Engine) reconcile(key Key, pending []*bar.Bar) []*bar.Bar {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, active := e.keys[key]; !active {
		return nil
	}
	sm, ok := e.states[key]
	if !ok {
		sm = NewStateMachine(e.now)
		e.states[key] = sm
	}

	var out []*bar.Bar
	for _, b := range pending {
		emitted, err := sm.OnRow(b)
		if err != nil {
			if errors.Is(err, ErrOutOfOrder) {
				e.met.IncOutOfOrder()
				e.log.Warn().Str("code", key.Code).Str("period", string(key.Period)).
					Str("bar_end_ts", b.BarEndTS).Msg("out-of-order row dropped")
			}
			continue
		}
		for _, em := range emitted {
			if e.mode == ModeCloseOnly && !em.IsClosed {
				continue
			}
			// Only closed bars are deduplicated. Forming updates for the
			// same bar_end_ts legitimately repeat as the payload changes
			// and always pass through.
			if em.IsClosed {
				fp := fingerprint{code: em.Code, period: em.Period, endTS: em.BarEndTS}
				if _, dup := e.dedup.Get(fp); dup {
					e.met.IncDedupHit()
					continue
				}
				e.dedup.Add(fp, struct{}{})
			}
			out = append(out, em)
		}
	}
	return out
}

func (e *Engine) publish(key Key, bars []*bar.Bar) {
	for _, b := range bars {
		if err := e.pub.Publish(context.Background(), b); err != nil {
			// One lost bar must not kill the stream.
			e.log.Error().Err(err).Str("code", b.Code).Str("bar_end_ts", b.BarEndTS).Msg("publish failed")
			continue
		}
		e.mu.Lock()
		e.lastPub[key] = e.now()
		e.mu.Unlock()
	}
}

func collect(keys []Key) ([]string, []bar.Period) {
	codeSet := make(map[string]struct{})
	periodSet := make(map[bar.Period]struct{})
	var codes []string
	var periods []bar.Period
	for _, k := range keys {
		if _, ok := codeSet[k.Code]; !ok {
			codeSet[k.Code] = struct{}{}
			codes = append(codes, k.Code)
		}
		if _, ok := periodSet[k.Period]; !ok {
			periodSet[k.Period] = struct{}{}
			periods = append(periods, k.Period)
		}
	}
	return codes, periods
}
