// SPDX-License-Identifier: MIT

// Package quote abstracts the vendor quote library: history preload,
// realtime subscribe/unsubscribe, and delivery of raw bar batches.
package quote

import (
	"context"
	"errors"

	"github.com/quantadv/xtbridge/internal/bar"
)

var (
	// ErrUnavailable means the adapter cannot reach its backing vendor at
	// all; startup aborts on it.
	ErrUnavailable = errors.New("vendor unavailable")
	// ErrVendor is a transient vendor call failure.
	ErrVendor = errors.New("vendor error")
	// ErrPreload means a history download exhausted its retries.
	ErrPreload = errors.New("preload failed")
)

// BatchFunc receives one raw vendor callback. A single invocation may carry
// rows for multiple symbols of the same period.
type BatchFunc func(period bar.Period, rows map[string][]bar.Raw)

// Source is the vendor capability consumed by the subscription engine.
type Source interface {
	// Preload downloads history for the given codes and periods so the
	// vendor-side cache is warm before realtime activation. Idempotent.
	Preload(ctx context.Context, codes []string, periods []bar.Period, days int) error
	// Subscribe registers a realtime callback for one (code, period).
	Subscribe(ctx context.Context, code string, period bar.Period, cb BatchFunc) error
	// Unsubscribe tears down the (code, period) registration. Unknown keys
	// are ignored.
	Unsubscribe(ctx context.Context, code string, period bar.Period) error
	Close() error
}

// Noop is a Source with no event stream. Used when qmt.mode is "none" and
// the mock feeder is disabled; the control plane and health loop still run.
type Noop struct{}

func (Noop) Preload(context.Context, []string, []bar.Period, int) error { return nil }

func (Noop) Subscribe(context.Context, string, bar.Period, BatchFunc) error { return nil }

func (Noop) Unsubscribe(context.Context, string, bar.Period) error { return nil }

func (Noop) Close() error { return nil }
