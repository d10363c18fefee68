// SPDX-License-Identifier: MIT

// Package engine holds the per-key bar state machines and the subscription
// engine that feeds them.
package engine

import (
	"errors"
	"time"

	"github.com/quantadv/xtbridge/internal/bar"
)

// ErrOutOfOrder marks a row older than the current bar that is not simply a
// replay of an already published one. The row is dropped either way; this
// variant is worth a log line.
var ErrOutOfOrder = errors.New("out-of-order row")

const defaultSource = "qmt"

// StateMachine reconciles the raw update stream of a single (code, period)
// into an ordered sequence of forming and closed bars.
//
// Closure is derived from timestamp advancement: a bar is closed when a
// strictly later end timestamp arrives for the key. The vendor closed flag
// is ignored; it is inconsistent across sites and products.
//
// The machine is mode-agnostic: it always emits forming updates, and the
// dispatcher applies close_only gating downstream. It is not safe for
// concurrent use; the engine serializes access.
type StateMachine struct {
	current       *bar.Bar
	currentEnd    time.Time
	lastPublished time.Time
	now           func() time.Time
}

// NewStateMachine returns a machine stamping recv_ts from now.
func NewStateMachine(now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{now: now}
}

// LastPublished is the high-water mark of emitted closed bars. Zero until
// the first close.
func (s *StateMachine) LastPublished() time.Time { return s.lastPublished }

// OnRow applies one normalized row and returns the bars to emit, in order.
// A nil slice with nil error is a silent drop (replay below the published
// watermark); ErrOutOfOrder is a drop worth logging.
func (s *StateMachine) OnRow(b *bar.Bar) ([]*bar.Bar, error) {
	if b == nil || b.EndTime.IsZero() {
		return nil, bar.ErrUnparseable
	}

	if s.current == nil {
		s.current = b
		s.currentEnd = b.EndTime
		return []*bar.Bar{s.forming(b)}, nil
	}

	switch {
	case b.EndTime.Before(s.currentEnd):
		if !s.lastPublished.IsZero() && !b.EndTime.After(s.lastPublished) {
			return nil, nil
		}
		return nil, ErrOutOfOrder

	case b.EndTime.Equal(s.currentEnd):
		// Later update for the same bar wins.
		s.current = b
		return []*bar.Bar{s.forming(b)}, nil

	default:
		closed := s.stamp(s.current.Clone())
		closed.IsClosed = true
		s.lastPublished = s.currentEnd
		s.current = b
		s.currentEnd = b.EndTime
		return []*bar.Bar{closed, s.forming(b)}, nil
	}
}

// Pending returns a copy of the bar currently being formed, or nil. The
// machine never closes the final bar of a stream itself; a strictly later
// end timestamp is the only close trigger.
func (s *StateMachine) Pending() *bar.Bar {
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

func (s *StateMachine) forming(b *bar.Bar) *bar.Bar {
	out := s.stamp(b.Clone())
	out.IsClosed = false
	return out
}

func (s *StateMachine) stamp(b *bar.Bar) *bar.Bar {
	if b.Source == "" {
		b.Source = defaultSource
	}
	b.RecvTS = bar.FormatTS(s.now())
	return b
}
