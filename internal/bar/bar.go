// SPDX-License-Identifier: MIT

// Package bar defines the canonical wide-record bar and the normalization of
// raw vendor rows into it.
package bar

import (
	"errors"
	"fmt"
	"time"
)

// CNTime is the exchange timezone. Every timestamp on the wire carries a
// literal +08:00 offset.
var CNTime = time.FixedZone("CST", 8*3600)

// ErrUnparseable marks raw rows that cannot be normalized; callers drop the
// row without mutating state.
var ErrUnparseable = errors.New("unparseable row")

// Period is a bar aggregation period.
type Period string

const (
	Period1m Period = "1m"
	Period1h Period = "1h"
	Period1d Period = "1d"
)

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case Period1m, Period1h, Period1d:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Length returns the period duration.
func (p Period) Length() time.Duration {
	switch p {
	case Period1m:
		return time.Minute
	case Period1h:
		return time.Hour
	case Period1d:
		return 24 * time.Hour
	}
	return 0
}

// Bar is the canonical wide record published on the fanout topic.
type Bar struct {
	Code            string   `json:"code"`
	Period          Period   `json:"period"`
	BarOpenTS       string   `json:"bar_open_ts"`
	BarEndTS        string   `json:"bar_end_ts"`
	IsClosed        bool     `json:"is_closed"`
	Open            *float64 `json:"open"`
	High            *float64 `json:"high"`
	Low             *float64 `json:"low"`
	Close           *float64 `json:"close"`
	Volume          float64  `json:"volume"`
	Amount          float64  `json:"amount"`
	PreClose        *float64 `json:"pre_close,omitempty"`
	SuspendFlag     *bool    `json:"suspend_flag,omitempty"`
	OpenInterest    *float64 `json:"open_interest,omitempty"`
	SettlementPrice *float64 `json:"settlement_price,omitempty"`
	DividendType    string   `json:"dividend_type,omitempty"`
	Source          string   `json:"source"`
	RecvTS          string   `json:"recv_ts"`

	// EndTime is the parsed BarEndTS, kept for ordering and lateness checks.
	// Not serialized.
	EndTime time.Time `json:"-"`
}

// Clone returns a shallow copy with independent pointer fields.
func (b *Bar) Clone() *Bar {
	c := *b
	c.Open = cloneF(b.Open)
	c.High = cloneF(b.High)
	c.Low = cloneF(b.Low)
	c.Close = cloneF(b.Close)
	c.PreClose = cloneF(b.PreClose)
	c.OpenInterest = cloneF(b.OpenInterest)
	c.SettlementPrice = cloneF(b.SettlementPrice)
	if b.SuspendFlag != nil {
		v := *b.SuspendFlag
		c.SuspendFlag = &v
	}
	return &c
}

func cloneF(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// FormatTS renders t in the exchange timezone as ISO-8601 with explicit
// +08:00 offset.
func FormatTS(t time.Time) string {
	return t.In(CNTime).Format("2006-01-02T15:04:05-07:00")
}
