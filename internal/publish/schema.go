// SPDX-License-Identifier: MIT

// Package publish validates outbound bars against the wire contract and
// fans them out on the bus topic.
package publish

import (
	"strings"

	"github.com/quantadv/xtbridge/internal/bar"
)

// ValidateBar checks the minimal wire contract for an outbound bar:
// required fields present, close_only bars actually closed, and the end
// timestamp an ISO-8601 string with a literal +08:00 offset.
// Returns ok plus a drop reason when not ok.
func ValidateBar(b *bar.Bar, closeOnly bool) (bool, string) {
	if b == nil {
		return false, "nil payload"
	}
	if b.Code == "" {
		return false, "missing code"
	}
	if b.Period == "" {
		return false, "missing period"
	}
	if b.BarEndTS == "" {
		return false, "missing bar_end_ts"
	}
	if b.Open == nil || b.High == nil || b.Low == nil || b.Close == nil {
		return false, "missing ohlc field"
	}
	if closeOnly && !b.IsClosed {
		return false, "close_only requires is_closed=true"
	}
	if !isPlus8(b.BarEndTS) {
		return false, "bar_end_ts must carry +08:00"
	}
	return true, ""
}

func isPlus8(ts string) bool {
	return strings.HasSuffix(ts, "+08:00") &&
		(strings.Contains(ts, "T") || strings.Contains(ts, " "))
}
