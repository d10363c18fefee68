// SPDX-License-Identifier: MIT

package bar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Raw is a single vendor row. Field names vary across vendor sites and
// products; alias resolution happens here, once, at ingress.
type Raw map[string]any

var (
	timeAliases       = []string{"time", "Time", "datetime", "bar_time"}
	closedAliases     = []string{"isClose", "isClosed", "closed"}
	settlementAliases = []string{"settlementPrice", "settelementPrice"}
)

// Normalize converts a raw vendor row into a canonical bar for the given
// key. Code and period are written by the caller's subscription key, never
// trusted from the row. Returns ErrUnparseable when the time field is
// missing or malformed.
func Normalize(code string, period Period, row Raw) (*Bar, error) {
	var rawTime any
	for _, k := range timeAliases {
		if v, ok := row[k]; ok {
			rawTime = v
			break
		}
	}
	if rawTime == nil {
		return nil, fmt.Errorf("%w: no time field", ErrUnparseable)
	}
	end, err := ParseBarEnd(rawTime)
	if err != nil {
		return nil, err
	}
	open := end.Add(-period.Length())

	b := &Bar{
		Code:         code,
		Period:       period,
		BarOpenTS:    FormatTS(open),
		BarEndTS:     FormatTS(end),
		EndTime:      end,
		Open:         numField(row, "open", "Open"),
		High:         numField(row, "high", "High"),
		Low:          numField(row, "low", "Low"),
		Close:        numField(row, "close", "Close"),
		DividendType: strField(row, "dividend_type", "none"),
		Source:       strField(row, "source", ""),
	}
	if v := numField(row, "volume", "Volume"); v != nil {
		b.Volume = *v
	}
	if v := numField(row, "amount", "Amount"); v != nil {
		b.Amount = *v
	}
	b.PreClose = numField(row, "preClose", "pre_close")
	b.OpenInterest = numField(row, "openInterest", "open_interest")
	for _, k := range settlementAliases {
		if b.SettlementPrice = numField(row, k); b.SettlementPrice != nil {
			break
		}
	}
	if v, ok := boolField(row, "suspendFlag", "suspend_flag"); ok {
		b.SuspendFlag = &v
	}
	// The vendor closed flag is recorded but not trusted; closure is derived
	// from timestamp advancement in the state machine.
	for _, k := range closedAliases {
		if v, ok := boolField(row, k); ok {
			b.IsClosed = v
			break
		}
	}
	return b, nil
}

// ParseBarEnd converts any of the observed vendor time shapes into an
// instant in the exchange timezone:
//
//	integer epoch seconds or milliseconds (ms when >= 1e12)
//	14-digit YYYYMMDDhhmmss, 8-digit YYYYMMDD (midnight +08:00)
//	"YYYY-MM-DD HH:MM:SS" assumed +08:00
//	ISO-8601 with Z or numeric offset
func ParseBarEnd(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.In(CNTime), nil
	case int:
		return parseEpochOrDigits(float64(t))
	case int64:
		return parseEpochOrDigits(float64(t))
	case float64:
		return parseEpochOrDigits(t)
	case string:
		return parseTimeString(strings.TrimSpace(t))
	}
	return time.Time{}, fmt.Errorf("%w: time of type %T", ErrUnparseable, v)
}

func parseEpochOrDigits(f float64) (time.Time, error) {
	if f >= 1e12 {
		ms := int64(f)
		return time.UnixMilli(ms).In(CNTime), nil
	}
	if f >= 1e9 {
		return time.Unix(int64(f), 0).In(CNTime), nil
	}
	// Small integers are calendar digits (e.g. 20250917 for a daily bar).
	return parseTimeString(strconv.FormatInt(int64(f), 10))
}

func parseTimeString(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrUnparseable)
	}
	if isDigits(s) {
		switch len(s) {
		case 14:
			if t, err := time.ParseInLocation("20060102150405", s, CNTime); err == nil {
				return t, nil
			}
		case 8:
			if t, err := time.ParseInLocation("20060102", s, CNTime); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: digit time %q", ErrUnparseable, s)
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, CNTime); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(CNTime), nil
	}
	return time.Time{}, fmt.Errorf("%w: time %q", ErrUnparseable, s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func numField(row Raw, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			f := t
			return &f
		case float32:
			f := float64(t)
			return &f
		case int:
			f := float64(t)
			return &f
		case int64:
			f := float64(t)
			return &f
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func strField(row Raw, key, def string) string {
	if v, ok := row[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func boolField(row Raw, keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := row[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case float64:
			return t != 0, true
		case int:
			return t != 0, true
		case string:
			switch strings.ToLower(t) {
			case "true", "1":
				return true, true
			case "false", "0":
				return false, true
			}
		}
	}
	return false, false
}
