// Package model defines the core data types shared across the signal
// service: candles, timeframes, symbol aliasing, model artifacts and
// inference results.
package model

import (
	"strconv"
	"strings"
)

// Candle is one OHLCV bar. TS is the bar start time in UTC epoch
// milliseconds; bar width equals the timeframe in minutes times 60_000.
type Candle struct {
	TS     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CanonicalIntervals lists the timeframes the service operates on, in
// minutes. 15 is the base timeframe; the rest are its higher timeframes.
var CanonicalIntervals = []int{15, 60, 240, 1440}

// HigherIntervals returns the higher timeframes for the base 15m, coarsest last.
func HigherIntervals() []int { return []int{60, 240, 1440} }

// ParseInterval resolves an interval string ("15", "60", "240", "1440",
// optionally suffixed "15m"/"1h"/"4h"/"1d") to canonical minutes.
func ParseInterval(s string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "15", "15m":
		return 15, true
	case "60", "1h", "60m":
		return 60, true
	case "240", "4h":
		return 240, true
	case "1440", "1d", "d":
		return 1440, true
	}
	return 0, false
}

// IntervalMillis returns the bar width in milliseconds for a timeframe in minutes.
func IntervalMillis(minutes int) int64 {
	return int64(minutes) * 60_000
}

// IntervalKey renders a timeframe in minutes as its canonical string form.
func IntervalKey(minutes int) string { return strconv.Itoa(minutes) }

// symbolAliases maps delisted or renamed tickers to their exchange-canonical
// form. Lookups are on the uppercased, whitespace-stripped input.
var symbolAliases = map[string]string{
	"MATICUSDT": "POLUSDT",
	"XBTUSDT":   "BTCUSDT",
	"BCCUSDT":   "BCHUSDT",
}

// NormalizeSymbol uppercases the requested ticker, strips whitespace and
// applies the alias table. Unknown symbols pass through unchanged.
func NormalizeSymbol(s string) string {
	up := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	if alias, ok := symbolAliases[up]; ok {
		return alias
	}
	return up
}
