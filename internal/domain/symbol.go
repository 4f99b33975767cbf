package domain

import "strings"

// NormalizeSymbol converts exchange-style symbol spellings into the compact
// uppercase form used by the futures REST APIs, e.g. "btc/usdt:USDT" and
// "BTC/USDT" both become "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "/", "")
	// "BTCUSDT:USDT" style inputs can collapse to a doubled quote suffix.
	if strings.HasSuffix(s, "USDTUSDT") {
		s = strings.TrimSuffix(s, "USDT")
	}
	return s
}
