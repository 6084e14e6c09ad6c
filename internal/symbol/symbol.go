// Package symbol canonicalises venue-specific perpetual contract names to BASEUSDT.
package symbol

import "strings"

const quote = "USDT"

var separators = strings.NewReplacer("-", "", "_", "", "/", "")

// Normalize maps a raw exchange symbol to BASEUSDT form.
// The boolean is false when the symbol is not a USDT-margined contract.
func Normalize(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = separators.Replace(s)
	s = strings.TrimSuffix(s, "PERP")
	s = strings.TrimSuffix(s, "SWAP")

	if strings.HasPrefix(s, "XBT") {
		s = "BTC" + strings.TrimPrefix(s, "XBT")
	}
	if strings.HasSuffix(s, "USDTM") {
		s = strings.TrimSuffix(s, "M")
	}

	if !strings.HasSuffix(s, quote) || len(s)-len(quote) < 2 {
		return "", false
	}
	return s, true
}

// Base returns the base asset of a normalized symbol.
func Base(normalized string) string {
	return strings.TrimSuffix(normalized, quote)
}

// OKXInstrument formats BTCUSDT as BTC-USDT-SWAP.
func OKXInstrument(normalized string) string {
	return Base(normalized) + "-" + quote + "-SWAP"
}
