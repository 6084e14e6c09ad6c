package symbol

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"BTCUSDT", "BTCUSDT", true},
		{"btc-usdt-swap", "BTCUSDT", true},
		{" ETH_USDT ", "ETHUSDT", true},
		{"SOL/USDT", "SOLUSDT", true},
		{"XBTUSDTM", "BTCUSDT", true},
		{"ETHUSDTM", "ETHUSDT", true},
		{"ETHUSDT_PERP", "ETHUSDT", true},
		{"DOGEUSDC", "", false},
		{"BTCUSD", "", false},
		{"XUSDT", "", false},
		{"USDT", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		got, ok := Normalize(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Normalize(%q) = (%q,%v), 期望 (%q,%v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range []string{"btc-usdt-swap", "XBTUSDTM", "1000PEPE_USDT", "eth/usdt"} {
		once, ok := Normalize(raw)
		if !ok {
			t.Fatalf("%q 应可规范化", raw)
		}
		twice, ok := Normalize(once)
		if !ok || twice != once {
			t.Fatalf("规范化应幂等: %q -> %q -> %q", raw, once, twice)
		}
	}
}

func TestVenueFormats(t *testing.T) {
	if got := OKXInstrument("BTCUSDT"); got != "BTC-USDT-SWAP" {
		t.Fatalf("OKX 合约名不正确: %s", got)
	}
	if got := Base("ETHUSDT"); got != "ETH" {
		t.Fatalf("基础币种不正确: %s", got)
	}
}
