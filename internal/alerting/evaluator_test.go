package alerting

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-alerts/internal/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTriggeredInclusive(t *testing.T) {
	cases := []struct {
		dir       storage.Direction
		rate, thr string
		want      bool
	}{
		{storage.DirectionAbove, "0.05", "0.05", true},
		{storage.DirectionAbove, "0.0499", "0.05", false},
		{storage.DirectionAbove, "0.06", "0.05", true},
		{storage.DirectionBelow, "-0.01", "-0.01", true},
		{storage.DirectionBelow, "-0.0099", "-0.01", false},
		{storage.DirectionBelow, "-0.02", "-0.01", true},
		{storage.Direction("absoluteAbove"), "1", "0", false},
	}
	for _, tc := range cases {
		if got := Triggered(tc.dir, d(tc.rate), d(tc.thr)); got != tc.want {
			t.Fatalf("Triggered(%s, %s, %s) = %v, 期望 %v", tc.dir, tc.rate, tc.thr, got, tc.want)
		}
	}
}

func TestCooldownWindow(t *testing.T) {
	fired := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rule := storage.AlertRule{
		ID: "r1", Exchange: "okx", Symbol: "BTCUSDT",
		Direction: storage.DirectionAbove, ThresholdPct: d("0.01"),
		LastFiredAt: &fired,
	}

	cases := []struct {
		elapsed time.Duration
		state   State
		fire    bool
	}{
		{0, StateCoolingDown, false},
		{5 * time.Minute, StateCoolingDown, false},
		{31 * time.Minute, StateArmed, true},
	}
	for _, tc := range cases {
		now := fired.Add(tc.elapsed)
		eval := Evaluator{Cooldown: 30 * time.Minute, Now: func() time.Time { return now }}
		if got := eval.State(rule.LastFiredAt); got != tc.state {
			t.Fatalf("经过 %s 状态应为 %s, 实际 %s", tc.elapsed, tc.state, got)
		}
		decision := eval.Evaluate(rule, d("0.02"), true)
		if decision.Fire != tc.fire {
			t.Fatalf("经过 %s Fire 应为 %v, 实际 %+v", tc.elapsed, tc.fire, decision)
		}
	}
}

func TestEvaluateOrder(t *testing.T) {
	eval := NewEvaluator(time.Minute)

	invalid := storage.AlertRule{Exchange: "okx", Symbol: "BTCUSDT", Direction: storage.DirectionAbove, Invalid: "threshold is not a number"}
	if dec := eval.Evaluate(invalid, d("1"), true); dec.Fire || !strings.HasPrefix(dec.Reason, ReasonInvalidRule) {
		t.Fatalf("非法规则应跳过: %+v", dec)
	}

	rule := storage.AlertRule{Exchange: "okx", Symbol: "BTCUSDT", Direction: storage.DirectionAbove, ThresholdPct: d("0.05")}
	if dec := eval.Evaluate(rule, decimal.Decimal{}, false); dec.Fire || dec.Reason != ReasonNoRate {
		t.Fatalf("缺少费率应跳过: %+v", dec)
	}
	if dec := eval.Evaluate(rule, d("0.01"), true); dec.Fire || dec.Reason != ReasonNotTriggered {
		t.Fatalf("未达阈值应跳过: %+v", dec)
	}
	if dec := eval.Evaluate(rule, d("0.05"), true); !dec.Fire {
		t.Fatalf("等于阈值应触发: %+v", dec)
	}
}
