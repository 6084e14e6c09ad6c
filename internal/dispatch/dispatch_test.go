package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/alerting"
	"funding-alerts/internal/storage"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []alerting.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg alerting.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

// extraRules appends stored rows that never passed CreateAlert validation.
type extraRules struct {
	storage.AlertStore
	extra []storage.AlertRule
}

func (e extraRules) ListEnabledAlerts(ctx context.Context) ([]storage.AlertRule, error) {
	rules, err := e.AlertStore.ListEnabledAlerts(ctx)
	if err != nil {
		return nil, err
	}
	return append(rules, e.extra...), nil
}

// failingSamples fails lookups for one symbol and delegates the rest.
type failingSamples struct {
	storage.SampleStore
	symbol string
}

func (f failingSamples) LatestSample(ctx context.Context, exchange, symbol string) (*storage.RateSample, error) {
	if symbol == f.symbol {
		return nil, errors.New("connection reset")
	}
	return f.SampleStore.LatestSample(ctx, exchange, symbol)
}

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *storage.MemoryStore, sym string, rate string, direction storage.Direction, threshold string) storage.AlertRule {
	t.Helper()
	rule, err := store.CreateAlert(context.Background(), storage.AlertRule{
		UserID:       "u1",
		Exchange:     "binance",
		Symbol:       sym,
		Direction:    direction,
		ThresholdPct: decimal.RequireFromString(threshold),
	})
	if err != nil {
		t.Fatalf("创建告警失败: %v", err)
	}
	if rate != "" {
		if err := store.AppendSample(context.Background(), storage.RateSample{
			Exchange: "binance", Symbol: rule.Symbol,
			RatePct: decimal.RequireFromString(rate), ObservedAt: base.Add(-time.Minute),
		}); err != nil {
			t.Fatalf("写入样本失败: %v", err)
		}
	}
	return rule
}

func newStore() *storage.MemoryStore {
	clock := base
	store := storage.NewMemoryStore().WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	_ = store.PutUser(context.Background(), "u1", "owner@example.com")
	return store
}

func newDispatcher(alerts storage.AlertStore, samples storage.SampleStore, mailer alerting.Mailer, concurrency int) *Dispatcher {
	d := New(alerts, samples, mailer, nil, Options{
		Cooldown:    30 * time.Minute,
		From:        "alerts@example.com",
		BaseURL:     "https://funding.example.com",
		Concurrency: concurrency,
	}, zerolog.Nop())
	d.Now = func() time.Time { return base }
	return d
}

func byID(res Result) map[string]Outcome {
	out := make(map[string]Outcome, len(res.Outcomes))
	for _, o := range res.Outcomes {
		out[o.ID] = o
	}
	return out
}

func TestDispatchIsolatesFailingRule(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		store := newStore()
		r1 := seed(t, store, "BTCUSDT", "0.02", storage.DirectionAbove, "0.01")
		r2 := seed(t, store, "ETHUSDT", "0.02", storage.DirectionAbove, "0.01")
		r3 := seed(t, store, "SOLUSDT", "-0.05", storage.DirectionBelow, "-0.01")

		mailer := &fakeMailer{}
		d := newDispatcher(store, failingSamples{SampleStore: store, symbol: "ETHUSDT"}, mailer, concurrency)

		res, err := d.Dispatch(context.Background(), false)
		if err != nil {
			t.Fatalf("Dispatch 不应返回错误: %v", err)
		}
		if res.Summary != (Summary{Total: 3, Fired: 2, Errored: 1}) {
			t.Fatalf("汇总不正确 (concurrency=%d): %+v", concurrency, res.Summary)
		}
		got := byID(res)
		if got[r1.ID].Action != ActionFired || got[r3.ID].Action != ActionFired {
			t.Fatalf("rule1/rule3 应触发: %+v", res.Outcomes)
		}
		if got[r2.ID].Action != ActionErrored || got[r2.ID].Reason == "" {
			t.Fatalf("rule2 应为 errored: %+v", got[r2.ID])
		}
		if len(mailer.sent) != 2 {
			t.Fatalf("应发送 2 封邮件, 实际 %d", len(mailer.sent))
		}

		rules, _ := store.ListAlertsByUser(context.Background(), "u1")
		for _, r := range rules {
			if r.ID == r2.ID {
				if r.LastFiredAt != nil {
					t.Fatal("errored 规则不应更新 lastFiredAt")
				}
				continue
			}
			if r.LastFiredAt == nil || !r.LastFiredAt.Equal(base) {
				t.Fatalf("触发规则应记录 lastFiredAt: %+v", r)
			}
		}
	}
}

func TestDispatchDryRunDoesNotMutate(t *testing.T) {
	store := newStore()
	rule := seed(t, store, "BTCUSDT", "0.05", storage.DirectionAbove, "0.05")

	d := newDispatcher(store, store, nil, 1)
	res, err := d.Dispatch(context.Background(), true)
	if err != nil {
		t.Fatalf("dry run 不需要邮件配置: %v", err)
	}
	if !res.DryRun || res.Outcomes[0].Action != ActionFiredDryRun {
		t.Fatalf("应为 fired(dryRun): %+v", res)
	}
	if res.Outcomes[0].Rate == nil || !res.Outcomes[0].Rate.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("应返回当前费率: %+v", res.Outcomes[0])
	}

	rules, _ := store.ListAlertsByUser(context.Background(), "u1")
	if rules[0].ID != rule.ID || rules[0].LastFiredAt != nil {
		t.Fatal("dry run 不应修改规则")
	}
}

func TestDispatchCooldown(t *testing.T) {
	store := newStore()
	seed(t, store, "BTCUSDT", "0.02", storage.DirectionAbove, "0.01")
	mailer := &fakeMailer{}
	d := newDispatcher(store, store, mailer, 1)

	if res, _ := d.Dispatch(context.Background(), false); res.Summary.Fired != 1 {
		t.Fatalf("首次应触发: %+v", res)
	}

	d.Now = func() time.Time { return base.Add(5 * time.Minute) }
	res, _ := d.Dispatch(context.Background(), false)
	if res.Outcomes[0].Action != ActionSkipped || res.Outcomes[0].Reason != alerting.ReasonCoolingDown {
		t.Fatalf("5 分钟内应处于冷却: %+v", res.Outcomes[0])
	}

	d.Now = func() time.Time { return base.Add(31 * time.Minute) }
	if res, _ := d.Dispatch(context.Background(), false); res.Outcomes[0].Action != ActionFired {
		t.Fatalf("31 分钟后应再次触发: %+v", res.Outcomes[0])
	}
	if len(mailer.sent) != 2 || mailer.sent[0].To != "owner@example.com" {
		t.Fatalf("邮件记录不正确: %+v", mailer.sent)
	}
}

func TestDispatchSkipReasons(t *testing.T) {
	store := newStore()
	noSample := seed(t, store, "BTCUSDT", "", storage.DirectionAbove, "0.01")
	notMet := seed(t, store, "ETHUSDT", "0.001", storage.DirectionAbove, "0.01")
	alerts := extraRules{AlertStore: store, extra: []storage.AlertRule{{
		ID: "broken", UserID: "u1", Exchange: "binance", Symbol: "SOLUSDT",
		Direction: storage.Direction("sideways"), Enabled: true, UpdatedAt: base,
	}}}

	d := newDispatcher(alerts, store, &fakeMailer{}, 1)
	res, err := d.Dispatch(context.Background(), false)
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	got := byID(res)
	if got[noSample.ID].Reason != alerting.ReasonNoRate {
		t.Fatalf("无样本应跳过: %+v", got[noSample.ID])
	}
	if got[notMet.ID].Reason != alerting.ReasonNotTriggered {
		t.Fatalf("未达阈值应跳过: %+v", got[notMet.ID])
	}
	if got["broken"].Action != ActionSkipped {
		t.Fatalf("非法规则应跳过: %+v", got["broken"])
	}
	if res.Summary.Skipped != 3 {
		t.Fatalf("汇总不正确: %+v", res.Summary)
	}
}

func TestDispatchMailFailureIsErrored(t *testing.T) {
	store := newStore()
	rule := seed(t, store, "BTCUSDT", "0.02", storage.DirectionAbove, "0.01")
	d := newDispatcher(store, store, &fakeMailer{err: errors.New("rate limited")}, 1)

	res, err := d.Dispatch(context.Background(), false)
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if res.Outcomes[0].Action != ActionErrored {
		t.Fatalf("邮件失败应为 errored: %+v", res.Outcomes[0])
	}
	rules, _ := store.ListAlertsByUser(context.Background(), "u1")
	if rules[0].ID != rule.ID || rules[0].LastFiredAt != nil {
		t.Fatal("邮件失败不应进入冷却")
	}
}

func TestDispatchRequiresMailer(t *testing.T) {
	store := newStore()
	seed(t, store, "BTCUSDT", "0.02", storage.DirectionAbove, "0.01")
	d := newDispatcher(store, store, nil, 1)

	if _, err := d.Dispatch(context.Background(), false); !errors.Is(err, ErrMailNotConfigured) {
		t.Fatalf("缺少邮件配置应返回 ErrMailNotConfigured, 实际 %v", err)
	}
}
