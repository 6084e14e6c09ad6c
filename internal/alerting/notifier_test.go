package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/exchange"
	"funding-alerts/internal/storage"
)

func testNote() Notification {
	return Notification{
		RuleID:       "r1",
		Exchange:     "okx",
		Symbol:       "BTCUSDT",
		Direction:    storage.DirectionAbove,
		ThresholdPct: decimal.RequireFromString("0.05"),
		RatePct:      decimal.RequireFromString("0.0625"),
		At:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Link:         RateLink("https://funding.example.com/", "OKX", "btcusdt"),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "0.0625%") || !strings.Contains(received["text"], "above 0.0500%") {
		t.Fatalf("text 内容不正确: %s", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestResendMailer(t *testing.T) {
	var got resend.SendEmailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/emails" || r.Header.Get("Authorization") != "Bearer re_test" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"name": "missing_api_key", "message": "bad key"})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "email_1"})
	}))
	defer srv.Close()

	mailer, err := NewResendMailer("re_test", srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("构造邮件客户端失败: %v", err)
	}
	msg := ComposeMail(testNote(), "alerts@example.com", "user@example.com")
	if err := mailer.Send(context.Background(), msg); err != nil {
		t.Fatalf("发送邮件应成功: %v", err)
	}
	if len(got.To) != 1 || got.To[0] != "user@example.com" || got.From != "alerts@example.com" {
		t.Fatalf("收发件人不正确: %+v", got)
	}
	if got.Subject != msg.Subject || got.Html != msg.HTML || got.Text != msg.Text {
		t.Fatalf("邮件内容未完整传递: %+v", got)
	}

	wrong, err := NewResendMailer("wrong", srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("构造邮件客户端失败: %v", err)
	}
	err = wrong.Send(context.Background(), msg)
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("401 应返回包含提供方信息的错误, 实际 %v", err)
	}

	if err := mailer.Send(context.Background(), Message{Subject: "x"}); err == nil {
		t.Fatal("收件人为空应报错")
	}
}

func TestComposeMail(t *testing.T) {
	msg := ComposeMail(testNote(), "from@example.com", "to@example.com")
	if !strings.Contains(msg.Subject, "OKX / BTCUSDT") {
		t.Fatalf("主题不正确: %s", msg.Subject)
	}
	for _, want := range []string{"Exchange: OKX", "Condition: above 0.0500%", "Current rate: 0.0625%", "https://funding.example.com/rate/okx/BTCUSDT"} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("正文缺少 %q:\n%s", want, msg.Text)
		}
	}
	if !strings.Contains(msg.HTML, `href="https://funding.example.com/rate/okx/BTCUSDT"`) {
		t.Fatalf("HTML 缺少链接: %s", msg.HTML)
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.notes = append(r.notes, n)
	return nil
}

func TestWatcherOwnCooldown(t *testing.T) {
	store := storage.NewMemoryStore()
	rule, err := store.CreateAlert(context.Background(), storage.AlertRule{
		UserID: "u1", Exchange: "okx", Symbol: "BTCUSDT",
		Direction: storage.DirectionAbove, ThresholdPct: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("创建告警失败: %v", err)
	}

	notifier := &recordingNotifier{}
	w := NewWatcher(store, notifier, 10*time.Minute, "", testLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.eval.Now = func() time.Time { return now }

	m := aggregator.Matrix{Funding: map[string]exchange.RateMap{"okx": {"BTCUSDT": decimal.RequireFromString("0.02")}}}

	if fired, err := w.Check(context.Background(), m); err != nil || fired != 1 {
		t.Fatalf("首次应触发: %d %v", fired, err)
	}
	now = now.Add(5 * time.Minute)
	if fired, _ := w.Check(context.Background(), m); fired != 0 {
		t.Fatal("冷却期内不应再次触发")
	}
	now = now.Add(6 * time.Minute)
	if fired, _ := w.Check(context.Background(), m); fired != 1 {
		t.Fatal("冷却结束后应再次触发")
	}

	rules, _ := store.ListAlertsByUser(context.Background(), "u1")
	if rules[0].LastFiredAt != nil {
		t.Fatal("watcher 不应写回规则存储")
	}
	if len(notifier.notes) != 2 || notifier.notes[0].RuleID != rule.ID {
		t.Fatalf("通知记录不正确: %+v", notifier.notes)
	}
}

func TestWatcherNotifyFailureDoesNotArmCooldown(t *testing.T) {
	store := storage.NewMemoryStore()
	_, _ = store.CreateAlert(context.Background(), storage.AlertRule{
		UserID: "u1", Exchange: "okx", Symbol: "BTCUSDT",
		Direction: storage.DirectionBelow, ThresholdPct: decimal.Zero,
	})
	notifier := &recordingNotifier{err: errors.New("offline")}
	w := NewWatcher(store, notifier, time.Hour, "", testLogger())
	m := aggregator.Matrix{Funding: map[string]exchange.RateMap{"okx": {"BTCUSDT": decimal.RequireFromString("-0.01")}}}

	if fired, _ := w.Check(context.Background(), m); fired != 0 {
		t.Fatal("推送失败不应计为触发")
	}
	notifier.err = nil
	if fired, _ := w.Check(context.Background(), m); fired != 1 {
		t.Fatal("恢复后应立即触发")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
