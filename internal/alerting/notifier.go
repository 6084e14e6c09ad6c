package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/storage"
)

// Notification 封装一次资金费率告警。
type Notification struct {
	RuleID       string
	Exchange     string
	Symbol       string
	Direction    storage.Direction
	ThresholdPct decimal.Decimal
	RatePct      decimal.Decimal
	At           time.Time
	Link         string
}

// NewNotification builds the notification for rule firing at rate.
func NewNotification(rule storage.AlertRule, rate decimal.Decimal, at time.Time, baseURL string) Notification {
	return Notification{
		RuleID:       rule.ID,
		Exchange:     rule.Exchange,
		Symbol:       rule.Symbol,
		Direction:    rule.Direction,
		ThresholdPct: rule.ThresholdPct,
		RatePct:      rate,
		At:           at,
		Link:         RateLink(baseURL, rule.Exchange, rule.Symbol),
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("exchange", note.Exchange).
		Str("symbol", note.Symbol).
		Str("rule_id", note.RuleID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Funding Rate Alert]\n")
	builder.WriteString(fmt.Sprintf("Exchange: %s\n", strings.ToUpper(note.Exchange)))
	builder.WriteString(fmt.Sprintf("Symbol: %s\n", note.Symbol))
	builder.WriteString(fmt.Sprintf("Condition: %s\n", Condition(note.Direction, note.ThresholdPct)))
	builder.WriteString(fmt.Sprintf("Rate: %s\n", FormatPct(note.RatePct)))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Link != "" {
		builder.WriteString(note.Link)
	}
	return builder.String()
}

// LogNotifier writes notifications to the log when no push channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("rule_id", note.RuleID).
		Str("exchange", note.Exchange).
		Str("symbol", note.Symbol).
		Str("condition", Condition(note.Direction, note.ThresholdPct)).
		Str("rate", FormatPct(note.RatePct)).
		Msg("funding rate alert")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
