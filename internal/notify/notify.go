package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lapio/internal/domain"
	"lapio/internal/store"
)

// pushTokensKey is the settings key holding the registered iOS device
// tokens as a JSON array.
const pushTokensKey = "push_device_tokens"

// Alert is one actionable recommendation ready for delivery.
type Alert struct {
	Ticker         string
	Recommendation string
	Confidence     string
	CurrentPrice   float64
	Reasoning      string
	Guidance       *domain.Guidance
}

// Notifier fans alerts out to Telegram, APNs, and the chat log.
type Notifier struct {
	telegram *Telegram
	push     *APNs
	settings store.SettingStore
	chat     store.ChatStore
	log      *slog.Logger
}

// NewNotifier wires the delivery channels. telegram and push may be
// unconfigured; those channels are then skipped.
func NewNotifier(telegram *Telegram, push *APNs, settings store.SettingStore, chat store.ChatStore, log *slog.Logger) *Notifier {
	return &Notifier{telegram: telegram, push: push, settings: settings, chat: chat, log: log}
}

// NotifySignals delivers BUY/SELL alerts from an analysis run. The
// alert text always lands in the chat log so the app shows it even when
// no external channel is configured. Delivery failures are logged, not
// returned: a finished analysis should never be rolled back by a
// notification problem.
func (n *Notifier) NotifySignals(ctx context.Context, userID string, alerts []Alert) {
	actionable := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Recommendation == "BUY" || a.Recommendation == "SELL" {
			actionable = append(actionable, a)
		}
	}
	if len(actionable) == 0 {
		return
	}

	text := AlertText(time.Now().UTC().Format("2006-01-02"), actionable)
	if _, err := n.chat.AddChatMessage(ctx, userID, "assistant", text); err != nil {
		n.log.Warn("storing alert in chat log failed", "error", err)
	}

	if n.telegram != nil && n.telegram.Configured() {
		if err := n.telegram.Send(ctx, text); err != nil {
			n.log.Warn("telegram alert failed", "error", err)
		}
	}

	n.sendPushes(ctx, userID, actionable)
}

func (n *Notifier) sendPushes(ctx context.Context, userID string, alerts []Alert) {
	if n.push == nil || !n.push.Configured() {
		return
	}
	tokensJSON, err := n.settings.Setting(ctx, userID, pushTokensKey, "")
	if err != nil || tokensJSON == "" {
		return
	}
	var tokens []string
	if err := json.Unmarshal([]byte(tokensJSON), &tokens); err != nil {
		n.log.Warn("unparsable push token list", "error", err)
		return
	}

	title := "LAPIO Alert — " + time.Now().UTC().Format("2006-01-02")
	parts := make([]string, len(alerts))
	for i, a := range alerts {
		parts[i] = a.Ticker + " " + a.Recommendation
	}
	body := strings.Join(parts, ", ")

	for _, token := range tokens {
		if err := n.push.Send(ctx, token, title, body); err != nil {
			suffix := token
			if len(suffix) > 6 {
				suffix = suffix[len(suffix)-6:]
			}
			n.log.Warn("push failed", "token_suffix", suffix, "error", err)
		}
	}
}

// AlertText renders the Telegram/chat alert block for a set of
// actionable recommendations.
func AlertText(date string, alerts []Alert) string {
	lines := []string{fmt.Sprintf("<b>🚨 LAPIO ALERT — %s</b>\n", date)}
	for _, a := range alerts {
		emoji := "🔴"
		if a.Recommendation == "BUY" {
			emoji = "🟢"
		}
		line := fmt.Sprintf("%s <b>%s</b> → %s [%s] @ $%.2f",
			emoji, a.Ticker, a.Recommendation, a.Confidence, a.CurrentPrice)
		if g := a.Guidance; g != nil {
			if g.Shares > 0 {
				line += fmt.Sprintf("\n   ↳ %s %d shares (~$%.0f)", g.Action, g.Shares, g.Amount)
			} else if g.Note != "" {
				line += "\n   ↳ " + g.Note
			}
		}
		if a.Reasoning != "" {
			line += "\n   " + truncate(a.Reasoning, 120) + "…"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "\nlapio.dev")
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
