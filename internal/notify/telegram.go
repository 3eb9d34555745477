// Package notify delivers signal alerts to the user's devices: Telegram
// messages and APNs pushes to the iOS client. Alerts are also appended
// to the chat log so every surface shows them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram sends messages through the Bot API.
type Telegram struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram creates a sender. Empty credentials leave it unconfigured;
// Send then fails with a descriptive error.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		baseURL:  telegramAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether both the bot token and chat id are set.
func (t *Telegram) Configured() bool {
	return t.botToken != "" && t.chatID != ""
}

// Send delivers one HTML-formatted message to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Configured() {
		return fmt.Errorf("telegram bot token or chat id not set")
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var body struct {
		Description string `json:"description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Description != "" {
		return fmt.Errorf("telegram: %s", body.Description)
	}
	return fmt.Errorf("telegram: HTTP %d", resp.StatusCode)
}

// SetWebhook registers the bot's webhook endpoint so incoming messages
// reach the chat assistant. secretToken is echoed back by Telegram in
// the X-Telegram-Bot-Api-Secret-Token header.
func (t *Telegram) SetWebhook(ctx context.Context, webhookURL, secretToken string) error {
	if !t.Configured() {
		return fmt.Errorf("telegram bot token or chat id not set")
	}
	payload, err := json.Marshal(map[string]any{
		"url":             webhookURL,
		"secret_token":    secretToken,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/setWebhook", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.OK {
		return fmt.Errorf("telegram webhook setup failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Update is the subset of Telegram's webhook payload the bot handles.
type Update struct {
	Message       *UpdateMessage `json:"message"`
	EditedMessage *UpdateMessage `json:"edited_message"`
}

// UpdateMessage is one incoming Telegram message.
type UpdateMessage struct {
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

// FromConfiguredChat reports whether the update came from the chat the
// bot is bound to. Messages from other chats are ignored.
func (t *Telegram) FromConfiguredChat(u *Update) (string, bool) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return "", false
	}
	if fmt.Sprintf("%d", msg.Chat.ID) != t.chatID {
		return "", false
	}
	return msg.Text, true
}
