package notify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lapio/internal/domain"
	"lapio/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAlertText(t *testing.T) {
	alerts := []Alert{
		{
			Ticker: "MARA", Recommendation: "BUY", Confidence: "HIGH", CurrentPrice: 18.5,
			Reasoning: "Momentum confirmed above both moving averages.",
			Guidance:  &domain.Guidance{Action: "BUY", Shares: 50, Amount: 925},
		},
		{
			Ticker: "RIOT", Recommendation: "SELL", Confidence: "MEDIUM", CurrentPrice: 9.8,
			Guidance: &domain.Guidance{Action: "SELL", Note: "No position held"},
		},
	}
	got := AlertText("2026-08-29", alerts)

	for _, want := range []string{
		"<b>🚨 LAPIO ALERT — 2026-08-29</b>",
		"🟢 <b>MARA</b> → BUY [HIGH] @ $18.50",
		"↳ BUY 50 shares (~$925)",
		"Momentum confirmed above both moving averages.…",
		"🔴 <b>RIOT</b> → SELL [MEDIUM] @ $9.80",
		"↳ No position held",
		"lapio.dev",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("AlertText missing %q in:\n%s", want, got)
		}
	}
}

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)

	tg := NewTelegram("bot-token", "12345")
	tg.baseURL = srv.URL

	if err := tg.Send(context.Background(), "<b>hi</b>"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/botbot-token/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["chat_id"] != "12345" || gotBody["text"] != "<b>hi</b>" || gotBody["parse_mode"] != "HTML" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestTelegramSendErrorDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"description":"chat not found"}`)
	}))
	t.Cleanup(srv.Close)

	tg := NewTelegram("bot-token", "12345")
	tg.baseURL = srv.URL

	err := tg.Send(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v, want description surfaced", err)
	}

	unconfigured := NewTelegram("", "")
	if err := unconfigured.Send(context.Background(), "hi"); err == nil {
		t.Errorf("unconfigured sender should error")
	}
}

func TestTelegramFromConfiguredChat(t *testing.T) {
	tg := NewTelegram("tok", "42")

	u := &Update{}
	if err := json.Unmarshal([]byte(`{"message":{"chat":{"id":42},"text":"hello"}}`), u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if text, ok := tg.FromConfiguredChat(u); !ok || text != "hello" {
		t.Errorf("got %q %v", text, ok)
	}

	u = &Update{}
	json.Unmarshal([]byte(`{"edited_message":{"chat":{"id":42},"text":"edited"}}`), u)
	if text, ok := tg.FromConfiguredChat(u); !ok || text != "edited" {
		t.Errorf("edited message not handled: %q %v", text, ok)
	}

	u = &Update{}
	json.Unmarshal([]byte(`{"message":{"chat":{"id":99},"text":"spam"}}`), u)
	if _, ok := tg.FromConfiguredChat(u); ok {
		t.Errorf("unknown chat should be ignored")
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "AuthKey_TEST.p8")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return path
}

func TestAPNsSend(t *testing.T) {
	var gotAuth, gotTopic, gotPath string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTopic = r.Header.Get("apns-topic")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotPayload)
	}))
	t.Cleanup(srv.Close)

	a := NewAPNs(writeTestKey(t), "KEYID", "TEAMID", "dev.lapio.app", false)
	a.host = srv.URL

	if err := a.Send(context.Background(), "device-token-123", "LAPIO Alert", "MARA BUY"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "bearer ") {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotTopic != "dev.lapio.app" {
		t.Errorf("topic = %q", gotTopic)
	}
	if gotPath != "/3/device/device-token-123" {
		t.Errorf("path = %q", gotPath)
	}
	aps, _ := gotPayload["aps"].(map[string]any)
	alert, _ := aps["alert"].(map[string]any)
	if alert["title"] != "LAPIO Alert" || alert["body"] != "MARA BUY" {
		t.Errorf("payload = %v", gotPayload)
	}

	// Provider token is reused on the next send.
	first := gotAuth
	if err := a.Send(context.Background(), "device-token-123", "t", "b"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if gotAuth != first {
		t.Errorf("provider token should be cached between sends")
	}
}

func TestAPNsUnconfigured(t *testing.T) {
	a := NewAPNs("", "", "", "", false)
	if a.Configured() {
		t.Errorf("empty credentials should report unconfigured")
	}
	if err := a.Send(context.Background(), "tok", "t", "b"); err == nil {
		t.Errorf("Send should fail when unconfigured")
	}
}

func TestNotifySignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var telegramCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telegramCalls++
		fmt.Fprint(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)
	tg := NewTelegram("tok", "42")
	tg.baseURL = srv.URL

	n := NewNotifier(tg, nil, s, s, slog.Default())

	// HOLD-only runs produce nothing.
	n.NotifySignals(ctx, "", []Alert{{Ticker: "MARA", Recommendation: "HOLD"}})
	if msgs, _ := s.ChatMessages(ctx, "", 10); len(msgs) != 0 {
		t.Fatalf("HOLD run stored %d messages", len(msgs))
	}
	if telegramCalls != 0 {
		t.Fatalf("HOLD run sent %d telegram messages", telegramCalls)
	}

	n.NotifySignals(ctx, "", []Alert{
		{Ticker: "MARA", Recommendation: "BUY", Confidence: "HIGH", CurrentPrice: 18.5},
		{Ticker: "WGMI", Recommendation: "HOLD"},
	})
	msgs, err := s.ChatMessages(ctx, "", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ChatMessages = %v, %v", msgs, err)
	}
	if msgs[0].Role != "assistant" || !strings.Contains(msgs[0].Text, "MARA") {
		t.Errorf("alert row = %+v", msgs[0])
	}
	if strings.Contains(msgs[0].Text, "WGMI") {
		t.Errorf("HOLD ticker should not appear in alert")
	}
	if telegramCalls != 1 {
		t.Errorf("telegram sends = %d, want 1", telegramCalls)
	}
}
