package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lapio/internal/advisor"
	"lapio/internal/auth"
	"lapio/internal/domain"
	"lapio/internal/export"
	"lapio/internal/marketdata"
	"lapio/internal/notify"
	"lapio/internal/portfolio"
	"lapio/internal/store"
)

const testPassword = "open-sesame"

// fakeAnalyst stands in for the Gemini-backed advisor. GenerateReply
// stores chat rows the way the real one does so the sync contract holds.
type fakeAnalyst struct {
	chat        store.ChatStore
	reply       string
	analysisErr error
	rec         domain.Recommendation
}

func (f *fakeAnalyst) GenerateReply(ctx context.Context, userID, text string) (string, int64, error) {
	id, err := f.chat.AddChatMessage(ctx, userID, "user", text)
	if err != nil {
		return "", 0, err
	}
	if _, err := f.chat.AddChatMessage(ctx, userID, "assistant", f.reply); err != nil {
		return "", 0, err
	}
	return f.reply, id, nil
}

func (f *fakeAnalyst) RunAnalysis(ctx context.Context, userID string, signals map[string]domain.Signals, fund *domain.Fundamentals, macro domain.MacroSnapshot, universe string) (map[string]advisor.Result, error) {
	if f.analysisErr != nil {
		return nil, f.analysisErr
	}
	out := make(map[string]advisor.Result, len(signals))
	for t, sig := range signals {
		r := advisor.Result{Signals: sig}
		if sig.Err == "" {
			r.Recommendation = f.rec
		}
		out[t] = r
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore, *fakeAnalyst) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "lapio.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fa := &fakeAnalyst{
		chat:  db,
		reply: "MARA looks stretched here.",
		rec:   domain.Recommendation{Recommendation: "HOLD", Confidence: "MEDIUM", Reasoning: "range-bound"},
	}
	log := slog.Default()
	srv := NewServer(Deps{
		Stores:        Stores{Prices: db, Analyses: db, Macros: db, Portfolio: db, Settings: db, Chat: db},
		Sessions:      auth.NewSessions(testPassword, "test-secret", 30*24*time.Hour),
		Analyst:       fa,
		Portfolio:     portfolio.NewService(db, db, db, log),
		Notifier:      notify.NewNotifier(notify.NewTelegram("", ""), nil, db, db, log),
		Telegram:      notify.NewTelegram("", ""),
		Exporter:      export.NewExporter("", "", ""),
		WebhookSecret: "hook-secret",
		Log:           log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db, fa
}

func apiDo(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(auth.HeaderName, testPassword)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body: %s)", resp.StatusCode, want, body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/chat/messages")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)

	req, _ := http.NewRequest("GET", ts.URL+"/api/chat/messages", nil)
	req.Header.Set(auth.HeaderName, "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)

	resp = apiDo(t, ts, "GET", "/api/chat/messages", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLoginSetsSessionCookie(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.PostForm(ts.URL+"/login", url.Values{"password": {"nope"}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	wantStatus(t, resp, http.StatusUnauthorized)

	resp, err = http.PostForm(ts.URL+"/login", url.Values{"password": {testPassword}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			session = c
		}
	}
	resp.Body.Close()
	if session == nil || session.Value == "" {
		t.Fatal("no session cookie set on login")
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/settings", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/settings: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestChatSendAndMessages(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "POST", "/api/chat/send", ChatSendRequest{Text: "   "})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = apiDo(t, ts, "POST", "/api/chat/send", ChatSendRequest{Text: "thoughts on MARA?"})
	wantStatus(t, resp, http.StatusOK)
	var sent ChatSendResponse
	decodeBody(t, resp, &sent)
	if !sent.OK || sent.UserMsgID <= 0 {
		t.Fatalf("send response = %+v, want ok with positive user_msg_id", sent)
	}
	if sent.Reply != "MARA looks stretched here." {
		t.Errorf("Reply = %q", sent.Reply)
	}

	resp = apiDo(t, ts, "GET", "/api/chat/messages", nil)
	wantStatus(t, resp, http.StatusOK)
	var msgs []domain.ChatMessage
	decodeBody(t, resp, &msgs)
	if len(msgs) != 2 {
		t.Fatalf("have %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != sent.UserMsgID || msgs[0].Role != "user" {
		t.Errorf("first message = %+v, want user row id %d", msgs[0], sent.UserMsgID)
	}
	if msgs[1].Role != "assistant" || msgs[1].ID <= msgs[0].ID {
		t.Errorf("second message = %+v, want assistant row after %d", msgs[1], msgs[0].ID)
	}

	// Pages are bounded and anchored to the most recent rows.
	resp = apiDo(t, ts, "GET", "/api/chat/messages?limit=1", nil)
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Errorf("limit=1 page = %+v, want only the assistant row", msgs)
	}

	resp = apiDo(t, ts, "GET", "/api/chat/messages?limit=abc", nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestChatMessagesEmpty(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "GET", "/api/chat/messages", nil)
	wantStatus(t, resp, http.StatusOK)
	var msgs []domain.ChatMessage
	decodeBody(t, resp, &msgs)
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("messages = %v, want empty array", msgs)
	}
}

func TestTradeFlow(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "POST", "/api/cash", CashRequest{Action: "set", Amount: 1000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Selling without a position is rejected.
	resp = apiDo(t, ts, "POST", "/api/trades", TradeRequest{
		Ticker: "MARA", Date: "2026-08-01", TradeType: "SELL", Price: 2, Quantity: 5,
	})
	wantStatus(t, resp, http.StatusBadRequest)
	var e map[string]string
	decodeBody(t, resp, &e)
	if !strings.Contains(e["error"], "only 0 held") {
		t.Errorf("error = %q, want held-shares message", e["error"])
	}

	resp = apiDo(t, ts, "POST", "/api/trades", TradeRequest{
		Ticker: "mara", Date: "2026-08-01", TradeType: "BUY", Price: 2, Quantity: 10,
	})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = apiDo(t, ts, "POST", "/api/trades", TradeRequest{
		Ticker: "MARA", Date: "2026-08-02", TradeType: "SELL", Price: 2, Quantity: 5,
	})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = apiDo(t, ts, "GET", "/api/trades", nil)
	wantStatus(t, resp, http.StatusOK)
	var trades []domain.Trade
	decodeBody(t, resp, &trades)
	if len(trades) != 2 {
		t.Fatalf("have %d trades, want 2", len(trades))
	}

	// 1000 - 10*2 + 5*2.
	resp = apiDo(t, ts, "GET", "/api/cash", nil)
	wantStatus(t, resp, http.StatusOK)
	var cash CashResponse
	decodeBody(t, resp, &cash)
	if cash.Balance != 990 {
		t.Errorf("Balance = %v, want 990", cash.Balance)
	}

	resp = apiDo(t, ts, "DELETE", fmt.Sprintf("/api/trades/%d", trades[0].ID), nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = apiDo(t, ts, "POST", "/api/trades", TradeRequest{
		Ticker: "MARA", Date: "2026-08-03", TradeType: "LEND", Price: 2, Quantity: 1,
	})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestCashValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "POST", "/api/cash", CashRequest{Action: "deposit", Amount: -5})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = apiDo(t, ts, "POST", "/api/cash", CashRequest{Action: "burn", Amount: 5})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = apiDo(t, ts, "POST", "/api/cash", CashRequest{Action: "deposit", Amount: 250})
	wantStatus(t, resp, http.StatusOK)
	var cash CashResponse
	decodeBody(t, resp, &cash)
	if cash.Balance != 250 {
		t.Errorf("Balance = %v, want 250", cash.Balance)
	}

	resp = apiDo(t, ts, "POST", "/api/cash", CashRequest{Action: "withdraw", Amount: 100})
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &cash)
	if cash.Balance != 150 {
		t.Errorf("Balance = %v, want 150", cash.Balance)
	}
}

func TestPortfolioCRUD(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "POST", "/api/portfolio", HoldingRequest{Ticker: "wgmi", Shares: 40, AvgCost: 12.5})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = apiDo(t, ts, "GET", "/api/portfolio", nil)
	wantStatus(t, resp, http.StatusOK)
	var rows []portfolio.PositionView
	decodeBody(t, resp, &rows)
	if len(rows) != 1 || rows[0].Ticker != "WGMI" {
		t.Fatalf("portfolio = %+v, want one WGMI row", rows)
	}

	resp = apiDo(t, ts, "DELETE", "/api/portfolio/WGMI", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = apiDo(t, ts, "GET", "/api/portfolio", nil)
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &rows)
	if len(rows) != 0 {
		t.Fatalf("portfolio after delete = %+v, want empty", rows)
	}
}

func TestSettings(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "GET", "/api/settings", nil)
	wantStatus(t, resp, http.StatusOK)
	var got SettingsResponse
	decodeBody(t, resp, &got)
	if got.RiskTier != "neutral" || got.TotalCapital != 0 || got.TelegramConfigured {
		t.Fatalf("defaults = %+v", got)
	}

	resp = apiDo(t, ts, "POST", "/api/settings", map[string]any{"risk_tier": "yolo"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = apiDo(t, ts, "POST", "/api/settings", map[string]any{"risk_tier": "aggressive", "total_capital": 5000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = apiDo(t, ts, "GET", "/api/settings", nil)
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &got)
	if got.RiskTier != "aggressive" || got.TotalCapital != 5000 {
		t.Fatalf("settings = %+v, want aggressive / 5000", got)
	}
}

func TestTickerUniverse(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "GET", "/api/ticker-universe", nil)
	wantStatus(t, resp, http.StatusOK)
	var got UniverseResponse
	decodeBody(t, resp, &got)
	if len(got.Active) != len(marketdata.DefaultTickers) {
		t.Errorf("active = %v", got.Active)
	}
	if _, ok := got.Universe["Bitcoin Miners"]; !ok {
		t.Errorf("universe missing miner group: %v", got.Universe)
	}
}

func TestHistoryScoring(t *testing.T) {
	ts, db, _ := newTestServer(t)
	ctx := context.Background()

	resp := apiDo(t, ts, "GET", "/api/history/ZZZZ", nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// A BUY from July with the price up two weeks later scores correct.
	if err := db.SaveAnalysis(ctx, &domain.Analysis{
		RunDate:        "2026-07-01",
		Ticker:         "MARA",
		Signals:        domain.Signals{Ticker: "MARA", CurrentPrice: 10},
		Recommendation: "BUY",
		Confidence:     "HIGH",
	}); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	// A run from today stays pending.
	today := time.Now().UTC().Format("2006-01-02")
	if err := db.SaveAnalysis(ctx, &domain.Analysis{
		RunDate:        today,
		Ticker:         "MARA",
		Signals:        domain.Signals{Ticker: "MARA", CurrentPrice: 11},
		Recommendation: "HOLD",
	}); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	if err := db.UpsertPrices(ctx, "MARA", []domain.PriceBar{
		{Ticker: "MARA", Date: "2026-07-15", Close: 12},
	}); err != nil {
		t.Fatalf("UpsertPrices: %v", err)
	}

	resp = apiDo(t, ts, "GET", "/api/history/mara", nil)
	wantStatus(t, resp, http.StatusOK)
	var entries []HistoryEntry
	decodeBody(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("have %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Outcome != "pending" || entries[0].OutcomeReturnPct != nil {
		t.Errorf("today's run = %+v, want pending", entries[0])
	}
	scored := entries[1]
	if scored.Outcome != "correct" {
		t.Errorf("Outcome = %q, want correct", scored.Outcome)
	}
	if scored.OutcomeReturnPct == nil || *scored.OutcomeReturnPct != 20 {
		t.Errorf("OutcomeReturnPct = %v, want 20", scored.OutcomeReturnPct)
	}
}

func TestAnalyze(t *testing.T) {
	ts, _, fa := newTestServer(t)

	// With no cached prices every ticker reports insufficient data and
	// passes through unanalyzed.
	resp := apiDo(t, ts, "POST", "/api/analyze", nil)
	wantStatus(t, resp, http.StatusOK)
	var got AnalyzeResponse
	decodeBody(t, resp, &got)
	if len(got.Tickers) != len(marketdata.DefaultTickers) {
		t.Fatalf("have %d tickers, want %d", len(got.Tickers), len(marketdata.DefaultTickers))
	}
	for tkr, res := range got.Tickers {
		if res.Err == "" {
			t.Errorf("%s: expected insufficient-data error", tkr)
		}
		if res.PositionGuidance != nil {
			t.Errorf("%s: unexpected guidance %+v", tkr, res.PositionGuidance)
		}
	}
	if got.Macro != nil || got.Fundamentals != nil {
		t.Errorf("macro/fundamentals = %v / %v, want nil", got.Macro, got.Fundamentals)
	}

	fa.analysisErr = fmt.Errorf("model overloaded")
	resp = apiDo(t, ts, "POST", "/api/analyze", nil)
	wantStatus(t, resp, http.StatusBadGateway)
	resp.Body.Close()
}

func TestTelegramWebhook(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// The webhook skips session auth but checks its own secret.
	body := bytes.NewReader([]byte(`{"message":{"chat":{"id":42},"text":"hi"}}`))
	resp, err := http.Post(ts.URL+"/api/telegram/webhook", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	wantStatus(t, resp, http.StatusForbidden)

	req, _ := http.NewRequest("POST", ts.URL+"/api/telegram/webhook",
		bytes.NewReader([]byte(`{"message":{"chat":{"id":42},"text":"hi"}}`)))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	// Unconfigured chat allow-list drops the update but still acks it.
	wantStatus(t, resp, http.StatusOK)
	var ok OKResponse
	decodeBody(t, resp, &ok)
	if !ok.OK {
		t.Error("webhook did not ack")
	}
}

func TestPushRegister(t *testing.T) {
	ts, db, _ := newTestServer(t)

	resp := apiDo(t, ts, "POST", "/api/push/register", PushRegisterRequest{Token: "  "})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	for _, tok := range []string{"tok-1", "tok-1", "tok-2"} {
		resp = apiDo(t, ts, "POST", "/api/push/register", PushRegisterRequest{Token: tok})
		wantStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	raw, err := db.Setting(context.Background(), defaultUser, pushTokensKey, "")
	if err != nil {
		t.Fatalf("Setting: %v", err)
	}
	var tokens []string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		t.Fatalf("unmarshal tokens: %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "tok-1" || tokens[1] != "tok-2" {
		t.Errorf("tokens = %v, want [tok-1 tok-2]", tokens)
	}
}

func TestNotificationTestUnconfigured(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "POST", "/api/notifications/test", nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestExportStatusUnconfigured(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := apiDo(t, ts, "GET", "/api/export/status", nil)
	wantStatus(t, resp, http.StatusOK)
	var got ExportStatusResponse
	decodeBody(t, resp, &got)
	if got.Configured || len(got.Missing) != 2 {
		t.Errorf("status = %+v, want unconfigured with two missing vars", got)
	}

	resp = apiDo(t, ts, "POST", "/api/export", map[string]any{})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
