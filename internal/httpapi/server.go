// Package httpapi exposes the JSON API: chat sync endpoints for the
// polling clients, the analysis dashboard, portfolio and trade CRUD,
// and the Telegram webhook.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"lapio/internal/advisor"
	"lapio/internal/auth"
	"lapio/internal/domain"
	"lapio/internal/export"
	"lapio/internal/macro"
	"lapio/internal/marketdata"
	"lapio/internal/miners"
	"lapio/internal/notify"
	"lapio/internal/portfolio"
	"lapio/internal/store"
)

// defaultUser scopes all rows for this single-password deployment.
const defaultUser = "default"

// Analyst is the advisor surface the API calls into. *advisor.Advisor
// implements it.
type Analyst interface {
	RunAnalysis(ctx context.Context, userID string, signals map[string]domain.Signals, fund *domain.Fundamentals, macro domain.MacroSnapshot, universe string) (map[string]advisor.Result, error)
	GenerateReply(ctx context.Context, userID, text string) (string, int64, error)
}

// Stores bundles the persistence interfaces the API serves from.
type Stores struct {
	Prices    store.PriceStore
	Analyses  store.AnalysisStore
	Macros    store.MacroStore
	Portfolio store.PortfolioStore
	Settings  store.SettingStore
	Chat      store.ChatStore
}

// Deps wires the server. Refresher, Macro, and Miners may be nil, in
// which case the related refresh steps are skipped and cached data is
// served as-is.
type Deps struct {
	Stores    Stores
	Sessions  *auth.Sessions
	Analyst   Analyst
	Refresher *marketdata.Refresher
	Macro     *macro.Fetcher
	Miners    *miners.Client
	Portfolio *portfolio.Service
	Notifier  *notify.Notifier
	Telegram  *notify.Telegram
	Exporter  *export.Exporter

	// WebhookSecret guards the Telegram webhook; Telegram caps secret
	// tokens at 64 characters so longer values are truncated.
	WebhookSecret string

	Log *slog.Logger
}

// Server serves the lapio HTTP API.
type Server struct {
	stores    Stores
	sessions  *auth.Sessions
	analyst   Analyst
	refresher *marketdata.Refresher
	macro     *macro.Fetcher
	miners    *miners.Client
	portfolio *portfolio.Service
	notifier  *notify.Notifier
	telegram  *notify.Telegram
	exporter  *export.Exporter

	webhookSecret string
	log           *slog.Logger
}

// NewServer creates the API server from its dependencies.
func NewServer(d Deps) *Server {
	secret := d.WebhookSecret
	if len(secret) > 64 {
		secret = secret[:64]
	}
	return &Server{
		stores:        d.Stores,
		sessions:      d.Sessions,
		analyst:       d.Analyst,
		refresher:     d.Refresher,
		macro:         d.Macro,
		miners:        d.Miners,
		portfolio:     d.Portfolio,
		notifier:      d.Notifier,
		telegram:      d.Telegram,
		exporter:      d.Exporter,
		webhookSecret: secret,
		log:           d.Log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /logout", s.handleLogout)
	mux.HandleFunc("POST /api/telegram/webhook", s.handleTelegramWebhook)

	mux.HandleFunc("GET /api/chat/messages", s.handleChatMessages)
	mux.HandleFunc("POST /api/chat/send", s.handleChatSend)
	mux.HandleFunc("POST /api/push/register", s.handlePushRegister)

	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/signals", s.handleSignals)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleSaveSettings)
	mux.HandleFunc("POST /api/notifications/test", s.handleTestNotification)
	mux.HandleFunc("GET /api/macro", s.handleMacro)
	mux.HandleFunc("GET /api/ticker-universe", s.handleTickerUniverse)
	mux.HandleFunc("GET /api/history/{ticker}", s.handleHistory)
	mux.HandleFunc("GET /api/export/status", s.handleExportStatus)
	mux.HandleFunc("POST /api/export", s.handleExport)

	mux.HandleFunc("GET /api/benchmark", s.handleBenchmark)
	mux.HandleFunc("GET /api/benchmark-chart", s.handleBenchmarkChart)
	mux.HandleFunc("GET /api/portfolio", s.handleGetPortfolio)
	mux.HandleFunc("POST /api/portfolio", s.handleSaveHolding)
	mux.HandleFunc("DELETE /api/portfolio/{ticker}", s.handleDeleteHolding)
	mux.HandleFunc("GET /api/trades", s.handleListTrades)
	mux.HandleFunc("POST /api/trades", s.handleCreateTrade)
	mux.HandleFunc("DELETE /api/trades/{id}", s.handleDeleteTrade)
	mux.HandleFunc("GET /api/cash", s.handleGetCash)
	mux.HandleFunc("POST /api/cash", s.handleUpdateCash)
}

// Handler returns an http.Handler with auth and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(s.requireAuth(mux))
}

// requireAuth rejects unauthenticated /api requests. The Telegram
// webhook carries its own secret header and stays exempt.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api/telegram/webhook" {
			if !s.sessions.Authenticated(r) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderName)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var password string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body LoginRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		password = body.Password
	} else {
		password = r.FormValue("password")
	}

	if !s.sessions.CheckPassword(password) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	token, err := s.sessions.Issue()
	if err != nil {
		s.log.Error("issuing session token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	http.SetCookie(w, s.sessions.Cookie(token))
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.ClearCookie())
	writeJSON(w, OKResponse{OK: true})
}

const botHelp = "<b>LAPIO Bot</b>\n\n" +
	"Ask me anything about your miner positions, signals, or market conditions.\n\n" +
	"Examples:\n" +
	"• Should I add to WGMI?\n" +
	"• How is the macro looking?\n" +
	"• What's my portfolio value?\n" +
	"• Summarise today's signals"

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != s.webhookSecret {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var u notify.Update
	if err := decodeJSON(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update")
		return
	}

	// Messages from unknown chats are acknowledged and dropped.
	text, ok := s.telegram.FromConfiguredChat(&u)
	if !ok || text == "" {
		writeJSON(w, OKResponse{OK: true})
		return
	}

	if text == "/start" || text == "/help" {
		if err := s.telegram.Send(r.Context(), botHelp); err != nil {
			s.log.Warn("sending bot help", "error", err)
		}
		writeJSON(w, OKResponse{OK: true})
		return
	}

	reply, _, err := s.analyst.GenerateReply(r.Context(), defaultUser, text)
	if err != nil {
		s.log.Error("webhook reply generation failed", "error", err)
		writeJSON(w, OKResponse{OK: true})
		return
	}
	if err := s.telegram.Send(r.Context(), reply); err != nil {
		s.log.Warn("sending webhook reply", "error", err)
	}
	writeJSON(w, OKResponse{OK: true})
}
