package httpapi

import (
	"lapio/internal/advisor"
	"lapio/internal/domain"
)

// OKResponse is the generic mutation acknowledgement.
type OKResponse struct {
	OK bool `json:"ok"`
}

// LoginRequest is the JSON body of POST /login (form posts also work).
type LoginRequest struct {
	Password string `json:"password"`
}

// ChatSendRequest is the body of POST /api/chat/send.
type ChatSendRequest struct {
	Text string `json:"text"`
}

// ChatSendResponse echoes the assigned id of the sender's message so
// polling clients can reconcile their optimistic copy.
type ChatSendResponse struct {
	OK        bool   `json:"ok"`
	UserMsgID int64  `json:"user_msg_id"`
	Reply     string `json:"reply"`
}

// PushRegisterRequest is the body of POST /api/push/register.
type PushRegisterRequest struct {
	Token string `json:"token"`
}

// HoldingRequest is the body of POST /api/portfolio.
type HoldingRequest struct {
	Ticker  string  `json:"ticker"`
	Shares  float64 `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// TradeRequest is the body of POST /api/trades.
type TradeRequest struct {
	Ticker    string  `json:"ticker"`
	Date      string  `json:"date"`
	TradeType string  `json:"trade_type"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Notes     string  `json:"notes"`
}

// SettingsRequest is the body of POST /api/settings. Nil fields are
// left unchanged.
type SettingsRequest struct {
	RiskTier     *string  `json:"risk_tier"`
	TotalCapital *float64 `json:"total_capital"`
}

// SettingsResponse is GET /api/settings.
type SettingsResponse struct {
	RiskTier           string  `json:"risk_tier"`
	TotalCapital       float64 `json:"total_capital"`
	TelegramConfigured bool    `json:"telegram_configured"`
}

// CashRequest is the body of POST /api/cash.
type CashRequest struct {
	Action string  `json:"action"` // set | deposit | withdraw
	Amount float64 `json:"amount"`
}

// CashResponse reports the balance after a cash operation.
type CashResponse struct {
	Balance float64 `json:"balance"`
}

// AnalyzeTicker is one ticker's analysis result with position guidance
// attached.
type AnalyzeTicker struct {
	advisor.Result
	PositionGuidance *domain.Guidance `json:"position_guidance"`
}

// AnalyzeResponse is POST /api/analyze.
type AnalyzeResponse struct {
	Tickers      map[string]AnalyzeTicker `json:"tickers"`
	Fundamentals *domain.Fundamentals     `json:"fundamentals"`
	Macro        *domain.MacroSnapshot    `json:"macro"`
	MacroBias    string                   `json:"macro_bias,omitempty"`
}

// MacroResponse is GET /api/macro: the latest stored snapshot plus the
// advisor's one-line bias.
type MacroResponse struct {
	domain.MacroSnapshot
	Date      string `json:"date,omitempty"`
	MacroBias string `json:"macro_bias,omitempty"`
}

// UniverseResponse is GET /api/ticker-universe.
type UniverseResponse struct {
	Universe map[string][]string `json:"universe"`
	Active   []string            `json:"active"`
}

// HistoryEntry is one stored advisor run scored against the price 14
// days later. Outcome is "pending" until that price exists.
type HistoryEntry struct {
	domain.Analysis
	OutcomeReturnPct *float64 `json:"outcome_return_pct"`
	Outcome          string   `json:"outcome"`
}

// ExportStatusResponse is GET /api/export/status.
type ExportStatusResponse struct {
	Configured bool     `json:"configured"`
	Missing    []string `json:"missing"`
}

// ExportResponse is POST /api/export. Sheet is "ok" or an error string;
// export failures are reported in-band, not as HTTP errors.
type ExportResponse struct {
	Sheet    string `json:"sheet"`
	SheetURL string `json:"sheet_url,omitempty"`
}
