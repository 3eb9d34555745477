// Package domain defines the shared value types of the lapio platform:
// price bars, technical signals, recommendations, portfolio records, and
// chat messages.
package domain

import "time"

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// PriceBar is one daily OHLCV bar for a ticker. Date is an ISO date
// string (YYYY-MM-DD), which keeps ordering lexicographic and matches the
// storage layer's primary key.
type PriceBar struct {
	Ticker string  `json:"ticker"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// ---------------------------------------------------------------------------
// Signals and recommendations
// ---------------------------------------------------------------------------

// Signals holds the computed technical indicators for one ticker.
// Pointer fields are nil when there is not enough history to compute them.
type Signals struct {
	Ticker         string   `json:"ticker"`
	Err            string   `json:"error,omitempty"`
	CurrentPrice   float64  `json:"current_price"`
	SMA20          float64  `json:"sma20"`
	SMA50          *float64 `json:"sma50"`
	AboveSMA20     bool     `json:"above_sma20"`
	AboveSMA50     *bool    `json:"above_sma50"`
	RSI            *float64 `json:"rsi"`
	WeekReturnPct  *float64 `json:"week_return_pct"`
	MonthReturnPct *float64 `json:"month_return_pct"`
	BTCCorrelation *float64 `json:"btc_correlation"`
	VsSector1W     *float64 `json:"vs_sector_1w"`
	VsSector1M     *float64 `json:"vs_sector_1m"`
}

// Recommendation is the advisor's verdict for one ticker on one day.
type Recommendation struct {
	Recommendation string `json:"recommendation"` // BUY | SELL | HOLD
	Confidence     string `json:"confidence"`     // LOW | MEDIUM | HIGH
	Reasoning      string `json:"reasoning"`
	KeyRisk        string `json:"key_risk"`
}

// Analysis is one stored advisor run for a ticker.
type Analysis struct {
	ID             int64   `json:"id"`
	RunDate        string  `json:"run_date"`
	Ticker         string  `json:"ticker"`
	Signals        Signals `json:"signals"`
	Recommendation string  `json:"recommendation"`
	Reasoning      string  `json:"reasoning"`
	Confidence     string  `json:"confidence"`
	KeyRisk        string  `json:"key_risk"`
}

// Guidance is a concrete position-sizing suggestion attached to a
// BUY/SELL recommendation. Shares is zero when the tier rules block the
// trade, with Note explaining why.
type Guidance struct {
	Action       string  `json:"action"`
	Shares       int     `json:"shares"`
	Amount       float64 `json:"amount,omitempty"`
	PctOfCapital float64 `json:"pct_of_capital,omitempty"`
	PctOfHolding float64 `json:"pct_of_holding,omitempty"`
	Note         string  `json:"note,omitempty"`
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// Holding is the current position in one ticker, derived from the trade
// ledger.
type Holding struct {
	Ticker  string  `json:"ticker"`
	Shares  float64 `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// Trade is one ledger entry. The ledger is the source of truth: holdings
// and cash are recomputed from it.
type Trade struct {
	ID        int64   `json:"id"`
	Ticker    string  `json:"ticker"`
	Date      string  `json:"date"`
	TradeType string  `json:"trade_type"` // BUY | SELL
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Notes     string  `json:"notes"`
}

// ---------------------------------------------------------------------------
// Macro and miner fundamentals
// ---------------------------------------------------------------------------

// MacroSnapshot is one day's market-wide context. Pointer fields are nil
// when the upstream source was unavailable.
type MacroSnapshot struct {
	BTCDvol           *float64 `json:"btc_dvol,omitempty"`
	BTCFundingRatePct *float64 `json:"btc_funding_rate_pct,omitempty"`
	FearGreedValue    *int     `json:"fear_greed_value,omitempty"`
	FearGreedLabel    string   `json:"fear_greed_label,omitempty"`
	HashRateEH        *float64 `json:"hash_rate_eh,omitempty"`
	PuellMultiple     *float64 `json:"puell_multiple,omitempty"`
	VIX               *float64 `json:"vix,omitempty"`
	US2YYield         *float64 `json:"us_2y_yield,omitempty"`
	DXY               *float64 `json:"dxy,omitempty"`
	HYSpread          *float64 `json:"hy_spread,omitempty"`
}

// Empty reports whether no signal in the snapshot was populated.
func (m MacroSnapshot) Empty() bool {
	return m.BTCDvol == nil && m.BTCFundingRatePct == nil && m.FearGreedValue == nil &&
		m.HashRateEH == nil && m.PuellMultiple == nil && m.VIX == nil &&
		m.US2YYield == nil && m.DXY == nil && m.HYSpread == nil
}

// Fundamentals holds Bitcoin network economics relevant to miner stocks.
type Fundamentals struct {
	HashpriceUSDPerTHDay *float64 `json:"hashprice_usd_per_th_day"`
	HashpriceUSDPerPHDay *float64 `json:"hashprice_usd_per_ph_day"`
	NetworkHashrateEH    float64  `json:"network_hashrate_eh"`
	DifficultyChangePct  float64  `json:"difficulty_change_pct"`
	DifficultyProgress   float64  `json:"difficulty_progress_pct"`
	PreviousRetargetPct  float64  `json:"previous_retarget_pct"`
	RemainingBlocks      int64    `json:"remaining_blocks"`
	DaysUntilRetarget    float64  `json:"days_until_retarget"`
	EstRetargetDate      string   `json:"estimated_retarget_date"`
	BlockTimeMin         float64  `json:"block_time_min"`
	Note                 string   `json:"note"`
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

// ChatMessage is one server-side chat log row. ID is assigned by the
// store's autoincrement and is strictly increasing within a user's log;
// the client sync protocol depends on that monotonicity.
type ChatMessage struct {
	ID   int64  `json:"id"`
	Role string `json:"role"` // user | assistant
	Text string `json:"text"`
	TS   string `json:"ts"` // RFC3339, UTC
}

// NowTS returns the canonical chat timestamp form for the current moment.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Float returns a pointer to v. Convenience for optional signal fields.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
