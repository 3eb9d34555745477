// Package store defines storage interfaces for persisting and retrieving
// domain objects such as price bars, analyses, macro snapshots, the
// portfolio ledger, settings, and the chat log.
package store

import (
	"context"

	"lapio/internal/domain"
)

// PriceStore persists and retrieves daily OHLCV price history. Price data
// is shared across users.
type PriceStore interface {
	// UpsertPrices inserts or replaces daily bars for a ticker.
	UpsertPrices(ctx context.Context, ticker string, bars []domain.PriceBar) error

	// Prices returns the most recent bars for a ticker in ascending date
	// order, up to limit.
	Prices(ctx context.Context, ticker string, limit int) ([]domain.PriceBar, error)

	// LatestDate returns the most recent stored date for a ticker, or ""
	// when no history exists.
	LatestDate(ctx context.Context, ticker string) (string, error)

	// PriceOnOrAfter returns the closing price on or after the given date
	// (skips weekends and gaps). The bool reports whether a bar was found.
	PriceOnOrAfter(ctx context.Context, ticker, date string) (float64, bool, error)
}

// AnalysisStore persists advisor runs.
type AnalysisStore interface {
	// SaveAnalysis appends one advisor run for a ticker.
	SaveAnalysis(ctx context.Context, a *domain.Analysis) error

	// AnalysisHistory returns the most recent runs for a ticker, newest
	// first, up to limit.
	AnalysisHistory(ctx context.Context, ticker string, limit int) ([]domain.Analysis, error)
}

// MacroStore persists daily macro snapshots.
type MacroStore interface {
	// UpsertMacro stores the snapshot for a date, replacing any previous
	// value for that date.
	UpsertMacro(ctx context.Context, date string, snap domain.MacroSnapshot) error

	// LatestMacro returns the most recent snapshot and its date. A zero
	// snapshot and "" date mean nothing is stored yet.
	LatestMacro(ctx context.Context) (domain.MacroSnapshot, string, error)
}

// PortfolioStore persists the user-scoped trade ledger and the holdings
// derived from it. The ledger is the source of truth: AddTrade and
// DeleteTrade recompute the affected holding and adjust the cash balance
// in the same transaction.
type PortfolioStore interface {
	Holdings(ctx context.Context, userID string) ([]domain.Holding, error)

	// HoldingShares returns holdings keyed by ticker.
	HoldingShares(ctx context.Context, userID string) (map[string]float64, error)

	UpsertHolding(ctx context.Context, userID string, h domain.Holding) error
	DeleteHolding(ctx context.Context, userID, ticker string) error

	// AddTrade appends a ledger entry, recomputes the ticker's holding,
	// and applies the cash effect.
	AddTrade(ctx context.Context, userID string, t domain.Trade) error

	// DeleteTrade removes a ledger entry, recomputes the holding, and
	// reverses the cash effect. Unknown ids are a no-op.
	DeleteTrade(ctx context.Context, userID string, id int64) error

	// DeleteTickerTrades removes all trades and the holding for a ticker,
	// reversing each trade's cash effect.
	DeleteTickerTrades(ctx context.Context, userID, ticker string) error

	Trades(ctx context.Context, userID string) ([]domain.Trade, error)

	Cash(ctx context.Context, userID string) (float64, error)
	SetCash(ctx context.Context, userID string, amount float64) error
}

// SettingStore persists user-scoped key/value settings.
type SettingStore interface {
	// Setting returns the value for key, or def when unset.
	Setting(ctx context.Context, userID, key, def string) (string, error)

	SetSetting(ctx context.Context, userID, key, value string) error

	// ActiveTickers returns the user's watched tickers, falling back to
	// def when the setting is unset or unparsable.
	ActiveTickers(ctx context.Context, userID string, def []string) ([]string, error)

	// AddActiveTicker appends a ticker to the watched set if absent.
	AddActiveTicker(ctx context.Context, userID, ticker string, def []string) error
}

// ChatStore persists the user-scoped chat log. Row ids are assigned by
// the store's autoincrement and are strictly increasing within a user's
// log; the client sync protocol depends on that monotonicity.
type ChatStore interface {
	// AddChatMessage appends a message and returns its assigned id.
	AddChatMessage(ctx context.Context, userID, role, text string) (int64, error)

	// ChatMessages returns the most recent messages in ascending id order,
	// up to limit.
	ChatMessages(ctx context.Context, userID string, limit int) ([]domain.ChatMessage, error)
}
