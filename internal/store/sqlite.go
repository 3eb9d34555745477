package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"lapio/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ PriceStore = (*SQLiteStore)(nil)
var _ AnalysisStore = (*SQLiteStore)(nil)
var _ MacroStore = (*SQLiteStore)(nil)
var _ PortfolioStore = (*SQLiteStore)(nil)
var _ SettingStore = (*SQLiteStore)(nil)
var _ ChatStore = (*SQLiteStore)(nil)

// SQLiteStore implements every store interface backed by a single SQLite
// database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent request handlers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prices (
			ticker  TEXT,
			date    TEXT,
			open    REAL,
			high    REAL,
			low     REAL,
			close   REAL,
			volume  INTEGER,
			PRIMARY KEY (ticker, date)
		)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			run_date       TEXT,
			ticker         TEXT,
			signals        TEXT,
			recommendation TEXT,
			reasoning      TEXT,
			confidence     TEXT DEFAULT '',
			key_risk       TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS macro_signals (
			date TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS holdings (
			user_id  TEXT NOT NULL DEFAULT '',
			ticker   TEXT NOT NULL,
			shares   REAL NOT NULL,
			avg_cost REAL NOT NULL,
			PRIMARY KEY (user_id, ticker)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL DEFAULT '',
			ticker     TEXT NOT NULL,
			date       TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			price      REAL NOT NULL,
			quantity   REAL NOT NULL,
			notes      TEXT DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			user_id TEXT NOT NULL DEFAULT '',
			key     TEXT NOT NULL,
			value   TEXT,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL DEFAULT '',
			role    TEXT NOT NULL,
			text    TEXT NOT NULL,
			ts      TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// PriceStore implementation
// ---------------------------------------------------------------------------

// UpsertPrices inserts or replaces daily bars for a ticker.
func (s *SQLiteStore) UpsertPrices(ctx context.Context, ticker string, bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO prices (ticker, date, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, ticker, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("upserting bar %s/%s: %w", ticker, b.Date, err)
		}
	}
	return tx.Commit()
}

// Prices returns the most recent bars for a ticker in ascending date order.
func (s *SQLiteStore) Prices(ctx context.Context, ticker string, limit int) ([]domain.PriceBar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticker, date, open, high, low, close, volume FROM prices
		 WHERE ticker = ? ORDER BY date DESC LIMIT ?`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var b domain.PriceBar
		if err := rows.Scan(&b.Ticker, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query returns newest first; callers want chronological order.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// LatestDate returns the most recent stored date for a ticker.
func (s *SQLiteStore) LatestDate(ctx context.Context, ticker string) (string, error) {
	var d sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM prices WHERE ticker = ?`, ticker).Scan(&d)
	if err != nil {
		return "", err
	}
	return d.String, nil
}

// PriceOnOrAfter returns the closing price on or after the given date.
func (s *SQLiteStore) PriceOnOrAfter(ctx context.Context, ticker, date string) (float64, bool, error) {
	var px float64
	err := s.db.QueryRowContext(ctx,
		`SELECT close FROM prices WHERE ticker = ? AND date >= ? ORDER BY date ASC LIMIT 1`,
		ticker, date).Scan(&px)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return px, true, nil
}

// ---------------------------------------------------------------------------
// AnalysisStore implementation
// ---------------------------------------------------------------------------

// SaveAnalysis appends one advisor run for a ticker.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a *domain.Analysis) error {
	sig, err := json.Marshal(a.Signals)
	if err != nil {
		return fmt.Errorf("encoding signals: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (run_date, ticker, signals, recommendation, reasoning, confidence, key_risk)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunDate, a.Ticker, string(sig), a.Recommendation, a.Reasoning, a.Confidence, a.KeyRisk)
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// AnalysisHistory returns the most recent runs for a ticker, newest first.
func (s *SQLiteStore) AnalysisHistory(ctx context.Context, ticker string, limit int) ([]domain.Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_date, ticker, signals, recommendation, reasoning, confidence, key_risk
		 FROM analyses WHERE ticker = ? ORDER BY run_date DESC, id DESC LIMIT ?`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Analysis
	for rows.Next() {
		var a domain.Analysis
		var sig string
		if err := rows.Scan(&a.ID, &a.RunDate, &a.Ticker, &sig, &a.Recommendation, &a.Reasoning, &a.Confidence, &a.KeyRisk); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sig), &a.Signals); err != nil {
			return nil, fmt.Errorf("decoding signals for analysis %d: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// MacroStore implementation
// ---------------------------------------------------------------------------

// UpsertMacro stores the snapshot for a date.
func (s *SQLiteStore) UpsertMacro(ctx context.Context, date string, snap domain.MacroSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding macro snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO macro_signals (date, data) VALUES (?, ?)
		 ON CONFLICT(date) DO UPDATE SET data=excluded.data`, date, string(data))
	return err
}

// LatestMacro returns the most recent snapshot and its date.
func (s *SQLiteStore) LatestMacro(ctx context.Context) (domain.MacroSnapshot, string, error) {
	var date, data string
	err := s.db.QueryRowContext(ctx,
		`SELECT date, data FROM macro_signals ORDER BY date DESC LIMIT 1`).Scan(&date, &data)
	if err == sql.ErrNoRows {
		return domain.MacroSnapshot{}, "", nil
	}
	if err != nil {
		return domain.MacroSnapshot{}, "", err
	}
	var snap domain.MacroSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return domain.MacroSnapshot{}, "", fmt.Errorf("decoding macro snapshot for %s: %w", date, err)
	}
	return snap, date, nil
}

// ---------------------------------------------------------------------------
// PortfolioStore implementation
// ---------------------------------------------------------------------------

// Holdings returns the user's positions ordered by ticker.
func (s *SQLiteStore) Holdings(ctx context.Context, userID string) ([]domain.Holding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticker, shares, avg_cost FROM holdings WHERE user_id = ? ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.Ticker, &h.Shares, &h.AvgCost); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HoldingShares returns holdings keyed by ticker.
func (s *SQLiteStore) HoldingShares(ctx context.Context, userID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticker, shares FROM holdings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var ticker string
		var shares float64
		if err := rows.Scan(&ticker, &shares); err != nil {
			return nil, err
		}
		out[ticker] = shares
	}
	return out, rows.Err()
}

// UpsertHolding inserts or updates a position.
func (s *SQLiteStore) UpsertHolding(ctx context.Context, userID string, h domain.Holding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holdings (user_id, ticker, shares, avg_cost) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, ticker) DO UPDATE SET shares=excluded.shares, avg_cost=excluded.avg_cost`,
		userID, h.Ticker, h.Shares, h.AvgCost)
	return err
}

// DeleteHolding removes the position for a ticker.
func (s *SQLiteStore) DeleteHolding(ctx context.Context, userID, ticker string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM holdings WHERE user_id = ? AND ticker = ?`, userID, ticker)
	return err
}

// AddTrade appends a ledger entry, recomputes the holding, and applies
// the cash effect, all in one transaction.
func (s *SQLiteStore) AddTrade(ctx context.Context, userID string, t domain.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trades (user_id, ticker, date, trade_type, price, quantity, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, t.Ticker, t.Date, t.TradeType, t.Price, t.Quantity, t.Notes); err != nil {
		return err
	}
	if err := recomputeHolding(ctx, tx, userID, t.Ticker); err != nil {
		return err
	}
	if err := adjustCash(ctx, tx, userID, t.TradeType, t.Price, t.Quantity, 1); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteTrade removes a ledger entry, recomputes the holding, and
// reverses the cash effect.
func (s *SQLiteStore) DeleteTrade(ctx context.Context, userID string, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ticker, tradeType string
	var price, quantity float64
	err = tx.QueryRowContext(ctx,
		`SELECT ticker, trade_type, price, quantity FROM trades WHERE id = ? AND user_id = ?`,
		id, userID).Scan(&ticker, &tradeType, &price, &quantity)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM trades WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return err
	}
	if err := recomputeHolding(ctx, tx, userID, ticker); err != nil {
		return err
	}
	if err := adjustCash(ctx, tx, userID, tradeType, price, quantity, -1); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteTickerTrades removes all trades and the holding for a ticker,
// reversing each trade's cash effect.
func (s *SQLiteStore) DeleteTickerTrades(ctx context.Context, userID, ticker string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT trade_type, price, quantity FROM trades WHERE user_id = ? AND ticker = ?`,
		userID, ticker)
	if err != nil {
		return err
	}
	type effect struct {
		tradeType       string
		price, quantity float64
	}
	var effects []effect
	for rows.Next() {
		var e effect
		if err := rows.Scan(&e.tradeType, &e.price, &e.quantity); err != nil {
			rows.Close()
			return err
		}
		effects = append(effects, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM trades WHERE user_id = ? AND ticker = ?`, userID, ticker); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM holdings WHERE user_id = ? AND ticker = ?`, userID, ticker); err != nil {
		return err
	}
	for _, e := range effects {
		if err := adjustCash(ctx, tx, userID, e.tradeType, e.price, e.quantity, -1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Trades returns the ledger newest first.
func (s *SQLiteStore) Trades(ctx context.Context, userID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticker, date, trade_type, price, quantity, notes
		 FROM trades WHERE user_id = ? ORDER BY date DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.Ticker, &t.Date, &t.TradeType, &t.Price, &t.Quantity, &t.Notes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Cash returns the user's cash balance.
func (s *SQLiteStore) Cash(ctx context.Context, userID string) (float64, error) {
	val, err := s.Setting(ctx, userID, "cash_balance", "0")
	if err != nil {
		return 0, err
	}
	var amount float64
	if _, err := fmt.Sscanf(val, "%g", &amount); err != nil {
		return 0, nil
	}
	return amount, nil
}

// SetCash stores the user's cash balance.
func (s *SQLiteStore) SetCash(ctx context.Context, userID string, amount float64) error {
	return s.SetSetting(ctx, userID, "cash_balance", fmt.Sprintf("%.2f", amount))
}

// recomputeHolding rebuilds the holding for a ticker by replaying its
// trades in date order. Average cost is recomputed across buys; sells
// reduce shares without touching average cost. A position that reaches
// zero shares is removed.
func recomputeHolding(ctx context.Context, tx *sql.Tx, userID, ticker string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT trade_type, price, quantity FROM trades
		 WHERE user_id = ? AND ticker = ? ORDER BY date ASC, id ASC`, userID, ticker)
	if err != nil {
		return err
	}
	var shares, avgCost float64
	for rows.Next() {
		var tradeType string
		var price, quantity float64
		if err := rows.Scan(&tradeType, &price, &quantity); err != nil {
			rows.Close()
			return err
		}
		switch tradeType {
		case "BUY":
			totalCost := shares*avgCost + quantity*price
			shares += quantity
			avgCost = totalCost / shares
		case "SELL":
			shares = math.Max(0, shares-quantity)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if shares <= 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM holdings WHERE user_id = ? AND ticker = ?`, userID, ticker)
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO holdings (user_id, ticker, shares, avg_cost) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, ticker) DO UPDATE SET shares=excluded.shares, avg_cost=excluded.avg_cost`,
		userID, ticker, round8(shares), round4(avgCost))
	return err
}

// adjustCash updates cash_balance: +proceeds for SELL, -cost for BUY.
// Reverse an earlier effect with sign=-1.
func adjustCash(ctx context.Context, tx *sql.Tx, userID, tradeType string, price, quantity float64, sign float64) error {
	var val string
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE user_id = ? AND key = 'cash_balance'`, userID).Scan(&val)
	current := 0.0
	if err == nil {
		fmt.Sscanf(val, "%g", &current)
	} else if err != sql.ErrNoRows {
		return err
	}
	switch tradeType {
	case "BUY":
		current -= sign * price * quantity
	case "SELL":
		current += sign * price * quantity
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO settings (user_id, key, value) VALUES (?, 'cash_balance', ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value=excluded.value`,
		userID, fmt.Sprintf("%.2f", current))
	return err
}

func round8(v float64) float64 { return math.Round(v*1e8) / 1e8 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// ---------------------------------------------------------------------------
// SettingStore implementation
// ---------------------------------------------------------------------------

// Setting returns the value for key, or def when unset.
func (s *SQLiteStore) Setting(ctx context.Context, userID, key, def string) (string, error) {
	var val sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&val)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if !val.Valid {
		return def, nil
	}
	return val.String, nil
}

// SetSetting stores a key/value pair for the user.
func (s *SQLiteStore) SetSetting(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value=excluded.value`,
		userID, key, value)
	return err
}

// ActiveTickers returns the user's watched tickers.
func (s *SQLiteStore) ActiveTickers(ctx context.Context, userID string, def []string) ([]string, error) {
	val, err := s.Setting(ctx, userID, "active_tickers", "")
	if err != nil {
		return nil, err
	}
	if val != "" {
		var tickers []string
		if err := json.Unmarshal([]byte(val), &tickers); err == nil {
			return tickers, nil
		}
	}
	out := make([]string, len(def))
	copy(out, def)
	return out, nil
}

// AddActiveTicker appends a ticker to the watched set if absent.
func (s *SQLiteStore) AddActiveTicker(ctx context.Context, userID, ticker string, def []string) error {
	current, err := s.ActiveTickers(ctx, userID, def)
	if err != nil {
		return err
	}
	for _, t := range current {
		if t == ticker {
			return nil
		}
	}
	current = append(current, ticker)
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, userID, "active_tickers", string(data))
}

// ---------------------------------------------------------------------------
// ChatStore implementation
// ---------------------------------------------------------------------------

// AddChatMessage appends a message and returns its assigned id.
func (s *SQLiteStore) AddChatMessage(ctx context.Context, userID, role, text string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, role, text, ts) VALUES (?, ?, ?, ?)`,
		userID, role, text, domain.NowTS())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ChatMessages returns the most recent messages in ascending id order.
func (s *SQLiteStore) ChatMessages(ctx context.Context, userID string, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, ts FROM chat_messages
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query returns newest first; the sync protocol wants ascending ids.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
