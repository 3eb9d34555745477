package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"lapio/internal/domain"
)

// ParquetArchive mirrors price history and the trade ledger to Parquet
// files on disk. SQLite stays the serving store; the archive exists for
// offline analysis and as a cheap backup that survives a lost cache.db.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates an archive rooted at the given directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// barRecord is the Parquet schema for daily price bars.
type barRecord struct {
	Ticker string  `parquet:"ticker"`
	Date   string  `parquet:"date"` // YYYY-MM-DD
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// tradeRecord is the Parquet schema for ledger entries.
type tradeRecord struct {
	ID        int64   `parquet:"id"`
	Ticker    string  `parquet:"ticker"`
	Date      string  `parquet:"date"`
	TradeType string  `parquet:"trade_type"`
	Price     float64 `parquet:"price"`
	Quantity  float64 `parquet:"quantity"`
	Notes     string  `parquet:"notes"`
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// WriteBars archives bars grouped by ticker and year. Layout:
//
//	<DataDir>/daily/<TICKER>/<YYYY>.parquet
//
// Existing records for the same date are replaced by incoming ones.
func (a *ParquetArchive) WriteBars(_ context.Context, bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		ticker string
		year   string
	}
	groups := make(map[key][]barRecord)
	for _, b := range bars {
		if len(b.Date) < 4 {
			continue
		}
		k := key{ticker: b.Ticker, year: b.Date[:4]}
		groups[k] = append(groups[k], barRecord{
			Ticker: b.Ticker,
			Date:   b.Date,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}

	for k, records := range groups {
		path := a.barPath(k.ticker, k.year)
		existing, _ := readParquetFile[barRecord](path)
		merged := mergeBarRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving bars for %s/%s: %w", k.ticker, k.year, err)
		}
	}
	return nil
}

// ReadBars reads archived bars for a ticker within [startYear, endYear]
// inclusive, in ascending date order.
func (a *ParquetArchive) ReadBars(_ context.Context, ticker string, startYear, endYear int) ([]domain.PriceBar, error) {
	var bars []domain.PriceBar
	for year := startYear; year <= endYear; year++ {
		path := a.barPath(ticker, fmt.Sprintf("%d", year))
		records, err := readParquetFile[barRecord](path)
		if err != nil {
			// No archive for this year.
			continue
		}
		for _, r := range records {
			bars = append(bars, domain.PriceBar{
				Ticker: r.Ticker,
				Date:   r.Date,
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// ListTickers lists all tickers with archived bar data.
func (a *ParquetArchive) ListTickers(_ context.Context) ([]string, error) {
	dir := filepath.Join(a.DataDir, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tickers []string
	for _, e := range entries {
		if e.IsDir() {
			tickers = append(tickers, e.Name())
		}
	}
	sort.Strings(tickers)
	return tickers, nil
}

// ---------------------------------------------------------------------------
// Trade ledger
// ---------------------------------------------------------------------------

// WriteTrades archives a full ledger snapshot at:
//
//	<DataDir>/ledger/trades.parquet
//
// Entries merge by id, so repeated snapshots stay deduplicated while new
// trades accumulate.
func (a *ParquetArchive) WriteTrades(_ context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	records := make([]tradeRecord, 0, len(trades))
	for _, t := range trades {
		records = append(records, tradeRecord{
			ID:        t.ID,
			Ticker:    t.Ticker,
			Date:      t.Date,
			TradeType: t.TradeType,
			Price:     t.Price,
			Quantity:  t.Quantity,
			Notes:     t.Notes,
		})
	}

	path := a.tradePath()
	existing, _ := readParquetFile[tradeRecord](path)
	merged := mergeTradeRecords(existing, records)
	return writeParquetFile(path, merged)
}

// ReadTrades reads the archived ledger in ascending date order.
func (a *ParquetArchive) ReadTrades(_ context.Context) ([]domain.Trade, error) {
	records, err := readParquetFile[tradeRecord](a.tradePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	trades := make([]domain.Trade, 0, len(records))
	for _, r := range records {
		trades = append(trades, domain.Trade{
			ID:        r.ID,
			Ticker:    r.Ticker,
			Date:      r.Date,
			TradeType: r.TradeType,
			Price:     r.Price,
			Quantity:  r.Quantity,
			Notes:     r.Notes,
		})
	}
	return trades, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the archive path for one ticker-year of bars.
func (a *ParquetArchive) barPath(ticker, year string) string {
	return filepath.Join(a.DataDir, "daily", strings.ToUpper(ticker), year+".parquet")
}

// tradePath returns the archive path for the ledger snapshot.
func (a *ParquetArchive) tradePath() string {
	return filepath.Join(a.DataDir, "ledger", "trades.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (ticker, date), preferring
// new records over existing ones. Results are sorted by date.
func mergeBarRecords(existing, incoming []barRecord) []barRecord {
	type key struct {
		ticker string
		date   string
	}
	seen := make(map[key]barRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Ticker, r.Date}] = r
	}
	for _, r := range incoming {
		seen[key{r.Ticker, r.Date}] = r
	}

	merged := make([]barRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date < merged[j].Date
	})
	return merged
}

// mergeTradeRecords deduplicates ledger records by id, preferring new
// records over existing ones. Results are sorted by date then id.
func mergeTradeRecords(existing, incoming []tradeRecord) []tradeRecord {
	seen := make(map[int64]tradeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]tradeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Date != merged[j].Date {
			return merged[i].Date < merged[j].Date
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
