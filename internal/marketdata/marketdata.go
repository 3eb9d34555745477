// Package marketdata keeps the local price cache current: daily equity
// bars from the Alpaca market-data API and BTC reference prices from
// CoinGecko, both written through the price store.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"lapio/internal/domain"
	"lapio/internal/store"
	"lapio/internal/util"
)

// DefaultTickers is the initial watched set for new installs.
var DefaultTickers = []string{"WGMI", "MARA", "RIOT", "BITX", "RIOX", "CIFU", "BMNU", "MSTX"}

// TickerUniverse is the full opt-in universe grouped by category for the
// trade form.
var TickerUniverse = map[string][]string{
	"Bitcoin Miners": {"WGMI", "MARA", "RIOT", "RIOX", "CIFU", "BMNU", "CLSK", "HUT", "IREN", "CORZ", "BTBT"},
	"Bitcoin ETFs":   {"BITX", "MSTX", "IBIT", "FBTC"},
}

// BenchmarkTicker is the index used for performance comparison.
const BenchmarkTicker = "SPY"

// BTCTicker is the cache row key for Bitcoin reference prices.
const BTCTicker = "BTC"

// backfillDays is how much history a brand-new ticker fetches.
const backfillDays = 365

// InUniverse reports whether a ticker belongs to the opt-in universe.
func InUniverse(ticker string) bool {
	for _, group := range TickerUniverse {
		for _, t := range group {
			if t == ticker {
				return true
			}
		}
	}
	return false
}

// BarsAPI fetches daily bars for one ticker over a date range. It is the
// seam between the refresher and the Alpaca SDK.
type BarsAPI interface {
	DailyBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.PriceBar, error)
}

// AlpacaSource implements BarsAPI over the Alpaca market-data client.
type AlpacaSource struct {
	client *marketdata.Client
}

var _ BarsAPI = (*AlpacaSource)(nil)

// NewAlpacaSource creates a source configured with the given credentials.
func NewAlpacaSource(apiKey, apiSecret, dataURL string) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaSource{client: marketdata.NewClient(opts)}
}

// DailyBars fetches daily bars from Alpaca and converts them to the
// domain form.
func (s *AlpacaSource) DailyBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alpacaBars, err := s.client.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      "iex",
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", ticker, err)
	}

	bars := make([]domain.PriceBar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.PriceBar{
			Ticker: strings.ToUpper(ticker),
			Date:   ab.Timestamp.UTC().Format("2006-01-02"),
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}
	return bars, nil
}

// Refresher fills gaps in the local price cache. Each refresh fetches
// only the dates missing since the last stored bar, so repeated calls on
// the same day are nearly free.
type Refresher struct {
	source  BarsAPI
	btc     *CoinGecko
	prices  store.PriceStore
	archive *store.ParquetArchive // optional
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewRefresher creates a refresher. archive may be nil to skip Parquet
// mirroring; limiter may be nil to fetch unthrottled.
func NewRefresher(source BarsAPI, btc *CoinGecko, prices store.PriceStore, archive *store.ParquetArchive, limiter *util.RateLimiter, log *slog.Logger) *Refresher {
	return &Refresher{
		source:  source,
		btc:     btc,
		prices:  prices,
		archive: archive,
		limiter: limiter,
		log:     log,
	}
}

// RefreshTicker fetches missing daily bars for one ticker. A ticker with
// no history backfills a year; one already current is a no-op.
func (r *Refresher) RefreshTicker(ctx context.Context, ticker string) error {
	today := time.Now().UTC()
	todayStr := today.Format("2006-01-02")

	latest, err := r.prices.LatestDate(ctx, ticker)
	if err != nil {
		return fmt.Errorf("latest date for %s: %w", ticker, err)
	}

	var start time.Time
	if latest == "" {
		start = today.AddDate(0, 0, -backfillDays)
	} else {
		last, err := time.Parse("2006-01-02", latest)
		if err != nil {
			return fmt.Errorf("parsing latest date %q for %s: %w", latest, ticker, err)
		}
		start = last.AddDate(0, 0, 1)
	}
	if start.Format("2006-01-02") > todayStr {
		return nil // already up to date
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	bars, err := r.source.DailyBars(ctx, ticker, start, today)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil // non-trading days in the gap
	}

	if err := r.prices.UpsertPrices(ctx, ticker, bars); err != nil {
		return fmt.Errorf("caching bars for %s: %w", ticker, err)
	}
	if r.archive != nil {
		if err := r.archive.WriteBars(ctx, bars); err != nil {
			r.log.Warn("parquet archive write failed", "ticker", ticker, "error", err)
		}
	}
	r.log.Info("refreshed prices", "ticker", ticker, "bars", len(bars), "from", start.Format("2006-01-02"))
	return nil
}

// RefreshAll refreshes every given ticker, stopping on the first error.
func (r *Refresher) RefreshAll(ctx context.Context, tickers []string) error {
	for _, t := range tickers {
		if err := r.RefreshTicker(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// RefreshBenchmark refreshes the SPY reference series.
func (r *Refresher) RefreshBenchmark(ctx context.Context) error {
	return r.RefreshTicker(ctx, BenchmarkTicker)
}

// RefreshBTC pulls daily BTC prices from CoinGecko into the cache under
// the BTC ticker.
func (r *Refresher) RefreshBTC(ctx context.Context, days int) error {
	if r.btc == nil {
		return nil
	}
	bars, err := r.btc.DailyPrices(ctx, days)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	if err := r.prices.UpsertPrices(ctx, BTCTicker, bars); err != nil {
		return fmt.Errorf("caching BTC bars: %w", err)
	}
	r.log.Info("refreshed prices", "ticker", BTCTicker, "bars", len(bars))
	return nil
}
