// Package macro fetches market-wide context signals: BTC implied
// volatility, perpetual funding, the Fear & Greed index, hash rate and
// the Puell Multiple, plus rates and credit series from FRED. Every
// source is free; FRED alone needs an API key. Each source fails
// independently so a partial snapshot is still useful.
package macro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"lapio/internal/domain"
	"lapio/internal/store"
)

const (
	deribitBase   = "https://www.deribit.com/api/v2"
	bybitBase     = "https://api.bybit.com"
	okxBase       = "https://www.okx.com"
	fearGreedBase = "https://api.alternative.me"
	mempoolBase   = "https://mempool.space/api/v1"
	fredBase      = "https://api.stlouisfed.org"

	// Post-April-2024 halving subsidy, valid until roughly 2028.
	blockSubsidyBTC = 3.125
	blocksPerDay    = 144
)

// fredSeries maps FRED series ids to snapshot fields.
var fredSeries = []struct {
	ID     string
	Assign func(*domain.MacroSnapshot, float64)
}{
	{"VIXCLS", func(s *domain.MacroSnapshot, v float64) { s.VIX = &v }},
	{"DGS2", func(s *domain.MacroSnapshot, v float64) { s.US2YYield = &v }},
	{"DTWEXBGS", func(s *domain.MacroSnapshot, v float64) { s.DXY = &v }},
	{"BAMLH0A0HYM2", func(s *domain.MacroSnapshot, v float64) { s.HYSpread = &v }},
}

// Fetcher aggregates the macro sources into daily snapshots.
type Fetcher struct {
	deribit   string
	bybit     string
	okx       string
	fearGreed string
	mempool   string
	fred      string
	fredKey   string

	prices store.PriceStore
	macros store.MacroStore
	client *http.Client
	log    *slog.Logger
}

// Option overrides a Fetcher default, mainly for tests.
type Option func(*Fetcher)

// WithBaseURLs points every upstream at the same base URL.
func WithBaseURLs(base string) Option {
	return func(f *Fetcher) {
		f.deribit = base
		f.bybit = base
		f.okx = base
		f.fearGreed = base
		f.mempool = base
		f.fred = base
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher creates a fetcher over the public APIs. fredKey may be
// empty, in which case the FRED series are skipped.
func NewFetcher(prices store.PriceStore, macros store.MacroStore, fredKey string, log *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		deribit:   deribitBase,
		bybit:     bybitBase,
		okx:       okxBase,
		fearGreed: fearGreedBase,
		mempool:   mempoolBase,
		fred:      fredBase,
		fredKey:   fredKey,
		prices:    prices,
		macros:    macros,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Refresh fetches every source concurrently, stores the snapshot under
// today's date when at least one signal resolved, and returns it.
// Individual source failures are logged and leave their fields nil.
func (f *Fetcher) Refresh(ctx context.Context) (domain.MacroSnapshot, error) {
	var (
		snap domain.MacroSnapshot
		mu   sync.Mutex
		wg   sync.WaitGroup
	)

	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				f.log.Warn("macro source failed", "source", name, "error", err)
			}
		}()
	}

	run("dvol", func() error {
		v, err := f.fetchDVOL(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		snap.BTCDvol = &v
		mu.Unlock()
		return nil
	})
	run("funding", func() error {
		v, err := f.fetchFundingRate(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		snap.BTCFundingRatePct = &v
		mu.Unlock()
		return nil
	})
	run("fear_greed", func() error {
		value, label, err := f.fetchFearGreed(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		snap.FearGreedValue = &value
		snap.FearGreedLabel = label
		mu.Unlock()
		return nil
	})
	run("puell", func() error {
		hashEH, puell, err := f.fetchPuell(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		snap.HashRateEH = &hashEH
		snap.PuellMultiple = puell
		mu.Unlock()
		return nil
	})
	if f.fredKey != "" {
		for _, s := range fredSeries {
			s := s
			run("fred:"+s.ID, func() error {
				v, err := f.fetchFRED(ctx, s.ID)
				if err != nil {
					return err
				}
				mu.Lock()
				s.Assign(&snap, v)
				mu.Unlock()
				return nil
			})
		}
	}
	wg.Wait()

	if snap.Empty() {
		return snap, nil
	}
	today := time.Now().UTC().Format("2006-01-02")
	if err := f.macros.UpsertMacro(ctx, today, snap); err != nil {
		return snap, fmt.Errorf("storing macro snapshot: %w", err)
	}
	return snap, nil
}

// fetchDVOL returns the latest daily close of Deribit's BTC volatility
// index, looking back one week.
func (f *Fetcher) fetchDVOL(ctx context.Context) (float64, error) {
	end := time.Now().UnixMilli()
	start := end - 7*24*3600*1000

	q := url.Values{}
	q.Set("currency", "BTC")
	q.Set("resolution", "86400")
	q.Set("start_timestamp", fmt.Sprintf("%d", start))
	q.Set("end_timestamp", fmt.Sprintf("%d", end))

	var body struct {
		Result struct {
			Data [][5]float64 `json:"data"`
		} `json:"result"`
	}
	if err := f.getJSON(ctx, f.deribit+"/public/get_volatility_index_data?"+q.Encode(), &body); err != nil {
		return 0, err
	}
	rows := body.Result.Data
	if len(rows) == 0 {
		return 0, fmt.Errorf("no dvol rows")
	}
	return round(rows[len(rows)-1][4], 1), nil
}

// fetchFundingRate returns the latest BTC perpetual funding rate as a
// percentage, trying Bybit first and falling back to OKX.
func (f *Fetcher) fetchFundingRate(ctx context.Context) (float64, error) {
	var bybit struct {
		Result struct {
			List []struct {
				FundingRate string `json:"fundingRate"`
			} `json:"list"`
		} `json:"result"`
	}
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", "BTCUSDT")
	q.Set("limit", "1")
	err := f.getJSON(ctx, f.bybit+"/v5/market/funding/history?"+q.Encode(), &bybit)
	if err == nil && len(bybit.Result.List) > 0 {
		var rate float64
		if _, perr := fmt.Sscanf(bybit.Result.List[0].FundingRate, "%f", &rate); perr == nil {
			return round(rate*100, 4), nil
		}
	}
	if err != nil {
		f.log.Warn("bybit funding failed, trying okx", "error", err)
	}

	var okx struct {
		Data []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, f.okx+"/api/v5/public/funding-rate?instId=BTC-USDT-SWAP", &okx); err != nil {
		return 0, err
	}
	if len(okx.Data) == 0 {
		return 0, fmt.Errorf("no funding rows")
	}
	var rate float64
	if _, err := fmt.Sscanf(okx.Data[0].FundingRate, "%f", &rate); err != nil {
		return 0, fmt.Errorf("parsing funding rate: %w", err)
	}
	return round(rate*100, 4), nil
}

// fetchFearGreed returns the current Crypto Fear & Greed index value
// and classification from Alternative.me.
func (f *Fetcher) fetchFearGreed(ctx context.Context) (int, string, error) {
	var body struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, f.fearGreed+"/fng/?limit=1", &body); err != nil {
		return 0, "", err
	}
	if len(body.Data) == 0 {
		return 0, "", fmt.Errorf("no fear & greed rows")
	}
	var value int
	if _, err := fmt.Sscanf(body.Data[0].Value, "%d", &value); err != nil {
		return 0, "", fmt.Errorf("parsing fear & greed value: %w", err)
	}
	return value, body.Data[0].Classification, nil
}

// fetchPuell returns the network hash rate in EH/s and, when enough
// BTC price history is cached, the Puell Multiple: today's USD
// issuance revenue over its trailing 365-day average.
func (f *Fetcher) fetchPuell(ctx context.Context) (float64, *float64, error) {
	var body struct {
		Hashrates []struct {
			AvgHashrate float64 `json:"avgHashrate"`
		} `json:"hashrates"`
	}
	if err := f.getJSON(ctx, f.mempool+"/mining/hashrate/1y", &body); err != nil {
		return 0, nil, err
	}
	if len(body.Hashrates) == 0 {
		return 0, nil, fmt.Errorf("no hashrate rows")
	}
	hashEH := round(body.Hashrates[len(body.Hashrates)-1].AvgHashrate/1e18, 1)

	bars, err := f.prices.Prices(ctx, "BTC", 400)
	if err != nil || len(bars) < 30 {
		return hashEH, nil, nil
	}

	dailyIssuance := blocksPerDay * blockSubsidyBTC
	revenues := make([]float64, len(bars))
	for i, b := range bars {
		revenues[i] = b.Close * dailyIssuance
	}
	window := revenues
	if len(window) > 365 {
		window = window[len(window)-365:]
	}
	var sum float64
	for _, r := range window {
		sum += r
	}
	avg := sum / float64(len(window))
	if avg <= 0 {
		return hashEH, nil, nil
	}
	puell := round(revenues[len(revenues)-1]/avg, 3)
	return hashEH, &puell, nil
}

// fetchFRED returns the most recent non-missing observation for a
// series. FRED marks missing observations with ".".
func (f *Fetcher) fetchFRED(ctx context.Context, seriesID string) (float64, error) {
	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("api_key", f.fredKey)
	q.Set("file_type", "json")
	q.Set("sort_order", "desc")
	q.Set("limit", "5")

	var body struct {
		Observations []struct {
			Value string `json:"value"`
		} `json:"observations"`
	}
	if err := f.getJSON(ctx, f.fred+"/fred/series/observations?"+q.Encode(), &body); err != nil {
		return 0, err
	}
	for _, obs := range body.Observations {
		if obs.Value == "." {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(obs.Value, "%f", &v); err != nil {
			continue
		}
		return round(v, 4), nil
	}
	return 0, fmt.Errorf("no usable observation for %s", seriesID)
}

func (f *Fetcher) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, req.URL.Host)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
