// Package portfolio values the user's positions against price history and
// produces the benchmark comparisons shown on the dashboard.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"lapio/internal/domain"
	"lapio/internal/store"
	"lapio/internal/technicals"
)

// BenchmarkTicker is the reference index used for performance comparison.
const BenchmarkTicker = "SPY"

// PositionView is one row of the portfolio table: the stored holding
// enriched with current price, valuation, and the latest advisor verdict.
// Pointer fields are nil when the underlying data is missing.
type PositionView struct {
	Ticker         string   `json:"ticker"`
	Shares         float64  `json:"shares"`
	AvgCost        float64  `json:"avg_cost"`
	CurrentPrice   *float64 `json:"current_price"`
	CostValue      float64  `json:"cost_value"`
	MarketValue    *float64 `json:"market_value"`
	GainLossPct    *float64 `json:"gain_loss_pct"`
	SinceRunPct    *float64 `json:"since_run_pct"`
	SinceRunValue  *float64 `json:"since_run_value"`
	Recommendation string   `json:"recommendation,omitempty"`
	WeekReturnPct  *float64 `json:"week_return_pct"`
	MonthReturnPct *float64 `json:"month_return_pct"`
}

// Benchmark summarizes SPY performance.
type Benchmark struct {
	Ticker         string   `json:"ticker"`
	Available      bool     `json:"available"`
	CurrentPrice   float64  `json:"current_price,omitempty"`
	WeekReturnPct  *float64 `json:"week_return_pct,omitempty"`
	MonthReturnPct *float64 `json:"month_return_pct,omitempty"`
	YTDReturnPct   *float64 `json:"ytd_return_pct,omitempty"`
}

// ChartPoint is one normalised percentage observation.
type ChartPoint struct {
	Date string  `json:"date"`
	Pct  float64 `json:"pct"`
}

// Chart is the 30-day normalised comparison of SPY and the portfolio.
// Portfolio is nil when the user holds nothing or has no price coverage.
type Chart struct {
	Available bool         `json:"available"`
	SPY       []ChartPoint `json:"spy,omitempty"`
	Portfolio []ChartPoint `json:"portfolio"`
}

// Service computes portfolio views from the stores.
type Service struct {
	prices    store.PriceStore
	analyses  store.AnalysisStore
	positions store.PortfolioStore
	log       *slog.Logger
}

// NewService creates a portfolio service.
func NewService(prices store.PriceStore, analyses store.AnalysisStore, positions store.PortfolioStore, log *slog.Logger) *Service {
	return &Service{prices: prices, analyses: analyses, positions: positions, log: log}
}

// Positions returns the valued portfolio rows for a user.
func (s *Service) Positions(ctx context.Context, userID string) ([]PositionView, error) {
	holdings, err := s.positions.Holdings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading holdings: %w", err)
	}

	var out []PositionView
	for _, h := range holdings {
		v := PositionView{
			Ticker:    h.Ticker,
			Shares:    h.Shares,
			AvgCost:   h.AvgCost,
			CostValue: round2(h.AvgCost * h.Shares),
		}

		bars, err := s.prices.Prices(ctx, h.Ticker, 100)
		if err != nil {
			s.log.Warn("price lookup failed", "ticker", h.Ticker, "error", err)
		}
		if len(bars) > 0 {
			px := bars[len(bars)-1].Close
			v.CurrentPrice = domain.Float(px)
			v.MarketValue = domain.Float(round2(px * h.Shares))
			if h.AvgCost > 0 {
				v.GainLossPct = domain.Float(round2((px/h.AvgCost - 1) * 100))
			}

			sig := technicals.Compute(h.Ticker, bars, nil)
			v.WeekReturnPct = sig.WeekReturnPct
			v.MonthReturnPct = sig.MonthReturnPct
		}

		history, err := s.analyses.AnalysisHistory(ctx, h.Ticker, 1)
		if err != nil {
			s.log.Warn("analysis lookup failed", "ticker", h.Ticker, "error", err)
		}
		if len(history) > 0 {
			v.Recommendation = history[0].Recommendation
			lastRunPrice := history[0].Signals.CurrentPrice
			if v.CurrentPrice != nil && lastRunPrice > 0 {
				v.SinceRunPct = domain.Float(round2((*v.CurrentPrice/lastRunPrice - 1) * 100))
				v.SinceRunValue = domain.Float(round2((*v.CurrentPrice - lastRunPrice) * h.Shares))
			}
		}

		out = append(out, v)
	}
	return out, nil
}

// BenchmarkSummary returns SPY trailing and year-to-date returns computed
// from cached price history.
func (s *Service) BenchmarkSummary(ctx context.Context) (Benchmark, error) {
	bars, err := s.prices.Prices(ctx, BenchmarkTicker, 365)
	if err != nil {
		return Benchmark{Ticker: BenchmarkTicker}, err
	}
	if len(bars) < 2 {
		return Benchmark{Ticker: BenchmarkTicker, Available: false}, nil
	}

	last := bars[len(bars)-1]
	b := Benchmark{
		Ticker:       BenchmarkTicker,
		Available:    true,
		CurrentPrice: last.Close,
	}

	lastDate, err := time.Parse("2006-01-02", last.Date)
	if err != nil {
		return b, nil
	}
	for _, win := range []struct {
		days int
		dst  **float64
	}{
		{7, &b.WeekReturnPct},
		{30, &b.MonthReturnPct},
	} {
		cutoff := lastDate.AddDate(0, 0, -win.days).Format("2006-01-02")
		// Most recent bar at or before the cutoff.
		for i := len(bars) - 2; i >= 0; i-- {
			if bars[i].Date <= cutoff {
				*win.dst = domain.Float(round2((last.Close/bars[i].Close - 1) * 100))
				break
			}
		}
	}

	ytdStart := fmt.Sprintf("%d-01-01", time.Now().Year())
	for _, bar := range bars {
		if bar.Date >= ytdStart {
			b.YTDReturnPct = domain.Float(round2((last.Close/bar.Close - 1) * 100))
			break
		}
	}
	return b, nil
}

// BenchmarkChart returns 30-day normalised percentage series for SPY and
// the user's portfolio, both rebased to the first charted day.
func (s *Service) BenchmarkChart(ctx context.Context, userID string) (Chart, error) {
	spyBars, err := s.prices.Prices(ctx, BenchmarkTicker, 35)
	if err != nil {
		return Chart{}, err
	}
	if len(spyBars) < 2 {
		return Chart{Available: false}, nil
	}
	if len(spyBars) > 30 {
		spyBars = spyBars[len(spyBars)-30:]
	}

	base := spyBars[0].Close
	spy := make([]ChartPoint, len(spyBars))
	dates := make([]string, len(spyBars))
	for i, bar := range spyBars {
		spy[i] = ChartPoint{Date: bar.Date, Pct: round2((bar.Close/base - 1) * 100)}
		dates[i] = bar.Date
	}
	chart := Chart{Available: true, SPY: spy}

	shares, err := s.positions.HoldingShares(ctx, userID)
	if err != nil {
		return chart, err
	}
	if len(shares) == 0 {
		return chart, nil
	}

	// Sum shares x close across holdings for each charted date, carrying
	// the last known price forward over gaps.
	portByDate := make(map[string]float64)
	for ticker, held := range shares {
		bars, err := s.prices.Prices(ctx, ticker, 35)
		if err != nil || len(bars) == 0 {
			continue
		}
		priceByDate := make(map[string]float64, len(bars))
		avail := make([]string, 0, len(bars))
		for _, bar := range bars {
			priceByDate[bar.Date] = bar.Close
			avail = append(avail, bar.Date)
		}
		sort.Strings(avail)
		for _, d := range dates {
			px, ok := priceByDate[d]
			if !ok {
				// Most recent price on or before this date.
				idx := sort.SearchStrings(avail, d)
				if idx == 0 {
					continue
				}
				px = priceByDate[avail[idx-1]]
			}
			portByDate[d] += held * px
		}
	}
	if len(portByDate) == 0 {
		return chart, nil
	}

	var portBase float64
	for _, d := range dates {
		if v, ok := portByDate[d]; ok {
			portBase = v
			break
		}
	}
	if portBase == 0 {
		return chart, nil
	}
	for _, d := range dates {
		if v, ok := portByDate[d]; ok {
			chart.Portfolio = append(chart.Portfolio, ChartPoint{Date: d, Pct: round2((v/portBase - 1) * 100)})
		}
	}
	return chart, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
