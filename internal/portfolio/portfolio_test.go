package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"lapio/internal/domain"
	"lapio/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s, s, s, slog.Default()), s
}

func seedBars(t *testing.T, s *store.SQLiteStore, ticker string, closes []float64) {
	t.Helper()
	bars := make([]domain.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = domain.PriceBar{
			Ticker: ticker,
			Date:   fmt.Sprintf("2026-08-%02d", i+1),
			Close:  c,
		}
	}
	if err := s.UpsertPrices(context.Background(), ticker, bars); err != nil {
		t.Fatalf("UpsertPrices: %v", err)
	}
}

func TestPositionsValuation(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	seedBars(t, s, "MARA", []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 20})
	s.UpsertHolding(ctx, "", domain.Holding{Ticker: "MARA", Shares: 100, AvgCost: 10})

	views, err := svc.Positions(ctx, "")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("have %d positions, want 1", len(views))
	}
	v := views[0]
	if v.CurrentPrice == nil || *v.CurrentPrice != 20 {
		t.Fatalf("CurrentPrice = %v, want 20", v.CurrentPrice)
	}
	if v.CostValue != 1000 {
		t.Errorf("CostValue = %v, want 1000", v.CostValue)
	}
	if v.MarketValue == nil || *v.MarketValue != 2000 {
		t.Errorf("MarketValue = %v, want 2000", v.MarketValue)
	}
	if v.GainLossPct == nil || *v.GainLossPct != 100 {
		t.Errorf("GainLossPct = %v, want 100", v.GainLossPct)
	}
}

func TestPositionsUsesLatestAnalysis(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	seedBars(t, s, "RIOT", []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 11})
	s.UpsertHolding(ctx, "", domain.Holding{Ticker: "RIOT", Shares: 50, AvgCost: 8})
	s.SaveAnalysis(ctx, &domain.Analysis{
		RunDate:        "2026-08-05",
		Ticker:         "RIOT",
		Signals:        domain.Signals{Ticker: "RIOT", CurrentPrice: 10},
		Recommendation: "BUY",
	})

	views, err := svc.Positions(ctx, "")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	v := views[0]
	if v.Recommendation != "BUY" {
		t.Errorf("Recommendation = %q, want BUY", v.Recommendation)
	}
	if v.SinceRunPct == nil || *v.SinceRunPct != 10 {
		t.Errorf("SinceRunPct = %v, want 10", v.SinceRunPct)
	}
	if v.SinceRunValue == nil || *v.SinceRunValue != 50 {
		t.Errorf("SinceRunValue = %v, want 50", v.SinceRunValue)
	}
}

func TestPositionsWithoutPrices(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	s.UpsertHolding(ctx, "", domain.Holding{Ticker: "GHOST", Shares: 10, AvgCost: 5})

	views, err := svc.Positions(ctx, "")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	v := views[0]
	if v.CurrentPrice != nil || v.MarketValue != nil || v.GainLossPct != nil {
		t.Errorf("position without prices has valuation: %+v", v)
	}
	if v.CostValue != 50 {
		t.Errorf("CostValue = %v, want 50", v.CostValue)
	}
}

func TestBenchmarkSummary(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	b, err := svc.BenchmarkSummary(ctx)
	if err != nil {
		t.Fatalf("BenchmarkSummary: %v", err)
	}
	if b.Available {
		t.Error("benchmark available with no data")
	}

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	seedBarsDaily(t, s, BenchmarkTicker, closes)

	b, err = svc.BenchmarkSummary(ctx)
	if err != nil {
		t.Fatalf("BenchmarkSummary: %v", err)
	}
	if !b.Available {
		t.Fatal("benchmark unavailable with 40 bars")
	}
	if b.CurrentPrice != 139 {
		t.Errorf("CurrentPrice = %v, want 139", b.CurrentPrice)
	}
	if b.WeekReturnPct == nil || *b.WeekReturnPct <= 0 {
		t.Errorf("WeekReturnPct = %v, want positive", b.WeekReturnPct)
	}
	if b.MonthReturnPct == nil || *b.MonthReturnPct <= 0 {
		t.Errorf("MonthReturnPct = %v, want positive", b.MonthReturnPct)
	}
}

func dayOffset(daysAgo int) string {
	return time.Now().AddDate(0, 0, -daysAgo).Format("2006-01-02")
}

// seedBarsDaily writes consecutive calendar days ending today, so
// date-window lookups in the benchmark math resolve.
func seedBarsDaily(t *testing.T, s *store.SQLiteStore, ticker string, closes []float64) {
	t.Helper()
	bars := make([]domain.PriceBar, len(closes))
	for i, c := range closes {
		d := dayOffset(len(closes) - 1 - i)
		bars[i] = domain.PriceBar{Ticker: ticker, Date: d, Close: c}
	}
	if err := s.UpsertPrices(context.Background(), ticker, bars); err != nil {
		t.Fatalf("UpsertPrices: %v", err)
	}
}

func TestBenchmarkChart(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	spy := make([]float64, 35)
	mara := make([]float64, 35)
	for i := range spy {
		spy[i] = 100 + float64(i)
		mara[i] = 10 + float64(i)*0.5
	}
	seedBarsDaily(t, s, BenchmarkTicker, spy)
	seedBarsDaily(t, s, "MARA", mara)
	s.UpsertHolding(ctx, "", domain.Holding{Ticker: "MARA", Shares: 100, AvgCost: 10})

	chart, err := svc.BenchmarkChart(ctx, "")
	if err != nil {
		t.Fatalf("BenchmarkChart: %v", err)
	}
	if !chart.Available {
		t.Fatal("chart unavailable")
	}
	if len(chart.SPY) != 30 {
		t.Errorf("SPY series has %d points, want 30", len(chart.SPY))
	}
	if chart.SPY[0].Pct != 0 {
		t.Errorf("SPY series not rebased to 0: first pct = %v", chart.SPY[0].Pct)
	}
	if len(chart.Portfolio) == 0 {
		t.Fatal("portfolio series empty")
	}
	if chart.Portfolio[0].Pct != 0 {
		t.Errorf("portfolio series not rebased to 0: first pct = %v", chart.Portfolio[0].Pct)
	}
	last := chart.Portfolio[len(chart.Portfolio)-1]
	if last.Pct <= 0 {
		t.Errorf("portfolio final pct = %v, want positive for rising prices", last.Pct)
	}
}

func TestBenchmarkChartWithoutHoldings(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	spy := make([]float64, 10)
	for i := range spy {
		spy[i] = 100 + float64(i)
	}
	seedBarsDaily(t, s, BenchmarkTicker, spy)

	chart, err := svc.BenchmarkChart(ctx, "")
	if err != nil {
		t.Fatalf("BenchmarkChart: %v", err)
	}
	if !chart.Available {
		t.Fatal("chart unavailable")
	}
	if chart.Portfolio != nil {
		t.Errorf("portfolio series = %v with no holdings, want nil", chart.Portfolio)
	}
}
