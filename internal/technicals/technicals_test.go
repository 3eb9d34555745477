package technicals

import (
	"fmt"
	"math"
	"testing"

	"lapio/internal/domain"
)

func barsFromCloses(ticker string, closes []float64) []domain.PriceBar {
	bars := make([]domain.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = domain.PriceBar{
			Ticker: ticker,
			Date:   fmt.Sprintf("2026-01-%02d", i+1),
			Close:  c,
		}
	}
	return bars
}

func TestComputeInsufficientData(t *testing.T) {
	sig := Compute("MARA", barsFromCloses("MARA", []float64{1, 2, 3}), nil)
	if sig.Err != ErrInsufficientData {
		t.Errorf("Err = %q, want %q", sig.Err, ErrInsufficientData)
	}
	if sig.Ticker != "MARA" {
		t.Errorf("Ticker = %q, want MARA", sig.Ticker)
	}
}

func TestComputeFlatSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 10
	}
	sig := Compute("MARA", barsFromCloses("MARA", closes), nil)

	if sig.Err != "" {
		t.Fatalf("unexpected error: %q", sig.Err)
	}
	if sig.CurrentPrice != 10 || sig.SMA20 != 10 {
		t.Errorf("price/sma = %v/%v, want 10/10", sig.CurrentPrice, sig.SMA20)
	}
	if sig.AboveSMA20 {
		t.Error("flat series reported above SMA20")
	}
	if sig.SMA50 != nil {
		t.Errorf("SMA50 = %v with only 25 bars, want nil", *sig.SMA50)
	}
	if sig.WeekReturnPct == nil || *sig.WeekReturnPct != 0 {
		t.Errorf("WeekReturnPct = %v, want 0", sig.WeekReturnPct)
	}
	if sig.MonthReturnPct == nil || *sig.MonthReturnPct != 0 {
		t.Errorf("MonthReturnPct = %v, want 0", sig.MonthReturnPct)
	}
}

func TestComputeRisingSeries(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 10 + float64(i)*0.5
	}
	sig := Compute("MARA", barsFromCloses("MARA", closes), nil)

	if !sig.AboveSMA20 {
		t.Error("rising series not above SMA20")
	}
	if sig.SMA50 == nil || sig.AboveSMA50 == nil || !*sig.AboveSMA50 {
		t.Error("rising series with 60 bars should be above SMA50")
	}
	if sig.RSI == nil || *sig.RSI != 100 {
		t.Errorf("RSI = %v for monotonically rising series, want 100", sig.RSI)
	}
	if sig.WeekReturnPct == nil || *sig.WeekReturnPct <= 0 {
		t.Errorf("WeekReturnPct = %v, want positive", sig.WeekReturnPct)
	}
}

func TestRSIBounds(t *testing.T) {
	if got := RSI([]float64{1, 2, 3}, 14); got != nil {
		t.Errorf("RSI with short series = %v, want nil", *got)
	}

	// Alternating series should land strictly between the extremes.
	closes := make([]float64, 30)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 10
		} else {
			closes[i] = 11
		}
	}
	got := RSI(closes, 14)
	if got == nil {
		t.Fatal("RSI = nil")
	}
	if *got <= 0 || *got >= 100 {
		t.Errorf("RSI = %v, want within (0, 100)", *got)
	}
}

func TestBTCCorrelationPerfect(t *testing.T) {
	// Ticker moves in lockstep with BTC; correlation should be 1.
	closes := make([]float64, 40)
	btc := make([]float64, 40)
	v := 100.0
	for i := range closes {
		if i%3 == 0 {
			v *= 1.02
		} else {
			v *= 0.99
		}
		closes[i] = v
		btc[i] = v * 500
	}
	sig := Compute("MARA", barsFromCloses("MARA", closes), barsFromCloses("BTC", btc))
	if sig.BTCCorrelation == nil {
		t.Fatal("BTCCorrelation = nil")
	}
	if math.Abs(*sig.BTCCorrelation-1) > 0.001 {
		t.Errorf("BTCCorrelation = %v, want 1.0", *sig.BTCCorrelation)
	}
}

func TestBTCCorrelationSkippedWithoutOverlap(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 10 + float64(i%5)
	}
	bars := barsFromCloses("MARA", closes)
	btc := barsFromCloses("BTC", closes)
	for i := range btc {
		btc[i].Date = fmt.Sprintf("2025-01-%02d", i+1) // disjoint dates
	}
	sig := Compute("MARA", bars, btc)
	if sig.BTCCorrelation != nil {
		t.Errorf("BTCCorrelation = %v with disjoint dates, want nil", *sig.BTCCorrelation)
	}
}

func TestAddRelativeStrength(t *testing.T) {
	all := map[string]*domain.Signals{
		"MARA": {WeekReturnPct: domain.Float(10), MonthReturnPct: domain.Float(20)},
		"RIOT": {WeekReturnPct: domain.Float(4), MonthReturnPct: domain.Float(10)},
		"NEW":  {}, // not enough history, no returns
	}
	AddRelativeStrength(all)

	if got := *all["MARA"].VsSector1W; got != 3 {
		t.Errorf("MARA VsSector1W = %v, want 3", got)
	}
	if got := *all["RIOT"].VsSector1W; got != -3 {
		t.Errorf("RIOT VsSector1W = %v, want -3", got)
	}
	if got := *all["MARA"].VsSector1M; got != 5 {
		t.Errorf("MARA VsSector1M = %v, want 5", got)
	}
	if all["NEW"].VsSector1W != nil || all["NEW"].VsSector1M != nil {
		t.Error("ticker without returns received sector deltas")
	}
}
