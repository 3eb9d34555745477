// Package technicals computes the indicator set shown on the dashboard:
// simple moving averages, RSI, trailing returns, BTC correlation, and
// cross-ticker relative strength. All functions are pure; callers feed in
// price history from the store.
package technicals

import (
	"math"

	"lapio/internal/domain"
)

// ErrInsufficientData is the error string surfaced when a ticker has too
// little history to compute signals.
const ErrInsufficientData = "Insufficient data — run a refresh first."

const (
	rsiPeriod     = 14
	minBars       = 20
	corrMinBars   = 30
	corrMinMerged = 10
)

// RSI computes a 14-period RSI over closing prices using simple averages
// of gains and losses. Returns nil when there is not enough history.
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	var gain, loss float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	if loss == 0 {
		return domain.Float(100)
	}
	rs := gain / loss
	return domain.Float(round2(100 - 100/(1+rs)))
}

// Compute derives the signal set for one ticker from its daily bars.
// btcBars supplies the reference series for the 30-day BTC correlation
// and may be empty. Bars must be in ascending date order.
func Compute(ticker string, bars, btcBars []domain.PriceBar) domain.Signals {
	if len(bars) < minBars {
		return domain.Signals{Ticker: ticker, Err: ErrInsufficientData}
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	current := closes[len(closes)-1]

	sig := domain.Signals{
		Ticker:       ticker,
		CurrentPrice: round2(current),
		SMA20:        round2(mean(closes[len(closes)-20:])),
		AboveSMA20:   current > mean(closes[len(closes)-20:]),
		RSI:          RSI(closes, rsiPeriod),
	}

	if len(closes) >= 50 {
		sma50 := mean(closes[len(closes)-50:])
		sig.SMA50 = domain.Float(round2(sma50))
		sig.AboveSMA50 = domain.Bool(current > sma50)
	}
	if len(closes) >= 6 {
		sig.WeekReturnPct = domain.Float(round2((current/closes[len(closes)-6] - 1) * 100))
	}
	if len(closes) >= 22 {
		sig.MonthReturnPct = domain.Float(round2((current/closes[len(closes)-22] - 1) * 100))
	}

	if len(bars) >= corrMinBars && len(btcBars) >= corrMinBars {
		if corr, ok := btcCorrelation(bars, btcBars); ok {
			sig.BTCCorrelation = domain.Float(corr)
		}
	}

	return sig
}

// btcCorrelation computes the Pearson correlation of daily returns
// between the ticker and BTC over dates both series cover.
func btcCorrelation(bars, btcBars []domain.PriceBar) (float64, bool) {
	btcByDate := make(map[string]float64, len(btcBars))
	for _, b := range btcBars {
		btcByDate[b.Date] = b.Close
	}

	var tickerCloses, btcCloses []float64
	for _, b := range bars {
		if btcClose, ok := btcByDate[b.Date]; ok {
			tickerCloses = append(tickerCloses, b.Close)
			btcCloses = append(btcCloses, btcClose)
		}
	}
	if len(tickerCloses) < corrMinMerged {
		return 0, false
	}

	tickerRets := pctChange(tickerCloses)
	btcRets := pctChange(btcCloses)
	corr, ok := pearson(tickerRets, btcRets)
	if !ok {
		return 0, false
	}
	return round3(corr), true
}

// AddRelativeStrength annotates each ticker's signals with its return
// delta versus the sector average. Tickers missing a return are skipped
// from the average and keep nil deltas.
func AddRelativeStrength(all map[string]*domain.Signals) {
	var weekSum, monthSum float64
	var weekN, monthN int
	for _, s := range all {
		if s.WeekReturnPct != nil {
			weekSum += *s.WeekReturnPct
			weekN++
		}
		if s.MonthReturnPct != nil {
			monthSum += *s.MonthReturnPct
			monthN++
		}
	}

	for _, s := range all {
		if s.WeekReturnPct != nil && weekN > 0 {
			s.VsSector1W = domain.Float(round2(*s.WeekReturnPct - weekSum/float64(weekN)))
		}
		if s.MonthReturnPct != nil && monthN > 0 {
			s.VsSector1M = domain.Float(round2(*s.MonthReturnPct - monthSum/float64(monthN)))
		}
	}
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func pctChange(closes []float64) []float64 {
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			rets = append(rets, 0)
			continue
		}
		rets = append(rets, closes[i]/closes[i-1]-1)
	}
	return rets
}

// pearson returns the correlation coefficient of two equal-length series.
// ok is false when either series has zero variance.
func pearson(x, y []float64) (float64, bool) {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0, false
	}
	mx, my := mean(x), mean(y)
	var sxy, sxx, syy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	return sxy / math.Sqrt(sxx*syy), true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
