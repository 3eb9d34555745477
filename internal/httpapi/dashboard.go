package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"lapio/internal/advisor"
	"lapio/internal/domain"
	"lapio/internal/marketdata"
	"lapio/internal/notify"
	"lapio/internal/sizing"
	"lapio/internal/technicals"
)

// btcRefreshDays is the CoinGecko window pulled before an analysis run.
const btcRefreshDays = 90

// analysisHistoryLimit is how many past runs the history endpoint scores.
const analysisHistoryLimit = 12

// errUpstream marks a failure in the advisor round trip, as opposed to
// a local storage problem.
var errUpstream = errors.New("upstream analysis failed")

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	resp, err := s.analyze(r.Context())
	if err != nil {
		if errors.Is(err, errUpstream) {
			writeError(w, http.StatusBadGateway, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, resp)
}

// RunDailyAnalysis executes the full analysis cycle outside the request
// path. The scheduler uses it for the daily run; signal notifications
// fire the same way they do for an interactive run, and when Google
// export is configured the run is appended to the sheet and archived as
// a JSON report in Drive.
func (s *Server) RunDailyAnalysis(ctx context.Context) error {
	resp, err := s.analyze(ctx)
	if err != nil {
		return err
	}

	if s.exporter != nil && s.exporter.Configured() {
		results := make(map[string]advisor.Result, len(resp.Tickers))
		for t, at := range resp.Tickers {
			results[t] = at.Result
		}
		if _, err := s.exporter.AppendAnalysis(ctx, results); err != nil {
			s.log.Warn("daily sheets export failed", "error", err)
		}
		if _, err := s.exporter.UploadReport(ctx, results); err != nil {
			s.log.Warn("daily drive report failed", "error", err)
		}
	}

	s.log.Info("daily analysis complete", "tickers", len(resp.Tickers))
	return nil
}

// analyze refreshes market data, recomputes indicators, and runs the
// advisor over the active universe.
func (s *Server) analyze(ctx context.Context) (AnalyzeResponse, error) {
	active, err := s.stores.Settings.ActiveTickers(ctx, defaultUser, marketdata.DefaultTickers)
	if err != nil {
		return AnalyzeResponse{}, errors.New("failed to load active tickers")
	}

	// Upstream refreshes are best-effort; stale cached bars beat a 502.
	if s.refresher != nil {
		if err := s.refresher.RefreshBTC(ctx, btcRefreshDays); err != nil {
			s.log.Warn("BTC price refresh failed, using cache", "error", err)
		}
		if err := s.refresher.RefreshAll(ctx, active); err != nil {
			s.log.Warn("price refresh failed, using cache", "error", err)
		}
	}

	signals := s.computeSignals(ctx, active)

	var fund *domain.Fundamentals
	if s.miners != nil {
		if bars, err := s.stores.Prices.Prices(ctx, marketdata.BTCTicker, 2); err == nil && len(bars) > 0 {
			f, err := s.miners.Fundamentals(ctx, bars[len(bars)-1].Close)
			if err != nil {
				s.log.Warn("miner fundamentals fetch failed", "error", err)
			} else {
				fund = &f
			}
		}
	}

	var snap domain.MacroSnapshot
	if s.macro != nil {
		if snap, err = s.macro.Refresh(ctx); err != nil {
			s.log.Warn("macro refresh failed", "error", err)
		}
	}
	if snap.Empty() {
		snap, _, _ = s.stores.Macros.LatestMacro(ctx)
	}

	results, err := s.analyst.RunAnalysis(ctx, defaultUser, signals, fund, snap, "miners")
	if err != nil {
		return AnalyzeResponse{}, fmt.Errorf("%w: %v", errUpstream, err)
	}

	tierName, _ := s.stores.Settings.Setting(ctx, defaultUser, "risk_tier", "neutral")
	capStr, _ := s.stores.Settings.Setting(ctx, defaultUser, "total_capital", "")
	totalCapital, _ := strconv.ParseFloat(capStr, 64)
	holdings, err := s.stores.Portfolio.HoldingShares(ctx, defaultUser)
	if err != nil {
		s.log.Warn("loading holdings for guidance", "error", err)
	}

	tickers := make([]string, 0, len(results))
	for t := range results {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	out := make(map[string]AnalyzeTicker, len(results))
	var alerts []notify.Alert
	for _, t := range tickers {
		res := results[t]
		g := sizing.ComputeGuidance(res.Recommendation.Recommendation, res.Confidence,
			res.CurrentPrice, holdings[t], tierName, totalCapital)
		out[t] = AnalyzeTicker{Result: res, PositionGuidance: g}
		if res.Err == "" {
			alerts = append(alerts, notify.Alert{
				Ticker:         t,
				Recommendation: res.Recommendation.Recommendation,
				Confidence:     res.Confidence,
				CurrentPrice:   res.CurrentPrice,
				Reasoning:      res.Reasoning,
				Guidance:       g,
			})
		}
	}
	if s.notifier != nil {
		s.notifier.NotifySignals(ctx, defaultUser, alerts)
	}

	bias, _ := s.stores.Settings.Setting(ctx, defaultUser, "macro_bias", "")
	resp := AnalyzeResponse{Tickers: out, Fundamentals: fund, MacroBias: bias}
	if !snap.Empty() {
		resp.Macro = &snap
	}
	return resp, nil
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := s.stores.Settings.ActiveTickers(ctx, defaultUser, marketdata.DefaultTickers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load active tickers")
		return
	}
	writeJSON(w, s.computeSignals(ctx, active))
}

// computeSignals builds indicators for each ticker from cached bars
// only; no upstream calls.
func (s *Server) computeSignals(ctx context.Context, tickers []string) map[string]domain.Signals {
	btcBars, err := s.stores.Prices.Prices(ctx, marketdata.BTCTicker, 400)
	if err != nil {
		s.log.Warn("loading BTC history", "error", err)
	}

	byTicker := make(map[string]*domain.Signals, len(tickers))
	for _, t := range tickers {
		bars, err := s.stores.Prices.Prices(ctx, t, 400)
		if err != nil {
			s.log.Warn("loading price history", "ticker", t, "error", err)
			bars = nil
		}
		sig := technicals.Compute(t, bars, btcBars)
		byTicker[t] = &sig
	}
	technicals.AddRelativeStrength(byTicker)

	out := make(map[string]domain.Signals, len(byTicker))
	for t, sig := range byTicker {
		out[t] = *sig
	}
	return out
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, err := s.stores.Settings.Setting(ctx, defaultUser, "risk_tier", "neutral")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	capStr, _ := s.stores.Settings.Setting(ctx, defaultUser, "total_capital", "0")
	capital, _ := strconv.ParseFloat(capStr, 64)
	writeJSON(w, SettingsResponse{
		RiskTier:           tier,
		TotalCapital:       capital,
		TelegramConfigured: s.telegram != nil && s.telegram.Configured(),
	})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var body SettingsRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ctx := r.Context()
	if body.RiskTier != nil {
		if _, ok := sizing.Tiers[*body.RiskTier]; !ok {
			names := make([]string, 0, len(sizing.Tiers))
			for name := range sizing.Tiers {
				names = append(names, name)
			}
			sort.Strings(names)
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid risk_tier: must be one of %s", strings.Join(names, ", ")))
			return
		}
		if err := s.stores.Settings.SetSetting(ctx, defaultUser, "risk_tier", *body.RiskTier); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}
	if body.TotalCapital != nil {
		v := strconv.FormatFloat(*body.TotalCapital, 'f', -1, 64)
		if err := s.stores.Settings.SetSetting(ctx, defaultUser, "total_capital", v); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.telegram == nil || !s.telegram.Configured() {
		writeError(w, http.StatusBadRequest, "telegram bot token and chat id not configured")
		return
	}
	msg := "✅ <b>LAPIO TEST</b>\n\nTelegram notifications are working correctly.\n\nlapio.dev"
	if err := s.telegram.Send(r.Context(), msg); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("telegram error: %v", err))
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleMacro(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, date, err := s.stores.Macros.LatestMacro(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load macro snapshot")
		return
	}
	bias, _ := s.stores.Settings.Setting(ctx, defaultUser, "macro_bias", "")
	writeJSON(w, MacroResponse{MacroSnapshot: snap, Date: date, MacroBias: bias})
}

func (s *Server) handleTickerUniverse(w http.ResponseWriter, r *http.Request) {
	active, err := s.stores.Settings.ActiveTickers(r.Context(), defaultUser, marketdata.DefaultTickers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load active tickers")
		return
	}
	writeJSON(w, UniverseResponse{Universe: marketdata.TickerUniverse, Active: active})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ticker := strings.ToUpper(r.PathValue("ticker"))

	active, err := s.stores.Settings.ActiveTickers(ctx, defaultUser, marketdata.DefaultTickers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load active tickers")
		return
	}
	known := false
	for _, t := range active {
		if t == ticker {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown ticker: %s", ticker))
		return
	}

	rows, err := s.stores.Analyses.AnalysisHistory(ctx, ticker, analysisHistoryLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	today := time.Now().UTC().Format("2006-01-02")
	entries := make([]HistoryEntry, 0, len(rows))
	for _, a := range rows {
		entries = append(entries, s.scoreOutcome(ctx, a, today))
	}
	writeJSON(w, entries)
}

// scoreOutcome grades a past run against the closing price 14 days
// after it. BUY wants the price up, SELL down; HOLD counts as correct
// inside a +/-5% band.
func (s *Server) scoreOutcome(ctx context.Context, a domain.Analysis, today string) HistoryEntry {
	e := HistoryEntry{Analysis: a, Outcome: "pending"}

	run, err := time.Parse("2006-01-02", a.RunDate)
	if err != nil {
		return e
	}
	target := run.AddDate(0, 0, 14).Format("2006-01-02")
	entry := a.Signals.CurrentPrice
	if entry == 0 || target > today {
		return e
	}
	exit, ok, err := s.stores.Prices.PriceOnOrAfter(ctx, a.Ticker, target)
	if err != nil || !ok {
		return e
	}

	ret := math.Round((exit/entry-1)*10000) / 100
	e.OutcomeReturnPct = &ret
	var correct bool
	switch a.Recommendation {
	case "BUY":
		correct = ret > 0
	case "SELL":
		correct = ret < 0
	default:
		correct = ret >= -5 && ret <= 5
	}
	if correct {
		e.Outcome = "correct"
	} else {
		e.Outcome = "incorrect"
	}
	return e
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	resp := ExportStatusResponse{Configured: s.exporter.Configured(), Missing: []string{}}
	if !resp.Configured {
		resp.Missing = s.exporter.Missing()
	}
	writeJSON(w, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.exporter.Configured() {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("google export not configured, missing: %s", strings.Join(s.exporter.Missing(), ", ")))
		return
	}

	var results map[string]advisor.Result
	if err := decodeJSON(r, &results); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	resp := ExportResponse{Sheet: "error"}
	url, err := s.exporter.AppendAnalysis(r.Context(), results)
	if err != nil {
		s.log.Error("sheets export failed", "error", err)
		resp.Sheet = fmt.Sprintf("error: %v", err)
	} else {
		resp.Sheet = "ok"
		resp.SheetURL = url
	}
	writeJSON(w, resp)
}
