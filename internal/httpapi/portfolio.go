package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"lapio/internal/domain"
	"lapio/internal/marketdata"
	"lapio/internal/portfolio"
)

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.refresher != nil {
		if err := s.refresher.RefreshBenchmark(ctx); err != nil {
			s.log.Warn("benchmark refresh failed, using cache", "error", err)
		}
	}
	b, err := s.portfolio.BenchmarkSummary(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute benchmark")
		return
	}
	writeJSON(w, b)
}

func (s *Server) handleBenchmarkChart(w http.ResponseWriter, r *http.Request) {
	c, err := s.portfolio.BenchmarkChart(r.Context(), defaultUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute chart")
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	rows, err := s.portfolio.Positions(r.Context(), defaultUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}
	if rows == nil {
		rows = []portfolio.PositionView{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleSaveHolding(w http.ResponseWriter, r *http.Request) {
	var body HoldingRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(body.Ticker))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker must not be empty")
		return
	}
	h := domain.Holding{Ticker: ticker, Shares: body.Shares, AvgCost: body.AvgCost}
	if err := s.stores.Portfolio.UpsertHolding(r.Context(), defaultUser, h); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save holding")
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleDeleteHolding(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	if err := s.stores.Portfolio.DeleteTickerTrades(r.Context(), defaultUser, ticker); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete holding")
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	rows, err := s.stores.Portfolio.Trades(r.Context(), defaultUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	if rows == nil {
		rows = []domain.Trade{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var body TradeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(body.Ticker))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker must not be empty")
		return
	}
	if body.TradeType != "BUY" && body.TradeType != "SELL" {
		writeError(w, http.StatusBadRequest, "trade_type must be BUY or SELL")
		return
	}

	ctx := r.Context()
	if body.TradeType == "SELL" {
		holdings, err := s.stores.Portfolio.HoldingShares(ctx, defaultUser)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load holdings")
			return
		}
		held := holdings[ticker]
		if body.Quantity > held {
			writeError(w, http.StatusBadRequest, fmt.Sprintf(
				"Cannot sell %v shares of %s: only %v held. "+
					"Record a BUY trade first if you have an existing position with no purchase history.",
				body.Quantity, ticker, held))
			return
		}
	}

	// New universe tickers join active tracking and get price history.
	active, err := s.stores.Settings.ActiveTickers(ctx, defaultUser, marketdata.DefaultTickers)
	if err == nil && !containsTicker(active, ticker) && marketdata.InUniverse(ticker) {
		if err := s.stores.Settings.AddActiveTicker(ctx, defaultUser, ticker, marketdata.DefaultTickers); err != nil {
			s.log.Warn("adding active ticker", "ticker", ticker, "error", err)
		} else if s.refresher != nil {
			if err := s.refresher.RefreshTicker(ctx, ticker); err != nil {
				s.log.Warn("price fetch for new ticker failed", "ticker", ticker, "error", err)
			}
		}
	}

	t := domain.Trade{
		Ticker:    ticker,
		Date:      body.Date,
		TradeType: body.TradeType,
		Price:     body.Price,
		Quantity:  body.Quantity,
		Notes:     body.Notes,
	}
	if err := s.stores.Portfolio.AddTrade(ctx, defaultUser, t); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save trade")
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleDeleteTrade(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}
	if err := s.stores.Portfolio.DeleteTrade(r.Context(), defaultUser, id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete trade")
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleGetCash(w http.ResponseWriter, r *http.Request) {
	bal, err := s.stores.Portfolio.Cash(r.Context(), defaultUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load cash balance")
		return
	}
	writeJSON(w, CashResponse{Balance: bal})
}

func (s *Server) handleUpdateCash(w http.ResponseWriter, r *http.Request) {
	var body CashRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Amount < 0 {
		writeError(w, http.StatusBadRequest, "amount must be non-negative")
		return
	}

	ctx := r.Context()
	current, err := s.stores.Portfolio.Cash(ctx, defaultUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load cash balance")
		return
	}

	var next float64
	switch body.Action {
	case "set":
		next = body.Amount
	case "deposit":
		next = current + body.Amount
	case "withdraw":
		next = current - body.Amount
	default:
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown action %q: use set, deposit, or withdraw", body.Action))
		return
	}
	if err := s.stores.Portfolio.SetCash(ctx, defaultUser, next); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save cash balance")
		return
	}

	bal, err := s.stores.Portfolio.Cash(ctx, defaultUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load cash balance")
		return
	}
	writeJSON(w, CashResponse{Balance: bal})
}

func containsTicker(list []string, ticker string) bool {
	for _, t := range list {
		if t == ticker {
			return true
		}
	}
	return false
}
