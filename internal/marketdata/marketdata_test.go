package marketdata

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lapio/internal/domain"
	"lapio/internal/store"
)

// fakeSource records requested ranges and serves canned bars.
type fakeSource struct {
	calls []struct {
		ticker     string
		start, end time.Time
	}
	bars []domain.PriceBar
	err  error
}

func (f *fakeSource) DailyBars(_ context.Context, ticker string, start, end time.Time) ([]domain.PriceBar, error) {
	f.calls = append(f.calls, struct {
		ticker     string
		start, end time.Time
	}{ticker, start, end})
	return f.bars, f.err
}

func newTestRefresher(t *testing.T, src BarsAPI) (*Refresher, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRefresher(src, nil, s, nil, nil, slog.Default()), s
}

func TestRefreshTickerBackfillsNewTicker(t *testing.T) {
	src := &fakeSource{bars: []domain.PriceBar{
		{Ticker: "MARA", Date: "2026-08-27", Close: 18},
		{Ticker: "MARA", Date: "2026-08-28", Close: 19},
	}}
	r, s := newTestRefresher(t, src)

	if err := r.RefreshTicker(context.Background(), "MARA"); err != nil {
		t.Fatalf("RefreshTicker: %v", err)
	}
	if len(src.calls) != 1 {
		t.Fatalf("source called %d times, want 1", len(src.calls))
	}
	// No history: the window should reach back about a year.
	span := src.calls[0].end.Sub(src.calls[0].start)
	if span < 360*24*time.Hour || span > 370*24*time.Hour {
		t.Errorf("backfill window = %v, want about a year", span)
	}

	bars, _ := s.Prices(context.Background(), "MARA", 10)
	if len(bars) != 2 {
		t.Errorf("cached %d bars, want 2", len(bars))
	}
}

func TestRefreshTickerFetchesOnlyTheGap(t *testing.T) {
	src := &fakeSource{}
	r, s := newTestRefresher(t, src)
	ctx := context.Background()

	latest := time.Now().UTC().AddDate(0, 0, -3).Format("2006-01-02")
	s.UpsertPrices(ctx, "RIOT", []domain.PriceBar{{Ticker: "RIOT", Date: latest, Close: 10}})

	if err := r.RefreshTicker(ctx, "RIOT"); err != nil {
		t.Fatalf("RefreshTicker: %v", err)
	}
	if len(src.calls) != 1 {
		t.Fatalf("source called %d times, want 1", len(src.calls))
	}
	wantStart := time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02")
	if got := src.calls[0].start.Format("2006-01-02"); got != wantStart {
		t.Errorf("fetch start = %s, want %s (day after latest)", got, wantStart)
	}
}

func TestRefreshTickerSkipsWhenCurrent(t *testing.T) {
	src := &fakeSource{}
	r, s := newTestRefresher(t, src)
	ctx := context.Background()

	today := time.Now().UTC().Format("2006-01-02")
	s.UpsertPrices(ctx, "CLSK", []domain.PriceBar{{Ticker: "CLSK", Date: today, Close: 12}})

	if err := r.RefreshTicker(ctx, "CLSK"); err != nil {
		t.Fatalf("RefreshTicker: %v", err)
	}
	if len(src.calls) != 0 {
		t.Errorf("source called %d times for a current ticker, want 0", len(src.calls))
	}
}

func TestRefreshAllStopsOnError(t *testing.T) {
	src := &fakeSource{err: context.DeadlineExceeded}
	r, _ := newTestRefresher(t, src)

	err := r.RefreshAll(context.Background(), []string{"MARA", "RIOT"})
	if err == nil {
		t.Fatal("RefreshAll succeeded, want error")
	}
	if len(src.calls) != 1 {
		t.Errorf("source called %d times, want 1 (stop on first failure)", len(src.calls))
	}
}

func TestCoinGeckoDailyPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/bitcoin/market_chart" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("vs_currency") != "usd" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		// Timestamps are Unix ms.
		w.Write([]byte(`{"prices": [[1787875200000, 109000.5], [1787961600000, 110250.0]]}`))
	}))
	defer srv.Close()

	cg := NewCoinGeckoWithBase(srv.URL)
	bars, err := cg.DailyPrices(context.Background(), 90)
	if err != nil {
		t.Fatalf("DailyPrices: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("have %d bars, want 2", len(bars))
	}
	if bars[0].Ticker != BTCTicker || bars[0].Close != 109000.5 {
		t.Errorf("first bar = %+v", bars[0])
	}
	if bars[0].Date != "2026-08-28" {
		t.Errorf("first bar date = %s, want 2026-08-28", bars[0].Date)
	}
	if bars[1].Open != bars[1].Close {
		t.Errorf("synthetic bar open %v != close %v", bars[1].Open, bars[1].Close)
	}
}

func TestCoinGeckoErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cg := NewCoinGeckoWithBase(srv.URL)
	if _, err := cg.DailyPrices(context.Background(), 90); err == nil {
		t.Fatal("DailyPrices succeeded against failing server")
	}
}

func TestInUniverse(t *testing.T) {
	if !InUniverse("CLSK") {
		t.Error("CLSK should be in the universe")
	}
	if InUniverse("AAPL") {
		t.Error("AAPL should not be in the universe")
	}
}
