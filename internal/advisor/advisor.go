// Package advisor produces daily buy/sell/hold recommendations and the
// conversational assistant using Gemini. Prompts carry the cached
// technical signals, Bitcoin network fundamentals, and the macro
// snapshot; the model answers with a strict JSON verdict per ticker.
package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"lapio/internal/domain"
	"lapio/internal/marketdata"
	"lapio/internal/store"
	"lapio/internal/util"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "gemini-2.0-flash"

const (
	priceCacheTTL   = time.Minute
	contextCacheTTL = 5 * time.Minute
)

// Stores bundles the storage dependencies the advisor reads and writes.
type Stores struct {
	Prices    store.PriceStore
	Analyses  store.AnalysisStore
	Portfolio store.PortfolioStore
	Settings  store.SettingStore
	Chat      store.ChatStore
	Macros    store.MacroStore
}

// chatSession is the slice of genai.ChatSession the tool loop needs.
type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Advisor wraps the Gemini client with the prompt construction, response
// parsing, and caching around it. The generate and newChat fields are
// replaceable in tests.
type Advisor struct {
	client    *genai.Client
	modelName string
	stores    Stores

	generate func(ctx context.Context, system, prompt string, maxTokens int32) (string, error)
	newChat  func(system string, history []*genai.Content) chatSession

	coingeckoBase string
	httpClient    *http.Client
	priceCache    *util.TTLCache[string]
	contextCache  *util.TTLCache[string]

	log *slog.Logger
}

// New creates an advisor backed by the Gemini API.
func New(ctx context.Context, apiKey, modelName string, stores Stores, log *slog.Logger) (*Advisor, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	a := &Advisor{
		client:        client,
		modelName:     modelName,
		stores:        stores,
		coingeckoBase: "https://api.coingecko.com/api/v3",
		httpClient:    &http.Client{Timeout: 12 * time.Second},
		priceCache:    util.NewTTLCache[string](priceCacheTTL),
		contextCache:  util.NewTTLCache[string](contextCacheTTL),
		log:           log,
	}
	a.generate = a.generateWithModel
	a.newChat = a.newChatSession
	return a, nil
}

// Close releases the underlying API client.
func (a *Advisor) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Result is one ticker's analysis outcome: the technical signals merged
// with the model's verdict.
type Result struct {
	domain.Signals
	domain.Recommendation
	BTCTrend string `json:"btc_trend,omitempty"`
}

// RunAnalysis asks the model for a verdict on every ticker with usable
// signals, stores each run, and refreshes the user's macro bias line.
// Tickers whose signals carry an error pass through unanalyzed.
func (a *Advisor) RunAnalysis(ctx context.Context, userID string, signals map[string]domain.Signals, fund *domain.Fundamentals, macro domain.MacroSnapshot, universe string) (map[string]Result, error) {
	btcTrend := a.btcTrendSummary(ctx)
	runDate := time.Now().UTC().Format("2006-01-02")
	results := make(map[string]Result, len(signals))

	tickers := make([]string, 0, len(signals))
	for t := range signals {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	for _, ticker := range tickers {
		s := signals[ticker]
		if s.Err != "" {
			results[ticker] = Result{Signals: s}
			continue
		}
		rec, err := a.recommend(ctx, ticker, s, btcTrend, fund, macro, universe)
		if err != nil {
			return nil, fmt.Errorf("analyzing %s: %w", ticker, err)
		}
		if err := a.stores.Analyses.SaveAnalysis(ctx, &domain.Analysis{
			RunDate:        runDate,
			Ticker:         ticker,
			Signals:        s,
			Recommendation: rec.Recommendation,
			Reasoning:      rec.Reasoning,
			Confidence:     rec.Confidence,
			KeyRisk:        rec.KeyRisk,
		}); err != nil {
			return nil, fmt.Errorf("saving analysis for %s: %w", ticker, err)
		}
		results[ticker] = Result{Signals: s, Recommendation: rec, BTCTrend: btcTrend}
	}

	if !macro.Empty() {
		if err := a.refreshMacroBias(ctx, userID, macro, results, universe); err != nil {
			a.log.Warn("macro bias refresh failed", "error", err)
		}
	}
	return results, nil
}

func (a *Advisor) recommend(ctx context.Context, ticker string, s domain.Signals, btcTrend string, fund *domain.Fundamentals, macro domain.MacroSnapshot, universe string) (domain.Recommendation, error) {
	prompt := recommendationPrompt(ticker, s, btcTrend, fund, macro, universe)
	text, err := a.generate(ctx, systemFor(universe), prompt, 300)
	if err != nil {
		return domain.Recommendation{}, err
	}
	return parseRecommendation(text)
}

// refreshMacroBias synthesizes the one-line macro summary against the
// user's held positions and stores it as a setting.
func (a *Advisor) refreshMacroBias(ctx context.Context, userID string, macro domain.MacroSnapshot, results map[string]Result, universe string) error {
	held := results
	if holdings, err := a.stores.Portfolio.HoldingShares(ctx, userID); err == nil && len(holdings) > 0 {
		held = make(map[string]Result)
		for t, r := range results {
			if _, ok := holdings[t]; ok {
				held[t] = r
			}
		}
	}

	recCounts := make(map[string]int)
	for _, r := range held {
		if r.Recommendation.Recommendation != "" {
			recCounts[r.Recommendation.Recommendation]++
		}
	}

	bias, err := a.generate(ctx, systemFor(universe), biasPrompt(macro, recCounts, universe), 80)
	if err != nil {
		return err
	}
	key := "macro_bias"
	if universe == "tech" {
		key = "macro_bias_tech"
	}
	return a.stores.Settings.SetSetting(ctx, userID, key, strings.TrimSpace(bias))
}

// btcTrendSummary summarizes the 7-day BTC move for prompt context.
func (a *Advisor) btcTrendSummary(ctx context.Context) string {
	bars, err := a.stores.Prices.Prices(ctx, marketdata.BTCTicker, 10)
	if err != nil || len(bars) < 7 {
		return "unavailable"
	}
	weekAgo := bars[len(bars)-7].Close
	now := bars[len(bars)-1].Close
	if weekAgo == 0 {
		return "unavailable"
	}
	pct := (now/weekAgo - 1) * 100
	return fmt.Sprintf("%+.1f%% over 7 days (current: $%s)", pct, commafy(now))
}

func (a *Advisor) generateWithModel(ctx context.Context, system, prompt string, maxTokens int32) (string, error) {
	m := a.client.GenerativeModel(a.modelName)
	m.SetMaxOutputTokens(maxTokens)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return strings.TrimSpace(extractText(resp)), nil
}

// extractText concatenates the text parts of every candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}
