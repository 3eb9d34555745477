package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"lapio/internal/domain"
	"lapio/internal/marketdata"
	"lapio/internal/technicals"
)

const chatSystem = `You are LAPIO, a sharp AI trading assistant specialising in:
- Bitcoin miner stocks and ETFs (WGMI, MARA, RIOT, BITX, RIOX, CIFU, BMNU, MSTX)
- Broader crypto (BTC, ETH, altcoins, on-chain signals, DeFi)
- AI and technology stocks (NVDA, AMD, MSFT, GOOG, META, TSLA, etc.)
- Macro and finance (rates, Fed, equities, commodities, risk-on/off regimes)

You have been given the user's current portfolio, live technical signals (including current price, RSI, 1-week and 1-month returns), and macro conditions in the context below.
For any ticker listed in the context, use the data already provided. Do NOT call get_crypto_price for these.
Only use the get_crypto_price tool for coins or tokens NOT covered in the context (e.g. ETH, SOL, altcoins, memecoins).
Answer concisely and specifically. This is a personal decision-support tool, so skip disclaimers.
Use plain text only, no markdown, no asterisks.`

// maxToolIterations bounds the tool-use loop per reply.
const maxToolIterations = 5

// chatHistoryTurns is how many prior messages feed each reply.
const chatHistoryTurns = 20

var cryptoPriceTool = &genai.Tool{
	FunctionDeclarations: []*genai.FunctionDeclaration{{
		Name: "get_crypto_price",
		Description: "Fetch the live price and % change (24h, 7d, 30d) for any cryptocurrency or token. " +
			"Use this whenever the user asks about a coin's current price, performance, or market cap. " +
			"Works for any coin: BTC, ETH, SOL, PEPE, any altcoin or token.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {
					Type:        genai.TypeString,
					Description: "Coin name or ticker symbol, e.g. 'ETH', 'solana', 'PEPE', 'chainlink', 'dogecoin'",
				},
			},
			Required: []string{"query"},
		},
	}},
}

// GenerateReply persists the user's message, produces an assistant reply
// with tool access for live crypto prices, and persists the reply.
// It returns the reply text and the stored user message id; the id lets
// a syncing client skip the row it already rendered optimistically.
// Model failures become apologetic reply text rather than an error so
// the chat log always gains an assistant turn.
func (a *Advisor) GenerateReply(ctx context.Context, userID, userText string) (string, int64, error) {
	history, err := a.stores.Chat.ChatMessages(ctx, userID, chatHistoryTurns)
	if err != nil {
		return "", 0, fmt.Errorf("loading chat history: %w", err)
	}
	userMsgID, err := a.stores.Chat.AddChatMessage(ctx, userID, "user", userText)
	if err != nil {
		return "", 0, fmt.Errorf("storing user message: %w", err)
	}

	system := chatSystem + "\n\nCurrent data:\n" + a.buildContext(ctx, userID)
	reply := a.runToolLoop(ctx, system, chatHistory(history), userText)

	if _, err := a.stores.Chat.AddChatMessage(ctx, userID, "assistant", reply); err != nil {
		return "", 0, fmt.Errorf("storing reply: %w", err)
	}
	return reply, userMsgID, nil
}

func (a *Advisor) runToolLoop(ctx context.Context, system string, history []*genai.Content, userText string) string {
	cs := a.newChat(system, history)
	parts := []genai.Part{genai.Text(userText)}

	for i := 0; i < maxToolIterations; i++ {
		resp, err := cs.SendMessage(ctx, parts...)
		if err != nil {
			a.log.Warn("chat generation failed", "error", err)
			return fmt.Sprintf("Sorry, I hit an error: %v", err)
		}
		calls := functionCalls(resp)
		if len(calls) == 0 {
			text := strings.TrimSpace(extractText(resp))
			if text == "" {
				return "No response."
			}
			return text
		}
		parts = parts[:0]
		for _, call := range calls {
			if call.Name != "get_crypto_price" {
				continue
			}
			query, _ := call.Args["query"].(string)
			parts = append(parts, genai.FunctionResponse{
				Name:     call.Name,
				Response: map[string]any{"result": a.fetchCryptoPrice(ctx, query)},
			})
		}
		if len(parts) == 0 {
			return "No response."
		}
	}
	return "Sorry, I hit a tool loop. Please try again."
}

// chatHistory converts stored rows into genai turns.
func chatHistory(rows []domain.ChatMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(rows))
	for _, row := range rows {
		role := "user"
		if row.Role == "assistant" {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(row.Text)},
		})
	}
	return out
}

func functionCalls(resp *genai.GenerateContentResponse) []genai.FunctionCall {
	var calls []genai.FunctionCall
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if fc, ok := part.(genai.FunctionCall); ok {
				calls = append(calls, fc)
			}
		}
	}
	return calls
}

func (a *Advisor) newChatSession(system string, history []*genai.Content) chatSession {
	m := a.client.GenerativeModel(a.modelName)
	m.SetMaxOutputTokens(600)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	m.Tools = []*genai.Tool{cryptoPriceTool}
	cs := m.StartChat()
	cs.History = history
	return cs
}

// buildContext assembles the portfolio, signal, and macro context block
// for the chat system prompt. Signal computation walks every active
// ticker's history, so results are cached for a few minutes per user.
func (a *Advisor) buildContext(ctx context.Context, userID string) string {
	if cached, ok := a.contextCache.Get(userID); ok {
		return cached
	}

	var lines []string

	holdings, err := a.stores.Portfolio.Holdings(ctx, userID)
	if err == nil && len(holdings) > 0 {
		lines = append(lines, "Portfolio")
		for _, h := range holdings {
			lines = append(lines, fmt.Sprintf("  %s: %s shares @ $%.2f", h.Ticker, fnum(h.Shares), h.AvgCost))
		}
		if cash, err := a.stores.Portfolio.Cash(ctx, userID); err == nil {
			lines = append(lines, fmt.Sprintf("  Cash: $%.2f", cash))
		}
	}

	if sigLines := a.signalLines(ctx, userID); len(sigLines) > 0 {
		lines = append(lines, "\nCurrent signals")
		lines = append(lines, sigLines...)
	}

	if macro, _, err := a.stores.Macros.LatestMacro(ctx); err == nil && !macro.Empty() {
		lines = append(lines, "\nMacro")
		if macro.FearGreedValue != nil {
			lines = append(lines, fmt.Sprintf("  Fear & Greed: %d/100 (%s)", *macro.FearGreedValue, macro.FearGreedLabel))
		}
		if macro.BTCDvol != nil {
			lines = append(lines, fmt.Sprintf("  BTC DVOL: %s", fnum(*macro.BTCDvol)))
		}
		if macro.BTCFundingRatePct != nil {
			lines = append(lines, fmt.Sprintf("  Funding rate: %+.4f%%", *macro.BTCFundingRatePct))
		}
	}

	if bias, err := a.stores.Settings.Setting(ctx, userID, "macro_bias", ""); err == nil && bias != "" {
		lines = append(lines, "\n"+bias)
	}

	result := "No cached data available yet. Run an analysis first."
	if len(lines) > 0 {
		result = strings.Join(lines, "\n")
	}
	a.contextCache.Set(userID, result)
	return result
}

func (a *Advisor) signalLines(ctx context.Context, userID string) []string {
	tickers, err := a.stores.Settings.ActiveTickers(ctx, userID, marketdata.DefaultTickers)
	if err != nil {
		return nil
	}
	btcBars, _ := a.stores.Prices.Prices(ctx, marketdata.BTCTicker, 400)

	all := make(map[string]*domain.Signals, len(tickers))
	for _, t := range tickers {
		bars, err := a.stores.Prices.Prices(ctx, t, 400)
		if err != nil {
			continue
		}
		s := technicals.Compute(t, bars, btcBars)
		all[t] = &s
	}
	technicals.AddRelativeStrength(all)

	names := make([]string, 0, len(all))
	for t := range all {
		names = append(names, t)
	}
	sort.Strings(names)

	var lines []string
	for _, t := range names {
		s := all[t]
		if s.Err != "" {
			continue
		}
		rec := "-"
		if history, err := a.stores.Analyses.AnalysisHistory(ctx, t, 1); err == nil && len(history) > 0 {
			rec = history[0].Recommendation
		}
		rsi := "-"
		if s.RSI != nil {
			rsi = fnum(*s.RSI)
		}
		line := fmt.Sprintf("  %s: $%s  RSI %s", t, fnum(s.CurrentPrice), rsi)
		if s.WeekReturnPct != nil {
			line += fmt.Sprintf("  1W %+.1f%%", *s.WeekReturnPct)
		}
		if s.MonthReturnPct != nil {
			line += fmt.Sprintf("  1M %+.1f%%", *s.MonthReturnPct)
		}
		lines = append(lines, line+"  Last rec: "+rec)
	}
	return lines
}

// fetchCryptoPrice resolves a free-text coin query through CoinGecko
// search and returns live market data as a JSON string. Failures come
// back as JSON error objects so the model can relay them. Results are
// cached for a minute per query.
func (a *Advisor) fetchCryptoPrice(ctx context.Context, query string) string {
	key := strings.ToLower(strings.TrimSpace(query))
	if cached, ok := a.priceCache.Get(key); ok {
		return cached
	}

	coinID, err := a.searchCoin(ctx, query)
	if err != nil {
		return errJSON("Search failed: %v", err)
	}
	if coinID == "" {
		return errJSON("No cryptocurrency found matching '%s'", query)
	}

	var data struct {
		Name          string `json:"name"`
		Symbol        string `json:"symbol"`
		MarketCapRank *int   `json:"market_cap_rank"`
		MarketData    struct {
			CurrentPrice map[string]float64 `json:"current_price"`
			MarketCap    map[string]float64 `json:"market_cap"`
			Change24h    *float64           `json:"price_change_percentage_24h"`
			Change7d     *float64           `json:"price_change_percentage_7d"`
			Change30d    *float64           `json:"price_change_percentage_30d"`
		} `json:"market_data"`
	}
	coinURL := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&market_data=true&community_data=false&developer_data=false",
		a.coingeckoBase, url.PathEscape(coinID))
	if err := a.getJSON(ctx, coinURL, &data); err != nil {
		return errJSON("Price fetch failed: %v", err)
	}

	result, _ := json.Marshal(map[string]any{
		"name":            data.Name,
		"symbol":          strings.ToUpper(data.Symbol),
		"price_usd":       data.MarketData.CurrentPrice["usd"],
		"price_eur":       data.MarketData.CurrentPrice["eur"],
		"change_24h_pct":  data.MarketData.Change24h,
		"change_7d_pct":   data.MarketData.Change7d,
		"change_30d_pct":  data.MarketData.Change30d,
		"market_cap_usd":  data.MarketData.MarketCap["usd"],
		"market_cap_rank": data.MarketCapRank,
	})
	a.priceCache.Set(key, string(result))
	return string(result)
}

func (a *Advisor) searchCoin(ctx context.Context, query string) (string, error) {
	var body struct {
		Coins []struct {
			ID string `json:"id"`
		} `json:"coins"`
	}
	if err := a.getJSON(ctx, a.coingeckoBase+"/search?query="+url.QueryEscape(query), &body); err != nil {
		return "", err
	}
	if len(body.Coins) == 0 {
		return "", nil
	}
	return body.Coins[0].ID, nil
}

func (a *Advisor) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errJSON(format string, args ...any) string {
	b, _ := json.Marshal(map[string]string{"error": fmt.Sprintf(format, args...)})
	return string(b)
}
