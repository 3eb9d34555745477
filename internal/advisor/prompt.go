package advisor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"lapio/internal/domain"
)

const minerSystem = `You are a disciplined, data-driven investment advisor specializing in Bitcoin miner ETFs and stocks.
You analyze technical signals and provide clear, reasoned daily buy/sell/hold recommendations.
Be concise, specific, and honest about uncertainty. Never give financial advice disclaimers, the user understands this is a personal decision-support tool.`

const techSystem = `You are a disciplined, data-driven investment advisor specializing in AI, semiconductor, and technology stocks.
You analyze technical signals and provide clear, reasoned daily buy/sell/hold recommendations.
Be concise, specific, and honest about uncertainty. Never give financial advice disclaimers, the user understands this is a personal decision-support tool.`

// systemFor returns the advisor persona for a ticker universe.
func systemFor(universe string) string {
	if universe == "tech" {
		return techSystem
	}
	return minerSystem
}

// fnum formats a float the shortest way, dropping trailing zeros.
func fnum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// commafy renders a value like 103250 as "103,250".
func commafy(v float64) string {
	s := strconv.FormatFloat(v, 'f', 0, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// macroSummary renders the snapshot as prompt context lines, with a
// qualitative read attached to the crypto-native signals.
func macroSummary(m domain.MacroSnapshot) string {
	var lines []string
	if m.BTCDvol != nil {
		lvl := "normal"
		if *m.BTCDvol > 60 {
			lvl = "elevated"
		}
		lines = append(lines, fmt.Sprintf("- BTC 30d IV (DVOL): %s (%s)", fnum(*m.BTCDvol), lvl))
	}
	if m.BTCFundingRatePct != nil {
		r := *m.BTCFundingRatePct
		sentiment := "neutral"
		switch {
		case r > 0.03:
			sentiment = "crowded long"
		case r < -0.01:
			sentiment = "crowded short"
		}
		lines = append(lines, fmt.Sprintf("- BTC perp funding rate: %+.4f%% (%s)", r, sentiment))
	}
	if m.FearGreedValue != nil {
		lines = append(lines, fmt.Sprintf("- Crypto Fear & Greed: %d/100 (%s)", *m.FearGreedValue, m.FearGreedLabel))
	}
	if m.PuellMultiple != nil {
		p := *m.PuellMultiple
		ctx := "normal range"
		switch {
		case p < 0.5:
			ctx = "miner capitulation zone"
		case p > 2.0:
			ctx = "miner euphoria"
		}
		lines = append(lines, fmt.Sprintf("- Puell Multiple: %s (%s)", fnum(p), ctx))
	}
	if m.VIX != nil {
		lines = append(lines, fmt.Sprintf("- VIX: %s", fnum(*m.VIX)))
	}
	if m.US2YYield != nil {
		lines = append(lines, fmt.Sprintf("- US 2Y Treasury yield: %s%%", fnum(*m.US2YYield)))
	}
	if m.DXY != nil {
		lines = append(lines, fmt.Sprintf("- US Dollar Index: %s", fnum(*m.DXY)))
	}
	if m.HYSpread != nil {
		lines = append(lines, fmt.Sprintf("- HY credit spread: %s%%", fnum(*m.HYSpread)))
	}
	if len(lines) == 0 {
		return ""
	}
	return "\nMacro & market context:\n" + strings.Join(lines, "\n")
}

// fundamentalsSummary renders the network economics block for miner
// prompts.
func fundamentalsSummary(f *domain.Fundamentals) string {
	if f == nil {
		return ""
	}
	hashprice := "N/A"
	if f.HashpriceUSDPerPHDay != nil {
		hashprice = fnum(*f.HashpriceUSDPerPHDay)
	}
	return fmt.Sprintf(`
Bitcoin network fundamentals:
- Hashprice: $%s/PH/day (excludes tx fees)
- Network hashrate: %s EH/s
- Next difficulty adjustment: %+.2f%% in %s days (%s%% through epoch)
- Previous retarget: %+.2f%%
- Avg block time: %s min (target: 10 min)
`, hashprice, fnum(f.NetworkHashrateEH), f.DifficultyChangePct, fnum(f.DaysUntilRetarget),
		fnum(f.DifficultyProgress), f.PreviousRetargetPct, fnum(f.BlockTimeMin))
}

// recommendationPrompt builds the per-ticker analysis request. The model
// must answer with one bare JSON object.
func recommendationPrompt(ticker string, signals domain.Signals, btcTrend string, fund *domain.Fundamentals, macro domain.MacroSnapshot, universe string) string {
	var btcLine, sectorHint, fundSection string
	if universe == "tech" {
		btcLine = "BTC 7-day trend (macro context): " + btcTrend
		sectorHint = "Consider the broader AI/tech sector momentum, rates environment, and any ticker-specific catalysts implied by the signals."
	} else {
		btcLine = "BTC 7-day trend: " + btcTrend
		sectorHint = "Consider how hashprice trend and the upcoming difficulty adjustment affect miner profitability and sector sentiment."
		fundSection = fundamentalsSummary(fund)
	}

	sigJSON, _ := json.MarshalIndent(signals, "", "  ")

	return fmt.Sprintf(`Analyze %s for today's decision.

Technical signals:
%s

%s
%s%s
%s

Respond ONLY with valid JSON (no markdown):
{"recommendation": "BUY|SELL|HOLD", "confidence": "LOW|MEDIUM|HIGH", "reasoning": "2-3 sentences", "key_risk": "one sentence"}`,
		ticker, sigJSON, btcLine, fundSection, macroSummary(macro), sectorHint)
}

// biasPrompt asks for the one-line macro synthesis shown above the
// signal table.
func biasPrompt(macro domain.MacroSnapshot, recCounts map[string]int, universe string) string {
	var recs []string
	for _, k := range []string{"BUY", "HOLD", "SELL"} {
		if n := recCounts[k]; n > 0 {
			recs = append(recs, fmt.Sprintf("%s: %d", k, n))
		}
	}

	contextHint := "Focus on implications for Bitcoin miners and crypto assets (BTC price sensitivity, risk-on/off, DXY headwinds)."
	if universe == "tech" {
		contextHint = "Focus on implications for AI/semiconductor/tech equities (valuations, growth stocks, rate sensitivity, dollar impact on multinationals)."
	}

	return fmt.Sprintf(`Given these macro signals:
%s

And these recommendations for the user's held positions today: %s

%s

Write exactly ONE sentence (max 30 words) for a "Macro environment" summary line.
Explain the overall macro picture and, if there's tension between macro sentiment and the held-position recommendations, name it directly.
Start with "Macro environment:" and be specific. No vague language.
Respond with only the sentence, no JSON, no markdown.`,
		macroSummary(macro), strings.Join(recs, ", "), contextHint)
}

// parseRecommendation decodes the model's JSON verdict, tolerating a
// markdown code fence around it.
func parseRecommendation(text string) (domain.Recommendation, error) {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "```") {
		parts := strings.Split(text, "```")
		if len(parts) > 1 {
			text = parts[1]
		}
		text = strings.TrimPrefix(text, "json")
	}
	var rec domain.Recommendation
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &rec); err != nil {
		return domain.Recommendation{}, fmt.Errorf("parsing recommendation: %w", err)
	}
	switch rec.Recommendation {
	case "BUY", "SELL", "HOLD":
	default:
		return domain.Recommendation{}, fmt.Errorf("unexpected recommendation %q", rec.Recommendation)
	}
	return rec, nil
}
