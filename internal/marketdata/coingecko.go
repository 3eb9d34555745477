package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"lapio/internal/domain"
)

const coinGeckoBase = "https://api.coingecko.com/api/v3"

// CoinGecko fetches Bitcoin reference prices from the free CoinGecko API.
// No API key is required at the request rates this app generates.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko creates a client against the public API.
func NewCoinGecko() *CoinGecko {
	return &CoinGecko{
		baseURL: coinGeckoBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewCoinGeckoWithBase creates a client against a custom base URL.
func NewCoinGeckoWithBase(baseURL string) *CoinGecko {
	return &CoinGecko{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// DailyPrices returns one synthetic OHLCV bar per day for the trailing
// window. CoinGecko's market chart only exposes a single daily price, so
// open/high/low all carry the close and volume is zero.
func (c *CoinGecko) DailyPrices(ctx context.Context, days int) ([]domain.PriceBar, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("days", fmt.Sprintf("%d", days))
	q.Set("interval", "daily")
	reqURL := fmt.Sprintf("%s/coins/bitcoin/market_chart?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko status %d", resp.StatusCode)
	}

	var body struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding coingecko response: %w", err)
	}

	bars := make([]domain.PriceBar, 0, len(body.Prices))
	for _, p := range body.Prices {
		ts, price := p[0], p[1]
		bars = append(bars, domain.PriceBar{
			Ticker: BTCTicker,
			Date:   time.UnixMilli(int64(ts)).UTC().Format("2006-01-02"),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
		})
	}
	return bars, nil
}
