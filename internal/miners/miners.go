// Package miners derives Bitcoin network economics relevant to miner
// stocks. All data comes from mempool.space, which is free and needs
// no API key; hashprice is computed from the block subsidy, the BTC
// price and the network hash rate.
package miners

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"lapio/internal/domain"
)

const (
	mempoolBase = "https://mempool.space/api/v1"

	// Post-April-2024 halving subsidy, valid until roughly 2028.
	blockRewardBTC = 3.125
	blocksPerDay   = 144
)

// Client fetches network fundamentals from mempool.space.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client against the public API.
func NewClient() *Client {
	return &Client{
		baseURL: mempoolBase,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithBase creates a client against a custom base URL.
func NewClientWithBase(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// hashpriceUSD is daily miner revenue per TH/s of hash rate, excluding
// transaction fees, which typically add 10-25% on top.
func hashpriceUSD(btcPrice, hashrateHPerS float64) float64 {
	hashrateTH := hashrateHPerS / 1e12
	dailyRevenue := blockRewardBTC * blocksPerDay * btcPrice
	return dailyRevenue / hashrateTH
}

// Fundamentals fetches the current difficulty epoch and hash rate and
// returns the derived network economics. btcPrice is the latest cached
// BTC close in USD.
func (c *Client) Fundamentals(ctx context.Context, btcPrice float64) (domain.Fundamentals, error) {
	var diff struct {
		DifficultyChange      float64 `json:"difficultyChange"`
		ProgressPercent       float64 `json:"progressPercent"`
		PreviousRetarget      float64 `json:"previousRetarget"`
		RemainingBlocks       int64   `json:"remainingBlocks"`
		RemainingTime         float64 `json:"remainingTime"`
		EstimatedRetargetDate float64 `json:"estimatedRetargetDate"`
		AdjustedTimeAvg       float64 `json:"adjustedTimeAvg"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/difficulty-adjustment", &diff); err != nil {
		return domain.Fundamentals{}, fmt.Errorf("difficulty adjustment: %w", err)
	}

	var hr struct {
		CurrentHashrate float64 `json:"currentHashrate"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/mining/hashrate/1w", &hr); err != nil {
		return domain.Fundamentals{}, fmt.Errorf("hashrate: %w", err)
	}

	f := domain.Fundamentals{
		NetworkHashrateEH:   round(hr.CurrentHashrate/1e18, 1),
		DifficultyChangePct: round(diff.DifficultyChange, 2),
		DifficultyProgress:  round(diff.ProgressPercent, 1),
		PreviousRetargetPct: round(diff.PreviousRetarget, 2),
		RemainingBlocks:     diff.RemainingBlocks,
		DaysUntilRetarget:   round(diff.RemainingTime/86400000, 1),
		EstRetargetDate:     time.UnixMilli(int64(diff.EstimatedRetargetDate)).UTC().Format("2006-01-02"),
		BlockTimeMin:        round(blockTimeMs(diff.AdjustedTimeAvg)/60000, 1),
		Note:                "Hashprice excludes tx fees; actual hashprice ~10-25% higher",
	}
	if hr.CurrentHashrate > 0 {
		hp := hashpriceUSD(btcPrice, hr.CurrentHashrate)
		f.HashpriceUSDPerTHDay = domain.Float(round(hp, 4))
		f.HashpriceUSDPerPHDay = domain.Float(round(hp*1000, 2))
	}
	return f, nil
}

// blockTimeMs defaults to the target ten minutes when the API omits
// the field.
func blockTimeMs(adjustedTimeAvg float64) float64 {
	if adjustedTimeAvg == 0 {
		return 600000
	}
	return adjustedTimeAvg
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
