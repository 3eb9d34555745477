// Package sizing turns an advisor recommendation into a concrete trade
// suggestion based on the user's risk tier, cash, and current position.
package sizing

import (
	"fmt"
	"math"

	"lapio/internal/domain"
)

// Tier defines the risk parameters for one sizing profile.
type Tier struct {
	BuyDeployPct   float64
	MaxPositionPct float64
	SellPct        float64
	MinConfidence  string
}

// Tiers maps tier names to their parameters. Unknown names fall back to
// "neutral".
var Tiers = map[string]Tier{
	"conservative": {BuyDeployPct: 0.03, MaxPositionPct: 0.05, SellPct: 0.50, MinConfidence: "HIGH"},
	"neutral":      {BuyDeployPct: 0.06, MaxPositionPct: 0.10, SellPct: 0.75, MinConfidence: "MEDIUM"},
	"aggressive":   {BuyDeployPct: 0.12, MaxPositionPct: 0.20, SellPct: 1.00, MinConfidence: "LOW"},
}

var confidenceRank = map[string]int{"LOW": 0, "MEDIUM": 1, "HIGH": 2}

// ComputeGuidance returns a sizing suggestion for a BUY or SELL
// recommendation, or nil for HOLD or when price/capital are unknown.
// Blocked trades come back with zero shares and an explanatory note.
func ComputeGuidance(rec, confidence string, price, sharesHeld float64, tierName string, totalCapital float64) *domain.Guidance {
	if rec == "HOLD" || totalCapital == 0 || price == 0 {
		return nil
	}
	tier, ok := Tiers[tierName]
	if !ok {
		tierName = "neutral"
		tier = Tiers[tierName]
	}
	confOK := confidenceRank[confidence] >= confidenceRank[tier.MinConfidence]

	switch rec {
	case "BUY":
		if !confOK {
			return &domain.Guidance{
				Action: "BUY",
				Note:   fmt.Sprintf("Confidence %s below %s threshold for %s", confidence, tier.MinConfidence, tierName),
			}
		}
		deploy := totalCapital * tier.BuyDeployPct
		currentVal := sharesHeld * price
		maxVal := totalCapital * tier.MaxPositionPct
		available := math.Max(0, maxVal-currentVal)
		deploy = math.Min(deploy, available)
		if deploy < price {
			return &domain.Guidance{Action: "BUY", Note: "Already at max position for tier"}
		}
		shares := int(deploy / price)
		amount := float64(shares) * price
		return &domain.Guidance{
			Action:       "BUY",
			Shares:       shares,
			Amount:       amount,
			PctOfCapital: math.Round(amount/totalCapital*10000) / 100,
		}

	case "SELL":
		if sharesHeld <= 0 {
			return &domain.Guidance{Action: "SELL", Note: "No position held"}
		}
		shares := int(sharesHeld * tier.SellPct)
		if shares < 1 {
			shares = 1
		}
		return &domain.Guidance{
			Action:       "SELL",
			Shares:       shares,
			Amount:       float64(shares) * price,
			PctOfHolding: math.Round(tier.SellPct * 100),
		}
	}
	return nil
}
