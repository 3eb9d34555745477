package sizing

import (
	"strings"
	"testing"
)

func TestHoldAndMissingInputs(t *testing.T) {
	if g := ComputeGuidance("HOLD", "HIGH", 10, 0, "neutral", 10000); g != nil {
		t.Errorf("HOLD guidance = %+v, want nil", g)
	}
	if g := ComputeGuidance("BUY", "HIGH", 0, 0, "neutral", 10000); g != nil {
		t.Errorf("zero-price guidance = %+v, want nil", g)
	}
	if g := ComputeGuidance("BUY", "HIGH", 10, 0, "neutral", 0); g != nil {
		t.Errorf("zero-capital guidance = %+v, want nil", g)
	}
}

func TestBuySizing(t *testing.T) {
	// Neutral tier deploys 6% of capital.
	g := ComputeGuidance("BUY", "HIGH", 10, 0, "neutral", 10000)
	if g == nil {
		t.Fatal("guidance = nil")
	}
	if g.Action != "BUY" || g.Shares != 60 {
		t.Errorf("guidance = %+v, want BUY 60 shares", g)
	}
	if g.Amount != 600 || g.PctOfCapital != 6 {
		t.Errorf("amount/pct = %v/%v, want 600/6", g.Amount, g.PctOfCapital)
	}
}

func TestBuyBlockedByConfidence(t *testing.T) {
	g := ComputeGuidance("BUY", "LOW", 10, 0, "conservative", 10000)
	if g == nil {
		t.Fatal("guidance = nil")
	}
	if g.Shares != 0 {
		t.Errorf("shares = %d, want 0 for blocked buy", g.Shares)
	}
	if !strings.Contains(g.Note, "below HIGH threshold") {
		t.Errorf("note = %q, want confidence-threshold explanation", g.Note)
	}
}

func TestBuyCappedByMaxPosition(t *testing.T) {
	// Neutral caps a position at 10% of capital. Holding 95 shares at $10
	// against $10k leaves $50 of headroom, so only 5 more shares fit.
	g := ComputeGuidance("BUY", "HIGH", 10, 95, "neutral", 10000)
	if g == nil {
		t.Fatal("guidance = nil")
	}
	if g.Shares != 5 {
		t.Errorf("shares = %d, want 5 (limited by position cap)", g.Shares)
	}

	// Fully at cap: blocked with a note.
	g = ComputeGuidance("BUY", "HIGH", 10, 100, "neutral", 10000)
	if g.Shares != 0 || g.Note != "Already at max position for tier" {
		t.Errorf("guidance = %+v, want blocked at max position", g)
	}
}

func TestSellSizing(t *testing.T) {
	// Neutral tier sells 75% of the holding.
	g := ComputeGuidance("SELL", "MEDIUM", 20, 100, "neutral", 10000)
	if g == nil {
		t.Fatal("guidance = nil")
	}
	if g.Shares != 75 || g.Amount != 1500 {
		t.Errorf("guidance = %+v, want 75 shares for 1500", g)
	}
	if g.PctOfHolding != 75 {
		t.Errorf("PctOfHolding = %v, want 75", g.PctOfHolding)
	}

	// Aggressive sells everything.
	g = ComputeGuidance("SELL", "LOW", 20, 100, "aggressive", 10000)
	if g.Shares != 100 {
		t.Errorf("aggressive sell shares = %d, want 100", g.Shares)
	}
}

func TestSellMinimumOneShare(t *testing.T) {
	// 50% of one share rounds up to one, never zero.
	g := ComputeGuidance("SELL", "HIGH", 20, 1, "conservative", 10000)
	if g == nil || g.Shares != 1 {
		t.Errorf("guidance = %+v, want 1 share minimum", g)
	}
}

func TestSellWithoutPosition(t *testing.T) {
	g := ComputeGuidance("SELL", "HIGH", 20, 0, "neutral", 10000)
	if g == nil {
		t.Fatal("guidance = nil")
	}
	if g.Shares != 0 || g.Note != "No position held" {
		t.Errorf("guidance = %+v, want blocked sell", g)
	}
}

func TestUnknownTierFallsBackToNeutral(t *testing.T) {
	g := ComputeGuidance("BUY", "MEDIUM", 10, 0, "yolo", 10000)
	if g == nil {
		t.Fatal("guidance = nil")
	}
	if g.Shares != 60 {
		t.Errorf("shares = %d, want neutral sizing of 60", g.Shares)
	}
}
