package risk

import (
	"math"
	"strings"
	"testing"

	"asv8/internal/config"
	"asv8/pkg/types"
)

func testSizer() *Sizer {
	return NewSizer(
		config.RiskConfig{
			MinMarginUSD:    50,
			EquityFraction:  0.10,
			AmplifyScoreMin: 85,
			ScoreAmplifier:  1.2,
			MaxRiskFraction: 0.03,
			MaxLeverage:     20,
		},
		config.StrategyConfig{
			AutoLeverageMin: 10,
			AutoLeverageMax: 20,
		},
	)
}

func TestSizeSmallAccountUsesMarginFloor(t *testing.T) {
	t.Parallel()
	// equity 400: 10% = 40 < 50 floor. Budget = 12. Stop 1% away.
	// At 10x (combined score 50 -> lev 15? robot 50 ai 50 -> 15): risk = 50*lev*0.01.
	// lev 15 -> 7.5 <= 12, fits immediately.
	got := testSizer().Size(400, 50, 50, true, 100, 99)
	if !got.Approved {
		t.Fatalf("rejected: %s", got.Reason)
	}
	if got.MarginUSD != 50 {
		t.Errorf("MarginUSD = %v, want floor 50", got.MarginUSD)
	}
	if got.Leverage != 15 {
		t.Errorf("Leverage = %d, want 15", got.Leverage)
	}
	if math.Abs(got.RiskUSD-7.5) > 1e-9 {
		t.Errorf("RiskUSD = %v, want 7.5", got.RiskUSD)
	}
	if math.Abs(got.Qty-7.5) > 1e-9 {
		t.Errorf("Qty = %v, want 7.5 (750 notional / 100)", got.Qty)
	}
}

func TestSizeLargeAccountUsesEquityFraction(t *testing.T) {
	t.Parallel()
	// equity 10000: margin = 1000, budget = 300. Stop 1%.
	// lev 15: risk = 1000*15*0.01 = 150 <= 300.
	got := testSizer().Size(10000, 50, 50, true, 64000, 63360)
	if !got.Approved {
		t.Fatalf("rejected: %s", got.Reason)
	}
	if got.MarginUSD != 1000 {
		t.Errorf("MarginUSD = %v, want 1000", got.MarginUSD)
	}
	if math.Abs(got.StopDistPct-0.01) > 1e-9 {
		t.Errorf("StopDistPct = %v, want 0.01", got.StopDistPct)
	}
}

func TestSizeDecrementsLeverageToFitBudget(t *testing.T) {
	t.Parallel()
	// equity 1000: margin 100, budget 30. Stop 3% away.
	// lev 15 risks 45, 14 risks 42, ... 11 risks 33; 10 risks 30 and fits.
	got := testSizer().Size(1000, 50, 50, true, 100, 97)
	if !got.Approved {
		t.Fatalf("rejected: %s", got.Reason)
	}
	if got.Leverage != 10 {
		t.Errorf("Leverage = %d, want 10 after decrements", got.Leverage)
	}
	if math.Abs(got.RiskUSD-30) > 1e-9 {
		t.Errorf("RiskUSD = %v, want 30", got.RiskUSD)
	}
}

func TestSizeRejectsWhenOneXStillOverBudget(t *testing.T) {
	t.Parallel()
	// equity 500: margin 50 (floor), budget 15. Stop 40% away:
	// even 1x risks 50*0.40 = 20 > 15.
	got := testSizer().Size(500, 50, 50, true, 100, 60)
	if got.Approved {
		t.Fatal("approved, want rejection")
	}
	if got.ReasonCode != types.ReasonRiskBudgetExceeded {
		t.Errorf("ReasonCode = %s, want %s", got.ReasonCode, types.ReasonRiskBudgetExceeded)
	}
	if !strings.Contains(got.Reason, "over budget") {
		t.Errorf("Reason = %q, want budget explanation", got.Reason)
	}
}

func TestSizeAmplifiesOnHighAIScore(t *testing.T) {
	t.Parallel()
	s := testSizer()

	warm := s.Size(10000, 50, 90, false, 100, 99)
	if !warm.Approved {
		t.Fatalf("rejected: %s", warm.Reason)
	}
	if !warm.Amplified {
		t.Error("Amplified = false for ai=90 warm model")
	}
	if warm.MarginUSD != 1200 {
		t.Errorf("MarginUSD = %v, want 1000*1.2", warm.MarginUSD)
	}

	cold := s.Size(10000, 50, 90, true, 100, 99)
	if cold.Amplified {
		t.Error("Amplified = true on cold start, must be forbidden")
	}
	if cold.MarginUSD != 1000 {
		t.Errorf("cold MarginUSD = %v, want 1000", cold.MarginUSD)
	}

	// Exactly at the threshold does not amplify; the gate is strict.
	at := s.Size(10000, 50, 85, false, 100, 99)
	if at.Amplified {
		t.Error("Amplified = true at score 85, want strict >")
	}
}

func TestSizeRejectsInvertedStop(t *testing.T) {
	t.Parallel()
	got := testSizer().Size(1000, 50, 50, true, 100, 101)
	if got.Approved {
		t.Fatal("approved with stop above entry")
	}
	if got.ReasonCode != types.ReasonRiskBudgetExceeded {
		t.Errorf("ReasonCode = %s, want %s", got.ReasonCode, types.ReasonRiskBudgetExceeded)
	}
}

func TestAutoLeverageMapsScoreBand(t *testing.T) {
	t.Parallel()
	s := testSizer()

	tests := []struct {
		robot, ai float64
		want      int
	}{
		{0, 0, 10},
		{50, 50, 15},
		{100, 100, 20},
		{80, 90, 18},   // combined 85 -> 10 + 10*0.85 = 18.5 -> 18
		{120, 120, 20}, // clamped at 100
	}
	for _, tt := range tests {
		if got := s.AutoLeverage(tt.robot, tt.ai); got != tt.want {
			t.Errorf("AutoLeverage(%v,%v) = %d, want %d", tt.robot, tt.ai, got, tt.want)
		}
	}
}

func TestAutoLeverageRespectsHardMax(t *testing.T) {
	t.Parallel()
	s := NewSizer(
		config.RiskConfig{MaxLeverage: 12, MinMarginUSD: 50, EquityFraction: 0.1, MaxRiskFraction: 0.03},
		config.StrategyConfig{AutoLeverageMin: 10, AutoLeverageMax: 20},
	)
	if got := s.AutoLeverage(100, 100); got != 12 {
		t.Errorf("AutoLeverage = %d, want hard max 12", got)
	}
}
