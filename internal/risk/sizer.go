// Package risk sizes entries: dynamic margin from equity, score-derived
// leverage, and a hard risk budget that caps worst-case loss per trade at a
// fraction of equity.
package risk

import (
	"fmt"

	"asv8/internal/config"
	"asv8/pkg/types"
)

// Sizing is the outcome of one sizing pass. When Approved is false,
// ReasonCode and Reason explain the rejection and the order must not go out.
type Sizing struct {
	Approved    bool
	ReasonCode  types.ReasonCode
	Reason      string
	MarginUSD   float64
	Leverage    int
	Qty         float64
	StopDistPct float64
	RiskUSD     float64
	Amplified   bool
}

// Sizer applies the margin and leverage policy. It is stateless; every call
// sizes one prospective long.
type Sizer struct {
	risk  config.RiskConfig
	strat config.StrategyConfig
}

func NewSizer(risk config.RiskConfig, strat config.StrategyConfig) *Sizer {
	return &Sizer{risk: risk, strat: strat}
}

// Size computes margin, leverage, and quantity for a long entry.
//
// Margin starts at max(MinMarginUSD, equity*EquityFraction) and is amplified
// by ScoreAmplifier when the AI score clears AmplifyScoreMin; a cold-start
// model never amplifies. Leverage starts at the score-mapped value and is
// decremented until margin*leverage*stopDistPct fits inside
// MaxRiskFraction*equity. Running out of leverage rejects the trade.
func (s *Sizer) Size(equity, robotScore, aiScore float64, coldStart bool, entry, stop float64) Sizing {
	out := Sizing{}

	if entry <= 0 {
		out.ReasonCode = types.ReasonRiskBudgetExceeded
		out.Reason = "entry price missing"
		return out
	}
	if stop >= entry {
		out.ReasonCode = types.ReasonRiskBudgetExceeded
		out.Reason = fmt.Sprintf("stop %.2f at or above entry %.2f", stop, entry)
		return out
	}

	margin := s.risk.MinMarginUSD
	if frac := equity * s.risk.EquityFraction; frac > margin {
		margin = frac
	}
	if aiScore > s.risk.AmplifyScoreMin && !coldStart {
		margin *= s.risk.ScoreAmplifier
		out.Amplified = true
	}

	out.StopDistPct = (entry - stop) / entry
	budget := equity * s.risk.MaxRiskFraction

	lev := s.AutoLeverage(robotScore, aiScore)
	for lev >= 1 {
		if risk := margin * float64(lev) * out.StopDistPct; risk <= budget {
			out.RiskUSD = risk
			break
		}
		lev--
	}
	if lev < 1 {
		out.ReasonCode = types.ReasonRiskBudgetExceeded
		out.Reason = fmt.Sprintf("risk %.2f over budget %.2f at 1x (margin %.2f, stop %.4f)",
			margin*out.StopDistPct, budget, margin, out.StopDistPct)
		return out
	}

	out.Approved = true
	out.MarginUSD = margin
	out.Leverage = lev
	out.Qty = margin * float64(lev) / entry
	out.Reason = fmt.Sprintf("margin %.2f lev %dx risk %.2f within budget %.2f",
		margin, lev, out.RiskUSD, budget)
	return out
}

// AutoLeverage maps the combined robot and AI score linearly onto the
// configured leverage band, clipped by the hard maximum.
func (s *Sizer) AutoLeverage(robotScore, aiScore float64) int {
	lo, hi := s.strat.AutoLeverageMin, s.strat.AutoLeverageMax
	if hi < lo {
		hi = lo
	}
	combined := clampScore((robotScore + aiScore) / 2)
	lev := lo + int(float64(hi-lo)*combined/100)
	if lev > s.risk.MaxLeverage && s.risk.MaxLeverage > 0 {
		lev = s.risk.MaxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
