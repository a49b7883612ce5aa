// Package signal evaluates the Setup B long-entry template on the two most
// recent cached bars and scores trend quality for position sizing.
package signal

import (
	"fmt"
	"math"

	"asv8/internal/config"
	"asv8/pkg/types"
)

// Decision is the outcome of one Setup B evaluation. When Long is false,
// Reason names the first gate that failed.
type Decision struct {
	Long       bool
	ReasonCode types.ReasonCode
	Reason     string
	RobotScore float64
	AIScore    float64
}

// EvaluateSetupB checks the entry predicate on the just-closed bar. Every
// gate must hold: trending (ADX and +DI dominance), squeeze released on this
// bar, momentum flipped positive, volume confirmation, and the AI gate.
func EvaluateSetupB(curr, prev *types.Features, aiScore float64, cfg config.StrategyConfig) Decision {
	d := Decision{RobotScore: RobotScore(curr), AIScore: aiScore}

	if curr == nil || prev == nil {
		d.Reason = "missing bars"
		return d
	}
	if curr.Adx < cfg.AdxMin {
		d.Reason = fmt.Sprintf("trend weak: adx %.1f < %.1f", curr.Adx, cfg.AdxMin)
		return d
	}
	if curr.PlusDI <= curr.MinusDI {
		d.Reason = fmt.Sprintf("trend down: +di %.1f <= -di %.1f", curr.PlusDI, curr.MinusDI)
		return d
	}
	if !(prev.SqueezeOn && !curr.SqueezeOn) {
		d.Reason = fmt.Sprintf("no squeeze release: prev=%t curr=%t", prev.SqueezeOn, curr.SqueezeOn)
		return d
	}
	if !(prev.Momentum <= 0 && curr.Momentum > 0) {
		d.Reason = fmt.Sprintf("no momentum flip: prev=%.4f curr=%.4f", prev.Momentum, curr.Momentum)
		return d
	}
	if curr.VolRatio < cfg.VolRatioMin {
		d.Reason = fmt.Sprintf("low volume: ratio %.2f < %.2f", curr.VolRatio, cfg.VolRatioMin)
		return d
	}
	if aiScore < cfg.AIScoreMin {
		d.Reason = fmt.Sprintf("ai gate: score %.1f < %.1f", aiScore, cfg.AIScoreMin)
		return d
	}

	d.Long = true
	d.ReasonCode = types.ReasonSetupBSqueezeRelease
	d.Reason = fmt.Sprintf(
		"squeeze release long: adx=%.1f +di=%.1f -di=%.1f mom=%.4f vol_ratio=%.2f ai=%.1f robot=%.1f",
		curr.Adx, curr.PlusDI, curr.MinusDI, curr.Momentum, curr.VolRatio, aiScore, d.RobotScore)
	return d
}

// RobotScore grades trend quality 0-100 from EMA divergence and RSI
// positioning. Each half clamps to 0-50; missing inputs score the neutral 50.
func RobotScore(f *types.Features) float64 {
	if f == nil || f.Close <= 0 || f.Ema21 == 0 || f.Ema55 == 0 {
		return 50
	}
	trend := clamp(math.Abs(f.Ema21-f.Ema55)/f.Close*100*500, 0, 50)
	rsi := clamp((70-f.Rsi)/40*50, 0, 50)
	return trend + rsi
}

// StopPrice places the protective stop a multiple of ATR under the entry,
// with a 2% floor distance when the ATR is missing.
func StopPrice(entry, atr, atrMult float64) float64 {
	if atr <= 0 {
		atr = entry * 0.02
		atrMult = 1
	}
	return entry - atr*atrMult
}

// TakeProfitPrice mirrors the stop distance above the entry scaled by the
// reward-to-risk multiple.
func TakeProfitPrice(entry, stop, rr float64) float64 {
	if rr <= 0 {
		rr = 1
	}
	return entry + (entry-stop)*rr
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
