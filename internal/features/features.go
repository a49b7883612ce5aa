// Package features turns OHLCV windows into the indicator set the strategy
// trades on: trend (EMA21/55, ADX with both DIs), volatility (ATR, squeeze
// state from Bollinger-inside-Keltner), momentum (close minus SMA20), volume
// ratio, RSI with its slope, and a best-effort rolling BTC correlation.
// Rows are cached per (symbol, interval, bar open, feature version); readers
// at one version never see rows computed at another.
package features

import (
	"encoding/json"
	"errors"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"asv8/pkg/types"
)

const (
	// MinBars is the shortest window Compute accepts. EMA55 dominates the
	// warmup; one extra bar feeds the RSI slope.
	MinBars = 60

	// CorrWindow is the rolling window for the optional BTC correlation.
	CorrWindow = 96

	emaFastPeriod = 21
	emaSlowPeriod = 55
	rsiPeriod     = 14
	adxPeriod     = 14
	atrPeriod     = 20
	bandPeriod    = 20
	bandWidth     = 2.0
	keltnerMult   = 1.5
	volMAPeriod   = 5

	// Dim is the length of the model input vector X.
	Dim = 8
)

// ErrStale marks a cache read that is missing or too old to trade on.
var ErrStale = errors.New("feature cache stale")

// Compute derives the indicator set for every bar of the window. The output
// is index-aligned with candles; entries inside the warmup region are zeroed
// and callers must only consume bars at or past MinBars-1. btcCloses enables
// the rolling correlation when it is index-aligned with candles; pass nil to
// skip it.
func Compute(candles []types.Candle, btcCloses []float64) ([]types.Features, error) {
	n := len(candles)
	if n < MinBars {
		return nil, fmt.Errorf("compute features: %d bars, need %d", n, MinBars)
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High.InexactFloat64()
		low[i] = c.Low.InexactFloat64()
		closes[i] = c.Close.InexactFloat64()
		volume[i] = c.Volume.InexactFloat64()
	}

	emaFast := talib.Ema(closes, emaFastPeriod)
	emaSlow := talib.Ema(closes, emaSlowPeriod)
	rsi := talib.Rsi(closes, rsiPeriod)
	adx := talib.Adx(high, low, closes, adxPeriod)
	plusDI := talib.PlusDI(high, low, closes, adxPeriod)
	minusDI := talib.MinusDI(high, low, closes, adxPeriod)
	atr := talib.Atr(high, low, closes, atrPeriod)
	smaMid := talib.Sma(closes, bandPeriod)
	bbUpper, _, bbLower := talib.BBands(closes, bandPeriod, bandWidth, bandWidth, talib.SMA)
	volSMA := talib.Sma(volume, volMAPeriod)

	var corr []float64
	if len(btcCloses) == n && n >= CorrWindow {
		corr = talib.Correl(closes, btcCloses, CorrWindow)
	}

	out := make([]types.Features, n)
	for i := MinBars - 1; i < n; i++ {
		f := types.Features{
			Close:   closes[i],
			Volume:  volume[i],
			Ema21:   emaFast[i],
			Ema55:   emaSlow[i],
			Rsi:     rsi[i],
			Adx:     adx[i],
			PlusDI:  plusDI[i],
			MinusDI: minusDI[i],
			Atr:     atr[i],
		}
		f.RsiSlope = rsi[i] - rsi[i-1]

		// Squeeze: both Bollinger bands inside the Keltner channel.
		kcUpper := smaMid[i] + keltnerMult*atr[i]
		kcLower := smaMid[i] - keltnerMult*atr[i]
		f.SqueezeOn = bbLower[i] > kcLower && bbUpper[i] < kcUpper

		f.Momentum = closes[i] - smaMid[i]

		// Volume against the mean of the five bars before this one.
		if prevVol := volSMA[i-1]; prevVol > 0 {
			f.VolRatio = volume[i] / prevVol
		}

		if corr != nil && i >= CorrWindow-1 {
			v := corr[i]
			f.BtcCorr = &v
		}

		f.X = Vector(&f)
		out[i] = f
	}
	return out, nil
}

// Vector flattens a feature row into the model input. Order is part of the
// persisted model contract; changing it requires a feature version bump.
func Vector(f *types.Features) []float64 {
	emaSpread := 0.0
	if f.Close != 0 {
		emaSpread = (f.Ema21 - f.Ema55) / f.Close
	}
	squeeze := 0.0
	if f.SqueezeOn {
		squeeze = 1.0
	}
	return []float64{
		f.Adx,
		f.PlusDI - f.MinusDI,
		f.Momentum,
		f.VolRatio,
		f.Rsi / 100,
		f.RsiSlope,
		emaSpread,
		squeeze,
	}
}

// Encode renders a feature row for the market_data_cache JSON column.
func Encode(f *types.Features) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}
	return b, nil
}

// Decode parses one cached row back into the indicator set.
func Decode(row *types.FeatureRow) (*types.Features, error) {
	var f types.Features
	if err := json.Unmarshal(row.FeaturesJSON, &f); err != nil {
		return nil, fmt.Errorf("decode features %s/%d: %w", row.Symbol, row.OpenTimeMs, err)
	}
	return &f, nil
}

// Fresh reports whether a cached bar open is recent enough to trade on:
// within two intervals of the bar the tick is evaluating.
func Fresh(rowOpenMs, tickBarOpenMs, intervalMs int64) bool {
	return tickBarOpenMs-rowOpenMs <= 2*intervalMs
}
