package market

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
)

const minFeatureBars = 60

// ComputeFeatures 由升序 K 线计算 EMA/RSI/ATR/MACD 与 CVD。
func ComputeFeatures(interval string, candles []Candle) (TimeframeFeatures, error) {
	out := TimeframeFeatures{Interval: interval, Bars: len(candles)}
	if len(candles) < minFeatureBars {
		return out, fmt.Errorf("%s 需要至少 %d 根 K 线, 实际 %d", interval, minFeatureBars, len(candles))
	}
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	out.Close = closes[len(closes)-1]
	if first := closes[0]; first > 0 {
		out.ChangePct = round4((out.Close - first) / first * 100)
	}
	out.EMA20 = round4(last(talib.Ema(closes, 20)))
	out.EMA50 = round4(last(talib.Ema(closes, 50)))
	out.RSI14 = round4(last(talib.Rsi(closes, 14)))
	out.ATR14 = round4(last(talib.Atr(highs, lows, closes, 14)))
	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	out.MACD = round4(last(macd))
	out.MACDSignal = round4(last(signal))
	out.MACDHist = round4(last(hist))
	out.Trend = trendOf(out.Close, out.EMA20, out.EMA50)
	if cvd, ok := ComputeCVD(candles); ok {
		out.CVD = &cvd
	}
	return out, nil
}

func trendOf(price, fast, slow float64) string {
	switch {
	case price > fast && fast > slow:
		return "up"
	case price < fast && fast < slow:
		return "down"
	default:
		return "flat"
	}
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
