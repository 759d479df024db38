package market

import "github.com/shopspring/decimal"

const cvdLookback = 6

// CVD 主动买卖量差摘要，作为快照特征发给顾问。
//   - Value: 窗口内 (taker_buy - taker_sell) 的累计值
//   - Momentum: Value 相对 cvdLookback 根之前的变化
//   - Normalized: Value 在序列 [min, max] 中的位置，序列走平时为 0.5
//   - Divergence: 价格涨而 CVD 跌为 "down"，价格跌而 CVD 涨为 "up"，否则 "neutral"
//   - PeakFlip: 最近三点形成局部高点/低点
type CVD struct {
	Value      float64 `json:"value"`
	Momentum   float64 `json:"momentum"`
	Normalized float64 `json:"normalized"`
	Divergence string  `json:"divergence"`
	PeakFlip   string  `json:"peak_flip"`
}

// ComputeCVD 没有主动成交量数据时返回 false。
func ComputeCVD(candles []Candle) (CVD, bool) {
	series, ok := cumulativeDelta(candles)
	if !ok {
		return CVD{}, false
	}
	n := len(series)
	cur := series[n-1]

	ref := 0
	momentum := decimal.Zero
	if n > cvdLookback {
		ref = n - cvdLookback
		momentum = cur.Sub(series[ref])
	}

	lo, hi := decimal.Min(series[0], series[1:]...), decimal.Max(series[0], series[1:]...)
	norm := decimal.NewFromFloat(0.5)
	if hi.GreaterThan(lo) {
		norm = cur.Sub(lo).Div(hi.Sub(lo))
	}

	return CVD{
		Value:      cur.Round(4).InexactFloat64(),
		Momentum:   momentum.Round(4).InexactFloat64(),
		Normalized: norm.Round(4).InexactFloat64(),
		Divergence: cvdDivergence(candles[ref].Close, candles[n-1].Close, series[ref], cur),
		PeakFlip:   cvdPeakFlip(series),
	}, true
}

func cumulativeDelta(candles []Candle) ([]decimal.Decimal, bool) {
	out := make([]decimal.Decimal, 0, len(candles))
	sum := decimal.Zero
	seen := false
	for _, c := range candles {
		if c.TakerBuyVolume > 0 || c.TakerSellVolume > 0 {
			seen = true
		}
		sum = sum.Add(decimal.NewFromFloat(c.TakerBuyVolume).Sub(decimal.NewFromFloat(c.TakerSellVolume)))
		out = append(out, sum)
	}
	return out, seen
}

func cvdDivergence(pricePrev, priceNow float64, deltaPrev, deltaNow decimal.Decimal) string {
	switch {
	case priceNow > pricePrev && deltaNow.LessThan(deltaPrev):
		return "down"
	case priceNow < pricePrev && deltaNow.GreaterThan(deltaPrev):
		return "up"
	}
	return "neutral"
}

func cvdPeakFlip(series []decimal.Decimal) string {
	n := len(series)
	if n <= 3 {
		return "none"
	}
	last, mid, first := series[n-1], series[n-2], series[n-3]
	switch {
	case mid.GreaterThan(first) && mid.GreaterThan(last):
		return "local_top"
	case mid.LessThan(first) && mid.LessThan(last):
		return "local_bottom"
	}
	return "none"
}
