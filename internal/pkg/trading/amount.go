package trading

import (
	"math"

	"github.com/shopspring/decimal"
)

// ReduceQuantity 计算减仓/平仓数量：百分比按当前持仓折算，USDT 金额按价格折算，
// 结果截断到当前持仓，避免超量平仓。
func ReduceQuantity(position, percent, usdt, price float64) float64 {
	if position <= 0 {
		return 0
	}
	var qty float64
	switch {
	case percent > 0:
		if percent >= 100 {
			return position
		}
		qty = decimal.NewFromFloat(position).
			Mul(decimal.NewFromFloat(percent)).
			Div(decimal.NewFromInt(100)).
			InexactFloat64()
	case usdt > 0 && price > 0:
		qty = decimal.NewFromFloat(usdt).Div(decimal.NewFromFloat(price)).InexactFloat64()
	default:
		return 0
	}
	return math.Min(qty, position)
}

// QuantityForNotional 名义价值折算成数量。
func QuantityForNotional(notional, price float64) float64 {
	if notional <= 0 || price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price)).InexactFloat64()
}

// Notional 数量乘价格。
func Notional(qty, price float64) float64 {
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).InexactFloat64()
}
